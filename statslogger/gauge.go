// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package statslogger

import (
	"fmt"
)

// gaugeStats accumulates samples of one gauge over a logging period.
type gaugeStats struct {
	min     int64
	max     int64
	total   int64
	samples int64
}

func (gauge *gaugeStats) sample(value int64) {
	if (0 == gauge.samples) || (value < gauge.min) {
		gauge.min = value
	}
	if (0 == gauge.samples) || (value > gauge.max) {
		gauge.max = value
	}
	gauge.total += value
	gauge.samples++
}

func (gauge *gaugeStats) mean() int64 {
	if 0 == gauge.samples {
		return 0
	}
	return gauge.total / gauge.samples
}

func (gauge *gaugeStats) reset() {
	*gauge = gaugeStats{}
}

// String renders min/mean/max, or "-" if nothing was sampled.
func (gauge *gaugeStats) String() string {
	if 0 == gauge.samples {
		return "-"
	}
	return fmt.Sprintf("%d/%d/%d", gauge.min, gauge.mean(), gauge.max)
}
