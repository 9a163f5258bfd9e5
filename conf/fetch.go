// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package conf

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// FetchOptionValueStringSlice returns [sectionName]optionName's string values as a []string
func (confMap ConfMap) FetchOptionValueStringSlice(sectionName string, optionName string) (optionValue []string, err error) {
	option, err := confMap.fetchOption(sectionName, optionName)
	if nil != err {
		optionValue = []string{}
		return
	}

	optionValue = option

	return
}

// FetchOptionValueString returns [sectionName]optionName's single string value
func (confMap ConfMap) FetchOptionValueString(sectionName string, optionName string) (optionValue string, err error) {
	option, err := confMap.fetchOption(sectionName, optionName)
	if nil != err {
		return
	}

	if 1 != len(option) {
		err = fmt.Errorf("[%v]%v must be single-valued", sectionName, optionName)
		return
	}

	optionValue = option[0]

	return
}

// FetchOptionValueBool returns [sectionName]optionName's single string value converted to a bool
func (confMap ConfMap) FetchOptionValueBool(sectionName string, optionName string) (optionValue bool, err error) {
	optionValueString, err := confMap.FetchOptionValueString(sectionName, optionName)
	if nil != err {
		return
	}

	switch strings.ToLower(optionValueString) {
	case "yes", "on", "true":
		optionValue = true
	case "no", "off", "false":
		optionValue = false
	default:
		err = fmt.Errorf("[%v]%v must be one of yes/no, on/off, or true/false", sectionName, optionName)
	}

	return
}

// FetchOptionValueUint32 returns [sectionName]optionName's single string value converted to a uint32
func (confMap ConfMap) FetchOptionValueUint32(sectionName string, optionName string) (optionValue uint32, err error) {
	optionValueUint64, err := confMap.fetchUint(sectionName, optionName, 32)
	if nil != err {
		return
	}

	optionValue = uint32(optionValueUint64)

	return
}

// FetchOptionValueUint64 returns [sectionName]optionName's single string value converted to a uint64
func (confMap ConfMap) FetchOptionValueUint64(sectionName string, optionName string) (optionValue uint64, err error) {
	optionValue, err = confMap.fetchUint(sectionName, optionName, 64)
	return
}

// FetchOptionValueFloat64 returns [sectionName]optionName's single string value converted to a float64
func (confMap ConfMap) FetchOptionValueFloat64(sectionName string, optionName string) (optionValue float64, err error) {
	optionValueString, err := confMap.FetchOptionValueString(sectionName, optionName)
	if nil != err {
		return
	}

	optionValue, err = strconv.ParseFloat(optionValueString, 64)
	if nil != err {
		err = fmt.Errorf("[%v]%v: %v", sectionName, optionName, err)
	}

	return
}

// FetchOptionValueDuration returns [sectionName]optionName's single string value converted to a time.Duration
//
// A bare number (e.g. "1.5") is interpreted as seconds.
//
func (confMap ConfMap) FetchOptionValueDuration(sectionName string, optionName string) (optionValue time.Duration, err error) {
	var (
		optionValueFloat64 float64
		optionValueString  string
	)

	optionValueString, err = confMap.FetchOptionValueString(sectionName, optionName)
	if nil != err {
		return
	}

	optionValueFloat64, err = strconv.ParseFloat(optionValueString, 64)
	if nil == err {
		optionValue = time.Duration(optionValueFloat64 * float64(time.Second))
	} else {
		optionValue, err = time.ParseDuration(optionValueString)
		if nil != err {
			err = fmt.Errorf("[%v]%v: %v", sectionName, optionName, err)
			return
		}
	}

	if 0 > optionValue {
		err = fmt.Errorf("[%v]%v must not be negative", sectionName, optionName)
	}

	return
}

// fetchUint accepts decimal, 0x-prefixed hex, and KiB/MiB/GiB suffixed values.
func (confMap ConfMap) fetchUint(sectionName string, optionName string, bitSize int) (optionValue uint64, err error) {
	var (
		multiplier        uint64
		optionValueString string
	)

	optionValueString, err = confMap.FetchOptionValueString(sectionName, optionName)
	if nil != err {
		return
	}

	multiplier = 1

	switch {
	case strings.HasSuffix(optionValueString, "KiB"):
		multiplier = 1 << 10
	case strings.HasSuffix(optionValueString, "MiB"):
		multiplier = 1 << 20
	case strings.HasSuffix(optionValueString, "GiB"):
		multiplier = 1 << 30
	}
	if 1 != multiplier {
		optionValueString = optionValueString[:len(optionValueString)-3]
	}

	optionValue, err = strconv.ParseUint(optionValueString, 0, bitSize)
	if nil != err {
		err = fmt.Errorf("[%v]%v: %v", sectionName, optionName, err)
		return
	}

	if (0 != optionValue) && ((optionValue*multiplier)/optionValue != multiplier) {
		err = fmt.Errorf("[%v]%v overflows", sectionName, optionName)
		return
	}

	optionValue *= multiplier

	if (32 == bitSize) && ((1 << 32) <= optionValue) {
		err = fmt.Errorf("[%v]%v does not fit in a uint32", sectionName, optionName)
	}

	return
}
