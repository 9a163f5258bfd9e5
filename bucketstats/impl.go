// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package bucketstats

import (
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"
	"unicode"
)

var (
	pkgNameToGroupName map[string]map[string]interface{}
	statsNameMapLock   sync.Mutex
)

func register(pkgName string, statsGroupName string, statsStruct interface{}) {
	var (
		ok bool
	)

	if pkgName == "" && statsGroupName == "" {
		panic(fmt.Sprintf("statistics group must have non-empty pkgName or statsGroupName"))
	}

	if reflect.TypeOf(statsStruct).Kind() != reflect.Ptr ||
		reflect.ValueOf(statsStruct).Elem().Type().Kind() != reflect.Struct {
		panic(fmt.Sprintf("statsStruct for statistics group '%s' is (%s), should be (*struct)",
			statsGroupName, reflect.TypeOf(statsStruct)))
	}

	structAsValue := reflect.ValueOf(statsStruct).Elem()
	structAsType := structAsValue.Type()

	names := make(map[string]struct{})

	for i := 0; i < structAsType.NumField(); i++ {
		fieldName := structAsType.Field(i).Name
		fieldAsValue := structAsValue.Field(i)

		switch structAsType.Field(i).Type {
		case reflect.TypeOf(Total{}), reflect.TypeOf(Average{}), reflect.TypeOf(BucketLog2Round{}):
		default:
			continue
		}

		if !fieldAsValue.CanSet() {
			panic(fmt.Sprintf("statistics group '%s' field %s must be exported to be usable by bucketstats",
				statsGroupName, fieldName))
		}

		statNameValue := fieldAsValue.FieldByName("Name")
		if statNameValue.String() == "" {
			statNameValue.SetString(fieldName)
		} else {
			statNameValue.SetString(scrubName(statNameValue.String()))
		}
		_, ok = names[statNameValue.String()]
		if ok {
			panic(fmt.Sprintf("stats '%s' field %s Name '%s' is already in use",
				statsGroupName, fieldName, statNameValue))
		}
		names[statNameValue.String()] = struct{}{}

		if v, isBucketer := fieldAsValue.Addr().Interface().(*BucketLog2Round); isBucketer {
			if v.NBucket == 0 || v.NBucket > uint(len(v.statBuckets)) {
				v.NBucket = uint(len(v.statBuckets))
			} else if v.NBucket < 2 {
				v.NBucket = 2
			}
		}
	}

	statsGroupName = scrubName(statsGroupName)
	pkgName = scrubName(pkgName)

	statsNameMapLock.Lock()
	defer statsNameMapLock.Unlock()

	if pkgNameToGroupName == nil {
		pkgNameToGroupName = make(map[string]map[string]interface{})
	}
	if pkgNameToGroupName[pkgName] == nil {
		pkgNameToGroupName[pkgName] = make(map[string]interface{})
	}

	if pkgNameToGroupName[pkgName][statsGroupName] != nil {
		panic(fmt.Sprintf("pkgName '%s' with statsGroupName '%s' is already registered",
			pkgName, statsGroupName))
	}
	pkgNameToGroupName[pkgName][statsGroupName] = statsStruct
}

func unRegister(pkgName string, statsGroupName string) {
	pkgName = scrubName(pkgName)
	statsGroupName = scrubName(statsGroupName)

	statsNameMapLock.Lock()
	defer statsNameMapLock.Unlock()

	// silently ignore groups that were never registered
	if pkgNameToGroupName[pkgName] != nil {
		delete(pkgNameToGroupName[pkgName], statsGroupName)

		if len(pkgNameToGroupName[pkgName]) == 0 {
			delete(pkgNameToGroupName, pkgName)
		}
	}
}

func sprintStats(pkgName string, statsGroupName string) (statValues string) {
	var (
		group    string
		groups   []string
		pkg      string
		pkgs     []string
		selected bool
	)

	statsNameMapLock.Lock()
	defer statsNameMapLock.Unlock()

	if pkgName != "*" {
		pkgName = scrubName(pkgName)
	}
	if statsGroupName != "*" {
		statsGroupName = scrubName(statsGroupName)
	}

	for pkg = range pkgNameToGroupName {
		if (pkgName == "*") || (pkgName == pkg) {
			pkgs = append(pkgs, pkg)
		}
	}
	sort.Strings(pkgs)

	for _, pkg = range pkgs {
		groups = groups[:0]
		for group = range pkgNameToGroupName[pkg] {
			if (statsGroupName == "*") || (statsGroupName == group) {
				groups = append(groups, group)
			}
		}
		sort.Strings(groups)

		for _, group = range groups {
			selected = true
			statValues += sprintStatsStruct(pkg, group, pkgNameToGroupName[pkg][group])
		}
	}

	if !selected && (pkgName != "*") && (statsGroupName != "*") {
		panic(fmt.Sprintf("bucketstats.sprintStats(): statistics group '%s.%s' is not registered",
			pkgName, statsGroupName))
	}

	return
}

func sprintStatsStruct(pkgName string, statsGroupName string, statsStruct interface{}) (statValues string) {
	structAsValue := reflect.ValueOf(statsStruct).Elem()

	for i := 0; i < structAsValue.NumField(); i++ {
		fieldAsValue := structAsValue.Field(i)
		if !fieldAsValue.CanAddr() || !fieldAsValue.CanSet() {
			continue
		}
		if totaler, ok := fieldAsValue.Addr().Interface().(Totaler); ok {
			statValues += totaler.Sprint(pkgName, statsGroupName)
		}
	}

	return
}

func statName(pkgName string, statsGroupName string, name string) string {
	switch {
	case pkgName == "":
		return statsGroupName + "." + name
	case statsGroupName == "":
		return pkgName + "." + name
	default:
		return pkgName + "." + statsGroupName + "." + name
	}
}

func (this *Total) sprint(pkgName string, statsGroupName string) string {
	return fmt.Sprintf("%s total:%d\n", statName(pkgName, statsGroupName, this.Name), this.TotalGet())
}

func (this *Average) sprint(pkgName string, statsGroupName string) string {
	return fmt.Sprintf("%s avg:%d count:%d total:%d\n",
		statName(pkgName, statsGroupName, this.Name), this.AverageGet(), this.CountGet(), this.TotalGet())
}

func (this *BucketLog2Round) sprint(pkgName string, statsGroupName string) string {
	var (
		bucketInfo BucketInfo
		buckets    []string
	)

	for _, bucketInfo = range this.DistGet() {
		if 0 == bucketInfo.Count {
			continue
		}
		buckets = append(buckets, fmt.Sprintf("%d:%d", bucketInfo.RangeHigh, bucketInfo.Count))
	}

	return fmt.Sprintf("%s avg:%d count:%d total:%d %s\n",
		statName(pkgName, statsGroupName, this.Name), this.AverageGet(), this.CountGet(), this.TotalGet(),
		strings.Join(buckets, " "))
}

// scrubName replaces characters that would confuse a stats parser with '_'.
func scrubName(name string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) || (r == '"') || (r == '*') || (r == ':') {
			return '_'
		}
		return r
	}, name)
}
