// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

// Package conf provides the .INI/.conf style configuration map used by every
// bmapcache component.
//
// A ConfMap is accessed via confMap[sectionName][optionName][optionValueIndex]
// or via the typed Fetch methods below.
//
// A string to load looks like:
//
//   <section_name>.<option_name> =
//   <section_name>.<option_name> : <value>
//   <section_name>.<option_name> = <value_1>, <value_2> <value_3>
//
// A file to load looks like:
//
//   [<section_name>]
//   <option_name> : <value>            # comment
//   <option_name> = <value_1> <value_2> ; comment
//
//   .include <path relative to this file unless starting with '/'>
//
package conf

import (
	"fmt"
	"regexp"
	"strings"
)

type ConfMapOption []string
type ConfMapSection map[string]ConfMapOption
type ConfMap map[string]ConfMapSection

const (
	assignment   = "([ \t]*[=:][ \t]*)"
	dot          = "(\\.)"
	separator    = "([ \t]+|([ \t]*,[ \t]*))"
	token        = "([0-9A-Za-z_\\*\\-/:\\.\\[\\]]+)"
	sectionToken = "([0-9A-Za-z_\\-/:\\.]+)"
)

var (
	stringRE           = regexp.MustCompile("\\A" + sectionToken + dot + token + assignment + "(" + token + "(" + separator + token + ")*)?\\z")
	sectionHeaderRE    = regexp.MustCompile("\\A\\[" + sectionToken + "\\]\\z")
	optionLineRE       = regexp.MustCompile("\\A" + token + assignment + "(" + token + "(" + separator + token + ")*)?\\z")
	includeLineRE      = regexp.MustCompile("\\A\\.include[ \t]+" + token + "\\z")
	assignmentRE       = regexp.MustCompile(assignment)
	valueSeparatorRE   = regexp.MustCompile(separator)
	includeSeparatorRE = regexp.MustCompile("[ \t]+")
)

// MakeConfMap returns an newly created empty ConfMap
func MakeConfMap() (confMap ConfMap) {
	confMap = make(ConfMap)
	return
}

// MakeConfMapFromFile returns a newly created ConfMap loaded with the contents of the confFilePath-specified file
func MakeConfMapFromFile(confFilePath string) (confMap ConfMap, err error) {
	confMap = MakeConfMap()
	err = confMap.UpdateFromFile(confFilePath)
	return
}

// MakeConfMapFromStrings returns a newly created ConfMap loaded with the contents specified in confStrings
func MakeConfMapFromStrings(confStrings []string) (confMap ConfMap, err error) {
	confMap = MakeConfMap()

	err = confMap.UpdateFromStrings(confStrings)
	if nil != err {
		err = fmt.Errorf("error building confMap from conf strings: %v", err)
	}

	return
}

// UpdateFromString modifies a pre-existing ConfMap based on an update
// specified in confString (e.g., from an extra command-line argument)
func (confMap ConfMap) UpdateFromString(confString string) (err error) {
	var (
		optionName    string
		optionPayload string
		optionValues  string
		sectionName   string
		splitAtDot    []string
		splitAtAssign []string
		trimmedString string
	)

	trimmedString = strings.Trim(confString, " \t")

	if 0 == len(trimmedString) {
		err = fmt.Errorf("trimmed confString: \"%v\" was found to be empty", confString)
		return
	}

	if !stringRE.MatchString(trimmedString) {
		err = fmt.Errorf("malformed confString: \"%v\"", confString)
		return
	}

	splitAtDot = strings.SplitN(trimmedString, ".", 2)
	sectionName = splitAtDot[0]
	optionPayload = splitAtDot[1]

	splitAtAssign = assignmentRE.Split(optionPayload, 2)
	optionName = splitAtAssign[0]
	optionValues = splitAtAssign[1]

	confMap.setOption(sectionName, optionName, optionValues)

	err = nil
	return
}

// UpdateFromStrings modifies a pre-existing ConfMap based on an update
// specified in confStrings (e.g., from extra command-line arguments)
func (confMap ConfMap) UpdateFromStrings(confStrings []string) (err error) {
	for _, confString := range confStrings {
		err = confMap.UpdateFromString(confString)
		if nil != err {
			return
		}
	}

	err = nil
	return
}

// UpdateFromFile modifies a pre-existing ConfMap based on updates specified in confFilePath
func (confMap ConfMap) UpdateFromFile(confFilePath string) (err error) {
	err = confMap.updateFromFile(confFilePath, 0)
	return
}

// VerifyOptionIsMissing returns an error if [sectionName]optionName exists
func (confMap ConfMap) VerifyOptionIsMissing(sectionName string, optionName string) (err error) {
	section, ok := confMap[sectionName]
	if !ok {
		err = nil
		return
	}

	_, ok = section[optionName]
	if ok {
		err = fmt.Errorf("[%v]%v exists", sectionName, optionName)
	} else {
		err = nil
	}

	return
}

// VerifyOptionValueIsEmpty returns an error if [sectionName]optionName's string value is not empty
func (confMap ConfMap) VerifyOptionValueIsEmpty(sectionName string, optionName string) (err error) {
	option, err := confMap.fetchOption(sectionName, optionName)
	if nil != err {
		return
	}

	if 0 != len(option) {
		err = fmt.Errorf("[%v]%v must have no value", sectionName, optionName)
	}

	return
}

func (confMap ConfMap) setOption(sectionName string, optionName string, optionValues string) {
	var (
		optionValuesSplit []string
		section           ConfMapSection
		ok                bool
	)

	optionValuesSplit = valueSeparatorRE.Split(optionValues, -1)
	if (1 == len(optionValuesSplit)) && ("" == optionValuesSplit[0]) {
		optionValuesSplit = []string{}
	}

	section, ok = confMap[sectionName]
	if !ok {
		section = make(ConfMapSection)
		confMap[sectionName] = section
	}

	section[optionName] = optionValuesSplit
}

func (confMap ConfMap) fetchOption(sectionName string, optionName string) (option ConfMapOption, err error) {
	section, ok := confMap[sectionName]
	if !ok {
		err = fmt.Errorf("[%v] missing", sectionName)
		return
	}

	option, ok = section[optionName]
	if !ok {
		err = fmt.Errorf("[%v]%v missing", sectionName, optionName)
		return
	}

	err = nil
	return
}
