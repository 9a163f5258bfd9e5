// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package conf

import (
	"bufio"
	"bytes"
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"
)

const maxIncludeDepth = 16

func (confMap ConfMap) updateFromFile(confFilePath string, includeDepth int) (err error) {
	var (
		confFileBytes      []byte
		currentLine        string
		currentLineNumber  int
		currentSectionName string
		optionNameValues   []string
		scanner            *bufio.Scanner
	)

	if maxIncludeDepth < includeDepth {
		err = fmt.Errorf("file %v exceeds .include depth of %v", confFilePath, maxIncludeDepth)
		return
	}

	if "-" == confFilePath {
		confFileBytes, err = ioutil.ReadAll(os.Stdin)
	} else {
		confFileBytes, err = ioutil.ReadFile(confFilePath)
	}
	if nil != err {
		return
	}

	if !utf8.Valid(confFileBytes) {
		err = fmt.Errorf("file %v contained invalid UTF-8", confFilePath)
		return
	}
	if (0 < len(confFileBytes)) && ('\n' != confFileBytes[len(confFileBytes)-1]) {
		err = fmt.Errorf("file %v did not end in a '\\n' character", confFilePath)
		return
	}

	scanner = bufio.NewScanner(bytes.NewReader(confFileBytes))

	for scanner.Scan() {
		currentLineNumber++

		currentLine = strings.SplitN(scanner.Text(), ";", 2)[0]
		currentLine = strings.SplitN(currentLine, "#", 2)[0]
		currentLine = strings.Trim(currentLine, " \t\r")

		if 0 == len(currentLine) {
			continue
		}

		switch {
		case includeLineRE.MatchString(currentLine):
			err = confMap.updateFromFile(includePath(confFilePath, includeSeparatorRE.Split(currentLine, 2)[1]), includeDepth+1)
			if nil != err {
				return
			}
			currentSectionName = ""
		case sectionHeaderRE.MatchString(currentLine):
			currentSectionName = strings.Trim(currentLine, "[]")
		default:
			if "" == currentSectionName {
				err = fmt.Errorf("file %v line %v: option outside of any section", confFilePath, currentLineNumber)
				return
			}
			if !optionLineRE.MatchString(currentLine) {
				err = fmt.Errorf("file %v line %v: malformed line '%v'", confFilePath, currentLineNumber, currentLine)
				return
			}
			optionNameValues = assignmentRE.Split(currentLine, 2)
			confMap.setOption(currentSectionName, optionNameValues[0], optionNameValues[1])
		}
	}

	err = scanner.Err()

	return
}

func includePath(confFilePath string, nestedConfFilePath string) string {
	if filepath.IsAbs(nestedConfFilePath) || ("-" == confFilePath) {
		return nestedConfFilePath
	}

	return filepath.Join(filepath.Dir(confFilePath), nestedConfFilePath)
}
