//
// Copyright 2020-2021 Toda Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//    https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//

package mount

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/xuesongbj/toda/domain"
)

const selfMountInfoPath = "/proc/self/mountinfo"

// mountInfoParser holds the ordered sequence of mount entries seen by this
// process.
type mountInfoParser struct {
	ios    domain.IOServiceIface
	mounts []*domain.MountInfo // entries in mountinfo order
}

func newMountInfoParser(ios domain.IOServiceIface) *mountInfoParser {
	return &mountInfoParser{ios: ios}
}

// Simple wrapper over parseData() method. Kept separated to decouple
// file-handling operations and allow the actual parser to take []byte input
// for testing and benchmarking purposes.
func (mi *mountInfoParser) parse() error {

	node := mi.ios.NewIOnode("mountinfo", selfMountInfoPath, os.FileMode(0444))

	data, err := node.ReadFile()
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", selfMountInfoPath, err)
	}

	return mi.parseData(data)
}

// parseData parses mountinfo content line by line.
func (mi *mountInfoParser) parseData(data []byte) error {

	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {

		entry, err := mi.parseComponents(scanner.Text())
		if err != nil {
			return err
		}

		mi.mounts = append(mi.mounts, entry)
	}

	return scanner.Err()
}

// parseComponents parses a mountinfo file line.
func (mi *mountInfoParser) parseComponents(data string) (*domain.MountInfo, error) {

	var err error

	componentSplit := strings.Split(data, " ")
	componentSplitLength := len(componentSplit)

	if componentSplitLength < 10 {
		return nil, fmt.Errorf("Not enough fields in mount string: %s", data)
	}

	// Hyphen separator is expected, otherwise line is malformed.
	if componentSplit[componentSplitLength-4] != "-" {
		return nil, fmt.Errorf("No separator found in field: %s",
			componentSplit[componentSplitLength-4])
	}

	mount := &domain.MountInfo{
		MajorMinorVer: componentSplit[2],
		Root:          componentSplit[3],
		MountPoint:    componentSplit[4],
		FsType:        componentSplit[componentSplitLength-3],
		Source:        componentSplit[componentSplitLength-2],
	}

	mount.MountID, err = strconv.Atoi(componentSplit[0])
	if err != nil {
		return nil, fmt.Errorf("Error parsing mountID field")
	}
	mount.ParentID, err = strconv.Atoi(componentSplit[1])
	if err != nil {
		return nil, fmt.Errorf("Error parsing parentID field")
	}

	mount.Options = mi.parseOptionsComponent(componentSplit[5])
	mount.VfsOptions = mi.parseOptionsComponent(componentSplit[componentSplitLength-1])

	if componentSplit[6] != "" {
		mount.OptionalFields =
			mi.parseOptFieldsComponent(componentSplit[6 : componentSplitLength-4])
	}

	return mount, nil
}

// parseOptionsComponent parses both regular mount-options and superblock
// mount-options.
func (mi *mountInfoParser) parseOptionsComponent(s string) map[string]string {

	optionsMap := make(map[string]string)

	// Separate all mount options.
	options := strings.Split(s, ",")
	for _, opt := range options {

		// Discern between binomial and monomial options.
		optionSplit := strings.Split(opt, "=")

		if len(optionSplit) >= 2 {
			// Example: "... size=4058184k,mode=755"
			key, value := optionSplit[0], optionSplit[1]
			optionsMap[key] = value

		} else {
			// Example: "... rw,net_cls,net_prio"
			key := optionSplit[0]
			optionsMap[key] = ""
		}
	}

	return optionsMap
}

// parseOptFieldsComponent parses the list of optional-fields.
func (mi *mountInfoParser) parseOptFieldsComponent(s []string) map[string]string {

	optionalFieldsMap := make(map[string]string)

	for _, field := range s {
		var value string

		// Separate all optional-fields.
		optionSplit := strings.SplitN(field, ":", 2)

		// Example: "... master:2 ..."
		if len(optionSplit) == 2 {
			value = optionSplit[1]
		} else {
			value = ""
		}

		optionalFieldsMap[optionSplit[0]] = value
	}

	return optionalFieldsMap
}

// isPathPrefix returns true if 'prefix' is a path-wise prefix of 'path':
// "/a/b" covers "/a/b" and "/a/b/c", but not "/a/bc".
func isPathPrefix(prefix, path string) bool {

	if prefix == "/" {
		return strings.HasPrefix(path, "/")
	}

	if path == prefix {
		return true
	}

	return strings.HasPrefix(path, prefix+"/")
}
