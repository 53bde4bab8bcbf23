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

package process

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/xuesongbj/toda/domain"
)

const procPath = "/proc"

type ProcessService struct {
	ios domain.IOServiceIface
}

func NewProcessService() *ProcessService {
	return &ProcessService{}
}

func (ps *ProcessService) Setup(ios domain.IOServiceIface) {
	ps.ios = ios
}

// AllPids lists every process id currently visible in /proc. Entries that
// vanish mid-scan are not an error; /proc is inherently racy.
func (ps *ProcessService) AllPids() ([]int, error) {

	procNode := ps.ios.NewIOnode("proc", procPath, os.ModeDir)

	entries, err := procNode.ReadDirAll()
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", procPath, err)
	}

	var pids []int
	for _, entry := range entries {
		pid, err := strconv.Atoi(entry.Name())
		if err != nil {
			// Non-numerical entries (self, sys, etc) are not processes.
			continue
		}
		pids = append(pids, pid)
	}

	return pids, nil
}

// FdPaths returns the open file descriptors of a process, mapped to the
// paths their /proc/<pid>/fd links resolve to. Descriptors whose target is
// not a filesystem path (pipes, sockets, eventfds, anonymous inodes) are
// omitted.
func (ps *ProcessService) FdPaths(pid int) (map[int]string, error) {

	fdDirPath := filepath.Join(procPath, strconv.Itoa(pid), "fd")
	fdDirNode := ps.ios.NewIOnode("fd", fdDirPath, os.ModeDir)

	entries, err := fdDirNode.ReadDirAll()
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", fdDirPath, err)
	}

	result := make(map[int]string)

	for _, entry := range entries {
		fd, err := strconv.Atoi(entry.Name())
		if err != nil {
			continue
		}

		linkNode := ps.ios.NewIOnode(
			entry.Name(),
			filepath.Join(fdDirPath, entry.Name()),
			os.FileMode(0),
		)

		target, err := linkNode.Readlink()
		if err != nil {
			// The fd was closed between readdir and readlink.
			logrus.Debugf("pid %d fd %d vanished during scan: %v", pid, fd, err)
			continue
		}

		if !isPathTarget(target) {
			continue
		}

		result[fd] = target
	}

	return result, nil
}

// isPathTarget discriminates plain file paths from the pseudo targets procfs
// reports for pipes ("pipe:[n]"), sockets ("socket:[n]") and anonymous
// inodes ("anon_inode:[eventfd]").
func isPathTarget(target string) bool {

	if !strings.HasPrefix(target, "/") {
		return false
	}

	// Deleted files keep their path with a marker suffix; they cannot be
	// reopened, so they are not replacement candidates.
	if strings.HasSuffix(target, " (deleted)") {
		return false
	}

	return true
}
