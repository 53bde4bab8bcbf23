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
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xuesongbj/toda/domain"
	"github.com/xuesongbj/toda/sysio"
)

// newFakeProc populates an in-memory /proc with the given pid → fd-links
// layout. Link targets are stored as file content; the mem-backed ionode
// returns them from Readlink().
func newFakeProc(t *testing.T, procs map[string]map[string]string) domain.IOServiceIface {

	ios := sysio.NewIOService(domain.IOMemFileService)

	for pid, fds := range procs {
		dir := ios.NewIOnode(pid, procPath+"/"+pid+"/fd", os.ModeDir)
		require.NoError(t, dir.MkdirAll())

		for fd, target := range fds {
			link := ios.NewIOnode(fd, procPath+"/"+pid+"/fd/"+fd, 0)
			require.NoError(t, link.WriteFile([]byte(target)))
		}
	}

	return ios
}

func TestAllPids(t *testing.T) {

	ios := newFakeProc(t, map[string]map[string]string{
		"1":    {},
		"42":   {},
		"1337": {},
	})

	// Non-numerical entries must be ignored.
	self := ios.NewIOnode("self", procPath+"/self", os.ModeDir)
	require.NoError(t, self.MkdirAll())

	ps := NewProcessService()
	ps.Setup(ios)

	pids, err := ps.AllPids()
	require.NoError(t, err)
	assert.ElementsMatch(t, []int{1, 42, 1337}, pids)
}

func TestFdPaths(t *testing.T) {

	ios := newFakeProc(t, map[string]map[string]string{
		"42": {
			"0": "/dev/null",
			"3": "/tmp/chaos-a/log",
			"4": "pipe:[48151]",
			"5": "socket:[62342]",
			"6": "anon_inode:[eventfd]",
			"7": "/tmp/chaos-a/gone (deleted)",
		},
	})

	ps := NewProcessService()
	ps.Setup(ios)

	fds, err := ps.FdPaths(42)
	require.NoError(t, err)

	assert.Equal(t, map[int]string{
		0: "/dev/null",
		3: "/tmp/chaos-a/log",
	}, fds)
}

func TestFdPathsNoSuchProcess(t *testing.T) {

	ios := newFakeProc(t, nil)

	ps := NewProcessService()
	ps.Setup(ios)

	_, err := ps.FdPaths(99)
	assert.Error(t, err)
}
