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

package domain

// ProcessServiceIface exposes the /proc queries needed to find victim
// processes and their open file descriptors.
type ProcessServiceIface interface {
	// AllPids lists every process id currently visible in /proc.
	AllPids() ([]int, error)

	// FdPaths returns, for a given pid, the map of open file descriptor
	// numbers to the paths they resolve to. Descriptors whose target is not
	// a filesystem path (pipes, sockets, anon inodes) are omitted.
	FdPaths(pid int) (map[int]string, error)
}
