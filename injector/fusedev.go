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

//go:build linux
// +build linux

package injector

import (
	"os"

	"golang.org/x/sys/unix"
)

const fuseDevPath = "/dev/fuse"

// fuse device numbers: misc major, fuse minor.
const (
	fuseDevMajor = 10
	fuseDevMinor = 229
)

// MkFuseNode creates the /dev/fuse character device if it is missing.
// Containerized hosts frequently lack it; creating it requires CAP_MKNOD,
// and failure is survivable when the device already exists elsewhere in the
// mount tree, so callers treat errors as non-fatal.
func MkFuseNode() error {

	if _, err := os.Stat(fuseDevPath); err == nil {
		return nil
	}

	dev := unix.Mkdev(fuseDevMajor, fuseDevMinor)

	return unix.Mknod(fuseDevPath, unix.S_IFCHR|0666, int(dev))
}
