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
	"github.com/xuesongbj/toda/domain"
)

// MountService offers mount-table queries and the mount(2) primitives used
// by the injection engine. The mountinfo table is re-parsed on every query;
// mount state on a chaos host changes underneath us, so caching it would
// only invite stale answers.
type MountService struct {
	ios domain.IOServiceIface // for mountinfo reads (afero-backed in tests)
}

func NewMountService() *MountService {
	return &MountService{}
}

func (mts *MountService) Setup(ios domain.IOServiceIface) {
	mts.ios = ios
}

// Mounts parses /proc/self/mountinfo and returns its entries in order.
func (mts *MountService) Mounts() ([]*domain.MountInfo, error) {

	mip := newMountInfoParser(mts.ios)

	if err := mip.parse(); err != nil {
		return nil, err
	}

	return mip.mounts, nil
}

// IsNonRoot returns true iff 'path' falls under an existing mountpoint. The
// relationship is "contains": injecting /a/b with /a being a mountpoint is
// legal, since the mount-move of the covering mount remains possible.
func (mts *MountService) IsNonRoot(path string) (bool, error) {

	mounts, err := mts.Mounts()
	if err != nil {
		return false, err
	}

	for _, m := range mounts {
		if isPathPrefix(m.MountPoint, path) {
			return true, nil
		}
	}

	return false, nil
}
