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

// MountInfo corresponds to one line of /proc/<pid>/mountinfo. Refer to
// mountinfo's kernel documentation for details on each field.
type MountInfo struct {
	MountID       int               // mountinfo's first field
	ParentID      int               // mountinfo's second field
	MajorMinorVer string            // st_dev value for files in this fs
	Root          string            // pathname of root of the mount within the fs
	MountPoint    string            // pathname of the mountpoint relative to proc's root
	Options       map[string]string // per-mount options
	OptionalFields map[string]string // optional fields: zero or more of the form "tag[:value]"
	FsType        string            // filesystem-type: "name[.subtype]"
	Source        string            // fs-specific information or "none"
	VfsOptions    map[string]string // per-superblock options
}

// MountServiceIface groups the mount-table queries and the mount(2) / umount(2)
// primitives that the injection engine relies on.
type MountServiceIface interface {
	// Mounts parses /proc/self/mountinfo and returns its entries in order.
	Mounts() ([]*MountInfo, error)

	// IsNonRoot returns true iff 'path' falls under an existing mountpoint,
	// which makes it a legal target for a subsequent mount-move operation.
	IsNonRoot(path string) (bool, error)

	// MoveMount creates 'target' (recursively) and atomically relocates the
	// mount at 'source' onto it (MS_MOVE).
	MoveMount(source, target string) error

	// BindMount bind-mounts 'source' at 'target' and then unmounts 'source',
	// retrying the unmount until the mount reference count allows it. The
	// result is a single mount entry for source's contents, at 'target'.
	BindMount(source, target string) error

	// MakePrivate disables mount-event propagation for the mount at 'path'.
	MakePrivate(path string) error

	// SelfBind bind-mounts 'path' onto itself, promoting it to a dedicated
	// mountpoint that can later be moved.
	SelfBind(path string) error

	// Unmount detaches the topmost mount at 'path'.
	Unmount(path string) error

	// UnmountRetry behaves as Unmount but retries transient failures
	// (typically EBUSY) on a fixed schedule before giving up.
	UnmountRetry(path string) error
}
