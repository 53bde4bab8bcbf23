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

package mount

import (
	"fmt"
	"os"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// The source-unmount in BindMount contends with in-flight references to the
// old mountpoint; the first attempt is followed by up to 20 retries spaced
// 500ms apart, which bounds the wait at 10s.
const (
	umountRetryDelay = 500 * time.Millisecond
	umountRetryMax   = 20
)

// MountFailed wraps a mount(2) error with both endpoints of the operation.
type MountFailed struct {
	Source string
	Target string
	Err    error
}

func (e *MountFailed) Error() string {
	return fmt.Sprintf("mount failed: source: %s, target: %s: %v",
		e.Source, e.Target, e.Err)
}

func (e *MountFailed) Unwrap() error {
	return e.Err
}

// MoveMount creates 'target' (recursively) and atomically relocates the
// mount at 'source' onto it.
func (mts *MountService) MoveMount(source, target string) error {

	if err := os.MkdirAll(target, 0755); err != nil {
		return &MountFailed{Source: source, Target: target, Err: err}
	}

	if err := unix.Mount(source, target, "", unix.MS_MOVE, ""); err != nil {
		return &MountFailed{Source: source, Target: target, Err: err}
	}

	return nil
}

// BindMount bind-mounts 'source' at 'target' and then unmounts 'source'.
// The bind establishes 'target' as an independent mount entry for source's
// contents; the subsequent unmount of the source leaves exactly one
// reference, which the caller will mount-move later. The unmount is retried
// on a fixed schedule since lingering references make it fail transiently.
func (mts *MountService) BindMount(source, target string) error {

	if err := unix.Mount(source, target, "", unix.MS_BIND, ""); err != nil {
		return &MountFailed{Source: source, Target: target, Err: err}
	}

	return mts.UnmountRetry(source)
}

// MakePrivate disables mount-event propagation for the mount at 'path', so
// the interposition does not leak into peer mount namespaces.
func (mts *MountService) MakePrivate(path string) error {

	if err := unix.Mount("", path, "", unix.MS_PRIVATE, ""); err != nil {
		return &MountFailed{Target: path, Err: err}
	}

	return nil
}

// SelfBind bind-mounts 'path' onto itself, promoting it to a dedicated
// mountpoint that can later be moved.
func (mts *MountService) SelfBind(path string) error {

	if err := unix.Mount(path, path, "", unix.MS_BIND, ""); err != nil {
		return &MountFailed{Source: path, Target: path, Err: err}
	}

	return nil
}

// Unmount detaches the topmost mount at 'path'.
func (mts *MountService) Unmount(path string) error {

	if err := unix.Unmount(path, 0); err != nil {
		return &MountFailed{Target: path, Err: err}
	}

	return nil
}

// UnmountRetry behaves as Unmount but retries transient failures (typically
// EBUSY while old references drain) on a constant schedule.
func (mts *MountService) UnmountRetry(path string) error {

	op := func() error {
		if err := unix.Unmount(path, 0); err != nil {
			logrus.Infof("umount %s returned error: %v", path, err)
			return err
		}
		return nil
	}

	policy := backoff.WithMaxRetries(
		backoff.NewConstantBackOff(umountRetryDelay), umountRetryMax)

	if err := backoff.Retry(op, policy); err != nil {
		return &MountFailed{Target: path, Err: err}
	}

	return nil
}
