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

package ptrace

import "fmt"

// AttachDenied reports that the kernel refused PTRACE_ATTACH (typically
// yama/ptrace_scope or missing CAP_SYS_PTRACE).
type AttachDenied struct {
	Pid int
	Err error
}

func (e *AttachDenied) Error() string {
	return fmt.Sprintf("ptrace attach to pid %d denied: %v", e.Pid, e.Err)
}

func (e *AttachDenied) Unwrap() error {
	return e.Err
}

// NoSuchProcess reports that the target pid vanished before or during
// attachment.
type NoSuchProcess struct {
	Pid int
}

func (e *NoSuchProcess) Error() string {
	return fmt.Sprintf("no such process: pid %d", e.Pid)
}

// StopFailed reports that the target did not deliver its attach-stop within
// the wait budget.
type StopFailed struct {
	Pid int
}

func (e *StopFailed) Error() string {
	return fmt.Sprintf("pid %d did not stop within the attach timeout", e.Pid)
}

// RemoteExecFailed reports a failure of the remote code execution machinery,
// qualified by the stage that failed. The executor attempts to restore the
// victim's registers and text before returning this error.
type RemoteExecFailed struct {
	Pid   int
	Stage string
	Err   error
}

func (e *RemoteExecFailed) Error() string {
	return fmt.Sprintf("remote execution in pid %d failed at stage %q: %v",
		e.Pid, e.Stage, e.Err)
}

func (e *RemoteExecFailed) Unwrap() error {
	return e.Err
}
