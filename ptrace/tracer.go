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

//go:build linux && amd64
// +build linux,amd64

package ptrace

import (
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

// tracerIface isolates the raw ptrace(2) requests so that the manager and
// executor logic can be exercised against a simulated tracee in unit tests.
type tracerIface interface {
	attach(pid int) error
	waitStop(pid int) error
	detach(pid int) error
	getRegs(pid int, regs *unix.PtraceRegs) error
	setRegs(pid int, regs *unix.PtraceRegs) error
	peekData(pid int, addr uintptr, out []byte) error
	pokeData(pid int, addr uintptr, data []byte) error
	cont(pid int, sig int) error
	waitTrap(pid int) error
}

const (
	attachStopTimeout = 3 * time.Second
	attachStopPoll    = 10 * time.Millisecond
)

// realTracer issues actual ptrace requests. All of its methods must run on
// the manager's dedicated OS thread.
type realTracer struct{}

func (rt *realTracer) attach(pid int) error {
	return unix.PtraceAttach(pid)
}

// waitStop waits for the attach-stop of a freshly attached tracee.
func (rt *realTracer) waitStop(pid int) error {

	var ws unix.WaitStatus

	deadline := time.Now().Add(attachStopTimeout)

	for {
		n, err := unix.Wait4(pid, &ws, unix.WNOHANG|unix.WALL, nil)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return err
		}

		if n == pid && ws.Stopped() {
			return nil
		}

		if n == pid && ws.Exited() {
			return &NoSuchProcess{Pid: pid}
		}

		if time.Now().After(deadline) {
			return &StopFailed{Pid: pid}
		}

		time.Sleep(attachStopPoll)
	}
}

func (rt *realTracer) detach(pid int) error {
	return unix.PtraceDetach(pid)
}

func (rt *realTracer) getRegs(pid int, regs *unix.PtraceRegs) error {
	return unix.PtraceGetRegs(pid, regs)
}

func (rt *realTracer) setRegs(pid int, regs *unix.PtraceRegs) error {
	return unix.PtraceSetRegs(pid, regs)
}

func (rt *realTracer) peekData(pid int, addr uintptr, out []byte) error {

	n, err := unix.PtracePeekData(pid, addr, out)
	if err != nil {
		return err
	}
	if n != len(out) {
		return fmt.Errorf("short peek: %d of %d bytes", n, len(out))
	}

	return nil
}

func (rt *realTracer) pokeData(pid int, addr uintptr, data []byte) error {

	n, err := unix.PtracePokeData(pid, addr, data)
	if err != nil {
		return err
	}
	if n != len(data) {
		return fmt.Errorf("short poke: %d of %d bytes", n, len(data))
	}

	return nil
}

func (rt *realTracer) cont(pid int, sig int) error {
	return unix.PtraceCont(pid, sig)
}

// waitTrap waits for the tracee to hit the trailing debug trap of an
// injected code sequence.
func (rt *realTracer) waitTrap(pid int) error {

	var ws unix.WaitStatus

	for {
		n, err := unix.Wait4(pid, &ws, unix.WALL, nil)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return err
		}
		if n != pid {
			continue
		}

		if ws.Exited() || ws.Signaled() {
			return &NoSuchProcess{Pid: pid}
		}

		if ws.Stopped() {
			if ws.StopSignal() == unix.SIGTRAP {
				return nil
			}
			return fmt.Errorf("stopped by %v instead of SIGTRAP", ws.StopSignal())
		}
	}
}
