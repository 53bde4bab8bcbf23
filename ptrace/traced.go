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
	"golang.org/x/sys/unix"
)

// TracedProcess is a borrowed attachment to a stopped tracee. It is not safe
// for concurrent use; release it exactly once.
type TracedProcess struct {
	pid      int
	manager  *PtraceManager
	released bool
}

func (p *TracedProcess) Pid() int {
	return p.pid
}

// Release drops this borrow of the attachment. The underlying PTRACE_DETACH
// happens when the last borrower releases.
func (p *TracedProcess) Release() {

	if p.released {
		return
	}
	p.released = true

	p.manager.release(p.pid)
}

func (p *TracedProcess) getRegs(regs *unix.PtraceRegs) error {
	return p.manager.exec(func() error {
		return p.manager.tracer.getRegs(p.pid, regs)
	})
}

func (p *TracedProcess) setRegs(regs *unix.PtraceRegs) error {
	return p.manager.exec(func() error {
		return p.manager.tracer.setRegs(p.pid, regs)
	})
}

func (p *TracedProcess) peekData(addr uintptr, out []byte) error {
	return p.manager.exec(func() error {
		return p.manager.tracer.peekData(p.pid, addr, out)
	})
}

func (p *TracedProcess) pokeData(addr uintptr, data []byte) error {
	return p.manager.exec(func() error {
		return p.manager.tracer.pokeData(p.pid, addr, data)
	})
}

// contAndWait resumes the tracee and waits for the next debug trap.
func (p *TracedProcess) contAndWait() error {
	return p.manager.exec(func() error {
		if err := p.manager.tracer.cont(p.pid, 0); err != nil {
			return err
		}
		return p.manager.tracer.waitTrap(p.pid)
	})
}
