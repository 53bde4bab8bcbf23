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

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// CodeProducer generates the machine code to run inside the victim, given
// the address the code will be loaded at. The returned entry offset is
// relative to that address. Producers run on this side of the ptrace link,
// must be side-effect free, and are invoked exactly once per execution.
type CodeProducer func(loadAddr uint64) (entryOffset uint64, code []byte, err error)

// scratchSize is the size of the anonymous RWX mapping synthesized in the
// victim. It bounds the payload (case table + string table + code); at
// roughly 130 bytes per descriptor this accommodates thousands of rewrites.
const scratchSize = 1 << 20

// bootstrap is the minimal text installed at the victim's current RIP to
// synthesize a single syscall: `syscall; int3`, padded with nops to the poke
// word size.
var bootstrap = [8]byte{0x0f, 0x05, 0xcc, 0x90, 0x90, 0x90, 0x90, 0x90}

// RunCodes executes producer-generated code inside the stopped victim:
//
//  1. Save the victim's general-purpose registers and the text under RIP.
//  2. Synthesize a remote mmap(RWX, ANON|PRIVATE) via a bootstrap sequence
//     at the current RIP to obtain a scratch region.
//  3. Write the produced code at the scratch base and run it with RIP at
//     base+entry and every other register zeroed; completion is signalled
//     by the payload's trailing debug trap.
//  4. Synthesize a remote munmap, restore the original text and registers.
//
// On failure at any stage the executor still attempts to unwind whatever it
// has already perturbed before reporting RemoteExecFailed.
func (p *TracedProcess) RunCodes(producer CodeProducer) error {

	var saved unix.PtraceRegs
	if err := p.getRegs(&saved); err != nil {
		return &RemoteExecFailed{Pid: p.pid, Stage: "save-regs", Err: err}
	}

	rip := uintptr(saved.Rip)

	origText := make([]byte, len(bootstrap))
	if err := p.peekData(rip, origText); err != nil {
		return &RemoteExecFailed{Pid: p.pid, Stage: "save-text", Err: err}
	}

	if err := p.pokeData(rip, bootstrap[:]); err != nil {
		return &RemoteExecFailed{Pid: p.pid, Stage: "install-bootstrap", Err: err}
	}

	// From here on the victim's text is perturbed: every failure path must
	// go through the unwind.
	scratch, err := p.remoteMmap(&saved)
	if err != nil {
		p.unwind(&saved, rip, origText)
		return &RemoteExecFailed{Pid: p.pid, Stage: "remote-mmap", Err: err}
	}

	runErr := p.runPayload(producer, &saved, scratch)

	if err := p.remoteMunmap(&saved, scratch); err != nil {
		logrus.Warnf("remote munmap in pid %d: %v", p.pid, err)
	}

	p.unwind(&saved, rip, origText)

	if runErr != nil {
		return &RemoteExecFailed{Pid: p.pid, Stage: "run-payload", Err: runErr}
	}

	return nil
}

// remoteMmap drives the bootstrap text through one mmap syscall and returns
// the address of the new mapping.
func (p *TracedProcess) remoteMmap(saved *unix.PtraceRegs) (uint64, error) {

	regs := *saved
	regs.Rip = saved.Rip
	regs.Rax = unix.SYS_MMAP
	regs.Rdi = 0
	regs.Rsi = scratchSize
	regs.Rdx = unix.PROT_READ | unix.PROT_WRITE | unix.PROT_EXEC
	regs.R10 = unix.MAP_PRIVATE | unix.MAP_ANONYMOUS
	regs.R8 = ^uint64(0) // fd = -1
	regs.R9 = 0
	// The victim may have been stopped mid-syscall; a pending restart
	// would rewind our synthetic RIP. -1 disables it.
	regs.Orig_rax = ^uint64(0)

	if err := p.setRegs(&regs); err != nil {
		return 0, err
	}
	if err := p.contAndWait(); err != nil {
		return 0, err
	}

	var result unix.PtraceRegs
	if err := p.getRegs(&result); err != nil {
		return 0, err
	}

	// mmap returns a negated errno in the topmost page of the range.
	if result.Rax > ^uint64(4095) {
		return 0, fmt.Errorf("remote mmap: %v", unix.Errno(-int64(result.Rax)))
	}

	return result.Rax, nil
}

// runPayload writes the produced code into the scratch region and executes
// it until the trailing debug trap.
func (p *TracedProcess) runPayload(producer CodeProducer, saved *unix.PtraceRegs, scratch uint64) error {

	entry, code, err := producer(scratch)
	if err != nil {
		return err
	}
	if len(code) > scratchSize {
		return fmt.Errorf("payload of %d bytes exceeds scratch region", len(code))
	}
	if entry >= uint64(len(code)) {
		return fmt.Errorf("entry offset %d outside payload", entry)
	}

	if err := p.pokeData(uintptr(scratch), code); err != nil {
		return err
	}

	// The payload carries all of its inputs in the scratch blob; zeroing
	// the general-purpose registers keeps its behavior independent of
	// whatever the victim was doing. Segment selectors and flags must stay
	// as saved: the kernel rejects a register file with invalid cs/ss.
	regs := p.zeroedRegs(saved)
	regs.Rip = scratch + entry

	if err := p.setRegs(&regs); err != nil {
		return err
	}

	return p.contAndWait()
}

// zeroedRegs returns the saved register file with every general-purpose
// register cleared and syscall-restart handling disabled.
func (p *TracedProcess) zeroedRegs(saved *unix.PtraceRegs) unix.PtraceRegs {

	regs := *saved
	regs.Rax = 0
	regs.Rbx = 0
	regs.Rcx = 0
	regs.Rdx = 0
	regs.Rsi = 0
	regs.Rdi = 0
	regs.Rbp = 0
	regs.Rsp = 0
	regs.R8 = 0
	regs.R9 = 0
	regs.R10 = 0
	regs.R11 = 0
	regs.R12 = 0
	regs.R13 = 0
	regs.R14 = 0
	regs.R15 = 0
	regs.Orig_rax = ^uint64(0)

	return regs
}

// remoteMunmap releases the scratch region through the still-installed
// bootstrap text.
func (p *TracedProcess) remoteMunmap(saved *unix.PtraceRegs, scratch uint64) error {

	regs := *saved
	regs.Rip = saved.Rip
	regs.Rax = unix.SYS_MUNMAP
	regs.Rdi = scratch
	regs.Rsi = scratchSize
	regs.Orig_rax = ^uint64(0)

	if err := p.setRegs(&regs); err != nil {
		return err
	}
	if err := p.contAndWait(); err != nil {
		return err
	}

	var result unix.PtraceRegs
	if err := p.getRegs(&result); err != nil {
		return err
	}
	if result.Rax != 0 {
		return fmt.Errorf("remote munmap: %v", unix.Errno(-int64(result.Rax)))
	}

	return nil
}

// unwind restores the victim's original text and registers, best-effort.
func (p *TracedProcess) unwind(saved *unix.PtraceRegs, rip uintptr, origText []byte) {

	if err := p.pokeData(rip, origText); err != nil {
		logrus.Errorf("restoring text of pid %d: %v", p.pid, err)
	}
	if err := p.setRegs(saved); err != nil {
		logrus.Errorf("restoring registers of pid %d: %v", p.pid, err)
	}
}
