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
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

// fakeTracer simulates a stopped tracee: registers, a sparse memory image,
// and syscall emulation on continue. It records operation counts so tests
// can verify attach / detach pairing.
type fakeTracer struct {
	mu sync.Mutex

	attachErr error
	attaches  int
	detaches  int
	attached  map[int]bool

	regs       unix.PtraceRegs
	mem        map[uintptr][]byte
	writeOrder []uintptr

	scratchAddr uint64
	mmapErrno   int64
}

func newFakeTracer() *fakeTracer {
	return &fakeTracer{
		attached:    make(map[int]bool),
		mem:         make(map[uintptr][]byte),
		scratchAddr: 0x7f00_0000_0000,
	}
}

func (f *fakeTracer) attach(pid int) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.attachErr != nil {
		return f.attachErr
	}
	f.attaches++
	f.attached[pid] = true
	return nil
}

func (f *fakeTracer) waitStop(pid int) error { return nil }

func (f *fakeTracer) detach(pid int) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.detaches++
	delete(f.attached, pid)
	return nil
}

func (f *fakeTracer) getRegs(pid int, regs *unix.PtraceRegs) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	*regs = f.regs
	return nil
}

func (f *fakeTracer) setRegs(pid int, regs *unix.PtraceRegs) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.regs = *regs
	return nil
}

func (f *fakeTracer) peekData(pid int, addr uintptr, out []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	copy(out, f.mem[addr])
	return nil
}

func (f *fakeTracer) pokeData(pid int, addr uintptr, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.mem[addr] = append([]byte(nil), data...)
	f.writeOrder = append(f.writeOrder, addr)
	return nil
}

// cont emulates the syscall the bootstrap text would execute, based on the
// register file installed beforehand.
func (f *fakeTracer) cont(pid int, sig int) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch f.regs.Rax {
	case unix.SYS_MMAP:
		if f.mmapErrno != 0 {
			f.regs.Rax = uint64(-f.mmapErrno)
		} else {
			f.regs.Rax = f.scratchAddr
		}
	case unix.SYS_MUNMAP:
		f.regs.Rax = 0
	}

	return nil
}

func (f *fakeTracer) waitTrap(pid int) error { return nil }

func TestTraceRefcounting(t *testing.T) {

	ft := newFakeTracer()
	m := newManagerWithTracer(ft)

	p1, err := m.Trace(42)
	require.NoError(t, err)

	p2, err := m.Trace(42)
	require.NoError(t, err)

	assert.Equal(t, 1, ft.attaches, "nested requesters must share one attach")
	assert.Equal(t, []int{42}, m.LivePids())

	p1.Release()
	assert.Equal(t, 0, ft.detaches, "detach must wait for the last holder")

	p2.Release()
	assert.Equal(t, 1, ft.detaches)
	assert.Empty(t, m.LivePids())

	// Releasing twice is a no-op.
	p2.Release()
	assert.Equal(t, 1, ft.detaches)
}

func TestTraceDistinctPids(t *testing.T) {

	ft := newFakeTracer()
	m := newManagerWithTracer(ft)

	p1, err := m.Trace(10)
	require.NoError(t, err)
	p2, err := m.Trace(11)
	require.NoError(t, err)

	assert.Equal(t, 2, ft.attaches)
	assert.Equal(t, []int{10, 11}, m.LivePids())

	p2.Release()
	p1.Release()
	assert.Empty(t, m.LivePids())
	assert.Equal(t, 2, ft.detaches)
}

func TestTraceAttachDenied(t *testing.T) {

	ft := newFakeTracer()
	ft.attachErr = unix.EPERM
	m := newManagerWithTracer(ft)

	_, err := m.Trace(1)
	require.Error(t, err)

	var denied *AttachDenied
	assert.ErrorAs(t, err, &denied)
	assert.Empty(t, m.LivePids())
}

func TestTraceNoSuchProcess(t *testing.T) {

	ft := newFakeTracer()
	ft.attachErr = unix.ESRCH
	m := newManagerWithTracer(ft)

	_, err := m.Trace(999999)
	require.Error(t, err)

	var gone *NoSuchProcess
	assert.ErrorAs(t, err, &gone)
}
