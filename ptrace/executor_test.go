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
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func tracedForTest(t *testing.T, ft *fakeTracer) *TracedProcess {

	m := newManagerWithTracer(ft)
	p, err := m.Trace(42)
	require.NoError(t, err)
	t.Cleanup(p.Release)

	return p
}

func TestRunCodes(t *testing.T) {

	ft := newFakeTracer()
	ft.regs.Rip = 0x401000
	ft.regs.Rax = 7
	ft.regs.Rsp = 0x7ffc_0000_0000
	origRegs := ft.regs
	ft.mem[0x401000] = []byte{1, 2, 3, 4, 5, 6, 7, 8}

	p := tracedForTest(t, ft)

	var producerCalls int
	var seenAddr uint64

	err := p.RunCodes(func(addr uint64) (uint64, []byte, error) {
		producerCalls++
		seenAddr = addr
		return 0, []byte{0xcc}, nil
	})
	require.NoError(t, err)

	assert.Equal(t, 1, producerCalls, "producer must be invoked exactly once")
	assert.Equal(t, ft.scratchAddr, seenAddr)

	// The payload must have landed at the scratch base.
	assert.Equal(t, []byte{0xcc}, ft.mem[uintptr(ft.scratchAddr)])

	// Original text must be back in place: the last write to RIP is the
	// saved text.
	assert.Equal(t, []byte{1, 2, 3, 4, 5, 6, 7, 8}, ft.mem[0x401000])

	// Registers fully restored.
	assert.Equal(t, origRegs, ft.regs)
}

func TestRunCodesMmapFailure(t *testing.T) {

	ft := newFakeTracer()
	ft.regs.Rip = 0x401000
	ft.mem[0x401000] = []byte{1, 2, 3, 4, 5, 6, 7, 8}
	ft.mmapErrno = int64(unix.ENOMEM)
	origRegs := ft.regs

	p := tracedForTest(t, ft)

	err := p.RunCodes(func(addr uint64) (uint64, []byte, error) {
		t.Fatal("producer must not run when the scratch allocation fails")
		return 0, nil, nil
	})
	require.Error(t, err)

	var execErr *RemoteExecFailed
	require.ErrorAs(t, err, &execErr)
	assert.Equal(t, "remote-mmap", execErr.Stage)

	// Despite the failure, text and registers are restored.
	assert.Equal(t, []byte{1, 2, 3, 4, 5, 6, 7, 8}, ft.mem[0x401000])
	assert.Equal(t, origRegs, ft.regs)
}

func TestRunCodesProducerFailure(t *testing.T) {

	ft := newFakeTracer()
	ft.regs.Rip = 0x401000
	ft.mem[0x401000] = []byte{1, 2, 3, 4, 5, 6, 7, 8}
	origRegs := ft.regs

	p := tracedForTest(t, ft)

	boom := errors.New("no code for you")
	err := p.RunCodes(func(addr uint64) (uint64, []byte, error) {
		return 0, nil, boom
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)

	assert.Equal(t, []byte{1, 2, 3, 4, 5, 6, 7, 8}, ft.mem[0x401000])
	assert.Equal(t, origRegs, ft.regs)
}
