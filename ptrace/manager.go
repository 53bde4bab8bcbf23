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
	"runtime"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

//
// All ptrace requests against a tracee must originate from the OS thread
// that attached to it. Goroutines migrate between threads, so the manager
// funnels every request through a single thread-locked worker goroutine.
// See https://github.com/golang/go/issues/7699.
//

// PtraceManager is the process-wide registry of live attachments. For any
// pid, at most one PTRACE_ATTACH is ever outstanding; nested requesters
// share it through a refcount.
type PtraceManager struct {
	mu     sync.Mutex
	procs  map[int]*attachment
	tracer tracerIface

	startOnce sync.Once
	ops       chan func()
}

type attachment struct {
	refcount int
}

func NewPtraceManager() *PtraceManager {
	return newManagerWithTracer(&realTracer{})
}

func newManagerWithTracer(tr tracerIface) *PtraceManager {
	return &PtraceManager{
		procs:  make(map[int]*attachment),
		tracer: tr,
	}
}

// exec runs f on the manager's dedicated ptrace thread.
func (m *PtraceManager) exec(f func() error) error {

	m.startOnce.Do(func() {
		m.ops = make(chan func())
		go func() {
			runtime.LockOSThread()
			for op := range m.ops {
				op()
			}
		}()
	})

	errChan := make(chan error, 1)
	m.ops <- func() {
		errChan <- f()
	}

	return <-errChan
}

// Trace attaches to the given pid, or joins an existing attachment. The
// returned TracedProcess must be released by its holder; the PTRACE_DETACH
// happens when the last holder releases.
func (m *PtraceManager) Trace(pid int) (*TracedProcess, error) {

	m.mu.Lock()
	defer m.mu.Unlock()

	if att, ok := m.procs[pid]; ok {
		att.refcount++
		return &TracedProcess{pid: pid, manager: m}, nil
	}

	err := m.exec(func() error {
		if err := m.tracer.attach(pid); err != nil {
			return err
		}
		if err := m.tracer.waitStop(pid); err != nil {
			// Attach succeeded but the stop never surfaced; undo it.
			if derr := m.tracer.detach(pid); derr != nil {
				logrus.Warnf("detach of pid %d after failed stop: %v", pid, derr)
			}
			return err
		}
		return nil
	})
	if err != nil {
		return nil, mapAttachError(pid, err)
	}

	m.procs[pid] = &attachment{refcount: 1}

	return &TracedProcess{pid: pid, manager: m}, nil
}

// release drops one reference on pid's attachment, detaching on the last.
func (m *PtraceManager) release(pid int) {

	m.mu.Lock()
	defer m.mu.Unlock()

	att, ok := m.procs[pid]
	if !ok {
		logrus.Errorf("release of untracked pid %d", pid)
		return
	}

	att.refcount--
	if att.refcount > 0 {
		return
	}

	delete(m.procs, pid)

	err := m.exec(func() error {
		return m.tracer.detach(pid)
	})
	if err != nil {
		logrus.Warnf("ptrace detach from pid %d: %v", pid, err)
	}
}

// LivePids returns the pids with outstanding attachments, sorted. An empty
// result after a full inject + resume cycle is an invariant of the engine.
func (m *PtraceManager) LivePids() []int {

	m.mu.Lock()
	defer m.mu.Unlock()

	pids := make([]int, 0, len(m.procs))
	for pid := range m.procs {
		pids = append(pids, pid)
	}
	sort.Ints(pids)

	return pids
}

func mapAttachError(pid int, err error) error {

	switch err {
	case unix.EPERM, unix.EACCES:
		return &AttachDenied{Pid: pid, Err: err}
	case unix.ESRCH:
		return &NoSuchProcess{Pid: pid}
	}

	return err
}
