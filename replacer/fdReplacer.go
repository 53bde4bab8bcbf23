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

package replacer

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/sirupsen/logrus"

	"github.com/xuesongbj/toda/domain"
	"github.com/xuesongbj/toda/ptrace"
)

// FdReplacer rewrites, inside each victim process, the open file descriptors
// pointing under a detected path so they target the equivalent location
// under a new root. The rewrite happens in the victim itself: a generated
// payload reopens each descriptor and dup2's it over the original slot while
// the victim is stopped, so no in-flight I/O can race the swap.
type FdReplacer struct {
	pm  *ptrace.PtraceManager
	prs domain.ProcessServiceIface

	accessors map[int]*processAccessor
}

var _ domain.ReplacerIface = (*FdReplacer)(nil)

func NewFdReplacer(pm *ptrace.PtraceManager, prs domain.ProcessServiceIface) *FdReplacer {
	return &FdReplacer{
		pm:        pm,
		prs:       prs,
		accessors: make(map[int]*processAccessor),
	}
}

// Prepare enumerates every process with a descriptor under detectPath and
// attaches to it, building the per-victim case table. Per-process failures
// are logged and skipped; preparation is best-effort by design.
func (r *FdReplacer) Prepare(detectPath, newPath string) error {

	logrus.Debugf("preparing fd replacer: %s -> %s", detectPath, newPath)

	pids, err := r.prs.AllPids()
	if err != nil {
		return fmt.Errorf("failed to enumerate processes: %w", err)
	}

	self := os.Getpid()

	for _, pid := range pids {
		if pid == self {
			continue
		}

		fds, err := r.prs.FdPaths(pid)
		if err != nil {
			logrus.Debugf("skipping pid %d: %v", pid, err)
			continue
		}

		builder := buildCases(pid, fds, detectPath, newPath)
		if builder.empty() {
			continue
		}

		accessor, err := builder.build(pid, r.pm)
		if err != nil {
			logrus.Errorf("fail to build accessor for pid %d: %v", pid, err)
			continue
		}

		r.accessors[pid] = accessor
	}

	return nil
}

// Run drives each prepared accessor once and drops it, detaching from the
// victim. Per-victim failures are logged and skipped.
func (r *FdReplacer) Run() error {

	logrus.Debugf("running fd replacer on %d processes", len(r.accessors))

	for pid, accessor := range r.accessors {
		delete(r.accessors, pid)

		if err := accessor.run(); err != nil {
			logrus.Errorf("fd replace in pid %d failed: %v", pid, err)
		}
	}

	return nil
}

// buildCases computes the old-fd → new-path mapping of one process.
// Descriptors are visited in ascending order so the resulting case table and
// string table are deterministic.
func buildCases(pid int, fds map[int]string, detectPath, newPath string) *accessorBuilder {

	builder := newAccessorBuilder()

	var ordered []int
	for fd := range fds {
		ordered = append(ordered, fd)
	}
	sort.Ints(ordered)

	for _, fd := range ordered {
		rel, ok := relativeTo(fds[fd], detectPath)
		if !ok {
			continue
		}

		target := filepath.Join(newPath, rel)

		if err := builder.pushCase(uint64(fd), target); err != nil {
			logrus.Warnf("skipping pid %d fd %d: %v", pid, fd, err)
		}
	}

	return builder
}

// relativeTo returns path's remainder below root, and whether path is equal
// to or contained in root.
func relativeTo(path, root string) (string, bool) {

	if path == root {
		return "", true
	}

	if root == "/" {
		return strings.TrimPrefix(path, "/"), true
	}

	if strings.HasPrefix(path, root+"/") {
		return path[len(root)+1:], true
	}

	return "", false
}

//
// accessorBuilder accumulates the replace cases and the string table of one
// victim before the ptrace attachment is made.
//
type accessorBuilder struct {
	cases []ReplaceCase
	paths bytes.Buffer
}

func newAccessorBuilder() *accessorBuilder {
	return &accessorBuilder{}
}

func (b *accessorBuilder) pushCase(fd uint64, newPath string) error {

	if !utf8.ValidString(newPath) {
		return fmt.Errorf("path %q contains non-UTF-8 characters", newPath)
	}

	logrus.Debugf("push case fd: %d, new path: %s", fd, newPath)

	offset := uint64(b.paths.Len())
	b.paths.WriteString(newPath)
	b.paths.WriteByte(0)

	b.cases = append(b.cases, ReplaceCase{Fd: fd, NewPathOffset: offset})

	return nil
}

func (b *accessorBuilder) empty() bool {
	return len(b.cases) == 0
}

func (b *accessorBuilder) build(pid int, pm *ptrace.PtraceManager) (*processAccessor, error) {

	process, err := pm.Trace(pid)
	if err != nil {
		return nil, err
	}

	return &processAccessor{
		process: process,
		cases:   b.cases,
		paths:   b.paths.Bytes(),
	}, nil
}

//
// processAccessor is the per-victim work unit: a ptrace attachment plus the
// packed replace-case array and string table. It is consumed exactly once by
// run(), which detaches on completion.
//
type processAccessor struct {
	process *ptrace.TracedProcess
	cases   []ReplaceCase
	paths   []byte
}

func (a *processAccessor) run() error {

	defer a.process.Release()

	return a.process.RunCodes(func(addr uint64) (uint64, []byte, error) {
		entry, code := buildPayload(addr, a.cases, a.paths)
		return entry, code, nil
	})
}
