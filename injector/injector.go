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

package injector

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/sirupsen/logrus"

	"github.com/xuesongbj/toda/domain"
	"github.com/xuesongbj/toda/hookfs"
)

// ConfigError reports an unusable injection configuration; it is fatal at
// inject time.
type ConfigError struct {
	Reason string
}

func (e *ConfigError) Error() string {
	return "configuration error: " + e.Reason
}

// Injector states. The legal transitions are:
//
//	Idle ──CreateInjection──▶ Prepared
//	Prepared ──Mount──▶ Mounted (injection disabled)
//	Mounted ──EnableInjection──▶ Armed
//	Armed ──DisableInjection──▶ Mounted
//	Mounted ──RecoverMount──▶ Idle
const (
	stateIdle = iota
	statePrepared
	stateMounted
	stateArmed
)

// Config carries the fault policy handed to the hookfs daemon.
type Config struct {
	Rules []domain.FaultRule
}

// hookServerIface is the slice of the hookfs server the injector drives;
// narrowed for substitution in tests.
type hookServerIface interface {
	Mount() error
	Unmount(mountedAt string) error
	Close()
}

// MountInjector owns the mount-layer half of an interposition: the shadow
// path derivation, the hookfs daemon, and the mount choreography around the
// target.
type MountInjector struct {
	path   string // canonical target
	shadow string
	mts    domain.MountServiceIface
	faults *hookfs.Faults
	state  int

	newServer func(backing, mountPoint string, faults *hookfs.Faults) hookServerIface
}

// CreateInjection validates the target and derives its shadow location.
// The target must be an existing directory covered by a mount, and the
// shadow name must be free.
func CreateInjection(target string, cfg Config, mts domain.MountServiceIface) (*MountInjector, error) {

	abs, err := filepath.Abs(target)
	if err != nil {
		return nil, &ConfigError{Reason: err.Error()}
	}

	canonical, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, &ConfigError{Reason: fmt.Sprintf("cannot canonicalize %s: %v", target, err)}
	}

	info, err := os.Stat(canonical)
	if err != nil {
		return nil, &ConfigError{Reason: err.Error()}
	}
	if !info.IsDir() {
		return nil, &ConfigError{Reason: fmt.Sprintf("%s is not a directory", canonical)}
	}

	covered, err := mts.IsNonRoot(canonical)
	if err != nil {
		return nil, err
	}
	if !covered {
		return nil, &ConfigError{
			Reason: fmt.Sprintf("%s is not covered by any mount; mount-move would be illegal", canonical),
		}
	}

	shadow, err := EncodePath(canonical)
	if err != nil {
		return nil, &ConfigError{Reason: err.Error()}
	}

	if _, err := os.Lstat(shadow); err == nil {
		return nil, &ConfigError{Reason: fmt.Sprintf("shadow path %s already exists", shadow)}
	}

	faults, err := hookfs.NewFaults(cfg.Rules)
	if err != nil {
		return nil, &ConfigError{Reason: err.Error()}
	}

	return &MountInjector{
		path:   canonical,
		shadow: shadow,
		mts:    mts,
		faults: faults,
		state:  statePrepared,
		newServer: func(backing, mountPoint string, f *hookfs.Faults) hookServerIface {
			return hookfs.NewServer(backing, mountPoint, f)
		},
	}, nil
}

func (m *MountInjector) Path() string {
	return m.path
}

func (m *MountInjector) ShadowPath() string {
	return m.shadow
}

// Mount performs the mount-layer half of injection:
//
//  1. Make the target private and promote it to a dedicated mountpoint.
//  2. Bind the target's content at the shadow path (consuming the
//     promotion bind).
//  3. Start the hookfs daemon backed by the shadow content and mount it
//     over the shadow path.
//
// On return the shadow path serves the target's files through hookfs while
// the target itself is still untouched; the caller rewrites victim
// descriptors onto the shadow and then calls Commit on the guard.
func (m *MountInjector) Mount() (*MountInjectionGuard, error) {

	if m.state != statePrepared {
		return nil, fmt.Errorf("mount called in state %d", m.state)
	}

	// A non-mountpoint target makes this first make-private fail with
	// EINVAL; the self-bind below promotes it, after which the operation is
	// mandatory.
	if err := m.mts.MakePrivate(m.path); err != nil {
		logrus.Debugf("make-private before self-bind: %v", err)
	}

	if err := m.mts.SelfBind(m.path); err != nil {
		return nil, err
	}

	if err := m.mts.MakePrivate(m.path); err != nil {
		return nil, err
	}

	if err := MkFuseNode(); err != nil {
		logrus.Infof("fail to make %s node: %v", fuseDevPath, err)
	}

	if err := os.MkdirAll(m.shadow, 0755); err != nil {
		return nil, err
	}

	if err := m.mts.BindMount(m.path, m.shadow); err != nil {
		return nil, err
	}

	srv := m.newServer(m.shadow, m.shadow, m.faults)
	if err := srv.Mount(); err != nil {
		// Unwind the bind so the operator is left at the baseline.
		if uerr := m.mts.UnmountRetry(m.shadow); uerr != nil {
			logrus.Errorf("unwinding shadow bind: %v", uerr)
		}
		if rerr := os.Remove(m.shadow); rerr != nil {
			logrus.Errorf("removing shadow dir: %v", rerr)
		}
		return nil, err
	}

	m.state = stateMounted

	guard := &MountInjectionGuard{injector: m, srv: srv}
	runtime.SetFinalizer(guard, func(g *MountInjectionGuard) {
		if !g.recovered {
			logrus.Error("mount injection guard dropped without recovery; target left shadowed")
		}
	})

	return guard, nil
}

// MountInjectionGuard represents a live interposition. It is consumed by
// RecoverMount; dropping it without recovery leaves the target shadowed and
// is a programming error.
type MountInjectionGuard struct {
	injector  *MountInjector
	srv       hookServerIface
	committed bool
	recovered bool
}

func (g *MountInjectionGuard) Path() string {
	return g.injector.path
}

func (g *MountInjectionGuard) ShadowPath() string {
	return g.injector.shadow
}

// Hookfs exposes the shared fault-policy handle for the RPC worker.
func (g *MountInjectionGuard) Hookfs() domain.FaultInjectorIface {
	return g.injector.faults
}

// Commit moves the hookfs mount from the shadow path over the target. From
// this point every new open under the target traverses hookfs.
func (g *MountInjectionGuard) Commit() error {

	if g.injector.state != stateMounted {
		return fmt.Errorf("commit called in state %d", g.injector.state)
	}
	if g.committed {
		return fmt.Errorf("injection already committed")
	}

	if err := g.injector.mts.MoveMount(g.injector.shadow, g.injector.path); err != nil {
		return err
	}

	g.committed = true

	return nil
}

// EnableInjection arms the hookfs fault policy. Idempotent.
func (g *MountInjectionGuard) EnableInjection() {
	g.injector.faults.EnableInjection()
	if g.injector.state == stateMounted {
		g.injector.state = stateArmed
	}
}

// DisableInjection reverts hookfs to passthrough. Idempotent.
func (g *MountInjectionGuard) DisableInjection() {
	g.injector.faults.DisableInjection()
	if g.injector.state == stateArmed {
		g.injector.state = stateMounted
	}
}

func (g *MountInjectionGuard) Recovered() bool {
	return g.recovered
}

// RecoverMount unwinds the interposition in the strict reverse of the
// injection order. Faults are disabled before anything else so the victims'
// reopen syscalls are not themselves perturbed. Every step runs even if
// earlier ones failed, so partial teardown still converges toward the
// mountable baseline; the first error is reported.
func (g *MountInjectionGuard) RecoverMount(rep domain.ReplacerIface) error {

	if g.recovered {
		return fmt.Errorf("injection already recovered")
	}

	var firstErr error
	report := func(step string, err error) {
		if err == nil {
			return
		}
		logrus.Errorf("recover: %s: %v", step, err)
		if firstErr == nil {
			firstErr = fmt.Errorf("%s: %w", step, err)
		}
	}

	g.DisableInjection()

	if g.committed {
		report("move hookfs off target",
			g.injector.mts.MoveMount(g.injector.path, g.injector.shadow))
	}

	if rep != nil {
		report("prepare reverse replacer",
			rep.Prepare(g.injector.shadow, g.injector.path))
		report("run reverse replacer", rep.Run())
	}

	report("unmount hookfs", g.srv.Unmount(g.injector.shadow))
	g.srv.Close()

	report("unmount shadow bind", g.injector.mts.UnmountRetry(g.injector.shadow))

	if err := os.Remove(g.injector.shadow); err != nil && !os.IsNotExist(err) {
		report("remove shadow dir", err)
	}

	g.recovered = true
	g.injector.state = stateIdle

	return firstErr
}

// IsConfigError reports whether err is fatal misconfiguration rather than an
// environmental failure.
func IsConfigError(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}
