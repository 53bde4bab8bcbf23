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

package supervisor

import (
	"context"
	"fmt"
	"sync"
	"time"

	systemd "github.com/coreos/go-systemd/daemon"
	"github.com/sirupsen/logrus"

	"github.com/xuesongbj/toda/domain"
	"github.com/xuesongbj/toda/injector"
	"github.com/xuesongbj/toda/rpc"
)

// Supervisor drives the whole interposition lifecycle: inject, serve the
// control surface, wait for a termination request, resume. Ptrace work runs
// on the supervisor's goroutine and is strictly serial; only the RPC worker
// runs concurrently, holding nothing but the shared hookfs handle, the
// status cell and the teardown trigger.
type Supervisor struct {
	opts Options

	mts domain.MountServiceIface

	mu     sync.Mutex
	state  string
	report string // inject failure text for the status surface

	newReplacer func() domain.ReplacerIface

	injectFn func() (*injector.MountInjectionGuard, error)
	resumeFn func(*injector.MountInjectionGuard) error
}

// Options are the per-invocation knobs of the supervisor.
type Options struct {
	Path      string
	MountOnly bool
	Address   string
	Rules     []domain.FaultRule
}

// New assembles a supervisor. newReplacer builds a fresh replacer per
// substitution pass (they are single-shot); a nil factory together with
// MountOnly skips descriptor rewriting entirely.
func New(opts Options, mts domain.MountServiceIface, newReplacer func() domain.ReplacerIface) *Supervisor {

	s := &Supervisor{
		opts:        opts,
		mts:         mts,
		state:       "injecting",
		newReplacer: newReplacer,
	}

	s.injectFn = s.inject
	s.resumeFn = s.resume

	return s
}

func (s *Supervisor) setState(state string) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

// inject runs the full injection sequence: validate and prepare the shadow,
// mount hookfs at it, rewrite victim descriptors onto it, move it over the
// target, arm the faults.
func (s *Supervisor) inject() (*injector.MountInjectionGuard, error) {

	m, err := injector.CreateInjection(s.opts.Path,
		injector.Config{Rules: s.opts.Rules}, s.mts)
	if err != nil {
		return nil, err
	}

	guard, err := m.Mount()
	if err != nil {
		return nil, err
	}

	logrus.Info("mount successfully")

	if !s.opts.MountOnly {
		rep := s.newReplacer()
		if err := rep.Prepare(guard.Path(), guard.ShadowPath()); err != nil {
			logrus.Errorf("replacer prepare: %v", err)
		}
		if err := rep.Run(); err != nil {
			logrus.Errorf("replacer run: %v", err)
		}
		logrus.Info("replacer detached")
	}

	if err := guard.Commit(); err != nil {
		// The target is still pristine; unwind the shadow half.
		if rerr := guard.RecoverMount(nil); rerr != nil {
			logrus.Errorf("unwinding after failed commit: %v", rerr)
		}
		return nil, err
	}

	logrus.Info("enable injection")
	guard.EnableInjection()

	return guard, nil
}

// resume reverses inject. The guard disables faults before the reverse
// descriptor rewrite runs, so the victims' reopen syscalls see passthrough
// behavior.
func (s *Supervisor) resume(guard *injector.MountInjectionGuard) error {

	var rep domain.ReplacerIface
	if !s.opts.MountOnly {
		rep = s.newReplacer()
	}

	return guard.RecoverMount(rep)
}

// Run executes the supervisor lifecycle and returns when the interposition
// has been unwound (or was never established). A non-nil error after a
// termination signal maps to a non-zero exit.
func (s *Supervisor) Run() error {

	pipe, err := installSignalPipe()
	if err != nil {
		return err
	}

	guard, injErr := s.injectFn()
	if injErr != nil {
		logrus.Errorf("inject: %v", injErr)
		s.mu.Lock()
		s.state = "inject-failed"
		s.report = injErr.Error()
		s.mu.Unlock()
	} else {
		s.setState("injected")
	}

	bridge := rpc.Bridge{
		Status:   func() rpc.Status { return s.status(guard) },
		Teardown: TriggerTeardown,
	}
	if guard != nil {
		bridge.Faults = guard.Hookfs()
	}

	rpcServer := rpc.NewServer(s.opts.Address, bridge)
	rpcServer.Start()

	systemd.SdNotify(false, systemd.SdNotifyReady)

	logrus.Info("waiting for signal to exit")
	if err := pipe.wait(); err != nil {
		return err
	}

	logrus.Info("start to recover and exit")
	systemd.SdNotify(false, systemd.SdNotifyStopping)
	s.setState("recovering")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rpcServer.Shutdown(shutdownCtx); err != nil {
		logrus.Warnf("rpc shutdown: %v", err)
	}

	if injErr != nil {
		// Nothing to resume; the operator saw the failure via RPC. Exit
		// non-zero.
		return fmt.Errorf("inject failed: %w", injErr)
	}

	if err := s.resumeFn(guard); err != nil {
		return fmt.Errorf("resume: %w", err)
	}

	logrus.Info("recover successfully")

	return nil
}

func (s *Supervisor) status(guard *injector.MountInjectionGuard) rpc.Status {

	s.mu.Lock()
	st := rpc.Status{
		State: s.state,
		Path:  s.opts.Path,
		Error: s.report,
	}
	s.mu.Unlock()

	if guard != nil {
		st.Shadow = guard.ShadowPath()
		st.FaultsEnabled = guard.Hookfs().InjectionEnabled()
		counters := guard.Hookfs().Stats()
		st.Counters = &counters
	}

	return st
}
