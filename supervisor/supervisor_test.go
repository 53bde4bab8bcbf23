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
	"errors"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xuesongbj/toda/injector"
)

func TestSignalPipeWait(t *testing.T) {

	pipe, err := newSignalPipe()
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- pipe.wait() }()

	select {
	case <-done:
		t.Fatal("wait returned before any trigger")
	case <-time.After(20 * time.Millisecond):
	}

	pipe.trigger()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("wait did not wake on trigger")
	}
}

func TestSignalPipeAbsorbsExtraTriggers(t *testing.T) {

	pipe, err := newSignalPipe()
	require.NoError(t, err)

	// Two rapid termination requests: the first wakes the waiter, the
	// second is absorbed harmlessly in the pipe buffer.
	pipe.trigger()
	pipe.trigger()

	require.NoError(t, pipe.wait())

	second := make(chan error, 1)
	go func() { second <- pipe.wait() }()

	select {
	case err := <-second:
		assert.NoError(t, err, "the extra token sits in the pipe")
	case <-time.After(time.Second):
		t.Fatal("second token lost")
	}
}

func TestInstallSignalPipeDeliversSignal(t *testing.T) {

	pipe, err := installSignalPipe()
	require.NoError(t, err)

	// installSignalPipe is initialize-once.
	again, err := installSignalPipe()
	require.NoError(t, err)
	assert.Same(t, pipe, again)

	require.NoError(t, syscall.Kill(syscall.Getpid(), syscall.SIGTERM))

	done := make(chan error, 1)
	go func() { done <- pipe.wait() }()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("SIGTERM did not reach the signal pipe")
	}
}

func TestRunServesErrorAfterFailedInject(t *testing.T) {

	s := New(Options{Path: "/tmp/x", Address: "127.0.0.1:0"}, nil, nil)

	injectErr := errors.New("target is not covered by any mount")
	s.injectFn = func() (*injector.MountInjectionGuard, error) {
		return nil, injectErr
	}
	s.resumeFn = func(*injector.MountInjectionGuard) error {
		t.Fatal("resume must be skipped when inject failed")
		return nil
	}

	done := make(chan error, 1)
	go func() { done <- s.Run() }()

	// The supervisor must keep serving (status = inject-failed) until a
	// termination request arrives, then exit non-zero without resuming.
	time.Sleep(50 * time.Millisecond)

	st := s.status(nil)
	assert.Equal(t, "inject-failed", st.State)
	assert.Contains(t, st.Error, "not covered")

	TriggerTeardown()

	select {
	case err := <-done:
		require.Error(t, err)
		assert.ErrorIs(t, err, injectErr)
	case <-time.After(5 * time.Second):
		t.Fatal("supervisor did not exit after teardown")
	}
}
