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

package hookfs

import (
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xuesongbj/toda/domain"
)

func TestFaultsDisabledIsPassthrough(t *testing.T) {

	f, err := NewFaults([]domain.FaultRule{
		{Prefix: "", Errno: int(syscall.EIO)},
	})
	require.NoError(t, err)

	// Not armed: no faults regardless of matching rules.
	assert.NoError(t, f.apply("read", "some/file"))
	assert.Zero(t, f.Stats().FaultsInjected)
}

func TestFaultsToggleIdempotent(t *testing.T) {

	f, err := NewFaults(nil)
	require.NoError(t, err)

	f.EnableInjection()
	f.EnableInjection()
	assert.True(t, f.InjectionEnabled())

	f.DisableInjection()
	f.DisableInjection()
	assert.False(t, f.InjectionEnabled())
}

func TestFaultsErrnoRule(t *testing.T) {

	f, err := NewFaults([]domain.FaultRule{
		{Prefix: "data", Errno: int(syscall.ENOSPC), Methods: []string{"write"}},
	})
	require.NoError(t, err)
	f.EnableInjection()

	// Matching method and prefix.
	err = f.apply("write", "data/wal.log")
	require.Error(t, err)

	ioerr, ok := err.(IOerror)
	require.True(t, ok)
	assert.Equal(t, syscall.ENOSPC, ioerr.Code)

	// Non-matching method.
	assert.NoError(t, f.apply("read", "data/wal.log"))

	// Non-matching prefix.
	assert.NoError(t, f.apply("write", "other/file"))

	assert.Equal(t, uint64(1), f.Stats().FaultsInjected)
}

func TestFaultsLongestPrefixWins(t *testing.T) {

	f, err := NewFaults([]domain.FaultRule{
		{Prefix: "", Errno: int(syscall.EIO)},
		{Prefix: "fast", Delay: time.Millisecond},
	})
	require.NoError(t, err)
	f.EnableInjection()

	// "fast/..." hits the delay-only rule, not the catch-all errno.
	assert.NoError(t, f.apply("read", "fast/path"))

	err = f.apply("read", "slow/path")
	require.Error(t, err)
}

func TestFaultsDelayRule(t *testing.T) {

	const delay = 20 * time.Millisecond

	f, err := NewFaults([]domain.FaultRule{
		{Prefix: "", Delay: delay},
	})
	require.NoError(t, err)
	f.EnableInjection()

	start := time.Now()
	require.NoError(t, f.apply("read", "x"))
	assert.GreaterOrEqual(t, time.Since(start), delay)
}

func TestFaultsSetRulesValidation(t *testing.T) {

	f, err := NewFaults(nil)
	require.NoError(t, err)

	assert.Error(t, f.SetRules([]domain.FaultRule{{Prefix: "a", Percent: 101}}))
	assert.Error(t, f.SetRules([]domain.FaultRule{{Prefix: "a", Errno: -1}}))
	assert.NoError(t, f.SetRules([]domain.FaultRule{{Prefix: "a", Percent: 50}}))
}

func TestFaultsHotRuleSwap(t *testing.T) {

	f, err := NewFaults([]domain.FaultRule{
		{Prefix: "", Errno: int(syscall.EIO)},
	})
	require.NoError(t, err)
	f.EnableInjection()

	require.Error(t, f.apply("read", "x"))

	require.NoError(t, f.SetRules(nil))
	assert.NoError(t, f.apply("read", "x"))
}

func TestStatsCounters(t *testing.T) {

	var s Stats

	s.open()
	s.read(10)
	s.read(5)
	s.write(7)

	snap := s.snapshot()
	assert.Equal(t, uint64(1), snap.Opens)
	assert.Equal(t, uint64(2), snap.Reads)
	assert.Equal(t, uint64(15), snap.BytesRead)
	assert.Equal(t, uint64(1), snap.Writes)
	assert.Equal(t, uint64(7), snap.BytesWritten)
}
