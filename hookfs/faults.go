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
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	iradix "github.com/hashicorp/go-immutable-radix"
	"github.com/sirupsen/logrus"

	"github.com/xuesongbj/toda/domain"
)

// Faults holds the fault-injection policy of a hookfs instance. It is the
// handle shared between the supervisor and the RPC worker; all methods are
// safe for concurrent use and the toggles are idempotent.
//
// Rules live in an immutable radix tree keyed by path prefix (relative to
// the hookfs root); each lookup takes the longest matching prefix. Rule
// updates swap the whole tree, so in-flight lookups never see a partial
// policy.
type Faults struct {
	enabled int32 // atomic; 0 = passthrough

	mu    sync.RWMutex
	rules *iradix.Tree

	stats Stats
}

var _ domain.FaultInjectorIface = (*Faults)(nil)

func NewFaults(rules []domain.FaultRule) (*Faults, error) {

	f := &Faults{rules: iradix.New()}

	if err := f.SetRules(rules); err != nil {
		return nil, err
	}

	return f, nil
}

// EnableInjection arms the fault policy. Idempotent.
func (f *Faults) EnableInjection() {
	atomic.StoreInt32(&f.enabled, 1)
}

// DisableInjection reverts hookfs to pure passthrough. Idempotent.
func (f *Faults) DisableInjection() {
	atomic.StoreInt32(&f.enabled, 0)
}

func (f *Faults) InjectionEnabled() bool {
	return atomic.LoadInt32(&f.enabled) == 1
}

// SetRules replaces the active rule set. Safe to call while armed.
func (f *Faults) SetRules(rules []domain.FaultRule) error {

	txn := iradix.New().Txn()

	for i, rule := range rules {
		if rule.Percent > 100 {
			return fmt.Errorf("rule %d: percent %d out of range", i, rule.Percent)
		}
		if rule.Errno < 0 {
			return fmt.Errorf("rule %d: negative errno", i)
		}

		r := rule
		txn.Insert([]byte(rule.Prefix), &r)
	}

	tree := txn.Commit()

	f.mu.Lock()
	f.rules = tree
	f.mu.Unlock()

	return nil
}

// apply runs the fault policy for one operation on one file. The returned
// error, if any, is what the FUSE layer reports to the caller; a rule may
// also just delay the operation.
func (f *Faults) apply(method, rel string) error {

	if !f.InjectionEnabled() {
		return nil
	}

	f.mu.RLock()
	tree := f.rules
	f.mu.RUnlock()

	_, val, ok := tree.Root().LongestPrefix([]byte(rel))
	if !ok {
		return nil
	}

	rule := val.(*domain.FaultRule)

	if !methodMatches(rule.Methods, method) {
		return nil
	}

	if rule.Percent > 0 && rule.Percent < 100 {
		if rand.Uint32()%100 >= rule.Percent {
			return nil
		}
	}

	f.stats.faultInjected()

	if rule.Delay > 0 {
		logrus.Tracef("hookfs: delaying %s on %q by %v", method, rel, rule.Delay)
		time.Sleep(rule.Delay)
	}

	if rule.Errno != 0 {
		logrus.Tracef("hookfs: failing %s on %q with errno %d", method, rel, rule.Errno)
		return IOerror{Code: syscall.Errno(rule.Errno), Message: method + " fault"}
	}

	return nil
}

func methodMatches(methods []string, method string) bool {

	if len(methods) == 0 {
		return true
	}

	for _, m := range methods {
		if m == method {
			return true
		}
	}

	return false
}

// Stats returns a snapshot of the operation counters.
func (f *Faults) Stats() domain.FsStats {
	return f.stats.snapshot()
}

//
// Stats counts hookfs activity. All counters are updated atomically on the
// FUSE serving path.
//
type Stats struct {
	opens          uint64
	reads          uint64
	writes         uint64
	bytesRead      uint64
	bytesWritten   uint64
	faultsInjected uint64
}

func (s *Stats) open() {
	atomic.AddUint64(&s.opens, 1)
}

func (s *Stats) read(n int) {
	atomic.AddUint64(&s.reads, 1)
	atomic.AddUint64(&s.bytesRead, uint64(n))
}

func (s *Stats) write(n int) {
	atomic.AddUint64(&s.writes, 1)
	atomic.AddUint64(&s.bytesWritten, uint64(n))
}

func (s *Stats) faultInjected() {
	atomic.AddUint64(&s.faultsInjected, 1)
}

func (s *Stats) snapshot() domain.FsStats {
	return domain.FsStats{
		Opens:          atomic.LoadUint64(&s.opens),
		Reads:          atomic.LoadUint64(&s.reads),
		Writes:         atomic.LoadUint64(&s.writes),
		BytesRead:      atomic.LoadUint64(&s.bytesRead),
		BytesWritten:   atomic.LoadUint64(&s.bytesWritten),
		FaultsInjected: atomic.LoadUint64(&s.faultsInjected),
	}
}
