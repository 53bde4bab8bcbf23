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

package domain

import "time"

// FaultRule describes one fault-injection action of the hookfs daemon. A rule
// applies to every file whose path (relative to the hookfs root) starts with
// Prefix, restricted to the listed methods (empty = all methods).
type FaultRule struct {
	Prefix  string        `json:"prefix"`
	Methods []string      `json:"methods,omitempty"`
	Delay   time.Duration `json:"delay,omitempty"`
	Errno   int           `json:"errno,omitempty"`
	Percent uint32        `json:"percent,omitempty"` // 0 or 100 = always
}

// FsStats is a snapshot of the hookfs operation counters.
type FsStats struct {
	Opens          uint64 `json:"opens"`
	Reads          uint64 `json:"reads"`
	Writes         uint64 `json:"writes"`
	BytesRead      uint64 `json:"bytes_read"`
	BytesWritten   uint64 `json:"bytes_written"`
	FaultsInjected uint64 `json:"faults_injected"`
}

// FaultInjectorIface is the toggle surface of the hookfs fault policy. It is
// shared between the supervisor (exclusive during mount / recover) and the
// RPC worker (enable / disable / status); implementations must be safe for
// concurrent use and the toggles must be idempotent.
type FaultInjectorIface interface {
	EnableInjection()
	DisableInjection()
	InjectionEnabled() bool
	SetRules(rules []FaultRule) error
	Stats() FsStats
}
