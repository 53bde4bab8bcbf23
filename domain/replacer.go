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

// ReplacerIface rewrites references held by running processes when the
// filesystem under them is substituted. Prepare computes the per-process work
// (attaching to the victims); Run executes it and releases the attachments.
//
// A replacer is single-shot: once Run returns, the instance is drained and a
// fresh one must be prepared for the next substitution.
type ReplacerIface interface {
	// Prepare enumerates every process holding resources under detectPath
	// and computes the rewritten location of each under newPath. Per-process
	// failures are logged and skipped.
	Prepare(detectPath, newPath string) error

	// Run applies the prepared rewrites. Per-process failures are logged and
	// skipped; Run only fails on engine-level errors.
	Run() error
}
