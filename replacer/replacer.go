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

package replacer

import (
	"github.com/sirupsen/logrus"

	"github.com/xuesongbj/toda/domain"
)

// UnionReplacer is a sequenced composition of sub-replacers sharing one
// ptrace manager. Additional replacers (e.g. for memory-mapped regions) slot
// in beside the fd replacer. A sub-replacer's failure is logged and skipped;
// the union never aborts the overall flow on a per-process error.
type UnionReplacer struct {
	subs []domain.ReplacerIface
}

var _ domain.ReplacerIface = (*UnionReplacer)(nil)

func NewUnionReplacer(subs ...domain.ReplacerIface) *UnionReplacer {
	return &UnionReplacer{subs: subs}
}

func (u *UnionReplacer) Prepare(detectPath, newPath string) error {

	for _, sub := range u.subs {
		if err := sub.Prepare(detectPath, newPath); err != nil {
			logrus.Errorf("replacer prepare failed: %v", err)
		}
	}

	return nil
}

// Run drains the sub-replacers in registration order.
func (u *UnionReplacer) Run() error {

	for _, sub := range u.subs {
		if err := sub.Run(); err != nil {
			logrus.Errorf("replacer run failed: %v", err)
		}
	}

	return nil
}
