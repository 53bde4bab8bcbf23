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

package injector

import (
	"fmt"
	"path/filepath"
	"strings"
)

// EncodePath derives the shadow location for a target directory: a sibling
// entry whose name wraps the target's base name in "__chaosfs__...__". The
// mapping is injective - distinct targets always yield distinct shadows -
// so concurrent interpositions of different directories never collide.
func EncodePath(target string) (string, error) {

	if !filepath.IsAbs(target) {
		return "", fmt.Errorf("target path %q is not absolute", target)
	}

	cleaned := filepath.Clean(target)
	if cleaned == "/" {
		return "", fmt.Errorf("cannot interpose the filesystem root")
	}

	dir, base := filepath.Split(cleaned)

	if strings.HasPrefix(base, "__chaosfs__") && strings.HasSuffix(base, "__") {
		return "", fmt.Errorf("target path %q is already a shadow path", target)
	}

	return filepath.Join(dir, "__chaosfs__"+base+"__"), nil
}
