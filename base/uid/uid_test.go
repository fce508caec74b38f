// Copyright 2025 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package uid_test

import (
	"testing"

	"github.com/arrc-org/arrc/base/uid"
)

func TestNext(t *testing.T) {
	var zero uid.ID
	if zero.Valid() {
		t.Errorf("zero identifier reports valid")
	}
	seen := make(map[uid.ID]bool)
	prev := uid.ID(0)
	for i := 0; i < 1000; i++ {
		id := uid.Next()
		if !id.Valid() {
			t.Fatalf("iteration %d: minted identifier is not valid", i)
		}
		if seen[id] {
			t.Fatalf("iteration %d: identifier %s minted twice", i, id)
		}
		if id <= prev {
			t.Fatalf("iteration %d: identifier %s is not greater than %s", i, id, prev)
		}
		seen[id] = true
		prev = id
	}
}
