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

// Package uid provides process-unique identifiers.
//
// The counter is monotonic for the lifetime of the process and is never
// reset, so identifiers minted in one compilation unit can never collide
// with identifiers minted in another.
package uid

import (
	"fmt"
	"sync/atomic"
)

// ID is a process-unique identifier.
type ID uint64

var counter atomic.Uint64

// Next returns a fresh identifier.
func Next() ID {
	return ID(counter.Add(1))
}

// String representation of the identifier.
func (id ID) String() string {
	return fmt.Sprintf("#%d", uint64(id))
}

// Valid returns true if the identifier has been minted by Next
// (the zero value is reserved as "no identifier").
func (id ID) Valid() bool {
	return id != 0
}
