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

package shapes

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// Error is a shape inference failure. It carries a trace of the rows,
// dimensions and indices that could not be reconciled.
type Error struct {
	err   error
	Trace []fmt.Stringer
}

// shapeErrorf returns a shape error with a trace.
func shapeErrorf(trace []fmt.Stringer, format string, a ...any) *Error {
	return &Error{err: errors.Errorf(format, a...), Trace: trace}
}

// Error implements the error interface.
func (e *Error) Error() string {
	if len(e.Trace) == 0 {
		return e.err.Error()
	}
	var sb strings.Builder
	for i, t := range e.Trace {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(t.String())
	}
	return fmt.Sprintf("%v (involving %s)", e.err, sb.String())
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error { return e.err }

func traceRows(rows ...*Row) []fmt.Stringer {
	ts := make([]fmt.Stringer, len(rows))
	for i, r := range rows {
		ts[i] = r
	}
	return ts
}

func traceDims(dims ...Dim) []fmt.Stringer {
	ts := make([]fmt.Stringer, len(dims))
	for i, d := range dims {
		ts[i] = d
	}
	return ts
}
