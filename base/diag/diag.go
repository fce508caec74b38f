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

// Package diag accumulates compilation errors within nested contexts.
//
// A context frame is a function prefixing errors with what the compiler
// was doing when they occurred (the rows being unified, the operation
// being lowered). Frames are pushed and popped around recursive calls;
// an error appended within a frame is reported through every enclosing
// frame prefix.
package diag

import (
	"fmt"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
)

type (
	contextFrame struct {
		f    func(error) error
		errs []error
	}

	// Errors is a set of errors collected within context frames.
	Errors struct {
		stack []contextFrame
		errs  []error
	}
)

// PrefixWith returns a frame function prefixing errors with a formatted string.
func PrefixWith(s string, o ...any) func(err error) error {
	prefix := fmt.Sprintf(s, o...)
	return func(err error) error {
		return fmt.Errorf("%s: %w", prefix, err)
	}
}

// Push a new context frame.
func (errs *Errors) Push(f func(error) error) {
	errs.stack = append(errs.stack, contextFrame{f: f})
}

// Pop removes the last context frame, folding its errors into the
// enclosing frame (or the top level) after applying the frame prefix.
func (errs *Errors) Pop() {
	last := errs.stack[len(errs.stack)-1]
	errs.stack = errs.stack[:len(errs.stack)-1]
	for _, err := range last.errs {
		errs.Append(last.f(err))
	}
}

// Append an error to the current frame.
// Always returns false so that callers can write:
//
//	return errs.Append(err)
func (errs *Errors) Append(err error) bool {
	if len(errs.stack) == 0 {
		errs.errs = append(errs.errs, err)
	} else {
		frame := &errs.stack[len(errs.stack)-1]
		frame.errs = append(frame.errs, err)
	}
	return false
}

// Appendf appends a formatted error to the current frame.
func (errs *Errors) Appendf(format string, a ...any) bool {
	return errs.Append(errors.Errorf(format, a...))
}

// Empty returns true if no error has been collected.
func (errs *Errors) Empty() bool {
	if len(errs.errs) > 0 {
		return false
	}
	for _, frame := range errs.stack {
		if len(frame.errs) > 0 {
			return false
		}
	}
	return true
}

// ToError returns all collected errors combined into one, or nil if no
// error has been collected. Frames still on the stack are folded in with
// their prefixes applied.
func (errs *Errors) ToError() error {
	all := append([]error{}, errs.errs...)
	for _, frame := range errs.stack {
		for _, err := range frame.errs {
			all = append(all, frame.f(err))
		}
	}
	return multierr.Combine(all...)
}

// Error implements the error interface.
func (errs *Errors) Error() string {
	err := errs.ToError()
	if err == nil {
		return "no error"
	}
	return err.Error()
}
