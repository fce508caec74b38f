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

package llir

import (
	"go.uber.org/multierr"

	"github.com/arrc-org/arrc/base/logs"
	"github.com/arrc-org/arrc/tensor"
)

// Optimize runs the pass pipeline over an IR fragment: usage tracing,
// virtualization, cleanup of dead writes, then algebraic
// simplification. It returns the analysis table and the optimized tree.
// Errors abort the compilation unit; no partial result is returned.
func (ctx *Context) Optimize(proc Stmt) (*TracedStore, Stmt, error) {
	ctx.store = NewTracedStore()
	if err := ctx.trace(proc); err != nil {
		return nil, nil, multierr.Append(err, ctx.teardown())
	}
	logs.Printf(logs.Passes, "llir: traced %d arrays", ctx.store.Size())
	out, err := ctx.virtualize(proc)
	if err != nil {
		return nil, nil, multierr.Append(err, ctx.teardown())
	}
	if out, err = ctx.cleanup(out); err != nil {
		return nil, nil, multierr.Append(err, ctx.teardown())
	}
	if out, err = ctx.simplify(out); err != nil {
		return nil, nil, multierr.Append(err, ctx.teardown())
	}
	return ctx.store, out, nil
}

// Compile optimizes a named procedure and fixes the storage class of
// every array it mentions: arrays that stay in memory but whose values
// the host must observe are hosted, and the parallel sub-modes are
// resolved for the device backend.
func (ctx *Context) Compile(name string, proc Stmt) (*TracedStore, Stmt, error) {
	logs.Printf(logs.Passes, "llir: compiling %s", name)
	store, out, err := ctx.Optimize(proc)
	if err != nil {
		return nil, nil, err
	}
	for tr := range store.All() {
		if tr.IsVirtual() || tr.T.DeviceOnly() {
			continue
		}
		mode := tensor.HostedChanged
		if tr.ReadOnly {
			mode = tensor.HostedConstant
		}
		if err := tr.T.SetMode(mode, ProvClassHosted); err != nil {
			return nil, nil, err
		}
	}
	if err := ctx.classify(); err != nil {
		return nil, nil, err
	}
	return store, out, nil
}

// teardown clears the per-unit shared state so a failed compilation
// cannot leak constraints into the next one. The process-wide unique-id
// counter is left alone: it only needs to stay monotonic.
func (ctx *Context) teardown() error {
	ctx.reset()
	return nil
}
