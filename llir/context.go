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
	"github.com/arrc-org/arrc/indexing"
	"github.com/arrc-org/arrc/shapes"
)

// Config are the compilation knobs. The zero value is not usable; use
// NewContext to obtain defaults.
type Config struct {
	// MaxTracingDim bounds how many iterations of a traced loop usage
	// analysis unrolls when enumerating access patterns.
	MaxTracingDim int
	// MaxVisits bounds how often a cell may be re-read before the
	// array is forced out of virtualization: recomputing it at every
	// read would duplicate too much work.
	MaxVisits int
	// UnrollIntPow folds integer powers into products.
	UnrollIntPow bool
	// Strict turns storage-class warnings into errors.
	Strict bool
}

// Option configures a compilation context.
type Option func(*Config)

// WithMaxTracingDim bounds loop unrolling in usage analysis.
func WithMaxTracingDim(n int) Option {
	return func(cfg *Config) { cfg.MaxTracingDim = n }
}

// WithMaxVisits bounds cell re-reads of virtualization candidates.
func WithMaxVisits(n int) Option {
	return func(cfg *Config) { cfg.MaxVisits = n }
}

// WithUnrollIntPow enables or disables integer power unrolling.
func WithUnrollIntPow(on bool) Option {
	return func(cfg *Config) { cfg.UnrollIntPow = on }
}

// WithStrict turns storage-class warnings into errors.
func WithStrict(on bool) Option {
	return func(cfg *Config) { cfg.Strict = on }
}

// Context owns the state of one compilation unit: the configuration,
// the shape inference environment and the traced store. Each
// optimization starts with a fresh traced store, and a failed pass also
// resets the shape environment; the process-wide identifier counter is
// never reset.
type Context struct {
	cfg Config

	// ShapeEnv is the inference environment shapes of this compilation
	// propagate through.
	ShapeEnv *shapes.Env

	store *TracedStore

	// taskSym and sampleSym are the dedicated parallel axes of the
	// computation, when the caller targets a parallel backend.
	taskSym   indexing.Sym
	sampleSym indexing.Sym
}

// NewContext returns a compilation context with default configuration.
func NewContext(opts ...Option) *Context {
	cfg := Config{
		MaxTracingDim: 5,
		MaxVisits:     3,
		UnrollIntPow:  true,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Context{
		cfg:      cfg,
		ShapeEnv: shapes.NewEnv(),
		store:    NewTracedStore(),
	}
}

// Config returns the configuration of the context.
func (ctx *Context) Config() Config { return ctx.cfg }

// Store returns the traced store of the current compilation.
func (ctx *Context) Store() *TracedStore { return ctx.store }

// SetParallelAxes declares the dedicated task (block) and sample
// (thread) axes used by the memory-mode classifier.
func (ctx *Context) SetParallelAxes(task, sample indexing.Sym) {
	ctx.taskSym, ctx.sampleSym = task, sample
}

// reset clears the per-unit state: the shape environment and the traced
// store.
func (ctx *Context) reset() {
	ctx.ShapeEnv.Reset()
	ctx.store = NewTracedStore()
}
