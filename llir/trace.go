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
	"fmt"
	"strings"

	"github.com/pkg/errors"

	"github.com/arrc-org/arrc/base/logs"
	"github.com/arrc-org/arrc/indexing"
	"github.com/arrc-org/arrc/tensor"
)

// Provenance codes stamped on storage decisions so a surprising mode
// can be traced back to the pass that made it.
const (
	ProvUserMode = iota + 1
	ProvTraceMaxVisits
	ProvTraceRecurrent
	ProvVirtMultiWriter
	ProvVirtIndexMismatch
	ProvVirtNonLinear
	ProvVirtEscape
	ProvVirtUntracedLoop
	ProvVirtStaged
	ProvVirtCallMismatch
	ProvVirtDecided
	ProvClassConstant
	ProvClassLocal
	ProvClassGlobal
	ProvClassHosted
)

// Visits records the reads of one cell. Recurrent marks a read that
// happened before any write to that cell within the current update.
type Visits struct {
	N         int
	Recurrent bool
}

// Computation is one defining fragment of an array: the statement tree
// computing it and the canonical index tuple of its writes.
type Computation struct {
	Idcs []indexing.AxisIndex
	IR   Stmt
}

// Traced is the usage-analysis record of one array.
type Traced struct {
	T *tensor.Tensor

	// Computations holds the defining fragments, most recent first;
	// inlining replays them back to front to restore program order.
	Computations []Computation

	// Assignments is the set of index vectors written.
	Assignments map[string]bool
	// Accesses maps read index vectors to their visit counts.
	Accesses map[string]Visits

	ZeroInitialized bool
	ZeroedOut       bool
	ReadBeforeWrite bool
	ReadOnly        bool

	// GPU is the parallel storage sub-mode chosen by the classifier.
	GPU GPUMode

	// syms are the loop symbols indexing the array.
	syms map[indexing.Sym]bool

	virtual bool
}

func newTraced(t *tensor.Tensor) *Traced {
	return &Traced{
		T:           t,
		Assignments: make(map[string]bool),
		Accesses:    make(map[string]Visits),
		syms:        make(map[indexing.Sym]bool),
	}
}

// IsVirtual returns true once virtualization has decided to eliminate
// the array.
func (tr *Traced) IsVirtual() bool { return tr.virtual }

// IndexedBy returns true if the array is addressed through the given
// loop symbol.
func (tr *Traced) IndexedBy(sym indexing.Sym) bool {
	return sym.Valid() && tr.syms[sym]
}

// TracedStore is the per-compilation table of usage records. Records
// keep their first-mention order: the passes make storage decisions
// while iterating, so two compilations of the same program must visit
// arrays the same way.
type TracedStore struct {
	arrays map[*tensor.Tensor]*Traced
	order  []*tensor.Tensor
	// loops maps a loop symbol to the single array written under it.
	loops map[indexing.Sym]*tensor.Tensor
}

// NewTracedStore returns an empty store.
func NewTracedStore() *TracedStore {
	return &TracedStore{
		arrays: make(map[*tensor.Tensor]*Traced),
		loops:  make(map[indexing.Sym]*tensor.Tensor),
	}
}

// Of returns the record of an array, creating it on first mention.
func (s *TracedStore) Of(t *tensor.Tensor) *Traced {
	tr, ok := s.arrays[t]
	if !ok {
		tr = newTraced(t)
		s.arrays[t] = tr
		s.order = append(s.order, t)
	}
	return tr
}

// Lookup returns the record of an array if it has been mentioned.
func (s *TracedStore) Lookup(t *tensor.Tensor) (*Traced, bool) {
	tr, ok := s.arrays[t]
	return tr, ok
}

// All iterates over the records in first-mention order.
func (s *TracedStore) All() func(func(*Traced) bool) {
	return func(yield func(*Traced) bool) {
		for _, t := range s.order {
			if !yield(s.arrays[t]) {
				return
			}
		}
	}
}

// Size returns the number of arrays mentioned.
func (s *TracedStore) Size() int { return len(s.order) }

// ----------------------------------------------------------------------------
// The usage-analysis walk.

type tracer struct {
	ctx   *Context
	store *TracedStore
	// bound maps loop symbols to their current concrete value.
	bound map[indexing.Sym]int
}

// trace runs usage analysis over an IR fragment, populating the store.
func (ctx *Context) trace(proc Stmt) error {
	t := &tracer{ctx: ctx, store: ctx.store, bound: make(map[indexing.Sym]int)}
	if err := t.stmt(proc); err != nil {
		return err
	}
	return t.finalize()
}

// key resolves an index vector against the bound iterators. Unbound
// iterators stay symbolic.
func (t *tracer) key(idcs []indexing.AxisIndex) string {
	parts := make([]string, len(idcs))
	for i, idx := range idcs {
		switch it := idx.(type) {
		case indexing.FixedIdx:
			parts[i] = fmt.Sprintf("%d", int(it))
		case indexing.Iterator:
			if v, ok := t.bound[it.Sym()]; ok {
				parts[i] = fmt.Sprintf("%d", v)
			} else {
				parts[i] = it.String()
			}
		}
	}
	return "[" + strings.Join(parts, ",") + "]"
}

func (t *tracer) recordSyms(tr *Traced, idcs []indexing.AxisIndex) {
	for _, idx := range idcs {
		if it, ok := idx.(indexing.Iterator); ok {
			tr.syms[it.Sym()] = true
		}
	}
}

func (t *tracer) stmt(s Stmt) error {
	switch st := s.(type) {
	case *Noop, *Comment, *StagedCallback:
		return nil
	case *Seq:
		for _, sub := range st.Stmts {
			if err := t.stmt(sub); err != nil {
				return err
			}
		}
		return nil
	case *For:
		return t.loop(st)
	case *ZeroOut:
		tr := t.store.Of(st.T)
		if len(tr.Assignments) == 0 && len(tr.Accesses) == 0 {
			tr.ZeroInitialized = true
		}
		tr.ZeroedOut = true
		return nil
	case *Set:
		if err := t.expr(st.Value); err != nil {
			return err
		}
		tr := t.store.Of(st.T)
		tr.Assignments[t.key(st.Idcs)] = true
		t.recordSyms(tr, st.Idcs)
		for _, idx := range st.Idcs {
			it, ok := idx.(indexing.Iterator)
			if !ok {
				continue
			}
			prev, seen := t.store.loops[it.Sym()]
			if seen && prev != st.T {
				// Two arrays sharing one loop iterator would make the
				// reverse loop map ambiguous.
				return errors.Errorf("arrays %s and %s are both written under loop iterator %s", prev, st.T, it)
			}
			t.store.loops[it.Sym()] = st.T
		}
		return nil
	case *SetLocal:
		return t.expr(st.Value)
	}
	return errors.Errorf("usage analysis: unknown statement %T", s)
}

func (t *tracer) loop(st *For) error {
	extent := st.To - st.From
	if extent <= 0 {
		return nil
	}
	iters := 1
	if st.TraceIt {
		iters = min(extent, t.ctx.cfg.MaxTracingDim)
	}
	for i := range iters {
		t.bound[st.Index] = st.From + i
		if err := t.stmt(st.Body); err != nil {
			return err
		}
	}
	delete(t.bound, st.Index)
	return nil
}

func (t *tracer) expr(e Expr) error {
	switch et := e.(type) {
	case *Const, *GetLocal, *GetGlobal, *EmbedIndex:
		return nil
	case *Get:
		tr := t.store.Of(et.T)
		key := t.key(et.Idcs)
		t.recordSyms(tr, et.Idcs)
		v := tr.Accesses[key]
		switch {
		case v.Recurrent:
		case !tr.Assignments[key] && !tr.ZeroedOut:
			// Reading a cell that has not been written in this update.
			v.Recurrent = true
		default:
			v.N++
		}
		tr.Accesses[key] = v
		return nil
	case *Binop:
		if err := t.expr(et.A); err != nil {
			return err
		}
		return t.expr(et.B)
	case *Unop:
		return t.expr(et.X)
	case *LocalScope:
		return t.stmt(et.Body)
	}
	return errors.Errorf("usage analysis: unknown expression %T", e)
}

// finalize derives the per-array verdicts from the collected records.
func (t *tracer) finalize() error {
	for tr := range t.store.All() {
		maxVisits := 0
		recurrent := false
		for _, v := range tr.Accesses {
			if v.N > maxVisits {
				maxVisits = v.N
			}
			recurrent = recurrent || v.Recurrent
		}
		if maxVisits > t.ctx.cfg.MaxVisits {
			if err := tr.T.MarkNonVirtual(ProvTraceMaxVisits); err != nil {
				return err
			}
		}
		if len(tr.Assignments) == 0 && !tr.ZeroedOut {
			tr.ReadOnly = true
		}
		if recurrent {
			tr.ReadBeforeWrite = true
			tr.T.MarkNotDeviceOnly()
			if err := tr.T.MarkNonVirtual(ProvTraceRecurrent); err != nil {
				return err
			}
			logs.Printf(logs.Nodes, "llir: %s reads before writing, kept in memory (provenance %d)", tr.T, ProvTraceRecurrent)
		}
	}
	return nil
}
