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
	"github.com/pkg/errors"

	"github.com/arrc-org/arrc/base/logs"
	"github.com/arrc-org/arrc/indexing"
	"github.com/arrc-org/arrc/tensor"
)

// virtualizer rewrites reads of eligible arrays into replayed scalar
// computations and records the defining fragments it accepts.
type virtualizer struct {
	ctx   *Context
	store *TracedStore
	// scope is the set of loop symbols bound at the current position.
	scope map[indexing.Sym]bool
}

// virtualize runs the inlining pass over an IR fragment. The returned
// tree reads eligible arrays through local scopes; the writes they no
// longer need are removed by cleanup afterwards.
//
// The pass walks the spine of the fragment: each top-level statement
// that writes exactly one array is a candidate defining fragment of
// that array, recorded after its own reads have been rewritten so that
// replays compose.
func (ctx *Context) virtualize(proc Stmt) (Stmt, error) {
	v := &virtualizer{ctx: ctx, store: ctx.store, scope: make(map[indexing.Sym]bool)}
	spine := flattenSeq(proc)
	out := make([]Stmt, 0, len(spine))
	for _, block := range spine {
		res, err := v.stmt(block)
		if err != nil {
			return nil, err
		}
		out = append(out, res)
		if target, ok := definedArray(res); ok {
			if err := v.processComputation(target, res); err != nil {
				return nil, err
			}
		}
	}
	// Arrays with at least one accepted fragment and no pass ruling them
	// out are eliminated. An array whose values an external observer
	// needs must stay in memory.
	for tr := range v.store.All() {
		if len(tr.Computations) > 0 && !tr.T.NonVirtual() && !tr.T.Materialized() {
			tr.virtual = true
			if err := tr.T.SetMode(tensor.Virtual, ProvVirtDecided); err != nil {
				return nil, err
			}
			logs.Printf(logs.Passes, "llir: %s is virtual", tr.T)
		}
	}
	return &Seq{Stmts: out}, nil
}

// flattenSeq returns the spine of a statement tree: its non-sequence
// statements in program order.
func flattenSeq(s Stmt) []Stmt {
	seq, ok := s.(*Seq)
	if !ok {
		return []Stmt{s}
	}
	var out []Stmt
	for _, sub := range seq.Stmts {
		out = append(out, flattenSeq(sub)...)
	}
	return out
}

func (v *virtualizer) stmt(s Stmt) (Stmt, error) {
	switch st := s.(type) {
	case *Noop, *Comment, *StagedCallback, *ZeroOut:
		return s, nil
	case *Seq:
		out := make([]Stmt, 0, len(st.Stmts))
		for _, sub := range st.Stmts {
			res, err := v.stmt(sub)
			if err != nil {
				return nil, err
			}
			out = append(out, res)
		}
		return &Seq{Stmts: out}, nil
	case *For:
		v.scope[st.Index] = true
		body, err := v.stmt(st.Body)
		delete(v.scope, st.Index)
		if err != nil {
			return nil, err
		}
		return &For{Index: st.Index, From: st.From, To: st.To, Body: body, TraceIt: st.TraceIt}, nil
	case *Set:
		value, err := v.expr(st.Value)
		if err != nil {
			return nil, err
		}
		return &Set{T: st.T, Idcs: st.Idcs, Value: value}, nil
	case *SetLocal:
		value, err := v.expr(st.Value)
		if err != nil {
			return nil, err
		}
		return &SetLocal{Scope: st.Scope, Value: value}, nil
	}
	return nil, errors.Errorf("virtualization: unknown statement %T", s)
}

func (v *virtualizer) expr(e Expr) (Expr, error) {
	switch et := e.(type) {
	case *Const, *GetLocal, *GetGlobal, *EmbedIndex:
		return e, nil
	case *Get:
		return v.read(et)
	case *Binop:
		a, err := v.expr(et.A)
		if err != nil {
			return nil, err
		}
		b, err := v.expr(et.B)
		if err != nil {
			return nil, err
		}
		return &Binop{Op: et.Op, A: a, B: b}, nil
	case *Unop:
		x, err := v.expr(et.X)
		if err != nil {
			return nil, err
		}
		return &Unop{Op: et.Op, X: x}, nil
	case *LocalScope:
		body, err := v.stmt(et.Body)
		if err != nil {
			return nil, err
		}
		return &LocalScope{ID: et.ID, Body: body, OrigIndices: et.OrigIndices}, nil
	}
	return nil, errors.Errorf("virtualization: unknown expression %T", e)
}

// definedArray returns the single array a statement tree writes, if it
// writes exactly one. Such a tree is a candidate defining fragment.
func definedArray(s Stmt) (*tensor.Tensor, bool) {
	var target *tensor.Tensor
	single := true
	var walk func(Stmt)
	walk = func(s Stmt) {
		switch st := s.(type) {
		case *Seq:
			for _, sub := range st.Stmts {
				walk(sub)
			}
		case *For:
			walk(st.Body)
		case *ZeroOut:
			if target != nil && target != st.T {
				single = false
			}
			target = st.T
		case *Set:
			if target != nil && target != st.T {
				single = false
			}
			target = st.T
		}
	}
	walk(s)
	return target, single && target != nil
}

// processComputation checks a defining fragment against the eligibility
// rules and records it on the array when accepted. A violation rules
// virtualization out with the provenance code of the failed rule; the
// rejection is a hard error when user code pinned the array virtual.
func (v *virtualizer) processComputation(t *tensor.Tensor, fragment Stmt) error {
	tr := v.store.Of(t)
	if t.NonVirtual() || t.Materialized() {
		return nil
	}
	canonical, prov := v.acceptComputation(tr, fragment)
	if prov != 0 {
		if err := t.MarkNonVirtual(prov); err != nil {
			return err
		}
		logs.Printf(logs.Passes, "llir: %s cannot be virtual (provenance %d)", t, prov)
		tr.Computations = nil
		return nil
	}
	// Most recent first: inlining replays the list back to front to
	// restore program order.
	tr.Computations = append([]Computation{{Idcs: canonical, IR: fragment}}, tr.Computations...)
	return nil
}

// acceptComputation returns the canonical index tuple of the fragment,
// or the provenance code of the violated rule. A fragment that only
// zeroes the array has no index tuple: its canonical indices are nil.
func (v *virtualizer) acceptComputation(tr *Traced, fragment Stmt) ([]indexing.AxisIndex, int) {
	canonical := canonicalIdcs(tr)
	wrote := false
	bound := make(map[indexing.Sym]bool)
	prov := 0
	fail := func(p int) {
		if prov == 0 {
			prov = p
		}
	}
	inScope := func(idcs []indexing.AxisIndex) bool {
		for _, idx := range idcs {
			if it, ok := idx.(indexing.Iterator); ok {
				if !bound[it.Sym()] && !v.scope[it.Sym()] {
					return false
				}
			}
		}
		return true
	}
	var walkExpr func(Expr)
	var walk func(Stmt)
	walk = func(s Stmt) {
		if prov != 0 {
			return
		}
		switch st := s.(type) {
		case *Noop, *Comment:
		case *StagedCallback:
			fail(ProvVirtStaged)
		case *Seq:
			for _, sub := range st.Stmts {
				walk(sub)
			}
		case *For:
			if !st.TraceIt {
				fail(ProvVirtUntracedLoop)
				return
			}
			bound[st.Index] = true
			walk(st.Body)
			delete(bound, st.Index)
		case *ZeroOut:
			wrote = true
		case *Set:
			wrote = true
			if !inScope(st.Idcs) {
				fail(ProvVirtEscape)
				return
			}
			seen := make(map[indexing.Sym]bool)
			for _, idx := range st.Idcs {
				it, ok := idx.(indexing.Iterator)
				if !ok {
					continue
				}
				if seen[it.Sym()] {
					fail(ProvVirtNonLinear)
					return
				}
				seen[it.Sym()] = true
			}
			if canonical == nil {
				canonical = st.Idcs
			} else if !sameIndices(canonical, st.Idcs) {
				fail(ProvVirtMultiWriter)
				return
			}
			walkExpr(st.Value)
		case *SetLocal:
			walkExpr(st.Value)
		}
	}
	walkExpr = func(e Expr) {
		if prov != 0 {
			return
		}
		switch et := e.(type) {
		case *Const, *GetLocal, *GetGlobal, *EmbedIndex:
		case *Get:
			if !inScope(et.Idcs) {
				fail(ProvVirtEscape)
			}
		case *Binop:
			walkExpr(et.A)
			walkExpr(et.B)
		case *Unop:
			walkExpr(et.X)
		case *LocalScope:
			walk(et.Body)
		}
	}
	walk(fragment)
	if prov != 0 {
		return nil, prov
	}
	if !wrote {
		// A fragment with no write cannot be replayed.
		return nil, ProvVirtIndexMismatch
	}
	return canonical, 0
}

// canonicalIdcs returns the canonical index tuple already recorded for
// an array: the tuple of its first fragment that indexes its writes.
func canonicalIdcs(tr *Traced) []indexing.AxisIndex {
	for _, comp := range tr.Computations {
		if comp.Idcs != nil {
			return comp.Idcs
		}
	}
	return nil
}

func sameIndices(a, b []indexing.AxisIndex) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !indexing.SameIndex(a[i], b[i]) {
			return false
		}
	}
	return true
}

// read rewrites a tensor read. When the array has accepted defining
// fragments, the read becomes a local scope replaying them; otherwise
// the read stays and, if inlining was attempted and failed, the array
// is ruled out of virtualization.
func (v *virtualizer) read(get *Get) (Expr, error) {
	tr, ok := v.store.Lookup(get.T)
	if !ok || len(tr.Computations) == 0 || get.T.NonVirtual() || get.T.Materialized() {
		return get, nil
	}
	scope, ok := v.inlineComputation(tr, get.Idcs)
	if !ok {
		if err := get.T.MarkNonVirtual(ProvVirtCallMismatch); err != nil {
			return nil, err
		}
		logs.Printf(logs.Passes, "llir: %s read at %s does not match its defining indices (provenance %d)",
			get.T, indexing.IndexString(get.Idcs), ProvVirtCallMismatch)
		return get, nil
	}
	return scope, nil
}

// inlineComputation replays the defining fragments of an array at a
// read site. The canonical write indices unify with the read indices;
// loops over unified iterators are elided, every other loop gets a
// fresh symbol so iterators of the defining context cannot capture
// iterators of the consumer.
func (v *virtualizer) inlineComputation(tr *Traced, callIdcs []indexing.AxisIndex) (*LocalScope, bool) {
	canonical := canonicalIdcs(tr)
	if len(canonical) != len(callIdcs) {
		return nil, false
	}
	env := make(map[indexing.Sym]indexing.AxisIndex)
	for i, idx := range canonical {
		switch it := idx.(type) {
		case indexing.Iterator:
			env[it.Sym()] = callIdcs[i]
		case indexing.FixedIdx:
			if !indexing.SameIndex(idx, callIdcs[i]) {
				return nil, false
			}
		}
	}
	id := NewScopeID(tr.T.Prec())
	in := &inliner{v: v, tr: tr, canonical: canonical, scope: id, env: env}
	// Back to front: fragments were recorded most recent first.
	stmts := make([]Stmt, 0, len(tr.Computations))
	for i := len(tr.Computations) - 1; i >= 0; i-- {
		replayed, ok := in.stmt(tr.Computations[i].IR)
		if !ok {
			return nil, false
		}
		stmts = append(stmts, replayed)
	}
	return &LocalScope{ID: id, Body: &Seq{Stmts: stmts}, OrigIndices: callIdcs}, true
}

// inliner substitutes one defining fragment into a consumer.
type inliner struct {
	v         *virtualizer
	tr        *Traced
	canonical []indexing.AxisIndex
	scope     ScopeID
	env       map[indexing.Sym]indexing.AxisIndex
}

func (in *inliner) index(idx indexing.AxisIndex) indexing.AxisIndex {
	it, ok := idx.(indexing.Iterator)
	if !ok {
		return idx
	}
	if sub, ok := in.env[it.Sym()]; ok {
		return sub
	}
	return idx
}

func (in *inliner) indices(idcs []indexing.AxisIndex) []indexing.AxisIndex {
	out := make([]indexing.AxisIndex, len(idcs))
	for i, idx := range idcs {
		out[i] = in.index(idx)
	}
	return out
}

func (in *inliner) stmt(s Stmt) (Stmt, bool) {
	switch st := s.(type) {
	case *Noop, *Comment, *StagedCallback:
		return s, true
	case *Seq:
		out := make([]Stmt, 0, len(st.Stmts))
		for _, sub := range st.Stmts {
			res, ok := in.stmt(sub)
			if !ok {
				return nil, false
			}
			out = append(out, res)
		}
		return &Seq{Stmts: out}, true
	case *For:
		if _, unified := in.env[st.Index]; unified {
			// The loop ranges over a canonical write index: the consumer
			// addresses a single cell of it, so the loop is elided.
			return in.stmt(st.Body)
		}
		fresh := indexing.NewSym(st.Index.Label())
		in.env[st.Index] = indexing.IterateOver(fresh)
		body, ok := in.stmt(st.Body)
		delete(in.env, st.Index)
		if !ok {
			return nil, false
		}
		return &For{Index: fresh, From: st.From, To: st.To, Body: body, TraceIt: st.TraceIt}, true
	case *ZeroOut:
		if st.T != in.tr.T {
			return s, true
		}
		return &SetLocal{Scope: in.scope, Value: &Const{V: 0}}, true
	case *Set:
		if st.T != in.tr.T {
			value, ok := in.expr(st.Value)
			if !ok {
				return nil, false
			}
			return &Set{T: st.T, Idcs: in.indices(st.Idcs), Value: value}, true
		}
		if !sameIndices(st.Idcs, in.canonical) {
			return nil, false
		}
		value, ok := in.expr(st.Value)
		if !ok {
			return nil, false
		}
		return &SetLocal{Scope: in.scope, Value: value}, true
	case *SetLocal:
		value, ok := in.expr(st.Value)
		if !ok {
			return nil, false
		}
		return &SetLocal{Scope: st.Scope, Value: value}, true
	}
	return nil, false
}

func (in *inliner) expr(e Expr) (Expr, bool) {
	switch et := e.(type) {
	case *Const, *GetLocal, *GetGlobal:
		return e, true
	case *EmbedIndex:
		return &EmbedIndex{Idx: in.index(et.Idx)}, true
	case *Get:
		if et.T == in.tr.T {
			if !sameIndices(et.Idcs, in.canonical) {
				return nil, false
			}
			return &GetLocal{Scope: in.scope}, true
		}
		return &Get{T: et.T, Idcs: in.indices(et.Idcs)}, true
	case *Binop:
		a, ok := in.expr(et.A)
		if !ok {
			return nil, false
		}
		b, ok := in.expr(et.B)
		if !ok {
			return nil, false
		}
		return &Binop{Op: et.Op, A: a, B: b}, true
	case *Unop:
		x, ok := in.expr(et.X)
		if !ok {
			return nil, false
		}
		return &Unop{Op: et.Op, X: x}, true
	case *LocalScope:
		body, ok := in.stmt(et.Body)
		if !ok {
			return nil, false
		}
		return &LocalScope{ID: et.ID, Body: body, OrigIndices: in.indices(et.OrigIndices)}, true
	}
	return nil, false
}

// ----------------------------------------------------------------------------
// Cleanup.

// cleanup removes the writes of arrays that became virtual and checks
// the tree left behind: no read of a virtual array may survive, and
// every iterator of a remaining index must be bound by an enclosing
// loop.
func (ctx *Context) cleanup(proc Stmt) (Stmt, error) {
	c := &cleaner{store: ctx.store, scope: make(map[indexing.Sym]bool)}
	return c.stmt(proc)
}

type cleaner struct {
	store *TracedStore
	scope map[indexing.Sym]bool
}

func (c *cleaner) isVirtual(t *tensor.Tensor) bool {
	tr, ok := c.store.Lookup(t)
	return ok && tr.IsVirtual()
}

func (c *cleaner) checkScope(t *tensor.Tensor, idcs []indexing.AxisIndex) error {
	for _, idx := range idcs {
		if it, ok := idx.(indexing.Iterator); ok && !c.scope[it.Sym()] {
			return errors.Errorf("cleanup: %s is indexed by %s which no enclosing loop binds", t, it)
		}
	}
	return nil
}

func (c *cleaner) stmt(s Stmt) (Stmt, error) {
	switch st := s.(type) {
	case *Noop, *Comment, *StagedCallback:
		return s, nil
	case *Seq:
		out := make([]Stmt, 0, len(st.Stmts))
		for _, sub := range st.Stmts {
			res, err := c.stmt(sub)
			if err != nil {
				return nil, err
			}
			if _, noop := res.(*Noop); noop {
				continue
			}
			out = append(out, res)
		}
		if len(out) == 0 {
			return &Noop{}, nil
		}
		return &Seq{Stmts: out}, nil
	case *For:
		c.scope[st.Index] = true
		body, err := c.stmt(st.Body)
		delete(c.scope, st.Index)
		if err != nil {
			return nil, err
		}
		if dead(body) {
			return &Noop{}, nil
		}
		return &For{Index: st.Index, From: st.From, To: st.To, Body: body, TraceIt: st.TraceIt}, nil
	case *ZeroOut:
		if c.isVirtual(st.T) {
			return &Noop{}, nil
		}
		return s, nil
	case *Set:
		if c.isVirtual(st.T) {
			return &Noop{}, nil
		}
		if err := c.checkScope(st.T, st.Idcs); err != nil {
			return nil, err
		}
		value, err := c.expr(st.Value)
		if err != nil {
			return nil, err
		}
		return &Set{T: st.T, Idcs: st.Idcs, Value: value}, nil
	case *SetLocal:
		value, err := c.expr(st.Value)
		if err != nil {
			return nil, err
		}
		return &SetLocal{Scope: st.Scope, Value: value}, nil
	}
	return nil, errors.Errorf("cleanup: unknown statement %T", s)
}

// dead returns true for statement trees with no effect left.
func dead(s Stmt) bool {
	switch st := s.(type) {
	case *Noop, *Comment:
		return true
	case *Seq:
		for _, sub := range st.Stmts {
			if !dead(sub) {
				return false
			}
		}
		return true
	}
	return false
}

func (c *cleaner) expr(e Expr) (Expr, error) {
	switch et := e.(type) {
	case *Const, *GetLocal, *GetGlobal, *EmbedIndex:
		return e, nil
	case *Get:
		if c.isVirtual(et.T) {
			return nil, errors.Errorf("cleanup: %s is virtual but still read at %s", et.T, indexing.IndexString(et.Idcs))
		}
		if err := c.checkScope(et.T, et.Idcs); err != nil {
			return nil, err
		}
		return e, nil
	case *Binop:
		a, err := c.expr(et.A)
		if err != nil {
			return nil, err
		}
		b, err := c.expr(et.B)
		if err != nil {
			return nil, err
		}
		return &Binop{Op: et.Op, A: a, B: b}, nil
	case *Unop:
		x, err := c.expr(et.X)
		if err != nil {
			return nil, err
		}
		return &Unop{Op: et.Op, X: x}, nil
	case *LocalScope:
		// The scope body was rewritten by inlining; its writes target the
		// scope, not the virtual array.
		for _, idx := range et.OrigIndices {
			if it, ok := idx.(indexing.Iterator); ok && !c.scope[it.Sym()] {
				return nil, errors.Errorf("cleanup: scope%d is indexed by %s which no enclosing loop binds", uint64(et.ID.ID), it)
			}
		}
		body, err := c.scopeBody(et.Body)
		if err != nil {
			return nil, err
		}
		return &LocalScope{ID: et.ID, Body: body, OrigIndices: et.OrigIndices}, nil
	}
	return nil, errors.Errorf("cleanup: unknown expression %T", e)
}

// scopeBody checks a local-scope body without rewriting it: reads of a
// virtual array inside an inlined body are a pass bug.
func (c *cleaner) scopeBody(s Stmt) (Stmt, error) {
	switch st := s.(type) {
	case *Noop, *Comment, *StagedCallback, *ZeroOut:
		return s, nil
	case *Seq:
		for _, sub := range st.Stmts {
			if _, err := c.scopeBody(sub); err != nil {
				return nil, err
			}
		}
		return s, nil
	case *For:
		c.scope[st.Index] = true
		_, err := c.scopeBody(st.Body)
		delete(c.scope, st.Index)
		if err != nil {
			return nil, err
		}
		return s, nil
	case *Set:
		if _, err := c.expr(st.Value); err != nil {
			return nil, err
		}
		return s, nil
	case *SetLocal:
		if _, err := c.expr(st.Value); err != nil {
			return nil, err
		}
		return s, nil
	}
	return nil, errors.Errorf("cleanup: unknown statement %T", s)
}
