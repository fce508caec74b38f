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
	"math"

	"github.com/pkg/errors"

	"github.com/arrc-org/arrc/indexing"
)

// simplify rewrites an IR fragment with algebraic identities until it
// reaches a structural fixed point. All rewrites preserve semantics
// under IEEE approximation.
func (ctx *Context) simplify(proc Stmt) (Stmt, error) {
	sim := &simplifier{unrollPow: ctx.cfg.UnrollIntPow}
	for {
		sim.changed = false
		out, err := sim.stmt(proc)
		if err != nil {
			return nil, err
		}
		proc = out
		if !sim.changed {
			return proc, nil
		}
	}
}

type simplifier struct {
	unrollPow bool
	changed   bool
}

func (sim *simplifier) rewrote(e Expr) Expr {
	sim.changed = true
	return e
}

func (sim *simplifier) stmt(s Stmt) (Stmt, error) {
	switch st := s.(type) {
	case *Noop, *Comment, *StagedCallback, *ZeroOut:
		return s, nil
	case *Seq:
		out := make([]Stmt, 0, len(st.Stmts))
		for _, sub := range st.Stmts {
			res, err := sim.stmt(sub)
			if err != nil {
				return nil, err
			}
			out = append(out, res)
		}
		return &Seq{Stmts: out}, nil
	case *For:
		body, err := sim.stmt(st.Body)
		if err != nil {
			return nil, err
		}
		return &For{Index: st.Index, From: st.From, To: st.To, Body: body, TraceIt: st.TraceIt}, nil
	case *Set:
		value, err := sim.expr(st.Value)
		if err != nil {
			return nil, err
		}
		return &Set{T: st.T, Idcs: st.Idcs, Value: value}, nil
	case *SetLocal:
		value, err := sim.expr(st.Value)
		if err != nil {
			return nil, err
		}
		return &SetLocal{Scope: st.Scope, Value: value}, nil
	}
	return nil, errors.Errorf("simplifier: unknown statement %T", s)
}

func isConst(e Expr, v float64) bool {
	c, ok := e.(*Const)
	return ok && c.V == v
}

func (sim *simplifier) expr(e Expr) (Expr, error) {
	switch et := e.(type) {
	case *Const, *Get, *GetLocal, *GetGlobal:
		return e, nil
	case *EmbedIndex:
		return sim.embedIndex(et), nil
	case *Binop:
		return sim.binop(et)
	case *Unop:
		return sim.unop(et)
	case *LocalScope:
		return sim.localScope(et)
	}
	return nil, errors.Errorf("simplifier: unknown expression %T", e)
}

func (sim *simplifier) embedIndex(e *EmbedIndex) Expr {
	// An embedded fixed index is just an integer.
	if fixed, ok := e.Idx.(indexing.FixedIdx); ok {
		return sim.rewrote(&Const{V: float64(fixed)})
	}
	return e
}

func (sim *simplifier) binop(e *Binop) (Expr, error) {
	a, err := sim.expr(e.A)
	if err != nil {
		return nil, err
	}
	b, err := sim.expr(e.B)
	if err != nil {
		return nil, err
	}
	switch e.Op {
	case BinArg1:
		return sim.rewrote(a), nil
	case BinArg2:
		return sim.rewrote(b), nil
	}
	ca, aConst := a.(*Const)
	cb, bConst := b.(*Const)
	if aConst && bConst {
		return sim.rewrote(&Const{V: e.Op.Eval(ca.V, cb.V)}), nil
	}
	switch e.Op {
	case BinAdd:
		if isConst(a, 0) {
			return sim.rewrote(b), nil
		}
		if isConst(b, 0) {
			return sim.rewrote(a), nil
		}
	case BinSub:
		if isConst(b, 0) {
			return sim.rewrote(a), nil
		}
	case BinMul:
		if isConst(a, 1) {
			return sim.rewrote(b), nil
		}
		if isConst(b, 1) {
			return sim.rewrote(a), nil
		}
		if isConst(a, 0) || isConst(b, 0) {
			return sim.rewrote(&Const{V: 0}), nil
		}
	case BinDiv:
		if isConst(b, 1) {
			return sim.rewrote(a), nil
		}
		if isConst(a, 0) {
			return sim.rewrote(&Const{V: 0}), nil
		}
	case BinPow:
		if out, ok := sim.unrollIntPow(a, b); ok {
			return sim.rewrote(out), nil
		}
	}
	if out, ok := sim.reassociate(e.Op, a, b); ok {
		return sim.rewrote(out), nil
	}
	return &Binop{Op: e.Op, A: a, B: b}, nil
}

// reassociate pulls the constants of nested additive or multiplicative
// chains together so constant folding can combine them.
func (sim *simplifier) reassociate(op BinOp, a, b Expr) (Expr, bool) {
	if op != BinAdd && op != BinMul {
		return nil, false
	}
	ca, aConst := a.(*Const)
	cb, bConst := b.(*Const)
	// (x op c) -> (c op x): constants lead, so a nested constant meets
	// the outer one on the next round.
	if bConst && !aConst {
		return &Binop{Op: op, A: cb, B: a}, true
	}
	if aConst {
		if nested, ok := b.(*Binop); ok && nested.Op == op {
			if cn, ok := nested.A.(*Const); ok {
				return &Binop{Op: op, A: &Const{V: op.Eval(ca.V, cn.V)}, B: nested.B}, true
			}
		}
	}
	return nil, false
}

// maxUnrolledPow bounds the exponents turned into product chains:
// beyond it the library power call wins anyway.
const maxUnrolledPow = 16

// unrollIntPow folds an integer power into a chain of products; a
// negative exponent unfolds through the reciprocal.
func (sim *simplifier) unrollIntPow(base, exp Expr) (Expr, bool) {
	if !sim.unrollPow {
		return nil, false
	}
	c, ok := exp.(*Const)
	if !ok || c.V != math.Trunc(c.V) || math.Abs(c.V) > maxUnrolledPow {
		return nil, false
	}
	n := int(c.V)
	if n < 0 {
		return &Unop{Op: UnRecip, X: powChain(base, -n)}, true
	}
	return powChain(base, n), true
}

func powChain(base Expr, n int) Expr {
	switch n {
	case 0:
		return &Const{V: 1}
	case 1:
		return base
	}
	return &Binop{Op: BinMul, A: base, B: powChain(base, n-1)}
}

func (sim *simplifier) unop(e *Unop) (Expr, error) {
	x, err := sim.expr(e.X)
	if err != nil {
		return nil, err
	}
	if e.Op == UnIdentity {
		return sim.rewrote(x), nil
	}
	if c, ok := x.(*Const); ok {
		return sim.rewrote(&Const{V: e.Op.Eval(c.V)}), nil
	}
	return &Unop{Op: e.Op, X: x}, nil
}

// localScope collapses trivial scopes: a body that only writes the
// scope once is the written value; two writes substitute the first into
// the second. Comments in the body are dropped with the scope.
func (sim *simplifier) localScope(e *LocalScope) (Expr, error) {
	body, err := sim.stmt(e.Body)
	if err != nil {
		return nil, err
	}
	var sets []*SetLocal
	plain := true
	var flatten func(Stmt)
	flatten = func(s Stmt) {
		switch st := s.(type) {
		case *Noop, *Comment:
		case *Seq:
			for _, sub := range st.Stmts {
				flatten(sub)
			}
		case *SetLocal:
			if st.Scope == e.ID {
				sets = append(sets, st)
			} else {
				plain = false
			}
		default:
			plain = false
		}
	}
	flatten(body)
	if plain {
		switch len(sets) {
		case 1:
			return sim.rewrote(sets[0].Value), nil
		case 2:
			return sim.rewrote(substLocal(sets[1].Value, e.ID, sets[0].Value)), nil
		}
	}
	return &LocalScope{ID: e.ID, Body: body, OrigIndices: e.OrigIndices}, nil
}

// substLocal replaces reads of a scope by a value.
func substLocal(e Expr, id ScopeID, v Expr) Expr {
	switch et := e.(type) {
	case *GetLocal:
		if et.Scope == id {
			return v
		}
		return e
	case *Binop:
		return &Binop{Op: et.Op, A: substLocal(et.A, id, v), B: substLocal(et.B, id, v)}
	case *Unop:
		return &Unop{Op: et.Op, X: substLocal(et.X, id, v)}
	}
	return e
}
