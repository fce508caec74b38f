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
	"testing"

	"github.com/arrc-org/arrc/indexing"
	"github.com/arrc-org/arrc/tensor"
)

// countWrites returns how many Set and ZeroOut statements target an
// array, local scopes included.
func countWrites(s Stmt, t *tensor.Tensor) int {
	n := 0
	var walkExpr func(Expr)
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
			if st.T == t {
				n++
			}
		case *Set:
			if st.T == t {
				n++
			}
			walkExpr(st.Value)
		case *SetLocal:
			walkExpr(st.Value)
		}
	}
	walkExpr = func(e Expr) {
		switch et := e.(type) {
		case *Binop:
			walkExpr(et.A)
			walkExpr(et.B)
		case *Unop:
			walkExpr(et.X)
		case *LocalScope:
			walk(et.Body)
		}
	}
	walk(s)
	return n
}

func findScopes(s Stmt) []*LocalScope {
	var scopes []*LocalScope
	var walkExpr func(Expr)
	var walk func(Stmt)
	walk = func(s Stmt) {
		switch st := s.(type) {
		case *Seq:
			for _, sub := range st.Stmts {
				walk(sub)
			}
		case *For:
			walk(st.Body)
		case *Set:
			walkExpr(st.Value)
		case *SetLocal:
			walkExpr(st.Value)
		}
	}
	walkExpr = func(e Expr) {
		switch et := e.(type) {
		case *Binop:
			walkExpr(et.A)
			walkExpr(et.B)
		case *Unop:
			walkExpr(et.X)
		case *LocalScope:
			scopes = append(scopes, et)
			walk(et.Body)
		}
	}
	walk(s)
	return scopes
}

func runVirtual(t *testing.T, ctx *Context, proc Stmt) Stmt {
	t.Helper()
	if err := ctx.trace(proc); err != nil {
		t.Fatalf("trace: %v", err)
	}
	out, err := ctx.virtualize(proc)
	if err != nil {
		t.Fatalf("virtualize: %v", err)
	}
	out, err = ctx.cleanup(out)
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	return out
}

// TestVirtualScalar inlines a scalar intermediate: the consumer gets a
// local scope replaying the zeroing and the assignment, and the dead
// writes disappear.
func TestVirtualScalar(t *testing.T) {
	t1 := scalarTensor("t1")
	t2 := scalarTensor("t2")
	t2.Materialize()
	proc := &Seq{Stmts: []Stmt{
		&ZeroOut{T: t1},
		&Set{T: t1, Value: &Const{V: 3}},
		&Set{T: t2, Value: &Binop{Op: BinAdd, A: &Get{T: t1}, B: &Const{V: 1}}},
	}}
	ctx := NewContext()
	out := runVirtual(t, ctx, proc)
	tr, _ := ctx.store.Lookup(t1)
	if !tr.IsVirtual() {
		t.Fatalf("scalar intermediate %s was not virtualized", t1)
	}
	if n := countWrites(out, t1); n != 0 {
		t.Errorf("%d writes to virtual array %s survived cleanup:\n%s", n, t1, StmtString(out))
	}
	if n := countWrites(out, t2); n != 1 {
		t.Errorf("%d writes to consumer %s, want 1:\n%s", n, t2, StmtString(out))
	}
	scopes := findScopes(out)
	if len(scopes) != 1 {
		t.Fatalf("consumer holds %d local scopes, want 1:\n%s", len(scopes), StmtString(out))
	}
	// The replay zeroes the local, then sets it to 3.
	sets := flattenSeq(scopes[0].Body)
	var values []float64
	for _, s := range sets {
		set, ok := s.(*SetLocal)
		if !ok {
			t.Fatalf("scope body holds %T, want only SetLocal", s)
		}
		if set.Scope != scopes[0].ID {
			t.Errorf("scope body writes scope %d, want %d", uint64(set.Scope.ID), uint64(scopes[0].ID.ID))
		}
		c, ok := set.Value.(*Const)
		if !ok {
			t.Fatalf("scope write value is %T, want constant", set.Value)
		}
		values = append(values, c.V)
	}
	if len(values) != 2 || values[0] != 0 || values[1] != 3 {
		t.Errorf("scope replays %v, want [0 3]", values)
	}
}

// TestVirtualVector inlines a loop-defined array into a consumer loop:
// the defining loop is elided and its index unified with the consumer's.
func TestVirtualVector(t *testing.T) {
	src := vecTensor("src", 4)
	mid := vecTensor("mid", 4)
	dst := vecTensor("dst", 4)
	dst.Materialize()
	i := indexing.NewSym("i")
	j := indexing.NewSym("j")
	proc := &Seq{Stmts: []Stmt{
		&For{Index: i, From: 0, To: 4, TraceIt: true,
			Body: &Set{T: mid, Idcs: idcs(i), Value: &Unop{Op: UnExp, X: &Get{T: src, Idcs: idcs(i)}}}},
		&For{Index: j, From: 0, To: 4, TraceIt: true,
			Body: &Set{T: dst, Idcs: idcs(j), Value: &Binop{Op: BinMul, A: &Get{T: mid, Idcs: idcs(j)}, B: &Const{V: 2}}}},
	}}
	ctx := NewContext()
	out := runVirtual(t, ctx, proc)
	tr, _ := ctx.store.Lookup(mid)
	if !tr.IsVirtual() {
		t.Fatalf("intermediate %s was not virtualized", mid)
	}
	if n := countWrites(out, mid); n != 0 {
		t.Errorf("%d writes to virtual array %s survived cleanup:\n%s", n, mid, StmtString(out))
	}
	scopes := findScopes(out)
	if len(scopes) != 1 {
		t.Fatalf("consumer holds %d local scopes, want 1:\n%s", len(scopes), StmtString(out))
	}
	// The replayed read of src must use the consumer's iterator.
	replayed := flattenSeq(scopes[0].Body)
	if len(replayed) != 1 {
		t.Fatalf("scope replays %d statements, want 1", len(replayed))
	}
	set, ok := replayed[0].(*SetLocal)
	if !ok {
		t.Fatalf("scope replay is %T, want SetLocal", replayed[0])
	}
	unop, ok := set.Value.(*Unop)
	if !ok {
		t.Fatalf("replayed value is %T, want the exp computation", set.Value)
	}
	get, ok := unop.X.(*Get)
	if !ok || get.T != src {
		t.Fatalf("replayed computation does not read %s", src)
	}
	if !indexing.SameIndex(get.Idcs[0], indexing.IterateOver(j)) {
		t.Errorf("replayed read indexes %s, want the consumer iterator %s", get.Idcs[0], j)
	}
}

// TestVirtualEscapingIndex rejects a defining fragment whose indices
// are not bound within it.
func TestVirtualEscapingIndex(t *testing.T) {
	mid := vecTensor("mid", 4)
	free := indexing.NewSym("free")
	proc := &Seq{Stmts: []Stmt{
		&Set{T: mid, Idcs: idcs(free), Value: &Const{V: 1}},
	}}
	ctx := NewContext()
	if err := ctx.trace(proc); err != nil {
		t.Fatalf("trace: %v", err)
	}
	if _, err := ctx.virtualize(proc); err != nil {
		t.Fatalf("virtualize: %v", err)
	}
	if !mid.NonVirtual() {
		t.Errorf("fragment with an unbound iterator was accepted for %s", mid)
	}
}

// TestVirtualUntracedLoop rejects a defining fragment with an untraced
// loop.
func TestVirtualUntracedLoop(t *testing.T) {
	mid := vecTensor("mid", 4)
	i := indexing.NewSym("i")
	proc := &Seq{Stmts: []Stmt{
		&For{Index: i, From: 0, To: 4, TraceIt: false,
			Body: &Set{T: mid, Idcs: idcs(i), Value: &Const{V: 1}}},
	}}
	ctx := NewContext()
	if err := ctx.trace(proc); err != nil {
		t.Fatalf("trace: %v", err)
	}
	if _, err := ctx.virtualize(proc); err != nil {
		t.Fatalf("virtualize: %v", err)
	}
	if !mid.NonVirtual() {
		t.Errorf("fragment with an untraced loop was accepted for %s", mid)
	}
}

// TestVirtualMultiIndexWriter rejects an array written at two different
// index tuples.
func TestVirtualMultiIndexWriter(t *testing.T) {
	mid := vecTensor("mid", 4)
	proc := &Seq{Stmts: []Stmt{
		&Seq{Stmts: []Stmt{
			&Set{T: mid, Idcs: []indexing.AxisIndex{indexing.FixedIdx(0)}, Value: &Const{V: 1}},
			&Set{T: mid, Idcs: []indexing.AxisIndex{indexing.FixedIdx(1)}, Value: &Const{V: 2}},
		}},
	}}
	ctx := NewContext()
	if err := ctx.trace(proc); err != nil {
		t.Fatalf("trace: %v", err)
	}
	if _, err := ctx.virtualize(proc); err != nil {
		t.Fatalf("virtualize: %v", err)
	}
	if !mid.NonVirtual() {
		t.Errorf("array written at two index tuples was accepted for %s", mid)
	}
}
