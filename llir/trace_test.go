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
	"strings"
	"testing"

	"github.com/arrc-org/arrc/indexing"
	"github.com/arrc-org/arrc/tensor"
)

func scalarTensor(label string) *tensor.Tensor {
	return tensor.NewWithDims(label, tensor.Single, func() ([]int, error) {
		return nil, nil
	})
}

func vecTensor(label string, n int) *tensor.Tensor {
	return tensor.NewWithDims(label, tensor.Single, func() ([]int, error) {
		return []int{n}, nil
	})
}

func idcs(syms ...indexing.Sym) []indexing.AxisIndex {
	out := make([]indexing.AxisIndex, len(syms))
	for k, s := range syms {
		out[k] = indexing.IterateOver(s)
	}
	return out
}

// TestTraceRecurrence covers an in-place update: reading a cell before
// writing it forces the array out of virtualization and onto the host.
func TestTraceRecurrence(t *testing.T) {
	a := vecTensor("a", 3)
	i := indexing.NewSym("i")
	proc := &For{
		Index: i, From: 0, To: 3, TraceIt: true,
		Body: &Set{T: a, Idcs: idcs(i), Value: &Binop{
			Op: BinAdd,
			A:  &Get{T: a, Idcs: idcs(i)},
			B:  &Const{V: 1},
		}},
	}
	ctx := NewContext()
	if err := ctx.trace(proc); err != nil {
		t.Fatalf("trace: %v", err)
	}
	tr, ok := ctx.store.Lookup(a)
	if !ok {
		t.Fatalf("array %s was not traced", a)
	}
	if !tr.ReadBeforeWrite {
		t.Errorf("array %s not flagged read-before-write", a)
	}
	if !a.NonVirtual() {
		t.Errorf("array %s with a recurrent access can still be virtual", a)
	}
	if a.DeviceOnly() {
		t.Errorf("array %s with a recurrent access is still device only", a)
	}
}

// TestTraceRecurrenceUserVirtual checks that a user-pinned virtual
// array with a recurrent access fails the compilation.
func TestTraceRecurrenceUserVirtual(t *testing.T) {
	a := vecTensor("a", 3)
	if err := a.SetUserMode(tensor.Virtual, ProvUserMode); err != nil {
		t.Fatalf("pin virtual: %v", err)
	}
	i := indexing.NewSym("i")
	proc := &For{
		Index: i, From: 0, To: 3, TraceIt: true,
		Body: &Set{T: a, Idcs: idcs(i), Value: &Binop{
			Op: BinAdd,
			A:  &Get{T: a, Idcs: idcs(i)},
			B:  &Const{V: 1},
		}},
	}
	ctx := NewContext()
	err := ctx.trace(proc)
	if err == nil {
		t.Fatalf("recurrent access on a user-virtual array did not fail")
	}
	if !strings.Contains(err.Error(), "virtual") {
		t.Errorf("error %q does not mention virtualization", err)
	}
}

// TestTraceZeroedAccumulation checks a zeroed-out accumulation does not
// count as recurrent.
func TestTraceZeroedAccumulation(t *testing.T) {
	a := vecTensor("a", 3)
	b := vecTensor("b", 3)
	i := indexing.NewSym("i")
	proc := &Seq{Stmts: []Stmt{
		&ZeroOut{T: a},
		&For{
			Index: i, From: 0, To: 3, TraceIt: true,
			Body: &Set{T: a, Idcs: idcs(i), Value: &Binop{
				Op: BinAdd,
				A:  &Get{T: a, Idcs: idcs(i)},
				B:  &Get{T: b, Idcs: idcs(i)},
			}},
		},
	}}
	ctx := NewContext()
	if err := ctx.trace(proc); err != nil {
		t.Fatalf("trace: %v", err)
	}
	tr, _ := ctx.store.Lookup(a)
	if tr.ReadBeforeWrite {
		t.Errorf("zero-initialized accumulator %s flagged read-before-write", a)
	}
	if !tr.ZeroInitialized || !tr.ZeroedOut {
		t.Errorf("array %s zero flags: init=%t out=%t, want both", a, tr.ZeroInitialized, tr.ZeroedOut)
	}
	if trb, _ := ctx.store.Lookup(b); !trb.ReadOnly {
		t.Errorf("array %s is never written but not read-only", b)
	}
}

// TestTraceMaxVisits forces an array out of virtualization once a cell
// is re-read too often.
func TestTraceMaxVisits(t *testing.T) {
	a := scalarTensor("a")
	b := scalarTensor("b")
	read := func() Expr { return &Get{T: a} }
	value := &Binop{Op: BinAdd, A: read(), B: &Binop{Op: BinAdd, A: read(), B: &Binop{Op: BinAdd, A: read(), B: read()}}}
	proc := &Seq{Stmts: []Stmt{
		&Set{T: a, Value: &Const{V: 2}},
		&Set{T: b, Value: value},
	}}
	ctx := NewContext(WithMaxVisits(3))
	if err := ctx.trace(proc); err != nil {
		t.Fatalf("trace: %v", err)
	}
	if !a.NonVirtual() {
		t.Errorf("array %s read 4 times with max visits 3 can still be virtual", a)
	}
	if b.NonVirtual() {
		t.Errorf("array %s written once and never read was ruled out", b)
	}
}

// TestTraceSharedIterator rejects two arrays written under the same
// loop iterator.
func TestTraceSharedIterator(t *testing.T) {
	a := vecTensor("a", 3)
	b := vecTensor("b", 3)
	i := indexing.NewSym("i")
	proc := &For{
		Index: i, From: 0, To: 3, TraceIt: true,
		Body: &Seq{Stmts: []Stmt{
			&Set{T: a, Idcs: idcs(i), Value: &Const{V: 1}},
			&Set{T: b, Idcs: idcs(i), Value: &Const{V: 2}},
		}},
	}
	ctx := NewContext()
	err := ctx.trace(proc)
	if err == nil {
		t.Fatalf("two arrays sharing a loop iterator did not fail analysis")
	}
	if !strings.Contains(err.Error(), "iterator") {
		t.Errorf("error %q does not mention the iterator", err)
	}
}

// TestTraceUntracedLoop checks an untraced loop binds its iterator to
// the start value instead of unrolling.
func TestTraceUntracedLoop(t *testing.T) {
	a := vecTensor("a", 8)
	i := indexing.NewSym("i")
	proc := &Seq{Stmts: []Stmt{
		&For{
			Index: i, From: 0, To: 8, TraceIt: false,
			Body: &Set{T: a, Idcs: idcs(i), Value: &Const{V: 1}},
		},
	}}
	ctx := NewContext()
	if err := ctx.trace(proc); err != nil {
		t.Fatalf("trace: %v", err)
	}
	tr, _ := ctx.store.Lookup(a)
	if got := len(tr.Assignments); got != 1 {
		t.Errorf("untraced loop recorded %d assignments, want 1", got)
	}
}

// TestTraceUnrollBound checks traced loops unroll only up to the
// configured bound.
func TestTraceUnrollBound(t *testing.T) {
	a := vecTensor("a", 100)
	i := indexing.NewSym("i")
	proc := &For{
		Index: i, From: 0, To: 100, TraceIt: true,
		Body: &Set{T: a, Idcs: idcs(i), Value: &Const{V: 1}},
	}
	ctx := NewContext(WithMaxTracingDim(4))
	if err := ctx.trace(proc); err != nil {
		t.Fatalf("trace: %v", err)
	}
	tr, _ := ctx.store.Lookup(a)
	if got := len(tr.Assignments); got != 4 {
		t.Errorf("loop of 100 with tracing bound 4 recorded %d assignments, want 4", got)
	}
}
