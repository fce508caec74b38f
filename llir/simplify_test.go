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
)

// simplifyExpr runs the simplifier over a single assignment and returns
// the simplified right-hand side.
func simplifyExpr(t *testing.T, ctx *Context, e Expr) Expr {
	t.Helper()
	out, err := ctx.simplify(&Set{T: scalarTensor("y"), Value: e})
	if err != nil {
		t.Fatalf("simplify: %v", err)
	}
	return out.(*Set).Value
}

func TestSimplifyIdentities(t *testing.T) {
	x := &Get{T: scalarTensor("x")}
	xs := ExprString(x)
	tests := []struct {
		desc string
		in   Expr
		want string
	}{
		{desc: "arg1", in: &Binop{Op: BinArg1, A: x, B: &Const{V: 7}}, want: xs},
		{desc: "arg2", in: &Binop{Op: BinArg2, A: &Const{V: 7}, B: x}, want: xs},
		{desc: "add zero", in: &Binop{Op: BinAdd, A: x, B: &Const{V: 0}}, want: xs},
		{desc: "zero add", in: &Binop{Op: BinAdd, A: &Const{V: 0}, B: x}, want: xs},
		{desc: "sub zero", in: &Binop{Op: BinSub, A: x, B: &Const{V: 0}}, want: xs},
		{desc: "mul one", in: &Binop{Op: BinMul, A: x, B: &Const{V: 1}}, want: xs},
		{desc: "one mul", in: &Binop{Op: BinMul, A: &Const{V: 1}, B: x}, want: xs},
		{desc: "mul zero", in: &Binop{Op: BinMul, A: x, B: &Const{V: 0}}, want: "0"},
		{desc: "zero div", in: &Binop{Op: BinDiv, A: &Const{V: 0}, B: x}, want: "0"},
		{desc: "div one", in: &Binop{Op: BinDiv, A: x, B: &Const{V: 1}}, want: xs},
		{desc: "identity", in: &Unop{Op: UnIdentity, X: x}, want: xs},
		{desc: "fold binop", in: &Binop{Op: BinAdd, A: &Const{V: 2}, B: &Const{V: 3}}, want: "5"},
		{desc: "fold unop", in: &Unop{Op: UnNeg, X: &Const{V: 2}}, want: "-2"},
		{
			desc: "pull constants together",
			in: &Binop{Op: BinAdd, A: &Binop{Op: BinAdd, A: x, B: &Const{V: 2}}, B: &Const{V: 3}},
			want: "(5 + " + xs + ")",
		},
		{
			desc: "embedded fixed index",
			in:   &EmbedIndex{Idx: indexing.FixedIdx(4)},
			want: "4",
		},
	}
	for _, test := range tests {
		t.Run(test.desc, func(t *testing.T) {
			ctx := NewContext()
			got := ExprString(simplifyExpr(t, ctx, test.in))
			if got != test.want {
				t.Errorf("simplified to %s, want %s", got, test.want)
			}
		})
	}
}

func TestSimplifyPowerUnroll(t *testing.T) {
	x := &Get{T: scalarTensor("x")}
	xs := ExprString(x)
	tests := []struct {
		desc string
		exp  float64
		want string
	}{
		{desc: "cube", exp: 3, want: "(" + xs + " * (" + xs + " * " + xs + "))"},
		{desc: "square", exp: 2, want: "(" + xs + " * " + xs + ")"},
		{desc: "first power", exp: 1, want: xs},
		{desc: "zeroth power", exp: 0, want: "1"},
		{desc: "reciprocal square", exp: -2, want: "recip((" + xs + " * " + xs + "))"},
	}
	for _, test := range tests {
		t.Run(test.desc, func(t *testing.T) {
			ctx := NewContext(WithUnrollIntPow(true))
			in := &Binop{Op: BinPow, A: x, B: &Const{V: test.exp}}
			got := ExprString(simplifyExpr(t, ctx, in))
			if got != test.want {
				t.Errorf("unrolled to %s, want %s", got, test.want)
			}
		})
	}
}

func TestSimplifyPowerUnrollDisabled(t *testing.T) {
	x := &Get{T: scalarTensor("x")}
	ctx := NewContext(WithUnrollIntPow(false))
	in := &Binop{Op: BinPow, A: x, B: &Const{V: 3}}
	got := simplifyExpr(t, ctx, in)
	if _, ok := got.(*Binop); !ok {
		t.Errorf("power was rewritten to %s with unrolling disabled", ExprString(got))
	}
}

func TestSimplifyNonIntegerPowerKept(t *testing.T) {
	x := &Get{T: scalarTensor("x")}
	ctx := NewContext(WithUnrollIntPow(true))
	in := &Binop{Op: BinPow, A: x, B: &Const{V: 2.5}}
	got := simplifyExpr(t, ctx, in)
	bin, ok := got.(*Binop)
	if !ok || bin.Op != BinPow {
		t.Errorf("fractional power was rewritten to %s", ExprString(got))
	}
}

func TestSimplifyScopeCollapse(t *testing.T) {
	x := &Get{T: scalarTensor("x")}
	xs := ExprString(x)
	id := NewScopeID(scalarTensor("s").Prec())
	tests := []struct {
		desc string
		body Stmt
		want string
	}{
		{
			desc: "single write",
			body: &Seq{Stmts: []Stmt{
				&Comment{Text: "replay"},
				&SetLocal{Scope: id, Value: x},
			}},
			want: xs,
		},
		{
			desc: "zero then write",
			body: &Seq{Stmts: []Stmt{
				&SetLocal{Scope: id, Value: &Const{V: 0}},
				&SetLocal{Scope: id, Value: &Binop{Op: BinAdd, A: &GetLocal{Scope: id}, B: x}},
			}},
			want: xs,
		},
	}
	for _, test := range tests {
		t.Run(test.desc, func(t *testing.T) {
			ctx := NewContext()
			in := &LocalScope{ID: id, Body: test.body}
			got := ExprString(simplifyExpr(t, ctx, in))
			if got != test.want {
				t.Errorf("scope collapsed to %s, want %s", got, test.want)
			}
		})
	}
}

// TestSimplifyIdempotent checks the structural fixed point: simplifying
// twice gives the same tree as simplifying once.
func TestSimplifyIdempotent(t *testing.T) {
	x := &Get{T: scalarTensor("x")}
	y := scalarTensor("y")
	i := indexing.NewSym("i")
	proc := &For{
		Index: i, From: 0, To: 4, TraceIt: true,
		Body: &Seq{Stmts: []Stmt{
			&Set{T: y, Value: &Binop{
				Op: BinAdd,
				A:  &Binop{Op: BinPow, A: x, B: &Const{V: 3}},
				B:  &Binop{Op: BinMul, A: &Const{V: 0}, B: x},
			}},
		}},
	}
	ctx := NewContext()
	once, err := ctx.simplify(proc)
	if err != nil {
		t.Fatalf("simplify: %v", err)
	}
	twice, err := ctx.simplify(once)
	if err != nil {
		t.Fatalf("second simplify: %v", err)
	}
	if StmtString(once) != StmtString(twice) {
		t.Errorf("simplifier is not idempotent:\nonce:\n%s\ntwice:\n%s", StmtString(once), StmtString(twice))
	}
}
