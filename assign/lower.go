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

package assign

import (
	"github.com/pkg/errors"

	"github.com/arrc-org/arrc/base/logs"
	"github.com/arrc-org/arrc/indexing"
	"github.com/arrc-org/arrc/llir"
	"github.com/arrc-org/arrc/shapes"
	"github.com/arrc-org/arrc/tensor"
)

// Lower translates an assignment tree into the loop IR. Shape inference
// must have finished: projections thunks and dimension queries resolve
// during lowering.
func Lower(n Node) (llir.Stmt, error) {
	switch nt := n.(type) {
	case *Seq:
		stmts := make([]llir.Stmt, 0, len(nt.Nodes))
		for _, sub := range nt.Nodes {
			s, err := Lower(sub)
			if err != nil {
				return nil, err
			}
			stmts = append(stmts, s)
		}
		return &llir.Seq{Stmts: stmts}, nil
	case *Block:
		body, err := Lower(nt.Body)
		if err != nil {
			return nil, err
		}
		return &llir.Seq{Stmts: []llir.Stmt{&llir.Comment{Text: nt.Label}, body}}, nil
	case *BinAccum:
		return lowerAccum(nt.LHS, nt.Accum, nt.Proj, nt.InitNeutral, func(proj *indexing.Projections) (llir.Expr, error) {
			if len(proj.RHS) != 2 {
				return nil, errors.Errorf("lowering %s: binary accumulation needs two operand projections, got %d", nt.LHS, len(proj.RHS))
			}
			return &llir.Binop{
				Op: nt.Op,
				A:  &llir.Get{T: nt.RHS1, Idcs: proj.RHS[0]},
				B:  &llir.Get{T: nt.RHS2, Idcs: proj.RHS[1]},
			}, nil
		})
	case *UnAccum:
		return lowerAccum(nt.LHS, nt.Accum, nt.Proj, nt.InitNeutral, func(proj *indexing.Projections) (llir.Expr, error) {
			if len(proj.RHS) != 1 {
				return nil, errors.Errorf("lowering %s: unary accumulation needs one operand projection, got %d", nt.LHS, len(proj.RHS))
			}
			return &llir.Unop{Op: nt.Op, X: &llir.Get{T: nt.RHS, Idcs: proj.RHS[0]}}, nil
		})
	case *Fetch:
		return lowerFetch(nt)
	}
	return nil, errors.Errorf("lowering: unknown assignment node %T", n)
}

// lowerAccum builds the loop nest of one accumulation: one For per
// product iterator, innermost a single Set folding the operand value
// into the previous result value.
func lowerAccum(lhs *tensor.Tensor, accum llir.BinOp, thunk func() (*indexing.Projections, error),
	initNeutral bool, operand func(*indexing.Projections) (llir.Expr, error)) (llir.Stmt, error) {
	proj, err := thunk()
	if err != nil {
		return nil, err
	}
	logs.Printf(logs.Nodes, "assign: lowering %s over %s", lhs, proj)
	value, err := operand(proj)
	if err != nil {
		return nil, err
	}
	if accum != llir.BinArg2 {
		value = &llir.Binop{Op: accum, A: &llir.Get{T: lhs, Idcs: proj.LHS}, B: value}
	}
	var body llir.Stmt = &llir.Set{T: lhs, Idcs: proj.LHS, Value: value}
	for k := len(proj.Iterators) - 1; k >= 0; k-- {
		body = &llir.For{Index: proj.Iterators[k], From: 0, To: proj.Product[k], Body: body, TraceIt: true}
	}
	stmts := []llir.Stmt{&llir.Comment{Text: proj.DebugInfo}}
	if initNeutral {
		init, err := neutralInit(lhs, accum)
		if err != nil {
			return nil, err
		}
		stmts = append(stmts, init)
	}
	return &llir.Seq{Stmts: append(stmts, body)}, nil
}

// neutralInit fills the result with the accumulator's identity ahead of
// the accumulation loop. The zero identity uses the dedicated zeroing
// statement so usage analysis sees the initialization.
func neutralInit(lhs *tensor.Tensor, accum llir.BinOp) (llir.Stmt, error) {
	neutral, ok := accum.Neutral()
	if !ok {
		return nil, errors.Errorf("lowering %s: accumulation %s has no identity to initialize with", lhs, accum)
	}
	if neutral == 0 {
		return &llir.ZeroOut{T: lhs}, nil
	}
	return fillLoop(lhs, func([]indexing.AxisIndex) llir.Expr {
		return &llir.Const{V: neutral}
	})
}

func lowerFetch(f *Fetch) (llir.Stmt, error) {
	switch init := f.Init.(type) {
	case shapes.ConstantFill:
		return lowerConstantFill(f.T, init)
	case shapes.RangeOverOffsets:
		return lowerRange(f.T)
	case shapes.FileMapped:
		// The backend maps the file into the buffer; nothing to compute.
		return &llir.StagedCallback{Name: "file-mapped " + init.Path, Emit: func() llir.Stmt { return &llir.Noop{} }}, nil
	case shapes.StandardUniform:
		return &llir.StagedCallback{Name: "standard-uniform " + f.T.Label(), Emit: func() llir.Stmt { return &llir.Noop{} }}, nil
	}
	return nil, errors.Errorf("lowering %s: unknown initializer %T", f.T, f.Init)
}

func lowerConstantFill(t *tensor.Tensor, init shapes.ConstantFill) (llir.Stmt, error) {
	if init.Strict {
		elems, err := t.NumElems()
		if err != nil {
			return nil, err
		}
		if elems != len(init.Values) {
			return nil, errors.Errorf("filling %s: %d values for %d elements", t, len(init.Values), elems)
		}
	}
	if len(init.Values) == 1 {
		if init.Values[0] == 0 {
			return &llir.ZeroOut{T: t}, nil
		}
		return fillLoop(t, func([]indexing.AxisIndex) llir.Expr {
			return &llir.Const{V: init.Values[0]}
		})
	}
	// Cycling through several values is not a scalar function of the
	// cell position; the backend fills the buffer directly.
	return &llir.StagedCallback{Name: "constant-fill " + t.Label(), Emit: func() llir.Stmt { return &llir.Noop{} }}, nil
}

// lowerRange writes each cell its own flat offset, built from the loop
// iterators and the row-major strides.
func lowerRange(t *tensor.Tensor) (llir.Stmt, error) {
	dims, err := t.Dims()
	if err != nil {
		return nil, err
	}
	strides := make([]int, len(dims))
	stride := 1
	for k := len(dims) - 1; k >= 0; k-- {
		strides[k] = stride
		stride *= dims[k]
	}
	return fillLoop(t, func(idcs []indexing.AxisIndex) llir.Expr {
		var offset llir.Expr = &llir.Const{V: 0}
		for k, idx := range idcs {
			if _, fixed := idx.(indexing.FixedIdx); fixed {
				continue
			}
			term := &llir.Binop{Op: llir.BinMul, A: &llir.EmbedIndex{Idx: idx}, B: &llir.Const{V: float64(strides[k])}}
			offset = &llir.Binop{Op: llir.BinAdd, A: offset, B: term}
		}
		return offset
	})
}

// fillLoop builds a loop nest over every axis of a tensor, writing
// value(idcs) into each cell. Degenerate axes index at zero without a
// loop.
func fillLoop(t *tensor.Tensor, value func([]indexing.AxisIndex) llir.Expr) (llir.Stmt, error) {
	dims, err := t.Dims()
	if err != nil {
		return nil, err
	}
	idcs := make([]indexing.AxisIndex, len(dims))
	syms := make([]indexing.Sym, len(dims))
	for k, d := range dims {
		if d <= 1 {
			idcs[k] = indexing.FixedIdx(0)
			continue
		}
		syms[k] = indexing.NewSym("f")
		idcs[k] = indexing.IterateOver(syms[k])
	}
	var body llir.Stmt = &llir.Set{T: t, Idcs: idcs, Value: value(idcs)}
	for k := len(dims) - 1; k >= 0; k-- {
		if dims[k] <= 1 {
			continue
		}
		body = &llir.For{Index: syms[k], From: 0, To: dims[k], Body: body, TraceIt: true}
	}
	return body, nil
}
