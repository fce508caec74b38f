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

package shapes

import (
	"os"

	"github.com/gofrs/flock"
	"github.com/gx-org/backend/dtype"
	"github.com/pkg/errors"

	"github.com/arrc-org/arrc/base/diag"
	"github.com/arrc-org/arrc/base/logs"
	"github.com/arrc-org/arrc/indexing"
)

// ----------------------------------------------------------------------------
// Shape logic: the declarative specification of how one operation
// relates the shape of its result to the shapes of its operands.

type (
	// Logic of one operation.
	Logic interface {
		logic()
	}

	// Terminal is a leaf tensor populated by an initializer.
	Terminal struct {
		Init Init
	}

	// Transpose relates a result to a single operand.
	Transpose struct {
		Kind TransposeKind
		Sub  *Shape
	}

	// Broadcast relates a result to two operands.
	Broadcast struct {
		Kind ComposeKind
		Sub1 *Shape
		Sub2 *Shape
	}
)

func (Terminal) logic()  {}
func (Transpose) logic() {}
func (Broadcast) logic() {}

type (
	// TransposeKind selects the axis relation of a unary operation.
	TransposeKind interface {
		transposeKind()
	}

	// TrPointwise keeps every axis in place, with broadcasting.
	TrPointwise struct{}

	// TrTranspose swaps the input and output rows.
	TrTranspose struct{}

	// TrPermute rearranges axes according to an einsum specification
	// with a single operand section.
	TrPermute struct {
		Spec string
	}

	// TrBatchSlice drops the leading batch axis, fixing it at the
	// position the static symbol is bound to.
	TrBatchSlice struct {
		Idx *indexing.StaticSym
	}
)

func (TrPointwise) transposeKind()  {}
func (TrTranspose) transposeKind()  {}
func (TrPermute) transposeKind()    {}
func (TrBatchSlice) transposeKind() {}

type (
	// ComposeKind selects the axis relation of a binary operation.
	ComposeKind interface {
		composeKind()
	}

	// CmpPointwise pairs the axes of both operands, with broadcasting.
	CmpPointwise struct{}

	// CmpCompose contracts the input row of the first operand with the
	// output row of the second (function composition; matrix multiply
	// on rank-2 tensors).
	CmpCompose struct{}

	// CmpEinsum aligns and contracts axes per an einsum specification.
	CmpEinsum struct {
		Spec string
	}
)

func (CmpPointwise) composeKind() {}
func (CmpCompose) composeKind()   {}
func (CmpEinsum) composeKind()    {}

// ----------------------------------------------------------------------------
// Terminal initializers.

type (
	// Init populates a terminal tensor when it is first demanded.
	Init interface {
		init()
	}

	// ConstantFill fills with the given values, cycling. When Strict,
	// the number of values must match the number of elements exactly.
	ConstantFill struct {
		Values []float64
		Strict bool
	}

	// RangeOverOffsets fills each cell with its offset.
	RangeOverOffsets struct{}

	// FileMapped maps the file at Path as the tensor contents. The file
	// length constrains the leading batch row.
	FileMapped struct {
		Path string
		Prec dtype.DataType
	}

	// StandardUniform fills with uniform samples from [0, 1).
	StandardUniform struct{}
)

func (ConstantFill) init()     {}
func (RangeOverOffsets) init() {}
func (FileMapped) init()       {}
func (StandardUniform) init()  {}

// fileElems returns the number of elements stored in a mapped file. The
// file length is read under a shared lock, which is released when
// fileElems returns; the lock does not cover the backend mapping the file.
func fileElems(path string, prec dtype.DataType) (int, error) {
	lock := flock.New(path)
	locked, err := lock.TryRLock()
	if err != nil {
		return 0, errors.Wrapf(err, "cannot lock tensor file %s", path)
	}
	if !locked {
		return 0, errors.Errorf("tensor file %s is locked by another process", path)
	}
	defer lock.Unlock()
	info, err := os.Stat(path)
	if err != nil {
		return 0, errors.Wrapf(err, "cannot stat tensor file %s", path)
	}
	elemSize := dtype.Sizeof(prec)
	if int(info.Size())%elemSize != 0 {
		return 0, errors.Errorf("tensor file %s: size %d is not a multiple of the element size %d", path, info.Size(), elemSize)
	}
	return int(info.Size()) / elemSize, nil
}

// ----------------------------------------------------------------------------
// Constraint generation.

// Constraints emits the constraints relating a shape to its operands
// according to the operation logic.
func Constraints(sh *Shape, l Logic) ([]Constraint, error) {
	switch lt := l.(type) {
	case Terminal:
		return terminalConstraints(sh, lt.Init)
	case Transpose:
		return transposeConstraints(sh, lt)
	case Broadcast:
		return broadcastConstraints(sh, lt)
	}
	return nil, errors.Errorf("unknown shape logic %T", l)
}

// ineqAll emits cur >= subr for the three rows of a shape pair.
func ineqAll(cur, subr *Shape) []Constraint {
	return []Constraint{
		RowIneq{Cur: cur.Batch, Subr: subr.Batch},
		RowIneq{Cur: cur.Output, Subr: subr.Output},
		RowIneq{Cur: cur.Input, Subr: subr.Input},
	}
}

// terminals emits the markers closing a shape with no further
// constraint sources at its least upper bounds.
func terminals(sh *Shape) []Constraint {
	var cs []Constraint
	for _, r := range sh.Rows() {
		cs = append(cs, TerminalRow{R: r})
		for _, d := range r.Dims {
			cs = append(cs, TerminalDim{D: d})
		}
	}
	return cs
}

func terminalConstraints(sh *Shape, init Init) ([]Constraint, error) {
	cs := terminals(sh)
	switch it := init.(type) {
	case ConstantFill:
		if it.Strict {
			cs = append(cs, RowConstr{Row: sh.Output, Constr: TotalElems{N: len(it.Values)}})
		}
	case FileMapped:
		elems, err := fileElems(it.Path, it.Prec)
		if err != nil {
			return nil, err
		}
		logs.Printf(logs.Nodes, "shapes: %s maps %s with %d elements", sh.Label, it.Path, elems)
		cs = append(cs, RowConstr{Row: sh.Batch, Constr: TotalElems{N: elems}})
	}
	return cs, nil
}

func transposeConstraints(sh *Shape, lt Transpose) ([]Constraint, error) {
	sub := lt.Sub
	switch k := lt.Kind.(type) {
	case TrPointwise:
		return ineqAll(sh, sub), nil
	case TrTranspose:
		return []Constraint{
			RowIneq{Cur: sh.Batch, Subr: sub.Batch},
			RowEq{R1: sh.Input, R2: sub.Output},
			RowEq{R1: sh.Output, R2: sub.Input},
		}, nil
	case TrPermute:
		spec, err := ParseEinsum(k.Spec)
		if err != nil {
			return nil, err
		}
		if len(spec.Operands) != 1 {
			return nil, errors.Errorf("permute spec %q must have exactly one operand section", k.Spec)
		}
		return einsumConstraints(sh, spec, sub)
	case TrBatchSlice:
		sliced := NewDimVar("slice")
		pre := &Row{
			Dims:   append([]Dim{sliced}, sh.Batch.Dims...),
			Tail:   sh.Batch.Tail,
			ID:     RowID{ShapeID: sh.ID, Kind: AxisBatch},
			Constr: Unconstrained{},
		}
		return []Constraint{
			RowEq{R1: sub.Batch, R2: pre},
			RowEq{R1: sh.Input, R2: sub.Input},
			RowEq{R1: sh.Output, R2: sub.Output},
		}, nil
	}
	return nil, errors.Errorf("unknown transpose kind %T", lt.Kind)
}

func broadcastConstraints(sh *Shape, lt Broadcast) ([]Constraint, error) {
	sub1, sub2 := lt.Sub1, lt.Sub2
	switch k := lt.Kind.(type) {
	case CmpPointwise:
		return append(ineqAll(sh, sub1), ineqAll(sh, sub2)...), nil
	case CmpCompose:
		return []Constraint{
			RowIneq{Cur: sh.Batch, Subr: sub1.Batch},
			RowIneq{Cur: sh.Batch, Subr: sub2.Batch},
			RowEq{R1: sh.Output, R2: sub1.Output},
			RowEq{R1: sub1.Input, R2: sub2.Output},
			RowEq{R1: sh.Input, R2: sub2.Input},
		}, nil
	case CmpEinsum:
		spec, err := ParseEinsum(k.Spec)
		if err != nil {
			return nil, err
		}
		if len(spec.Operands) != 2 {
			return nil, errors.Errorf("einsum spec %q must have exactly two operand sections", k.Spec)
		}
		return einsumConstraints(sh, spec, sub1, sub2)
	}
	return nil, errors.Errorf("unknown compose kind %T", lt.Kind)
}

// einsumConstraints equates the rows of the result and of every operand
// with pattern rows built from the specification labels. Axes sharing a
// label share a dimension variable.
func einsumConstraints(sh *Shape, spec *EinsumSpec, subs ...*Shape) ([]Constraint, error) {
	labelDims := make(map[string]Dim)
	// The result has no prior shape information: an axis pinned to
	// index 0 collapses to a single cell instead of staying free.
	generative := len(sh.Batch.Dims) == 0 && len(sh.Input.Dims) == 0 && len(sh.Output.Dims) == 0
	dimFor := func(label string, resultRow bool) Dim {
		if idx, ok := spec.Fixed[label]; ok {
			if resultRow && generative && idx == 0 {
				return NewSize(1, "")
			}
			return NewDimVar(label)
		}
		d, ok := labelDims[label]
		if !ok {
			d = NewDimVar(label)
			labelDims[label] = d
		}
		return d
	}
	patternRow := func(labels []string, id RowID, resultRow bool) *Row {
		dims := make([]Dim, len(labels))
		for i, label := range labels {
			dims[i] = dimFor(label, resultRow)
		}
		return ClosedRow(id, dims...)
	}
	var cs []Constraint
	sections := append([]EinsumAxes{}, spec.Operands...)
	shapes := append([]*Shape{}, subs...)
	sections = append(sections, spec.Result)
	shapes = append(shapes, sh)
	for i, section := range sections {
		target := shapes[i]
		isResult := i == len(sections)-1
		for _, kind := range []Kind{AxisBatch, AxisOutput, AxisInput} {
			cs = append(cs, RowEq{
				R1: target.Row(kind),
				R2: patternRow(section.Row(kind), RowID{ShapeID: target.ID, Kind: kind}, isResult),
			})
		}
	}
	return cs, nil
}

// Propagate emits the constraints of an operation and solves them
// against the current environment. Errors carry the shape being
// propagated.
func Propagate(env *Env, sh *Shape, l Logic) error {
	var errs diag.Errors
	errs.Push(diag.PrefixWith("propagating the shape of %s", sh.Label))
	cs, err := Constraints(sh, l)
	if err != nil {
		errs.Append(err)
		return errs.ToError()
	}
	logs.Printf(logs.Nodes, "shapes: propagate %s: %d constraints", sh.Label, len(cs))
	if err := env.Solve(cs); err != nil {
		errs.Append(err)
	}
	return errs.ToError()
}
