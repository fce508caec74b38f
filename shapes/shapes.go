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

// Package shapes implements row-polymorphic shape inference for array
// computations.
//
// A shape is made of three rows of axes: batch, input and output. Rows
// grow leftward under broadcasting, so the trailing axes of a row are
// the stable ones. Dimensions and rows may be variables during
// inference; the solver in this package propagates constraints between
// them until every dimension is concrete.
package shapes

import (
	"fmt"
	"strings"

	"github.com/arrc-org/arrc/base/uid"
)

// Kind of a row within a shape.
type Kind int

// The three rows composing a shape. The physical axis order used for
// indexing is batch, then output, then input.
const (
	AxisBatch Kind = iota
	AxisOutput
	AxisInput
)

// String representation of the row kind.
func (k Kind) String() string {
	switch k {
	case AxisBatch:
		return "batch"
	case AxisOutput:
		return "output"
	case AxisInput:
		return "input"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// ProjID tags one occurrence of a concrete dimension with a projection
// equivalence class. Axes whose classes are joined during inference are
// iterated by the same loop symbol.
type ProjID = uid.ID

// ----------------------------------------------------------------------------
// Dimensions.

type (
	// Dim is one axis of a row: either a concrete size or a variable.
	Dim interface {
		dim()

		// String representation of the dimension.
		String() string
	}

	// DimVar is a dimension not resolved yet.
	DimVar struct {
		ID    uid.ID
		Label string
	}

	// Size is a concrete dimension. Two concrete dimensions carrying the
	// same non-empty label must have the same size.
	Size struct {
		N     int
		Label string
		// Proj is the projection class of this axis occurrence.
		Proj ProjID
	}
)

var (
	_ Dim = DimVar{}
	_ Dim = Size{}
)

func (DimVar) dim() {}
func (Size) dim()   {}

// NewDimVar mints a fresh dimension variable.
func NewDimVar(label string) DimVar {
	return DimVar{ID: uid.Next(), Label: label}
}

// NewSize returns a concrete dimension with a fresh projection class.
func NewSize(n int, label string) Size {
	return Size{N: n, Label: label, Proj: uid.Next()}
}

// String representation of the dimension.
func (d DimVar) String() string {
	if d.Label != "" {
		return fmt.Sprintf("$%s%d", d.Label, uint64(d.ID))
	}
	return fmt.Sprintf("$d%d", uint64(d.ID))
}

// String representation of the dimension.
func (d Size) String() string {
	if d.Label != "" {
		return fmt.Sprintf("%d(%s)", d.N, d.Label)
	}
	return fmt.Sprintf("%d", d.N)
}

// ----------------------------------------------------------------------------
// Rows.

type (
	// RowTail marks how a row can grow on the left.
	RowTail interface {
		rowTail()

		// String representation of the tail.
		String() string
	}

	// RowVar is an extensible prefix of axes: broadcasting may
	// substitute it with additional leading dimensions.
	RowVar struct {
		ID    uid.ID
		Label string
	}

	// Broadcastable closes a row: it has exactly the axes listed, and
	// pairs with longer rows by broadcasting.
	Broadcastable struct{}
)

var (
	_ RowTail = RowVar{}
	_ RowTail = Broadcastable{}
)

func (RowVar) rowTail()        {}
func (Broadcastable) rowTail() {}

// NewRowVar mints a fresh row variable.
func NewRowVar(label string) RowVar {
	return RowVar{ID: uid.Next(), Label: label}
}

// String representation of the tail.
func (v RowVar) String() string {
	if v.Label != "" {
		return fmt.Sprintf("..%s%d", v.Label, uint64(v.ID))
	}
	return fmt.Sprintf("..r%d", uint64(v.ID))
}

// String representation of the tail.
func (Broadcastable) String() string { return "" }

type (
	// DimsConstraint restricts the dimensions of a whole row.
	DimsConstraint interface {
		dimsConstraint()
	}

	// Unconstrained rows have no row-wide restriction.
	Unconstrained struct{}

	// TotalElems requires the product of the row dimensions to equal N.
	TotalElems struct {
		N int
	}
)

func (Unconstrained) dimsConstraint() {}
func (TotalElems) dimsConstraint()    {}

// RowID identifies a row by the shape owning it and the row kind.
type RowID struct {
	ShapeID uid.ID
	Kind    Kind
}

// Row is an ordered list of dimensions, leftmost first, with a tail
// describing whether more leading axes may appear. Rows are mutated in
// place by the solver.
type Row struct {
	Dims   []Dim
	Tail   RowTail
	ID     RowID
	Constr DimsConstraint
}

// NewRow returns an open row with a fresh row variable and no axes.
func NewRow(id RowID, label string) *Row {
	return &Row{Tail: NewRowVar(label), ID: id, Constr: Unconstrained{}}
}

// ClosedRow returns a closed row over the given dimensions.
func ClosedRow(id RowID, dims ...Dim) *Row {
	return &Row{Dims: dims, Tail: Broadcastable{}, ID: id, Constr: Unconstrained{}}
}

// Closed returns true if the row cannot gain more axes.
func (r *Row) Closed() bool {
	_, ok := r.Tail.(Broadcastable)
	return ok
}

// String representation of the row.
func (r *Row) String() string {
	ss := make([]string, 0, len(r.Dims)+1)
	if s := r.Tail.String(); s != "" {
		ss = append(ss, s)
	}
	for _, d := range r.Dims {
		ss = append(ss, d.String())
	}
	s := "[" + strings.Join(ss, " ") + "]"
	if tot, ok := r.Constr.(TotalElems); ok {
		s += fmt.Sprintf("{total:%d}", tot.N)
	}
	return s
}

// ----------------------------------------------------------------------------
// Shapes.

// Shape of a tensor: three rows of axes plus debug information.
type Shape struct {
	ID     uid.ID
	Batch  *Row
	Input  *Row
	Output *Row
	Label  string
	// Owner is a back-reference to the tensor this shape belongs to.
	// Debug only.
	Owner fmt.Stringer
}

// NewShape returns a shape whose three rows are open.
func NewShape(label string) *Shape {
	id := uid.Next()
	return &Shape{
		ID:     id,
		Batch:  NewRow(RowID{ShapeID: id, Kind: AxisBatch}, label+".b"),
		Input:  NewRow(RowID{ShapeID: id, Kind: AxisInput}, label+".i"),
		Output: NewRow(RowID{ShapeID: id, Kind: AxisOutput}, label+".o"),
		Label:  label,
	}
}

// NewShapeOf returns a shape with closed rows over the given concrete
// dimensions.
func NewShapeOf(label string, batch, input, output []int) *Shape {
	id := uid.Next()
	mk := func(kind Kind, ds []int) *Row {
		dims := make([]Dim, len(ds))
		for i, d := range ds {
			dims[i] = NewSize(d, "")
		}
		return ClosedRow(RowID{ShapeID: id, Kind: kind}, dims...)
	}
	return &Shape{
		ID:     id,
		Batch:  mk(AxisBatch, batch),
		Input:  mk(AxisInput, input),
		Output: mk(AxisOutput, output),
		Label:  label,
	}
}

// Row returns the row of the given kind.
func (s *Shape) Row(k Kind) *Row {
	switch k {
	case AxisBatch:
		return s.Batch
	case AxisInput:
		return s.Input
	case AxisOutput:
		return s.Output
	}
	return nil
}

// Rows iterates over the three rows in physical order.
func (s *Shape) Rows() []*Row {
	return []*Row{s.Batch, s.Output, s.Input}
}

// PhysicalDims returns the concrete dimensions in physical axis order
// (batch, output, input). It fails if the shape still contains
// variables.
func (s *Shape) PhysicalDims() ([]int, error) {
	var dims []int
	for _, r := range s.Rows() {
		if !r.Closed() {
			return nil, shapeErrorf(traceRows(r), "shape %s: row %s has not been closed", s.Label, r)
		}
		for _, d := range r.Dims {
			sz, ok := d.(Size)
			if !ok {
				return nil, shapeErrorf(traceDims(d), "shape %s: dimension %s has not been resolved", s.Label, d)
			}
			dims = append(dims, sz.N)
		}
	}
	return dims, nil
}

// PhysicalAxes returns the dimensions in physical axis order without
// requiring them to be resolved.
func (s *Shape) PhysicalAxes() []Dim {
	var dims []Dim
	for _, r := range s.Rows() {
		dims = append(dims, r.Dims...)
	}
	return dims
}

// String representation of the shape, batch|input->output.
func (s *Shape) String() string {
	return fmt.Sprintf("%s:%s|%s->%s", s.Label, s.Batch, s.Input, s.Output)
}
