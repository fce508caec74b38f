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

// Package tensor defines the array records the compiler operates on:
// identity, precision, shape, and the storage decisions accumulated by
// the optimization passes.
package tensor

import (
	"fmt"

	"github.com/gx-org/backend/dtype"
	"github.com/gx-org/backend/shape"
	"github.com/pkg/errors"

	"github.com/arrc-org/arrc/base/uid"
	"github.com/arrc-org/arrc/shapes"
)

// Precisions of tensor elements. The backend carries no 8-bit element
// type, so byte tensors widen to uint32 buffers.
var (
	Byte   = dtype.Uint32
	Half   = dtype.Bfloat16
	Single = dtype.Float32
	Double = dtype.Float64
)

// Tensor is one array of the computation.
type Tensor struct {
	id    uid.ID
	label string
	prec  dtype.DataType

	// Shape is inferred in place; it holds variables until inference
	// finishes.
	Shape *shapes.Shape

	// dims computes the concrete dimensions on first demand.
	dims     func() ([]int, error)
	dimsMemo []int

	mem memCell
}

// New returns a tensor with a fresh open shape. The dimensions are
// computed lazily from the shape once inference has finished.
func New(label string, prec dtype.DataType) *Tensor {
	t := &Tensor{
		id:    uid.Next(),
		label: label,
		prec:  prec,
		Shape: shapes.NewShape(label),
	}
	t.Shape.Owner = t
	t.dims = t.Shape.PhysicalDims
	return t
}

// NewWithDims returns a tensor whose dimensions are supplied by a thunk
// instead of shape inference.
func NewWithDims(label string, prec dtype.DataType, dims func() ([]int, error)) *Tensor {
	t := New(label, prec)
	t.dims = dims
	return t
}

// ID of the tensor.
func (t *Tensor) ID() uid.ID { return t.id }

// Label of the tensor.
func (t *Tensor) Label() string { return t.label }

// Prec returns the element precision.
func (t *Tensor) Prec() dtype.DataType { return t.prec }

// String representation of the tensor.
func (t *Tensor) String() string {
	return fmt.Sprintf("%s%s", t.label, t.id)
}

// Dims returns the concrete dimensions in physical axis order,
// memoized after the first call.
func (t *Tensor) Dims() ([]int, error) {
	if t.dimsMemo != nil {
		return t.dimsMemo, nil
	}
	dims, err := t.dims()
	if err != nil {
		return nil, err
	}
	t.dimsMemo = dims
	return dims, nil
}

// NumElems returns the number of elements of the tensor.
func (t *Tensor) NumElems() (int, error) {
	dims, err := t.Dims()
	if err != nil {
		return 0, err
	}
	n := 1
	for _, d := range dims {
		n *= d
	}
	return n, nil
}

// BackendShape exports the tensor geometry to the backend.
func (t *Tensor) BackendShape() (*shape.Shape, error) {
	dims, err := t.Dims()
	if err != nil {
		return nil, errors.Wrapf(err, "tensor %s", t)
	}
	return &shape.Shape{DType: t.prec, AxisLengths: dims}, nil
}
