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

// Package assign defines the assignment tree handed to the compiler by
// the surface layer and its lowering into the loop IR. An assignment
// accumulates the pointwise combination of its operands into the result
// over the product space described by a projections thunk.
package assign

import (
	"github.com/arrc-org/arrc/indexing"
	"github.com/arrc-org/arrc/llir"
	"github.com/arrc-org/arrc/shapes"
	"github.com/arrc-org/arrc/tensor"
)

type (
	// Node of the assignment tree.
	Node interface {
		node()
	}

	// Seq runs assignments in order.
	Seq struct {
		Nodes []Node
	}

	// Block labels a subtree. The label survives lowering as a comment.
	Block struct {
		Label string
		Body  Node
	}

	// BinAccum accumulates the combination of two operands:
	//   lhs[i] = accum(lhs[i], op(rhs1[p1(i)], rhs2[p2(i)]))
	// over the product space of the projections. An Arg2 accumulator
	// overwrites instead of accumulating.
	BinAccum struct {
		LHS        *tensor.Tensor
		Accum      llir.BinOp
		Op         llir.BinOp
		RHS1, RHS2 *tensor.Tensor
		// Proj is evaluated once shape inference has finished.
		Proj func() (*indexing.Projections, error)
		// InitNeutral fills the result with the accumulator's identity
		// before the loop nest runs.
		InitNeutral bool
	}

	// UnAccum accumulates a transformed operand:
	//   lhs[i] = accum(lhs[i], op(rhs[p(i)])).
	UnAccum struct {
		LHS         *tensor.Tensor
		Accum       llir.BinOp
		Op          llir.UnOp
		RHS         *tensor.Tensor
		Proj        func() (*indexing.Projections, error)
		InitNeutral bool
	}

	// Fetch populates a terminal tensor from an initializer.
	Fetch struct {
		T    *tensor.Tensor
		Init shapes.Init
	}
)

func (*Seq) node()      {}
func (*Block) node()    {}
func (*BinAccum) node() {}
func (*UnAccum) node()  {}
func (*Fetch) node()    {}
