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

// Package llir defines the low-level loop IR of the compiler and its
// optimization passes: usage tracing, virtualization of intermediate
// arrays, algebraic simplification, and memory-mode classification.
package llir

import (
	"github.com/gx-org/backend/dtype"

	"github.com/arrc-org/arrc/base/uid"
	"github.com/arrc-org/arrc/indexing"
	"github.com/arrc-org/arrc/tensor"
)

// ----------------------------------------------------------------------------
// Scopes.

// ScopeID identifies a local scalar scope. Scope identifiers are
// process-unique and typed by the precision of the value they hold.
type ScopeID struct {
	ID   uid.ID
	Prec dtype.DataType
}

// NewScopeID mints a fresh scope identifier.
func NewScopeID(prec dtype.DataType) ScopeID {
	return ScopeID{ID: uid.Next(), Prec: prec}
}

// ----------------------------------------------------------------------------
// Statements.

type (
	// Stmt is a statement of the loop IR.
	Stmt interface {
		// stmt marks a structure as a statement node.
		// It prevents external implementations of the interface.
		stmt()
	}

	// Noop does nothing.
	Noop struct{}

	// Seq runs statements in order.
	Seq struct {
		Stmts []Stmt
	}

	// For runs Body with Index bound to From, From+1, ..., To-1.
	// TraceIt tells usage analysis to unroll the loop when enumerating
	// access patterns.
	For struct {
		Index   indexing.Sym
		From    int
		To      int
		Body    Stmt
		TraceIt bool
	}

	// ZeroOut fills a tensor with zeros.
	ZeroOut struct {
		T *tensor.Tensor
	}

	// Set writes a scalar into a tensor cell.
	Set struct {
		T     *tensor.Tensor
		Idcs  []indexing.AxisIndex
		Value Expr
	}

	// SetLocal writes the scalar of a local scope.
	SetLocal struct {
		Scope ScopeID
		Value Expr
	}

	// Comment carries the label of the operation a statement group was
	// lowered from. Comments survive every pass to the emitter.
	Comment struct {
		Text string
	}

	// StagedCallback defers a statement to backend emission time
	// (initializers that need buffers or host state). Its contents are
	// opaque to the optimization passes.
	StagedCallback struct {
		Name string
		Emit func() Stmt
	}
)

func (*Noop) stmt()           {}
func (*Seq) stmt()            {}
func (*For) stmt()            {}
func (*ZeroOut) stmt()        {}
func (*Set) stmt()            {}
func (*SetLocal) stmt()       {}
func (*Comment) stmt()        {}
func (*StagedCallback) stmt() {}

// ----------------------------------------------------------------------------
// Expressions.

type (
	// Expr is a scalar-valued expression of the loop IR.
	Expr interface {
		// expr marks a structure as an expression node.
		expr()
	}

	// Const is a floating point constant.
	Const struct {
		V float64
	}

	// Get reads a tensor cell.
	Get struct {
		T    *tensor.Tensor
		Idcs []indexing.AxisIndex
	}

	// GetLocal reads the scalar of a local scope.
	GetLocal struct {
		Scope ScopeID
	}

	// GetGlobal reads a backend-provided global such as the task or
	// sample position.
	GetGlobal struct {
		Ident string
		Idcs  []indexing.AxisIndex
	}

	// EmbedIndex evaluates an axis index as a scalar.
	EmbedIndex struct {
		Idx indexing.AxisIndex
	}

	// Binop combines two scalars.
	Binop struct {
		Op BinOp
		A  Expr
		B  Expr
	}

	// Unop transforms one scalar.
	Unop struct {
		Op UnOp
		X  Expr
	}

	// LocalScope introduces a single-use scalar block: Body writes the
	// scope through SetLocal and the value of the expression is the
	// last value written. OrigIndices keeps the indices the consumer
	// used before inlining, for the emitter's comments.
	LocalScope struct {
		ID          ScopeID
		Body        Stmt
		OrigIndices []indexing.AxisIndex
	}
)

func (*Const) expr()      {}
func (*Get) expr()        {}
func (*GetLocal) expr()   {}
func (*GetGlobal) expr()  {}
func (*EmbedIndex) expr() {}
func (*Binop) expr()      {}
func (*Unop) expr()       {}
func (*LocalScope) expr() {}

// Idents of backend-provided globals.
const (
	// GlobalTaskID is the position of the current task (block) in a
	// task-parallel computation.
	GlobalTaskID = "task_id"
	// GlobalSampleNum is the position of the current sample (thread)
	// within a task.
	GlobalSampleNum = "sample_num"
)
