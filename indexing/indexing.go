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

// Package indexing defines the symbols and index expressions used to
// address array elements: loop iterators, fixed positions, and the
// per-operation projection records consumed by code generation.
package indexing

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"

	"github.com/arrc-org/arrc/base/uid"
)

// ----------------------------------------------------------------------------
// Symbols.

// Sym is a process-unique symbol, typically standing for a loop iterator.
// The zero value is not a valid symbol.
type Sym struct {
	id    uid.ID
	label string
}

// NewSym mints a fresh symbol. The label is for debugging only: two
// symbols with the same label are still distinct.
func NewSym(label string) Sym {
	return Sym{id: uid.Next(), label: label}
}

// Valid returns true if the symbol has been minted by NewSym.
func (s Sym) Valid() bool { return s.id.Valid() }

// Label returns the debug label of the symbol.
func (s Sym) Label() string { return s.label }

// String representation of the symbol.
func (s Sym) String() string {
	if s.label == "" {
		return fmt.Sprintf("i%d", uint64(s.id))
	}
	return fmt.Sprintf("%s%d", s.label, uint64(s.id))
}

// StaticSym is a named binding resolved to a fixed integer before
// lowering (for example the slice position of a batch-slice operation).
type StaticSym struct {
	Name  string
	value int
	bound bool
}

// NewStaticSym returns an unbound static symbol.
func NewStaticSym(name string) *StaticSym {
	return &StaticSym{Name: name}
}

// Bind the symbol to a value. Binding twice to a different value is an error.
func (s *StaticSym) Bind(v int) error {
	if s.bound && s.value != v {
		return errors.Errorf("static symbol %s already bound to %d, cannot rebind to %d", s.Name, s.value, v)
	}
	s.value, s.bound = v, true
	return nil
}

// Value returns the value the symbol is bound to.
func (s *StaticSym) Value() (int, error) {
	if !s.bound {
		return 0, errors.Errorf("static symbol %s has not been bound", s.Name)
	}
	return s.value, nil
}

// ----------------------------------------------------------------------------
// Axis indices.

type (
	// AxisIndex is the index expression addressing one axis of an array:
	// either a position fixed at compile time or a loop iterator.
	AxisIndex interface {
		axisIndex()

		// String representation of the index.
		String() string
	}

	// FixedIdx is an axis position known at compile time.
	// Degenerate (size 1) axes are always addressed with FixedIdx(0).
	FixedIdx int

	// Iterator is an axis addressed by a loop iterator symbol.
	Iterator Sym
)

var (
	_ AxisIndex = FixedIdx(0)
	_ AxisIndex = Iterator{}
)

func (FixedIdx) axisIndex() {}
func (Iterator) axisIndex() {}

// String representation of the index.
func (i FixedIdx) String() string { return fmt.Sprintf("%d", int(i)) }

// String representation of the index.
func (it Iterator) String() string { return Sym(it).String() }

// Sym returns the iterator symbol.
func (it Iterator) Sym() Sym { return Sym(it) }

// IterateOver returns the iterator index for a symbol.
func IterateOver(s Sym) Iterator { return Iterator(s) }

// SameIndex returns true if two axis indices are identical.
func SameIndex(a, b AxisIndex) bool {
	switch at := a.(type) {
	case FixedIdx:
		bt, ok := b.(FixedIdx)
		return ok && at == bt
	case Iterator:
		bt, ok := b.(Iterator)
		return ok && Sym(at) == Sym(bt)
	}
	return false
}

// IndexString renders an index vector.
func IndexString(idcs []AxisIndex) string {
	var sb strings.Builder
	sb.WriteByte('[')
	for i, idx := range idcs {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(idx.String())
	}
	sb.WriteByte(']')
	return sb.String()
}

// ----------------------------------------------------------------------------
// Projections.

// Projections describes, for one operation instance, the iteration space
// and the index function of every operand. Substituting concrete values
// of the product iterators into LHS (resp. RHS[k]) yields the element of
// the result (resp. operand k) combined at that position.
type Projections struct {
	// Product is the concrete extent of every product-space axis.
	Product []int
	// Iterators are the loop symbols ranging over Product, in the same
	// order. len(Iterators) == len(Product).
	Iterators []Sym
	// LHS indexes the result array.
	LHS []AxisIndex
	// RHS indexes each operand array.
	RHS [][]AxisIndex
	// DebugInfo names the operation for comments and logs.
	DebugInfo string
}

// String representation of the projections.
func (p *Projections) String() string {
	var sb strings.Builder
	sb.WriteString("product")
	fmt.Fprintf(&sb, "%v lhs%s", p.Product, IndexString(p.LHS))
	for i, rhs := range p.RHS {
		fmt.Fprintf(&sb, " rhs%d%s", i+1, IndexString(rhs))
	}
	return sb.String()
}
