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

import "fmt"

// The constraint vocabulary emitted by shape logic. Inequalities are
// oriented: Cur is the super-tensor side and cannot shrink, Subr is the
// sub-tensor side and may be broadcast. On concrete dimensions, n >= m
// holds iff n == m or m == 1; on rows, q >= r holds iff q has at least
// as many axes as r and every pair of trailing-aligned dimensions
// satisfies the dimension rule.
type (
	// Constraint between dimensions or rows.
	Constraint interface {
		constraint()

		// String representation of the constraint.
		String() string
	}

	// DimEq requires two dimensions to be equal.
	DimEq struct {
		D1, D2 Dim
	}

	// RowEq requires two rows to be equal.
	RowEq struct {
		R1, R2 *Row
	}

	// DimIneq requires Cur >= Subr.
	DimIneq struct {
		Cur, Subr Dim
	}

	// RowIneq requires Cur >= Subr.
	RowIneq struct {
		Cur, Subr *Row
	}

	// RowConstr applies a row-wide constraint.
	RowConstr struct {
		Row    *Row
		Constr DimsConstraint
	}

	// TerminalDim marks a dimension with no further constraint source:
	// the finishing round closes it at its least upper bound, or at 1.
	TerminalDim struct {
		D Dim
	}

	// TerminalRow marks a row with no further constraint source: the
	// finishing round closes its row variable at its least upper bound,
	// or at the empty extension.
	TerminalRow struct {
		R *Row
	}
)

func (DimEq) constraint()       {}
func (RowEq) constraint()       {}
func (DimIneq) constraint()     {}
func (RowIneq) constraint()     {}
func (RowConstr) constraint()   {}
func (TerminalDim) constraint() {}
func (TerminalRow) constraint() {}

// String representation of the constraint.
func (c DimEq) String() string { return fmt.Sprintf("%s = %s", c.D1, c.D2) }

// String representation of the constraint.
func (c RowEq) String() string { return fmt.Sprintf("%s = %s", c.R1, c.R2) }

// String representation of the constraint.
func (c DimIneq) String() string { return fmt.Sprintf("%s >= %s", c.Cur, c.Subr) }

// String representation of the constraint.
func (c RowIneq) String() string { return fmt.Sprintf("%s >= %s", c.Cur, c.Subr) }

// String representation of the constraint.
func (c RowConstr) String() string {
	if tot, ok := c.Constr.(TotalElems); ok {
		return fmt.Sprintf("total(%s) = %d", c.Row, tot.N)
	}
	return fmt.Sprintf("unconstrained(%s)", c.Row)
}

// String representation of the constraint.
func (c TerminalDim) String() string { return fmt.Sprintf("terminal %s", c.D) }

// String representation of the constraint.
func (c TerminalRow) String() string { return fmt.Sprintf("terminal %s", c.R) }
