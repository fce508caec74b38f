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
	"github.com/arrc-org/arrc/base/logs"
)

// sizeLeq returns true if a sub-tensor dimension m can pair with a
// super-tensor dimension n: m == n, or m broadcasts from 1.
func sizeLeq(n, m int) bool {
	return n == m || m == 1
}

// queue of constraints being solved. Rules push follow-up constraints as
// they make progress.
type queue struct {
	cs       []Constraint
	progress bool
}

func (q *queue) push(cs ...Constraint) {
	q.cs = append(q.cs, cs...)
}

// Solve propagates constraints until a fixed point. Constraints that
// cannot make progress yet (row-wide constraints on open rows, terminal
// markers outside the finishing round) are kept for a later call.
func (e *Env) Solve(cs []Constraint) error {
	q := &queue{cs: append(e.deferred, cs...)}
	e.deferred = nil
	for {
		q.progress = false
		pending := q.cs
		q.cs = nil
		var deferred []Constraint
		for len(pending) > 0 {
			c := pending[0]
			pending = pending[1:]
			done, err := e.apply(c, q)
			if err != nil {
				return err
			}
			if !done {
				deferred = append(deferred, c)
			}
			if len(pending) == 0 {
				pending = q.cs
				q.cs = nil
			}
		}
		if !q.progress || len(deferred) == 0 {
			e.deferred = deferred
			break
		}
		q.cs = deferred
	}
	if logs.At(logs.Nodes) {
		dims, rows := e.dump()
		logs.Printf(logs.Nodes, "shapes: solve: %d dim entries, %d row entries, %d deferred", len(dims), len(rows), len(e.deferred))
	}
	return nil
}

// apply one constraint. Returns false if the constraint must be
// deferred until more information is available.
func (e *Env) apply(c Constraint, q *queue) (bool, error) {
	switch ct := c.(type) {
	case DimEq:
		return true, e.unifyDims(ct.D1, ct.D2, q)
	case RowEq:
		return true, e.unifyRows(ct.R1, ct.R2, q)
	case DimIneq:
		return true, e.dimIneq(ct.Cur, ct.Subr, q)
	case RowIneq:
		return true, e.rowIneq(ct.Cur, ct.Subr, q)
	case RowConstr:
		return e.rowConstr(ct.Row, ct.Constr, q)
	case TerminalDim:
		if _, unsolved := e.resolveDim(ct.D).(DimVar); !unsolved {
			return true, nil
		}
		if !e.finishing {
			return false, nil
		}
		return true, e.closeDim(ct.D, q)
	case TerminalRow:
		e.expandRow(ct.R)
		if ct.R.Closed() {
			return true, nil
		}
		if !e.finishing {
			return false, nil
		}
		return true, e.closeRow(ct.R, q)
	}
	return true, nil
}

// ----------------------------------------------------------------------------
// Dimensions.

func (e *Env) solveDim(v DimVar, d Dim, q *queue) error {
	ent := e.dimEntry(v.ID)
	if ent.solved != nil {
		return e.unifyDims(ent.solved, d, q)
	}
	if dv, ok := d.(DimVar); ok && dv.ID == v.ID {
		return nil
	}
	ent.solved = d
	q.progress = true
	// Replay the transitive bounds on the solution.
	for _, up := range ent.cur {
		q.push(DimIneq{Cur: up, Subr: d})
	}
	for _, lo := range ent.subr {
		q.push(DimIneq{Cur: d, Subr: lo})
	}
	if ent.lub != nil {
		q.push(DimIneq{Cur: *ent.lub, Subr: d})
	}
	if sz, ok := d.(Size); ok {
		return e.checkLabel(sz)
	}
	return nil
}

func (e *Env) unifyDims(d1, d2 Dim, q *queue) error {
	d1, d2 = e.resolveDim(d1), e.resolveDim(d2)
	v1, ok1 := d1.(DimVar)
	v2, ok2 := d2.(DimVar)
	switch {
	case ok1 && ok2 && v1.ID == v2.ID:
		return nil
	case ok1:
		return e.solveDim(v1, d2, q)
	case ok2:
		return e.solveDim(v2, d1, q)
	}
	s1, s2 := d1.(Size), d2.(Size)
	if s1.N != s2.N {
		return shapeErrorf(traceDims(s1, s2), "dimension mismatch: %s cannot equal %s", s1, s2)
	}
	if s1.Label != "" && s2.Label != "" && s1.Label != s2.Label {
		return shapeErrorf(traceDims(s1, s2), "label mismatch: %s cannot equal %s", s1, s2)
	}
	return nil
}

func (e *Env) dimIneq(cur, subr Dim, q *queue) error {
	cur, subr = e.resolveDim(cur), e.resolveDim(subr)
	cv, curVar := cur.(DimVar)
	sv, subrVar := subr.(DimVar)
	switch {
	case !curVar && !subrVar:
		cs, ss := cur.(Size), subr.(Size)
		if !sizeLeq(cs.N, ss.N) {
			return shapeErrorf(traceDims(cs, ss), "dimension mismatch: %s does not broadcast to %s", ss, cs)
		}
		return nil
	case !curVar && subrVar:
		cs := cur.(Size)
		if cs.N == 1 {
			// A size-1 supertype forces the subtype to 1.
			return e.solveDim(sv, Size{N: 1, Proj: cs.Proj}, q)
		}
		return e.tightenLub(sv, cs, q)
	case curVar && !subrVar:
		ss := subr.(Size)
		if ss.N == 1 {
			// Any dimension is a supertype of 1.
			return nil
		}
		// The only supertype of a dimension above 1 is itself.
		return e.solveDim(cv, ss, q)
	}
	// Both variables.
	if cv.ID == sv.ID {
		return nil
	}
	curEnt, subrEnt := e.dimEntry(cv.ID), e.dimEntry(sv.ID)
	if dimVarIn(subrEnt.cur, cv) {
		return nil
	}
	if dimVarIn(curEnt.cur, sv) {
		// Crossed bounds: cur >= subr and subr >= cur force equality.
		return e.unifyDims(cur, subr, q)
	}
	curEnt.subr = append(curEnt.subr, sv)
	subrEnt.cur = append(subrEnt.cur, cv)
	q.progress = true
	if curEnt.lub != nil {
		q.push(DimIneq{Cur: *curEnt.lub, Subr: sv})
	}
	return nil
}

// tightenLub records a concrete upper bound on a variable. Conflicting
// bounds leave 1 as the only admissible value.
func (e *Env) tightenLub(v DimVar, bound Size, q *queue) error {
	ent := e.dimEntry(v.ID)
	switch {
	case ent.lub == nil:
		ent.lub = &bound
		q.progress = true
	case ent.lub.N == bound.N:
	case ent.lub.N == 1 || bound.N == 1:
		one := Size{N: 1}
		ent.lub = &one
	default:
		one := Size{N: 1}
		ent.lub = &one
		q.progress = true
	}
	// The bound also applies to every known subtype of the variable.
	for _, lo := range ent.subr {
		q.push(DimIneq{Cur: bound, Subr: lo})
	}
	return nil
}

// closeDim resolves a terminal dimension at its least upper bound, or at
// the neutral dimension 1.
func (e *Env) closeDim(d Dim, q *queue) error {
	d = e.resolveDim(d)
	v, ok := d.(DimVar)
	if !ok {
		return nil
	}
	ent := e.dimEntry(v.ID)
	if ent.lub != nil {
		return e.solveDim(v, *ent.lub, q)
	}
	return e.solveDim(v, NewSize(1, ""), q)
}

// ----------------------------------------------------------------------------
// Rows.

func (e *Env) solveRow(v RowVar, ext *rowExt, q *queue) error {
	ent := e.rowEntry(v.ID)
	if ent.solved != nil {
		// Align the two extensions through a synthetic row equality.
		prev := rowOfTail(Broadcastable{})
		prev.Dims = ent.solved.dims
		prev.Tail = ent.solved.tail
		next := rowOfTail(ext.tail)
		next.Dims = ext.dims
		return e.unifyRows(prev, next, q)
	}
	ent.solved = ext
	q.progress = true
	for _, up := range ent.cur {
		cur := rowOfTail(up)
		sub := rowOfTail(ext.tail)
		sub.Dims = ext.dims
		q.push(RowIneq{Cur: cur, Subr: sub})
	}
	for _, lo := range ent.subr {
		cur := rowOfTail(ext.tail)
		cur.Dims = ext.dims
		q.push(RowIneq{Cur: cur, Subr: rowOfTail(lo)})
	}
	if len(ent.lub) > 0 {
		// Dimension-wise bounds on the extension, trailing-aligned.
		n := min(len(ent.lub), len(ext.dims))
		for i := 1; i <= n; i++ {
			q.push(DimIneq{Cur: ent.lub[len(ent.lub)-i], Subr: ext.dims[len(ext.dims)-i]})
		}
	}
	return nil
}

func (e *Env) unifyRows(r1, r2 *Row, q *queue) error {
	e.expandRow(r1)
	e.expandRow(r2)
	n1, n2 := len(r1.Dims), len(r2.Dims)
	for i := 1; i <= min(n1, n2); i++ {
		if err := e.unifyDims(r1.Dims[n1-i], r2.Dims[n2-i], q); err != nil {
			return err
		}
	}
	if err := e.unifyRowTails(r1, r2, q); err != nil {
		return err
	}
	// Row-wide constraints apply to both sides once they are equal.
	for _, r := range []*Row{r1, r2} {
		if tot, ok := r.Constr.(TotalElems); ok {
			q.push(RowConstr{Row: r, Constr: tot})
		}
	}
	return nil
}

func (e *Env) unifyRowTails(r1, r2 *Row, q *queue) error {
	n1, n2 := len(r1.Dims), len(r2.Dims)
	if n1 == n2 {
		v1, ok1 := r1.Tail.(RowVar)
		v2, ok2 := r2.Tail.(RowVar)
		switch {
		case ok1 && ok2 && v1.ID == v2.ID:
			return nil
		case ok1:
			return e.solveRow(v1, &rowExt{tail: r2.Tail}, q)
		case ok2:
			return e.solveRow(v2, &rowExt{tail: r1.Tail}, q)
		}
		return nil
	}
	long, short := r1, r2
	if n2 > n1 {
		long, short = r2, r1
	}
	leftover := append([]Dim{}, long.Dims[:len(long.Dims)-len(short.Dims)]...)
	sv, ok := short.Tail.(RowVar)
	if !ok {
		return shapeErrorf(traceRows(r1, r2), "axis count mismatch: %s cannot equal %s", r1, r2)
	}
	if lv, ok := long.Tail.(RowVar); ok && lv.ID == sv.ID {
		// The variable would have to contain itself.
		return shapeErrorf(traceRows(r1, r2), "row %s requires infinitely many axes", short)
	}
	return e.solveRow(sv, &rowExt{dims: leftover, tail: long.Tail}, q)
}

func (e *Env) rowIneq(cur, subr *Row, q *queue) error {
	e.expandRow(cur)
	e.expandRow(subr)
	nc, ns := len(cur.Dims), len(subr.Dims)
	if ns > nc {
		cv, ok := cur.Tail.(RowVar)
		if !ok {
			return shapeErrorf(traceRows(cur, subr), "axis count mismatch: %s has more axes than %s", subr, cur)
		}
		// Extend the supertype with a template of fresh variables and
		// retry once the extension is in place.
		if err := e.solveRow(cv, e.template(cv, ns-nc), q); err != nil {
			return err
		}
		q.push(RowIneq{Cur: cur, Subr: subr})
		return nil
	}
	for i := 1; i <= ns; i++ {
		if err := e.dimIneq(cur.Dims[nc-i], subr.Dims[ns-i], q); err != nil {
			return err
		}
	}
	sv, ok := subr.Tail.(RowVar)
	if !ok {
		return nil
	}
	ent := e.rowEntry(sv.ID)
	if cv, ok := cur.Tail.(RowVar); ok && cv.ID != sv.ID {
		// Keep the ordering between the two row variables.
		if !rowVarIn(ent.cur, cv) {
			ent.cur = append(ent.cur, cv)
			e.rowEntry(cv.ID).subr = append(e.rowEntry(cv.ID).subr, sv)
		}
	}
	ent.lub = e.mergeRowLub(ent.lub, cur.Dims[:nc-ns])
	return nil
}

// mergeRowLub combines dimension-wise upper bounds on a row extension,
// trailing-aligned. Conflicting concrete bounds degrade to 1.
func (e *Env) mergeRowLub(prev, bounds []Dim) []Dim {
	if len(prev) == 0 {
		return append([]Dim{}, bounds...)
	}
	n := max(len(prev), len(bounds))
	merged := make([]Dim, n)
	for i := 1; i <= n; i++ {
		var p, b Dim
		if i <= len(prev) {
			p = e.resolveDim(prev[len(prev)-i])
		}
		if i <= len(bounds) {
			b = e.resolveDim(bounds[len(bounds)-i])
		}
		merged[n-i] = mergeLubDims(p, b)
	}
	return merged
}

func mergeLubDims(p, b Dim) Dim {
	if p == nil {
		return b
	}
	if b == nil {
		return p
	}
	ps, pok := p.(Size)
	bs, bok := b.(Size)
	if pok && bok && ps.N != bs.N {
		return Size{N: 1}
	}
	if pok {
		return ps
	}
	return b
}

// closeRow resolves a terminal row at its least upper bound, or at the
// empty extension.
func (e *Env) closeRow(r *Row, q *queue) error {
	e.expandRow(r)
	v, ok := r.Tail.(RowVar)
	if !ok {
		return nil
	}
	ent := e.rowEntry(v.ID)
	ext := &rowExt{tail: Broadcastable{}}
	for _, d := range ent.lub {
		ext.dims = append(ext.dims, e.resolveDim(d))
	}
	if err := e.solveRow(v, ext, q); err != nil {
		return err
	}
	e.expandRow(r)
	return nil
}

// rowConstr applies a row-wide constraint. Returns false while the row
// is still too open to decide.
func (e *Env) rowConstr(r *Row, constr DimsConstraint, q *queue) (bool, error) {
	tot, ok := constr.(TotalElems)
	if !ok {
		return true, nil
	}
	r.Constr = tot
	e.expandRow(r)
	if !r.Closed() {
		return false, nil
	}
	product := 1
	var unsolved *DimVar
	unknowns := 0
	for _, d := range r.Dims {
		switch dt := d.(type) {
		case Size:
			product *= dt.N
		case DimVar:
			unknowns++
			if unsolved == nil {
				v := dt
				unsolved = &v
			}
		}
	}
	switch {
	case unknowns == 0:
		if product != tot.N {
			return true, shapeErrorf(traceRows(r), "row %s has %d elements but %d are required", r, product, tot.N)
		}
		return true, nil
	case unknowns == 1:
		if product == 0 || tot.N%product != 0 || tot.N/product == 0 {
			return true, shapeErrorf(traceRows(r), "cannot divide %d elements across row %s", tot.N, r)
		}
		return true, e.solveDim(*unsolved, NewSize(tot.N/product, ""), q)
	}
	return false, nil
}

// ----------------------------------------------------------------------------
// Finishing.

// Finish runs the solver once more, closes every remaining variable of
// the given shapes at its least upper bound or neutral value, and resets
// the environment. After Finish succeeds, none of the shapes contain
// variables.
func (e *Env) Finish(shs ...*Shape) error {
	if err := e.Solve(nil); err != nil {
		return err
	}
	e.finishing = true
	defer func() { e.finishing = false }()
	// Close row tails first: a closed row may unlock a row-wide
	// constraint that still has to solve a dimension.
	q := &queue{}
	for _, sh := range shs {
		for _, r := range sh.Rows() {
			if err := e.closeRow(r, q); err != nil {
				return err
			}
		}
	}
	if err := e.Solve(q.cs); err != nil {
		return err
	}
	q = &queue{}
	for _, sh := range shs {
		for _, r := range sh.Rows() {
			e.expandRow(r)
			for _, d := range r.Dims {
				if err := e.closeDim(d, q); err != nil {
					return err
				}
			}
		}
	}
	if err := e.Solve(q.cs); err != nil {
		return err
	}
	if len(e.deferred) > 0 {
		c := e.deferred[0]
		return shapeErrorf(nil, "shape system cannot be closed: %d constraints remain, first: %s", len(e.deferred), c)
	}
	// Materialize the solution into the shapes before the state is
	// dropped.
	for _, sh := range shs {
		for _, r := range sh.Rows() {
			e.expandRow(r)
		}
	}
	e.Reset()
	return nil
}
