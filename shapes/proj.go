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
	"github.com/pkg/errors"

	"github.com/arrc-org/arrc/indexing"
)

// ----------------------------------------------------------------------------
// Projection equations.

type (
	// ProjEquation relates projection classes of one operation.
	ProjEquation interface {
		projEquation()
	}

	// ProjEq equates two projection classes: the two axes are addressed
	// by the same index.
	ProjEq struct {
		P1, P2 ProjID
	}

	// Iterated declares that a class is iterated over an axis of the
	// given extent.
	Iterated struct {
		P ProjID
		N int
	}

	// FixedProj pins a class to a constant index instead of iterating.
	FixedProj struct {
		P   ProjID
		Idx int
	}
)

func (ProjEq) projEquation()    {}
func (Iterated) projEquation()  {}
func (FixedProj) projEquation() {}

// ProjEnv is the solved projection environment of one operation: a
// union-find over projection classes, the iterator each productive
// class expands to, the extent of each product axis, and the classes
// pinned to a fixed index.
type ProjEnv struct {
	parent     map[ProjID]ProjID
	iterators  map[ProjID]indexing.Sym
	productDim map[ProjID]int
	nonProduct map[ProjID]int
}

func newProjEnv() *ProjEnv {
	return &ProjEnv{
		parent:     make(map[ProjID]ProjID),
		iterators:  make(map[ProjID]indexing.Sym),
		productDim: make(map[ProjID]int),
		nonProduct: make(map[ProjID]int),
	}
}

func (pe *ProjEnv) find(p ProjID) ProjID {
	root := p
	for {
		parent, ok := pe.parent[root]
		if !ok || parent == root {
			break
		}
		root = parent
	}
	// Path compression.
	for p != root {
		next := pe.parent[p]
		pe.parent[p] = root
		p = next
	}
	return root
}

func (pe *ProjEnv) union(p1, p2 ProjID) error {
	r1, r2 := pe.find(p1), pe.find(p2)
	if r1 == r2 {
		return nil
	}
	pe.parent[r2] = r1
	if n2, ok := pe.productDim[r2]; ok {
		delete(pe.productDim, r2)
		if n1, ok := pe.productDim[r1]; ok && n1 != n2 {
			return errors.Errorf("projection classes with sizes %d and %d cannot be merged", n1, n2)
		}
		pe.productDim[r1] = n2
	}
	if idx2, ok := pe.nonProduct[r2]; ok {
		delete(pe.nonProduct, r2)
		if idx1, ok := pe.nonProduct[r1]; ok && idx1 != idx2 {
			return errors.Errorf("projection class is fixed to both index %d and index %d", idx1, idx2)
		}
		pe.nonProduct[r1] = idx2
	}
	return nil
}

// SolveProjEquations resolves the equations of one operation into a
// projection environment. Equated classes are merged; a class pinned to
// an index becomes non-productive; every other class with an extent
// above 1 receives a fresh iterator.
func SolveProjEquations(eqs []ProjEquation) (*ProjEnv, error) {
	pe := newProjEnv()
	for _, eq := range eqs {
		switch et := eq.(type) {
		case Iterated:
			rep := pe.find(et.P)
			if n, ok := pe.productDim[rep]; ok && n != et.N {
				return nil, errors.Errorf("axis of size %d shares its projection with an axis of size %d", et.N, n)
			}
			pe.productDim[rep] = et.N
		case ProjEq:
			if err := pe.union(et.P1, et.P2); err != nil {
				return nil, err
			}
		case FixedProj:
			rep := pe.find(et.P)
			if idx, ok := pe.nonProduct[rep]; ok && idx != et.Idx {
				return nil, errors.Errorf("projection class is fixed to both index %d and index %d", idx, et.Idx)
			}
			pe.nonProduct[rep] = et.Idx
		}
	}
	for rep, n := range pe.productDim {
		if pe.find(rep) != rep {
			continue
		}
		if _, fixed := pe.nonProduct[rep]; fixed || n <= 1 {
			continue
		}
		pe.iterators[rep] = indexing.NewSym("i")
	}
	return pe, nil
}

// ProjIndex returns the index expression addressing one axis: index 0
// for a degenerate axis, the pinned index for a non-productive class,
// and the class iterator otherwise.
func (pe *ProjEnv) ProjIndex(d Dim) (indexing.AxisIndex, error) {
	sz, ok := d.(Size)
	if !ok {
		return nil, errors.Errorf("dimension %s has not been resolved", d)
	}
	if sz.N <= 1 {
		return indexing.FixedIdx(0), nil
	}
	rep := pe.find(sz.Proj)
	if idx, ok := pe.nonProduct[rep]; ok {
		return indexing.FixedIdx(idx), nil
	}
	it, ok := pe.iterators[rep]
	if !ok {
		return nil, errors.Errorf("axis %s belongs to no projection class", d)
	}
	return indexing.IterateOver(it), nil
}

// iterator returns the loop symbol of a class, if it has one.
func (pe *ProjEnv) iterator(d Dim) (indexing.Sym, int, bool) {
	sz, ok := d.(Size)
	if !ok || sz.N <= 1 {
		return indexing.Sym{}, 0, false
	}
	rep := pe.find(sz.Proj)
	it, ok := pe.iterators[rep]
	if !ok {
		return indexing.Sym{}, 0, false
	}
	return it, pe.productDim[rep], true
}

// ----------------------------------------------------------------------------
// Per-operation equations.

// alignRows emits equations pairing the trailing-aligned axes of a
// super row and a sub row. Degenerate sub axes broadcast and stay out
// of the super axis class.
func alignRows(eqs []ProjEquation, cur, subr *Row) []ProjEquation {
	nc, ns := len(cur.Dims), len(subr.Dims)
	for i := 1; i <= min(nc, ns); i++ {
		cd, cok := cur.Dims[nc-i].(Size)
		sd, sok := subr.Dims[ns-i].(Size)
		if !cok || !sok {
			continue
		}
		if cd.N == sd.N && cd.N > 1 {
			eqs = append(eqs, ProjEq{P1: cd.Proj, P2: sd.Proj})
		}
	}
	return eqs
}

// iterated declares every axis of a row as iterated.
func iterated(eqs []ProjEquation, rows ...*Row) []ProjEquation {
	for _, r := range rows {
		for _, d := range r.Dims {
			if sz, ok := d.(Size); ok {
				eqs = append(eqs, Iterated{P: sz.Proj, N: sz.N})
			}
		}
	}
	return eqs
}

// ProjEquationsOf extracts the projection equations of one operation
// from its logic, once shape inference has resolved every dimension.
func ProjEquationsOf(sh *Shape, l Logic) ([]ProjEquation, error) {
	var eqs []ProjEquation
	eqs = iterated(eqs, sh.Rows()...)
	switch lt := l.(type) {
	case Terminal:
		return eqs, nil
	case Transpose:
		return transposeEquations(eqs, sh, lt)
	case Broadcast:
		return broadcastEquations(eqs, sh, lt)
	}
	return nil, errors.Errorf("unknown shape logic %T", l)
}

func transposeEquations(eqs []ProjEquation, sh *Shape, lt Transpose) ([]ProjEquation, error) {
	sub := lt.Sub
	eqs = iterated(eqs, sub.Rows()...)
	switch k := lt.Kind.(type) {
	case TrPointwise:
		for _, kind := range []Kind{AxisBatch, AxisOutput, AxisInput} {
			eqs = alignRows(eqs, sh.Row(kind), sub.Row(kind))
		}
		return eqs, nil
	case TrTranspose:
		eqs = alignRows(eqs, sh.Batch, sub.Batch)
		eqs = alignRows(eqs, sh.Input, sub.Output)
		eqs = alignRows(eqs, sh.Output, sub.Input)
		return eqs, nil
	case TrPermute:
		spec, err := ParseEinsum(k.Spec)
		if err != nil {
			return nil, err
		}
		return einsumEquations(eqs, spec, sh, sub)
	case TrBatchSlice:
		if len(sub.Batch.Dims) == 0 {
			return nil, shapeErrorf(traceRows(sub.Batch), "batch slice of %s: no batch axis to slice", sub.Label)
		}
		idx, err := k.Idx.Value()
		if err != nil {
			return nil, err
		}
		if lead, ok := sub.Batch.Dims[0].(Size); ok {
			eqs = append(eqs, FixedProj{P: lead.Proj, Idx: idx})
		}
		sliced := &Row{Dims: sub.Batch.Dims[1:], Tail: Broadcastable{}}
		eqs = alignRows(eqs, sh.Batch, sliced)
		eqs = alignRows(eqs, sh.Input, sub.Input)
		eqs = alignRows(eqs, sh.Output, sub.Output)
		return eqs, nil
	}
	return nil, errors.Errorf("unknown transpose kind %T", lt.Kind)
}

func broadcastEquations(eqs []ProjEquation, sh *Shape, lt Broadcast) ([]ProjEquation, error) {
	sub1, sub2 := lt.Sub1, lt.Sub2
	eqs = iterated(eqs, sub1.Rows()...)
	eqs = iterated(eqs, sub2.Rows()...)
	switch k := lt.Kind.(type) {
	case CmpPointwise:
		for _, kind := range []Kind{AxisBatch, AxisOutput, AxisInput} {
			eqs = alignRows(eqs, sh.Row(kind), sub1.Row(kind))
			eqs = alignRows(eqs, sh.Row(kind), sub2.Row(kind))
		}
		return eqs, nil
	case CmpCompose:
		eqs = alignRows(eqs, sh.Batch, sub1.Batch)
		eqs = alignRows(eqs, sh.Batch, sub2.Batch)
		eqs = alignRows(eqs, sh.Output, sub1.Output)
		eqs = alignRows(eqs, sub1.Input, sub2.Output)
		eqs = alignRows(eqs, sh.Input, sub2.Input)
		return eqs, nil
	case CmpEinsum:
		spec, err := ParseEinsum(k.Spec)
		if err != nil {
			return nil, err
		}
		return einsumEquations(eqs, spec, sh, sub1, sub2)
	}
	return nil, errors.Errorf("unknown compose kind %T", lt.Kind)
}

// einsumEquations joins the classes of every axis occurrence sharing a
// label and pins digit-labeled axes to their index.
func einsumEquations(eqs []ProjEquation, spec *EinsumSpec, sh *Shape, subs ...*Shape) ([]ProjEquation, error) {
	sections := append([]EinsumAxes{}, spec.Operands...)
	shs := append([]*Shape{}, subs...)
	sections = append(sections, spec.Result)
	shs = append(shs, sh)
	classes := make(map[string]ProjID)
	for i, section := range sections {
		target := shs[i]
		for _, kind := range []Kind{AxisBatch, AxisOutput, AxisInput} {
			labels := section.Row(kind)
			row := target.Row(kind)
			if len(labels) > len(row.Dims) {
				return nil, shapeErrorf(traceRows(row), "einsum section names %d axes but %s has %d", len(labels), target.Label, len(row.Dims))
			}
			// Labels address the trailing axes of the row.
			dims := row.Dims[len(row.Dims)-len(labels):]
			for j, label := range labels {
				sz, ok := dims[j].(Size)
				if !ok {
					return nil, shapeErrorf(traceDims(dims[j]), "einsum axis %q has not been resolved", label)
				}
				if idx, fixed := spec.Fixed[label]; fixed {
					eqs = append(eqs, FixedProj{P: sz.Proj, Idx: idx})
					continue
				}
				if prev, ok := classes[label]; ok {
					eqs = append(eqs, ProjEq{P1: prev, P2: sz.Proj})
				} else {
					classes[label] = sz.Proj
				}
			}
		}
	}
	return eqs, nil
}

// ----------------------------------------------------------------------------
// Projections of one operation.

// InferProjections derives the iteration space and per-operand index
// functions of one operation. Shape inference must have finished: every
// dimension involved is concrete.
func InferProjections(sh *Shape, l Logic) (*indexing.Projections, error) {
	eqs, err := ProjEquationsOf(sh, l)
	if err != nil {
		return nil, err
	}
	pe, err := SolveProjEquations(eqs)
	if err != nil {
		return nil, err
	}
	proj := &indexing.Projections{DebugInfo: sh.Label}
	// Product axes: the result axes first, in physical order, then the
	// contraction axes only the operands iterate.
	seen := make(map[ProjID]bool)
	addIterator := func(d Dim) {
		it, n, ok := pe.iterator(d)
		if !ok {
			return
		}
		rep := pe.find(d.(Size).Proj)
		if seen[rep] {
			return
		}
		seen[rep] = true
		proj.Iterators = append(proj.Iterators, it)
		proj.Product = append(proj.Product, n)
	}
	resultOrder := []*Row{sh.Batch, sh.Output}
	for _, r := range resultOrder {
		for _, d := range r.Dims {
			addIterator(d)
		}
	}
	// Contraction axes sit between the result output and input axes.
	var contraction []Dim
	for _, sub := range operandsOf(l) {
		for _, r := range sub.Rows() {
			for _, d := range r.Dims {
				if it, _, ok := pe.iterator(d); ok && it.Valid() {
					contraction = append(contraction, d)
				}
			}
		}
	}
	resultClasses := make(map[ProjID]bool)
	for _, d := range sh.PhysicalAxes() {
		if sz, ok := d.(Size); ok && sz.N > 1 {
			resultClasses[pe.find(sz.Proj)] = true
		}
	}
	for _, d := range contraction {
		if !resultClasses[pe.find(d.(Size).Proj)] {
			addIterator(d)
		}
	}
	for _, d := range sh.Input.Dims {
		addIterator(d)
	}
	// Result index function.
	for _, d := range sh.PhysicalAxes() {
		idx, err := pe.ProjIndex(d)
		if err != nil {
			return nil, err
		}
		proj.LHS = append(proj.LHS, idx)
	}
	// Operand index functions.
	_, pointwise := operandPadding(l)
	for _, sub := range operandsOf(l) {
		rhs, err := operandIndices(pe, sh, sub, l, pointwise)
		if err != nil {
			return nil, err
		}
		proj.RHS = append(proj.RHS, rhs)
	}
	return proj, nil
}

func operandsOf(l Logic) []*Shape {
	switch lt := l.(type) {
	case Transpose:
		return []*Shape{lt.Sub}
	case Broadcast:
		return []*Shape{lt.Sub1, lt.Sub2}
	}
	return nil
}

func operandPadding(l Logic) (Logic, bool) {
	switch lt := l.(type) {
	case Transpose:
		_, ok := lt.Kind.(TrPointwise)
		return l, ok
	case Broadcast:
		_, ok := lt.Kind.(CmpPointwise)
		return l, ok
	}
	return l, false
}

// operandIndices builds the index vector of one operand. The batch row
// is padded with leading zero indices up to the arity of the result
// batch row; for pointwise operations the output and input rows pad the
// same way.
func operandIndices(pe *ProjEnv, sh, sub *Shape, l Logic, pointwise bool) ([]indexing.AxisIndex, error) {
	var idcs []indexing.AxisIndex
	pad := func(resultRow, subRow *Row, alwaysPad bool) error {
		if alwaysPad || pointwise {
			for i := len(subRow.Dims); i < len(resultRow.Dims); i++ {
				idcs = append(idcs, indexing.FixedIdx(0))
			}
		}
		for _, d := range subRow.Dims {
			idx, err := pe.ProjIndex(d)
			if err != nil {
				return err
			}
			idcs = append(idcs, idx)
		}
		return nil
	}
	if err := pad(sh.Batch, sub.Batch, true); err != nil {
		return nil, err
	}
	if err := pad(sh.Output, sub.Output, false); err != nil {
		return nil, err
	}
	if err := pad(sh.Input, sub.Input, false); err != nil {
		return nil, err
	}
	return idcs, nil
}
