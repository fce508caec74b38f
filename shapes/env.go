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
	"golang.org/x/exp/maps"

	"github.com/arrc-org/arrc/base/uid"
)

type (
	// dimEntry is what the environment knows about a dimension variable.
	dimEntry struct {
		// solved is non-nil once the variable has been substituted.
		solved Dim
		// cur lists variables known to be supertypes of this one,
		// subr lists known subtypes. Bounds are transitive: solving the
		// variable replays them as inequalities on the solution.
		cur  []DimVar
		subr []DimVar
		// lub is the tightest concrete upper bound seen so far.
		lub *Size
	}

	// rowExt is the extension a row variable is substituted with.
	rowExt struct {
		dims []Dim
		tail RowTail
	}

	// rowEntry is what the environment knows about a row variable.
	rowEntry struct {
		solved *rowExt
		cur    []RowVar
		subr   []RowVar
		// lub bounds the extension dimension-wise, trailing-aligned.
		lub []Dim
	}

	templateKey struct {
		rowVar uid.ID
		delta  int
	}

	// Env is the state of one shape inference run: variable bindings,
	// transitive bounds, the row extension template cache and deferred
	// constraints.
	Env struct {
		dims      map[uid.ID]*dimEntry
		rows      map[uid.ID]*rowEntry
		labels    map[string]int
		templates map[templateKey]*rowExt
		deferred  []Constraint
		finishing bool
	}
)

// NewEnv returns an empty inference environment.
func NewEnv() *Env {
	e := &Env{}
	e.Reset()
	return e
}

// Reset clears all inference state. Shapes already materialized keep
// their resolved dimensions; only variable bindings are dropped.
func (e *Env) Reset() {
	e.dims = make(map[uid.ID]*dimEntry)
	e.rows = make(map[uid.ID]*rowEntry)
	e.labels = make(map[string]int)
	e.templates = make(map[templateKey]*rowExt)
	e.deferred = nil
	e.finishing = false
}

// NumDeferred returns how many constraints are still awaiting more
// information. A finished system has none.
func (e *Env) NumDeferred() int {
	return len(e.deferred)
}

func (e *Env) dimEntry(id uid.ID) *dimEntry {
	ent, ok := e.dims[id]
	if !ok {
		ent = &dimEntry{}
		e.dims[id] = ent
	}
	return ent
}

func (e *Env) rowEntry(id uid.ID) *rowEntry {
	ent, ok := e.rows[id]
	if !ok {
		ent = &rowEntry{}
		e.rows[id] = ent
	}
	return ent
}

// resolveDim follows variable substitutions until a concrete dimension
// or an unsolved variable is reached.
func (e *Env) resolveDim(d Dim) Dim {
	for {
		v, ok := d.(DimVar)
		if !ok {
			return d
		}
		ent, ok := e.dims[v.ID]
		if !ok || ent.solved == nil {
			return d
		}
		d = ent.solved
	}
}

// expandRow splices solved row variables into the row and resolves every
// dimension. The row is mutated in place: this is how shapes converge to
// their final form.
func (e *Env) expandRow(r *Row) {
	for {
		v, ok := r.Tail.(RowVar)
		if !ok {
			break
		}
		ent, ok := e.rows[v.ID]
		if !ok || ent.solved == nil {
			break
		}
		r.Dims = append(append([]Dim{}, ent.solved.dims...), r.Dims...)
		r.Tail = ent.solved.tail
	}
	for i, d := range r.Dims {
		r.Dims[i] = e.resolveDim(d)
	}
}

// checkLabel enforces that equally labeled concrete dimensions share a
// size across the whole system.
func (e *Env) checkLabel(d Size) error {
	if d.Label == "" {
		return nil
	}
	prev, ok := e.labels[d.Label]
	if !ok {
		e.labels[d.Label] = d.N
		return nil
	}
	if prev != d.N {
		return shapeErrorf(traceDims(d), "label %q is used for size %d and size %d", d.Label, prev, d.N)
	}
	return nil
}

// template returns the extension splicing delta fresh leading axes onto
// a row variable. The result is cached so that requesting the same
// extension twice reuses the same fresh variables.
func (e *Env) template(rv RowVar, delta int) *rowExt {
	key := templateKey{rowVar: rv.ID, delta: delta}
	if ext, ok := e.templates[key]; ok {
		return ext
	}
	dims := make([]Dim, delta)
	for i := range dims {
		dims[i] = NewDimVar(rv.Label)
	}
	ext := &rowExt{dims: dims, tail: NewRowVar(rv.Label)}
	e.templates[key] = ext
	return ext
}

// rowOfTail wraps a bare row tail so it can be pushed as a constraint side.
func rowOfTail(t RowTail) *Row {
	return &Row{Tail: t, Constr: Unconstrained{}}
}

func dimVarIn(vs []DimVar, v DimVar) bool {
	for _, o := range vs {
		if o.ID == v.ID {
			return true
		}
	}
	return false
}

func rowVarIn(vs []RowVar, v RowVar) bool {
	for _, o := range vs {
		if o.ID == v.ID {
			return true
		}
	}
	return false
}

// dump returns the environment contents for debug logs.
func (e *Env) dump() (dims []uid.ID, rows []uid.ID) {
	dims = maps.Keys(e.dims)
	rows = maps.Keys(e.rows)
	return dims, rows
}
