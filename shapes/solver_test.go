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

package shapes_test

import (
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/arrc-org/arrc/shapes"
)

func physicalDims(t *testing.T, sh *shapes.Shape) []int {
	t.Helper()
	dims, err := sh.PhysicalDims()
	if err != nil {
		t.Fatalf("shape %s has not been resolved: %v", sh, err)
	}
	return dims
}

func TestPointwiseBroadcast(t *testing.T) {
	tests := []struct {
		desc         string
		batch1, out1 []int
		batch2, out2 []int
		want         []int
	}{
		{
			desc:   "same shapes",
			batch1: []int{2}, out1: []int{3},
			batch2: []int{2}, out2: []int{3},
			want: []int{2, 3},
		},
		{
			desc:   "batch broadcast",
			batch1: []int{}, out1: []int{3},
			batch2: []int{2}, out2: []int{3},
			want: []int{2, 3},
		},
		{
			desc:   "degenerate axis broadcast",
			batch1: []int{2}, out1: []int{1},
			batch2: []int{2}, out2: []int{3},
			want: []int{2, 3},
		},
	}
	for _, test := range tests {
		t.Run(test.desc, func(t *testing.T) {
			env := shapes.NewEnv()
			sub1 := shapes.NewShapeOf("a", test.batch1, nil, test.out1)
			sub2 := shapes.NewShapeOf("b", test.batch2, nil, test.out2)
			result := shapes.NewShape("t")
			logic := shapes.Broadcast{Kind: shapes.CmpPointwise{}, Sub1: sub1, Sub2: sub2}
			if err := shapes.Propagate(env, result, logic); err != nil {
				t.Fatalf("propagate: %v", err)
			}
			if err := env.Finish(result, sub1, sub2); err != nil {
				t.Fatalf("finish: %v", err)
			}
			if diff := cmp.Diff(test.want, physicalDims(t, result)); diff != "" {
				t.Errorf("result dims mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestPointwiseMismatch(t *testing.T) {
	env := shapes.NewEnv()
	sub1 := shapes.NewShapeOf("a", nil, nil, []int{3})
	sub2 := shapes.NewShapeOf("b", nil, nil, []int{4})
	result := shapes.NewShape("t")
	logic := shapes.Broadcast{Kind: shapes.CmpPointwise{}, Sub1: sub1, Sub2: sub2}
	err := shapes.Propagate(env, result, logic)
	if err == nil {
		err = env.Finish(result, sub1, sub2)
	}
	if err == nil {
		t.Fatalf("broadcasting axes of size 3 and 4 did not fail")
	}
	if !strings.Contains(err.Error(), "mismatch") {
		t.Errorf("error %q does not mention the mismatch", err)
	}
}

func TestCompose(t *testing.T) {
	env := shapes.NewEnv()
	sub1 := shapes.NewShapeOf("w1", nil, []int{3}, []int{2})
	sub2 := shapes.NewShapeOf("w2", nil, []int{4}, []int{3})
	result := shapes.NewShape("t")
	logic := shapes.Broadcast{Kind: shapes.CmpCompose{}, Sub1: sub1, Sub2: sub2}
	if err := shapes.Propagate(env, result, logic); err != nil {
		t.Fatalf("propagate: %v", err)
	}
	if err := env.Finish(result, sub1, sub2); err != nil {
		t.Fatalf("finish: %v", err)
	}
	// Physical order is batch, output, input: 2 rows out, 4 columns in.
	if diff := cmp.Diff([]int{2, 4}, physicalDims(t, result)); diff != "" {
		t.Errorf("result dims mismatch (-want +got):\n%s", diff)
	}
}

func TestComposeContractionMismatch(t *testing.T) {
	env := shapes.NewEnv()
	sub1 := shapes.NewShapeOf("w1", nil, []int{3}, []int{2})
	sub2 := shapes.NewShapeOf("w2", nil, []int{4}, []int{5})
	result := shapes.NewShape("t")
	logic := shapes.Broadcast{Kind: shapes.CmpCompose{}, Sub1: sub1, Sub2: sub2}
	err := shapes.Propagate(env, result, logic)
	if err == nil {
		err = env.Finish(result, sub1, sub2)
	}
	if err == nil {
		t.Fatalf("contracting axes of size 3 and 5 did not fail")
	}
}

func TestTranspose(t *testing.T) {
	env := shapes.NewEnv()
	sub := shapes.NewShapeOf("w", []int{5}, []int{3}, []int{2})
	result := shapes.NewShape("t")
	logic := shapes.Transpose{Kind: shapes.TrTranspose{}, Sub: sub}
	if err := shapes.Propagate(env, result, logic); err != nil {
		t.Fatalf("propagate: %v", err)
	}
	if err := env.Finish(result, sub); err != nil {
		t.Fatalf("finish: %v", err)
	}
	if diff := cmp.Diff([]int{5, 3, 2}, physicalDims(t, result)); diff != "" {
		t.Errorf("result dims mismatch (-want +got):\n%s", diff)
	}
}

func TestTotalElems(t *testing.T) {
	tests := []struct {
		desc    string
		dims    []int
		total   int
		want    []int
		wantErr bool
	}{
		{desc: "divides", dims: []int{2, 0, 5}, total: 30, want: []int{2, 3, 5}},
		{desc: "exact", dims: []int{2, 3}, total: 6, want: []int{2, 3}},
		{desc: "does not divide", dims: []int{2, 0, 5}, total: 31, wantErr: true},
		{desc: "wrong total", dims: []int{2, 3}, total: 7, wantErr: true},
	}
	for _, test := range tests {
		t.Run(test.desc, func(t *testing.T) {
			env := shapes.NewEnv()
			sh := shapes.NewShape("t")
			// A zero in dims stands for an unknown dimension.
			var dims []shapes.Dim
			for _, d := range test.dims {
				if d == 0 {
					dims = append(dims, shapes.NewDimVar("v"))
				} else {
					dims = append(dims, shapes.NewSize(d, ""))
				}
			}
			row := shapes.ClosedRow(shapes.RowID{ShapeID: sh.ID, Kind: shapes.AxisOutput}, dims...)
			cs := []shapes.Constraint{
				shapes.RowEq{R1: sh.Output, R2: row},
				shapes.RowConstr{Row: sh.Output, Constr: shapes.TotalElems{N: test.total}},
			}
			err := env.Solve(cs)
			if err == nil {
				err = env.Finish(sh)
			}
			if test.wantErr {
				if err == nil {
					t.Fatalf("solving %v under total %d did not fail", test.dims, test.total)
				}
				return
			}
			if err != nil {
				t.Fatalf("solve: %v", err)
			}
			if diff := cmp.Diff(test.want, physicalDims(t, sh)); diff != "" {
				t.Errorf("dims mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestLabelMismatch(t *testing.T) {
	env := shapes.NewEnv()
	cs := []shapes.Constraint{
		shapes.DimEq{D1: shapes.NewDimVar("v"), D2: shapes.NewSize(3, "features")},
		shapes.DimEq{D1: shapes.NewDimVar("w"), D2: shapes.NewSize(4, "features")},
	}
	if err := env.Solve(cs); err == nil {
		t.Fatalf("two sizes labeled \"features\" did not conflict")
	}
}

func TestInfiniteAxes(t *testing.T) {
	env := shapes.NewEnv()
	sh := shapes.NewShape("t")
	longer := &shapes.Row{
		Dims:   []shapes.Dim{shapes.NewSize(2, "")},
		Tail:   sh.Output.Tail,
		ID:     sh.Output.ID,
		Constr: shapes.Unconstrained{},
	}
	err := env.Solve([]shapes.Constraint{shapes.RowEq{R1: sh.Output, R2: longer}})
	if err == nil {
		t.Fatalf("row equated with its own extension did not fail the occurs check")
	}
	if !strings.Contains(err.Error(), "infinitely") {
		t.Errorf("error %q does not mention infinite axes", err)
	}
}

// TestFinishLeavesNoVariables checks that finishing resolves every
// dimension, with unbounded variables closed at the neutral value.
func TestFinishLeavesNoVariables(t *testing.T) {
	env := shapes.NewEnv()
	sub := shapes.NewShapeOf("a", nil, nil, []int{3})
	result := shapes.NewShape("t")
	logic := shapes.Transpose{Kind: shapes.TrPointwise{}, Sub: sub}
	if err := shapes.Propagate(env, result, logic); err != nil {
		t.Fatalf("propagate: %v", err)
	}
	if err := env.Finish(result, sub); err != nil {
		t.Fatalf("finish: %v", err)
	}
	for _, sh := range []*shapes.Shape{result, sub} {
		if _, err := sh.PhysicalDims(); err != nil {
			t.Errorf("shape %s still has variables after finish: %v", sh, err)
		}
	}
	if n := env.NumDeferred(); n != 0 {
		t.Errorf("%d constraints remain after finish", n)
	}
}

// TestPropagateFixedPoint checks that re-running propagation on a
// finished system produces no new constraints.
func TestPropagateFixedPoint(t *testing.T) {
	env := shapes.NewEnv()
	sub1 := shapes.NewShapeOf("a", []int{2}, nil, []int{3})
	sub2 := shapes.NewShapeOf("b", []int{2}, nil, []int{3})
	result := shapes.NewShape("t")
	logic := shapes.Broadcast{Kind: shapes.CmpPointwise{}, Sub1: sub1, Sub2: sub2}
	if err := shapes.Propagate(env, result, logic); err != nil {
		t.Fatalf("propagate: %v", err)
	}
	if err := env.Finish(result, sub1, sub2); err != nil {
		t.Fatalf("finish: %v", err)
	}
	before := physicalDims(t, result)
	if err := shapes.Propagate(env, result, logic); err != nil {
		t.Fatalf("second propagate: %v", err)
	}
	if n := env.NumDeferred(); n != 0 {
		t.Errorf("%d constraints deferred after re-propagating a finished system", n)
	}
	if diff := cmp.Diff(before, physicalDims(t, result)); diff != "" {
		t.Errorf("re-propagation changed the dims (-before +after):\n%s", diff)
	}
}
