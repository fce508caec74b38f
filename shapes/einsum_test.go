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
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/arrc-org/arrc/shapes"
)

func TestParseEinsum(t *testing.T) {
	tests := []struct {
		spec string
		want *shapes.EinsumSpec
	}{
		{
			spec: "ik;kj=>ij",
			want: &shapes.EinsumSpec{
				Operands: []shapes.EinsumAxes{
					{Output: []string{"i", "k"}},
					{Output: []string{"k", "j"}},
				},
				Result: shapes.EinsumAxes{Output: []string{"i", "j"}},
				Fixed:  map[string]int{},
			},
		},
		{
			spec: "b|i->o;o->p=>b|i->p",
			want: &shapes.EinsumSpec{
				Operands: []shapes.EinsumAxes{
					{Batch: []string{"b"}, Input: []string{"i"}, Output: []string{"o"}},
					{Input: []string{"o"}, Output: []string{"p"}},
				},
				Result: shapes.EinsumAxes{Batch: []string{"b"}, Input: []string{"i"}, Output: []string{"p"}},
				Fixed:  map[string]int{},
			},
		},
		{
			spec: "row, col=>col, row",
			want: &shapes.EinsumSpec{
				Operands: []shapes.EinsumAxes{
					{Output: []string{"row", "col"}},
				},
				Result: shapes.EinsumAxes{Output: []string{"col", "row"}},
				Fixed:  map[string]int{},
			},
		},
		{
			spec: "0i=>i",
			want: &shapes.EinsumSpec{
				Operands: []shapes.EinsumAxes{
					{Output: []string{"0", "i"}},
				},
				Result: shapes.EinsumAxes{Output: []string{"i"}},
				Fixed:  map[string]int{"0": 0},
			},
		},
	}
	for _, test := range tests {
		t.Run(test.spec, func(t *testing.T) {
			got, err := shapes.ParseEinsum(test.spec)
			if err != nil {
				t.Fatalf("parse %q: %v", test.spec, err)
			}
			if diff := cmp.Diff(test.want, got); diff != "" {
				t.Errorf("parse %q mismatch (-want +got):\n%s", test.spec, diff)
			}
		})
	}
}

func TestParseEinsumErrors(t *testing.T) {
	tests := []struct {
		desc string
		spec string
	}{
		{desc: "missing arrow", spec: "ik;kj"},
		{desc: "contracted label in result", spec: "ik;kj=>ikj"},
		{desc: "free label dropped", spec: "ik;kj=>i"},
		{desc: "unknown result label", spec: "ik;kj=>iq"},
	}
	for _, test := range tests {
		t.Run(test.desc, func(t *testing.T) {
			if _, err := shapes.ParseEinsum(test.spec); err == nil {
				t.Errorf("parse %q did not fail", test.spec)
			}
		})
	}
}
