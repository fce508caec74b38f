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
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// EinsumAxes are the axis labels of one operand, split by row kind and
// listed leftmost first.
type EinsumAxes struct {
	Batch  []string
	Input  []string
	Output []string
}

// Labels returns every label of the operand, without duplicates removed.
func (a EinsumAxes) Labels() []string {
	labels := append([]string{}, a.Batch...)
	labels = append(labels, a.Output...)
	return append(labels, a.Input...)
}

// Row returns the labels of the given row kind.
func (a EinsumAxes) Row(k Kind) []string {
	switch k {
	case AxisBatch:
		return a.Batch
	case AxisInput:
		return a.Input
	case AxisOutput:
		return a.Output
	}
	return nil
}

// EinsumSpec is a parsed einsum specification: the axis labels of each
// operand and of the result, plus the labels that stand for a fixed
// index rather than an iterated axis.
type EinsumSpec struct {
	Operands []EinsumAxes
	Result   EinsumAxes
	// Fixed maps a numeric label to the index it pins the axis to.
	Fixed map[string]int
}

// ParseEinsum parses a specification of the form
//
//	"operand1;operand2=>result"
//
// Sections are separated by ";" for multiple operands, and "=>"
// separates the operands from the result. Within a section, "|"
// separates batch axes from the rest and "->" separates input axes from
// output axes. Axis labels are separated by spaces, commas or
// parentheses; if a section carries no separator at all, every character
// is one label. A numeric label fixes the axis to that index.
func ParseEinsum(spec string) (*EinsumSpec, error) {
	lhs, rhs, ok := strings.Cut(spec, "=>")
	if !ok {
		return nil, errors.Errorf("einsum spec %q: missing \"=>\"", spec)
	}
	parsed := &EinsumSpec{Fixed: make(map[string]int)}
	for _, section := range strings.Split(lhs, ";") {
		axes, err := parsed.parseSection(spec, section)
		if err != nil {
			return nil, err
		}
		parsed.Operands = append(parsed.Operands, axes)
	}
	var err error
	parsed.Result, err = parsed.parseSection(spec, rhs)
	if err != nil {
		return nil, err
	}
	if err := parsed.checkLabelSets(spec); err != nil {
		return nil, err
	}
	return parsed, nil
}

func (p *EinsumSpec) parseSection(spec, section string) (EinsumAxes, error) {
	var axes EinsumAxes
	batch, rest, hasBatch := strings.Cut(section, "|")
	if !hasBatch {
		batch, rest = "", section
	}
	input, output, hasArrow := strings.Cut(rest, "->")
	if !hasArrow {
		input, output = "", rest
	}
	var err error
	if axes.Batch, err = p.parseAxes(spec, batch); err != nil {
		return axes, err
	}
	if axes.Input, err = p.parseAxes(spec, input); err != nil {
		return axes, err
	}
	if axes.Output, err = p.parseAxes(spec, output); err != nil {
		return axes, err
	}
	return axes, nil
}

func (p *EinsumSpec) parseAxes(spec, s string) ([]string, error) {
	var labels []string
	if strings.ContainsAny(s, " \t,()") {
		labels = strings.FieldsFunc(s, func(r rune) bool {
			switch r {
			case ' ', '\t', ',', '(', ')':
				return true
			}
			return false
		})
	} else {
		for _, r := range strings.TrimSpace(s) {
			labels = append(labels, string(r))
		}
	}
	for _, label := range labels {
		first := rune(label[0])
		if first < '0' || first > '9' {
			continue
		}
		idx, err := strconv.Atoi(label)
		if err != nil {
			return nil, errors.Errorf("einsum spec %q: invalid fixed index %q", spec, label)
		}
		p.Fixed[label] = idx
	}
	return labels, nil
}

// checkLabelSets verifies that the symmetric difference of the operand
// label sets equals the result label set: a label appearing in exactly
// one operand must appear in the result, a label shared by two operands
// is contracted and must not.
func (p *EinsumSpec) checkLabelSets(spec string) error {
	counts := make(map[string]int)
	for _, op := range p.Operands {
		seen := make(map[string]bool)
		for _, label := range op.Labels() {
			if p.isFixed(label) || seen[label] {
				continue
			}
			seen[label] = true
			counts[label]++
		}
	}
	result := make(map[string]bool)
	for _, label := range p.Result.Labels() {
		if p.isFixed(label) {
			continue
		}
		result[label] = true
	}
	for label, n := range counts {
		inResult := result[label]
		if n%2 == 1 && !inResult {
			return errors.Errorf("einsum spec %q: label %q appears in the operands but not in the result", spec, label)
		}
		if n%2 == 0 && inResult {
			return errors.Errorf("einsum spec %q: label %q is contracted and cannot appear in the result", spec, label)
		}
		delete(result, label)
	}
	for label := range result {
		return errors.Errorf("einsum spec %q: result label %q does not appear in any operand", spec, label)
	}
	return nil
}

func (p *EinsumSpec) isFixed(label string) bool {
	_, ok := p.Fixed[label]
	return ok
}
