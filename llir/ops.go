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

package llir

import (
	"fmt"
	"math"
)

// BinOp is a binary scalar operator.
type BinOp int

// Binary operators.
const (
	BinAdd BinOp = iota
	BinSub
	BinMul
	BinDiv
	// BinPow raises the first argument to the power of the second.
	BinPow
	BinMax
	BinMin
	// BinReluGate passes the second argument where the first is
	// positive, zero elsewhere.
	BinReluGate
	// BinArg1 and BinArg2 project one argument; they appear as neutral
	// combinators when an accumulation does not combine.
	BinArg1
	BinArg2
)

// String representation of the operator.
func (op BinOp) String() string {
	switch op {
	case BinAdd:
		return "+"
	case BinSub:
		return "-"
	case BinMul:
		return "*"
	case BinDiv:
		return "/"
	case BinPow:
		return "**"
	case BinMax:
		return "max"
	case BinMin:
		return "min"
	case BinReluGate:
		return "-?/"
	case BinArg1:
		return "arg1"
	case BinArg2:
		return "arg2"
	}
	return fmt.Sprintf("binop(%d)", int(op))
}

// Eval interprets the operator on concrete values.
func (op BinOp) Eval(a, b float64) float64 {
	switch op {
	case BinAdd:
		return a + b
	case BinSub:
		return a - b
	case BinMul:
		return a * b
	case BinDiv:
		return a / b
	case BinPow:
		return math.Pow(a, b)
	case BinMax:
		return math.Max(a, b)
	case BinMin:
		return math.Min(a, b)
	case BinReluGate:
		if a > 0 {
			return b
		}
		return 0
	case BinArg1:
		return a
	case BinArg2:
		return b
	}
	return math.NaN()
}

// Neutral returns the accumulation identity of the operator and whether
// it has one.
func (op BinOp) Neutral() (float64, bool) {
	switch op {
	case BinAdd, BinSub:
		return 0, true
	case BinMul, BinDiv:
		return 1, true
	case BinMax:
		return math.Inf(-1), true
	case BinMin:
		return math.Inf(1), true
	}
	return 0, false
}

// UnOp is a unary scalar operator.
type UnOp int

// Unary operators.
const (
	UnIdentity UnOp = iota
	UnNeg
	UnExp
	UnLog
	UnRelu
	// UnRecip is the multiplicative inverse.
	UnRecip
	UnSqrt
)

// String representation of the operator.
func (op UnOp) String() string {
	switch op {
	case UnIdentity:
		return "id"
	case UnNeg:
		return "neg"
	case UnExp:
		return "exp"
	case UnLog:
		return "log"
	case UnRelu:
		return "relu"
	case UnRecip:
		return "recip"
	case UnSqrt:
		return "sqrt"
	}
	return fmt.Sprintf("unop(%d)", int(op))
}

// Eval interprets the operator on a concrete value.
func (op UnOp) Eval(x float64) float64 {
	switch op {
	case UnIdentity:
		return x
	case UnNeg:
		return -x
	case UnExp:
		return math.Exp(x)
	case UnLog:
		return math.Log(x)
	case UnRelu:
		return math.Max(0, x)
	case UnRecip:
		return 1 / x
	case UnSqrt:
		return math.Sqrt(x)
	}
	return math.NaN()
}
