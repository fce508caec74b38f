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
	"strconv"
	"strings"

	"github.com/arrc-org/arrc/indexing"
)

// StmtString renders a statement tree, one statement per line, indented
// by loop depth. The rendering is structural: two trees render equally
// iff they are the same program.
func StmtString(s Stmt) string {
	var sb strings.Builder
	writeStmt(&sb, s, 0)
	return sb.String()
}

// ExprString renders an expression.
func ExprString(e Expr) string {
	var sb strings.Builder
	writeExpr(&sb, e, 0)
	return sb.String()
}

func indent(sb *strings.Builder, depth int) {
	for range depth {
		sb.WriteString("  ")
	}
}

func writeStmt(sb *strings.Builder, s Stmt, depth int) {
	switch st := s.(type) {
	case *Noop:
		indent(sb, depth)
		sb.WriteString("noop\n")
	case *Seq:
		for _, sub := range st.Stmts {
			writeStmt(sb, sub, depth)
		}
	case *For:
		indent(sb, depth)
		trace := ""
		if !st.TraceIt {
			trace = " notrace"
		}
		fmt.Fprintf(sb, "for %s = %d..%d%s {\n", st.Index, st.From, st.To, trace)
		writeStmt(sb, st.Body, depth+1)
		indent(sb, depth)
		sb.WriteString("}\n")
	case *ZeroOut:
		indent(sb, depth)
		fmt.Fprintf(sb, "zero %s\n", st.T)
	case *Set:
		indent(sb, depth)
		fmt.Fprintf(sb, "%s%s := ", st.T, indexing.IndexString(st.Idcs))
		writeExpr(sb, st.Value, depth)
		sb.WriteString("\n")
	case *SetLocal:
		indent(sb, depth)
		fmt.Fprintf(sb, "local%d := ", uint64(st.Scope.ID))
		writeExpr(sb, st.Value, depth)
		sb.WriteString("\n")
	case *Comment:
		indent(sb, depth)
		fmt.Fprintf(sb, "# %s\n", st.Text)
	case *StagedCallback:
		indent(sb, depth)
		fmt.Fprintf(sb, "staged %q\n", st.Name)
	default:
		indent(sb, depth)
		fmt.Fprintf(sb, "?stmt(%T)\n", s)
	}
}

func writeExpr(sb *strings.Builder, e Expr, depth int) {
	switch et := e.(type) {
	case *Const:
		sb.WriteString(strconv.FormatFloat(et.V, 'g', -1, 64))
	case *Get:
		fmt.Fprintf(sb, "%s%s", et.T, indexing.IndexString(et.Idcs))
	case *GetLocal:
		fmt.Fprintf(sb, "local%d", uint64(et.Scope.ID))
	case *GetGlobal:
		sb.WriteString(et.Ident)
		if len(et.Idcs) > 0 {
			sb.WriteString(indexing.IndexString(et.Idcs))
		}
	case *EmbedIndex:
		fmt.Fprintf(sb, "idx(%s)", et.Idx)
	case *Binop:
		sb.WriteString("(")
		writeExpr(sb, et.A, depth)
		fmt.Fprintf(sb, " %s ", et.Op)
		writeExpr(sb, et.B, depth)
		sb.WriteString(")")
	case *Unop:
		fmt.Fprintf(sb, "%s(", et.Op)
		writeExpr(sb, et.X, depth)
		sb.WriteString(")")
	case *LocalScope:
		fmt.Fprintf(sb, "scope%d%s {\n", uint64(et.ID.ID), indexing.IndexString(et.OrigIndices))
		writeStmt(sb, et.Body, depth+1)
		indent(sb, depth)
		sb.WriteString("}")
	default:
		fmt.Fprintf(sb, "?expr(%T)", e)
	}
}
