// Copyright 2023-2024 daviszhen
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package compute

import (
	"github.com/Stars1233/datafusion/pkg/chunk"
)

// PruningPredicate decides from per-column statistics that a batch
// has no row satisfying a predicate. Parts it does not understand
// never prune.
type PruningPredicate struct {
	_expr *Expr
}

func NewPruningPredicate(expr *Expr) *PruningPredicate {
	return &PruningPredicate{_expr: expr}
}

func (pp *PruningPredicate) Expr() *Expr {
	return pp._expr
}

// Prune reports that no row of the batch described by stats can
// satisfy the predicate.
func (pp *PruningPredicate) Prune(stats []chunk.ColumnStats) bool {
	return pruneExpr(pp._expr, stats)
}

func pruneExpr(e *Expr, stats []chunk.ColumnStats) bool {
	if e == nil || e.Typ != ET_Func {
		if e != nil && e.Typ == ET_BConst {
			return !e.Bvalue
		}
		if e != nil && e.Typ == ET_NConst {
			return true
		}
		return false
	}
	switch e.SubTyp {
	case ET_And:
		return pruneExpr(e.Children[0], stats) || pruneExpr(e.Children[1], stats)
	case ET_Or:
		return pruneExpr(e.Children[0], stats) && pruneExpr(e.Children[1], stats)
	case ET_IsNull:
		st := columnStats(e.Children[0], stats)
		return st != nil && st.NullCount == 0
	case ET_IsNotNull:
		st := columnStats(e.Children[0], stats)
		return st != nil && st.AllNull()
	}
	if !e.SubTyp.isCompare() {
		return false
	}
	op := e.SubTyp
	col, val := e.Children[0], e.Children[1]
	if col.Typ != ET_Column {
		col, val = val, col
		op = op.flip()
	}
	if col.Typ != ET_Column || !val.IsConst() {
		return false
	}
	st := columnStats(col, stats)
	if st == nil {
		return false
	}
	cv := val.ConstValue()
	//comparisons with null are never true
	if cv.IsNull || st.AllNull() {
		return true
	}
	if !cv.Typ.Equal(st.Min.Typ) && !(cv.Typ.IsNumeric() && st.Min.Typ.IsNumeric()) {
		return false
	}
	minCmp := compareMixed(st.Min, cv)
	maxCmp := compareMixed(st.Max, cv)
	switch op {
	case ET_Equal:
		return minCmp > 0 || maxCmp < 0
	case ET_NotEqual:
		return minCmp == 0 && maxCmp == 0
	case ET_Less:
		return minCmp >= 0
	case ET_LessEqual:
		return minCmp > 0
	case ET_Greater:
		return maxCmp <= 0
	case ET_GreaterEqual:
		return maxCmp < 0
	}
	return false
}

func columnStats(e *Expr, stats []chunk.ColumnStats) *chunk.ColumnStats {
	if e.Typ != ET_Column || e.ColIdx < 0 || e.ColIdx >= len(stats) {
		return nil
	}
	return &stats[e.ColIdx]
}
