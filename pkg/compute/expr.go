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
	"fmt"
	"strings"

	"github.com/huandu/go-clone"
	"github.com/xlab/treeprint"

	"github.com/Stars1233/datafusion/pkg/chunk"
	"github.com/Stars1233/datafusion/pkg/common"
)

type ET int

const (
	ET_Column ET = iota //column
	ET_IConst           //integer
	ET_DecConst         //decimal
	ET_SConst           //string
	ET_FConst           //float
	ET_BConst           //boolean
	ET_NConst           //null
	ET_Func
)

var etToStr = map[ET]string{
	ET_Column:   "column",
	ET_IConst:   "iconst",
	ET_DecConst: "decconst",
	ET_SConst:   "sconst",
	ET_FConst:   "fconst",
	ET_BConst:   "bconst",
	ET_NConst:   "nconst",
	ET_Func:     "func",
}

func (et ET) String() string {
	if s, has := etToStr[et]; has {
		return s
	}
	panic(fmt.Sprintf("usp %d", et))
}

type ET_SubTyp int

const (
	ET_Invalid ET_SubTyp = iota
	//arithmetic
	ET_Add
	ET_Sub
	ET_Mul
	//comparison
	ET_Equal
	ET_NotEqual
	ET_Greater
	ET_GreaterEqual
	ET_Less
	ET_LessEqual
	//logical
	ET_And
	ET_Or
	ET_Not
	ET_IsNull
	ET_IsNotNull
)

var subTypToStr = map[ET_SubTyp]string{
	ET_Add:          "+",
	ET_Sub:          "-",
	ET_Mul:          "*",
	ET_Equal:        "=",
	ET_NotEqual:     "<>",
	ET_Greater:      ">",
	ET_GreaterEqual: ">=",
	ET_Less:         "<",
	ET_LessEqual:    "<=",
	ET_And:          "and",
	ET_Or:           "or",
	ET_Not:          "not",
	ET_IsNull:       "is null",
	ET_IsNotNull:    "is not null",
}

func (et ET_SubTyp) String() string {
	if s, has := subTypToStr[et]; has {
		return s
	}
	panic(fmt.Sprintf("usp %d", et))
}

func (et ET_SubTyp) isCompare() bool {
	return et >= ET_Equal && et <= ET_LessEqual
}

func (et ET_SubTyp) isArith() bool {
	return et >= ET_Add && et <= ET_Mul
}

// flip gives the operator with swapped operands. a < b is b > a.
func (et ET_SubTyp) flip() ET_SubTyp {
	switch et {
	case ET_Greater:
		return ET_Less
	case ET_GreaterEqual:
		return ET_LessEqual
	case ET_Less:
		return ET_Greater
	case ET_LessEqual:
		return ET_GreaterEqual
	default:
		return et
	}
}

// Expr is a scalar expression over the columns of one input batch.
// Column references address the input by ColIdx.
type Expr struct {
	Typ      ET
	SubTyp   ET_SubTyp
	DataTyp  common.LType
	Children []*Expr

	Name   string //column name
	ColIdx int    //column index in the input

	Svalue string
	Ivalue int64
	Fvalue float64
	Bvalue bool
	Dvalue common.Decimal
}

func ColumnExpr(idx int, name string, typ common.LType) *Expr {
	return &Expr{
		Typ:     ET_Column,
		DataTyp: typ,
		Name:    name,
		ColIdx:  idx,
	}
}

// ColumnOf references the column name of schema.
func ColumnOf(schema *chunk.Schema, name string) *Expr {
	idx := schema.Index(name)
	if idx < 0 {
		panic(fmt.Sprintf("no column %s", name))
	}
	return ColumnExpr(idx, name, schema.Fields[idx].Typ)
}

func IntConst(v int64) *Expr {
	return &Expr{Typ: ET_IConst, DataTyp: common.BigintType(), Ivalue: v}
}

func FloatConst(v float64) *Expr {
	return &Expr{Typ: ET_FConst, DataTyp: common.DoubleType(), Fvalue: v}
}

func StringConst(v string) *Expr {
	return &Expr{Typ: ET_SConst, DataTyp: common.VarcharType(), Svalue: v}
}

func BoolConst(v bool) *Expr {
	return &Expr{Typ: ET_BConst, DataTyp: common.BooleanType(), Bvalue: v}
}

func DecimalConst(v common.Decimal, width, scale int) *Expr {
	return &Expr{Typ: ET_DecConst, DataTyp: common.DecimalType(width, scale), Dvalue: v}
}

func NullConst(typ common.LType) *Expr {
	return &Expr{Typ: ET_NConst, DataTyp: typ}
}

// ConstExpr wraps a value as a constant expression.
func ConstExpr(val *chunk.Value) *Expr {
	if val.IsNull {
		return NullConst(val.Typ)
	}
	switch val.Typ.Id {
	case common.LTID_INTEGER, common.LTID_BIGINT:
		ret := IntConst(val.I64)
		ret.DataTyp = val.Typ
		return ret
	case common.LTID_DOUBLE:
		return FloatConst(val.F64)
	case common.LTID_VARCHAR:
		return StringConst(val.Str)
	case common.LTID_BOOLEAN:
		return BoolConst(val.Bool)
	case common.LTID_DECIMAL:
		return DecimalConst(val.Dec, val.Typ.Width, val.Typ.Scale)
	default:
		panic(fmt.Sprintf("usp const %v", val.Typ))
	}
}

// BinaryExpr builds a comparison, arithmetic or logical expression
// and derives its result type.
func BinaryExpr(op ET_SubTyp, left, right *Expr) *Expr {
	ret := &Expr{
		Typ:      ET_Func,
		SubTyp:   op,
		Children: []*Expr{left, right},
	}
	switch {
	case op.isCompare(), op == ET_And, op == ET_Or:
		ret.DataTyp = common.BooleanType()
	case op.isArith():
		ret.DataTyp = arithResultType(left.DataTyp, right.DataTyp)
	default:
		panic(fmt.Sprintf("usp binary %v", op))
	}
	return ret
}

func UnaryExpr(op ET_SubTyp, child *Expr) *Expr {
	switch op {
	case ET_Not, ET_IsNull, ET_IsNotNull:
	default:
		panic(fmt.Sprintf("usp unary %v", op))
	}
	return &Expr{
		Typ:      ET_Func,
		SubTyp:   op,
		DataTyp:  common.BooleanType(),
		Children: []*Expr{child},
	}
}

func arithResultType(l, r common.LType) common.LType {
	switch {
	case l.Id == common.LTID_DOUBLE || r.Id == common.LTID_DOUBLE:
		return common.DoubleType()
	case l.Id == common.LTID_DECIMAL || r.Id == common.LTID_DECIMAL:
		return common.DecimalType(38, max(l.Scale, r.Scale))
	case l.IsIntegral() && r.IsIntegral():
		return common.BigintType()
	default:
		panic(fmt.Sprintf("usp arith %v %v", l, r))
	}
}

func (e *Expr) IsConst() bool {
	switch e.Typ {
	case ET_IConst, ET_DecConst, ET_SConst, ET_FConst, ET_BConst, ET_NConst:
		return true
	}
	return false
}

// ConstValue is valid only on constant expressions.
func (e *Expr) ConstValue() *chunk.Value {
	ret := &chunk.Value{Typ: e.DataTyp}
	switch e.Typ {
	case ET_IConst:
		ret.I64 = e.Ivalue
	case ET_DecConst:
		ret.Dec = e.Dvalue
	case ET_SConst:
		ret.Str = e.Svalue
	case ET_FConst:
		ret.F64 = e.Fvalue
	case ET_BConst:
		ret.Bool = e.Bvalue
	case ET_NConst:
		ret.IsNull = true
	default:
		panic(fmt.Sprintf("usp const %v", e.Typ))
	}
	return ret
}

func (e *Expr) equal(o *Expr) bool {
	if e == nil && o == nil {
		return true
	} else if e != nil && o != nil {
		if e.Typ != o.Typ || e.SubTyp != o.SubTyp {
			return false
		}
		if !e.DataTyp.Equal(o.DataTyp) {
			return false
		}
		switch e.Typ {
		case ET_Column:
			return e.ColIdx == o.ColIdx
		case ET_IConst:
			return e.Ivalue == o.Ivalue
		case ET_DecConst:
			return e.Dvalue.Equal(o.Dvalue)
		case ET_SConst:
			return e.Svalue == o.Svalue
		case ET_FConst:
			return e.Fvalue == o.Fvalue
		case ET_BConst:
			return e.Bvalue == o.Bvalue
		case ET_NConst:
			return true
		case ET_Func:
			if len(e.Children) != len(o.Children) {
				return false
			}
			for i, child := range e.Children {
				if !child.equal(o.Children[i]) {
					return false
				}
			}
			return true
		default:
			panic(fmt.Sprintf("usp %v", e.Typ))
		}
	}
	return false
}

func (e *Expr) copy() *Expr {
	if e == nil {
		return nil
	}
	return clone.Clone(e).(*Expr)
}

func copyExprs(exprs ...*Expr) []*Expr {
	ret := make([]*Expr, 0, len(exprs))
	for _, e := range exprs {
		ret = append(ret, e.copy())
	}
	return ret
}

// String renders a canonical form. Columns print by index so that
// equal expressions have equal strings.
func (e *Expr) String() string {
	if e == nil {
		return ""
	}
	switch e.Typ {
	case ET_Column:
		return fmt.Sprintf("#%d", e.ColIdx)
	case ET_IConst:
		return fmt.Sprintf("%d", e.Ivalue)
	case ET_DecConst:
		return e.Dvalue.Canonical()
	case ET_SConst:
		return fmt.Sprintf("'%s'", e.Svalue)
	case ET_FConst:
		return fmt.Sprintf("%v", e.Fvalue)
	case ET_BConst:
		return fmt.Sprintf("%v", e.Bvalue)
	case ET_NConst:
		return "null"
	case ET_Func:
		switch e.SubTyp {
		case ET_Not:
			return fmt.Sprintf("not(%s)", e.Children[0])
		case ET_IsNull, ET_IsNotNull:
			return fmt.Sprintf("(%s %s)", e.Children[0], e.SubTyp)
		default:
			return fmt.Sprintf("(%s %s %s)", e.Children[0], e.SubTyp, e.Children[1])
		}
	default:
		panic(fmt.Sprintf("usp %v", e.Typ))
	}
}

// Format prints column names instead of indexes.
func (e *Expr) Format() string {
	if e == nil {
		return ""
	}
	switch e.Typ {
	case ET_Column:
		if e.Name != "" {
			return e.Name
		}
		return e.String()
	case ET_Func:
		parts := make([]string, 0, len(e.Children))
		for _, child := range e.Children {
			parts = append(parts, child.Format())
		}
		switch e.SubTyp {
		case ET_Not:
			return fmt.Sprintf("not(%s)", parts[0])
		case ET_IsNull, ET_IsNotNull:
			return fmt.Sprintf("(%s %s)", parts[0], e.SubTyp)
		default:
			return "(" + strings.Join(parts, fmt.Sprintf(" %s ", e.SubTyp)) + ")"
		}
	default:
		return e.String()
	}
}

func (e *Expr) Print(tree treeprint.Tree) {
	if e == nil {
		return
	}
	switch e.Typ {
	case ET_Func:
		branch := tree.AddBranch(fmt.Sprintf("%s : %s", e.SubTyp, e.DataTyp))
		for _, child := range e.Children {
			child.Print(branch)
		}
	default:
		tree.AddNode(fmt.Sprintf("%s : %s", e.Format(), e.DataTyp))
	}
}

// collectColumns appends the column indexes referenced by e.
func collectColumns(e *Expr, set map[int]struct{}) {
	if e == nil {
		return
	}
	if e.Typ == ET_Column {
		set[e.ColIdx] = struct{}{}
	}
	for _, child := range e.Children {
		collectColumns(child, set)
	}
}

// replaceColumns rewrites column references through fn. A false
// return means some column has no replacement.
func replaceColumns(e *Expr, fn func(col *Expr) (*Expr, bool)) (*Expr, bool) {
	if e.Typ == ET_Column {
		return fn(e)
	}
	ret := *e
	ret.Children = make([]*Expr, len(e.Children))
	for i, child := range e.Children {
		nchild, ok := replaceColumns(child, fn)
		if !ok {
			return nil, false
		}
		ret.Children[i] = nchild
	}
	return &ret, true
}

// shiftColumns moves every column reference by offset.
func shiftColumns(e *Expr, offset int) *Expr {
	ret, _ := replaceColumns(e, func(col *Expr) (*Expr, bool) {
		ncol := *col
		ncol.ColIdx += offset
		return &ncol, true
	})
	return ret
}

func splitExprByAnd(e *Expr) []*Expr {
	if e == nil {
		return nil
	}
	if e.Typ == ET_Func && e.SubTyp == ET_And {
		return append(splitExprByAnd(e.Children[0]), splitExprByAnd(e.Children[1])...)
	}
	return []*Expr{e}
}

func combineExprsByAnd(exprs ...*Expr) *Expr {
	var ret *Expr
	for _, e := range exprs {
		if ret == nil {
			ret = e
		} else {
			ret = BinaryExpr(ET_And, ret, e)
		}
	}
	return ret
}

func exprTypes(exprs []*Expr) []common.LType {
	ret := make([]common.LType, len(exprs))
	for i, e := range exprs {
		ret[i] = e.DataTyp
	}
	return ret
}
