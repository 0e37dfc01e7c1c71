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

	"github.com/Stars1233/datafusion/pkg/chunk"
	"github.com/Stars1233/datafusion/pkg/common"
)

// ExprExec evaluates a list of expressions over input batches.
type ExprExec struct {
	_exprs []*Expr
}

func NewExprExec(es ...*Expr) *ExprExec {
	return &ExprExec{
		_exprs: es,
	}
}

func (exec *ExprExec) addExpr(expr *Expr) {
	exec._exprs = append(exec._exprs, expr)
}

func (exec *ExprExec) types() []common.LType {
	return exprTypes(exec._exprs)
}

// executeExprs fills result with one column per expression. Column
// references share the vectors of the input.
func (exec *ExprExec) executeExprs(input *chunk.Chunk) (*chunk.Chunk, error) {
	vecs := make([]*chunk.Vector, len(exec._exprs))
	for i, expr := range exec._exprs {
		vec, err := exec.executeExpr(expr, input)
		if err != nil {
			return nil, err
		}
		vecs[i] = vec
	}
	ret := chunk.NewChunkFromVectors(input.Card(), vecs...)
	ret.SetCap(max(input.Cap(), input.Card()))
	return ret, nil
}

func (exec *ExprExec) executeExpr(expr *Expr, input *chunk.Chunk) (*chunk.Vector, error) {
	count := input.Card()
	switch expr.Typ {
	case ET_Column:
		if expr.ColIdx < 0 || expr.ColIdx >= input.ColumnCount() {
			return nil, common.SchemaMismatch("expr",
				"column %s out of range %d", expr.Format(), input.ColumnCount())
		}
		vec := input.Data[expr.ColIdx]
		if !vec.Typ().Equal(expr.DataTyp) {
			return nil, common.SchemaMismatch("expr",
				"column %s has type %v, want %v", expr.Format(), vec.Typ(), expr.DataTyp)
		}
		return vec, nil
	case ET_IConst, ET_DecConst, ET_SConst, ET_FConst, ET_BConst, ET_NConst:
		val := expr.ConstValue()
		vec := chunk.NewVector(expr.DataTyp, max(count, 1))
		for i := 0; i < count; i++ {
			vec.SetValue(i, val)
		}
		return vec, nil
	case ET_Func:
		return exec.executeFunc(expr, input)
	default:
		panic(fmt.Sprintf("usp expr %v", expr.Typ))
	}
}

func (exec *ExprExec) executeFunc(expr *Expr, input *chunk.Chunk) (*chunk.Vector, error) {
	count := input.Card()
	children := make([]*chunk.Vector, len(expr.Children))
	for i, child := range expr.Children {
		vec, err := exec.executeExpr(child, input)
		if err != nil {
			return nil, err
		}
		children[i] = vec
	}
	result := chunk.NewVector(expr.DataTyp, max(count, 1))
	switch expr.SubTyp {
	case ET_Not, ET_IsNull, ET_IsNotNull:
		for i := 0; i < count; i++ {
			result.SetValue(i, evalUnary(expr.SubTyp, children[0].GetValue(i)))
		}
	default:
		for i := 0; i < count; i++ {
			val, err := evalBinary(expr.SubTyp, expr.DataTyp,
				children[0].GetValue(i), children[1].GetValue(i))
			if err != nil {
				return nil, err
			}
			result.SetValue(i, val)
		}
	}
	return result, nil
}

// executeSelect returns the rows whose predicate is true. Null
// counts as false.
func (exec *ExprExec) executeSelect(input *chunk.Chunk) (*chunk.SelectVector, int, error) {
	sel := chunk.NewSelectVectorFrom(make([]int, 0, input.Card()))
	if len(exec._exprs) == 0 {
		for i := 0; i < input.Card(); i++ {
			sel.Append(i)
		}
		return sel, input.Card(), nil
	}
	vecs := make([]*chunk.Vector, len(exec._exprs))
	for i, expr := range exec._exprs {
		vec, err := exec.executeExpr(expr, input)
		if err != nil {
			return nil, 0, err
		}
		if vec.Typ().Id != common.LTID_BOOLEAN {
			return nil, 0, common.SchemaMismatch("filter",
				"predicate %s is not boolean", expr.Format())
		}
		vecs[i] = vec
	}
	for i := 0; i < input.Card(); i++ {
		pass := true
		for _, vec := range vecs {
			if vec.IsNull(i) || !chunk.GetSliceInPhyFormatFlat[bool](vec)[i] {
				pass = false
				break
			}
		}
		if pass {
			sel.Append(i)
		}
	}
	return sel, sel.Count(), nil
}

func evalUnary(op ET_SubTyp, val *chunk.Value) *chunk.Value {
	switch op {
	case ET_IsNull:
		return chunk.NewBooleanValue(val.IsNull)
	case ET_IsNotNull:
		return chunk.NewBooleanValue(!val.IsNull)
	case ET_Not:
		if val.IsNull {
			return chunk.NewNullValue(common.BooleanType())
		}
		return chunk.NewBooleanValue(!val.Bool)
	default:
		panic(fmt.Sprintf("usp unary %v", op))
	}
}

func evalBinary(op ET_SubTyp, resTyp common.LType, lhs, rhs *chunk.Value) (*chunk.Value, error) {
	switch op {
	case ET_And:
		//false dominates null
		if (!lhs.IsNull && !lhs.Bool) || (!rhs.IsNull && !rhs.Bool) {
			return chunk.NewBooleanValue(false), nil
		}
		if lhs.IsNull || rhs.IsNull {
			return chunk.NewNullValue(resTyp), nil
		}
		return chunk.NewBooleanValue(true), nil
	case ET_Or:
		if (!lhs.IsNull && lhs.Bool) || (!rhs.IsNull && rhs.Bool) {
			return chunk.NewBooleanValue(true), nil
		}
		if lhs.IsNull || rhs.IsNull {
			return chunk.NewNullValue(resTyp), nil
		}
		return chunk.NewBooleanValue(false), nil
	}
	if lhs.IsNull || rhs.IsNull {
		return chunk.NewNullValue(resTyp), nil
	}
	if op.isCompare() {
		ret := compareMixed(lhs, rhs)
		switch op {
		case ET_Equal:
			return chunk.NewBooleanValue(ret == 0), nil
		case ET_NotEqual:
			return chunk.NewBooleanValue(ret != 0), nil
		case ET_Greater:
			return chunk.NewBooleanValue(ret > 0), nil
		case ET_GreaterEqual:
			return chunk.NewBooleanValue(ret >= 0), nil
		case ET_Less:
			return chunk.NewBooleanValue(ret < 0), nil
		case ET_LessEqual:
			return chunk.NewBooleanValue(ret <= 0), nil
		}
	}
	if op.isArith() {
		return evalArith(op, resTyp, lhs, rhs)
	}
	panic(fmt.Sprintf("usp binary %v", op))
}

// compareMixed compares two non-null values whose types may differ
// among the numeric types.
func compareMixed(lhs, rhs *chunk.Value) int {
	if lhs.Typ.Id == rhs.Typ.Id || (lhs.Typ.IsIntegral() && rhs.Typ.IsIntegral()) {
		return lhs.Compare(rhs)
	}
	switch {
	case lhs.Typ.Id == common.LTID_DOUBLE || rhs.Typ.Id == common.LTID_DOUBLE:
		return chunk.NewDoubleValue(toFloat(lhs)).Compare(chunk.NewDoubleValue(toFloat(rhs)))
	case lhs.Typ.Id == common.LTID_DECIMAL || rhs.Typ.Id == common.LTID_DECIMAL:
		return toDecimal(lhs).Compare(toDecimal(rhs))
	default:
		panic(fmt.Sprintf("usp compare %v %v", lhs.Typ, rhs.Typ))
	}
}

func toFloat(val *chunk.Value) float64 {
	switch val.Typ.Id {
	case common.LTID_INTEGER, common.LTID_BIGINT:
		return float64(val.I64)
	case common.LTID_DECIMAL:
		return val.Dec.Float64()
	case common.LTID_DOUBLE:
		return val.F64
	default:
		panic(fmt.Sprintf("usp float %v", val.Typ))
	}
}

func toDecimal(val *chunk.Value) common.Decimal {
	switch val.Typ.Id {
	case common.LTID_INTEGER, common.LTID_BIGINT:
		return common.DecimalFromInt64(val.I64, 0)
	case common.LTID_DECIMAL:
		return val.Dec
	default:
		panic(fmt.Sprintf("usp decimal %v", val.Typ))
	}
}

func evalArith(op ET_SubTyp, resTyp common.LType, lhs, rhs *chunk.Value) (*chunk.Value, error) {
	switch resTyp.Id {
	case common.LTID_BIGINT:
		ret := &chunk.Value{Typ: resTyp}
		switch op {
		case ET_Add:
			ret.I64 = lhs.I64 + rhs.I64
		case ET_Sub:
			ret.I64 = lhs.I64 - rhs.I64
		case ET_Mul:
			ret.I64 = lhs.I64 * rhs.I64
		}
		return ret, nil
	case common.LTID_DOUBLE:
		l, r := toFloat(lhs), toFloat(rhs)
		ret := &chunk.Value{Typ: resTyp}
		switch op {
		case ET_Add:
			ret.F64 = l + r
		case ET_Sub:
			ret.F64 = l - r
		case ET_Mul:
			ret.F64 = l * r
		}
		return ret, nil
	case common.LTID_DECIMAL:
		l, r := toDecimal(lhs), toDecimal(rhs)
		var d common.Decimal
		var err error
		switch op {
		case ET_Add:
			d, err = l.Add(r)
		case ET_Sub:
			d, err = l.Sub(r)
		case ET_Mul:
			d, err = l.Mul(r)
		}
		if err != nil {
			return nil, fmt.Errorf("decimal %v: %w", op, err)
		}
		return &chunk.Value{Typ: resTyp, Dec: d}, nil
	default:
		panic(fmt.Sprintf("usp arith %v", resTyp))
	}
}
