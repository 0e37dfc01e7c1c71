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
	"cmp"
	"fmt"
	"strings"

	"github.com/Stars1233/datafusion/pkg/chunk"
	"github.com/Stars1233/datafusion/pkg/common"
	"github.com/Stars1233/datafusion/pkg/util"
)

type OrderType int

const (
	OT_INVALID OrderType = iota
	OT_DEFAULT
	OT_ASC
	OT_DESC
)

type OrderByNullType int

const (
	OBNT_INVALID OrderByNullType = iota
	OBNT_DEFAULT
	OBNT_NULLS_FIRST
	OBNT_NULLS_LAST
)

// SortState is the stage of an external sort.
type SortState int

const (
	SS_INIT SortState = iota //accumulating
	SS_SORT                  //merging runs
	SS_SCAN                  //emitting
	SS_DONE
)

// SortExpr is one key of a sort order.
type SortExpr struct {
	Expr      *Expr
	Order     OrderType
	NullOrder OrderByNullType
}

func Asc(e *Expr) *SortExpr {
	return &SortExpr{Expr: e, Order: OT_ASC, NullOrder: OBNT_DEFAULT}
}

func Desc(e *Expr) *SortExpr {
	return &SortExpr{Expr: e, Order: OT_DESC, NullOrder: OBNT_DEFAULT}
}

func (se *SortExpr) Desc() bool {
	return se.Order == OT_DESC
}

// NullsFirst resolves the default null order: ascending keys put
// nulls last, descending keys put them first.
func (se *SortExpr) NullsFirst() bool {
	switch se.NullOrder {
	case OBNT_NULLS_FIRST:
		return true
	case OBNT_NULLS_LAST:
		return false
	default:
		return se.Desc()
	}
}

// normalize fixes the defaults so that equal orders compare equal.
func (se *SortExpr) normalize() *SortExpr {
	ret := &SortExpr{Expr: se.Expr, Order: OT_ASC, NullOrder: OBNT_NULLS_LAST}
	if se.Desc() {
		ret.Order = OT_DESC
	}
	if se.NullsFirst() {
		ret.NullOrder = OBNT_NULLS_FIRST
	}
	return ret
}

func (se *SortExpr) equal(o *SortExpr) bool {
	return se.Expr.equal(o.Expr) && se.Desc() == o.Desc() && se.NullsFirst() == o.NullsFirst()
}

func (se *SortExpr) String() string {
	dir := "asc"
	if se.Desc() {
		dir = "desc"
	}
	nulls := "nulls last"
	if se.NullsFirst() {
		nulls = "nulls first"
	}
	return fmt.Sprintf("%s %s %s", se.Expr.Format(), dir, nulls)
}

func sortExprsString(orders []*SortExpr) string {
	parts := make([]string, len(orders))
	for i, order := range orders {
		parts[i] = order.String()
	}
	return "[" + strings.Join(parts, ", ") + "]"
}

func sortExprs(orders []*SortExpr) []*Expr {
	ret := make([]*Expr, len(orders))
	for i, order := range orders {
		ret[i] = order.Expr
	}
	return ret
}

// CompareSortValues orders two values under order. Null placement
// does not flip with the direction.
func CompareSortValues(order *SortExpr, lhs, rhs *chunk.Value) int {
	if lhs.IsNull || rhs.IsNull {
		return compareNulls(lhs.IsNull, rhs.IsNull, order.NullsFirst())
	}
	ret := lhs.Compare(rhs)
	if order.Desc() {
		ret = -ret
	}
	return ret
}

func compareNulls(lNull, rNull, nullsFirst bool) int {
	switch {
	case lNull && rNull:
		return 0
	case lNull:
		if nullsFirst {
			return -1
		}
		return 1
	default:
		if nullsFirst {
			return 1
		}
		return -1
	}
}

type vectorCompare func(lhs *chunk.Vector, lIdx int, rhs *chunk.Vector, rIdx int) int

func typedCompare[T any](fn func(a, b T) int) vectorCompare {
	return func(lhs *chunk.Vector, lIdx int, rhs *chunk.Vector, rIdx int) int {
		return fn(chunk.GetSliceInPhyFormatFlat[T](lhs)[lIdx],
			chunk.GetSliceInPhyFormatFlat[T](rhs)[rIdx])
	}
}

func compareBool(a, b bool) int {
	switch {
	case a == b:
		return 0
	case !a:
		return -1
	default:
		return 1
	}
}

func newVectorCompare(typ common.LType) vectorCompare {
	switch typ.PTyp {
	case common.BOOL:
		return typedCompare[bool](compareBool)
	case common.INT32:
		return typedCompare[int32](cmp.Compare[int32])
	case common.INT64:
		return typedCompare[int64](cmp.Compare[int64])
	case common.DOUBLE:
		return typedCompare[float64](util.CompareFloat[float64])
	case common.DECIMAL:
		return typedCompare[common.Decimal](func(a, b common.Decimal) int {
			return a.Compare(b)
		})
	case common.VARCHAR:
		return typedCompare[string](strings.Compare)
	default:
		panic(fmt.Sprintf("usp compare type %v", typ))
	}
}

// RowComparator compares rows of batches on key columns that have
// already been evaluated into the batches.
type RowComparator struct {
	_orders []*SortExpr
	_keyIdx []int
	_cmps   []vectorCompare
}

// NewRowComparator compares column keyIdx[i] under orders[i].
func NewRowComparator(orders []*SortExpr, keyIdx []int) *RowComparator {
	util.AssertFunc(len(orders) == len(keyIdx))
	rc := &RowComparator{
		_orders: orders,
		_keyIdx: keyIdx,
		_cmps:   make([]vectorCompare, len(orders)),
	}
	for i, order := range orders {
		rc._cmps[i] = newVectorCompare(order.Expr.DataTyp)
	}
	return rc
}

// ascendingComparator orders the first n columns ascending with
// nulls last.
func ascendingComparator(types []common.LType) *RowComparator {
	orders := make([]*SortExpr, len(types))
	keyIdx := make([]int, len(types))
	for i, typ := range types {
		orders[i] = Asc(ColumnExpr(i, "", typ))
		keyIdx[i] = i
	}
	return NewRowComparator(orders, keyIdx)
}

func (rc *RowComparator) Compare(lhs *chunk.Chunk, lIdx int, rhs *chunk.Chunk, rIdx int) int {
	for i, col := range rc._keyIdx {
		lvec, rvec := lhs.Data[col], rhs.Data[col]
		lNull, rNull := lvec.IsNull(lIdx), rvec.IsNull(rIdx)
		order := rc._orders[i]
		if lNull || rNull {
			ret := compareNulls(lNull, rNull, order.NullsFirst())
			if ret != 0 {
				return ret
			}
			continue
		}
		ret := rc._cmps[i](lvec, lIdx, rvec, rIdx)
		if ret != 0 {
			if order.Desc() {
				return -ret
			}
			return ret
		}
	}
	return 0
}

// CompareValues compares key values listed in key order.
func (rc *RowComparator) CompareValues(lhs, rhs []*chunk.Value) int {
	for i, order := range rc._orders {
		ret := CompareSortValues(order, lhs[i], rhs[i])
		if ret != 0 {
			return ret
		}
	}
	return 0
}

// sortKeyEvaluator appends the evaluated sort keys behind the payload
// columns so runs carry their keys through spilling.
type sortKeyEvaluator struct {
	_keyExec      *ExprExec
	_payloadTypes []common.LType
	_sortTypes    []common.LType
	_payloadIdx   []int
	_keyIdx       []int
	_cmp          *RowComparator
}

func newSortKeyEvaluator(orders []*SortExpr, payloadTypes []common.LType) *sortKeyEvaluator {
	eval := &sortKeyEvaluator{
		_keyExec:      NewExprExec(sortExprs(orders)...),
		_payloadTypes: payloadTypes,
	}
	eval._sortTypes = append(common.CopyLTypes(payloadTypes...), eval._keyExec.types()...)
	for i := range payloadTypes {
		eval._payloadIdx = append(eval._payloadIdx, i)
	}
	for i := range orders {
		eval._keyIdx = append(eval._keyIdx, len(payloadTypes)+i)
	}
	eval._cmp = NewRowComparator(orders, eval._keyIdx)
	return eval
}

// sortChunk is the payload followed by the key columns.
func (eval *sortKeyEvaluator) sortChunk(input *chunk.Chunk) (*chunk.Chunk, error) {
	keys, err := eval._keyExec.executeExprs(input)
	if err != nil {
		return nil, err
	}
	vecs := make([]*chunk.Vector, 0, len(eval._sortTypes))
	vecs = append(vecs, input.Data...)
	vecs = append(vecs, keys.Data...)
	ret := chunk.NewChunkFromVectors(input.Card(), vecs...)
	ret.SetCap(max(input.Cap(), input.Card()))
	return ret, nil
}

func (eval *sortKeyEvaluator) payload(sorted *chunk.Chunk) *chunk.Chunk {
	return sorted.Project(eval._payloadIdx)
}
