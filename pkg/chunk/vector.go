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

package chunk

import (
	"fmt"
	"strings"

	"github.com/Stars1233/datafusion/pkg/common"
	"github.com/Stars1233/datafusion/pkg/util"
)

// Vector is a flat column. Data holds a typed slice chosen by the
// physical type: []bool, []int32, []int64, []float64,
// []common.Decimal or []string.
type Vector struct {
	_Typ common.LType
	Data any
	Mask *util.Bitmap
}

func NewVector(lTyp common.LType, cap int) *Vector {
	vec := &Vector{
		_Typ: lTyp,
		Mask: &util.Bitmap{},
	}
	vec.Init(cap)
	return vec
}

func newData(lTyp common.LType, cap int) any {
	switch lTyp.PTyp {
	case common.BOOL:
		return make([]bool, cap)
	case common.INT32:
		return make([]int32, cap)
	case common.INT64:
		return make([]int64, cap)
	case common.DOUBLE:
		return make([]float64, cap)
	case common.DECIMAL:
		return make([]common.Decimal, cap)
	case common.VARCHAR:
		return make([]string, cap)
	default:
		panic(fmt.Sprintf("usp vector type %v", lTyp))
	}
}

func (vec *Vector) Init(cap int) {
	vec.Mask.Reset()
	vec.Data = newData(vec._Typ, cap)
}

func (vec *Vector) Typ() common.LType {
	return vec._Typ
}

func (vec *Vector) Cap() int {
	switch data := vec.Data.(type) {
	case []bool:
		return len(data)
	case []int32:
		return len(data)
	case []int64:
		return len(data)
	case []float64:
		return len(data)
	case []common.Decimal:
		return len(data)
	case []string:
		return len(data)
	}
	return 0
}

// Reference shares the data and mask of other.
func (vec *Vector) Reference(other *Vector) {
	util.AssertFunc(vec.Typ().Equal(other.Typ()))
	vec.Data = other.Data
	vec.Mask = other.Mask
}

func GetSliceInPhyFormatFlat[T any](vec *Vector) []T {
	return vec.Data.([]T)
}

func SetNullInPhyFormatFlat(vec *Vector, idx uint64, null bool) {
	vec.Mask.Set(idx, !null)
}

func (vec *Vector) IsNull(idx int) bool {
	return !vec.Mask.RowIsValid(uint64(idx))
}

// Resize grows the capacity to at least cap rows.
func (vec *Vector) Resize(cap int) {
	old := vec.Cap()
	if cap <= old {
		return
	}
	switch data := vec.Data.(type) {
	case []bool:
		vec.Data = grow(data, cap)
	case []int32:
		vec.Data = grow(data, cap)
	case []int64:
		vec.Data = grow(data, cap)
	case []float64:
		vec.Data = grow(data, cap)
	case []common.Decimal:
		vec.Data = grow(data, cap)
	case []string:
		vec.Data = grow(data, cap)
	}
	if !vec.Mask.AllValid() {
		vec.Mask.Resize(old, cap)
	}
}

func grow[T any](data []T, cap int) []T {
	ret := make([]T, cap)
	copy(ret, data)
	return ret
}

func (vec *Vector) GetValue(idx int) *Value {
	ret := &Value{Typ: vec.Typ()}
	if vec.IsNull(idx) {
		ret.IsNull = true
		return ret
	}
	switch data := vec.Data.(type) {
	case []bool:
		ret.Bool = data[idx]
	case []int32:
		ret.I64 = int64(data[idx])
	case []int64:
		ret.I64 = data[idx]
	case []float64:
		ret.F64 = data[idx]
	case []common.Decimal:
		ret.Dec = data[idx]
	case []string:
		ret.Str = data[idx]
	}
	return ret
}

func (vec *Vector) SetValue(idx int, val *Value) {
	if val.IsNull {
		SetNullInPhyFormatFlat(vec, uint64(idx), true)
		return
	}
	SetNullInPhyFormatFlat(vec, uint64(idx), false)
	switch data := vec.Data.(type) {
	case []bool:
		data[idx] = val.Bool
	case []int32:
		data[idx] = int32(val.I64)
	case []int64:
		data[idx] = val.I64
	case []float64:
		data[idx] = val.F64
	case []common.Decimal:
		data[idx] = val.Dec
	case []string:
		data[idx] = val.Str
	}
}

// Copy gathers count rows of src selected by sel into vec
// starting at dstOffset.
func (vec *Vector) Copy(src *Vector, sel *SelectVector, count int, dstOffset int) {
	vec.Resize(dstOffset + count)
	switch data := vec.Data.(type) {
	case []bool:
		copySel(data, src.Data.([]bool), sel, count, dstOffset)
	case []int32:
		copySel(data, src.Data.([]int32), sel, count, dstOffset)
	case []int64:
		copySel(data, src.Data.([]int64), sel, count, dstOffset)
	case []float64:
		copySel(data, src.Data.([]float64), sel, count, dstOffset)
	case []common.Decimal:
		copySel(data, src.Data.([]common.Decimal), sel, count, dstOffset)
	case []string:
		copySel(data, src.Data.([]string), sel, count, dstOffset)
	}
	if src.Mask.AllValid() {
		if !vec.Mask.AllValid() {
			for i := 0; i < count; i++ {
				vec.Mask.SetValid(uint64(dstOffset + i))
			}
		}
		return
	}
	for i := 0; i < count; i++ {
		srcIdx := sel.GetIndex(i)
		vec.Mask.Set(uint64(dstOffset+i), src.Mask.RowIsValid(uint64(srcIdx)))
	}
}

func copySel[T any](dst, src []T, sel *SelectVector, count int, dstOffset int) {
	if sel.Invalid() {
		copy(dst[dstOffset:dstOffset+count], src[:count])
		return
	}
	for i := 0; i < count; i++ {
		dst[dstOffset+i] = src[sel.GetIndex(i)]
	}
}

// MemorySize approximates the bytes held by the first count rows.
func (vec *Vector) MemorySize(count int) int64 {
	sz := int64(vec.Typ().PTyp.Size()) * int64(count)
	if data, ok := vec.Data.([]string); ok {
		for i := 0; i < count && i < len(data); i++ {
			sz += int64(len(data[i]))
		}
	}
	if !vec.Mask.AllValid() {
		sz += int64(len(vec.Mask.Bits))
	}
	return sz
}

func (vec *Vector) Reset() {
	vec.Mask.Reset()
}

func (vec *Vector) Print(rowCount int) {
	fmt.Println(vec.String(rowCount))
}

func (vec *Vector) String(rowCount int) string {
	sb := strings.Builder{}
	for j := 0; j < rowCount; j++ {
		if j > 0 {
			sb.WriteString(" ")
		}
		sb.WriteString(vec.GetValue(j).String())
	}
	return sb.String()
}

func HasNull(input *Vector, count int) bool {
	return input.Mask.CountInvalid(count) > 0
}

func NewBigintFlatVector(v []int64, nulls []bool) *Vector {
	vec := NewVector(common.BigintType(), len(v))
	copy(GetSliceInPhyFormatFlat[int64](vec), v)
	setNulls(vec, nulls)
	return vec
}

func NewIntegerFlatVector(v []int32, nulls []bool) *Vector {
	vec := NewVector(common.IntegerType(), len(v))
	copy(GetSliceInPhyFormatFlat[int32](vec), v)
	setNulls(vec, nulls)
	return vec
}

func NewDoubleFlatVector(v []float64, nulls []bool) *Vector {
	vec := NewVector(common.DoubleType(), len(v))
	copy(GetSliceInPhyFormatFlat[float64](vec), v)
	setNulls(vec, nulls)
	return vec
}

func NewVarcharFlatVector(v []string, nulls []bool) *Vector {
	vec := NewVector(common.VarcharType(), len(v))
	copy(GetSliceInPhyFormatFlat[string](vec), v)
	setNulls(vec, nulls)
	return vec
}

func NewBooleanFlatVector(v []bool, nulls []bool) *Vector {
	vec := NewVector(common.BooleanType(), len(v))
	copy(GetSliceInPhyFormatFlat[bool](vec), v)
	setNulls(vec, nulls)
	return vec
}

func setNulls(vec *Vector, nulls []bool) {
	for i, null := range nulls {
		if null {
			SetNullInPhyFormatFlat(vec, uint64(i), true)
		}
	}
}
