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
	"math"
	"strings"

	"github.com/Stars1233/datafusion/pkg/common"
	"github.com/Stars1233/datafusion/pkg/util"
)

type Value struct {
	Typ    common.LType
	IsNull bool
	//value
	Bool bool
	I64  int64
	F64  float64
	Str  string
	Dec  common.Decimal
}

func NewNullValue(typ common.LType) *Value {
	return &Value{Typ: typ, IsNull: true}
}

func NewBooleanValue(b bool) *Value {
	return &Value{Typ: common.BooleanType(), Bool: b}
}

func NewIntegerValue(i int32) *Value {
	return &Value{Typ: common.IntegerType(), I64: int64(i)}
}

func NewBigintValue(i int64) *Value {
	return &Value{Typ: common.BigintType(), I64: i}
}

func NewDoubleValue(f float64) *Value {
	return &Value{Typ: common.DoubleType(), F64: f}
}

func NewVarcharValue(s string) *Value {
	return &Value{Typ: common.VarcharType(), Str: s}
}

func NewDecimalValue(d common.Decimal, width, scale int) *Value {
	return &Value{Typ: common.DecimalType(width, scale), Dec: d}
}

func (val Value) String() string {
	if val.IsNull {
		return "NULL"
	}
	switch val.Typ.Id {
	case common.LTID_INTEGER, common.LTID_BIGINT:
		return fmt.Sprintf("%d", val.I64)
	case common.LTID_BOOLEAN:
		return fmt.Sprintf("%v", val.Bool)
	case common.LTID_VARCHAR:
		return val.Str
	case common.LTID_DECIMAL:
		return val.Dec.String()
	case common.LTID_DOUBLE:
		return fmt.Sprintf("%v", val.F64)
	default:
		panic("usp")
	}
}

// Compare orders two non-null values of the same type.
// Doubles order NaN above every number.
func (val *Value) Compare(o *Value) int {
	switch val.Typ.PTyp {
	case common.BOOL:
		switch {
		case val.Bool == o.Bool:
			return 0
		case !val.Bool:
			return -1
		default:
			return 1
		}
	case common.INT32, common.INT64:
		switch {
		case val.I64 < o.I64:
			return -1
		case val.I64 > o.I64:
			return 1
		}
		return 0
	case common.DOUBLE:
		return util.CompareFloat(val.F64, o.F64)
	case common.DECIMAL:
		return val.Dec.Compare(o.Dec)
	case common.VARCHAR:
		return strings.Compare(val.Str, o.Str)
	default:
		panic(fmt.Sprintf("usp compare %v", val.Typ))
	}
}

// Equal treats two nulls as equal.
func (val *Value) Equal(o *Value) bool {
	if val.IsNull || o.IsNull {
		return val.IsNull == o.IsNull
	}
	return val.Compare(o) == 0
}

func (val *Value) Hash() uint64 {
	if val.IsNull {
		return NULL_HASH
	}
	switch val.Typ.PTyp {
	case common.BOOL:
		if val.Bool {
			return util.HashU64(1)
		}
		return util.HashU64(0)
	case common.INT32, common.INT64:
		return util.HashU64(uint64(val.I64))
	case common.DOUBLE:
		return util.HashF64(val.F64)
	case common.DECIMAL:
		return util.HashString(val.Dec.Canonical())
	case common.VARCHAR:
		return util.HashString(val.Str)
	default:
		panic(fmt.Sprintf("usp hash %v", val.Typ))
	}
}

func (val *Value) Copy() *Value {
	ret := *val
	return &ret
}

func MaxValue(typ common.LType) *Value {
	ret := &Value{
		Typ: typ,
	}
	switch typ.Id {
	case common.LTID_BOOLEAN:
		ret.Bool = true
	case common.LTID_INTEGER:
		ret.I64 = math.MaxInt32
	case common.LTID_BIGINT:
		ret.I64 = math.MaxInt64
	case common.LTID_DOUBLE:
		ret.F64 = math.NaN()
	default:
		panic("usp")
	}
	return ret
}

func MinValue(typ common.LType) *Value {
	ret := &Value{
		Typ: typ,
	}
	switch typ.Id {
	case common.LTID_BOOLEAN:
		ret.Bool = false
	case common.LTID_INTEGER:
		ret.I64 = math.MinInt32
	case common.LTID_BIGINT:
		ret.I64 = math.MinInt64
	case common.LTID_DOUBLE:
		ret.F64 = math.Inf(-1)
	case common.LTID_VARCHAR:
		ret.Str = ""
	default:
		panic("usp")
	}
	return ret
}
