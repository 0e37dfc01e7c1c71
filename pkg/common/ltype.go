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

package common

import (
	"fmt"

	"github.com/Stars1233/datafusion/pkg/util"
)

type LType struct {
	Id    LTypeId
	PTyp  PhyType
	Width int
	Scale int
}

func (lt LType) Serialize(serial util.Serialize) error {
	err := util.Write[int32](int32(lt.Id), serial)
	if err != nil {
		return err
	}
	err = util.Write[int32](int32(lt.Width), serial)
	if err != nil {
		return err
	}
	return util.Write[int32](int32(lt.Scale), serial)
}

func DeserializeLType(deserial util.Deserialize) (LType, error) {
	var id, width, scale int32
	err := util.Read[int32](&id, deserial)
	if err != nil {
		return LType{}, err
	}
	err = util.Read[int32](&width, deserial)
	if err != nil {
		return LType{}, err
	}
	err = util.Read[int32](&scale, deserial)
	if err != nil {
		return LType{}, err
	}
	if _, has := lTypeIdToStr[LTypeId(id)]; !has {
		return LType{}, fmt.Errorf("unknown logical type id %d", id)
	}
	ret := LType{
		Id:    LTypeId(id),
		Width: int(width),
		Scale: int(scale),
	}
	ret.PTyp = ret.GetInternalType()
	return ret, nil
}

func MakeLType(id LTypeId) LType {
	ret := LType{Id: id}
	ret.PTyp = ret.GetInternalType()
	return ret
}

func Null() LType {
	return MakeLType(LTID_NULL)
}

func DecimalType(width, scale int) LType {
	ret := MakeLType(LTID_DECIMAL)
	ret.Width = width
	ret.Scale = scale
	return ret
}

func BigintType() LType {
	return MakeLType(LTID_BIGINT)
}

func IntegerType() LType {
	return MakeLType(LTID_INTEGER)
}

func DoubleType() LType {
	return MakeLType(LTID_DOUBLE)
}

func VarcharType() LType {
	return MakeLType(LTID_VARCHAR)
}

func BooleanType() LType {
	return MakeLType(LTID_BOOLEAN)
}

func CopyLTypes(typs ...LType) []LType {
	ret := make([]LType, len(typs))
	copy(ret, typs)
	return ret
}

func (lt LType) IsNumeric() bool {
	switch lt.Id {
	case LTID_INTEGER, LTID_BIGINT, LTID_DOUBLE, LTID_DECIMAL:
		return true
	}
	return false
}

func (lt LType) IsIntegral() bool {
	return lt.Id == LTID_INTEGER || lt.Id == LTID_BIGINT
}

func (lt LType) Equal(o LType) bool {
	if lt.Id != o.Id {
		return false
	}
	if lt.Id == LTID_DECIMAL {
		return lt.Width == o.Width && lt.Scale == o.Scale
	}
	return true
}

func (lt LType) GetInternalType() PhyType {
	switch lt.Id {
	case LTID_BOOLEAN:
		return BOOL
	case LTID_NULL, LTID_INTEGER:
		return INT32
	case LTID_BIGINT:
		return INT64
	case LTID_DOUBLE:
		return DOUBLE
	case LTID_DECIMAL:
		return DECIMAL
	case LTID_VARCHAR:
		return VARCHAR
	case LTID_INVALID:
		return INVALID
	default:
		panic(fmt.Sprintf("usp logical type %d", lt.Id))
	}
}

func (lt LType) String() string {
	if lt.Id == LTID_DECIMAL {
		return fmt.Sprintf("%v(%d,%d)", lt.PTyp, lt.Width, lt.Scale)
	}
	return fmt.Sprintf("%v", lt.PTyp)
}

// SumType is the result type of SUM over lt.
func SumType(lt LType) LType {
	switch lt.Id {
	case LTID_INTEGER, LTID_BIGINT:
		return BigintType()
	case LTID_DECIMAL:
		return DecimalType(38, lt.Scale)
	default:
		return DoubleType()
	}
}
