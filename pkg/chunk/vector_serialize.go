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
	"github.com/Stars1233/datafusion/pkg/common"
	"github.com/Stars1233/datafusion/pkg/util"
)

func (vec *Vector) Serialize(count int, serial util.Serialize) error {
	writeValidity := (count > 0) && HasNull(vec, count)
	err := util.Write[bool](writeValidity, serial)
	if err != nil {
		return err
	}
	if writeValidity {
		flatMask := &util.Bitmap{}
		flatMask.Init(count)
		for i := 0; i < count; i++ {
			flatMask.Set(uint64(i), vec.Mask.RowIsValid(uint64(i)))
		}
		err = serial.WriteData(flatMask.Bits, flatMask.Bytes(count))
		if err != nil {
			return err
		}
	}
	switch data := vec.Data.(type) {
	case []bool:
		return writeFixed(data[:count], serial)
	case []int32:
		return writeFixed(data[:count], serial)
	case []int64:
		return writeFixed(data[:count], serial)
	case []float64:
		return writeFixed(data[:count], serial)
	case []common.Decimal:
		for i := 0; i < count; i++ {
			s := ""
			if vec.Mask.RowIsValid(uint64(i)) {
				s = data[i].String()
			}
			err = util.WriteString(s, serial)
			if err != nil {
				return err
			}
		}
	case []string:
		for i := 0; i < count; i++ {
			s := ""
			if vec.Mask.RowIsValid(uint64(i)) {
				s = data[i]
			}
			err = util.WriteString(s, serial)
			if err != nil {
				return err
			}
		}
	}
	return nil
}

func writeFixed[T bool | int32 | int64 | float64](data []T, serial util.Serialize) error {
	if len(data) == 0 {
		return nil
	}
	return util.Write[[]T](data, serial)
}

func (vec *Vector) Deserialize(count int, deserial util.Deserialize) error {
	hasMask := false
	err := util.Read[bool](&hasMask, deserial)
	if err != nil {
		return err
	}
	vec.Init(count)
	if hasMask {
		vec.Mask.Init(count)
		err = deserial.ReadData(vec.Mask.Bits, vec.Mask.Bytes(count))
		if err != nil {
			return err
		}
	}
	switch data := vec.Data.(type) {
	case []bool:
		return readFixed(data, deserial)
	case []int32:
		return readFixed(data, deserial)
	case []int64:
		return readFixed(data, deserial)
	case []float64:
		return readFixed(data, deserial)
	case []common.Decimal:
		for i := 0; i < count; i++ {
			s, err := util.ReadString(deserial)
			if err != nil {
				return err
			}
			if !vec.Mask.RowIsValid(uint64(i)) {
				continue
			}
			data[i], err = common.ParseDecimal(s)
			if err != nil {
				return err
			}
		}
	case []string:
		for i := 0; i < count; i++ {
			data[i], err = util.ReadString(deserial)
			if err != nil {
				return err
			}
		}
	}
	return nil
}

func readFixed[T bool | int32 | int64 | float64](data []T, deserial util.Deserialize) error {
	if len(data) == 0 {
		return nil
	}
	return util.Read[[]T](&data, deserial)
}
