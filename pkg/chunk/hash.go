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

	"github.com/Stars1233/datafusion/pkg/common"
	"github.com/Stars1233/datafusion/pkg/util"
)

const (
	NULL_HASH = 0xbf58476d1ce4e5b9
)

func CombineHashScalar(a, b uint64) uint64 {
	return (a * 0xbf58476d1ce4e5b9) ^ b
}

// HashTypeSwitch writes the hash of count rows of input into result.
// With combine set, the hash is folded into the existing values.
func HashTypeSwitch(input *Vector, result []uint64, count int, combine bool) {
	switch data := input.Data.(type) {
	case []bool:
		hashLoop(data, input.Mask, result, count, combine, func(v bool) uint64 {
			if v {
				return util.HashU64(1)
			}
			return util.HashU64(0)
		})
	case []int32:
		hashLoop(data, input.Mask, result, count, combine, func(v int32) uint64 {
			return util.HashU64(uint64(int64(v)))
		})
	case []int64:
		hashLoop(data, input.Mask, result, count, combine, func(v int64) uint64 {
			return util.HashU64(uint64(v))
		})
	case []float64:
		hashLoop(data, input.Mask, result, count, combine, util.HashF64)
	case []common.Decimal:
		hashLoop(data, input.Mask, result, count, combine, func(v common.Decimal) uint64 {
			return util.HashString(v.Canonical())
		})
	case []string:
		hashLoop(data, input.Mask, result, count, combine, util.HashString)
	default:
		panic(fmt.Sprintf("usp hash type %v", input.Typ()))
	}
}

func hashLoop[T any](
	data []T,
	mask *util.Bitmap,
	result []uint64,
	count int,
	combine bool,
	fun func(T) uint64) {
	allValid := mask.AllValid()
	for i := 0; i < count; i++ {
		var h uint64
		if allValid || mask.RowIsValid(uint64(i)) {
			h = fun(data[i])
		} else {
			h = NULL_HASH
		}
		if combine {
			result[i] = CombineHashScalar(result[i], h)
		} else {
			result[i] = h
		}
	}
}

// HashValues is the row hash of a key tuple. It agrees with
// Chunk.Hash on the same values.
func HashValues(vals []*Value) uint64 {
	var h uint64
	for i, val := range vals {
		if i == 0 {
			h = val.Hash()
		} else {
			h = CombineHashScalar(h, val.Hash())
		}
	}
	return h
}
