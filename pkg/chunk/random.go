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
	"math/rand"
	"slices"

	"github.com/Stars1233/datafusion/pkg/common"
	"github.com/Stars1233/datafusion/pkg/util"
)

type RandomOptions struct {
	Rows      int
	BatchRows int
	//probability of a null cell
	NullRatio float64
	//values are drawn from [0, Distinct)
	Distinct int
}

// RandomValue draws a value of typ for fuzz tests.
func RandomValue(rng *rand.Rand, typ common.LType, opts RandomOptions) *Value {
	if opts.NullRatio > 0 && rng.Float64() < opts.NullRatio {
		return NewNullValue(typ)
	}
	distinct := max(opts.Distinct, 1)
	n := rng.Intn(distinct)
	switch typ.Id {
	case common.LTID_BOOLEAN:
		return NewBooleanValue(n%2 == 0)
	case common.LTID_INTEGER:
		return NewIntegerValue(int32(n - distinct/2))
	case common.LTID_BIGINT:
		return NewBigintValue(int64(n - distinct/2))
	case common.LTID_DOUBLE:
		return NewDoubleValue(float64(n-distinct/2) / 4)
	case common.LTID_DECIMAL:
		return NewDecimalValue(common.DecimalFromInt64(int64(n-distinct/2), typ.Scale), typ.Width, typ.Scale)
	case common.LTID_VARCHAR:
		return NewVarcharValue(fmt.Sprintf("s%05d", n))
	default:
		panic(fmt.Sprintf("usp random type %v", typ))
	}
}

// RandomChunks builds opts.Rows rows split into batches of at most
// opts.BatchRows rows.
func RandomChunks(rng *rand.Rand, types []common.LType, opts RandomOptions) []*Chunk {
	batchRows := max(opts.BatchRows, 1)
	ret := make([]*Chunk, 0)
	for done := 0; done < opts.Rows; {
		cnt := min(batchRows, opts.Rows-done)
		c := NewChunk(types, cnt)
		for i := 0; i < cnt; i++ {
			row := make([]*Value, len(types))
			for j, typ := range types {
				row[j] = RandomValue(rng, typ, opts)
			}
			c.AppendRow(row)
		}
		ret = append(ret, c)
		done += cnt
	}
	return ret
}

// SortedRandomChunks is RandomChunks sorted ascending by the key
// columns, nulls last.
func SortedRandomChunks(rng *rand.Rand, types []common.LType, keys []int, opts RandomOptions) []*Chunk {
	rows := Rows(RandomChunks(rng, types, opts))
	slices.SortStableFunc(rows, func(a, b []*Value) int {
		for _, k := range keys {
			l, r := a[k], b[k]
			switch {
			case l.IsNull && r.IsNull:
				continue
			case l.IsNull:
				return 1
			case r.IsNull:
				return -1
			}
			if ret := l.Compare(r); ret != 0 {
				return ret
			}
		}
		return 0
	})
	batchRows := max(opts.BatchRows, 1)
	ret := make([]*Chunk, 0)
	for _, rg := range util.Chunked(len(rows), batchRows) {
		c := NewChunk(types, rg.Second-rg.First)
		for _, row := range rows[rg.First:rg.Second] {
			c.AppendRow(row)
		}
		ret = append(ret, c)
	}
	return ret
}

// Rows flattens chunks into rows.
func Rows(chunks []*Chunk) [][]*Value {
	ret := make([][]*Value, 0)
	for _, c := range chunks {
		for i := 0; i < c.Card(); i++ {
			ret = append(ret, c.Row(i))
		}
	}
	return ret
}

// RowStrings renders rows for order-insensitive comparisons in tests.
func RowStrings(chunks []*Chunk) []string {
	ret := make([]string, 0)
	for _, row := range Rows(chunks) {
		s := ""
		for j, val := range row {
			if j > 0 {
				s += "|"
			}
			s += val.String()
		}
		ret = append(ret, s)
	}
	return ret
}

func RowCount(chunks []*Chunk) int {
	cnt := 0
	for _, c := range chunks {
		cnt += c.Card()
	}
	return cnt
}
