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
	"math"
	"strconv"

	"github.com/axiomhq/hyperloglog"

	"github.com/Stars1233/datafusion/pkg/chunk"
	"github.com/Stars1233/datafusion/pkg/common"
	"github.com/Stars1233/datafusion/pkg/util"
)

// Accumulator folds the values of one group. Its state can be taken
// out as values, spilled, and merged into another accumulator of the
// same aggregate.
type Accumulator interface {
	Update(val *chunk.Value) error
	Merge(state []*chunk.Value) error
	State() []*chunk.Value
	Evaluate() (*chunk.Value, error)
	//bytes held
	Size() int64
}

const (
	accBaseSize = 32
	//dense sketch with 2^14 registers
	hllSize = 1 << 14
)

func newAccumulator(aggr *AggrExpr) Accumulator {
	switch aggr.Func {
	case AGG_COUNT, AGG_COUNT_STAR:
		return &countAcc{}
	case AGG_SUM:
		return &sumAcc{typ: common.SumType(aggr.argType())}
	case AGG_MIN:
		return &minMaxAcc{typ: aggr.argType()}
	case AGG_MAX:
		return &minMaxAcc{typ: aggr.argType(), isMax: true}
	case AGG_AVG:
		return &avgAcc{sum: sumAcc{typ: avgSumType(aggr.argType())}, resTyp: aggr.ResultType()}
	case AGG_COUNT_DISTINCT:
		return &countDistinctAcc{set: make(map[string]struct{})}
	case AGG_APPROX_DISTINCT:
		return &approxDistinctAcc{sketch: hyperloglog.New14()}
	default:
		panic(fmt.Sprintf("usp %v", aggr.Func))
	}
}

type countAcc struct {
	n int64
}

func (acc *countAcc) Update(val *chunk.Value) error {
	if !val.IsNull {
		acc.n++
	}
	return nil
}

func (acc *countAcc) Merge(state []*chunk.Value) error {
	if !state[0].IsNull {
		acc.n += state[0].I64
	}
	return nil
}

func (acc *countAcc) State() []*chunk.Value {
	return []*chunk.Value{chunk.NewBigintValue(acc.n)}
}

func (acc *countAcc) Evaluate() (*chunk.Value, error) {
	return chunk.NewBigintValue(acc.n), nil
}

func (acc *countAcc) Size() int64 {
	return accBaseSize
}

// sumAcc is null until it sees a non-null value.
type sumAcc struct {
	typ common.LType
	has bool
	i   int64
	f   float64
	d   common.Decimal
}

func (acc *sumAcc) add(val *chunk.Value) error {
	if val.IsNull {
		return nil
	}
	switch acc.typ.Id {
	case common.LTID_BIGINT:
		acc.i += val.I64
	case common.LTID_DOUBLE:
		acc.f += toFloat(val)
	case common.LTID_DECIMAL:
		if !acc.has {
			acc.d = common.DecimalFromInt64(0, 0)
		}
		d, err := acc.d.Add(toDecimal(val))
		if err != nil {
			return fmt.Errorf("sum: %w", err)
		}
		acc.d = d
	default:
		panic(fmt.Sprintf("usp sum %v", acc.typ))
	}
	acc.has = true
	return nil
}

func (acc *sumAcc) value() *chunk.Value {
	if !acc.has {
		return chunk.NewNullValue(acc.typ)
	}
	ret := &chunk.Value{Typ: acc.typ}
	switch acc.typ.Id {
	case common.LTID_BIGINT:
		ret.I64 = acc.i
	case common.LTID_DOUBLE:
		ret.F64 = acc.f
	case common.LTID_DECIMAL:
		ret.Dec = acc.d
	}
	return ret
}

func (acc *sumAcc) Update(val *chunk.Value) error {
	return acc.add(val)
}

func (acc *sumAcc) Merge(state []*chunk.Value) error {
	return acc.add(state[0])
}

func (acc *sumAcc) State() []*chunk.Value {
	return []*chunk.Value{acc.value()}
}

func (acc *sumAcc) Evaluate() (*chunk.Value, error) {
	return acc.value(), nil
}

func (acc *sumAcc) Size() int64 {
	return accBaseSize + 24
}

type minMaxAcc struct {
	typ   common.LType
	isMax bool
	val   *chunk.Value
}

func (acc *minMaxAcc) Update(val *chunk.Value) error {
	if val.IsNull {
		return nil
	}
	if acc.val == nil {
		acc.val = val.Copy()
		return nil
	}
	ret := val.Compare(acc.val)
	if (acc.isMax && ret > 0) || (!acc.isMax && ret < 0) {
		acc.val = val.Copy()
	}
	return nil
}

func (acc *minMaxAcc) Merge(state []*chunk.Value) error {
	return acc.Update(state[0])
}

func (acc *minMaxAcc) State() []*chunk.Value {
	ret, _ := acc.Evaluate()
	return []*chunk.Value{ret}
}

func (acc *minMaxAcc) Evaluate() (*chunk.Value, error) {
	if acc.val == nil {
		return chunk.NewNullValue(acc.typ), nil
	}
	return acc.val, nil
}

func (acc *minMaxAcc) Size() int64 {
	sz := int64(accBaseSize + 48)
	if acc.val != nil {
		sz += int64(len(acc.val.Str))
	}
	return sz
}

// avgAcc keeps an exact integer sum for integer input.
type avgAcc struct {
	sum    sumAcc
	count  int64
	resTyp common.LType
}

func (acc *avgAcc) Update(val *chunk.Value) error {
	if val.IsNull {
		return nil
	}
	acc.count++
	return acc.sum.add(val)
}

func (acc *avgAcc) Merge(state []*chunk.Value) error {
	if state[1].IsNull || state[1].I64 == 0 {
		return nil
	}
	acc.count += state[1].I64
	return acc.sum.add(state[0])
}

func (acc *avgAcc) State() []*chunk.Value {
	return []*chunk.Value{acc.sum.value(), chunk.NewBigintValue(acc.count)}
}

func (acc *avgAcc) Evaluate() (*chunk.Value, error) {
	if acc.count == 0 {
		return chunk.NewNullValue(acc.resTyp), nil
	}
	switch acc.sum.typ.Id {
	case common.LTID_BIGINT:
		return chunk.NewDoubleValue(float64(acc.sum.i) / float64(acc.count)), nil
	case common.LTID_DOUBLE:
		return chunk.NewDoubleValue(acc.sum.f / float64(acc.count)), nil
	case common.LTID_DECIMAL:
		d, err := acc.sum.d.QuoInt(acc.count)
		if err != nil {
			return nil, fmt.Errorf("avg: %w", err)
		}
		return &chunk.Value{Typ: acc.resTyp, Dec: d}, nil
	default:
		panic(fmt.Sprintf("usp avg %v", acc.sum.typ))
	}
}

func (acc *avgAcc) Size() int64 {
	return accBaseSize + 32
}

// distinctKey renders a value so that values equal under Value.Equal
// share a key.
func distinctKey(val *chunk.Value) string {
	switch val.Typ.Id {
	case common.LTID_BOOLEAN:
		if val.Bool {
			return "t"
		}
		return "f"
	case common.LTID_INTEGER, common.LTID_BIGINT:
		return strconv.FormatInt(val.I64, 10)
	case common.LTID_DOUBLE:
		switch {
		case math.IsNaN(val.F64):
			return "NaN"
		case val.F64 == 0:
			return "0"
		}
		return strconv.FormatFloat(val.F64, 'g', -1, 64)
	case common.LTID_DECIMAL:
		return val.Dec.Canonical()
	case common.LTID_VARCHAR:
		return val.Str
	default:
		panic(fmt.Sprintf("usp distinct %v", val.Typ))
	}
}

type countDistinctAcc struct {
	set   map[string]struct{}
	bytes int64
}

func (acc *countDistinctAcc) insert(key string) {
	if _, has := acc.set[key]; has {
		return
	}
	acc.set[key] = struct{}{}
	acc.bytes += int64(len(key)) + 16
}

func (acc *countDistinctAcc) Update(val *chunk.Value) error {
	if val.IsNull {
		return nil
	}
	acc.insert(distinctKey(val))
	return nil
}

func (acc *countDistinctAcc) Merge(state []*chunk.Value) error {
	if state[0].IsNull {
		return nil
	}
	deserial := util.NewBufferDeserialize(util.UnsafeStringToBytes(state[0].Str))
	cnt := uint32(0)
	if err := util.Read[uint32](&cnt, deserial); err != nil {
		return fmt.Errorf("count distinct state: %w", err)
	}
	for i := uint32(0); i < cnt; i++ {
		key, err := util.ReadString(deserial)
		if err != nil {
			return fmt.Errorf("count distinct state: %w", err)
		}
		acc.insert(key)
	}
	return nil
}

func (acc *countDistinctAcc) State() []*chunk.Value {
	serial := &util.BufferSerialize{}
	err := util.Write[uint32](uint32(len(acc.set)), serial)
	util.AssertFunc(err == nil)
	for key := range acc.set {
		err = util.WriteString(key, serial)
		util.AssertFunc(err == nil)
	}
	return []*chunk.Value{chunk.NewVarcharValue(string(serial.Bytes()))}
}

func (acc *countDistinctAcc) Evaluate() (*chunk.Value, error) {
	return chunk.NewBigintValue(int64(len(acc.set))), nil
}

func (acc *countDistinctAcc) Size() int64 {
	return accBaseSize + acc.bytes
}

type approxDistinctAcc struct {
	sketch *hyperloglog.Sketch
}

func (acc *approxDistinctAcc) Update(val *chunk.Value) error {
	if val.IsNull {
		return nil
	}
	acc.sketch.InsertHash(val.Hash())
	return nil
}

func (acc *approxDistinctAcc) Merge(state []*chunk.Value) error {
	if state[0].IsNull {
		return nil
	}
	other := hyperloglog.New14()
	if err := other.UnmarshalBinary([]byte(state[0].Str)); err != nil {
		return fmt.Errorf("approx distinct state: %w", err)
	}
	return acc.sketch.Merge(other)
}

func (acc *approxDistinctAcc) State() []*chunk.Value {
	data, err := acc.sketch.MarshalBinary()
	util.AssertFunc(err == nil)
	return []*chunk.Value{chunk.NewVarcharValue(string(data))}
}

func (acc *approxDistinctAcc) Evaluate() (*chunk.Value, error) {
	return chunk.NewBigintValue(int64(acc.sketch.Estimate())), nil
}

func (acc *approxDistinctAcc) Size() int64 {
	return accBaseSize + hllSize
}
