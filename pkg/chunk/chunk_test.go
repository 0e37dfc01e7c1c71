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
	"io"
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Stars1233/datafusion/pkg/common"
	"github.com/Stars1233/datafusion/pkg/util"
)

func testTypes() []common.LType {
	return []common.LType{
		common.BooleanType(),
		common.IntegerType(),
		common.BigintType(),
		common.DoubleType(),
		common.VarcharType(),
		common.DecimalType(12, 2),
	}
}

func TestChunkAppendSlice(t *testing.T) {
	c := NewChunk([]common.LType{common.BigintType(), common.VarcharType()}, 2)
	for i := 0; i < 10; i++ {
		var s *Value
		if i%3 == 0 {
			s = NewNullValue(common.VarcharType())
		} else {
			s = NewVarcharValue("v")
		}
		c.AppendRow([]*Value{NewBigintValue(int64(i)), s})
	}
	require.Equal(t, 10, c.Card())
	assert.GreaterOrEqual(t, c.Cap(), 10)
	assert.True(t, c.Data[1].IsNull(9))
	assert.False(t, c.Data[1].IsNull(8))

	part := &Chunk{}
	part.Init(c.Types(), 4)
	part.SliceRange(c, 5, 4)
	assert.Equal(t, 4, part.Card())
	assert.Equal(t, int64(5), part.Data[0].GetValue(0).I64)
	assert.True(t, part.Data[1].IsNull(1))

	sel := NewSelectVectorFrom([]int{9, 0})
	picked := NewChunk(c.Types(), 2)
	picked.Append(c, sel, 2)
	assert.Equal(t, int64(9), picked.Data[0].GetValue(0).I64)
	assert.Equal(t, int64(0), picked.Data[0].GetValue(1).I64)
	assert.True(t, picked.Data[1].IsNull(0))

	parts := Split(c, 3)
	assert.Len(t, parts, 4)
	assert.Equal(t, 1, parts[3].Card())
	all := Concat(c.Types(), parts)
	assert.Equal(t, RowStrings([]*Chunk{c}), RowStrings([]*Chunk{all}))
}

func TestChunkSerialize(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	chunks := RandomChunks(rng, testTypes(), RandomOptions{
		Rows:      300,
		BatchRows: 128,
		NullRatio: 0.2,
		Distinct:  50,
	})
	require.Len(t, chunks, 3)
	serial := &util.BufferSerialize{}
	for _, c := range chunks {
		require.NoError(t, c.Serialize(serial))
	}
	deserial := util.NewBufferDeserialize(serial.Bytes())
	for _, c := range chunks {
		got := &Chunk{}
		require.NoError(t, got.Deserialize(deserial))
		assert.Equal(t, c.Card(), got.Card())
		assert.Equal(t, RowStrings([]*Chunk{c}), RowStrings([]*Chunk{got}))
	}
	got := &Chunk{}
	assert.ErrorIs(t, got.Deserialize(deserial), io.EOF)
}

func TestChunkSerializeTruncated(t *testing.T) {
	c := NewChunk([]common.LType{common.VarcharType()}, 1)
	c.AppendRow([]*Value{NewVarcharValue("hello")})
	serial := &util.BufferSerialize{}
	require.NoError(t, c.Serialize(serial))
	data := serial.Bytes()
	got := &Chunk{}
	err := got.Deserialize(util.NewBufferDeserialize(data[:len(data)-2]))
	assert.Error(t, err)
	assert.NotErrorIs(t, err, io.EOF)
}

func TestHashConsistency(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	c := RandomChunks(rng, testTypes(), RandomOptions{
		Rows:      64,
		BatchRows: 64,
		NullRatio: 0.1,
		Distinct:  8,
	})[0]
	hashes := make([]uint64, c.Card())
	c.Hash(hashes)
	for i := 0; i < c.Card(); i++ {
		assert.Equal(t, HashValues(c.Row(i)), hashes[i])
	}

	//equal decimals with different scales share a hash
	a := NewDecimalValue(common.DecimalFromInt64(150, 2), 12, 2)
	b := NewDecimalValue(common.DecimalFromInt64(15, 1), 12, 1)
	assert.Equal(t, a.Hash(), b.Hash())
	assert.True(t, a.Equal(b))
}

func TestValueCompare(t *testing.T) {
	assert.Equal(t, 1, NewDoubleValue(math.NaN()).Compare(NewDoubleValue(math.Inf(1))))
	assert.Equal(t, -1, NewVarcharValue("a").Compare(NewVarcharValue("b")))
	assert.Equal(t, -1, NewBooleanValue(false).Compare(NewBooleanValue(true)))
	assert.True(t, NewNullValue(common.BigintType()).Equal(NewNullValue(common.BigintType())))
	assert.False(t, NewNullValue(common.BigintType()).Equal(NewBigintValue(0)))
}

func TestStats(t *testing.T) {
	c := NewChunkFromVectors(4,
		NewBigintFlatVector([]int64{5, 1, 9, 3}, []bool{false, false, false, true}),
		NewVarcharFlatVector([]string{"", "", "", ""}, []bool{true, true, true, true}),
	)
	stats := ComputeStats(c)
	assert.Equal(t, int64(1), stats[0].Min.I64)
	assert.Equal(t, int64(9), stats[0].Max.I64)
	assert.Equal(t, 1, stats[0].NullCount)
	assert.True(t, stats[1].AllNull())
	assert.Nil(t, stats[1].Min)

	other := ComputeStats(NewChunkFromVectors(1,
		NewBigintFlatVector([]int64{-4}, nil),
		NewVarcharFlatVector([]string{"x"}, nil)))
	stats[0].Merge(&other[0])
	stats[1].Merge(&other[1])
	assert.Equal(t, int64(-4), stats[0].Min.I64)
	assert.Equal(t, "x", stats[1].Max.Str)
	assert.False(t, stats[1].AllNull())
}

func TestMemorySize(t *testing.T) {
	c := NewChunkFromVectors(2,
		NewBigintFlatVector([]int64{1, 2}, nil),
		NewVarcharFlatVector([]string{"abc", "de"}, nil))
	assert.Equal(t, int64(2*8+2*16+5), c.MemorySize())
}

func TestSchema(t *testing.T) {
	s := NewSchema(
		Field{Name: "a", Typ: common.BigintType()},
		Field{Name: "b", Typ: common.VarcharType(), Nullable: true},
	)
	assert.Equal(t, 1, s.Index("b"))
	assert.Equal(t, -1, s.Index("z"))
	c := NewChunk(s.Types(), 1)
	assert.True(t, s.Match(c))
	assert.False(t, s.Project([]int{1}).Match(c))
	assert.Equal(t, 4, s.Concat(s).Len())
}
