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
	"context"
	"fmt"
	"math/rand"
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Stars1233/datafusion/pkg/chunk"
	"github.com/Stars1233/datafusion/pkg/common"
	"github.com/Stars1233/datafusion/pkg/util"
)

func joinSideTypes() []common.LType {
	return []common.LType{common.BigintType(), common.BigintType()}
}

// nestedLoopJoin is the reference join on column 0 of both sides. The
// residual, when set, is left.v < right.v.
func nestedLoopJoin(typ JoinType, left, right [][]*chunk.Value, residual, nullEq bool) []string {
	match := func(l, r []*chunk.Value) bool {
		if l[0].IsNull || r[0].IsNull {
			if !(nullEq && l[0].IsNull && r[0].IsNull) {
				return false
			}
		} else if l[0].I64 != r[0].I64 {
			return false
		}
		if residual {
			return !l[1].IsNull && !r[1].IsNull && l[1].I64 < r[1].I64
		}
		return true
	}
	nulls := []*chunk.Value{null(common.BigintType()), null(common.BigintType())}
	concat := func(a, b []*chunk.Value) []*chunk.Value {
		return append(slices.Clone(a), b...)
	}
	rows := make([][]*chunk.Value, 0)
	rightMatched := make([]bool, len(right))
	for _, l := range left {
		matched := false
		for j, r := range right {
			if !match(l, r) {
				continue
			}
			matched = true
			rightMatched[j] = true
			if typ.emitsPairs() {
				rows = append(rows, concat(l, r))
			}
		}
		switch {
		case typ == JT_LEFT_SEMI && matched, typ == JT_LEFT_ANTI && !matched:
			rows = append(rows, l)
		case (typ == JT_LEFT || typ == JT_FULL) && !matched:
			rows = append(rows, concat(l, nulls))
		}
	}
	for j, r := range right {
		switch {
		case typ == JT_RIGHT_SEMI && rightMatched[j], typ == JT_RIGHT_ANTI && !rightMatched[j]:
			rows = append(rows, r)
		case (typ == JT_RIGHT || typ == JT_FULL) && !rightMatched[j]:
			rows = append(rows, concat(nulls, r))
		}
	}
	ret := rowStrings(rows)
	slices.Sort(ret)
	return ret
}

func residualExpr() *Expr {
	return BinaryExpr(ET_Less,
		ColumnExpr(1, "lv", common.BigintType()),
		ColumnExpr(3, "rv", common.BigintType()))
}

func runHashJoin(t *testing.T, hj *HashJoin, left, right []*chunk.Chunk) ([]*chunk.Chunk, error) {
	ctx := context.Background()
	out := make([]*chunk.Chunk, 0)
	for _, c := range left {
		if err := hj.Build(ctx, c); err != nil {
			return nil, err
		}
	}
	if err := hj.FinishBuild(ctx); err != nil {
		return nil, err
	}
	for _, c := range right {
		if err := hj.Probe(ctx, c); err != nil {
			return nil, err
		}
		for c := hj.PopPending(); c != nil; c = hj.PopPending() {
			out = append(out, c)
		}
	}
	if err := hj.FinishProbe(ctx); err != nil {
		return nil, err
	}
	for {
		c, err := hj.Next(ctx)
		if err != nil {
			return nil, err
		}
		if c == nil {
			return out, nil
		}
		out = append(out, c)
	}
}

func joinInputs(seed int64, leftRows, rightRows int) ([]*chunk.Chunk, []*chunk.Chunk) {
	rng := rand.New(rand.NewSource(seed))
	opts := chunk.RandomOptions{BatchRows: 50, NullRatio: 0.05, Distinct: 80}
	opts.Rows = leftRows
	left := chunk.RandomChunks(rng, joinSideTypes(), opts)
	opts.Rows = rightRows
	right := chunk.RandomChunks(rng, joinSideTypes(), opts)
	return left, right
}

func TestHashJoinAllTypes(t *testing.T) {
	left, right := joinInputs(31, 600, 800)
	key := ColumnExpr(0, "k", common.BigintType())
	for _, typ := range AllJoinTypes {
		for _, capacity := range []int64{0, 8 << 10} {
			for _, residual := range []bool{false, true} {
				name := fmt.Sprintf("%s capacity %d residual %v", typ, capacity, residual)
				t.Run(name, func(t *testing.T) {
					cfg := testConfig(t)
					exec := newTestExec(t, cfg, capacity)
					var res *Expr
					if residual {
						res = residualExpr()
					}
					hj := NewHashJoin(exec, "join", typ, joinSideTypes(), joinSideTypes(),
						[]*Expr{key}, []*Expr{key}, res, false)
					out, err := runHashJoin(t, hj, left, right)
					require.NoError(t, err)
					if capacity > 0 {
						assert.Greater(t, hj.SpillCount(), 0)
						assert.GreaterOrEqual(t, hj.MaxLevel(), 1)
					}
					require.NoError(t, hj.Close())
					assert.Equal(t, nestedLoopJoin(typ, chunk.Rows(left), chunk.Rows(right), residual, false),
						sortedStrings(out))
					for _, c := range out {
						assert.Equal(t, hj.OutputTypes(), c.Types())
					}
				})
			}
		}
	}
}

func TestHashJoinNullEqualsNull(t *testing.T) {
	types := joinSideTypes()
	key := ColumnExpr(0, "k", types[0])
	left := []*chunk.Chunk{rowsChunk(types,
		[]*chunk.Value{null(types[0]), bigint(1)},
		[]*chunk.Value{bigint(2), bigint(2)},
	)}
	right := []*chunk.Chunk{rowsChunk(types,
		[]*chunk.Value{null(types[0]), bigint(10)},
		[]*chunk.Value{bigint(2), bigint(20)},
		[]*chunk.Value{bigint(3), bigint(30)},
	)}
	for _, nullEq := range []bool{false, true} {
		cfg := testConfig(t)
		exec := newTestExec(t, cfg, 0)
		hj := NewHashJoin(exec, "join", JT_FULL, types, types, []*Expr{key}, []*Expr{key}, nil, nullEq)
		out, err := runHashJoin(t, hj, left, right)
		require.NoError(t, err)
		require.NoError(t, hj.Close())
		assert.Equal(t, nestedLoopJoin(JT_FULL, chunk.Rows(left), chunk.Rows(right), false, nullEq),
			sortedStrings(out))
	}
}

func TestHashJoinSkewedKey(t *testing.T) {
	types := joinSideTypes()
	key := ColumnExpr(0, "k", types[0])
	rows := make([][]*chunk.Value, 0)
	for i := 0; i < 600; i++ {
		//one key cannot be split by rehashing
		rows = append(rows, []*chunk.Value{bigint(7), bigint(int64(i))})
	}
	left := chunk.Split(rowsChunk(types, rows...), 50)
	right := []*chunk.Chunk{
		rowsChunk(types,
			[]*chunk.Value{bigint(7), bigint(0)},
			[]*chunk.Value{bigint(8), bigint(5)},
			[]*chunk.Value{bigint(7), bigint(300)},
		),
		rowsChunk(types,
			[]*chunk.Value{null(types[0]), bigint(1)},
			[]*chunk.Value{bigint(7), bigint(599)},
			[]*chunk.Value{bigint(9), bigint(4)},
		),
	}
	cases := []struct {
		recursion int
		level     int
	}{
		//the level limit is reached before any repartition
		{0, 0},
		//repartitioning once shows that the key does not split
		{3, 1},
	}
	for _, tc := range cases {
		for _, typ := range AllJoinTypes {
			for _, residual := range []bool{false, true} {
				name := fmt.Sprintf("recursion %d %s residual %v", tc.recursion, typ, residual)
				t.Run(name, func(t *testing.T) {
					cfg := testConfig(t)
					cfg.Exec.MaxJoinRecursion = tc.recursion
					exec := newTestExec(t, cfg, 2<<10)
					var res *Expr
					if residual {
						res = residualExpr()
					}
					hj := NewHashJoin(exec, "join", typ, types, types, []*Expr{key}, []*Expr{key}, res, false)
					out, err := runHashJoin(t, hj, left, right)
					require.NoError(t, err)
					assert.Equal(t, tc.level, hj.MaxLevel())
					assert.Greater(t, hj.BlockCount(), 1, "the skewed key needs several blocks")
					require.NoError(t, hj.Close())
					assert.Equal(t, nestedLoopJoin(typ, chunk.Rows(left), chunk.Rows(right), residual, false),
						sortedStrings(out))
				})
			}
		}
	}
}

func TestHashJoinRowTooLarge(t *testing.T) {
	types := joinSideTypes()
	key := ColumnExpr(0, "k", types[0])
	left := []*chunk.Chunk{rowsChunk(types,
		[]*chunk.Value{bigint(1), bigint(1)},
		[]*chunk.Value{bigint(1), bigint(2)},
	)}
	right := []*chunk.Chunk{rowsChunk(types, []*chunk.Value{bigint(1), bigint(1)})}
	cfg := testConfig(t)
	cfg.Exec.MaxJoinRecursion = 0
	//less than one build row with its hash table entry
	exec := newTestExec(t, cfg, 16)
	hj := NewHashJoin(exec, "join", JT_INNER, types, types, []*Expr{key}, []*Expr{key}, nil, false)
	_, err := runHashJoin(t, hj, left, right)
	require.Error(t, err)
	assert.True(t, common.IsResourcesExhausted(err), err.Error())
	assert.NoError(t, hj.Close())
}

func TestPartitionSeeds(t *testing.T) {
	cfg := testConfig(t)
	cfg.Exec.HashPartitions = 16
	exec := newTestExec(t, cfg, 0)
	key := ColumnExpr(0, "k", common.BigintType())
	ha := NewHashAggr(exec, "aggr", AM_SINGLE, []*Expr{key}, []*AggrExpr{NewAggrExpr(AGG_COUNT_STAR, nil, "cnt")})
	hj := NewHashJoin(exec, "join", JT_INNER, joinSideTypes(), joinSideTypes(),
		[]*Expr{key}, []*Expr{key}, nil, false)
	child := hj.newChild()

	//the hashes one output of a four way repartition receives
	aggParts := make(map[int]bool)
	joinParts := make(map[int]bool)
	childParts := make(map[int]bool)
	for i := uint64(0); i < 4000; i++ {
		h := util.HashU64(i)
		if util.HashPartition(h, repartitionSeed, 4) != 1 {
			continue
		}
		aggParts[ha.partitionOf(h)] = true
		joinParts[hj.partitionOf(h)] = true
		childParts[child.partitionOf(h)] = true
	}
	assert.Len(t, aggParts, 16)
	assert.Len(t, joinParts, 16)
	assert.Len(t, childParts, 16)
	assert.NoError(t, child.Close())
	assert.NoError(t, hj.Close())
	assert.NoError(t, ha.Close())
}

func joinScan(b *Builder, chunks []*chunk.Chunk, partitions int, prefix string) *PhysicalOperator {
	schema := chunk.NewSchema(
		chunk.Field{Name: prefix + "k", Typ: common.BigintType(), Nullable: true},
		chunk.Field{Name: prefix + "v", Typ: common.BigintType(), Nullable: true},
	)
	data := make([][]*chunk.Chunk, partitions)
	for i, c := range chunks {
		data[i%partitions] = append(data[i%partitions], c)
	}
	return b.Scan(schema, data)
}

func TestHashJoinPlanPartitioned(t *testing.T) {
	left, right := joinInputs(41, 700, 500)
	for _, typ := range AllJoinTypes {
		t.Run(typ.String(), func(t *testing.T) {
			cfg := testConfig(t)
			exec := newTestExec(t, cfg, 0)
			b := NewBuilder(cfg)
			l := joinScan(b, left, 3, "l")
			r := joinScan(b, right, 2, "r")
			join, err := b.HashJoin(l, r, typ,
				[]*Expr{ColumnOf(l.Schema, "lk")},
				[]*Expr{ColumnOf(r.Schema, "rk")},
				residualExpr(), false)
			require.NoError(t, err)
			assert.Equal(t, cfg.Exec.TargetPartitions, join.OutputPartitions())
			assert.Equal(t, POT_Repartition, join.Children[0].Typ)

			got, err := CollectPartitioned(context.Background(), exec, join)
			require.NoError(t, err)
			flat := make([]*chunk.Chunk, 0)
			for _, part := range got {
				flat = append(flat, part...)
			}
			assert.Equal(t, nestedLoopJoin(typ, chunk.Rows(left), chunk.Rows(right), true, false),
				sortedStrings(flat))
		})
	}
}

func TestHashJoinPlanErrors(t *testing.T) {
	cfg := testConfig(t)
	b := NewBuilder(cfg)
	l := joinScan(b, nil, 1, "l")
	r := b.Scan(chunk.NewSchema(chunk.Field{Name: "rk", Typ: common.VarcharType()}), nil)
	_, err := b.HashJoin(l, r, JT_INNER,
		[]*Expr{ColumnOf(l.Schema, "lk")},
		[]*Expr{ColumnOf(r.Schema, "rk")},
		nil, false)
	assert.ErrorIs(t, err, common.ErrSchemaMismatch)
	_, err = b.HashJoin(l, r, JT_INNER, nil, nil, nil, false)
	assert.ErrorIs(t, err, common.ErrSchemaMismatch)
}

func TestJoinSchema(t *testing.T) {
	left := chunk.NewSchema(chunk.Field{Name: "a", Typ: common.BigintType()})
	right := chunk.NewSchema(chunk.Field{Name: "b", Typ: common.VarcharType()})
	cases := []struct {
		typ   JoinType
		names []string
		nulls []bool
	}{
		{JT_INNER, []string{"a", "b"}, []bool{false, false}},
		{JT_LEFT, []string{"a", "b"}, []bool{false, true}},
		{JT_RIGHT, []string{"a", "b"}, []bool{true, false}},
		{JT_FULL, []string{"a", "b"}, []bool{true, true}},
		{JT_LEFT_SEMI, []string{"a"}, []bool{false}},
		{JT_LEFT_ANTI, []string{"a"}, []bool{false}},
		{JT_RIGHT_SEMI, []string{"b"}, []bool{false}},
		{JT_RIGHT_ANTI, []string{"b"}, []bool{false}},
	}
	for _, tc := range cases {
		schema := joinSchema(left, right, tc.typ)
		names := make([]string, 0)
		nulls := make([]bool, 0)
		for _, f := range schema.Fields {
			names = append(names, f.Name)
			nulls = append(nulls, f.Nullable)
		}
		assert.Equal(t, tc.names, names, tc.typ.String())
		assert.Equal(t, tc.nulls, nulls, tc.typ.String())
	}
}
