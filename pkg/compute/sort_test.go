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
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Stars1233/datafusion/pkg/chunk"
	"github.com/Stars1233/datafusion/pkg/common"
)

func personTypes() []common.LType {
	return []common.LType{common.BigintType(), common.VarcharType()}
}

func personOrders() []*SortExpr {
	return []*SortExpr{
		Asc(ColumnExpr(0, "age", common.BigintType())),
		Desc(ColumnExpr(1, "name", common.VarcharType())),
	}
}

func TestExternalSortSpillOneRun(t *testing.T) {
	cfg := testConfig(t)
	types := personTypes()
	orders := personOrders()
	inputs := []*chunk.Chunk{
		rowsChunk(types, []*chunk.Value{bigint(30), varchar("b")}),
		rowsChunk(types, []*chunk.Value{bigint(25), varchar("a")}),
		rowsChunk(types, []*chunk.Value{bigint(30), varchar("a")}),
	}
	//room for two of the single row batches
	probe, err := newSortKeyEvaluator(orders, types).sortChunk(inputs[0])
	require.NoError(t, err)
	size := probe.MemorySize()
	exec := newTestExec(t, cfg, 2*size+size/2)

	es := NewExternalSort(exec, "sort", orders, types)
	defer func() {
		assert.NoError(t, es.Close())
	}()
	for _, c := range inputs {
		require.NoError(t, es.Sink(context.Background(), c))
	}
	assert.Equal(t, 1, es.SpillCount())
	assert.Equal(t, int64(2), es.SpilledRows())
	require.NoError(t, es.Finalize(context.Background()))
	out := drainSort(t, es.GetData)
	assert.Equal(t, []string{"25|a", "30|b", "30|a"}, chunk.RowStrings(out))
}

func TestExternalSortRandom(t *testing.T) {
	cases := []struct {
		name     string
		capacity int64
		fanIn    int
	}{
		{"in memory", 0, 64},
		{"spill", 16 << 10, 64},
		{"multi level merge", 4 << 10, 3},
	}
	types := []common.LType{common.BigintType(), common.VarcharType(), common.DoubleType()}
	orders := []*SortExpr{
		Desc(ColumnExpr(0, "a", types[0])),
		Asc(ColumnExpr(1, "b", types[1])),
		{Expr: ColumnExpr(2, "c", types[2]), Order: OT_ASC, NullOrder: OBNT_NULLS_FIRST},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := testConfig(t)
			cfg.Exec.MaxMergeFanIn = tc.fanIn
			exec := newTestExec(t, cfg, tc.capacity)
			rng := rand.New(rand.NewSource(11))
			inputs := chunk.RandomChunks(rng, types, chunk.RandomOptions{
				Rows:      3000,
				BatchRows: 50,
				NullRatio: 0.1,
				Distinct:  40,
			})
			es := NewExternalSort(exec, "sort", orders, types)
			defer func() {
				assert.NoError(t, es.Close())
			}()
			for _, c := range inputs {
				require.NoError(t, es.Sink(context.Background(), c))
			}
			if tc.capacity > 0 {
				assert.Greater(t, es.SpillCount(), 0)
			} else {
				assert.Equal(t, 0, es.SpillCount())
			}
			require.NoError(t, es.Finalize(context.Background()))
			out := drainSort(t, es.GetData)
			assert.Equal(t, 3000, chunk.RowCount(out))
			assertSortedBy(t, out, orders)
			expect := stableSortRows(chunk.Rows(inputs), orders)
			assert.Equal(t, rowStrings(expect), chunk.RowStrings(out))
		})
	}
}

func TestExternalSortOversizedBatch(t *testing.T) {
	cfg := testConfig(t)
	types := personTypes()
	orders := personOrders()
	exec := newTestExec(t, cfg, 64)
	rng := rand.New(rand.NewSource(3))
	inputs := chunk.RandomChunks(rng, types, chunk.RandomOptions{Rows: 200, BatchRows: 100, Distinct: 30})
	es := NewExternalSort(exec, "sort", orders, types)
	defer func() {
		assert.NoError(t, es.Close())
	}()
	for _, c := range inputs {
		require.NoError(t, es.Sink(context.Background(), c))
	}
	assert.Equal(t, 2, es.SpillCount())
	require.NoError(t, es.Finalize(context.Background()))
	out := drainSort(t, es.GetData)
	assert.Equal(t, 200, chunk.RowCount(out))
	assertSortedBy(t, out, orders)
}

func TestExternalSortSharedPool(t *testing.T) {
	cfg := testConfig(t)
	types := seqSchema().Types()
	byB := []*SortExpr{Asc(ColumnExpr(1, "b", types[1]))}
	byA := []*SortExpr{Desc(ColumnExpr(0, "a", types[0]))}
	inputs := seqBatches(40, 10)
	capacity := int64(0)
	for _, c := range inputs[:2] {
		sorted, err := newSortKeyEvaluator(byB, types).sortChunk(c)
		require.NoError(t, err)
		capacity += sorted.MemorySize()
	}
	exec := newTestExec(t, cfg, capacity)
	ctx := context.Background()

	a := NewExternalSort(exec, "a", byB, types)
	defer func() {
		assert.NoError(t, a.Close())
	}()
	b := NewExternalSort(exec, "b", byA, types)
	defer func() {
		assert.NoError(t, b.Close())
	}()
	for _, c := range inputs[:2] {
		require.NoError(t, a.Sink(ctx, c))
	}
	assert.Equal(t, capacity, exec.Pool.Reserved())

	//a holds the whole pool. b keeps going by spilling every batch.
	for _, c := range inputs {
		require.NoError(t, b.Sink(ctx, c))
	}
	assert.Equal(t, len(inputs), b.SpillCount())
	assert.Equal(t, 0, a.SpillCount())
	for _, c := range inputs[2:] {
		require.NoError(t, a.Sink(ctx, c))
	}
	assert.Equal(t, 1, a.SpillCount())

	require.NoError(t, b.Finalize(ctx))
	out := drainSort(t, b.GetData)
	assert.Equal(t, rowStrings(stableSortRows(chunk.Rows(inputs), byA)), chunk.RowStrings(out))
	require.NoError(t, a.Finalize(ctx))
	out = drainSort(t, a.GetData)
	assert.Equal(t, rowStrings(stableSortRows(chunk.Rows(inputs), byB)), chunk.RowStrings(out))
}

func TestExternalSortCancel(t *testing.T) {
	cfg := testConfig(t)
	types := personTypes()
	exec := newTestExec(t, cfg, 0)
	es := NewExternalSort(exec, "sort", personOrders(), types)
	rng := rand.New(rand.NewSource(5))
	for _, c := range chunk.RandomChunks(rng, types, chunk.RandomOptions{Rows: 500, BatchRows: 50, Distinct: 10}) {
		require.NoError(t, es.Sink(context.Background(), c))
	}
	require.NoError(t, es.Finalize(context.Background()))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := es.GetData(ctx)
	assert.ErrorIs(t, err, common.ErrCancelled)
	assert.NoError(t, es.Close())
}

func TestStreamingMerge(t *testing.T) {
	types := []common.LType{common.BigintType(), common.BigintType()}
	orders := []*SortExpr{Asc(ColumnExpr(0, "k", types[0]))}
	cmp := NewRowComparator(orders, []int{0})
	streams := func() []SortedStream {
		//column 1 names the stream
		return []SortedStream{
			newMemoryStream([]*chunk.Chunk{
				rowsChunk(types, []*chunk.Value{bigint(1), bigint(0)}, []*chunk.Value{bigint(3), bigint(0)}),
				rowsChunk(types, []*chunk.Value{bigint(5), bigint(0)}),
			}),
			newMemoryStream([]*chunk.Chunk{
				rowsChunk(types, []*chunk.Value{bigint(1), bigint(1)}, []*chunk.Value{bigint(2), bigint(1)}),
			}),
			newMemoryStream(nil),
			newMemoryStream([]*chunk.Chunk{
				rowsChunk(types, []*chunk.Value{bigint(3), bigint(3)}, []*chunk.Value{null(types[0]), bigint(3)}),
			}),
		}
	}

	merge := NewStreamingMerge(types, streams(), cmp, 2, -1)
	out := drainSort(t, merge.Next)
	require.NoError(t, merge.Close())
	assert.Equal(t, []string{"1|0", "1|1", "2|1", "3|0", "3|3", "5|0", "NULL|3"}, chunk.RowStrings(out))
	for _, c := range out {
		assert.LessOrEqual(t, c.Card(), 2)
	}

	merge = NewStreamingMerge(types, streams(), cmp, 2, 3)
	out = drainSort(t, merge.Next)
	require.NoError(t, merge.Close())
	assert.Equal(t, []string{"1|0", "1|1", "2|1"}, chunk.RowStrings(out))

	merge = NewStreamingMerge(types, streams(), cmp, 2, 0)
	out = drainSort(t, merge.Next)
	require.NoError(t, merge.Close())
	assert.Empty(t, out)
}

func TestCompareSortValues(t *testing.T) {
	col := ColumnExpr(0, "a", common.BigintType())
	one, two, nul := bigint(1), bigint(2), null(common.BigintType())
	assert.Equal(t, -1, CompareSortValues(Asc(col), one, two))
	assert.Equal(t, 1, CompareSortValues(Desc(col), one, two))
	//default null order: last when ascending, first when descending
	assert.Equal(t, 1, CompareSortValues(Asc(col), nul, one))
	assert.Equal(t, -1, CompareSortValues(Desc(col), nul, one))
	nullsFirstAsc := &SortExpr{Expr: col, Order: OT_ASC, NullOrder: OBNT_NULLS_FIRST}
	assert.Equal(t, -1, CompareSortValues(nullsFirstAsc, nul, two))
	assert.Equal(t, 0, CompareSortValues(nullsFirstAsc, nul, nul))
	assert.True(t, Asc(col).equal(&SortExpr{Expr: col, Order: OT_DEFAULT, NullOrder: OBNT_NULLS_LAST}))
	assert.False(t, Asc(col).equal(nullsFirstAsc))
}
