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

func TestTopKMatchesSort(t *testing.T) {
	types := []common.LType{common.BigintType(), common.BigintType()}
	for _, k := range []int64{0, 1, 10, 100, 5000} {
		for _, orders := range [][]*SortExpr{
			{Asc(ColumnExpr(0, "a", types[0]))},
			{Desc(ColumnExpr(0, "a", types[0]))},
		} {
			cfg := testConfig(t)
			exec := newTestExec(t, cfg, 0)
			rng := rand.New(rand.NewSource(k + 1))
			inputs := chunk.RandomChunks(rng, types, chunk.RandomOptions{
				Rows:      2000,
				BatchRows: 100,
				NullRatio: 0.05,
				Distinct:  300,
			})
			tk := NewTopK(exec, "topk", orders, types, k, nil, 0)
			for _, c := range inputs {
				require.NoError(t, tk.Sink(context.Background(), c))
			}
			require.NoError(t, tk.Finalize(context.Background()))
			out := drainSort(t, tk.GetData)
			require.NoError(t, tk.Close())

			expect := stableSortRows(chunk.Rows(inputs), orders)
			expect = expect[:min(int(k), len(expect))]
			assert.Equal(t, rowStrings(expect), chunk.RowStrings(out), "k=%d %s", k, sortExprsString(orders))
			if k == 10 {
				assert.Greater(t, tk.Compactions(), 0)
			}
		}
	}
}

func TestTopKPublishesBound(t *testing.T) {
	types := []common.LType{common.BigintType()}
	order := Asc(ColumnExpr(0, "a", types[0]))
	cfg := testConfig(t)
	exec := newTestExec(t, cfg, 0)
	df := NewDynamicFilter(order, 0)
	tk := NewTopK(exec, "topk", []*SortExpr{order}, types, 3, df, 2)
	defer func() {
		assert.NoError(t, tk.Close())
	}()

	require.NoError(t, tk.Sink(context.Background(), rowsChunk(types, []*chunk.Value{bigint(9)}, []*chunk.Value{bigint(7)})))
	_, has := df.Bound(2)
	assert.False(t, has, "no bound before k rows")

	require.NoError(t, tk.Sink(context.Background(), rowsChunk(types, []*chunk.Value{bigint(8)}, []*chunk.Value{bigint(20)})))
	bound, has := df.Bound(2)
	require.True(t, has)
	assert.Equal(t, int64(9), bound.I64)

	require.NoError(t, tk.Sink(context.Background(), rowsChunk(types, []*chunk.Value{bigint(1)})))
	bound, _ = df.Bound(2)
	assert.Equal(t, int64(8), bound.I64)
	_, has = df.Bound(0)
	assert.False(t, has, "bounds are per partition")

	stats := chunk.ComputeStats(rowsChunk(types, []*chunk.Value{bigint(10)}, []*chunk.Value{bigint(12)}))
	assert.True(t, df.CanSkip(2, &stats[0]))
	stats = chunk.ComputeStats(rowsChunk(types, []*chunk.Value{bigint(8)}, []*chunk.Value{bigint(12)}))
	assert.False(t, df.CanSkip(2, &stats[0]), "ties may still enter")
	assert.False(t, df.CanSkip(0, &stats[0]))
	assert.Equal(t, 1, df.Hits())
}

func TestDynamicFilterOnlyTightens(t *testing.T) {
	typ := common.BigintType()
	df := NewDynamicFilter(Desc(ColumnExpr(0, "a", typ)), 0)
	assert.True(t, df.Update(0, bigint(5)))
	assert.False(t, df.Update(0, bigint(3)), "descending bound moves up only")
	assert.False(t, df.Update(0, bigint(5)))
	assert.True(t, df.Update(0, bigint(8)))
	bound, _ := df.Bound(0)
	assert.Equal(t, int64(8), bound.I64)

	//nulls sort first when descending, so a batch with nulls is kept
	stats := chunk.ComputeStats(rowsChunk([]common.LType{typ}, []*chunk.Value{null(typ)}, []*chunk.Value{bigint(1)}))
	assert.False(t, df.CanSkip(0, &stats[0]))
	stats = chunk.ComputeStats(rowsChunk([]common.LType{typ}, []*chunk.Value{bigint(7)}, []*chunk.Value{bigint(1)}))
	assert.True(t, df.CanSkip(0, &stats[0]))
}

func TestPruningPredicate(t *testing.T) {
	types := []common.LType{common.BigintType(), common.VarcharType()}
	rows := make([][]*chunk.Value, 0)
	for i := int64(10); i <= 20; i++ {
		rows = append(rows, []*chunk.Value{bigint(i), varchar("m")})
	}
	stats := chunk.ComputeStats(rowsChunk(types, rows...))
	a := ColumnExpr(0, "a", types[0])
	b := ColumnExpr(1, "b", types[1])

	cases := []struct {
		pred  *Expr
		prune bool
	}{
		{BinaryExpr(ET_Greater, a, IntConst(20)), true},
		{BinaryExpr(ET_GreaterEqual, a, IntConst(20)), false},
		{BinaryExpr(ET_Less, a, IntConst(10)), true},
		{BinaryExpr(ET_LessEqual, a, IntConst(10)), false},
		{BinaryExpr(ET_Equal, a, IntConst(15)), false},
		{BinaryExpr(ET_Equal, a, IntConst(30)), true},
		{BinaryExpr(ET_Less, IntConst(25), a), true},
		{BinaryExpr(ET_Greater, a, FloatConst(20.5)), true},
		{BinaryExpr(ET_Equal, b, StringConst("m")), false},
		{BinaryExpr(ET_NotEqual, b, StringConst("m")), true},
		{BinaryExpr(ET_Equal, a, NullConst(types[0])), true},
		{UnaryExpr(ET_IsNull, a), true},
		{UnaryExpr(ET_IsNotNull, a), false},
		{BinaryExpr(ET_And, BinaryExpr(ET_Greater, a, IntConst(12)), BinaryExpr(ET_Less, a, IntConst(5))), true},
		{BinaryExpr(ET_Or, BinaryExpr(ET_Greater, a, IntConst(30)), BinaryExpr(ET_Less, a, IntConst(5))), true},
		{BinaryExpr(ET_Or, BinaryExpr(ET_Greater, a, IntConst(30)), BinaryExpr(ET_Less, a, IntConst(15))), false},
		//not understood, never prunes
		{UnaryExpr(ET_Not, BinaryExpr(ET_Greater, a, IntConst(5))), false},
		{BinaryExpr(ET_Greater, BinaryExpr(ET_Add, a, IntConst(1)), IntConst(100)), false},
		{BoolConst(false), true},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.prune, NewPruningPredicate(tc.pred).Prune(stats), tc.pred.Format())
	}
}
