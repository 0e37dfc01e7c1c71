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
	"errors"
	"fmt"
	"math/rand"
	"slices"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Stars1233/datafusion/pkg/chunk"
	"github.com/Stars1233/datafusion/pkg/common"
	"github.com/Stars1233/datafusion/pkg/util"
)

func seqSchema() *chunk.Schema {
	return chunk.NewSchema(
		chunk.Field{Name: "a", Typ: common.BigintType()},
		chunk.Field{Name: "b", Typ: common.BigintType()},
	)
}

// seqBatches returns rows (i, i%7) for i in [0, n) in batches of size.
func seqBatches(n, size int) []*chunk.Chunk {
	rows := make([][]*chunk.Value, 0, n)
	for i := 0; i < n; i++ {
		rows = append(rows, []*chunk.Value{bigint(int64(i)), bigint(int64(i % 7))})
	}
	return chunk.Split(rowsChunk(seqSchema().Types(), rows...), size)
}

func flatten(parts [][]*chunk.Chunk) []*chunk.Chunk {
	ret := make([]*chunk.Chunk, 0)
	for _, part := range parts {
		ret = append(ret, part...)
	}
	return ret
}

func TestPlanSortMerge(t *testing.T) {
	cfg := testConfig(t)
	exec := newTestExec(t, cfg, 0)
	b := NewBuilder(cfg)
	rng := rand.New(rand.NewSource(7))
	schema := chunk.NewSchema(
		chunk.Field{Name: "k", Typ: common.BigintType(), Nullable: true},
		chunk.Field{Name: "s", Typ: common.VarcharType(), Nullable: true},
	)
	data := make([][]*chunk.Chunk, 3)
	for i := range data {
		data[i] = chunk.RandomChunks(rng, schema.Types(), chunk.RandomOptions{
			Rows:      400,
			BatchRows: 50,
			NullRatio: 0.1,
			Distinct:  50,
		})
	}
	scan := b.Scan(schema, data)
	k := ColumnOf(scan.Schema, "k")
	s := ColumnOf(scan.Schema, "s")
	filter := b.Filter(scan, UnaryExpr(ET_IsNotNull, k))
	orders := []*SortExpr{Desc(k), Asc(s)}
	root := b.EnsureOrdering(filter, orders)
	require.Equal(t, POT_Merge, root.Typ)
	require.Equal(t, POT_Order, root.Children[0].Typ)

	out, err := Collect(context.Background(), exec, root)
	require.NoError(t, err)
	assertSortedBy(t, out, orders)

	expect := make([][]*chunk.Value, 0)
	for _, row := range chunk.Rows(flatten(data)) {
		if !row[0].IsNull {
			expect = append(expect, row)
		}
	}
	expect = stableSortRows(expect, orders)
	assert.Equal(t, len(expect), chunk.RowCount(out))
	//ties on both keys are identical rows, so the strings match
	assert.Equal(t, rowStrings(expect), chunk.RowStrings(out))
	assert.Equal(t, int64(len(expect)), root.ExecStats.Rows())
}

func TestPlanTopKDynamicFilter(t *testing.T) {
	for _, enabled := range []bool{true, false} {
		t.Run(fmt.Sprintf("enabled %v", enabled), func(t *testing.T) {
			cfg := testConfig(t)
			cfg.Exec.EnableDynamicFilter = enabled
			exec := newTestExec(t, cfg, 0)
			b := NewBuilder(cfg)
			scan := b.Scan(seqSchema(), [][]*chunk.Chunk{seqBatches(200, 10)})
			a := ColumnOf(scan.Schema, "a")
			proj := b.Project(scan, []*Expr{ColumnOf(scan.Schema, "b"), a}, []string{"b", "a"})
			//sorts on column 1 of the projection, column 0 of the scan
			topk := b.Sort(proj, []*SortExpr{Asc(ColumnOf(proj.Schema, "a"))}, 5)
			if enabled {
				require.NotNil(t, topk.DynFilter)
				require.Len(t, scan.DynFilters, 1)
				assert.Equal(t, 0, scan.DynFilters[0].Column())
				assert.Contains(t, ExplainPhysicalPlan(topk), "dynamic")
			} else {
				assert.Nil(t, topk.DynFilter)
			}

			out, err := Collect(context.Background(), exec, topk)
			require.NoError(t, err)
			assert.Equal(t, []string{"0|0", "1|1", "2|2", "3|3", "4|4"}, chunk.RowStrings(out))
			if enabled {
				//every batch after the first starts above the bound
				assert.Equal(t, int64(19), scan.ExecStats.Skipped())
				assert.Equal(t, 19, topk.DynFilter.Hits())
			} else {
				assert.Equal(t, int64(0), scan.ExecStats.Skipped())
			}
		})
	}
}

func TestPlanTopKPartitioned(t *testing.T) {
	cfg := testConfig(t)
	exec := newTestExec(t, cfg, 0)
	b := NewBuilder(cfg)
	all := seqBatches(300, 20)
	data := make([][]*chunk.Chunk, 3)
	for i, c := range all {
		data[i%3] = append(data[i%3], c)
	}
	scan := b.Scan(seqSchema(), data)
	orders := []*SortExpr{Desc(ColumnOf(scan.Schema, "a"))}
	root := b.SortPreservingMerge(b.Sort(scan, orders, 4), orders, 4)
	out, err := Collect(context.Background(), exec, root)
	require.NoError(t, err)
	assert.Equal(t, []string{"299|5", "298|4", "297|3", "296|2"}, chunk.RowStrings(out))
}

func TestPlanScanFilterPruning(t *testing.T) {
	cfg := testConfig(t)
	exec := newTestExec(t, cfg, 0)
	b := NewBuilder(cfg)
	scan := b.Scan(seqSchema(), [][]*chunk.Chunk{seqBatches(100, 10)})
	a := ColumnOf(scan.Schema, "a")
	b.PushScanFilters(scan,
		BinaryExpr(ET_GreaterEqual, a, IntConst(42)),
		BinaryExpr(ET_Less, a, IntConst(45)))
	out, err := Collect(context.Background(), exec, scan)
	require.NoError(t, err)
	assert.Equal(t, []string{"42|0", "43|1", "44|2"}, chunk.RowStrings(out))
	assert.Equal(t, int64(9), scan.ExecStats.Skipped())
}

func TestLimitApply(t *testing.T) {
	types := seqSchema().Types()
	batches := seqBatches(10, 5)

	limit := NewLimit(3, 4)
	assert.False(t, limit.Done())
	assert.Equal(t, []string{"3|3", "4|4"}, chunk.RowStrings([]*chunk.Chunk{limit.Apply(batches[0])}))
	assert.False(t, limit.Done())
	assert.Equal(t, []string{"5|5", "6|6"}, chunk.RowStrings([]*chunk.Chunk{limit.Apply(batches[1])}))
	assert.True(t, limit.Done())

	assert.True(t, NewLimit(0, 0).Done())

	limit = NewLimit(2, -1)
	assert.Nil(t, limit.Apply(rowsChunk(types, []*chunk.Value{bigint(1), bigint(1)})))
	out := limit.Apply(batches[0])
	assert.Equal(t, []string{"1|1", "2|2", "3|3", "4|4"}, chunk.RowStrings([]*chunk.Chunk{out}))
	assert.Same(t, batches[1], limit.Apply(batches[1]))
	assert.False(t, limit.Done())
}

func TestPlanLimit(t *testing.T) {
	cases := []struct {
		skip, fetch int64
		expect      int
		//scan batches of 16 rows pulled by the single partition plan
		pulled int64
	}{
		{10, 25, 25, 3},
		{0, 0, 0, 0},
		{0, 5, 5, 1},
		{0, 20, 20, 2},
		{0, -1, 300, 19},
		{290, 25, 10, 19},
		{400, 5, 0, 19},
	}
	for _, tc := range cases {
		t.Run(fmt.Sprintf("skip %d fetch %d", tc.skip, tc.fetch), func(t *testing.T) {
			cfg := testConfig(t)
			exec := newTestExec(t, cfg, 0)
			b := NewBuilder(cfg)

			scan := b.Scan(seqSchema(), [][]*chunk.Chunk{seqBatches(300, 16)})
			single := b.Limit(scan, tc.skip, tc.fetch)
			out, err := Collect(context.Background(), exec, single)
			require.NoError(t, err)
			require.Equal(t, tc.expect, chunk.RowCount(out))
			for i, row := range chunk.Rows(out) {
				assert.Equal(t, tc.skip+int64(i), row[0].I64)
			}
			assert.Equal(t, tc.pulled, scan.ExecStats.Batches())

			all := seqBatches(300, 16)
			data := make([][]*chunk.Chunk, 3)
			for i, c := range all {
				data[i%3] = append(data[i%3], c)
			}
			pscan := b.Scan(seqSchema(), data)
			partitioned := b.Limit(pscan, tc.skip, tc.fetch)
			assert.Equal(t, 1, partitioned.OutputPartitions())
			out, err = Collect(context.Background(), exec, partitioned)
			require.NoError(t, err)
			assert.Equal(t, tc.expect, chunk.RowCount(out))
			if tc.fetch >= 0 {
				//every partition stops at skip+fetch rows
				per := (tc.skip + tc.fetch + 15) / 16
				bound := int64(0)
				for _, part := range data {
					bound += min(per, int64(len(part)))
				}
				assert.LessOrEqual(t, pscan.ExecStats.Batches(), bound)
			}
		})
	}
}

func TestPlanLimitOverSort(t *testing.T) {
	cfg := testConfig(t)
	exec := newTestExec(t, cfg, 0)
	b := NewBuilder(cfg)
	scan := b.Scan(seqSchema(), [][]*chunk.Chunk{seqBatches(100, 10)})
	orders := []*SortExpr{Asc(ColumnOf(scan.Schema, "b")), Desc(ColumnOf(scan.Schema, "a"))}
	root := b.Limit(b.Sort(scan, orders, -1), 2, 3)
	out, err := Collect(context.Background(), exec, root)
	require.NoError(t, err)
	//b = 0 holds 98, 91, 84, 77, ...
	assert.Equal(t, []string{"84|0", "77|0", "70|0"}, chunk.RowStrings(out))
}

func TestPlanRepartition(t *testing.T) {
	schema := seqSchema()
	all := seqBatches(500, 10)
	data := [][]*chunk.Chunk{all[:20], all[20:]}
	expect := sortedStrings(all)

	t.Run("round robin", func(t *testing.T) {
		cfg := testConfig(t)
		exec := newTestExec(t, cfg, 0)
		b := NewBuilder(cfg)
		root := b.Repartition(b.Scan(schema, data), Partitioning{Kind: PK_RoundRobin, Count: 3})
		assert.Equal(t, 3, root.OutputPartitions())
		got, err := CollectPartitioned(context.Background(), exec, root)
		require.NoError(t, err)
		for _, part := range got {
			assert.NotEmpty(t, part)
		}
		assert.Equal(t, expect, sortedStrings(flatten(got)))
	})

	t.Run("hash", func(t *testing.T) {
		cfg := testConfig(t)
		exec := newTestExec(t, cfg, 0)
		b := NewBuilder(cfg)
		scan := b.Scan(schema, data)
		root := b.Repartition(scan, Partitioning{
			Kind:  PK_Hash,
			Exprs: []*Expr{ColumnOf(scan.Schema, "b")},
			Count: 4,
		})
		got, err := CollectPartitioned(context.Background(), exec, root)
		require.NoError(t, err)
		assert.Equal(t, expect, sortedStrings(flatten(got)))
		owner := make(map[int64]int)
		for p, part := range got {
			for _, row := range chunk.Rows(part) {
				if prev, has := owner[row[1].I64]; has {
					assert.Equal(t, prev, p, "key %d in two partitions", row[1].I64)
				}
				owner[row[1].I64] = p
			}
		}
	})

	t.Run("coalesce", func(t *testing.T) {
		cfg := testConfig(t)
		exec := newTestExec(t, cfg, 0)
		b := NewBuilder(cfg)
		root := b.Coalesce(b.Scan(schema, data))
		out, err := Collect(context.Background(), exec, root)
		require.NoError(t, err)
		assert.Equal(t, expect, sortedStrings(out))
	})

	t.Run("spilling queues", func(t *testing.T) {
		cfg := testConfig(t)
		exec := newTestExec(t, cfg, 512)
		b := NewBuilder(cfg)
		root := b.Coalesce(b.Repartition(b.Scan(schema, data), Partitioning{Kind: PK_RoundRobin, Count: 2}))
		out, err := Collect(context.Background(), exec, root)
		require.NoError(t, err)
		assert.Equal(t, expect, sortedStrings(out))
	})
}

func TestPlanRepartitionBackpressure(t *testing.T) {
	cfg := testConfig(t)
	exec := newTestExec(t, cfg, 0)
	b := NewBuilder(cfg)
	all := seqBatches(1000, 10)
	scan := b.Scan(seqSchema(), [][]*chunk.Chunk{all})
	repart := b.Repartition(scan, Partitioning{Kind: PK_RoundRobin, Count: 2})
	ctx := context.Background()
	runners := []*Runner{NewRunner(exec, repart, 0), NewRunner(exec, repart, 1)}
	for _, run := range runners {
		require.NoError(t, run.Init(ctx))
	}
	defer func() {
		for _, run := range runners {
			assert.NoError(t, run.Close())
		}
	}()
	out := make([]*chunk.Chunk, 0)
	collect := func(c *chunk.Chunk) error {
		out = append(out, c)
		return nil
	}

	first := &chunk.Chunk{}
	res, err := runners[0].Execute(ctx, first)
	require.NoError(t, err)
	require.Equal(t, haveMoreOutput, res)
	out = append(out, first)

	//the worker waits once each queue holds a batch
	time.Sleep(50 * time.Millisecond)
	shared := runners[0].state.repart
	mem, disk := shared.buffered()
	assert.LessOrEqual(t, mem, 2)
	assert.Equal(t, 0, disk)
	assert.LessOrEqual(t, scan.ExecStats.Batches(), int64(4))
	assert.Equal(t, 0, shared.spills())

	//output 0 is not read while output 1 drains, so its batches go to disk
	require.NoError(t, drain(ctx, runners[1], collect))
	assert.Greater(t, shared.spills(), 0)
	require.NoError(t, drain(ctx, runners[0], collect))
	assert.Equal(t, sortedStrings(all), sortedStrings(out))
}

func TestPlanRepartitionPreserveOrder(t *testing.T) {
	cfg := testConfig(t)
	exec := newTestExec(t, cfg, 0)
	b := NewBuilder(cfg)
	rng := rand.New(rand.NewSource(17))
	schema := chunk.NewSchema(
		chunk.Field{Name: "k", Typ: common.BigintType(), Nullable: true},
		chunk.Field{Name: "v", Typ: common.BigintType(), Nullable: true},
	)
	opts := chunk.RandomOptions{Rows: 600, BatchRows: 40, NullRatio: 0.05, Distinct: 100}
	data := make([][]*chunk.Chunk, 3)
	for i := range data {
		data[i] = chunk.SortedRandomChunks(rng, schema.Types(), []int{0}, opts)
	}
	k := ColumnExpr(0, "k", common.BigintType())
	orders := []*SortExpr{Asc(k)}
	scan := b.Scan(schema, data, orders)
	repart := b.RepartitionPreserveOrder(scan, Partitioning{Kind: PK_Hash, Exprs: []*Expr{k}, Count: 2}, orders)
	assert.True(t, repart.EqProps.OrderingSatisfy(orders))

	got, err := CollectPartitioned(context.Background(), exec, repart)
	require.NoError(t, err)
	for _, part := range got {
		assertSortedBy(t, part, orders)
	}
	assert.Equal(t, sortedStrings(flatten(data)), sortedStrings(flatten(got)))

	root := b.EnsureOrdering(repart, orders)
	assert.Equal(t, POT_Merge, root.Typ)
	assert.Equal(t, POT_Repartition, root.Children[0].Typ, "no sort is needed")
	out, err := Collect(context.Background(), exec, root)
	require.NoError(t, err)
	assertSortedBy(t, out, orders)
	assert.Equal(t, 1800, chunk.RowCount(out))
}

func TestPlanCancel(t *testing.T) {
	cfg := testConfig(t)
	exec := newTestExec(t, cfg, 0)
	b := NewBuilder(cfg)
	scan := b.Scan(seqSchema(), [][]*chunk.Chunk{seqBatches(100, 10), seqBatches(100, 10)})
	root := b.EnsureOrdering(scan, []*SortExpr{Asc(ColumnOf(scan.Schema, "b"))})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Collect(ctx, exec, root)
	assert.ErrorIs(t, err, common.ErrCancelled)
}

// TestPlanSinkFault fails stateful operators after they spilled and
// relies on the exec cleanup to find leaked memory or files.
func TestPlanSinkFault(t *testing.T) {
	util.OpenFaults(util.FAULTS_SCOPE_EXEC)
	defer util.CloseFaults(util.FAULTS_SCOPE_EXEC)
	boom := errors.New("sink failed")
	for _, name := range []string{"sort", "aggregate"} {
		t.Run(name, func(t *testing.T) {
			calls := 0
			util.RegisterFault(util.FAULTS_SCOPE_EXEC, util.FaultExecSink, nil, func([]string) error {
				calls++
				if calls == 20 {
					return boom
				}
				return nil
			})
			cfg := testConfig(t)
			exec := newTestExec(t, cfg, 2<<10)
			b := NewBuilder(cfg)
			scan := b.Scan(seqSchema(), [][]*chunk.Chunk{seqBatches(1000, 25)})
			var root *PhysicalOperator
			if name == "sort" {
				root = b.Sort(scan, []*SortExpr{Desc(ColumnOf(scan.Schema, "b"))}, -1)
			} else {
				root = b.Aggregate(scan, AM_SINGLE, []*Expr{ColumnOf(scan.Schema, "a")},
					[]*AggrExpr{NewAggrExpr(AGG_COUNT_STAR, nil, "cnt")})
			}
			_, err := Collect(context.Background(), exec, root)
			assert.ErrorIs(t, err, boom)
			assert.Equal(t, 20, calls)
		})
	}
}

func TestCollectNeedsOnePartition(t *testing.T) {
	cfg := testConfig(t)
	exec := newTestExec(t, cfg, 0)
	b := NewBuilder(cfg)
	scan := b.Scan(seqSchema(), [][]*chunk.Chunk{nil, nil})
	_, err := Collect(context.Background(), exec, scan)
	assert.ErrorIs(t, err, common.ErrInternal)
}

// TestPlansUnderMemoryPressure runs every stateful operator on one
// partition with a small pool and checks the results against an
// unbounded run. The cleanup of the exec context checks that memory
// and spill files are all returned.
func TestPlansUnderMemoryPressure(t *testing.T) {
	rng := rand.New(rand.NewSource(99))
	schema := chunk.NewSchema(
		chunk.Field{Name: "k", Typ: common.BigintType(), Nullable: true},
		chunk.Field{Name: "v", Typ: common.BigintType(), Nullable: true},
		chunk.Field{Name: "s", Typ: common.VarcharType(), Nullable: true},
	)
	opts := chunk.RandomOptions{Rows: 1200, BatchRows: 60, NullRatio: 0.05, Distinct: 90}
	left := chunk.RandomChunks(rng, schema.Types(), opts)
	right := chunk.RandomChunks(rng, schema.Types(), opts)

	plans := []struct {
		name  string
		build func(b *Builder) (*PhysicalOperator, error)
		//sorts on every column compare row by row
		ordered bool
	}{
		{"sort", func(b *Builder) (*PhysicalOperator, error) {
			scan := b.Scan(schema, [][]*chunk.Chunk{left})
			orders := []*SortExpr{Asc(ColumnOf(scan.Schema, "s")), Desc(ColumnOf(scan.Schema, "v")), Asc(ColumnOf(scan.Schema, "k"))}
			return b.Sort(scan, orders, -1), nil
		}, true},
		{"topk", func(b *Builder) (*PhysicalOperator, error) {
			scan := b.Scan(schema, [][]*chunk.Chunk{left})
			orders := []*SortExpr{Desc(ColumnOf(scan.Schema, "k")), Asc(ColumnOf(scan.Schema, "v")), Asc(ColumnOf(scan.Schema, "s"))}
			return b.Sort(scan, orders, 37), nil
		}, true},
		{"aggregate", func(b *Builder) (*PhysicalOperator, error) {
			scan := b.Scan(schema, [][]*chunk.Chunk{left})
			v := ColumnOf(scan.Schema, "v")
			return b.Aggregate(scan, AM_SINGLE, []*Expr{ColumnOf(scan.Schema, "k")}, []*AggrExpr{
				NewAggrExpr(AGG_COUNT_STAR, nil, "cnt"),
				NewAggrExpr(AGG_SUM, v, "sum"),
				NewAggrExpr(AGG_MAX, ColumnOf(scan.Schema, "s"), "max_s"),
				NewAggrExpr(AGG_COUNT_DISTINCT, v, "distinct_v"),
			}), nil
		}, false},
		{"join", func(b *Builder) (*PhysicalOperator, error) {
			l := b.Scan(schema, [][]*chunk.Chunk{left})
			r := b.Scan(schema, [][]*chunk.Chunk{right})
			return b.HashJoin(l, r, JT_FULL,
				[]*Expr{ColumnOf(l.Schema, "k")},
				[]*Expr{ColumnOf(r.Schema, "k")},
				nil, false)
		}, false},
	}
	for _, plan := range plans {
		t.Run(plan.name, func(t *testing.T) {
			results := make([][]string, 0, 2)
			for _, capacity := range []int64{0, 16 << 10} {
				cfg := testConfig(t)
				exec := newTestExec(t, cfg, capacity)
				root, err := plan.build(NewBuilder(cfg))
				require.NoError(t, err)
				out, err := Collect(context.Background(), exec, root)
				require.NoError(t, err)
				if capacity > 0 && plan.name != "topk" {
					assert.Greater(t, root.ExecStats.Spills(), int64(0))
				}
				results = append(results, chunk.RowStrings(out))
			}
			if !plan.ordered {
				slices.Sort(results[0])
				slices.Sort(results[1])
			}
			assert.Equal(t, results[0], results[1])
			assert.NotEmpty(t, results[0])
		})
	}
}
