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
	"os"
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Stars1233/datafusion/pkg/chunk"
	"github.com/Stars1233/datafusion/pkg/common"
	"github.com/Stars1233/datafusion/pkg/storage"
	"github.com/Stars1233/datafusion/pkg/util"
)

func testConfig(t *testing.T) *util.Config {
	cfg := util.DefaultConfig()
	cfg.Exec.TempDir = t.TempDir()
	cfg.Exec.BatchSize = 64
	cfg.Exec.HashPartitions = 8
	return cfg
}

// newTestExec creates an execution context over a pool of capacity
// bytes. On cleanup it checks that every reservation was returned and
// no spill file is left behind.
func newTestExec(t *testing.T, cfg *util.Config, capacity int64) *ExecContext {
	spillMgr, err := storage.NewSpillManagerFromConfig(cfg)
	require.NoError(t, err)
	pool := storage.NewMemoryPool(capacity)
	exec := NewExecContext(context.Background(), cfg, pool, spillMgr)
	t.Cleanup(func() {
		assert.Equal(t, int64(0), pool.Reserved(), "memory leaked: %s", pool)
		assert.Equal(t, 0, spillMgr.Outstanding(), "spill files leaked")
		assert.NoError(t, exec.Close())
		assert.NoError(t, spillMgr.Close())
		entries, err := os.ReadDir(cfg.Exec.TempDir)
		assert.NoError(t, err)
		assert.Empty(t, entries)
	})
	return exec
}

func bigint(v int64) *chunk.Value {
	return chunk.NewBigintValue(v)
}

func varchar(s string) *chunk.Value {
	return chunk.NewVarcharValue(s)
}

func null(typ common.LType) *chunk.Value {
	return chunk.NewNullValue(typ)
}

func rowsChunk(types []common.LType, rows ...[]*chunk.Value) *chunk.Chunk {
	c := chunk.NewChunk(types, max(len(rows), 1))
	for _, row := range rows {
		c.AppendRow(row)
	}
	return c
}

func sortedStrings(chunks []*chunk.Chunk) []string {
	ret := chunk.RowStrings(chunks)
	slices.Sort(ret)
	return ret
}

// stableSortRows is the reference order for sort results.
func stableSortRows(rows [][]*chunk.Value, orders []*SortExpr) [][]*chunk.Value {
	ret := slices.Clone(rows)
	slices.SortStableFunc(ret, func(a, b []*chunk.Value) int {
		return compareRowKeys(orders, a, b)
	})
	return ret
}

// compareRowKeys compares rows on sort keys that are plain column
// references.
func compareRowKeys(orders []*SortExpr, a, b []*chunk.Value) int {
	for _, order := range orders {
		col := order.Expr.ColIdx
		if ret := CompareSortValues(order, a[col], b[col]); ret != 0 {
			return ret
		}
	}
	return 0
}

func rowStrings(rows [][]*chunk.Value) []string {
	ret := make([]string, 0, len(rows))
	for _, row := range rows {
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

func assertSortedBy(t *testing.T, chunks []*chunk.Chunk, orders []*SortExpr) {
	rows := chunk.Rows(chunks)
	for i := 1; i < len(rows); i++ {
		require.LessOrEqual(t, compareRowKeys(orders, rows[i-1], rows[i]), 0, "row %d out of order", i)
	}
}

func drainSort(t *testing.T, get func(ctx context.Context) (*chunk.Chunk, error)) []*chunk.Chunk {
	ret := make([]*chunk.Chunk, 0)
	for {
		c, err := get(context.Background())
		require.NoError(t, err)
		if c == nil {
			return ret
		}
		ret = append(ret, c)
	}
}
