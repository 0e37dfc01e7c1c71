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
	"sync"

	"github.com/Stars1233/datafusion/pkg/chunk"
)

// DynamicFilter carries the bound of a running top-k to the scan that
// feeds it. Each partition has its own bound. A bound only tightens.
//
// A row can still enter the top-k only if its leading key is not
// worse than the bound under the top-k's leading sort order.
type DynamicFilter struct {
	_lock   sync.RWMutex
	_order  *SortExpr
	_column int //scan column the bound applies to
	_bounds map[int]*chunk.Value
	_hits   int
}

func NewDynamicFilter(order *SortExpr, column int) *DynamicFilter {
	return &DynamicFilter{
		_order:  order.normalize(),
		_column: column,
		_bounds: make(map[int]*chunk.Value),
	}
}

func (df *DynamicFilter) Column() int {
	return df._column
}

// Update publishes bound for partition if it is at least as tight as
// the current one. It reports whether the bound changed.
func (df *DynamicFilter) Update(partition int, bound *chunk.Value) bool {
	df._lock.Lock()
	defer df._lock.Unlock()
	cur, has := df._bounds[partition]
	if has && CompareSortValues(df._order, bound, cur) >= 0 {
		return false
	}
	df._bounds[partition] = bound.Copy()
	return true
}

func (df *DynamicFilter) Bound(partition int) (*chunk.Value, bool) {
	df._lock.RLock()
	defer df._lock.RUnlock()
	bound, has := df._bounds[partition]
	return bound, has
}

// CanSkip reports whether no row summarized by stats can beat the
// bound of partition.
func (df *DynamicFilter) CanSkip(partition int, stats *chunk.ColumnStats) bool {
	bound, has := df.Bound(partition)
	if !has || stats.RowCount == 0 {
		return false
	}
	if stats.NullCount > 0 {
		null := chunk.NewNullValue(bound.Typ)
		if CompareSortValues(df._order, null, bound) <= 0 {
			return false
		}
	}
	if !stats.AllNull() {
		best := stats.Min
		if df._order.Desc() {
			best = stats.Max
		}
		if CompareSortValues(df._order, best, bound) <= 0 {
			return false
		}
	}
	df._lock.Lock()
	df._hits++
	df._lock.Unlock()
	return true
}

// Hits is the number of batches skipped through the filter.
func (df *DynamicFilter) Hits() int {
	df._lock.RLock()
	defer df._lock.RUnlock()
	return df._hits
}

func (df *DynamicFilter) String() string {
	df._lock.RLock()
	defer df._lock.RUnlock()
	return fmt.Sprintf("dynamic filter #%d %s bounds %v", df._column, df._order, df._bounds)
}
