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

package storage

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/Stars1233/datafusion/pkg/common"
	"github.com/Stars1233/datafusion/pkg/util"
)

// MemoryPool is a passive ledger over a byte budget. It never spills
// by itself. The sum of outstanding reservations never exceeds the
// capacity. A capacity <= 0 means unbounded.
type MemoryPool struct {
	_capacity int64
	_used     atomic.Int64
	_peak     atomic.Int64
	_nextId   atomic.Uint64

	_lock      sync.Mutex
	_consumers map[uint64]*MemoryReservation
}

func NewMemoryPool(capacity int64) *MemoryPool {
	return &MemoryPool{
		_capacity:  capacity,
		_consumers: make(map[uint64]*MemoryReservation),
	}
}

func (pool *MemoryPool) Capacity() int64 {
	return pool._capacity
}

func (pool *MemoryPool) Bounded() bool {
	return pool._capacity > 0
}

func (pool *MemoryPool) Reserved() int64 {
	return pool._used.Load()
}

func (pool *MemoryPool) Peak() int64 {
	return pool._peak.Load()
}

// NewReservation registers an empty reservation for consumer.
func (pool *MemoryPool) NewReservation(consumer string) *MemoryReservation {
	res := &MemoryReservation{
		_pool:     pool,
		_consumer: consumer,
		_id:       pool._nextId.Add(1),
	}
	pool._lock.Lock()
	pool._consumers[res._id] = res
	pool._lock.Unlock()
	return res
}

func (pool *MemoryPool) unregister(res *MemoryReservation) {
	pool._lock.Lock()
	delete(pool._consumers, res._id)
	pool._lock.Unlock()
}

func (pool *MemoryPool) tryGrow(additional int64) bool {
	for {
		old := pool._used.Load()
		next := old + additional
		if pool.Bounded() && next > pool._capacity {
			return false
		}
		if pool._used.CompareAndSwap(old, next) {
			pool.updatePeak(next)
			return true
		}
	}
}

func (pool *MemoryPool) updatePeak(used int64) {
	for {
		peak := pool._peak.Load()
		if used <= peak || pool._peak.CompareAndSwap(peak, used) {
			return
		}
	}
}

func (pool *MemoryPool) shrink(n int64) {
	left := pool._used.Add(-n)
	util.AssertFunc(left >= 0)
}

type ConsumerInfo struct {
	Consumer string
	Size     int64
}

// Consumers lists live reservations, largest first.
func (pool *MemoryPool) Consumers() []ConsumerInfo {
	pool._lock.Lock()
	ret := make([]ConsumerInfo, 0, len(pool._consumers))
	for _, res := range pool._consumers {
		ret = append(ret, ConsumerInfo{
			Consumer: res._consumer,
			Size:     res.Size(),
		})
	}
	pool._lock.Unlock()
	sort.Slice(ret, func(i, j int) bool {
		if ret[i].Size != ret[j].Size {
			return ret[i].Size > ret[j].Size
		}
		return ret[i].Consumer < ret[j].Consumer
	})
	return ret
}

func (pool *MemoryPool) String() string {
	sb := strings.Builder{}
	sb.WriteString(fmt.Sprintf("reserved %d of %d, peak %d", pool.Reserved(), pool._capacity, pool.Peak()))
	for i, info := range pool.Consumers() {
		if i >= 5 {
			break
		}
		sb.WriteString(fmt.Sprintf("; %s=%d", info.Consumer, info.Size))
	}
	return sb.String()
}

// MemoryReservation is owned by a single operator instance.
type MemoryReservation struct {
	_pool     *MemoryPool
	_consumer string
	_id       uint64
	_size     atomic.Int64
	_freed    atomic.Bool
}

func (res *MemoryReservation) Consumer() string {
	return res._consumer
}

func (res *MemoryReservation) Size() int64 {
	return res._size.Load()
}

func (res *MemoryReservation) Pool() *MemoryPool {
	return res._pool
}

// TryGrow reserves additional bytes or fails with ResourceExhausted
// leaving the reservation unchanged.
func (res *MemoryReservation) TryGrow(additional int64) error {
	if additional <= 0 {
		return nil
	}
	util.AssertFunc(!res._freed.Load())
	if !res._pool.tryGrow(additional) {
		return common.ResourcesExhausted(res._consumer,
			"failed to reserve %d bytes with %d already reserved, pool: %s",
			additional, res.Size(), res._pool)
	}
	res._size.Add(additional)
	return nil
}

// Shrink returns n bytes to the pool. n larger than the size is
// clamped.
func (res *MemoryReservation) Shrink(n int64) {
	if n <= 0 {
		return
	}
	cur := res.Size()
	if n > cur {
		n = cur
	}
	res._size.Add(-n)
	res._pool.shrink(n)
}

// Resize grows or shrinks the reservation to exactly size bytes.
func (res *MemoryReservation) Resize(size int64) error {
	cur := res.Size()
	switch {
	case size > cur:
		return res.TryGrow(size - cur)
	case size < cur:
		res.Shrink(cur - size)
	}
	return nil
}

// Free returns every byte to the pool and unregisters the
// reservation. Calls after the first return 0.
func (res *MemoryReservation) Free() int64 {
	if !res._freed.CompareAndSwap(false, true) {
		return 0
	}
	sz := res._size.Swap(0)
	if sz > 0 {
		res._pool.shrink(sz)
	}
	res._pool.unregister(res)
	if sz > 0 {
		util.Debug("memory reservation freed",
			zap.String("consumer", res._consumer),
			zap.Int64("bytes", sz))
	}
	return sz
}

func (res *MemoryReservation) Freed() bool {
	return res._freed.Load()
}
