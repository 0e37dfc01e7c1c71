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
	"container/heap"
	"context"

	"go.uber.org/multierr"

	"github.com/Stars1233/datafusion/pkg/chunk"
	"github.com/Stars1233/datafusion/pkg/common"
	"github.com/Stars1233/datafusion/pkg/storage"
)

// SortedStream yields batches in key order. Next returns nil at the
// end of the stream.
type SortedStream interface {
	Next(ctx context.Context) (*chunk.Chunk, error)
	Close() error
}

// memoryStream replays batches held in memory.
type memoryStream struct {
	_chunks []*chunk.Chunk
	_pos    int
}

func newMemoryStream(chunks []*chunk.Chunk) *memoryStream {
	return &memoryStream{_chunks: chunks}
}

func (ms *memoryStream) Next(ctx context.Context) (*chunk.Chunk, error) {
	if err := common.CheckCancel(ctx, "memory stream"); err != nil {
		return nil, err
	}
	if ms._pos >= len(ms._chunks) {
		return nil, nil
	}
	ret := ms._chunks[ms._pos]
	ms._chunks[ms._pos] = nil
	ms._pos++
	return ret, nil
}

func (ms *memoryStream) Close() error {
	ms._chunks = nil
	return nil
}

// spillStream replays a spilled run. The file is deleted on Close
// when the stream owns it.
type spillStream struct {
	_mgr    *storage.SpillManager
	_file   *storage.SpillFile
	_reader *storage.SpillReader
	_owned  bool
}

func newSpillStream(mgr *storage.SpillManager, file *storage.SpillFile, owned bool) *spillStream {
	return &spillStream{_mgr: mgr, _file: file, _owned: owned}
}

func (ss *spillStream) Next(ctx context.Context) (*chunk.Chunk, error) {
	if ss._reader == nil {
		reader, err := ss._mgr.Read(ctx, ss._file)
		if err != nil {
			return nil, err
		}
		ss._reader = reader
	}
	return ss._reader.Next(ctx)
}

func (ss *spillStream) Close() error {
	if ss._reader != nil {
		ss._reader.Close()
		ss._reader = nil
	}
	if ss._owned {
		return ss._file.Close()
	}
	return nil
}

type rowRef struct {
	batch int
	row   int
}

// permutedStream emits the rows of batches in the order of perm,
// gathering batchSize rows at a time.
type permutedStream struct {
	_types     []common.LType
	_chunks    []*chunk.Chunk
	_perm      []rowRef
	_pos       int
	_batchSize int
}

func (ps *permutedStream) Next(ctx context.Context) (*chunk.Chunk, error) {
	if err := common.CheckCancel(ctx, "sorted run"); err != nil {
		return nil, err
	}
	if ps._pos >= len(ps._perm) {
		return nil, nil
	}
	cnt := min(ps._batchSize, len(ps._perm)-ps._pos)
	ret := chunk.NewChunk(ps._types, cnt)
	for _, ref := range ps._perm[ps._pos : ps._pos+cnt] {
		ret.Append(ps._chunks[ref.batch], chunk.NewSelectVectorFrom([]int{ref.row}), 1)
	}
	ps._pos += cnt
	return ret, nil
}

func (ps *permutedStream) Close() error {
	ps._chunks = nil
	ps._perm = nil
	return nil
}

type mergeCursor struct {
	_stream SortedStream
	_chunk  *chunk.Chunk
	_row    int
}

// advance moves to the next row, pulling a new batch when the current
// one is used up. It reports false at the end of the stream.
func (cur *mergeCursor) advance(ctx context.Context) (bool, error) {
	cur._row++
	for cur._chunk == nil || cur._row >= cur._chunk.Card() {
		next, err := cur._stream.Next(ctx)
		if err != nil {
			return false, err
		}
		if next == nil {
			cur._chunk = nil
			return false, nil
		}
		cur._chunk = next
		cur._row = 0
	}
	return true, nil
}

// mergeHeap holds cursor indexes. Equal keys pop in stream order.
type mergeHeap struct {
	_cursors []*mergeCursor
	_cmp     *RowComparator
	_items   []int
}

func (mh *mergeHeap) Len() int {
	return len(mh._items)
}

func (mh *mergeHeap) Less(i, j int) bool {
	a, b := mh._items[i], mh._items[j]
	ca, cb := mh._cursors[a], mh._cursors[b]
	ret := mh._cmp.Compare(ca._chunk, ca._row, cb._chunk, cb._row)
	if ret != 0 {
		return ret < 0
	}
	return a < b
}

func (mh *mergeHeap) Swap(i, j int) {
	mh._items[i], mh._items[j] = mh._items[j], mh._items[i]
}

func (mh *mergeHeap) Push(x any) {
	mh._items = append(mh._items, x.(int))
}

func (mh *mergeHeap) Pop() any {
	n := len(mh._items)
	ret := mh._items[n-1]
	mh._items = mh._items[:n-1]
	return ret
}

// StreamingMerge merges sorted streams into one sorted stream. Ties
// between streams resolve to the lower stream index. It is itself a
// SortedStream.
type StreamingMerge struct {
	_types     []common.LType
	_heap      *mergeHeap
	_streams   []SortedStream
	_batchSize int
	//-1 means no limit
	_fetch   int64
	_emitted int64
	_init    bool
	_done    bool
}

func NewStreamingMerge(
	types []common.LType,
	streams []SortedStream,
	cmp *RowComparator,
	batchSize int,
	fetch int64,
) *StreamingMerge {
	sm := &StreamingMerge{
		_types:     types,
		_streams:   streams,
		_batchSize: max(batchSize, 1),
		_fetch:     fetch,
	}
	sm._heap = &mergeHeap{
		_cmp: cmp,
	}
	for _, stream := range streams {
		sm._heap._cursors = append(sm._heap._cursors, &mergeCursor{_stream: stream, _row: -1})
	}
	return sm
}

func (sm *StreamingMerge) start(ctx context.Context) error {
	sm._init = true
	for i, cur := range sm._heap._cursors {
		ok, err := cur.advance(ctx)
		if err != nil {
			return err
		}
		if ok {
			sm._heap._items = append(sm._heap._items, i)
		}
	}
	heap.Init(sm._heap)
	return nil
}

func (sm *StreamingMerge) Next(ctx context.Context) (*chunk.Chunk, error) {
	if sm._done {
		return nil, nil
	}
	if !sm._init {
		if err := sm.start(ctx); err != nil {
			return nil, err
		}
	}
	if err := common.CheckCancel(ctx, "merge"); err != nil {
		return nil, err
	}
	want := sm._batchSize
	if sm._fetch >= 0 {
		want = int(min(int64(want), sm._fetch-sm._emitted))
	}
	if want <= 0 || sm._heap.Len() == 0 {
		sm._done = true
		return nil, nil
	}
	ret := chunk.NewChunk(sm._types, want)
	sel := chunk.NewSelectVectorFrom([]int{0})
	for ret.Card() < want && sm._heap.Len() > 0 {
		top := sm._heap._items[0]
		cur := sm._heap._cursors[top]
		sel.SetIndex(0, cur._row)
		ret.Append(cur._chunk, sel, 1)
		ok, err := cur.advance(ctx)
		if err != nil {
			return nil, err
		}
		if ok {
			heap.Fix(sm._heap, 0)
		} else {
			heap.Pop(sm._heap)
		}
	}
	sm._emitted += int64(ret.Card())
	return ret, nil
}

func (sm *StreamingMerge) Close() error {
	var err error
	for _, stream := range sm._streams {
		err = multierr.Append(err, stream.Close())
	}
	sm._streams = nil
	sm._done = true
	return err
}
