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
	"slices"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/Stars1233/datafusion/pkg/chunk"
	"github.com/Stars1233/datafusion/pkg/common"
	"github.com/Stars1233/datafusion/pkg/storage"
	"github.com/Stars1233/datafusion/pkg/util"
)

// sortPermutation orders the rows of chunks stably by cmp.
func sortPermutation(chunks []*chunk.Chunk, cmp *RowComparator) []rowRef {
	total := 0
	for _, c := range chunks {
		total += c.Card()
	}
	perm := make([]rowRef, 0, total)
	for i, c := range chunks {
		for j := 0; j < c.Card(); j++ {
			perm = append(perm, rowRef{batch: i, row: j})
		}
	}
	slices.SortStableFunc(perm, func(a, b rowRef) int {
		return cmp.Compare(chunks[a.batch], a.row, chunks[b.batch], b.row)
	})
	return perm
}

// ExternalSort sorts a stream larger than its memory budget by
// spilling sorted runs and merging them.
type ExternalSort struct {
	_name  string
	_exec  *ExecContext
	_eval  *sortKeyEvaluator
	_res   *storage.MemoryReservation
	_state SortState

	_buffer []*chunk.Chunk
	_runs   []*storage.SpillFile
	_merge  *StreamingMerge

	_spillCount  int
	_spilledRows int64
}

func NewExternalSort(
	exec *ExecContext,
	name string,
	orders []*SortExpr,
	payloadTypes []common.LType,
) *ExternalSort {
	return &ExternalSort{
		_name:  name,
		_exec:  exec,
		_eval:  newSortKeyEvaluator(orders, payloadTypes),
		_res:   exec.Pool.NewReservation(name),
		_state: SS_INIT,
	}
}

func (es *ExternalSort) SpillCount() int {
	return es._spillCount
}

func (es *ExternalSort) SpilledRows() int64 {
	return es._spilledRows
}

func (es *ExternalSort) Sink(ctx context.Context, input *chunk.Chunk) error {
	util.AssertFunc(es._state == SS_INIT)
	if input.Card() == 0 {
		return nil
	}
	sorted, err := es._eval.sortChunk(input)
	if err != nil {
		return err
	}
	size := sorted.MemorySize()
	err = es._res.TryGrow(size)
	if err == nil {
		es._buffer = append(es._buffer, sorted)
		return nil
	}
	if !common.IsResourcesExhausted(err) {
		return err
	}
	if len(es._buffer) > 0 {
		if err = es.spillBuffer(ctx); err != nil {
			return err
		}
		err = es._res.TryGrow(size)
		if err == nil {
			es._buffer = append(es._buffer, sorted)
			return nil
		}
	}
	//the batch does not fit next to what other consumers hold.
	//it becomes a run of its own.
	util.Debug("sort batch spilled unbuffered",
		zap.String("op", es._name),
		zap.Int64("bytes", size),
		zap.Stringer("pool", es._exec.Pool))
	return es.spillRun(ctx, []*chunk.Chunk{sorted})
}

func (es *ExternalSort) spillBuffer(ctx context.Context) error {
	err := es.spillRun(ctx, es._buffer)
	if err != nil {
		return err
	}
	es._buffer = nil
	return es._res.Resize(0)
}

func (es *ExternalSort) spillRun(ctx context.Context, chunks []*chunk.Chunk) error {
	writer, err := es._exec.SpillMgr.CreateWriter(es._name)
	if err != nil {
		return err
	}
	stream := &permutedStream{
		_types:     es._eval._sortTypes,
		_chunks:    chunks,
		_perm:      sortPermutation(chunks, es._eval._cmp),
		_batchSize: es._exec.BatchSize(),
	}
	for {
		next, err := stream.Next(ctx)
		if err != nil {
			writer.Abort()
			return err
		}
		if next == nil {
			break
		}
		if err = writer.Append(next); err != nil {
			writer.Abort()
			return err
		}
	}
	file, err := writer.Finish()
	if err != nil {
		return err
	}
	es._runs = append(es._runs, file)
	es._spillCount++
	es._spilledRows += file.Rows
	util.Debug("sort spilled run",
		zap.String("op", es._name),
		zap.Int64("rows", file.Rows),
		zap.Int64("bytes", file.Bytes),
		zap.Int("runs", len(es._runs)))
	return nil
}

// mergeRuns merges spilled runs into one new run. The inputs are
// deleted.
func (es *ExternalSort) mergeRuns(ctx context.Context, runs []*storage.SpillFile) (*storage.SpillFile, error) {
	streams := make([]SortedStream, len(runs))
	for i, run := range runs {
		streams[i] = newSpillStream(es._exec.SpillMgr, run, true)
	}
	merge := NewStreamingMerge(es._eval._sortTypes, streams, es._eval._cmp, es._exec.BatchSize(), -1)
	writer, err := es._exec.SpillMgr.CreateWriter(es._name)
	if err != nil {
		return nil, multierr.Append(err, merge.Close())
	}
	for {
		next, err := merge.Next(ctx)
		if err != nil {
			writer.Abort()
			return nil, multierr.Append(err, merge.Close())
		}
		if next == nil {
			break
		}
		if err = writer.Append(next); err != nil {
			writer.Abort()
			return nil, multierr.Append(err, merge.Close())
		}
	}
	file, err := writer.Finish()
	return file, multierr.Append(err, merge.Close())
}

// Finalize ends the input and prepares the merged output.
func (es *ExternalSort) Finalize(ctx context.Context) error {
	util.AssertFunc(es._state == SS_INIT)
	es._state = SS_SORT
	fanIn := es._exec.Cfg.Exec.MaxMergeFanIn
	memRuns := 0
	if len(es._buffer) > 0 {
		memRuns = 1
	}
	for len(es._runs)+memRuns > fanIn {
		//merged runs take the place of their inputs, keeping ties in
		//run order
		merged, err := es.mergeRuns(ctx, es._runs[:fanIn])
		if err != nil {
			return err
		}
		es._runs = append([]*storage.SpillFile{merged}, es._runs[fanIn:]...)
	}
	streams := make([]SortedStream, 0, len(es._runs)+1)
	for _, run := range es._runs {
		streams = append(streams, newSpillStream(es._exec.SpillMgr, run, true))
	}
	es._runs = nil
	if len(es._buffer) > 0 {
		streams = append(streams, &permutedStream{
			_types:     es._eval._sortTypes,
			_chunks:    es._buffer,
			_perm:      sortPermutation(es._buffer, es._eval._cmp),
			_batchSize: es._exec.BatchSize(),
		})
		es._buffer = nil
	}
	es._merge = NewStreamingMerge(es._eval._sortTypes, streams, es._eval._cmp, es._exec.BatchSize(), -1)
	es._state = SS_SCAN
	return nil
}

// GetData returns the next sorted batch or nil when exhausted.
func (es *ExternalSort) GetData(ctx context.Context) (*chunk.Chunk, error) {
	if es._state == SS_DONE {
		return nil, nil
	}
	util.AssertFunc(es._state == SS_SCAN)
	next, err := es._merge.Next(ctx)
	if err != nil {
		return nil, err
	}
	if next == nil {
		es._state = SS_DONE
		err = es._merge.Close()
		//the in-memory run is released with the merge
		es._res.Shrink(es._res.Size())
		return nil, err
	}
	return es._eval.payload(next), nil
}

func (es *ExternalSort) Close() error {
	var err error
	if es._merge != nil {
		err = multierr.Append(err, es._merge.Close())
		es._merge = nil
	}
	for _, run := range es._runs {
		err = multierr.Append(err, run.Close())
	}
	es._runs = nil
	es._buffer = nil
	es._res.Free()
	es._state = SS_DONE
	return err
}
