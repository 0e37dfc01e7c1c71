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

	"github.com/tidwall/btree"
	"go.uber.org/zap"

	"github.com/Stars1233/datafusion/pkg/chunk"
	"github.com/Stars1233/datafusion/pkg/common"
	"github.com/Stars1233/datafusion/pkg/storage"
	"github.com/Stars1233/datafusion/pkg/util"
)

type topKBatch struct {
	c     *chunk.Chunk
	refs  int
	bytes int64
}

func (batch *topKBatch) rowBytes() int64 {
	if batch.c.Card() == 0 {
		return 0
	}
	return batch.bytes / int64(batch.c.Card())
}

type topKRow struct {
	batch *topKBatch
	row   int
	seq   uint64
}

// TopK keeps the best K rows of a stream. Rows reference the input
// batches they came from; referenced batches are compacted when they
// hold more than twice the bytes the kept rows need.
type TopK struct {
	_name      string
	_exec      *ExecContext
	_k         int64
	_eval      *sortKeyEvaluator
	_tree      *btree.BTreeG[*topKRow]
	_seq       uint64
	_res       *storage.MemoryReservation
	_filter    *DynamicFilter
	_partition int

	//bytes of the batches referenced by kept rows
	_batchBytes int64
	//bytes the kept rows need
	_rowBytes int64

	_out         []*topKRow
	_outPos      int
	_compactions int
}

func NewTopK(
	exec *ExecContext,
	name string,
	orders []*SortExpr,
	payloadTypes []common.LType,
	k int64,
	filter *DynamicFilter,
	partition int,
) *TopK {
	tk := &TopK{
		_name:      name,
		_exec:      exec,
		_k:         k,
		_eval:      newSortKeyEvaluator(orders, payloadTypes),
		_res:       exec.Pool.NewReservation(name),
		_filter:    filter,
		_partition: partition,
	}
	tk._tree = btree.NewBTreeG[*topKRow](tk.less)
	return tk
}

func (tk *TopK) less(a, b *topKRow) bool {
	ret := tk._eval._cmp.Compare(a.batch.c, a.row, b.batch.c, b.row)
	if ret != 0 {
		return ret < 0
	}
	return a.seq < b.seq
}

func (tk *TopK) Compactions() int {
	return tk._compactions
}

func (tk *TopK) Sink(ctx context.Context, input *chunk.Chunk) error {
	if tk._k <= 0 || input.Card() == 0 {
		return nil
	}
	if err := common.CheckCancel(ctx, tk._name); err != nil {
		return err
	}
	sorted, err := tk._eval.sortChunk(input)
	if err != nil {
		return err
	}
	batch := &topKBatch{c: sorted}
	for i := 0; i < sorted.Card(); i++ {
		row := &topKRow{batch: batch, row: i, seq: tk._seq}
		tk._seq++
		if int64(tk._tree.Len()) < tk._k {
			tk._tree.Set(row)
			batch.refs++
			continue
		}
		worst, _ := tk._tree.Max()
		//equal keys lose to the earlier row
		if tk._eval._cmp.Compare(sorted, i, worst.batch.c, worst.row) >= 0 {
			continue
		}
		tk._tree.PopMax()
		tk.release(worst)
		tk._tree.Set(row)
		batch.refs++
	}
	if batch.refs == 0 {
		return nil
	}
	batch.bytes = sorted.MemorySize()
	tk._batchBytes += batch.bytes
	tk._rowBytes += int64(batch.refs) * batch.rowBytes()
	if err = tk._res.TryGrow(batch.bytes); err != nil {
		if !common.IsResourcesExhausted(err) {
			return err
		}
		if err = tk.compact(); err != nil {
			return err
		}
	} else if tk._batchBytes > 2*tk._rowBytes {
		if err = tk.compact(); err != nil {
			return err
		}
	}
	tk.publish()
	return nil
}

func (tk *TopK) release(row *topKRow) {
	batch := row.batch
	batch.refs--
	tk._rowBytes -= batch.rowBytes()
	if batch.refs == 0 && batch.bytes > 0 {
		tk._batchBytes -= batch.bytes
		tk._res.Shrink(batch.bytes)
	}
}

// compact copies the kept rows into one batch.
func (tk *TopK) compact() error {
	rows := make([]*topKRow, 0, tk._tree.Len())
	tk._tree.Scan(func(row *topKRow) bool {
		rows = append(rows, row)
		return true
	})
	c := chunk.NewChunk(tk._eval._sortTypes, max(len(rows), 1))
	sel := chunk.NewSelectVectorFrom([]int{0})
	for _, row := range rows {
		sel.SetIndex(0, row.row)
		c.Append(row.batch.c, sel, 1)
	}
	batch := &topKBatch{c: c, refs: len(rows), bytes: c.MemorySize()}
	tk._tree.Clear()
	for i, row := range rows {
		tk._tree.Set(&topKRow{batch: batch, row: i, seq: row.seq})
	}
	tk._batchBytes = batch.bytes
	tk._rowBytes = batch.bytes
	tk._compactions++
	util.Debug("topk compacted",
		zap.String("op", tk._name),
		zap.Int("rows", len(rows)),
		zap.Int64("bytes", batch.bytes))
	return tk._res.Resize(batch.bytes)
}

// publish pushes the leading key of the worst kept row upstream once
// K rows are kept.
func (tk *TopK) publish() {
	if tk._filter == nil || int64(tk._tree.Len()) < tk._k {
		return
	}
	worst, _ := tk._tree.Max()
	bound := worst.batch.c.Data[tk._eval._keyIdx[0]].GetValue(worst.row)
	tk._filter.Update(tk._partition, bound)
}

// Finalize fixes the output order.
func (tk *TopK) Finalize(ctx context.Context) error {
	tk._out = make([]*topKRow, 0, tk._tree.Len())
	tk._tree.Scan(func(row *topKRow) bool {
		tk._out = append(tk._out, row)
		return true
	})
	return common.CheckCancel(ctx, tk._name)
}

// GetData returns the next batch of kept rows or nil when exhausted.
func (tk *TopK) GetData(ctx context.Context) (*chunk.Chunk, error) {
	if err := common.CheckCancel(ctx, tk._name); err != nil {
		return nil, err
	}
	if tk._outPos >= len(tk._out) {
		return nil, nil
	}
	cnt := min(tk._exec.BatchSize(), len(tk._out)-tk._outPos)
	c := chunk.NewChunk(tk._eval._sortTypes, cnt)
	sel := chunk.NewSelectVectorFrom([]int{0})
	for _, row := range tk._out[tk._outPos : tk._outPos+cnt] {
		sel.SetIndex(0, row.row)
		c.Append(row.batch.c, sel, 1)
	}
	tk._outPos += cnt
	return tk._eval.payload(c), nil
}

func (tk *TopK) Close() error {
	tk._tree.Clear()
	tk._out = nil
	tk._res.Free()
	return nil
}
