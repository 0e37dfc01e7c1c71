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
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Stars1233/datafusion/pkg/chunk"
	"github.com/Stars1233/datafusion/pkg/common"
	"github.com/Stars1233/datafusion/pkg/storage"
	"github.com/Stars1233/datafusion/pkg/util"
)

type queueItem struct {
	c    *chunk.Chunk
	size int64
	file *storage.SpillFile
}

// repartitionQueueDepth is the number of batches a queue holds before
// its producers wait.
const repartitionQueueDepth = 1

// queueGate makes the producers of a repartition wait while their
// target queue is full. When every running producer would wait and an
// output is waiting for a batch, the producer pushes anyway and the
// batch goes to disk. The full queue may belong to an output that is
// only read after the waiting one.
type queueGate struct {
	_lock      sync.Mutex
	_cond      *sync.Cond
	_producers int
	_blocked   int
	_waiting   int
}

func newQueueGate(producers int) *queueGate {
	gate := &queueGate{_producers: producers}
	gate._cond = sync.NewCond(&gate._lock)
	return gate
}

func (gate *queueGate) producerDone() {
	gate._lock.Lock()
	gate._producers--
	gate._cond.Broadcast()
	gate._lock.Unlock()
}

// wakeOn wakes the waiting producers when ctx ends.
func (gate *queueGate) wakeOn(ctx context.Context) func() bool {
	return context.AfterFunc(ctx, func() {
		gate._lock.Lock()
		gate._cond.Broadcast()
		gate._lock.Unlock()
	})
}

// batchQueue is a FIFO of batches between repartition workers and one
// output. Batches that do not fit in memory are spilled and read back
// in order.
type batchQueue struct {
	_name      string
	_exec      *ExecContext
	_gate      *queueGate
	_items     []queueItem
	_producers int
	_abandoned bool
	_waiting   bool
	_notify    chan struct{}
	_res       *storage.MemoryReservation
	_spills    int
}

func newBatchQueue(exec *ExecContext, gate *queueGate, name string, producers int) *batchQueue {
	return &batchQueue{
		_name:      name,
		_exec:      exec,
		_gate:      gate,
		_producers: producers,
		_notify:    make(chan struct{}, 1),
		_res:       exec.Pool.NewReservation(name),
	}
}

func (q *batchQueue) wake() {
	select {
	case q._notify <- struct{}{}:
	default:
	}
}

// push appends c, waiting while the queue is full.
func (q *batchQueue) push(ctx context.Context, c *chunk.Chunk) error {
	gate := q._gate
	gate._lock.Lock()
	defer gate._lock.Unlock()
	overflow := false
	for !q._abandoned && len(q._items) >= repartitionQueueDepth {
		if ctx.Err() != nil {
			return common.Cancelled(q._name, ctx.Err())
		}
		if gate._waiting > 0 && gate._blocked+1 >= gate._producers {
			overflow = true
			break
		}
		gate._blocked++
		gate._cond.Wait()
		gate._blocked--
	}
	if q._abandoned {
		return nil
	}
	size := c.MemorySize()
	item := queueItem{c: c, size: size}
	var err error
	if !overflow {
		err = q._res.TryGrow(size)
		if err != nil && !common.IsResourcesExhausted(err) {
			return err
		}
	}
	if overflow || err != nil {
		file, err := q._exec.SpillMgr.SpillChunks(q._name, []*chunk.Chunk{c})
		if err != nil {
			return err
		}
		item = queueItem{file: file}
		q._spills++
		if overflow {
			util.Debug("repartition queue overflowed to disk",
				zap.String("queue", q._name),
				zap.Int("queued", len(q._items)))
		}
	}
	q._items = append(q._items, item)
	q.setWaiting(false)
	q.wake()
	return nil
}

// setWaiting marks the output of q as waiting for a batch. The gate
// lock is held.
func (q *batchQueue) setWaiting(waiting bool) {
	if q._waiting == waiting {
		return
	}
	q._waiting = waiting
	if waiting {
		q._gate._waiting++
		q._gate._cond.Broadcast()
	} else {
		q._gate._waiting--
	}
}

// producerDone is called once by every producer of the queue.
func (q *batchQueue) producerDone() {
	q._gate._lock.Lock()
	q._producers--
	q._gate._lock.Unlock()
	q.wake()
}

// pop returns the next batch or nil once every producer is done and
// the queue is empty.
func (q *batchQueue) pop(ctx context.Context, failed <-chan struct{}) (*chunk.Chunk, error) {
	gate := q._gate
	for {
		gate._lock.Lock()
		if len(q._items) > 0 {
			item := q._items[0]
			q._items[0] = queueItem{}
			q._items = q._items[1:]
			gate._cond.Broadcast()
			gate._lock.Unlock()
			if item.file == nil {
				q._res.Shrink(item.size)
				return item.c, nil
			}
			return q.readBack(ctx, item.file)
		}
		finished := q._producers <= 0
		if !finished {
			q.setWaiting(true)
		}
		gate._lock.Unlock()
		if finished {
			return nil, nil
		}
		var err error
		stop := false
		select {
		case <-q._notify:
		case <-failed:
			stop = true
		case <-ctx.Done():
			err = common.Cancelled(q._name, ctx.Err())
		}
		gate._lock.Lock()
		q.setWaiting(false)
		gate._lock.Unlock()
		if stop || err != nil {
			return nil, err
		}
	}
}

func (q *batchQueue) readBack(ctx context.Context, file *storage.SpillFile) (*chunk.Chunk, error) {
	reader, err := q._exec.SpillMgr.Read(ctx, file)
	if err != nil {
		return nil, multierr.Append(err, file.Close())
	}
	c, err := reader.Next(ctx)
	reader.Close()
	return c, multierr.Append(err, file.Close())
}

// abandon drops queued batches. Later pushes are discarded.
func (q *batchQueue) abandon() error {
	q._gate._lock.Lock()
	defer q._gate._lock.Unlock()
	q._abandoned = true
	var err error
	for _, item := range q._items {
		if item.file != nil {
			err = multierr.Append(err, item.file.Close())
		}
	}
	q._items = nil
	q._res.Free()
	q.setWaiting(false)
	q._gate._cond.Broadcast()
	return err
}

// queueStream reads a queue of sorted batches with the sort keys
// appended.
type queueStream struct {
	shared *repartitionShared
	q      *batchQueue
	eval   *sortKeyEvaluator
}

func (qs *queueStream) Next(ctx context.Context) (*chunk.Chunk, error) {
	c, err := qs.shared.pop(ctx, qs.q)
	if err != nil || c == nil {
		return nil, err
	}
	return qs.eval.sortChunk(c)
}

func (qs *queueStream) Close() error {
	return nil
}

// repartitionShared is the state every output partition of a
// repartition shares. One worker per input partition routes batches
// into the queues.
type repartitionShared struct {
	_exec    *ExecContext
	_op      *PhysicalOperator
	_inputs  int
	_outputs int
	_gate    *queueGate
	//outputs x inputs queues in preserve order mode, outputs otherwise
	_queues [][]*batchQueue

	_startOnce sync.Once
	_cancel    context.CancelFunc
	_finished  chan struct{}
	_failed    chan struct{}
	_err       error
}

func newRepartitionShared(exec *ExecContext, op *PhysicalOperator) *repartitionShared {
	shared := &repartitionShared{
		_exec:     exec,
		_op:       op,
		_inputs:   op.Children[0].OutputPartitions(),
		_outputs:  op.Partitioning.Count,
		_finished: make(chan struct{}),
		_failed:   make(chan struct{}),
	}
	shared._gate = newQueueGate(shared._inputs)
	shared._queues = make([][]*batchQueue, shared._outputs)
	for o := range shared._queues {
		if op.PreserveOrder {
			for i := 0; i < shared._inputs; i++ {
				name := fmt.Sprintf("%s[%d->%d]", op.name(), i, o)
				shared._queues[o] = append(shared._queues[o], newBatchQueue(exec, shared._gate, name, 1))
			}
		} else {
			name := fmt.Sprintf("%s[%d]", op.name(), o)
			shared._queues[o] = []*batchQueue{newBatchQueue(exec, shared._gate, name, shared._inputs)}
		}
	}
	return shared
}

func (shared *repartitionShared) queue(input, output int) *batchQueue {
	if shared._op.PreserveOrder {
		return shared._queues[output][input]
	}
	return shared._queues[output][0]
}

// start launches the workers on the query context.
func (shared *repartitionShared) start() {
	shared._startOnce.Do(func() {
		ctx, cancel := context.WithCancel(shared._exec.Context())
		shared._cancel = cancel
		grp, gctx := errgroup.WithContext(ctx)
		stopWake := shared._gate.wakeOn(gctx)
		for i := 0; i < shared._inputs; i++ {
			grp.Go(func() error {
				return shared.work(gctx, i)
			})
		}
		go func() {
			err := grp.Wait()
			stopWake()
			if err != nil {
				util.Error("repartition worker failed",
					zap.String("op", shared._op.name()),
					zap.Error(err))
				shared._err = err
				close(shared._failed)
			}
			close(shared._finished)
		}()
	})
}

func (shared *repartitionShared) work(ctx context.Context, input int) error {
	defer func() {
		for o := 0; o < shared._outputs; o++ {
			shared.queue(input, o).producerDone()
		}
		shared._gate.producerDone()
	}()
	var hashExec *ExprExec
	if shared._op.Partitioning.Kind == PK_Hash {
		hashExec = NewExprExec(shared._op.Partitioning.Exprs...)
	}
	next := input
	return runPartition(ctx, shared._exec, shared._op.Children[0], input, func(c *chunk.Chunk) error {
		if hashExec == nil {
			out := next % shared._outputs
			next++
			return shared.queue(input, out).push(ctx, c)
		}
		keys, err := hashExec.executeExprs(c)
		if err != nil {
			return err
		}
		hashes := make([]uint64, c.Card())
		keys.Hash(hashes)
		sels := make([][]int, shared._outputs)
		for row, h := range hashes {
			out := util.HashPartition(h, repartitionSeed, shared._outputs)
			sels[out] = append(sels[out], row)
		}
		for out, sel := range sels {
			if len(sel) == 0 {
				continue
			}
			if err = shared.queue(input, out).push(ctx, gather(c, sel)); err != nil {
				return err
			}
		}
		return nil
	})
}

// pop reads q. A worker failure is reported to every output.
func (shared *repartitionShared) pop(ctx context.Context, q *batchQueue) (*chunk.Chunk, error) {
	c, err := q.pop(ctx, shared._failed)
	if err != nil {
		return nil, err
	}
	if c == nil {
		select {
		case <-shared._failed:
			return nil, shared._err
		default:
		}
	}
	return c, nil
}

func (shared *repartitionShared) spills() int {
	shared._gate._lock.Lock()
	defer shared._gate._lock.Unlock()
	cnt := 0
	for _, qs := range shared._queues {
		for _, q := range qs {
			cnt += q._spills
		}
	}
	return cnt
}

// buffered counts the batches held in memory and on disk.
func (shared *repartitionShared) buffered() (int, int) {
	shared._gate._lock.Lock()
	defer shared._gate._lock.Unlock()
	mem, disk := 0, 0
	for _, qs := range shared._queues {
		for _, q := range qs {
			for _, item := range q._items {
				if item.file != nil {
					disk++
				} else {
					mem++
				}
			}
		}
	}
	return mem, disk
}

// closeOutput drops the queues of an output nobody reads any more.
func (shared *repartitionShared) closeOutput(output int) error {
	var err error
	for _, q := range shared._queues[output] {
		err = multierr.Append(err, q.abandon())
	}
	return err
}

// stop cancels the workers and waits for them. It is called by the
// last output to close.
func (shared *repartitionShared) stop() error {
	var err error
	if shared._cancel != nil {
		shared._cancel()
		<-shared._finished
	}
	for o := range shared._queues {
		err = multierr.Append(err, shared.closeOutput(o))
	}
	return err
}

func (run *Runner) repartitionInit() error {
	shared := run.exec.acquireShared(run.op.Id, run.op.Partitioning.Count, func() any {
		return newRepartitionShared(run.exec, run.op)
	}).(*repartitionShared)
	run.state.repart = shared
	if run.op.PreserveOrder {
		eval := newSortKeyEvaluator(run.op.OrderBys, run.op.Children[0].Schema.Types())
		streams := make([]SortedStream, 0, shared._inputs)
		for i := 0; i < shared._inputs; i++ {
			streams = append(streams, &queueStream{shared: shared, q: shared.queue(i, run.partition), eval: eval})
		}
		run.state.merge = NewStreamingMerge(eval._sortTypes, streams, eval._cmp, run.exec.BatchSize(), -1)
		run.state.mergeEval = eval
	}
	return nil
}

func (run *Runner) repartitionExec(output *chunk.Chunk, state *OperatorState) (OperatorResult, error) {
	shared := state.repart
	shared.start()
	if state.merge != nil {
		c, err := state.merge.Next(run.ctx)
		if err != nil || c == nil {
			return Done, err
		}
		return emit(output, state.mergeEval.payload(c))
	}
	c, err := shared.pop(run.ctx, shared.queue(0, run.partition))
	if err != nil {
		return InvalidOpResult, err
	}
	return emit(output, c)
}

func (run *Runner) repartitionClose() error {
	shared := run.state.repart
	if shared == nil {
		return nil
	}
	run.state.repart = nil
	var err error
	if run.state.merge != nil {
		err = run.state.merge.Close()
		run.state.merge = nil
	}
	err = multierr.Append(err, shared.closeOutput(run.partition))
	if run.exec.releaseShared(run.op.Id) {
		run.op.ExecStats._spills.Add(int64(shared.spills()))
		err = multierr.Append(err, shared.stop())
	}
	return err
}

// coalesceState merges the partitions of the child into one stream
// without ordering.
type coalesceState struct {
	_ch      chan *chunk.Chunk
	_cancel  context.CancelFunc
	_err     error
	_started bool
}

func (run *Runner) coalesceInit() error {
	run.state.coalesce = &coalesceState{
		_ch: make(chan *chunk.Chunk, len(run.children)),
	}
	return nil
}

func (run *Runner) coalesceStart(state *coalesceState) {
	state._started = true
	ctx, cancel := context.WithCancel(run.ctx)
	state._cancel = cancel
	grp, gctx := errgroup.WithContext(ctx)
	for _, child := range run.children {
		grp.Go(func() (err error) {
			defer func() {
				if rErr := recover(); rErr != nil {
					err = util.ConvertPanicError(rErr)
				}
			}()
			return drain(gctx, child, func(c *chunk.Chunk) error {
				select {
				case state._ch <- c:
					return nil
				case <-gctx.Done():
					return common.Cancelled(run.name(), gctx.Err())
				}
			})
		})
	}
	go func() {
		state._err = grp.Wait()
		close(state._ch)
	}()
}

func (run *Runner) coalesceExec(output *chunk.Chunk, state *OperatorState) (OperatorResult, error) {
	coalesce := state.coalesce
	if !coalesce._started {
		run.coalesceStart(coalesce)
	}
	select {
	case c, ok := <-coalesce._ch:
		if !ok {
			if coalesce._err != nil {
				return InvalidOpResult, coalesce._err
			}
			return Done, nil
		}
		return emit(output, c)
	case <-run.ctx.Done():
		return InvalidOpResult, common.Cancelled(run.name(), run.ctx.Err())
	}
}

func (run *Runner) coalesceClose() error {
	coalesce := run.state.coalesce
	if coalesce == nil || !coalesce._started {
		return nil
	}
	coalesce._cancel()
	for range coalesce._ch {
	}
	run.state.coalesce = nil
	return nil
}
