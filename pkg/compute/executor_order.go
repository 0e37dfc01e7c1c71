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

	"go.uber.org/multierr"

	"github.com/Stars1233/datafusion/pkg/chunk"
	"github.com/Stars1233/datafusion/pkg/util"
)

func (run *Runner) orderInit() error {
	payloadTypes := run.op.Children[0].Schema.Types()
	if run.op.Fetch >= 0 {
		run.state.topk = NewTopK(
			run.exec,
			run.name(),
			run.op.OrderBys,
			payloadTypes,
			run.op.Fetch,
			run.op.DynFilter,
			run.partition,
		)
	} else {
		run.state.sort = NewExternalSort(run.exec, run.name(), run.op.OrderBys, payloadTypes)
	}
	return nil
}

func (run *Runner) orderSink(state *OperatorState) error {
	for {
		childChunk, err := run.execChild(run.children[0])
		if err != nil {
			return err
		}
		if childChunk == nil {
			break
		}
		if err = util.InjectFault(util.FAULTS_SCOPE_EXEC, util.FaultExecSink); err != nil {
			return err
		}
		if state.topk != nil {
			err = state.topk.Sink(run.ctx, childChunk)
		} else {
			err = state.sort.Sink(run.ctx, childChunk)
		}
		if err != nil {
			return err
		}
	}
	if state.topk != nil {
		return state.topk.Finalize(run.ctx)
	}
	err := state.sort.Finalize(run.ctx)
	run.op.ExecStats._spills.Add(int64(state.sort.SpillCount()))
	return err
}

func (run *Runner) orderExec(output *chunk.Chunk, state *OperatorState) (OperatorResult, error) {
	if !state.sorted {
		if err := run.orderSink(state); err != nil {
			return InvalidOpResult, err
		}
		state.sorted = true
	}
	var c *chunk.Chunk
	var err error
	if state.topk != nil {
		c, err = state.topk.GetData(run.ctx)
	} else {
		c, err = state.sort.GetData(run.ctx)
	}
	if err != nil {
		return InvalidOpResult, err
	}
	return emit(output, c)
}

func (run *Runner) orderClose() error {
	var err error
	if run.state.topk != nil {
		err = multierr.Append(err, run.state.topk.Close())
		run.state.topk = nil
	}
	if run.state.sort != nil {
		err = multierr.Append(err, run.state.sort.Close())
		run.state.sort = nil
	}
	return err
}

// runnerStream reads a sorted child partition with its sort keys
// appended.
type runnerStream struct {
	parent *Runner
	child  *Runner
	eval   *sortKeyEvaluator
}

func (rs *runnerStream) Next(ctx context.Context) (*chunk.Chunk, error) {
	c, err := rs.parent.execChild(rs.child)
	if err != nil || c == nil {
		return nil, err
	}
	return rs.eval.sortChunk(c)
}

func (rs *runnerStream) Close() error {
	return rs.child.Close()
}

func (run *Runner) mergeInit() error {
	eval := newSortKeyEvaluator(run.op.OrderBys, run.op.Children[0].Schema.Types())
	streams := make([]SortedStream, 0, len(run.children))
	for _, child := range run.children {
		streams = append(streams, &runnerStream{parent: run, child: child, eval: eval})
	}
	run.state.merge = NewStreamingMerge(eval._sortTypes, streams, eval._cmp, run.exec.BatchSize(), run.op.Fetch)
	run.state.mergeEval = eval
	return nil
}

func (run *Runner) mergeExec(output *chunk.Chunk, state *OperatorState) (OperatorResult, error) {
	c, err := state.merge.Next(run.ctx)
	if err != nil {
		return InvalidOpResult, err
	}
	if c == nil {
		//fetch reached. the children are not needed any more.
		return Done, run.closeChildren()
	}
	return emit(output, state.mergeEval.payload(c))
}

func (run *Runner) mergeClose() error {
	if run.state.merge == nil {
		return nil
	}
	err := run.state.merge.Close()
	run.state.merge = nil
	return err
}
