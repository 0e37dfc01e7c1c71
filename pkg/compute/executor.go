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
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Stars1233/datafusion/pkg/chunk"
	"github.com/Stars1233/datafusion/pkg/common"
	"github.com/Stars1233/datafusion/pkg/util"
)

// Runner executes one partition of an operator. It pulls from the
// runners of its children.
type Runner struct {
	exec      *ExecContext
	op        *PhysicalOperator
	partition int
	state     *OperatorState

	//context of the children. cancelled on close or by a limit.
	ctx    context.Context
	cancel context.CancelFunc

	children []*Runner
	inited   bool
	done     bool
	closed   bool
}

func NewRunner(exec *ExecContext, op *PhysicalOperator, partition int) *Runner {
	return &Runner{
		exec:      exec,
		op:        op,
		partition: partition,
		state:     &OperatorState{},
	}
}

func (run *Runner) Op() *PhysicalOperator {
	return run.op
}

// name identifies the operator partition in errors, logs and memory
// reservations.
func (run *Runner) name() string {
	return fmt.Sprintf("%s[%d]", run.op.name(), run.partition)
}

func (run *Runner) initChildren() error {
	run.children = []*Runner{}
	switch run.op.Typ {
	case POT_Scan, POT_Repartition:
		//scans have no children. repartition workers own theirs.
		return nil
	case POT_Merge, POT_Coalesce:
		child := run.op.Children[0]
		for i := 0; i < child.OutputPartitions(); i++ {
			run.children = append(run.children, NewRunner(run.exec, child, i))
		}
	default:
		for _, child := range run.op.Children {
			run.children = append(run.children, NewRunner(run.exec, child, run.partition))
		}
	}
	for _, child := range run.children {
		if err := child.Init(run.ctx); err != nil {
			return err
		}
	}
	return nil
}

func (run *Runner) Init(ctx context.Context) error {
	util.AssertFunc(!run.inited)
	run.inited = true
	run.ctx, run.cancel = context.WithCancel(ctx)
	err := run.initChildren()
	if err != nil {
		return err
	}
	switch run.op.Typ {
	case POT_Scan:
		return run.scanInit()
	case POT_Project:
		return run.projInit()
	case POT_Filter:
		return run.filterInit()
	case POT_Order:
		return run.orderInit()
	case POT_Merge:
		return run.mergeInit()
	case POT_Agg:
		return run.aggrInit()
	case POT_Join:
		return run.joinInit()
	case POT_Limit:
		return run.limitInit()
	case POT_Repartition:
		return run.repartitionInit()
	case POT_Coalesce:
		return run.coalesceInit()
	default:
		panic("usp")
	}
}

// Execute fills output with the next batch. After Done it must not be
// called again.
func (run *Runner) Execute(ctx context.Context, output *chunk.Chunk) (OperatorResult, error) {
	if run.done {
		return Done, nil
	}
	output.Init(run.op.Schema.Types(), run.exec.BatchSize())
	defer func(start time.Time) {
		run.op.ExecStats._totalTime.Add(int64(time.Since(start)))
	}(time.Now())
	if err := common.CheckCancel(ctx, run.name()); err != nil {
		return InvalidOpResult, err
	}
	var res OperatorResult
	var err error
	switch run.op.Typ {
	case POT_Scan:
		res, err = run.scanExec(output, run.state)
	case POT_Project:
		res, err = run.projExec(output, run.state)
	case POT_Filter:
		res, err = run.filterExec(output, run.state)
	case POT_Order:
		res, err = run.orderExec(output, run.state)
	case POT_Merge:
		res, err = run.mergeExec(output, run.state)
	case POT_Agg:
		res, err = run.aggrExec(output, run.state)
	case POT_Join:
		res, err = run.joinExec(output, run.state)
	case POT_Limit:
		res, err = run.limitExec(output, run.state)
	case POT_Repartition:
		res, err = run.repartitionExec(output, run.state)
	case POT_Coalesce:
		res, err = run.coalesceExec(output, run.state)
	default:
		panic("usp")
	}
	if err != nil {
		return InvalidOpResult, err
	}
	switch res {
	case haveMoreOutput:
		run.op.ExecStats._rows.Add(int64(output.Card()))
		run.op.ExecStats._batches.Add(1)
	case Done:
		run.done = true
	}
	return res, nil
}

// emit hands c to the caller of Execute.
func emit(output *chunk.Chunk, c *chunk.Chunk) (OperatorResult, error) {
	if c == nil {
		return Done, nil
	}
	output.Reference(c)
	return haveMoreOutput, nil
}

// execChild returns the next non empty batch of child or nil when the
// child is done.
func (run *Runner) execChild(child *Runner) (*chunk.Chunk, error) {
	defer func(start time.Time) {
		run.op.ExecStats._totalChildTime.Add(int64(time.Since(start)))
	}(time.Now())
	for {
		output := &chunk.Chunk{}
		res, err := child.Execute(run.ctx, output)
		if err != nil {
			return nil, err
		}
		switch res {
		case Done:
			return nil, nil
		case haveMoreOutput:
			if output.Card() > 0 {
				return output, nil
			}
		default:
			return nil, common.InternalError(run.name(), "child returned %d", res)
		}
	}
}

// closeChildren stops the children early. It is used by operators
// that need no more input.
func (run *Runner) closeChildren() error {
	run.cancel()
	var err error
	for _, child := range run.children {
		err = multierr.Append(err, child.Close())
	}
	return err
}

// Close releases every reservation and spill file of the subtree. It
// can be called more than once.
func (run *Runner) Close() error {
	if run.closed {
		return nil
	}
	run.closed = true
	if run.cancel != nil {
		run.cancel()
	}
	var err error
	if run.inited {
		switch run.op.Typ {
		case POT_Scan:
			err = run.scanClose()
		case POT_Project:
			err = run.projClose()
		case POT_Filter:
			err = run.filterClose()
		case POT_Order:
			err = run.orderClose()
		case POT_Merge:
			err = run.mergeClose()
		case POT_Agg:
			err = run.aggrClose()
		case POT_Join:
			err = run.joinClose()
		case POT_Limit:
			err = run.limitClose()
		case POT_Repartition:
			err = run.repartitionClose()
		case POT_Coalesce:
			err = run.coalesceClose()
		default:
			panic("usp")
		}
	}
	for _, child := range run.children {
		err = multierr.Append(err, child.Close())
	}
	if err != nil {
		util.Warn("runner close failed", zap.String("op", run.name()), zap.Error(err))
	}
	return err
}

// drain pulls every batch of run.
func drain(ctx context.Context, run *Runner, fn func(c *chunk.Chunk) error) error {
	for {
		output := &chunk.Chunk{}
		res, err := run.Execute(ctx, output)
		if err != nil {
			return err
		}
		if res == Done {
			return nil
		}
		if output.Card() == 0 {
			continue
		}
		if err = fn(output); err != nil {
			return err
		}
	}
}

// runPartition executes one partition of op to the end and closes it.
func runPartition(
	ctx context.Context,
	exec *ExecContext,
	op *PhysicalOperator,
	partition int,
	fn func(c *chunk.Chunk) error,
) (err error) {
	defer func() {
		if rErr := recover(); rErr != nil {
			err = errors.Join(err, util.ConvertPanicError(rErr))
		}
	}()
	run := NewRunner(exec, op, partition)
	err = run.Init(ctx)
	if err == nil {
		err = drain(ctx, run, fn)
	}
	return multierr.Append(err, run.Close())
}

// Collect executes a single partition plan and returns its output.
func Collect(ctx context.Context, exec *ExecContext, op *PhysicalOperator) ([]*chunk.Chunk, error) {
	if op.OutputPartitions() != 1 {
		return nil, common.InternalError(op.name(),
			"collect needs one partition, got %d", op.OutputPartitions())
	}
	ret := make([]*chunk.Chunk, 0)
	err := runPartition(ctx, exec, op, 0, func(c *chunk.Chunk) error {
		ret = append(ret, c)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ret, nil
}

// CollectPartitioned executes every partition of op concurrently and
// returns the output per partition.
func CollectPartitioned(ctx context.Context, exec *ExecContext, op *PhysicalOperator) ([][]*chunk.Chunk, error) {
	ret := make([][]*chunk.Chunk, op.OutputPartitions())
	grp, gctx := errgroup.WithContext(ctx)
	for i := range ret {
		grp.Go(func() error {
			return runPartition(gctx, exec, op, i, func(c *chunk.Chunk) error {
				ret[i] = append(ret[i], c)
				return nil
			})
		})
	}
	if err := grp.Wait(); err != nil {
		return nil, err
	}
	return ret, nil
}
