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
	"github.com/Stars1233/datafusion/pkg/chunk"
)

func (run *Runner) scanInit() error {
	if run.partition < len(run.op.ScanData) {
		run.state.scanBatches = run.op.ScanData[run.partition]
	}
	if len(run.op.ScanFilters) > 0 {
		pred := combineExprsByAnd(run.op.ScanFilters...)
		run.state.pruning = NewPruningPredicate(pred)
		run.state.scanExec = NewExprExec(pred)
	}
	return nil
}

// scanSkip decides from the batch statistics that no row of c is
// needed.
func (run *Runner) scanSkip(c *chunk.Chunk, state *OperatorState) bool {
	if state.pruning == nil && len(run.op.DynFilters) == 0 {
		return false
	}
	stats := chunk.ComputeStats(c)
	if state.pruning != nil && state.pruning.Prune(stats) {
		return true
	}
	for _, df := range run.op.DynFilters {
		if df.CanSkip(run.partition, &stats[df.Column()]) {
			return true
		}
	}
	return false
}

func (run *Runner) scanExec(output *chunk.Chunk, state *OperatorState) (OperatorResult, error) {
	for state.scanPos < len(state.scanBatches) {
		c := state.scanBatches[state.scanPos]
		state.scanPos++
		if c.Card() == 0 {
			continue
		}
		if run.scanSkip(c, state) {
			run.op.ExecStats._skipped.Add(1)
			continue
		}
		if state.scanExec != nil {
			sel, cnt, err := state.scanExec.executeSelect(c)
			if err != nil {
				return InvalidOpResult, err
			}
			if cnt == 0 {
				continue
			}
			if cnt < c.Card() {
				filtered := chunk.NewChunk(c.Types(), cnt)
				filtered.Append(c, sel, cnt)
				c = filtered
			}
		}
		return emit(output, c)
	}
	return Done, nil
}

func (run *Runner) scanClose() error {
	run.state.scanBatches = nil
	return nil
}

func (run *Runner) projInit() error {
	run.state.projExec = NewExprExec(run.op.Projects...)
	return nil
}

func (run *Runner) projExec(output *chunk.Chunk, state *OperatorState) (OperatorResult, error) {
	childChunk, err := run.execChild(run.children[0])
	if err != nil {
		return InvalidOpResult, err
	}
	if childChunk == nil {
		return Done, nil
	}
	projChunk, err := state.projExec.executeExprs(childChunk)
	if err != nil {
		return InvalidOpResult, err
	}
	return emit(output, projChunk)
}

func (run *Runner) projClose() error {
	return nil
}

func (run *Runner) filterInit() error {
	run.state.filterExec = NewExprExec(run.op.Filters...)
	return nil
}

func (run *Runner) filterExec(output *chunk.Chunk, state *OperatorState) (OperatorResult, error) {
	for {
		childChunk, err := run.execChild(run.children[0])
		if err != nil {
			return InvalidOpResult, err
		}
		if childChunk == nil {
			return Done, nil
		}
		sel, cnt, err := state.filterExec.executeSelect(childChunk)
		if err != nil {
			return InvalidOpResult, err
		}
		if cnt == 0 {
			continue
		}
		if cnt == childChunk.Card() {
			return emit(output, childChunk)
		}
		filtered := chunk.NewChunk(childChunk.Types(), cnt)
		filtered.Append(childChunk, sel, cnt)
		return emit(output, filtered)
	}
}

func (run *Runner) filterClose() error {
	return nil
}
