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
	"github.com/Stars1233/datafusion/pkg/util"
)

func (run *Runner) aggrInit() error {
	run.state.hAggr = NewHashAggr(
		run.exec,
		run.name(),
		run.op.AggMode,
		run.op.GroupBys,
		run.op.Aggs,
	)
	return nil
}

func (run *Runner) aggrExec(output *chunk.Chunk, state *OperatorState) (OperatorResult, error) {
	if !state.aggrSunk {
		for {
			childChunk, err := run.execChild(run.children[0])
			if err != nil {
				return InvalidOpResult, err
			}
			if childChunk == nil {
				break
			}
			if err = util.InjectFault(util.FAULTS_SCOPE_EXEC, util.FaultExecSink); err != nil {
				return InvalidOpResult, err
			}
			if err = state.hAggr.Sink(run.ctx, childChunk); err != nil {
				return InvalidOpResult, err
			}
		}
		if err := state.hAggr.Finalize(run.ctx); err != nil {
			return InvalidOpResult, err
		}
		state.aggrSunk = true
	}
	if state.aggrFinish {
		return Done, nil
	}
	c, err := state.hAggr.GetData(run.ctx)
	if err != nil {
		return InvalidOpResult, err
	}
	if c == nil {
		state.aggrFinish = true
	}
	return emit(output, c)
}

func (run *Runner) aggrClose() error {
	if run.state.hAggr == nil {
		return nil
	}
	run.op.ExecStats._spills.Add(int64(run.state.hAggr.SpillCount()))
	err := run.state.hAggr.Close()
	run.state.hAggr = nil
	return err
}
