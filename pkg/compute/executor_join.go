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

// The left child is the build side, the right child the probe side.
func (run *Runner) joinInit() error {
	run.state.hjoin = NewHashJoin(
		run.exec,
		run.name(),
		run.op.JoinTyp,
		run.op.Children[0].Schema.Types(),
		run.op.Children[1].Schema.Types(),
		run.op.LeftKeys,
		run.op.RightKeys,
		run.op.Residual,
		run.op.NullEqualsNull,
	)
	return nil
}

func (run *Runner) joinBuild(state *OperatorState) error {
	for {
		childChunk, err := run.execChild(run.children[0])
		if err != nil {
			return err
		}
		if childChunk == nil {
			break
		}
		if err = state.hjoin.Build(run.ctx, childChunk); err != nil {
			return err
		}
	}
	return state.hjoin.FinishBuild(run.ctx)
}

func (run *Runner) joinExec(output *chunk.Chunk, state *OperatorState) (OperatorResult, error) {
	hjoin := state.hjoin
	if !state.built {
		if err := run.joinBuild(state); err != nil {
			return InvalidOpResult, err
		}
		state.built = true
	}
	for !state.probed {
		if c := hjoin.PopPending(); c != nil {
			return emit(output, c)
		}
		childChunk, err := run.execChild(run.children[1])
		if err != nil {
			return InvalidOpResult, err
		}
		if childChunk == nil {
			if err = hjoin.FinishProbe(run.ctx); err != nil {
				return InvalidOpResult, err
			}
			state.probed = true
			break
		}
		if err = hjoin.Probe(run.ctx, childChunk); err != nil {
			return InvalidOpResult, err
		}
	}
	c, err := hjoin.Next(run.ctx)
	if err != nil {
		return InvalidOpResult, err
	}
	return emit(output, c)
}

func (run *Runner) joinClose() error {
	if run.state.hjoin == nil {
		return nil
	}
	run.op.ExecStats._spills.Add(int64(run.state.hjoin.SpillCount()))
	err := run.state.hjoin.Close()
	run.state.hjoin = nil
	return err
}
