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

func (run *Runner) limitInit() error {
	run.state.limit = NewLimit(run.op.Skip, run.op.Fetch)
	return nil
}

func (run *Runner) limitExec(output *chunk.Chunk, state *OperatorState) (OperatorResult, error) {
	limit := state.limit
	for !limit.Done() {
		childChunk, err := run.execChild(run.children[0])
		if err != nil {
			return InvalidOpResult, err
		}
		if childChunk == nil {
			return Done, nil
		}
		read := limit.Apply(childChunk)
		if limit.Done() {
			//never pull again
			if err = run.closeChildren(); err != nil {
				return InvalidOpResult, err
			}
		}
		if read != nil {
			return emit(output, read)
		}
	}
	return Done, run.closeChildren()
}

func (run *Runner) limitClose() error {
	run.state.limit = nil
	return nil
}

// Limit passes the rows in the window [skip, skip+fetch) of a stream.
type Limit struct {
	_skip  int64
	_fetch int64 //-1 means no fetch
	//rows seen so far
	_seen int64
}

func NewLimit(skip, fetch int64) *Limit {
	return &Limit{
		_skip:  max(skip, 0),
		_fetch: fetch,
	}
}

// Done reports that no later row can pass.
func (limit *Limit) Done() bool {
	if limit._fetch < 0 {
		return false
	}
	return limit._fetch == 0 || limit._seen >= limit._skip+limit._fetch
}

// Apply returns the rows of input inside the window or nil.
func (limit *Limit) Apply(input *chunk.Chunk) *chunk.Chunk {
	n := int64(input.Card())
	start := min(max(limit._skip-limit._seen, 0), n)
	end := n
	if limit._fetch >= 0 {
		end = min(n, limit._skip+limit._fetch-limit._seen)
	}
	limit._seen += min(n, max(end, start))
	if start >= end {
		return nil
	}
	if start == 0 && end == n {
		return input
	}
	ret := chunk.NewChunk(input.Types(), int(end-start))
	ret.Append(input, chunk.NewSelectVector2(int(start), int(end-start)), int(end-start))
	return ret
}
