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
	"sync"

	"go.uber.org/multierr"

	"github.com/Stars1233/datafusion/pkg/common"
	"github.com/Stars1233/datafusion/pkg/storage"
	"github.com/Stars1233/datafusion/pkg/util"
)

// ExecContext is shared by every runner of one query. It carries the
// memory pool and the spill manager, and the state that runners of
// different partitions of the same operator share.
type ExecContext struct {
	Cfg      *util.Config
	Pool     *storage.MemoryPool
	SpillMgr *storage.SpillManager

	_ctx        context.Context
	_ownSpill   bool
	_lock       sync.Mutex
	_shared     map[int]any
	_sharedRefs map[int]int
}

func NewExecContext(
	ctx context.Context,
	cfg *util.Config,
	pool *storage.MemoryPool,
	spillMgr *storage.SpillManager,
) *ExecContext {
	if cfg == nil {
		cfg = util.DefaultConfig()
	}
	if ctx == nil {
		ctx = context.Background()
	}
	return &ExecContext{
		Cfg:         cfg,
		Pool:        pool,
		SpillMgr:    spillMgr,
		_ctx:        ctx,
		_shared:     make(map[int]any),
		_sharedRefs: make(map[int]int),
	}
}

// NewExecContextFromConfig creates the pool and the spill manager from
// cfg. The spill manager is closed with the context.
func NewExecContextFromConfig(ctx context.Context, cfg *util.Config) (*ExecContext, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	spillMgr, err := storage.NewSpillManagerFromConfig(cfg)
	if err != nil {
		return nil, err
	}
	exec := NewExecContext(ctx, cfg, storage.NewMemoryPool(cfg.Exec.MemoryLimit), spillMgr)
	exec._ownSpill = true
	return exec, nil
}

func (exec *ExecContext) Context() context.Context {
	return exec._ctx
}

func (exec *ExecContext) BatchSize() int {
	return max(exec.Cfg.Exec.BatchSize, 1)
}

// acquireShared returns the state of operator id, creating it on the
// first call. users is the number of runners that will release it, so
// the state outlives a runner that finishes before another starts.
func (exec *ExecContext) acquireShared(id int, users int, create func() any) any {
	exec._lock.Lock()
	defer exec._lock.Unlock()
	st, has := exec._shared[id]
	if !has {
		st = create()
		exec._shared[id] = st
		exec._sharedRefs[id] = users
	}
	return st
}

// releaseShared reports whether the caller was the last user.
func (exec *ExecContext) releaseShared(id int) bool {
	exec._lock.Lock()
	defer exec._lock.Unlock()
	exec._sharedRefs[id]--
	if exec._sharedRefs[id] > 0 {
		return false
	}
	delete(exec._shared, id)
	delete(exec._sharedRefs, id)
	return true
}

// Close stops the shared states of runners that never ran to the end
// and reports them.
func (exec *ExecContext) Close() error {
	exec._lock.Lock()
	left := exec._shared
	exec._shared = make(map[int]any)
	exec._sharedRefs = make(map[int]int)
	exec._lock.Unlock()
	var err error
	for id, st := range left {
		err = multierr.Append(err, common.InternalError("exec", "shared state of operator %d still open", id))
		if stopper, ok := st.(interface{ stop() error }); ok {
			err = multierr.Append(err, stopper.stop())
		}
	}
	if exec._ownSpill && exec.SpillMgr != nil {
		err = multierr.Append(err, exec.SpillMgr.Close())
	}
	return err
}
