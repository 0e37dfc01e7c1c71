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

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/Stars1233/datafusion/pkg/chunk"
	"github.com/Stars1233/datafusion/pkg/common"
	"github.com/Stars1233/datafusion/pkg/storage"
	"github.com/Stars1233/datafusion/pkg/util"
)

// blockJoin joins a spilled partition whose build rows do not fit.
// The build file is loaded in blocks that fit the reservation and the
// probe file is read once per block. Probe match flags are carried
// from pass to pass in a spill file, one boolean batch per probe batch.
type blockJoin struct {
	_hj    *HashJoin
	_name  string
	_res   *storage.MemoryReservation
	_build *spillStream
	_carry []*chunk.Chunk
	_block *joinPartition
	_final bool

	_probeFile *storage.SpillFile
	_probe     *spillStream
	_flagsFile *storage.SpillFile
	_oldFlags  *spillStream
	_newFlags  *storage.SpillWriter
}

func newBlockJoin(hj *HashJoin, job joinJob) *blockJoin {
	name := fmt.Sprintf("%s/block", hj._name)
	bj := &blockJoin{
		_hj:        hj,
		_name:      name,
		_res:       hj._exec.Pool.NewReservation(name),
		_probeFile: job.probe,
	}
	if job.build != nil {
		bj._build = newSpillStream(hj._exec.SpillMgr, job.build, true)
	}
	return bj
}

// step does one unit of work, adding output to the pending batches of
// the join. It reports true when the partition is joined.
func (bj *blockJoin) step(ctx context.Context) (bool, error) {
	if err := common.CheckCancel(ctx, bj._name); err != nil {
		return false, err
	}
	switch {
	case bj._block != nil:
		return false, bj.probeNext(ctx)
	case !bj._final:
		loaded, err := bj.loadBlock(ctx)
		if err != nil {
			return false, err
		}
		if !loaded {
			bj._final = true
			return false, nil
		}
		return false, bj.startPass()
	default:
		return bj.finalNext(ctx)
	}
}

func (bj *blockJoin) nextBuild(ctx context.Context) (*chunk.Chunk, error) {
	if len(bj._carry) > 0 {
		c := bj._carry[0]
		bj._carry = bj._carry[1:]
		return c, nil
	}
	if bj._build == nil {
		return nil, nil
	}
	c, err := bj._build.Next(ctx)
	if err != nil || c != nil {
		return c, err
	}
	err = bj._build.Close()
	bj._build = nil
	return nil, err
}

func rowRange(first, last int) []int {
	ret := make([]int, last-first)
	for i := range ret {
		ret[i] = first + i
	}
	return ret
}

// loadBlock reads build rows until the reservation is full. A batch
// that does not fit an empty block is halved. It reports false when
// no build rows are left.
func (bj *blockJoin) loadBlock(ctx context.Context) (bool, error) {
	hj := bj._hj
	block := &joinPartition{}
	for {
		c, err := bj.nextBuild(ctx)
		if err != nil {
			return false, err
		}
		if c == nil {
			break
		}
		size := c.MemorySize() + int64(c.Card())*(8+joinEntrySize)
		err = bj._res.TryGrow(size)
		if err == nil {
			block.chunks = append(block.chunks, c)
			block.hashes = append(block.hashes, keyHashes(c, len(hj._leftTypes), hj._keyCount))
			block.rows += c.Card()
			block.size += size
			continue
		}
		if !common.IsResourcesExhausted(err) {
			return false, err
		}
		if block.rows > 0 {
			bj._carry = append([]*chunk.Chunk{c}, bj._carry...)
			break
		}
		if c.Card() == 1 {
			return false, common.ResourcesExhausted(bj._name, "one build row does not fit: %v", err)
		}
		half := c.Card() / 2
		bj._carry = append([]*chunk.Chunk{
			gather(c, rowRange(0, half)),
			gather(c, rowRange(half, c.Card())),
		}, bj._carry...)
	}
	if block.rows == 0 {
		return false, nil
	}
	hj.buildTable(block)
	bj._block = block
	hj._metrics.blocks++
	util.Debug("join loaded build block",
		zap.String("op", bj._name),
		zap.Int("rows", block.rows),
		zap.Int64("bytes", block.size))
	return true, nil
}

func (bj *blockJoin) startPass() error {
	hj := bj._hj
	if bj._probeFile == nil {
		return nil
	}
	mgr := hj._exec.SpillMgr
	bj._probe = newSpillStream(mgr, bj._probeFile, false)
	if !hj._typ.tracksProbe() {
		return nil
	}
	writer, err := mgr.CreateWriter(bj._name)
	if err != nil {
		return err
	}
	bj._newFlags = writer
	if bj._flagsFile != nil {
		bj._oldFlags = newSpillStream(mgr, bj._flagsFile, true)
		bj._flagsFile = nil
	}
	return nil
}

// readFlags returns the match flags of the previous passes for a probe
// batch of count rows.
func (bj *blockJoin) readFlags(ctx context.Context, count int) ([]bool, error) {
	if bj._oldFlags == nil {
		return make([]bool, count), nil
	}
	c, err := bj._oldFlags.Next(ctx)
	if err != nil {
		return nil, err
	}
	if c == nil || c.Card() != count {
		return nil, common.InternalError(bj._name, "match flags out of step with probe rows")
	}
	ret := make([]bool, count)
	copy(ret, chunk.GetSliceInPhyFormatFlat[bool](c.Data[0]))
	return ret, nil
}

func (bj *blockJoin) probeNext(ctx context.Context) error {
	hj := bj._hj
	var kc *chunk.Chunk
	if bj._probe != nil {
		var err error
		kc, err = bj._probe.Next(ctx)
		if err != nil {
			return err
		}
	}
	if kc == nil {
		return bj.endPass()
	}
	hashes := keyHashes(kc, len(hj._rightTypes), hj._keyCount)
	pairs, err := hj.matchPairs(kc, rowRange(0, kc.Card()), hashes, func(uint64) *joinPartition {
		return bj._block
	})
	if err != nil {
		return err
	}
	probeMatched := hj.markPairs(pairs, kc.Card())
	if hj._typ.emitsPairs() {
		hj.emitPairs(pairs, kc)
	}
	if bj._newFlags == nil {
		return nil
	}
	flags, err := bj.readFlags(ctx, kc.Card())
	if err != nil {
		return err
	}
	for i, matched := range probeMatched {
		flags[i] = flags[i] || matched
	}
	return bj._newFlags.Append(chunk.NewChunkFromVectors(kc.Card(), chunk.NewBooleanFlatVector(flags, nil)))
}

// endPass finishes the probe pass over the current block and emits its
// build rows for the left outer, semi and anti joins.
func (bj *blockJoin) endPass() error {
	hj := bj._hj
	var err error
	if bj._probe != nil {
		err = bj._probe.Close()
		bj._probe = nil
	}
	if bj._oldFlags != nil {
		err = multierr.Append(err, bj._oldFlags.Close())
		bj._oldFlags = nil
	}
	if bj._newFlags != nil {
		file, ferr := bj._newFlags.Finish()
		bj._newFlags = nil
		bj._flagsFile = file
		err = multierr.Append(err, ferr)
	}
	if err != nil {
		return err
	}
	switch hj._typ {
	case JT_LEFT, JT_FULL, JT_LEFT_ANTI:
		hj.emitBuildRows(bj._block, false)
	case JT_LEFT_SEMI:
		hj.emitBuildRows(bj._block, true)
	}
	bj._block.release()
	bj._block = nil
	bj._res.Shrink(bj._res.Size())
	return nil
}

// finalNext emits the probe rows selected by their match flags after
// the last block, one probe batch per call.
func (bj *blockJoin) finalNext(ctx context.Context) (bool, error) {
	hj := bj._hj
	if !hj._typ.tracksProbe() || bj._probeFile == nil {
		return true, nil
	}
	if bj._probe == nil {
		mgr := hj._exec.SpillMgr
		bj._probe = newSpillStream(mgr, bj._probeFile, false)
		if bj._flagsFile != nil {
			bj._oldFlags = newSpillStream(mgr, bj._flagsFile, true)
			bj._flagsFile = nil
		}
	}
	kc, err := bj._probe.Next(ctx)
	if err != nil {
		return false, err
	}
	if kc == nil {
		return true, nil
	}
	flags, err := bj.readFlags(ctx, kc.Card())
	if err != nil {
		return false, err
	}
	want := hj._typ == JT_RIGHT_SEMI
	sel := make([]int, 0)
	for row, matched := range flags {
		if matched == want {
			sel = append(sel, row)
		}
	}
	hj.emitProbeRows(sel, kc)
	return false, nil
}

func (bj *blockJoin) close() error {
	var err error
	for _, stream := range []*spillStream{bj._probe, bj._oldFlags, bj._build} {
		if stream != nil {
			err = multierr.Append(err, stream.Close())
		}
	}
	bj._probe, bj._oldFlags, bj._build = nil, nil, nil
	if bj._newFlags != nil {
		bj._newFlags.Abort()
		bj._newFlags = nil
	}
	err = multierr.Append(err, closeFile(bj._flagsFile))
	err = multierr.Append(err, closeFile(bj._probeFile))
	bj._flagsFile, bj._probeFile = nil, nil
	if bj._block != nil {
		bj._block.release()
		bj._block = nil
	}
	bj._carry = nil
	bj._res.Free()
	return err
}
