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

type HashJoinStage int

const (
	HJS_INIT HashJoinStage = iota
	HJS_BUILD
	HJS_PROBE
	HJS_SPILLED
	HJS_DONE
)

const (
	//bytes per hash table entry
	joinEntrySize = 24
	joinSeedStep  = 0x9E3779B97F4A7C15
)

// partition hash seeds
const (
	repartitionSeed   uint64 = 0
	aggrPartitionSeed uint64 = 0x2545F4914F6CDD1D
	joinPartitionSeed uint64 = 0xBF58476D1CE4E5B9
)

// joinPartition holds the build rows of one hash partition. Build
// batches carry the left columns followed by the key columns.
type joinPartition struct {
	chunks  []*chunk.Chunk
	hashes  [][]uint64
	matched [][]bool
	table   map[uint64][]rowRef
	rows    int
	size    int64

	spilled     bool
	buildWriter *storage.SpillWriter
	probeWriter *storage.SpillWriter
}

func (part *joinPartition) release() {
	part.chunks = nil
	part.hashes = nil
	part.matched = nil
	part.table = nil
	part.rows = 0
	part.size = 0
}

// joinJob is a spilled partition joined after the probe input ends.
// A skewed job holds every build row of its level, so rehashing it
// again would not split it.
type joinJob struct {
	build  *storage.SpillFile
	probe  *storage.SpillFile
	skewed bool
}

type joinMetrics struct {
	spills   int
	maxLevel int
	blocks   int
}

// HashJoin joins the left (build) input with the right (probe) input
// on equal keys. Partitions that do not fit are spilled together with
// their probe rows and joined one by one at the end, repartitioned
// with a new seed when they still do not fit. Partitions that
// repartitioning cannot split are joined block-wise.
type HashJoin struct {
	_name       string
	_exec       *ExecContext
	_typ        JoinType
	_leftTypes  []common.LType
	_rightTypes []common.LType
	_keyCount   int
	_leftKeys   *ExprExec
	_rightKeys  *ExprExec
	_residual   *ExprExec
	_nullEq     bool
	_level      int
	_seed       uint64
	_inputRows  int64

	_parts   []*joinPartition
	_res     *storage.MemoryReservation
	_policy  SpillPolicy
	_stage   HashJoinStage
	_pending []*chunk.Chunk
	_metrics *joinMetrics

	_jobs       []joinJob
	_child      *HashJoin
	_childProbe SortedStream
	_block      *blockJoin
}

func NewHashJoin(
	exec *ExecContext,
	name string,
	typ JoinType,
	leftTypes []common.LType,
	rightTypes []common.LType,
	leftKeys []*Expr,
	rightKeys []*Expr,
	residual *Expr,
	nullEq bool,
) *HashJoin {
	util.AssertFunc(len(leftKeys) == len(rightKeys))
	hj := &HashJoin{
		_name:       name,
		_exec:       exec,
		_typ:        typ,
		_leftTypes:  leftTypes,
		_rightTypes: rightTypes,
		_keyCount:   len(leftKeys),
		_leftKeys:   NewExprExec(leftKeys...),
		_rightKeys:  NewExprExec(rightKeys...),
		_nullEq:     nullEq,
		_seed:       joinPartitionSeed,
		_metrics:    &joinMetrics{},
	}
	if residual != nil {
		hj._residual = NewExprExec(residual)
	}
	hj.init()
	return hj
}

func (hj *HashJoin) init() {
	hj._res = hj._exec.Pool.NewReservation(hj._name)
	hj._policy = NewSpillPolicy(hj._exec.Cfg.Exec.SpillPolicy)
	hj._parts = make([]*joinPartition, max(hj._exec.Cfg.Exec.HashPartitions, 1))
	for i := range hj._parts {
		hj._parts[i] = &joinPartition{}
	}
	hj._stage = HJS_BUILD
}

func (hj *HashJoin) newChild() *HashJoin {
	child := &HashJoin{
		_name:       fmt.Sprintf("%s/%d", hj._name, hj._level+1),
		_exec:       hj._exec,
		_typ:        hj._typ,
		_leftTypes:  hj._leftTypes,
		_rightTypes: hj._rightTypes,
		_keyCount:   hj._keyCount,
		_leftKeys:   hj._leftKeys,
		_rightKeys:  hj._rightKeys,
		_residual:   hj._residual,
		_nullEq:     hj._nullEq,
		_level:      hj._level + 1,
		_seed:       joinPartitionSeed ^ uint64(hj._level+1)*joinSeedStep,
		_metrics:    hj._metrics,
	}
	child.init()
	hj._metrics.maxLevel = max(hj._metrics.maxLevel, child._level)
	return child
}

// SpillCount counts spilled partitions over all recursion levels.
func (hj *HashJoin) SpillCount() int {
	return hj._metrics.spills
}

func (hj *HashJoin) MaxLevel() int {
	return hj._metrics.maxLevel
}

// BlockCount counts the build blocks of block-wise joined partitions.
func (hj *HashJoin) BlockCount() int {
	return hj._metrics.blocks
}

func (hj *HashJoin) OutputTypes() []common.LType {
	ret := make([]common.LType, 0)
	if hj._typ.outputsLeft() {
		ret = append(ret, hj._leftTypes...)
	}
	if hj._typ.outputsRight() {
		ret = append(ret, hj._rightTypes...)
	}
	return ret
}

func (hj *HashJoin) buildKeyIdx(i int) int {
	return len(hj._leftTypes) + i
}

func (hj *HashJoin) probeKeyIdx(i int) int {
	return len(hj._rightTypes) + i
}

func (hj *HashJoin) partitionOf(hash uint64) int {
	return util.HashPartition(hash, hj._seed, len(hj._parts))
}

func keyed(input *chunk.Chunk, keys *ExprExec) (*chunk.Chunk, error) {
	kc, err := keys.executeExprs(input)
	if err != nil {
		return nil, err
	}
	vecs := make([]*chunk.Vector, 0, input.ColumnCount()+kc.ColumnCount())
	vecs = append(vecs, input.Data...)
	vecs = append(vecs, kc.Data...)
	ret := chunk.NewChunkFromVectors(input.Card(), vecs...)
	ret.SetCap(max(input.Cap(), input.Card()))
	return ret, nil
}

func keyHashes(c *chunk.Chunk, first, count int) []uint64 {
	idx := make([]int, count)
	for i := range idx {
		idx[i] = first + i
	}
	hashes := make([]uint64, c.Card())
	c.Project(idx).Hash(hashes)
	return hashes
}

func (hj *HashJoin) hasNullKey(c *chunk.Chunk, row int, first int) bool {
	for i := 0; i < hj._keyCount; i++ {
		if c.Data[first+i].IsNull(row) {
			return true
		}
	}
	return false
}

func (hj *HashJoin) keysMatch(build *chunk.Chunk, brow int, probe *chunk.Chunk, prow int) bool {
	for i := 0; i < hj._keyCount; i++ {
		bval := build.Data[hj.buildKeyIdx(i)].GetValue(brow)
		pval := probe.Data[hj.probeKeyIdx(i)].GetValue(prow)
		if bval.IsNull || pval.IsNull {
			if !(hj._nullEq && bval.IsNull && pval.IsNull) {
				return false
			}
			continue
		}
		if bval.Compare(pval) != 0 {
			return false
		}
	}
	return true
}

// splitByPartition groups the rows of c by partition.
func (hj *HashJoin) splitByPartition(hashes []uint64, count int) [][]int {
	sels := make([][]int, len(hj._parts))
	for i := 0; i < count; i++ {
		p := hj.partitionOf(hashes[i])
		sels[p] = append(sels[p], i)
	}
	return sels
}

func gather(c *chunk.Chunk, sel []int) *chunk.Chunk {
	ret := chunk.NewChunk(c.Types(), len(sel))
	ret.Append(c, chunk.NewSelectVectorFrom(sel), len(sel))
	return ret
}

func pickHashes(hashes []uint64, sel []int) []uint64 {
	ret := make([]uint64, len(sel))
	for i, idx := range sel {
		ret[i] = hashes[idx]
	}
	return ret
}

func (hj *HashJoin) Build(ctx context.Context, input *chunk.Chunk) error {
	if input.Card() == 0 {
		return nil
	}
	kc, err := keyed(input, hj._leftKeys)
	if err != nil {
		return err
	}
	return hj.buildKeyed(ctx, kc)
}

func (hj *HashJoin) buildKeyed(ctx context.Context, kc *chunk.Chunk) error {
	util.AssertFunc(hj._stage == HJS_BUILD)
	if err := common.CheckCancel(ctx, hj._name); err != nil {
		return err
	}
	hashes := keyHashes(kc, len(hj._leftTypes), hj._keyCount)
	for p, sel := range hj.splitByPartition(hashes, kc.Card()) {
		if len(sel) == 0 {
			continue
		}
		part := hj._parts[p]
		c := gather(kc, sel)
		if part.spilled {
			if err := hj.spillAppend(part, c); err != nil {
				return err
			}
			continue
		}
		part.chunks = append(part.chunks, c)
		part.hashes = append(part.hashes, pickHashes(hashes, sel))
		part.rows += len(sel)
		part.size += c.MemorySize() + int64(8*len(sel))
	}
	return hj.reserve(ctx)
}

func (hj *HashJoin) spillAppend(part *joinPartition, c *chunk.Chunk) error {
	if part.buildWriter == nil {
		writer, err := hj._exec.SpillMgr.CreateWriter(hj._name)
		if err != nil {
			return err
		}
		part.buildWriter = writer
	}
	return part.buildWriter.Append(c)
}

// reserve grows the reservation to the resident size, spilling
// victim partitions until it fits.
func (hj *HashJoin) reserve(ctx context.Context) error {
	for {
		total := int64(0)
		sizes := make([]int64, len(hj._parts))
		for i, part := range hj._parts {
			sizes[i] = part.size
			total += part.size
		}
		need := total - hj._res.Size()
		if need <= 0 {
			hj._res.Shrink(-need)
			return nil
		}
		err := hj._res.TryGrow(need)
		if err == nil {
			return nil
		}
		if !common.IsResourcesExhausted(err) {
			return err
		}
		victim := hj._policy.PickVictim(sizes)
		if victim < 0 {
			return err
		}
		if err = hj.spillPartition(ctx, victim); err != nil {
			return err
		}
	}
}

func (hj *HashJoin) spillPartition(ctx context.Context, idx int) error {
	if err := common.CheckCancel(ctx, hj._name); err != nil {
		return err
	}
	part := hj._parts[idx]
	rows, size := part.rows, part.size
	part.spilled = true
	for _, c := range part.chunks {
		if err := hj.spillAppend(part, c); err != nil {
			return err
		}
	}
	part.release()
	hj._metrics.spills++
	util.Debug("join spilled partition",
		zap.String("op", hj._name),
		zap.Int("level", hj._level),
		zap.Int("partition", idx),
		zap.Int("rows", rows),
		zap.Int64("bytes", size))
	return nil
}

// FinishBuild ends the build input and builds the hash tables of the
// resident partitions.
func (hj *HashJoin) FinishBuild(ctx context.Context) error {
	util.AssertFunc(hj._stage == HJS_BUILD)
	for _, part := range hj._parts {
		if !part.spilled {
			part.size += int64(part.rows) * joinEntrySize
		}
	}
	if err := hj.reserve(ctx); err != nil {
		return err
	}
	for _, part := range hj._parts {
		if part.spilled {
			continue
		}
		hj.buildTable(part)
	}
	hj._stage = HJS_PROBE
	return nil
}

func (hj *HashJoin) buildTable(part *joinPartition) {
	part.table = make(map[uint64][]rowRef, part.rows)
	for ci, c := range part.chunks {
		for row, h := range part.hashes[ci] {
			if !hj._nullEq && hj.hasNullKey(c, row, len(hj._leftTypes)) {
				continue
			}
			part.table[h] = append(part.table[h], rowRef{batch: ci, row: row})
		}
		if hj._typ.tracksBuild() {
			part.matched = append(part.matched, make([]bool, c.Card()))
		}
	}
}

type joinPair struct {
	part  *joinPartition
	ref   rowRef
	probe int
}

func (hj *HashJoin) Probe(ctx context.Context, input *chunk.Chunk) error {
	if input.Card() == 0 {
		return nil
	}
	kc, err := keyed(input, hj._rightKeys)
	if err != nil {
		return err
	}
	return hj.probeKeyed(ctx, kc)
}

func (hj *HashJoin) probeKeyed(ctx context.Context, kc *chunk.Chunk) error {
	util.AssertFunc(hj._stage == HJS_PROBE)
	if err := common.CheckCancel(ctx, hj._name); err != nil {
		return err
	}
	hashes := keyHashes(kc, len(hj._rightTypes), hj._keyCount)
	resident := make([]int, 0, kc.Card())
	for p, sel := range hj.splitByPartition(hashes, kc.Card()) {
		if len(sel) == 0 {
			continue
		}
		part := hj._parts[p]
		if !part.spilled {
			resident = append(resident, sel...)
			continue
		}
		if part.probeWriter == nil {
			writer, err := hj._exec.SpillMgr.CreateWriter(hj._name)
			if err != nil {
				return err
			}
			part.probeWriter = writer
		}
		if err := part.probeWriter.Append(gather(kc, sel)); err != nil {
			return err
		}
	}
	if len(resident) == 0 {
		return nil
	}

	pairs, err := hj.matchPairs(kc, resident, hashes, func(hash uint64) *joinPartition {
		return hj._parts[hj.partitionOf(hash)]
	})
	if err != nil {
		return err
	}
	probeMatched := hj.markPairs(pairs, kc.Card())

	if hj._typ.emitsPairs() {
		hj.emitPairs(pairs, kc)
	}
	switch hj._typ {
	case JT_RIGHT_SEMI, JT_RIGHT_ANTI, JT_RIGHT, JT_FULL:
		want := hj._typ == JT_RIGHT_SEMI
		sel := make([]int, 0)
		for _, row := range resident {
			if probeMatched[row] == want {
				sel = append(sel, row)
			}
		}
		hj.emitProbeRows(sel, kc)
	}
	return nil
}

// matchPairs finds the build rows matching the given probe rows of kc
// that pass the residual filter. lookup names the partition holding a
// hash.
func (hj *HashJoin) matchPairs(
	kc *chunk.Chunk,
	rows []int,
	hashes []uint64,
	lookup func(hash uint64) *joinPartition,
) ([]joinPair, error) {
	pairs := make([]joinPair, 0)
	for _, row := range rows {
		if !hj._nullEq && hj.hasNullKey(kc, row, len(hj._rightTypes)) {
			continue
		}
		part := lookup(hashes[row])
		for _, ref := range part.table[hashes[row]] {
			if hj.keysMatch(part.chunks[ref.batch], ref.row, kc, row) {
				pairs = append(pairs, joinPair{part: part, ref: ref, probe: row})
			}
		}
	}
	return hj.filterPairs(pairs, kc)
}

// markPairs sets the build match flags of pairs. It returns the match
// flags of the count probe rows when the join type needs them.
func (hj *HashJoin) markPairs(pairs []joinPair, count int) []bool {
	var probeMatched []bool
	if hj._typ.tracksProbe() {
		probeMatched = make([]bool, count)
	}
	for _, pair := range pairs {
		if hj._typ.tracksBuild() {
			pair.part.matched[pair.ref.batch][pair.ref.row] = true
		}
		if probeMatched != nil {
			probeMatched[pair.probe] = true
		}
	}
	return probeMatched
}

// filterPairs applies the residual filter to the key matches.
func (hj *HashJoin) filterPairs(pairs []joinPair, kc *chunk.Chunk) ([]joinPair, error) {
	if hj._residual == nil || len(pairs) == 0 {
		return pairs, nil
	}
	types := append(common.CopyLTypes(hj._leftTypes...), hj._rightTypes...)
	c := chunk.NewChunk(types, len(pairs))
	c.SetCard(len(pairs))
	for i, pair := range pairs {
		hj.fillRow(c, i, pair.part.chunks[pair.ref.batch], pair.ref.row, kc, pair.probe, true, true)
	}
	sel, cnt, err := hj._residual.executeSelect(c)
	if err != nil {
		return nil, err
	}
	ret := make([]joinPair, cnt)
	for i := 0; i < cnt; i++ {
		ret[i] = pairs[sel.GetIndex(i)]
	}
	return ret, nil
}

// fillRow writes row idx of out from the left row of build and the
// right row of probe. A missing side is null padded when its columns
// are part of out.
func (hj *HashJoin) fillRow(
	out *chunk.Chunk,
	idx int,
	build *chunk.Chunk, brow int,
	probe *chunk.Chunk, prow int,
	withLeft, withRight bool,
) {
	sel := chunk.NewSelectVectorFrom([]int{0})
	col := 0
	if withLeft {
		for i := range hj._leftTypes {
			if build == nil {
				chunk.SetNullInPhyFormatFlat(out.Data[col], uint64(idx), true)
			} else {
				sel.SetIndex(0, brow)
				out.Data[col].Copy(build.Data[i], sel, 1, idx)
			}
			col++
		}
	}
	if withRight {
		for i := range hj._rightTypes {
			if probe == nil {
				chunk.SetNullInPhyFormatFlat(out.Data[col], uint64(idx), true)
			} else {
				sel.SetIndex(0, prow)
				out.Data[col].Copy(probe.Data[i], sel, 1, idx)
			}
			col++
		}
	}
}

func (hj *HashJoin) emitPairs(pairs []joinPair, kc *chunk.Chunk) {
	types := hj.OutputTypes()
	for _, rg := range util.Chunked(len(pairs), hj._exec.BatchSize()) {
		out := chunk.NewChunk(types, rg.Second-rg.First)
		out.SetCard(rg.Second - rg.First)
		for i, pair := range pairs[rg.First:rg.Second] {
			hj.fillRow(out, i, pair.part.chunks[pair.ref.batch], pair.ref.row, kc, pair.probe, true, true)
		}
		hj._pending = append(hj._pending, out)
	}
}

// emitProbeRows outputs probe rows with null padded left columns for
// outer joins.
func (hj *HashJoin) emitProbeRows(sel []int, kc *chunk.Chunk) {
	types := hj.OutputTypes()
	for _, rg := range util.Chunked(len(sel), hj._exec.BatchSize()) {
		out := chunk.NewChunk(types, rg.Second-rg.First)
		out.SetCard(rg.Second - rg.First)
		for i, row := range sel[rg.First:rg.Second] {
			hj.fillRow(out, i, nil, 0, kc, row, hj._typ.outputsLeft(), true)
		}
		hj._pending = append(hj._pending, out)
	}
}

// emitBuildRows outputs the resident build rows whose match flag
// equals matched, null padding the right columns for outer joins.
func (hj *HashJoin) emitBuildRows(part *joinPartition, matched bool) {
	refs := make([]rowRef, 0)
	for ci, flags := range part.matched {
		for row, flag := range flags {
			if flag == matched {
				refs = append(refs, rowRef{batch: ci, row: row})
			}
		}
	}
	types := hj.OutputTypes()
	for _, rg := range util.Chunked(len(refs), hj._exec.BatchSize()) {
		out := chunk.NewChunk(types, rg.Second-rg.First)
		out.SetCard(rg.Second - rg.First)
		for i, ref := range refs[rg.First:rg.Second] {
			hj.fillRow(out, i, part.chunks[ref.batch], ref.row, nil, 0, true, hj._typ.outputsRight())
		}
		hj._pending = append(hj._pending, out)
	}
}

// FinishProbe ends the probe input. Unmatched build rows of resident
// partitions are emitted and spilled partitions become jobs.
func (hj *HashJoin) FinishProbe(ctx context.Context) error {
	util.AssertFunc(hj._stage == HJS_PROBE)
	if err := common.CheckCancel(ctx, hj._name); err != nil {
		return err
	}
	for _, part := range hj._parts {
		if part.spilled {
			continue
		}
		switch hj._typ {
		case JT_LEFT, JT_FULL, JT_LEFT_ANTI:
			hj.emitBuildRows(part, false)
		case JT_LEFT_SEMI:
			hj.emitBuildRows(part, true)
		}
		part.release()
	}
	hj._res.Shrink(hj._res.Size())
	for _, part := range hj._parts {
		if !part.spilled {
			continue
		}
		var job joinJob
		var err error
		if part.buildWriter != nil {
			job.build, err = part.buildWriter.Finish()
			part.buildWriter = nil
			if err != nil {
				return err
			}
		}
		if part.probeWriter != nil {
			job.probe, err = part.probeWriter.Finish()
			part.probeWriter = nil
			if err != nil {
				return multierr.Append(err, closeFile(job.build))
			}
		}
		job.skewed = hj._inputRows > 0 && job.build != nil && job.build.Rows >= hj._inputRows
		hj._jobs = append(hj._jobs, job)
	}
	hj._stage = HJS_SPILLED
	return nil
}

func closeFile(file *storage.SpillFile) error {
	if file == nil {
		return nil
	}
	return file.Close()
}

// PopPending returns a produced batch if there is one.
func (hj *HashJoin) PopPending() *chunk.Chunk {
	if len(hj._pending) == 0 {
		return nil
	}
	ret := hj._pending[0]
	hj._pending[0] = nil
	hj._pending = hj._pending[1:]
	return ret
}

func (hj *HashJoin) startJob(ctx context.Context, job joinJob) error {
	if job.skewed || hj._level >= hj._exec.Cfg.Exec.MaxJoinRecursion {
		util.Debug("join partition joined block-wise",
			zap.String("op", hj._name),
			zap.Int("level", hj._level),
			zap.Bool("skewed", job.skewed))
		hj._block = newBlockJoin(hj, job)
		return nil
	}
	child := hj.newChild()
	if job.build != nil {
		child._inputRows = job.build.Rows
		stream := newSpillStream(hj._exec.SpillMgr, job.build, true)
		for {
			c, err := stream.Next(ctx)
			if err == nil && c != nil {
				err = child.buildKeyed(ctx, c)
			}
			if err != nil {
				return multierr.Combine(err, stream.Close(), child.Close(), closeFile(job.probe))
			}
			if c == nil {
				break
			}
		}
		if err := stream.Close(); err != nil {
			return multierr.Combine(err, child.Close(), closeFile(job.probe))
		}
	}
	if err := child.FinishBuild(ctx); err != nil {
		return multierr.Combine(err, child.Close(), closeFile(job.probe))
	}
	hj._child = child
	if job.probe != nil {
		hj._childProbe = newSpillStream(hj._exec.SpillMgr, job.probe, true)
	}
	return nil
}

// Next returns the remaining output after FinishProbe, joining the
// spilled partitions. It returns nil at the end.
func (hj *HashJoin) Next(ctx context.Context) (*chunk.Chunk, error) {
	for {
		if out := hj.PopPending(); out != nil {
			return out, nil
		}
		switch hj._stage {
		case HJS_SPILLED:
			if hj._block != nil {
				done, err := hj._block.step(ctx)
				if err != nil {
					return nil, err
				}
				if done {
					err = hj._block.close()
					hj._block = nil
					if err != nil {
						return nil, err
					}
				}
				continue
			}
			if hj._child == nil {
				if len(hj._jobs) == 0 {
					hj._stage = HJS_DONE
					continue
				}
				job := hj._jobs[0]
				hj._jobs = hj._jobs[1:]
				if err := hj.startJob(ctx, job); err != nil {
					return nil, err
				}
				continue
			}
			if out := hj._child.PopPending(); out != nil {
				return out, nil
			}
			if hj._child._stage == HJS_PROBE {
				if hj._childProbe != nil {
					c, err := hj._childProbe.Next(ctx)
					if err != nil {
						return nil, err
					}
					if c != nil {
						if err = hj._child.probeKeyed(ctx, c); err != nil {
							return nil, err
						}
						continue
					}
					err = hj._childProbe.Close()
					hj._childProbe = nil
					if err != nil {
						return nil, err
					}
				}
				if err := hj._child.FinishProbe(ctx); err != nil {
					return nil, err
				}
				continue
			}
			out, err := hj._child.Next(ctx)
			if err != nil {
				return nil, err
			}
			if out != nil {
				return out, nil
			}
			err = hj._child.Close()
			hj._child = nil
			if err != nil {
				return nil, err
			}
		case HJS_DONE:
			return nil, nil
		default:
			return nil, common.InternalError(hj._name, "next in stage %d", hj._stage)
		}
	}
}

func (hj *HashJoin) Close() error {
	var err error
	if hj._block != nil {
		err = multierr.Append(err, hj._block.close())
		hj._block = nil
	}
	if hj._childProbe != nil {
		err = multierr.Append(err, hj._childProbe.Close())
		hj._childProbe = nil
	}
	if hj._child != nil {
		err = multierr.Append(err, hj._child.Close())
		hj._child = nil
	}
	for _, part := range hj._parts {
		if part.buildWriter != nil {
			part.buildWriter.Abort()
			part.buildWriter = nil
		}
		if part.probeWriter != nil {
			part.probeWriter.Abort()
			part.probeWriter = nil
		}
		part.release()
	}
	for _, job := range hj._jobs {
		err = multierr.Append(err, closeFile(job.build))
		err = multierr.Append(err, closeFile(job.probe))
	}
	hj._jobs = nil
	hj._pending = nil
	hj._res.Free()
	hj._stage = HJS_DONE
	return err
}
