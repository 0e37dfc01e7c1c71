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
	"slices"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/Stars1233/datafusion/pkg/chunk"
	"github.com/Stars1233/datafusion/pkg/common"
	"github.com/Stars1233/datafusion/pkg/storage"
	"github.com/Stars1233/datafusion/pkg/util"
)

const aggGroupOverhead = 64

type aggGroup struct {
	key  []*chunk.Value
	accs []Accumulator
	size int64
}

// aggPartition is one hash partition of the groups. Spilled snapshots
// are sorted by group key.
type aggPartition struct {
	groups map[uint64][]*aggGroup
	count  int
	size   int64
	spills []*storage.SpillFile
}

func newAggPartition() *aggPartition {
	return &aggPartition{groups: make(map[uint64][]*aggGroup)}
}

func (part *aggPartition) find(hash uint64, key []*chunk.Value) *aggGroup {
	for _, g := range part.groups[hash] {
		if keysEqual(g.key, key) {
			return g
		}
	}
	return nil
}

func (part *aggPartition) list() []*aggGroup {
	ret := make([]*aggGroup, 0, part.count)
	for _, bucket := range part.groups {
		ret = append(ret, bucket...)
	}
	return ret
}

func (part *aggPartition) reset() {
	part.groups = make(map[uint64][]*aggGroup)
	part.count = 0
	part.size = 0
}

func keysEqual(a, b []*chunk.Value) bool {
	for i := range a {
		if !a[i].Equal(b[i]) {
			return false
		}
	}
	return true
}

func valueSize(val *chunk.Value) int64 {
	return 16 + int64(len(val.Str))
}

// HashAggr is a hash aggregate whose groups are spread over hash
// partitions. When the reservation cannot grow, whole partitions are
// spilled as sorted snapshots and merged back at the end.
type HashAggr struct {
	_name       string
	_exec       *ExecContext
	_mode       AggMode
	_groupExec  *ExprExec
	_groupTypes []common.LType
	_aggrs      []*AggrExpr
	_argExec    []*ExprExec
	_stateTypes []common.LType
	_outTypes   []common.LType
	_parts      []*aggPartition
	_res        *storage.MemoryReservation
	_policy     SpillPolicy
	_keyCmp     *RowComparator
	_spillCount int

	_finalized bool
	_nextPart  int
	_source    groupSource
}

func NewHashAggr(
	exec *ExecContext,
	name string,
	mode AggMode,
	groupBys []*Expr,
	aggrs []*AggrExpr,
) *HashAggr {
	ha := &HashAggr{
		_name:       name,
		_exec:       exec,
		_mode:       mode,
		_groupExec:  NewExprExec(groupBys...),
		_groupTypes: exprTypes(groupBys),
		_aggrs:      aggrs,
		_res:        exec.Pool.NewReservation(name),
		_policy:     NewSpillPolicy(exec.Cfg.Exec.SpillPolicy),
	}
	for _, aggr := range aggrs {
		ha._stateTypes = append(ha._stateTypes, aggr.StateTypes()...)
		if aggr.Arg != nil && mode != AM_FINAL {
			ha._argExec = append(ha._argExec, NewExprExec(aggr.Arg))
		} else {
			ha._argExec = append(ha._argExec, nil)
		}
	}
	ha._outTypes = common.CopyLTypes(ha._groupTypes...)
	if mode == AM_PARTIAL {
		ha._outTypes = append(ha._outTypes, ha._stateTypes...)
	} else {
		for _, aggr := range aggrs {
			ha._outTypes = append(ha._outTypes, aggr.ResultType())
		}
	}
	for i := 0; i < max(exec.Cfg.Exec.HashPartitions, 1); i++ {
		ha._parts = append(ha._parts, newAggPartition())
	}
	ha._keyCmp = ascendingComparator(ha._groupTypes)
	return ha
}

func (ha *HashAggr) OutputTypes() []common.LType {
	return ha._outTypes
}

func (ha *HashAggr) SpillCount() int {
	return ha._spillCount
}

func (ha *HashAggr) runTypes() []common.LType {
	return append(common.CopyLTypes(ha._groupTypes...), ha._stateTypes...)
}

func (ha *HashAggr) partitionOf(hash uint64) int {
	return util.HashPartition(hash, aggrPartitionSeed, len(ha._parts))
}

func (ha *HashAggr) newGroup(key []*chunk.Value) *aggGroup {
	g := &aggGroup{key: key, accs: make([]Accumulator, len(ha._aggrs))}
	g.size = aggGroupOverhead
	for _, val := range key {
		g.size += valueSize(val)
	}
	for i, aggr := range ha._aggrs {
		g.accs[i] = newAccumulator(aggr)
		g.size += g.accs[i].Size()
	}
	return g
}

func (ha *HashAggr) Sink(ctx context.Context, input *chunk.Chunk) error {
	util.AssertFunc(!ha._finalized)
	if input.Card() == 0 {
		return nil
	}
	if err := common.CheckCancel(ctx, ha._name); err != nil {
		return err
	}
	keys, err := ha._groupExec.executeExprs(input)
	if err != nil {
		return err
	}
	hashes := make([]uint64, input.Card())
	keys.Hash(hashes)
	args := make([]*chunk.Vector, len(ha._aggrs))
	for i, exec := range ha._argExec {
		if exec == nil {
			continue
		}
		vec, err := exec.executeExpr(exec._exprs[0], input)
		if err != nil {
			return err
		}
		args[i] = vec
	}
	star := chunk.NewBigintValue(1)
	for row := 0; row < input.Card(); row++ {
		key := keys.Row(row)
		part := ha._parts[ha.partitionOf(hashes[row])]
		g := part.find(hashes[row], key)
		if g == nil {
			g = ha.newGroup(key)
			part.groups[hashes[row]] = append(part.groups[hashes[row]], g)
			part.count++
			part.size += g.size
		}
		for i, aggr := range ha._aggrs {
			acc := g.accs[i]
			before := acc.Size()
			switch {
			case ha._mode == AM_FINAL:
				states := make([]*chunk.Value, len(aggr.StateIdx))
				for j, idx := range aggr.StateIdx {
					states[j] = input.Data[idx].GetValue(row)
				}
				err = acc.Merge(states)
			case args[i] == nil:
				err = acc.Update(star)
			default:
				err = acc.Update(args[i].GetValue(row))
			}
			if err != nil {
				return err
			}
			if delta := acc.Size() - before; delta != 0 {
				g.size += delta
				part.size += delta
			}
		}
	}
	return ha.reserve(ctx)
}

// reserve brings the reservation in line with the resident groups,
// spilling victims until it fits.
func (ha *HashAggr) reserve(ctx context.Context) error {
	for {
		total := int64(0)
		sizes := make([]int64, len(ha._parts))
		for i, part := range ha._parts {
			sizes[i] = part.size
			total += part.size
		}
		need := total - ha._res.Size()
		if need <= 0 {
			ha._res.Shrink(-need)
			return nil
		}
		err := ha._res.TryGrow(need)
		if err == nil {
			return nil
		}
		if !common.IsResourcesExhausted(err) {
			return err
		}
		victim := ha._policy.PickVictim(sizes)
		if victim < 0 {
			return err
		}
		if err = ha.spillPartition(ctx, victim); err != nil {
			return err
		}
	}
}

func (ha *HashAggr) sortGroups(groups []*aggGroup) {
	slices.SortFunc(groups, func(a, b *aggGroup) int {
		return ha._keyCmp.CompareValues(a.key, b.key)
	})
}

// groupsToChunks renders groups as run batches: keys then states.
func (ha *HashAggr) groupsToChunks(groups []*aggGroup) []*chunk.Chunk {
	ret := make([]*chunk.Chunk, 0)
	types := ha.runTypes()
	batchSize := ha._exec.BatchSize()
	for _, rg := range util.Chunked(len(groups), batchSize) {
		c := chunk.NewChunk(types, rg.Second-rg.First)
		for _, g := range groups[rg.First:rg.Second] {
			c.AppendRow(ha.stateRow(g))
		}
		ret = append(ret, c)
	}
	return ret
}

func (ha *HashAggr) stateRow(g *aggGroup) []*chunk.Value {
	row := make([]*chunk.Value, 0, len(g.key)+len(ha._stateTypes))
	row = append(row, g.key...)
	for _, acc := range g.accs {
		row = append(row, acc.State()...)
	}
	return row
}

func (ha *HashAggr) spillPartition(ctx context.Context, idx int) error {
	if err := common.CheckCancel(ctx, ha._name); err != nil {
		return err
	}
	part := ha._parts[idx]
	groups := part.list()
	ha.sortGroups(groups)
	file, err := ha._exec.SpillMgr.SpillChunks(ha._name, ha.groupsToChunks(groups))
	if err != nil {
		return err
	}
	util.Debug("aggregate spilled partition",
		zap.String("op", ha._name),
		zap.Int("partition", idx),
		zap.Int("groups", len(groups)),
		zap.Int64("bytes", part.size))
	part.spills = append(part.spills, file)
	part.reset()
	ha._spillCount++
	return nil
}

// Finalize ends the input.
func (ha *HashAggr) Finalize(ctx context.Context) error {
	ha._finalized = true
	if len(ha._groupTypes) != 0 {
		return nil
	}
	for _, part := range ha._parts {
		if part.count > 0 || len(part.spills) > 0 {
			return nil
		}
	}
	//an aggregate without groups has one row even on empty input
	g := ha.newGroup([]*chunk.Value{})
	ha._parts[0].groups[0] = []*aggGroup{g}
	ha._parts[0].count = 1
	return nil
}

func (ha *HashAggr) outputRow(g *aggGroup) ([]*chunk.Value, error) {
	if ha._mode == AM_PARTIAL {
		return ha.stateRow(g), nil
	}
	row := make([]*chunk.Value, 0, len(ha._outTypes))
	row = append(row, g.key...)
	for _, acc := range g.accs {
		val, err := acc.Evaluate()
		if err != nil {
			return nil, err
		}
		row = append(row, val)
	}
	return row, nil
}

// GetData returns the next batch of groups or nil when exhausted.
func (ha *HashAggr) GetData(ctx context.Context) (*chunk.Chunk, error) {
	util.AssertFunc(ha._finalized)
	batchSize := ha._exec.BatchSize()
	out := chunk.NewChunk(ha._outTypes, batchSize)
	for out.Card() < batchSize {
		if ha._source == nil {
			if ha._nextPart >= len(ha._parts) {
				break
			}
			src, err := ha.openPartition(ctx, ha._nextPart)
			if err != nil {
				return nil, err
			}
			ha._source = src
			ha._nextPart++
		}
		g, err := ha._source.next(ctx)
		if err != nil {
			return nil, err
		}
		if g == nil {
			err = ha._source.close()
			ha._source = nil
			if err != nil {
				return nil, err
			}
			continue
		}
		row, err := ha.outputRow(g)
		if err != nil {
			return nil, err
		}
		out.AppendRow(row)
	}
	if out.Card() == 0 {
		return nil, nil
	}
	return out, nil
}

func (ha *HashAggr) openPartition(ctx context.Context, idx int) (groupSource, error) {
	part := ha._parts[idx]
	groups := part.list()
	part.reset()
	if len(part.spills) == 0 {
		return &residentSource{groups: groups}, nil
	}
	fanIn := ha._exec.Cfg.Exec.MaxMergeFanIn
	for len(part.spills)+1 > fanIn {
		merged, err := ha.mergeSpills(ctx, part.spills[:fanIn])
		if err != nil {
			return nil, err
		}
		part.spills = append([]*storage.SpillFile{merged}, part.spills[fanIn:]...)
	}
	streams := make([]SortedStream, 0, len(part.spills)+1)
	for _, file := range part.spills {
		streams = append(streams, newSpillStream(ha._exec.SpillMgr, file, true))
	}
	part.spills = nil
	if len(groups) > 0 {
		ha.sortGroups(groups)
		streams = append(streams, newMemoryStream(ha.groupsToChunks(groups)))
	}
	return ha.newMergedSource(streams), nil
}

// mergeSpills combines sorted snapshots into one. The inputs are
// deleted.
func (ha *HashAggr) mergeSpills(ctx context.Context, files []*storage.SpillFile) (*storage.SpillFile, error) {
	streams := make([]SortedStream, len(files))
	for i, file := range files {
		streams[i] = newSpillStream(ha._exec.SpillMgr, file, true)
	}
	src := ha.newMergedSource(streams)
	writer, err := ha._exec.SpillMgr.CreateWriter(ha._name)
	if err != nil {
		return nil, multierr.Append(err, src.close())
	}
	types := ha.runTypes()
	batchSize := ha._exec.BatchSize()
	c := chunk.NewChunk(types, batchSize)
	flush := func() error {
		if c.Card() == 0 {
			return nil
		}
		err := writer.Append(c)
		c = chunk.NewChunk(types, batchSize)
		return err
	}
	for {
		g, err := src.next(ctx)
		if err == nil && g == nil {
			err = flush()
			if err == nil {
				break
			}
		}
		if err != nil {
			writer.Abort()
			return nil, multierr.Append(err, src.close())
		}
		c.AppendRow(ha.stateRow(g))
		if c.Card() >= batchSize {
			if err = flush(); err != nil {
				writer.Abort()
				return nil, multierr.Append(err, src.close())
			}
		}
	}
	file, err := writer.Finish()
	return file, multierr.Append(err, src.close())
}

func (ha *HashAggr) Close() error {
	var err error
	if ha._source != nil {
		err = multierr.Append(err, ha._source.close())
		ha._source = nil
	}
	for _, part := range ha._parts {
		for _, file := range part.spills {
			err = multierr.Append(err, file.Close())
		}
		part.spills = nil
		part.reset()
	}
	ha._res.Free()
	return err
}

type groupSource interface {
	//nil at the end
	next(ctx context.Context) (*aggGroup, error)
	close() error
}

type residentSource struct {
	groups []*aggGroup
	pos    int
}

func (src *residentSource) next(ctx context.Context) (*aggGroup, error) {
	if err := common.CheckCancel(ctx, "aggregate"); err != nil {
		return nil, err
	}
	if src.pos >= len(src.groups) {
		return nil, nil
	}
	ret := src.groups[src.pos]
	src.groups[src.pos] = nil
	src.pos++
	return ret, nil
}

func (src *residentSource) close() error {
	src.groups = nil
	return nil
}

// mergedSource walks merged sorted snapshots and combines consecutive
// rows with equal keys into one group.
type mergedSource struct {
	_aggr    *HashAggr
	_merge   *StreamingMerge
	_cur     *chunk.Chunk
	_row     int
	_pending *aggGroup
	_eof     bool
}

func (ha *HashAggr) newMergedSource(streams []SortedStream) *mergedSource {
	return &mergedSource{
		_aggr:  ha,
		_merge: NewStreamingMerge(ha.runTypes(), streams, ha._keyCmp, ha._exec.BatchSize(), -1),
	}
}

func (src *mergedSource) mergeRow(g *aggGroup) error {
	ha := src._aggr
	off := len(ha._groupTypes)
	for i, aggr := range ha._aggrs {
		cnt := len(aggr.StateTypes())
		states := make([]*chunk.Value, cnt)
		for j := 0; j < cnt; j++ {
			states[j] = src._cur.Data[off+j].GetValue(src._row)
		}
		if err := g.accs[i].Merge(states); err != nil {
			return err
		}
		off += cnt
	}
	return nil
}

func (src *mergedSource) next(ctx context.Context) (*aggGroup, error) {
	ha := src._aggr
	for {
		if !src._eof && (src._cur == nil || src._row >= src._cur.Card()) {
			next, err := src._merge.Next(ctx)
			if err != nil {
				return nil, err
			}
			src._cur = next
			src._row = 0
			if next == nil {
				src._eof = true
			}
		}
		if src._eof {
			ret := src._pending
			src._pending = nil
			return ret, nil
		}
		key := make([]*chunk.Value, len(ha._groupTypes))
		for i := range key {
			key[i] = src._cur.Data[i].GetValue(src._row)
		}
		if src._pending != nil && keysEqual(src._pending.key, key) {
			if err := src.mergeRow(src._pending); err != nil {
				return nil, err
			}
			src._row++
			continue
		}
		ret := src._pending
		src._pending = ha.newGroup(key)
		if err := src.mergeRow(src._pending); err != nil {
			return nil, err
		}
		src._row++
		if ret != nil {
			return ret, nil
		}
	}
}

func (src *mergedSource) close() error {
	src._pending = nil
	src._cur = nil
	return src._merge.Close()
}
