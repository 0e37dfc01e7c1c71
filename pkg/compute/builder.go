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
	"fmt"

	"github.com/Stars1233/datafusion/pkg/chunk"
	"github.com/Stars1233/datafusion/pkg/common"
	"github.com/Stars1233/datafusion/pkg/util"
)

// Builder creates physical operators with their output schema and
// equivalence properties filled in. It inserts the sorts, merges and
// repartitions an operator needs from its inputs.
type Builder struct {
	_cfg    *util.Config
	_nextId int
}

func NewBuilder(cfg *util.Config) *Builder {
	if cfg == nil {
		cfg = util.DefaultConfig()
	}
	return &Builder{_cfg: cfg}
}

func (b *Builder) newOp(typ POT, schema *chunk.Schema, children ...*PhysicalOperator) *PhysicalOperator {
	op := &PhysicalOperator{
		Typ:      typ,
		Id:       b._nextId,
		Schema:   schema,
		Children: children,
		Fetch:    -1,
	}
	b._nextId++
	return op
}

// Scan reads batches held in memory, one list per partition. Every
// partition is sorted by each of orderings.
func (b *Builder) Scan(schema *chunk.Schema, partitions [][]*chunk.Chunk, orderings ...[]*SortExpr) *PhysicalOperator {
	op := b.newOp(POT_Scan, schema)
	op.ScanData = partitions
	op.EqProps = NewEquivalenceProperties(schema)
	op.EqProps.AddNewOrderings(orderings...)
	return op
}

// PushScanFilters makes the scan filter its rows by preds and skip
// the batches preds prune.
func (b *Builder) PushScanFilters(scan *PhysicalOperator, preds ...*Expr) *PhysicalOperator {
	util.AssertFunc(scan.Typ == POT_Scan)
	scan.ScanFilters = append(scan.ScanFilters, preds...)
	for _, pred := range preds {
		scan.EqProps.AddFilter(pred)
	}
	return scan
}

func (b *Builder) Filter(child *PhysicalOperator, preds ...*Expr) *PhysicalOperator {
	op := b.newOp(POT_Filter, child.Schema, child)
	op.Filters = preds
	op.EqProps = child.EqProps.Clone()
	for _, pred := range preds {
		op.EqProps.AddFilter(pred)
	}
	return op
}

func (b *Builder) Project(child *PhysicalOperator, exprs []*Expr, names []string) *PhysicalOperator {
	util.AssertFunc(len(exprs) == len(names))
	fields := make([]chunk.Field, len(exprs))
	for i, e := range exprs {
		fields[i] = chunk.Field{Name: names[i], Typ: e.DataTyp, Nullable: true}
	}
	schema := chunk.NewSchema(fields...)
	op := b.newOp(POT_Project, schema, child)
	op.Projects = exprs
	op.EqProps = child.EqProps.Project(exprs, schema)
	return op
}

// Sort sorts every partition of child. A fetch >= 0 keeps only the
// first fetch rows through a top-k, which may publish a dynamic filter
// to the scan below.
func (b *Builder) Sort(child *PhysicalOperator, orders []*SortExpr, fetch int64) *PhysicalOperator {
	op := b.newOp(POT_Order, child.Schema, child)
	op.OrderBys = orders
	op.Fetch = fetch
	op.EqProps = child.EqProps.WithoutOrderings()
	op.EqProps.AddNewOrderings(orders)
	if fetch >= 0 && b._cfg.Exec.EnableDynamicFilter {
		b.wireDynamicFilter(op)
	}
	return op
}

// wireDynamicFilter connects a top-k with the scan its leading key
// comes from. Only filters and column projections may sit between
// them, so scan partition i feeds top-k partition i.
func (b *Builder) wireDynamicFilter(topk *PhysicalOperator) {
	lead := topk.OrderBys[0]
	if lead.Expr.Typ != ET_Column {
		return
	}
	col := lead.Expr.ColIdx
	cur := topk.Children[0]
	for {
		switch cur.Typ {
		case POT_Filter:
			cur = cur.Children[0]
		case POT_Project:
			proj := cur.Projects[col]
			if proj.Typ != ET_Column {
				return
			}
			col = proj.ColIdx
			cur = cur.Children[0]
		case POT_Scan:
			df := NewDynamicFilter(lead, col)
			cur.DynFilters = append(cur.DynFilters, df)
			topk.DynFilter = df
			return
		default:
			return
		}
	}
}

// SortPreservingMerge merges the sorted partitions of child into one.
func (b *Builder) SortPreservingMerge(child *PhysicalOperator, orders []*SortExpr, fetch int64) *PhysicalOperator {
	op := b.newOp(POT_Merge, child.Schema, child)
	op.OrderBys = orders
	op.Fetch = fetch
	op.EqProps = child.EqProps.Clone()
	return op
}

// EnsureOrdering returns a single partition plan sorted by required.
// Sorts that the properties of child already prove are left out.
func (b *Builder) EnsureOrdering(child *PhysicalOperator, required []*SortExpr) *PhysicalOperator {
	ret := child
	if !child.EqProps.OrderingSatisfy(required) {
		ret = b.Sort(child, required, -1)
	}
	if ret.OutputPartitions() > 1 {
		ret = b.SortPreservingMerge(ret, required, -1)
	}
	return ret
}

// Repartition reshards child by partitioning. The output loses its
// ordering.
func (b *Builder) Repartition(child *PhysicalOperator, partitioning Partitioning) *PhysicalOperator {
	op := b.newOp(POT_Repartition, child.Schema, child)
	op.Partitioning = partitioning
	if partitioning.Count == 1 && child.OutputPartitions() == 1 {
		op.EqProps = child.EqProps.Clone()
	} else {
		op.EqProps = child.EqProps.WithoutOrderings()
	}
	return op
}

// RepartitionPreserveOrder reshards child whose partitions are sorted
// by orders. Every output stays sorted by orders.
func (b *Builder) RepartitionPreserveOrder(child *PhysicalOperator, partitioning Partitioning, orders []*SortExpr) *PhysicalOperator {
	op := b.newOp(POT_Repartition, child.Schema, child)
	op.Partitioning = partitioning
	op.PreserveOrder = true
	op.OrderBys = orders
	op.EqProps = child.EqProps.WithoutOrderings()
	op.EqProps.AddNewOrderings(orders)
	return op
}

func (b *Builder) Coalesce(child *PhysicalOperator) *PhysicalOperator {
	op := b.newOp(POT_Coalesce, child.Schema, child)
	if child.OutputPartitions() == 1 {
		op.EqProps = child.EqProps.Clone()
	} else {
		op.EqProps = child.EqProps.WithoutOrderings()
	}
	return op
}

func (b *Builder) limit(child *PhysicalOperator, skip, fetch int64, global bool) *PhysicalOperator {
	op := b.newOp(POT_Limit, child.Schema, child)
	op.Skip = skip
	op.Fetch = fetch
	op.Global = global
	op.EqProps = child.EqProps.Clone()
	return op
}

// LocalLimit limits every partition of child by itself.
func (b *Builder) LocalLimit(child *PhysicalOperator, fetch int64) *PhysicalOperator {
	return b.limit(child, 0, fetch, false)
}

// GlobalLimit limits the single partition of child.
func (b *Builder) GlobalLimit(child *PhysicalOperator, skip, fetch int64) *PhysicalOperator {
	util.AssertFunc(child.OutputPartitions() == 1)
	return b.limit(child, skip, fetch, true)
}

// Limit skips skip rows and passes at most fetch rows of child. A
// partitioned child is limited per partition first.
func (b *Builder) Limit(child *PhysicalOperator, skip, fetch int64) *PhysicalOperator {
	if child.OutputPartitions() > 1 {
		if fetch >= 0 {
			child = b.LocalLimit(child, skip+fetch)
		}
		child = b.Coalesce(child)
	}
	return b.GlobalLimit(child, skip, fetch)
}

func aggrSchema(groupBys []*Expr, aggs []*AggrExpr, mode AggMode) *chunk.Schema {
	fields := make([]chunk.Field, 0)
	for i, e := range groupBys {
		name := e.Name
		if e.Typ != ET_Column || name == "" {
			name = fmt.Sprintf("group_%d", i)
		}
		fields = append(fields, chunk.Field{Name: name, Typ: e.DataTyp, Nullable: true})
	}
	for _, aggr := range aggs {
		if mode == AM_PARTIAL {
			for j, typ := range aggr.StateTypes() {
				fields = append(fields, chunk.Field{
					Name:     fmt.Sprintf("%s_state_%d", aggr.Name, j),
					Typ:      typ,
					Nullable: true,
				})
			}
		} else {
			fields = append(fields, chunk.Field{Name: aggr.Name, Typ: aggr.ResultType(), Nullable: true})
		}
	}
	return chunk.NewSchema(fields...)
}

// Aggregate groups every partition of child by itself.
func (b *Builder) Aggregate(child *PhysicalOperator, mode AggMode, groupBys []*Expr, aggs []*AggrExpr) *PhysicalOperator {
	schema := aggrSchema(groupBys, aggs, mode)
	op := b.newOp(POT_Agg, schema, child)
	op.AggMode = mode
	op.GroupBys = groupBys
	op.Aggs = aggs
	op.EqProps = NewEquivalenceProperties(schema)
	for i, e := range groupBys {
		if child.EqProps.IsConstant(e) {
			op.EqProps.AddConstants(ColumnExpr(i, schema.Fields[i].Name, e.DataTyp))
		}
	}
	return op
}

// TwoPhaseAggregate aggregates partially per partition, reshards the
// partial states by group key and merges them. Without group keys the
// partial states are merged in one partition.
func (b *Builder) TwoPhaseAggregate(child *PhysicalOperator, groupBys []*Expr, aggs []*AggrExpr) *PhysicalOperator {
	partial := b.Aggregate(child, AM_PARTIAL, groupBys, aggs)
	finalGroups := make([]*Expr, len(groupBys))
	for i := range groupBys {
		field := partial.Schema.Fields[i]
		finalGroups[i] = ColumnExpr(i, field.Name, field.Typ)
	}
	finalAggs := make([]*AggrExpr, len(aggs))
	offset := len(groupBys)
	for i, aggr := range aggs {
		cp := *aggr
		cp.StateIdx = nil
		for range aggr.StateTypes() {
			cp.StateIdx = append(cp.StateIdx, offset)
			offset++
		}
		finalAggs[i] = &cp
	}
	var input *PhysicalOperator
	if len(groupBys) == 0 {
		input = b.Coalesce(partial)
	} else {
		input = b.Repartition(partial, Partitioning{
			Kind:  PK_Hash,
			Exprs: finalGroups,
			Count: b._cfg.Exec.TargetPartitions,
		})
	}
	return b.Aggregate(input, AM_FINAL, finalGroups, finalAggs)
}

func joinSchema(left, right *chunk.Schema, typ JoinType) *chunk.Schema {
	fields := make([]chunk.Field, 0)
	if typ.outputsLeft() {
		for _, f := range left.Fields {
			f.Nullable = f.Nullable || typ.NullableLeft()
			fields = append(fields, f)
		}
	}
	if typ.outputsRight() {
		for _, f := range right.Fields {
			f.Nullable = f.Nullable || typ.NullableRight()
			fields = append(fields, f)
		}
	}
	return chunk.NewSchema(fields...)
}

// HashJoin joins left (build) and right (probe) on leftKeys =
// rightKeys. residual is evaluated over the left columns followed by
// the right columns. Partitioned inputs are both resharded by key
// hash so that partition i of each side holds the same keys.
func (b *Builder) HashJoin(
	left, right *PhysicalOperator,
	typ JoinType,
	leftKeys, rightKeys []*Expr,
	residual *Expr,
	nullEq bool,
) (*PhysicalOperator, error) {
	if len(leftKeys) != len(rightKeys) || len(leftKeys) == 0 {
		return nil, common.SchemaMismatch("join", "%d left keys, %d right keys", len(leftKeys), len(rightKeys))
	}
	for i := range leftKeys {
		if !leftKeys[i].DataTyp.Equal(rightKeys[i].DataTyp) {
			return nil, common.SchemaMismatch("join", "key %d: %s vs %s",
				i, leftKeys[i].DataTyp, rightKeys[i].DataTyp)
		}
	}
	if left.OutputPartitions() > 1 || right.OutputPartitions() > 1 {
		target := b._cfg.Exec.TargetPartitions
		left = b.Repartition(left, Partitioning{Kind: PK_Hash, Exprs: leftKeys, Count: target})
		right = b.Repartition(right, Partitioning{Kind: PK_Hash, Exprs: rightKeys, Count: target})
	}
	schema := joinSchema(left.Schema, right.Schema, typ)
	op := b.newOp(POT_Join, schema, left, right)
	op.JoinTyp = typ
	op.LeftKeys = leftKeys
	op.RightKeys = rightKeys
	op.Residual = residual
	op.NullEqualsNull = nullEq
	op.EqProps = JoinProperties(left.EqProps, right.EqProps, typ, leftKeys, rightKeys, schema)
	return op, nil
}
