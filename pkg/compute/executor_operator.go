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
	"sync/atomic"
	"time"

	"github.com/Stars1233/datafusion/pkg/chunk"
)

type POT int

const (
	POT_Project     POT = 0
	POT_Filter      POT = 1
	POT_Agg         POT = 2
	POT_Join        POT = 3
	POT_Order       POT = 4
	POT_Limit       POT = 5
	POT_Scan        POT = 6
	POT_Merge       POT = 7 //sort preserving merge
	POT_Repartition POT = 8
	POT_Coalesce    POT = 9
)

var potToStr = map[POT]string{
	POT_Project:     "project",
	POT_Filter:      "filter",
	POT_Agg:         "agg",
	POT_Join:        "join",
	POT_Order:       "order",
	POT_Limit:       "limit",
	POT_Scan:        "scan",
	POT_Merge:       "merge",
	POT_Repartition: "repartition",
	POT_Coalesce:    "coalesce",
}

func (t POT) String() string {
	if s, has := potToStr[t]; has {
		return s
	}
	panic(fmt.Sprintf("usp %d", t))
}

type PartitionKind int

const (
	PK_RoundRobin PartitionKind = iota
	PK_Hash
)

var partitionKindToStr = map[PartitionKind]string{
	PK_RoundRobin: "round robin",
	PK_Hash:       "hash",
}

func (kind PartitionKind) String() string {
	if s, has := partitionKindToStr[kind]; has {
		return s
	}
	panic(fmt.Sprintf("usp %d", kind))
}

// Partitioning tells a repartition how rows are routed to its
// outputs.
type Partitioning struct {
	Kind  PartitionKind
	Exprs []*Expr
	Count int
}

func (p Partitioning) String() string {
	if p.Kind == PK_Hash {
		return fmt.Sprintf("%s(%s) %d", p.Kind, exprsString(p.Exprs), p.Count)
	}
	return fmt.Sprintf("%s %d", p.Kind, p.Count)
}

type PhysicalOperator struct {
	Typ POT
	Id  int

	Schema   *chunk.Schema
	Children []*PhysicalOperator

	//scan
	ScanData    [][]*chunk.Chunk //one list of batches per partition
	ScanFilters []*Expr
	DynFilters  []*DynamicFilter

	Projects []*Expr
	Filters  []*Expr

	//order, merge
	OrderBys  []*SortExpr
	Fetch     int64 //-1 means no fetch
	DynFilter *DynamicFilter

	//limit
	Skip   int64
	Global bool

	//agg
	AggMode  AggMode
	GroupBys []*Expr
	Aggs     []*AggrExpr

	//join
	JoinTyp        JoinType
	LeftKeys       []*Expr
	RightKeys      []*Expr
	Residual       *Expr
	NullEqualsNull bool

	//repartition
	Partitioning  Partitioning
	PreserveOrder bool

	EqProps   *EquivalenceProperties
	ExecStats ExecStats
}

// OutputPartitions is the number of partitions the operator produces.
func (po *PhysicalOperator) OutputPartitions() int {
	switch po.Typ {
	case POT_Scan:
		return max(len(po.ScanData), 1)
	case POT_Merge, POT_Coalesce:
		return 1
	case POT_Limit:
		if po.Global {
			return 1
		}
		return po.Children[0].OutputPartitions()
	case POT_Repartition:
		return po.Partitioning.Count
	case POT_Join:
		return po.Children[1].OutputPartitions()
	default:
		return po.Children[0].OutputPartitions()
	}
}

func (po *PhysicalOperator) name() string {
	return fmt.Sprintf("%s#%d", po.Typ, po.Id)
}

func (po *PhysicalOperator) String() string {
	return ExplainPhysicalPlan(po)
}

type OprScanState struct {
	scanBatches []*chunk.Chunk
	scanPos     int
	pruning     *PruningPredicate
	scanExec    *ExprExec
}

type OprProjectState struct {
	projExec *ExprExec
}

type OprFilterState struct {
	filterExec *ExprExec
}

type OprSortState struct {
	sort *ExternalSort
	topk *TopK
	//input consumed
	sorted bool
}

type OprMergeState struct {
	merge     *StreamingMerge
	mergeEval *sortKeyEvaluator
}

type OprAggrState struct {
	hAggr      *HashAggr
	aggrSunk   bool
	aggrFinish bool
}

type OprJoinState struct {
	hjoin  *HashJoin
	built  bool
	probed bool
}

type OprLimitState struct {
	limit *Limit
}

type OprRepartitionState struct {
	repart *repartitionShared
}

type OprCoalesceState struct {
	coalesce *coalesceState
}

type OperatorState struct {
	OprScanState
	OprProjectState
	OprFilterState
	OprSortState
	OprMergeState
	OprAggrState
	OprJoinState
	OprLimitState
	OprRepartitionState
	OprCoalesceState
}

type OperatorResult int

const (
	InvalidOpResult OperatorResult = 0
	NeedMoreInput   OperatorResult = 1
	haveMoreOutput  OperatorResult = 2
	Done            OperatorResult = 3
)

// ExecStats is shared by the runners of every partition of an
// operator.
type ExecStats struct {
	_totalTime      atomic.Int64
	_totalChildTime atomic.Int64
	_rows           atomic.Int64
	_batches        atomic.Int64
	_spills         atomic.Int64
	_skipped        atomic.Int64
}

func (stats *ExecStats) Rows() int64 {
	return stats._rows.Load()
}

func (stats *ExecStats) Batches() int64 {
	return stats._batches.Load()
}

func (stats *ExecStats) Spills() int64 {
	return stats._spills.Load()
}

// Skipped counts scan batches skipped through statistics.
func (stats *ExecStats) Skipped() int64 {
	return stats._skipped.Load()
}

func (stats *ExecStats) String() string {
	total := time.Duration(stats._totalTime.Load())
	child := time.Duration(stats._totalChildTime.Load())
	ret := fmt.Sprintf("rows %d batches %d spills %d skipped %d",
		stats.Rows(), stats.Batches(), stats.Spills(), stats.Skipped())
	if total == 0 {
		return ret
	}
	return fmt.Sprintf("%s, time : total %v, this %v (%.2f) , child %v",
		ret,
		total,
		total-child,
		float64(total-child)/float64(total),
		child,
	)
}

var _ OperatorExec = &Runner{}

type OperatorExec interface {
	Init(ctx context.Context) error
	Execute(ctx context.Context, output *chunk.Chunk) (OperatorResult, error)
	Close() error
}
