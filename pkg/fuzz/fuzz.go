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

package fuzz

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"slices"
	"strings"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/Stars1233/datafusion/pkg/chunk"
	"github.com/Stars1233/datafusion/pkg/common"
	"github.com/Stars1233/datafusion/pkg/compute"
	"github.com/Stars1233/datafusion/pkg/util"
)

// Input is the random data of one round.
type Input struct {
	Schema     *chunk.Schema
	Partitions [][]*chunk.Chunk
}

func newInput(rng *rand.Rand, cfg *util.Config, partitions int) *Input {
	schema := chunk.NewSchema(
		chunk.Field{Name: "k", Typ: common.BigintType(), Nullable: true},
		chunk.Field{Name: "v", Typ: common.BigintType(), Nullable: true},
		chunk.Field{Name: "s", Typ: common.VarcharType(), Nullable: true},
		chunk.Field{Name: "d", Typ: common.DecimalType(12, 2), Nullable: true},
	)
	rows := max(cfg.Fuzz.Rows/partitions, 1)
	opts := chunk.RandomOptions{
		Rows:      rows,
		BatchRows: cfg.Fuzz.BatchRows,
		NullRatio: 0.05,
		Distinct:  max(rows/8, 2),
	}
	ret := &Input{Schema: schema}
	for i := 0; i < partitions; i++ {
		ret.Partitions = append(ret.Partitions, chunk.RandomChunks(rng, schema.Types(), opts))
	}
	return ret
}

func (in *Input) scan(b *compute.Builder) *compute.PhysicalOperator {
	return b.Scan(in.Schema, in.Partitions)
}

func (in *Input) col(op *compute.PhysicalOperator, name string) *compute.Expr {
	return compute.ColumnOf(op.Schema, name)
}

// Scenario builds a plan over random inputs. Ordered plans compare
// their output row by row, the others as multisets.
type Scenario struct {
	Name    string
	Ordered bool
	Build   func(b *compute.Builder, rng *rand.Rand, cfg *util.Config) (*compute.PhysicalOperator, error)
}

// fullOrder sorts on every column so that ties are equal rows.
func fullOrder(op *compute.PhysicalOperator, rng *rand.Rand) []*compute.SortExpr {
	ret := make([]*compute.SortExpr, 0, op.Schema.Len())
	for i, field := range op.Schema.Fields {
		e := compute.ColumnExpr(i, field.Name, field.Typ)
		order := &compute.SortExpr{Expr: e, Order: compute.OT_ASC, NullOrder: compute.OBNT_NULLS_LAST}
		if rng.Intn(2) == 0 {
			order.Order = compute.OT_DESC
		}
		if rng.Intn(2) == 0 {
			order.NullOrder = compute.OBNT_NULLS_FIRST
		}
		ret = append(ret, order)
	}
	rng.Shuffle(len(ret), func(i, j int) {
		ret[i], ret[j] = ret[j], ret[i]
	})
	return ret
}

var Scenarios = []*Scenario{
	{
		Name:    "sort",
		Ordered: true,
		Build: func(b *compute.Builder, rng *rand.Rand, cfg *util.Config) (*compute.PhysicalOperator, error) {
			scan := newInput(rng, cfg, cfg.Exec.TargetPartitions).scan(b)
			return b.EnsureOrdering(scan, fullOrder(scan, rng)), nil
		},
	},
	{
		Name:    "topk",
		Ordered: true,
		Build: func(b *compute.Builder, rng *rand.Rand, cfg *util.Config) (*compute.PhysicalOperator, error) {
			scan := newInput(rng, cfg, cfg.Exec.TargetPartitions).scan(b)
			orders := fullOrder(scan, rng)
			fetch := int64(rng.Intn(max(cfg.Fuzz.Rows/4, 1)))
			return b.SortPreservingMerge(b.Sort(scan, orders, fetch), orders, fetch), nil
		},
	},
	{
		Name: "aggregate",
		Build: func(b *compute.Builder, rng *rand.Rand, cfg *util.Config) (*compute.PhysicalOperator, error) {
			in := newInput(rng, cfg, cfg.Exec.TargetPartitions)
			scan := in.scan(b)
			groups := []*compute.Expr{in.col(scan, "k")}
			if rng.Intn(2) == 0 {
				groups = append(groups, in.col(scan, "s"))
			}
			v, d := in.col(scan, "v"), in.col(scan, "d")
			aggs := []*compute.AggrExpr{
				compute.NewAggrExpr(compute.AGG_COUNT_STAR, nil, "cnt"),
				compute.NewAggrExpr(compute.AGG_SUM, v, "sum_v"),
				compute.NewAggrExpr(compute.AGG_AVG, d, "avg_d"),
				compute.NewAggrExpr(compute.AGG_MIN, in.col(scan, "s"), "min_s"),
				compute.NewAggrExpr(compute.AGG_MAX, d, "max_d"),
				compute.NewAggrExpr(compute.AGG_COUNT_DISTINCT, v, "distinct_v"),
			}
			return b.TwoPhaseAggregate(scan, groups, aggs), nil
		},
	},
	{
		Name: "join",
		Build: func(b *compute.Builder, rng *rand.Rand, cfg *util.Config) (*compute.PhysicalOperator, error) {
			left := newInput(rng, cfg, cfg.Exec.TargetPartitions).scan(b)
			right := newInput(rng, cfg, max(cfg.Exec.TargetPartitions/2, 1)).scan(b)
			typ := compute.AllJoinTypes[rng.Intn(len(compute.AllJoinTypes))]
			var residual *compute.Expr
			if rng.Intn(2) == 0 {
				//left.v < right.v over the concatenated columns
				residual = compute.BinaryExpr(compute.ET_Less,
					compute.ColumnExpr(1, "v", common.BigintType()),
					compute.ColumnExpr(left.Schema.Len()+1, "v", common.BigintType()))
			}
			return b.HashJoin(left, right, typ,
				[]*compute.Expr{compute.ColumnOf(left.Schema, "k")},
				[]*compute.Expr{compute.ColumnOf(right.Schema, "k")},
				residual, rng.Intn(4) == 0)
		},
	},
	{
		Name:    "limit",
		Ordered: true,
		Build: func(b *compute.Builder, rng *rand.Rand, cfg *util.Config) (*compute.PhysicalOperator, error) {
			scan := newInput(rng, cfg, cfg.Exec.TargetPartitions).scan(b)
			sorted := b.EnsureOrdering(scan, fullOrder(scan, rng))
			skip := int64(rng.Intn(max(cfg.Fuzz.Rows/2, 1)))
			fetch := int64(rng.Intn(max(cfg.Fuzz.Rows/2, 1)))
			return b.Limit(sorted, skip, fetch), nil
		},
	},
	{
		Name: "repartition",
		Build: func(b *compute.Builder, rng *rand.Rand, cfg *util.Config) (*compute.PhysicalOperator, error) {
			in := newInput(rng, cfg, cfg.Exec.TargetPartitions)
			scan := in.scan(b)
			count := rng.Intn(cfg.Exec.TargetPartitions*2) + 1
			partitioning := compute.Partitioning{Kind: compute.PK_RoundRobin, Count: count}
			if rng.Intn(2) == 0 {
				partitioning = compute.Partitioning{
					Kind:  compute.PK_Hash,
					Exprs: []*compute.Expr{in.col(scan, "s")},
					Count: count,
				}
			}
			return b.Coalesce(b.Repartition(scan, partitioning)), nil
		},
	},
}

func Lookup(name string) (*Scenario, error) {
	for _, sc := range Scenarios {
		if sc.Name == name {
			return sc, nil
		}
	}
	names := make([]string, 0, len(Scenarios))
	for _, sc := range Scenarios {
		names = append(names, sc.Name)
	}
	return nil, fmt.Errorf("unknown scenario %q. choose from %s", name, strings.Join(names, ", "))
}

// Report sums the rounds of one scenario.
type Report struct {
	Scenario string
	Rounds   int
	Rows     int
	Spills   int64
	//bounded runs that ran out of memory
	Exhausted int
}

func (r *Report) String() string {
	return fmt.Sprintf("%s: rounds %d rows %d spills %d exhausted %d",
		r.Scenario, r.Rounds, r.Rows, r.Spills, r.Exhausted)
}

// Run executes cfg.Fuzz.Rounds rounds of every named scenario. Each
// round runs its plan once without a memory limit and once with
// cfg.Exec.MemoryLimit and compares the results. A bounded run may
// fail with a resources exhausted error, but must still return every
// byte and spill file.
func Run(ctx context.Context, cfg *util.Config, names ...string) ([]*Report, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	ret := make([]*Report, 0, len(names))
	for _, name := range names {
		sc, err := Lookup(name)
		if err != nil {
			return nil, err
		}
		report := &Report{Scenario: sc.Name}
		for round := 0; round < cfg.Fuzz.Rounds; round++ {
			if err = runRound(ctx, cfg, sc, round, report); err != nil {
				return ret, fmt.Errorf("scenario %s round %d seed %d: %w",
					sc.Name, round, cfg.Fuzz.Seed+int64(round), err)
			}
			report.Rounds++
		}
		util.Info("fuzz scenario done", zap.Stringer("report", report))
		ret = append(ret, report)
	}
	return ret, nil
}

func runRound(ctx context.Context, cfg *util.Config, sc *Scenario, round int, report *Report) error {
	seed := cfg.Fuzz.Seed + int64(round)
	unbounded := *cfg
	unbounded.Exec.MemoryLimit = 0
	expect, _, err := runPlan(ctx, &unbounded, sc, seed)
	if err != nil {
		return err
	}
	report.Rows += len(expect)
	if cfg.Exec.MemoryLimit <= 0 {
		return nil
	}
	got, spills, err := runPlan(ctx, cfg, sc, seed)
	report.Spills += spills
	if common.IsResourcesExhausted(err) && !errors.Is(err, common.ErrInternal) {
		util.Warn("bounded run exhausted memory",
			zap.String("scenario", sc.Name),
			zap.Int64("seed", seed),
			zap.Error(err))
		report.Exhausted++
		return nil
	}
	if err != nil {
		return err
	}
	if !sc.Ordered {
		slices.Sort(expect)
		slices.Sort(got)
	}
	if !slices.Equal(expect, got) {
		return fmt.Errorf("bounded run differs: %d rows, want %d rows", len(got), len(expect))
	}
	return nil
}

// runPlan builds the plan of sc from seed and executes every output
// partition in order.
func runPlan(ctx context.Context, cfg *util.Config, sc *Scenario, seed int64) (rows []string, spills int64, err error) {
	exec, err := compute.NewExecContextFromConfig(ctx, cfg)
	if err != nil {
		return nil, 0, err
	}
	defer func() {
		if reserved := exec.Pool.Reserved(); reserved != 0 {
			err = multierr.Append(err, common.InternalError("fuzz", "%d bytes still reserved: %s", reserved, exec.Pool))
		}
		if left := exec.SpillMgr.Outstanding(); left != 0 {
			err = multierr.Append(err, common.InternalError("fuzz", "%d spill files left", left))
		}
		err = multierr.Append(err, exec.Close())
	}()
	rng := rand.New(rand.NewSource(seed))
	root, err := sc.Build(compute.NewBuilder(cfg), rng, cfg)
	if err != nil {
		return nil, 0, err
	}
	if cfg.Debug.PrintPlan {
		util.Info("fuzz plan", zap.String("scenario", sc.Name), zap.String("plan", compute.ExplainPhysicalPlan(root)))
	}
	parts, err := compute.CollectPartitioned(ctx, exec, root)
	if err != nil {
		return nil, 0, err
	}
	for _, part := range parts {
		rows = append(rows, chunk.RowStrings(part)...)
	}
	if cfg.Debug.PrintResult {
		shown := rows
		if cfg.Debug.MaxOutputRowCount >= 0 && len(shown) > cfg.Debug.MaxOutputRowCount {
			shown = shown[:cfg.Debug.MaxOutputRowCount]
		}
		util.Info("fuzz result", zap.String("scenario", sc.Name), zap.Strings("rows", shown))
	}
	return rows, planSpills(root), nil
}

func planSpills(op *compute.PhysicalOperator) int64 {
	ret := op.ExecStats.Spills()
	for _, child := range op.Children {
		ret += planSpills(child)
	}
	return ret
}
