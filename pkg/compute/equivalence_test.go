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
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Stars1233/datafusion/pkg/chunk"
	"github.com/Stars1233/datafusion/pkg/common"
)

func abcSchema() *chunk.Schema {
	return chunk.NewSchema(
		chunk.Field{Name: "a", Typ: common.BigintType()},
		chunk.Field{Name: "b", Typ: common.BigintType()},
		chunk.Field{Name: "c", Typ: common.BigintType()},
	)
}

func abcCols() (*Expr, *Expr, *Expr) {
	schema := abcSchema()
	return ColumnOf(schema, "a"), ColumnOf(schema, "b"), ColumnOf(schema, "c")
}

func TestEquivalenceGroup(t *testing.T) {
	typ := common.BigintType()
	a, b, c, d, e := ColumnExpr(0, "a", typ), ColumnExpr(1, "b", typ), ColumnExpr(2, "c", typ),
		ColumnExpr(3, "d", typ), ColumnExpr(4, "e", typ)
	eg := NewEquivalenceGroup()
	eg.Merge(a, b)
	eg.Merge(d, c)
	assert.False(t, eg.Equal(a, c))
	assert.Len(t, eg.Classes(), 2)

	eg.Merge(b, d)
	assert.True(t, eg.Equal(a, c))
	assert.True(t, eg.Equal(d, b))
	assert.False(t, eg.Equal(a, e))
	assert.True(t, eg.Equal(e, e))
	require.Len(t, eg.Classes(), 1)
	assert.Len(t, eg.Classes()[0], 4)
	//the smallest member string represents the class
	assert.True(t, eg.Representative(d).equal(a))
	assert.Same(t, e, eg.Representative(e))

	sum := BinaryExpr(ET_Add, c, e)
	assert.Equal(t, "(#0 + #4)", eg.normalize(sum).String())
}

func TestOrderingSatisfy(t *testing.T) {
	a, b, c := abcCols()
	ep := NewEquivalenceProperties(abcSchema())
	ep.AddNewOrderings([]*SortExpr{Asc(a), Desc(b)})

	cases := []struct {
		required []*SortExpr
		ok       bool
	}{
		{nil, true},
		{[]*SortExpr{Asc(a)}, true},
		{[]*SortExpr{Asc(a), Desc(b)}, true},
		{[]*SortExpr{Asc(a), Asc(a), Desc(b)}, true},
		{[]*SortExpr{{Expr: a, Order: OT_ASC, NullOrder: OBNT_NULLS_LAST}}, true},
		{[]*SortExpr{{Expr: a, Order: OT_ASC, NullOrder: OBNT_NULLS_FIRST}}, false},
		{[]*SortExpr{Desc(b)}, false},
		{[]*SortExpr{Desc(a)}, false},
		{[]*SortExpr{Asc(a), Desc(b), Asc(c)}, false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.ok, ep.OrderingSatisfy(tc.required), sortExprsString(tc.required))
	}

	//a = 1 makes the leading key constant
	ep.AddFilter(BinaryExpr(ET_Equal, a, IntConst(1)))
	assert.True(t, ep.IsConstant(a))
	assert.True(t, ep.IsConstant(BinaryExpr(ET_Add, a, IntConst(2))))
	assert.True(t, ep.OrderingSatisfy([]*SortExpr{Desc(b)}))
	assert.True(t, ep.OrderingSatisfy([]*SortExpr{Desc(b), Asc(a)}))
	assert.False(t, ep.OrderingSatisfy([]*SortExpr{Desc(b), Asc(c)}))

	//c = b lets c stand for b
	ep.AddFilter(BinaryExpr(ET_And,
		BinaryExpr(ET_Equal, c, b),
		BinaryExpr(ET_Greater, c, IntConst(3))))
	assert.True(t, ep.OrderingSatisfy([]*SortExpr{Desc(c)}))
	assert.False(t, ep.IsConstant(c))
}

// TestOrderingSatisfyRandom checks OrderingSatisfy against a direct
// reading of the rule: map every key to its class, drop constant and
// repeated keys, then look for a proven ordering with that prefix.
func TestOrderingSatisfyRandom(t *testing.T) {
	const cols = 6
	rng := rand.New(rand.NewSource(23))
	fields := make([]chunk.Field, cols)
	for i := range fields {
		fields[i] = chunk.Field{Name: fmt.Sprintf("c%d", i), Typ: common.BigintType()}
	}
	schema := chunk.NewSchema(fields...)
	col := func(i int) *Expr {
		return ColumnOf(schema, fields[i].Name)
	}
	randKey := func(c int) *SortExpr {
		se := &SortExpr{Expr: col(c), Order: OT_ASC, NullOrder: OBNT_NULLS_LAST}
		if rng.Intn(2) == 0 {
			se.Order = OT_DESC
		}
		if rng.Intn(2) == 0 {
			se.NullOrder = OBNT_NULLS_FIRST
		}
		return se
	}
	type key struct {
		class      int
		desc       bool
		nullsFirst bool
	}

	positives, negatives := 0, 0
	for round := 0; round < 300; round++ {
		parent := make([]int, cols)
		for i := range parent {
			parent[i] = i
		}
		find := func(i int) int {
			for parent[i] != i {
				i = parent[i]
			}
			return i
		}
		ep := NewEquivalenceProperties(schema)
		for i := rng.Intn(4); i > 0; i-- {
			a, b := rng.Intn(cols), rng.Intn(cols)
			ep.AddEqualConditions(col(a), col(b))
			parent[find(a)] = find(b)
		}
		constant := -1
		if rng.Intn(3) == 0 {
			constant = rng.Intn(cols)
			ep.AddConstants(col(constant))
		}
		canon := func(ordering []*SortExpr) []key {
			ret := make([]key, 0, len(ordering))
			seen := make(map[int]bool)
			for _, se := range ordering {
				class := find(se.Expr.ColIdx)
				if constant >= 0 && class == find(constant) {
					continue
				}
				if seen[class] {
					continue
				}
				seen[class] = true
				ret = append(ret, key{class: class, desc: se.Desc(), nullsFirst: se.NullsFirst()})
			}
			return ret
		}

		orderings := make([][]*SortExpr, 1+rng.Intn(2))
		for i := range orderings {
			for j := 1 + rng.Intn(cols); j > 0; j-- {
				orderings[i] = append(orderings[i], randKey(rng.Intn(cols)))
			}
		}
		ep.AddNewOrderings(orderings...)

		for q := 0; q < 10; q++ {
			var required []*SortExpr
			if rng.Intn(2) == 0 {
				//a prefix of a proven ordering spelled with other class members
				src := orderings[rng.Intn(len(orderings))]
				for _, se := range src[:rng.Intn(len(src)+1)] {
					var members []int
					for m := 0; m < cols; m++ {
						if find(m) == find(se.Expr.ColIdx) {
							members = append(members, m)
						}
					}
					required = append(required, &SortExpr{
						Expr:      col(members[rng.Intn(len(members))]),
						Order:     se.Order,
						NullOrder: se.NullOrder,
					})
					if rng.Intn(4) == 0 {
						required = append(required, randKey(rng.Intn(cols)))
					}
				}
			} else {
				for j := rng.Intn(cols); j > 0; j-- {
					required = append(required, randKey(rng.Intn(cols)))
				}
			}

			req := canon(required)
			expect := len(req) == 0
			for _, ordering := range orderings {
				proven := canon(ordering)
				if expect || len(req) > len(proven) {
					continue
				}
				expect = true
				for i := range req {
					if req[i] != proven[i] {
						expect = false
						break
					}
				}
			}
			if expect {
				positives++
			} else {
				negatives++
			}
			assert.Equal(t, expect, ep.OrderingSatisfy(required),
				"round %d: %s required %s", round, ep, sortExprsString(required))
		}
	}
	assert.Greater(t, positives, 100)
	assert.Greater(t, negatives, 100)
}

func TestEquivalenceClone(t *testing.T) {
	a, b, _ := abcCols()
	ep := NewEquivalenceProperties(abcSchema())
	ep.AddNewOrderings([]*SortExpr{Asc(a)})
	cp := ep.Clone()
	cp.AddConstants(b)
	cp.AddEqualConditions(a, b)
	assert.True(t, cp.IsConstant(b))
	assert.False(t, ep.IsConstant(b))
	assert.False(t, ep.Group.Equal(a, b))
	assert.Empty(t, ep.WithoutOrderings().Orderings)
	assert.Len(t, ep.Orderings, 1)
}

func TestEquivalenceProject(t *testing.T) {
	a, b, c := abcCols()
	ep := NewEquivalenceProperties(abcSchema())
	ep.AddNewOrderings([]*SortExpr{Asc(a), Desc(b), Asc(c)})
	ep.AddFilter(BinaryExpr(ET_Equal, c, IntConst(9)))

	//b, a, c renamed x, y, z
	schema := chunk.NewSchema(
		chunk.Field{Name: "x", Typ: common.BigintType()},
		chunk.Field{Name: "y", Typ: common.BigintType()},
		chunk.Field{Name: "z", Typ: common.BigintType()},
	)
	x, y, z := ColumnOf(schema, "x"), ColumnOf(schema, "y"), ColumnOf(schema, "z")
	out := ep.Project([]*Expr{b, a, c}, schema)
	assert.True(t, out.OrderingSatisfy([]*SortExpr{Asc(y), Desc(x)}))
	assert.False(t, out.OrderingSatisfy([]*SortExpr{Desc(x)}))
	assert.True(t, out.IsConstant(z))

	//dropping a cuts every ordering
	schema = chunk.NewSchema(chunk.Field{Name: "x", Typ: common.BigintType()})
	out = ep.Project([]*Expr{b}, schema)
	assert.False(t, out.OrderingSatisfy([]*SortExpr{Desc(ColumnOf(schema, "x"))}))

	//a projected twice gives two equal columns
	schema = chunk.NewSchema(
		chunk.Field{Name: "p", Typ: common.BigintType()},
		chunk.Field{Name: "q", Typ: common.BigintType()},
	)
	p, q := ColumnOf(schema, "p"), ColumnOf(schema, "q")
	out = ep.Project([]*Expr{a, a}, schema)
	assert.True(t, out.Group.Equal(p, q))
	assert.True(t, out.OrderingSatisfy([]*SortExpr{Asc(q)}))
}

func TestJoinProperties(t *testing.T) {
	a, b, _ := abcCols()
	left := NewEquivalenceProperties(abcSchema())
	left.AddFilter(BinaryExpr(ET_Equal, b, IntConst(1)))
	right := NewEquivalenceProperties(abcSchema())
	right.AddFilter(BinaryExpr(ET_Equal, b, IntConst(2)))
	typ := common.BigintType()
	rightB := ColumnExpr(4, "rb", typ)
	rightA := ColumnExpr(3, "ra", typ)

	inner := JoinProperties(left, right, JT_INNER, []*Expr{a}, []*Expr{a},
		joinSchema(abcSchema(), abcSchema(), JT_INNER))
	assert.True(t, inner.IsConstant(b))
	assert.True(t, inner.IsConstant(rightB))
	assert.True(t, inner.Group.Equal(a, rightA))

	leftJoin := JoinProperties(left, right, JT_LEFT, []*Expr{a}, []*Expr{a},
		joinSchema(abcSchema(), abcSchema(), JT_LEFT))
	assert.True(t, leftJoin.IsConstant(b))
	assert.False(t, leftJoin.IsConstant(rightB), "padded side")
	assert.False(t, leftJoin.Group.Equal(a, rightA))

	//a right semi join outputs the right side at offset 0
	semi := JoinProperties(left, right, JT_RIGHT_SEMI, []*Expr{a}, []*Expr{a},
		joinSchema(abcSchema(), abcSchema(), JT_RIGHT_SEMI))
	assert.True(t, semi.IsConstant(b))
}

func TestEnsureOrderingSkipsSort(t *testing.T) {
	cfg := testConfig(t)
	b := NewBuilder(cfg)
	schema := abcSchema()
	a, bb, c := abcCols()
	scan := b.Scan(schema, [][]*chunk.Chunk{nil}, []*SortExpr{Asc(a), Asc(bb)})
	assert.Same(t, scan, b.EnsureOrdering(scan, []*SortExpr{Asc(a)}))

	filter := b.Filter(scan, BinaryExpr(ET_Equal, a, IntConst(3)))
	assert.Same(t, filter, b.EnsureOrdering(filter, []*SortExpr{Asc(bb)}))

	sorted := b.EnsureOrdering(filter, []*SortExpr{Asc(c)})
	assert.Equal(t, POT_Order, sorted.Typ)
	assert.True(t, sorted.EqProps.OrderingSatisfy([]*SortExpr{Asc(c)}))
	//the filter constant survives the sort
	assert.True(t, sorted.EqProps.OrderingSatisfy([]*SortExpr{Asc(a), Asc(c)}))

	repart := b.Repartition(scan, Partitioning{Kind: PK_RoundRobin, Count: 2})
	assert.False(t, repart.EqProps.OrderingSatisfy([]*SortExpr{Asc(a)}))
	root := b.EnsureOrdering(repart, []*SortExpr{Asc(a)})
	assert.Equal(t, POT_Merge, root.Typ)
	assert.Equal(t, POT_Order, root.Children[0].Typ)
}
