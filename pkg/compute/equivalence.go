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
	"slices"
	"strings"

	"github.com/huandu/go-clone"

	"github.com/Stars1233/datafusion/pkg/chunk"
)

// EquivalenceGroup is a union-find over expressions proven to have
// equal values. Expressions are identified by their canonical string.
// The representative of a class is its smallest member string.
type EquivalenceGroup struct {
	Parent map[string]string
	Exprs  map[string]*Expr
}

func NewEquivalenceGroup() *EquivalenceGroup {
	return &EquivalenceGroup{
		Parent: make(map[string]string),
		Exprs:  make(map[string]*Expr),
	}
}

func (eg *EquivalenceGroup) add(e *Expr) string {
	key := e.String()
	if _, has := eg.Parent[key]; !has {
		eg.Parent[key] = key
		eg.Exprs[key] = e
	}
	return key
}

func (eg *EquivalenceGroup) find(key string) string {
	root := key
	for eg.Parent[root] != root {
		root = eg.Parent[root]
	}
	for key != root {
		next := eg.Parent[key]
		eg.Parent[key] = root
		key = next
	}
	return root
}

// Merge records a = b.
func (eg *EquivalenceGroup) Merge(a, b *Expr) {
	ra := eg.find(eg.add(a))
	rb := eg.find(eg.add(b))
	if ra == rb {
		return
	}
	if rb < ra {
		ra, rb = rb, ra
	}
	eg.Parent[rb] = ra
}

func (eg *EquivalenceGroup) Contains(e *Expr) bool {
	_, has := eg.Parent[e.String()]
	return has
}

func (eg *EquivalenceGroup) Equal(a, b *Expr) bool {
	if a.equal(b) {
		return true
	}
	if !eg.Contains(a) || !eg.Contains(b) {
		return false
	}
	return eg.find(a.String()) == eg.find(b.String())
}

// Representative returns the representative of the class of e, or e
// itself when e is in no class.
func (eg *EquivalenceGroup) Representative(e *Expr) *Expr {
	key := e.String()
	if _, has := eg.Parent[key]; !has {
		return e
	}
	return eg.Exprs[eg.find(key)]
}

// Classes lists the classes with at least two members. Members and
// classes are in string order.
func (eg *EquivalenceGroup) Classes() [][]*Expr {
	byRoot := make(map[string][]string)
	for key := range eg.Parent {
		root := eg.find(key)
		byRoot[root] = append(byRoot[root], key)
	}
	roots := make([]string, 0, len(byRoot))
	for root, members := range byRoot {
		if len(members) > 1 {
			roots = append(roots, root)
		}
	}
	slices.Sort(roots)
	ret := make([][]*Expr, 0, len(roots))
	for _, root := range roots {
		members := byRoot[root]
		slices.Sort(members)
		class := make([]*Expr, len(members))
		for i, key := range members {
			class[i] = eg.Exprs[key]
		}
		ret = append(ret, class)
	}
	return ret
}

// normalize replaces e and its sub-expressions by representatives.
func (eg *EquivalenceGroup) normalize(e *Expr) *Expr {
	if eg.Contains(e) {
		return eg.Representative(e)
	}
	if e.Typ != ET_Func {
		return e
	}
	ret := *e
	ret.Children = make([]*Expr, len(e.Children))
	for i, child := range e.Children {
		ret.Children[i] = eg.normalize(child)
	}
	if eg.Contains(&ret) {
		return eg.Representative(&ret)
	}
	return &ret
}

// EquivalenceProperties is what is known about the output of an
// operator: equal expressions, constant expressions and orderings
// the output satisfies.
type EquivalenceProperties struct {
	Schema    *chunk.Schema
	Group     *EquivalenceGroup
	Constants []*Expr
	Orderings [][]*SortExpr
}

func NewEquivalenceProperties(schema *chunk.Schema) *EquivalenceProperties {
	return &EquivalenceProperties{
		Schema: schema,
		Group:  NewEquivalenceGroup(),
	}
}

func (ep *EquivalenceProperties) Clone() *EquivalenceProperties {
	return clone.Clone(ep).(*EquivalenceProperties)
}

func (ep *EquivalenceProperties) AddEqualConditions(a, b *Expr) {
	ep.Group.Merge(a, b)
}

func (ep *EquivalenceProperties) AddConstants(exprs ...*Expr) {
	for _, e := range exprs {
		if !ep.IsConstant(e) {
			ep.Constants = append(ep.Constants, e)
		}
	}
}

func (ep *EquivalenceProperties) AddNewOrderings(orderings ...[]*SortExpr) {
	for _, ordering := range orderings {
		if len(ordering) == 0 {
			continue
		}
		ep.Orderings = append(ep.Orderings, ordering)
	}
}

// AddFilter derives equalities and constants from the conjuncts of
// pred: col = col and col = literal.
func (ep *EquivalenceProperties) AddFilter(pred *Expr) {
	for _, conj := range splitExprByAnd(pred) {
		if conj.Typ != ET_Func || conj.SubTyp != ET_Equal {
			continue
		}
		l, r := conj.Children[0], conj.Children[1]
		switch {
		case l.IsConst() && r.IsConst():
		case l.IsConst():
			ep.AddConstants(r)
		case r.IsConst():
			ep.AddConstants(l)
		default:
			ep.AddEqualConditions(l, r)
		}
	}
}

// IsConstant reports whether e has one value over the output.
func (ep *EquivalenceProperties) IsConstant(e *Expr) bool {
	if e.IsConst() {
		return true
	}
	norm := ep.Group.normalize(e)
	for _, c := range ep.Constants {
		if ep.Group.normalize(c).equal(norm) {
			return true
		}
	}
	if e.Typ == ET_Func && len(e.Children) > 0 {
		for _, child := range e.Children {
			if !ep.IsConstant(child) {
				return false
			}
		}
		return true
	}
	return false
}

// normalizeOrdering substitutes representatives, then drops constant
// keys and keys already seen.
func (ep *EquivalenceProperties) normalizeOrdering(ordering []*SortExpr) []*SortExpr {
	ret := make([]*SortExpr, 0, len(ordering))
	seen := make(map[string]struct{})
	for _, se := range ordering {
		if ep.IsConstant(se.Expr) {
			continue
		}
		norm := se.normalize()
		norm.Expr = ep.Group.normalize(se.Expr)
		key := norm.Expr.String()
		if _, has := seen[key]; has {
			continue
		}
		seen[key] = struct{}{}
		ret = append(ret, norm)
	}
	return ret
}

// OrderingSatisfy reports whether the output is known to be sorted by
// required.
func (ep *EquivalenceProperties) OrderingSatisfy(required []*SortExpr) bool {
	req := ep.normalizeOrdering(required)
	if len(req) == 0 {
		return true
	}
	for _, ordering := range ep.Orderings {
		proven := ep.normalizeOrdering(ordering)
		if len(req) > len(proven) {
			continue
		}
		prefix := true
		for i, se := range req {
			if !se.equal(proven[i]) {
				prefix = false
				break
			}
		}
		if prefix {
			return true
		}
	}
	return false
}

// Project re-expresses the properties over the output of a
// projection. Orderings are cut at the first key the projection
// drops.
func (ep *EquivalenceProperties) Project(projects []*Expr, schema *chunk.Schema) *EquivalenceProperties {
	ret := NewEquivalenceProperties(schema)
	//normalized input expression -> first output column computing it
	outCols := make(map[string]*Expr)
	for j, proj := range projects {
		out := ColumnExpr(j, schema.Fields[j].Name, proj.DataTyp)
		key := ep.Group.normalize(proj).String()
		if first, has := outCols[key]; has {
			ret.AddEqualConditions(first, out)
		} else {
			outCols[key] = out
		}
		if ep.IsConstant(proj) {
			ret.AddConstants(out)
		}
	}
	mapExpr := func(e *Expr) (*Expr, bool) {
		norm := ep.Group.normalize(e)
		if out, has := outCols[norm.String()]; has {
			return out, true
		}
		if norm.Typ != ET_Func {
			return nil, false
		}
		return replaceColumns(norm, func(col *Expr) (*Expr, bool) {
			out, has := outCols[col.String()]
			return out, has
		})
	}
	for _, class := range ep.Group.Classes() {
		var first *Expr
		for _, member := range class {
			out, ok := mapExpr(member)
			if !ok {
				continue
			}
			if first == nil {
				first = out
			} else {
				ret.AddEqualConditions(first, out)
			}
		}
	}
	for _, ordering := range ep.Orderings {
		projected := make([]*SortExpr, 0, len(ordering))
		for _, se := range ep.normalizeOrdering(ordering) {
			out, ok := mapExpr(se.Expr)
			if !ok {
				break
			}
			projected = append(projected, &SortExpr{Expr: out, Order: se.Order, NullOrder: se.NullOrder})
		}
		ret.AddNewOrderings(projected)
	}
	return ret
}

// WithoutOrderings keeps classes and constants only.
func (ep *EquivalenceProperties) WithoutOrderings() *EquivalenceProperties {
	ret := ep.Clone()
	ret.Orderings = nil
	return ret
}

// JoinProperties combines the properties of the join inputs. Side
// properties survive only for sides that are never null padded. The
// key equalities hold for inner joins.
func JoinProperties(
	left, right *EquivalenceProperties,
	typ JoinType,
	leftKeys, rightKeys []*Expr,
	schema *chunk.Schema,
) *EquivalenceProperties {
	ret := NewEquivalenceProperties(schema)
	offset := 0
	addSide := func(side *EquivalenceProperties, shift int) {
		for _, class := range side.Group.Classes() {
			for _, member := range class[1:] {
				ret.AddEqualConditions(shiftColumns(class[0], shift), shiftColumns(member, shift))
			}
		}
		for _, c := range side.Constants {
			ret.AddConstants(shiftColumns(c, shift))
		}
	}
	if typ.outputsLeft() {
		if !typ.NullableLeft() {
			addSide(left, 0)
		}
		offset = left.Schema.Len()
	}
	if typ.outputsRight() && !typ.NullableRight() {
		addSide(right, offset)
	}
	if typ == JT_INNER {
		for i := range leftKeys {
			ret.AddEqualConditions(leftKeys[i], shiftColumns(rightKeys[i], offset))
		}
	}
	return ret
}

func (ep *EquivalenceProperties) String() string {
	sb := strings.Builder{}
	classes := make([]string, 0)
	for _, class := range ep.Group.Classes() {
		classes = append(classes, "{"+exprsString(class)+"}")
	}
	sb.WriteString(fmt.Sprintf("classes [%s]", strings.Join(classes, " ")))
	sb.WriteString(fmt.Sprintf(" constants [%s]", exprsString(ep.Constants)))
	orderings := make([]string, 0, len(ep.Orderings))
	for _, ordering := range ep.Orderings {
		orderings = append(orderings, sortExprsString(ordering))
	}
	sb.WriteString(fmt.Sprintf(" orderings [%s]", strings.Join(orderings, " ")))
	return sb.String()
}
