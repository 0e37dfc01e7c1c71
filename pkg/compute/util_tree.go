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
	"strings"

	"github.com/xlab/treeprint"
)

func exprsString(exprs []*Expr) string {
	parts := make([]string, len(exprs))
	for i, e := range exprs {
		parts[i] = e.Format()
	}
	return strings.Join(parts, ", ")
}

func WriteExprsTree(tree treeprint.Tree, exprs []*Expr) {
	for i, e := range exprs {
		p := tree.AddBranch(fmt.Sprintf("%d", i))
		e.Print(p)
	}
}

func writeSortExprsTree(tree treeprint.Tree, orders []*SortExpr) {
	for i, order := range orders {
		tree.AddNode(fmt.Sprintf("%d %s", i, order))
	}
}

// ExplainPhysicalPlan renders the operator tree.
func ExplainPhysicalPlan(root *PhysicalOperator) string {
	tree := treeprint.NewWithRoot(root.title())
	explainOperator(tree, root)
	return tree.String()
}

func (po *PhysicalOperator) title() string {
	return fmt.Sprintf("%s (%d partitions)", po.name(), po.OutputPartitions())
}

func explainOperator(tree treeprint.Tree, po *PhysicalOperator) {
	switch po.Typ {
	case POT_Scan:
		rows := 0
		for _, part := range po.ScanData {
			for _, c := range part {
				rows += c.Card()
			}
		}
		tree.AddMetaNode("rows", rows)
		if len(po.ScanFilters) > 0 {
			WriteExprsTree(tree.AddBranch("filters"), po.ScanFilters)
		}
		for _, df := range po.DynFilters {
			tree.AddMetaNode("dynamic", df.String())
		}
	case POT_Project:
		WriteExprsTree(tree.AddBranch("projects"), po.Projects)
	case POT_Filter:
		WriteExprsTree(tree.AddBranch("filters"), po.Filters)
	case POT_Order, POT_Merge:
		writeSortExprsTree(tree.AddBranch("orders"), po.OrderBys)
		if po.Fetch >= 0 {
			tree.AddMetaNode("fetch", po.Fetch)
		}
	case POT_Limit:
		tree.AddMetaNode("skip", po.Skip)
		tree.AddMetaNode("fetch", po.Fetch)
		tree.AddMetaNode("global", po.Global)
	case POT_Agg:
		tree.AddMetaNode("mode", po.AggMode)
		if len(po.GroupBys) > 0 {
			WriteExprsTree(tree.AddBranch("groupBys"), po.GroupBys)
		}
		aggs := tree.AddBranch("aggs")
		for i, aggr := range po.Aggs {
			aggs.AddNode(fmt.Sprintf("%d %s", i, aggr))
		}
	case POT_Join:
		tree.AddMetaNode("type", po.JoinTyp)
		keys := tree.AddBranch("on")
		for i := range po.LeftKeys {
			keys.AddNode(fmt.Sprintf("%s = %s", po.LeftKeys[i].Format(), po.RightKeys[i].Format()))
		}
		if po.Residual != nil {
			WriteExprsTree(tree.AddBranch("residual"), []*Expr{po.Residual})
		}
		if po.NullEqualsNull {
			tree.AddMetaNode("nulls", "equal")
		}
	case POT_Repartition:
		tree.AddMetaNode("partitioning", po.Partitioning)
		if po.PreserveOrder {
			writeSortExprsTree(tree.AddBranch("preserve"), po.OrderBys)
		}
	}
	if stats := po.ExecStats.String(); po.ExecStats.Batches() > 0 {
		tree.AddMetaNode("stats", stats)
	}
	for _, child := range po.Children {
		explainOperator(tree.AddBranch(child.title()), child)
	}
}
