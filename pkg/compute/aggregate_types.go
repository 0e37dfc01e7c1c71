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

	"github.com/Stars1233/datafusion/pkg/common"
)

type AggrFunc int

const (
	AGG_COUNT AggrFunc = iota
	AGG_COUNT_STAR
	AGG_SUM
	AGG_MIN
	AGG_MAX
	AGG_AVG
	AGG_COUNT_DISTINCT
	AGG_APPROX_DISTINCT
)

var aggrFuncToStr = map[AggrFunc]string{
	AGG_COUNT:           "count",
	AGG_COUNT_STAR:      "count_star",
	AGG_SUM:             "sum",
	AGG_MIN:             "min",
	AGG_MAX:             "max",
	AGG_AVG:             "avg",
	AGG_COUNT_DISTINCT:  "count_distinct",
	AGG_APPROX_DISTINCT: "approx_distinct",
}

func (fun AggrFunc) String() string {
	if s, has := aggrFuncToStr[fun]; has {
		return s
	}
	panic(fmt.Sprintf("usp %d", fun))
}

// AggMode is the stage of a two phase aggregation.
type AggMode int

const (
	//raw input to final values
	AM_SINGLE AggMode = iota
	//raw input to partial states
	AM_PARTIAL
	//partial states to final values
	AM_FINAL
)

var aggModeToStr = map[AggMode]string{
	AM_SINGLE:  "single",
	AM_PARTIAL: "partial",
	AM_FINAL:   "final",
}

func (mode AggMode) String() string {
	if s, has := aggModeToStr[mode]; has {
		return s
	}
	panic(fmt.Sprintf("usp %d", mode))
}

// AggrExpr is one aggregate of a hash aggregate. Arg is nil for
// count(*). In final mode the states are read from the input columns
// named by StateIdx.
type AggrExpr struct {
	Func     AggrFunc
	Arg      *Expr
	Name     string
	StateIdx []int
}

func NewAggrExpr(fun AggrFunc, arg *Expr, name string) *AggrExpr {
	if fun == AGG_COUNT_STAR {
		arg = nil
	} else if arg == nil {
		panic(fmt.Sprintf("%v needs an argument", fun))
	}
	return &AggrExpr{Func: fun, Arg: arg, Name: name}
}

func (aggr *AggrExpr) argType() common.LType {
	if aggr.Arg == nil {
		return common.BigintType()
	}
	return aggr.Arg.DataTyp
}

// ResultType is the type of the final value.
func (aggr *AggrExpr) ResultType() common.LType {
	switch aggr.Func {
	case AGG_COUNT, AGG_COUNT_STAR, AGG_COUNT_DISTINCT, AGG_APPROX_DISTINCT:
		return common.BigintType()
	case AGG_SUM:
		return common.SumType(aggr.argType())
	case AGG_MIN, AGG_MAX:
		return aggr.argType()
	case AGG_AVG:
		if aggr.argType().Id == common.LTID_DECIMAL {
			return common.DecimalType(38, aggr.argType().Scale)
		}
		return common.DoubleType()
	default:
		panic(fmt.Sprintf("usp %v", aggr.Func))
	}
}

// StateTypes are the columns of the partial state.
func (aggr *AggrExpr) StateTypes() []common.LType {
	switch aggr.Func {
	case AGG_COUNT, AGG_COUNT_STAR:
		return []common.LType{common.BigintType()}
	case AGG_SUM:
		return []common.LType{common.SumType(aggr.argType())}
	case AGG_MIN, AGG_MAX:
		return []common.LType{aggr.argType()}
	case AGG_AVG:
		return []common.LType{avgSumType(aggr.argType()), common.BigintType()}
	case AGG_COUNT_DISTINCT, AGG_APPROX_DISTINCT:
		return []common.LType{common.VarcharType()}
	default:
		panic(fmt.Sprintf("usp %v", aggr.Func))
	}
}

func avgSumType(typ common.LType) common.LType {
	switch {
	case typ.IsIntegral():
		return common.BigintType()
	case typ.Id == common.LTID_DECIMAL:
		return common.DecimalType(38, typ.Scale)
	default:
		return common.DoubleType()
	}
}

func (aggr *AggrExpr) String() string {
	if aggr.Arg == nil {
		return fmt.Sprintf("%s(*) as %s", aggr.Func, aggr.Name)
	}
	return fmt.Sprintf("%s(%s) as %s", aggr.Func, aggr.Arg.Format(), aggr.Name)
}
