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
)

type JoinType int

const (
	JT_INNER JoinType = iota
	JT_LEFT
	JT_RIGHT
	JT_FULL
	JT_LEFT_SEMI
	JT_LEFT_ANTI
	JT_RIGHT_SEMI
	JT_RIGHT_ANTI
)

var joinTypeToStr = map[JoinType]string{
	JT_INNER:      "inner",
	JT_LEFT:       "left",
	JT_RIGHT:      "right",
	JT_FULL:       "full",
	JT_LEFT_SEMI:  "left semi",
	JT_LEFT_ANTI:  "left anti",
	JT_RIGHT_SEMI: "right semi",
	JT_RIGHT_ANTI: "right anti",
}

func (jt JoinType) String() string {
	if s, has := joinTypeToStr[jt]; has {
		return s
	}
	panic(fmt.Sprintf("usp %d", jt))
}

// AllJoinTypes lists every join type.
var AllJoinTypes = []JoinType{
	JT_INNER, JT_LEFT, JT_RIGHT, JT_FULL,
	JT_LEFT_SEMI, JT_LEFT_ANTI, JT_RIGHT_SEMI, JT_RIGHT_ANTI,
}

// outputsLeft reports whether the left columns are in the output.
func (jt JoinType) outputsLeft() bool {
	return jt != JT_RIGHT_SEMI && jt != JT_RIGHT_ANTI
}

func (jt JoinType) outputsRight() bool {
	return jt != JT_LEFT_SEMI && jt != JT_LEFT_ANTI
}

// emitsPairs reports whether matched pairs are output directly.
func (jt JoinType) emitsPairs() bool {
	return jt == JT_INNER || jt == JT_LEFT || jt == JT_RIGHT || jt == JT_FULL
}

// tracksBuild reports whether build rows remember a match.
func (jt JoinType) tracksBuild() bool {
	return jt == JT_LEFT || jt == JT_FULL || jt == JT_LEFT_SEMI || jt == JT_LEFT_ANTI
}

// tracksProbe reports whether probe rows need their match flag.
func (jt JoinType) tracksProbe() bool {
	return jt == JT_RIGHT || jt == JT_FULL || jt == JT_RIGHT_SEMI || jt == JT_RIGHT_ANTI
}

// NullableLeft reports whether left columns can be null padded.
func (jt JoinType) NullableLeft() bool {
	return jt == JT_RIGHT || jt == JT_FULL
}

func (jt JoinType) NullableRight() bool {
	return jt == JT_LEFT || jt == JT_FULL
}
