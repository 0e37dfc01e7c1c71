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

	"github.com/Stars1233/datafusion/pkg/util"
)

// SpillPolicy picks the partition to spill when memory runs out.
// sizes are the resident bytes per partition. -1 means no partition
// holds anything.
type SpillPolicy interface {
	PickVictim(sizes []int64) int
}

type LargestFirstPolicy struct{}

func (LargestFirstPolicy) PickVictim(sizes []int64) int {
	victim := -1
	for i, sz := range sizes {
		if sz > 0 && (victim < 0 || sz > sizes[victim]) {
			victim = i
		}
	}
	return victim
}

// RoundRobinPolicy cycles through the non-empty partitions.
type RoundRobinPolicy struct {
	_next int
}

func (policy *RoundRobinPolicy) PickVictim(sizes []int64) int {
	for i := 0; i < len(sizes); i++ {
		idx := (policy._next + i) % len(sizes)
		if sizes[idx] > 0 {
			policy._next = idx + 1
			return idx
		}
	}
	return -1
}

func NewSpillPolicy(name string) SpillPolicy {
	switch name {
	case util.SpillPolicyLargest, "":
		return LargestFirstPolicy{}
	case util.SpillPolicyRoundRobin:
		return &RoundRobinPolicy{}
	default:
		panic(fmt.Sprintf("usp spill policy %s", name))
	}
}
