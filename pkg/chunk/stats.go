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

package chunk

import (
	"github.com/Stars1233/datafusion/pkg/common"
)

// ColumnStats summarizes one column of a batch. Min and Max are nil
// when every row is null.
type ColumnStats struct {
	Min       *Value
	Max       *Value
	NullCount int
	RowCount  int
}

func (stats *ColumnStats) Update(val *Value) {
	stats.RowCount++
	if val.IsNull {
		stats.NullCount++
		return
	}
	if stats.Min == nil || val.Compare(stats.Min) < 0 {
		stats.Min = val.Copy()
	}
	if stats.Max == nil || val.Compare(stats.Max) > 0 {
		stats.Max = val.Copy()
	}
}

// Merge folds other into stats.
func (stats *ColumnStats) Merge(other *ColumnStats) {
	stats.RowCount += other.RowCount
	stats.NullCount += other.NullCount
	if other.Min != nil && (stats.Min == nil || other.Min.Compare(stats.Min) < 0) {
		stats.Min = other.Min.Copy()
	}
	if other.Max != nil && (stats.Max == nil || other.Max.Compare(stats.Max) > 0) {
		stats.Max = other.Max.Copy()
	}
}

func (stats *ColumnStats) AllNull() bool {
	return stats.RowCount == stats.NullCount
}

func ComputeStats(c *Chunk) []ColumnStats {
	ret := make([]ColumnStats, c.ColumnCount())
	for j, vec := range c.Data {
		for i := 0; i < c.Card(); i++ {
			ret[j].Update(vec.GetValue(i))
		}
	}
	return ret
}

// Schema names the columns of a stream.
type Field struct {
	Name     string
	Typ      common.LType
	Nullable bool
}

type Schema struct {
	Fields []Field
}

func NewSchema(fields ...Field) *Schema {
	return &Schema{Fields: fields}
}

func (s *Schema) Types() []common.LType {
	ret := make([]common.LType, len(s.Fields))
	for i, f := range s.Fields {
		ret[i] = f.Typ
	}
	return ret
}

func (s *Schema) Len() int {
	return len(s.Fields)
}

// Index returns -1 if no field has the name.
func (s *Schema) Index(name string) int {
	for i, f := range s.Fields {
		if f.Name == name {
			return i
		}
	}
	return -1
}

func (s *Schema) Project(indice []int) *Schema {
	ret := &Schema{Fields: make([]Field, len(indice))}
	for i, idx := range indice {
		ret.Fields[i] = s.Fields[idx]
	}
	return ret
}

func (s *Schema) Concat(o *Schema) *Schema {
	ret := &Schema{Fields: make([]Field, 0, len(s.Fields)+len(o.Fields))}
	ret.Fields = append(ret.Fields, s.Fields...)
	ret.Fields = append(ret.Fields, o.Fields...)
	return ret
}

// Match checks the types of c against the schema.
func (s *Schema) Match(c *Chunk) bool {
	if c.ColumnCount() != len(s.Fields) {
		return false
	}
	for i, f := range s.Fields {
		if !f.Typ.Equal(c.Data[i].Typ()) {
			return false
		}
	}
	return true
}
