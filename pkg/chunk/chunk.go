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
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/Stars1233/datafusion/pkg/common"
	"github.com/Stars1233/datafusion/pkg/util"
)

// Chunk is a batch of rows stored column by column. All columns
// hold Count rows.
type Chunk struct {
	Data  []*Vector
	Count int
	_Cap  int
}

func NewChunk(types []common.LType, cap int) *Chunk {
	c := &Chunk{}
	c.Init(types, cap)
	return c
}

func NewChunkFromVectors(count int, vecs ...*Vector) *Chunk {
	c := &Chunk{
		Data:  vecs,
		Count: count,
		_Cap:  count,
	}
	return c
}

func (c *Chunk) Init(types []common.LType, cap int) {
	c._Cap = cap
	c.Count = 0
	c.Data = nil
	for _, lType := range types {
		c.Data = append(c.Data, NewVector(lType, c._Cap))
	}
}

func (c *Chunk) Reset() {
	if len(c.Data) == 0 {
		return
	}
	for _, vec := range c.Data {
		vec.Init(c._Cap)
	}
	c.Count = 0
}

func (c *Chunk) Cap() int {
	return c._Cap
}

func (c *Chunk) SetCap(cap int) {
	c._Cap = cap
}

func (c *Chunk) SetCard(count int) {
	util.AssertFunc(count <= c._Cap)
	c.Count = count
}

func (c *Chunk) Card() int {
	return c.Count
}

func (c *Chunk) ColumnCount() int {
	if c == nil {
		return 0
	}
	return len(c.Data)
}

func (c *Chunk) Types() []common.LType {
	ret := make([]common.LType, len(c.Data))
	for i, vec := range c.Data {
		ret[i] = vec.Typ()
	}
	return ret
}

func (c *Chunk) Reference(other *Chunk) {
	util.AssertFunc(other.ColumnCount() <= c.ColumnCount())
	c.SetCap(other.Cap())
	c.SetCard(other.Card())
	for i := 0; i < other.ColumnCount(); i++ {
		c.Data[i].Reference(other.Data[i])
	}
}

// Slice copies the rows of other picked by sel into c starting at
// column colOffset. c owns its data afterwards.
func (c *Chunk) Slice(other *Chunk, sel *SelectVector, count int, colOffset int) {
	util.AssertFunc(other.ColumnCount() <= colOffset+c.ColumnCount())
	if count > c._Cap {
		c._Cap = count
	}
	c.SetCard(count)
	for i := 0; i < other.ColumnCount(); i++ {
		vec := NewVector(other.Data[i].Typ(), count)
		vec.Copy(other.Data[i], sel, count, 0)
		c.Data[i+colOffset] = vec
	}
}

// SliceRange copies rows [offset, offset+count) of other.
func (c *Chunk) SliceRange(other *Chunk, offset, count int) {
	c.Slice(other, NewSelectVector2(offset, count), count, 0)
}

// Append copies the rows of other picked by sel to the tail of c.
// The capacity grows as needed.
func (c *Chunk) Append(other *Chunk, sel *SelectVector, count int) {
	util.AssertFunc(other.ColumnCount() == c.ColumnCount())
	if c.Count+count > c._Cap {
		c._Cap = max(c.Count+count, 2*c._Cap)
	}
	for i := 0; i < c.ColumnCount(); i++ {
		c.Data[i].Resize(c._Cap)
		c.Data[i].Copy(other.Data[i], sel, count, c.Count)
	}
	c.Count += count
}

func (c *Chunk) AppendAll(other *Chunk) {
	c.Append(other, &SelectVector{}, other.Card())
}

func (c *Chunk) AppendRow(vals []*Value) {
	util.AssertFunc(len(vals) == c.ColumnCount())
	if c.Count+1 > c._Cap {
		c._Cap = max(c.Count+1, 2*c._Cap)
	}
	for i, val := range vals {
		c.Data[i].Resize(c._Cap)
		c.Data[i].SetValue(c.Count, val)
	}
	c.Count++
}

func (c *Chunk) Row(idx int) []*Value {
	ret := make([]*Value, c.ColumnCount())
	for i := range ret {
		ret[i] = c.Data[i].GetValue(idx)
	}
	return ret
}

// Project references the columns in indice.
func (c *Chunk) Project(indice []int) *Chunk {
	ret := &Chunk{
		Data:  make([]*Vector, len(indice)),
		Count: c.Count,
		_Cap:  c._Cap,
	}
	for i, idx := range indice {
		ret.Data[i] = c.Data[idx]
	}
	return ret
}

func (c *Chunk) Copy() *Chunk {
	ret := NewChunk(c.Types(), c.Card())
	ret.AppendAll(c)
	return ret
}

// Hash fills result with the row hashes over all columns.
func (c *Chunk) Hash(result []uint64) {
	util.AssertFunc(len(result) >= c.Card())
	if c.ColumnCount() == 0 {
		for i := 0; i < c.Card(); i++ {
			result[i] = 0
		}
		return
	}
	HashTypeSwitch(c.Data[0], result, c.Card(), false)
	for i := 1; i < c.ColumnCount(); i++ {
		HashTypeSwitch(c.Data[i], result, c.Card(), true)
	}
}

// MemorySize is the estimate used by memory reservations.
func (c *Chunk) MemorySize() int64 {
	sz := int64(0)
	for _, vec := range c.Data {
		sz += vec.MemorySize(c.Count)
	}
	return sz
}

func (c *Chunk) Print() {
	fmt.Print(c.String())
}

func (c *Chunk) String() string {
	sb := strings.Builder{}
	for i := 0; i < c.Card(); i++ {
		for j := 0; j < c.ColumnCount(); j++ {
			if j > 0 {
				sb.WriteString("\t")
			}
			sb.WriteString(c.Data[j].GetValue(i).String())
		}
		sb.WriteString("\n")
	}
	return sb.String()
}

func (c *Chunk) Serialize(serial util.Serialize) error {
	//save row count
	err := util.Write[uint32](uint32(c.Card()), serial)
	if err != nil {
		return err
	}
	//save column count
	err = util.Write[uint32](uint32(c.ColumnCount()), serial)
	if err != nil {
		return err
	}
	//save column types
	for i := 0; i < c.ColumnCount(); i++ {
		err = c.Data[i].Typ().Serialize(serial)
		if err != nil {
			return err
		}
	}
	//save column data
	for i := 0; i < c.ColumnCount(); i++ {
		err = c.Data[i].Serialize(c.Card(), serial)
		if err != nil {
			return err
		}
	}
	return nil
}

// Deserialize returns io.EOF when the source is exhausted before
// the row count.
func (c *Chunk) Deserialize(deserial util.Deserialize) error {
	//read row count
	rowCnt := uint32(0)
	err := util.Read[uint32](&rowCnt, deserial)
	if err != nil {
		return err
	}
	//read column count
	colCnt := uint32(0)
	err = util.Read[uint32](&colCnt, deserial)
	if err != nil {
		return unexpectedEOF(err)
	}
	//read column types
	typs := make([]common.LType, colCnt)
	for i := uint32(0); i < colCnt; i++ {
		typs[i], err = common.DeserializeLType(deserial)
		if err != nil {
			return unexpectedEOF(err)
		}
	}
	c.Init(typs, int(rowCnt))
	c.SetCard(int(rowCnt))
	//read column data
	for i := uint32(0); i < colCnt; i++ {
		err = c.Data[i].Deserialize(int(rowCnt), deserial)
		if err != nil {
			return unexpectedEOF(err)
		}
	}
	return nil
}

func unexpectedEOF(err error) error {
	if errors.Is(err, io.EOF) {
		return io.ErrUnexpectedEOF
	}
	return err
}

// Concat merges chunks of the same schema into one.
func Concat(types []common.LType, chunks []*Chunk) *Chunk {
	total := 0
	for _, c := range chunks {
		total += c.Card()
	}
	ret := NewChunk(types, max(total, 1))
	for _, c := range chunks {
		ret.AppendAll(c)
	}
	return ret
}

// Split cuts c into chunks of at most size rows.
func Split(c *Chunk, size int) []*Chunk {
	ret := make([]*Chunk, 0)
	for _, rg := range util.Chunked(c.Card(), size) {
		part := NewChunk(c.Types(), rg.Second-rg.First)
		part.SliceRange(c, rg.First, rg.Second-rg.First)
		ret = append(ret, part)
	}
	return ret
}
