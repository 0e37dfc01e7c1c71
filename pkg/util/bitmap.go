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

package util

// Bitmap is a validity mask. A nil Bits means every row is valid.
type Bitmap struct {
	Bits []uint8
}

func (bm *Bitmap) Init(count int) {
	cnt := EntryCount(count)
	bm.Bits = make([]uint8, cnt)
	for i := range bm.Bits {
		bm.Bits[i] = 0xFF
	}
}

func (bm *Bitmap) Invalid() bool {
	return len(bm.Bits) == 0
}

func (bm *Bitmap) GetEntry(eIdx uint64) uint8 {
	if bm.Invalid() || eIdx >= uint64(len(bm.Bits)) {
		return 0xFF
	}
	return bm.Bits[eIdx]
}

func GetEntryIndex(idx uint64) (uint64, uint64) {
	return idx / 8, idx % 8
}

func EntryIsSet(e uint8, pos uint64) bool {
	return e&(1<<pos) != 0
}

func (bm *Bitmap) RowIsValid(idx uint64) bool {
	if bm.Invalid() {
		return true
	}
	eIdx, pos := GetEntryIndex(idx)
	return EntryIsSet(bm.GetEntry(eIdx), pos)
}

func (bm *Bitmap) Set(ridx uint64, valid bool) {
	if valid {
		bm.SetValid(ridx)
	} else {
		bm.SetInvalid(ridx)
	}
}

func (bm *Bitmap) SetValid(ridx uint64) {
	if bm.Invalid() {
		return
	}
	eIdx, pos := GetEntryIndex(ridx)
	if eIdx >= uint64(len(bm.Bits)) {
		return
	}
	bm.Bits[eIdx] |= 1 << pos
}

func (bm *Bitmap) SetInvalid(ridx uint64) {
	if bm.Invalid() {
		bm.Init(max(DefaultVectorSize, int(ridx)+1))
	}
	eIdx, pos := GetEntryIndex(ridx)
	if eIdx >= uint64(len(bm.Bits)) {
		bm.Resize(len(bm.Bits)*8, max(2*len(bm.Bits)*8, int(ridx)+1))
	}
	bm.Bits[eIdx] &= ^(1 << pos)
}

func (bm *Bitmap) Reset() {
	bm.Bits = nil
}

func EntryCount(cnt int) int {
	return (cnt + 7) / 8
}

func (bm *Bitmap) Bytes(count int) int {
	return EntryCount(count)
}

func (bm *Bitmap) Resize(old int, new int) {
	if new <= old {
		return
	}
	if bm.Bits != nil {
		ncnt := EntryCount(new)
		ocnt := len(bm.Bits)
		newData := make([]uint8, ncnt)
		copy(newData, bm.Bits)
		for i := ocnt; i < ncnt; i++ {
			newData[i] = 0xFF
		}
		bm.Bits = newData
	} else {
		bm.Init(new)
	}
}

func (bm *Bitmap) AllValid() bool {
	return bm.Invalid()
}

// CountInvalid counts null rows among the first count rows.
func (bm *Bitmap) CountInvalid(count int) int {
	if bm.Invalid() {
		return 0
	}
	cnt := 0
	for i := 0; i < count; i++ {
		if !bm.RowIsValid(uint64(i)) {
			cnt++
		}
	}
	return cnt
}

// Slice copies validity of [offset, offset+count) of other into bm.
func (bm *Bitmap) Slice(other *Bitmap, offset, count int) {
	bm.Bits = nil
	if other.AllValid() {
		return
	}
	for i := 0; i < count; i++ {
		if !other.RowIsValid(uint64(offset + i)) {
			if bm.Invalid() {
				bm.Init(count)
			}
			bm.SetInvalid(uint64(i))
		}
	}
}

func (bm *Bitmap) Clone() *Bitmap {
	ret := &Bitmap{}
	if bm.Bits != nil {
		ret.Bits = make([]uint8, len(bm.Bits))
		copy(ret.Bits, bm.Bits)
	}
	return ret
}
