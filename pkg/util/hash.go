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

import (
	"encoding/binary"
	"math"
)

const (
	M    uint64 = 0xc6a4a7935bd1e995
	SEED uint64 = 0xe17a1465
	R    uint64 = 47
)

// HashBytes is murmur64 over the bytes.
func HashBytes(data []byte) uint64 {
	l := uint64(len(data))
	h := SEED ^ (l * M)

	nBlocks := l / 8
	for i := uint64(0); i < nBlocks; i++ {
		k := binary.LittleEndian.Uint64(data[i*8:])
		k *= M
		k ^= k >> R
		k *= M

		h ^= k
		h *= M
	}
	tail := data[nBlocks*8:]
	switch l & 7 {
	case 7:
		h ^= uint64(tail[6]) << 48
		fallthrough
	case 6:
		h ^= uint64(tail[5]) << 40
		fallthrough
	case 5:
		h ^= uint64(tail[4]) << 32
		fallthrough
	case 4:
		h ^= uint64(tail[3]) << 24
		fallthrough
	case 3:
		h ^= uint64(tail[2]) << 16
		fallthrough
	case 2:
		h ^= uint64(tail[1]) << 8
		fallthrough
	case 1:
		h ^= uint64(tail[0])
		h *= M
	}
	h ^= h >> R
	h *= M
	h ^= h >> R
	return h
}

func HashString(s string) uint64 {
	return HashBytes(UnsafeStringToBytes(s))
}

// HashU64 is the murmur finalizer.
func HashU64(x uint64) uint64 {
	x ^= x >> 32
	x *= 0xd6e8feb86659fd93
	x ^= x >> 32
	x *= 0xd6e8feb86659fd93
	x ^= x >> 32
	return x
}

// HashPartition maps a hash to one of n partitions. Operators stacked
// on each other partition with different seeds.
func HashPartition(hash uint64, seed uint64, n int) int {
	return int(HashU64(hash^seed) % uint64(n))
}

func HashF64(f float64) uint64 {
	if f == 0 {
		//-0.0 and 0.0
		f = 0
	}
	if math.IsNaN(f) {
		return HashU64(0x7ff8000000000001)
	}
	return HashU64(math.Float64bits(f))
}

func ChecksumU64(x uint64) uint64 {
	return x * 0xbf58476d1ce4e5b9
}

func Checksum(buffer []byte) uint64 {
	result := uint64(5381)
	l := len(buffer) / 8
	i := 0
	for i = 0; i < l; i++ {
		result ^= ChecksumU64(binary.LittleEndian.Uint64(buffer[i*8:]))
	}
	if len(buffer)%8 > 0 {
		result ^= HashBytes(buffer[i*8:])
	}
	return result
}
