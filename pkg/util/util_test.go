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
	"errors"
	"io"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBitmap(t *testing.T) {
	bm := Bitmap{}
	assert.True(t, bm.AllValid())
	assert.True(t, bm.RowIsValid(100))
	bm.SetInvalid(3)
	assert.False(t, bm.RowIsValid(3))
	assert.True(t, bm.RowIsValid(4))
	bm.SetInvalid(5000)
	assert.False(t, bm.RowIsValid(5000))
	assert.Equal(t, 1, bm.CountInvalid(10))

	sl := Bitmap{}
	sl.Slice(&bm, 2, 4)
	assert.True(t, sl.RowIsValid(0))
	assert.False(t, sl.RowIsValid(1))
	bm.SetValid(3)
	assert.True(t, bm.RowIsValid(3))
}

func TestHash(t *testing.T) {
	assert.Equal(t, HashString("abcdefghij"), HashBytes([]byte("abcdefghij")))
	assert.NotEqual(t, HashString("a"), HashString("b"))
	assert.Equal(t, HashF64(0.0), HashF64(math.Copysign(0, -1)))
	assert.Equal(t, HashF64(math.NaN()), HashF64(math.NaN()))
	assert.NotEqual(t, Checksum([]byte("hello world")), Checksum([]byte("hello worle")))
}

func TestCompareFloat(t *testing.T) {
	assert.Equal(t, 1, CompareFloat(math.NaN(), math.Inf(1)))
	assert.Equal(t, -1, CompareFloat(1.0, math.NaN()))
	assert.Equal(t, 0, CompareFloat(math.NaN(), math.NaN()))
	assert.Equal(t, -1, CompareFloat(-2.0, 1.0))
}

func TestSerialize(t *testing.T) {
	path := filepath.Join(t.TempDir(), "serial")
	serial, err := NewFileSerialize(path)
	require.NoError(t, err)
	require.NoError(t, Write[int64](-42, serial))
	require.NoError(t, WriteString("datafusion", serial))
	require.NoError(t, WriteBytes([]byte{1, 2, 3}, serial))
	require.NoError(t, Write[float64](3.5, serial))
	require.NoError(t, serial.Close())

	deserial, err := NewFileDeserialize(path)
	require.NoError(t, err)
	defer deserial.Close()
	var i int64
	require.NoError(t, Read[int64](&i, deserial))
	assert.Equal(t, int64(-42), i)
	s, err := ReadString(deserial)
	require.NoError(t, err)
	assert.Equal(t, "datafusion", s)
	b, err := ReadBytes(deserial)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, b)
	var f float64
	require.NoError(t, Read[float64](&f, deserial))
	assert.Equal(t, 3.5, f)
	err = Read[float64](&f, deserial)
	assert.ErrorIs(t, err, io.EOF)
}

func TestConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cfg.toml")
	content := `
[exec]
memoryLimit = 1048576
batchSize = 1024
tempDir = "/tmp"
targetPartitions = 8
hashPartitions = 4
spillPolicy = "roundrobin"
spillCompression = "zstd"
maxMergeFanIn = 3
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, int64(1048576), cfg.Exec.MemoryLimit)
	assert.Equal(t, 1024, cfg.Exec.BatchSize)
	assert.Equal(t, SpillPolicyRoundRobin, cfg.Exec.SpillPolicy)
	assert.Equal(t, SpillCodecZstd, cfg.Exec.SpillCompression)
	assert.Equal(t, 3, cfg.Exec.MaxMergeFanIn)
	//untouched defaults
	assert.Equal(t, 3, cfg.Exec.MaxJoinRecursion)

	cfg.Exec.SpillPolicy = "random"
	assert.Error(t, cfg.Validate())

	_, err = LoadConfig(filepath.Join(t.TempDir(), "missing.toml"))
	assert.Error(t, err)
}

func TestFaults(t *testing.T) {
	boom := errors.New("boom")
	RegisterFault(FAULTS_SCOPE_SPILL, FaultSpillWrite, nil, func([]string) error { return boom })
	//not armed yet
	assert.NoError(t, InjectFault(FAULTS_SCOPE_SPILL, FaultSpillWrite))

	OpenFaults(FAULTS_SCOPE_SPILL)
	defer CloseFaults(FAULTS_SCOPE_SPILL)
	RegisterFault(FAULTS_SCOPE_SPILL, FaultSpillWrite, []string{"x"}, func(args []string) error {
		assert.Equal(t, []string{"x"}, args)
		return boom
	})
	assert.ErrorIs(t, InjectFault(FAULTS_SCOPE_SPILL, FaultSpillWrite), boom)
	UnregisterFault(FAULTS_SCOPE_SPILL, FaultSpillWrite)
	assert.NoError(t, InjectFault(FAULTS_SCOPE_SPILL, FaultSpillWrite))
}

func TestChunked(t *testing.T) {
	ranges := Chunked(10, 4)
	assert.Equal(t, []Pair[int, int]{{0, 4}, {4, 8}, {8, 10}}, ranges)
	assert.Empty(t, Chunked(0, 4))
}
