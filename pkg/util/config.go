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
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

const (
	SpillPolicyLargest    = "largest"
	SpillPolicyRoundRobin = "roundrobin"

	SpillCodecNone   = "none"
	SpillCodecSnappy = "snappy"
	SpillCodecZstd   = "zstd"
)

type ExecOptions struct {
	//bytes. <= 0 means unbounded
	MemoryLimit int64 `toml:"memoryLimit"`
	//target rows per output batch
	BatchSize int    `toml:"batchSize"`
	TempDir   string `toml:"tempDir"`
	//partitions of repartition operators planned by the builder
	TargetPartitions int `toml:"targetPartitions"`
	//spill partitions of hash aggregate and hash join
	HashPartitions   int    `toml:"hashPartitions"`
	SpillPolicy      string `toml:"spillPolicy"`
	SpillCompression string `toml:"spillCompression"`
	//frames decoded ahead of the consumer
	SpillReadAhead      int  `toml:"spillReadAhead"`
	MaxMergeFanIn       int  `toml:"maxMergeFanIn"`
	MaxJoinRecursion    int  `toml:"maxJoinRecursion"`
	EnableDynamicFilter bool `toml:"enableDynamicFilter"`
}

type DebugOptions struct {
	PrintPlan         bool   `toml:"printPlan"`
	PrintResult       bool   `toml:"printResult"`
	MaxOutputRowCount int    `toml:"maxOutputRowCount"`
	LogLevel          string `toml:"logLevel"`
}

type FuzzOptions struct {
	Seed      int64 `toml:"seed"`
	Rounds    int   `toml:"rounds"`
	Rows      int   `toml:"rows"`
	BatchRows int   `toml:"batchRows"`
}

type Config struct {
	Exec  ExecOptions  `toml:"exec"`
	Debug DebugOptions `toml:"debug"`
	Fuzz  FuzzOptions  `toml:"fuzz"`
}

func DefaultConfig() *Config {
	return &Config{
		Exec: ExecOptions{
			MemoryLimit:         0,
			BatchSize:           DefaultVectorSize,
			TempDir:             os.TempDir(),
			TargetPartitions:    4,
			HashPartitions:      16,
			SpillPolicy:         SpillPolicyLargest,
			SpillCompression:    SpillCodecNone,
			SpillReadAhead:      2,
			MaxMergeFanIn:       64,
			MaxJoinRecursion:    3,
			EnableDynamicFilter: true,
		},
		Debug: DebugOptions{
			MaxOutputRowCount: -1,
			LogLevel:          "info",
		},
		Fuzz: FuzzOptions{
			Seed:      1,
			Rounds:    10,
			Rows:      10000,
			BatchRows: 512,
		},
	}
}

// LoadConfig decodes a toml file over the defaults.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	if !FileIsValid(path) {
		return nil, fmt.Errorf("config file %s does not exist", path)
	}
	_, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("decode config %s: %w", path, err)
	}
	if err = cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (cfg *Config) Validate() error {
	exec := &cfg.Exec
	if exec.BatchSize <= 0 {
		return fmt.Errorf("invalid batch size %d", exec.BatchSize)
	}
	if exec.TargetPartitions <= 0 {
		return fmt.Errorf("invalid target partitions %d", exec.TargetPartitions)
	}
	if exec.HashPartitions <= 0 {
		return fmt.Errorf("invalid hash partitions %d", exec.HashPartitions)
	}
	switch exec.SpillPolicy {
	case SpillPolicyLargest, SpillPolicyRoundRobin:
	default:
		return fmt.Errorf("unknown spill policy %q", exec.SpillPolicy)
	}
	switch exec.SpillCompression {
	case SpillCodecNone, SpillCodecSnappy, SpillCodecZstd, "":
	default:
		return fmt.Errorf("unknown spill compression %q", exec.SpillCompression)
	}
	if exec.SpillReadAhead <= 0 {
		exec.SpillReadAhead = 1
	}
	if exec.MaxMergeFanIn < 2 {
		return fmt.Errorf("merge fan-in must be at least 2, got %d", exec.MaxMergeFanIn)
	}
	if exec.MaxJoinRecursion < 0 {
		return fmt.Errorf("invalid join recursion %d", exec.MaxJoinRecursion)
	}
	return nil
}
