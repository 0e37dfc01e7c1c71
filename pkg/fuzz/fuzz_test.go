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

package fuzz

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Stars1233/datafusion/pkg/util"
)

func fuzzConfig(t *testing.T) *util.Config {
	cfg := util.DefaultConfig()
	cfg.Exec.TempDir = t.TempDir()
	cfg.Exec.BatchSize = 128
	cfg.Exec.HashPartitions = 8
	cfg.Exec.TargetPartitions = 3
	cfg.Exec.MemoryLimit = 64 << 10
	cfg.Exec.SpillCompression = util.SpillCodecSnappy
	cfg.Fuzz.Rounds = 2
	cfg.Fuzz.Rows = 2000
	cfg.Fuzz.BatchRows = 100
	return cfg
}

func TestRunAllScenarios(t *testing.T) {
	cfg := fuzzConfig(t)
	names := make([]string, 0, len(Scenarios))
	for _, sc := range Scenarios {
		names = append(names, sc.Name)
	}
	reports, err := Run(context.Background(), cfg, names...)
	require.NoError(t, err)
	require.Len(t, reports, len(Scenarios))
	for _, report := range reports {
		assert.Equal(t, cfg.Fuzz.Rounds, report.Rounds, report.String())
	}
	entries, err := os.ReadDir(cfg.Exec.TempDir)
	require.NoError(t, err)
	assert.Empty(t, entries, "spill directories are removed")
}

func TestRunUnknownScenario(t *testing.T) {
	_, err := Run(context.Background(), fuzzConfig(t), "sort", "nope")
	assert.ErrorContains(t, err, `unknown scenario "nope"`)
}

func TestRunInvalidConfig(t *testing.T) {
	cfg := fuzzConfig(t)
	cfg.Exec.SpillPolicy = "random"
	_, err := Run(context.Background(), cfg, "sort")
	assert.Error(t, err)
}
