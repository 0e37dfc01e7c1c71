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

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/Stars1233/datafusion/pkg/fuzz"
	"github.com/Stars1233/datafusion/pkg/util"
)

func init() {
	cobra.OnInitialize(loadConfig)
	initRootFlags()
	initScenarioCmds()
}

var testerCfg = util.DefaultConfig()
var cfgFile string

///root cmd

var info = "tester runs random plans with and without a memory limit and compares them"
var RootCmd = &cobra.Command{
	Use:          "tester",
	Short:        "fuzz the execution operators",
	Long:         info,
	SilenceUsage: true,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("use tester --help or -h")
	},
}

func initRootFlags() {
	flags := RootCmd.PersistentFlags()
	def := util.DefaultConfig()
	flags.StringVar(&cfgFile, "config", "", "config file. defaults to tester.toml in . or etc/tester")

	flags.Int64("memory_limit", 1<<20, "memory limit in bytes of the bounded run")
	flags.Int("batch_size", def.Exec.BatchSize, "rows per output batch")
	flags.String("temp_dir", def.Exec.TempDir, "spill directory")
	flags.Int("target_partitions", def.Exec.TargetPartitions, "partitions of planned repartitions")
	flags.Int("hash_partitions", def.Exec.HashPartitions, "spill partitions of hash operators")
	flags.String("spill_policy", def.Exec.SpillPolicy, "victim policy. largest, roundrobin")
	flags.String("spill_compression", def.Exec.SpillCompression, "spill codec. none, snappy, zstd")
	flags.Int("max_merge_fan_in", def.Exec.MaxMergeFanIn, "spill files merged at once")
	flags.Int("max_join_recursion", def.Exec.MaxJoinRecursion, "levels a join partition may spill")
	flags.Bool("dynamic_filter", def.Exec.EnableDynamicFilter, "let top-k prune scans")

	flags.Int64("seed", def.Fuzz.Seed, "seed of the first round")
	flags.Int("rounds", def.Fuzz.Rounds, "rounds per scenario")
	flags.Int("rows", def.Fuzz.Rows, "input rows per round")
	flags.Int("batch_rows", def.Fuzz.BatchRows, "rows per input batch")

	flags.Bool("print_plan", false, "log every plan")
	flags.Bool("print_result", false, "log every result")
	flags.Int("max_output_row_count", def.Debug.MaxOutputRowCount, "rows logged per result. -1 is all")
	flags.String("log_level", def.Debug.LogLevel, "debug, info, warn, error")

	bind := map[string]string{
		"exec.memoryLimit":         "memory_limit",
		"exec.batchSize":           "batch_size",
		"exec.tempDir":             "temp_dir",
		"exec.targetPartitions":    "target_partitions",
		"exec.hashPartitions":      "hash_partitions",
		"exec.spillPolicy":         "spill_policy",
		"exec.spillCompression":    "spill_compression",
		"exec.maxMergeFanIn":       "max_merge_fan_in",
		"exec.maxJoinRecursion":    "max_join_recursion",
		"exec.enableDynamicFilter": "dynamic_filter",
		"fuzz.seed":                "seed",
		"fuzz.rounds":              "rounds",
		"fuzz.rows":                "rows",
		"fuzz.batchRows":           "batch_rows",
		"debug.printPlan":          "print_plan",
		"debug.printResult":        "print_result",
		"debug.maxOutputRowCount":  "max_output_row_count",
		"debug.logLevel":           "log_level",
	}
	for key, flag := range bind {
		viper.BindPFlag(key, flags.Lookup(flag))
	}
}

func initExecOptions() {
	testerCfg.Exec.MemoryLimit = viper.GetInt64("exec.memoryLimit")
	testerCfg.Exec.BatchSize = viper.GetInt("exec.batchSize")
	testerCfg.Exec.TempDir = viper.GetString("exec.tempDir")
	testerCfg.Exec.TargetPartitions = viper.GetInt("exec.targetPartitions")
	testerCfg.Exec.HashPartitions = viper.GetInt("exec.hashPartitions")
	testerCfg.Exec.SpillPolicy = viper.GetString("exec.spillPolicy")
	testerCfg.Exec.SpillCompression = viper.GetString("exec.spillCompression")
	testerCfg.Exec.MaxMergeFanIn = viper.GetInt("exec.maxMergeFanIn")
	testerCfg.Exec.MaxJoinRecursion = viper.GetInt("exec.maxJoinRecursion")
	testerCfg.Exec.EnableDynamicFilter = viper.GetBool("exec.enableDynamicFilter")
}

func initFuzzOptions() {
	testerCfg.Fuzz.Seed = viper.GetInt64("fuzz.seed")
	testerCfg.Fuzz.Rounds = viper.GetInt("fuzz.rounds")
	testerCfg.Fuzz.Rows = viper.GetInt("fuzz.rows")
	testerCfg.Fuzz.BatchRows = viper.GetInt("fuzz.batchRows")
}

func initDebugOptions() {
	testerCfg.Debug.PrintPlan = viper.GetBool("debug.printPlan")
	testerCfg.Debug.PrintResult = viper.GetBool("debug.printResult")
	testerCfg.Debug.MaxOutputRowCount = viper.GetInt("debug.maxOutputRowCount")
	testerCfg.Debug.LogLevel = viper.GetString("debug.logLevel")
}

//scenario cmds

func initScenarioCmds() {
	all := make([]string, 0, len(fuzz.Scenarios))
	for _, sc := range fuzz.Scenarios {
		all = append(all, sc.Name)
		RootCmd.AddCommand(&cobra.Command{
			Use:   sc.Name,
			Short: fmt.Sprintf("fuzz the %s scenario", sc.Name),
			RunE: func(cmd *cobra.Command, args []string) error {
				return runScenarios(cmd.Context(), sc.Name)
			},
		})
	}
	RootCmd.AddCommand(&cobra.Command{
		Use:   "all",
		Short: "fuzz every scenario",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScenarios(cmd.Context(), all...)
		},
	})
}

func runScenarios(ctx context.Context, names ...string) error {
	initExecOptions()
	initFuzzOptions()
	initDebugOptions()
	if err := util.SetLevel(testerCfg.Debug.LogLevel); err != nil {
		return err
	}
	defer util.Sync()
	reports, err := fuzz.Run(ctx, testerCfg, names...)
	for _, report := range reports {
		fmt.Println(report)
	}
	return err
}

var defCfgFilePaths = []string{".", "etc/tester"}
var cfgFileName = "tester.toml"

func loadConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
		if err := viper.ReadInConfig(); err != nil {
			util.Error("viper load config file failed",
				zap.String("fpath", cfgFile),
				zap.Error(err))
			os.Exit(1)
		}
		return
	}
	for _, dirPath := range defCfgFilePaths {
		fpath := filepath.Join(dirPath, cfgFileName)
		if util.FileIsValid(fpath) {
			viper.SetConfigFile(fpath)
			err := viper.ReadInConfig()
			if err != nil {
				util.Error("viper load config file failed",
					zap.String("fpath", fpath),
					zap.Error(err))
				continue
			}
			return
		}
	}
	util.Info("tester.toml does not exist. use flags and defaults")
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if err := RootCmd.ExecuteContext(ctx); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
