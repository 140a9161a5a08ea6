package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"chainWatchdog/internal/config"
)

func main() {
	root := &cobra.Command{
		Use:          "watchdog",
		Short:        "EVM contract event watchdog",
		SilenceUsage: true,
	}

	root.PersistentFlags().String("config", "", "config file path")
	root.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	root.PersistentFlags().String("log-file", "", "write logs to this file instead of stderr")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Watch configured contracts live and alert on rule hits",
		RunE:  runWatch,
	}
	runCmd.Flags().Bool("display", true, "render the terminal dashboard")
	runCmd.Flags().String("status-addr", "", "serve /healthz, /snapshot and /metrics on this address")
	addPipelineFlags(runCmd)
	root.AddCommand(runCmd)

	backfillCmd := &cobra.Command{
		Use:   "backfill",
		Short: "Run rules over a historical block range",
		RunE:  runBackfill,
	}
	addRangeFlags(backfillCmd)
	addPipelineFlags(backfillCmd)
	backfillCmd.Flags().Bool("archive", false, "also append raw logs to --out")
	backfillCmd.Flags().String("out", "./data/logs.jsonl", "raw log archive path")
	root.AddCommand(backfillCmd)

	indexCmd := &cobra.Command{
		Use:   "index",
		Short: "Export raw logs of a block range to JSONL for later replay",
		RunE:  runIndex,
	}
	addRangeFlags(indexCmd)
	indexCmd.Flags().String("out", "./data/logs.jsonl", "output JSONL path")
	root.AddCommand(indexCmd)

	replayCmd := &cobra.Command{
		Use:   "replay",
		Short: "Run rules over a raw log JSONL file",
		RunE:  runReplay,
	}
	replayCmd.Flags().String("in", "", "input raw logs JSONL")
	addPipelineFlags(replayCmd)
	root.AddCommand(replayCmd)

	checkCmd := &cobra.Command{
		Use:   "check-config",
		Short: "Validate the configuration and print what would be watched",
		RunE:  runCheckConfig,
	}
	root.AddCommand(checkCmd)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func addRangeFlags(cmd *cobra.Command) {
	cmd.Flags().String("chain", "", "chain name (required when several are configured)")
	cmd.Flags().Uint64("from", 0, "start block (inclusive)")
	cmd.Flags().Uint64("to", 0, "end block (inclusive), 0 means latest")
	cmd.Flags().StringSlice("topic0", nil, "topic0 filter (comma-separated), defaults to the decoded events")
	cmd.Flags().Uint64("batch-size", 2000, "blocks per batch")
	cmd.Flags().String("checkpoint", "./data/checkpoint.json", "checkpoint file path")
	cmd.Flags().Bool("checkpoint-enabled", true, "enable checkpointing")
	cmd.Flags().Int("max-retries", 5, "maximum retry attempts")
	cmd.Flags().Duration("retry-backoff", 500*time.Millisecond, "initial retry backoff")
}

func addPipelineFlags(cmd *cobra.Command) {
	cmd.Flags().String("min-severity", "", "minimum severity that notifies")
	cmd.Flags().String("shutdown", "", "on shutdown, drain or abort queued events")
	cmd.Flags().String("audit-sink", "", "record findings to none, jsonl or postgres")
	cmd.Flags().String("audit-path", "", "findings JSONL path")
	cmd.Flags().String("pg-dsn", "", "Postgres DSN for findings")
}

// loadConfig reads and validates the configuration for cmd.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	cfgFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(cfgFile, cmd.Flags())
	if err != nil {
		return config.Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func newLogger(level, file string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevel()
	if err := cfg.Level.UnmarshalText([]byte(level)); err != nil {
		return nil, err
	}

	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	if file != "" {
		if err := os.MkdirAll(filepath.Dir(file), 0o755); err != nil {
			return nil, fmt.Errorf("create log dir: %w", err)
		}
		cfg.OutputPaths = []string{file}
		cfg.ErrorOutputPaths = []string{file}
	}

	return cfg.Build()
}
