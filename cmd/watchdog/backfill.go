package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"chainWatchdog/internal/chain"
	"chainWatchdog/internal/config"
	"chainWatchdog/internal/decode"
	"chainWatchdog/internal/display"
	"chainWatchdog/internal/metrics"
	"chainWatchdog/internal/pipeline"
	"chainWatchdog/internal/source"
	"chainWatchdog/internal/storage"
)

func runBackfill(cmd *cobra.Command, _ []string) error {
	archive, _ := cmd.Flags().GetBool("archive")
	return runRange(cmd, true, archive)
}

func runIndex(cmd *cobra.Command, _ []string) error {
	return runRange(cmd, false, true)
}

// runRange walks a block range of one chain. With evaluate set the logs go
// through the pipeline; with archive set they are appended to the raw log JSONL.
func runRange(cmd *cobra.Command, evaluate, archive bool) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	logger, err := newLogger(cfg.LogLevel, cfg.LogFile)
	if err != nil {
		return err
	}
	defer logger.Sync()

	watched, err := cfg.Chain(cfg.Backfill.Chain)
	if err != nil {
		return err
	}
	topic0, err := config.ParseTopic0(cfg.Backfill.Topic0)
	if err != nil {
		return err
	}
	decoder, err := decode.NewERC20Decoder(watched.Kinds...)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	chainClient, err := chain.NewClient(ctx, watched.RPCURL)
	if err != nil {
		return fmt.Errorf("connect rpc: %w", err)
	}
	defer chainClient.Close()

	m := metrics.New()
	deps := source.BackfillDeps{Logger: logger, Metrics: m}
	if evaluate {
		deps.Decoder = decoder
		if cfg.Source.TokenMeta {
			deps.Enricher = decode.NewEnricher(chainClient, decode.NewTokenMetaCache(), logger)
		}
	}
	if archive {
		deps.Archive = storage.NewJsonlStorage(cfg.Out)
	}
	if len(topic0) == 0 {
		topic0 = decoder.Topics()
	}

	backfill, err := source.NewBackfill(source.BackfillConfig{
		Chain:             watched.Name,
		FromBlock:         cfg.Backfill.FromBlock,
		ToBlock:           cfg.Backfill.ToBlock,
		Addresses:         watched.Addresses,
		Topic0:            topic0,
		BatchSize:         cfg.Backfill.BatchSize,
		CheckpointPath:    cfg.Backfill.Checkpoint,
		CheckpointEnabled: cfg.Backfill.CheckpointEnabled,
		Retry:             cfg.RetryPolicy(),
	}, chainClient, deps)
	if err != nil {
		return err
	}

	logger.Info("backfill start",
		zap.String("chain", watched.Name),
		zap.Uint64("from", cfg.Backfill.FromBlock),
		zap.Uint64("to", cfg.Backfill.ToBlock),
		zap.Int("addresses", len(watched.Addresses)),
		zap.Int("topic0", len(topic0)),
		zap.Uint64("batch_size", cfg.Backfill.BatchSize),
		zap.Bool("evaluate", evaluate),
		zap.Bool("archive", archive),
		zap.String("out", cfg.Out),
		zap.Bool("checkpoint_enabled", cfg.Backfill.CheckpointEnabled),
		zap.String("checkpoint", cfg.Backfill.Checkpoint),
	)

	if !evaluate {
		return backfill.Run(ctx, nil)
	}

	p, closeSink, err := buildPipeline(ctx, cfg, logger, m)
	if err != nil {
		return err
	}
	defer closeSink()

	if err := p.Run(ctx, backfill); err != nil {
		return err
	}
	return printSummary(cfg, p)
}

// printSummary renders the final snapshot once to stdout.
func printSummary(cfg config.Config, p *pipeline.Pipeline) error {
	opts, err := cfg.DisplayOptions()
	if err != nil {
		return err
	}
	now := time.Now()
	return display.NewRenderer(opts, now).Render(os.Stdout, p.Store().Snapshot(), now)
}
