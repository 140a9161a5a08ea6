package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"chainWatchdog/internal/decode"
	"chainWatchdog/internal/metrics"
	"chainWatchdog/internal/source"
)

func runReplay(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if cfg.In == "" {
		return fmt.Errorf("input path is required")
	}

	logger, err := newLogger(cfg.LogLevel, cfg.LogFile)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	decoder, err := decode.NewERC20Decoder()
	if err != nil {
		return err
	}
	m := metrics.New()
	replay, err := source.NewReplay(cfg.In, cfg.ChainNames(), decoder, logger, m)
	if err != nil {
		return err
	}

	p, closeSink, err := buildPipeline(ctx, cfg, logger, m)
	if err != nil {
		return err
	}
	defer closeSink()

	logger.Info("replay start", zap.String("in", cfg.In))
	if err := p.Run(ctx, replay); err != nil {
		return err
	}
	return printSummary(cfg, p)
}
