package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/thejerf/suture/v4"
	"go.uber.org/zap"

	"chainWatchdog/internal/chain"
	"chainWatchdog/internal/config"
	"chainWatchdog/internal/decode"
	"chainWatchdog/internal/display"
	"chainWatchdog/internal/metrics"
	"chainWatchdog/internal/source"
	"chainWatchdog/internal/statusapi"
)

const defaultDashboardLog = "./data/watchdog.log"

func runWatch(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("status-addr") {
		cfg.Status.Enabled = true
	}

	// The dashboard owns the terminal, so logs go to a file.
	logFile := cfg.LogFile
	if cfg.Display.Enabled && logFile == "" {
		logFile = defaultDashboardLog
	}
	logger, err := newLogger(cfg.LogLevel, logFile)
	if err != nil {
		return err
	}
	defer logger.Sync()

	chains, err := cfg.WatchedChains()
	if err != nil {
		return err
	}
	if len(chains) == 0 {
		return fmt.Errorf("no contracts configured on an enabled chain")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.New()
	p, closeSink, err := buildPipeline(ctx, cfg, logger, m)
	if err != nil {
		return err
	}
	defer closeSink()

	sources := make([]source.Source, 0, len(chains))
	for _, watched := range chains {
		decoder, err := decode.NewERC20Decoder(watched.Kinds...)
		if err != nil {
			return err
		}
		sub, err := source.NewSubscriber(source.SubscriberConfig{
			Chain:         watched.Name,
			Addresses:     watched.Addresses,
			ReconnectBase: cfg.Source.ReconnectBase,
			ReconnectMax:  cfg.Source.ReconnectMax,
			TokenMeta:     cfg.Source.TokenMeta,
		}, chainDialer(watched), decoder, logger, m)
		if err != nil {
			return err
		}
		sources = append(sources, sub)
		logger.Info("watching chain",
			zap.String("chain", watched.Name),
			zap.Int("contracts", len(watched.Addresses)),
			zap.Int("kinds", len(watched.Kinds)),
		)
	}

	services := newServiceTree(logger, cfg.Pipeline.DrainTimeout)
	if cfg.Display.Enabled {
		opts, err := cfg.DisplayOptions()
		if err != nil {
			return err
		}
		renderer := display.NewRenderer(opts, time.Now())
		services.Add(display.New(renderer, p.Store(), os.Stdout, cfg.Display.Refresh, cfg.Display.Clear, logger))
	}
	if cfg.Status.Enabled {
		services.Add(statusapi.New(cfg.StatusConfig(), p.Store(), m, logger))
	}

	serviceCtx, stopServices := context.WithCancel(context.Background())
	servicesDone := services.ServeBackground(serviceCtx)

	logger.Info("watchdog start", zap.Int("chains", len(chains)))
	runErr := p.Run(ctx, sources...)

	stopServices()
	if err := <-servicesDone; err != nil && !errors.Is(err, context.Canceled) {
		logger.Warn("services stopped with error", zap.Error(err))
	}
	logger.Info("watchdog stopped", zap.Error(runErr))
	return runErr
}

// chainDialer connects a fresh client for every subscription attempt and
// refuses endpoints that report a different chain id than configured.
func chainDialer(watched config.WatchedChain) source.Dialer {
	return func(ctx context.Context) (source.StreamClient, error) {
		client, err := chain.NewClient(ctx, watched.RPCURL)
		if err != nil {
			return nil, fmt.Errorf("connect rpc: %w", err)
		}
		if watched.ChainID == 0 {
			return client, nil
		}
		id, err := client.ChainID(ctx)
		if err != nil {
			client.Close()
			return nil, err
		}
		if id != watched.ChainID {
			client.Close()
			return nil, fmt.Errorf("chain %s: endpoint reports chain id %d, want %d", watched.Name, id, watched.ChainID)
		}
		return client, nil
	}
}

// newServiceTree supervises the display and status server. They restart with
// backoff when they fail and stop when the pipeline is done.
func newServiceTree(logger *zap.Logger, drainTimeout time.Duration) *suture.Supervisor {
	supervisorLogger := logger.Named("supervisor")
	return suture.New("watchdog", suture.Spec{
		EventHook: func(ev suture.Event) {
			supervisorLogger.Warn("service event",
				zap.String("event", ev.String()),
				zap.Any("details", ev.Map()),
			)
		},
		FailureThreshold: 5,
		FailureDecay:     30,
		FailureBackoff:   15 * time.Second,
		Timeout:          drainTimeout,
	})
}
