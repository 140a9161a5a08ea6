package main

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"chainWatchdog/internal/alert"
	"chainWatchdog/internal/config"
	"chainWatchdog/internal/dispatch"
	"chainWatchdog/internal/metrics"
	"chainWatchdog/internal/notify"
	"chainWatchdog/internal/pipeline"
	"chainWatchdog/internal/storage"
	"chainWatchdog/internal/storage/postgres"
)

// buildPipeline wires rules, alerting, dispatch and the audit recorder into a
// pipeline. The returned cleanup closes the audit sink after the pipeline stops.
func buildPipeline(ctx context.Context, cfg config.Config, logger *zap.Logger, m *metrics.Metrics) (*pipeline.Pipeline, func(), error) {
	ruleSet, err := cfg.BuildRules()
	if err != nil {
		return nil, nil, err
	}

	alertCfg, err := cfg.AlertConfig()
	if err != nil {
		return nil, nil, err
	}
	alerts, err := alert.NewManager(alertCfg, nil)
	if err != nil {
		return nil, nil, err
	}

	notifiers, err := buildNotifiers(cfg, logger)
	if err != nil {
		return nil, nil, err
	}
	dispatchCfg, err := cfg.DispatchConfig()
	if err != nil {
		return nil, nil, err
	}
	dispatcher, err := dispatch.New(dispatchCfg, notifiers, logger, m)
	if err != nil {
		return nil, nil, err
	}

	sink, closeSink, err := openAuditSink(ctx, cfg, logger)
	if err != nil {
		return nil, nil, err
	}
	var recorder *storage.Recorder
	if sink != nil {
		recorder = storage.NewRecorder(cfg.RecorderConfig(), sink, logger, m)
	}

	pipelineCfg, err := cfg.PipelineConfig()
	if err != nil {
		closeSink()
		return nil, nil, err
	}
	p, err := pipeline.New(pipeline.Context{Logger: logger, Metrics: m}, pipelineCfg, pipeline.Deps{
		Rules:      ruleSet,
		Alerts:     alerts,
		Dispatcher: dispatcher,
		Recorder:   recorder,
	})
	if err != nil {
		closeSink()
		return nil, nil, err
	}

	logger.Info("pipeline ready",
		zap.Int("rules", len(ruleSet)),
		zap.Strings("channels", alerts.ChannelNames()),
		zap.String("audit", cfg.Audit.Sink),
		zap.String("queue_policy", string(pipelineCfg.QueuePolicy)),
		zap.String("shutdown", string(pipelineCfg.Shutdown)),
	)
	return p, closeSink, nil
}

func buildNotifiers(cfg config.Config, logger *zap.Logger) (map[string]notify.Notifier, error) {
	notifiers := make(map[string]notify.Notifier)
	for _, ch := range cfg.NotifyChannels() {
		var (
			n   notify.Notifier
			err error
		)
		switch ch.Type {
		case "webhook":
			n, err = notify.NewWebhookNotifier(notify.WebhookConfig{
				Name:    ch.Name,
				URL:     ch.URL,
				Headers: ch.Headers,
				Timeout: cfg.Dispatch.Timeout,
			})
		case "discord":
			n, err = notify.NewDiscordNotifier(ch.Name, ch.URL, cfg.Dispatch.Timeout)
		case "log":
			n = notify.NewLogNotifier(ch.Name, logger)
		default:
			err = fmt.Errorf("unknown channel type %q", ch.Type)
		}
		if err != nil {
			return nil, fmt.Errorf("channel %s: %w", ch.Name, err)
		}
		notifiers[ch.Name] = n
		logger.Info("alert channel", zap.String("name", ch.Name), zap.String("type", ch.Type), zap.String("url", notify.RedactURL(ch.URL)))
	}
	return notifiers, nil
}

// openAuditSink returns a nil sink when auditing is off.
func openAuditSink(ctx context.Context, cfg config.Config, logger *zap.Logger) (storage.FindingSink, func(), error) {
	switch cfg.Audit.Sink {
	case "jsonl":
		logger.Info("audit to jsonl", zap.String("path", cfg.Audit.Path))
		return storage.NewJsonlStorage(cfg.Audit.Path), func() {}, nil
	case "postgres":
		store, err := postgres.NewStore(ctx, cfg.Audit.PgDSN)
		if err != nil {
			return nil, nil, err
		}
		if err := store.Migrate(ctx); err != nil {
			store.Close()
			return nil, nil, err
		}
		logger.Info("audit to postgres")
		return store, store.Close, nil
	default:
		return nil, func() {}, nil
	}
}
