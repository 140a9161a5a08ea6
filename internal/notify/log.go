package notify

import (
	"context"

	"go.uber.org/zap"

	"chainWatchdog/internal/model"
)

// LogNotifier writes alerts to the logger. It stands in for a webhook when no URL is configured.
type LogNotifier struct {
	name   string
	logger *zap.Logger
}

func NewLogNotifier(name string, logger *zap.Logger) *LogNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	if name == "" {
		name = "log"
	}
	return &LogNotifier{name: name, logger: logger.Named("alert")}
}

func (n *LogNotifier) Name() string { return n.name }

func (n *LogNotifier) Send(ctx context.Context, alert model.Alert) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	n.logger.Info(alert.Text(),
		zap.String("alert_id", alert.ID),
		zap.String("channel", n.name),
		zap.String("rule", alert.Finding.RuleID),
		zap.Stringer("severity", alert.Finding.Severity),
		zap.String("chain", alert.Finding.ChainName),
		zap.String("contract", alert.Finding.Contract.Hex()),
		zap.Uint64("count", alert.Count),
		zap.Bool("repeat", alert.Repeat),
	)
	return nil
}
