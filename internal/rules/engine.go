package rules

import (
	"go.uber.org/zap"

	"chainWatchdog/internal/model"
)

// Engine binds a validated rule set to a diagnostics callback.
type Engine struct {
	rules  []Rule
	report ReportFunc
}

// NewEngine validates rules. report may be nil; the logger is used when it is.
func NewEngine(rules []Rule, logger *zap.Logger, report ReportFunc) (*Engine, error) {
	if err := ValidateSet(rules); err != nil {
		return nil, err
	}
	if report == nil {
		report = LogReporter(logger)
	}
	copied := make([]Rule, len(rules))
	copy(copied, rules)
	return &Engine{rules: copied, report: report}, nil
}

// LogReporter returns a ReportFunc that logs skipped rules at warn level.
func LogReporter(logger *zap.Logger) ReportFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(rule Rule, event model.NormalizedEvent, err error) {
		logger.Warn("rule skipped",
			zap.String("rule", rule.ID),
			zap.String("chain", event.ChainName),
			zap.String("contract", event.Contract.Hex()),
			zap.Uint64("block", event.BlockNumber),
			zap.String("tx", event.TxHash.Hex()),
			zap.Error(err),
		)
	}
}

// Evaluate runs the engine's rules against event.
func (e *Engine) Evaluate(event model.NormalizedEvent) []model.Finding {
	return Evaluate(event, e.rules, e.report)
}

// Rules returns a copy of the rule set.
func (e *Engine) Rules() []Rule {
	out := make([]Rule, len(e.rules))
	copy(out, e.rules)
	return out
}
