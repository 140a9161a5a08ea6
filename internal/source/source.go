// Package source produces NormalizedEvents from live subscriptions, block-range
// backfills and archived log files.
package source

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"chainWatchdog/internal/decode"
	"chainWatchdog/internal/metrics"
	"chainWatchdog/internal/model"
)

// Sink receives what a source produces. Push blocks or fails according to the
// pipeline's queue policy.
type Sink interface {
	PushEvent(ctx context.Context, event model.NormalizedEvent) error
	PushHead(ctx context.Context, head model.ChainHead) error
}

// Source streams events into a Sink. Run returns nil at end of stream and
// ctx.Err() when cancelled.
type Source interface {
	Name() string
	Run(ctx context.Context, sink Sink) error
}

// pushError marks a failure returned by the sink, which ends the source
// instead of triggering a reconnect.
type pushError struct{ err error }

func (e *pushError) Error() string { return e.err.Error() }
func (e *pushError) Unwrap() error { return e.err }

func isPushError(err error) bool {
	var pe *pushError
	return errors.As(err, &pe)
}

// converter decodes records and hands the resulting events to a sink. Records
// that fail to decode are counted and skipped.
type converter struct {
	source   string
	decoder  decode.Decoder
	enricher *decode.Enricher
	logger   *zap.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
}

func (c *converter) emit(ctx context.Context, sink Sink, record model.LogRecord, chainName string) error {
	if record.Removed {
		c.logger.Debug("skip removed log", zap.Uint64("block", record.BlockNumber), zap.String("tx", record.TxHash))
		return nil
	}
	if !c.decoder.CanDecode(record.Topic0()) {
		return nil
	}

	event, err := c.decoder.Decode(record, chainName, c.now().UTC())
	if err != nil {
		decodeErr := model.NewDecodeError(record, err)
		c.logger.Warn("decode failed",
			zap.Uint64("block", decodeErr.BlockNumber),
			zap.String("tx", decodeErr.TxHash),
			zap.Uint64("log_index", decodeErr.LogIndex),
			zap.String("topic0", decodeErr.Topic0),
			zap.String("error", decodeErr.Error),
		)
		if c.metrics != nil {
			c.metrics.DecodeErrors.WithLabelValues(c.source).Inc()
		}
		return nil
	}
	if c.enricher != nil {
		event = c.enricher.Enrich(ctx, event)
	}
	if err := sink.PushEvent(ctx, event); err != nil {
		return &pushError{err: err}
	}
	return nil
}

func defaultNow(now func() time.Time) func() time.Time {
	if now == nil {
		return time.Now
	}
	return now
}
