package storage

import (
	"context"
	"time"

	"go.uber.org/zap"

	"chainWatchdog/internal/metrics"
	"chainWatchdog/internal/model"
)

// RecorderConfig controls audit batching.
type RecorderConfig struct {
	BatchSize     int
	FlushInterval time.Duration
	Buffer        int
	WriteTimeout  time.Duration
}

// Recorder batches findings and writes them to a FindingSink off the
// processing goroutine. When its buffer is full new findings are dropped.
type Recorder struct {
	cfg     RecorderConfig
	sink    FindingSink
	logger  *zap.Logger
	metrics *metrics.Metrics
	in      chan model.Finding
}

func NewRecorder(cfg RecorderConfig, sink FindingSink, logger *zap.Logger, m *metrics.Metrics) *Recorder {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = time.Second
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = cfg.BatchSize * 10
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Recorder{
		cfg:     cfg,
		sink:    sink,
		logger:  logger.Named("audit"),
		metrics: m,
		in:      make(chan model.Finding, cfg.Buffer),
	}
}

// Record queues findings without blocking.
func (r *Recorder) Record(findings []model.Finding) {
	for _, finding := range findings {
		select {
		case r.in <- finding:
		default:
			r.count("dropped", 1)
			r.logger.Warn("audit buffer full, finding dropped", zap.String("rule", finding.RuleID))
		}
	}
}

// Close stops accepting findings. Run flushes what is buffered and returns.
// Record must not be called after Close.
func (r *Recorder) Close() {
	close(r.in)
}

// Run writes batches until Close is called or ctx is done.
func (r *Recorder) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.FlushInterval)
	defer ticker.Stop()

	batch := make([]model.Finding, 0, r.cfg.BatchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.cfg.WriteTimeout)
		err := r.sink.PutFindings(writeCtx, batch)
		cancel()
		if err != nil {
			r.count("error", len(batch))
			r.logger.Error("audit write failed", zap.Int("findings", len(batch)), zap.Error(err))
		} else {
			r.count("ok", len(batch))
		}
		batch = batch[:0]
	}

	for {
		select {
		case <-ctx.Done():
			flush()
			return ctx.Err()
		case finding, ok := <-r.in:
			if !ok {
				flush()
				return nil
			}
			batch = append(batch, finding)
			if len(batch) >= r.cfg.BatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

func (r *Recorder) count(status string, n int) {
	if r.metrics != nil {
		r.metrics.AuditWrites.WithLabelValues(status).Add(float64(n))
	}
}
