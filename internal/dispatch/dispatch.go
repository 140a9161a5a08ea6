// Package dispatch delivers alerts to notifiers off the processing path.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"
	"go.uber.org/zap"

	"chainWatchdog/internal/metrics"
	"chainWatchdog/internal/model"
	"chainWatchdog/internal/notify"
	"chainWatchdog/internal/queue"
	"chainWatchdog/internal/retry"
)

// Config tunes every channel worker.
type Config struct {
	QueueSize int
	// Overflow is drop_oldest or drop_newest (reject_new); producers never block.
	Overflow queue.Policy

	Timeout    time.Duration
	MaxRetries int
	Backoff    time.Duration
	MaxBackoff time.Duration

	// BreakerFailures consecutive failures open a channel's breaker for BreakerCooldown.
	BreakerFailures uint32
	BreakerCooldown time.Duration
}

// DefaultConfig returns the settings used when none are configured.
func DefaultConfig() Config {
	return Config{
		QueueSize:       256,
		Overflow:        queue.PolicyDropOldest,
		Timeout:         10 * time.Second,
		MaxRetries:      3,
		Backoff:         500 * time.Millisecond,
		MaxBackoff:      10 * time.Second,
		BreakerFailures: 5,
		BreakerCooldown: 30 * time.Second,
	}
}

// Validate rejects blocking overflow and non-positive sizes.
func (c Config) Validate() error {
	if c.QueueSize < 1 {
		return fmt.Errorf("dispatch queue size must be positive")
	}
	if c.Overflow != queue.PolicyDropOldest && c.Overflow != queue.PolicyDropNewest {
		return fmt.Errorf("dispatch overflow must be drop_oldest or reject_new, got %q", c.Overflow)
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("dispatch timeout must be positive")
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("dispatch max retries must not be negative")
	}
	return nil
}

type worker struct {
	name     string
	notifier notify.Notifier
	queue    *queue.Queue[model.Alert]
	breaker  *gobreaker.CircuitBreaker[struct{}]
}

// Dispatcher owns one bounded queue and one worker per channel.
type Dispatcher struct {
	cfg     Config
	workers map[string]*worker
	order   []string
	logger  *zap.Logger
	metrics *metrics.Metrics
}

// New builds workers for notifiers keyed by channel name.
func New(cfg Config, notifiers map[string]notify.Notifier, logger *zap.Logger, m *metrics.Metrics) (*Dispatcher, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if m == nil {
		m = metrics.New()
	}
	d := &Dispatcher{
		cfg:     cfg,
		workers: make(map[string]*worker, len(notifiers)),
		logger:  logger.Named("dispatch"),
		metrics: m,
	}
	for name, n := range notifiers {
		d.workers[name] = d.newWorker(name, n)
		d.order = append(d.order, name)
	}
	return d, nil
}

func (d *Dispatcher) newWorker(name string, n notify.Notifier) *worker {
	q := queue.New[model.Alert](d.cfg.QueueSize, d.cfg.Overflow)
	q.OnDrop(func(alert model.Alert) {
		d.metrics.DispatchDropped.WithLabelValues(name, "overflow").Inc()
		d.logger.Warn("alert dropped: channel queue full",
			zap.String("channel", name),
			zap.String("alert_id", alert.ID),
			zap.String("rule", alert.Finding.RuleID),
		)
	})

	failures := d.cfg.BreakerFailures
	if failures == 0 {
		failures = 5
	}
	breaker := gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     d.cfg.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			d.metrics.BreakerState.WithLabelValues(name).Set(float64(to))
			d.logger.Warn("notifier breaker state changed",
				zap.String("channel", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})

	return &worker{name: name, notifier: n, queue: q, breaker: breaker}
}

// Enqueue hands alert to each of its channels' queues without blocking.
func (d *Dispatcher) Enqueue(alert model.Alert) {
	for _, channel := range alert.Channels {
		w, ok := d.workers[channel]
		if !ok {
			d.metrics.DispatchDropped.WithLabelValues(channel, "unknown_channel").Inc()
			d.logger.Warn("alert for unknown channel", zap.String("channel", channel))
			continue
		}
		if err := w.queue.Push(context.Background(), alert); errors.Is(err, queue.ErrClosed) {
			d.metrics.DispatchDropped.WithLabelValues(channel, "closed").Inc()
		}
	}
}

// Run delivers queued alerts until Close is called and every queue drains, or
// until ctx is cancelled, in which case queued alerts are discarded.
func (d *Dispatcher) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for _, name := range d.order {
		w := d.workers[name]
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.work(ctx, w)
		}()
	}
	wg.Wait()
	return nil
}

// Close stops accepting alerts; Run returns once the queues drain.
func (d *Dispatcher) Close() {
	for _, w := range d.workers {
		w.queue.Close()
	}
}

func (d *Dispatcher) work(ctx context.Context, w *worker) {
	for {
		if ctx.Err() != nil {
			d.discard(w)
			return
		}
		select {
		case <-ctx.Done():
			d.discard(w)
			return
		case alert, ok := <-w.queue.Out():
			if !ok {
				return
			}
			d.deliver(ctx, w, alert)
		}
	}
}

func (d *Dispatcher) discard(w *worker) {
	if n := w.queue.Discard(); n > 0 {
		d.metrics.DispatchDropped.WithLabelValues(w.name, "shutdown").Add(float64(n))
		d.logger.Warn("discarding queued alerts", zap.String("channel", w.name), zap.Int("count", n))
	}
}

func (d *Dispatcher) deliver(ctx context.Context, w *worker, alert model.Alert) {
	policy := retry.Policy{MaxRetries: d.cfg.MaxRetries, BaseDelay: d.cfg.Backoff, MaxDelay: d.cfg.MaxBackoff}
	attempts := 0

	err := retry.Do(ctx, policy, func(ctx context.Context) error {
		attempts++
		attemptCtx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
		defer cancel()

		start := time.Now()
		_, err := w.breaker.Execute(func() (struct{}, error) {
			return struct{}{}, w.notifier.Send(attemptCtx, alert)
		})
		d.metrics.DeliveryDuration.WithLabelValues(w.name).Observe(time.Since(start).Seconds())

		switch {
		case err == nil:
			d.metrics.Deliveries.WithLabelValues(w.name, "success").Inc()
			return nil
		case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
			d.metrics.Deliveries.WithLabelValues(w.name, "breaker_open").Inc()
			return retry.Permanent(err)
		case !notify.IsRetryable(err):
			d.metrics.Deliveries.WithLabelValues(w.name, "rejected").Inc()
			return retry.Permanent(err)
		default:
			d.metrics.Deliveries.WithLabelValues(w.name, "error").Inc()
			d.logger.Debug("delivery attempt failed",
				zap.String("channel", w.name),
				zap.String("alert_id", alert.ID),
				zap.Int("attempt", attempts),
				zap.Error(err),
			)
			return err
		}
	})
	if err != nil {
		d.metrics.DispatchDropped.WithLabelValues(w.name, "delivery_failed").Inc()
		d.logger.Error("alert delivery failed",
			zap.String("channel", w.name),
			zap.String("alert_id", alert.ID),
			zap.String("rule", alert.Finding.RuleID),
			zap.Int("attempts", attempts),
			zap.Error(err),
		)
	}
}

// Pending reports queued alerts per channel.
func (d *Dispatcher) Pending() map[string]int {
	out := make(map[string]int, len(d.workers))
	for name, w := range d.workers {
		out[name] = w.queue.Len()
	}
	return out
}
