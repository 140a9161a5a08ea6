package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chainWatchdog/internal/metrics"
	"chainWatchdog/internal/model"
	"chainWatchdog/internal/notify"
	"chainWatchdog/internal/queue"
)

type fakeNotifier struct {
	mu       sync.Mutex
	name     string
	failures int
	err      error
	block    chan struct{}
	sent     []model.Alert
	calls    int
}

func (f *fakeNotifier) Name() string { return f.name }

func (f *fakeNotifier) Send(ctx context.Context, alert model.Alert) error {
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.failures > 0 {
		f.failures--
		return f.err
	}
	f.sent = append(f.sent, alert)
	return nil
}

func (f *fakeNotifier) snapshot() (int, []model.Alert) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls, append([]model.Alert(nil), f.sent...)
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Backoff = time.Millisecond
	cfg.MaxBackoff = 5 * time.Millisecond
	cfg.Timeout = 200 * time.Millisecond
	return cfg
}

func alertFor(id string, channels ...string) model.Alert {
	return model.Alert{ID: id, Channels: channels, Finding: model.Finding{RuleID: "r", Severity: model.SeverityHigh}}
}

func runUntilDrained(t *testing.T, d *Dispatcher) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		_ = d.Run(context.Background())
		close(done)
	}()
	d.Close()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("dispatcher did not drain")
	}
}

func TestDeliversToEveryChannel(t *testing.T) {
	a := &fakeNotifier{name: "a"}
	b := &fakeNotifier{name: "b"}
	d, err := New(testConfig(), map[string]notify.Notifier{"a": a, "b": b}, nil, nil)
	require.NoError(t, err)

	d.Enqueue(alertFor("1", "a", "b"))
	d.Enqueue(alertFor("2", "a"))
	runUntilDrained(t, d)

	_, sentA := a.snapshot()
	_, sentB := b.snapshot()
	require.Len(t, sentA, 2)
	assert.Equal(t, "1", sentA[0].ID)
	assert.Equal(t, "2", sentA[1].ID)
	require.Len(t, sentB, 1)
}

func TestRetriesTransientFailures(t *testing.T) {
	n := &fakeNotifier{name: "a", failures: 2, err: errors.New("connection reset")}
	m := metrics.New()
	d, err := New(testConfig(), map[string]notify.Notifier{"a": n}, nil, m)
	require.NoError(t, err)

	d.Enqueue(alertFor("1", "a"))
	runUntilDrained(t, d)

	calls, sent := n.snapshot()
	assert.Equal(t, 3, calls)
	assert.Len(t, sent, 1)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.Deliveries.WithLabelValues("a", "error")))
}

func TestPermanentFailureIsNotRetried(t *testing.T) {
	n := &fakeNotifier{name: "a", failures: 10, err: &notify.DeliveryError{Err: errors.New("HTTP 400")}}
	m := metrics.New()
	d, err := New(testConfig(), map[string]notify.Notifier{"a": n}, nil, m)
	require.NoError(t, err)

	d.Enqueue(alertFor("1", "a"))
	runUntilDrained(t, d)

	calls, sent := n.snapshot()
	assert.Equal(t, 1, calls)
	assert.Empty(t, sent)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.DispatchDropped.WithLabelValues("a", "delivery_failed")))
}

func TestTimeoutCountsAsFailure(t *testing.T) {
	n := &fakeNotifier{name: "a", block: make(chan struct{})}
	cfg := testConfig()
	cfg.Timeout = 10 * time.Millisecond
	cfg.MaxRetries = 1
	m := metrics.New()
	d, err := New(cfg, map[string]notify.Notifier{"a": n}, nil, m)
	require.NoError(t, err)

	d.Enqueue(alertFor("1", "a"))
	runUntilDrained(t, d)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.Deliveries.WithLabelValues("a", "error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.DispatchDropped.WithLabelValues("a", "delivery_failed")))
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	n := &fakeNotifier{name: "a", failures: 100, err: errors.New("down")}
	cfg := testConfig()
	cfg.MaxRetries = 0
	cfg.BreakerFailures = 2
	cfg.BreakerCooldown = time.Hour
	m := metrics.New()
	d, err := New(cfg, map[string]notify.Notifier{"a": n}, nil, m)
	require.NoError(t, err)

	for _, id := range []string{"1", "2", "3", "4"} {
		d.Enqueue(alertFor(id, "a"))
	}
	runUntilDrained(t, d)

	calls, _ := n.snapshot()
	assert.Equal(t, 2, calls, "breaker should short-circuit after two failures")
	assert.Equal(t, 2.0, testutil.ToFloat64(m.Deliveries.WithLabelValues("a", "breaker_open")))
}

func TestOverflowDropsOldest(t *testing.T) {
	n := &fakeNotifier{name: "a"}
	cfg := testConfig()
	cfg.QueueSize = 2
	cfg.Overflow = queue.PolicyDropOldest
	m := metrics.New()
	d, err := New(cfg, map[string]notify.Notifier{"a": n}, nil, m)
	require.NoError(t, err)

	for _, id := range []string{"1", "2", "3"} {
		d.Enqueue(alertFor(id, "a"))
	}
	runUntilDrained(t, d)

	_, sent := n.snapshot()
	require.Len(t, sent, 2)
	assert.Equal(t, "2", sent[0].ID)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.DispatchDropped.WithLabelValues("a", "overflow")))
}

func TestAbortDiscardsQueued(t *testing.T) {
	n := &fakeNotifier{name: "a"}
	m := metrics.New()
	d, err := New(testConfig(), map[string]notify.Notifier{"a": n}, nil, m)
	require.NoError(t, err)

	for _, id := range []string{"1", "2", "3"} {
		d.Enqueue(alertFor(id, "a"))
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, d.Run(ctx))

	_, sent := n.snapshot()
	assert.Empty(t, sent)
	assert.Equal(t, 3.0, testutil.ToFloat64(m.DispatchDropped.WithLabelValues("a", "shutdown")))
}

func TestConfigValidate(t *testing.T) {
	cfg := testConfig()
	cfg.Overflow = queue.PolicyBlock
	require.Error(t, cfg.Validate())

	_, err := New(cfg, nil, nil, nil)
	require.Error(t, err)
}
