// Package pipeline runs sources through rule evaluation, deduplication, state
// publication and alert admission on a single processing goroutine.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"chainWatchdog/internal/alert"
	"chainWatchdog/internal/dedup"
	"chainWatchdog/internal/dispatch"
	"chainWatchdog/internal/metrics"
	"chainWatchdog/internal/model"
	"chainWatchdog/internal/queue"
	"chainWatchdog/internal/rules"
	"chainWatchdog/internal/source"
	"chainWatchdog/internal/state"
	"chainWatchdog/internal/storage"
)

// Context carries the collaborators every stage shares.
type Context struct {
	Logger  *zap.Logger
	Metrics *metrics.Metrics
	Now     func() time.Time
}

func (c Context) withDefaults() Context {
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	if c.Metrics == nil {
		c.Metrics = metrics.New()
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// ShutdownMode decides what happens to queued events on cancellation.
type ShutdownMode string

const (
	ShutdownDrain ShutdownMode = "drain"
	ShutdownAbort ShutdownMode = "abort"
)

func ParseShutdownMode(input string) (ShutdownMode, error) {
	switch mode := ShutdownMode(strings.ToLower(strings.TrimSpace(input))); mode {
	case ShutdownDrain, ShutdownAbort:
		return mode, nil
	case "":
		return ShutdownDrain, nil
	default:
		return "", fmt.Errorf("unknown shutdown mode %q", input)
	}
}

// Config tunes the processing loop.
type Config struct {
	QueueSize   int
	QueuePolicy queue.Policy
	Shutdown    ShutdownMode
	// EvictInterval runs dedup eviction when no events arrive.
	EvictInterval time.Duration
	// DrainTimeout bounds how long shutdown waits for pending deliveries.
	DrainTimeout time.Duration
	Dedup        dedup.Config
	RenderCap    int
}

func DefaultConfig() Config {
	return Config{
		QueueSize:     1024,
		QueuePolicy:   queue.PolicyBlock,
		Shutdown:      ShutdownDrain,
		EvictInterval: 10 * time.Second,
		DrainTimeout:  15 * time.Second,
		Dedup:         dedup.Config{Retention: time.Hour, MaxEntries: 10000},
		RenderCap:     state.DefaultRenderCap,
	}
}

// Deps are the stages owned outside the pipeline. Alerts, Dispatcher and
// Recorder are optional; Store is created when nil.
type Deps struct {
	Rules      []rules.Rule
	Alerts     *alert.Manager
	Dispatcher *dispatch.Dispatcher
	Recorder   *storage.Recorder
	Store      *state.Store
}

type item struct {
	event *model.NormalizedEvent
	head  *model.ChainHead
}

// Pipeline implements source.Sink.
type Pipeline struct {
	cfg    Config
	ctx    Context
	logger *zap.Logger

	queue      *queue.Queue[item]
	engine     *rules.Engine
	dedup      *dedup.Deduplicator
	alerts     *alert.Manager
	dispatcher *dispatch.Dispatcher
	recorder   *storage.Recorder
	store      *state.Store

	// counters is owned by the processing goroutine.
	counters  state.Counters
	aborting  atomic.Bool
	discarded uint64
}

var _ source.Sink = (*Pipeline)(nil)

func New(pctx Context, cfg Config, deps Deps) (*Pipeline, error) {
	pctx = pctx.withDefaults()
	if cfg.QueueSize < 1 {
		return nil, fmt.Errorf("queue size must be positive")
	}
	if cfg.QueuePolicy == "" {
		cfg.QueuePolicy = queue.PolicyBlock
	}
	if cfg.Shutdown == "" {
		cfg.Shutdown = ShutdownDrain
	}
	if cfg.EvictInterval <= 0 {
		cfg.EvictInterval = 10 * time.Second
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = 15 * time.Second
	}

	p := &Pipeline{
		cfg:        cfg,
		ctx:        pctx,
		logger:     pctx.Logger.Named("pipeline"),
		alerts:     deps.Alerts,
		dispatcher: deps.Dispatcher,
		recorder:   deps.Recorder,
		store:      deps.Store,
		dedup:      dedup.New(cfg.Dedup, pctx.Now),
		counters:   state.NewCounters(),
	}
	if p.store == nil {
		p.store = state.NewStore(cfg.RenderCap, pctx.Now)
	}

	engine, err := rules.NewEngine(deps.Rules, nil, p.reportSkipped(rules.LogReporter(pctx.Logger.Named("rules"))))
	if err != nil {
		return nil, fmt.Errorf("build rule engine: %w", err)
	}
	p.engine = engine

	p.queue = queue.New[item](cfg.QueueSize, cfg.QueuePolicy)
	p.queue.OnDrop(func(it item) {
		pctx.Metrics.EventsDropped.WithLabelValues(string(cfg.QueuePolicy)).Inc()
		if it.event != nil {
			p.logger.Warn("event queue full, event dropped",
				zap.String("policy", string(cfg.QueuePolicy)),
				zap.String("chain", it.event.ChainName),
				zap.Uint64("block", it.event.BlockNumber),
			)
		}
	})
	return p, nil
}

// reportSkipped runs on the processing goroutine, inside Evaluate.
func (p *Pipeline) reportSkipped(next rules.ReportFunc) rules.ReportFunc {
	return func(rule rules.Rule, event model.NormalizedEvent, err error) {
		p.counters.Malformed++
		p.ctx.Metrics.RulesSkipped.WithLabelValues(rule.ID).Inc()
		next(rule, event, err)
	}
}

// Store exposes the published snapshots.
func (p *Pipeline) Store() *state.Store { return p.store }

// PushEvent enqueues event under the queue policy. An event rejected by a full
// drop_newest queue is counted, not reported.
func (p *Pipeline) PushEvent(ctx context.Context, event model.NormalizedEvent) error {
	err := p.queue.Push(ctx, item{event: &event})
	switch {
	case err == nil:
		p.ctx.Metrics.EventsReceived.WithLabelValues(event.ChainName, string(event.Kind)).Inc()
		p.ctx.Metrics.QueueDepth.Set(float64(p.queue.Len()))
		return nil
	case errors.Is(err, queue.ErrFull):
		return nil
	default:
		return err
	}
}

func (p *Pipeline) PushHead(ctx context.Context, head model.ChainHead) error {
	err := p.queue.Push(ctx, item{head: &head})
	if errors.Is(err, queue.ErrFull) {
		return nil
	}
	return err
}

// Run drives sources until they all end or ctx is cancelled, then shuts down
// according to the configured mode. Source failures are joined into the result.
func (p *Pipeline) Run(ctx context.Context, sources ...source.Source) error {
	dispatchCtx, cancelDispatch := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelDispatch()

	dispatchDone := make(chan struct{})
	if p.dispatcher != nil {
		go func() {
			defer close(dispatchDone)
			_ = p.dispatcher.Run(dispatchCtx)
		}()
	} else {
		close(dispatchDone)
	}

	recorderDone := make(chan struct{})
	if p.recorder != nil {
		go func() {
			defer close(recorderDone)
			_ = p.recorder.Run(dispatchCtx)
		}()
	} else {
		close(recorderDone)
	}

	processed := make(chan struct{})
	go func() {
		defer close(processed)
		p.process()
	}()

	errs := make([]error, len(sources))
	var wg sync.WaitGroup
	for i, src := range sources {
		i, src := i, src
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.logger.Info("source start", zap.String("source", src.Name()))
			errs[i] = p.runSource(ctx, src)
		}()
	}
	sourcesDone := make(chan struct{})
	go func() {
		wg.Wait()
		close(sourcesDone)
	}()

	select {
	case <-sourcesDone:
		p.logger.Info("all sources finished")
	case <-ctx.Done():
		p.logger.Info("shutdown requested", zap.String("mode", string(p.cfg.Shutdown)))
		if p.cfg.Shutdown == ShutdownAbort {
			p.aborting.Store(true)
		}
	}

	p.queue.Close()
	<-sourcesDone
	<-processed

	if p.recorder != nil {
		p.recorder.Close()
	}
	if p.dispatcher != nil {
		p.dispatcher.Close()
	}
	if p.aborting.Load() {
		cancelDispatch()
	} else {
		timer := time.NewTimer(p.cfg.DrainTimeout)
		select {
		case <-dispatchDone:
		case <-timer.C:
			p.logger.Warn("drain timeout, abandoning pending deliveries", zap.Duration("timeout", p.cfg.DrainTimeout))
			cancelDispatch()
		}
		timer.Stop()
	}
	<-dispatchDone
	<-recorderDone

	snap := p.store.Snapshot()
	p.logger.Info("pipeline stopped",
		zap.Uint64("events", snap.Counters.Events),
		zap.Uint64("findings", snap.Counters.Findings),
		zap.Uint64("alerts", snap.Counters.Alerts),
		zap.Uint64("dropped", snap.Counters.Dropped),
		zap.Uint64("discarded", p.discarded),
	)
	return errors.Join(errs...)
}

func (p *Pipeline) runSource(ctx context.Context, src source.Source) error {
	err := src.Run(ctx, p)
	switch {
	case err == nil:
		p.logger.Info("source finished", zap.String("source", src.Name()))
		return nil
	case errors.Is(err, queue.ErrClosed), ctx.Err() != nil && errors.Is(err, ctx.Err()):
		return nil
	default:
		p.logger.Error("source failed", zap.String("source", src.Name()), zap.Error(err))
		return fmt.Errorf("source %s: %w", src.Name(), err)
	}
}

func (p *Pipeline) process() {
	ticker := time.NewTicker(p.cfg.EvictInterval)
	defer ticker.Stop()

	for {
		select {
		case it, ok := <-p.queue.Out():
			if !ok {
				p.commit()
				return
			}
			if p.aborting.Load() {
				p.discarded++
				continue
			}
			p.handle(it)
		case <-ticker.C:
			if n := p.dedup.Evict(); n > 0 {
				p.logger.Debug("evicted entries", zap.Int("count", n))
				p.commit()
			}
		}
	}
}

func (p *Pipeline) handle(it item) {
	if it.head != nil {
		p.counters.RecordHead(*it.head)
		p.ctx.Metrics.ChainHeight.WithLabelValues(it.head.ChainName).Set(float64(p.counters.ChainHeights[it.head.ChainName]))
		p.commit()
		return
	}

	start := time.Now()
	defer func() { p.ctx.Metrics.ProcessDuration.Observe(time.Since(start).Seconds()) }()

	event := *it.event
	p.counters.Events++
	p.ctx.Metrics.QueueDepth.Set(float64(p.queue.Len()))

	findings := p.engine.Evaluate(event)
	if len(findings) == 0 {
		p.commit()
		return
	}
	for _, f := range findings {
		p.counters.RecordFinding(f)
		p.ctx.Metrics.Findings.WithLabelValues(f.RuleID, f.Severity.String()).Inc()
	}
	if p.recorder != nil {
		p.recorder.Record(findings)
	}

	emissions := p.dedup.Absorb(findings)
	for _, em := range emissions {
		p.ctx.Metrics.Emissions.WithLabelValues(em.Kind.String()).Inc()
		p.admit(em)
	}
	p.commit()
}

func (p *Pipeline) admit(em dedup.Emission) {
	if p.alerts == nil {
		return
	}
	admitted, verdict := p.alerts.Admit(em)
	p.ctx.Metrics.AlertDecisions.WithLabelValues(string(verdict)).Inc()
	if admitted == nil {
		if verdict != alert.VerdictBelowSeverity {
			p.counters.Suppressed++
			p.logger.Debug("alert suppressed",
				zap.String("key", em.Key.String()),
				zap.String("verdict", string(verdict)),
				zap.Uint64("count", em.Count),
			)
		}
		return
	}
	p.counters.Alerts++
	p.logger.Info("alert",
		zap.String("id", admitted.ID),
		zap.String("rule", admitted.Finding.RuleID),
		zap.String("severity", admitted.Finding.Severity.String()),
		zap.String("contract", admitted.Finding.Contract.Hex()),
		zap.Uint64("count", admitted.Count),
		zap.Strings("channels", admitted.Channels),
	)
	if p.dispatcher != nil {
		p.dispatcher.Enqueue(*admitted)
	}
}

func (p *Pipeline) commit() {
	p.counters.Dropped = p.queue.Dropped()
	p.ctx.Metrics.DedupEntries.Set(float64(p.dedup.Len()))
	p.store.Commit(p.dedup.Recent(p.store.RenderCap()), p.dedup.Len(), p.counters)
}
