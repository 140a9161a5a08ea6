// Package statusapi serves health, snapshot and metrics endpoints.
package statusapi

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"chainWatchdog/internal/metrics"
	"chainWatchdog/internal/model"
	"chainWatchdog/internal/state"
)

// Config controls the status server.
type Config struct {
	Addr            string
	AllowedOrigins  []string
	RateLimit       int
	RateWindow      time.Duration
	StaleAfter      time.Duration
	ShutdownTimeout time.Duration
}

// Snapshotter is the read side of the state store.
type Snapshotter interface {
	Snapshot() *state.Snapshot
}

// Server exposes pipeline state over HTTP.
type Server struct {
	cfg     Config
	store   Snapshotter
	metrics *metrics.Metrics
	logger  *zap.Logger
	now     func() time.Time
	handler http.Handler
}

func New(cfg Config, store Snapshotter, m *metrics.Metrics, logger *zap.Logger) *Server {
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = 120
	}
	if cfg.RateWindow <= 0 {
		cfg.RateWindow = time.Minute
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = time.Minute
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 5 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{cfg: cfg, store: store, metrics: m, logger: logger.Named("status"), now: time.Now}
	s.handler = s.routes()
	return s
}

// Handler returns the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.handler }

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	if len(s.cfg.AllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: s.cfg.AllowedOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodOptions},
			MaxAge:         300,
		}))
	}

	r.Get("/healthz", s.handleHealth)
	r.Group(func(r chi.Router) {
		r.Use(httprate.Limit(s.cfg.RateLimit, s.cfg.RateWindow, httprate.WithKeyFuncs(httprate.KeyByIP)))
		r.Get("/snapshot", s.handleSnapshot)
		if s.metrics != nil {
			r.Handle("/metrics", s.metrics.Handler())
		}
	})
	return r
}

type chainHealth struct {
	Height     uint64    `json:"height"`
	LastBlock  time.Time `json:"last_block_at"`
	AgeSeconds int64     `json:"age_seconds"`
	Stale      bool      `json:"stale"`
}

type healthResponse struct {
	Status  string                 `json:"status"`
	Version uint64                 `json:"snapshot_version"`
	Chains  map[string]chainHealth `json:"chains"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	snap := s.store.Snapshot()
	now := s.now()
	resp := healthResponse{Status: "ok", Version: snap.Version, Chains: make(map[string]chainHealth)}
	for chain, height := range snap.Counters.ChainHeights {
		last := snap.Counters.LastBlockAt[chain]
		age := now.Sub(last)
		h := chainHealth{Height: height, LastBlock: last, AgeSeconds: int64(age / time.Second), Stale: age >= s.cfg.StaleAfter}
		if h.Stale {
			resp.Status = "degraded"
		}
		resp.Chains[chain] = h
	}
	s.writeJSON(w, http.StatusOK, resp)
}

type snapshotResponse struct {
	Version        uint64                  `json:"version"`
	CommittedAt    time.Time               `json:"committed_at"`
	TotalEntries   int                     `json:"total_entries"`
	Entries        []model.AggregatedEntry `json:"entries"`
	Events         uint64                  `json:"events"`
	Findings       uint64                  `json:"findings"`
	Alerts         uint64                  `json:"alerts"`
	Suppressed     uint64                  `json:"suppressed"`
	Malformed      uint64                  `json:"malformed"`
	Dropped        uint64                  `json:"dropped"`
	SeverityCounts map[string]uint64       `json:"severity_counts"`
	ChainCounts    map[string]uint64       `json:"chain_counts"`
	RuleHits       map[string]uint64       `json:"rule_hits"`
	ChainHeights   map[string]uint64       `json:"chain_heights"`
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	snap := s.store.Snapshot()
	entries := snap.Entries
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "limit must be a non-negative integer"})
			return
		}
		if limit < len(entries) {
			entries = entries[:limit]
		}
	}

	c := snap.Counters
	severities := make(map[string]uint64, len(c.SeverityCounts))
	for sev, n := range c.SeverityCounts {
		severities[sev.String()] = n
	}
	s.writeJSON(w, http.StatusOK, snapshotResponse{
		Version:        snap.Version,
		CommittedAt:    snap.CommittedAt,
		TotalEntries:   snap.TotalEntries,
		Entries:        entries,
		Events:         c.Events,
		Findings:       c.Findings,
		Alerts:         c.Alerts,
		Suppressed:     c.Suppressed,
		Malformed:      c.Malformed,
		Dropped:        c.Dropped,
		SeverityCounts: severities,
		ChainCounts:    c.ChainCounts,
		RuleHits:       c.RuleHits,
		ChainHeights:   c.ChainHeights,
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body any) {
	data, err := json.Marshal(body)
	if err != nil {
		s.logger.Error("encode response", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

// Serve listens until ctx is done, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.Addr, err)
	}
	server := &http.Server{Handler: s.handler, ReadHeaderTimeout: 5 * time.Second}
	s.logger.Info("status server listening", zap.String("addr", listener.Addr().String()))

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Serve(listener)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("status server shutdown", zap.Error(err))
		}
		return ctx.Err()
	}
}

func (s *Server) String() string { return "status-api" }
