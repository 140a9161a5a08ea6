// Package state publishes immutable snapshots of pipeline activity for concurrent readers.
package state

import (
	"sync/atomic"
	"time"

	"chainWatchdog/internal/model"
)

// DefaultRenderCap is the number of entries kept in a published snapshot.
const DefaultRenderCap = 50

// Counters are cumulative pipeline totals. The processing goroutine owns a
// mutable Counters and hands it to Commit, which copies it.
type Counters struct {
	Events     uint64 `json:"events"`
	Findings   uint64 `json:"findings"`
	Alerts     uint64 `json:"alerts"`
	Suppressed uint64 `json:"suppressed"`
	Malformed  uint64 `json:"malformed"`
	Dropped    uint64 `json:"dropped"`

	SeverityCounts map[model.Severity]uint64 `json:"severity_counts"`
	ChainCounts    map[string]uint64         `json:"chain_counts"`
	RuleHits       map[string]uint64         `json:"rule_hits"`
	ChainHeights   map[string]uint64         `json:"chain_heights"`
	LastBlockAt    map[string]time.Time      `json:"last_block_at"`
}

// NewCounters returns zeroed counters with allocated maps.
func NewCounters() Counters {
	return Counters{
		SeverityCounts: make(map[model.Severity]uint64),
		ChainCounts:    make(map[string]uint64),
		RuleHits:       make(map[string]uint64),
		ChainHeights:   make(map[string]uint64),
		LastBlockAt:    make(map[string]time.Time),
	}
}

// RecordFinding bumps the per-finding tallies.
func (c *Counters) RecordFinding(f model.Finding) {
	c.Findings++
	c.SeverityCounts[f.Severity]++
	c.ChainCounts[f.ChainName]++
	c.RuleHits[f.RuleID]++
}

// RecordHead tracks the highest block seen per chain.
func (c *Counters) RecordHead(head model.ChainHead) {
	if head.Number >= c.ChainHeights[head.ChainName] {
		c.ChainHeights[head.ChainName] = head.Number
		c.LastBlockAt[head.ChainName] = head.Time
	}
}

// Clone deep-copies c.
func (c Counters) Clone() Counters {
	out := c
	out.SeverityCounts = cloneMap(c.SeverityCounts)
	out.ChainCounts = cloneMap(c.ChainCounts)
	out.RuleHits = cloneMap(c.RuleHits)
	out.ChainHeights = cloneMap(c.ChainHeights)
	out.LastBlockAt = cloneMap(c.LastBlockAt)
	return out
}

func cloneMap[K comparable, V any](in map[K]V) map[K]V {
	out := make(map[K]V, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// Snapshot is a published view. It is never modified after publication; readers
// must not modify it either.
type Snapshot struct {
	Version      uint64                  `json:"version"`
	CommittedAt  time.Time               `json:"committed_at"`
	Entries      []model.AggregatedEntry `json:"entries"`
	TotalEntries int                     `json:"total_entries"`
	Counters     Counters                `json:"counters"`
}

// Store holds the current snapshot. Commit must be called from one goroutine;
// Snapshot may be called from any number.
type Store struct {
	current   atomic.Pointer[Snapshot]
	renderCap int
	version   uint64
	now       func() time.Time
}

// NewStore publishes an empty snapshot. clock may be nil for time.Now.
func NewStore(renderCap int, clock func() time.Time) *Store {
	if renderCap <= 0 {
		renderCap = DefaultRenderCap
	}
	if clock == nil {
		clock = time.Now
	}
	s := &Store{renderCap: renderCap, now: clock}
	s.current.Store(&Snapshot{Entries: []model.AggregatedEntry{}, Counters: NewCounters(), CommittedAt: clock()})
	return s
}

// Snapshot returns the latest published snapshot without blocking.
func (s *Store) Snapshot() *Snapshot {
	return s.current.Load()
}

// Commit publishes entries (most recent first) and counters. Both are copied;
// entries beyond the render cap are not retained.
func (s *Store) Commit(entries []model.AggregatedEntry, total int, counters Counters) *Snapshot {
	n := len(entries)
	if n > s.renderCap {
		n = s.renderCap
	}
	copied := make([]model.AggregatedEntry, n)
	copy(copied, entries[:n])
	if total < len(entries) {
		total = len(entries)
	}

	s.version++
	snap := &Snapshot{
		Version:      s.version,
		CommittedAt:  s.now(),
		Entries:      copied,
		TotalEntries: total,
		Counters:     counters.Clone(),
	}
	s.current.Store(snap)
	return snap
}

func (s *Store) RenderCap() int { return s.renderCap }
