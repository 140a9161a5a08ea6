// Package alert decides which dedup emissions become notifications.
package alert

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"chainWatchdog/internal/dedup"
	"chainWatchdog/internal/model"
)

// Verdict explains the outcome of Admit.
type Verdict string

const (
	VerdictAdmitted      Verdict = "admitted"
	VerdictBelowSeverity Verdict = "below_severity"
	VerdictRepeatPolicy  Verdict = "repeat_suppressed"
	VerdictRateLimited   Verdict = "rate_limited"
)

// ChannelConfig configures one notification channel's admission.
type ChannelConfig struct {
	Name string
	// MinSeverity raises the global minimum for this channel. Nil keeps the global one.
	MinSeverity *model.Severity
	// Capacity and RefillPerSecond size the bucket for new entries.
	Capacity        int
	RefillPerSecond float64
	// RepeatCapacity and RepeatRefillPerSecond size the separate bucket for repeats.
	RepeatCapacity        int
	RepeatRefillPerSecond float64
	// PerRule keeps one bucket pair per rule instead of one per channel.
	PerRule bool
}

// Config is the alert manager configuration.
type Config struct {
	MinSeverity model.Severity
	Repeat      RepeatPolicy
	Channels    []ChannelConfig
}

// Validate reports invalid or conflicting channel settings.
func (c Config) Validate() error {
	if err := c.Repeat.Validate(); err != nil {
		return err
	}
	if len(c.Channels) == 0 {
		return fmt.Errorf("at least one alert channel is required")
	}
	seen := make(map[string]struct{}, len(c.Channels))
	for _, ch := range c.Channels {
		name := strings.TrimSpace(ch.Name)
		if name == "" {
			return fmt.Errorf("alert channel name is required")
		}
		if _, ok := seen[name]; ok {
			return fmt.Errorf("duplicate alert channel %q", name)
		}
		seen[name] = struct{}{}
		if ch.Capacity < 1 {
			return fmt.Errorf("channel %s: capacity must be positive", name)
		}
		if ch.RefillPerSecond < 0 || ch.RepeatRefillPerSecond < 0 || ch.RepeatCapacity < 0 {
			return fmt.Errorf("channel %s: rates and capacities must not be negative", name)
		}
		if ch.MinSeverity != nil && *ch.MinSeverity > model.SeverityCritical {
			return fmt.Errorf("channel %s: invalid min severity", name)
		}
	}
	return nil
}

type bucketPair struct {
	fresh  *Bucket
	repeat *Bucket
}

type channelState struct {
	cfg         ChannelConfig
	minSeverity model.Severity
	buckets     map[string]*bucketPair
}

func (c *channelState) pair(ruleID string) *bucketPair {
	key := ""
	if c.cfg.PerRule {
		key = ruleID
	}
	if pair, ok := c.buckets[key]; ok {
		return pair
	}
	repeatCapacity := c.cfg.RepeatCapacity
	if repeatCapacity == 0 {
		repeatCapacity = 1
	}
	repeatRefill := c.cfg.RepeatRefillPerSecond
	if repeatRefill == 0 {
		repeatRefill = c.cfg.RefillPerSecond / 4
	}
	pair := &bucketPair{
		fresh:  NewBucket(c.cfg.Capacity, c.cfg.RefillPerSecond),
		repeat: NewBucket(repeatCapacity, repeatRefill),
	}
	c.buckets[key] = pair
	return pair
}

// maxNotifiedKeys bounds the cooldown bookkeeping.
const maxNotifiedKeys = 4096

// Manager is owned by the processing goroutine and is not safe for concurrent use.
type Manager struct {
	cfg      Config
	channels []*channelState
	notified map[model.DedupKey]time.Time
	now      func() time.Time
	newID    func() string
}

// NewManager validates cfg. clock may be nil for time.Now.
func NewManager(cfg Config, clock func() time.Time) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate alert config: %w", err)
	}
	if clock == nil {
		clock = time.Now
	}
	m := &Manager{
		cfg:      cfg,
		notified: make(map[model.DedupKey]time.Time),
		now:      clock,
		newID:    uuid.NewString,
	}
	for _, ch := range cfg.Channels {
		min := cfg.MinSeverity
		if ch.MinSeverity != nil && *ch.MinSeverity > min {
			min = *ch.MinSeverity
		}
		m.channels = append(m.channels, &channelState{
			cfg:         ch,
			minSeverity: min,
			buckets:     make(map[string]*bucketPair),
		})
	}
	return m, nil
}

// Admit turns an emission into at most one Alert carrying every channel that
// accepted it. The emission is already recorded in state whatever the verdict.
func (m *Manager) Admit(em dedup.Emission) (*model.Alert, Verdict) {
	finding := em.Entry.Finding
	if !finding.Severity.AtLeast(m.cfg.MinSeverity) {
		return nil, VerdictBelowSeverity
	}

	now := m.now()
	repeat := em.Kind == dedup.EmissionRepeated
	if repeat {
		last, seen := m.notified[em.Key]
		if !m.cfg.Repeat.allows(em.Count, last, seen, now) {
			return nil, VerdictRepeatPolicy
		}
	}

	var channels []string
	eligible := false
	for _, ch := range m.channels {
		if !finding.Severity.AtLeast(ch.minSeverity) {
			continue
		}
		eligible = true
		pair := ch.pair(finding.RuleID)
		bucket := pair.fresh
		if repeat {
			bucket = pair.repeat
		}
		if bucket.Take(now) {
			channels = append(channels, ch.cfg.Name)
		}
	}
	if !eligible {
		return nil, VerdictBelowSeverity
	}
	if len(channels) == 0 {
		return nil, VerdictRateLimited
	}

	m.remember(em.Key, now)
	return &model.Alert{
		ID:        m.newID(),
		Finding:   finding,
		Count:     em.Count,
		Repeat:    repeat,
		Channels:  channels,
		CreatedAt: now,
	}, VerdictAdmitted
}

func (m *Manager) remember(key model.DedupKey, now time.Time) {
	m.notified[key] = now
	if len(m.notified) <= maxNotifiedKeys {
		return
	}
	horizon := m.cfg.Repeat.Cooldown
	if horizon <= 0 {
		horizon = time.Hour
	}
	for k, at := range m.notified {
		if now.Sub(at) >= horizon {
			delete(m.notified, k)
		}
	}
	// Still full: forget arbitrary keys rather than grow.
	for k := range m.notified {
		if len(m.notified) <= maxNotifiedKeys {
			break
		}
		if k != key {
			delete(m.notified, k)
		}
	}
}

// ChannelNames lists configured channels in order.
func (m *Manager) ChannelNames() []string {
	names := make([]string, 0, len(m.channels))
	for _, ch := range m.channels {
		names = append(names, ch.cfg.Name)
	}
	return names
}
