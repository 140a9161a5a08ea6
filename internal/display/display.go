// Package display renders state snapshots as a refreshing text dashboard.
package display

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"go.uber.org/zap"

	"chainWatchdog/internal/model"
	"chainWatchdog/internal/state"
)

const clearScreen = "\x1b[H\x1b[2J"

// Options control what the dashboard shows.
type Options struct {
	MaxRows      int
	MinSeverity  model.Severity
	Chain        string
	MessageWidth int
	// StaleAfter marks a chain unhealthy when its last block is older than this.
	StaleAfter time.Duration
}

func DefaultOptions() Options {
	return Options{
		MaxRows:      15,
		MinSeverity:  model.SeverityMedium,
		MessageWidth: 50,
		StaleAfter:   15 * time.Second,
	}
}

// Renderer formats snapshots.
type Renderer struct {
	opts    Options
	started time.Time
}

func NewRenderer(opts Options, started time.Time) *Renderer {
	defaults := DefaultOptions()
	if opts.MaxRows <= 0 {
		opts.MaxRows = defaults.MaxRows
	}
	if opts.MessageWidth <= 3 {
		opts.MessageWidth = defaults.MessageWidth
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = defaults.StaleAfter
	}
	return &Renderer{opts: opts, started: started}
}

// Rows selects the entries shown: at or above the display severity, matching
// the chain filter, capped at MaxRows. Entries are already most recent first.
func (r *Renderer) Rows(snap *state.Snapshot) []model.AggregatedEntry {
	rows := make([]model.AggregatedEntry, 0, r.opts.MaxRows)
	for _, entry := range snap.Entries {
		if len(rows) == r.opts.MaxRows {
			break
		}
		if !entry.Finding.Severity.AtLeast(r.opts.MinSeverity) {
			continue
		}
		if r.opts.Chain != "" && !strings.EqualFold(entry.Finding.ChainName, r.opts.Chain) {
			continue
		}
		rows = append(rows, entry)
	}
	return rows
}

// Render writes one frame for snap as of now.
func (r *Renderer) Render(w io.Writer, snap *state.Snapshot, now time.Time) error {
	c := snap.Counters
	chains := sortedKeys(c.ChainHeights)

	filter := "ALL"
	if r.opts.Chain != "" {
		filter = r.opts.Chain
	}
	blocks := "no chains active"
	if len(chains) > 0 {
		parts := make([]string, 0, len(chains))
		for _, chain := range chains {
			parts = append(parts, fmt.Sprintf("%s #%d", chain, c.ChainHeights[chain]))
		}
		blocks = strings.Join(parts, " | ")
	}

	var b strings.Builder
	fmt.Fprintf(&b, "BLOCKS: %s    UPTIME: %s    FILTER: %s\n", blocks, formatAge(now.Sub(r.started)), filter)

	b.WriteString("RISK:")
	for i := len(model.AllSeverities()) - 1; i >= 0; i-- {
		sev := model.AllSeverities()[i]
		fmt.Fprintf(&b, " %s %d", sev, c.SeverityCounts[sev])
	}
	b.WriteString("\n")

	b.WriteString("HEALTH:")
	if len(chains) == 0 {
		b.WriteString(" waiting for blocks")
	}
	for i, chain := range chains {
		if i > 0 {
			b.WriteString(" |")
		}
		age := now.Sub(c.LastBlockAt[chain])
		status := "OK"
		if age >= r.opts.StaleAfter {
			status = "STALE"
		}
		fmt.Fprintf(&b, " %s %s ago %s", chain, formatAge(age), status)
	}
	b.WriteString("\n")

	fmt.Fprintf(&b, "TOTALS: events %d  findings %d  alerts %d  suppressed %d  dropped %d  malformed %d  entries %d\n\n",
		c.Events, c.Findings, c.Alerts, c.Suppressed, c.Dropped, c.Malformed, snap.TotalEntries)

	if _, err := io.WriteString(w, b.String()); err != nil {
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "CHAIN\tSEVERITY\tAGE\tMESSAGE")
	for _, entry := range r.Rows(snap) {
		message := truncate(entry.Finding.Message, r.opts.MessageWidth)
		if entry.Count > 1 {
			message = fmt.Sprintf("%s (x%d)", message, entry.Count)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n",
			entry.Finding.ChainName,
			entry.Finding.Severity,
			formatAge(now.Sub(entry.LastSeen)),
			message,
		)
	}
	return tw.Flush()
}

func truncate(s string, width int) string {
	runes := []rune(s)
	if len(runes) <= width {
		return s
	}
	return string(runes[:width-3]) + "..."
}

func formatAge(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	return fmt.Sprintf("%ds", int64(d/time.Second))
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Snapshotter is the read side of the state store.
type Snapshotter interface {
	Snapshot() *state.Snapshot
}

// Display redraws the dashboard on a fixed cadence.
type Display struct {
	renderer *Renderer
	store    Snapshotter
	out      io.Writer
	interval time.Duration
	clear    bool
	now      func() time.Time
	logger   *zap.Logger
}

func New(renderer *Renderer, store Snapshotter, out io.Writer, interval time.Duration, clear bool, logger *zap.Logger) *Display {
	if interval <= 0 {
		interval = time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Display{
		renderer: renderer,
		store:    store,
		out:      out,
		interval: interval,
		clear:    clear,
		now:      time.Now,
		logger:   logger.Named("display"),
	}
}

// Serve redraws until ctx is done.
func (d *Display) Serve(ctx context.Context) error {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		d.draw()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (d *Display) draw() {
	if d.clear {
		if _, err := io.WriteString(d.out, clearScreen); err != nil {
			d.logger.Warn("display write failed", zap.Error(err))
			return
		}
	}
	if err := d.renderer.Render(d.out, d.store.Snapshot(), d.now()); err != nil {
		d.logger.Warn("display write failed", zap.Error(err))
	}
}

func (d *Display) String() string { return "display" }
