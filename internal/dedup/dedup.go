// Package dedup collapses consecutive identical findings into aggregated entries.
package dedup

import (
	"container/list"
	"time"

	"chainWatchdog/internal/model"
)

// EmissionKind tells the alert stage whether an entry is new or a repeat.
type EmissionKind uint8

const (
	EmissionNew EmissionKind = iota
	EmissionRepeated
)

func (k EmissionKind) String() string {
	if k == EmissionRepeated {
		return "repeated"
	}
	return "new"
}

// Emission is produced once per absorbed finding.
type Emission struct {
	Kind  EmissionKind
	Key   model.DedupKey
	Count uint64
	// Entry is a copy of the aggregated entry after the finding was absorbed.
	Entry model.AggregatedEntry
}

// Config bounds the entry map.
type Config struct {
	// Retention evicts entries not seen for this long. Zero disables age eviction.
	Retention time.Duration
	// MaxEntries evicts the least recently seen entries beyond this count. Zero means unbounded.
	MaxEntries int
}

// Deduplicator is owned by the processing goroutine and is not safe for concurrent use.
type Deduplicator struct {
	cfg Config
	now func() time.Time

	entries map[model.DedupKey]*list.Element
	// order holds *model.AggregatedEntry, most recently seen at the front.
	order *list.List
	// last is the key most recently absorbed in each lineage.
	last map[model.Lineage]model.DedupKey
}

// New returns an empty deduplicator. clock may be nil for time.Now.
func New(cfg Config, clock func() time.Time) *Deduplicator {
	if clock == nil {
		clock = time.Now
	}
	return &Deduplicator{
		cfg:     cfg,
		now:     clock,
		entries: make(map[model.DedupKey]*list.Element),
		order:   list.New(),
		last:    make(map[model.Lineage]model.DedupKey),
	}
}

// Absorb folds findings into the entry map in order and returns one emission per finding.
func (d *Deduplicator) Absorb(findings []model.Finding) []Emission {
	if len(findings) == 0 {
		return nil
	}
	emissions := make([]Emission, 0, len(findings))
	for _, finding := range findings {
		emissions = append(emissions, d.absorb(finding))
	}
	d.Evict()
	return emissions
}

func (d *Deduplicator) absorb(finding model.Finding) Emission {
	now := d.now()
	key := finding.Key()
	lineage := finding.Lineage()

	elem, exists := d.entries[key]
	if exists && d.last[lineage] == key {
		entry := elem.Value.(*model.AggregatedEntry)
		entry.Count++
		entry.LastSeen = now
		entry.Finding = finding
		d.order.MoveToFront(elem)
		return Emission{Kind: EmissionRepeated, Key: key, Count: entry.Count, Entry: *entry}
	}

	entry := &model.AggregatedEntry{
		Key:       key,
		Finding:   finding,
		Count:     1,
		FirstSeen: now,
		LastSeen:  now,
		Run:       1,
	}
	if exists {
		entry.Run = elem.Value.(*model.AggregatedEntry).Run + 1
		elem.Value = entry
		d.order.MoveToFront(elem)
	} else {
		d.entries[key] = d.order.PushFront(entry)
	}
	d.last[lineage] = key
	return Emission{Kind: EmissionNew, Key: key, Count: 1, Entry: *entry}
}

// Evict drops entries older than the retention window, then the least recently
// seen entries beyond the size cap. It returns the number of entries removed.
func (d *Deduplicator) Evict() int {
	removed := 0
	if d.cfg.Retention > 0 {
		cutoff := d.now().Add(-d.cfg.Retention)
		for elem := d.order.Back(); elem != nil; elem = d.order.Back() {
			if !elem.Value.(*model.AggregatedEntry).LastSeen.Before(cutoff) {
				break
			}
			d.remove(elem)
			removed++
		}
	}
	if d.cfg.MaxEntries > 0 {
		for d.order.Len() > d.cfg.MaxEntries {
			d.remove(d.order.Back())
			removed++
		}
	}
	return removed
}

func (d *Deduplicator) remove(elem *list.Element) {
	entry := d.order.Remove(elem).(*model.AggregatedEntry)
	delete(d.entries, entry.Key)
	lineage := entry.Finding.Lineage()
	if d.last[lineage] == entry.Key {
		delete(d.last, lineage)
	}
}

// Get returns a copy of the entry for key.
func (d *Deduplicator) Get(key model.DedupKey) (model.AggregatedEntry, bool) {
	elem, ok := d.entries[key]
	if !ok {
		return model.AggregatedEntry{}, false
	}
	return *elem.Value.(*model.AggregatedEntry), true
}

// Recent copies up to limit entries, most recently seen first. A limit of zero or less copies all.
func (d *Deduplicator) Recent(limit int) []model.AggregatedEntry {
	n := d.order.Len()
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]model.AggregatedEntry, 0, n)
	for elem := d.order.Front(); elem != nil && len(out) < n; elem = elem.Next() {
		out = append(out, *elem.Value.(*model.AggregatedEntry))
	}
	return out
}

func (d *Deduplicator) Len() int { return d.order.Len() }
