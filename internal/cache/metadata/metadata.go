// Package metadata maintains per-series extent bookkeeping: the known
// time range and exact row count of each cached series. Counts are
// recomputed from chunk contents rather than incremented, so repeated
// writes of the same bars cannot drift the totals.
package metadata

import (
	"sync"
	"time"

	"github.com/quantfold/candlecache/internal/cache/types"
)

// Counter supplies exact row counts for a series.
type Counter interface {
	SeriesCount(symbol string, tf types.Timeframe) int64
}

// Extent describes what the cache holds for one series.
type Extent struct {
	Symbol    string
	Timeframe types.Timeframe

	// EarliestMs and LatestMs bound the stored open times.
	EarliestMs int64
	LatestMs   int64

	// TotalCount is the exact number of stored bars.
	TotalCount int64

	// UpdatedAtMs is when this extent was last recomputed.
	UpdatedAtMs int64
}

// Covers reports whether the extent's time range spans [startMs, endMs).
// Coverage of the range does not imply the absence of interior gaps.
func (e *Extent) Covers(startMs, endMs int64) bool {
	return e.TotalCount > 0 && e.EarliestMs <= startMs && e.LatestMs >= endMs-1
}

// Tracker maintains extents for every series seen by the cache.
type Tracker struct {
	counter Counter

	mu      sync.RWMutex
	extents map[types.SeriesKey]*Extent
}

// NewTracker creates an extent tracker backed by the given row counter.
func NewTracker(counter Counter) *Tracker {
	return &Tracker{
		counter: counter,
		extents: make(map[types.SeriesKey]*Extent),
	}
}

// OnBatchWritten updates a series extent after a successful batch write.
// The time range widens monotonically from the batch bounds; the count
// is recomputed exactly from the store.
func (t *Tracker) OnBatchWritten(symbol string, tf types.Timeframe, batchMinMs, batchMaxMs int64) {
	count := t.counter.SeriesCount(symbol, tf)
	now := time.Now().UnixMilli()
	key := types.SeriesKey{Symbol: symbol, Timeframe: tf}

	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.extents[key]
	if !ok {
		t.extents[key] = &Extent{
			Symbol:      symbol,
			Timeframe:   tf,
			EarliestMs:  batchMinMs,
			LatestMs:    batchMaxMs,
			TotalCount:  count,
			UpdatedAtMs: now,
		}
		return
	}
	if batchMinMs < e.EarliestMs {
		e.EarliestMs = batchMinMs
	}
	if batchMaxMs > e.LatestMs {
		e.LatestMs = batchMaxMs
	}
	e.TotalCount = count
	e.UpdatedAtMs = now
}

// Extent returns the extent for a series. ok is false when the series
// has never been written.
func (t *Tracker) Extent(symbol string, tf types.Timeframe) (Extent, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.extents[types.SeriesKey{Symbol: symbol, Timeframe: tf}]
	if !ok {
		return Extent{}, false
	}
	return *e, true
}

// All returns a snapshot of every tracked extent.
func (t *Tracker) All() []Extent {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Extent, 0, len(t.extents))
	for _, e := range t.extents {
		out = append(out, *e)
	}
	return out
}

// Len returns the number of tracked series.
func (t *Tracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.extents)
}
