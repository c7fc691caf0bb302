// Package latest maintains a read-optimized index from symbol to its
// most recent bar on the canonical timeframe. The index is an immutable
// map swapped in atomically on rebuild, so lookups never block writers.
package latest

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/quantfold/candlecache/internal/cache/types"
)

// Source produces the newest stored bar per symbol for one timeframe.
type Source interface {
	LatestPerSymbol(tf types.Timeframe) (map[string]types.CandleRecord, error)
}

// Index serves latest-bar lookups from an atomically swapped snapshot.
type Index struct {
	tf     types.Timeframe
	source Source

	snapshot  atomic.Pointer[map[string]types.CandleRecord]
	builtAtMs atomic.Int64
	rebuilds  atomic.Int64
}

// NewIndex creates an index over the canonical timeframe. The index is
// empty until the first Rebuild.
func NewIndex(tf types.Timeframe, source Source) *Index {
	idx := &Index{tf: tf, source: source}
	empty := map[string]types.CandleRecord{}
	idx.snapshot.Store(&empty)
	return idx
}

// Rebuild derives a fresh snapshot from the store and swaps it in.
// Rebuilding against unchanged data yields an equivalent snapshot, so
// calling it redundantly is harmless.
func (i *Index) Rebuild() error {
	m, err := i.source.LatestPerSymbol(i.tf)
	if err != nil {
		return fmt.Errorf("rebuild latest index: %w", err)
	}
	if m == nil {
		m = map[string]types.CandleRecord{}
	}
	i.snapshot.Store(&m)
	i.builtAtMs.Store(time.Now().UnixMilli())
	i.rebuilds.Add(1)
	return nil
}

// Latest returns the most recent canonical-timeframe bar for a symbol.
// ok is false when the symbol has no bar in the current snapshot.
func (i *Index) Latest(symbol string) (types.CandleRecord, bool) {
	rec, ok := (*i.snapshot.Load())[symbol]
	return rec, ok
}

// All returns the current snapshot. Callers must not mutate it.
func (i *Index) All() map[string]types.CandleRecord {
	return *i.snapshot.Load()
}

// Len returns the number of symbols in the current snapshot.
func (i *Index) Len() int {
	return len(*i.snapshot.Load())
}

// BuiltAtMs returns when the current snapshot was built, zero before
// the first rebuild.
func (i *Index) BuiltAtMs() int64 {
	return i.builtAtMs.Load()
}

// Rebuilds returns how many times the index has been rebuilt.
func (i *Index) Rebuilds() int64 {
	return i.rebuilds.Load()
}

// Timeframe returns the canonical timeframe the index is built on.
func (i *Index) Timeframe() types.Timeframe {
	return i.tf
}
