package chunk

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/quantfold/candlecache/internal/cache/columnar"
	"github.com/quantfold/candlecache/internal/cache/config"
	"github.com/quantfold/candlecache/internal/cache/types"
	cacheerr "github.com/quantfold/candlecache/internal/errors"
)

// WriteResult summarizes one batch write.
type WriteResult struct {
	// BatchMinMs and BatchMaxMs bound the open times in the batch.
	BatchMinMs int64
	BatchMaxMs int64

	Inserted int
	Updated  int
	Skipped  int
}

// Stats holds chunk store counters.
type Stats struct {
	Series         int
	HotChunks      int
	ColdChunks     int
	RowsInserted   int64
	RowsUpdated    int64
	RowsSkipped    int64
	CompressedSize int64
}

// Manager owns every chunk in the cache. Writers for one series must be
// externally serialized; readers may run concurrently with anything.
type Manager struct {
	cfg    *config.Config
	engine *columnar.Engine

	mu     sync.RWMutex
	series map[types.SeriesKey]map[int64]*Chunk

	inserted atomic.Int64
	updated  atomic.Int64
	skipped  atomic.Int64
}

// NewManager creates a chunk manager.
func NewManager(cfg *config.Config, engine *columnar.Engine) *Manager {
	return &Manager{
		cfg:    cfg,
		engine: engine,
		series: make(map[types.SeriesKey]map[int64]*Chunk),
	}
}

// Assign computes the chunk a record routes to. Pure: two records with
// the same series and open time always map to the same chunk.
func (m *Manager) Assign(rec *types.CandleRecord) (ID, error) {
	if err := validateRecord(rec); err != nil {
		return ID{}, err
	}
	width := m.cfg.ChunkWidth(rec.Timeframe).Milliseconds()
	return ID{
		Symbol:    rec.Symbol,
		Timeframe: rec.Timeframe,
		StartMs:   floorDiv(rec.OpenTimeMs, width) * width,
	}, nil
}

// WriteBatch inserts a batch of records for a single series. The batch
// is applied whole or not at all: every record is validated and every
// target chunk checked writable before the first row lands. A batch
// touching any cold chunk fails with ErrChunkClosed.
func (m *Manager) WriteBatch(records []types.CandleRecord) (WriteResult, error) {
	if len(records) == 0 {
		return WriteResult{}, nil
	}

	key := records[0].Key()
	targets := make([]ID, len(records))
	result := WriteResult{BatchMinMs: records[0].OpenTimeMs, BatchMaxMs: records[0].OpenTimeMs}

	for i := range records {
		if records[i].Key() != key {
			return WriteResult{}, fmt.Errorf("record %d belongs to %s, batch is %s: %w",
				i, records[i].Key(), key, cacheerr.ErrMixedSeries)
		}
		id, err := m.Assign(&records[i])
		if err != nil {
			return WriteResult{}, fmt.Errorf("record %d: %w", i, err)
		}
		targets[i] = id
		if records[i].OpenTimeMs < result.BatchMinMs {
			result.BatchMinMs = records[i].OpenTimeMs
		}
		if records[i].OpenTimeMs > result.BatchMaxMs {
			result.BatchMaxMs = records[i].OpenTimeMs
		}
	}

	chunks := make(map[int64]*Chunk)
	for _, id := range targets {
		if _, ok := chunks[id.StartMs]; ok {
			continue
		}
		chunks[id.StartMs] = m.getOrCreate(id)
	}
	for startMs, c := range chunks {
		if c.State() == StateCold {
			return WriteResult{}, fmt.Errorf("chunk %s@%d: %w",
				key, startMs, cacheerr.ErrChunkClosed)
		}
	}

	policy := m.cfg.Chunking.OverwritePolicy
	for i := range records {
		c := chunks[targets[i].StartMs]
		c.mu.Lock()
		if c.state == StateCold {
			// Unreachable when callers hold the series lock for
			// both writes and compression.
			c.mu.Unlock()
			return WriteResult{}, fmt.Errorf("chunk %s@%d: %w",
				key, targets[i].StartMs, cacheerr.ErrChunkClosed)
		}
		ts := records[i].OpenTimeMs
		if _, exists := c.rows[ts]; exists {
			if policy == config.FirstWriteWins {
				result.Skipped++
			} else {
				c.rows[ts] = records[i]
				result.Updated++
			}
		} else {
			c.rows[ts] = records[i]
			result.Inserted++
		}
		c.mu.Unlock()
	}

	m.inserted.Add(int64(result.Inserted))
	m.updated.Add(int64(result.Updated))
	m.skipped.Add(int64(result.Skipped))
	return result, nil
}

// CloseEligible returns the hot, non-empty chunks whose windows ended
// more than the compaction lag before nowMs.
func (m *Manager) CloseEligible(nowMs int64) []ID {
	cutoff := nowMs - m.cfg.Chunking.CompactionLag.Milliseconds()

	m.mu.RLock()
	defer m.mu.RUnlock()

	var eligible []ID
	for _, chunks := range m.series {
		for _, c := range chunks {
			if c.endMs >= cutoff {
				continue
			}
			c.mu.RLock()
			ok := c.state == StateHot && len(c.rows) > 0
			c.mu.RUnlock()
			if ok {
				eligible = append(eligible, c.id)
			}
		}
	}
	return eligible
}

// CompressChunk converts one chunk to its cold columnar form and returns
// the resulting segment. Compressing an already-cold chunk is a no-op.
func (m *Manager) CompressChunk(id ID) (*columnar.Segment, error) {
	c := m.lookup(id)
	if c == nil {
		return nil, fmt.Errorf("chunk %s/%s@%d not found", id.Symbol, id.Timeframe, id.StartMs)
	}
	return c.compress(m.engine)
}

// AdoptSegment installs a persisted segment as a cold chunk, creating
// the chunk if needed. Segments for chunks that already hold rows are
// rejected.
func (m *Manager) AdoptSegment(seg *columnar.Segment) error {
	width := m.cfg.ChunkWidth(seg.Timeframe).Milliseconds()
	id := ID{
		Symbol:    seg.Symbol,
		Timeframe: seg.Timeframe,
		StartMs:   floorDiv(seg.MinTimeMs, width) * width,
	}
	c := m.getOrCreate(id)
	if !c.adoptSegment(seg) {
		return fmt.Errorf("chunk %s@%d already populated: %w",
			id.Series(), id.StartMs, cacheerr.ErrConflict)
	}
	return nil
}

// QueryRange returns every stored record for the series with open time
// in [startMs, endMs), sorted ascending. Hot and cold chunks are read
// transparently.
func (m *Manager) QueryRange(symbol string, tf types.Timeframe, startMs, endMs int64) ([]types.CandleRecord, error) {
	var out []types.CandleRecord
	for _, c := range m.overlapping(symbol, tf, startMs, endMs) {
		var err error
		out, err = c.rangeRows(m.engine, startMs, endMs, out)
		if err != nil {
			return nil, fmt.Errorf("chunk %s/%s@%d: %w", symbol, tf, c.id.StartMs, err)
		}
	}
	sortRows(out)
	return out, nil
}

// OpenTimes returns every stored open time for the series in
// [startMs, endMs), sorted ascending. Cold chunks decode only the
// timestamp column.
func (m *Manager) OpenTimes(symbol string, tf types.Timeframe, startMs, endMs int64) ([]int64, error) {
	var out []int64
	for _, c := range m.overlapping(symbol, tf, startMs, endMs) {
		var err error
		out, err = c.rangeTimes(m.engine, startMs, endMs, out)
		if err != nil {
			return nil, fmt.Errorf("chunk %s/%s@%d: %w", symbol, tf, c.id.StartMs, err)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

// SeriesCount returns the exact number of stored rows for a series,
// summed from per-chunk counts.
func (m *Manager) SeriesCount(symbol string, tf types.Timeframe) int64 {
	m.mu.RLock()
	chunks := m.series[types.SeriesKey{Symbol: symbol, Timeframe: tf}]
	snapshot := make([]*Chunk, 0, len(chunks))
	for _, c := range chunks {
		snapshot = append(snapshot, c)
	}
	m.mu.RUnlock()

	var total int64
	for _, c := range snapshot {
		total += int64(c.Len())
	}
	return total
}

// SeriesBounds returns the earliest and latest stored open time for a
// series. ok is false when the series holds no rows.
func (m *Manager) SeriesBounds(symbol string, tf types.Timeframe) (minMs, maxMs int64, ok bool) {
	times, err := m.OpenTimes(symbol, tf, 0, int64(1)<<62)
	if err != nil || len(times) == 0 {
		return 0, 0, false
	}
	return times[0], times[len(times)-1], true
}

// LatestPerSymbol returns, for every symbol holding the given timeframe,
// the record with the greatest open time.
func (m *Manager) LatestPerSymbol(tf types.Timeframe) (map[string]types.CandleRecord, error) {
	m.mu.RLock()
	bySymbol := make(map[string][]*Chunk)
	for key, chunks := range m.series {
		if key.Timeframe != tf {
			continue
		}
		for _, c := range chunks {
			bySymbol[key.Symbol] = append(bySymbol[key.Symbol], c)
		}
	}
	m.mu.RUnlock()

	out := make(map[string]types.CandleRecord, len(bySymbol))
	for symbol, chunks := range bySymbol {
		// Scan chunks newest-first; the first one with a row wins.
		sort.Slice(chunks, func(i, j int) bool {
			return chunks[i].id.StartMs > chunks[j].id.StartMs
		})
		for _, c := range chunks {
			rec, found, err := c.latestRow(m.engine)
			if err != nil {
				return nil, fmt.Errorf("chunk %s/%s@%d: %w", symbol, tf, c.id.StartMs, err)
			}
			if found {
				out[symbol] = rec
				break
			}
		}
	}
	return out, nil
}

// Symbols returns every symbol with at least one chunk, deduplicated.
func (m *Manager) Symbols() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	seen := make(map[string]struct{})
	for key := range m.series {
		seen[key.Symbol] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for s := range seen {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// SeriesKeys returns every series with at least one chunk.
func (m *Manager) SeriesKeys() []types.SeriesKey {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]types.SeriesKey, 0, len(m.series))
	for key := range m.series {
		out = append(out, key)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

// Stats returns current chunk store counters.
func (m *Manager) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := Stats{
		Series:       len(m.series),
		RowsInserted: m.inserted.Load(),
		RowsUpdated:  m.updated.Load(),
		RowsSkipped:  m.skipped.Load(),
	}
	for _, chunks := range m.series {
		for _, c := range chunks {
			c.mu.RLock()
			if c.state == StateCold {
				stats.ColdChunks++
				stats.CompressedSize += int64(c.segment.SizeBytes())
			} else {
				stats.HotChunks++
			}
			c.mu.RUnlock()
		}
	}
	return stats
}

// lookup returns the chunk for id, or nil.
func (m *Manager) lookup(id ID) *Chunk {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.series[id.Series()][id.StartMs]
}

// getOrCreate returns the chunk for id, creating it if absent.
func (m *Manager) getOrCreate(id ID) *Chunk {
	m.mu.RLock()
	c := m.series[id.Series()][id.StartMs]
	m.mu.RUnlock()
	if c != nil {
		return c
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	key := id.Series()
	if m.series[key] == nil {
		m.series[key] = make(map[int64]*Chunk)
	}
	if c := m.series[key][id.StartMs]; c != nil {
		return c
	}
	width := m.cfg.ChunkWidth(id.Timeframe).Milliseconds()
	c = newChunk(id, id.StartMs+width)
	m.series[key][id.StartMs] = c
	return c
}

// overlapping snapshots the series chunks whose windows intersect
// [startMs, endMs), ordered by start boundary.
func (m *Manager) overlapping(symbol string, tf types.Timeframe, startMs, endMs int64) []*Chunk {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Chunk
	for _, c := range m.series[types.SeriesKey{Symbol: symbol, Timeframe: tf}] {
		if c.id.StartMs < endMs && c.endMs > startMs {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id.StartMs < out[j].id.StartMs })
	return out
}

func validateRecord(rec *types.CandleRecord) error {
	if rec.Symbol == "" {
		return cacheerr.ErrEmptySymbol
	}
	if rec.OpenTimeMs <= 0 {
		return cacheerr.ErrZeroTimestamp
	}
	if rec.Timeframe.Interval() <= 0 {
		return cacheerr.ErrUnknownTimeframe
	}
	return nil
}

// floorDiv divides rounding toward negative infinity.
func floorDiv(a, b int64) int64 {
	q := a / b
	if a%b != 0 && (a < 0) != (b < 0) {
		q--
	}
	return q
}
