// Package chunk implements the chunked candle store. Rows route to
// fixed-width time chunks via floor division of the bar open time.
// Young chunks hold mutable row maps; once a chunk's window falls behind
// the compaction lag it closes, its rows compress into a columnar
// segment, and further writes to it are rejected.
package chunk

import (
	"sort"
	"sync"

	"github.com/quantfold/candlecache/internal/cache/columnar"
	"github.com/quantfold/candlecache/internal/cache/types"
)

// State is the lifecycle state of a chunk.
type State int

const (
	// StateHot is the mutable row-map form accepting writes.
	StateHot State = iota
	// StateCold is the compressed columnar form, read only.
	StateCold
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateHot:
		return "hot"
	case StateCold:
		return "cold"
	default:
		return "unknown"
	}
}

// ID identifies one chunk: a series plus the chunk's start boundary.
type ID struct {
	Symbol    string
	Timeframe types.Timeframe
	StartMs   int64
}

// Series returns the chunk's series key.
func (id ID) Series() types.SeriesKey {
	return types.SeriesKey{Symbol: id.Symbol, Timeframe: id.Timeframe}
}

// Chunk holds the rows of one chunk window in exactly one of two forms.
// Hot chunks keep rows keyed by open time; cold chunks keep a compressed
// segment and a nil row map.
type Chunk struct {
	mu sync.RWMutex

	id    ID
	endMs int64

	state   State
	rows    map[int64]types.CandleRecord
	segment *columnar.Segment
}

func newChunk(id ID, endMs int64) *Chunk {
	return &Chunk{
		id:    id,
		endMs: endMs,
		state: StateHot,
		rows:  make(map[int64]types.CandleRecord),
	}
}

// ID returns the chunk identity.
func (c *Chunk) ID() ID { return c.id }

// EndMs returns the exclusive end boundary of the chunk window.
func (c *Chunk) EndMs() int64 { return c.endMs }

// State returns the current lifecycle state.
func (c *Chunk) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Len returns the exact number of rows in the chunk, whichever form it
// is in.
func (c *Chunk) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lenLocked()
}

func (c *Chunk) lenLocked() int {
	if c.state == StateCold {
		return c.segment.RowCount
	}
	return len(c.rows)
}

// Segment returns the compressed segment, or nil while the chunk is hot.
func (c *Chunk) Segment() *columnar.Segment {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.segment
}

// compress converts the chunk to its cold form. The row snapshot is
// taken under the read lock and encoded outside any lock, then the
// state swap re-checks that no concurrent compression won.
func (c *Chunk) compress(engine *columnar.Engine) (*columnar.Segment, error) {
	c.mu.RLock()
	if c.state == StateCold {
		seg := c.segment
		c.mu.RUnlock()
		return seg, nil
	}
	snapshot := make([]types.CandleRecord, 0, len(c.rows))
	for _, r := range c.rows {
		snapshot = append(snapshot, r)
	}
	c.mu.RUnlock()

	seg, err := engine.Compress(snapshot)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateCold {
		return c.segment, nil
	}
	c.state = StateCold
	c.segment = seg
	c.rows = nil
	return seg, nil
}

// adoptSegment installs a compressed segment directly, used when
// reloading persisted cold chunks at startup. Returns false when the
// chunk already holds rows.
func (c *Chunk) adoptSegment(seg *columnar.Segment) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateHot || len(c.rows) > 0 {
		return false
	}
	c.state = StateCold
	c.segment = seg
	c.rows = nil
	return true
}

// rangeRows appends every row with open time in [startMs, endMs) to dst.
// Cold chunks decode through the engine.
func (c *Chunk) rangeRows(engine *columnar.Engine, startMs, endMs int64, dst []types.CandleRecord) ([]types.CandleRecord, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.state == StateHot {
		for ts, r := range c.rows {
			if ts >= startMs && ts < endMs {
				dst = append(dst, r)
			}
		}
		return dst, nil
	}

	if c.segment.MinTimeMs >= endMs || c.segment.MaxTimeMs < startMs {
		return dst, nil
	}
	rows, err := engine.Decompress(c.segment)
	if err != nil {
		return nil, err
	}
	for _, r := range rows {
		if r.OpenTimeMs >= startMs && r.OpenTimeMs < endMs {
			dst = append(dst, r)
		}
	}
	return dst, nil
}

// rangeTimes appends every open time in [startMs, endMs) to dst. Cold
// chunks decode only the timestamp column.
func (c *Chunk) rangeTimes(engine *columnar.Engine, startMs, endMs int64, dst []int64) ([]int64, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.state == StateHot {
		for ts := range c.rows {
			if ts >= startMs && ts < endMs {
				dst = append(dst, ts)
			}
		}
		return dst, nil
	}

	if c.segment.MinTimeMs >= endMs || c.segment.MaxTimeMs < startMs {
		return dst, nil
	}
	times, err := engine.OpenTimes(c.segment)
	if err != nil {
		return nil, err
	}
	for _, ts := range times {
		if ts >= startMs && ts < endMs {
			dst = append(dst, ts)
		}
	}
	return dst, nil
}

// latestRow returns the row with the greatest open time, if any.
func (c *Chunk) latestRow(engine *columnar.Engine) (types.CandleRecord, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.state == StateHot {
		var best types.CandleRecord
		found := false
		for _, r := range c.rows {
			if !found || r.OpenTimeMs > best.OpenTimeMs {
				best = r
				found = true
			}
		}
		return best, found, nil
	}

	rows, err := engine.Decompress(c.segment)
	if err != nil {
		return types.CandleRecord{}, false, err
	}
	if len(rows) == 0 {
		return types.CandleRecord{}, false, nil
	}
	best := rows[0]
	for _, r := range rows[1:] {
		if r.OpenTimeMs > best.OpenTimeMs {
			best = r
		}
	}
	return best, true, nil
}

func sortRows(rows []types.CandleRecord) {
	sort.Slice(rows, func(i, j int) bool {
		return rows[i].OpenTimeMs < rows[j].OpenTimeMs
	})
}
