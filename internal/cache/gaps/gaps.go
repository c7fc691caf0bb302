// Package gaps finds the sub-ranges of a query window that hold no
// cached candles, so a fetcher can request exactly the missing data.
package gaps

import (
	"fmt"

	"github.com/quantfold/candlecache/internal/cache/metadata"
	"github.com/quantfold/candlecache/internal/cache/types"
)

// TimestampSource supplies the stored open times of a series inside a
// half-open window, sorted ascending.
type TimestampSource interface {
	OpenTimes(symbol string, tf types.Timeframe, startMs, endMs int64) ([]int64, error)
}

// ExtentSource supplies the cached extent of a series, used as a fast
// path to skip the timestamp scan entirely.
type ExtentSource interface {
	Extent(symbol string, tf types.Timeframe) (metadata.Extent, bool)
}

// Detector computes missing sub-ranges of a query window.
type Detector struct {
	source  TimestampSource
	extents ExtentSource
}

// NewDetector creates a gap detector. extents may be nil; it only
// short-circuits windows that cannot overlap any cached data.
func NewDetector(source TimestampSource, extents ExtentSource) *Detector {
	return &Detector{source: source, extents: extents}
}

// Gaps returns the maximal half-open sub-ranges of [startMs, endMs) not
// covered by stored candles, in ascending order. An empty result means
// the window is fully covered. toleranceMs is slack added to the bar
// interval before a spacing between consecutive bars counts as a gap,
// absorbing legitimate non-trading periods; a negative tolerance means
// half an interval. The missing range between two bars starts one
// interval after the earlier bar, since a bar covers its own interval.
func (d *Detector) Gaps(symbol string, tf types.Timeframe, startMs, endMs, toleranceMs int64) ([]types.Gap, error) {
	if endMs <= startMs {
		return nil, nil
	}
	interval := tf.Interval().Milliseconds()
	if interval <= 0 {
		return nil, fmt.Errorf("timeframe %s has no interval", tf)
	}
	if toleranceMs < 0 {
		toleranceMs = interval / 2
	}

	whole := []types.Gap{{StartMs: startMs, EndMs: endMs}}
	if d.extents != nil {
		ext, ok := d.extents.Extent(symbol, tf)
		if !ok || ext.LatestMs < startMs || ext.EarliestMs >= endMs {
			return whole, nil
		}
	}

	times, err := d.source.OpenTimes(symbol, tf, startMs, endMs)
	if err != nil {
		return nil, fmt.Errorf("list open times for %s/%s: %w", symbol, tf, err)
	}
	if len(times) == 0 {
		return whole, nil
	}

	var out []types.Gap

	// Leading gap before the first stored bar.
	if times[0] > startMs {
		out = append(out, types.Gap{StartMs: startMs, EndMs: times[0]})
	}

	// Interior gaps between consecutive bars.
	for i := 1; i < len(times); i++ {
		if times[i]-times[i-1] > interval+toleranceMs {
			out = append(out, types.Gap{
				StartMs: times[i-1] + interval,
				EndMs:   times[i],
			})
		}
	}

	// Trailing gap after the last stored bar's covered interval.
	last := times[len(times)-1]
	if endMs > last+interval+toleranceMs {
		out = append(out, types.Gap{StartMs: last + interval, EndMs: endMs})
	}

	return out, nil
}
