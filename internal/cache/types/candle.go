package types

import "time"

// CandleRecord is a single OHLCV bar for one (symbol, timeframe) series.
// This is the primary data unit flowing through the cache. Records are
// unique on (Symbol, Timeframe, OpenTimeMs) and immutable in principle;
// a re-fetch may replace one only through the configured overwrite policy.
type CandleRecord struct {
	// Identity
	Symbol    string
	Timeframe Timeframe

	// OpenTimeMs is the bar's open time as a Unix timestamp in milliseconds.
	OpenTimeMs int64

	// Price columns
	Open  float64
	High  float64
	Low   float64
	Close float64

	// Volume is the traded base-asset volume for the bar.
	Volume float64

	// Optional columns; nil when the upstream source does not report them.
	QuoteVolume *float64
	TradeCount  *int64

	// FetchedAtMs records when the upstream fetch produced this bar.
	FetchedAtMs int64
}

// OpenTime returns the open time as a time.Time.
func (c *CandleRecord) OpenTime() time.Time {
	return time.UnixMilli(c.OpenTimeMs)
}

// Key returns a unique identifier for this record's series.
func (c *CandleRecord) Key() SeriesKey {
	return SeriesKey{Symbol: c.Symbol, Timeframe: c.Timeframe}
}

// SeriesKey identifies one (symbol, timeframe) candle series.
type SeriesKey struct {
	Symbol    string
	Timeframe Timeframe
}

// String returns a stable string form usable as a map or log key.
func (k SeriesKey) String() string {
	return k.Symbol + "/" + k.Timeframe.String()
}

// Gap is a maximal half-open [StartMs, EndMs) sub-range of a query window
// with no covering candle.
type Gap struct {
	StartMs int64
	EndMs   int64
}

// Duration returns the length of the gap.
func (g Gap) Duration() time.Duration {
	return time.Duration(g.EndMs-g.StartMs) * time.Millisecond
}
