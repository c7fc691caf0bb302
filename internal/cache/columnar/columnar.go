// Package columnar implements the compressed in-memory representation of
// closed chunks. Rows are transposed into per-column payloads: timestamps
// use delta-of-delta encoding, prices use fixed-point deltas when every
// value survives the scale round-trip exactly, and optional columns carry
// a run-length presence prefix. A column whose values cannot be encoded
// exactly falls back to raw bits, so decompression always reproduces the
// original rows byte for byte.
package columnar

import (
	"fmt"
	"sort"

	"github.com/quantfold/candlecache/internal/cache/types"
	"github.com/quantfold/candlecache/internal/logging"
)

// Column identifies one field of a candle row inside a segment.
type Column int

const (
	// ColTime is the bar open timestamp column.
	ColTime Column = iota
	// ColOpen is the open price column.
	ColOpen
	// ColHigh is the high price column.
	ColHigh
	// ColLow is the low price column.
	ColLow
	// ColClose is the close price column.
	ColClose
	// ColVolume is the base volume column.
	ColVolume
	// ColQuoteVolume is the optional quote volume column.
	ColQuoteVolume
	// ColTradeCount is the optional trade count column.
	ColTradeCount
	// ColFetchedAt is the fetch timestamp column.
	ColFetchedAt

	numColumns
)

// String returns the column name.
func (c Column) String() string {
	switch c {
	case ColTime:
		return "time"
	case ColOpen:
		return "open"
	case ColHigh:
		return "high"
	case ColLow:
		return "low"
	case ColClose:
		return "close"
	case ColVolume:
		return "volume"
	case ColQuoteVolume:
		return "quote_volume"
	case ColTradeCount:
		return "trade_count"
	case ColFetchedAt:
		return "fetched_at"
	default:
		return "unknown"
	}
}

// Encoding identifies how a column payload is encoded.
type Encoding uint8

const (
	// EncDeltaOfDelta is zigzag-varint delta-of-delta for integer columns.
	EncDeltaOfDelta Encoding = iota
	// EncFixedPointDelta is delta-of-delta over fixed-point scaled floats.
	EncFixedPointDelta
	// EncRawFloat stores float64 bit patterns verbatim.
	EncRawFloat
	// EncNullable wraps an inner encoding with a run-length presence prefix.
	EncNullable
)

// ColumnData is one encoded column of a segment.
type ColumnData struct {
	Encoding Encoding
	Payload  []byte
}

// Segment is the compressed form of a closed chunk's rows.
type Segment struct {
	Symbol    string
	Timeframe types.Timeframe
	RowCount  int
	MinTimeMs int64
	MaxTimeMs int64
	Columns   [numColumns]ColumnData
}

// SizeBytes returns the total encoded payload size.
func (s *Segment) SizeBytes() int {
	total := 0
	for i := range s.Columns {
		total += len(s.Columns[i].Payload)
	}
	return total
}

// Engine compresses candle rows into segments and back.
type Engine struct {
	priceScale int64
}

// NewEngine creates a compression engine with the given fixed-point scale
// for price and volume columns.
func NewEngine(priceScale int64) *Engine {
	return &Engine{priceScale: priceScale}
}

// Compress transposes rows into a segment. Rows must belong to a single
// series; they are sorted by open time before encoding. Decompressing the
// result reproduces the input rows exactly.
func (e *Engine) Compress(rows []types.CandleRecord) (*Segment, error) {
	if len(rows) == 0 {
		return nil, fmt.Errorf("compress: no rows")
	}

	sorted := make([]types.CandleRecord, len(rows))
	copy(sorted, rows)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].OpenTimeMs < sorted[j].OpenTimeMs
	})

	seg := &Segment{
		Symbol:    sorted[0].Symbol,
		Timeframe: sorted[0].Timeframe,
		RowCount:  len(sorted),
		MinTimeMs: sorted[0].OpenTimeMs,
		MaxTimeMs: sorted[len(sorted)-1].OpenTimeMs,
	}

	for _, r := range sorted {
		if r.Symbol != seg.Symbol || r.Timeframe != seg.Timeframe {
			return nil, fmt.Errorf("compress: mixed series %s/%s and %s/%s",
				seg.Symbol, seg.Timeframe, r.Symbol, r.Timeframe)
		}
	}

	times := make([]int64, len(sorted))
	fetched := make([]int64, len(sorted))
	for i, r := range sorted {
		times[i] = r.OpenTimeMs
		fetched[i] = r.FetchedAtMs
	}
	seg.Columns[ColTime] = ColumnData{EncDeltaOfDelta, encodeInts(times)}
	seg.Columns[ColFetchedAt] = ColumnData{EncDeltaOfDelta, encodeInts(fetched)}

	floatCol := func(col Column, pick func(types.CandleRecord) float64) {
		vals := make([]float64, len(sorted))
		for i, r := range sorted {
			vals[i] = pick(r)
		}
		enc, payload := e.encodeFloats(vals)
		if enc == EncRawFloat {
			logging.Debug("column stored raw, values not exact at configured scale",
				"symbol", seg.Symbol, "timeframe", seg.Timeframe.String(),
				"column", col.String(), "scale", e.priceScale)
		}
		seg.Columns[col] = ColumnData{enc, payload}
	}
	floatCol(ColOpen, func(r types.CandleRecord) float64 { return r.Open })
	floatCol(ColHigh, func(r types.CandleRecord) float64 { return r.High })
	floatCol(ColLow, func(r types.CandleRecord) float64 { return r.Low })
	floatCol(ColClose, func(r types.CandleRecord) float64 { return r.Close })
	floatCol(ColVolume, func(r types.CandleRecord) float64 { return r.Volume })

	seg.Columns[ColQuoteVolume] = ColumnData{EncNullable, e.encodeNullableFloats(sorted)}
	seg.Columns[ColTradeCount] = ColumnData{EncNullable, encodeNullableInts(sorted)}

	return seg, nil
}

// Decompress reconstructs rows from a segment. If cols is empty every
// column is decoded; otherwise only the named columns are populated,
// with the rest left at their zero values. Symbol and timeframe come
// from the segment either way.
func (e *Engine) Decompress(seg *Segment, cols ...Column) ([]types.CandleRecord, error) {
	if seg == nil {
		return nil, fmt.Errorf("decompress: nil segment")
	}
	if seg.RowCount == 0 {
		return nil, nil
	}

	want := [numColumns]bool{}
	if len(cols) == 0 {
		for i := range want {
			want[i] = true
		}
	} else {
		for _, c := range cols {
			if c < 0 || c >= numColumns {
				return nil, fmt.Errorf("decompress: unknown column %d", c)
			}
			want[c] = true
		}
	}

	rows := make([]types.CandleRecord, seg.RowCount)
	for i := range rows {
		rows[i].Symbol = seg.Symbol
		rows[i].Timeframe = seg.Timeframe
	}

	intCol := func(col Column, assign func(*types.CandleRecord, int64)) error {
		if !want[col] {
			return nil
		}
		vals, err := decodeInts(seg.Columns[col].Payload, seg.RowCount)
		if err != nil {
			return fmt.Errorf("column %s: %w", col, err)
		}
		for i := range rows {
			assign(&rows[i], vals[i])
		}
		return nil
	}
	if err := intCol(ColTime, func(r *types.CandleRecord, v int64) { r.OpenTimeMs = v }); err != nil {
		return nil, err
	}
	if err := intCol(ColFetchedAt, func(r *types.CandleRecord, v int64) { r.FetchedAtMs = v }); err != nil {
		return nil, err
	}

	floatCol := func(col Column, assign func(*types.CandleRecord, float64)) error {
		if !want[col] {
			return nil
		}
		cd := seg.Columns[col]
		vals, err := e.decodeFloats(cd.Encoding, cd.Payload, seg.RowCount)
		if err != nil {
			return fmt.Errorf("column %s: %w", col, err)
		}
		for i := range rows {
			assign(&rows[i], vals[i])
		}
		return nil
	}
	if err := floatCol(ColOpen, func(r *types.CandleRecord, v float64) { r.Open = v }); err != nil {
		return nil, err
	}
	if err := floatCol(ColHigh, func(r *types.CandleRecord, v float64) { r.High = v }); err != nil {
		return nil, err
	}
	if err := floatCol(ColLow, func(r *types.CandleRecord, v float64) { r.Low = v }); err != nil {
		return nil, err
	}
	if err := floatCol(ColClose, func(r *types.CandleRecord, v float64) { r.Close = v }); err != nil {
		return nil, err
	}
	if err := floatCol(ColVolume, func(r *types.CandleRecord, v float64) { r.Volume = v }); err != nil {
		return nil, err
	}

	if want[ColQuoteVolume] {
		if err := e.decodeNullableFloats(seg.Columns[ColQuoteVolume].Payload, rows); err != nil {
			return nil, fmt.Errorf("column quote_volume: %w", err)
		}
	}
	if want[ColTradeCount] {
		if err := decodeNullableInts(seg.Columns[ColTradeCount].Payload, rows); err != nil {
			return nil, fmt.Errorf("column trade_count: %w", err)
		}
	}

	return rows, nil
}

// OpenTimes decodes only the timestamp column of a segment.
func (e *Engine) OpenTimes(seg *Segment) ([]int64, error) {
	if seg == nil || seg.RowCount == 0 {
		return nil, nil
	}
	return decodeInts(seg.Columns[ColTime].Payload, seg.RowCount)
}
