package columnar

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/quantfold/candlecache/internal/cache/types"
)

// Integer column payload (delta-of-delta, little-endian varints):
// - Value count (uvarint)
// - First value (zigzag varint)
// - First delta (zigzag varint), when count > 1
// - Delta-of-delta per remaining value (zigzag varint)
//
// Float column payload, fixed-point form: values are scaled to int64 and
// share the integer layout. Raw form: value count (uvarint) followed by
// 8 bytes of IEEE-754 bits per value.
//
// Nullable column payload:
// - Run count (uvarint)
// - Per run: length (uvarint) + presence flag (1 byte)
// - Inner encoding (1 byte) + inner payload covering present values only

// encodeInts encodes an integer column with delta-of-delta compression.
func encodeInts(vals []int64) []byte {
	buf := make([]byte, 0, len(vals)*2+10)
	buf = binary.AppendUvarint(buf, uint64(len(vals)))
	if len(vals) == 0 {
		return buf
	}
	buf = binary.AppendVarint(buf, vals[0])
	if len(vals) == 1 {
		return buf
	}
	prevDelta := vals[1] - vals[0]
	buf = binary.AppendVarint(buf, prevDelta)
	for i := 2; i < len(vals); i++ {
		delta := vals[i] - vals[i-1]
		buf = binary.AppendVarint(buf, delta-prevDelta)
		prevDelta = delta
	}
	return buf
}

// decodeInts decodes an integer column, verifying the stored count
// matches the expected row count.
func decodeInts(data []byte, expect int) ([]int64, error) {
	count, offset, err := readUvarint(data, 0)
	if err != nil {
		return nil, fmt.Errorf("value count: %w", err)
	}
	if int(count) != expect {
		return nil, fmt.Errorf("value count %d, expected %d", count, expect)
	}
	if count == 0 {
		return nil, nil
	}

	vals := make([]int64, count)
	vals[0], offset, err = readVarint(data, offset)
	if err != nil {
		return nil, fmt.Errorf("first value: %w", err)
	}
	if count == 1 {
		return vals, nil
	}

	delta, offset, err := readVarint(data, offset)
	if err != nil {
		return nil, fmt.Errorf("first delta: %w", err)
	}
	vals[1] = vals[0] + delta
	for i := 2; i < int(count); i++ {
		var dod int64
		dod, offset, err = readVarint(data, offset)
		if err != nil {
			return nil, fmt.Errorf("value %d: %w", i, err)
		}
		delta += dod
		vals[i] = vals[i-1] + delta
	}
	return vals, nil
}

// encodeFloats encodes a float column. Fixed-point deltas are used when
// every value survives the scale round-trip exactly, otherwise the
// column stores raw bit patterns.
func (e *Engine) encodeFloats(vals []float64) (Encoding, []byte) {
	scaled, ok := e.scaleExact(vals)
	if ok {
		return EncFixedPointDelta, encodeInts(scaled)
	}
	buf := make([]byte, 0, len(vals)*8+4)
	buf = binary.AppendUvarint(buf, uint64(len(vals)))
	for _, v := range vals {
		buf = binary.LittleEndian.AppendUint64(buf, math.Float64bits(v))
	}
	return EncRawFloat, buf
}

// decodeFloats decodes a float column in either form.
func (e *Engine) decodeFloats(enc Encoding, data []byte, expect int) ([]float64, error) {
	switch enc {
	case EncFixedPointDelta:
		scaled, err := decodeInts(data, expect)
		if err != nil {
			return nil, err
		}
		vals := make([]float64, len(scaled))
		scale := float64(e.priceScale)
		for i, s := range scaled {
			vals[i] = float64(s) / scale
		}
		return vals, nil
	case EncRawFloat:
		count, offset, err := readUvarint(data, 0)
		if err != nil {
			return nil, fmt.Errorf("value count: %w", err)
		}
		if int(count) != expect {
			return nil, fmt.Errorf("value count %d, expected %d", count, expect)
		}
		if offset+int(count)*8 > len(data) {
			return nil, fmt.Errorf("data too short for %d raw values", count)
		}
		vals := make([]float64, count)
		for i := range vals {
			vals[i] = math.Float64frombits(binary.LittleEndian.Uint64(data[offset:]))
			offset += 8
		}
		return vals, nil
	default:
		return nil, fmt.Errorf("unexpected encoding %d for float column", enc)
	}
}

// scaleExact converts values to fixed-point integers, reporting whether
// every value round-trips to its original float exactly.
func (e *Engine) scaleExact(vals []float64) ([]int64, bool) {
	const maxExact = float64(1 << 53)
	scale := float64(e.priceScale)
	scaled := make([]int64, len(vals))
	for i, v := range vals {
		s := math.Round(v * scale)
		if math.IsNaN(s) || math.Abs(s) >= maxExact {
			return nil, false
		}
		if float64(int64(s))/scale != v {
			return nil, false
		}
		scaled[i] = int64(s)
	}
	return scaled, true
}

// encodeNullableFloats encodes the quote volume column: a presence
// run-length prefix followed by the present values as a float column.
func (e *Engine) encodeNullableFloats(rows []types.CandleRecord) []byte {
	present := make([]bool, len(rows))
	var vals []float64
	for i, r := range rows {
		if r.QuoteVolume != nil {
			present[i] = true
			vals = append(vals, *r.QuoteVolume)
		}
	}
	buf := encodeRuns(present)
	enc, payload := e.encodeFloats(vals)
	buf = append(buf, byte(enc))
	return append(buf, payload...)
}

// decodeNullableFloats decodes the quote volume column into rows.
func (e *Engine) decodeNullableFloats(data []byte, rows []types.CandleRecord) error {
	present, offset, err := decodeRuns(data, len(rows))
	if err != nil {
		return err
	}
	presentCount := 0
	for _, p := range present {
		if p {
			presentCount++
		}
	}
	if offset >= len(data) {
		return fmt.Errorf("data too short for inner encoding")
	}
	enc := Encoding(data[offset])
	vals, err := e.decodeFloats(enc, data[offset+1:], presentCount)
	if err != nil {
		return err
	}
	j := 0
	for i := range rows {
		if present[i] {
			v := vals[j]
			rows[i].QuoteVolume = &v
			j++
		}
	}
	return nil
}

// encodeNullableInts encodes the trade count column: a presence
// run-length prefix followed by the present values as an integer column.
func encodeNullableInts(rows []types.CandleRecord) []byte {
	present := make([]bool, len(rows))
	var vals []int64
	for i, r := range rows {
		if r.TradeCount != nil {
			present[i] = true
			vals = append(vals, *r.TradeCount)
		}
	}
	buf := encodeRuns(present)
	buf = append(buf, byte(EncDeltaOfDelta))
	return append(buf, encodeInts(vals)...)
}

// decodeNullableInts decodes the trade count column into rows.
func decodeNullableInts(data []byte, rows []types.CandleRecord) error {
	present, offset, err := decodeRuns(data, len(rows))
	if err != nil {
		return err
	}
	presentCount := 0
	for _, p := range present {
		if p {
			presentCount++
		}
	}
	if offset >= len(data) {
		return fmt.Errorf("data too short for inner encoding")
	}
	if enc := Encoding(data[offset]); enc != EncDeltaOfDelta {
		return fmt.Errorf("unexpected encoding %d for integer column", enc)
	}
	vals, err := decodeInts(data[offset+1:], presentCount)
	if err != nil {
		return err
	}
	j := 0
	for i := range rows {
		if present[i] {
			v := vals[j]
			rows[i].TradeCount = &v
			j++
		}
	}
	return nil
}

// encodeRuns run-length encodes a presence bitmap.
func encodeRuns(present []bool) []byte {
	type run struct {
		length  int
		present bool
	}
	var runs []run
	for _, p := range present {
		if len(runs) > 0 && runs[len(runs)-1].present == p {
			runs[len(runs)-1].length++
			continue
		}
		runs = append(runs, run{1, p})
	}

	buf := make([]byte, 0, len(runs)*3+4)
	buf = binary.AppendUvarint(buf, uint64(len(runs)))
	for _, r := range runs {
		buf = binary.AppendUvarint(buf, uint64(r.length))
		if r.present {
			buf = append(buf, 1)
		} else {
			buf = append(buf, 0)
		}
	}
	return buf
}

// decodeRuns decodes a presence bitmap, verifying total length.
func decodeRuns(data []byte, expect int) ([]bool, int, error) {
	runCount, offset, err := readUvarint(data, 0)
	if err != nil {
		return nil, 0, fmt.Errorf("run count: %w", err)
	}
	present := make([]bool, 0, expect)
	for i := 0; i < int(runCount); i++ {
		var length uint64
		length, offset, err = readUvarint(data, offset)
		if err != nil {
			return nil, 0, fmt.Errorf("run %d length: %w", i, err)
		}
		if offset >= len(data) {
			return nil, 0, fmt.Errorf("run %d: data too short for presence flag", i)
		}
		flag := data[offset] == 1
		offset++
		if len(present)+int(length) > expect {
			return nil, 0, fmt.Errorf("runs cover %d values, expected %d",
				len(present)+int(length), expect)
		}
		for j := 0; j < int(length); j++ {
			present = append(present, flag)
		}
	}
	if len(present) != expect {
		return nil, 0, fmt.Errorf("runs cover %d values, expected %d", len(present), expect)
	}
	return present, offset, nil
}

// readUvarint reads an unsigned varint with bounds checking.
func readUvarint(data []byte, offset int) (uint64, int, error) {
	v, n := binary.Uvarint(data[offset:])
	if n <= 0 {
		return 0, offset, fmt.Errorf("malformed uvarint at offset %d", offset)
	}
	return v, offset + n, nil
}

// readVarint reads a signed varint with bounds checking.
func readVarint(data []byte, offset int) (int64, int, error) {
	v, n := binary.Varint(data[offset:])
	if n <= 0 {
		return 0, offset, fmt.Errorf("malformed varint at offset %d", offset)
	}
	return v, offset + n, nil
}
