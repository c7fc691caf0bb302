package chunk

import (
	"errors"
	"testing"
	"time"

	"github.com/quantfold/candlecache/internal/cache/columnar"
	"github.com/quantfold/candlecache/internal/cache/config"
	"github.com/quantfold/candlecache/internal/cache/types"
	cacheerr "github.com/quantfold/candlecache/internal/errors"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	cfg := config.DefaultConfig()
	return NewManager(cfg, columnar.NewEngine(cfg.Compression.PriceScale))
}

func candle(symbol string, tf types.Timeframe, openMs int64) types.CandleRecord {
	return types.CandleRecord{
		Symbol:      symbol,
		Timeframe:   tf,
		OpenTimeMs:  openMs,
		Open:        100,
		High:        101,
		Low:         99,
		Close:       100.5,
		Volume:      10,
		FetchedAtMs: openMs + 500,
	}
}

func hourly(symbol string, start time.Time, n int) []types.CandleRecord {
	out := make([]types.CandleRecord, n)
	for i := range out {
		out[i] = candle(symbol, types.Timeframe1h, start.Add(time.Duration(i)*time.Hour).UnixMilli())
		out[i].Close += float64(i)
	}
	return out
}

func TestAssignFloorsToChunkStart(t *testing.T) {
	m := newTestManager(t)
	day := (24 * time.Hour).Milliseconds()

	rec := candle("BTCUSDT", types.Timeframe1h, 3*day+5*time.Hour.Milliseconds())
	id, err := m.Assign(&rec)
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	if id.StartMs != 3*day {
		t.Errorf("chunk start = %d, want %d", id.StartMs, 3*day)
	}

	// Same series and open time always route to the same chunk.
	again, _ := m.Assign(&rec)
	if again != id {
		t.Errorf("assign not stable: %+v vs %+v", again, id)
	}

	// Daily bars use the wide chunk width.
	daily := candle("BTCUSDT", types.Timeframe1d, 100*day)
	did, err := m.Assign(&daily)
	if err != nil {
		t.Fatalf("assign daily: %v", err)
	}
	if did.StartMs != 90*day {
		t.Errorf("daily chunk start = %d, want %d", did.StartMs, 90*day)
	}
}

func TestAssignRejectsMalformed(t *testing.T) {
	m := newTestManager(t)

	rec := candle("", types.Timeframe1h, 1000)
	if _, err := m.Assign(&rec); !errors.Is(err, cacheerr.ErrEmptySymbol) {
		t.Errorf("empty symbol: got %v", err)
	}

	rec = candle("BTCUSDT", types.Timeframe1h, 0)
	if _, err := m.Assign(&rec); !errors.Is(err, cacheerr.ErrZeroTimestamp) {
		t.Errorf("zero timestamp: got %v", err)
	}

	rec = candle("BTCUSDT", types.Timeframe(99), 1000)
	if _, err := m.Assign(&rec); !errors.Is(err, cacheerr.ErrUnknownTimeframe) {
		t.Errorf("unknown timeframe: got %v", err)
	}
}

func TestWriteBatchInsertAndOverwrite(t *testing.T) {
	m := newTestManager(t)
	start := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	batch := hourly("BTCUSDT", start, 5)

	res, err := m.WriteBatch(batch)
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	if res.Inserted != 5 || res.Updated != 0 || res.Skipped != 0 {
		t.Fatalf("result = %+v, want 5 inserts", res)
	}
	if res.BatchMinMs != batch[0].OpenTimeMs || res.BatchMaxMs != batch[4].OpenTimeMs {
		t.Errorf("batch bounds = [%d, %d]", res.BatchMinMs, res.BatchMaxMs)
	}

	// Default policy replaces on duplicate key.
	batch[2].Close = 999
	res, err = m.WriteBatch(batch[2:3])
	if err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	if res.Updated != 1 || res.Inserted != 0 {
		t.Fatalf("result = %+v, want 1 update", res)
	}

	rows, err := m.QueryRange("BTCUSDT", types.Timeframe1h, 0, int64(1)<<60)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(rows) != 5 {
		t.Fatalf("got %d rows, want 5", len(rows))
	}
	if rows[2].Close != 999 {
		t.Errorf("row 2 close = %v, want replaced value", rows[2].Close)
	}
}

func TestWriteBatchFirstWriteWins(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Chunking.OverwritePolicy = config.FirstWriteWins
	m := NewManager(cfg, columnar.NewEngine(cfg.Compression.PriceScale))

	start := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	batch := hourly("BTCUSDT", start, 3)
	if _, err := m.WriteBatch(batch); err != nil {
		t.Fatalf("write: %v", err)
	}

	batch[1].Close = 999
	res, err := m.WriteBatch(batch[1:2])
	if err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	if res.Skipped != 1 || res.Updated != 0 {
		t.Fatalf("result = %+v, want 1 skip", res)
	}

	rows, _ := m.QueryRange("BTCUSDT", types.Timeframe1h, 0, int64(1)<<60)
	if rows[1].Close == 999 {
		t.Error("first-write-wins should have kept the original row")
	}
}

func TestWriteBatchRejectsMixedSeries(t *testing.T) {
	m := newTestManager(t)
	start := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	batch := hourly("BTCUSDT", start, 3)
	batch[1].Symbol = "ETHUSDT"

	if _, err := m.WriteBatch(batch); !errors.Is(err, cacheerr.ErrMixedSeries) {
		t.Fatalf("got %v, want ErrMixedSeries", err)
	}
	// Nothing from the batch may have landed.
	if n := m.SeriesCount("BTCUSDT", types.Timeframe1h); n != 0 {
		t.Errorf("series count = %d after rejected batch, want 0", n)
	}
}

func TestWriteBatchAtomicOnMalformedRecord(t *testing.T) {
	m := newTestManager(t)
	start := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	batch := hourly("BTCUSDT", start, 4)
	batch[3].OpenTimeMs = 0
	batch[3].Symbol = "BTCUSDT"

	if _, err := m.WriteBatch(batch); err == nil {
		t.Fatal("expected validation error")
	}
	if n := m.SeriesCount("BTCUSDT", types.Timeframe1h); n != 0 {
		t.Errorf("series count = %d after rejected batch, want 0", n)
	}
}

func TestClosedChunkRejectsWrites(t *testing.T) {
	m := newTestManager(t)
	start := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	batch := hourly("BTCUSDT", start, 6)
	if _, err := m.WriteBatch(batch); err != nil {
		t.Fatalf("write: %v", err)
	}

	ids := m.CloseEligible(time.Date(2024, 5, 10, 0, 0, 0, 0, time.UTC).UnixMilli())
	if len(ids) != 1 {
		t.Fatalf("eligible chunks = %d, want 1", len(ids))
	}
	if _, err := m.CompressChunk(ids[0]); err != nil {
		t.Fatalf("compress: %v", err)
	}

	if _, err := m.WriteBatch(batch[:1]); !errors.Is(err, cacheerr.ErrChunkClosed) {
		t.Fatalf("got %v, want ErrChunkClosed", err)
	}
}

func TestCloseEligibleHonorsLag(t *testing.T) {
	m := newTestManager(t)
	start := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	if _, err := m.WriteBatch(hourly("BTCUSDT", start, 3)); err != nil {
		t.Fatalf("write: %v", err)
	}

	chunkEnd := time.Date(2024, 5, 2, 0, 0, 0, 0, time.UTC)
	// Within the lag window the chunk stays open.
	if ids := m.CloseEligible(chunkEnd.Add(30 * time.Minute).UnixMilli()); len(ids) != 0 {
		t.Errorf("chunk eligible inside lag window: %v", ids)
	}
	// Past the lag it closes.
	if ids := m.CloseEligible(chunkEnd.Add(2 * time.Hour).UnixMilli()); len(ids) != 1 {
		t.Errorf("chunk not eligible past lag")
	}
}

func TestQueryAcrossHotAndCold(t *testing.T) {
	m := newTestManager(t)
	day1 := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	day2 := day1.Add(24 * time.Hour)

	if _, err := m.WriteBatch(hourly("BTCUSDT", day1, 24)); err != nil {
		t.Fatalf("write day1: %v", err)
	}
	if _, err := m.WriteBatch(hourly("BTCUSDT", day2, 6)); err != nil {
		t.Fatalf("write day2: %v", err)
	}

	// Close only the first day's chunk.
	ids := m.CloseEligible(day2.Add(2 * time.Hour).UnixMilli())
	if len(ids) != 1 || ids[0].StartMs != day1.UnixMilli() {
		t.Fatalf("eligible = %v, want day1 chunk only", ids)
	}
	if _, err := m.CompressChunk(ids[0]); err != nil {
		t.Fatalf("compress: %v", err)
	}

	// A query spanning both chunks sees all rows in order.
	rows, err := m.QueryRange("BTCUSDT", types.Timeframe1h,
		day1.Add(20*time.Hour).UnixMilli(), day2.Add(3*time.Hour).UnixMilli())
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(rows) != 7 {
		t.Fatalf("got %d rows, want 7", len(rows))
	}
	for i := 1; i < len(rows); i++ {
		if rows[i].OpenTimeMs <= rows[i-1].OpenTimeMs {
			t.Fatalf("rows out of order at %d", i)
		}
	}

	stats := m.Stats()
	if stats.ColdChunks != 1 || stats.HotChunks != 1 {
		t.Errorf("stats = %+v, want 1 hot and 1 cold", stats)
	}
	if stats.CompressedSize <= 0 {
		t.Errorf("compressed size = %d, want > 0", stats.CompressedSize)
	}
}

func TestSeriesCountExactAcrossForms(t *testing.T) {
	m := newTestManager(t)
	day1 := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)

	if _, err := m.WriteBatch(hourly("BTCUSDT", day1, 24)); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := m.WriteBatch(hourly("BTCUSDT", day1.Add(24*time.Hour), 10)); err != nil {
		t.Fatalf("write: %v", err)
	}
	if got := m.SeriesCount("BTCUSDT", types.Timeframe1h); got != 34 {
		t.Fatalf("count = %d, want 34", got)
	}

	for _, id := range m.CloseEligible(day1.Add(80 * time.Hour).UnixMilli()) {
		if _, err := m.CompressChunk(id); err != nil {
			t.Fatalf("compress: %v", err)
		}
	}
	if got := m.SeriesCount("BTCUSDT", types.Timeframe1h); got != 34 {
		t.Fatalf("count after compression = %d, want 34", got)
	}
}

func TestOpenTimesPrunedDecode(t *testing.T) {
	m := newTestManager(t)
	day1 := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	if _, err := m.WriteBatch(hourly("BTCUSDT", day1, 24)); err != nil {
		t.Fatalf("write: %v", err)
	}
	for _, id := range m.CloseEligible(day1.Add(80 * time.Hour).UnixMilli()) {
		if _, err := m.CompressChunk(id); err != nil {
			t.Fatalf("compress: %v", err)
		}
	}

	times, err := m.OpenTimes("BTCUSDT", types.Timeframe1h,
		day1.Add(5*time.Hour).UnixMilli(), day1.Add(10*time.Hour).UnixMilli())
	if err != nil {
		t.Fatalf("open times: %v", err)
	}
	if len(times) != 5 {
		t.Fatalf("got %d times, want 5", len(times))
	}
	if times[0] != day1.Add(5*time.Hour).UnixMilli() {
		t.Errorf("first time = %d", times[0])
	}
}

func TestLatestPerSymbol(t *testing.T) {
	m := newTestManager(t)
	day := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)

	writeDaily := func(symbol string, n int) {
		batch := make([]types.CandleRecord, n)
		for i := range batch {
			batch[i] = candle(symbol, types.Timeframe1d, day.Add(time.Duration(i)*24*time.Hour).UnixMilli())
			batch[i].Close = float64(i)
		}
		if _, err := m.WriteBatch(batch); err != nil {
			t.Fatalf("write %s: %v", symbol, err)
		}
	}
	writeDaily("BTCUSDT", 5)
	writeDaily("ETHUSDT", 3)
	// Hourly rows for a third symbol must not appear under the daily view.
	if _, err := m.WriteBatch(hourly("SOLUSDT", day, 4)); err != nil {
		t.Fatalf("write: %v", err)
	}

	latest, err := m.LatestPerSymbol(types.Timeframe1d)
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if len(latest) != 2 {
		t.Fatalf("got %d symbols, want 2", len(latest))
	}
	if latest["BTCUSDT"].Close != 4 {
		t.Errorf("BTCUSDT latest close = %v, want 4", latest["BTCUSDT"].Close)
	}
	if latest["ETHUSDT"].Close != 2 {
		t.Errorf("ETHUSDT latest close = %v, want 2", latest["ETHUSDT"].Close)
	}
}

func TestAdoptSegment(t *testing.T) {
	cfg := config.DefaultConfig()
	engine := columnar.NewEngine(cfg.Compression.PriceScale)
	m := NewManager(cfg, engine)

	day := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	seg, err := engine.Compress(hourly("BTCUSDT", day, 12))
	if err != nil {
		t.Fatalf("compress: %v", err)
	}
	if err := m.AdoptSegment(seg); err != nil {
		t.Fatalf("adopt: %v", err)
	}
	if got := m.SeriesCount("BTCUSDT", types.Timeframe1h); got != 12 {
		t.Fatalf("count = %d, want 12", got)
	}

	// Adopting over a populated chunk is a conflict.
	if err := m.AdoptSegment(seg); !errors.Is(err, cacheerr.ErrConflict) {
		t.Fatalf("got %v, want ErrConflict", err)
	}
}
