package persist

import (
	"os"
	"testing"
	"time"

	"github.com/quantfold/candlecache/internal/cache/types"
)

func f64(v float64) *float64 { return &v }
func i64(v int64) *int64     { return &v }

func testRecords(symbol string, n int) []types.CandleRecord {
	base := time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC).UnixMilli()
	hour := time.Hour.Milliseconds()
	out := make([]types.CandleRecord, n)
	for i := range out {
		out[i] = types.CandleRecord{
			Symbol:      symbol,
			Timeframe:   types.Timeframe1h,
			OpenTimeMs:  base + int64(i)*hour,
			Open:        100 + float64(i),
			High:        101 + float64(i),
			Low:         99 + float64(i),
			Close:       100.5 + float64(i),
			Volume:      10,
			FetchedAtMs: base + int64(i)*hour + 100,
		}
		if i%2 == 0 {
			out[i].QuoteVolume = f64(1000.5 + float64(i))
			out[i].TradeCount = i64(int64(50 + i))
		}
	}
	return out
}

func TestWriteReadChunk(t *testing.T) {
	store := NewStore(t.TempDir(), DefaultOptions())
	records := testRecords("BTCUSDT", 10)

	path, err := store.WriteChunk("BTCUSDT", types.Timeframe1h, records[0].OpenTimeMs, records)
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("chunk file missing: %v", err)
	}

	got, err := store.ReadChunk(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(got) != len(records) {
		t.Fatalf("got %d rows, want %d", len(got), len(records))
	}
	for i := range records {
		if got[i].OpenTimeMs != records[i].OpenTimeMs || got[i].Close != records[i].Close {
			t.Errorf("row %d = %+v, want %+v", i, got[i], records[i])
		}
		if got[i].Timeframe != types.Timeframe1h {
			t.Errorf("row %d timeframe = %v", i, got[i].Timeframe)
		}
		if (got[i].QuoteVolume == nil) != (records[i].QuoteVolume == nil) {
			t.Errorf("row %d quote volume presence mismatch", i)
		}
		if records[i].QuoteVolume != nil && *got[i].QuoteVolume != *records[i].QuoteVolume {
			t.Errorf("row %d quote volume = %v, want %v", i, *got[i].QuoteVolume, *records[i].QuoteVolume)
		}
		if records[i].TradeCount != nil && (got[i].TradeCount == nil || *got[i].TradeCount != *records[i].TradeCount) {
			t.Errorf("row %d trade count mismatch", i)
		}
	}
}

func TestWriteChunkRejectsEmpty(t *testing.T) {
	store := NewStore(t.TempDir(), DefaultOptions())
	if _, err := store.WriteChunk("BTCUSDT", types.Timeframe1h, 1000, nil); err == nil {
		t.Fatal("expected error for empty chunk")
	}
}

func TestWriteChunkReplacesFile(t *testing.T) {
	store := NewStore(t.TempDir(), DefaultOptions())
	records := testRecords("BTCUSDT", 5)
	startMs := records[0].OpenTimeMs

	if _, err := store.WriteChunk("BTCUSDT", types.Timeframe1h, startMs, records[:3]); err != nil {
		t.Fatalf("first write: %v", err)
	}
	path, err := store.WriteChunk("BTCUSDT", types.Timeframe1h, startMs, records)
	if err != nil {
		t.Fatalf("second write: %v", err)
	}

	got, err := store.ReadChunk(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(got) != 5 {
		t.Fatalf("got %d rows, want the replacing write's 5", len(got))
	}
}

func TestLoadAll(t *testing.T) {
	store := NewStore(t.TempDir(), DefaultOptions())

	btc := testRecords("BTCUSDT", 8)
	eth := testRecords("ETHUSDT", 4)
	if _, err := store.WriteChunk("BTCUSDT", types.Timeframe1h, btc[0].OpenTimeMs, btc); err != nil {
		t.Fatalf("write btc: %v", err)
	}
	if _, err := store.WriteChunk("ETHUSDT", types.Timeframe1h, eth[0].OpenTimeMs, eth); err != nil {
		t.Fatalf("write eth: %v", err)
	}

	total := 0
	symbols := map[string]bool{}
	err := store.LoadAll(func(records []types.CandleRecord) error {
		total += len(records)
		symbols[records[0].Symbol] = true
		return nil
	})
	if err != nil {
		t.Fatalf("load all: %v", err)
	}
	if total != 12 {
		t.Errorf("loaded %d rows, want 12", total)
	}
	if !symbols["BTCUSDT"] || !symbols["ETHUSDT"] {
		t.Errorf("symbols seen = %v", symbols)
	}
}

func TestLoadAllMissingDirIsEmpty(t *testing.T) {
	store := NewStore("/nonexistent/candlecache-test", DefaultOptions())
	err := store.LoadAll(func([]types.CandleRecord) error {
		t.Fatal("callback should not run")
		return nil
	})
	if err != nil {
		t.Fatalf("missing dir should load as empty, got %v", err)
	}
}

func TestRemoveChunk(t *testing.T) {
	store := NewStore(t.TempDir(), DefaultOptions())
	records := testRecords("BTCUSDT", 3)
	startMs := records[0].OpenTimeMs

	path, err := store.WriteChunk("BTCUSDT", types.Timeframe1h, startMs, records)
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := store.RemoveChunk("BTCUSDT", types.Timeframe1h, startMs); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("chunk file should be gone")
	}
	// Removing again is a no-op.
	if err := store.RemoveChunk("BTCUSDT", types.Timeframe1h, startMs); err != nil {
		t.Fatalf("second remove: %v", err)
	}
}
