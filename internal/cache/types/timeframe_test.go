package types

import (
	"testing"
	"time"
)

func TestParseTimeframeRoundTrip(t *testing.T) {
	for _, tf := range AllTimeframes() {
		parsed, err := ParseTimeframe(tf.String())
		if err != nil {
			t.Errorf("parse %q: %v", tf.String(), err)
			continue
		}
		if parsed != tf {
			t.Errorf("parse(%q) = %v, want %v", tf.String(), parsed, tf)
		}
	}
	if _, err := ParseTimeframe("2h"); err == nil {
		t.Error("expected error for unsupported timeframe")
	}
}

func TestIntervalAndIntraday(t *testing.T) {
	if Timeframe4h.Interval() != 4*time.Hour {
		t.Errorf("4h interval = %v", Timeframe4h.Interval())
	}
	if !Timeframe4h.IsIntraday() {
		t.Error("4h should be intraday")
	}
	if Timeframe1d.IsIntraday() || Timeframe1w.IsIntraday() {
		t.Error("daily and weekly are not intraday")
	}
	if Timeframe(42).Interval() != 0 {
		t.Error("unknown timeframe should have zero interval")
	}
}

func TestSeriesKeyString(t *testing.T) {
	k := SeriesKey{Symbol: "BTCUSDT", Timeframe: Timeframe1d}
	if k.String() != "BTCUSDT/1d" {
		t.Errorf("key = %q", k.String())
	}
}
