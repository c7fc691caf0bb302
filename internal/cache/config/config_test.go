package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/quantfold/candlecache/internal/cache/types"
)

func TestDefaultConfigValid(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
	if cfg.Chunking.OverwritePolicy != LastWriteWins {
		t.Errorf("default overwrite policy = %q, want %q",
			cfg.Chunking.OverwritePolicy, LastWriteWins)
	}
	if cfg.Health.MaxFailures != 3 {
		t.Errorf("default max failures = %d, want 3", cfg.Health.MaxFailures)
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cache.yaml")
	doc := `
data_dir: /tmp/candles
chunking:
  intraday_width: 12h
  overwrite_policy: first-write-wins
compression:
  workers: 8
health:
  max_failures: 5
`
	if err := os.WriteFile(path, []byte(doc), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Chunking.IntradayWidth != 12*time.Hour {
		t.Errorf("intraday width = %v, want 12h", cfg.Chunking.IntradayWidth)
	}
	if cfg.Chunking.OverwritePolicy != FirstWriteWins {
		t.Errorf("overwrite policy = %q, want first-write-wins", cfg.Chunking.OverwritePolicy)
	}
	if cfg.Compression.Workers != 8 {
		t.Errorf("workers = %d, want 8", cfg.Compression.Workers)
	}
	// Untouched fields keep their defaults.
	if cfg.Chunking.DailyWidth != 90*24*time.Hour {
		t.Errorf("daily width = %v, want 90d default", cfg.Chunking.DailyWidth)
	}
	if cfg.Latest.CanonicalTimeframe != "1d" {
		t.Errorf("canonical timeframe = %q, want 1d default", cfg.Latest.CanonicalTimeframe)
	}
}

func TestValidateRejections(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero workers", func(c *Config) { c.Compression.Workers = 0 }},
		{"bad policy", func(c *Config) { c.Chunking.OverwritePolicy = "newest" }},
		{"negative lag", func(c *Config) { c.Chunking.CompactionLag = -time.Minute }},
		{"bad timeframe", func(c *Config) { c.Latest.CanonicalTimeframe = "2h" }},
		{"accuracy too high", func(c *Config) { c.Health.LatencyAccuracy = 1.5 }},
		{"persistence without dir", func(c *Config) {
			c.Persistence.Enabled = true
			c.DataDir = ""
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatal("expected validation error, got nil")
			}
		})
	}
}

func TestChunkWidth(t *testing.T) {
	cfg := DefaultConfig()
	if got := cfg.ChunkWidth(types.Timeframe5m); got != 24*time.Hour {
		t.Errorf("intraday chunk width = %v, want 24h", got)
	}
	if got := cfg.ChunkWidth(types.Timeframe1d); got != 90*24*time.Hour {
		t.Errorf("daily chunk width = %v, want 90d", got)
	}
}
