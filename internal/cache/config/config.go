package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/quantfold/candlecache/internal/cache/types"
	cacheerr "github.com/quantfold/candlecache/internal/errors"
)

// OverwritePolicy controls what an insert-or-update does when a bar with the
// same (symbol, timeframe, open_time) key already exists.
type OverwritePolicy string

const (
	// LastWriteWins replaces the stored bar with the re-fetched one.
	LastWriteWins OverwritePolicy = "last-write-wins"
	// FirstWriteWins keeps the stored bar and ignores the re-fetched one.
	FirstWriteWins OverwritePolicy = "first-write-wins"
)

// Config represents the complete cache configuration.
type Config struct {
	// DataDir is the root directory for persisted cold chunks.
	DataDir string `yaml:"data_dir"`

	// Chunking configures chunk routing and lifecycle.
	Chunking ChunkingConfig `yaml:"chunking"`

	// Compression configures the background compression pass.
	Compression CompressionConfig `yaml:"compression"`

	// Health configures the per-symbol fetch circuit breaker.
	Health HealthConfig `yaml:"health"`

	// Latest configures the latest-price index.
	Latest LatestConfig `yaml:"latest"`

	// Persistence configures cold-chunk Parquet persistence.
	Persistence PersistenceConfig `yaml:"persistence"`
}

// ChunkingConfig configures chunk routing and lifecycle.
type ChunkingConfig struct {
	// IntradayWidth is the chunk width for sub-daily timeframes.
	IntradayWidth time.Duration `yaml:"intraday_width"`

	// DailyWidth is the chunk width for daily-and-above timeframes.
	DailyWidth time.Duration `yaml:"daily_width"`

	// CompactionLag is how far a chunk's end boundary must fall behind
	// the current time before the chunk closes.
	CompactionLag time.Duration `yaml:"compaction_lag"`

	// OverwritePolicy resolves duplicate-key writes.
	OverwritePolicy OverwritePolicy `yaml:"overwrite_policy"`
}

// CompressionConfig configures the background compression pass.
type CompressionConfig struct {
	// Workers is the number of chunks compressed in parallel per pass.
	Workers int `yaml:"workers"`

	// Interval is how often closed chunks are collected and compressed.
	Interval time.Duration `yaml:"interval"`

	// PriceScale is the fixed-point denominator for price and volume
	// columns (1e8 keeps eight decimal places).
	PriceScale int64 `yaml:"price_scale"`
}

// HealthConfig configures the per-symbol fetch circuit breaker.
type HealthConfig struct {
	// MaxFailures is the consecutive-failure threshold that deactivates
	// a symbol.
	MaxFailures int `yaml:"max_failures"`

	// LatencyAccuracy is the DDSketch relative accuracy for fetch
	// latency percentiles (0.01 = 1% error).
	LatencyAccuracy float64 `yaml:"latency_accuracy"`
}

// LatestConfig configures the latest-price index.
type LatestConfig struct {
	// CanonicalTimeframe is the single timeframe used for cross-symbol
	// latest-price lookups.
	CanonicalTimeframe string `yaml:"canonical_timeframe"`

	// RebuildInterval is how often the index is rebuilt in the
	// background. Zero disables the background rebuild; callers then
	// trigger rebuilds explicitly.
	RebuildInterval time.Duration `yaml:"rebuild_interval"`
}

// PersistenceConfig configures cold-chunk Parquet persistence.
type PersistenceConfig struct {
	// Enabled enables writing compressed chunks to disk.
	Enabled bool `yaml:"enabled"`

	// Compression is the Parquet compression algorithm:
	// snappy, zstd, lz4, gzip, none.
	Compression string `yaml:"compression"`
}

// Load loads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return config, nil
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		DataDir: "/var/lib/candlecache",
		Chunking: ChunkingConfig{
			IntradayWidth:   24 * time.Hour,
			DailyWidth:      90 * 24 * time.Hour,
			CompactionLag:   time.Hour,
			OverwritePolicy: LastWriteWins,
		},
		Compression: CompressionConfig{
			Workers:    4,
			Interval:   10 * time.Minute,
			PriceScale: 100_000_000,
		},
		Health: HealthConfig{
			MaxFailures:     3,
			LatencyAccuracy: 0.01,
		},
		Latest: LatestConfig{
			CanonicalTimeframe: "1d",
			RebuildInterval:    0,
		},
		Persistence: PersistenceConfig{
			Enabled:     false,
			Compression: "zstd",
		},
	}
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	if c.Chunking.IntradayWidth <= 0 {
		return cacheerr.NewValidation("chunking.intraday_width", "must be positive")
	}
	if c.Chunking.DailyWidth <= 0 {
		return cacheerr.NewValidation("chunking.daily_width", "must be positive")
	}
	if c.Chunking.CompactionLag < 0 {
		return cacheerr.NewValidation("chunking.compaction_lag", "must not be negative")
	}
	switch c.Chunking.OverwritePolicy {
	case LastWriteWins, FirstWriteWins:
	default:
		return cacheerr.NewValidation("chunking.overwrite_policy",
			fmt.Sprintf("unknown policy %q", c.Chunking.OverwritePolicy))
	}
	if c.Compression.Workers <= 0 {
		return cacheerr.NewValidation("compression.workers", "must be positive")
	}
	if c.Compression.Interval <= 0 {
		return cacheerr.NewValidation("compression.interval", "must be positive")
	}
	if c.Compression.PriceScale <= 0 {
		return cacheerr.NewValidation("compression.price_scale", "must be positive")
	}
	if c.Health.MaxFailures <= 0 {
		return cacheerr.NewValidation("health.max_failures", "must be positive")
	}
	if c.Health.LatencyAccuracy <= 0 || c.Health.LatencyAccuracy >= 1 {
		return cacheerr.NewValidation("health.latency_accuracy", "must be in (0, 1)")
	}
	if _, err := types.ParseTimeframe(c.Latest.CanonicalTimeframe); err != nil {
		return cacheerr.NewValidation("latest.canonical_timeframe", err.Error())
	}
	if c.Persistence.Enabled && c.DataDir == "" {
		return cacheerr.NewValidation("data_dir", "required when persistence is enabled")
	}
	return nil
}

// CanonicalTimeframe returns the parsed canonical timeframe.
// Validate must have succeeded.
func (c *Config) CanonicalTimeframe() types.Timeframe {
	tf, _ := types.ParseTimeframe(c.Latest.CanonicalTimeframe)
	return tf
}

// ChunkWidth returns the chunk width for the given timeframe granularity.
func (c *Config) ChunkWidth(tf types.Timeframe) time.Duration {
	if tf.IsIntraday() {
		return c.Chunking.IntradayWidth
	}
	return c.Chunking.DailyWidth
}

// EnsureDirectories creates the data directory tree if persistence is on.
func (c *Config) EnsureDirectories() error {
	if !c.Persistence.Enabled {
		return nil
	}
	if err := os.MkdirAll(c.DataDir, 0755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	return nil
}
