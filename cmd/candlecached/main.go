// candlecached runs the candle cache as a long-lived daemon: it loads
// persisted chunks, runs the background compression and index rebuild
// workers, and reports stats on shutdown.
package main

import (
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/quantfold/candlecache/internal/cache"
	"github.com/quantfold/candlecache/internal/cache/config"
	"github.com/quantfold/candlecache/internal/logging"
)

// Version is set at build time via ldflags
var Version = "dev"

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func main() {
	cfgPath := flag.String("config", "cache.yaml", "config file path")
	dataDir := flag.String("data-dir", "", "data directory (overrides config)")
	logLevel := flag.String("log-level", "info", "log level (debug, info, warn, error)")
	logJSON := flag.Bool("log-json", false, "log in JSON format")
	persistFlag := flag.Bool("persist", false, "enable chunk persistence")
	flag.Parse()

	logging.Init(parseLevel(*logLevel), *logJSON)
	logger := logging.Component("main")
	logger.Info("candlecached starting", "version", Version)

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			logger.Info("no config file found, using defaults", "path", *cfgPath)
			cfg = config.DefaultConfig()
		} else {
			logger.Error("load config", "error", err)
			os.Exit(1)
		}
	}

	// CLI overrides
	if *dataDir != "" {
		cfg.DataDir = *dataDir
	}
	if *persistFlag {
		cfg.Persistence.Enabled = true
	}

	svc, err := cache.New(cfg)
	if err != nil {
		logger.Error("create cache", "error", err)
		os.Exit(1)
	}
	if err := svc.Start(); err != nil {
		logger.Error("start cache", "error", err)
		os.Exit(1)
	}

	logger.Info("cache running",
		"data_dir", cfg.DataDir,
		"persistence", cfg.Persistence.Enabled,
		"canonical_timeframe", cfg.Latest.CanonicalTimeframe,
		"compaction_lag", cfg.Chunking.CompactionLag)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	logger.Info("shutting down")
	done := make(chan struct{})
	go func() {
		if err := svc.Stop(); err != nil {
			logger.Error("stop cache", "error", err)
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(30 * time.Second):
		logger.Error("shutdown timed out")
		os.Exit(1)
	}

	stats := svc.Stats()
	logger.Info("final stats",
		"series", stats.Chunks.Series,
		"hot_chunks", stats.Chunks.HotChunks,
		"cold_chunks", stats.Chunks.ColdChunks,
		"batches", stats.Batches,
		"compressed", stats.Compressed,
		"persisted", stats.Persisted,
		"symbols_tracked", stats.Health.Symbols,
		"symbols_deactivated", stats.Health.Deactivated)
	fmt.Fprintln(os.Stderr, "candlecached stopped")
}
