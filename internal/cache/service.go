// Package cache wires the chunk store, compression engine, gap
// detector, extent tracker, fetch-health monitor, and latest-price
// index into one service with a small ingestion and query surface.
package cache

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/quantfold/candlecache/internal/cache/chunk"
	"github.com/quantfold/candlecache/internal/cache/columnar"
	"github.com/quantfold/candlecache/internal/cache/config"
	"github.com/quantfold/candlecache/internal/cache/gaps"
	"github.com/quantfold/candlecache/internal/cache/health"
	"github.com/quantfold/candlecache/internal/cache/latest"
	"github.com/quantfold/candlecache/internal/cache/metadata"
	"github.com/quantfold/candlecache/internal/cache/persist"
	"github.com/quantfold/candlecache/internal/cache/types"
	cacheerr "github.com/quantfold/candlecache/internal/errors"
	"github.com/quantfold/candlecache/internal/logging"
)

// Stats aggregates counters across the cache's components.
type Stats struct {
	Chunks        chunk.Stats
	Health        health.Stats
	LatestSymbols int
	CompressRuns  int64
	Compressed    int64
	Persisted     int64
	Batches       int64
}

// Service is the candle cache. One instance owns all cached series.
type Service struct {
	cfg    *config.Config
	engine *columnar.Engine

	chunks   *chunk.Manager
	extents  *metadata.Tracker
	detector *gaps.Detector
	monitor  *health.Monitor
	index    *latest.Index
	store    *persist.Store

	locks seriesLocks

	running atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	logger *slog.Logger

	compressRuns atomic.Int64
	compressed   atomic.Int64
	persisted    atomic.Int64
	batches      atomic.Int64
}

// New creates a cache service from the given configuration.
func New(cfg *config.Config) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("cache config: %w", err)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("cache directories: %w", err)
	}

	engine := columnar.NewEngine(cfg.Compression.PriceScale)
	chunks := chunk.NewManager(cfg, engine)

	extents := metadata.NewTracker(chunks)
	s := &Service{
		cfg:      cfg,
		engine:   engine,
		chunks:   chunks,
		extents:  extents,
		detector: gaps.NewDetector(chunks, extents),
		monitor:  health.NewMonitor(cfg.Health.MaxFailures, cfg.Health.LatencyAccuracy),
		index:    latest.NewIndex(cfg.CanonicalTimeframe(), chunks),
		logger:   logging.Component("cache"),
	}
	if cfg.Persistence.Enabled {
		opts := persist.DefaultOptions()
		opts.Compression = persist.ParseCompressionType(cfg.Persistence.Compression)
		s.store = persist.NewStore(cfg.DataDir, opts)
	}
	return s, nil
}

// Start loads persisted chunks and launches the background workers.
func (s *Service) Start() error {
	if !s.running.CompareAndSwap(false, true) {
		return cacheerr.ErrAlreadyRunning
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())

	if s.store != nil {
		if err := s.loadPersisted(); err != nil {
			s.running.Store(false)
			s.cancel()
			return fmt.Errorf("load persisted chunks: %w", err)
		}
	}
	if err := s.index.Rebuild(); err != nil {
		s.logger.Warn("initial latest index rebuild failed", "error", err)
	}

	s.wg.Add(1)
	go s.compressionWorker()

	if s.cfg.Latest.RebuildInterval > 0 {
		s.wg.Add(1)
		go s.rebuildWorker()
	}

	s.logger.Info("cache service started",
		"persistence", s.store != nil,
		"compression_interval", s.cfg.Compression.Interval,
		"workers", s.cfg.Compression.Workers)
	return nil
}

// Stop halts the background workers and waits for them to drain.
func (s *Service) Stop() error {
	if !s.running.CompareAndSwap(true, false) {
		return cacheerr.ErrNotRunning
	}
	s.cancel()
	s.wg.Wait()
	s.logger.Info("cache service stopped")
	return nil
}

// Ingest writes one batch of candles for a single series. The batch
// lands whole or not at all; on success the series extent is updated
// from the store's exact counts.
func (s *Service) Ingest(records []types.CandleRecord) (chunk.WriteResult, error) {
	if len(records) == 0 {
		return chunk.WriteResult{}, nil
	}
	key := records[0].Key()
	lock := s.locks.get(key)
	lock.Lock()
	defer lock.Unlock()

	res, err := s.chunks.WriteBatch(records)
	if err != nil {
		return chunk.WriteResult{}, err
	}
	s.extents.OnBatchWritten(key.Symbol, key.Timeframe, res.BatchMinMs, res.BatchMaxMs)
	s.batches.Add(1)
	return res, nil
}

// Query returns the stored candles for a series with open time in
// [start, end), sorted ascending.
func (s *Service) Query(symbol string, tf types.Timeframe, start, end time.Time) ([]types.CandleRecord, error) {
	return s.chunks.QueryRange(symbol, tf, start.UnixMilli(), end.UnixMilli())
}

// Gaps returns the missing sub-ranges of [start, end) for a series,
// with the default tolerance of half a bar interval.
func (s *Service) Gaps(symbol string, tf types.Timeframe, start, end time.Time) ([]types.Gap, error) {
	return s.detector.Gaps(symbol, tf, start.UnixMilli(), end.UnixMilli(), -1)
}

// GapsWithTolerance is Gaps with explicit slack for non-trading periods.
func (s *Service) GapsWithTolerance(symbol string, tf types.Timeframe, start, end time.Time, tolerance time.Duration) ([]types.Gap, error) {
	return s.detector.Gaps(symbol, tf, start.UnixMilli(), end.UnixMilli(), tolerance.Milliseconds())
}

// Extent returns the extent bookkeeping for a series.
func (s *Service) Extent(symbol string, tf types.Timeframe) (metadata.Extent, bool) {
	return s.extents.Extent(symbol, tf)
}

// Extents returns every tracked series extent.
func (s *Service) Extents() []metadata.Extent {
	return s.extents.All()
}

// RecordFetchOutcome folds one upstream fetch result into the symbol's
// health state. The return value is true only when this outcome
// deactivated the symbol.
func (s *Service) RecordFetchOutcome(symbol string, fetchErr error, latency time.Duration) bool {
	if latency > 0 {
		s.monitor.ObserveFetchLatency(symbol, latency)
	}
	if fetchErr == nil {
		s.monitor.RecordSuccess(symbol)
		return false
	}
	return s.monitor.RecordFailure(symbol, fetchErr)
}

// IsActive reports whether a symbol is accepting fetches.
func (s *Service) IsActive(symbol string) (bool, int, string) {
	return s.monitor.IsActive(symbol)
}

// Reactivate manually returns a deactivated symbol to service.
func (s *Service) Reactivate(symbol string) error {
	return s.monitor.Reactivate(symbol)
}

// FailedSymbols lists symbols with failure streaks of at least min, and
// every deactivated symbol.
func (s *Service) FailedSymbols(min int) []health.Health {
	return s.monitor.FailedSymbols(min)
}

// SymbolHealth returns the health snapshot for one symbol.
func (s *Service) SymbolHealth(symbol string) (health.Health, bool) {
	return s.monitor.Get(symbol)
}

// FetchLatency returns observed fetch latency percentiles for a symbol.
func (s *Service) FetchLatency(symbol string) (health.LatencyPercentiles, bool) {
	return s.monitor.Latency(symbol)
}

// Latest returns the most recent canonical-timeframe bar for a symbol
// from the index's current snapshot.
func (s *Service) Latest(symbol string) (types.CandleRecord, bool) {
	return s.index.Latest(symbol)
}

// LatestAll returns the full latest-bar snapshot.
func (s *Service) LatestAll() map[string]types.CandleRecord {
	return s.index.All()
}

// RebuildLatest rebuilds the latest-price index from the store.
func (s *Service) RebuildLatest() error {
	return s.index.Rebuild()
}

// ForceCompact runs one compression pass immediately and returns the
// number of chunks compressed.
func (s *Service) ForceCompact() (int, error) {
	return s.compressPass(context.Background())
}

// Stats returns aggregate counters for the whole cache.
func (s *Service) Stats() Stats {
	return Stats{
		Chunks:        s.chunks.Stats(),
		Health:        s.monitor.Stats(),
		LatestSymbols: s.index.Len(),
		CompressRuns:  s.compressRuns.Load(),
		Compressed:    s.compressed.Load(),
		Persisted:     s.persisted.Load(),
		Batches:       s.batches.Load(),
	}
}

// compressionWorker periodically closes and compresses eligible chunks.
func (s *Service) compressionWorker() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.Compression.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			n, err := s.compressPass(s.ctx)
			if err != nil {
				s.logger.Error("compression pass failed", "error", err)
			} else if n > 0 {
				s.logger.Debug("compression pass complete", "chunks", n)
			}
		}
	}
}

// compressPass compresses every eligible chunk, holding each series
// lock so in-flight batch writes to the same series never race the
// state swap.
func (s *Service) compressPass(ctx context.Context) (int, error) {
	ids := s.chunks.CloseEligible(time.Now().UnixMilli())
	if len(ids) == 0 {
		return 0, nil
	}
	s.compressRuns.Add(1)

	var done atomic.Int64
	g := &errgroup.Group{}
	g.SetLimit(s.cfg.Compression.Workers)
	for _, id := range ids {
		id := id
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			lock := s.locks.get(id.Series())
			lock.Lock()
			seg, err := s.chunks.CompressChunk(id)
			lock.Unlock()
			if err != nil {
				return fmt.Errorf("compress chunk %s@%d: %w", id.Series(), id.StartMs, err)
			}
			done.Add(1)
			s.compressed.Add(1)

			if s.store == nil {
				return nil
			}
			rows, err := s.engine.Decompress(seg)
			if err != nil {
				return fmt.Errorf("decode chunk %s@%d: %w", id.Series(), id.StartMs, err)
			}
			if _, err := s.store.WriteChunk(id.Symbol, id.Timeframe, id.StartMs, rows); err != nil {
				return fmt.Errorf("persist chunk %s@%d: %w", id.Series(), id.StartMs, err)
			}
			s.persisted.Add(1)
			return nil
		})
	}
	err := g.Wait()
	return int(done.Load()), err
}

// rebuildWorker periodically refreshes the latest-price index.
func (s *Service) rebuildWorker() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.Latest.RebuildInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			if err := s.index.Rebuild(); err != nil {
				s.logger.Error("latest index rebuild failed", "error", err)
			}
		}
	}
}

// loadPersisted restores cold chunks written by a previous run.
func (s *Service) loadPersisted() error {
	loaded := 0
	err := s.store.LoadAll(func(records []types.CandleRecord) error {
		seg, err := s.engine.Compress(records)
		if err != nil {
			return err
		}
		if err := s.chunks.AdoptSegment(seg); err != nil {
			return err
		}
		s.extents.OnBatchWritten(seg.Symbol, seg.Timeframe, seg.MinTimeMs, seg.MaxTimeMs)
		loaded++
		return nil
	})
	if err != nil {
		return err
	}
	if loaded > 0 {
		s.logger.Info("restored persisted chunks", "chunks", loaded)
	}
	return nil
}

// seriesLocks hands out one mutex per series so batch writes and
// compression for a series are mutually exclusive.
type seriesLocks struct {
	mu    sync.Mutex
	locks map[types.SeriesKey]*sync.Mutex
}

func (l *seriesLocks) get(key types.SeriesKey) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.locks == nil {
		l.locks = make(map[types.SeriesKey]*sync.Mutex)
	}
	m, ok := l.locks[key]
	if !ok {
		m = &sync.Mutex{}
		l.locks[key] = m
	}
	return m
}
