// Package persist writes closed chunks to Parquet files so a restart
// does not lose cold data. Each cold chunk becomes one file under
// <data_dir>/<symbol>/<timeframe>/<chunk_start_ms>.parquet.
package persist

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/parquet-go/parquet-go"
	"github.com/parquet-go/parquet-go/compress"

	"github.com/quantfold/candlecache/internal/cache/types"
)

// Options configures the Parquet store.
type Options struct {
	// Compression algorithm
	Compression CompressionType

	// ReadBufferSize is the read buffer in bytes
	ReadBufferSize int
}

// CompressionType represents a Parquet compression algorithm.
type CompressionType int

const (
	CompressionNone CompressionType = iota
	CompressionSnappy
	CompressionZstd
	CompressionLZ4
	CompressionGzip
)

// DefaultOptions returns default Parquet options.
func DefaultOptions() Options {
	return Options{
		Compression:    CompressionZstd,
		ReadBufferSize: 1024 * 1024, // 1MB
	}
}

// ParseCompressionType parses a compression type string.
func ParseCompressionType(s string) CompressionType {
	switch s {
	case "snappy":
		return CompressionSnappy
	case "zstd":
		return CompressionZstd
	case "lz4":
		return CompressionLZ4
	case "gzip":
		return CompressionGzip
	case "none", "":
		return CompressionNone
	default:
		return CompressionZstd
	}
}

// getCompression returns the parquet-go compression codec.
func getCompression(ct CompressionType) compress.Codec {
	switch ct {
	case CompressionSnappy:
		return &parquet.Snappy
	case CompressionZstd:
		return &parquet.Zstd
	case CompressionLZ4:
		return &parquet.Lz4Raw
	case CompressionGzip:
		return &parquet.Gzip
	default:
		return &parquet.Uncompressed
	}
}

// CandleRow represents a candle in Parquet format.
type CandleRow struct {
	Symbol      string   `parquet:"symbol,zstd"`
	Timeframe   string   `parquet:"timeframe,zstd"`
	OpenTimeMs  int64    `parquet:"open_time_ms"`
	Open        float64  `parquet:"open"`
	High        float64  `parquet:"high"`
	Low         float64  `parquet:"low"`
	Close       float64  `parquet:"close"`
	Volume      float64  `parquet:"volume"`
	QuoteVolume *float64 `parquet:"quote_volume,optional"`
	TradeCount  *int64   `parquet:"trade_count,optional"`
	FetchedAtMs int64    `parquet:"fetched_at_ms"`
}

// CandleToRow converts a CandleRecord to a CandleRow.
func CandleToRow(c *types.CandleRecord) CandleRow {
	return CandleRow{
		Symbol:      c.Symbol,
		Timeframe:   c.Timeframe.String(),
		OpenTimeMs:  c.OpenTimeMs,
		Open:        c.Open,
		High:        c.High,
		Low:         c.Low,
		Close:       c.Close,
		Volume:      c.Volume,
		QuoteVolume: c.QuoteVolume,
		TradeCount:  c.TradeCount,
		FetchedAtMs: c.FetchedAtMs,
	}
}

// RowToCandle converts a CandleRow to a CandleRecord.
func RowToCandle(r *CandleRow) (types.CandleRecord, error) {
	tf, err := types.ParseTimeframe(r.Timeframe)
	if err != nil {
		return types.CandleRecord{}, fmt.Errorf("row timeframe: %w", err)
	}
	return types.CandleRecord{
		Symbol:      r.Symbol,
		Timeframe:   tf,
		OpenTimeMs:  r.OpenTimeMs,
		Open:        r.Open,
		High:        r.High,
		Low:         r.Low,
		Close:       r.Close,
		Volume:      r.Volume,
		QuoteVolume: r.QuoteVolume,
		TradeCount:  r.TradeCount,
		FetchedAtMs: r.FetchedAtMs,
	}, nil
}

// Store persists chunks as Parquet files under a data directory.
type Store struct {
	dataDir string
	opts    Options
}

// NewStore creates a chunk store rooted at dataDir.
func NewStore(dataDir string, opts Options) *Store {
	return &Store{dataDir: dataDir, opts: opts}
}

// ChunkPath returns the file path for a chunk.
func (s *Store) ChunkPath(symbol string, tf types.Timeframe, startMs int64) string {
	return filepath.Join(s.dataDir, symbol, tf.String(), fmt.Sprintf("%d.parquet", startMs))
}

// WriteChunk writes a chunk's rows to its Parquet file, replacing any
// previous file for the same chunk.
func (s *Store) WriteChunk(symbol string, tf types.Timeframe, startMs int64, records []types.CandleRecord) (string, error) {
	if len(records) == 0 {
		return "", fmt.Errorf("write chunk %s/%s@%d: no rows", symbol, tf, startMs)
	}

	path := s.ChunkPath(symbol, tf, startMs)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", fmt.Errorf("create directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("create file: %w", err)
	}

	writer := parquet.NewGenericWriter[CandleRow](f,
		parquet.Compression(getCompression(s.opts.Compression)))

	rows := make([]CandleRow, len(records))
	for i := range records {
		rows[i] = CandleToRow(&records[i])
	}
	if _, err := writer.Write(rows); err != nil {
		writer.Close()
		f.Close()
		return "", fmt.Errorf("write rows: %w", err)
	}
	if err := writer.Close(); err != nil {
		f.Close()
		return "", fmt.Errorf("close writer: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("close file: %w", err)
	}
	return path, nil
}

// ReadChunk reads every row of one chunk file.
func (s *Store) ReadChunk(path string) ([]types.CandleRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open file: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat file: %w", err)
	}
	pf, err := parquet.OpenFile(f, info.Size(), parquet.ReadBufferSize(s.opts.ReadBufferSize))
	if err != nil {
		return nil, fmt.Errorf("open parquet file: %w", err)
	}

	reader := parquet.NewGenericReader[CandleRow](pf)
	defer reader.Close()

	rows := make([]CandleRow, reader.NumRows())
	n, err := reader.Read(rows)
	if err != nil && err != io.EOF {
		return nil, fmt.Errorf("read rows: %w", err)
	}

	records := make([]types.CandleRecord, 0, n)
	for i := 0; i < n; i++ {
		rec, err := RowToCandle(&rows[i])
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i, err)
		}
		records = append(records, rec)
	}
	return records, nil
}

// LoadAll walks the data directory and hands each chunk's rows to fn.
// Missing data directories are treated as an empty store.
func (s *Store) LoadAll(fn func(records []types.CandleRecord) error) error {
	err := filepath.WalkDir(s.dataDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(path, ".parquet") {
			return nil
		}
		records, err := s.ReadChunk(path)
		if err != nil {
			return fmt.Errorf("chunk %s: %w", path, err)
		}
		if len(records) == 0 {
			return nil
		}
		return fn(records)
	})
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// RemoveChunk deletes one chunk file. Removing a chunk that was never
// persisted is not an error.
func (s *Store) RemoveChunk(symbol string, tf types.Timeframe, startMs int64) error {
	err := os.Remove(s.ChunkPath(symbol, tf, startMs))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove chunk: %w", err)
	}
	return nil
}
