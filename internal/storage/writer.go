// Package storage persists finalized candles to per-market parquet files
// and maintains a zip archive snapshot of the whole data directory.
//
// The writer buffers rows in memory and flushes on demand. A flush groups
// rows by (asset_id, outcome), merges each group into its existing file
// with dedup and sorting, and rewrites the file atomically (write to .tmp,
// then rename). The buffer is only cleared once every group has been
// written; a failed flush leaves the buffer intact so the next attempt
// retries the same rows, which is safe because the merge deduplicates on
// (asset_id, outcome, timestamp) keeping the latest row.
package storage

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/parquet-go/parquet-go"

	"polymarket-ohlcv/internal/metrics"
	"polymarket-ohlcv/pkg/types"
)

// MarketLookup resolves asset ids to market metadata for path resolution
// and outcome labeling. Satisfied by *discovery.Discovery.
type MarketLookup interface {
	Lookup(assetID string) (types.MarketInfo, bool)
}

// Writer buffers candle rows and flushes them to the columnar store.
type Writer struct {
	dataDir string
	markets MarketLookup
	logger  *slog.Logger

	mu     sync.Mutex
	buffer []types.CandleRow
}

// NewWriter creates a writer rooted at dataDir.
func NewWriter(dataDir string, markets MarketLookup, logger *slog.Logger) (*Writer, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	return &Writer{
		dataDir: dataDir,
		markets: markets,
		logger:  logger.With("component", "storage"),
	}, nil
}

// AppendCandles converts finalized candles to rows and extends the
// buffer. Returns the number of rows appended.
func (w *Writer) AppendCandles(candles []types.OHLCVCandle) int {
	w.mu.Lock()
	defer w.mu.Unlock()

	for _, c := range candles {
		outcome := ""
		if info, ok := w.markets.Lookup(c.AssetID); ok {
			outcome = info.OutcomeLabel
		}
		w.buffer = append(w.buffer, types.CandleRow{
			AssetID:    c.AssetID,
			Timestamp:  c.Timestamp,
			Datetime:   time.Unix(c.Timestamp, 0).UTC().Format(time.RFC3339),
			Open:       c.Open,
			High:       c.High,
			Low:        c.Low,
			Close:      c.Close,
			Volume:     c.Volume,
			TradeCount: c.TradeCount,
			VWAP:       c.VWAP,
			BuyVolume:  c.BuyVolume,
			SellVolume: c.SellVolume,
			Outcome:    outcome,
		})
	}
	metrics.BufferSize.Set(float64(len(w.buffer)))
	return len(candles)
}

// BufferSize returns the number of rows awaiting flush.
func (w *Writer) BufferSize() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.buffer)
}

// groupKey identifies one on-disk series within a file.
type groupKey struct {
	assetID string
	outcome string
}

// FlushToDisk writes every buffered row to its per-market file. On any
// failure the buffer is retained unchanged for retry; it is cleared only
// after all groups are committed.
func (w *Writer) FlushToDisk() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if len(w.buffer) == 0 {
		w.logger.Debug("nothing to flush")
		return nil
	}

	groups := make(map[groupKey][]types.CandleRow)
	var order []groupKey
	for _, row := range w.buffer {
		key := groupKey{assetID: row.AssetID, outcome: row.Outcome}
		if _, seen := groups[key]; !seen {
			order = append(order, key)
		}
		groups[key] = append(groups[key], row)
	}

	for _, key := range order {
		rows := groups[key]
		path := w.filePath(key.assetID)
		if err := w.mergeGroup(path, rows); err != nil {
			metrics.FlushErrors.Inc()
			w.logger.Error("flush failed, buffer retained for retry",
				"file", path,
				"error", err,
			)
			return err
		}
		w.logger.Info("flushed candles", "count", len(rows), "file", w.fileLabel(key.assetID))
	}

	flushed := len(w.buffer)
	w.buffer = nil
	metrics.RowsWritten.Add(float64(flushed))
	metrics.BufferSize.Set(0)
	w.logger.Info("flush complete", "rows", flushed)
	return nil
}

// mergeGroup merges rows into the file at path: read existing rows,
// append, dedup keeping the latest on (asset_id, outcome, timestamp),
// sort ascending by timestamp, and rewrite atomically.
func (w *Writer) mergeGroup(path string, rows []types.CandleRow) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create market dir: %w", err)
	}

	combined := rows
	if _, err := os.Stat(path); err == nil {
		existing, err := parquet.ReadFile[types.CandleRow](path)
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}
		combined = append(existing, rows...)
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("stat %s: %w", path, err)
	}

	combined = dedupeRows(combined)

	tmp := path + ".tmp"
	if err := parquet.WriteFile(tmp, combined); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename %s: %w", tmp, err)
	}
	return nil
}

// dedupeRows keeps the last row for each (asset_id, outcome, timestamp)
// and returns the survivors sorted ascending by timestamp.
func dedupeRows(rows []types.CandleRow) []types.CandleRow {
	type rowKey struct {
		assetID   string
		outcome   string
		timestamp int64
	}

	latest := make(map[rowKey]int, len(rows))
	for i, row := range rows {
		latest[rowKey{row.AssetID, row.Outcome, row.Timestamp}] = i
	}

	out := make([]types.CandleRow, 0, len(latest))
	for i, row := range rows {
		if latest[rowKey{row.AssetID, row.Outcome, row.Timestamp}] == i {
			out = append(out, row)
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Timestamp != out[j].Timestamp {
			return out[i].Timestamp < out[j].Timestamp
		}
		if out[i].AssetID != out[j].AssetID {
			return out[i].AssetID < out[j].AssetID
		}
		return out[i].Outcome < out[j].Outcome
	})
	return out
}

// filePath resolves the on-disk file for an asset. Tracked assets live at
// <data_dir>/<event_slug>/<market_slug>.parquet; unknown assets fall back
// to <data_dir>/unknown/<asset_id[:16]>.parquet.
func (w *Writer) filePath(assetID string) string {
	if info, ok := w.markets.Lookup(assetID); ok {
		return filepath.Join(w.dataDir, info.EventSlug, info.MarketSlug+".parquet")
	}
	return filepath.Join(w.dataDir, "unknown", shortID(assetID)+".parquet")
}

func (w *Writer) fileLabel(assetID string) string {
	if info, ok := w.markets.Lookup(assetID); ok {
		return info.EventSlug + "/" + info.MarketSlug
	}
	return "unknown/" + shortID(assetID)
}

func shortID(id string) string {
	if len(id) > 16 {
		return id[:16]
	}
	return id
}
