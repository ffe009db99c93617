package storage

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/parquet-go/parquet-go"

	"polymarket-ohlcv/pkg/types"
)

// mapLookup is a static MarketLookup for tests.
type mapLookup map[string]types.MarketInfo

func (m mapLookup) Lookup(assetID string) (types.MarketInfo, bool) {
	info, ok := m[assetID]
	return info, ok
}

func testLookup() mapLookup {
	return mapLookup{
		"T1": types.NewMarketInfo("T1", "nba-finals", "Celtics", "NBA Finals", "cond-1", "yes"),
		"T2": types.NewMarketInfo("T2", "nba-finals", "Celtics", "NBA Finals", "cond-1", "no"),
	}
}

func newTestWriter(t *testing.T, lookup MarketLookup) (*Writer, string) {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "data")
	w, err := NewWriter(dir, lookup, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatal(err)
	}
	return w, dir
}

func candle(asset string, ts int64, close float64) types.OHLCVCandle {
	return types.OHLCVCandle{
		AssetID:   asset,
		Timestamp: ts,
		Open:      close,
		High:      close,
		Low:       close,
		Close:     close,
		VWAP:      close,
	}
}

func readRows(t *testing.T, path string) []types.CandleRow {
	t.Helper()
	rows, err := parquet.ReadFile[types.CandleRow](path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	return rows
}

func TestAppendAndFlush(t *testing.T) {
	t.Parallel()
	w, dir := newTestWriter(t, testLookup())

	n := w.AppendCandles([]types.OHLCVCandle{
		candle("T1", 60, 0.5),
		candle("T1", 120, 0.6),
	})
	if n != 2 {
		t.Errorf("AppendCandles = %d, want 2", n)
	}
	if w.BufferSize() != 2 {
		t.Errorf("BufferSize = %d, want 2", w.BufferSize())
	}

	if err := w.FlushToDisk(); err != nil {
		t.Fatal(err)
	}
	if w.BufferSize() != 0 {
		t.Errorf("buffer not cleared after flush: %d", w.BufferSize())
	}

	rows := readRows(t, filepath.Join(dir, "nba-finals", "celtics.parquet"))
	if len(rows) != 2 {
		t.Fatalf("got %d rows, want 2", len(rows))
	}
	if rows[0].Timestamp != 60 || rows[1].Timestamp != 120 {
		t.Errorf("timestamps = %d, %d", rows[0].Timestamp, rows[1].Timestamp)
	}
	if rows[0].Outcome != "yes" {
		t.Errorf("outcome = %q, want yes", rows[0].Outcome)
	}
	if rows[0].Datetime != "1970-01-01T00:01:00Z" {
		t.Errorf("datetime = %q", rows[0].Datetime)
	}
}

func TestFlushEmptyBufferIsNoop(t *testing.T) {
	t.Parallel()
	w, dir := newTestWriter(t, testLookup())

	if err := w.FlushToDisk(); err != nil {
		t.Fatal(err)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("empty flush created files: %v", entries)
	}
}

func TestFlushDedupKeepsLatest(t *testing.T) {
	t.Parallel()
	w, dir := newTestWriter(t, testLookup())

	w.AppendCandles([]types.OHLCVCandle{candle("T1", 60, 0.5)})
	if err := w.FlushToDisk(); err != nil {
		t.Fatal(err)
	}
	w.AppendCandles([]types.OHLCVCandle{candle("T1", 60, 0.7)})
	if err := w.FlushToDisk(); err != nil {
		t.Fatal(err)
	}

	rows := readRows(t, filepath.Join(dir, "nba-finals", "celtics.parquet"))
	if len(rows) != 1 {
		t.Fatalf("got %d rows, want 1 after dedup", len(rows))
	}
	if rows[0].Close != 0.7 {
		t.Errorf("close = %v, want 0.7 (latest)", rows[0].Close)
	}
}

func TestFlushIsIdempotent(t *testing.T) {
	t.Parallel()
	w, dir := newTestWriter(t, testLookup())

	candles := []types.OHLCVCandle{candle("T1", 60, 0.5), candle("T1", 120, 0.6)}
	w.AppendCandles(candles)
	if err := w.FlushToDisk(); err != nil {
		t.Fatal(err)
	}
	first := readRows(t, filepath.Join(dir, "nba-finals", "celtics.parquet"))

	// Same rows again, as after a failed flush retry.
	w.AppendCandles(candles)
	if err := w.FlushToDisk(); err != nil {
		t.Fatal(err)
	}
	second := readRows(t, filepath.Join(dir, "nba-finals", "celtics.parquet"))

	if len(first) != len(second) {
		t.Fatalf("row count changed: %d -> %d", len(first), len(second))
	}
	for i := range first {
		if first[i] != second[i] {
			t.Errorf("row %d changed: %+v -> %+v", i, first[i], second[i])
		}
	}
}

func TestOutcomesShareFileButStaySeparate(t *testing.T) {
	t.Parallel()
	w, dir := newTestWriter(t, testLookup())

	// Same market, same timestamp, different outcome tokens.
	w.AppendCandles([]types.OHLCVCandle{candle("T1", 60, 0.6), candle("T2", 60, 0.4)})
	if err := w.FlushToDisk(); err != nil {
		t.Fatal(err)
	}

	rows := readRows(t, filepath.Join(dir, "nba-finals", "celtics.parquet"))
	if len(rows) != 2 {
		t.Fatalf("got %d rows, want 2 (one per outcome)", len(rows))
	}
	outcomes := map[string]bool{}
	for _, row := range rows {
		outcomes[row.Outcome] = true
	}
	if !outcomes["yes"] || !outcomes["no"] {
		t.Errorf("outcomes = %v", outcomes)
	}
}

func TestRoundTripSortedAndUnique(t *testing.T) {
	t.Parallel()
	w, dir := newTestWriter(t, testLookup())

	w.AppendCandles([]types.OHLCVCandle{
		candle("T1", 180, 0.3),
		candle("T1", 60, 0.5),
		candle("T1", 120, 0.6),
		candle("T1", 60, 0.55), // duplicate key, later wins
	})
	if err := w.FlushToDisk(); err != nil {
		t.Fatal(err)
	}

	rows := readRows(t, filepath.Join(dir, "nba-finals", "celtics.parquet"))
	if len(rows) != 3 {
		t.Fatalf("got %d rows, want 3", len(rows))
	}
	seen := map[int64]bool{}
	for i, row := range rows {
		if i > 0 && rows[i-1].Timestamp > row.Timestamp {
			t.Errorf("rows not sorted at %d", i)
		}
		if seen[row.Timestamp] {
			t.Errorf("duplicate timestamp %d", row.Timestamp)
		}
		seen[row.Timestamp] = true
	}
	for _, row := range rows {
		if row.Timestamp == 60 && row.Close != 0.55 {
			t.Errorf("ts=60 close = %v, want 0.55", row.Close)
		}
	}
}

func TestUnknownAssetFallbackPath(t *testing.T) {
	t.Parallel()
	w, dir := newTestWriter(t, mapLookup{})

	longID := "0123456789abcdef-rest-is-truncated"
	w.AppendCandles([]types.OHLCVCandle{candle(longID, 60, 0.5)})
	if err := w.FlushToDisk(); err != nil {
		t.Fatal(err)
	}

	path := filepath.Join(dir, "unknown", "0123456789abcdef.parquet")
	if _, err := os.Stat(path); err != nil {
		t.Errorf("unknown asset file missing: %v", err)
	}
}

func TestFailedFlushRetainsBuffer(t *testing.T) {
	t.Parallel()
	w, dir := newTestWriter(t, testLookup())

	// Make the event directory path unusable by placing a file where the
	// directory should go.
	if err := os.WriteFile(filepath.Join(dir, "nba-finals"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	w.AppendCandles([]types.OHLCVCandle{candle("T1", 60, 0.5)})
	if err := w.FlushToDisk(); err == nil {
		t.Fatal("expected flush error")
	}
	if w.BufferSize() != 1 {
		t.Errorf("buffer = %d after failed flush, want 1", w.BufferSize())
	}

	// Clear the obstruction; retry succeeds with the retained rows.
	if err := os.Remove(filepath.Join(dir, "nba-finals")); err != nil {
		t.Fatal(err)
	}
	if err := w.FlushToDisk(); err != nil {
		t.Fatal(err)
	}
	if w.BufferSize() != 0 {
		t.Errorf("buffer = %d after retry, want 0", w.BufferSize())
	}
	rows := readRows(t, filepath.Join(dir, "nba-finals", "celtics.parquet"))
	if len(rows) != 1 {
		t.Errorf("got %d rows after retry, want 1", len(rows))
	}
}
