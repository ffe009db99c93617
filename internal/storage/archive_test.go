package storage

import (
	"archive/zip"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"polymarket-ohlcv/pkg/types"
)

func newArchiveWriter(t *testing.T) (*Writer, string, string) {
	t.Helper()
	root := t.TempDir()
	dir := filepath.Join(root, "data")
	w, err := NewWriter(dir, mapLookup{}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatal(err)
	}
	return w, dir, filepath.Join(root, "data.zip")
}

func writeDataFile(t *testing.T, dir, rel, content string) {
	t.Helper()
	path := filepath.Join(dir, rel)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func zipEntries(t *testing.T, path string) []string {
	t.Helper()
	r, err := zip.OpenReader(path)
	if err != nil {
		t.Fatalf("open zip %s: %v", path, err)
	}
	defer r.Close()
	var names []string
	for _, f := range r.File {
		names = append(names, f.Name)
	}
	return names
}

func TestArchiveCreatesSnapshot(t *testing.T) {
	t.Parallel()
	w, dir, archivePath := newArchiveWriter(t)

	writeDataFile(t, dir, "event-a/market-1.parquet", "aaa")
	writeDataFile(t, dir, "unknown/tok.parquet", "bbb")

	if err := w.Archive(archivePath); err != nil {
		t.Fatal(err)
	}

	names := zipEntries(t, archivePath)
	if len(names) != 2 {
		t.Fatalf("zip entries = %v", names)
	}
	for _, name := range names {
		if !strings.HasPrefix(name, "data/") {
			t.Errorf("entry %q not rooted at data/", name)
		}
	}

	if runtime.GOOS != "windows" {
		info, err := os.Stat(archivePath)
		if err != nil {
			t.Fatal(err)
		}
		if info.Mode().Perm() != 0o640 {
			t.Errorf("archive mode = %o, want 0640", info.Mode().Perm())
		}
	}

	if _, err := os.Stat(archivePath + ".tmp"); !os.IsNotExist(err) {
		t.Error("temp artifact left behind")
	}
}

func TestArchiveRotatesWhenLarger(t *testing.T) {
	t.Parallel()
	w, dir, archivePath := newArchiveWriter(t)

	writeDataFile(t, dir, "e/m.parquet", "small")
	if err := w.Archive(archivePath); err != nil {
		t.Fatal(err)
	}

	// Grow the store so the next snapshot is larger.
	writeDataFile(t, dir, "e/m.parquet", strings.Repeat("x", 4096))
	if err := w.Archive(archivePath); err != nil {
		t.Fatal(err)
	}

	backup1 := filepath.Join(filepath.Dir(archivePath), "data_backup_1.zip")
	if _, err := os.Stat(backup1); err != nil {
		t.Errorf("backup 1 missing after rotation: %v", err)
	}

	// A third, even larger snapshot promotes backup 1 to backup 2.
	writeDataFile(t, dir, "e/m2.parquet", strings.Repeat("y", 8192))
	if err := w.Archive(archivePath); err != nil {
		t.Fatal(err)
	}
	backup2 := filepath.Join(filepath.Dir(archivePath), "data_backup_2.zip")
	if _, err := os.Stat(backup2); err != nil {
		t.Errorf("backup 2 missing after second rotation: %v", err)
	}
}

func TestArchiveSmallerSnapshotSkipsRotation(t *testing.T) {
	t.Parallel()
	w, dir, archivePath := newArchiveWriter(t)

	writeDataFile(t, dir, "e/m.parquet", strings.Repeat("x", 4096))
	if err := w.Archive(archivePath); err != nil {
		t.Fatal(err)
	}
	bigSize := fileSize(archivePath)

	// Shrink the store: the new snapshot is suspicious.
	if err := os.WriteFile(filepath.Join(dir, "e", "m.parquet"), []byte("tiny"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := w.Archive(archivePath); err != nil {
		t.Fatal(err)
	}

	// Archive replaced, but the good snapshot was not rotated away.
	if fileSize(archivePath) >= bigSize {
		t.Error("archive was not replaced by the smaller snapshot")
	}
	backup1 := filepath.Join(filepath.Dir(archivePath), "data_backup_1.zip")
	if _, err := os.Stat(backup1); !os.IsNotExist(err) {
		t.Error("smaller snapshot must not create a backup")
	}
}

func TestArchiveEndToEndWithWriter(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	dir := filepath.Join(root, "data")
	lookup := mapLookup{
		"T1": types.NewMarketInfo("T1", "ev", "Mkt", "Ev", "c1", "yes"),
	}
	w, err := NewWriter(dir, lookup, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatal(err)
	}

	w.AppendCandles([]types.OHLCVCandle{candle("T1", 60, 0.5)})
	if err := w.FlushToDisk(); err != nil {
		t.Fatal(err)
	}

	archivePath := filepath.Join(root, "data.zip")
	if err := w.Archive(archivePath); err != nil {
		t.Fatal(err)
	}
	names := zipEntries(t, archivePath)
	if len(names) != 1 || names[0] != "data/ev/mkt.parquet" {
		t.Errorf("zip entries = %v", names)
	}
}
