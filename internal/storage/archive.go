package storage

import (
	"archive/zip"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"polymarket-ohlcv/internal/metrics"
)

const (
	backup1Name = "data_backup_1.zip"
	backup2Name = "data_backup_2.zip"
	archiveMode = 0o640
)

// Archive serializes the data directory into a zip at archivePath,
// replacing any previous snapshot atomically.
//
// Rotation is size-monotonic: a snapshot at least as large as the current
// one pushes the current archive to data_backup_1.zip (and backup 1 to
// backup 2 only when it is larger than the existing backup 2). A smaller
// snapshot is treated as suspicious — it still replaces the archive but
// does not displace the last known-good backup.
func (w *Writer) Archive(archivePath string) error {
	if err := w.archive(archivePath); err != nil {
		metrics.ArchiveErrors.Inc()
		w.logger.Error("archive failed", "path", archivePath, "error", err)
		return err
	}
	return nil
}

func (w *Writer) archive(archivePath string) error {
	tmp := archivePath + ".tmp"
	if err := zipDir(w.dataDir, tmp); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("create snapshot: %w", err)
	}
	// From here every failure path must drop the temp file.
	defer os.Remove(tmp)

	newSize := fileSize(tmp)
	oldSize := fileSize(archivePath)

	if oldSize > 0 {
		if newSize >= oldSize {
			w.rotateBackups(archivePath, oldSize)
		} else {
			w.logger.Warn("new archive smaller than existing, skipping backup rotation",
				"new_bytes", newSize,
				"old_bytes", oldSize,
			)
		}
	}

	if err := os.Rename(tmp, archivePath); err != nil {
		return fmt.Errorf("replace archive: %w", err)
	}
	if err := os.Chmod(archivePath, archiveMode); err != nil {
		return fmt.Errorf("chmod archive: %w", err)
	}

	w.logger.Info("archive updated", "path", archivePath, "bytes", newSize)
	return nil
}

// rotateBackups moves the current archive into the backup-1 slot. The old
// backup 1 is promoted to backup 2 only when the file entering its slot
// is larger than the existing backup 2, so a corrupt small archive can
// never evict the last good backup.
func (w *Writer) rotateBackups(archivePath string, incomingSize int64) {
	dir := filepath.Dir(archivePath)
	backup1 := filepath.Join(dir, backup1Name)
	backup2 := filepath.Join(dir, backup2Name)

	if fileSize(backup1) > 0 && incomingSize > fileSize(backup2) {
		if err := os.Rename(backup1, backup2); err != nil {
			w.logger.Warn("backup promotion failed", "error", err)
		}
	}
	if err := os.Rename(archivePath, backup1); err != nil {
		w.logger.Warn("backup rotation failed", "error", err)
	}
}

// zipDir writes a zip of root at dest, entries prefixed with root's base
// name so the archive unpacks to the same directory layout.
func zipDir(root, dest string) error {
	out, err := os.Create(dest)
	if err != nil {
		return err
	}
	zw := zip.NewWriter(out)

	base := filepath.Base(root)
	walkErr := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		entry, err := zw.Create(filepath.ToSlash(filepath.Join(base, rel)))
		if err != nil {
			return err
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(entry, f)
		return err
	})

	if walkErr != nil {
		zw.Close()
		out.Close()
		return walkErr
	}
	if err := zw.Close(); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func fileSize(path string) int64 {
	info, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return info.Size()
}
