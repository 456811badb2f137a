package store

import (
	"encoding/gob"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"ensemble-trading-engine/internal/logging"
)

// BackupWriter drops periodic gob snapshots of the latest checkpoint to disk.
// Snapshots are a second line of defence behind the database: cheap to write,
// readable without any server, rotated by age.
type BackupWriter struct {
	dir           string
	retentionDays int
	logger        *logging.Logger
}

func NewBackupWriter(dir string, retentionDays int, logger *logging.Logger) (*BackupWriter, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating backup directory: %w", err)
	}
	return &BackupWriter{
		dir:           dir,
		retentionDays: retentionDays,
		logger:        logger.WithComponent("store.backup"),
	}, nil
}

// Write snapshots one checkpoint as portfolio_YYYYMMDD_HHMMSS.bin, then
// rotates old files.
func (w *BackupWriter) Write(cp *Checkpoint) error {
	name := fmt.Sprintf("portfolio_%s.bin", cp.Timestamp.UTC().Format("20060102_150405"))
	path := filepath.Join(w.dir, name)

	f, err := os.CreateTemp(w.dir, "snapshot-*")
	if err != nil {
		return fmt.Errorf("creating snapshot: %w", err)
	}
	tmp := f.Name()

	if err := gob.NewEncoder(f).Encode(cp); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("encoding snapshot: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("placing snapshot: %w", err)
	}

	w.logger.Debug("snapshot written", "file", name)
	w.rotate()
	return nil
}

// Latest loads the newest snapshot, nil when the directory has none.
func (w *BackupWriter) Latest() (*Checkpoint, error) {
	files, err := w.snapshots()
	if err != nil || len(files) == 0 {
		return nil, err
	}

	f, err := os.Open(files[len(files)-1])
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var cp Checkpoint
	if err := gob.NewDecoder(f).Decode(&cp); err != nil {
		return nil, fmt.Errorf("decoding snapshot %s: %w", filepath.Base(files[len(files)-1]), err)
	}
	return &cp, nil
}

// rotate deletes snapshots whose modification time is past retention.
func (w *BackupWriter) rotate() {
	if w.retentionDays <= 0 {
		return
	}
	cutoff := time.Now().AddDate(0, 0, -w.retentionDays)

	files, err := w.snapshots()
	if err != nil {
		w.logger.Warn("rotation scan failed", "error", err)
		return
	}
	for _, path := range files {
		info, err := os.Stat(path)
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			if err := os.Remove(path); err != nil {
				w.logger.Warn("rotation delete failed", "file", filepath.Base(path), "error", err)
			} else {
				w.logger.Debug("rotated snapshot", "file", filepath.Base(path))
			}
		}
	}
}

// snapshots lists snapshot paths sorted by name, which sorts by timestamp.
func (w *BackupWriter) snapshots() ([]string, error) {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if strings.HasPrefix(e.Name(), "portfolio_") && strings.HasSuffix(e.Name(), ".bin") {
			out = append(out, filepath.Join(w.dir, e.Name()))
		}
	}
	sort.Strings(out)
	return out, nil
}
