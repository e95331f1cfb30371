package durability

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

const snapshotFilename = "snapshot.v1"

// SnapshotMaxBytes (S_max) and SnapshotMaxOps bound how far the WAL is
// allowed to grow past the last snapshot before compaction runs.
// Package-level vars rather than consts so cmd/server can override them
// from the snapshot-threshold configuration surface at startup.
var (
	SnapshotMaxBytes int64 = 8 * 1024 * 1024
	SnapshotMaxOps   uint64 = 10_000
)

type snapshotFile struct {
	Rev  uint64 `json:"rev"`
	Text string `json:"text"`
}

func readSnapshot(dir string) (*snapshotFile, error) {
	data, err := os.ReadFile(filepath.Join(dir, snapshotFilename))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read snapshot: %w", err)
	}
	var snap snapshotFile
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return &snap, nil
}

// writeSnapshotAtomic writes snap to a temp file in dir, fsyncs it,
// then renames it over snapshot.v1. The rename is atomic on the
// target filesystems this store assumes, so a reader never observes a
// torn snapshot.
func writeSnapshotAtomic(dir string, snap snapshotFile) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}

	tmp, err := os.CreateTemp(dir, snapshotFilename+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp snapshot: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp snapshot: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("fsync temp snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp snapshot: %w", err)
	}
	if err := os.Rename(tmpName, filepath.Join(dir, snapshotFilename)); err != nil {
		return fmt.Errorf("rename snapshot: %w", err)
	}
	return nil
}
