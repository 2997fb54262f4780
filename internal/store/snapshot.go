package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"tradesim/internal/ledger"
)

// Compile-time interface check.
var _ SnapshotStore = (*FileSnapshotStore)(nil)

// FileSnapshotStore keeps the snapshot as one JSON document on disk.
type FileSnapshotStore struct {
	Path string
}

// NewFileSnapshotStore creates a store writing to path.
func NewFileSnapshotStore(path string) *FileSnapshotStore {
	return &FileSnapshotStore{Path: path}
}

// Save writes the snapshot to a temp file in the same directory, fsyncs it
// and renames it over the previous document.
func (s *FileSnapshotStore) Save(_ context.Context, snap *ledger.Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encoding snapshot: %w", err)
	}

	dir := filepath.Dir(s.Path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(s.Path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp snapshot: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op after a successful rename

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing snapshot: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("syncing snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, s.Path); err != nil {
		return fmt.Errorf("replacing snapshot: %w", err)
	}
	syncDir(dir)
	return nil
}

// Load reads and decodes the snapshot. A missing file is ErrNoSnapshot; an
// unparsable one is a hard error.
func (s *FileSnapshotStore) Load(_ context.Context) (*ledger.Snapshot, error) {
	data, err := os.ReadFile(s.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNoSnapshot
		}
		return nil, err
	}

	snap := &ledger.Snapshot{}
	if err := json.Unmarshal(data, snap); err != nil {
		return nil, fmt.Errorf("decoding snapshot %s: %w", s.Path, err)
	}
	return snap, nil
}

// syncDir flushes the directory entry of a rename. Not every platform
// supports it, so errors are ignored.
func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	_ = d.Sync()
	_ = d.Close()
}
