// Package file implements the position repository as a JSON snapshot on
// local disk, for running without a database.
package file

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/alanyoungcy/stockbot/internal/domain"
)

// Store implements domain.PositionRepository with a single JSON file. Writes
// go through a temp file and rename so a crash mid-write never leaves a
// truncated snapshot behind.
type Store struct {
	path string
}

// NewStore creates a Store writing to path. Parent directories are created
// on the first save.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// snapshot is the on-disk shape, versioned so the layout can evolve.
type snapshot struct {
	Version   int               `json:"version"`
	Positions []domain.Position `json:"positions"`
}

// Load reads the snapshot. A missing file is an empty table, not an error;
// an unreadable or malformed one surfaces as a DataError so the caller can
// decide to degrade.
func (s *Store) Load(context.Context) ([]domain.Position, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, &domain.DataError{Detail: fmt.Sprintf("read %s", s.path), Err: err}
	}

	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, &domain.DataError{Detail: fmt.Sprintf("parse %s", s.path), Err: err}
	}
	return snap.Positions, nil
}

// Save atomically replaces the snapshot.
func (s *Store) Save(_ context.Context, positions []domain.Position) error {
	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("file: create dir %s: %w", dir, err)
		}
	}

	data, err := json.MarshalIndent(snapshot{Version: 1, Positions: positions}, "", "  ")
	if err != nil {
		return fmt.Errorf("file: marshal snapshot: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("file: write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("file: rename %s: %w", tmp, err)
	}
	return nil
}

// Compile-time interface check.
var _ domain.PositionRepository = (*Store)(nil)
