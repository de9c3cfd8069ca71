package state

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
)

// fileCursorStore implements CursorStore on a local JSON file. A flock on a
// sibling .lock file is held for the store's lifetime so two processes
// never advance the same cursor.
type fileCursorStore struct {
	path string
	lock *flock.Flock
}

// NewFileCursorStore opens and leases the cursor file at path. The lease
// fails immediately when another process already holds it.
func NewFileCursorStore(path string) (CursorStore, error) {
	if path == "" {
		return nil, fmt.Errorf("cursor state path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}

	lock := flock.New(path + ".lock")
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire state lock: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("state file %s is locked by another sync process", path)
	}

	return &fileCursorStore{path: path, lock: lock}, nil
}

// Load reads the persisted cursor. A missing file means a first run.
func (f *fileCursorStore) Load(_ context.Context) (*Cursor, error) {
	// #nosec G304 -- path comes from the service's own configuration
	data, err := os.ReadFile(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Cursor{}, nil
		}
		return nil, fmt.Errorf("failed to read cursor file: %w", err)
	}

	var cursor Cursor
	if err := json.Unmarshal(data, &cursor); err != nil {
		return nil, fmt.Errorf("failed to parse cursor file %s: %w", f.path, err)
	}
	return &cursor, nil
}

// Save writes the cursor through a temp-file rename so a crash mid-write
// never leaves a torn file.
func (f *fileCursorStore) Save(_ context.Context, cursor *Cursor) error {
	data, err := json.MarshalIndent(cursor, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal cursor: %w", err)
	}

	tempPath := f.path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write temporary cursor file: %w", err)
	}
	if err := os.Rename(tempPath, f.path); err != nil {
		_ = os.Remove(tempPath)
		return fmt.Errorf("failed to replace cursor file: %w", err)
	}
	return nil
}

// Close releases the process lease.
func (f *fileCursorStore) Close() error {
	if f.lock == nil {
		return nil
	}
	return f.lock.Unlock()
}
