// Package state persists the reverse poller's cursors between runs.
package state

import (
	"context"
	"time"
)

// Cursor tracks how far the reverse poller has scanned the portal replica.
// Zero timestamps mean no previous poll; the poller substitutes its
// lookback default.
type Cursor struct {
	LastNotesSync   time.Time `json:"lastNotesSync"`
	LastBatchesSync time.Time `json:"lastBatchesSync"`
	LastPollTime    time.Time `json:"lastPollTime"`
}

// CursorStore loads and saves poller cursors.
//
//go:generate mockgen -destination=mocks/mock_cursor_store.go -package=mocks github.com/aligntrack/portal-sync/internal/sync/state CursorStore
type CursorStore interface {
	// Load returns the persisted cursor. A missing backing file is a first
	// run and yields a zero Cursor, not an error.
	Load(ctx context.Context) (*Cursor, error)
	// Save persists the cursor durably before returning.
	Save(ctx context.Context, cursor *Cursor) error
	// Close releases the store's resources, including any process lease.
	Close() error
}
