// Package replica provides the Postgres-backed portal store used by the sync
// engine: forward mirror writes, reverse-poll reads, and point lookups.
package replica

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

//go:generate mockgen -destination=mocks/mock_client.go -package=mocks -source=replica.go Client

// ErrNoRows marks a point read that matched nothing. It wraps pgx.ErrNoRows
// so either sentinel works with errors.Is.
var ErrNoRows = fmt.Errorf("replica row not found: %w", pgx.ErrNoRows)

// Client is the portal store surface the sync engine depends on.
type Client interface {
	// Upsert writes rows into table, inserting new rows and overwriting
	// existing ones matched on conflictKey. Last write wins.
	Upsert(ctx context.Context, table string, rows []map[string]any, conflictKey string) error

	// DeleteByKey removes rows where key = value. Deleting an absent row is
	// a no-op, not an error.
	DeleteByKey(ctx context.Context, table string, key string, value any) error

	// SelectByKey fetches a single row by key, returning ErrNoRows when the
	// row does not exist.
	SelectByKey(ctx context.Context, table string, key string, value any) (map[string]any, error)

	// SelectSince returns rows whose tsColumn is strictly after since,
	// oldest first, capped at limit. Rows with a NULL tsColumn never match.
	SelectSince(ctx context.Context, table string, tsColumn string, since time.Time, limit int) ([]map[string]any, error)

	// Ping verifies the portal database is reachable.
	Ping(ctx context.Context) error
}
