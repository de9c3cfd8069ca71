package primary

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const queueItemColumns = `id, table_name, record_id, operation, payload,
       status, attempts, last_attempt, last_error, created_at`

// ListPendingItemsParams selects the next drainable batch.
type ListPendingItemsParams struct {
	MaxAttempts int64
	Limit       int64
}

// ListPendingItems returns up to Limit Pending items with attempts below the
// ceiling, in id order. This is the forward processor's dequeue.
func (s *Store) ListPendingItems(ctx context.Context, arg ListPendingItemsParams) ([]QueueItem, error) {
	query := `
	SELECT ` + queueItemColumns + `
	FROM sync_queue
	WHERE status = ? AND attempts < ?
	ORDER BY id ASC
	LIMIT ?
	`

	rows, err := s.conn.QueryContext(ctx, query, StatusPending, arg.MaxAttempts, arg.Limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending items: %w", err)
	}
	defer rows.Close()

	return scanQueueItems(rows)
}

// CountPending returns how many drainable items remain.
func (s *Store) CountPending(ctx context.Context, maxAttempts int64) (int64, error) {
	var count int64
	err := s.conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sync_queue WHERE status = ? AND attempts < ?`,
		StatusPending, maxAttempts,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count pending items: %w", err)
	}
	return count, nil
}

// CountByStatus returns queue item counts grouped by status.
func (s *Store) CountByStatus(ctx context.Context) ([]StatusCount, error) {
	rows, err := s.conn.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM sync_queue GROUP BY status ORDER BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count items by status: %w", err)
	}
	defer rows.Close()

	var counts []StatusCount
	for rows.Next() {
		var sc StatusCount
		if err := rows.Scan(&sc.Status, &sc.Count); err != nil {
			return nil, fmt.Errorf("failed to scan status count: %w", err)
		}
		counts = append(counts, sc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating status counts: %w", err)
	}
	return counts, nil
}

// GetQueueItem retrieves a single queue item by id.
// Returns ErrNotFound if no such item exists.
func (s *Store) GetQueueItem(ctx context.Context, id int64) (QueueItem, error) {
	query := `
	SELECT ` + queueItemColumns + `
	FROM sync_queue
	WHERE id = ?
	`

	item, err := scanQueueItem(s.conn.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return QueueItem{}, fmt.Errorf("queue item %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return QueueItem{}, fmt.Errorf("failed to get queue item %d: %w", id, err)
	}
	return item, nil
}

// ListQueueItemsParams filters the operator-facing queue listing.
type ListQueueItemsParams struct {
	// Status filters by status (empty = all statuses)
	Status string
	// Limit restricts the number of results (0 = no limit)
	Limit int64
}

// ListQueueItems returns queue items newest first for inspection.
func (s *Store) ListQueueItems(ctx context.Context, arg ListQueueItemsParams) ([]QueueItem, error) {
	query := `
	SELECT ` + queueItemColumns + `
	FROM sync_queue
	`
	var args []any

	if arg.Status != "" {
		query += " WHERE status = ?"
		args = append(args, arg.Status)
	}

	query += " ORDER BY id DESC"

	if arg.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, arg.Limit)
	}

	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list queue items: %w", err)
	}
	defer rows.Close()

	return scanQueueItems(rows)
}

// InsertQueueItemParams creates a queue row. In production the trigger layer
// owns inserts; this exists for tests and local tooling.
type InsertQueueItemParams struct {
	TableName string
	RecordID  int64
	Operation string
	Payload   *string
	CreatedAt time.Time
}

// InsertQueueItem appends a Pending change notification and returns its id.
func (s *Store) InsertQueueItem(ctx context.Context, arg InsertQueueItemParams) (int64, error) {
	var payload sql.NullString
	if arg.Payload != nil {
		payload = sql.NullString{String: *arg.Payload, Valid: true}
	}

	res, err := s.conn.ExecContext(ctx, `
	INSERT INTO sync_queue (table_name, record_id, operation, payload, status, attempts, created_at)
	VALUES (?, ?, ?, ?, ?, 0, ?)
	`,
		arg.TableName, arg.RecordID, arg.Operation, payload,
		StatusPending, arg.CreatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to insert queue item: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get inserted queue item id: %w", err)
	}
	return id, nil
}

// MarkItemSyncedParams finalizes a successfully applied item.
type MarkItemSyncedParams struct {
	ID int64
	// Payload is the resolved snapshot stored for audit and replay.
	Payload     string
	LastAttempt time.Time
}

// MarkItemSynced records a successful sync.
func (s *Store) MarkItemSynced(ctx context.Context, arg MarkItemSyncedParams) error {
	_, err := s.conn.ExecContext(ctx, `
	UPDATE sync_queue
	SET status = ?, payload = ?, last_attempt = ?, last_error = NULL
	WHERE id = ?
	`,
		StatusSynced, arg.Payload, arg.LastAttempt.UTC().Format(time.RFC3339), arg.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to mark item %d synced: %w", arg.ID, err)
	}
	return nil
}

// MarkItemSkippedParams finalizes an item whose source row vanished.
type MarkItemSkippedParams struct {
	ID          int64
	Reason      string
	LastAttempt time.Time
}

// MarkItemSkipped records a skip. Skips are a success path, not a failure.
func (s *Store) MarkItemSkipped(ctx context.Context, arg MarkItemSkippedParams) error {
	_, err := s.conn.ExecContext(ctx, `
	UPDATE sync_queue
	SET status = ?, last_error = ?, last_attempt = ?
	WHERE id = ?
	`,
		StatusSkipped, arg.Reason, arg.LastAttempt.UTC().Format(time.RFC3339), arg.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to mark item %d skipped: %w", arg.ID, err)
	}
	return nil
}

// MarkItemFailedParams finalizes an item that can never succeed, such as an
// unknown table or an unparseable payload.
type MarkItemFailedParams struct {
	ID          int64
	Error       string
	LastAttempt time.Time
}

// MarkItemFailed sets an item terminal Failed regardless of its attempt
// count. Retrying cannot help these items, so they skip the backoff ladder.
func (s *Store) MarkItemFailed(ctx context.Context, arg MarkItemFailedParams) error {
	_, err := s.conn.ExecContext(ctx, `
	UPDATE sync_queue
	SET status = ?, attempts = attempts + 1, last_error = ?, last_attempt = ?
	WHERE id = ?
	`,
		StatusFailed, arg.Error, arg.LastAttempt.UTC().Format(time.RFC3339), arg.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to mark item %d failed: %w", arg.ID, err)
	}
	return nil
}

// RecordItemFailureParams registers one failed attempt.
type RecordItemFailureParams struct {
	ID          int64
	Error       string
	LastAttempt time.Time
	// MaxAttempts is the retry ceiling; reaching it makes the item Failed.
	MaxAttempts int64
}

// RecordItemFailure increments attempts, stores the error, and flips the
// item to Failed once attempts reach the ceiling. Returns the resulting
// status and attempt count.
func (s *Store) RecordItemFailure(ctx context.Context, arg RecordItemFailureParams) (string, int64, error) {
	var status string
	var attempts int64
	err := s.conn.QueryRowContext(ctx, `
	UPDATE sync_queue
	SET attempts = attempts + 1,
	    last_error = ?,
	    last_attempt = ?,
	    status = CASE WHEN attempts + 1 >= ? THEN ? ELSE ? END
	WHERE id = ?
	RETURNING status, attempts
	`,
		arg.Error, arg.LastAttempt.UTC().Format(time.RFC3339),
		arg.MaxAttempts, StatusFailed, StatusPending, arg.ID,
	).Scan(&status, &attempts)
	if errors.Is(err, sql.ErrNoRows) {
		return "", 0, fmt.Errorf("queue item %d: %w", arg.ID, ErrNotFound)
	}
	if err != nil {
		return "", 0, fmt.Errorf("failed to record failure for item %d: %w", arg.ID, err)
	}
	return status, attempts, nil
}

// RetryItem resets a Failed item to Pending with zero attempts. This is an
// explicit operator action; items never re-queue automatically.
func (s *Store) RetryItem(ctx context.Context, id int64) error {
	item, err := s.GetQueueItem(ctx, id)
	if err != nil {
		return err
	}
	if item.Status != StatusFailed {
		return fmt.Errorf("queue item %d is %s; only Failed items can be retried", id, item.Status)
	}

	_, err = s.conn.ExecContext(ctx, `
	UPDATE sync_queue
	SET status = ?, attempts = 0, last_error = NULL
	WHERE id = ?
	`, StatusPending, id)
	if err != nil {
		return fmt.Errorf("failed to retry item %d: %w", id, err)
	}
	return nil
}

func scanQueueItems(rows *sql.Rows) ([]QueueItem, error) {
	var items []QueueItem
	for rows.Next() {
		item, err := scanQueueItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating queue items: %w", err)
	}
	return items, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanQueueItem(row rowScanner) (QueueItem, error) {
	var item QueueItem
	var payload, lastAttempt, lastError sql.NullString
	var createdAt string

	err := row.Scan(
		&item.ID,
		&item.TableName,
		&item.RecordID,
		&item.Operation,
		&payload,
		&item.Status,
		&item.Attempts,
		&lastAttempt,
		&lastError,
		&createdAt,
	)
	if err != nil {
		return QueueItem{}, err
	}

	if payload.Valid {
		item.Payload = &payload.String
	}
	if lastError.Valid {
		item.LastError = &lastError.String
	}
	item.LastAttempt = nullStringToTime(lastAttempt)
	if t, err := time.Parse(time.RFC3339, createdAt); err == nil {
		item.CreatedAt = t
	}

	return item, nil
}
