package primary

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// DoctorNoteExists reports whether a portal note has already been landed.
// This is the replay guard for reverse-synced note inserts.
func (s *Store) DoctorNoteExists(ctx context.Context, portalNoteID int64) (bool, error) {
	var one int
	err := s.conn.QueryRowContext(ctx,
		`SELECT 1 FROM doctor_notes WHERE portal_note_id = ?`, portalNoteID,
	).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check doctor note %d: %w", portalNoteID, err)
	}
	return true, nil
}

// InsertDoctorNoteParams lands one portal-originated note.
type InsertDoctorNoteParams struct {
	PortalNoteID int64
	SetID        int64
	AuthorRole   string
	Body         string
	CreatedAt    time.Time
	EditedAt     *time.Time
	ReceivedAt   time.Time
}

// InsertDoctorNote inserts a portal note. The UNIQUE constraint on
// portal_note_id backs up the caller's existence check, so a replayed
// insert can never produce a duplicate.
func (s *Store) InsertDoctorNote(ctx context.Context, arg InsertDoctorNoteParams) error {
	_, err := s.conn.ExecContext(ctx, `
	INSERT INTO doctor_notes (portal_note_id, set_id, author_role, body, created_at, edited_at, received_at)
	VALUES (?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(portal_note_id) DO UPDATE SET
		body = excluded.body,
		edited_at = excluded.edited_at,
		received_at = excluded.received_at
	`,
		arg.PortalNoteID,
		arg.SetID,
		arg.AuthorRole,
		arg.Body,
		arg.CreatedAt.UTC().Format(time.RFC3339),
		timeToNullString(arg.EditedAt),
		arg.ReceivedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to insert doctor note %d: %w", arg.PortalNoteID, err)
	}
	return nil
}

// GetDoctorNote retrieves a landed portal note by its portal-side id.
// Returns ErrNotFound when absent.
func (s *Store) GetDoctorNote(ctx context.Context, portalNoteID int64) (DoctorNote, error) {
	var note DoctorNote
	var createdAt, receivedAt string
	var editedAt sql.NullString

	err := s.conn.QueryRowContext(ctx, `
	SELECT id, portal_note_id, set_id, author_role, body, created_at, edited_at, received_at
	FROM doctor_notes
	WHERE portal_note_id = ?
	`, portalNoteID).Scan(
		&note.ID,
		&note.PortalNoteID,
		&note.SetID,
		&note.AuthorRole,
		&note.Body,
		&createdAt,
		&editedAt,
		&receivedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return DoctorNote{}, fmt.Errorf("doctor note %d: %w", portalNoteID, ErrNotFound)
	}
	if err != nil {
		return DoctorNote{}, fmt.Errorf("failed to get doctor note %d: %w", portalNoteID, err)
	}

	if t, err := time.Parse(time.RFC3339, createdAt); err == nil {
		note.CreatedAt = t
	}
	if t, err := time.Parse(time.RFC3339, receivedAt); err == nil {
		note.ReceivedAt = t
	}
	note.EditedAt = nullStringToTime(editedAt)

	return note, nil
}

// UpdateBatchWearDaysParams propagates a portal wear-days edit.
type UpdateBatchWearDaysParams struct {
	BatchID   int64
	WearDays  int64
	UpdatedAt time.Time
}

// UpdateBatchWearDays applies a keyed last-write-wins update to the batch's
// wear-days field. Returns the number of rows updated; zero means the batch
// does not exist on the primary side.
func (s *Store) UpdateBatchWearDays(ctx context.Context, arg UpdateBatchWearDaysParams) (int64, error) {
	res, err := s.conn.ExecContext(ctx, `
	UPDATE aligner_batches
	SET wear_days = ?, updated_at = ?
	WHERE id = ?
	`,
		arg.WearDays, arg.UpdatedAt.UTC().Format(time.RFC3339), arg.BatchID,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to update wear days for batch %d: %w", arg.BatchID, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read rows affected for batch %d: %w", arg.BatchID, err)
	}
	return affected, nil
}
