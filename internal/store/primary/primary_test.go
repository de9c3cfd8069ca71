package primary

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupStore(t *testing.T) *Store {
	t.Helper()

	s, err := Open(filepath.Join(t.TempDir(), "data", "clinic.db"), 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	require.NoError(t, s.EnsureSchema(context.Background()))
	return s
}

// seedTreatmentChain inserts a full patient -> work order -> set -> batch
// chain and returns the batch id.
func seedTreatmentChain(t *testing.T, s *Store, patientID, workOrderID, setID, batchID int64) {
	t.Helper()

	now := time.Now().UTC().Format(time.RFC3339)
	db := s.RawDB()

	_, err := db.Exec(`INSERT INTO patients (id, first_name, last_name, created_at) VALUES (?, 'Ada', 'Nguyen', ?)`,
		patientID, now)
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO work_orders (id, patient_id, status, created_at) VALUES (?, ?, 'open', ?)`,
		workOrderID, patientID, now)
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO aligner_sets (id, work_order_id, label, created_at) VALUES (?, ?, 'upper', ?)`,
		setID, workOrderID, now)
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO aligner_batches (id, set_id, sequence_no, wear_days, created_at, updated_at) VALUES (?, ?, 1, 14, ?, ?)`,
		batchID, setID, now, now)
	require.NoError(t, err)
}

func TestEnsureSchemaIsIdempotent(t *testing.T) {
	t.Parallel()

	s := setupStore(t)
	require.NoError(t, s.EnsureSchema(context.Background()))
}

func TestQueueDrainOrderAndLimit(t *testing.T) {
	t.Parallel()

	s := setupStore(t)
	ctx := context.Background()
	now := time.Now()

	for i := range 5 {
		_, err := s.InsertQueueItem(ctx, InsertQueueItemParams{
			TableName: "aligner_batches",
			RecordID:  int64(100 + i),
			Operation: OperationUpdate,
			CreatedAt: now,
		})
		require.NoError(t, err)
	}

	items, err := s.ListPendingItems(ctx, ListPendingItemsParams{MaxAttempts: 10, Limit: 3})
	require.NoError(t, err)
	require.Len(t, items, 3)
	assert.Equal(t, int64(1), items[0].ID)
	assert.Equal(t, int64(2), items[1].ID)
	assert.Equal(t, int64(3), items[2].ID)
	assert.Equal(t, StatusPending, items[0].Status)
	assert.Equal(t, int64(100), items[0].RecordID)
	assert.Nil(t, items[0].Payload)

	count, err := s.CountPending(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(5), count)
}

func TestListPendingExcludesExhaustedItems(t *testing.T) {
	t.Parallel()

	s := setupStore(t)
	ctx := context.Background()

	id, err := s.InsertQueueItem(ctx, InsertQueueItemParams{
		TableName: "notes",
		RecordID:  7,
		Operation: OperationInsert,
		CreatedAt: time.Now(),
	})
	require.NoError(t, err)

	// Exhaust the ceiling of 2.
	for range 2 {
		_, _, err := s.RecordItemFailure(ctx, RecordItemFailureParams{
			ID:          id,
			Error:       "replica unavailable",
			LastAttempt: time.Now(),
			MaxAttempts: 2,
		})
		require.NoError(t, err)
	}

	items, err := s.ListPendingItems(ctx, ListPendingItemsParams{MaxAttempts: 2, Limit: 10})
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestMarkItemSynced(t *testing.T) {
	t.Parallel()

	s := setupStore(t)
	ctx := context.Background()

	id, err := s.InsertQueueItem(ctx, InsertQueueItemParams{
		TableName: "patients",
		RecordID:  1,
		Operation: OperationInsert,
		CreatedAt: time.Now(),
	})
	require.NoError(t, err)

	attempt := time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)
	require.NoError(t, s.MarkItemSynced(ctx, MarkItemSyncedParams{
		ID:          id,
		Payload:     `{"id":1,"first_name":"Ada"}`,
		LastAttempt: attempt,
	}))

	item, err := s.GetQueueItem(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusSynced, item.Status)
	require.NotNil(t, item.Payload)
	assert.Contains(t, *item.Payload, `"first_name":"Ada"`)
	assert.Nil(t, item.LastError)
	require.NotNil(t, item.LastAttempt)
	assert.True(t, item.LastAttempt.Equal(attempt))
}

func TestMarkItemSkipped(t *testing.T) {
	t.Parallel()

	s := setupStore(t)
	ctx := context.Background()

	id, err := s.InsertQueueItem(ctx, InsertQueueItemParams{
		TableName: "aligner_batches",
		RecordID:  501,
		Operation: OperationUpdate,
		CreatedAt: time.Now(),
	})
	require.NoError(t, err)

	require.NoError(t, s.MarkItemSkipped(ctx, MarkItemSkippedParams{
		ID:          id,
		Reason:      "record not found in source",
		LastAttempt: time.Now(),
	}))

	item, err := s.GetQueueItem(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusSkipped, item.Status)
	require.NotNil(t, item.LastError)
	assert.Equal(t, "record not found in source", *item.LastError)
}

func TestRecordItemFailureProgression(t *testing.T) {
	t.Parallel()

	s := setupStore(t)
	ctx := context.Background()

	id, err := s.InsertQueueItem(ctx, InsertQueueItemParams{
		TableName: "work_orders",
		RecordID:  10,
		Operation: OperationUpdate,
		CreatedAt: time.Now(),
	})
	require.NoError(t, err)

	status, attempts, err := s.RecordItemFailure(ctx, RecordItemFailureParams{
		ID: id, Error: "timeout", LastAttempt: time.Now(), MaxAttempts: 3,
	})
	require.NoError(t, err)
	assert.Equal(t, StatusPending, status)
	assert.Equal(t, int64(1), attempts)

	status, attempts, err = s.RecordItemFailure(ctx, RecordItemFailureParams{
		ID: id, Error: "timeout", LastAttempt: time.Now(), MaxAttempts: 3,
	})
	require.NoError(t, err)
	assert.Equal(t, StatusPending, status)
	assert.Equal(t, int64(2), attempts)

	status, attempts, err = s.RecordItemFailure(ctx, RecordItemFailureParams{
		ID: id, Error: "timeout", LastAttempt: time.Now(), MaxAttempts: 3,
	})
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, status)
	assert.Equal(t, int64(3), attempts)

	_, _, err = s.RecordItemFailure(ctx, RecordItemFailureParams{
		ID: 9999, Error: "x", LastAttempt: time.Now(), MaxAttempts: 3,
	})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMarkItemFailed(t *testing.T) {
	t.Parallel()

	s := setupStore(t)
	ctx := context.Background()

	id, err := s.InsertQueueItem(ctx, InsertQueueItemParams{
		TableName: "appointments",
		RecordID:  1,
		Operation: OperationInsert,
		CreatedAt: time.Now(),
	})
	require.NoError(t, err)

	require.NoError(t, s.MarkItemFailed(ctx, MarkItemFailedParams{
		ID:          id,
		Error:       `table "appointments" is not synced`,
		LastAttempt: time.Now(),
	}))

	item, err := s.GetQueueItem(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, item.Status)
	assert.Equal(t, int64(1), item.Attempts)
	require.NotNil(t, item.LastError)
	assert.Contains(t, *item.LastError, "appointments")
}

func TestRetryItem(t *testing.T) {
	t.Parallel()

	s := setupStore(t)
	ctx := context.Background()

	id, err := s.InsertQueueItem(ctx, InsertQueueItemParams{
		TableName: "notes",
		RecordID:  42,
		Operation: OperationInsert,
		CreatedAt: time.Now(),
	})
	require.NoError(t, err)

	// A Pending item cannot be retried.
	err = s.RetryItem(ctx, id)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "only Failed items")

	_, _, err = s.RecordItemFailure(ctx, RecordItemFailureParams{
		ID: id, Error: "boom", LastAttempt: time.Now(), MaxAttempts: 1,
	})
	require.NoError(t, err)

	require.NoError(t, s.RetryItem(ctx, id))

	item, err := s.GetQueueItem(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, item.Status)
	assert.Equal(t, int64(0), item.Attempts)
	assert.Nil(t, item.LastError)

	assert.ErrorIs(t, s.RetryItem(ctx, 9999), ErrNotFound)
}

func TestListQueueItemsFilter(t *testing.T) {
	t.Parallel()

	s := setupStore(t)
	ctx := context.Background()

	for i := range 4 {
		_, err := s.InsertQueueItem(ctx, InsertQueueItemParams{
			TableName: "patients",
			RecordID:  int64(i),
			Operation: OperationInsert,
			CreatedAt: time.Now(),
		})
		require.NoError(t, err)
	}
	require.NoError(t, s.MarkItemSynced(ctx, MarkItemSyncedParams{ID: 1, Payload: "{}", LastAttempt: time.Now()}))

	synced, err := s.ListQueueItems(ctx, ListQueueItemsParams{Status: StatusSynced})
	require.NoError(t, err)
	require.Len(t, synced, 1)
	assert.Equal(t, int64(1), synced[0].ID)

	all, err := s.ListQueueItems(ctx, ListQueueItemsParams{Limit: 2})
	require.NoError(t, err)
	require.Len(t, all, 2)
	// Newest first for inspection.
	assert.Equal(t, int64(4), all[0].ID)
	assert.Equal(t, int64(3), all[1].ID)

	counts, err := s.CountByStatus(ctx)
	require.NoError(t, err)
	got := map[string]int64{}
	for _, c := range counts {
		got[c.Status] = c.Count
	}
	assert.Equal(t, int64(3), got[StatusPending])
	assert.Equal(t, int64(1), got[StatusSynced])
}

func TestFetchRow(t *testing.T) {
	t.Parallel()

	s := setupStore(t)
	ctx := context.Background()
	seedTreatmentChain(t, s, 1, 10, 100, 1000)

	row, err := s.FetchRow(ctx, "patients", 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), row["id"])
	assert.Equal(t, "Ada", row["first_name"])
	assert.Equal(t, "Nguyen", row["last_name"])

	batch, err := s.FetchRow(ctx, "aligner_batches", 1000)
	require.NoError(t, err)
	assert.Equal(t, int64(100), batch["set_id"])
	assert.Equal(t, int64(14), batch["wear_days"])

	_, err = s.FetchRow(ctx, "patients", 999)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = s.FetchRow(ctx, "sqlite_master", 1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not a known primary table")

	exists, err := s.RowExists(ctx, "patients", 1)
	require.NoError(t, err)
	assert.True(t, exists)

	exists, err = s.RowExists(ctx, "patients", 999)
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestDoctorNoteReplaySafety(t *testing.T) {
	t.Parallel()

	s := setupStore(t)
	ctx := context.Background()

	exists, err := s.DoctorNoteExists(ctx, 7001)
	require.NoError(t, err)
	assert.False(t, exists)

	created := time.Date(2026, 5, 2, 11, 0, 0, 0, time.UTC)
	edited := created.Add(time.Hour)
	params := InsertDoctorNoteParams{
		PortalNoteID: 7001,
		SetID:        100,
		AuthorRole:   "doctor",
		Body:         "Reduce wear time for batch 3",
		CreatedAt:    created,
		EditedAt:     &edited,
		ReceivedAt:   time.Now(),
	}
	require.NoError(t, s.InsertDoctorNote(ctx, params))

	exists, err = s.DoctorNoteExists(ctx, 7001)
	require.NoError(t, err)
	assert.True(t, exists)

	// Replaying the insert with an updated body must not duplicate.
	params.Body = "Reduce wear time for batch 3 (updated)"
	require.NoError(t, s.InsertDoctorNote(ctx, params))

	var count int
	require.NoError(t, s.RawDB().QueryRow(
		`SELECT COUNT(*) FROM doctor_notes WHERE portal_note_id = 7001`).Scan(&count))
	assert.Equal(t, 1, count)

	note, err := s.GetDoctorNote(ctx, 7001)
	require.NoError(t, err)
	assert.Equal(t, "Reduce wear time for batch 3 (updated)", note.Body)
	assert.Equal(t, "doctor", note.AuthorRole)
	assert.True(t, note.CreatedAt.Equal(created))
	require.NotNil(t, note.EditedAt)
	assert.True(t, note.EditedAt.Equal(edited))

	_, err = s.GetDoctorNote(ctx, 9999)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpdateBatchWearDays(t *testing.T) {
	t.Parallel()

	s := setupStore(t)
	ctx := context.Background()
	seedTreatmentChain(t, s, 1, 10, 100, 1000)

	affected, err := s.UpdateBatchWearDays(ctx, UpdateBatchWearDaysParams{
		BatchID:   1000,
		WearDays:  10,
		UpdatedAt: time.Now(),
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), affected)

	row, err := s.FetchRow(ctx, "aligner_batches", 1000)
	require.NoError(t, err)
	assert.Equal(t, int64(10), row["wear_days"])

	// Last write wins: replaying is harmless.
	affected, err = s.UpdateBatchWearDays(ctx, UpdateBatchWearDaysParams{
		BatchID:   1000,
		WearDays:  10,
		UpdatedAt: time.Now(),
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), affected)

	// Unknown batch updates zero rows, not an error.
	affected, err = s.UpdateBatchWearDays(ctx, UpdateBatchWearDaysParams{
		BatchID:   4242,
		WearDays:  7,
		UpdatedAt: time.Now(),
	})
	require.NoError(t, err)
	assert.Equal(t, int64(0), affected)
}

// Guards against accidentally widening the fetch allowlist.
func TestFetchableTablesMatchSchema(t *testing.T) {
	t.Parallel()

	s := setupStore(t)
	ctx := context.Background()

	for table := range fetchableTables {
		_, err := s.FetchRow(ctx, table, -1)
		assert.ErrorIs(t, err, ErrNotFound, fmt.Sprintf("table %s should exist in schema", table))
	}
}
