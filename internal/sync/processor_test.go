package sync

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	clockmocks "github.com/aligntrack/portal-sync/internal/clock/mocks"
	"github.com/aligntrack/portal-sync/internal/config"
	"github.com/aligntrack/portal-sync/internal/store/primary"
	"github.com/aligntrack/portal-sync/internal/store/replica"
	replicamocks "github.com/aligntrack/portal-sync/internal/store/replica/mocks"
	syncmocks "github.com/aligntrack/portal-sync/internal/sync/mocks"
)

var drainNow = time.Date(2026, 8, 2, 7, 0, 0, 0, time.UTC)

func testSyncConfig() *config.SyncConfig {
	return &config.SyncConfig{BatchSize: 10, MaxAttempts: 3}
}

func openPrimaryStore(t *testing.T) *primary.Store {
	t.Helper()
	store, err := primary.Open(filepath.Join(t.TempDir(), "clinic.db"), time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	require.NoError(t, store.EnsureSchema(context.Background()))
	return store
}

// newDrainFixture builds a processor over a real SQLite queue, a mocked
// replica, and a frozen clock.
func newDrainFixture(t *testing.T, cfg *config.SyncConfig) (*Processor, *primary.Store, *replicamocks.MockClient) {
	t.Helper()
	ctrl := gomock.NewController(t)
	t.Cleanup(ctrl.Finish)

	store := openPrimaryStore(t)
	replicaClient := replicamocks.NewMockClient(ctrl)
	clk := clockmocks.NewMockClock(ctrl)
	clk.EXPECT().Now().Return(drainNow).AnyTimes()

	return NewProcessor(store, replicaClient, clk, cfg), store, replicaClient
}

func enqueueItem(t *testing.T, store *primary.Store, table string, recordID int64, op string, payload *string) int64 {
	t.Helper()
	id, err := store.InsertQueueItem(context.Background(), primary.InsertQueueItemParams{
		TableName: table,
		RecordID:  recordID,
		Operation: op,
		Payload:   payload,
		CreatedAt: drainNow,
	})
	require.NoError(t, err)
	return id
}

func seedExec(t *testing.T, store *primary.Store, query string) {
	t.Helper()
	_, err := store.RawDB().ExecContext(context.Background(), query)
	require.NoError(t, err)
}

func strptr(s string) *string {
	return &s
}

func patientPayload(id int64, first string) string {
	return fmt.Sprintf(
		`{"id":%d,"first_name":%q,"last_name":"Osei","created_at":"2026-02-03T10:30:00Z"}`,
		id, first)
}

func patientValues(id int64, first string) []map[string]any {
	return []map[string]any{{
		"id":         id,
		"first_name": first,
		"last_name":  "Osei",
		"created_at": time.Date(2026, 2, 3, 10, 30, 0, 0, time.UTC),
	}}
}

func TestProcessQueueSyncsInsertWithPayload(t *testing.T) {
	t.Parallel()
	p, store, replicaClient := newDrainFixture(t, testSyncConfig())
	ctx := context.Background()

	id := enqueueItem(t, store, TablePatients, 1, OperationInsert, strptr(patientPayload(1, "Ada")))

	replicaClient.EXPECT().
		Upsert(gomock.Any(), TablePatients, patientValues(1, "Ada"), "id").
		Return(nil)

	result, err := p.ProcessQueue(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, result.DrainID)
	assert.Equal(t, 1, result.Batches)
	assert.Equal(t, 1, result.Processed)
	assert.Equal(t, 1, result.Synced)
	assert.False(t, result.NeedRetry)

	item, err := store.GetQueueItem(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, primary.StatusSynced, item.Status)
	assert.Nil(t, item.LastError)
	require.NotNil(t, item.LastAttempt)
	assert.True(t, item.LastAttempt.Equal(drainNow))
	require.NotNil(t, item.Payload)
	assert.JSONEq(t,
		`{"id":1,"first_name":"Ada","last_name":"Osei","created_at":"2026-02-03T10:30:00Z"}`,
		*item.Payload)
}

func TestProcessQueuePreservesIdOrder(t *testing.T) {
	t.Parallel()
	p, store, replicaClient := newDrainFixture(t, testSyncConfig())

	enqueueItem(t, store, TablePatients, 1, OperationInsert, strptr(patientPayload(1, "Ada")))
	enqueueItem(t, store, TablePatients, 2, OperationInsert, strptr(patientPayload(2, "Bea")))
	enqueueItem(t, store, TablePatients, 3, OperationInsert, strptr(patientPayload(3, "Cal")))

	gomock.InOrder(
		replicaClient.EXPECT().
			Upsert(gomock.Any(), TablePatients, patientValues(1, "Ada"), "id").Return(nil),
		replicaClient.EXPECT().
			Upsert(gomock.Any(), TablePatients, patientValues(2, "Bea"), "id").Return(nil),
		replicaClient.EXPECT().
			Upsert(gomock.Any(), TablePatients, patientValues(3, "Cal"), "id").Return(nil),
	)

	result, err := p.ProcessQueue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, result.Synced)
}

func TestProcessQueueFetchesRowWhenPayloadAbsent(t *testing.T) {
	t.Parallel()
	p, store, replicaClient := newDrainFixture(t, testSyncConfig())
	ctx := context.Background()

	seedExec(t, store, `INSERT INTO patients (id, first_name, last_name, created_at)
		VALUES (1, 'Ada', 'Osei', '2026-02-03T10:30:00Z')`)
	seedExec(t, store, `INSERT INTO work_orders (id, patient_id, status, created_at)
		VALUES (2, 1, 'open', '2026-02-03T10:35:00Z')`)
	seedExec(t, store, `INSERT INTO aligner_sets (id, work_order_id, label, created_at)
		VALUES (3, 2, 'upper', '2026-02-03T10:40:00Z')`)
	seedExec(t, store, `INSERT INTO notes (id, set_id, author_role, body, created_at)
		VALUES (5, 3, 'staff', 'scan uploaded', '2026-02-03T11:00:00Z')`)

	id := enqueueItem(t, store, TableNotes, 5, OperationInsert, nil)

	replicaClient.EXPECT().
		SelectByKey(gomock.Any(), TableAlignerSets, "id", int64(3)).
		Return(map[string]any{"id": int64(3)}, nil)
	replicaClient.EXPECT().
		Upsert(gomock.Any(), TableNotes, []map[string]any{{
			"id":          int64(5),
			"set_id":      int64(3),
			"author_role": "staff",
			"body":        "scan uploaded",
			"created_at":  time.Date(2026, 2, 3, 11, 0, 0, 0, time.UTC),
			"edited_at":   (*time.Time)(nil),
		}}, "id").
		Return(nil)

	result, err := p.ProcessQueue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Synced)

	item, err := store.GetQueueItem(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, item.Payload)
	assert.Contains(t, *item.Payload, `"edited_at":null`)
}

func TestProcessQueueRepairsAncestors(t *testing.T) {
	t.Parallel()
	p, store, replicaClient := newDrainFixture(t, testSyncConfig())

	seedExec(t, store, `INSERT INTO patients (id, first_name, last_name, created_at)
		VALUES (1, 'Ada', 'Osei', '2026-02-03T10:30:00Z')`)
	seedExec(t, store, `INSERT INTO work_orders (id, patient_id, status, created_at)
		VALUES (2, 1, 'open', '2026-02-03T10:35:00Z')`)
	seedExec(t, store, `INSERT INTO aligner_sets (id, work_order_id, label, created_at)
		VALUES (3, 2, 'upper', '2026-02-03T10:40:00Z')`)

	enqueueItem(t, store, TableAlignerSets, 3, OperationInsert, nil)

	// The replica is missing the work order; the patient above it exists.
	replicaClient.EXPECT().
		SelectByKey(gomock.Any(), TableWorkOrders, "id", int64(2)).
		Return(nil, replica.ErrNoRows)
	replicaClient.EXPECT().
		SelectByKey(gomock.Any(), TablePatients, "id", int64(1)).
		Return(map[string]any{"id": int64(1)}, nil)
	gomock.InOrder(
		replicaClient.EXPECT().
			Upsert(gomock.Any(), TableWorkOrders, gomock.Any(), "id").Return(nil),
		replicaClient.EXPECT().
			Upsert(gomock.Any(), TableAlignerSets, gomock.Any(), "id").Return(nil),
	)

	result, err := p.ProcessQueue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Synced)
}

func TestProcessQueueSkipsVanishedRow(t *testing.T) {
	t.Parallel()
	p, store, _ := newDrainFixture(t, testSyncConfig())
	ctx := context.Background()

	id := enqueueItem(t, store, TableNotes, 99, OperationUpdate, nil)

	result, err := p.ProcessQueue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Skipped)
	assert.Zero(t, result.Failed)
	assert.False(t, result.NeedRetry)

	item, err := store.GetQueueItem(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, primary.StatusSkipped, item.Status)
	require.NotNil(t, item.LastError)
	assert.Equal(t, "record not found in source", *item.LastError)
}

func TestProcessQueueDelete(t *testing.T) {
	t.Parallel()
	p, store, replicaClient := newDrainFixture(t, testSyncConfig())
	ctx := context.Background()

	id := enqueueItem(t, store, TablePatients, 7, OperationDelete, nil)

	replicaClient.EXPECT().
		DeleteByKey(gomock.Any(), TablePatients, "id", int64(7)).
		Return(nil)

	result, err := p.ProcessQueue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Synced)

	item, err := store.GetQueueItem(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, primary.StatusSynced, item.Status)
}

func TestProcessQueueUnknownTableFailsPermanently(t *testing.T) {
	t.Parallel()
	p, store, _ := newDrainFixture(t, testSyncConfig())
	ctx := context.Background()

	id := enqueueItem(t, store, "invoices", 1, OperationInsert, nil)

	result, err := p.ProcessQueue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Failed)
	assert.False(t, result.NeedRetry)

	item, err := store.GetQueueItem(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, primary.StatusFailed, item.Status)
	assert.Equal(t, int64(1), item.Attempts)
	require.NotNil(t, item.LastError)
	assert.Contains(t, *item.LastError, `"invoices" is not synced`)

	// Terminal items never come back, even below the attempt ceiling.
	again, err := p.ProcessQueue(ctx)
	require.NoError(t, err)
	assert.Zero(t, again.Processed)
}

func TestProcessQueueInvalidPayloadFailsPermanently(t *testing.T) {
	t.Parallel()
	p, store, _ := newDrainFixture(t, testSyncConfig())
	ctx := context.Background()

	id := enqueueItem(t, store, TablePatients, 1, OperationInsert, strptr("{not json"))

	result, err := p.ProcessQueue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Failed)

	item, err := store.GetQueueItem(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, primary.StatusFailed, item.Status)
	require.NotNil(t, item.LastError)
	assert.Contains(t, *item.LastError, "queue payload is not valid JSON")
}

func TestProcessQueueTransientFailureDefersAndRecovers(t *testing.T) {
	t.Parallel()
	p, store, replicaClient := newDrainFixture(t, testSyncConfig())
	ctx := context.Background()

	id := enqueueItem(t, store, TablePatients, 1, OperationInsert, strptr(patientPayload(1, "Ada")))

	replicaClient.EXPECT().
		Upsert(gomock.Any(), TablePatients, gomock.Any(), "id").
		Return(errors.New("connection refused"))

	result, err := p.ProcessQueue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Deferred)
	assert.True(t, result.NeedRetry)

	item, err := store.GetQueueItem(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, primary.StatusPending, item.Status)
	assert.Equal(t, int64(1), item.Attempts)
	require.NotNil(t, item.LastError)
	assert.Contains(t, *item.LastError, "connection refused")

	// The replica comes back; the next drain finishes the item.
	replicaClient.EXPECT().
		Upsert(gomock.Any(), TablePatients, gomock.Any(), "id").
		Return(nil)

	result, err = p.ProcessQueue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Synced)
	assert.False(t, result.NeedRetry)

	item, err = store.GetQueueItem(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, primary.StatusSynced, item.Status)
	assert.Equal(t, int64(1), item.Attempts)
}

func TestProcessQueueExhaustsRetryBudget(t *testing.T) {
	t.Parallel()
	p, store, replicaClient := newDrainFixture(t, &config.SyncConfig{BatchSize: 10, MaxAttempts: 2})
	ctx := context.Background()

	id := enqueueItem(t, store, TablePatients, 1, OperationInsert, strptr(patientPayload(1, "Ada")))

	replicaClient.EXPECT().
		Upsert(gomock.Any(), TablePatients, gomock.Any(), "id").
		Return(errors.New("connection refused")).
		Times(2)

	result, err := p.ProcessQueue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Deferred)

	result, err = p.ProcessQueue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Failed)
	assert.False(t, result.NeedRetry)

	item, err := store.GetQueueItem(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, primary.StatusFailed, item.Status)
	assert.Equal(t, int64(2), item.Attempts)
}

func TestProcessQueueContinuesBatchAfterTransientFailure(t *testing.T) {
	t.Parallel()
	p, store, replicaClient := newDrainFixture(t, testSyncConfig())

	enqueueItem(t, store, TablePatients, 1, OperationInsert, strptr(patientPayload(1, "Ada")))
	enqueueItem(t, store, TablePatients, 2, OperationInsert, strptr(patientPayload(2, "Bea")))

	// One failing item does not shadow the rest of its batch.
	replicaClient.EXPECT().
		Upsert(gomock.Any(), TablePatients, patientValues(1, "Ada"), "id").
		Return(errors.New("connection refused"))
	replicaClient.EXPECT().
		Upsert(gomock.Any(), TablePatients, patientValues(2, "Bea"), "id").
		Return(nil)

	result, err := p.ProcessQueue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, result.Processed)
	assert.Equal(t, 1, result.Synced)
	assert.Equal(t, 1, result.Deferred)
	assert.True(t, result.NeedRetry)
}

func TestProcessQueueListFailure(t *testing.T) {
	t.Parallel()
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	store := syncmocks.NewMockPrimaryStore(ctrl)
	replicaClient := replicamocks.NewMockClient(ctrl)
	clk := clockmocks.NewMockClock(ctrl)
	clk.EXPECT().Now().Return(drainNow).AnyTimes()

	p := NewProcessor(store, replicaClient, clk, testSyncConfig())

	store.EXPECT().
		ListPendingItems(gomock.Any(), gomock.Any()).
		Return(nil, errors.New("database is locked"))

	result, err := p.ProcessQueue(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to list pending queue items")
	require.NotNil(t, result)
	assert.Zero(t, result.Processed)
}

func TestProcessQueueCoalescesConcurrentCalls(t *testing.T) {
	t.Parallel()
	p, _, _ := newDrainFixture(t, testSyncConfig())

	p.running.Store(true)
	result, err := p.ProcessQueue(context.Background())
	p.running.Store(false)

	require.NoError(t, err)
	assert.True(t, result.Coalesced)
	assert.Empty(t, result.DrainID)
	assert.True(t, p.rerun.Load())
}

func TestProcessQueueRerunScansAgain(t *testing.T) {
	t.Parallel()
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	store := syncmocks.NewMockPrimaryStore(ctrl)
	replicaClient := replicamocks.NewMockClient(ctrl)
	clk := clockmocks.NewMockClock(ctrl)
	clk.EXPECT().Now().Return(drainNow).AnyTimes()

	p := NewProcessor(store, replicaClient, clk, testSyncConfig())
	p.rerun.Store(true)

	// Consuming the rerun marker triggers exactly one extra scan.
	store.EXPECT().
		ListPendingItems(gomock.Any(), gomock.Any()).
		Return(nil, nil).
		Times(2)

	result, err := p.ProcessQueue(context.Background())
	require.NoError(t, err)
	assert.Zero(t, result.Processed)
	assert.False(t, p.rerun.Load())
}

func TestKickCoalesces(t *testing.T) {
	t.Parallel()
	p, _, _ := newDrainFixture(t, testSyncConfig())

	p.Kick()
	p.Kick()
	p.Kick()

	assert.Len(t, p.kick, 1)
}

func TestProcessorStartStop(t *testing.T) {
	t.Parallel()
	p, store, replicaClient := newDrainFixture(t, testSyncConfig())
	ctx := context.Background()

	first := enqueueItem(t, store, TablePatients, 1, OperationInsert, strptr(patientPayload(1, "Ada")))

	replicaClient.EXPECT().
		Upsert(gomock.Any(), TablePatients, gomock.Any(), "id").
		Return(nil).
		Times(2)

	errCh := make(chan error, 1)
	go func() {
		errCh <- p.Start(ctx)
	}()

	// The startup drain catches items queued while the service was down.
	require.Eventually(t, func() bool {
		item, err := store.GetQueueItem(ctx, first)
		return err == nil && item.Status == primary.StatusSynced
	}, 2*time.Second, 10*time.Millisecond)

	second := enqueueItem(t, store, TablePatients, 2, OperationInsert, strptr(patientPayload(2, "Bea")))
	p.Kick()

	require.Eventually(t, func() bool {
		item, err := store.GetQueueItem(ctx, second)
		return err == nil && item.Status == primary.StatusSynced
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, p.Stop())
	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("processor did not stop")
	}
}
