package sync

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/aligntrack/portal-sync/internal/store/primary"
	"github.com/aligntrack/portal-sync/internal/store/replica"
	replicamocks "github.com/aligntrack/portal-sync/internal/store/replica/mocks"
	syncmocks "github.com/aligntrack/portal-sync/internal/sync/mocks"
)

func TestEnsureAncestorsRootHasNoWork(t *testing.T) {
	t.Parallel()
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	store := syncmocks.NewMockPrimaryStore(ctrl)
	replicaClient := replicamocks.NewMockClient(ctrl)
	resolver := NewResolver(store, replicaClient)

	res := resolver.EnsureAncestors(context.Background(), &PatientRow{ID: 1})

	assert.Empty(t, res.Ancestors)
	assert.Zero(t, res.Repaired())
	assert.Empty(t, res.Problems())
}

func TestEnsureAncestorsParentPresent(t *testing.T) {
	t.Parallel()
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	store := syncmocks.NewMockPrimaryStore(ctrl)
	replicaClient := replicamocks.NewMockClient(ctrl)
	resolver := NewResolver(store, replicaClient)

	replicaClient.EXPECT().
		SelectByKey(gomock.Any(), TablePatients, "id", int64(1)).
		Return(map[string]any{"id": int64(1)}, nil)

	res := resolver.EnsureAncestors(context.Background(), &WorkOrderRow{ID: 2, PatientID: 1})

	require.Len(t, res.Ancestors, 1)
	assert.Equal(t, TablePatients, res.Ancestors[0].Table)
	assert.Equal(t, int64(1), res.Ancestors[0].ID)
	assert.Equal(t, AncestorPresent, res.Ancestors[0].Outcome)
	assert.Zero(t, res.Repaired())
	assert.Empty(t, res.Problems())
}

func TestEnsureAncestorsRepairsParent(t *testing.T) {
	t.Parallel()
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	store := syncmocks.NewMockPrimaryStore(ctrl)
	replicaClient := replicamocks.NewMockClient(ctrl)
	resolver := NewResolver(store, replicaClient)

	replicaClient.EXPECT().
		SelectByKey(gomock.Any(), TablePatients, "id", int64(1)).
		Return(nil, replica.ErrNoRows)
	store.EXPECT().
		FetchRow(gomock.Any(), TablePatients, int64(1)).
		Return(map[string]any{
			"id":         int64(1),
			"first_name": "Ada",
			"last_name":  "Osei",
			"created_at": "2026-02-03T10:30:00Z",
		}, nil)
	replicaClient.EXPECT().
		Upsert(gomock.Any(), TablePatients, []map[string]any{{
			"id":         int64(1),
			"first_name": "Ada",
			"last_name":  "Osei",
			"created_at": time.Date(2026, 2, 3, 10, 30, 0, 0, time.UTC),
		}}, "id").
		Return(nil)

	res := resolver.EnsureAncestors(context.Background(), &WorkOrderRow{ID: 2, PatientID: 1})

	require.Len(t, res.Ancestors, 1)
	assert.Equal(t, AncestorRepaired, res.Ancestors[0].Outcome)
	assert.Equal(t, 1, res.Repaired())
	assert.Empty(t, res.Problems())
}

func TestEnsureAncestorsRepairsFullChain(t *testing.T) {
	t.Parallel()
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	store := syncmocks.NewMockPrimaryStore(ctrl)
	replicaClient := replicamocks.NewMockClient(ctrl)
	resolver := NewResolver(store, replicaClient)

	// The whole chain above the batch is missing from the replica.
	replicaClient.EXPECT().
		SelectByKey(gomock.Any(), TableAlignerSets, "id", int64(3)).
		Return(nil, replica.ErrNoRows)
	replicaClient.EXPECT().
		SelectByKey(gomock.Any(), TableWorkOrders, "id", int64(2)).
		Return(nil, replica.ErrNoRows)
	replicaClient.EXPECT().
		SelectByKey(gomock.Any(), TablePatients, "id", int64(1)).
		Return(nil, replica.ErrNoRows)

	store.EXPECT().
		FetchRow(gomock.Any(), TableAlignerSets, int64(3)).
		Return(map[string]any{
			"id": int64(3), "work_order_id": int64(2), "label": "upper",
			"created_at": "2026-02-03T10:30:00Z",
		}, nil)
	store.EXPECT().
		FetchRow(gomock.Any(), TableWorkOrders, int64(2)).
		Return(map[string]any{
			"id": int64(2), "patient_id": int64(1), "status": "open",
			"created_at": "2026-02-03T10:30:00Z",
		}, nil)
	store.EXPECT().
		FetchRow(gomock.Any(), TablePatients, int64(1)).
		Return(map[string]any{
			"id": int64(1), "first_name": "Ada", "last_name": "Osei",
			"created_at": "2026-02-03T10:30:00Z",
		}, nil)

	// Writes land root first so foreign keys hold.
	gomock.InOrder(
		replicaClient.EXPECT().
			Upsert(gomock.Any(), TablePatients, gomock.Any(), "id").
			Return(nil),
		replicaClient.EXPECT().
			Upsert(gomock.Any(), TableWorkOrders, gomock.Any(), "id").
			Return(nil),
		replicaClient.EXPECT().
			Upsert(gomock.Any(), TableAlignerSets, gomock.Any(), "id").
			Return(nil),
	)

	res := resolver.EnsureAncestors(context.Background(), &AlignerBatchRow{ID: 4, SetID: 3})

	require.Len(t, res.Ancestors, 3)
	assert.Equal(t, TablePatients, res.Ancestors[0].Table)
	assert.Equal(t, TableWorkOrders, res.Ancestors[1].Table)
	assert.Equal(t, TableAlignerSets, res.Ancestors[2].Table)
	for _, a := range res.Ancestors {
		assert.Equal(t, AncestorRepaired, a.Outcome)
	}
	assert.Equal(t, 3, res.Repaired())
	assert.Empty(t, res.Problems())
}

func TestEnsureAncestorsMissingFromBothStores(t *testing.T) {
	t.Parallel()
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	store := syncmocks.NewMockPrimaryStore(ctrl)
	replicaClient := replicamocks.NewMockClient(ctrl)
	resolver := NewResolver(store, replicaClient)

	replicaClient.EXPECT().
		SelectByKey(gomock.Any(), TablePatients, "id", int64(9)).
		Return(nil, replica.ErrNoRows)
	store.EXPECT().
		FetchRow(gomock.Any(), TablePatients, int64(9)).
		Return(nil, fmt.Errorf("patients row 9: %w", primary.ErrNotFound))

	res := resolver.EnsureAncestors(context.Background(), &WorkOrderRow{ID: 2, PatientID: 9})

	require.Len(t, res.Ancestors, 1)
	assert.Equal(t, AncestorMissing, res.Ancestors[0].Outcome)
	assert.Zero(t, res.Repaired())
	require.Len(t, res.Problems(), 1)
	assert.Equal(t, int64(9), res.Problems()[0].ID)
}

func TestEnsureAncestorsLookupFailure(t *testing.T) {
	t.Parallel()
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	store := syncmocks.NewMockPrimaryStore(ctrl)
	replicaClient := replicamocks.NewMockClient(ctrl)
	resolver := NewResolver(store, replicaClient)

	lookupErr := errors.New("connection reset by peer")
	replicaClient.EXPECT().
		SelectByKey(gomock.Any(), TablePatients, "id", int64(1)).
		Return(nil, lookupErr)

	res := resolver.EnsureAncestors(context.Background(), &WorkOrderRow{ID: 2, PatientID: 1})

	require.Len(t, res.Ancestors, 1)
	assert.Equal(t, AncestorError, res.Ancestors[0].Outcome)
	assert.ErrorIs(t, res.Ancestors[0].Err, lookupErr)
	require.Len(t, res.Problems(), 1)
}

func TestEnsureAncestorsUpsertFailure(t *testing.T) {
	t.Parallel()
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	store := syncmocks.NewMockPrimaryStore(ctrl)
	replicaClient := replicamocks.NewMockClient(ctrl)
	resolver := NewResolver(store, replicaClient)

	upsertErr := errors.New("deadlock detected")
	replicaClient.EXPECT().
		SelectByKey(gomock.Any(), TablePatients, "id", int64(1)).
		Return(nil, replica.ErrNoRows)
	store.EXPECT().
		FetchRow(gomock.Any(), TablePatients, int64(1)).
		Return(map[string]any{
			"id": int64(1), "first_name": "Ada", "last_name": "Osei",
			"created_at": "2026-02-03T10:30:00Z",
		}, nil)
	replicaClient.EXPECT().
		Upsert(gomock.Any(), TablePatients, gomock.Any(), "id").
		Return(upsertErr)

	res := resolver.EnsureAncestors(context.Background(), &WorkOrderRow{ID: 2, PatientID: 1})

	require.Len(t, res.Ancestors, 1)
	assert.Equal(t, AncestorError, res.Ancestors[0].Outcome)
	assert.ErrorIs(t, res.Ancestors[0].Err, upsertErr)
}
