package sync

import (
	"context"

	"github.com/aligntrack/portal-sync/internal/store/primary"
)

//go:generate mockgen -destination=mocks/mock_primary.go -package=mocks -source=interfaces.go PrimaryStore

// PrimaryStore is the clinic-side store surface the sync engine depends on.
// *primary.Store implements it; tests substitute mocks for failure paths
// that are awkward to provoke on a real database.
type PrimaryStore interface {
	// Queue consumption.
	ListPendingItems(ctx context.Context, arg primary.ListPendingItemsParams) ([]primary.QueueItem, error)
	MarkItemSynced(ctx context.Context, arg primary.MarkItemSyncedParams) error
	MarkItemSkipped(ctx context.Context, arg primary.MarkItemSkippedParams) error
	MarkItemFailed(ctx context.Context, arg primary.MarkItemFailedParams) error
	RecordItemFailure(ctx context.Context, arg primary.RecordItemFailureParams) (string, int64, error)

	// Business-row reads for forward mirroring and ancestor repair.
	FetchRow(ctx context.Context, table string, id int64) (map[string]any, error)

	// Reverse-sync landing writes.
	DoctorNoteExists(ctx context.Context, portalNoteID int64) (bool, error)
	InsertDoctorNote(ctx context.Context, arg primary.InsertDoctorNoteParams) error
	UpdateBatchWearDays(ctx context.Context, arg primary.UpdateBatchWearDaysParams) (int64, error)
}

var _ PrimaryStore = (*primary.Store)(nil)
