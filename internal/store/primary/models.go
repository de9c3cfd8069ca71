package primary

import "time"

// Queue item statuses. Once an item leaves Pending it is never re-queued
// automatically; RetryItem is the explicit operator override.
const (
	StatusPending = "Pending"
	StatusSynced  = "Synced"
	StatusSkipped = "Skipped"
	StatusFailed  = "Failed"
)

// Queue operations, written by the clinic software's trigger layer.
const (
	OperationInsert = "INSERT"
	OperationUpdate = "UPDATE"
	OperationDelete = "DELETE"
)

// QueueItem is one pending change notification from the trigger layer.
type QueueItem struct {
	ID          int64
	TableName   string
	RecordID    int64
	Operation   string
	Payload     *string
	Status      string
	Attempts    int64
	LastAttempt *time.Time
	LastError   *string
	CreatedAt   time.Time
}

// StatusCount is the number of queue items in one status.
type StatusCount struct {
	Status string
	Count  int64
}

// DoctorNote is a portal-originated note landed on the primary side.
// PortalNoteID is the replica's note id and guards replayed inserts.
type DoctorNote struct {
	ID           int64
	PortalNoteID int64
	SetID        int64
	AuthorRole   string
	Body         string
	CreatedAt    time.Time
	EditedAt     *time.Time
	ReceivedAt   time.Time
}
