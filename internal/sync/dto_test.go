package sync

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKnownTable(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		table    string
		expected bool
	}{
		{name: "patients", table: TablePatients, expected: true},
		{name: "work orders", table: TableWorkOrders, expected: true},
		{name: "aligner sets", table: TableAlignerSets, expected: true},
		{name: "aligner batches", table: TableAlignerBatches, expected: true},
		{name: "notes", table: TableNotes, expected: true},
		{name: "unsynced table", table: "invoices", expected: false},
		{name: "empty name", table: "", expected: false},
		{name: "case sensitive", table: "Patients", expected: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.expected, KnownTable(tt.table))
		})
	}
}

func TestKnownOperation(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		op       string
		expected bool
	}{
		{name: "insert", op: OperationInsert, expected: true},
		{name: "update", op: OperationUpdate, expected: true},
		{name: "delete", op: OperationDelete, expected: true},
		{name: "lowercase", op: "insert", expected: false},
		{name: "truncate", op: "TRUNCATE", expected: false},
		{name: "empty", op: "", expected: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.expected, KnownOperation(tt.op))
		})
	}
}

func TestDecodeRowDispatch(t *testing.T) {
	t.Parallel()
	created := time.Date(2026, 2, 3, 10, 30, 0, 0, time.UTC)

	tests := []struct {
		name     string
		table    string
		record   map[string]any
		wantType Row
	}{
		{
			name:  "patient",
			table: TablePatients,
			record: map[string]any{
				"id": int64(1), "first_name": "Ada", "last_name": "Osei",
				"created_at": created,
			},
			wantType: &PatientRow{},
		},
		{
			name:  "work order",
			table: TableWorkOrders,
			record: map[string]any{
				"id": int64(2), "patient_id": int64(1), "status": "open",
				"created_at": created,
			},
			wantType: &WorkOrderRow{},
		},
		{
			name:  "aligner set",
			table: TableAlignerSets,
			record: map[string]any{
				"id": int64(3), "work_order_id": int64(2), "label": "upper",
				"created_at": created,
			},
			wantType: &AlignerSetRow{},
		},
		{
			name:  "aligner batch",
			table: TableAlignerBatches,
			record: map[string]any{
				"id": int64(4), "set_id": int64(3), "sequence_no": int64(1),
				"wear_days": int64(14), "created_at": created, "updated_at": created,
			},
			wantType: &AlignerBatchRow{},
		},
		{
			name:  "note",
			table: TableNotes,
			record: map[string]any{
				"id": int64(5), "set_id": int64(3), "author_role": "staff",
				"body": "scan uploaded", "created_at": created,
			},
			wantType: &NoteRow{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			row, err := DecodeRow(tt.table, tt.record)
			require.NoError(t, err)
			require.IsType(t, tt.wantType, row)
			assert.Equal(t, tt.table, row.Table())
			assert.Equal(t, tt.record["id"], row.Key())
		})
	}
}

func TestDecodeRowUnknownTable(t *testing.T) {
	t.Parallel()

	row, err := DecodeRow("invoices", map[string]any{"id": int64(1)})
	require.Error(t, err)
	assert.Nil(t, row)

	var syncErr *Error
	require.ErrorAs(t, err, &syncErr)
	assert.Equal(t, KindPermanent, syncErr.Kind)
	assert.Equal(t, ReasonUnknownTable, syncErr.Reason)
	assert.Contains(t, err.Error(), `"invoices" is not synced`)
}

func TestDecodeAccumulatesProblems(t *testing.T) {
	t.Parallel()

	// One decode reports everything wrong with the record at once.
	_, err := decodePatient(map[string]any{
		"first_name": 42,
	})
	require.Error(t, err)

	var syncErr *Error
	require.ErrorAs(t, err, &syncErr)
	assert.Equal(t, KindPermanent, syncErr.Kind)
	assert.Equal(t, ReasonPayloadInvalid, syncErr.Reason)
	assert.Contains(t, err.Error(), "invalid patients record")
	assert.Contains(t, err.Error(), "id is required")
	assert.Contains(t, err.Error(), "first_name is not a string")
	assert.Contains(t, err.Error(), "created_at is required")
}

func TestDecodeKeyCoercion(t *testing.T) {
	t.Parallel()
	created := time.Date(2026, 2, 3, 10, 30, 0, 0, time.UTC)

	tests := []struct {
		name    string
		id      any
		wantID  int64
		wantErr string
	}{
		{name: "int64", id: int64(7), wantID: 7},
		{name: "int", id: 7, wantID: 7},
		{name: "int32", id: int32(7), wantID: 7},
		{name: "json number", id: float64(7), wantID: 7},
		{name: "fractional number", id: 7.5, wantErr: "id is not an integer"},
		{name: "numeric string", id: "7", wantErr: "id is not an integer"},
		{name: "zero", id: int64(0), wantErr: "id must be positive"},
		{name: "negative", id: int64(-3), wantErr: "id must be positive"},
		{name: "nil", id: nil, wantErr: "id is required"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			row, err := decodePatient(map[string]any{
				"id": tt.id, "first_name": "Ada", "last_name": "Osei",
				"created_at": created,
			})
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantID, row.ID)
		})
	}
}

func TestDecodeTimestampCoercion(t *testing.T) {
	t.Parallel()
	created := time.Date(2026, 2, 3, 10, 30, 0, 123456789, time.UTC)

	tests := []struct {
		name     string
		value    any
		wantTime time.Time
		wantErr  string
	}{
		{name: "time value", value: created, wantTime: created},
		{name: "rfc3339 string", value: "2026-02-03T10:30:00Z", wantTime: time.Date(2026, 2, 3, 10, 30, 0, 0, time.UTC)},
		{name: "rfc3339 nano string", value: created.Format(time.RFC3339Nano), wantTime: created},
		{name: "empty string", value: "", wantErr: "created_at is required"},
		{name: "garbage string", value: "last tuesday", wantErr: "created_at is not a timestamp"},
		{name: "integer", value: int64(1760000000), wantErr: "created_at is not a timestamp"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			row, err := decodePatient(map[string]any{
				"id": int64(1), "first_name": "Ada", "last_name": "Osei",
				"created_at": tt.value,
			})
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.True(t, tt.wantTime.Equal(row.CreatedAt),
				"expected %v, got %v", tt.wantTime, row.CreatedAt)
		})
	}
}

func TestDecodeByteSliceStrings(t *testing.T) {
	t.Parallel()
	created := time.Date(2026, 2, 3, 10, 30, 0, 0, time.UTC)

	note, err := decodeNote(map[string]any{
		"id": int64(5), "set_id": int64(3),
		"author_role": []byte("doctor"), "body": []byte("wear time looks good"),
		"created_at": created,
	})
	require.NoError(t, err)
	assert.Equal(t, "doctor", note.AuthorRole)
	assert.Equal(t, "wear time looks good", note.Body)
}

func TestDecodeAlignerBatchEditMarker(t *testing.T) {
	t.Parallel()
	created := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

	base := map[string]any{
		"id": int64(4), "set_id": int64(3), "sequence_no": int64(2),
		"wear_days": int64(10), "created_at": created,
	}

	t.Run("missing updated_at means never edited", func(t *testing.T) {
		t.Parallel()
		batch, err := decodeAlignerBatch(base)
		require.NoError(t, err)
		assert.True(t, batch.UpdatedAt.Equal(batch.CreatedAt))
		assert.False(t, batch.Edited())
	})

	t.Run("mirror write timestamps are not an edit", func(t *testing.T) {
		t.Parallel()
		rec := cloneRecord(base)
		rec["updated_at"] = created
		batch, err := decodeAlignerBatch(rec)
		require.NoError(t, err)
		assert.False(t, batch.Edited())
	})

	t.Run("later updated_at is a doctor edit", func(t *testing.T) {
		t.Parallel()
		rec := cloneRecord(base)
		rec["updated_at"] = created.Add(2 * time.Hour)
		batch, err := decodeAlignerBatch(rec)
		require.NoError(t, err)
		assert.True(t, batch.Edited())
	})

	t.Run("negative wear days rejected", func(t *testing.T) {
		t.Parallel()
		rec := cloneRecord(base)
		rec["wear_days"] = int64(-3)
		_, err := decodeAlignerBatch(rec)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "wear_days must not be negative")
	})
}

func TestBatchReplicaValuesNeutralizeEditMarker(t *testing.T) {
	t.Parallel()
	created := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

	batch := &AlignerBatchRow{
		ID:         4,
		SetID:      3,
		SequenceNo: 2,
		WearDays:   10,
		CreatedAt:  created,
		UpdatedAt:  created.Add(6 * time.Hour),
	}
	require.True(t, batch.Edited())

	// A mirror write must not carry the primary's updated_at into the
	// replica, or the poller would read our own write back as an edit.
	values := batch.ReplicaValues()
	assert.Equal(t, created, values["updated_at"])
	assert.Equal(t, created, values["created_at"])
	assert.Equal(t, int64(4), values["id"])
	assert.Equal(t, int64(10), values["wear_days"])
}

func TestDecodeNoteDefaults(t *testing.T) {
	t.Parallel()
	created := time.Date(2026, 2, 3, 10, 30, 0, 0, time.UTC)
	edited := created.Add(time.Hour)

	tests := []struct {
		name         string
		record       map[string]any
		wantRole     string
		wantDoctor   bool
		wantEditedAt *time.Time
	}{
		{
			name: "missing author role defaults to staff",
			record: map[string]any{
				"id": int64(5), "set_id": int64(3), "body": "note",
				"created_at": created,
			},
			wantRole: "staff",
		},
		{
			name: "doctor role",
			record: map[string]any{
				"id": int64(5), "set_id": int64(3), "author_role": "doctor",
				"body": "note", "created_at": created,
			},
			wantRole:   "doctor",
			wantDoctor: true,
		},
		{
			name: "staff role",
			record: map[string]any{
				"id": int64(5), "set_id": int64(3), "author_role": "staff",
				"body": "note", "created_at": created,
			},
			wantRole: "staff",
		},
		{
			name: "edited note",
			record: map[string]any{
				"id": int64(5), "set_id": int64(3), "author_role": "doctor",
				"body": "note", "created_at": created, "edited_at": edited,
			},
			wantRole:     "doctor",
			wantDoctor:   true,
			wantEditedAt: &edited,
		},
		{
			name: "null edited_at",
			record: map[string]any{
				"id": int64(5), "set_id": int64(3), "author_role": "doctor",
				"body": "note", "created_at": created, "edited_at": nil,
			},
			wantRole:   "doctor",
			wantDoctor: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			note, err := decodeNote(tt.record)
			require.NoError(t, err)
			assert.Equal(t, tt.wantRole, note.AuthorRole)
			assert.Equal(t, tt.wantDoctor, note.DoctorAuthored())
			if tt.wantEditedAt == nil {
				assert.Nil(t, note.EditedAt)
			} else {
				require.NotNil(t, note.EditedAt)
				assert.True(t, tt.wantEditedAt.Equal(*note.EditedAt))
			}
		})
	}
}

func TestRowParentKeys(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name       string
		row        Row
		wantTable  string
		wantID     int64
		wantParent bool
	}{
		{
			name:       "patient is a root",
			row:        &PatientRow{ID: 1},
			wantParent: false,
		},
		{
			name:       "work order points at patient",
			row:        &WorkOrderRow{ID: 2, PatientID: 1},
			wantTable:  TablePatients,
			wantID:     1,
			wantParent: true,
		},
		{
			name:       "aligner set points at work order",
			row:        &AlignerSetRow{ID: 3, WorkOrderID: 2},
			wantTable:  TableWorkOrders,
			wantID:     2,
			wantParent: true,
		},
		{
			name:       "batch points at aligner set",
			row:        &AlignerBatchRow{ID: 4, SetID: 3},
			wantTable:  TableAlignerSets,
			wantID:     3,
			wantParent: true,
		},
		{
			name:       "note points at aligner set",
			row:        &NoteRow{ID: 5, SetID: 3},
			wantTable:  TableAlignerSets,
			wantID:     3,
			wantParent: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			table, id, ok := tt.row.ParentKey()
			assert.Equal(t, tt.wantParent, ok)
			if tt.wantParent {
				assert.Equal(t, tt.wantTable, table)
				assert.Equal(t, tt.wantID, id)
			}
		})
	}
}

func cloneRecord(rec map[string]any) map[string]any {
	out := make(map[string]any, len(rec))
	for k, v := range rec {
		out[k] = v
	}
	return out
}
