package sync

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// Synced table names. The queue, the webhook payload, and the replica all
// address tables by these logical names.
const (
	TablePatients       = "patients"
	TableWorkOrders     = "work_orders"
	TableAlignerSets    = "aligner_sets"
	TableAlignerBatches = "aligner_batches"
	TableNotes          = "notes"
)

// Change operations as they appear in queue rows and webhook payloads.
const (
	OperationInsert = "INSERT"
	OperationUpdate = "UPDATE"
	OperationDelete = "DELETE"
)

// RoleDoctor is the notes author_role value marking a portal-originated
// (doctor or collaborator) note. Everything else is clinic-side staff.
const RoleDoctor = "doctor"

// KnownTable reports whether the engine syncs the named table.
func KnownTable(name string) bool {
	switch name {
	case TablePatients, TableWorkOrders, TableAlignerSets, TableAlignerBatches, TableNotes:
		return true
	default:
		return false
	}
}

// KnownOperation reports whether op is a recognized change operation.
func KnownOperation(op string) bool {
	switch op {
	case OperationInsert, OperationUpdate, OperationDelete:
		return true
	default:
		return false
	}
}

// Change is one portal-side change notification, delivered by the webhook
// or synthesized by the poller. PreviousRecord is optional; when present it
// carries the row as it was before the change.
type Change struct {
	Table          string         `json:"table"`
	Operation      string         `json:"operation"`
	Record         map[string]any `json:"record"`
	PreviousRecord map[string]any `json:"previousRecord,omitempty"`
}

// Row is a validated, typed record for one of the synced tables. Every
// decode path (queue payloads, primary reads, webhook records, poller scan
// rows) produces a Row before the engine acts on it.
type Row interface {
	// Table names the logical table the row belongs to.
	Table() string
	// Key is the row's primary key, shared by primary and replica.
	Key() int64
	// ParentKey returns the parent table and key this row references, or
	// ok=false for root tables.
	ParentKey() (table string, id int64, ok bool)
	// ReplicaValues renders the row as replica upsert columns.
	ReplicaValues() map[string]any
}

// DecodeRow validates and types a raw record for the named table. Raw
// records arrive with driver-specific value types (SQLite text timestamps,
// Postgres time.Time, JSON float64 numbers); decoding normalizes all of
// them.
func DecodeRow(table string, rec map[string]any) (Row, error) {
	switch table {
	case TablePatients:
		return decodePatient(rec)
	case TableWorkOrders:
		return decodeWorkOrder(rec)
	case TableAlignerSets:
		return decodeAlignerSet(rec)
	case TableAlignerBatches:
		return decodeAlignerBatch(rec)
	case TableNotes:
		return decodeNote(rec)
	default:
		return nil, permanentError(ReasonUnknownTable, nil, "table %q is not synced", table)
	}
}

// PatientRow is the root of the parent graph.
type PatientRow struct {
	ID        int64
	FirstName string
	LastName  string
	CreatedAt time.Time
}

func (*PatientRow) Table() string { return TablePatients }
func (r *PatientRow) Key() int64  { return r.ID }

func (*PatientRow) ParentKey() (string, int64, bool) { return "", 0, false }

func (r *PatientRow) ReplicaValues() map[string]any {
	return map[string]any{
		"id":         r.ID,
		"first_name": r.FirstName,
		"last_name":  r.LastName,
		"created_at": r.CreatedAt,
	}
}

// WorkOrderRow is a treatment order for a patient.
type WorkOrderRow struct {
	ID        int64
	PatientID int64
	Status    string
	CreatedAt time.Time
}

func (*WorkOrderRow) Table() string { return TableWorkOrders }
func (r *WorkOrderRow) Key() int64  { return r.ID }

func (r *WorkOrderRow) ParentKey() (string, int64, bool) {
	return TablePatients, r.PatientID, true
}

func (r *WorkOrderRow) ReplicaValues() map[string]any {
	return map[string]any{
		"id":         r.ID,
		"patient_id": r.PatientID,
		"status":     r.Status,
		"created_at": r.CreatedAt,
	}
}

// AlignerSetRow is one aligner set within a work order.
type AlignerSetRow struct {
	ID          int64
	WorkOrderID int64
	Label       string
	CreatedAt   time.Time
}

func (*AlignerSetRow) Table() string { return TableAlignerSets }
func (r *AlignerSetRow) Key() int64  { return r.ID }

func (r *AlignerSetRow) ParentKey() (string, int64, bool) {
	return TableWorkOrders, r.WorkOrderID, true
}

func (r *AlignerSetRow) ReplicaValues() map[string]any {
	return map[string]any{
		"id":            r.ID,
		"work_order_id": r.WorkOrderID,
		"label":         r.Label,
		"created_at":    r.CreatedAt,
	}
}

// AlignerBatchRow is a shipped batch of aligners with its prescribed
// wear_days. Its updated_at/created_at pair is the reverse-sync edit marker.
type AlignerBatchRow struct {
	ID         int64
	SetID      int64
	SequenceNo int64
	WearDays   int64
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

func (*AlignerBatchRow) Table() string { return TableAlignerBatches }
func (r *AlignerBatchRow) Key() int64  { return r.ID }

func (r *AlignerBatchRow) ParentKey() (string, int64, bool) {
	return TableAlignerSets, r.SetID, true
}

// Edited reports whether the portal row was modified after it was mirrored.
// Equal timestamps mean a fresh mirror write that must not echo back.
func (r *AlignerBatchRow) Edited() bool {
	return r.UpdatedAt.After(r.CreatedAt)
}

// ReplicaValues writes updated_at = created_at so new replica rows start
// with the edit marker unset. Conflict updates never touch updated_at (the
// replica client skips it), so portal edit times survive mirror writes.
func (r *AlignerBatchRow) ReplicaValues() map[string]any {
	return map[string]any{
		"id":          r.ID,
		"set_id":      r.SetID,
		"sequence_no": r.SequenceNo,
		"wear_days":   r.WearDays,
		"created_at":  r.CreatedAt,
		"updated_at":  r.CreatedAt,
	}
}

// NoteRow is a treatment note attached to an aligner set.
type NoteRow struct {
	ID         int64
	SetID      int64
	AuthorRole string
	Body       string
	CreatedAt  time.Time
	EditedAt   *time.Time
}

func (*NoteRow) Table() string { return TableNotes }
func (r *NoteRow) Key() int64  { return r.ID }

func (r *NoteRow) ParentKey() (string, int64, bool) {
	return TableAlignerSets, r.SetID, true
}

// DoctorAuthored reports whether the note originated on the portal side.
func (r *NoteRow) DoctorAuthored() bool {
	return r.AuthorRole == RoleDoctor
}

func (r *NoteRow) ReplicaValues() map[string]any {
	return map[string]any{
		"id":          r.ID,
		"set_id":      r.SetID,
		"author_role": r.AuthorRole,
		"body":        r.Body,
		"created_at":  r.CreatedAt,
		"edited_at":   r.EditedAt,
	}
}

func decodePatient(rec map[string]any) (*PatientRow, error) {
	d := newDecoder(TablePatients, rec)
	row := &PatientRow{
		ID:        d.key("id"),
		FirstName: d.str("first_name"),
		LastName:  d.str("last_name"),
		CreatedAt: d.requiredTime("created_at"),
	}
	return row, d.err()
}

func decodeWorkOrder(rec map[string]any) (*WorkOrderRow, error) {
	d := newDecoder(TableWorkOrders, rec)
	row := &WorkOrderRow{
		ID:        d.key("id"),
		PatientID: d.key("patient_id"),
		Status:    d.str("status"),
		CreatedAt: d.requiredTime("created_at"),
	}
	return row, d.err()
}

func decodeAlignerSet(rec map[string]any) (*AlignerSetRow, error) {
	d := newDecoder(TableAlignerSets, rec)
	row := &AlignerSetRow{
		ID:          d.key("id"),
		WorkOrderID: d.key("work_order_id"),
		Label:       d.str("label"),
		CreatedAt:   d.requiredTime("created_at"),
	}
	return row, d.err()
}

func decodeAlignerBatch(rec map[string]any) (*AlignerBatchRow, error) {
	d := newDecoder(TableAlignerBatches, rec)
	row := &AlignerBatchRow{
		ID:         d.key("id"),
		SetID:      d.key("set_id"),
		SequenceNo: d.nonNegative("sequence_no"),
		WearDays:   d.nonNegative("wear_days"),
		CreatedAt:  d.requiredTime("created_at"),
		UpdatedAt:  d.time("updated_at"),
	}
	// A row without its own updated_at is treated as never edited.
	if row.UpdatedAt.IsZero() {
		row.UpdatedAt = row.CreatedAt
	}
	return row, d.err()
}

func decodeNote(rec map[string]any) (*NoteRow, error) {
	d := newDecoder(TableNotes, rec)
	row := &NoteRow{
		ID:         d.key("id"),
		SetID:      d.key("set_id"),
		AuthorRole: d.str("author_role"),
		Body:       d.str("body"),
		CreatedAt:  d.requiredTime("created_at"),
		EditedAt:   d.optionalTime("edited_at"),
	}
	if row.AuthorRole == "" {
		row.AuthorRole = "staff"
	}
	return row, d.err()
}

// decoder accumulates field problems so one decode reports everything wrong
// with a record at once.
type decoder struct {
	table    string
	rec      map[string]any
	problems []string
}

func newDecoder(table string, rec map[string]any) *decoder {
	return &decoder{table: table, rec: rec}
}

func (d *decoder) addProblem(format string, args ...any) {
	d.problems = append(d.problems, fmt.Sprintf(format, args...))
}

func (d *decoder) err() error {
	if len(d.problems) == 0 {
		return nil
	}
	return permanentError(ReasonPayloadInvalid, nil,
		"invalid %s record: %s", d.table, strings.Join(d.problems, "; "))
}

// key reads a required positive integer key column.
func (d *decoder) key(name string) int64 {
	v, ok := d.rec[name]
	if !ok || v == nil {
		d.addProblem("%s is required", name)
		return 0
	}
	n, ok := toInt64(v)
	if !ok {
		d.addProblem("%s is not an integer", name)
		return 0
	}
	if n <= 0 {
		d.addProblem("%s must be positive, got %d", name, n)
		return 0
	}
	return n
}

// nonNegative reads an optional integer that may not be negative.
func (d *decoder) nonNegative(name string) int64 {
	v, ok := d.rec[name]
	if !ok || v == nil {
		return 0
	}
	n, ok := toInt64(v)
	if !ok {
		d.addProblem("%s is not an integer", name)
		return 0
	}
	if n < 0 {
		d.addProblem("%s must not be negative, got %d", name, n)
		return 0
	}
	return n
}

func (d *decoder) str(name string) string {
	v, ok := d.rec[name]
	if !ok || v == nil {
		return ""
	}
	s, ok := toString(v)
	if !ok {
		d.addProblem("%s is not a string", name)
		return ""
	}
	return s
}

func (d *decoder) time(name string) time.Time {
	v, ok := d.rec[name]
	if !ok || v == nil {
		return time.Time{}
	}
	ts, ok := toTime(v)
	if !ok {
		d.addProblem("%s is not a timestamp", name)
		return time.Time{}
	}
	return ts
}

func (d *decoder) requiredTime(name string) time.Time {
	v, present := d.rec[name]
	if !present || v == nil {
		d.addProblem("%s is required", name)
		return time.Time{}
	}
	ts, ok := toTime(v)
	if !ok {
		d.addProblem("%s is not a timestamp", name)
		return time.Time{}
	}
	if ts.IsZero() {
		d.addProblem("%s is required", name)
	}
	return ts
}

func (d *decoder) optionalTime(name string) *time.Time {
	v, ok := d.rec[name]
	if !ok || v == nil {
		return nil
	}
	ts, ok := toTime(v)
	if !ok {
		d.addProblem("%s is not a timestamp", name)
		return nil
	}
	if ts.IsZero() {
		return nil
	}
	return &ts
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int32:
		return int64(n), true
	case int:
		return int64(n), true
	case float64:
		// JSON numbers arrive as float64; reject fractional values.
		if n != math.Trunc(n) {
			return 0, false
		}
		return int64(n), true
	default:
		return 0, false
	}
}

func toString(v any) (string, bool) {
	switch s := v.(type) {
	case string:
		return s, true
	case []byte:
		return string(s), true
	default:
		return "", false
	}
}

func toTime(v any) (time.Time, bool) {
	switch ts := v.(type) {
	case time.Time:
		return ts, true
	case string:
		if ts == "" {
			return time.Time{}, true
		}
		parsed, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return time.Time{}, false
		}
		return parsed, true
	default:
		return time.Time{}, false
	}
}
