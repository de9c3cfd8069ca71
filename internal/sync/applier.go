package sync

import (
	"context"
	"errors"
	"log/slog"
	stdsync "sync"

	"github.com/aligntrack/portal-sync/internal/clock"
	"github.com/aligntrack/portal-sync/internal/store/primary"
	"github.com/aligntrack/portal-sync/internal/telemetry"
)

// ApplyOutcome classifies what a reverse change did to the primary store.
type ApplyOutcome string

const (
	// OutcomeApplied means the primary store was modified.
	OutcomeApplied ApplyOutcome = "applied"
	// OutcomeIgnored means the change is not one that syncs back.
	OutcomeIgnored ApplyOutcome = "ignored"
	// OutcomeSkipped means the change syncs back but the write was not
	// needed, usually because it already happened.
	OutcomeSkipped ApplyOutcome = "skipped"
)

// ApplyResult reports the outcome of one reverse change.
type ApplyResult struct {
	Outcome ApplyOutcome `json:"outcome"`
	Reason  string       `json:"reason,omitempty"`
}

func applied(reason string) ApplyResult {
	return ApplyResult{Outcome: OutcomeApplied, Reason: reason}
}

func ignored(reason string) ApplyResult {
	return ApplyResult{Outcome: OutcomeIgnored, Reason: reason}
}

func skipped(reason string) ApplyResult {
	return ApplyResult{Outcome: OutcomeSkipped, Reason: reason}
}

// Applier writes portal-side doctor activity back into the primary store.
// The reverse surface is deliberately narrow: doctor notes and wear-day
// changes cross back, nothing else. Both paths are idempotent so the
// webhook and the poller can deliver the same change twice without harm.
type Applier struct {
	store   PrimaryStore
	clock   clock.Clock
	metrics *telemetry.SyncMetrics

	// mu serializes reverse writes; the webhook handler and the poller
	// call ApplyReverseChange from different goroutines.
	mu stdsync.Mutex
}

// ApplierOption configures optional Applier dependencies.
type ApplierOption func(*Applier)

// WithApplierMetrics attaches reverse-sync metrics recording.
func WithApplierMetrics(m *telemetry.SyncMetrics) ApplierOption {
	return func(a *Applier) {
		a.metrics = m
	}
}

// NewApplier creates an Applier over the given primary store.
func NewApplier(store PrimaryStore, clk clock.Clock, opts ...ApplierOption) *Applier {
	a := &Applier{store: store, clock: clk}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// ApplyReverseChange applies one portal change to the primary store and
// reports what happened. A non-nil error means the write could not be
// attempted or completed; the caller decides whether to retry delivery.
func (a *Applier) ApplyReverseChange(ctx context.Context, change Change) (ApplyResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	res, err := a.apply(ctx, change)
	if a.metrics != nil {
		outcome := string(res.Outcome)
		if err != nil {
			outcome = "error"
		}
		a.metrics.RecordReverseApply(ctx, change.Table, outcome)
	}
	return res, err
}

func (a *Applier) apply(ctx context.Context, change Change) (ApplyResult, error) {
	if change.Operation == OperationDelete {
		return ignored("deletes do not sync back"), nil
	}

	switch change.Table {
	case TableNotes:
		return a.applyNote(ctx, change)
	case TableAlignerBatches:
		return a.applyBatch(ctx, change)
	default:
		return ignored("table " + change.Table + " does not sync back"), nil
	}
}

func (a *Applier) applyNote(ctx context.Context, change Change) (ApplyResult, error) {
	note, err := decodeNote(change.Record)
	if err != nil {
		return ApplyResult{}, err
	}

	if !note.DoctorAuthored() {
		return ignored("note is not doctor-authored"), nil
	}

	exists, err := a.store.DoctorNoteExists(ctx, note.ID)
	if err != nil {
		return ApplyResult{}, transientError(ReasonPrimaryUnavailable, err,
			"checking doctor note %d", note.ID)
	}
	if exists && change.Operation == OperationInsert {
		return skipped("note already recorded"), nil
	}

	err = a.store.InsertDoctorNote(ctx, primary.InsertDoctorNoteParams{
		PortalNoteID: note.ID,
		SetID:        note.SetID,
		AuthorRole:   note.AuthorRole,
		Body:         note.Body,
		CreatedAt:    note.CreatedAt,
		EditedAt:     note.EditedAt,
		ReceivedAt:   a.clock.Now().UTC(),
	})
	if err != nil {
		return ApplyResult{}, transientError(ReasonPrimaryUnavailable, err,
			"writing doctor note %d", note.ID)
	}

	slog.Info("Applied doctor note",
		"note_id", note.ID, "set_id", note.SetID, "operation", change.Operation)
	return applied("doctor note recorded"), nil
}

func (a *Applier) applyBatch(ctx context.Context, change Change) (ApplyResult, error) {
	if change.Operation != OperationUpdate {
		return ignored("only wear-day updates sync back"), nil
	}

	batch, err := decodeAlignerBatch(change.Record)
	if err != nil {
		return ApplyResult{}, err
	}

	// A mirror write leaves updated_at equal to created_at. Without an
	// edit marker this row is our own forward sync echoing back.
	if !batch.Edited() {
		return ignored("batch carries no doctor edit"), nil
	}

	if change.PreviousRecord != nil {
		prev, err := decodeAlignerBatch(change.PreviousRecord)
		if err != nil {
			slog.Debug("Previous batch record undecodable, treating wear days as changed",
				"batch_id", batch.ID, "error", err)
		} else if prev.WearDays == batch.WearDays {
			return ignored("wear days unchanged"), nil
		}
	}

	record, err := a.store.FetchRow(ctx, TableAlignerBatches, batch.ID)
	if errors.Is(err, primary.ErrNotFound) {
		return skipped("batch not in primary store"), nil
	}
	if err != nil {
		return ApplyResult{}, transientError(ReasonPrimaryUnavailable, err,
			"reading batch %d", batch.ID)
	}
	if current, ok := toInt64(record["wear_days"]); ok && current == batch.WearDays {
		return skipped("wear days already current"), nil
	}

	affected, err := a.store.UpdateBatchWearDays(ctx, primary.UpdateBatchWearDaysParams{
		BatchID:   batch.ID,
		WearDays:  batch.WearDays,
		UpdatedAt: batch.UpdatedAt,
	})
	if err != nil {
		return ApplyResult{}, transientError(ReasonPrimaryUnavailable, err,
			"updating batch %d", batch.ID)
	}
	if affected == 0 {
		return skipped("batch not in primary store"), nil
	}

	slog.Info("Applied wear-day change",
		"batch_id", batch.ID, "wear_days", batch.WearDays)
	return applied("wear days updated"), nil
}
