package sync

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	stdsync "sync"
	"time"

	"github.com/aligntrack/portal-sync/internal/clock"
	"github.com/aligntrack/portal-sync/internal/config"
	"github.com/aligntrack/portal-sync/internal/store/replica"
	"github.com/aligntrack/portal-sync/internal/sync/state"
	"github.com/aligntrack/portal-sync/internal/telemetry"
)

// pollJitterFraction is the maximum random offset (±10%) applied to the
// poll interval so restarted instances spread their replica scans.
const pollJitterFraction = 0.1

// PollResult summarizes one poll cycle. Err is set only when the cycle
// itself broke down; per-record problems land in Errors and never abort
// the cycle.
type PollResult struct {
	NotesSynced    int      `json:"notesSynced"`
	BatchesSynced  int      `json:"batchesSynced"`
	NotesSkipped   int      `json:"notesSkipped"`
	BatchesSkipped int      `json:"batchesSkipped"`
	Errors         []string `json:"errors,omitempty"`
	Err            string   `json:"error,omitempty"`
}

// PollerStatus is the poller's state snapshot for the status API.
type PollerStatus struct {
	LastNotesSync   time.Time   `json:"lastNotesSync"`
	LastBatchesSync time.Time   `json:"lastBatchesSync"`
	LastResult      *PollResult `json:"lastResult,omitempty"`
}

// Poller is the reverse path's safety net: it periodically scans the portal
// replica for doctor activity the webhook may have missed and funnels each
// candidate through the applier. Cursors persist across restarts so
// downtime never loses edits.
type Poller struct {
	applier *Applier
	replica replica.Client
	cursors state.CursorStore
	clock   clock.Clock
	metrics *telemetry.SyncMetrics

	interval   time.Duration
	lookback   time.Duration
	maxRecords int

	// mu guards the cursor fields and lastResult, which the status API
	// reads while the poll loop writes.
	mu          stdsync.Mutex
	lastNotes   time.Time
	lastBatches time.Time
	lastResult  *PollResult
	loaded      bool

	// Lifecycle management
	cancelFunc context.CancelFunc
	done       chan struct{}
}

// PollerOption configures optional Poller dependencies.
type PollerOption func(*Poller)

// WithPollerMetrics attaches poll-cycle metrics recording.
func WithPollerMetrics(m *telemetry.SyncMetrics) PollerOption {
	return func(p *Poller) {
		p.metrics = m
	}
}

// NewPoller creates a reverse poller with injected dependencies.
func NewPoller(
	applier *Applier,
	replicaClient replica.Client,
	cursors state.CursorStore,
	clk clock.Clock,
	cfg *config.SyncConfig,
	opts ...PollerOption,
) *Poller {
	p := &Poller{
		applier:    applier,
		replica:    replicaClient,
		cursors:    cursors,
		clock:      clk,
		interval:   cfg.GetPollInterval(),
		lookback:   cfg.GetInitialLookback(),
		maxRecords: cfg.GetMaxRecordsPerPoll(),
		done:       make(chan struct{}),
	}

	for _, opt := range opts {
		opt(p)
	}

	return p
}

// Start runs one catch-up poll immediately, then polls on a jittered
// interval until the context is cancelled or Stop is called.
func (p *Poller) Start(ctx context.Context) error {
	slog.Info("Starting reverse sync poller",
		"base_interval", p.interval,
		"max_records", p.maxRecords)

	pollCtx, cancel := context.WithCancel(ctx)
	p.cancelFunc = cancel
	defer func() {
		close(p.done)
		slog.Info("Reverse sync poller shutting down")
	}()

	// Catch up on edits made while the service was down.
	p.runPoll(pollCtx)

	ticker := time.NewTicker(p.pollingInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.runPoll(pollCtx)

			// Recalculate interval with new jitter for next iteration
			ticker.Reset(p.pollingInterval())
		case <-pollCtx.Done():
			slog.Info("Reverse sync poller stopping")
			return nil
		}
	}
}

// Stop gracefully stops the poller and waits for the loop to exit.
func (p *Poller) Stop() error {
	if p.cancelFunc != nil {
		slog.Info("Stopping reverse sync poller")
		p.cancelFunc()
		<-p.done
	}
	return nil
}

// pollingInterval returns the configured interval with a random jitter
// applied so multiple instances never scan in lockstep.
func (p *Poller) pollingInterval() time.Duration {
	maxJitter := time.Duration(float64(p.interval) * pollJitterFraction)
	if maxJitter <= 0 {
		return p.interval
	}
	//nolint:gosec // G404: Non-cryptographic randomness is sufficient for polling jitter
	offset := time.Duration(rand.Int64N(int64(2*maxJitter))) - maxJitter
	return p.interval + offset
}

func (p *Poller) runPoll(ctx context.Context) {
	result := p.PollOnce(ctx)

	switch {
	case result.Err != "":
		slog.Error("Poll cycle failed", "error", result.Err)
	case len(result.Errors) > 0:
		slog.Warn("Poll cycle completed with errors",
			"error_count", len(result.Errors),
			"notes_synced", result.NotesSynced,
			"batches_synced", result.BatchesSynced)
	case result.NotesSynced+result.BatchesSynced > 0:
		slog.Info("Poll cycle applied portal edits",
			"notes_synced", result.NotesSynced,
			"batches_synced", result.BatchesSynced,
			"notes_skipped", result.NotesSkipped,
			"batches_skipped", result.BatchesSkipped)
	}
}

// PollOnce runs a single poll cycle. It never panics through to the caller
// and never returns a Go error; everything the cycle hit is in the result.
// Cursors advance to the cycle's start time even when individual records
// fail, so a poisoned record cannot wedge the poller. The webhook remains
// the primary delivery path for anything a cycle leaves behind.
func (p *Poller) PollOnce(ctx context.Context) (result PollResult) {
	defer func() {
		p.mu.Lock()
		p.lastResult = &result
		p.mu.Unlock()
	}()
	defer func() {
		if r := recover(); r != nil {
			result.Err = fmt.Sprintf("poll cycle panicked: %v", r)
			slog.Error("Poll cycle panicked", "panic", r)
		}
	}()

	pollStart := p.clock.Now().UTC()
	notesSince, batchesSince := p.cursorWindow(ctx, pollStart)

	p.pollNotes(ctx, notesSince, &result)
	p.pollBatches(ctx, batchesSince, &result)

	p.advanceCursors(pollStart)

	if err := p.cursors.Save(ctx, &state.Cursor{
		LastNotesSync:   pollStart,
		LastBatchesSync: pollStart,
		LastPollTime:    pollStart,
	}); err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("persisting cursors: %v", err))
	}

	if p.metrics != nil {
		p.metrics.RecordPollCycle(ctx, p.clock.Now().Sub(pollStart), len(result.Errors))
	}
	return result
}

// cursorWindow returns the scan window for each entity type, restoring
// persisted cursors on first use.
func (p *Poller) cursorWindow(ctx context.Context, pollStart time.Time) (notesSince, batchesSince time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.loadCursors(ctx)
	return sinceOrDefault(p.lastNotes, pollStart, p.lookback),
		sinceOrDefault(p.lastBatches, pollStart, p.lookback)
}

// advanceCursors moves both cursors to the cycle's start time. This happens
// even when records failed; the idempotent applies make the next lookback
// rescan safe, and the webhook covers whatever the cycle left behind.
func (p *Poller) advanceCursors(pollStart time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.lastNotes = pollStart
	p.lastBatches = pollStart
}

// Snapshot reports the poller's cursors and most recent result.
func (p *Poller) Snapshot() PollerStatus {
	p.mu.Lock()
	defer p.mu.Unlock()

	status := PollerStatus{
		LastNotesSync:   p.lastNotes,
		LastBatchesSync: p.lastBatches,
	}
	if p.lastResult != nil {
		resultCopy := *p.lastResult
		status.LastResult = &resultCopy
	}
	return status
}

// loadCursors restores persisted cursors once per process. Callers hold
// p.mu. Load failures fall back to the lookback window, which rescans a
// bounded slice of history through idempotent applies.
func (p *Poller) loadCursors(ctx context.Context) {
	if p.loaded {
		return
	}
	p.loaded = true

	cursor, err := p.cursors.Load(ctx)
	if err != nil {
		slog.Warn("Failed to load poller cursors, falling back to lookback window",
			"error", err)
		return
	}
	p.lastNotes = cursor.LastNotesSync
	p.lastBatches = cursor.LastBatchesSync

	if cursor.LastPollTime.IsZero() {
		slog.Info("No previous poller cursors found, initializing with defaults")
	} else {
		slog.Info("Loaded poller cursors",
			"last_notes_sync", cursor.LastNotesSync.Format(time.RFC3339),
			"last_batches_sync", cursor.LastBatchesSync.Format(time.RFC3339),
			"last_poll", cursor.LastPollTime.Format(time.RFC3339))
	}
}

func sinceOrDefault(cursor, now time.Time, lookback time.Duration) time.Time {
	if cursor.IsZero() {
		return now.Add(-lookback)
	}
	return cursor
}

// pollNotes scans for notes created or edited after the cursor and applies
// each one individually. A note that is both new and edited applies once,
// as an update.
func (p *Poller) pollNotes(ctx context.Context, since time.Time, result *PollResult) {
	candidates := make(map[int64]Change)
	var order []int64

	created, err := p.replica.SelectSince(ctx, TableNotes, "created_at", since, p.maxRecords)
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("scanning new notes: %v", err))
	} else {
		for _, rec := range created {
			id, ok := toInt64(rec["id"])
			if !ok {
				result.Errors = append(result.Errors, "new note record has no usable id")
				continue
			}
			candidates[id] = Change{Table: TableNotes, Operation: OperationInsert, Record: rec}
			order = append(order, id)
		}
	}

	edited, err := p.replica.SelectSince(ctx, TableNotes, "edited_at", since, p.maxRecords)
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("scanning edited notes: %v", err))
	} else {
		for _, rec := range edited {
			id, ok := toInt64(rec["id"])
			if !ok {
				result.Errors = append(result.Errors, "edited note record has no usable id")
				continue
			}
			if _, seen := candidates[id]; !seen {
				order = append(order, id)
			}
			candidates[id] = Change{Table: TableNotes, Operation: OperationUpdate, Record: rec}
		}
	}

	for _, id := range order {
		res, err := p.applier.ApplyReverseChange(ctx, candidates[id])
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("note %d: %v", id, err))
			continue
		}
		if res.Outcome == OutcomeApplied {
			result.NotesSynced++
		} else {
			result.NotesSkipped++
		}
	}
}

// pollBatches scans for batch rows touched after the cursor. The applier's
// edit-marker filter separates doctor edits from our own mirror writes.
func (p *Poller) pollBatches(ctx context.Context, since time.Time, result *PollResult) {
	updated, err := p.replica.SelectSince(ctx, TableAlignerBatches, "updated_at", since, p.maxRecords)
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("scanning edited batches: %v", err))
		return
	}

	for _, rec := range updated {
		id, ok := toInt64(rec["id"])
		if !ok {
			result.Errors = append(result.Errors, "edited batch record has no usable id")
			continue
		}

		res, err := p.applier.ApplyReverseChange(ctx, Change{
			Table:     TableAlignerBatches,
			Operation: OperationUpdate,
			Record:    rec,
		})
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("batch %d: %v", id, err))
			continue
		}
		if res.Outcome == OutcomeApplied {
			result.BatchesSynced++
		} else {
			result.BatchesSkipped++
		}
	}
}
