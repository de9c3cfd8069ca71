package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	stdsync "sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/aligntrack/portal-sync/internal/clock"
	"github.com/aligntrack/portal-sync/internal/config"
	"github.com/aligntrack/portal-sync/internal/store/primary"
	"github.com/aligntrack/portal-sync/internal/store/replica"
	"github.com/aligntrack/portal-sync/internal/telemetry"
)

// errSourceRowMissing marks an item whose primary row vanished before it
// could be read. These items are skipped, not failed: whatever removed the
// row enqueued its own delete entry.
var errSourceRowMissing = errors.New("record not found in source")

// itemOutcome is what one queue item resolved to during a drain.
type itemOutcome string

const (
	itemSynced   itemOutcome = "synced"
	itemSkipped  itemOutcome = "skipped"
	itemFailed   itemOutcome = "failed"
	itemDeferred itemOutcome = "deferred"
)

// DrainResult summarizes one ProcessQueue invocation.
type DrainResult struct {
	// DrainID correlates one drain pass across log lines and the status
	// API. Coalesced results carry no ID; the in-flight drain owns the work.
	DrainID string `json:"drainId,omitempty"`
	// Batches is the number of dequeue rounds the drain ran.
	Batches int `json:"batches"`
	// Processed counts every item the drain touched.
	Processed int `json:"processed"`
	Synced    int `json:"synced"`
	Skipped   int `json:"skipped"`
	// Failed counts items that went terminal, either permanently or by
	// exhausting their retry budget.
	Failed int `json:"failed"`
	// Deferred counts items left Pending after a transient failure.
	Deferred int `json:"deferred"`
	// Coalesced is set when another drain was already in flight; that
	// drain runs a follow-up pass on this caller's behalf.
	Coalesced bool `json:"coalesced,omitempty"`
	// NeedRetry is set when the drain stopped on transient failures and a
	// backoff retry should be scheduled.
	NeedRetry bool `json:"needRetry,omitempty"`
}

// ProcessorStatus is the drain loop's state snapshot for the status API.
type ProcessorStatus struct {
	Draining            bool         `json:"draining"`
	ConsecutiveFailures int          `json:"consecutiveFailures"`
	NextRetryAt         *time.Time   `json:"nextRetryAt,omitempty"`
	LastDrain           *DrainResult `json:"lastDrain,omitempty"`
}

// Processor drains the forward queue: it reads Pending items in id order,
// mirrors each change into the portal replica, and writes the outcome back
// onto the queue row.
type Processor struct {
	store    PrimaryStore
	replica  replica.Client
	resolver *Resolver
	clock    clock.Clock
	policy   *RetryPolicy
	metrics  *telemetry.SyncMetrics

	batchSize   int64
	maxAttempts int64

	// running guards the drain loop across callers; rerun marks work that
	// arrived while a drain was in flight.
	running atomic.Bool
	rerun   atomic.Bool
	kick    chan struct{}

	// statusMu guards the snapshot fields below.
	statusMu    stdsync.Mutex
	lastDrain   *DrainResult
	nextRetryAt *time.Time
	failStreak  int

	// Lifecycle management
	cancelFunc context.CancelFunc
	done       chan struct{}
}

// ProcessorOption configures optional Processor dependencies.
type ProcessorOption func(*Processor)

// WithProcessorMetrics attaches forward-sync metrics recording.
func WithProcessorMetrics(m *telemetry.SyncMetrics) ProcessorOption {
	return func(p *Processor) {
		p.metrics = m
	}
}

// NewProcessor creates a forward processor with injected dependencies.
func NewProcessor(
	store PrimaryStore,
	replicaClient replica.Client,
	clk clock.Clock,
	cfg *config.SyncConfig,
	opts ...ProcessorOption,
) *Processor {
	p := &Processor{
		store:       store,
		replica:     replicaClient,
		resolver:    NewResolver(store, replicaClient),
		clock:       clk,
		policy:      NewRetryPolicy(),
		batchSize:   int64(cfg.GetBatchSize()),
		maxAttempts: int64(cfg.GetMaxAttempts()),
		kick:        make(chan struct{}, 1),
		done:        make(chan struct{}),
	}

	for _, opt := range opts {
		opt(p)
	}

	return p
}

// Kick nudges the processor to drain without waiting for a timer. Safe to
// call from any goroutine; kicks during an active drain coalesce into one
// follow-up pass.
func (p *Processor) Kick() {
	select {
	case p.kick <- struct{}{}:
	default:
	}
}

// Start runs the drain loop until the context is cancelled or Stop is
// called. It drains once immediately to catch up on items queued while the
// service was down, then waits for kicks and scheduled retries.
func (p *Processor) Start(ctx context.Context) error {
	slog.Info("Starting forward sync processor",
		"batch_size", p.batchSize,
		"max_attempts", p.maxAttempts)

	procCtx, cancel := context.WithCancel(ctx)
	p.cancelFunc = cancel
	defer func() {
		close(p.done)
		slog.Info("Forward sync processor shutting down")
	}()

	retryTimer := p.runDrain(procCtx)
	defer stopTimer(retryTimer)

	for {
		var retryCh <-chan time.Time
		if retryTimer != nil {
			retryCh = retryTimer.C()
		}

		select {
		case <-procCtx.Done():
			slog.Info("Forward sync processor stopping")
			return nil
		case <-p.kick:
			if retryTimer != nil {
				// A backoff retry is already scheduled; it will pick up
				// the new arrivals.
				slog.Debug("Queue kick during backoff window")
				continue
			}
			retryTimer = p.runDrain(procCtx)
		case <-retryCh:
			retryTimer = p.runDrain(procCtx)
		}
	}
}

// Stop gracefully stops the processor and waits for the loop to exit.
func (p *Processor) Stop() error {
	if p.cancelFunc != nil {
		slog.Info("Stopping forward sync processor")
		p.cancelFunc()
		<-p.done
	}
	return nil
}

// runDrain executes one drain and, when it ended on transient failures,
// returns a timer for the next retry.
func (p *Processor) runDrain(ctx context.Context) clock.Timer {
	result, err := p.ProcessQueue(ctx)
	if err != nil {
		delay := p.policy.Next()
		slog.Error("Queue drain failed, scheduling retry",
			"error", err,
			"retry_in", delay)
		p.noteDrain(result, delay)
		return p.clock.NewTimer(delay)
	}

	if result.NeedRetry {
		delay := p.policy.Next()
		slog.Warn("Queue drain deferred items, scheduling retry",
			"deferred", result.Deferred,
			"retry_in", delay)
		p.noteDrain(result, delay)
		return p.clock.NewTimer(delay)
	}

	if result.Processed > 0 {
		slog.Info("Queue drained",
			"drain_id", result.DrainID,
			"batches", result.Batches,
			"processed", result.Processed,
			"synced", result.Synced,
			"skipped", result.Skipped,
			"failed", result.Failed)
	}
	p.noteDrain(result, 0)
	return nil
}

// noteDrain records the drain outcome for the status API. A positive
// retryIn means the drain ended badly and a retry is pending.
func (p *Processor) noteDrain(result *DrainResult, retryIn time.Duration) {
	p.statusMu.Lock()
	defer p.statusMu.Unlock()

	p.lastDrain = result
	if retryIn > 0 {
		at := p.clock.Now().UTC().Add(retryIn)
		p.nextRetryAt = &at
		p.failStreak++
		return
	}
	p.nextRetryAt = nil
	p.failStreak = 0
}

// Snapshot reports the drain loop's current state and most recent result.
func (p *Processor) Snapshot() ProcessorStatus {
	p.statusMu.Lock()
	defer p.statusMu.Unlock()

	status := ProcessorStatus{
		Draining:            p.running.Load(),
		ConsecutiveFailures: p.failStreak,
		NextRetryAt:         p.nextRetryAt,
	}
	if p.lastDrain != nil {
		drainCopy := *p.lastDrain
		status.LastDrain = &drainCopy
	}
	return status
}

func stopTimer(t clock.Timer) {
	if t != nil {
		t.Stop()
	}
}

// ProcessQueue drains the queue until no eligible Pending work remains or a
// transient failure stops the pass. Only one drain runs at a time across all
// callers; a drain requested while another is in flight sets a rerun marker
// and returns immediately with Coalesced set.
func (p *Processor) ProcessQueue(ctx context.Context) (*DrainResult, error) {
	if !p.running.CompareAndSwap(false, true) {
		p.rerun.Store(true)
		return &DrainResult{Coalesced: true}, nil
	}
	defer p.running.Store(false)

	result := &DrainResult{DrainID: uuid.NewString()}
	start := p.clock.Now()
	slog.Debug("Draining change queue", "drain_id", result.DrainID)

	for ctx.Err() == nil {
		items, err := p.store.ListPendingItems(ctx, primary.ListPendingItemsParams{
			MaxAttempts: p.maxAttempts,
			Limit:       p.batchSize,
		})
		if err != nil {
			return result, fmt.Errorf("failed to list pending queue items: %w", err)
		}
		if len(items) == 0 {
			// One more pass when a kick arrived mid-drain; the kick's
			// items may have been enqueued after the last dequeue.
			if p.rerun.CompareAndSwap(true, false) {
				continue
			}
			break
		}

		result.Batches++
		if deferred := p.processBatch(ctx, items, result); deferred > 0 {
			result.NeedRetry = true
			break
		}
		p.policy.Reset()
	}

	if p.metrics != nil {
		p.metrics.RecordDrainDuration(ctx, p.clock.Now().Sub(start), !result.NeedRetry)
	}
	return result, nil
}

// processBatch syncs one dequeued batch sequentially, preserving id order,
// and returns the number of transiently failed items.
func (p *Processor) processBatch(ctx context.Context, items []primary.QueueItem, result *DrainResult) int {
	deferred := 0
	for i := range items {
		outcome := p.processItem(ctx, &items[i])
		result.Processed++

		switch outcome {
		case itemSynced:
			result.Synced++
		case itemSkipped:
			result.Skipped++
		case itemFailed:
			result.Failed++
		case itemDeferred:
			result.Deferred++
			deferred++
		}

		if p.metrics != nil {
			p.metrics.RecordItemProcessed(ctx, items[i].TableName, string(outcome))
		}
	}
	return deferred
}

// processItem syncs one item and records its outcome on the queue row.
func (p *Processor) processItem(ctx context.Context, item *primary.QueueItem) itemOutcome {
	payload, err := p.syncItem(ctx, item)
	now := p.clock.Now().UTC()

	switch {
	case err == nil:
		if markErr := p.store.MarkItemSynced(ctx, primary.MarkItemSyncedParams{
			ID:          item.ID,
			Payload:     payload,
			LastAttempt: now,
		}); markErr != nil {
			// The replica write landed but the bookkeeping did not; the
			// item stays Pending and the idempotent write replays later.
			slog.Error("Failed to mark queue item synced",
				"item_id", item.ID, "error", markErr)
			return itemDeferred
		}
		return itemSynced

	case errors.Is(err, errSourceRowMissing):
		slog.Info("Skipping queue item, source row is gone",
			"item_id", item.ID, "table", item.TableName, "record_id", item.RecordID)
		if markErr := p.store.MarkItemSkipped(ctx, primary.MarkItemSkippedParams{
			ID:          item.ID,
			Reason:      errSourceRowMissing.Error(),
			LastAttempt: now,
		}); markErr != nil {
			slog.Error("Failed to mark queue item skipped",
				"item_id", item.ID, "error", markErr)
			return itemDeferred
		}
		return itemSkipped

	case isPermanent(err):
		slog.Error("Queue item failed permanently",
			"item_id", item.ID, "table", item.TableName, "record_id", item.RecordID,
			"error", err)
		if markErr := p.store.MarkItemFailed(ctx, primary.MarkItemFailedParams{
			ID:          item.ID,
			Error:       truncateError(err.Error()),
			LastAttempt: now,
		}); markErr != nil {
			slog.Error("Failed to mark queue item failed",
				"item_id", item.ID, "error", markErr)
			return itemDeferred
		}
		return itemFailed

	default:
		status, attempts, markErr := p.store.RecordItemFailure(ctx, primary.RecordItemFailureParams{
			ID:          item.ID,
			Error:       truncateError(err.Error()),
			LastAttempt: now,
			MaxAttempts: p.maxAttempts,
		})
		if markErr != nil {
			slog.Error("Failed to record queue item failure",
				"item_id", item.ID, "error", markErr)
			return itemDeferred
		}
		if status == primary.StatusFailed {
			slog.Error("Queue item exhausted its retry budget",
				"item_id", item.ID, "table", item.TableName, "record_id", item.RecordID,
				"attempts", attempts, "error", err)
			return itemFailed
		}
		slog.Warn("Queue item deferred",
			"item_id", item.ID, "table", item.TableName, "record_id", item.RecordID,
			"attempts", attempts, "error", err)
		return itemDeferred
	}
}

// syncItem performs the replica write for one item and returns the resolved
// payload to store on success.
func (p *Processor) syncItem(ctx context.Context, item *primary.QueueItem) (string, error) {
	if !KnownTable(item.TableName) {
		return "", permanentError(ReasonUnknownTable, nil,
			"table %q is not synced", item.TableName)
	}
	if !KnownOperation(item.Operation) {
		return "", permanentError(ReasonPayloadInvalid, nil,
			"unknown operation %q", item.Operation)
	}

	if item.Operation == OperationDelete {
		if err := p.replica.DeleteByKey(ctx, item.TableName, "id", item.RecordID); err != nil {
			return "", transientError(ReasonReplicaUnavailable, err,
				"deleting %s %d from replica", item.TableName, item.RecordID)
		}
		if item.Payload != nil {
			return *item.Payload, nil
		}
		return "", nil
	}

	record, err := p.sourceRecord(ctx, item)
	if err != nil {
		return "", err
	}

	row, err := DecodeRow(item.TableName, record)
	if err != nil {
		return "", err
	}

	resolution := p.resolver.EnsureAncestors(ctx, row)
	for _, problem := range resolution.Problems() {
		slog.Warn("Unresolved ancestor, attempting child write anyway",
			"item_id", item.ID,
			"ancestor_table", problem.Table,
			"ancestor_id", problem.ID,
			"outcome", problem.Outcome)
	}

	values := row.ReplicaValues()
	if err := p.replica.Upsert(ctx, item.TableName, []map[string]any{values}, "id"); err != nil {
		return "", transientError(ReasonReplicaUnavailable, err,
			"writing %s %d to replica", item.TableName, row.Key())
	}

	payload, err := json.Marshal(values)
	if err != nil {
		return "", permanentError(ReasonPayloadInvalid, err, "encoding resolved payload")
	}
	return string(payload), nil
}

// sourceRecord returns the row data for an insert or update item: the
// trigger payload when present, otherwise a fresh read of the primary row.
func (p *Processor) sourceRecord(ctx context.Context, item *primary.QueueItem) (map[string]any, error) {
	if item.Payload != nil && *item.Payload != "" {
		var record map[string]any
		if err := json.Unmarshal([]byte(*item.Payload), &record); err != nil {
			return nil, permanentError(ReasonPayloadInvalid, err,
				"queue payload is not valid JSON")
		}
		return record, nil
	}

	record, err := p.store.FetchRow(ctx, item.TableName, item.RecordID)
	if errors.Is(err, primary.ErrNotFound) {
		return nil, errSourceRowMissing
	}
	if err != nil {
		return nil, transientError(ReasonPrimaryUnavailable, err,
			"reading %s %d from primary store", item.TableName, item.RecordID)
	}
	return record, nil
}

func isPermanent(err error) bool {
	var syncErr *Error
	return errors.As(err, &syncErr) && syncErr.Kind == KindPermanent
}
