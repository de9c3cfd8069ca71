// Package v1 provides the HTTP handlers for the portal sync service: the
// inbound change-notification webhook, the processor kick, and sync status.
package v1

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/tidwall/gjson"

	"github.com/aligntrack/portal-sync/internal/api/common"
	"github.com/aligntrack/portal-sync/internal/logger"
	"github.com/aligntrack/portal-sync/internal/store/primary"
	"github.com/aligntrack/portal-sync/internal/sync"
	"github.com/aligntrack/portal-sync/internal/telemetry"
)

// maxWebhookBody caps the change-notification request body. The largest
// legitimate payload is a doctor note; anything near this limit is garbage.
const maxWebhookBody = 1 << 20

// ReverseApplier lands portal-side changes in the primary store.
type ReverseApplier interface {
	ApplyReverseChange(ctx context.Context, change sync.Change) (sync.ApplyResult, error)
}

// ForwardProcessor is the drain-loop surface the API exposes.
type ForwardProcessor interface {
	Kick()
	Snapshot() sync.ProcessorStatus
}

// ReversePoller is the poller surface the API exposes.
type ReversePoller interface {
	Snapshot() sync.PollerStatus
}

// QueueReader reports queue composition for the status endpoint.
type QueueReader interface {
	CountByStatus(ctx context.Context) ([]primary.StatusCount, error)
}

// Pinger reports whether a backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Dependencies carries the sync components the HTTP surface exposes.
// Processor, Queue, Primary and Replica are required; Applier and Poller
// are nil when reverse sync is disabled.
type Dependencies struct {
	Applier   ReverseApplier
	Processor ForwardProcessor
	Poller    ReversePoller
	Queue     QueueReader
	Primary   Pinger
	Replica   Pinger

	// ReverseEnabled mirrors the sync.enabled master switch. When false
	// the webhook acknowledges notifications without applying them.
	ReverseEnabled bool

	// QueueMetrics publishes queue depth gauges from the status endpoint.
	QueueMetrics *telemetry.QueueMetrics
}

// Routes handles HTTP requests for the sync API endpoints.
type Routes struct {
	deps      Dependencies
	startedAt time.Time
}

// NewRoutes creates a new Routes instance over the given components.
func NewRoutes(deps Dependencies) *Routes {
	return &Routes{
		deps:      deps,
		startedAt: time.Now(),
	}
}

// Router creates and configures the router for the sync API endpoints.
func Router(deps Dependencies) http.Handler {
	routes := NewRoutes(deps)

	r := chi.NewRouter()

	r.Post("/webhooks/portal", routes.portalWebhook)
	r.Post("/sync/kick", routes.kickSync)
	r.Get("/sync/status", routes.syncStatus)

	return r
}

// StatusResponse reports the sync service's current state.
type StatusResponse struct {
	Status    string                `json:"status"`
	Uptime    string                `json:"uptime"`
	Queue     map[string]int64      `json:"queue"`
	Processor *sync.ProcessorStatus `json:"processor,omitempty"`
	Poller    *sync.PollerStatus    `json:"poller,omitempty"`
}

// portalWebhook handles POST /api/v1/webhooks/portal
//
// @Summary		Receive a portal change notification
// @Description	Accepts a change-notification payload from the portal and
// @Description	applies doctor-authored changes to the clinic database
// @Tags		sync
// @Accept		json
// @Produce		json
// @Success		202	{object}	sync.ApplyResult
// @Failure		400	{object}	map[string]string	"Malformed payload"
// @Failure		500	{object}	map[string]string	"Apply failed"
// @Router		/api/v1/webhooks/portal [post]
func (routes *Routes) portalWebhook(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxWebhookBody)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		common.WriteErrorResponse(w, "Failed to read request body", http.StatusBadRequest)
		return
	}

	if msg, ok := validateEnvelope(body); !ok {
		common.WriteErrorResponse(w, msg, http.StatusBadRequest)
		return
	}

	if !routes.deps.ReverseEnabled || routes.deps.Applier == nil {
		// Acknowledge so the portal does not retry; the poller path is
		// disabled too, so nothing picks these up later.
		common.WriteJSONResponse(w, sync.ApplyResult{
			Outcome: sync.OutcomeIgnored,
			Reason:  "reverse sync is disabled",
		}, http.StatusAccepted)
		return
	}

	var change sync.Change
	if err := json.Unmarshal(body, &change); err != nil {
		common.WriteErrorResponse(w, "Failed to decode change notification", http.StatusBadRequest)
		return
	}

	result, err := routes.deps.Applier.ApplyReverseChange(r.Context(), change)
	if err != nil {
		var syncErr *sync.Error
		if errors.As(err, &syncErr) && syncErr.Kind == sync.KindPermanent {
			common.WriteErrorResponse(w, syncErr.Message, http.StatusBadRequest)
			return
		}
		logger.Errorf("Failed to apply portal change (%s %s): %v",
			change.Operation, change.Table, err)
		common.WriteErrorResponse(w, "Failed to apply change", http.StatusInternalServerError)
		return
	}

	common.WriteJSONResponse(w, result, http.StatusAccepted)
}

// validateEnvelope probes the notification body before committing to a full
// decode, so obviously broken payloads get a precise 400 instead of a decode
// error deep in the applier.
func validateEnvelope(body []byte) (string, bool) {
	if !gjson.ValidBytes(body) {
		return "Request body is not valid JSON", false
	}

	table := gjson.GetBytes(body, "table")
	if !table.Exists() || table.String() == "" {
		return "table is required", false
	}
	if !sync.KnownTable(table.String()) {
		return fmt.Sprintf("table %q is not synced", table.String()), false
	}

	operation := gjson.GetBytes(body, "operation")
	if !operation.Exists() || operation.String() == "" {
		return "operation is required", false
	}
	if !sync.KnownOperation(operation.String()) {
		return fmt.Sprintf("unknown operation %q", operation.String()), false
	}

	if !gjson.GetBytes(body, "record").IsObject() {
		return "record is required", false
	}
	if !gjson.GetBytes(body, "record.id").Exists() {
		return "record.id is required", false
	}

	return "", true
}

// kickSync handles POST /api/v1/sync/kick
//
// @Summary		Wake the forward processor
// @Description	Nudges the queue processor to drain without waiting for a
// @Description	timer; the clinic software calls this after writing queue rows
// @Tags		sync
// @Produce		json
// @Success		202	{object}	map[string]string
// @Router		/api/v1/sync/kick [post]
func (routes *Routes) kickSync(w http.ResponseWriter, _ *http.Request) {
	routes.deps.Processor.Kick()
	common.WriteJSONResponse(w, map[string]string{"status": "kicked"}, http.StatusAccepted)
}

// syncStatus handles GET /api/v1/sync/status
//
// @Summary		Sync service status
// @Description	Reports queue composition, processor state, and poller state
// @Tags		sync
// @Produce		json
// @Success		200	{object}	StatusResponse
// @Failure		500	{object}	map[string]string	"Queue read failed"
// @Router		/api/v1/sync/status [get]
func (routes *Routes) syncStatus(w http.ResponseWriter, r *http.Request) {
	counts, err := routes.deps.Queue.CountByStatus(r.Context())
	if err != nil {
		logger.Errorf("Failed to count queue items: %v", err)
		common.WriteErrorResponse(w, "Failed to read queue state", http.StatusInternalServerError)
		return
	}

	queue := make(map[string]int64, len(counts))
	for _, sc := range counts {
		queue[sc.Status] = sc.Count
		routes.deps.QueueMetrics.RecordQueueDepth(r.Context(), sc.Status, sc.Count)
	}

	resp := StatusResponse{
		Status: "ok",
		Uptime: time.Since(routes.startedAt).Round(time.Second).String(),
		Queue:  queue,
	}
	if routes.deps.Processor != nil {
		snapshot := routes.deps.Processor.Snapshot()
		resp.Processor = &snapshot
	}
	if routes.deps.Poller != nil {
		snapshot := routes.deps.Poller.Snapshot()
		resp.Poller = &snapshot
	}

	common.WriteJSONResponse(w, resp, http.StatusOK)
}
