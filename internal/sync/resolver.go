package sync

import (
	"context"
	"errors"
	"log/slog"

	"github.com/aligntrack/portal-sync/internal/store/primary"
	"github.com/aligntrack/portal-sync/internal/store/replica"
)

// maxAncestorDepth bounds the recursive walk. The real chain is three
// levels deep (batch -> set -> work order -> patient); anything deeper
// means a broken graph.
const maxAncestorDepth = 8

// AncestorOutcome describes what the resolver found for one ancestor row.
type AncestorOutcome string

const (
	// AncestorPresent means the replica already had the row.
	AncestorPresent AncestorOutcome = "present"
	// AncestorRepaired means the row was fetched from the primary store and
	// upserted into the replica.
	AncestorRepaired AncestorOutcome = "repaired"
	// AncestorMissing means the row exists in neither store; the child's
	// write will likely hit a foreign key failure.
	AncestorMissing AncestorOutcome = "missing"
	// AncestorError means a store call failed while resolving.
	AncestorError AncestorOutcome = "error"
)

// AncestorResult records the resolution of a single ancestor.
type AncestorResult struct {
	Table   string
	ID      int64
	Outcome AncestorOutcome
	Err     error
}

// Resolution reports the resolver's work for one row, in the order writes
// happened (furthest ancestor first).
type Resolution struct {
	Ancestors []AncestorResult
}

// Repaired counts ancestors copied over from the primary store.
func (r *Resolution) Repaired() int {
	n := 0
	for _, a := range r.Ancestors {
		if a.Outcome == AncestorRepaired {
			n++
		}
	}
	return n
}

// Problems returns the ancestors that could not be resolved.
func (r *Resolution) Problems() []AncestorResult {
	var out []AncestorResult
	for _, a := range r.Ancestors {
		if a.Outcome == AncestorMissing || a.Outcome == AncestorError {
			out = append(out, a)
		}
	}
	return out
}

func (r *Resolution) add(table string, id int64, outcome AncestorOutcome, err error) {
	r.Ancestors = append(r.Ancestors, AncestorResult{Table: table, ID: id, Outcome: outcome, Err: err})
}

// Resolver repairs missing ancestor rows in the replica before a child row
// is written, so foreign key constraints hold without requiring the queue
// to be perfectly ordered.
type Resolver struct {
	store         PrimaryStore
	replicaClient replica.Client
}

// NewResolver creates a Resolver with injected stores.
func NewResolver(store PrimaryStore, replicaClient replica.Client) *Resolver {
	return &Resolver{store: store, replicaClient: replicaClient}
}

// EnsureAncestors walks the parent chain of row and repairs what is missing
// on the replica. It never fails the caller: every problem is captured in
// the returned Resolution, and the caller decides whether to proceed.
func (r *Resolver) EnsureAncestors(ctx context.Context, row Row) Resolution {
	var res Resolution
	r.ensure(ctx, row, &res, 0)
	return res
}

func (r *Resolver) ensure(ctx context.Context, row Row, res *Resolution, depth int) {
	if depth >= maxAncestorDepth {
		slog.Warn("Ancestor chain exceeded maximum depth",
			"table", row.Table(), "id", row.Key(), "depth", depth)
		return
	}

	parentTable, parentID, ok := row.ParentKey()
	if !ok {
		return
	}

	_, err := r.replicaClient.SelectByKey(ctx, parentTable, "id", parentID)
	if err == nil {
		res.add(parentTable, parentID, AncestorPresent, nil)
		return
	}
	if !errors.Is(err, replica.ErrNoRows) {
		slog.Warn("Ancestor lookup failed",
			"table", parentTable, "id", parentID, "error", err)
		res.add(parentTable, parentID, AncestorError, err)
		return
	}

	// The replica is missing this ancestor; copy it over from the primary
	// store, repairing its own ancestors first.
	record, err := r.store.FetchRow(ctx, parentTable, parentID)
	if errors.Is(err, primary.ErrNotFound) {
		slog.Warn("Ancestor row missing from primary store",
			"table", parentTable, "id", parentID)
		res.add(parentTable, parentID, AncestorMissing, nil)
		return
	}
	if err != nil {
		slog.Warn("Ancestor fetch from primary store failed",
			"table", parentTable, "id", parentID, "error", err)
		res.add(parentTable, parentID, AncestorError, err)
		return
	}

	parentRow, err := DecodeRow(parentTable, record)
	if err != nil {
		slog.Warn("Ancestor row failed validation",
			"table", parentTable, "id", parentID, "error", err)
		res.add(parentTable, parentID, AncestorError, err)
		return
	}

	r.ensure(ctx, parentRow, res, depth+1)

	if err := r.replicaClient.Upsert(ctx, parentTable,
		[]map[string]any{parentRow.ReplicaValues()}, "id"); err != nil {
		slog.Warn("Ancestor upsert failed",
			"table", parentTable, "id", parentID, "error", err)
		res.add(parentTable, parentID, AncestorError, err)
		return
	}

	slog.Info("Repaired missing ancestor",
		"table", parentTable, "id", parentID)
	res.add(parentTable, parentID, AncestorRepaired, nil)
}
