package replica

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/aligntrack/portal-sync/internal/config"
	"github.com/aligntrack/portal-sync/internal/logger"
)

const (
	defaultMaxConns        = 25
	defaultMinConns        = 5
	defaultConnMaxLifetime = 5 * time.Minute
)

// tableSpec describes a portal table the sync engine may address. Table and
// column names are spliced into SQL, so writes are restricted to this set.
type tableSpec struct {
	columns map[string]struct{}

	// skipOnUpdate lists columns written on insert but never overwritten by
	// a conflict update. aligner_batches.updated_at stays put so the edit
	// marker (updated_at > created_at) survives mirror updates.
	skipOnUpdate map[string]struct{}
}

var replicaTables = map[string]tableSpec{
	"patients": {
		columns: colSet("id", "first_name", "last_name", "created_at"),
	},
	"work_orders": {
		columns: colSet("id", "patient_id", "status", "created_at"),
	},
	"aligner_sets": {
		columns: colSet("id", "work_order_id", "label", "created_at"),
	},
	"aligner_batches": {
		columns:      colSet("id", "set_id", "sequence_no", "wear_days", "created_at", "updated_at"),
		skipOnUpdate: colSet("updated_at"),
	},
	"notes": {
		columns: colSet("id", "set_id", "author_role", "body", "created_at", "edited_at"),
	},
}

func colSet(names ...string) map[string]struct{} {
	set := make(map[string]struct{}, len(names))
	for _, name := range names {
		set[name] = struct{}{}
	}
	return set
}

func specFor(table string) (tableSpec, error) {
	spec, ok := replicaTables[table]
	if !ok {
		return tableSpec{}, fmt.Errorf("table %q is not a known portal table", table)
	}
	return spec, nil
}

// Connect builds a connection pool for the portal database from the provided
// configuration and verifies connectivity.
func Connect(ctx context.Context, cfg *config.ReplicaConfig) (*pgxpool.Pool, error) {
	if cfg == nil {
		return nil, fmt.Errorf("replica configuration is required")
	}

	connString, err := cfg.GetConnectionString()
	if err != nil {
		return nil, fmt.Errorf("failed to build replica connection string: %w", err)
	}

	poolCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("invalid replica connection string: %w", err)
	}

	poolCfg.MaxConns = defaultMaxConns
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	poolCfg.MinConns = defaultMinConns
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	poolCfg.MaxConnLifetime = defaultConnMaxLifetime
	if cfg.ConnMaxLifetime != "" {
		duration, err := time.ParseDuration(cfg.ConnMaxLifetime)
		if err != nil {
			return nil, fmt.Errorf("invalid connection max lifetime: %w", err)
		}
		poolCfg.MaxConnLifetime = duration
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create replica connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping replica: %w", err)
	}

	logger.Infof("Replica connection established: %s@%s:%d/%s",
		cfg.User, cfg.Host, cfg.Port, cfg.Database)

	return pool, nil
}

// pgxClient is the pgx-backed Client implementation.
type pgxClient struct {
	pool *pgxpool.Pool
}

// New creates a Client backed by the given connection pool. The caller is
// responsible for closing the pool when done.
func New(pool *pgxpool.Pool) (Client, error) {
	if pool == nil {
		return nil, fmt.Errorf("pgx pool is required")
	}
	return &pgxClient{pool: pool}, nil
}

func (c *pgxClient) Upsert(ctx context.Context, table string, rows []map[string]any, conflictKey string) error {
	spec, err := specFor(table)
	if err != nil {
		return err
	}
	if _, ok := spec.columns[conflictKey]; !ok {
		return fmt.Errorf("conflict key %q is not a column of %s", conflictKey, table)
	}
	if len(rows) == 0 {
		return nil
	}

	tx, err := c.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if rollbackErr := tx.Rollback(ctx); rollbackErr != nil && !errors.Is(rollbackErr, pgx.ErrTxClosed) {
			logger.Warnf("Failed to roll back upsert transaction: %v", rollbackErr)
		}
	}()

	for _, row := range rows {
		stmt, args, err := buildUpsertSQL(table, spec, row, conflictKey)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, stmt, args...); err != nil {
			return fmt.Errorf("failed to upsert into %s: %w", table, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit upsert transaction: %w", err)
	}
	return nil
}

// buildUpsertSQL renders one INSERT ... ON CONFLICT DO UPDATE statement for a
// single row. Columns are sorted so statement text is deterministic.
func buildUpsertSQL(table string, spec tableSpec, row map[string]any, conflictKey string) (string, []any, error) {
	if len(row) == 0 {
		return "", nil, fmt.Errorf("empty row for table %s", table)
	}
	if _, ok := row[conflictKey]; !ok {
		return "", nil, fmt.Errorf("row for table %s is missing conflict key %q", table, conflictKey)
	}

	cols := make([]string, 0, len(row))
	for col := range row {
		if _, ok := spec.columns[col]; !ok {
			return "", nil, fmt.Errorf("column %q is not a column of %s", col, table)
		}
		cols = append(cols, col)
	}
	sort.Strings(cols)

	quoted := make([]string, len(cols))
	placeholders := make([]string, len(cols))
	args := make([]any, len(cols))
	updates := make([]string, 0, len(cols))
	for i, col := range cols {
		quoted[i] = pgx.Identifier{col}.Sanitize()
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		args[i] = row[col]

		if col == conflictKey {
			continue
		}
		if _, skip := spec.skipOnUpdate[col]; skip {
			continue
		}
		updates = append(updates, fmt.Sprintf("%s = EXCLUDED.%s", quoted[i], quoted[i]))
	}

	var b strings.Builder
	fmt.Fprintf(&b, "INSERT INTO %s (%s) VALUES (%s)",
		pgx.Identifier{table}.Sanitize(),
		strings.Join(quoted, ", "),
		strings.Join(placeholders, ", "))
	if len(updates) == 0 {
		fmt.Fprintf(&b, " ON CONFLICT (%s) DO NOTHING", pgx.Identifier{conflictKey}.Sanitize())
	} else {
		fmt.Fprintf(&b, " ON CONFLICT (%s) DO UPDATE SET %s",
			pgx.Identifier{conflictKey}.Sanitize(), strings.Join(updates, ", "))
	}
	return b.String(), args, nil
}

func (c *pgxClient) DeleteByKey(ctx context.Context, table string, key string, value any) error {
	spec, err := specFor(table)
	if err != nil {
		return err
	}
	if _, ok := spec.columns[key]; !ok {
		return fmt.Errorf("key %q is not a column of %s", key, table)
	}

	stmt := fmt.Sprintf("DELETE FROM %s WHERE %s = $1",
		pgx.Identifier{table}.Sanitize(), pgx.Identifier{key}.Sanitize())
	if _, err := c.pool.Exec(ctx, stmt, value); err != nil {
		return fmt.Errorf("failed to delete from %s: %w", table, err)
	}
	return nil
}

func (c *pgxClient) SelectByKey(ctx context.Context, table string, key string, value any) (map[string]any, error) {
	spec, err := specFor(table)
	if err != nil {
		return nil, err
	}
	if _, ok := spec.columns[key]; !ok {
		return nil, fmt.Errorf("key %q is not a column of %s", key, table)
	}

	stmt := fmt.Sprintf("SELECT * FROM %s WHERE %s = $1",
		pgx.Identifier{table}.Sanitize(), pgx.Identifier{key}.Sanitize())
	rows, err := c.pool.Query(ctx, stmt, value)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", table, err)
	}

	record, err := pgx.CollectOneRow(rows, pgx.RowToMap)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%s row with %s=%v: %w", table, key, value, ErrNoRows)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s row: %w", table, err)
	}
	return record, nil
}

func (c *pgxClient) SelectSince(ctx context.Context, table string, tsColumn string, since time.Time, limit int) ([]map[string]any, error) {
	spec, err := specFor(table)
	if err != nil {
		return nil, err
	}
	if _, ok := spec.columns[tsColumn]; !ok {
		return nil, fmt.Errorf("timestamp column %q is not a column of %s", tsColumn, table)
	}
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be positive, got %d", limit)
	}

	ts := pgx.Identifier{tsColumn}.Sanitize()
	stmt := fmt.Sprintf("SELECT * FROM %s WHERE %s > $1 ORDER BY %s ASC, id ASC LIMIT $2",
		pgx.Identifier{table}.Sanitize(), ts, ts)
	rows, err := c.pool.Query(ctx, stmt, since, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", table, err)
	}

	records, err := pgx.CollectRows(rows, pgx.RowToMap)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s rows: %w", table, err)
	}
	return records, nil
}

func (c *pgxClient) Ping(ctx context.Context) error {
	return c.pool.Ping(ctx)
}
