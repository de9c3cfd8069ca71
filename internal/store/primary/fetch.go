package primary

import (
	"context"
	"errors"
	"fmt"
)

// Business tables the sync engine may read by id. Table names are spliced
// into SQL, so anything outside this set is rejected.
var fetchableTables = map[string]struct{}{
	"patients":        {},
	"work_orders":     {},
	"aligner_sets":    {},
	"aligner_batches": {},
	"notes":           {},
}

// FetchRow reads one business row by primary key and returns it as a
// column-name keyed map. Returns ErrNotFound when the row does not exist,
// which forward sync maps to a Skipped item rather than a failure.
func (s *Store) FetchRow(ctx context.Context, table string, id int64) (map[string]any, error) {
	if _, ok := fetchableTables[table]; !ok {
		return nil, fmt.Errorf("table %q is not a known primary table", table)
	}

	rows, err := s.conn.QueryContext(ctx,
		fmt.Sprintf("SELECT * FROM %s WHERE id = ?", table), id)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s row %d: %w", table, id, err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("failed to fetch %s row %d: %w", table, id, err)
		}
		return nil, fmt.Errorf("%s row %d: %w", table, id, ErrNotFound)
	}

	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("failed to read columns for %s: %w", table, err)
	}

	vals := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range vals {
		ptrs[i] = &vals[i]
	}
	if err := rows.Scan(ptrs...); err != nil {
		return nil, fmt.Errorf("failed to scan %s row %d: %w", table, id, err)
	}

	row := make(map[string]any, len(cols))
	for i, col := range cols {
		if b, ok := vals[i].([]byte); ok {
			row[col] = string(b)
		} else {
			row[col] = vals[i]
		}
	}
	return row, nil
}

// RowExists reports whether a business row with the given id exists.
func (s *Store) RowExists(ctx context.Context, table string, id int64) (bool, error) {
	_, err := s.FetchRow(ctx, table, id)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
