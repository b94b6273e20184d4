package postgres

import (
	"context"
	"encoding/json"
	"fmt"
)

// queryDocs runs a query selecting one JSONB column and decodes every row.
func queryDocs[T any](ctx context.Context, q querier, what, query string, args ...any) ([]T, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapError(what, err)
	}
	defer rows.Close()

	var out []T
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("%s: failed to scan: %w", what, err)
		}
		var v T
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, fmt.Errorf("%s: failed to decode: %w", what, err)
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: error iterating rows: %w", what, err)
	}
	return out, nil
}

// getDoc decodes the single JSONB column of one row. No row is
// store.ErrNotFound.
func getDoc[T any](ctx context.Context, q querier, what, query string, args ...any) (T, error) {
	var (
		v   T
		raw []byte
	)
	if err := q.QueryRowContext(ctx, query, args...).Scan(&raw); err != nil {
		return v, mapError(what, err)
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return v, fmt.Errorf("%s: failed to decode: %w", what, err)
	}
	return v, nil
}

func encode(what string, v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%s: failed to encode: %w", what, err)
	}
	return raw, nil
}

