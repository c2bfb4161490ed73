package connector

import (
	"context"
	"fmt"
	"time"
)

// QueryResult holds the rows returned by a guarded query. Truncated is
// set when the row cap cut the result short.
type QueryResult struct {
	Rows      []map[string]any
	Truncated bool
}

// ExecuteQuery runs a guarded, read-only query and returns its rows as
// column-name keyed maps. At most maxRows rows are read; the rest of the
// result set is discarded and Truncated is set.
func (c *Connector) ExecuteQuery(ctx context.Context, query string, maxRows int) (*QueryResult, error) {
	if err := GuardQuery(query); err != nil {
		return nil, err
	}
	if maxRows <= 0 {
		maxRows = 500
	}

	start := time.Now()
	rows, err := c.db.QueryxContext(ctx, query)
	if err != nil {
		c.logger.WarnContext(ctx, "Query execution failed", "error", err)
		return nil, fmt.Errorf("query execution failed: %w", err)
	}
	defer rows.Close()

	result := &QueryResult{}
	for rows.Next() {
		if len(result.Rows) >= maxRows {
			result.Truncated = true
			break
		}

		row := map[string]any{}
		if err := rows.MapScan(row); err != nil {
			return nil, fmt.Errorf("failed to scan result row: %w", err)
		}

		// Drivers hand back []byte for text-ish columns; decode so the
		// rows JSON-encode as strings rather than base64 blobs.
		for k, v := range row {
			if b, ok := v.([]byte); ok {
				row[k] = string(b)
			}
		}
		result.Rows = append(result.Rows, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed reading result rows: %w", err)
	}

	c.logger.DebugContext(ctx, "Query executed",
		"rows", len(result.Rows),
		"truncated", result.Truncated,
		"duration_ms", time.Since(start).Milliseconds())
	return result, nil
}
