// Package store holds the shared plumbing for SQL-backed datastore
// implementations: row scanning into generic rows and TTL-cached schema
// descriptions.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jellydator/ttlcache/v3"

	"github.com/tannatlabs/lens/pkg/pipeline"
)

// Query runs one statement and scans every row into a column-keyed map.
// Byte slices become strings so results serialize cleanly.
func Query(ctx context.Context, db *sql.DB, statement string) (pipeline.QueryResult, error) {
	rows, err := db.QueryContext(ctx, statement)
	if err != nil {
		return pipeline.QueryResult{}, fmt.Errorf("failed to execute query: %w", err)
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return pipeline.QueryResult{}, fmt.Errorf("failed to get columns: %w", err)
	}

	var resultRows []map[string]any
	for rows.Next() {
		values := make([]any, len(columns))
		valuePtrs := make([]any, len(columns))
		for i := range values {
			valuePtrs[i] = &values[i]
		}
		if err := rows.Scan(valuePtrs...); err != nil {
			return pipeline.QueryResult{}, fmt.Errorf("failed to scan row: %w", err)
		}

		row := make(map[string]any, len(columns))
		for i, col := range columns {
			switch v := values[i].(type) {
			case []byte:
				row[col] = string(v)
			default:
				row[col] = values[i]
			}
		}
		resultRows = append(resultRows, row)
	}
	if err := rows.Err(); err != nil {
		return pipeline.QueryResult{}, fmt.Errorf("error iterating rows: %w", err)
	}

	return pipeline.QueryResult{
		Columns: columns,
		Rows:    resultRows,
		Count:   len(resultRows),
	}, nil
}

const schemaCacheKey = "schema"

// SchemaCache memoizes a formatted schema description for its TTL so query
// generation does not hit the catalog on every request.
type SchemaCache struct {
	cache *ttlcache.Cache[string, string]
	fetch func(ctx context.Context) (string, error)
}

func NewSchemaCache(ttl time.Duration, fetch func(ctx context.Context) (string, error)) *SchemaCache {
	return &SchemaCache{
		cache: ttlcache.New(ttlcache.WithTTL[string, string](ttl)),
		fetch: fetch,
	}
}

func (c *SchemaCache) Get(ctx context.Context) (string, error) {
	if item := c.cache.Get(schemaCacheKey); item != nil {
		return item.Value(), nil
	}
	schema, err := c.fetch(ctx)
	if err != nil {
		return "", err
	}
	c.cache.Set(schemaCacheKey, schema, ttlcache.DefaultTTL)
	return schema, nil
}
