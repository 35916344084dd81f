// Package duckdb backs the pipeline with an embedded DuckDB database,
// typically loaded with review events and rollups from a local file.
package duckdb

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "github.com/duckdb/duckdb-go/v2"

	"github.com/tannatlabs/lens/pkg/pipeline"
	"github.com/tannatlabs/lens/pkg/store"
)

type Config struct {
	Logger *slog.Logger
	// Path is the database file. Empty means in-memory.
	Path string
	// SchemaTTL bounds how long the formatted schema is cached.
	SchemaTTL time.Duration
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return fmt.Errorf("logger is required")
	}
	if cfg.SchemaTTL == 0 {
		cfg.SchemaTTL = 5 * time.Minute
	}
	return nil
}

// Store implements pipeline.Store over DuckDB.
type Store struct {
	log    *slog.Logger
	db     *sql.DB
	schema *store.SchemaCache
}

func New(cfg Config) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate duckdb config: %w", err)
	}
	db, err := sql.Open("duckdb", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open duckdb: %w", err)
	}
	s := &Store{log: cfg.Logger, db: db}
	s.schema = store.NewSchemaCache(cfg.SchemaTTL, s.fetchSchema)
	return s, nil
}

func (s *Store) Execute(ctx context.Context, statement string) (pipeline.QueryResult, error) {
	return store.Query(ctx, s.db, statement)
}

func (s *Store) FetchSchema(ctx context.Context) (string, error) {
	return s.schema.Get(ctx)
}

func (s *Store) Close() error {
	return s.db.Close()
}

// fetchSchema formats the main-schema catalog as markdown sections, one per
// table, for the query generation prompt.
func (s *Store) fetchSchema(ctx context.Context) (string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT table_name, column_name, data_type
		FROM information_schema.columns
		WHERE table_schema = 'main'
		ORDER BY table_name, ordinal_position`)
	if err != nil {
		return "", fmt.Errorf("failed to query schema: %w", err)
	}
	defer rows.Close()

	var sb strings.Builder
	current := ""
	for rows.Next() {
		var table, column, dataType string
		if err := rows.Scan(&table, &column, &dataType); err != nil {
			return "", fmt.Errorf("failed to scan schema row: %w", err)
		}
		if table != current {
			if current != "" {
				sb.WriteString("\n")
			}
			fmt.Fprintf(&sb, "## %s\n", table)
			current = table
		}
		fmt.Fprintf(&sb, "- %s (%s)\n", column, dataType)
	}
	if err := rows.Err(); err != nil {
		return "", fmt.Errorf("error iterating schema rows: %w", err)
	}
	if sb.Len() == 0 {
		return "", fmt.Errorf("no tables found in datastore")
	}
	return sb.String(), nil
}
