// Package clickhouse backs the pipeline with a ClickHouse cluster holding
// the full review event history.
package clickhouse

import (
	"context"
	"crypto/tls"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"

	"github.com/tannatlabs/lens/pkg/pipeline"
	"github.com/tannatlabs/lens/pkg/store"
)

type Config struct {
	Logger   *slog.Logger
	Addr     string
	Database string
	Username string
	Password string
	UseTLS   bool
	// SchemaTTL bounds how long the formatted schema is cached.
	SchemaTTL time.Duration
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return fmt.Errorf("logger is required")
	}
	if cfg.Addr == "" {
		return fmt.Errorf("address is required")
	}
	if cfg.Database == "" {
		return fmt.Errorf("database is required")
	}
	if cfg.Username == "" {
		cfg.Username = "default"
	}
	if cfg.SchemaTTL == 0 {
		cfg.SchemaTTL = 5 * time.Minute
	}
	return nil
}

// Store implements pipeline.Store over ClickHouse.
type Store struct {
	log      *slog.Logger
	db       *sql.DB
	database string
	schema   *store.SchemaCache
}

func New(cfg Config) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate clickhouse config: %w", err)
	}

	opts := &clickhouse.Options{
		Addr: []string{cfg.Addr},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
	}
	if cfg.UseTLS {
		opts.TLS = &tls.Config{}
	}

	s := &Store{
		log:      cfg.Logger,
		db:       clickhouse.OpenDB(opts),
		database: cfg.Database,
	}
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

func (s *Store) fetchSchema(ctx context.Context) (string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT table, name, type
		FROM system.columns
		WHERE database = ?
		ORDER BY table, position`, s.database)
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
		return "", fmt.Errorf("no tables found in database %s", s.database)
	}
	return sb.String(), nil
}
