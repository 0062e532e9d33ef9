// Package postgres persists the ingestion catalog in PostgreSQL through the
// pgx database/sql driver.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	"rnastate/internal/infra/persistence/sqlcatalog"

	_ "github.com/jackc/pgx/v5/stdlib" // register pgx as a database/sql driver
)

const (
	defaultDriver = "pgx"
	defaultDSN    = "postgres://localhost/rnastate?sslmode=disable"
)

var (
	sqlOpen = sql.Open
	openMu  sync.Mutex
)

var dialect = sqlcatalog.Dialect{
	Name: "postgres",
	DDL: []string{`CREATE TABLE IF NOT EXISTS ingestions (
		id TEXT PRIMARY KEY,
		format TEXT NOT NULL,
		origin TEXT NOT NULL,
		ingested_at TEXT NOT NULL,
		num_genes INTEGER NOT NULL,
		num_samples INTEGER NOT NULL,
		annotations JSONB NOT NULL,
		matrix BYTEA NOT NULL
	)`,
		`CREATE INDEX IF NOT EXISTS ingestions_ingested_at_idx ON ingestions (ingested_at)`,
	},
	Placeholder: sqlcatalog.Dollar,
}

// NewStore opens a Postgres-backed catalog using dsn (falls back to defaultDSN),
// verifies connectivity and applies the schema.
func NewStore(ctx context.Context, dsn string) (*sqlcatalog.Catalog, error) {
	if dsn == "" {
		dsn = defaultDSN
	}
	openMu.Lock()
	db, err := sqlOpen(defaultDriver, dsn)
	openMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	catalog, err := sqlcatalog.New(ctx, db, dialect)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return catalog, nil
}

// OverrideSQLOpen swaps the sql.Open implementation, returning a restore func.
func OverrideSQLOpen(fn func(driverName, dataSourceName string) (*sql.DB, error)) func() {
	openMu.Lock()
	defer openMu.Unlock()
	prev := sqlOpen
	sqlOpen = fn
	return func() {
		openMu.Lock()
		defer openMu.Unlock()
		sqlOpen = prev
	}
}
