// Package sqlite persists the ingestion catalog in an embedded SQLite file.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"rnastate/internal/infra/persistence/sqlcatalog"

	_ "modernc.org/sqlite" // pure go sqlite driver
)

const defaultPath = "rnastate.db"

var dialect = sqlcatalog.Dialect{
	Name: "sqlite",
	DDL: []string{`CREATE TABLE IF NOT EXISTS ingestions (
		id TEXT PRIMARY KEY,
		format TEXT NOT NULL,
		origin TEXT NOT NULL,
		ingested_at TEXT NOT NULL,
		num_genes INTEGER NOT NULL,
		num_samples INTEGER NOT NULL,
		annotations TEXT NOT NULL,
		matrix BLOB NOT NULL
	)`},
	Placeholder: sqlcatalog.QuestionMark,
}

// NewStore opens (creating if needed) the SQLite catalog at path.
func NewStore(ctx context.Context, path string) (*sqlcatalog.Catalog, error) {
	if path == "" {
		path = defaultPath
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil && !errors.Is(err, os.ErrExist) {
		return nil, fmt.Errorf("create dirs: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// A single connection serialises writers and avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	catalog, err := sqlcatalog.New(ctx, db, dialect)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return catalog, nil
}
