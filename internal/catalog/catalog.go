// Package catalog selects the ingestion catalog backend.
package catalog

import (
	"context"
	"fmt"
	"os"

	"rnastate/internal/infra/persistence/memory"
	"rnastate/internal/infra/persistence/postgres"
	"rnastate/internal/infra/persistence/sqlite"
	"rnastate/pkg/domain"
)

// Driver identifies a concrete catalog implementation.
type Driver string

const (
	DriverMemory   Driver = "memory"   // in-memory only (tests / ephemeral)
	DriverSQLite   Driver = "sqlite"   // embedded sqlite file
	DriverPostgres Driver = "postgres" // PostgreSQL server
)

// Config selects and parameterises a backend.
type Config struct {
	Driver      string `yaml:"driver"`
	SQLitePath  string `yaml:"sqlite_path"`
	PostgresDSN string `yaml:"postgres_dsn"`
}

// ConfigFromEnv reads the backend selection from the environment.
//
//	RNASTATE_STORAGE_DRIVER: memory|sqlite|postgres (default sqlite)
//	RNASTATE_SQLITE_PATH: path to sqlite file (default ./rnastate.db)
//	RNASTATE_POSTGRES_DSN: postgres DSN when driver=postgres
func ConfigFromEnv() Config {
	return Config{
		Driver:      os.Getenv("RNASTATE_STORAGE_DRIVER"),
		SQLitePath:  os.Getenv("RNASTATE_SQLITE_PATH"),
		PostgresDSN: os.Getenv("RNASTATE_POSTGRES_DSN"),
	}
}

// Open constructs the catalog named by cfg.Driver, defaulting to sqlite.
func Open(ctx context.Context, cfg Config) (domain.IngestionCatalog, error) {
	driver := cfg.Driver
	if driver == "" {
		driver = string(DriverSQLite)
	}
	switch Driver(driver) {
	case DriverMemory:
		return memory.NewStore(), nil
	case DriverSQLite:
		st, err := sqlite.NewStore(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		return st, nil
	case DriverPostgres:
		st, err := postgres.NewStore(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, err
		}
		return st, nil
	default:
		return nil, fmt.Errorf("unknown storage driver %s", driver)
	}
}
