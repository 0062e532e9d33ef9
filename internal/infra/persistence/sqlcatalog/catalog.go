// Package sqlcatalog implements the ingestion catalog over database/sql. The
// sqlite and postgres packages supply the driver and a Dialect.
package sqlcatalog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"rnastate/pkg/domain"
)

var _ domain.IngestionCatalog = (*Catalog)(nil)

// Dialect captures the SQL differences between supported engines.
type Dialect struct {
	Name string
	// DDL statements applied on open; each must be idempotent.
	DDL []string
	// Placeholder renders the n-th (1-based) bind parameter.
	Placeholder func(n int) string
}

// QuestionMark renders sqlite style placeholders.
func QuestionMark(int) string { return "?" }

// Dollar renders postgres style placeholders.
func Dollar(n int) string { return fmt.Sprintf("$%d", n) }

const recordColumns = "id, format, origin, ingested_at, num_genes, num_samples, annotations"

type annotationsPayload struct {
	Samples domain.Annotations `json:"samples,omitempty"`
	Genes   domain.Annotations `json:"genes,omitempty"`
}

// Catalog stores one row per ingestion holding the record fields and the
// binary-encoded matrix.
type Catalog struct {
	db      *sql.DB
	dialect Dialect
}

// New applies the dialect's DDL and returns a catalog over db.
func New(ctx context.Context, db *sql.DB, dialect Dialect) (*Catalog, error) {
	for _, stmt := range dialect.DDL {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return nil, fmt.Errorf("%s: apply ddl: %w", dialect.Name, err)
		}
	}
	return &Catalog{db: db, dialect: dialect}, nil
}

// DB exposes the underlying handle for tests.
func (c *Catalog) DB() *sql.DB { return c.db }

func (c *Catalog) bind(n int) []any {
	out := make([]any, n)
	for i := range out {
		out[i] = c.dialect.Placeholder(i + 1)
	}
	return out
}

// Create inserts the record and matrix in one transaction.
func (c *Catalog) Create(ctx context.Context, rec domain.IngestionRecord, m *domain.ExpressionMatrix) (retErr error) {
	payload, err := m.MarshalBinary()
	if err != nil {
		return fmt.Errorf("encode matrix: %w", err)
	}
	annotations, err := json.Marshal(annotationsPayload{Samples: rec.SampleAnnotations, Genes: rec.GeneAnnotations})
	if err != nil {
		return fmt.Errorf("encode annotations: %w", err)
	}
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%s: begin: %w", c.dialect.Name, err)
	}
	defer func() {
		if retErr != nil {
			_ = tx.Rollback()
		}
	}()
	rows, err := tx.QueryContext(ctx, fmt.Sprintf("SELECT id FROM ingestions WHERE id = %s", c.dialect.Placeholder(1)), rec.ID)
	if err != nil {
		return fmt.Errorf("%s: check ingestion: %w", c.dialect.Name, err)
	}
	exists := rows.Next()
	if err := rows.Close(); err != nil {
		return err
	}
	if exists {
		return fmt.Errorf("ingestion %s already exists", rec.ID)
	}
	insert := fmt.Sprintf("INSERT INTO ingestions (%s, matrix) VALUES (%s, %s, %s, %s, %s, %s, %s, %s)",
		append([]any{recordColumns}, c.bind(8)...)...)
	if _, err := tx.ExecContext(ctx, insert,
		rec.ID,
		string(rec.Format),
		rec.Origin,
		rec.IngestedAt.UTC().Format(time.RFC3339Nano),
		int64(rec.NumGenes),
		int64(rec.NumSamples),
		string(annotations),
		payload,
	); err != nil {
		return fmt.Errorf("%s: insert ingestion: %w", c.dialect.Name, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%s: commit: %w", c.dialect.Name, err)
	}
	return nil
}

// Get returns the record for id or a NotFoundError.
func (c *Catalog) Get(ctx context.Context, id string) (domain.IngestionRecord, error) {
	rows, err := c.db.QueryContext(ctx, fmt.Sprintf("SELECT %s FROM ingestions WHERE id = %s", recordColumns, c.dialect.Placeholder(1)), id)
	if err != nil {
		return domain.IngestionRecord{}, fmt.Errorf("%s: select ingestion: %w", c.dialect.Name, err)
	}
	defer func() { _ = rows.Close() }()
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return domain.IngestionRecord{}, err
		}
		return domain.IngestionRecord{}, &domain.NotFoundError{Entity: domain.EntityIngestion, ID: id}
	}
	return scanRecord(rows)
}

// LoadMatrix decodes the matrix stored for id.
func (c *Catalog) LoadMatrix(ctx context.Context, id string) (*domain.ExpressionMatrix, error) {
	rows, err := c.db.QueryContext(ctx, fmt.Sprintf("SELECT matrix FROM ingestions WHERE id = %s", c.dialect.Placeholder(1)), id)
	if err != nil {
		return nil, fmt.Errorf("%s: select matrix: %w", c.dialect.Name, err)
	}
	defer func() { _ = rows.Close() }()
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, &domain.NotFoundError{Entity: domain.EntityIngestion, ID: id}
	}
	var payload []byte
	if err := rows.Scan(&payload); err != nil {
		return nil, fmt.Errorf("scan matrix: %w", err)
	}
	var m domain.ExpressionMatrix
	if err := m.UnmarshalBinary(payload); err != nil {
		return nil, fmt.Errorf("decode matrix %s: %w", id, err)
	}
	return &m, nil
}

// List returns all records ordered by ingestion time then id.
func (c *Catalog) List(ctx context.Context) ([]domain.IngestionRecord, error) {
	rows, err := c.db.QueryContext(ctx, fmt.Sprintf("SELECT %s FROM ingestions ORDER BY ingested_at, id", recordColumns))
	if err != nil {
		return nil, fmt.Errorf("%s: list ingestions: %w", c.dialect.Name, err)
	}
	defer func() { _ = rows.Close() }()
	var out []domain.IngestionRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].IngestedAt.Equal(out[j].IngestedAt) {
			return out[i].IngestedAt.Before(out[j].IngestedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// Close releases the database handle.
func (c *Catalog) Close() error { return c.db.Close() }

func scanRecord(rows *sql.Rows) (domain.IngestionRecord, error) {
	var (
		rec                  domain.IngestionRecord
		format, ingestedAt   string
		numGenes, numSamples int64
		annotations          []byte
	)
	if err := rows.Scan(&rec.ID, &format, &rec.Origin, &ingestedAt, &numGenes, &numSamples, &annotations); err != nil {
		return domain.IngestionRecord{}, fmt.Errorf("scan ingestion: %w", err)
	}
	ts, err := time.Parse(time.RFC3339Nano, ingestedAt)
	if err != nil {
		return domain.IngestionRecord{}, fmt.Errorf("parse ingested_at for %s: %w", rec.ID, err)
	}
	rec.Format = domain.SourceFormat(format)
	rec.IngestedAt = ts
	rec.NumGenes = int(numGenes)
	rec.NumSamples = int(numSamples)
	if len(annotations) > 0 {
		var payload annotationsPayload
		if err := json.Unmarshal(annotations, &payload); err != nil {
			return domain.IngestionRecord{}, fmt.Errorf("decode annotations for %s: %w", rec.ID, err)
		}
		rec.SampleAnnotations = payload.Samples
		rec.GeneAnnotations = payload.Genes
	}
	return rec, nil
}
