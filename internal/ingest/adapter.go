package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"rnastate/internal/observability"
	"rnastate/pkg/domain"
)

// Adapter parses sources and records them in an ingestion catalog.
type Adapter struct {
	catalog domain.IngestionCatalog
	logger  observability.Logger
	now     func() time.Time
	newID   func() string
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithLogger sets the adapter logger.
func WithLogger(l observability.Logger) Option {
	return func(a *Adapter) { a.logger = observability.OrNop(l) }
}

// WithClock overrides the ingestion timestamp source.
func WithClock(now func() time.Time) Option {
	return func(a *Adapter) {
		if now != nil {
			a.now = now
		}
	}
}

// WithIDGenerator overrides ingestion id allocation.
func WithIDGenerator(gen func() string) Option {
	return func(a *Adapter) {
		if gen != nil {
			a.newID = gen
		}
	}
}

// NewAdapter returns an adapter writing to catalog.
func NewAdapter(catalog domain.IngestionCatalog, opts ...Option) *Adapter {
	a := &Adapter{
		catalog: catalog,
		logger:  observability.NopLogger(),
		now:     time.Now,
		newID:   func() string { return uuid.NewString() },
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func prepare(src Source) (*parsed, []string, error) {
	p, err := src.parse()
	if err != nil {
		return nil, nil, err
	}
	if err := p.matrix.Validate(); err != nil {
		return nil, nil, withSource(err, src.Origin)
	}
	dropped := dropIdentifierColumns(p.samples)
	if len(p.samples) == 0 {
		p.samples = nil
	}
	return p, dropped, nil
}

// Ingest parses and validates src, allocates an ingestion id and stores the
// record with its matrix. Nothing is written when any step fails.
func (a *Adapter) Ingest(ctx context.Context, src Source) (domain.IngestionRecord, error) {
	if err := ctx.Err(); err != nil {
		return domain.IngestionRecord{}, err
	}
	p, dropped, err := prepare(src)
	if err != nil {
		return domain.IngestionRecord{}, err
	}
	if len(dropped) > 0 {
		a.logger.Info("dropped identifier-like annotation columns", "origin", src.Origin, "columns", dropped)
	}
	rec := domain.IngestionRecord{
		ID:                a.newID(),
		Format:            src.Kind,
		Origin:            src.Origin,
		IngestedAt:        a.now().UTC(),
		NumGenes:          p.matrix.NumGenes(),
		NumSamples:        p.matrix.NumSamples(),
		SampleAnnotations: p.samples,
		GeneAnnotations:   p.genes,
	}
	if rec.ID == "" {
		return domain.IngestionRecord{}, errors.New("ingest: empty ingestion id")
	}
	if err := a.catalog.Create(ctx, rec, p.matrix); err != nil {
		return domain.IngestionRecord{}, fmt.Errorf("ingest: store %s: %w", rec.ID, err)
	}
	a.logger.Info("ingested expression matrix",
		"ingestion_id", rec.ID,
		"format", rec.Format,
		"origin", rec.Origin,
		"genes", rec.NumGenes,
		"samples", rec.NumSamples,
		"first_genes", p.matrix.GeneFingerprint(5),
	)
	return rec, nil
}
