// Package memory provides an in-process ingestion catalog for tests and
// ephemeral runs.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"rnastate/pkg/domain"
)

var _ domain.IngestionCatalog = (*Store)(nil)

type entry struct {
	record domain.IngestionRecord
	matrix []byte
}

// Store keeps ingestion records and encoded matrices in memory.
type Store struct {
	mu      sync.RWMutex
	entries map[string]entry
}

// NewStore returns an empty catalog.
func NewStore() *Store {
	return &Store{entries: make(map[string]entry)}
}

// Create stores the record and matrix; an existing id is rejected.
func (s *Store) Create(_ context.Context, rec domain.IngestionRecord, m *domain.ExpressionMatrix) error {
	payload, err := m.MarshalBinary()
	if err != nil {
		return fmt.Errorf("encode matrix: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.entries[rec.ID]; exists {
		return fmt.Errorf("ingestion %s already exists", rec.ID)
	}
	s.entries[rec.ID] = entry{record: cloneRecord(rec), matrix: payload}
	return nil
}

// Get returns the record for id.
func (s *Store) Get(_ context.Context, id string) (domain.IngestionRecord, error) {
	s.mu.RLock()
	e, ok := s.entries[id]
	s.mu.RUnlock()
	if !ok {
		return domain.IngestionRecord{}, &domain.NotFoundError{Entity: domain.EntityIngestion, ID: id}
	}
	return cloneRecord(e.record), nil
}

// LoadMatrix decodes a fresh copy of the matrix stored for id.
func (s *Store) LoadMatrix(_ context.Context, id string) (*domain.ExpressionMatrix, error) {
	s.mu.RLock()
	e, ok := s.entries[id]
	s.mu.RUnlock()
	if !ok {
		return nil, &domain.NotFoundError{Entity: domain.EntityIngestion, ID: id}
	}
	var m domain.ExpressionMatrix
	if err := m.UnmarshalBinary(e.matrix); err != nil {
		return nil, fmt.Errorf("decode matrix %s: %w", id, err)
	}
	return &m, nil
}

// List returns records ordered by ingestion time then id.
func (s *Store) List(_ context.Context) ([]domain.IngestionRecord, error) {
	s.mu.RLock()
	out := make([]domain.IngestionRecord, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, cloneRecord(e.record))
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].IngestedAt.Equal(out[j].IngestedAt) {
			return out[i].IngestedAt.Before(out[j].IngestedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// Close is a no-op.
func (s *Store) Close() error { return nil }

func cloneRecord(rec domain.IngestionRecord) domain.IngestionRecord {
	rec.SampleAnnotations = cloneAnnotations(rec.SampleAnnotations)
	rec.GeneAnnotations = cloneAnnotations(rec.GeneAnnotations)
	return rec
}

func cloneAnnotations(in domain.Annotations) domain.Annotations {
	if in == nil {
		return nil
	}
	out := make(domain.Annotations, len(in))
	for k, v := range in {
		out[k] = append([]string(nil), v...)
	}
	return out
}
