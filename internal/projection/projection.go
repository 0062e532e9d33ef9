// Package projection reduces embeddings to 2 or 3 display coordinates with
// PCA or UMAP. Results are derived on demand and never persisted.
package projection

import (
	"fmt"
	"slices"

	"rnastate/pkg/domain"
)

// UMAP defaults.
const (
	DefaultNeighbors = 15
	DefaultMinDist   = 0.1
	DefaultEpochs    = 200
)

type options struct {
	neighbors int
	minDist   float64
	epochs    int
	seed      uint64
}

// Option tunes a projection.
type Option func(*options)

// WithNeighbors sets the UMAP neighbourhood size.
func WithNeighbors(n int) Option { return func(o *options) { o.neighbors = n } }

// WithMinDist sets the UMAP minimum embedded distance.
func WithMinDist(d float64) Option { return func(o *options) { o.minDist = d } }

// WithEpochs sets the number of UMAP optimisation epochs.
func WithEpochs(n int) Option { return func(o *options) { o.epochs = n } }

// WithSeed sets the UMAP negative-sampling seed.
func WithSeed(seed uint64) Option { return func(o *options) { o.seed = seed } }

// Project computes nComponents coordinates per record with the named method.
// Coordinates are index-aligned with records.
func Project(records []domain.EmbeddingRecord, method string, nComponents int, opts ...Option) (domain.ProjectionResult, error) {
	o := options{neighbors: DefaultNeighbors, minDist: DefaultMinDist, epochs: DefaultEpochs, seed: domain.DefaultSeed}
	for _, opt := range opts {
		opt(&o)
	}
	if nComponents != 2 && nComponents != 3 {
		return domain.ProjectionResult{}, &domain.InvalidArgumentError{Field: "n_components", Reason: fmt.Sprintf("must be 2 or 3, got %d", nComponents)}
	}
	x, err := matrixOf(records)
	if err != nil {
		return domain.ProjectionResult{}, err
	}
	res := domain.ProjectionResult{Method: method, NComponents: nComponents, SampleIDs: make([]string, len(records))}
	for i, rec := range records {
		res.SampleIDs[i] = rec.SampleID
	}
	switch method {
	case domain.ProjectionPCA:
		if limit := min(len(x), len(x[0])); nComponents > limit {
			return domain.ProjectionResult{}, &domain.InvalidArgumentError{
				Field:  "n_components",
				Reason: fmt.Sprintf("pca needs at least %d samples and dimensions, have %d samples of %d dimensions", nComponents, len(x), len(x[0])),
			}
		}
		res.Coordinates, res.ExplainedVariance = pca(x, nComponents)
	case domain.ProjectionUMAP:
		if len(x) <= nComponents {
			return domain.ProjectionResult{}, &domain.InvalidArgumentError{Field: "n_components", Reason: fmt.Sprintf("umap needs more than %d samples, have %d", nComponents, len(x))}
		}
		if o.neighbors < 2 {
			return domain.ProjectionResult{}, &domain.InvalidArgumentError{Field: "n_neighbors", Reason: "must be at least 2"}
		}
		if o.minDist < 0 {
			return domain.ProjectionResult{}, &domain.InvalidArgumentError{Field: "min_dist", Reason: "must not be negative"}
		}
		if o.epochs <= 0 {
			return domain.ProjectionResult{}, &domain.InvalidArgumentError{Field: "epochs", Reason: "must be positive"}
		}
		res.Coordinates = umap(x, nComponents, o)
	default:
		return domain.ProjectionResult{}, &domain.InvalidArgumentError{Field: "method", Reason: fmt.Sprintf("unknown projection method %q", method)}
	}
	return res, nil
}

func matrixOf(records []domain.EmbeddingRecord) ([][]float64, error) {
	if len(records) == 0 {
		return nil, &domain.InvalidArgumentError{Field: "embeddings", Reason: "no embeddings to project"}
	}
	dim := len(records[0].Vector)
	if dim == 0 {
		return nil, &domain.InvalidArgumentError{Field: "embeddings", Reason: "empty embedding vectors"}
	}
	out := make([][]float64, len(records))
	for i, rec := range records {
		if len(rec.Vector) != dim {
			return nil, &domain.InvalidArgumentError{Field: "embeddings", Reason: fmt.Sprintf("sample %s has %d dimensions, want %d", rec.SampleID, len(rec.Vector), dim)}
		}
		out[i] = slices.Clone(rec.Vector)
	}
	return out, nil
}
