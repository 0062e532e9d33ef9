package model

import (
	"context"
	"runtime"

	"golang.org/x/sync/errgroup"

	"rnastate/pkg/domain"
)

// InferenceBatchSize is the number of samples encoded per worker task.
const InferenceBatchSize = 32

// Embed encodes every sample of m in input order. Batches run in parallel and
// each writes only its own output slots, so the result does not depend on
// scheduling.
func (a *Autoencoder) Embed(ctx context.Context, m *domain.ExpressionMatrix) ([]domain.EmbeddingRecord, error) {
	if m.NumGenes() != a.cfg.InputDimension {
		return nil, &domain.DimensionMismatchError{
			Expected:     a.cfg.InputDimension,
			Actual:       m.NumGenes(),
			GeneSample:   m.GeneFingerprint(5),
			ModelVersion: a.cfg.Version,
		}
	}
	out := make([]domain.EmbeddingRecord, m.NumSamples())
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for start := 0; start < len(out); start += InferenceBatchSize {
		end := min(start+InferenceBatchSize, len(out))
		g.Go(func() error {
			for s := start; s < end; s++ {
				if err := gctx.Err(); err != nil {
					return err
				}
				vec := a.run(m.SampleVector(s), a.encoderDepth)
				out[s] = domain.EmbeddingRecord{
					SampleID:     m.SampleIDs[s],
					Vector:       vec,
					EmbeddingDim: len(vec),
					ModelVersion: a.cfg.Version,
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// EmbedVector encodes a single expression vector.
func (a *Autoencoder) EmbedVector(v []float64) ([]float64, error) {
	return a.Encode(v)
}

// Samples returns the per-sample expression vectors of m, used as training rows.
func Samples(m *domain.ExpressionMatrix) [][]float64 {
	out := make([][]float64, m.NumSamples())
	for s := range out {
		out[s] = m.SampleVector(s)
	}
	return out
}
