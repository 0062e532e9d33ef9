// Package normalize applies the deterministic numeric transform that turns
// raw counts into model input.
package normalize

import (
	"fmt"
	"math"
	"math/rand/v2"
	"slices"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"rnastate/pkg/domain"
)

type options struct {
	batchLabels []string
}

// Option configures a single Normalize call.
type Option func(*options)

// WithBatchLabels supplies one batch label per sample, in sample order. Only
// consulted when batch correction is enabled.
func WithBatchLabels(labels []string) Option {
	return func(o *options) { o.batchLabels = labels }
}

// LabelsFromAnnotations returns the column key of a sample side table,
// checking that it covers n samples.
func LabelsFromAnnotations(ann domain.Annotations, key string, n int) ([]string, error) {
	col, ok := ann[key]
	if !ok {
		return nil, &domain.InvalidArgumentError{Field: "batch_key", Reason: fmt.Sprintf("no sample annotation column %q", key)}
	}
	if len(col) != n {
		return nil, &domain.InvalidArgumentError{Field: "batch_key", Reason: fmt.Sprintf("column %q has %d labels for %d samples", key, len(col), n)}
	}
	return slices.Clone(col), nil
}

// Validate rejects configurations Normalize cannot apply.
func Validate(cfg domain.NormalizationConfig) error {
	switch cfg.Method {
	case domain.NormalizeLog1p, domain.NormalizeNone:
	case domain.NormalizeLog:
		if cfg.Offset <= 0 {
			return &domain.InvalidArgumentError{Field: "normalization.offset", Reason: "log transform needs a positive offset"}
		}
	default:
		return &domain.InvalidArgumentError{Field: "normalization.method", Reason: fmt.Sprintf("unknown method %q", cfg.Method)}
	}
	if cfg.LogBase < 0 || cfg.LogBase == 1 {
		return &domain.InvalidArgumentError{Field: "normalization.log_base", Reason: "must be 0 (natural) or a positive base other than 1"}
	}
	if cfg.MaxReference < 0 {
		return &domain.InvalidArgumentError{Field: "normalization.max_reference", Reason: "must not be negative"}
	}
	return nil
}

// Normalize returns a transformed copy of m together with the parameters that
// were applied. m is never mutated and the output keeps its gene and sample
// order.
func Normalize(m *domain.ExpressionMatrix, cfg domain.NormalizationConfig, opts ...Option) (*domain.ExpressionMatrix, domain.AppliedNormalization, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if err := Validate(cfg); err != nil {
		return nil, domain.AppliedNormalization{}, err
	}
	if cfg.Seed == 0 {
		cfg.Seed = domain.DefaultSeed
	}
	applied := domain.AppliedNormalization{
		Method:              cfg.Method,
		Offset:              cfg.Offset,
		LogBase:             cfg.LogBase,
		ScaleToUnitVariance: cfg.ScaleToUnitVariance,
		CenterMean:          cfg.CenterMean,
		BatchCorrection:     cfg.BatchCorrection,
		Seed:                cfg.Seed,
		InputShape:          [2]int{m.NumGenes(), m.NumSamples()},
	}
	if cfg.Method == domain.NormalizeLog1p {
		applied.Offset = 1
	}

	out := m.Clone()
	transform(out.Values, cfg)

	if cfg.ScaleToUnitVariance {
		for g := range out.GeneIDs {
			row := out.Row(g)
			_, variance := stat.PopMeanVariance(row, nil)
			if sd := math.Sqrt(variance); sd > 0 {
				floats.Scale(1/sd, row)
			}
		}
	}
	if cfg.CenterMean {
		for g := range out.GeneIDs {
			row := out.Row(g)
			floats.AddConst(-stat.Mean(row, nil), row)
		}
	}
	if cfg.BatchCorrection {
		if o.batchLabels == nil {
			return nil, domain.AppliedNormalization{}, &domain.InvalidArgumentError{Field: "batch_labels", Reason: "batch correction enabled but no labels supplied"}
		}
		if len(o.batchLabels) != out.NumSamples() {
			return nil, domain.AppliedNormalization{}, &domain.InvalidArgumentError{
				Field:  "batch_labels",
				Reason: fmt.Sprintf("%d labels for %d samples", len(o.batchLabels), out.NumSamples()),
			}
		}
		applied.BatchesCorrected = correctBatches(out, o.batchLabels, cfg.MaxReference, cfg.Seed)
	}
	applied.OutputShape = [2]int{out.NumGenes(), out.NumSamples()}
	return out, applied, nil
}

func transform(values []float64, cfg domain.NormalizationConfig) {
	scale := 1.0
	if cfg.LogBase > 0 {
		scale = 1 / math.Log(cfg.LogBase)
	}
	switch cfg.Method {
	case domain.NormalizeLog1p:
		for i, v := range values {
			values[i] = math.Log1p(v) * scale
		}
	case domain.NormalizeLog:
		for i, v := range values {
			values[i] = math.Log(v+cfg.Offset) * scale
		}
	}
}

// correctBatches centres each batch on the global per-gene mean. Batch means
// are estimated from at most maxRef samples per batch, drawn with a PCG
// generator seeded from seed; batches are visited in sorted label order so the
// draw sequence is stable. It returns the number of batches.
func correctBatches(m *domain.ExpressionMatrix, labels []string, maxRef int, seed uint64) int {
	members := make(map[string][]int)
	for s, label := range labels {
		members[label] = append(members[label], s)
	}
	names := make([]string, 0, len(members))
	for name := range members {
		names = append(names, name)
	}
	slices.Sort(names)

	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	refs := make(map[string][]int, len(names))
	for _, name := range names {
		idx := members[name]
		if maxRef > 0 && len(idx) > maxRef {
			shuffled := slices.Clone(idx)
			rng.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })
			idx = shuffled[:maxRef]
			slices.Sort(idx)
		}
		refs[name] = idx
	}

	for g := range m.GeneIDs {
		row := m.Row(g)
		global := stat.Mean(row, nil)
		shift := make(map[string]float64, len(names))
		for _, name := range names {
			var sum float64
			for _, s := range refs[name] {
				sum += row[s]
			}
			shift[name] = global - sum/float64(len(refs[name]))
		}
		for s, label := range labels {
			row[s] += shift[label]
		}
	}
	return len(names)
}
