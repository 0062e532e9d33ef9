package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"testing"
	"time"

	"rnastate/internal/blob"
	"rnastate/internal/catalog"
	"rnastate/internal/ingest"
	"rnastate/internal/model"
	"rnastate/internal/normalize"
	"rnastate/internal/synth"
	"rnastate/pkg/domain"
)

const testLatent = 8

var fixedNow = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	svc   *Service
	blobs blob.Store
}

func newFixture(t *testing.T, opts ...ServiceOption) fixture {
	t.Helper()
	cat, err := catalog.Open(context.Background(), catalog.Config{Driver: "memory"})
	if err != nil {
		t.Fatalf("open catalog: %v", err)
	}
	t.Cleanup(func() { _ = cat.Close() })
	blobs := blob.NewMemory()
	n := 0
	base := []ServiceOption{
		WithClock(ClockFunc(func() time.Time { return fixedNow })),
		WithIDGenerator(func() string { n++; return fmt.Sprintf("ing-%d", n) }),
	}
	return fixture{svc: NewService(cat, blobs, append(base, opts...)...), blobs: blobs}
}

// ingestBulk ingests a generated genes x samples table.
func (f fixture) ingestBulk(t *testing.T, genes, samples int) domain.IngestionRecord {
	t.Helper()
	opts := synth.DefaultBulkOptions()
	opts.Genes, opts.Samples = genes, samples
	m, err := synth.Bulk(opts)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	var buf bytes.Buffer
	if err := synth.WriteBulkCSV(&buf, m); err != nil {
		t.Fatalf("write csv: %v", err)
	}
	rec, err := f.svc.Ingest(context.Background(), ingest.BulkReader("generated.csv", &buf))
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	return rec
}

// publishModel trains a small model on generated data and publishes it into
// the fixture's blob store.
func (f fixture) publishModel(t *testing.T, inputDim int, label string) domain.ModelConfig {
	t.Helper()
	opts := synth.DefaultBulkOptions()
	opts.Genes, opts.Samples, opts.Seed = inputDim, 12, 99
	m, err := synth.Bulk(opts)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	norm, _, err := normalize.Normalize(m, domain.DefaultNormalizationConfig())
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	tc := domain.DefaultTrainingConfig()
	tc.Epochs, tc.BatchSize, tc.Label = 2, 4, label
	net, _, err := model.Train(context.Background(), model.Samples(norm),
		domain.ModelConfig{InputDimension: inputDim, LatentDimension: testLatent, HiddenDims: []int{16}}, tc,
		model.WithTrainClock(func() time.Time { return fixedNow }))
	if err != nil {
		t.Fatalf("train: %v", err)
	}
	cfg, err := model.NewRegistry(f.blobs).Publish(context.Background(), net)
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	return cfg
}
