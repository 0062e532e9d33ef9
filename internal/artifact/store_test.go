package artifact

import (
	"bytes"
	"context"
	"errors"
	"io"
	"math"
	"strings"
	"testing"
	"time"

	"rnastate/internal/blob"
	"rnastate/pkg/domain"
)

type lookupFunc func(ctx context.Context, id string) (domain.IngestionRecord, error)

func (f lookupFunc) Get(ctx context.Context, id string) (domain.IngestionRecord, error) {
	return f(ctx, id)
}

func recordsFor(genes int) lookupFunc {
	return func(_ context.Context, id string) (domain.IngestionRecord, error) {
		if id != "ing" {
			return domain.IngestionRecord{}, &domain.NotFoundError{Entity: domain.EntityIngestion, ID: id}
		}
		return domain.IngestionRecord{ID: id, NumGenes: genes, NumSamples: 2}, nil
	}
}

func fixture() ([]domain.EmbeddingRecord, domain.PipelineRunMetadata) {
	recs := []domain.EmbeddingRecord{
		{SampleID: "S1", Vector: []float64{0.1, 1.0 / 3.0, -2.5e-17}, EmbeddingDim: 3, ModelVersion: "v1-abc"},
		{SampleID: "S,2", Vector: []float64{math.MaxFloat64, 0, 7}, EmbeddingDim: 3, ModelVersion: "v1-abc"},
	}
	meta := domain.PipelineRunMetadata{
		IngestionID:     "ing",
		NumSamples:      2,
		NumGenes:        100,
		EmbeddingDim:    3,
		ModelVersion:    "v1-abc",
		Status:          domain.RunStatusSuccess,
		GeneFingerprint: []string{"G1", "G2"},
		Normalization:   domain.AppliedNormalization{Method: domain.NormalizeLog1p, LogBase: 2, Seed: 42},
		IngestedAt:      time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	return recs, meta
}

func TestPersistAndLoadRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := NewStore(blob.NewMemory(), recordsFor(100))
	recs, meta := fixture()
	if _, err := store.Persist(ctx, "ing", recs, meta); err != nil {
		t.Fatalf("persist: %v", err)
	}
	got, gotMeta, err := store.Load(ctx, "ing")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(got) != 2 || got[1].SampleID != "S,2" {
		t.Fatalf("unexpected records %+v", got)
	}
	for i := range recs {
		for j := range recs[i].Vector {
			if math.Float64bits(got[i].Vector[j]) != math.Float64bits(recs[i].Vector[j]) {
				t.Fatalf("value %d/%d not exact: %v vs %v", i, j, got[i].Vector[j], recs[i].Vector[j])
			}
		}
	}
	if gotMeta.ModelVersion != "v1-abc" || gotMeta.Normalization.Seed != 42 || !gotMeta.IngestedAt.Equal(meta.IngestedAt) {
		t.Fatalf("unexpected metadata %+v", gotMeta)
	}
}

func TestPersistLayoutAndHeader(t *testing.T) {
	ctx := context.Background()
	blobs := blob.NewMemory()
	recs, meta := fixture()
	if _, err := NewStore(blobs, nil).Persist(ctx, "ing", recs, meta); err != nil {
		t.Fatalf("persist: %v", err)
	}
	_, rc, err := blobs.Get(ctx, "embeddings/ing/embeddings.csv")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer rc.Close()
	body, _ := io.ReadAll(rc)
	firstLine := strings.SplitN(string(body), "\n", 2)[0]
	if firstLine != "sample_id,embedding_dim,model_version,dim_0,dim_1,dim_2" {
		t.Fatalf("unexpected header %q", firstLine)
	}
	if _, err := blobs.Head(ctx, "embeddings/ing/metadata.json"); err != nil {
		t.Fatalf("metadata missing: %v", err)
	}
}

func TestPersistOverwritesPreviousRun(t *testing.T) {
	ctx := context.Background()
	store := NewStore(blob.NewMemory(), nil)
	recs, meta := fixture()
	if _, err := store.Persist(ctx, "ing", recs, meta); err != nil {
		t.Fatalf("persist: %v", err)
	}
	recs[0].Vector[0] = 9
	if _, err := store.Persist(ctx, "ing", recs, meta); err != nil {
		t.Fatalf("second persist: %v", err)
	}
	got, _, err := store.Load(ctx, "ing")
	if err != nil || got[0].Vector[0] != 9 {
		t.Fatalf("expected last write to win, got %v (%v)", got, err)
	}
}

func TestPersistRejectsInconsistentInput(t *testing.T) {
	ctx := context.Background()
	cases := map[string]func([]domain.EmbeddingRecord, *domain.PipelineRunMetadata) []domain.EmbeddingRecord{
		"count":   func(r []domain.EmbeddingRecord, _ *domain.PipelineRunMetadata) []domain.EmbeddingRecord { return r[:1] },
		"dim":     func(r []domain.EmbeddingRecord, _ *domain.PipelineRunMetadata) []domain.EmbeddingRecord { r[1].Vector = r[1].Vector[:2]; return r },
		"version": func(r []domain.EmbeddingRecord, _ *domain.PipelineRunMetadata) []domain.EmbeddingRecord { r[0].ModelVersion = "other"; return r },
		"meta":    func(r []domain.EmbeddingRecord, m *domain.PipelineRunMetadata) []domain.EmbeddingRecord { m.EmbeddingDim = 4; return r },
	}
	for name, mutate := range cases {
		blobs := blob.NewMemory()
		recs, meta := fixture()
		recs = mutate(recs, &meta)
		_, err := NewStore(blobs, nil).Persist(ctx, "ing", recs, meta)
		if domain.Code(err) != domain.CodeArtifactIntegrity {
			t.Fatalf("%s: expected artifact_integrity, got %v", name, err)
		}
		if infos, _ := blobs.List(ctx, ""); len(infos) != 0 {
			t.Fatalf("%s: nothing should be written, found %d blobs", name, len(infos))
		}
	}
	recs, meta := fixture()
	if _, err := NewStore(blob.NewMemory(), nil).Persist(ctx, "other", recs, meta); domain.Code(err) != domain.CodeInvalidArgument {
		t.Fatalf("expected invalid_argument for mismatched id, got %v", err)
	}
}

func TestLoadMissingArtifacts(t *testing.T) {
	_, _, err := NewStore(blob.NewMemory(), nil).Load(context.Background(), "nope")
	var nf *domain.NotFoundError
	if !errors.As(err, &nf) || nf.Entity != domain.EntityArtifact {
		t.Fatalf("expected artifact not found, got %v", err)
	}
}

func TestLoadDetectsDivergence(t *testing.T) {
	ctx := context.Background()
	recs, meta := fixture()

	// gene count recorded at ingestion differs from metadata
	blobs := blob.NewMemory()
	if _, err := NewStore(blobs, nil).Persist(ctx, "ing", recs, meta); err != nil {
		t.Fatalf("persist: %v", err)
	}
	_, _, err := NewStore(blobs, recordsFor(50)).Load(ctx, "ing")
	var ie *domain.ArtifactIntegrityError
	if !errors.As(err, &ie) || ie.Field != "num_genes" {
		t.Fatalf("expected num_genes integrity error, got %v", err)
	}

	// embeddings table truncated behind the metadata's back
	short := "sample_id,embedding_dim,model_version,dim_0,dim_1,dim_2\nS1,3,v1-abc,1,2,3\n"
	if _, err := blobs.Put(ctx, EmbeddingsKey("ing"), bytes.NewReader([]byte(short)), blob.PutOptions{Overwrite: true}); err != nil {
		t.Fatalf("put: %v", err)
	}
	_, _, err = NewStore(blobs, nil).Load(ctx, "ing")
	if !errors.As(err, &ie) || ie.Field != "num_samples" {
		t.Fatalf("expected num_samples integrity error, got %v", err)
	}

	// missing metadata
	if _, err := blobs.Delete(ctx, MetadataKey("ing")); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, _, err := NewStore(blobs, nil).Load(ctx, "ing"); domain.Code(err) != domain.CodeNotFound {
		t.Fatalf("expected not_found after metadata removal, got %v", err)
	}
}

func TestLoadRejectsCorruptTable(t *testing.T) {
	ctx := context.Background()
	blobs := blob.NewMemory()
	recs, meta := fixture()
	store := NewStore(blobs, nil)
	if _, err := store.Persist(ctx, "ing", recs, meta); err != nil {
		t.Fatalf("persist: %v", err)
	}
	for _, body := range []string{
		"",
		"id,dim\n",
		"sample_id,embedding_dim,model_version,dim_0,dim_1,dim_2\nS1,3,v1-abc,x,2,3\nS2,3,v1-abc,1,2,3\n",
	} {
		if _, err := blobs.Put(ctx, EmbeddingsKey("ing"), strings.NewReader(body), blob.PutOptions{Overwrite: true}); err != nil {
			t.Fatalf("put: %v", err)
		}
		if _, _, err := store.Load(ctx, "ing"); domain.Code(err) != domain.CodeArtifactIntegrity {
			t.Fatalf("expected artifact_integrity for %q, got %v", body, err)
		}
	}
}

// failingMetadata fails every write to a metadata sidecar.
type failingMetadata struct {
	blob.Store
}

func (f failingMetadata) Put(ctx context.Context, key string, r io.Reader, opts blob.PutOptions) (blob.Info, error) {
	if strings.HasSuffix(key, "/metadata.json") {
		return blob.Info{}, errors.New("disk full")
	}
	return f.Store.Put(ctx, key, r, opts)
}

func TestInterruptedPersistIsDetected(t *testing.T) {
	ctx := context.Background()
	blobs := blob.NewMemory()
	recs, meta := fixture()
	stored, err := NewStore(blobs, nil).Persist(ctx, "ing", recs, meta)
	if err != nil {
		t.Fatalf("persist: %v", err)
	}
	if len(stored.EmbeddingsSHA256) != 64 {
		t.Fatalf("expected table digest in metadata, got %q", stored.EmbeddingsSHA256)
	}

	// same model version, new values: only the digest tells the runs apart
	recs[0].Vector[0] = 42
	if _, err := NewStore(failingMetadata{blobs}, nil).Persist(ctx, "ing", recs, meta); err == nil {
		t.Fatalf("expected metadata write failure")
	}
	_, _, err = NewStore(blobs, nil).Load(ctx, "ing")
	var ie *domain.ArtifactIntegrityError
	if !errors.As(err, &ie) || ie.Field != "embeddings_sha256" {
		t.Fatalf("expected embeddings_sha256 integrity error, got %v", err)
	}

	if _, err := NewStore(blobs, nil).Persist(ctx, "ing", recs, meta); err != nil {
		t.Fatalf("rerun: %v", err)
	}
	got, _, err := NewStore(blobs, nil).Load(ctx, "ing")
	if err != nil || got[0].Vector[0] != 42 {
		t.Fatalf("rerun should repair artifacts, got %v (%v)", got, err)
	}
}
