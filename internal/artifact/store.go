// Package artifact persists pipeline outputs (per-sample embeddings and the
// run metadata sidecar) to blob storage and verifies them on read.
package artifact

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/csv"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"strconv"

	"rnastate/internal/blob"
	"rnastate/pkg/domain"
)

const (
	embeddingsFile = "embeddings.csv"
	metadataFile   = "metadata.json"
	rootPrefix     = "embeddings"
)

// IngestionLookup resolves the ingestion record an artifact belongs to.
// domain.IngestionCatalog satisfies it.
type IngestionLookup interface {
	Get(ctx context.Context, id string) (domain.IngestionRecord, error)
}

// Store reads and writes run artifacts under embeddings/<ingestion id>/.
type Store struct {
	blobs  blob.Store
	lookup IngestionLookup
}

// NewStore returns an artifact store. lookup may be nil, in which case the
// gene count recorded at ingestion is not cross-checked on Load.
func NewStore(blobs blob.Store, lookup IngestionLookup) *Store {
	return &Store{blobs: blobs, lookup: lookup}
}

// EmbeddingsKey returns the blob key of the embeddings table.
func EmbeddingsKey(ingestionID string) string {
	return path.Join(rootPrefix, ingestionID, embeddingsFile)
}

// MetadataKey returns the blob key of the metadata sidecar.
func MetadataKey(ingestionID string) string {
	return path.Join(rootPrefix, ingestionID, metadataFile)
}

// Persist writes the embeddings table and then the metadata sidecar,
// replacing any previous run for the same ingestion. Inconsistent inputs are
// rejected before anything is written. The returned metadata carries the
// digest of the written table.
//
// The two writes are not atomic. The sidecar records the table digest, so a
// run that fails between them leaves a table that no longer matches the
// previous sidecar and Load reports an ArtifactIntegrityError until the run
// is repeated.
func (s *Store) Persist(ctx context.Context, ingestionID string, recs []domain.EmbeddingRecord, meta domain.PipelineRunMetadata) (domain.PipelineRunMetadata, error) {
	if ingestionID == "" || meta.IngestionID != ingestionID {
		return domain.PipelineRunMetadata{}, &domain.InvalidArgumentError{Field: "ingestion_id", Reason: fmt.Sprintf("metadata names %q for %q", meta.IngestionID, ingestionID)}
	}
	if err := checkConsistency(ingestionID, recs, meta); err != nil {
		return domain.PipelineRunMetadata{}, err
	}
	table, err := encodeEmbeddings(recs, meta.EmbeddingDim)
	if err != nil {
		return domain.PipelineRunMetadata{}, err
	}
	meta.EmbeddingsSHA256 = digest(table)
	metaJSON, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return domain.PipelineRunMetadata{}, fmt.Errorf("encode metadata: %w", err)
	}
	metaJSON = append(metaJSON, '\n')
	if _, err := s.blobs.Put(ctx, EmbeddingsKey(ingestionID), bytes.NewReader(table), blob.PutOptions{ContentType: "text/csv", Overwrite: true}); err != nil {
		return domain.PipelineRunMetadata{}, fmt.Errorf("write embeddings for %s: %w", ingestionID, err)
	}
	if _, err := s.blobs.Put(ctx, MetadataKey(ingestionID), bytes.NewReader(metaJSON), blob.PutOptions{ContentType: "application/json", Overwrite: true}); err != nil {
		return domain.PipelineRunMetadata{}, fmt.Errorf("write metadata for %s: %w", ingestionID, err)
	}
	return meta, nil
}

func digest(table []byte) string {
	sum := sha256.Sum256(table)
	return hex.EncodeToString(sum[:])
}

// LoadMetadata reads the metadata sidecar.
func (s *Store) LoadMetadata(ctx context.Context, ingestionID string) (domain.PipelineRunMetadata, error) {
	raw, err := s.read(ctx, MetadataKey(ingestionID), ingestionID)
	if err != nil {
		return domain.PipelineRunMetadata{}, err
	}
	var meta domain.PipelineRunMetadata
	if err := json.Unmarshal(raw, &meta); err != nil {
		return domain.PipelineRunMetadata{}, &domain.ArtifactIntegrityError{IngestionID: ingestionID, Field: "metadata", Expected: "valid JSON", Actual: err.Error()}
	}
	if meta.IngestionID != ingestionID {
		return domain.PipelineRunMetadata{}, &domain.ArtifactIntegrityError{IngestionID: ingestionID, Field: "ingestion_id", Expected: ingestionID, Actual: meta.IngestionID}
	}
	return meta, nil
}

// Load reads both artifacts and verifies that they agree with each other and
// with the ingestion record.
func (s *Store) Load(ctx context.Context, ingestionID string) ([]domain.EmbeddingRecord, domain.PipelineRunMetadata, error) {
	meta, err := s.LoadMetadata(ctx, ingestionID)
	if err != nil {
		return nil, domain.PipelineRunMetadata{}, err
	}
	raw, err := s.read(ctx, EmbeddingsKey(ingestionID), ingestionID)
	if err != nil {
		return nil, domain.PipelineRunMetadata{}, err
	}
	recs, err := decodeEmbeddings(ingestionID, raw)
	if err != nil {
		return nil, domain.PipelineRunMetadata{}, err
	}
	if err := checkConsistency(ingestionID, recs, meta); err != nil {
		return nil, domain.PipelineRunMetadata{}, err
	}
	if meta.EmbeddingsSHA256 != "" {
		if got := digest(raw); got != meta.EmbeddingsSHA256 {
			return nil, domain.PipelineRunMetadata{}, &domain.ArtifactIntegrityError{IngestionID: ingestionID, Field: "embeddings_sha256", Expected: meta.EmbeddingsSHA256, Actual: got}
		}
	}
	if s.lookup != nil {
		rec, err := s.lookup.Get(ctx, ingestionID)
		if err != nil {
			return nil, domain.PipelineRunMetadata{}, err
		}
		if rec.NumGenes != meta.NumGenes {
			return nil, domain.PipelineRunMetadata{}, mismatch(ingestionID, "num_genes", rec.NumGenes, meta.NumGenes)
		}
		if rec.NumSamples != meta.NumSamples {
			return nil, domain.PipelineRunMetadata{}, mismatch(ingestionID, "num_samples", rec.NumSamples, meta.NumSamples)
		}
	}
	return recs, meta, nil
}

func (s *Store) read(ctx context.Context, key, ingestionID string) ([]byte, error) {
	_, rc, err := s.blobs.Get(ctx, key)
	if err != nil {
		if errors.Is(err, blob.ErrNotFound) {
			return nil, &domain.NotFoundError{Entity: domain.EntityArtifact, ID: ingestionID}
		}
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	defer func() { _ = rc.Close() }()
	return io.ReadAll(rc)
}

func mismatch(id, field string, expected, actual int) error {
	return &domain.ArtifactIntegrityError{IngestionID: id, Field: field, Expected: strconv.Itoa(expected), Actual: strconv.Itoa(actual)}
}

func checkConsistency(id string, recs []domain.EmbeddingRecord, meta domain.PipelineRunMetadata) error {
	if len(recs) != meta.NumSamples {
		return mismatch(id, "num_samples", meta.NumSamples, len(recs))
	}
	for _, rec := range recs {
		if len(rec.Vector) != meta.EmbeddingDim {
			return mismatch(id, "embedding_dim", meta.EmbeddingDim, len(rec.Vector))
		}
		if rec.EmbeddingDim != meta.EmbeddingDim {
			return mismatch(id, "embedding_dim", meta.EmbeddingDim, rec.EmbeddingDim)
		}
		if rec.ModelVersion != meta.ModelVersion {
			return &domain.ArtifactIntegrityError{IngestionID: id, Field: "model_version", Expected: meta.ModelVersion, Actual: rec.ModelVersion}
		}
	}
	return nil
}

func encodeEmbeddings(recs []domain.EmbeddingRecord, dim int) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	header := make([]string, 0, dim+3)
	header = append(header, "sample_id", "embedding_dim", "model_version")
	for i := 0; i < dim; i++ {
		header = append(header, "dim_"+strconv.Itoa(i))
	}
	if err := w.Write(header); err != nil {
		return nil, err
	}
	row := make([]string, len(header))
	for _, rec := range recs {
		row[0] = rec.SampleID
		row[1] = strconv.Itoa(rec.EmbeddingDim)
		row[2] = rec.ModelVersion
		for i, v := range rec.Vector {
			row[3+i] = strconv.FormatFloat(v, 'g', -1, 64)
		}
		if err := w.Write(row); err != nil {
			return nil, err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, fmt.Errorf("encode embeddings: %w", err)
	}
	return buf.Bytes(), nil
}

func decodeEmbeddings(id string, raw []byte) ([]domain.EmbeddingRecord, error) {
	corrupt := func(reason string) error {
		return &domain.ArtifactIntegrityError{IngestionID: id, Field: "embeddings", Expected: "well-formed table", Actual: reason}
	}
	rows, err := csv.NewReader(bytes.NewReader(raw)).ReadAll()
	if err != nil {
		return nil, corrupt(err.Error())
	}
	if len(rows) == 0 {
		return nil, corrupt("empty file")
	}
	header := rows[0]
	if len(header) < 3 || header[0] != "sample_id" || header[1] != "embedding_dim" || header[2] != "model_version" {
		return nil, corrupt(fmt.Sprintf("unexpected header %v", header))
	}
	for i, col := range header[3:] {
		if col != "dim_"+strconv.Itoa(i) {
			return nil, corrupt(fmt.Sprintf("unexpected column %q", col))
		}
	}
	dim := len(header) - 3
	out := make([]domain.EmbeddingRecord, 0, len(rows)-1)
	for n, row := range rows[1:] {
		declared, err := strconv.Atoi(row[1])
		if err != nil {
			return nil, corrupt(fmt.Sprintf("row %d: embedding_dim %q", n+1, row[1]))
		}
		vec := make([]float64, dim)
		for i := range vec {
			if vec[i], err = strconv.ParseFloat(row[3+i], 64); err != nil {
				return nil, corrupt(fmt.Sprintf("row %d: value %q", n+1, row[3+i]))
			}
		}
		out = append(out, domain.EmbeddingRecord{SampleID: row[0], Vector: vec, EmbeddingDim: declared, ModelVersion: row[2]})
	}
	return out, nil
}
