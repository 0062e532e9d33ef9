package domain

import (
	"context"
	"time"
)

// Annotations is a side table keyed by column name, each column holding one
// value per row in the owning axis order (samples or genes).
type Annotations map[string][]string

// IngestionRecord is the immutable provenance of one ingested dataset.
type IngestionRecord struct {
	ID                string       `json:"ingestion_id"`
	Format            SourceFormat `json:"format"`
	Origin            string       `json:"origin"`
	IngestedAt        time.Time    `json:"ingested_at"`
	NumGenes          int          `json:"num_genes"`
	NumSamples        int          `json:"num_samples"`
	SampleAnnotations Annotations  `json:"sample_annotations,omitempty"`
	GeneAnnotations   Annotations  `json:"gene_annotations,omitempty"`
}

// Normalization methods.
const (
	NormalizeLog1p = "log1p"
	NormalizeLog   = "log"
	NormalizeNone  = "none"
)

// DefaultSeed is used whenever a stochastic step is configured without a seed.
const DefaultSeed uint64 = 42

// NormalizationConfig describes the numeric transform applied before
// modeling. It is immutable once a run starts.
type NormalizationConfig struct {
	Method              string  `json:"method" yaml:"method"`
	Offset              float64 `json:"offset" yaml:"offset"`
	LogBase             float64 `json:"log_base" yaml:"log_base"`
	ScaleToUnitVariance bool    `json:"scale_to_unit_variance" yaml:"scale_to_unit_variance"`
	CenterMean          bool    `json:"center_mean" yaml:"center_mean"`
	BatchCorrection     bool    `json:"batch_correction" yaml:"batch_correction"`
	BatchKey            string  `json:"batch_key,omitempty" yaml:"batch_key"`
	MaxReference        int     `json:"max_reference,omitempty" yaml:"max_reference"`
	Seed                uint64  `json:"seed" yaml:"seed"`
}

// DefaultNormalizationConfig returns the natural log1p configuration.
func DefaultNormalizationConfig() NormalizationConfig {
	return NormalizationConfig{
		Method:       NormalizeLog1p,
		Offset:       1,
		BatchKey:     "batch",
		MaxReference: 500,
		Seed:         DefaultSeed,
	}
}

// AppliedNormalization records the parameters a normalization run resolved.
type AppliedNormalization struct {
	Method              string  `json:"method"`
	Offset              float64 `json:"offset"`
	LogBase             float64 `json:"log_base"`
	ScaleToUnitVariance bool    `json:"scale_to_unit_variance"`
	CenterMean          bool    `json:"center_mean"`
	BatchCorrection     bool    `json:"batch_correction"`
	BatchesCorrected    int     `json:"batches_corrected,omitempty"`
	Seed                uint64  `json:"seed"`
	InputShape          [2]int  `json:"input_shape"`
	OutputShape         [2]int  `json:"output_shape"`
}

// ModelConfig is the architecture identity of a trained representation model.
type ModelConfig struct {
	InputDimension  int       `json:"input_dim"`
	LatentDimension int       `json:"latent_dim"`
	HiddenDims      []int     `json:"hidden_dims"`
	Dropout         float64   `json:"dropout,omitempty"`
	Version         string    `json:"model_version"`
	TrainedAt       time.Time `json:"trained_at"`
}

// TrainingConfig holds offline training hyperparameters.
type TrainingConfig struct {
	LearningRate    float64 `json:"learning_rate" yaml:"learning_rate"`
	BatchSize       int     `json:"batch_size" yaml:"batch_size"`
	Epochs          int     `json:"num_epochs" yaml:"epochs"`
	ValidationSplit float64 `json:"validation_split" yaml:"validation_split"`
	Seed            uint64  `json:"random_seed" yaml:"seed"`
	Label           string  `json:"label" yaml:"label"`
}

// DefaultTrainingConfig mirrors the reference hyperparameters.
func DefaultTrainingConfig() TrainingConfig {
	return TrainingConfig{
		LearningRate:    0.001,
		BatchSize:       32,
		Epochs:          100,
		ValidationSplit: 0.1,
		Seed:            DefaultSeed,
		Label:           "0.1.0",
	}
}

// EmbeddingRecord is one sample's latent vector from one pipeline run.
type EmbeddingRecord struct {
	SampleID     string    `json:"sample_id"`
	Vector       []float64 `json:"vector"`
	EmbeddingDim int       `json:"embedding_dim"`
	ModelVersion string    `json:"model_version"`
}

// RunStatusSuccess is the only status persisted; failed runs persist nothing.
const RunStatusSuccess = "success"

// PipelineRunMetadata is the metadata sidecar of a pipeline run.
type PipelineRunMetadata struct {
	IngestionID      string               `json:"ingestion_id"`
	NumSamples       int                  `json:"num_samples"`
	NumGenes         int                  `json:"num_genes"`
	EmbeddingDim     int                  `json:"embedding_dim"`
	ModelVersion     string               `json:"model_version"`
	Status           string               `json:"status"`
	GeneFingerprint  []string             `json:"gene_fingerprint"`
	Normalization    AppliedNormalization `json:"normalization_config"`
	IngestedAt       time.Time            `json:"ingested_at"`
	ModelTrainedAt   time.Time            `json:"model_trained_at"`
	// EmbeddingsSHA256 is the hex digest of the stored embeddings table.
	EmbeddingsSHA256 string               `json:"embeddings_sha256,omitempty"`
}

// Projection methods.
const (
	ProjectionPCA  = "pca"
	ProjectionUMAP = "umap"
)

// ProjectionResult holds display coordinates aligned with the source
// embeddings' sample order. It is derived and never persisted.
type ProjectionResult struct {
	Method            string      `json:"projection_method"`
	NComponents       int         `json:"n_components"`
	SampleIDs         []string    `json:"sample_ids"`
	Coordinates       [][]float64 `json:"coordinates"`
	ExplainedVariance []float64   `json:"explained_variance,omitempty"`
}

// IngestionCatalog persists ingestion records together with their canonical
// matrices. Create is atomic: either both are stored or neither is.
type IngestionCatalog interface {
	Create(ctx context.Context, rec IngestionRecord, m *ExpressionMatrix) error
	Get(ctx context.Context, id string) (IngestionRecord, error)
	LoadMatrix(ctx context.Context, id string) (*ExpressionMatrix, error)
	List(ctx context.Context) ([]IngestionRecord, error)
	Close() error
}
