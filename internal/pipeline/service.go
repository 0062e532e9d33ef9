// Package pipeline sequences ingestion, normalization, embedding, artifact
// persistence and projection. Service is the only component that calls the
// stages in order; every other surface goes through it.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"rnastate/internal/artifact"
	"rnastate/internal/blob"
	"rnastate/internal/ingest"
	"rnastate/internal/model"
	"rnastate/internal/normalize"
	"rnastate/internal/observability"
	"rnastate/internal/projection"
	"rnastate/pkg/domain"
)

// Operation names used for spans, metrics and audit entries.
const (
	OpIngest         = "ingest"
	OpRunPipeline    = "run_pipeline"
	OpGetEmbeddings  = "get_embeddings"
	OpGetMetadata    = "get_metadata"
	OpProject        = "project"
	OpListIngestions = "list_ingestions"
	OpTrainModel     = "train_model"
	OpListModels     = "list_models"
)

// fingerprintLength is how many leading gene ids identify a gene space.
const fingerprintLength = 5

// Service exposes the pipeline operations over one catalog and blob store.
type Service struct {
	catalog   domain.IngestionCatalog
	adapter   *ingest.Adapter
	registry  *model.Registry
	artifacts *artifact.Store
	locks     *keyedMutex

	clock         Clock
	logger        observability.Logger
	audit         observability.AuditRecorder
	metrics       observability.MetricsRecorder
	tracer        observability.Tracer
	normalization domain.NormalizationConfig
	model         model.ModelRef
	projection    []projection.Option
}

// NewService wires the stages over catalog (ingestion records and matrices)
// and blobs (model weights and run artifacts).
func NewService(catalog domain.IngestionCatalog, blobs blob.Store, opts ...ServiceOption) *Service {
	o := defaultServiceOptions()
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	adapterOpts := []ingest.Option{ingest.WithLogger(o.logger), ingest.WithClock(o.clock.Now)}
	if o.newID != nil {
		adapterOpts = append(adapterOpts, ingest.WithIDGenerator(o.newID))
	}
	return &Service{
		catalog:       catalog,
		adapter:       ingest.NewAdapter(catalog, adapterOpts...),
		registry:      model.NewRegistry(blobs, model.WithRegistryLogger(o.logger)),
		artifacts:     artifact.NewStore(blobs, catalog),
		locks:         newKeyedMutex(),
		clock:         o.clock,
		logger:        o.logger,
		audit:         o.audit,
		metrics:       o.metrics,
		tracer:        o.tracer,
		normalization: o.normalization,
		model:         o.model,
		projection:    o.projection,
	}
}

// Registry returns the model registry backing the service.
func (s *Service) Registry() *model.Registry { return s.registry }

// run wraps one operation with a span, a metrics observation, an audit entry
// and a log line. fn may fill in the entry's ingestion id and model version.
func (s *Service) run(ctx context.Context, op, ingestionID string, fn func(context.Context, *observability.AuditEntry) error) error {
	ctx, span := s.tracer.Start(ctx, op)
	started := time.Now()
	entry := observability.AuditEntry{Operation: op, IngestionID: ingestionID}
	err := fn(ctx, &entry)
	duration := time.Since(started)
	span.End(err)
	s.metrics.Observe(ctx, op, err == nil, duration)

	entry.Duration = duration
	entry.Timestamp = s.clock.Now()
	if err != nil {
		entry.Status = observability.AuditStatusError
		entry.ErrorCode = string(domain.Code(err))
		entry.Error = err.Error()
		s.logger.Error("pipeline operation failed",
			"operation", op,
			"ingestion_id", entry.IngestionID,
			"error_code", entry.ErrorCode,
			"error", err)
	} else {
		entry.Status = observability.AuditStatusSuccess
		args := []any{"operation", op, "ingestion_id", entry.IngestionID, "duration", duration}
		if entry.ModelVersion != "" {
			args = append(args, "model_version", entry.ModelVersion)
		}
		switch op {
		case OpIngest, OpRunPipeline, OpTrainModel:
			s.logger.Info("pipeline operation completed", args...)
		default:
			s.logger.Debug("pipeline operation completed", args...)
		}
	}
	s.audit.Record(ctx, entry)
	return err
}

// Ingest parses src and records it in the catalog.
func (s *Service) Ingest(ctx context.Context, src ingest.Source) (domain.IngestionRecord, error) {
	var rec domain.IngestionRecord
	err := s.run(ctx, OpIngest, "", func(ctx context.Context, entry *observability.AuditEntry) error {
		var err error
		rec, err = s.adapter.Ingest(ctx, src)
		entry.IngestionID = rec.ID
		return err
	})
	return rec, err
}

// RunPipeline normalizes and embeds an ingested dataset with the injected
// model and persists the resulting artifacts. Runs on the same ingestion are
// serialised; a failed run persists nothing.
func (s *Service) RunPipeline(ctx context.Context, ingestionID string) (domain.PipelineRunMetadata, error) {
	var meta domain.PipelineRunMetadata
	err := s.run(ctx, OpRunPipeline, ingestionID, func(ctx context.Context, entry *observability.AuditEntry) error {
		unlock := s.locks.Lock(ingestionID)
		defer unlock()

		rec, m, err := s.load(ctx, ingestionID)
		if err != nil {
			return err
		}
		net, err := s.registry.Resolve(ctx, s.model)
		if err != nil {
			return err
		}
		entry.ModelVersion = net.Version()
		if m.NumGenes() != net.InputDimension() {
			return &domain.DimensionMismatchError{
				Expected:     net.InputDimension(),
				Actual:       m.NumGenes(),
				GeneSample:   m.GeneFingerprint(fingerprintLength),
				ModelVersion: net.Version(),
			}
		}
		normalized, applied, err := s.normalize(rec, m)
		if err != nil {
			return err
		}
		recs, err := net.Embed(ctx, normalized)
		if err != nil {
			return fmt.Errorf("embed %s: %w", ingestionID, err)
		}
		cfg := net.Config()
		meta = domain.PipelineRunMetadata{
			IngestionID:     ingestionID,
			NumSamples:      m.NumSamples(),
			NumGenes:        m.NumGenes(),
			EmbeddingDim:    net.LatentDimension(),
			ModelVersion:    net.Version(),
			Status:          domain.RunStatusSuccess,
			GeneFingerprint: m.GeneFingerprint(fingerprintLength),
			Normalization:   applied,
			IngestedAt:      rec.IngestedAt,
			ModelTrainedAt:  cfg.TrainedAt,
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		meta, err = s.artifacts.Persist(ctx, ingestionID, recs, meta)
		return err
	})
	if err != nil {
		return domain.PipelineRunMetadata{}, err
	}
	return meta, nil
}

func (s *Service) load(ctx context.Context, ingestionID string) (domain.IngestionRecord, *domain.ExpressionMatrix, error) {
	rec, err := s.catalog.Get(ctx, ingestionID)
	if err != nil {
		return domain.IngestionRecord{}, nil, err
	}
	m, err := s.catalog.LoadMatrix(ctx, ingestionID)
	if err != nil {
		return domain.IngestionRecord{}, nil, err
	}
	return rec, m, nil
}

func (s *Service) normalize(rec domain.IngestionRecord, m *domain.ExpressionMatrix) (*domain.ExpressionMatrix, domain.AppliedNormalization, error) {
	var opts []normalize.Option
	if s.normalization.BatchCorrection {
		labels, err := normalize.LabelsFromAnnotations(rec.SampleAnnotations, s.normalization.BatchKey, m.NumSamples())
		if err != nil {
			return nil, domain.AppliedNormalization{}, err
		}
		opts = append(opts, normalize.WithBatchLabels(labels))
	}
	return normalize.Normalize(m, s.normalization, opts...)
}

// GetEmbeddings returns the persisted embeddings of the latest run, checked
// against their metadata and the ingestion record.
func (s *Service) GetEmbeddings(ctx context.Context, ingestionID string) ([]domain.EmbeddingRecord, error) {
	var recs []domain.EmbeddingRecord
	err := s.run(ctx, OpGetEmbeddings, ingestionID, func(ctx context.Context, entry *observability.AuditEntry) error {
		var (
			meta domain.PipelineRunMetadata
			err  error
		)
		recs, meta, err = s.embeddings(ctx, ingestionID)
		entry.ModelVersion = meta.ModelVersion
		return err
	})
	return recs, err
}

// embeddings distinguishes an unknown ingestion from one never run.
func (s *Service) embeddings(ctx context.Context, ingestionID string) ([]domain.EmbeddingRecord, domain.PipelineRunMetadata, error) {
	recs, meta, err := s.artifacts.Load(ctx, ingestionID)
	var nf *domain.NotFoundError
	if errors.As(err, &nf) && nf.Entity == domain.EntityArtifact {
		if _, gerr := s.catalog.Get(ctx, ingestionID); gerr != nil {
			return nil, domain.PipelineRunMetadata{}, gerr
		}
	}
	return recs, meta, err
}

// GetMetadata returns the metadata of the latest successful run.
func (s *Service) GetMetadata(ctx context.Context, ingestionID string) (domain.PipelineRunMetadata, error) {
	var meta domain.PipelineRunMetadata
	err := s.run(ctx, OpGetMetadata, ingestionID, func(ctx context.Context, entry *observability.AuditEntry) error {
		var err error
		_, meta, err = s.embeddings(ctx, ingestionID)
		entry.ModelVersion = meta.ModelVersion
		return err
	})
	return meta, err
}

// Project computes display coordinates for the persisted embeddings. Results
// are returned only and never stored.
func (s *Service) Project(ctx context.Context, ingestionID, method string, nComponents int, opts ...projection.Option) (domain.ProjectionResult, error) {
	var res domain.ProjectionResult
	err := s.run(ctx, OpProject, ingestionID, func(ctx context.Context, entry *observability.AuditEntry) error {
		recs, meta, err := s.embeddings(ctx, ingestionID)
		if err != nil {
			return err
		}
		entry.ModelVersion = meta.ModelVersion
		all := append(append([]projection.Option(nil), s.projection...), opts...)
		res, err = projection.Project(recs, method, nComponents, all...)
		return err
	})
	return res, err
}

// ListIngestions returns every catalogued ingestion.
func (s *Service) ListIngestions(ctx context.Context) ([]domain.IngestionRecord, error) {
	var out []domain.IngestionRecord
	err := s.run(ctx, OpListIngestions, "", func(ctx context.Context, _ *observability.AuditEntry) error {
		var err error
		out, err = s.catalog.List(ctx)
		return err
	})
	return out, err
}

// TrainModel fits a new model on the normalized matrix of an ingested
// dataset and publishes it. An unset input dimension defaults to the
// dataset's gene count.
func (s *Service) TrainModel(ctx context.Context, ingestionID string, mc domain.ModelConfig, tc domain.TrainingConfig) (domain.ModelConfig, model.History, error) {
	var (
		published domain.ModelConfig
		history   model.History
	)
	err := s.run(ctx, OpTrainModel, ingestionID, func(ctx context.Context, entry *observability.AuditEntry) error {
		rec, m, err := s.load(ctx, ingestionID)
		if err != nil {
			return err
		}
		if mc.InputDimension == 0 {
			mc.InputDimension = m.NumGenes()
		}
		normalized, _, err := s.normalize(rec, m)
		if err != nil {
			return err
		}
		net, h, err := model.Train(ctx, model.Samples(normalized), mc, tc,
			model.WithTrainLogger(s.logger),
			model.WithTrainClock(s.clock.Now))
		if err != nil {
			return err
		}
		history = h
		published, err = s.registry.Publish(ctx, net)
		entry.ModelVersion = published.Version
		return err
	})
	return published, history, err
}

// ListModels returns every published model configuration, newest first.
func (s *Service) ListModels(ctx context.Context) ([]domain.ModelConfig, error) {
	var out []domain.ModelConfig
	err := s.run(ctx, OpListModels, "", func(ctx context.Context, _ *observability.AuditEntry) error {
		var err error
		out, err = s.registry.List(ctx)
		return err
	})
	return out, err
}
