package pipeline

import (
	"time"

	"rnastate/internal/model"
	"rnastate/internal/observability"
	"rnastate/internal/projection"
	"rnastate/pkg/domain"
)

// Clock supplies timestamps for audit entries and ingestion records.
type Clock interface {
	Now() time.Time
}

// ClockFunc adapts a function to the Clock interface.
type ClockFunc func() time.Time

// Now returns the function's time in UTC, or the wall clock when fn is nil.
func (fn ClockFunc) Now() time.Time {
	if fn == nil {
		return time.Now().UTC()
	}
	return fn().UTC()
}

type serviceOptions struct {
	clock         Clock
	logger        observability.Logger
	audit         observability.AuditRecorder
	metrics       observability.MetricsRecorder
	tracer        observability.Tracer
	normalization domain.NormalizationConfig
	model         model.ModelRef
	projection    []projection.Option
	newID         func() string
}

func defaultServiceOptions() serviceOptions {
	return serviceOptions{
		clock:         ClockFunc(nil),
		logger:        observability.NopLogger(),
		audit:         observability.NopAudit(),
		metrics:       observability.NopMetrics(),
		tracer:        observability.NopTracer(),
		normalization: domain.DefaultNormalizationConfig(),
	}
}

// ServiceOption customises a Service.
type ServiceOption func(*serviceOptions)

// WithClock overrides the time source.
func WithClock(clock Clock) ServiceOption {
	return func(o *serviceOptions) {
		if clock != nil {
			o.clock = clock
		}
	}
}

// WithLogger sets the structured logger used by the service and its stages.
func WithLogger(logger observability.Logger) ServiceOption {
	return func(o *serviceOptions) { o.logger = observability.OrNop(logger) }
}

// WithAuditRecorder sets the audit sink.
func WithAuditRecorder(recorder observability.AuditRecorder) ServiceOption {
	return func(o *serviceOptions) {
		if recorder != nil {
			o.audit = recorder
		}
	}
}

// WithMetricsRecorder sets the metrics sink.
func WithMetricsRecorder(recorder observability.MetricsRecorder) ServiceOption {
	return func(o *serviceOptions) {
		if recorder != nil {
			o.metrics = recorder
		}
	}
}

// WithTracer sets the span tracer.
func WithTracer(tracer observability.Tracer) ServiceOption {
	return func(o *serviceOptions) {
		if tracer != nil {
			o.tracer = tracer
		}
	}
}

// WithNormalization sets the normalization applied by every pipeline run.
func WithNormalization(cfg domain.NormalizationConfig) ServiceOption {
	return func(o *serviceOptions) { o.normalization = cfg }
}

// WithModel selects the published model runs embed with. The zero ref
// resolves to the newest published model regardless of input dimension; a
// dataset with a different gene count then fails the dimension check.
func WithModel(ref model.ModelRef) ServiceOption {
	return func(o *serviceOptions) { o.model = ref }
}

// WithProjectionDefaults sets options applied before per-call projection
// options.
func WithProjectionDefaults(opts ...projection.Option) ServiceOption {
	return func(o *serviceOptions) { o.projection = append(o.projection, opts...) }
}

// WithIDGenerator overrides ingestion id allocation.
func WithIDGenerator(gen func() string) ServiceOption {
	return func(o *serviceOptions) { o.newID = gen }
}
