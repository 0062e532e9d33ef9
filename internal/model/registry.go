package model

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"
	"sync"

	"rnastate/internal/blob"
	"rnastate/internal/observability"
	"rnastate/pkg/domain"
)

const (
	modelsPrefix   = "models/"
	weightsFile    = "weights.bin"
	configFile     = "config.json"
	weightsContent = "application/octet-stream"
	configContent  = "application/json"
)

// ModelRef selects a published model. An empty Version resolves to the most
// recently trained model, restricted to InputDimension when it is set.
// Non-zero dimensions are checked against the resolved configuration.
type ModelRef struct {
	Version         string
	InputDimension  int
	LatentDimension int
}

func (r ModelRef) String() string {
	if r.Version != "" {
		return r.Version
	}
	if r.InputDimension > 0 {
		return fmt.Sprintf("latest(input_dim=%d)", r.InputDimension)
	}
	return "latest"
}

// Registry publishes and loads versioned weight sets from a blob store.
// Published versions are immutable; resolved models are cached.
type Registry struct {
	store  blob.Store
	logger observability.Logger

	mu    sync.Mutex
	cache map[string]*Autoencoder
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithRegistryLogger sets the registry logger.
func WithRegistryLogger(l observability.Logger) RegistryOption {
	return func(r *Registry) { r.logger = observability.OrNop(l) }
}

// NewRegistry returns a registry backed by store.
func NewRegistry(store blob.Store, opts ...RegistryOption) *Registry {
	r := &Registry{store: store, logger: observability.NopLogger(), cache: make(map[string]*Autoencoder)}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func versionKey(version, file string) string {
	return path.Join(strings.TrimSuffix(modelsPrefix, "/"), version, file)
}

// Publish stores net under its version. Publishing identical content again is
// a no-op; different content under an existing version is rejected.
func (r *Registry) Publish(ctx context.Context, net *Autoencoder) (domain.ModelConfig, error) {
	cfg := net.Config()
	if cfg.Version == "" {
		return domain.ModelConfig{}, &domain.InvalidArgumentError{Field: "model_version", Reason: "model has not been trained"}
	}
	if strings.ContainsAny(cfg.Version, "/\\") {
		return domain.ModelConfig{}, &domain.InvalidArgumentError{Field: "model_version", Reason: "must not contain path separators"}
	}
	weights, err := net.MarshalBinary()
	if err != nil {
		return domain.ModelConfig{}, fmt.Errorf("encode weights: %w", err)
	}
	cfgJSON, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return domain.ModelConfig{}, fmt.Errorf("encode config: %w", err)
	}
	// weights first: a version is only listed once config.json exists.
	if err := r.putOnce(ctx, versionKey(cfg.Version, weightsFile), weights, weightsContent); err != nil {
		return domain.ModelConfig{}, err
	}
	if err := r.putOnce(ctx, versionKey(cfg.Version, configFile), cfgJSON, configContent); err != nil {
		if !errors.Is(err, errContentDiffers) {
			return domain.ModelConfig{}, err
		}
		// Same weights under a different training timestamp.
		var existing domain.ModelConfig
		if raw, readErr := r.read(ctx, versionKey(cfg.Version, configFile)); readErr == nil && json.Unmarshal(raw, &existing) == nil && sameArchitecture(existing, cfg) {
			r.logger.Info("model version already published", "model_version", cfg.Version)
			return existing, nil
		}
		return domain.ModelConfig{}, err
	}
	r.mu.Lock()
	r.cache[cfg.Version] = net
	r.mu.Unlock()
	r.logger.Info("published model", "model_version", cfg.Version, "input_dim", cfg.InputDimension, "latent_dim", cfg.LatentDimension)
	return cfg, nil
}

var errContentDiffers = errors.New("model version already published with different content")

func (r *Registry) putOnce(ctx context.Context, key string, payload []byte, contentType string) error {
	_, err := r.store.Put(ctx, key, bytes.NewReader(payload), blob.PutOptions{ContentType: contentType})
	if err == nil {
		return nil
	}
	if !errors.Is(err, blob.ErrExists) {
		return fmt.Errorf("publish %s: %w", key, err)
	}
	existing, readErr := r.read(ctx, key)
	if readErr != nil {
		return fmt.Errorf("publish %s: %w", key, readErr)
	}
	if !bytes.Equal(existing, payload) {
		return fmt.Errorf("%s: %w", key, errContentDiffers)
	}
	return nil
}

func (r *Registry) read(ctx context.Context, key string) ([]byte, error) {
	_, rc, err := r.store.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rc.Close() }()
	return io.ReadAll(rc)
}

func sameArchitecture(a, b domain.ModelConfig) bool {
	if a.Version != b.Version || a.InputDimension != b.InputDimension || a.LatentDimension != b.LatentDimension || a.Dropout != b.Dropout {
		return false
	}
	if len(a.HiddenDims) != len(b.HiddenDims) {
		return false
	}
	for i := range a.HiddenDims {
		if a.HiddenDims[i] != b.HiddenDims[i] {
			return false
		}
	}
	return true
}

// List returns the configurations of all published versions, newest first.
func (r *Registry) List(ctx context.Context) ([]domain.ModelConfig, error) {
	infos, err := r.store.List(ctx, modelsPrefix)
	if err != nil {
		return nil, fmt.Errorf("list models: %w", err)
	}
	var out []domain.ModelConfig
	for _, info := range infos {
		if path.Base(info.Key) != configFile {
			continue
		}
		raw, err := r.read(ctx, info.Key)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", info.Key, err)
		}
		var cfg domain.ModelConfig
		if err := json.Unmarshal(raw, &cfg); err != nil {
			r.logger.Warn("skipping unreadable model config", "key", info.Key, "error", err)
			continue
		}
		out = append(out, cfg)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].TrainedAt.Equal(out[j].TrainedAt) {
			return out[i].TrainedAt.After(out[j].TrainedAt)
		}
		return out[i].Version > out[j].Version
	})
	return out, nil
}

// Resolve loads the model selected by ref. Any failure to find, read or match
// a version is reported as ModelUnavailableError.
func (r *Registry) Resolve(ctx context.Context, ref ModelRef) (*Autoencoder, error) {
	version := ref.Version
	if version == "" {
		configs, err := r.List(ctx)
		if err != nil {
			return nil, &domain.ModelUnavailableError{InputDimension: ref.InputDimension, Reason: err.Error()}
		}
		for _, cfg := range configs {
			if ref.InputDimension == 0 || cfg.InputDimension == ref.InputDimension {
				version = cfg.Version
				break
			}
		}
		if version == "" {
			return nil, &domain.ModelUnavailableError{InputDimension: ref.InputDimension, Reason: "no published model matches"}
		}
	}
	net, err := r.load(ctx, version)
	if err != nil {
		return nil, err
	}
	if ref.InputDimension > 0 && net.cfg.InputDimension != ref.InputDimension {
		return nil, &domain.ModelUnavailableError{Version: version, Reason: fmt.Sprintf("input dimension is %d, requested %d", net.cfg.InputDimension, ref.InputDimension)}
	}
	if ref.LatentDimension > 0 && net.cfg.LatentDimension != ref.LatentDimension {
		return nil, &domain.ModelUnavailableError{Version: version, Reason: fmt.Sprintf("latent dimension is %d, requested %d", net.cfg.LatentDimension, ref.LatentDimension)}
	}
	return net, nil
}

func (r *Registry) load(ctx context.Context, version string) (*Autoencoder, error) {
	r.mu.Lock()
	cached, ok := r.cache[version]
	r.mu.Unlock()
	if ok {
		return cached, nil
	}
	raw, err := r.read(ctx, versionKey(version, configFile))
	if err != nil {
		return nil, unavailable(version, "read config", err)
	}
	var cfg domain.ModelConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, unavailable(version, "decode config", err)
	}
	if cfg.Version != version {
		return nil, &domain.ModelUnavailableError{Version: version, Reason: fmt.Sprintf("config names version %q", cfg.Version)}
	}
	weights, err := r.read(ctx, versionKey(version, weightsFile))
	if err != nil {
		return nil, unavailable(version, "read weights", err)
	}
	net, err := Decode(cfg, weights)
	if err != nil {
		return nil, unavailable(version, "decode weights", err)
	}
	r.mu.Lock()
	if existing, ok := r.cache[version]; ok {
		net = existing
	} else {
		r.cache[version] = net
	}
	r.mu.Unlock()
	r.logger.Debug("loaded model", "model_version", version)
	return net, nil
}

func unavailable(version, what string, err error) error {
	reason := what + ": " + err.Error()
	if errors.Is(err, blob.ErrNotFound) {
		reason = "not published"
	}
	return &domain.ModelUnavailableError{Version: version, Reason: reason}
}
