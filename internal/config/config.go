// Package config loads rnastate settings from a YAML file and environment
// overrides.
//
// Values resolve in this order: built-in defaults, the config file located by
// FindPath, then RNASTATE_* environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"rnastate/internal/blob"
	"rnastate/internal/catalog"
	"rnastate/pkg/domain"
)

// Config is the full runtime configuration.
type Config struct {
	Storage       catalog.Config             `yaml:"storage"`
	Blob          blob.Config                `yaml:"blob"`
	Normalization domain.NormalizationConfig `yaml:"normalization"`
	Model         ModelConfig                `yaml:"model"`
	Training      domain.TrainingConfig      `yaml:"training"`
	Projection    ProjectionConfig           `yaml:"projection"`
	Log           LogConfig                  `yaml:"log"`
	Metrics       MetricsConfig              `yaml:"metrics"`
}

// ModelConfig selects the serving model and the architecture of new ones.
type ModelConfig struct {
	// Version pins the serving model; empty means the newest published one.
	Version         string  `yaml:"version"`
	LatentDimension int     `yaml:"latent_dim"`
	HiddenDims      []int   `yaml:"hidden_dims"`
	Dropout         float64 `yaml:"dropout"`
}

// ProjectionConfig holds projection defaults.
type ProjectionConfig struct {
	Method      string  `yaml:"method"`
	NComponents int     `yaml:"n_components"`
	Neighbors   int     `yaml:"n_neighbors"`
	MinDist     float64 `yaml:"min_dist"`
	Epochs      int     `yaml:"epochs"`
	Seed        uint64  `yaml:"seed"`
}

// LogConfig selects the log handler.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig names optional observability outputs.
type MetricsConfig struct {
	// Textfile receives Prometheus metrics after each command.
	Textfile string `yaml:"textfile"`
	// TraceFile receives one JSON line per traced operation.
	TraceFile string `yaml:"trace_file"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Storage:       catalog.Config{Driver: string(catalog.DriverSQLite), SQLitePath: "./rnastate.db"},
		Blob:          blob.Config{Driver: string(blob.DriverFilesystem), FSRoot: "./blobdata"},
		Normalization: domain.DefaultNormalizationConfig(),
		Model:         ModelConfig{LatentDimension: 128, HiddenDims: []int{512, 256}},
		Training:      domain.DefaultTrainingConfig(),
		Projection: ProjectionConfig{
			Method:      domain.ProjectionUMAP,
			NComponents: 2,
			Neighbors:   15,
			MinDist:     0.1,
			Epochs:      200,
			Seed:        domain.DefaultSeed,
		},
		Log: LogConfig{Level: "info", Format: "text"},
	}
}

// Load finds the config file (see FindPath), applies it over the defaults
// and then applies environment overrides. It returns the path used, which is
// empty when no file was found.
func Load(explicit string) (*Config, string, error) {
	path := FindPath(explicit)
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, path, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, path, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, path, err
	}
	cfg.applyDefaults()
	return cfg, path, nil
}

// applyDefaults refills values a config file cleared.
func (c *Config) applyDefaults() {
	d := Default()
	if c.Storage.Driver == "" {
		c.Storage.Driver = d.Storage.Driver
	}
	if c.Storage.SQLitePath == "" {
		c.Storage.SQLitePath = d.Storage.SQLitePath
	}
	if c.Blob.Driver == "" {
		c.Blob.Driver = d.Blob.Driver
	}
	if c.Blob.FSRoot == "" {
		c.Blob.FSRoot = d.Blob.FSRoot
	}
	if c.Normalization.Method == "" {
		c.Normalization.Method = d.Normalization.Method
	}
	if c.Normalization.BatchKey == "" {
		c.Normalization.BatchKey = d.Normalization.BatchKey
	}
	if c.Training.Label == "" {
		c.Training.Label = d.Training.Label
	}
	if c.Projection.Method == "" {
		c.Projection.Method = d.Projection.Method
	}
	if c.Projection.NComponents == 0 {
		c.Projection.NComponents = d.Projection.NComponents
	}
	if c.Log.Level == "" {
		c.Log.Level = d.Log.Level
	}
	if c.Log.Format == "" {
		c.Log.Format = d.Log.Format
	}
}

type lookupFunc func(string) (string, bool)

// applyEnv overlays the RNASTATE_* variables that are set.
func (c *Config) applyEnv(lookup lookupFunc) error {
	str := func(dst *string, key string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	str(&c.Storage.Driver, "RNASTATE_STORAGE_DRIVER")
	str(&c.Storage.SQLitePath, "RNASTATE_SQLITE_PATH")
	str(&c.Storage.PostgresDSN, "RNASTATE_POSTGRES_DSN")
	str(&c.Blob.Driver, "RNASTATE_BLOB_DRIVER")
	str(&c.Blob.FSRoot, "RNASTATE_BLOB_FS_ROOT")
	str(&c.Blob.S3.Bucket, "RNASTATE_BLOB_S3_BUCKET")
	str(&c.Blob.S3.Region, "RNASTATE_BLOB_S3_REGION")
	str(&c.Blob.S3.Endpoint, "RNASTATE_BLOB_S3_ENDPOINT")
	str(&c.Model.Version, "RNASTATE_MODEL_VERSION")
	str(&c.Log.Level, "RNASTATE_LOG_LEVEL")
	str(&c.Log.Format, "RNASTATE_LOG_FORMAT")
	str(&c.Metrics.Textfile, "RNASTATE_METRICS_TEXTFILE")
	if v, ok := lookup("RNASTATE_BLOB_S3_PATH_STYLE"); ok && v != "" {
		c.Blob.S3.PathStyle = strings.EqualFold(v, "true")
	}
	if v, ok := lookup("RNASTATE_SEED"); ok && v != "" {
		seed, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return fmt.Errorf("RNASTATE_SEED: %w", err)
		}
		c.Normalization.Seed = seed
		c.Training.Seed = seed
		c.Projection.Seed = seed
	}
	return nil
}

// ModelArchitecture returns the architecture new models are trained with.
func (c *Config) ModelArchitecture() domain.ModelConfig {
	return domain.ModelConfig{
		LatentDimension: c.Model.LatentDimension,
		HiddenDims:      append([]int(nil), c.Model.HiddenDims...),
		Dropout:         c.Model.Dropout,
	}
}
