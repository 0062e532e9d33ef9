package blob

import (
	"context"
	"fmt"
	"os"
	"strings"
)

// Config selects and parameterises a blob backend.
type Config struct {
	Driver string `yaml:"driver"`
	FSRoot string `yaml:"fs_root"`
	S3     S3Config `yaml:"s3"`
}

// ConfigFromEnv reads the backend selection from the environment.
//
//	RNASTATE_BLOB_DRIVER: fs|s3|memory (default fs)
//	RNASTATE_BLOB_FS_ROOT: directory root when driver=fs (default ./blobdata)
//	RNASTATE_BLOB_S3_BUCKET, _REGION, _ENDPOINT, _PATH_STYLE: driver=s3
func ConfigFromEnv() Config {
	return Config{
		Driver: os.Getenv("RNASTATE_BLOB_DRIVER"),
		FSRoot: os.Getenv("RNASTATE_BLOB_FS_ROOT"),
		S3: S3Config{
			Bucket:    os.Getenv("RNASTATE_BLOB_S3_BUCKET"),
			Region:    os.Getenv("RNASTATE_BLOB_S3_REGION"),
			Endpoint:  os.Getenv("RNASTATE_BLOB_S3_ENDPOINT"),
			PathStyle: strings.EqualFold(os.Getenv("RNASTATE_BLOB_S3_PATH_STYLE"), "true"),
		},
	}
}

// Open selects a blob.Store implementation using environment variables.
func Open(ctx context.Context) (Store, error) {
	return OpenConfig(ctx, ConfigFromEnv())
}

// OpenConfig constructs the backend named by cfg.Driver.
func OpenConfig(ctx context.Context, cfg Config) (Store, error) {
	driver := cfg.Driver
	if driver == "" {
		driver = string(DriverFilesystem)
	}
	switch Driver(driver) {
	case DriverFilesystem:
		return NewFilesystem(cfg.FSRoot)
	case DriverS3:
		if cfg.S3.Bucket == "" {
			return nil, fmt.Errorf("RNASTATE_BLOB_S3_BUCKET required for s3 driver")
		}
		return NewS3(ctx, cfg.S3)
	case DriverMemory:
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown blob driver %s", driver)
	}
}
