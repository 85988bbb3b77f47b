// Package storage provides the durable key/value backends that hold detector
// state: the dedup record and the run-lock token.
package storage

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"
)

var (
	// ErrNotFound is returned by Read when the key does not exist.
	ErrNotFound = errors.New("storage: key not found")

	// ErrExists is returned by Create when the key is already present.
	ErrExists = errors.New("storage: key already exists")
)

// Store abstracts small-object persistence for detector state.
type Store interface {
	// Read returns the value stored under key, or ErrNotFound.
	Read(ctx context.Context, key string) ([]byte, error)

	// Write replaces the value under key atomically.
	Write(ctx context.Context, key string, data []byte) error

	// Create writes data only if key is absent and returns ErrExists otherwise.
	Create(ctx context.Context, key string, data []byte) error

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// URI returns the canonical URI for the given key.
	// For local: file:///path, blob: <bucket url>/key, redis: redis://addr/key
	URI(key string) string

	// Close releases any resources.
	Close() error
}

// StorageConfig configures the storage backend.
type StorageConfig struct {
	Backend string // "local" | "blob" | "gcs" | "s3" | "redis"

	// Local filesystem
	LocalDir string // ./state

	// Generic gocloud bucket URL (gs://, s3://, file://, mem://)
	BucketURL string

	// GCS
	GCSBucket string

	// S3 (also works for B2, R2, MinIO)
	S3Bucket   string
	S3Endpoint string // custom endpoint for B2/MinIO/R2
	S3Region   string

	// Redis
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisTTL      time.Duration // 0 keeps keys until deleted

	// Common
	Prefix string // "calldrop/" (key prefix within bucket, dir or keyspace)
}

// NewStore creates a storage backend based on configuration.
func NewStore(ctx context.Context, cfg StorageConfig) (Store, error) {
	switch cfg.Backend {
	case "", "local":
		if cfg.LocalDir == "" {
			return nil, fmt.Errorf("LocalDir required for local backend")
		}
		return NewLocalStore(cfg.LocalDir, cfg.Prefix)
	case "blob":
		if cfg.BucketURL == "" {
			return nil, fmt.Errorf("BucketURL required for blob backend")
		}
		return OpenBlobStore(ctx, cfg.BucketURL, cfg.Prefix)
	case "gcs":
		if cfg.GCSBucket == "" {
			return nil, fmt.Errorf("GCSBucket required for gcs backend")
		}
		return OpenBlobStore(ctx, "gs://"+cfg.GCSBucket, cfg.Prefix)
	case "s3":
		if cfg.S3Bucket == "" {
			return nil, fmt.Errorf("S3Bucket required for s3 backend")
		}
		return OpenBlobStore(ctx, S3BucketURL(cfg.S3Bucket, cfg.S3Endpoint, cfg.S3Region), cfg.Prefix)
	case "redis":
		if cfg.RedisAddr == "" {
			return nil, fmt.Errorf("RedisAddr required for redis backend")
		}
		return NewRedisStore(ctx, RedisOptions{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			TTL:      cfg.RedisTTL,
			Prefix:   cfg.Prefix,
		})
	default:
		return nil, fmt.Errorf("unknown storage backend: %s", cfg.Backend)
	}
}

// S3BucketURL builds a gocloud s3:// URL, adding the endpoint and region
// query parameters S3-compatible providers need.
func S3BucketURL(bucket, endpoint, region string) string {
	bucketURL := fmt.Sprintf("s3://%s", bucket)

	params := url.Values{}
	if region != "" {
		params.Set("region", region)
	}
	if endpoint != "" {
		params.Set("endpoint", endpoint)
		params.Set("use_path_style", "true")
	}
	if len(params) > 0 {
		bucketURL = bucketURL + "?" + params.Encode()
	}
	return bucketURL
}
