package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob" // file:// driver
	_ "gocloud.dev/blob/gcsblob"  // GCS driver
	_ "gocloud.dev/blob/memblob"  // mem:// driver, used for dry runs and tests
	_ "gocloud.dev/blob/s3blob"   // S3 driver
	"gocloud.dev/gcerrors"
)

// BlobStore keeps state in any gocloud bucket.
type BlobStore struct {
	bucket    *blob.Bucket
	bucketURL string
	prefix    string
}

// OpenBlobStore opens the bucket at bucketURL.
func OpenBlobStore(ctx context.Context, bucketURL, prefix string) (*BlobStore, error) {
	bucket, err := blob.OpenBucket(ctx, bucketURL)
	if err != nil {
		return nil, fmt.Errorf("open bucket %s: %w", bucketURL, err)
	}
	return NewBlobStore(bucket, bucketURL, prefix), nil
}

// NewBlobStore wraps an already opened bucket. The store takes ownership
// and closes it on Close.
func NewBlobStore(bucket *blob.Bucket, bucketURL, prefix string) *BlobStore {
	return &BlobStore{
		bucket:    bucket,
		bucketURL: bucketURL,
		prefix:    prefix,
	}
}

// Read returns the object stored under key.
func (s *BlobStore) Read(ctx context.Context, key string) ([]byte, error) {
	data, err := s.bucket.ReadAll(ctx, s.prefix+key)
	if err != nil {
		if gcerrors.Code(err) == gcerrors.NotFound {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	return data, nil
}

// Write replaces the object under key. Object stores publish on Close so
// readers never observe a partial value.
func (s *BlobStore) Write(ctx context.Context, key string, data []byte) error {
	return s.put(ctx, key, data, &blob.WriterOptions{ContentType: "application/json"})
}

// Create writes key only if no object exists there yet.
func (s *BlobStore) Create(ctx context.Context, key string, data []byte) error {
	err := s.put(ctx, key, data, &blob.WriterOptions{
		ContentType: "application/json",
		IfNotExist:  true,
	})
	if err != nil && gcerrors.Code(err) == gcerrors.FailedPrecondition {
		return ErrExists
	}
	return err
}

func (s *BlobStore) put(ctx context.Context, key string, data []byte, opts *blob.WriterOptions) error {
	path := s.prefix + key

	w, err := s.bucket.NewWriter(ctx, path, opts)
	if err != nil {
		return fmt.Errorf("create writer for %s: %w", path, err)
	}

	if _, err := w.Write(data); err != nil {
		w.Close()
		return fmt.Errorf("write data to %s: %w", path, err)
	}

	if err := w.Close(); err != nil {
		return fmt.Errorf("close writer for %s: %w", path, err)
	}

	return nil
}

// Delete removes key from the bucket.
func (s *BlobStore) Delete(ctx context.Context, key string) error {
	err := s.bucket.Delete(ctx, s.prefix+key)
	if err != nil && gcerrors.Code(err) != gcerrors.NotFound {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

// URI returns the canonical URI for the given key.
func (s *BlobStore) URI(key string) string {
	base := s.bucketURL
	if i := strings.IndexByte(base, '?'); i >= 0 {
		base = base[:i]
	}
	return strings.TrimSuffix(base, "/") + "/" + s.prefix + key
}

// Close closes the underlying bucket.
func (s *BlobStore) Close() error {
	if err := s.bucket.Close(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
