package gcp

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"cloud.google.com/go/storage"
	"github.com/Lllllllleong/docingest/internal/pipeline"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
)

// GetEnv is a helper to read an environment variable or return a default value.
func GetEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

// NewStorageClient creates the shared GCS client.
func NewStorageClient(ctx context.Context) (*storage.Client, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create Storage client: %w", err)
	}
	return client, nil
}

// PutIfAbsent writes data to a GCS object only if it doesn't already exist.
// An already-existing object is not a failure in an idempotent workflow and
// is skipped silently.
func PutIfAbsent(ctx context.Context, bucket *storage.BucketHandle, objectName string, data []byte) error {
	writer := bucket.Object(objectName).If(storage.Conditions{DoesNotExist: true}).NewWriter(ctx)

	if _, err := io.Copy(writer, bytes.NewReader(data)); err != nil {
		_ = writer.Close()
		if isPreconditionFailed(err) {
			slog.Info("SKIPPING: Object already exists.", "object", objectName)
			return nil
		}
		return fmt.Errorf("failed to write to GCS object %s: %w", objectName, err)
	}
	if err := writer.Close(); err != nil {
		if isPreconditionFailed(err) {
			slog.Info("SKIPPING: Object already exists.", "object", objectName)
			return nil
		}
		return fmt.Errorf("failed to finalize GCS write for %s: %w", objectName, err)
	}
	return nil
}

func isPreconditionFailed(err error) bool {
	var gerr *googleapi.Error
	return errors.As(err, &gerr) && gerr.Code == 412
}

// BucketStore adapts one GCS bucket to the pipeline's ObjectStore interface.
type BucketStore struct {
	bucket *storage.BucketHandle
	name   string
}

var _ pipeline.ObjectStore = (*BucketStore)(nil)

// NewBucketStore returns an ObjectStore over the named bucket.
func NewBucketStore(client *storage.Client, name string) *BucketStore {
	return &BucketStore{bucket: client.Bucket(name), name: name}
}

// URI returns the gs:// URI of an object in this bucket.
func (s *BucketStore) URI(key string) string {
	return fmt.Sprintf("gs://%s/%s", s.name, key)
}

// Bucket exposes the underlying handle for conditional writes.
func (s *BucketStore) Bucket() *storage.BucketHandle {
	return s.bucket
}

func (s *BucketStore) Put(ctx context.Context, key string, data []byte) error {
	writer := s.bucket.Object(key).NewWriter(ctx)
	if _, err := io.Copy(writer, bytes.NewReader(data)); err != nil {
		_ = writer.Close()
		return fmt.Errorf("write gs://%s/%s: %w", s.name, key, err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("finalize gs://%s/%s: %w", s.name, key, err)
	}
	return nil
}

func (s *BucketStore) Get(ctx context.Context, key string) ([]byte, error) {
	reader, err := s.bucket.Object(key).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, fmt.Errorf("gs://%s/%s: %w", s.name, key, pipeline.ErrObjectNotFound)
		}
		return nil, fmt.Errorf("open gs://%s/%s: %w", s.name, key, err)
	}
	defer reader.Close()
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("read gs://%s/%s: %w", s.name, key, err)
	}
	return data, nil
}

func (s *BucketStore) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.bucket.Object(key).Attrs(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("stat gs://%s/%s: %w", s.name, key, err)
	}
	return true, nil
}

func (s *BucketStore) List(ctx context.Context, prefix string) ([]string, error) {
	it := s.bucket.Objects(ctx, &storage.Query{Prefix: prefix})
	var keys []string
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			return keys, nil
		}
		if err != nil {
			return nil, fmt.Errorf("list gs://%s/%s*: %w", s.name, prefix, err)
		}
		keys = append(keys, attrs.Name)
	}
}
