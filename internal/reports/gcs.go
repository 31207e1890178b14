package reports

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/storage"

	"github.com/cleanse-io/cleanse/internal/config"
)

// ErrBucketEmpty is returned when no GCS bucket is configured.
var ErrBucketEmpty = errors.New("GCS bucket cannot be empty")

// GCSBlobStore implements BlobStore on Google Cloud Storage. Signing uses the
// client's ambient credentials (service account key or IAM SignBlob on GCE),
// so no private key ever passes through configuration.
type GCSBlobStore struct {
	client *storage.Client
	bucket string
}

// Compile-time interface check.
var _ BlobStore = (*GCSBlobStore)(nil)

// NewGCSBlobStore creates a blob store over the bucket named by GCS_BUCKET.
func NewGCSBlobStore(ctx context.Context) (*GCSBlobStore, error) {
	bucket := strings.TrimSpace(config.GetEnvStr("GCS_BUCKET", ""))
	if bucket == "" {
		return nil, ErrBucketEmpty
	}

	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage client: %w", err)
	}

	return &GCSBlobStore{client: client, bucket: bucket}, nil
}

// Upload writes the object, replacing any previous content under the key.
func (s *GCSBlobStore) Upload(ctx context.Context, objectKey, contentType string, data []byte) error {
	writer := s.client.Bucket(s.bucket).Object(objectKey).NewWriter(ctx)
	writer.ContentType = contentType

	if _, err := writer.Write(data); err != nil {
		_ = writer.Close()

		return fmt.Errorf("failed to write object %s: %w", objectKey, err)
	}

	if err := writer.Close(); err != nil {
		return fmt.Errorf("failed to finalize object %s: %w", objectKey, err)
	}

	return nil
}

// SignedURL issues a V4 presigned GET URL for the object.
func (s *GCSBlobStore) SignedURL(_ context.Context, objectKey string, expiry time.Duration) (string, error) {
	url, err := s.client.Bucket(s.bucket).SignedURL(objectKey, &storage.SignedURLOptions{
		Scheme:  storage.SigningSchemeV4,
		Method:  "GET",
		Expires: time.Now().Add(expiry),
	})
	if err != nil {
		return "", fmt.Errorf("failed to sign URL for %s: %w", objectKey, err)
	}

	return url, nil
}

// Close releases the underlying client.
func (s *GCSBlobStore) Close() error {
	return s.client.Close()
}
