// Package gcs archives block-page snapshots in Google Cloud Storage.
package gcs

import (
	"context"
	"fmt"
	"path"

	"cloud.google.com/go/storage"
)

// Store writes snapshot objects to one GCS bucket.
type Store struct {
	client *storage.Client
	bucket string
	prefix string
}

// New initializes a GCS client and verifies the bucket is reachable, failing
// fast on startup misconfiguration. Authentication is handled via
// Application Default Credentials.
func New(ctx context.Context, bucket, prefix string) (*Store, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("create gcs client: %w", err)
	}
	if _, err := client.Bucket(bucket).Attrs(ctx); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("get gcs bucket %q attributes: %w", bucket, err)
	}
	return &Store{client: client, bucket: bucket, prefix: prefix}, nil
}

// Put uploads data under prefix/objectPath and returns the gs:// location.
func (s *Store) Put(ctx context.Context, objectPath, contentType string, data []byte) (string, error) {
	name := path.Join(s.prefix, objectPath)
	wc := s.client.Bucket(s.bucket).Object(name).NewWriter(ctx)
	wc.ContentType = contentType
	if _, err := wc.Write(data); err != nil {
		_ = wc.Close()
		return "", fmt.Errorf("write gcs object %s: %w", name, err)
	}
	// Close finalizes the upload and flushes buffered data.
	if err := wc.Close(); err != nil {
		return "", fmt.Errorf("close gcs writer for %s: %w", name, err)
	}
	return fmt.Sprintf("gs://%s/%s", s.bucket, name), nil
}

// Close releases the underlying client.
func (s *Store) Close() error {
	if err := s.client.Close(); err != nil {
		return fmt.Errorf("close gcs client: %w", err)
	}
	return nil
}
