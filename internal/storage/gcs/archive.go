// Package gcs archives page markup in a Google Cloud Storage bucket.
package gcs

import (
	"context"
	"fmt"
	"io"
	"strings"

	"cloud.google.com/go/storage"
)

// Config captures the parameters required to write to GCS.
type Config struct {
	Bucket string
	// Metadata is attached to every object, e.g. the harvest run id.
	Metadata map[string]string
}

type writerFactory func(ctx context.Context, bucket, object, contentType string, metadata map[string]string) io.WriteCloser

// Archive uploads pages to the configured bucket.
type Archive struct {
	bucket    string
	metadata  map[string]string
	newWriter writerFactory
}

// New creates a GCS-backed archive.
func New(client *storage.Client, cfg Config) (*Archive, error) {
	if client == nil {
		return nil, fmt.Errorf("storage client is required")
	}
	return newArchive(cfg, func(ctx context.Context, bucket, object, contentType string, metadata map[string]string) io.WriteCloser {
		w := client.Bucket(bucket).Object(object).NewWriter(ctx)
		w.ContentType = contentType
		w.Metadata = metadata
		return w
	})
}

func newArchive(cfg Config, factory writerFactory) (*Archive, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	return &Archive{bucket: cfg.Bucket, metadata: cfg.Metadata, newWriter: factory}, nil
}

// PutObject uploads data to path and returns a gs:// URI.
func (a *Archive) PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error) {
	path = strings.TrimPrefix(strings.TrimSpace(path), "/")
	if path == "" {
		return "", fmt.Errorf("path is required")
	}
	writer := a.newWriter(ctx, a.bucket, path, contentType, a.metadata)
	if _, err := io.Copy(writer, r); err != nil {
		if closeErr := writer.Close(); closeErr != nil {
			return "", fmt.Errorf("copy object: %w (close writer: %v)", err, closeErr)
		}
		return "", fmt.Errorf("copy object: %w", err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("close writer: %w", err)
	}
	return fmt.Sprintf("gs://%s/%s", a.bucket, path), nil
}
