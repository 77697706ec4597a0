//go:build gcp

package audit

import (
	"context"
	"fmt"

	"cloud.google.com/go/storage"
)

// GCSUploader writes evidence packs to a Google Cloud Storage bucket.
// Credentials come from Application Default Credentials.
type GCSUploader struct {
	client *storage.Client
	bucket string
	prefix string
}

func NewGCSUploader(ctx context.Context, bucket, prefix string) (Uploader, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("audit: create GCS client: %w", err)
	}
	return &GCSUploader{client: client, bucket: bucket, prefix: prefix}, nil
}

func (u *GCSUploader) Upload(ctx context.Context, key string, pack []byte) (string, error) {
	objectPath := u.prefix + key
	w := u.client.Bucket(u.bucket).Object(objectPath).NewWriter(ctx)
	w.ContentType = "application/zip"
	if _, err := w.Write(pack); err != nil {
		_ = w.Close()
		return "", fmt.Errorf("audit: gcs write %s: %w", objectPath, err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("audit: gcs close %s: %w", objectPath, err)
	}
	return fmt.Sprintf("gs://%s/%s", u.bucket, objectPath), nil
}

func (u *GCSUploader) Close() error {
	return u.client.Close()
}
