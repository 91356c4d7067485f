package gcp

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
)

// GetEnv is a helper to read an environment variable or return a default value.
func GetEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

// StorageClient wraps the GCS client with the operations the render pipeline needs:
// signed URL issuance for document fetches and idempotent writes of rendered pages.
type StorageClient struct {
	client *storage.Client
}

func NewStorageClient(ctx context.Context) (*StorageClient, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create Storage client: %w", err)
	}
	return &StorageClient{client: client}, nil
}

func (c *StorageClient) Bucket(name string) *storage.BucketHandle {
	return c.client.Bucket(name)
}

// SignedObjectURL issues a V4 GET signed URL for the object, valid for ttl. The URL
// serves the object inline (no attachment disposition) so it is fetch-compatible
// rather than forcing a browser download.
func (c *StorageClient) SignedObjectURL(ctx context.Context, bucket, object string, ttl time.Duration) (string, error) {
	url, err := c.client.Bucket(bucket).SignedURL(object, &storage.SignedURLOptions{
		Scheme:  storage.SigningSchemeV4,
		Method:  http.MethodGet,
		Expires: time.Now().Add(ttl),
	})
	if err != nil {
		return "", fmt.Errorf("failed to sign URL for gs://%s/%s: %w", bucket, object, err)
	}
	return url, nil
}

// SaveObjectAtomically writes data to a GCS object only if it doesn't already exist,
// making rendered-page uploads idempotent across retried invocations.
func (c *StorageClient) SaveObjectAtomically(ctx context.Context, bucket, objectName, contentType string, data []byte) error {
	writer := c.client.Bucket(bucket).Object(objectName).If(storage.Conditions{DoesNotExist: true}).NewWriter(ctx)
	writer.ContentType = contentType

	if _, err := writer.Write(data); err != nil {
		_ = writer.Close()
		if gerr, ok := err.(*googleapi.Error); ok && gerr.Code == 412 {
			slog.Info("SKIPPING: Object already exists.", "object", objectName)
			return nil // Not a failure in an idempotent workflow.
		}
		return fmt.Errorf("failed to write to GCS: %w", err)
	}

	if err := writer.Close(); err != nil {
		if gerr, ok := err.(*googleapi.Error); ok && gerr.Code == 412 {
			slog.Info("SKIPPING: Object already exists.", "object", objectName)
			return nil
		}
		return fmt.Errorf("failed to finalize GCS write for %s: %w", objectName, err)
	}
	return nil
}

// BucketConfig maps content-type families onto the platform's storage buckets.
type BucketConfig struct {
	Documents string
	Images    string
	Videos    string
}

// LoadBucketConfig reads the bucket mapping from the environment. Documents is the
// only required bucket; image and video buckets fall back to it when unset.
func LoadBucketConfig() (*BucketConfig, error) {
	docs := GetEnv("DOCUMENTS_BUCKET", "")
	if docs == "" {
		return nil, fmt.Errorf("DOCUMENTS_BUCKET environment variable must be set")
	}
	return &BucketConfig{
		Documents: docs,
		Images:    GetEnv("IMAGES_BUCKET", docs),
		Videos:    GetEnv("VIDEOS_BUCKET", docs),
	}, nil
}

// BucketForContentType routes a content type onto its storage bucket.
func (b *BucketConfig) BucketForContentType(contentType string) string {
	switch {
	case strings.HasPrefix(contentType, "image/"):
		return b.Images
	case strings.HasPrefix(contentType, "video/"):
		return b.Videos
	default:
		return b.Documents
	}
}
