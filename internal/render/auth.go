package render

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/singleflight"
)

// SignedURLIssuer hands out time-limited URLs for storage objects. Implemented by the
// GCS storage client; faked in tests.
type SignedURLIssuer interface {
	SignedObjectURL(ctx context.Context, bucket, object string, ttl time.Duration) (string, error)
}

// AuthenticatedPDFSource is one signed-URL lease for a storage-backed document. It is
// mutated in place on refresh so every holder of the pointer observes the new URL;
// sources are superseded, never deleted.
type AuthenticatedPDFSource struct {
	mu          sync.Mutex
	url         string
	expiresAt   time.Time
	storagePath string
	bucket      string
}

func (s *AuthenticatedPDFSource) URL() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.url
}

func (s *AuthenticatedPDFSource) ExpiresAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.expiresAt
}

func (s *AuthenticatedPDFSource) StoragePath() string { return s.storagePath }
func (s *AuthenticatedPDFSource) Bucket() string      { return s.bucket }

// SourceManager creates signed-URL sources and keeps them valid. Concurrent refreshes
// of the same object are collapsed through singleflight.
type SourceManager struct {
	issuer SignedURLIssuer
	group  singleflight.Group
	log    *slog.Logger

	// retryInterval seeds the backoff used by RetryWithAuth. Tests shrink it.
	retryInterval time.Duration
}

func NewSourceManager(issuer SignedURLIssuer, log *slog.Logger) *SourceManager {
	if log == nil {
		log = slog.Default()
	}
	return &SourceManager{issuer: issuer, log: log, retryInterval: 500 * time.Millisecond}
}

// CreateSource requests a signed URL for bucket/path valid for ttl.
func (m *SourceManager) CreateSource(ctx context.Context, path string, ttl time.Duration, bucket string) (*AuthenticatedPDFSource, error) {
	url, err := m.issuer.SignedObjectURL(ctx, bucket, path, ttl)
	if err != nil {
		m.log.Error("Failed to create signed URL.", "bucket", bucket, "object", path, "error", err)
		return nil, fmt.Errorf("failed to sign gs://%s/%s: %w", bucket, path, err)
	}
	return &AuthenticatedPDFSource{
		url:         url,
		expiresAt:   time.Now().Add(ttl),
		storagePath: path,
		bucket:      bucket,
	}, nil
}

// IsSignedURLExpired reports whether the lease is within buffer of (or past) expiry.
// A positive buffer lets callers refresh proactively.
func (m *SourceManager) IsSignedURLExpired(src *AuthenticatedPDFSource, buffer time.Duration) bool {
	return time.Until(src.ExpiresAt()) <= buffer
}

// RefreshSignedURL re-signs the same object and overwrites the source in place.
func (m *SourceManager) RefreshSignedURL(ctx context.Context, src *AuthenticatedPDFSource, ttl time.Duration) error {
	key := src.bucket + "/" + src.storagePath
	url, err, _ := m.group.Do(key, func() (interface{}, error) {
		return m.issuer.SignedObjectURL(ctx, src.bucket, src.storagePath, ttl)
	})
	if err != nil {
		m.log.Error("Failed to refresh signed URL.", "bucket", src.bucket, "object", src.storagePath, "error", err)
		return fmt.Errorf("failed to refresh gs://%s/%s: %w", src.bucket, src.storagePath, err)
	}
	src.mu.Lock()
	src.url = url.(string)
	src.expiresAt = time.Now().Add(ttl)
	src.mu.Unlock()
	m.log.Info("Signed URL refreshed.", "bucket", src.bucket, "object", src.storagePath, "expiresAt", src.ExpiresAt())
	return nil
}

// ValidSignedURL returns the source's URL, refreshing it in place first if the lease
// has expired.
func (m *SourceManager) ValidSignedURL(ctx context.Context, src *AuthenticatedPDFSource, ttl time.Duration) (string, error) {
	if !m.IsSignedURLExpired(src, 0) {
		return src.URL(), nil
	}
	if err := m.RefreshSignedURL(ctx, src, ttl); err != nil {
		return "", err
	}
	return src.URL(), nil
}

// RetryWithAuth runs loadFn against the source's current URL, refreshing the lease
// and retrying on authentication failures, up to maxRetries extra attempts. Any
// non-auth failure propagates immediately.
func (m *SourceManager) RetryWithAuth(ctx context.Context, src *AuthenticatedPDFSource, ttl time.Duration, maxRetries int, loadFn func(ctx context.Context, url string) error) error {
	op := func() error {
		err := loadFn(ctx, src.URL())
		if err == nil {
			return nil
		}
		if !IsAuthenticationError(err) {
			return backoff.Permanent(err)
		}
		m.log.Warn("Authentication failure, refreshing signed URL before retry.", "object", src.storagePath, "error", err)
		if rerr := m.RefreshSignedURL(ctx, src, ttl); rerr != nil {
			return backoff.Permanent(fmt.Errorf("refresh after auth failure: %w", rerr))
		}
		return err
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = m.retryInterval
	return backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(b, uint64(maxRetries)), ctx))
}
