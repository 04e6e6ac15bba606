package blob

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/Mohan-38/docgrant/internal/grant"
)

// DefaultURLTTL bounds how long a signed download link stays usable.
const DefaultURLTTL = 15 * time.Minute

var ErrInvalidPath = errors.New("blob: invalid object path")

// Signer mints short-lived download URLs for stored documents. Allowed
// verifications hand out signed URLs instead of proxying bytes.
type Signer interface {
	SignedURL(ctx context.Context, d grant.Document, expiry time.Duration) (string, error)
}

// MinIO signs S3-style GET URLs against one bucket.
type MinIO struct {
	client *minio.Client
	bucket string
}

var _ Signer = (*MinIO)(nil)

func NewMinIO(endpoint, accessKey, secretKey, bucket string, useTLS bool) (*MinIO, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("minio client: %w", err)
	}
	return &MinIO{client: client, bucket: bucket}, nil
}

func (m *MinIO) SignedURL(ctx context.Context, d grant.Document, expiry time.Duration) (string, error) {
	if d.Path == "" || strings.Contains(d.Path, "..") {
		return "", ErrInvalidPath
	}
	if expiry <= 0 {
		expiry = DefaultURLTTL
	}
	params := make(url.Values)
	if d.Name != "" {
		// Browsers save under the purchased name, not the storage key.
		params.Set("response-content-disposition", fmt.Sprintf("attachment; filename=%q", d.Name))
	}
	u, err := m.client.PresignedGetObject(ctx, m.bucket, d.Path, expiry, params)
	if err != nil {
		return "", fmt.Errorf("presign %s: %w", d.Path, err)
	}
	return u.String(), nil
}

// Static joins document paths onto a fixed base URL. Dev mode runs without
// an object store behind it.
type Static struct {
	base string
}

var _ Signer = (*Static)(nil)

func NewStatic(base string) *Static {
	return &Static{base: strings.TrimRight(base, "/")}
}

func (s *Static) SignedURL(_ context.Context, d grant.Document, _ time.Duration) (string, error) {
	if d.Path == "" || strings.Contains(d.Path, "..") {
		return "", ErrInvalidPath
	}
	return s.base + "/" + strings.TrimLeft(d.Path, "/"), nil
}
