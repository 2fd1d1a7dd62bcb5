package storage

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	gcs "cloud.google.com/go/storage"
)

const (
	defaultUploadExpiry   = 15 * time.Minute
	defaultDownloadExpiry = 10 * time.Minute
	maxSignedURLExpiry    = time.Hour
)

var (
	errNoSigner          = errors.New("storage: signer is required")
	errNoBucket          = errors.New("storage: bucket is required")
	errNoObject          = errors.New("storage: object is required")
	errContentTypeDenied = errors.New("storage: content type not allowed")
	errExpiryTooLong     = errors.New("storage: expiry exceeds one hour")
)

// SignedURL is a time-limited URL plus the headers the client must send with it.
type SignedURL struct {
	URL       string
	Method    string
	Headers   map[string]string
	ExpiresAt time.Time
}

// URLSigner issues V4 signed URLs for one bucket.
type URLSigner struct {
	bucket string
	signer Signer
	now    func() time.Time
}

// URLSignerOption customises a URLSigner.
type URLSignerOption func(*URLSigner)

// WithClock overrides the time source.
func WithClock(now func() time.Time) URLSignerOption {
	return func(s *URLSigner) {
		if now != nil {
			s.now = now
		}
	}
}

// NewURLSigner constructs a signer for bucket.
func NewURLSigner(bucket string, signer Signer, opts ...URLSignerOption) (*URLSigner, error) {
	bucket = strings.TrimSpace(bucket)
	if bucket == "" {
		return nil, errNoBucket
	}
	if signer == nil || signer.Email() == "" {
		return nil, errNoSigner
	}
	s := &URLSigner{bucket: bucket, signer: signer, now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s, nil
}

// Bucket returns the bucket URLs are issued for.
func (s *URLSigner) Bucket() string { return s.bucket }

// UploadRequest describes a browser upload.
type UploadRequest struct {
	Object       string
	ContentType  string
	AllowedTypes []string
	MaxBytes     int64
	ExpiresIn    time.Duration
}

// Upload issues a PUT URL restricted to the content type and, optionally, a size range.
func (s *URLSigner) Upload(ctx context.Context, req UploadRequest) (SignedURL, error) {
	if strings.TrimSpace(req.Object) == "" {
		return SignedURL{}, errNoObject
	}
	contentType := strings.ToLower(strings.TrimSpace(req.ContentType))
	if !allowedType(contentType, req.AllowedTypes) {
		return SignedURL{}, fmt.Errorf("%w: %q", errContentTypeDenied, req.ContentType)
	}
	expiry, err := boundedExpiry(req.ExpiresIn, defaultUploadExpiry)
	if err != nil {
		return SignedURL{}, err
	}

	headers := map[string]string{"Content-Type": contentType}
	var extra []string
	if req.MaxBytes > 0 {
		rng := fmt.Sprintf("0,%d", req.MaxBytes)
		headers["x-goog-content-length-range"] = rng
		extra = append(extra, "x-goog-content-length-range:"+rng)
	}

	expiresAt := s.now().Add(expiry)
	signed, err := gcs.SignedURL(s.bucket, req.Object, &gcs.SignedURLOptions{
		GoogleAccessID: s.signer.Email(),
		Scheme:         gcs.SigningSchemeV4,
		Method:         "PUT",
		ContentType:    contentType,
		Headers:        extra,
		Expires:        expiresAt,
		SignBytes:      func(b []byte) ([]byte, error) { return s.signer.SignBytes(ctx, b) },
	})
	if err != nil {
		return SignedURL{}, fmt.Errorf("storage: sign upload url: %w", err)
	}
	return SignedURL{URL: signed, Method: "PUT", Headers: headers, ExpiresAt: expiresAt}, nil
}

// Download issues a GET URL that serves the object as an attachment named fileName.
func (s *URLSigner) Download(ctx context.Context, object, fileName string, expiresIn time.Duration) (SignedURL, error) {
	if strings.TrimSpace(object) == "" {
		return SignedURL{}, errNoObject
	}
	expiry, err := boundedExpiry(expiresIn, defaultDownloadExpiry)
	if err != nil {
		return SignedURL{}, err
	}
	query := url.Values{}
	if fileName != "" {
		query.Set("response-content-disposition", fmt.Sprintf("attachment; filename=%q", fileName))
	}

	expiresAt := s.now().Add(expiry)
	signed, err := gcs.SignedURL(s.bucket, object, &gcs.SignedURLOptions{
		GoogleAccessID:  s.signer.Email(),
		Scheme:          gcs.SigningSchemeV4,
		Method:          "GET",
		Expires:         expiresAt,
		QueryParameters: query,
		SignBytes:       func(b []byte) ([]byte, error) { return s.signer.SignBytes(ctx, b) },
	})
	if err != nil {
		return SignedURL{}, fmt.Errorf("storage: sign download url: %w", err)
	}
	return SignedURL{URL: signed, Method: "GET", ExpiresAt: expiresAt}, nil
}

func boundedExpiry(requested, fallback time.Duration) (time.Duration, error) {
	if requested <= 0 {
		return fallback, nil
	}
	if requested > maxSignedURLExpiry {
		return 0, errExpiryTooLong
	}
	return requested, nil
}

func allowedType(contentType string, allowed []string) bool {
	if contentType == "" {
		return false
	}
	if len(allowed) == 0 {
		return true
	}
	for _, candidate := range allowed {
		candidate = strings.ToLower(strings.TrimSpace(candidate))
		if candidate == contentType {
			return true
		}
		if prefix, ok := strings.CutSuffix(candidate, "/*"); ok && strings.HasPrefix(contentType, prefix+"/") {
			return true
		}
	}
	return false
}
