package auth

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	domain "github.com/rewards-hub/api/internal/domain"
)

const (
	defaultSignatureHeader = "X-Signature"
	defaultTimestampHeader = "X-Signature-Timestamp"
	defaultClockSkew       = 5 * time.Minute
	maxSignedBodyBytes     = 4 << 20
)

// SecretProvider resolves shared secrets used for HMAC validation.
type SecretProvider interface {
	GetSecret(ctx context.Context, name string) (string, error)
}

// StaticSecrets serves secrets already resolved at configuration time.
type StaticSecrets map[string]string

// GetSecret implements SecretProvider.
func (s StaticSecrets) GetSecret(_ context.Context, name string) (string, error) {
	secret, ok := s[strings.ToLower(name)]
	if !ok || secret == "" {
		return "", fmt.Errorf("auth: hmac secret %q not configured", name)
	}
	return secret, nil
}

// HMACValidator verifies signed bulk-ingestion requests.
type HMACValidator struct {
	provider SecretProvider
	metrics  MetricsRecorder
	now      func() time.Time

	signatureHeader string
	timestampHeader string
	clockSkew       time.Duration
}

// HMACOption customises the validator.
type HMACOption func(*HMACValidator)

// WithHMACMetrics sets the metrics recorder.
func WithHMACMetrics(metrics MetricsRecorder) HMACOption {
	return func(v *HMACValidator) {
		v.metrics = metrics
	}
}

// WithHMACClock injects a custom clock.
func WithHMACClock(now func() time.Time) HMACOption {
	return func(v *HMACValidator) {
		if now != nil {
			v.now = now
		}
	}
}

// WithHMACHeaders customises the header names used by the middleware.
func WithHMACHeaders(signature, timestamp string) HMACOption {
	return func(v *HMACValidator) {
		if signature != "" {
			v.signatureHeader = signature
		}
		if timestamp != "" {
			v.timestampHeader = timestamp
		}
	}
}

// WithHMACClockSkew adjusts the accepted timestamp skew.
func WithHMACClockSkew(d time.Duration) HMACOption {
	return func(v *HMACValidator) {
		if d > 0 {
			v.clockSkew = d
		}
	}
}

// NewHMACValidator builds a validator using the given secret provider.
func NewHMACValidator(provider SecretProvider, opts ...HMACOption) *HMACValidator {
	validator := &HMACValidator{
		provider:        provider,
		now:             time.Now,
		signatureHeader: defaultSignatureHeader,
		timestampHeader: defaultTimestampHeader,
		clockSkew:       defaultClockSkew,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(validator)
		}
	}
	return validator
}

// RequireHMAC admits requests signed with the named secret and attaches actor to the
// request context. The signature covers method, path, timestamp and the body digest.
func (v *HMACValidator) RequireHMAC(secretName string, actor domain.Actor) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			secret, err := v.provider.GetSecret(ctx, secretName)
			if err != nil {
				v.record(ctx, false, "secret_unavailable")
				respondAuthError(ctx, w, http.StatusServiceUnavailable, "verification_unavailable", "hmac secret unavailable")
				return
			}

			signatureValue := strings.TrimSpace(r.Header.Get(v.signatureHeader))
			timestampValue := strings.TrimSpace(r.Header.Get(v.timestampHeader))
			if signatureValue == "" || timestampValue == "" {
				v.record(ctx, false, "signature_missing")
				respondAuthError(ctx, w, http.StatusUnauthorized, "signature_missing", "signature headers missing")
				return
			}

			timestamp, err := parseSignatureTimestamp(timestampValue)
			if err != nil {
				v.record(ctx, false, "timestamp_invalid")
				respondAuthError(ctx, w, http.StatusUnauthorized, "timestamp_invalid", "signature timestamp invalid")
				return
			}
			if skew := v.now().Sub(timestamp); skew > v.clockSkew || skew < -v.clockSkew {
				v.record(ctx, false, "timestamp_skew")
				respondAuthError(ctx, w, http.StatusUnauthorized, "timestamp_skew", "signature timestamp outside allowed window")
				return
			}

			body, err := readAndRestoreBody(r)
			if err != nil {
				v.record(ctx, false, "body_unreadable")
				respondAuthError(ctx, w, http.StatusBadRequest, "invalid_body", "unable to read body for signature verification")
				return
			}

			signature, err := decodeSignature(signatureValue)
			if err != nil {
				v.record(ctx, false, "signature_invalid")
				respondAuthError(ctx, w, http.StatusUnauthorized, "signature_invalid", "signature encoding invalid")
				return
			}
			expected := computeHMAC([]byte(secret), buildCanonicalString(r, body, timestampValue))
			if !hmac.Equal(signature, expected) {
				v.record(ctx, false, "signature_mismatch")
				respondAuthError(ctx, w, http.StatusUnauthorized, "signature_mismatch", "signature verification failed")
				return
			}

			v.record(ctx, true, "ok")
			next.ServeHTTP(w, r.WithContext(WithActor(ctx, actor)))
		})
	}
}

func (v *HMACValidator) record(ctx context.Context, success bool, reason string) {
	if v == nil || v.metrics == nil {
		return
	}
	v.metrics.RecordVerification(ctx, "hmac", success, reason)
}

func readAndRestoreBody(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	defer r.Body.Close()
	buf, err := io.ReadAll(io.LimitReader(r.Body, maxSignedBodyBytes+1))
	if err != nil {
		return nil, err
	}
	if len(buf) > maxSignedBodyBytes {
		return nil, errors.New("auth: signed body too large")
	}
	r.Body = io.NopCloser(bytes.NewReader(buf))
	return buf, nil
}

func decodeSignature(value string) ([]byte, error) {
	if decoded, err := hex.DecodeString(value); err == nil {
		return decoded, nil
	}
	if decoded, err := base64.StdEncoding.DecodeString(value); err == nil {
		return decoded, nil
	}
	return nil, errors.New("auth: signature must be hex or base64 encoded")
}

func parseSignatureTimestamp(value string) (time.Time, error) {
	if seconds, err := strconv.ParseInt(value, 10, 64); err == nil {
		return time.Unix(seconds, 0).UTC(), nil
	}
	if ts, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return ts.UTC(), nil
	}
	return time.Time{}, fmt.Errorf("auth: unable to parse timestamp %q", value)
}

func buildCanonicalString(r *http.Request, body []byte, timestamp string) []byte {
	path := r.URL.EscapedPath()
	if path == "" {
		path = "/"
	}
	digest := sha256.Sum256(body)
	return []byte(strings.Join([]string{
		strings.ToUpper(r.Method),
		path,
		timestamp,
		hex.EncodeToString(digest[:]),
	}, "\n"))
}

func computeHMAC(secret, message []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	_, _ = mac.Write(message)
	return mac.Sum(nil)
}
