package idempotency

import (
	"bytes"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/rewards-hub/api/internal/platform/auth"
	"github.com/rewards-hub/api/internal/platform/httpx"
)

const (
	defaultHeader = "Idempotency-Key"
	// ReplayHeader is set on responses served from the store.
	ReplayHeader = "Idempotent-Replayed"
	maxKeyLength = 255
)

type settings struct {
	header   string
	ttl      time.Duration
	required bool
	now      func() time.Time
	logger   *zap.Logger
}

// Option customises the middleware.
type Option func(*settings)

// WithHeader overrides the request header carrying the key.
func WithHeader(name string) Option {
	return func(s *settings) {
		if name = strings.TrimSpace(name); name != "" {
			s.header = name
		}
	}
}

// WithTTL sets how long completed responses are replayed.
func WithTTL(ttl time.Duration) Option {
	return func(s *settings) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// Required rejects requests without a key instead of passing them through.
func Required() Option {
	return func(s *settings) { s.required = true }
}

// WithLogger records store failures.
func WithLogger(logger *zap.Logger) Option {
	return func(s *settings) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *settings) {
		if now != nil {
			s.now = now
		}
	}
}

// Middleware replays the first response for a repeated key. Keys are scoped to the acting
// employee, so it must be mounted after authentication. Server errors are not stored, which
// lets a client retry the same key after a transient failure.
func Middleware(store Store, opts ...Option) func(http.Handler) http.Handler {
	cfg := settings{header: defaultHeader, ttl: DefaultTTL, now: time.Now, logger: zap.NewNop()}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}

	return func(next http.Handler) http.Handler {
		if store == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := strings.TrimSpace(r.Header.Get(cfg.header))
			if key == "" {
				if cfg.required {
					httpx.WriteError(r.Context(), w, httpx.NewError("idempotency_key_required", cfg.header+" header is required", http.StatusBadRequest))
					return
				}
				next.ServeHTTP(w, r)
				return
			}
			if len(key) > maxKeyLength {
				httpx.WriteError(r.Context(), w, httpx.NewError("idempotency_key_invalid", "idempotency key is too long", http.StatusBadRequest))
				return
			}

			body, err := bufferBody(r)
			if err != nil {
				httpx.WriteError(r.Context(), w, httpx.NewError("invalid_body", "unable to read request body", http.StatusBadRequest))
				return
			}

			scoped := scope(r, key)
			fingerprint := fingerprintOf(r, body)
			now := cfg.now().UTC()

			outcome, entry, err := store.Begin(r.Context(), scoped, fingerprint, now, cfg.ttl)
			switch {
			case errors.Is(err, ErrKeyReused):
				httpx.WriteError(r.Context(), w, httpx.NewError("idempotency_key_reused", "idempotency key was used for a different request", http.StatusUnprocessableEntity))
				return
			case err != nil:
				cfg.logger.Warn("idempotency begin failed", zap.Error(err))
				httpx.WriteError(r.Context(), w, httpx.NewError("idempotency_unavailable", "unable to process idempotency key", http.StatusServiceUnavailable))
				return
			}

			switch outcome {
			case OutcomeReplay:
				replay(w, entry)
				return
			case OutcomeBusy:
				httpx.WriteError(r.Context(), w, httpx.NewError("idempotency_in_progress", "a request with this idempotency key is still being processed", http.StatusConflict))
				return
			}

			capture := &capturingWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(capture, r)

			ctx := r.Context()
			if capture.status >= http.StatusInternalServerError {
				if err := store.Abandon(ctx, scoped); err != nil {
					cfg.logger.Warn("idempotency abandon failed", zap.Error(err))
				}
				return
			}
			snap := Snapshot{Status: capture.status, Header: w.Header().Clone(), Body: capture.body.Bytes()}
			if err := store.Finish(ctx, scoped, fingerprint, snap, cfg.now().UTC(), cfg.ttl); err != nil {
				cfg.logger.Warn("idempotency finish failed", zap.Error(err))
				_ = store.Abandon(ctx, scoped)
			}
		})
	}
}

func bufferBody(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	data, err := io.ReadAll(r.Body)
	_ = r.Body.Close()
	if err != nil {
		return nil, err
	}
	r.Body = io.NopCloser(bytes.NewReader(data))
	return data, nil
}

func scope(r *http.Request, key string) string {
	principal := "anonymous"
	if actor, ok := auth.ActorFromContext(r.Context()); ok {
		principal = string(actor.Role) + ":" + strconv.FormatInt(actor.EmployeeID, 10)
	}
	return principal + "|" + key
}

func fingerprintOf(r *http.Request, body []byte) string {
	var b strings.Builder
	b.WriteString(r.Method)
	b.WriteByte('\n')
	b.WriteString(r.URL.Path)
	b.WriteByte('\n')
	b.WriteString(r.URL.RawQuery)
	b.WriteByte('\n')
	b.WriteString(digest(body))
	return digest([]byte(b.String()))
}

func replay(w http.ResponseWriter, entry Entry) {
	header := w.Header()
	for name, values := range entry.Header {
		header[name] = append([]string(nil), values...)
	}
	header.Set(ReplayHeader, "true")
	status := entry.Status
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	_, _ = w.Write(entry.Body)
}

// capturingWriter streams the response through while keeping a copy of it.
type capturingWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
	body        bytes.Buffer
}

func (c *capturingWriter) WriteHeader(status int) {
	if c.wroteHeader {
		return
	}
	c.wroteHeader = true
	c.status = status
	c.ResponseWriter.WriteHeader(status)
}

func (c *capturingWriter) Write(p []byte) (int, error) {
	if !c.wroteHeader {
		c.WriteHeader(http.StatusOK)
	}
	c.body.Write(p)
	return c.ResponseWriter.Write(p)
}
