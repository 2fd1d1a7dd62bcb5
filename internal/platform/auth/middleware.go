package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	firebaseauth "firebase.google.com/go/v4/auth"

	domain "github.com/rewards-hub/api/internal/domain"
	"github.com/rewards-hub/api/internal/platform/httpx"
)

const (
	defaultRoleClaim       = "role"
	defaultEmployeeIDClaim = "employeeId"
	defaultNameClaim       = "name"
	defaultVerifyTimeout   = 5 * time.Second
)

var (
	// ErrTokenExpired signals that the provided Firebase ID token has expired.
	ErrTokenExpired = errors.New("auth: firebase id token expired")
	// ErrTokenInvalid signals that the provided Firebase ID token is invalid for other reasons.
	ErrTokenInvalid = errors.New("auth: firebase id token invalid")
)

// TokenVerifier verifies Firebase ID tokens.
type TokenVerifier interface {
	VerifyIDToken(ctx context.Context, idToken string) (*firebaseauth.Token, error)
}

// MetricsRecorder records verification outcomes.
type MetricsRecorder interface {
	RecordVerification(ctx context.Context, kind string, success bool, reason string)
}

// Authenticator turns Firebase ID tokens into request actors.
type Authenticator struct {
	verifier TokenVerifier
	metrics  MetricsRecorder

	roleClaim       string
	employeeIDClaim string
	timeout         time.Duration
}

// Option customises Authenticator behaviour.
type Option func(*Authenticator)

// WithRoleClaim overrides the custom claim holding the role.
func WithRoleClaim(claim string) Option {
	return func(a *Authenticator) {
		if claim = strings.TrimSpace(claim); claim != "" {
			a.roleClaim = claim
		}
	}
}

// WithEmployeeIDClaim overrides the custom claim holding the numeric employee id.
func WithEmployeeIDClaim(claim string) Option {
	return func(a *Authenticator) {
		if claim = strings.TrimSpace(claim); claim != "" {
			a.employeeIDClaim = claim
		}
	}
}

// WithVerificationTimeout bounds token verification.
func WithVerificationTimeout(d time.Duration) Option {
	return func(a *Authenticator) {
		if d > 0 {
			a.timeout = d
		}
	}
}

// WithMetrics records verification outcomes.
func WithMetrics(recorder MetricsRecorder) Option {
	return func(a *Authenticator) {
		a.metrics = recorder
	}
}

// NewAuthenticator constructs a Firebase Authenticator for middleware composition.
func NewAuthenticator(verifier TokenVerifier, opts ...Option) *Authenticator {
	a := &Authenticator{
		verifier:        verifier,
		roleClaim:       defaultRoleClaim,
		employeeIDClaim: defaultEmployeeIDClaim,
		timeout:         defaultVerifyTimeout,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	return a
}

// RequireActor verifies the bearer token and, when roles are given, requires one of them.
func (a *Authenticator) RequireActor(roles ...domain.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			tokenStr, ok := extractBearerToken(r.Header.Get("Authorization"))
			if !ok {
				a.record(ctx, false, "token_missing")
				respondAuthError(ctx, w, http.StatusUnauthorized, "unauthenticated", "authorization header missing or invalid")
				return
			}
			if a == nil || a.verifier == nil {
				respondAuthError(ctx, w, http.StatusServiceUnavailable, "verification_unavailable", "authorization service unavailable")
				return
			}

			verifyCtx, cancel := context.WithTimeout(ctx, a.timeout)
			token, err := a.verifier.VerifyIDToken(verifyCtx, tokenStr)
			cancel()
			if err != nil {
				a.record(ctx, false, "token_invalid")
				respondVerificationError(ctx, w, err)
				return
			}

			identity, err := a.identityFromToken(token)
			if err != nil {
				a.record(ctx, false, "claims_invalid")
				respondAuthError(ctx, w, http.StatusUnauthorized, "invalid_claims", err.Error())
				return
			}
			if len(roles) > 0 && !identity.HasRole(roles...) {
				a.record(ctx, false, "insufficient_role")
				respondAuthError(ctx, w, http.StatusForbidden, "insufficient_role", "identity does not have required role")
				return
			}

			a.record(ctx, true, "ok")
			next.ServeHTTP(w, r.WithContext(WithIdentity(ctx, identity)))
		})
	}
}

func (a *Authenticator) identityFromToken(token *firebaseauth.Token) (*Identity, error) {
	if token == nil {
		return nil, ErrTokenInvalid
	}
	employeeID, ok := claimAsInt64(token.Claims, a.employeeIDClaim)
	if !ok || employeeID <= 0 {
		return nil, errors.New("employee id claim missing")
	}
	role := domain.RoleEmployee
	if raw := strings.ToLower(claimAsString(token.Claims, a.roleClaim)); raw != "" {
		switch domain.Role(raw) {
		case domain.RoleEmployee, domain.RoleAdmin, domain.RoleHR:
			role = domain.Role(raw)
		default:
			return nil, errors.New("role claim not recognised")
		}
	}
	return &Identity{
		UID:   token.UID,
		Email: claimAsString(token.Claims, "email"),
		Actor: domain.Actor{
			EmployeeID: employeeID,
			Name:       claimAsString(token.Claims, defaultNameClaim),
			Role:       role,
		},
		token: token,
	}, nil
}

func (a *Authenticator) record(ctx context.Context, success bool, reason string) {
	if a == nil || a.metrics == nil {
		return
	}
	a.metrics.RecordVerification(ctx, "firebase", success, reason)
}

func claimAsString(claims map[string]any, key string) string {
	if v, ok := claims[key].(string); ok {
		return strings.TrimSpace(v)
	}
	return ""
}

// claimAsInt64 accepts both JSON numbers and numeric strings.
func claimAsInt64(claims map[string]any, key string) (int64, bool) {
	switch v := claims[key].(type) {
	case float64:
		if v != float64(int64(v)) {
			return 0, false
		}
		return int64(v), true
	case int64:
		return v, true
	case int:
		return int64(v), true
	case json.Number:
		n, err := v.Int64()
		return n, err == nil
	case string:
		n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		return n, err == nil
	default:
		return 0, false
	}
}

func extractBearerToken(header string) (string, bool) {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

func respondAuthError(ctx context.Context, w http.ResponseWriter, status int, code, message string) {
	httpx.WriteError(ctx, w, httpx.NewError(code, message, status))
}

func respondVerificationError(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrTokenExpired), firebaseauth.IsIDTokenExpired(err):
		respondAuthError(ctx, w, http.StatusUnauthorized, "token_expired", "firebase id token expired")
	default:
		respondAuthError(ctx, w, http.StatusUnauthorized, "invalid_token", "firebase id token invalid")
	}
}
