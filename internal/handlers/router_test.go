package handlers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	domain "github.com/rewards-hub/api/internal/domain"
	"github.com/rewards-hub/api/internal/services"
)

type stubSystemService struct {
	report services.SystemHealthReport
	err    error
}

func (s stubSystemService) HealthReport(context.Context) (services.SystemHealthReport, error) {
	return s.report, s.err
}

func TestRouter_UnknownRoute(t *testing.T) {
	rr := httptest.NewRecorder()
	NewRouter().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/nope", nil))
	requireStatus(t, rr, http.StatusNotFound)
	if code := errorCode(t, rr); code != errorNotFoundCode {
		t.Fatalf("expected %s, got %s", errorNotFoundCode, code)
	}
}

func TestRouter_UnregisteredGroupsAnswerNotImplemented(t *testing.T) {
	router := NewRouter()
	for _, path := range []string{
		"/api/v1/me/balance",
		"/api/v1/cart/items",
		"/api/v1/checkout",
		"/api/v1/orders",
		"/api/v1/admin/products",
		"/api/v1/hr/rewards",
		"/api/v1/webhooks/ingestion/products",
		"/api/v1/internal/sweeps/expiration",
		"/api/v1/rewards:claim",
	} {
		t.Run(path, func(t *testing.T) {
			rr := httptest.NewRecorder()
			router.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, path, nil))
			requireStatus(t, rr, http.StatusNotImplemented)
		})
	}
}

func TestRouter_GroupMiddlewaresRunBeforeRoutes(t *testing.T) {
	var hits []string
	tag := func(name string) func(http.Handler) http.Handler {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				hits = append(hits, name)
				next.ServeHTTP(w, r)
			})
		}
	}
	router := NewRouter(
		WithInternalMiddlewares(tag("internal")),
		WithWebhookMiddlewares(tag("webhooks")),
		WithInternalRoutes(func(r chi.Router) {
			r.Post("/ping", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusNoContent) })
		}),
	)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/api/v1/internal/ping", nil))
	requireStatus(t, rr, http.StatusNoContent)
	if len(hits) != 1 || hits[0] != "internal" {
		t.Fatalf("expected only the internal middleware, got %v", hits)
	}
}

func TestRouter_MissingActorIsUnauthenticated(t *testing.T) {
	api := newTestAPI(t)
	for _, path := range []string{"/api/v1/me/balance", "/api/v1/cart/items", "/api/v1/orders"} {
		rr := api.do(http.MethodGet, path, nil, nil)
		requireStatus(t, rr, http.StatusUnauthorized)
		if code := errorCode(t, rr); code != "unauthenticated" {
			t.Fatalf("%s: expected unauthenticated, got %s", path, code)
		}
	}
}

func TestRouter_InvalidPathParameter(t *testing.T) {
	api := newTestAPI(t)
	rr := api.do(http.MethodGet, "/api/v1/orders/abc", &employeeActor, nil)
	requireStatus(t, rr, http.StatusBadRequest)
}

func TestHealthz(t *testing.T) {
	started := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	health := NewHealthHandlers(
		WithHealthBuildInfo(services.BuildInfo{Version: "1.2.3", Environment: "test", StartedAt: started}),
		WithHealthClock(func() time.Time { return started.Add(90 * time.Second) }),
	)
	rr := httptest.NewRecorder()
	NewRouter(WithHealthHandlers(health)).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	requireStatus(t, rr, http.StatusOK)

	var body healthResponse
	decodeBody(t, rr, &body)
	if body.Status != domain.HealthStatusOK || body.Version != "1.2.3" || body.Uptime != "1m30s" {
		t.Fatalf("unexpected healthz body %+v", body)
	}
}

func TestReadyz(t *testing.T) {
	checkedAt := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		name       string
		system     services.SystemService
		wantStatus int
		wantCode   string
	}{
		{
			name: "ok",
			system: stubSystemService{report: services.SystemHealthReport{
				Status: domain.HealthStatusOK,
				Checks: map[string]domain.DependencyHealth{
					"firestore": {Status: domain.HealthStatusOK, Latency: 3 * time.Millisecond, CheckedAt: checkedAt},
				},
				GeneratedAt: checkedAt,
			}},
			wantStatus: http.StatusOK,
		},
		{
			name: "degraded",
			system: stubSystemService{report: services.SystemHealthReport{
				Status: domain.HealthStatusDegraded,
				Checks: map[string]domain.DependencyHealth{
					"redis": {Status: domain.HealthStatusDegraded, Detail: "connection refused", CheckedAt: checkedAt},
				},
			}},
			wantStatus: http.StatusServiceUnavailable,
		},
		{
			name:       "error",
			system:     stubSystemService{err: errors.New("boom")},
			wantStatus: http.StatusServiceUnavailable,
			wantCode:   "health_unavailable",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			router := NewRouter(WithHealthHandlers(NewHealthHandlers(WithHealthSystemService(tc.system))))
			rr := httptest.NewRecorder()
			router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
			requireStatus(t, rr, tc.wantStatus)
			if tc.wantCode != "" {
				if code := errorCode(t, rr); code != tc.wantCode {
					t.Fatalf("expected %s, got %s", tc.wantCode, code)
				}
				return
			}
			var body healthResponse
			decodeBody(t, rr, &body)
			if len(body.Checks) != 1 {
				t.Fatalf("expected one check, got %+v", body.Checks)
			}
		})
	}
}

func TestReadyz_MemoryRegistry(t *testing.T) {
	api := newTestAPI(t)
	rr := api.do(http.MethodGet, "/readyz", nil, nil)
	requireStatus(t, rr, http.StatusOK)
	var body healthResponse
	decodeBody(t, rr, &body)
	if _, ok := body.Checks["memory"]; !ok {
		t.Fatalf("expected memory check, got %+v", body.Checks)
	}
}

func TestDecodeRequest(t *testing.T) {
	type payload struct {
		Name  string `json:"name" validate:"required,max=5"`
		Count int    `json:"count" validate:"gte=0"`
	}
	tests := []struct {
		name       string
		body       string
		wantStatus int
		wantCode   string
	}{
		{name: "valid", body: `{"name":"abc","count":1}`, wantStatus: http.StatusOK},
		{name: "empty", body: ``, wantStatus: http.StatusBadRequest, wantCode: "invalid_request"},
		{name: "malformed", body: `{"name":`, wantStatus: http.StatusBadRequest, wantCode: "invalid_request"},
		{name: "unknown field", body: `{"name":"abc","extra":true}`, wantStatus: http.StatusBadRequest, wantCode: "invalid_request"},
		{name: "too long", body: `{"name":"abcdefgh"}`, wantStatus: http.StatusBadRequest, wantCode: "validation_failed"},
		{name: "too large", body: fmt.Sprintf(`{"name":"%s"}`, strings.Repeat("x", 200)), wantStatus: http.StatusRequestEntityTooLarge, wantCode: "payload_too_large"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(tc.body))
			rr := httptest.NewRecorder()
			var dst payload
			if decodeRequest(rr, req, 128, &dst) {
				rr.WriteHeader(http.StatusOK)
			}
			requireStatus(t, rr, tc.wantStatus)
			if tc.wantCode != "" {
				if code := errorCode(t, rr); code != tc.wantCode {
					t.Fatalf("expected %s, got %s", tc.wantCode, code)
				}
			}
		})
	}
}

func TestServiceError(t *testing.T) {
	tests := []struct {
		err        error
		wantCode   string
		wantStatus int
	}{
		{fmt.Errorf("ledger: %w", services.ErrInsufficientBalance), "insufficient_points", http.StatusUnprocessableEntity},
		{services.ErrProductUnavailable, "product_unavailable", http.StatusUnprocessableEntity},
		{services.ErrCheckoutBlocked, "checkout_blocked", http.StatusConflict},
		{services.ErrIllegalTransition, "illegal_transition", http.StatusConflict},
		{services.ErrAlreadyReversed, "already_reversed", http.StatusConflict},
		{services.ErrAlreadyRedeemed, "already_redeemed", http.StatusConflict},
		{services.ErrExpired, "reward_expired", http.StatusGone},
		{services.ErrInvalidSecret, "invalid_secret", http.StatusUnprocessableEntity},
		{services.ErrValidation, "invalid_request", http.StatusBadRequest},
		{services.ErrNotFound, "not_found", http.StatusNotFound},
		{services.ErrForbidden, "forbidden", http.StatusForbidden},
		{services.ErrConflict, "conflict", http.StatusConflict},
		{services.ErrStoreUnavailable, "store_unavailable", http.StatusServiceUnavailable},
		{context.DeadlineExceeded, "deadline_exceeded", http.StatusGatewayTimeout},
		{errors.New("refund pending"), "internal_error", http.StatusInternalServerError},
	}
	for _, tc := range tests {
		got := serviceError(tc.err)
		if got.Code != tc.wantCode || got.Status != tc.wantStatus {
			t.Fatalf("%v: expected %s/%d, got %s/%d", tc.err, tc.wantCode, tc.wantStatus, got.Code, got.Status)
		}
	}
}
