package handlers

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/crypto/bcrypt"

	domain "github.com/rewards-hub/api/internal/domain"
	"github.com/rewards-hub/api/internal/platform/auth"
	"github.com/rewards-hub/api/internal/repositories/memory"
	"github.com/rewards-hub/api/internal/services"
)

var (
	adminActor    = domain.Actor{EmployeeID: 1, Name: "Ada Admin", Role: domain.RoleAdmin}
	hrActor       = domain.Actor{EmployeeID: 2, Name: "Hana HR", Role: domain.RoleHR}
	employeeActor = domain.Actor{EmployeeID: 100, Name: "Eve Employee", Role: domain.RoleEmployee}
)

// testAPI wires the real services over the memory registry. Authentication is replaced by
// actors injected into the request context.
type testAPI struct {
	t      *testing.T
	router chi.Router
	store  *memory.Registry
	svc    testServices
}

type testServices struct {
	ledger         services.LedgerService
	carts          services.CartService
	orders         services.OrderService
	redemptions    services.RedemptionService
	expiration     services.ExpirationService
	reconciliation services.ReconciliationService
	catalog        services.CatalogService
	system         services.SystemService
}

var handlerTestIDs atomic.Int64

func nextTestID() string {
	return fmt.Sprintf("h-%06d", handlerTestIDs.Add(1))
}

func newTestServices(t *testing.T, store *memory.Registry) testServices {
	t.Helper()
	clock := func() time.Time { return time.Now().UTC() }

	sequences, err := services.NewSequenceService(services.SequenceServiceDeps{Repository: store.Counters(), Backoff: time.Millisecond})
	mustNoErr(t, err)
	ledger, err := services.NewLedgerService(services.LedgerServiceDeps{Repository: store.Ledger(), Sequences: sequences, Clock: clock})
	mustNoErr(t, err)
	carts, err := services.NewCartService(services.CartServiceDeps{Carts: store.Carts(), Products: store.Products(), Clock: clock})
	mustNoErr(t, err)
	orders, err := services.NewOrderService(services.OrderServiceDeps{
		Orders:      store.Orders(),
		Products:    store.Products(),
		Ledger:      ledger,
		Sequences:   sequences,
		Carts:       carts,
		Clock:       clock,
		IDGenerator: nextTestID,
	})
	mustNoErr(t, err)
	redemptions, err := services.NewRedemptionService(services.RedemptionServiceDeps{
		Rewards:     store.Rewards(),
		Ledger:      ledger,
		Clock:       clock,
		IDGenerator: nextTestID,
		BcryptCost:  bcrypt.MinCost,
	})
	mustNoErr(t, err)
	expiration, err := services.NewExpirationService(services.ExpirationServiceDeps{Rewards: store.Rewards(), Schedules: store.Schedules(), Clock: clock})
	mustNoErr(t, err)
	reconciliation, err := services.NewReconciliationService(services.ReconciliationServiceDeps{
		LedgerStore: store.Ledger(),
		Ledger:      ledger,
		Orders:      store.Orders(),
		Rewards:     store.Rewards(),
		GracePeriod: time.Minute,
		Clock:       clock,
	})
	mustNoErr(t, err)
	catalog, err := services.NewCatalogService(services.CatalogServiceDeps{
		Products:    store.Products(),
		Logs:        store.ProductLogs(),
		Sequences:   sequences,
		Clock:       clock,
		IDGenerator: nextTestID,
	})
	mustNoErr(t, err)
	system, err := services.NewSystemService(services.SystemServiceDeps{HealthRepository: store.Health(), Build: services.BuildInfo{Version: "test"}})
	mustNoErr(t, err)

	return testServices{
		ledger:         ledger,
		carts:          carts,
		orders:         orders,
		redemptions:    redemptions,
		expiration:     expiration,
		reconciliation: reconciliation,
		catalog:        catalog,
		system:         system,
	}
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	return newTestAPIWith(t, nil)
}

// newTestAPIWith lets a test replace route groups; options returned by extra are applied
// after the defaults.
func newTestAPIWith(t *testing.T, extra func(testServices) []Option) *testAPI {
	t.Helper()
	store := memory.NewRegistry()
	svc := newTestServices(t, store)

	base := []Option{
		WithHealthHandlers(NewHealthHandlers(WithHealthSystemService(svc.system))),
		WithMeRoutes(NewMeHandlers(nil, svc.ledger, svc.redemptions).Routes),
		WithProductRoutes(NewProductHandlers(nil, svc.catalog).Routes),
		WithCartRoutes(NewCartHandlers(nil, svc.carts).Routes),
		WithCheckoutRoutes(NewCheckoutHandlers(nil, svc.carts, svc.orders, svc.ledger, nil).Routes),
		WithOrderRoutes(NewOrderHandlers(nil, svc.orders).Routes),
		WithRewardRoutes(NewRewardHandlers(nil, svc.redemptions, nil).Routes),
		WithAdminRoutes(NewAdminHandlers(nil, svc.catalog, svc.orders).Routes),
		WithHRRoutes(NewHRHandlers(nil, svc.redemptions, svc.expiration).Routes),
		WithInternalRoutes(NewInternalHandlers(svc.expiration, svc.reconciliation).Routes),
		WithWebhookRoutes(NewIngestionHandlers(svc.catalog, svc.redemptions).Routes),
	}
	if extra != nil {
		base = append(base, extra(svc)...)
	}
	return &testAPI{t: t, router: NewRouter(base...), store: store, svc: svc}
}

func (a *testAPI) do(method, path string, actor *domain.Actor, body any) *httptest.ResponseRecorder {
	a.t.Helper()
	return a.doWithHeaders(method, path, actor, body, nil)
}

func (a *testAPI) doWithHeaders(method, path string, actor *domain.Actor, body any, headers map[string]string) *httptest.ResponseRecorder {
	a.t.Helper()
	var reader *bytes.Reader
	switch v := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(v))
	default:
		raw, err := json.Marshal(v)
		mustNoErr(a.t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	if actor != nil {
		req = req.WithContext(auth.WithActor(req.Context(), *actor))
	}
	rr := httptest.NewRecorder()
	a.router.ServeHTTP(rr, req)
	return rr
}

func (a *testAPI) createProduct(title string, points int64) int64 {
	a.t.Helper()
	rr := a.do(http.MethodPost, "/api/v1/admin/products", &adminActor, map[string]any{"title": title, "rewardPoints": points})
	requireStatus(a.t, rr, http.StatusCreated)
	var product productPayload
	decodeBody(a.t, rr, &product)
	return product.ProductID
}

func (a *testAPI) grant(employeeID, points int64) {
	a.t.Helper()
	rr := a.do(http.MethodPost, "/api/v1/hr/rewards", &hrActor, map[string]any{
		"grants": []map[string]any{{"rewardee": employeeID, "rewardCategory": "spot", "rewardPoints": points}},
	})
	requireStatus(a.t, rr, http.StatusOK)
}

func (a *testAPI) balance(actor domain.Actor) int64 {
	a.t.Helper()
	rr := a.do(http.MethodGet, "/api/v1/me/balance", &actor, nil)
	requireStatus(a.t, rr, http.StatusOK)
	var body balanceResponse
	decodeBody(a.t, rr, &body)
	return body.Balance
}

func requireStatus(t *testing.T, rr *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rr.Code != want {
		t.Fatalf("expected status %d, got %d: %s", want, rr.Code, rr.Body.String())
	}
}

func decodeBody(t *testing.T, rr *httptest.ResponseRecorder, dst any) {
	t.Helper()
	if err := json.Unmarshal(rr.Body.Bytes(), dst); err != nil {
		t.Fatalf("decode response: %v (%s)", err, rr.Body.String())
	}
}

func errorCode(t *testing.T, rr *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Error string `json:"error"`
	}
	decodeBody(t, rr, &body)
	return body.Error
}

func mustNoErr(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
