package idempotency

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	domain "github.com/rewards-hub/api/internal/domain"
	"github.com/rewards-hub/api/internal/platform/auth"
)

var fixedTime = time.Date(2024, time.March, 4, 10, 0, 0, 0, time.UTC)

func fixedClock() time.Time { return fixedTime }

func claimRequest(t *testing.T, key, body string, employeeID int64) *http.Request {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/rewards:claim", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	if key != "" {
		req.Header.Set("Idempotency-Key", key)
	}
	ctx := auth.WithActor(req.Context(), domain.Actor{EmployeeID: employeeID, Role: domain.RoleEmployee})
	return req.WithContext(ctx)
}

func countingHandler(calls *int, status int) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*calls++
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(`{"balance":150}`))
	})
}

func TestMiddlewareReplaysCompletedResponse(t *testing.T) {
	var calls int
	handler := Middleware(NewMemoryStore(), WithClock(fixedClock))(countingHandler(&calls, http.StatusCreated))

	first := httptest.NewRecorder()
	handler.ServeHTTP(first, claimRequest(t, "claim-1", `{"couponCode":"C-1"}`, 7))
	second := httptest.NewRecorder()
	handler.ServeHTTP(second, claimRequest(t, "claim-1", `{"couponCode":"C-1"}`, 7))

	if calls != 1 {
		t.Fatalf("expected handler to run once, ran %d times", calls)
	}
	if second.Code != http.StatusCreated || second.Body.String() != first.Body.String() {
		t.Fatalf("unexpected replay %d %q", second.Code, second.Body.String())
	}
	if second.Header().Get(ReplayHeader) != "true" {
		t.Fatalf("expected replay header")
	}
	if first.Header().Get(ReplayHeader) != "" {
		t.Fatalf("first response must not be marked as replay")
	}
}

func TestMiddlewareScopesKeysPerActor(t *testing.T) {
	var calls int
	handler := Middleware(NewMemoryStore(), WithClock(fixedClock))(countingHandler(&calls, http.StatusOK))

	handler.ServeHTTP(httptest.NewRecorder(), claimRequest(t, "shared", `{}`, 1))
	handler.ServeHTTP(httptest.NewRecorder(), claimRequest(t, "shared", `{}`, 2))

	if calls != 2 {
		t.Fatalf("expected separate executions per actor, got %d", calls)
	}
}

func TestMiddlewareRejectsReusedKey(t *testing.T) {
	var calls int
	handler := Middleware(NewMemoryStore(), WithClock(fixedClock))(countingHandler(&calls, http.StatusOK))

	handler.ServeHTTP(httptest.NewRecorder(), claimRequest(t, "k", `{"couponCode":"A"}`, 1))
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, claimRequest(t, "k", `{"couponCode":"B"}`, 1))

	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", rr.Code)
	}
	assertErrorCode(t, rr.Body.Bytes(), "idempotency_key_reused")
}

func TestMiddlewareReportsInFlightKey(t *testing.T) {
	store := NewMemoryStore()
	req := claimRequest(t, "busy", `{}`, 3)
	body, _ := bufferBody(req)
	if _, _, err := store.Begin(context.Background(), scope(req, "busy"), fingerprintOf(req, body), fixedTime, time.Hour); err != nil {
		t.Fatalf("seed: %v", err)
	}

	handler := Middleware(store, WithClock(fixedClock))(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Fatalf("handler must not run while key is in flight")
	}))
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rr.Code)
	}
	assertErrorCode(t, rr.Body.Bytes(), "idempotency_in_progress")
}

func TestMiddlewareDoesNotStoreServerErrors(t *testing.T) {
	var calls int
	handler := Middleware(NewMemoryStore(), WithClock(fixedClock))(countingHandler(&calls, http.StatusServiceUnavailable))

	handler.ServeHTTP(httptest.NewRecorder(), claimRequest(t, "retry", `{}`, 1))
	handler.ServeHTTP(httptest.NewRecorder(), claimRequest(t, "retry", `{}`, 1))

	if calls != 2 {
		t.Fatalf("expected retry after 5xx to execute again, got %d", calls)
	}
}

func TestMiddlewareRequiredKey(t *testing.T) {
	var calls int
	optional := Middleware(NewMemoryStore())(countingHandler(&calls, http.StatusOK))
	optional.ServeHTTP(httptest.NewRecorder(), claimRequest(t, "", `{}`, 1))
	if calls != 1 {
		t.Fatalf("expected passthrough without key")
	}

	required := Middleware(NewMemoryStore(), Required())(countingHandler(&calls, http.StatusOK))
	rr := httptest.NewRecorder()
	required.ServeHTTP(rr, claimRequest(t, "", `{}`, 1))
	if rr.Code != http.StatusBadRequest || calls != 1 {
		t.Fatalf("expected 400 without running handler, got %d calls=%d", rr.Code, calls)
	}
	assertErrorCode(t, rr.Body.Bytes(), "idempotency_key_required")
}

func TestMiddlewareStoreFailure(t *testing.T) {
	handler := Middleware(failingStore{}, WithClock(fixedClock))(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Fatalf("handler must not run when the store is down")
	}))
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, claimRequest(t, "k", `{}`, 1))
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr.Code)
	}
}

func TestMemoryStoreReacquiresExpiredKey(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	if _, _, err := store.Begin(ctx, "k", "fp", fixedTime, time.Minute); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	outcome, _, err := store.Begin(ctx, "k", "other", fixedTime.Add(2*time.Minute), time.Minute)
	if err != nil || outcome != OutcomeAcquired {
		t.Fatalf("expected expired key to be reacquired, got %v %v", outcome, err)
	}
}

func TestRedisStoreLifecycle(t *testing.T) {
	client := newFakeRedis()
	store := newRedisStore(client)
	ctx := context.Background()

	outcome, _, err := store.Begin(ctx, "k", "fp", fixedTime, time.Hour)
	if err != nil || outcome != OutcomeAcquired {
		t.Fatalf("expected acquisition, got %v %v", outcome, err)
	}
	if outcome, _, _ := store.Begin(ctx, "k", "fp", fixedTime, time.Hour); outcome != OutcomeBusy {
		t.Fatalf("expected busy while in flight, got %v", outcome)
	}
	if _, _, err := store.Begin(ctx, "k", "other", fixedTime, time.Hour); !errors.Is(err, ErrKeyReused) {
		t.Fatalf("expected ErrKeyReused, got %v", err)
	}

	snap := Snapshot{Status: http.StatusCreated, Header: http.Header{"Content-Type": {"application/json"}, "Content-Length": {"2"}}, Body: []byte("{}")}
	if err := store.Finish(ctx, "k", "fp", snap, fixedTime, time.Hour); err != nil {
		t.Fatalf("Finish: %v", err)
	}
	outcome, entry, err := store.Begin(ctx, "k", "fp", fixedTime, time.Hour)
	if err != nil || outcome != OutcomeReplay {
		t.Fatalf("expected replay, got %v %v", outcome, err)
	}
	if entry.Status != http.StatusCreated || string(entry.Body) != "{}" {
		t.Fatalf("unexpected stored entry %+v", entry)
	}
	if _, ok := entry.Header["Content-Length"]; ok {
		t.Fatalf("hop-by-hop headers must not be stored")
	}
	if client.ttls[store.redisKey("k")] != time.Hour {
		t.Fatalf("expected stored ttl of one hour, got %v", client.ttls[store.redisKey("k")])
	}

	if err := store.Abandon(ctx, "k"); err != nil {
		t.Fatalf("Abandon: %v", err)
	}
	if outcome, _, _ := store.Begin(ctx, "k", "other", fixedTime, time.Hour); outcome != OutcomeAcquired {
		t.Fatalf("expected key to be free after abandon, got %v", outcome)
	}
}

type failingStore struct{}

func (failingStore) Begin(context.Context, string, string, time.Time, time.Duration) (Outcome, Entry, error) {
	return OutcomeBusy, Entry{}, errors.New("backend down")
}

func (failingStore) Finish(context.Context, string, string, Snapshot, time.Time, time.Duration) error {
	return errors.New("backend down")
}

func (failingStore) Abandon(context.Context, string) error { return nil }

type fakeRedis struct {
	mu     sync.Mutex
	values map[string]string
	ttls   map[string]time.Duration
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{values: map[string]string{}, ttls: map[string]time.Duration{}}
}

func (f *fakeRedis) SetNX(_ context.Context, key string, value any, expiration time.Duration) *redis.BoolCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, exists := f.values[key]; exists {
		return redis.NewBoolResult(false, nil)
	}
	f.values[key] = string(value.([]byte))
	f.ttls[key] = expiration
	return redis.NewBoolResult(true, nil)
}

func (f *fakeRedis) Set(_ context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.values[key] = string(value.([]byte))
	f.ttls[key] = expiration
	return redis.NewStatusResult("OK", nil)
}

func (f *fakeRedis) Get(_ context.Context, key string) *redis.StringCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	value, ok := f.values[key]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(value, nil)
}

func (f *fakeRedis) Del(_ context.Context, keys ...string) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	var removed int64
	for _, key := range keys {
		if _, ok := f.values[key]; ok {
			delete(f.values, key)
			removed++
		}
	}
	return redis.NewIntResult(removed, nil)
}

func assertErrorCode(t *testing.T, payload []byte, expected string) {
	t.Helper()
	var body struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(payload, &body); err != nil {
		t.Fatalf("decode error payload: %v", err)
	}
	if body.Error != expected {
		t.Fatalf("expected error code %s, got %s", expected, body.Error)
	}
}
