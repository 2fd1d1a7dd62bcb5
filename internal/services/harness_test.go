package services

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	domain "github.com/rewards-hub/api/internal/domain"
	"github.com/rewards-hub/api/internal/platform/textutil"
	"github.com/rewards-hub/api/internal/repositories/memory"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type recordingDispatcher struct {
	mu   sync.Mutex
	sent []Notification
}

func (d *recordingDispatcher) Dispatch(_ context.Context, n Notification) error {
	d.mu.Lock()
	d.sent = append(d.sent, n)
	d.mu.Unlock()
	return nil
}

func (d *recordingDispatcher) kinds() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, 0, len(d.sent))
	for _, n := range d.sent {
		out = append(out, n.TemplateKind)
	}
	return out
}

type harness struct {
	t             *testing.T
	clock         *testClock
	store         *memory.Registry
	notifications *recordingDispatcher
	sequences     SequenceService
	ledger        LedgerService
	carts         CartService
	orders        OrderService
	redemption    RedemptionService
	expiration    ExpirationService
	reconcile     ReconciliationService
	catalog       CatalogService
}

var testIDs atomic.Int64

func testID() string {
	return fmt.Sprintf("id-%06d", testIDs.Add(1))
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		t:             t,
		clock:         newTestClock(),
		store:         memory.NewRegistry(),
		notifications: &recordingDispatcher{},
	}

	var err error
	h.sequences, err = NewSequenceService(SequenceServiceDeps{Repository: h.store.Counters(), Backoff: time.Millisecond})
	mustNoErr(t, err)
	h.ledger, err = NewLedgerService(LedgerServiceDeps{
		Repository: h.store.Ledger(),
		Sequences:  h.sequences,
		Clock:      h.clock.Now,
	})
	mustNoErr(t, err)
	h.carts, err = NewCartService(CartServiceDeps{Carts: h.store.Carts(), Products: h.store.Products(), Clock: h.clock.Now})
	mustNoErr(t, err)
	h.orders, err = NewOrderService(OrderServiceDeps{
		Orders:        h.store.Orders(),
		Products:      h.store.Products(),
		Ledger:        h.ledger,
		Sequences:     h.sequences,
		Carts:         h.carts,
		Notifications: h.notifications,
		Clock:         h.clock.Now,
		IDGenerator:   testID,
	})
	mustNoErr(t, err)
	h.redemption, err = NewRedemptionService(RedemptionServiceDeps{
		Rewards:       h.store.Rewards(),
		Ledger:        h.ledger,
		Notifications: h.notifications,
		Clock:         h.clock.Now,
		IDGenerator:   testID,
		BcryptCost:    bcrypt.MinCost,
	})
	mustNoErr(t, err)
	h.expiration, err = NewExpirationService(ExpirationServiceDeps{
		Rewards:   h.store.Rewards(),
		Schedules: h.store.Schedules(),
		BatchSize: 2,
		Clock:     h.clock.Now,
	})
	mustNoErr(t, err)
	h.reconcile, err = NewReconciliationService(ReconciliationServiceDeps{
		LedgerStore: h.store.Ledger(),
		Ledger:      h.ledger,
		Orders:      h.store.Orders(),
		Rewards:     h.store.Rewards(),
		GracePeriod: 5 * time.Minute,
		Clock:       h.clock.Now,
	})
	mustNoErr(t, err)
	h.catalog, err = NewCatalogService(CatalogServiceDeps{
		Products:    h.store.Products(),
		Logs:        h.store.ProductLogs(),
		Sequences:   h.sequences,
		Clock:       h.clock.Now,
		IDGenerator: testID,
	})
	mustNoErr(t, err)
	return h
}

var (
	admin    = Actor{EmployeeID: 1, Name: "Ada Admin", Role: domain.RoleAdmin}
	hr       = Actor{EmployeeID: 2, Name: "Hana HR", Role: domain.RoleHR}
	employee = Actor{EmployeeID: 100, Name: "Eve Employee", Role: domain.RoleEmployee}
	other    = Actor{EmployeeID: 101, Name: "Oscar Other", Role: domain.RoleEmployee}
)

func (h *harness) fund(employeeID, amount int64) {
	h.t.Helper()
	_, err := h.ledger.Credit(context.Background(), LedgerPostCommand{
		EmployeeID:  employeeID,
		Amount:      amount,
		Description: "Opening balance",
		Kind:        domain.TransactionKindReward,
		Settled:     true,
	})
	mustNoErr(h.t, err)
}

func (h *harness) product(title string, points int64, customisable bool) Product {
	h.t.Helper()
	product, err := h.catalog.CreateProduct(context.Background(), UpsertProductCommand{
		Actor:          admin,
		Title:          title,
		RewardPoints:   points,
		IsCustomisable: customisable,
	})
	mustNoErr(h.t, err)
	return product
}

func (h *harness) reprice(product Product, points int64) {
	h.t.Helper()
	_, err := h.catalog.UpdateProduct(context.Background(), UpsertProductCommand{
		Actor:          admin,
		ProductID:      product.ProductID,
		Title:          product.Title,
		RewardPoints:   points,
		IsCustomisable: product.IsCustomisable,
		ImageRef:       product.ImageRef,
	})
	mustNoErr(h.t, err)
}

func (h *harness) balance(employeeID int64) int64 {
	h.t.Helper()
	balance, err := h.ledger.CurrentBalance(context.Background(), employeeID)
	mustNoErr(h.t, err)
	return balance
}

func (h *harness) history(employeeID int64) []LedgerTransaction {
	h.t.Helper()
	entries, err := h.ledger.History(context.Background(), employeeID)
	mustNoErr(h.t, err)
	return entries
}

func (h *harness) requireConsistent(employeeID int64) {
	h.t.Helper()
	replay, err := h.ledger.Replay(context.Background(), employeeID)
	mustNoErr(h.t, err)
	if !replay.Consistent {
		h.t.Fatalf("ledger for %d not replay-consistent: %+v", employeeID, replay)
	}
}

func mustNoErr(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func titleKey(title string) string {
	return textutil.TitleKey(title)
}
