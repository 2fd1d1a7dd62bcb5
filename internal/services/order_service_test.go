package services

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"testing"
	"time"

	domain "github.com/rewards-hub/api/internal/domain"
	"github.com/rewards-hub/api/internal/repositories"
)

func TestOrderServicePlaceAndRejectRestoresBalance(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.fund(employee.EmployeeID, 1000)
	mug := h.product("Coffee Mug", 400, false)

	view, err := h.orders.Place(ctx, PlaceOrderCommand{Actor: employee, ProductID: mug.ProductID, Quantity: 1})
	if err != nil {
		t.Fatalf("place: %v", err)
	}
	if balance := h.balance(employee.EmployeeID); balance != 600 {
		t.Fatalf("expected balance 600, got %d", balance)
	}
	entries := h.history(employee.EmployeeID)
	debit := entries[len(entries)-1]
	if debit.IsCredited || debit.Amount != 400 || debit.Balance != 600 || debit.TransactionID != view.Order.TransactionID {
		t.Fatalf("unexpected debit: %+v", debit)
	}
	if !debit.Settled || debit.OrderRef != view.Order.OrderID {
		t.Fatalf("expected settled debit linked to order, got %+v", debit)
	}
	if want := "Purchase Order No 1 - Coffee Mug"; debit.Description != want {
		t.Fatalf("expected description %q, got %q", want, debit.Description)
	}
	if view.History.Status != domain.OrderStatusSubmitted || len(view.History.History) != 1 {
		t.Fatalf("expected submitted history, got %+v", view.History)
	}
	if view.Order.Product.RewardPoints*int64(view.Order.Quantity) != debit.Amount {
		t.Fatalf("snapshot cost does not match debit")
	}

	rejected, err := h.orders.Transition(ctx, TransitionCommand{
		Actor:   admin,
		OrderID: view.Order.OrderID,
		Status:  domain.OrderStatusRejected,
		Reason:  "Out of stock",
	})
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if rejected.History.Status != domain.OrderStatusRejected || rejected.Order.RefundState != domain.RefundStateRefunded {
		t.Fatalf("unexpected rejected view: %+v", rejected)
	}
	if last := rejected.History.History[len(rejected.History.History)-1]; last.Reason != "Out of stock" || last.UserID != admin.EmployeeID {
		t.Fatalf("unexpected history entry: %+v", last)
	}
	if balance := h.balance(employee.EmployeeID); balance != 1000 {
		t.Fatalf("expected balance 1000 after refund, got %d", balance)
	}

	reversals := 0
	for _, entry := range h.history(employee.EmployeeID) {
		if entry.ReversesTransactionID == debit.TransactionID {
			reversals++
		}
	}
	if reversals != 1 {
		t.Fatalf("expected exactly one reversal, got %d", reversals)
	}
	h.requireConsistent(employee.EmployeeID)

	if !slices.Contains(h.notifications.kinds(), notificationOrderStatusChanged) {
		t.Fatalf("expected status change notification, got %v", h.notifications.kinds())
	}
}

func TestOrderServiceRejectRequiresReason(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.fund(employee.EmployeeID, 500)
	mug := h.product("Coffee Mug", 100, false)
	view, err := h.orders.Place(ctx, PlaceOrderCommand{Actor: employee, ProductID: mug.ProductID, Quantity: 1})
	if err != nil {
		t.Fatalf("place: %v", err)
	}

	_, err = h.orders.Transition(ctx, TransitionCommand{Actor: admin, OrderID: view.Order.OrderID, Status: domain.OrderStatusRejected, Reason: "  "})
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if balance := h.balance(employee.EmployeeID); balance != 400 {
		t.Fatalf("expected no refund, balance 400, got %d", balance)
	}
}

func TestOrderServiceIllegalTransitions(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.fund(employee.EmployeeID, 1000)
	mug := h.product("Coffee Mug", 100, false)
	view, err := h.orders.Place(ctx, PlaceOrderCommand{Actor: employee, ProductID: mug.ProductID, Quantity: 2})
	if err != nil {
		t.Fatalf("place: %v", err)
	}
	orderID := view.Order.OrderID

	if _, err := h.orders.Transition(ctx, TransitionCommand{Actor: admin, OrderID: orderID, Status: domain.OrderStatusDelivered}); !errors.Is(err, ErrIllegalTransition) {
		t.Fatalf("expected illegal SUBMITTED->DELIVERED, got %v", err)
	}

	path := []domain.OrderStatus{domain.OrderStatusAccepted, domain.OrderStatusReadyForPickup, domain.OrderStatusDelivered}
	for _, status := range path {
		if _, err := h.orders.Transition(ctx, TransitionCommand{Actor: admin, OrderID: orderID, Status: status}); err != nil {
			t.Fatalf("transition to %s: %v", status, err)
		}
	}
	if _, err := h.orders.Transition(ctx, TransitionCommand{Actor: admin, OrderID: orderID, Status: domain.OrderStatusCancelled}); !errors.Is(err, ErrIllegalTransition) {
		t.Fatalf("expected delivered to be terminal, got %v", err)
	}
	if _, err := h.orders.Transition(ctx, TransitionCommand{Actor: admin, OrderID: orderID, Status: "SHIPPED"}); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected unknown status validation error, got %v", err)
	}

	final, err := h.orders.GetOrder(ctx, admin, orderID)
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	if len(final.History.History) != 4 || final.History.Status != domain.OrderStatusDelivered {
		t.Fatalf("unexpected history: %+v", final.History)
	}
	if balance := h.balance(employee.EmployeeID); balance != 800 {
		t.Fatalf("delivered order must keep the debit, balance %d", balance)
	}
}

func TestOrderServiceRoleAuthorization(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.fund(employee.EmployeeID, 1000)
	mug := h.product("Coffee Mug", 100, false)
	view, err := h.orders.Place(ctx, PlaceOrderCommand{Actor: employee, ProductID: mug.ProductID, Quantity: 1})
	if err != nil {
		t.Fatalf("place: %v", err)
	}
	orderID := view.Order.OrderID

	if _, err := h.orders.Transition(ctx, TransitionCommand{Actor: employee, OrderID: orderID, Status: domain.OrderStatusAccepted}); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected employee accept to be forbidden, got %v", err)
	}
	if _, err := h.orders.Transition(ctx, TransitionCommand{Actor: other, OrderID: orderID, Status: domain.OrderStatusCancelled}); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected other employee cancel to be forbidden, got %v", err)
	}
	if _, err := h.orders.GetOrder(ctx, other, orderID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected other employee read to be hidden, got %v", err)
	}

	cancelled, err := h.orders.Transition(ctx, TransitionCommand{Actor: employee, OrderID: orderID, Status: domain.OrderStatusCancelled})
	if err != nil {
		t.Fatalf("owner cancel: %v", err)
	}
	if cancelled.History.Status != domain.OrderStatusCancelled {
		t.Fatalf("expected cancelled, got %s", cancelled.History.Status)
	}
	if balance := h.balance(employee.EmployeeID); balance != 1000 {
		t.Fatalf("expected refund on cancel, balance %d", balance)
	}
}

func TestOrderServiceEmployeeCannotCancelReadyForPickup(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.fund(employee.EmployeeID, 1000)
	mug := h.product("Coffee Mug", 100, false)
	view, err := h.orders.Place(ctx, PlaceOrderCommand{Actor: employee, ProductID: mug.ProductID, Quantity: 1})
	if err != nil {
		t.Fatalf("place: %v", err)
	}
	for _, status := range []domain.OrderStatus{domain.OrderStatusAccepted, domain.OrderStatusReadyForPickup} {
		if _, err := h.orders.Transition(ctx, TransitionCommand{Actor: admin, OrderID: view.Order.OrderID, Status: status}); err != nil {
			t.Fatalf("transition: %v", err)
		}
	}
	if _, err := h.orders.Transition(ctx, TransitionCommand{Actor: employee, OrderID: view.Order.OrderID, Status: domain.OrderStatusCancelled}); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}
}

func TestOrderServicePlaceRejectsWithoutSideEffects(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.fund(employee.EmployeeID, 300)
	mug := h.product("Coffee Mug", 400, false)
	shirt := h.product("Team Shirt", 100, true)
	retired := h.product("Retired Lamp", 10, false)
	if _, err := h.catalog.SetProductActive(ctx, SetProductActiveCommand{Actor: admin, ProductID: retired.ProductID}); err != nil {
		t.Fatalf("deactivate: %v", err)
	}

	cases := []struct {
		name string
		cmd  PlaceOrderCommand
		want error
	}{
		{name: "insufficient points", cmd: PlaceOrderCommand{Actor: employee, ProductID: mug.ProductID, Quantity: 1}, want: ErrInsufficientPoints},
		{name: "inactive product", cmd: PlaceOrderCommand{Actor: employee, ProductID: retired.ProductID, Quantity: 1}, want: ErrProductUnavailable},
		{name: "missing product", cmd: PlaceOrderCommand{Actor: employee, ProductID: 999, Quantity: 1}, want: ErrProductUnavailable},
		{name: "zero quantity", cmd: PlaceOrderCommand{Actor: employee, ProductID: shirt.ProductID}, want: ErrValidation},
		{name: "customising fixed product", cmd: PlaceOrderCommand{Actor: employee, ProductID: mug.ProductID, Quantity: 1, Customisation: Customisation{Size: "L"}}, want: ErrValidation},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := h.orders.Place(ctx, tc.cmd); !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}

	if got := len(h.history(employee.EmployeeID)); got != 1 {
		t.Fatalf("expected no ledger side effects, got %d entries", got)
	}
	if current, _ := h.sequences.Current(ctx, domain.CounterOrders); current != 0 {
		t.Fatalf("expected no order id to be consumed, got %d", current)
	}

	view, err := h.orders.Place(ctx, PlaceOrderCommand{Actor: employee, ProductID: shirt.ProductID, Quantity: 2, Customisation: Customisation{Size: "M"}})
	if err != nil {
		t.Fatalf("place customised: %v", err)
	}
	if view.Order.Customisation.Size != "M" {
		t.Fatalf("expected customisation to be stored, got %+v", view.Order.Customisation)
	}
}

func TestOrderServiceCompensatesWhenOrderWriteFails(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.fund(employee.EmployeeID, 1000)
	mug := h.product("Coffee Mug", 400, false)

	h.store.OrderStore().CreateHook = func(domain.Order) error {
		return repositories.UnavailableError("orders.create", errors.New("history write failed"))
	}

	_, err := h.orders.Place(ctx, PlaceOrderCommand{Actor: employee, ProductID: mug.ProductID, Quantity: 1})
	if !errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("expected store unavailable, got %v", err)
	}
	if balance := h.balance(employee.EmployeeID); balance != 1000 {
		t.Fatalf("expected phantom debit to be reversed, balance %d", balance)
	}
	entries := h.history(employee.EmployeeID)
	if len(entries) != 3 {
		t.Fatalf("expected opening, debit, reversal; got %d entries", len(entries))
	}
	if entries[1].ReversedBy != entries[2].TransactionID || entries[2].Kind != domain.TransactionKindReversal {
		t.Fatalf("expected debit to be reversed by the last entry: %+v", entries)
	}
	h.requireConsistent(employee.EmployeeID)

	if _, err := h.orders.GetOrder(ctx, admin, 1); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected no order to exist, got %v", err)
	}
}

func TestOrderServiceCompensationSurvivesCancelledRequest(t *testing.T) {
	h := newHarness(t)
	h.fund(employee.EmployeeID, 1000)
	mug := h.product("Coffee Mug", 400, false)

	ctx, cancel := context.WithCancel(context.Background())
	h.store.OrderStore().CreateHook = func(domain.Order) error {
		cancel()
		return context.Canceled
	}

	if _, err := h.orders.Place(ctx, PlaceOrderCommand{Actor: employee, ProductID: mug.ProductID, Quantity: 1}); err == nil {
		t.Fatalf("expected placement to fail")
	}
	if balance := h.balance(employee.EmployeeID); balance != 1000 {
		t.Fatalf("expected compensation to run after cancel, balance %d", balance)
	}
}

func TestOrderServiceConcurrentTransitionsHaveOneWinner(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.fund(employee.EmployeeID, 1000)
	mug := h.product("Coffee Mug", 400, false)
	view, err := h.orders.Place(ctx, PlaceOrderCommand{Actor: employee, ProductID: mug.ProductID, Quantity: 1})
	if err != nil {
		t.Fatalf("place: %v", err)
	}

	statuses := []domain.OrderStatus{domain.OrderStatusRejected, domain.OrderStatusCancelled, domain.OrderStatusRejected, domain.OrderStatusCancelled}
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for _, status := range statuses {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.orders.Transition(ctx, TransitionCommand{Actor: admin, OrderID: view.Order.OrderID, Status: status, Reason: "duplicate"})
			if err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
				return
			}
			if !errors.Is(err, ErrConflict) && !errors.Is(err, ErrIllegalTransition) {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if wins != 1 {
		t.Fatalf("expected one winning transition, got %d", wins)
	}
	if balance := h.balance(employee.EmployeeID); balance != 1000 {
		t.Fatalf("expected exactly one refund, balance %d", balance)
	}
	h.requireConsistent(employee.EmployeeID)
}

func TestOrderServiceListAndCount(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.fund(employee.EmployeeID, 1000)
	h.fund(other.EmployeeID, 1000)
	mug := h.product("Coffee Mug", 100, false)

	for _, actor := range []Actor{employee, employee, other} {
		if _, err := h.orders.Place(ctx, PlaceOrderCommand{Actor: actor, ProductID: mug.ProductID, Quantity: 1}); err != nil {
			t.Fatalf("place: %v", err)
		}
		h.clock.Advance(1)
	}
	if _, err := h.orders.Transition(ctx, TransitionCommand{Actor: admin, OrderID: 3, Status: domain.OrderStatusAccepted}); err != nil {
		t.Fatalf("accept: %v", err)
	}

	page, err := h.orders.ListOrders(ctx, OrderListFilter{EmployeeIDs: []int64{employee.EmployeeID}})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(page.Items) != 2 {
		t.Fatalf("expected 2 orders for employee, got %d", len(page.Items))
	}

	counts, err := h.orders.StatusCounts(ctx)
	if err != nil {
		t.Fatalf("counts: %v", err)
	}
	if counts[domain.OrderStatusSubmitted] != 2 || counts[domain.OrderStatusAccepted] != 1 || counts[domain.OrderStatusDelivered] != 0 {
		t.Fatalf("unexpected counts: %v", counts)
	}
}

func TestOrderServiceKeepsOrderWrittenDespiteCreateError(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.fund(employee.EmployeeID, 1000)
	mug := h.product("Coffee Mug", 400, false)

	h.store.OrderStore().AfterCreateHook = func(domain.Order) error {
		return repositories.UnavailableError("orders.create", errors.New("deadline exceeded after commit"))
	}

	view, err := h.orders.Place(ctx, PlaceOrderCommand{Actor: employee, ProductID: mug.ProductID, Quantity: 1})
	if err != nil {
		t.Fatalf("expected placement to succeed once the order is found, got %v", err)
	}
	if balance := h.balance(employee.EmployeeID); balance != 600 {
		t.Fatalf("expected debit to stand, balance %d", balance)
	}
	entries := h.history(employee.EmployeeID)
	if len(entries) != 2 {
		t.Fatalf("expected opening and debit only, got %d entries", len(entries))
	}
	if debit := entries[1]; debit.Reversed() || !debit.Settled || debit.TransactionID != view.Order.TransactionID {
		t.Fatalf("expected settled unreversed debit, got %+v", debit)
	}
	if _, err := h.orders.GetOrder(ctx, admin, view.Order.OrderID); err != nil {
		t.Fatalf("expected order to exist: %v", err)
	}
	h.requireConsistent(employee.EmployeeID)
}

func TestOrderServiceRefundFailureLeavesTransitionPending(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.fund(employee.EmployeeID, 1000)
	mug := h.product("Coffee Mug", 400, false)

	ledger := &flakyLedger{
		LedgerService: h.ledger,
		reverseFn: func(context.Context, ReverseCommand) (LedgerTransaction, error) {
			return LedgerTransaction{}, fmt.Errorf("%w: ledger offline", ErrStoreUnavailable)
		},
	}
	orders := h.ordersWithLedger(t, ledger)

	view, err := orders.Place(ctx, PlaceOrderCommand{Actor: employee, ProductID: mug.ProductID, Quantity: 1})
	if err != nil {
		t.Fatalf("place: %v", err)
	}
	rejected, err := orders.Transition(ctx, TransitionCommand{
		Actor:   admin,
		OrderID: view.Order.OrderID,
		Status:  domain.OrderStatusRejected,
		Reason:  "Out of stock",
	})
	if err != nil {
		t.Fatalf("expected transition to succeed with refund pending, got %v", err)
	}
	if rejected.History.Status != domain.OrderStatusRejected || rejected.Order.RefundState != domain.RefundStatePending {
		t.Fatalf("unexpected view after failed refund: %+v", rejected)
	}
	if balance := h.balance(employee.EmployeeID); balance != 600 {
		t.Fatalf("expected refund to be deferred, balance %d", balance)
	}

	if _, err := orders.Transition(ctx, TransitionCommand{
		Actor:   admin,
		OrderID: view.Order.OrderID,
		Status:  domain.OrderStatusRejected,
		Reason:  "Out of stock",
	}); !errors.Is(err, ErrIllegalTransition) {
		t.Fatalf("expected repeat to be illegal, got %v", err)
	}

	h.clock.Advance(10 * time.Minute)
	report, err := h.reconcile.Reconcile(ctx)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if report.RefundsApplied != 1 {
		t.Fatalf("expected reconciliation to apply the refund, got %+v", report)
	}
	if balance := h.balance(employee.EmployeeID); balance != 1000 {
		t.Fatalf("expected balance 1000 after reconciliation, got %d", balance)
	}
}
