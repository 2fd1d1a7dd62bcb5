package services

import (
	"context"
	"errors"
	"testing"
	"time"

	domain "github.com/rewards-hub/api/internal/domain"
	"github.com/rewards-hub/api/internal/repositories"
)

type flakyLedger struct {
	LedgerService
	markSettledFn func(context.Context, int64) error
	reverseFn     func(context.Context, ReverseCommand) (LedgerTransaction, error)
}

func (l *flakyLedger) MarkSettled(ctx context.Context, transactionID int64) error {
	if l.markSettledFn != nil {
		return l.markSettledFn(ctx, transactionID)
	}
	return l.LedgerService.MarkSettled(ctx, transactionID)
}

func (l *flakyLedger) Reverse(ctx context.Context, cmd ReverseCommand) (LedgerTransaction, error) {
	if l.reverseFn != nil {
		return l.reverseFn(ctx, cmd)
	}
	return l.LedgerService.Reverse(ctx, cmd)
}

func (h *harness) ordersWithLedger(t *testing.T, ledger LedgerService) OrderService {
	t.Helper()
	svc, err := NewOrderService(OrderServiceDeps{
		Orders:      h.store.Orders(),
		Products:    h.store.Products(),
		Ledger:      ledger,
		Sequences:   h.sequences,
		Clock:       h.clock.Now,
		IDGenerator: testID,
	})
	mustNoErr(t, err)
	return svc
}

func TestReconciliationReversesOrphanDebit(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.fund(employee.EmployeeID, 1000)

	orphan, err := h.store.Ledger().Append(ctx, domain.LedgerEntry{
		TransactionID: 9001,
		EmployeeID:    employee.EmployeeID,
		Description:   "Purchase Order No 77 - Desk Lamp",
		Amount:        300,
		Kind:          domain.TransactionKindPurchase,
		OrderRef:      77,
		CreatedAt:     h.clock.Now(),
	})
	if err != nil {
		t.Fatalf("append orphan: %v", err)
	}

	report, err := h.reconcile.Reconcile(ctx)
	if err != nil {
		t.Fatalf("reconcile within grace: %v", err)
	}
	if report.ReversedDebits != 0 {
		t.Fatalf("debit inside the grace period must be left alone: %+v", report)
	}

	h.clock.Advance(10 * time.Minute)
	report, err = h.reconcile.Reconcile(ctx)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if report.ReversedDebits != 1 || report.Failures != 0 {
		t.Fatalf("unexpected report: %+v", report)
	}
	if balance := h.balance(employee.EmployeeID); balance != 1000 {
		t.Fatalf("expected orphan debit to be refunded, balance %d", balance)
	}
	stored, err := h.store.Ledger().Get(ctx, orphan.TransactionID)
	if err != nil {
		t.Fatalf("get orphan: %v", err)
	}
	if !stored.Reversed() {
		t.Fatalf("expected orphan to be marked reversed")
	}
	h.requireConsistent(employee.EmployeeID)

	again, err := h.reconcile.Reconcile(ctx)
	if err != nil {
		t.Fatalf("second reconcile: %v", err)
	}
	if again.ReversedDebits != 0 || again.SettledDebits != 0 || again.Failures != 0 {
		t.Fatalf("expected second run to be a no-op, got %+v", again)
	}
	if balance := h.balance(employee.EmployeeID); balance != 1000 {
		t.Fatalf("second run changed the balance to %d", balance)
	}
}

func TestReconciliationSettlesDebitWithExistingOrder(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.fund(employee.EmployeeID, 1000)
	lamp := h.product("Desk Lamp", 300, false)

	orders := h.ordersWithLedger(t, &flakyLedger{
		LedgerService: h.ledger,
		markSettledFn: func(context.Context, int64) error {
			return repositories.UnavailableError("ledger.settle", errors.New("timeout"))
		},
	})
	view, err := orders.Place(ctx, PlaceOrderCommand{Actor: employee, ProductID: lamp.ProductID, Quantity: 1})
	if err != nil {
		t.Fatalf("place: %v", err)
	}
	debit, _ := h.store.Ledger().Get(ctx, view.Order.TransactionID)
	if debit.Settled {
		t.Fatalf("expected debit to stay unsettled")
	}

	h.clock.Advance(10 * time.Minute)
	report, err := h.reconcile.Reconcile(ctx)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if report.SettledDebits != 1 || report.ReversedDebits != 0 {
		t.Fatalf("unexpected report: %+v", report)
	}
	debit, _ = h.store.Ledger().Get(ctx, view.Order.TransactionID)
	if !debit.Settled || debit.Reversed() {
		t.Fatalf("expected settled, unreversed debit, got %+v", debit)
	}
	if balance := h.balance(employee.EmployeeID); balance != 700 {
		t.Fatalf("expected order debit to stand, balance %d", balance)
	}
}

func TestReconciliationAppliesPendingRefund(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.fund(employee.EmployeeID, 1000)
	lamp := h.product("Desk Lamp", 300, false)
	view, err := h.orders.Place(ctx, PlaceOrderCommand{Actor: employee, ProductID: lamp.ProductID, Quantity: 1})
	if err != nil {
		t.Fatalf("place: %v", err)
	}

	orders := h.ordersWithLedger(t, &flakyLedger{
		LedgerService: h.ledger,
		reverseFn: func(context.Context, ReverseCommand) (LedgerTransaction, error) {
			return LedgerTransaction{}, ErrStoreUnavailable
		},
	})
	_, err = orders.Transition(ctx, TransitionCommand{Actor: admin, OrderID: view.Order.OrderID, Status: domain.OrderStatusRejected, Reason: "Out of stock"})
	if !errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("expected refund failure to surface, got %v", err)
	}
	pending, err := h.orders.GetOrder(ctx, admin, view.Order.OrderID)
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	if pending.History.Status != domain.OrderStatusRejected || pending.Order.RefundState != domain.RefundStatePending {
		t.Fatalf("expected rejected order with pending refund, got %+v", pending.Order)
	}

	h.clock.Advance(10 * time.Minute)
	report, err := h.reconcile.Reconcile(ctx)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if report.RefundsApplied != 1 {
		t.Fatalf("unexpected report: %+v", report)
	}
	if balance := h.balance(employee.EmployeeID); balance != 1000 {
		t.Fatalf("expected refund, balance %d", balance)
	}
	refunded, _ := h.orders.GetOrder(ctx, admin, view.Order.OrderID)
	if refunded.Order.RefundState != domain.RefundStateRefunded {
		t.Fatalf("expected refunded state, got %q", refunded.Order.RefundState)
	}

	again, err := h.reconcile.Reconcile(ctx)
	if err != nil {
		t.Fatalf("second reconcile: %v", err)
	}
	if again.RefundsApplied != 0 {
		t.Fatalf("expected refund to apply once, got %+v", again)
	}
	h.requireConsistent(employee.EmployeeID)
}

func TestReconciliationReleasesDanglingClaim(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	coupon := h.coupons(60, 1)[0]

	if _, err := h.store.Rewards().Claim(ctx, repositories.ClaimRequest{
		RewardID:   coupon.RewardID,
		ClaimToken: "crashed-claim",
		RedeemedBy: employee.EmployeeID,
		At:         h.clock.Now(),
	}); err != nil {
		t.Fatalf("claim: %v", err)
	}

	h.clock.Advance(10 * time.Minute)
	report, err := h.reconcile.Reconcile(ctx)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if report.ReleasedClaims != 1 || report.SettledClaims != 0 {
		t.Fatalf("unexpected report: %+v", report)
	}
	stored, _ := h.store.Rewards().Get(ctx, coupon.RewardID)
	if stored.IsRedeemed {
		t.Fatalf("expected claim to be released, got %+v", stored)
	}

	if _, err := h.redemption.Claim(ctx, ClaimCommand{Actor: employee, CouponCode: coupon.CouponCode, SecretCode: coupon.SecretCode}); err != nil {
		t.Fatalf("claim after release: %v", err)
	}
	if balance := h.balance(employee.EmployeeID); balance != 60 {
		t.Fatalf("expected balance 60, got %d", balance)
	}
}
