package services

import (
	"context"
	"errors"
	"fmt"
	"math"
	"slices"
	"strings"
	"time"

	domain "github.com/rewards-hub/api/internal/domain"
	"github.com/rewards-hub/api/internal/platform/textutil"
	"github.com/rewards-hub/api/internal/repositories"
)

const (
	notificationOrderPlaced        = "order.placed"
	notificationOrderStatusChanged = "order.status.changed"

	maxReasonLength = 500
	maxLineQuantity = 100
)

var orderStateTransitions = map[domain.OrderStatus][]domain.OrderStatus{
	domain.OrderStatusSubmitted:      {domain.OrderStatusAccepted, domain.OrderStatusRejected, domain.OrderStatusCancelled},
	domain.OrderStatusAccepted:       {domain.OrderStatusReadyForPickup, domain.OrderStatusCancelled},
	domain.OrderStatusReadyForPickup: {domain.OrderStatusDelivered, domain.OrderStatusCancelled},
}

// employeeCancellable lists the statuses from which the owning employee may cancel.
var employeeCancellable = []domain.OrderStatus{
	domain.OrderStatusSubmitted,
	domain.OrderStatusAccepted,
}

// OrderServiceDeps bundles collaborators required to construct the order service.
type OrderServiceDeps struct {
	Orders              repositories.OrderRepository
	Products            repositories.ProductRepository
	Ledger              LedgerService
	Sequences           SequenceService
	Carts               CartService
	Notifications       NotificationDispatcher
	Metrics             MetricsRecorder
	Clock               func() time.Time
	IDGenerator         func() string
	CompensationTimeout time.Duration
	Logger              func(ctx context.Context, event string, fields map[string]any)
}

type orderService struct {
	orders        repositories.OrderRepository
	products      repositories.ProductRepository
	ledger        LedgerService
	sequences     SequenceService
	carts         CartService
	notifications NotificationDispatcher
	metrics       MetricsRecorder
	refunds       *orderRefunder
	clock         func() time.Time
	newID         func() string
	compensation  time.Duration
	logger        func(context.Context, string, map[string]any)
}

var _ OrderService = (*orderService)(nil)

// NewOrderService wires dependencies into a concrete OrderService implementation.
func NewOrderService(deps OrderServiceDeps) (OrderService, error) {
	if deps.Orders == nil {
		return nil, errors.New("order service: order repository is required")
	}
	if deps.Products == nil {
		return nil, errors.New("order service: product repository is required")
	}
	if deps.Ledger == nil {
		return nil, errors.New("order service: ledger service is required")
	}
	if deps.Sequences == nil {
		return nil, errors.New("order service: sequence service is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	utc := func() time.Time { return clock().UTC() }

	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = defaultIDGenerator
	}
	logger := deps.Logger
	if logger == nil {
		logger = noopLogger
	}
	notifications := deps.Notifications
	if notifications == nil {
		notifications = noopDispatcher{}
	}
	metrics := deps.Metrics
	if metrics == nil {
		metrics = noopMetrics{}
	}

	return &orderService{
		orders:        deps.Orders,
		products:      deps.Products,
		ledger:        deps.Ledger,
		sequences:     deps.Sequences,
		carts:         deps.Carts,
		notifications: notifications,
		metrics:       metrics,
		refunds: &orderRefunder{
			orders: deps.Orders,
			ledger: deps.Ledger,
			clock:  utc,
			logger: logger,
		},
		clock:        utc,
		newID:        idGen,
		compensation: deps.CompensationTimeout,
		logger:       logger,
	}, nil
}

func (s *orderService) Place(ctx context.Context, cmd PlaceOrderCommand) (OrderView, error) {
	if cmd.Actor.EmployeeID <= 0 {
		return OrderView{}, fmt.Errorf("%w: employee id is required", ErrValidation)
	}
	if cmd.ProductID <= 0 {
		return OrderView{}, fmt.Errorf("%w: product id is required", ErrValidation)
	}
	if cmd.Quantity < 1 || cmd.Quantity > maxLineQuantity {
		return OrderView{}, fmt.Errorf("%w: quantity must be between 1 and %d", ErrValidation, maxLineQuantity)
	}
	cmd.Customisation.Size = strings.ToUpper(strings.TrimSpace(cmd.Customisation.Size))
	if !cmd.Customisation.KnownSize() {
		return OrderView{}, fmt.Errorf("%w: size %q is not offered", ErrValidation, cmd.Customisation.Size)
	}

	product, err := s.products.Get(ctx, cmd.ProductID)
	if err != nil {
		if isNotFound(err) {
			return OrderView{}, fmt.Errorf("%w: product %d not found", ErrProductUnavailable, cmd.ProductID)
		}
		return OrderView{}, mapRepositoryError("order", err)
	}
	if !product.IsActive {
		return OrderView{}, fmt.Errorf("%w: product %d is inactive", ErrProductUnavailable, product.ProductID)
	}
	if !product.IsCustomisable && !cmd.Customisation.IsZero() {
		return OrderView{}, fmt.Errorf("%w: product %d does not accept customisation", ErrValidation, product.ProductID)
	}
	if product.RewardPoints <= 0 || product.RewardPoints > math.MaxInt64/int64(cmd.Quantity) {
		return OrderView{}, fmt.Errorf("%w: product %d has an invalid cost", ErrValidation, product.ProductID)
	}
	cost := product.RewardPoints * int64(cmd.Quantity)

	balance, err := s.ledger.StoredBalance(ctx, cmd.Actor.EmployeeID)
	if err != nil {
		return OrderView{}, err
	}
	if cost > balance {
		return OrderView{}, fmt.Errorf("%w: cost %d exceeds balance %d", ErrInsufficientPoints, cost, balance)
	}

	orderID, err := s.sequences.Next(ctx, domain.CounterOrders)
	if err != nil {
		return OrderView{}, err
	}

	debit, err := s.ledger.Debit(ctx, LedgerPostCommand{
		EmployeeID:  cmd.Actor.EmployeeID,
		Amount:      cost,
		Description: purchaseDescription(orderID, product.Title),
		Kind:        domain.TransactionKindPurchase,
		OrderRef:    orderID,
	})
	if err != nil {
		if errors.Is(err, ErrInsufficientBalance) {
			return OrderView{}, fmt.Errorf("%w: %w", ErrInsufficientPoints, err)
		}
		return OrderView{}, err
	}

	now := s.clock()
	historyID := s.newID()
	order := Order{
		OrderID:       orderID,
		EmployeeID:    cmd.Actor.EmployeeID,
		TransactionID: debit.TransactionID,
		Product:       product.Snapshot(),
		StatusRef:     historyID,
		Quantity:      cmd.Quantity,
		Customisation: cmd.Customisation,
		CreatedAt:     now,
	}
	history := OrderHistory{
		HistoryID: historyID,
		OrderID:   orderID,
		Status:    domain.OrderStatusSubmitted,
		History: []HistoryEntry{{
			UserID:   cmd.Actor.EmployeeID,
			UserName: cmd.Actor.Name,
			Status:   domain.OrderStatusSubmitted,
			Time:     now,
		}},
	}

	if err := s.orders.Create(ctx, order, history); err != nil {
		if !s.orderWritten(ctx, err, order) {
			return OrderView{}, mapRepositoryError("order", err)
		}
		s.logger(ctx, "order.create.committed_after_error", map[string]any{
			"orderId": orderID,
			"error":   err.Error(),
		})
	}

	if err := s.ledger.MarkSettled(ctx, debit.TransactionID); err != nil {
		// reconciliation settles debits whose order exists
		s.logger(ctx, "order.debit.settle_failed", map[string]any{
			"orderId":       orderID,
			"transactionId": debit.TransactionID,
			"error":         err.Error(),
		})
	}

	s.metrics.Incr(ctx, "orders.placed", nil)
	s.notify(ctx, Notification{
		ToEmployeeID: order.EmployeeID,
		TemplateKind: notificationOrderPlaced,
		Payload: map[string]any{
			"orderId":  orderID,
			"title":    product.Title,
			"quantity": cmd.Quantity,
			"cost":     cost,
			"balance":  debit.Balance,
		},
		OccurredAt: now,
	})
	return OrderView{Order: order, History: history}, nil
}

// orderWritten decides what a failed Create left behind. A conflict or a confirmed missing
// order has its debit reversed. When the order is found with this debit the write went
// through. When the lookup itself fails the debit stays unsettled for reconciliation.
func (s *orderService) orderWritten(ctx context.Context, createErr error, order Order) bool {
	if isConflict(createErr) {
		s.compensateDebit(ctx, order.TransactionID, order.OrderID)
		return false
	}
	lookupCtx, cancel := detached(ctx, s.compensation)
	defer cancel()
	view, err := s.orders.Get(lookupCtx, order.OrderID)
	switch {
	case err == nil && view.Order.TransactionID == order.TransactionID:
		return true
	case err == nil || isNotFound(err):
		s.compensateDebit(ctx, order.TransactionID, order.OrderID)
	default:
		s.logger(ctx, "order.create.unresolved", map[string]any{
			"orderId":       order.OrderID,
			"transactionId": order.TransactionID,
			"error":         err.Error(),
		})
	}
	return false
}

// compensateDebit reverses a purchase debit whose order could not be written.
func (s *orderService) compensateDebit(ctx context.Context, transactionID, orderID int64) {
	compCtx, cancel := detached(ctx, s.compensation)
	defer cancel()

	_, err := s.ledger.Reverse(compCtx, ReverseCommand{
		TransactionID: transactionID,
		Kind:          domain.TransactionKindReversal,
		Description:   fmt.Sprintf("Reversal of Purchase Order No %d", orderID),
	})
	if err != nil && !errors.Is(err, ErrAlreadyReversed) {
		s.metrics.Incr(ctx, "orders.compensation_failed", nil)
		s.logger(ctx, "order.compensation.failed", map[string]any{
			"orderId":       orderID,
			"transactionId": transactionID,
			"error":         err.Error(),
		})
		return
	}
	s.logger(ctx, "order.compensation.applied", map[string]any{
		"orderId":       orderID,
		"transactionId": transactionID,
	})
}

func (s *orderService) Checkout(ctx context.Context, cmd CheckoutCommand) (CheckoutResult, error) {
	if s.carts == nil {
		return CheckoutResult{}, errors.New("order service: cart service not configured")
	}
	employeeID := cmd.Actor.EmployeeID
	lines, err := s.carts.Validate(ctx, employeeID)
	if err != nil {
		return CheckoutResult{}, err
	}
	if len(lines) == 0 {
		return CheckoutResult{}, fmt.Errorf("%w: cart is empty", ErrValidation)
	}
	for _, line := range lines {
		if line.IsError {
			return CheckoutResult{}, fmt.Errorf("%w: product %d: %s", ErrCheckoutBlocked, line.Line.ProductID, line.ErrorMessage)
		}
	}

	result := CheckoutResult{Lines: make([]CheckoutLineResult, 0, len(lines))}
	placed := make([]int64, 0, len(lines))
	for _, line := range lines {
		view, err := s.Place(ctx, PlaceOrderCommand{
			Actor:         cmd.Actor,
			ProductID:     line.Line.ProductID,
			Quantity:      line.Line.Quantity,
			Customisation: line.Line.Customisation,
		})
		entry := CheckoutLineResult{ProductID: line.Line.ProductID}
		if err != nil {
			entry.Err = err
			result.Failed++
		} else {
			entry.Order = &view
			result.Placed++
			placed = append(placed, line.Line.ProductID)
		}
		result.Lines = append(result.Lines, entry)
	}

	if len(placed) > 0 {
		if err := s.carts.RemoveLines(ctx, employeeID, placed); err != nil {
			s.logger(ctx, "checkout.cart.cleanup_failed", map[string]any{
				"employeeId": employeeID,
				"error":      err.Error(),
			})
		}
	}

	balance, err := s.ledger.StoredBalance(ctx, employeeID)
	if err != nil {
		return result, err
	}
	result.Balance = balance
	return result, nil
}

func (s *orderService) Transition(ctx context.Context, cmd TransitionCommand) (OrderView, error) {
	if cmd.OrderID <= 0 {
		return OrderView{}, fmt.Errorf("%w: order id is required", ErrValidation)
	}
	target := domain.OrderStatus(strings.ToUpper(strings.TrimSpace(string(cmd.Status))))
	if !slices.Contains(domain.OrderStatuses, target) {
		return OrderView{}, fmt.Errorf("%w: unknown status %q", ErrValidation, cmd.Status)
	}
	reason := truncate(textutil.SanitizeText(cmd.Reason), maxReasonLength)
	if target == domain.OrderStatusRejected && reason == "" {
		return OrderView{}, fmt.Errorf("%w: a reason is required to reject an order", ErrValidation)
	}

	view, err := s.orders.Get(ctx, cmd.OrderID)
	if err != nil {
		return OrderView{}, mapRepositoryError("order", err)
	}
	current := view.History.Status
	if !canTransition(current, target) {
		return OrderView{}, fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, current, target)
	}
	if err := authorizeTransition(cmd.Actor, view.Order, current, target); err != nil {
		return OrderView{}, err
	}

	now := s.clock()
	updated, err := s.orders.ApplyTransition(ctx, repositories.TransitionRequest{
		OrderID:  cmd.OrderID,
		Expected: current,
		Entry: HistoryEntry{
			UserID:   cmd.Actor.EmployeeID,
			UserName: cmd.Actor.Name,
			Status:   target,
			Time:     now,
			Reason:   reason,
		},
		RefundPending: target.Refunds(),
	})
	if err != nil {
		return OrderView{}, mapRepositoryError("order", err)
	}

	s.metrics.Incr(ctx, "orders.transitioned", map[string]string{"status": string(target)})
	s.logger(ctx, "order.status.changed", map[string]any{
		"orderId": cmd.OrderID,
		"from":    string(current),
		"to":      string(target),
		"actorId": cmd.Actor.EmployeeID,
	})

	if target.Refunds() {
		refundCtx, cancel := detached(ctx, s.compensation)
		err := s.refunds.Refund(refundCtx, updated.Order)
		cancel()
		if err != nil {
			// the committed transition stands and reconciliation retries the refund
			s.metrics.Incr(ctx, "orders.refund_deferred", nil)
			s.logger(ctx, "order.refund.deferred", map[string]any{
				"orderId": cmd.OrderID,
				"status":  string(target),
				"error":   err.Error(),
			})
			updated.Order.RefundState = domain.RefundStatePending
		} else {
			updated.Order.RefundState = domain.RefundStateRefunded
		}
	}

	s.notify(ctx, Notification{
		ToEmployeeID: updated.Order.EmployeeID,
		TemplateKind: notificationOrderStatusChanged,
		Payload: map[string]any{
			"orderId": cmd.OrderID,
			"title":   updated.Order.Product.Title,
			"from":    string(current),
			"to":      string(target),
			"reason":  reason,
		},
		OccurredAt: now,
	})
	return updated, nil
}

func (s *orderService) GetOrder(ctx context.Context, actor Actor, orderID int64) (OrderView, error) {
	view, err := s.orders.Get(ctx, orderID)
	if err != nil {
		return OrderView{}, mapRepositoryError("order", err)
	}
	if !actor.Privileged() && view.Order.EmployeeID != actor.EmployeeID {
		return OrderView{}, fmt.Errorf("%w: order %d", ErrNotFound, orderID)
	}
	return view, nil
}

func (s *orderService) ListOrders(ctx context.Context, filter OrderListFilter) (domain.CursorPage[OrderView], error) {
	for _, status := range filter.Statuses {
		if !slices.Contains(domain.OrderStatuses, status) {
			return domain.CursorPage[OrderView]{}, fmt.Errorf("%w: unknown status %q", ErrValidation, status)
		}
	}
	page, err := s.orders.List(ctx, repositories.OrderListFilter{
		EmployeeIDs: filter.EmployeeIDs,
		Statuses:    filter.Statuses,
		Pagination:  filter.Pagination,
	})
	if err != nil {
		return domain.CursorPage[OrderView]{}, mapRepositoryError("order", err)
	}
	return page, nil
}

func (s *orderService) StatusCounts(ctx context.Context) (map[OrderStatus]int, error) {
	counts, err := s.orders.CountByStatus(ctx)
	if err != nil {
		return nil, mapRepositoryError("order", err)
	}
	return counts, nil
}

func (s *orderService) notify(ctx context.Context, notification Notification) {
	if err := s.notifications.Dispatch(ctx, notification); err != nil {
		s.logger(ctx, "order.notification.failed", map[string]any{
			"kind":       notification.TemplateKind,
			"employeeId": notification.ToEmployeeID,
			"error":      err.Error(),
		})
	}
}

func authorizeTransition(actor Actor, order Order, current, target domain.OrderStatus) error {
	if actor.Privileged() {
		return nil
	}
	if actor.EmployeeID == 0 || actor.EmployeeID != order.EmployeeID {
		return fmt.Errorf("%w: order %d belongs to another employee", ErrForbidden, order.OrderID)
	}
	if target != domain.OrderStatusCancelled || !slices.Contains(employeeCancellable, current) {
		return fmt.Errorf("%w: employees may only cancel submitted or accepted orders", ErrForbidden)
	}
	return nil
}

func canTransition(current, target domain.OrderStatus) bool {
	next, ok := orderStateTransitions[current]
	if !ok {
		return false
	}
	return slices.Contains(next, target)
}

func purchaseDescription(orderID int64, title string) string {
	return fmt.Sprintf("Purchase Order No %d - %s", orderID, title)
}

// orderRefunder reverses the purchase debit of a rejected or cancelled order.
type orderRefunder struct {
	orders repositories.OrderRepository
	ledger LedgerService
	clock  func() time.Time
	logger func(context.Context, string, map[string]any)
}

// Refund is safe to repeat: an already reversed debit only advances the refund state.
func (r *orderRefunder) Refund(ctx context.Context, order Order) error {
	_, err := r.ledger.Reverse(ctx, ReverseCommand{
		TransactionID: order.TransactionID,
		Kind:          domain.TransactionKindRefund,
		Description:   fmt.Sprintf("Refund for Order No %d - %s", order.OrderID, order.Product.Title),
	})
	switch {
	case err == nil:
	case errors.Is(err, ErrAlreadyReversed):
		r.logger(ctx, "order.refund.already_reversed", map[string]any{"orderId": order.OrderID})
	default:
		r.logger(ctx, "order.refund.failed", map[string]any{
			"orderId":       order.OrderID,
			"transactionId": order.TransactionID,
			"error":         err.Error(),
		})
		return err
	}

	if err := r.orders.SetRefundState(ctx, order.OrderID, domain.RefundStateRefunded, r.clock()); err != nil {
		r.logger(ctx, "order.refund.state_failed", map[string]any{
			"orderId": order.OrderID,
			"error":   err.Error(),
		})
		return mapRepositoryError("order", err)
	}
	return nil
}
