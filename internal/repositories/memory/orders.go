package memory

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"

	domain "github.com/rewards-hub/api/internal/domain"
	"github.com/rewards-hub/api/internal/platform/pagination"
	"github.com/rewards-hub/api/internal/repositories"
)

// OrderRepository is an in-memory repositories.OrderRepository.
type OrderRepository struct {
	mu     sync.Mutex
	orders map[int64]*domain.OrderView

	// CreateHook, when set, runs before an order is stored and may fail the write.
	CreateHook func(order domain.Order) error
	// AfterCreateHook, when set, runs once the order is stored; its error is returned but the write stands.
	AfterCreateHook func(order domain.Order) error
}

// NewOrderRepository constructs an empty order store.
func NewOrderRepository() *OrderRepository {
	return &OrderRepository{orders: make(map[int64]*domain.OrderView)}
}

func (r *OrderRepository) Create(_ context.Context, order domain.Order, history domain.OrderHistory) error {
	if r.CreateHook != nil {
		if err := r.CreateHook(order); err != nil {
			return err
		}
	}
	r.mu.Lock()
	if _, exists := r.orders[order.OrderID]; exists {
		r.mu.Unlock()
		return repositories.ConflictError("orders.create", "order %d already exists", order.OrderID)
	}
	view := domain.OrderView{Order: order, History: cloneHistory(history)}
	r.orders[order.OrderID] = &view
	r.mu.Unlock()
	if r.AfterCreateHook != nil {
		return r.AfterCreateHook(order)
	}
	return nil
}

func (r *OrderRepository) Get(_ context.Context, orderID int64) (domain.OrderView, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	view, ok := r.orders[orderID]
	if !ok {
		return domain.OrderView{}, repositories.NotFoundError("orders.get", "order %d not found", orderID)
	}
	return cloneView(*view), nil
}

func (r *OrderRepository) ApplyTransition(_ context.Context, req repositories.TransitionRequest) (domain.OrderView, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	view, ok := r.orders[req.OrderID]
	if !ok {
		return domain.OrderView{}, repositories.NotFoundError("orders.transition", "order %d not found", req.OrderID)
	}
	if view.History.Status != req.Expected {
		return domain.OrderView{}, repositories.ConflictError("orders.transition", "order %d is %s, expected %s", req.OrderID, view.History.Status, req.Expected)
	}
	view.History.History = append(view.History.History, req.Entry)
	view.History.Status = req.Entry.Status
	if req.RefundPending {
		at := req.Entry.Time
		view.Order.RefundState = domain.RefundStatePending
		view.Order.RefundUpdatedAt = &at
	}
	return cloneView(*view), nil
}

func (r *OrderRepository) SetRefundState(_ context.Context, orderID int64, state domain.RefundState, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	view, ok := r.orders[orderID]
	if !ok {
		return repositories.NotFoundError("orders.refund", "order %d not found", orderID)
	}
	view.Order.RefundState = state
	view.Order.RefundUpdatedAt = &at
	return nil
}

func (r *OrderRepository) List(_ context.Context, filter repositories.OrderListFilter) (domain.CursorPage[domain.OrderView], error) {
	r.mu.Lock()
	views := make([]domain.OrderView, 0, len(r.orders))
	for _, view := range r.orders {
		if len(filter.EmployeeIDs) > 0 && !slices.Contains(filter.EmployeeIDs, view.Order.EmployeeID) {
			continue
		}
		if len(filter.Statuses) > 0 && !slices.Contains(filter.Statuses, view.History.Status) {
			continue
		}
		views = append(views, cloneView(*view))
	}
	r.mu.Unlock()

	slices.SortFunc(views, func(a, b domain.OrderView) int {
		if c := b.Order.CreatedAt.Compare(a.Order.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(b.Order.OrderID, a.Order.OrderID)
	})

	cursor, err := pagination.DecodeToken(filter.Pagination.PageToken)
	if err != nil {
		return domain.CursorPage[domain.OrderView]{}, &repositories.StoreError{Op: "orders.list", Err: err}
	}
	items, next := pagination.Window(views, cursor, filter.Pagination.PageSize, orderCursor)
	return domain.CursorPage[domain.OrderView]{Items: items, NextPageToken: next}, nil
}

func orderCursor(view domain.OrderView) pagination.Cursor {
	return pagination.Cursor{CreatedAt: view.Order.CreatedAt, ID: view.Order.OrderID}
}

func (r *OrderRepository) ListPendingRefunds(_ context.Context, updatedBefore time.Time, limit int) ([]domain.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Order
	for _, view := range r.orders {
		order := view.Order
		if order.RefundState != domain.RefundStatePending {
			continue
		}
		if order.RefundUpdatedAt != nil && !order.RefundUpdatedAt.Before(updatedBefore) {
			continue
		}
		out = append(out, order)
	}
	slices.SortFunc(out, func(a, b domain.Order) int { return cmp.Compare(a.OrderID, b.OrderID) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *OrderRepository) CountByStatus(_ context.Context) (map[domain.OrderStatus]int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	counts := make(map[domain.OrderStatus]int, len(domain.OrderStatuses))
	for _, status := range domain.OrderStatuses {
		counts[status] = 0
	}
	for _, view := range r.orders {
		counts[view.History.Status]++
	}
	return counts, nil
}

func cloneHistory(history domain.OrderHistory) domain.OrderHistory {
	history.History = slices.Clone(history.History)
	return history
}

func cloneView(view domain.OrderView) domain.OrderView {
	view.History = cloneHistory(view.History)
	if view.Order.RefundUpdatedAt != nil {
		at := *view.Order.RefundUpdatedAt
		view.Order.RefundUpdatedAt = &at
	}
	return view
}
