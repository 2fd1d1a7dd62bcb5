package memory

import (
	"context"
	"slices"
	"sync"
	"time"

	domain "github.com/rewards-hub/api/internal/domain"
	"github.com/rewards-hub/api/internal/repositories"
)

// CartRepository is an in-memory repositories.CartRepository.
type CartRepository struct {
	mu    sync.Mutex
	carts map[int64]domain.Cart
}

// NewCartRepository constructs an empty cart store.
func NewCartRepository() *CartRepository {
	return &CartRepository{carts: make(map[int64]domain.Cart)}
}

func (r *CartRepository) Get(_ context.Context, employeeID int64) (domain.Cart, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cart, ok := r.carts[employeeID]
	if !ok || len(cart.Lines) == 0 {
		return domain.Cart{}, repositories.NotFoundError("carts.get", "cart for employee %d is empty", employeeID)
	}
	cart.Lines = slices.Clone(cart.Lines)
	return cart, nil
}

func (r *CartRepository) Save(_ context.Context, cart domain.Cart) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cart.Lines = slices.Clone(cart.Lines)
	r.carts[cart.EmployeeID] = cart
	return nil
}

func (r *CartRepository) RemoveLines(_ context.Context, employeeID int64, productIDs []int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cart, ok := r.carts[employeeID]
	if !ok {
		return nil
	}
	cart.Lines = slices.DeleteFunc(slices.Clone(cart.Lines), func(line domain.CartLine) bool {
		return slices.Contains(productIDs, line.ProductID)
	})
	cart.UpdatedAt = time.Now().UTC()
	r.carts[employeeID] = cart
	return nil
}

// ScheduleRepository holds at most one expiration schedule.
type ScheduleRepository struct {
	mu       sync.Mutex
	schedule *domain.ExpirationSchedule
}

// NewScheduleRepository constructs an empty schedule store.
func NewScheduleRepository() *ScheduleRepository {
	return &ScheduleRepository{}
}

func (r *ScheduleRepository) GetExpiration(_ context.Context) (domain.ExpirationSchedule, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.schedule == nil {
		return domain.ExpirationSchedule{}, repositories.NotFoundError("schedules.get", "no expiration scheduled")
	}
	return *r.schedule, nil
}

func (r *ScheduleRepository) SaveExpiration(_ context.Context, schedule domain.ExpirationSchedule) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.schedule = &schedule
	return nil
}

func (r *ScheduleRepository) DeleteExpiration(_ context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.schedule == nil {
		return repositories.NotFoundError("schedules.delete", "no expiration scheduled")
	}
	r.schedule = nil
	return nil
}
