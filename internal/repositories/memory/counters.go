package memory

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/rewards-hub/api/internal/repositories"
)

// CounterRepository is an in-memory repositories.CounterRepository.
type CounterRepository struct {
	mu     sync.Mutex
	values map[string]int64
}

// NewCounterRepository constructs an empty counter store.
func NewCounterRepository() *CounterRepository {
	return &CounterRepository{values: make(map[string]int64)}
}

func (r *CounterRepository) Next(_ context.Context, name string, step int64) (int64, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return 0, repositories.NewCounterError(repositories.CounterErrorInvalidInput, name, "counter name is required")
	}
	if step < 0 {
		return 0, repositories.NewCounterError(repositories.CounterErrorInvalidInput, name, fmt.Sprintf("step must be positive, got %d", step))
	}
	if step == 0 {
		step = 1
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.values[name] += step
	return r.values[name], nil
}

func (r *CounterRepository) Decrement(_ context.Context, name string, n int64) error {
	name = strings.TrimSpace(name)
	if name == "" || n <= 0 {
		return repositories.NewCounterError(repositories.CounterErrorInvalidInput, name, "decrement requires a name and a positive amount")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	current := r.values[name]
	if n > current {
		return repositories.NewCounterError(repositories.CounterErrorUnderflow, name, fmt.Sprintf("cannot decrement %d below zero (current %d)", n, current))
	}
	r.values[name] = current - n
	return nil
}

func (r *CounterRepository) Current(_ context.Context, name string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.values[strings.TrimSpace(name)], nil
}
