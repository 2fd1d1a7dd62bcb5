package services

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/rewards-hub/api/internal/repositories"
	"github.com/rewards-hub/api/internal/repositories/memory"
)

type stubCounterRepo struct {
	nextFn      func(context.Context, string, int64) (int64, error)
	decrementFn func(context.Context, string, int64) error
}

func (s *stubCounterRepo) Next(ctx context.Context, name string, step int64) (int64, error) {
	if s.nextFn != nil {
		return s.nextFn(ctx, name, step)
	}
	return 0, nil
}

func (s *stubCounterRepo) Decrement(ctx context.Context, name string, n int64) error {
	if s.decrementFn != nil {
		return s.decrementFn(ctx, name, n)
	}
	return nil
}

func (s *stubCounterRepo) Current(context.Context, string) (int64, error) {
	return 0, nil
}

func TestSequenceServiceConcurrentNextIsDistinctAndContiguous(t *testing.T) {
	svc, err := NewSequenceService(SequenceServiceDeps{Repository: memory.NewCounterRepository()})
	if err != nil {
		t.Fatalf("new sequence service: %v", err)
	}

	const callers = 200
	values := make([]int64, callers)
	var wg sync.WaitGroup
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			value, err := svc.Next(context.Background(), "orders")
			if err != nil {
				t.Errorf("next: %v", err)
				return
			}
			values[i] = value
		}()
	}
	wg.Wait()

	slices.Sort(values)
	for i, value := range values {
		if value != int64(i+1) {
			t.Fatalf("expected contiguous values 1..%d, got %d at position %d", callers, value, i)
		}
	}
}

func TestSequenceServiceRetriesTransientFailures(t *testing.T) {
	attempts := 0
	repo := &stubCounterRepo{
		nextFn: func(context.Context, string, int64) (int64, error) {
			attempts++
			if attempts < 3 {
				return 0, repositories.UnavailableError("counters.next", errors.New("aborted"))
			}
			return 41, nil
		},
	}
	svc, err := NewSequenceService(SequenceServiceDeps{Repository: repo, Backoff: time.Millisecond})
	if err != nil {
		t.Fatalf("new sequence service: %v", err)
	}

	value, err := svc.Next(context.Background(), "orders")
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if value != 41 || attempts != 3 {
		t.Fatalf("expected value 41 after 3 attempts, got %d after %d", value, attempts)
	}
}

func TestSequenceServiceFailsLoudlyWhenStoreUnavailable(t *testing.T) {
	repo := &stubCounterRepo{
		nextFn: func(context.Context, string, int64) (int64, error) {
			return 0, repositories.UnavailableError("counters.next", errors.New("connection refused"))
		},
	}
	svc, err := NewSequenceService(SequenceServiceDeps{Repository: repo, Attempts: 2, Backoff: time.Millisecond})
	if err != nil {
		t.Fatalf("new sequence service: %v", err)
	}

	if _, err := svc.Next(context.Background(), "orders"); !errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("expected store unavailable, got %v", err)
	}
}

func TestSequenceServiceDecrement(t *testing.T) {
	repo := memory.NewCounterRepository()
	svc, err := NewSequenceService(SequenceServiceDeps{Repository: repo})
	if err != nil {
		t.Fatalf("new sequence service: %v", err)
	}
	ctx := context.Background()
	for range 5 {
		if _, err := svc.Next(ctx, "products"); err != nil {
			t.Fatalf("next: %v", err)
		}
	}

	if err := svc.Decrement(ctx, "products", 2); err != nil {
		t.Fatalf("decrement: %v", err)
	}
	if current, _ := svc.Current(ctx, "products"); current != 3 {
		t.Fatalf("expected counter 3, got %d", current)
	}
	if err := svc.Decrement(ctx, "products", 10); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error on underflow, got %v", err)
	}
	if err := svc.Decrement(ctx, "products", 0); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error on zero decrement, got %v", err)
	}
}
