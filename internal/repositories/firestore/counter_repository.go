package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"

	pfirestore "github.com/rewards-hub/api/internal/platform/firestore"
	"github.com/rewards-hub/api/internal/repositories"
)

type counterDocument struct {
	Value     int64     `firestore:"value"`
	UpdatedAt time.Time `firestore:"updatedAt"`
}

// CounterRepository implements repositories.CounterRepository with one document per counter.
type CounterRepository struct {
	provider *pfirestore.Provider
	counters *pfirestore.Collection[counterDocument]
	now      func() time.Time
}

// NewCounterRepository constructs a Firestore-backed counter repository.
func NewCounterRepository(provider *pfirestore.Provider) (*CounterRepository, error) {
	if provider == nil {
		return nil, errors.New("counter repository requires firestore provider")
	}
	return &CounterRepository{
		provider: provider,
		counters: pfirestore.NewCollection[counterDocument](provider, countersCollection),
		now:      func() time.Time { return time.Now().UTC() },
	}, nil
}

// Next atomically increments the counter, creating it at zero first when absent.
func (r *CounterRepository) Next(ctx context.Context, name string, step int64) (int64, error) {
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

	var next int64
	err := r.update(ctx, name, func(doc *counterDocument) error {
		doc.Value += step
		next = doc.Value
		return nil
	})
	if err != nil {
		return 0, err
	}
	return next, nil
}

// Decrement lowers the counter by n, refusing to go below zero.
func (r *CounterRepository) Decrement(ctx context.Context, name string, n int64) error {
	name = strings.TrimSpace(name)
	if name == "" || n <= 0 {
		return repositories.NewCounterError(repositories.CounterErrorInvalidInput, name, "decrement requires a name and a positive amount")
	}
	return r.update(ctx, name, func(doc *counterDocument) error {
		if n > doc.Value {
			return repositories.NewCounterError(repositories.CounterErrorUnderflow, name, fmt.Sprintf("cannot decrement %d below zero (current %d)", n, doc.Value))
		}
		doc.Value -= n
		return nil
	})
}

// Current returns the last issued value.
func (r *CounterRepository) Current(ctx context.Context, name string) (int64, error) {
	doc, err := r.counters.Get(ctx, strings.TrimSpace(name))
	if err != nil {
		var repoErr repositories.RepositoryError
		if errors.As(err, &repoErr) && repoErr.IsNotFound() {
			return 0, nil
		}
		return 0, err
	}
	return doc.Value, nil
}

func (r *CounterRepository) update(ctx context.Context, name string, mutate func(*counterDocument) error) error {
	ref, err := r.counters.Doc(ctx, name)
	if err != nil {
		return err
	}
	return r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		doc, _, err := pfirestore.GetTx[counterDocument](tx, ref)
		if err != nil {
			return err
		}
		if err := mutate(&doc); err != nil {
			return err
		}
		doc.UpdatedAt = r.now()
		return tx.Set(ref, doc)
	})
}
