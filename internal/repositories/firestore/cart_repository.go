package firestore

import (
	"context"
	"errors"
	"slices"
	"time"

	"cloud.google.com/go/firestore"

	domain "github.com/rewards-hub/api/internal/domain"
	pfirestore "github.com/rewards-hub/api/internal/platform/firestore"
	"github.com/rewards-hub/api/internal/repositories"
)

// CartRepository stores one document per employee cart.
type CartRepository struct {
	provider *pfirestore.Provider
	carts    *pfirestore.Collection[cartDocument]
	now      func() time.Time
}

// NewCartRepository constructs a Firestore-backed cart store.
func NewCartRepository(provider *pfirestore.Provider) (*CartRepository, error) {
	if provider == nil {
		return nil, errors.New("cart repository requires firestore provider")
	}
	return &CartRepository{
		provider: provider,
		carts:    pfirestore.NewCollection[cartDocument](provider, cartsCollection),
		now:      func() time.Time { return time.Now().UTC() },
	}, nil
}

func (r *CartRepository) Get(ctx context.Context, employeeID int64) (domain.Cart, error) {
	doc, err := r.carts.Get(ctx, intID(employeeID))
	if err != nil {
		var repoErr repositories.RepositoryError
		if errors.As(err, &repoErr) && repoErr.IsNotFound() {
			return domain.Cart{}, repositories.NotFoundError("carts.get", "cart for employee %d is empty", employeeID)
		}
		return domain.Cart{}, err
	}
	if len(doc.Lines) == 0 {
		return domain.Cart{}, repositories.NotFoundError("carts.get", "cart for employee %d is empty", employeeID)
	}
	return doc.domain(), nil
}

func (r *CartRepository) Save(ctx context.Context, cart domain.Cart) error {
	ref, err := r.carts.Doc(ctx, intID(cart.EmployeeID))
	if err != nil {
		return err
	}
	_, err = ref.Set(ctx, encodeCart(cart))
	return pfirestore.WrapError("carts.save", err)
}

func (r *CartRepository) RemoveLines(ctx context.Context, employeeID int64, productIDs []int64) error {
	ref, err := r.carts.Doc(ctx, intID(employeeID))
	if err != nil {
		return err
	}
	return r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		doc, found, err := pfirestore.GetTx[cartDocument](tx, ref)
		if err != nil || !found {
			return err
		}
		doc.Lines = slices.DeleteFunc(doc.Lines, func(line cartLineDocument) bool {
			return slices.Contains(productIDs, line.ProductID)
		})
		if doc.Lines == nil {
			doc.Lines = []cartLineDocument{}
		}
		doc.UpdatedAt = r.now()
		return tx.Set(ref, doc)
	})
}

// ScheduleRepository keeps the expiration schedule as a single well-known document.
type ScheduleRepository struct {
	schedules *pfirestore.Collection[scheduleDocument]
}

// NewScheduleRepository constructs the schedule store.
func NewScheduleRepository(provider *pfirestore.Provider) (*ScheduleRepository, error) {
	if provider == nil {
		return nil, errors.New("schedule repository requires firestore provider")
	}
	return &ScheduleRepository{schedules: pfirestore.NewCollection[scheduleDocument](provider, schedulesCollection)}, nil
}

func (r *ScheduleRepository) GetExpiration(ctx context.Context) (domain.ExpirationSchedule, error) {
	doc, err := r.schedules.Get(ctx, expirationScheduleID)
	if err != nil {
		return domain.ExpirationSchedule{}, err
	}
	return domain.ExpirationSchedule{Cutoff: doc.Cutoff, RunAt: doc.RunAt, CreatedBy: doc.CreatedBy, CreatedAt: doc.CreatedAt}, nil
}

func (r *ScheduleRepository) SaveExpiration(ctx context.Context, schedule domain.ExpirationSchedule) error {
	ref, err := r.schedules.Doc(ctx, expirationScheduleID)
	if err != nil {
		return err
	}
	_, err = ref.Set(ctx, scheduleDocument{
		Cutoff:    schedule.Cutoff.UTC(),
		RunAt:     schedule.RunAt.UTC(),
		CreatedBy: schedule.CreatedBy,
		CreatedAt: schedule.CreatedAt.UTC(),
	})
	return pfirestore.WrapError("schedules.save", err)
}

// DeleteExpiration uses an Exists precondition so a missing schedule reports not found.
func (r *ScheduleRepository) DeleteExpiration(ctx context.Context) error {
	ref, err := r.schedules.Doc(ctx, expirationScheduleID)
	if err != nil {
		return err
	}
	if _, err := ref.Delete(ctx, firestore.Exists); err != nil {
		if pfirestore.IsNotFound(err) {
			return repositories.NotFoundError("schedules.delete", "no expiration scheduled")
		}
		return pfirestore.WrapError("schedules.delete", err)
	}
	return nil
}
