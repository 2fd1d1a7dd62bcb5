package firestore

import (
	"context"
	"errors"
	"time"

	"cloud.google.com/go/firestore"

	domain "github.com/rewards-hub/api/internal/domain"
	pfirestore "github.com/rewards-hub/api/internal/platform/firestore"
	"github.com/rewards-hub/api/internal/repositories"
)

// ProductRepository keeps product documents plus a productTitles index whose document IDs are
// the normalised title keys. The index makes title uniqueness a transactional check.
type ProductRepository struct {
	provider *pfirestore.Provider
	products *pfirestore.Collection[productDocument]
	titles   *pfirestore.Collection[titleDocument]
}

// NewProductRepository constructs a Firestore-backed catalog.
func NewProductRepository(provider *pfirestore.Provider) (*ProductRepository, error) {
	if provider == nil {
		return nil, errors.New("product repository requires firestore provider")
	}
	return &ProductRepository{
		provider: provider,
		products: pfirestore.NewCollection[productDocument](provider, productsCollection),
		titles:   pfirestore.NewCollection[titleDocument](provider, productTitlesCollection),
	}, nil
}

func (r *ProductRepository) Insert(ctx context.Context, product domain.Product, titleKey string) error {
	productRef, err := r.products.Doc(ctx, intID(product.ProductID))
	if err != nil {
		return err
	}
	titleRef, err := r.titles.Doc(ctx, titleKey)
	if err != nil {
		return err
	}
	return r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		if _, exists, err := pfirestore.GetTx[productDocument](tx, productRef); err != nil {
			return err
		} else if exists {
			return repositories.ConflictError("products.insert", "product %d already exists", product.ProductID)
		}
		if _, taken, err := pfirestore.GetTx[titleDocument](tx, titleRef); err != nil {
			return err
		} else if taken {
			return repositories.DuplicateTitleError("products.insert", titleKey)
		}
		if err := tx.Create(titleRef, titleDocument{ProductID: product.ProductID}); err != nil {
			return err
		}
		return tx.Create(productRef, encodeProduct(product, titleKey))
	})
}

func (r *ProductRepository) Get(ctx context.Context, productID int64) (domain.Product, error) {
	doc, err := r.products.Get(ctx, intID(productID))
	if err != nil {
		return domain.Product{}, err
	}
	return doc.domain(), nil
}

func (r *ProductRepository) Update(ctx context.Context, product domain.Product, titleKey string) error {
	productRef, err := r.products.Doc(ctx, intID(product.ProductID))
	if err != nil {
		return err
	}
	titleRef, err := r.titles.Doc(ctx, titleKey)
	if err != nil {
		return err
	}
	return r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		existing, found, err := pfirestore.GetTx[productDocument](tx, productRef)
		if err != nil {
			return err
		}
		if !found {
			return repositories.NotFoundError("products.update", "product %d not found", product.ProductID)
		}
		owner, taken, err := pfirestore.GetTx[titleDocument](tx, titleRef)
		if err != nil {
			return err
		}
		if taken && owner.ProductID != product.ProductID {
			return repositories.DuplicateTitleError("products.update", titleKey)
		}

		if existing.TitleKey != titleKey {
			if existing.TitleKey != "" {
				oldRef, err := r.titles.Doc(ctx, existing.TitleKey)
				if err != nil {
					return err
				}
				if err := tx.Delete(oldRef); err != nil {
					return err
				}
			}
			if err := tx.Set(titleRef, titleDocument{ProductID: product.ProductID}); err != nil {
				return err
			}
		}
		return tx.Set(productRef, encodeProduct(product, titleKey))
	})
}

func (r *ProductRepository) SetActive(ctx context.Context, productID int64, active bool, at time.Time) (bool, error) {
	ref, err := r.products.Doc(ctx, intID(productID))
	if err != nil {
		return false, err
	}
	var changed bool
	err = r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		doc, found, err := pfirestore.GetTx[productDocument](tx, ref)
		if err != nil {
			return err
		}
		if !found {
			return repositories.NotFoundError("products.active", "product %d not found", productID)
		}
		changed = doc.IsActive != active
		if !changed {
			return nil
		}
		return tx.Update(ref, []firestore.Update{
			{Path: "isActive", Value: active},
			{Path: "updatedAt", Value: at.UTC()},
		})
	})
	if err != nil {
		return false, err
	}
	return changed, nil
}

func (r *ProductRepository) List(ctx context.Context, filter repositories.ProductListFilter) ([]domain.Product, error) {
	collection, err := r.products.Ref(ctx)
	if err != nil {
		return nil, err
	}
	query := collection.Query
	if filter.ActiveOnly {
		query = query.Where("isActive", "==", true)
	}
	docs, err := pfirestore.All[productDocument](ctx, "products.list", query.OrderBy("productId", firestore.Asc))
	if err != nil {
		return nil, err
	}
	out := make([]domain.Product, 0, len(docs))
	for _, doc := range docs {
		out = append(out, doc.domain())
	}
	return out, nil
}

// ProductLogRepository appends product edit audit entries.
type ProductLogRepository struct {
	logs *pfirestore.Collection[productLogDocument]
}

// NewProductLogRepository constructs the audit trail store.
func NewProductLogRepository(provider *pfirestore.Provider) (*ProductLogRepository, error) {
	if provider == nil {
		return nil, errors.New("product log repository requires firestore provider")
	}
	return &ProductLogRepository{logs: pfirestore.NewCollection[productLogDocument](provider, productLogsCollection)}, nil
}

func (r *ProductLogRepository) Insert(ctx context.Context, entry domain.ProductEditLog) error {
	ref, err := r.logs.Doc(ctx, entry.ID)
	if err != nil {
		return err
	}
	_, err = ref.Create(ctx, productLogDocument{
		ID:        entry.ID,
		ActorID:   entry.ActorID,
		ActorName: entry.ActorName,
		ProductID: entry.ProductID,
		Before:    encodeSnapshot(entry.Before),
		After:     encodeSnapshot(entry.After),
		Success:   entry.Success,
		At:        entry.At.UTC(),
	})
	return pfirestore.WrapError("product_logs.insert", err)
}

func (r *ProductLogRepository) List(ctx context.Context, productID int64) ([]domain.ProductEditLog, error) {
	collection, err := r.logs.Ref(ctx)
	if err != nil {
		return nil, err
	}
	query := collection.Query
	if productID != 0 {
		query = query.Where("productId", "==", productID)
	}
	docs, err := pfirestore.All[productLogDocument](ctx, "product_logs.list", query.OrderBy("at", firestore.Asc))
	if err != nil {
		return nil, err
	}
	out := make([]domain.ProductEditLog, 0, len(docs))
	for _, doc := range docs {
		out = append(out, doc.domain())
	}
	return out, nil
}
