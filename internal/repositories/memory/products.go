package memory

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"

	domain "github.com/rewards-hub/api/internal/domain"
	"github.com/rewards-hub/api/internal/repositories"
)

// ProductRepository is an in-memory catalog enforcing unique title keys.
type ProductRepository struct {
	mu       sync.Mutex
	products map[int64]domain.Product
	titles   map[string]int64
}

// NewProductRepository constructs an empty catalog.
func NewProductRepository() *ProductRepository {
	return &ProductRepository{
		products: make(map[int64]domain.Product),
		titles:   make(map[string]int64),
	}
}

func (r *ProductRepository) Insert(_ context.Context, product domain.Product, titleKey string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.products[product.ProductID]; exists {
		return repositories.ConflictError("products.insert", "product %d already exists", product.ProductID)
	}
	if _, taken := r.titles[titleKey]; taken {
		return repositories.DuplicateTitleError("products.insert", titleKey)
	}
	r.products[product.ProductID] = product
	r.titles[titleKey] = product.ProductID
	return nil
}

func (r *ProductRepository) Get(_ context.Context, productID int64) (domain.Product, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	product, ok := r.products[productID]
	if !ok {
		return domain.Product{}, repositories.NotFoundError("products.get", "product %d not found", productID)
	}
	return product, nil
}

func (r *ProductRepository) Update(_ context.Context, product domain.Product, titleKey string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.products[product.ProductID]; !ok {
		return repositories.NotFoundError("products.update", "product %d not found", product.ProductID)
	}
	if owner, taken := r.titles[titleKey]; taken && owner != product.ProductID {
		return repositories.DuplicateTitleError("products.update", titleKey)
	}
	for key, owner := range r.titles {
		if owner == product.ProductID && key != titleKey {
			delete(r.titles, key)
		}
	}
	r.titles[titleKey] = product.ProductID
	r.products[product.ProductID] = product
	return nil
}

func (r *ProductRepository) SetActive(_ context.Context, productID int64, active bool, at time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	product, ok := r.products[productID]
	if !ok {
		return false, repositories.NotFoundError("products.active", "product %d not found", productID)
	}
	if product.IsActive == active {
		return false, nil
	}
	product.IsActive = active
	product.UpdatedAt = at
	r.products[productID] = product
	return true, nil
}

func (r *ProductRepository) List(_ context.Context, filter repositories.ProductListFilter) ([]domain.Product, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.Product, 0, len(r.products))
	for _, product := range r.products {
		if filter.ActiveOnly && !product.IsActive {
			continue
		}
		out = append(out, product)
	}
	slices.SortFunc(out, func(a, b domain.Product) int { return cmp.Compare(a.ProductID, b.ProductID) })
	return out, nil
}

// ProductLogRepository is an in-memory audit trail.
type ProductLogRepository struct {
	mu      sync.Mutex
	entries []domain.ProductEditLog
}

// NewProductLogRepository constructs an empty audit trail.
func NewProductLogRepository() *ProductLogRepository {
	return &ProductLogRepository{}
}

func (r *ProductLogRepository) Insert(_ context.Context, entry domain.ProductEditLog) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, entry)
	return nil
}

func (r *ProductLogRepository) List(_ context.Context, productID int64) ([]domain.ProductEditLog, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.ProductEditLog
	for _, entry := range r.entries {
		if productID == 0 || entry.ProductID == productID {
			out = append(out, entry)
		}
	}
	return out, nil
}
