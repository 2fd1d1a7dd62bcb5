package handlers

import (
	"net/http"
	"slices"

	"github.com/go-chi/chi/v5"

	domain "github.com/rewards-hub/api/internal/domain"
	"github.com/rewards-hub/api/internal/platform/auth"
	"github.com/rewards-hub/api/internal/platform/observability"
	"github.com/rewards-hub/api/internal/services"
)

// ProductHandlers exposes the active catalog to any authenticated employee.
type ProductHandlers struct {
	authn   *auth.Authenticator
	catalog services.CatalogService
}

// NewProductHandlers constructs the employee catalog handlers.
func NewProductHandlers(authn *auth.Authenticator, catalog services.CatalogService) *ProductHandlers {
	return &ProductHandlers{authn: authn, catalog: catalog}
}

// Routes registers the /products endpoints.
func (h *ProductHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	if h.authn != nil {
		r.Use(h.authn.RequireActor())
	}
	r.Use(observability.ActorLoggerMiddleware)
	r.Get("/", h.listProducts)
	r.Get("/sizes", h.listSizes)
}

type catalogItemPayload struct {
	ProductID      int64    `json:"productId"`
	Title          string   `json:"title"`
	RewardPoints   int64    `json:"rewardPoints"`
	IsCustomisable bool     `json:"isCustomisable"`
	ImageRef       string   `json:"imageRef,omitempty"`
	Sizes          []string `json:"sizes,omitempty"`
}

type catalogListResponse struct {
	Items []catalogItemPayload `json:"items"`
}

type sizeListResponse struct {
	Items []string `json:"items"`
}

func (h *ProductHandlers) listProducts(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.catalog == nil {
		serviceUnavailable(ctx, w, "catalog")
		return
	}
	if _, ok := requireActor(w, r); !ok {
		return
	}

	products, err := h.catalog.ListProducts(ctx, true)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	resp := catalogListResponse{Items: make([]catalogItemPayload, 0, len(products))}
	for _, product := range products {
		item := catalogItemPayload{
			ProductID:      product.ProductID,
			Title:          product.Title,
			RewardPoints:   product.RewardPoints,
			IsCustomisable: product.IsCustomisable,
			ImageRef:       product.ImageRef,
		}
		if product.IsCustomisable {
			item.Sizes = slices.Clone(domain.ProductSizes)
		}
		resp.Items = append(resp.Items, item)
	}
	writeJSONResponse(w, http.StatusOK, resp)
}

func (h *ProductHandlers) listSizes(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireActor(w, r); !ok {
		return
	}
	writeJSONResponse(w, http.StatusOK, sizeListResponse{Items: slices.Clone(domain.ProductSizes)})
}
