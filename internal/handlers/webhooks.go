package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/rewards-hub/api/internal/platform/observability"
	"github.com/rewards-hub/api/internal/services"
)

const maxIngestionBodySize = 2 << 20

// IngestionHandlers accept bulk product and reward uploads from signed webhook callers.
type IngestionHandlers struct {
	catalog     services.CatalogService
	redemptions services.RedemptionService
	productAuth Middleware
	rewardAuth  Middleware
}

// IngestionOption customises IngestionHandlers.
type IngestionOption func(*IngestionHandlers)

// WithProductIngestionAuth guards the product ingestion route; the middleware must attach an actor.
func WithProductIngestionAuth(mw Middleware) IngestionOption {
	return func(h *IngestionHandlers) {
		h.productAuth = orPassthrough(mw)
	}
}

// WithRewardIngestionAuth guards the reward ingestion route; the middleware must attach an actor.
func WithRewardIngestionAuth(mw Middleware) IngestionOption {
	return func(h *IngestionHandlers) {
		h.rewardAuth = orPassthrough(mw)
	}
}

// NewIngestionHandlers constructs webhook ingestion handlers.
func NewIngestionHandlers(catalog services.CatalogService, redemptions services.RedemptionService, opts ...IngestionOption) *IngestionHandlers {
	h := &IngestionHandlers{
		catalog:     catalog,
		redemptions: redemptions,
		productAuth: passthrough,
		rewardAuth:  passthrough,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Routes registers the /webhooks endpoints.
func (h *IngestionHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.With(h.productAuth, observability.ActorLoggerMiddleware).Post("/ingestion/products", h.ingestProducts)
	r.With(h.rewardAuth, observability.ActorLoggerMiddleware).Post("/ingestion/rewards", h.ingestRewards)
}

type productRowRequest struct {
	Title          string `json:"title"`
	RewardPoints   int64  `json:"rewardPoints"`
	IsCustomisable bool   `json:"isCustomisable"`
	ImageRef       string `json:"imageRef"`
}

type ingestProductsRequest struct {
	Rows []productRowRequest `json:"rows" validate:"required,min=1,max=1000"`
}

type ingestProductsResponse struct {
	Inserted   []productPayload `json:"inserted"`
	Duplicates []string         `json:"duplicates"`
	Invalid    []string         `json:"invalid"`
}

// ingestProducts leaves row level validation to the catalog so invalid rows are reported
// rather than failing the batch.
func (h *IngestionHandlers) ingestProducts(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.catalog == nil {
		serviceUnavailable(ctx, w, "catalog")
		return
	}
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	var req ingestProductsRequest
	if !decodeRequest(w, r, maxIngestionBodySize, &req) {
		return
	}

	rows := make([]services.ProductRow, 0, len(req.Rows))
	for _, row := range req.Rows {
		rows = append(rows, services.ProductRow{
			Title:          row.Title,
			RewardPoints:   row.RewardPoints,
			IsCustomisable: row.IsCustomisable,
			ImageRef:       row.ImageRef,
		})
	}
	report, err := h.catalog.IngestProducts(ctx, services.IngestProductsCommand{Actor: actor, Rows: rows})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}

	resp := ingestProductsResponse{
		Inserted:   make([]productPayload, 0, len(report.Inserted)),
		Duplicates: append([]string{}, report.Duplicates...),
		Invalid:    append([]string{}, report.Invalid...),
	}
	for _, product := range report.Inserted {
		resp.Inserted = append(resp.Inserted, buildProductPayload(product))
	}
	writeJSONResponse(w, http.StatusOK, resp)
}

func (h *IngestionHandlers) ingestRewards(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.redemptions == nil {
		serviceUnavailable(ctx, w, "reward")
		return
	}
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	var req grantRewardsRequest
	if !decodeRequest(w, r, maxIngestionBodySize, &req) {
		return
	}

	results, err := h.redemptions.GrantRewards(ctx, services.GrantRewardsCommand{Actor: actor, Grants: req.toGrants()})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, buildGrantResponse(results))
}
