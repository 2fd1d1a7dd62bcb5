package handlers

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/oklog/ulid/v2"

	domain "github.com/rewards-hub/api/internal/domain"
	"github.com/rewards-hub/api/internal/platform/auth"
	"github.com/rewards-hub/api/internal/platform/httpx"
	"github.com/rewards-hub/api/internal/platform/observability"
	"github.com/rewards-hub/api/internal/platform/storage"
	"github.com/rewards-hub/api/internal/services"
)

const (
	maxCatalogRequestBody = 16 * 1024
	maxProductImageBytes  = 5 << 20
	productImageURLExpiry = 15 * time.Minute
)

// ImageUploadSigner issues browser upload URLs for product images.
type ImageUploadSigner interface {
	Bucket() string
	Upload(ctx context.Context, req storage.UploadRequest) (storage.SignedURL, error)
}

// AdminHandlers exposes inventory and order fulfilment endpoints to administrators.
type AdminHandlers struct {
	authn   *auth.Authenticator
	catalog services.CatalogService
	orders  services.OrderService
	images  ImageUploadSigner
	newID   func() string
}

// AdminOption customises AdminHandlers.
type AdminOption func(*AdminHandlers)

// WithProductImageSigner enables the image upload URL endpoint.
func WithProductImageSigner(signer ImageUploadSigner) AdminOption {
	return func(h *AdminHandlers) {
		h.images = signer
	}
}

// NewAdminHandlers constructs admin handlers.
func NewAdminHandlers(authn *auth.Authenticator, catalog services.CatalogService, orders services.OrderService, opts ...AdminOption) *AdminHandlers {
	h := &AdminHandlers{
		authn:   authn,
		catalog: catalog,
		orders:  orders,
		newID:   func() string { return strings.ToLower(ulid.Make().String()) },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Routes registers the /admin endpoints.
func (h *AdminHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	if h.authn != nil {
		r.Use(h.authn.RequireActor(domain.RoleAdmin))
	}
	r.Use(observability.ActorLoggerMiddleware)

	r.Get("/products", h.listProducts)
	r.Post("/products", h.createProduct)
	r.Patch("/products/{productId}", h.updateProduct)
	r.Post("/products/{productId}:deactivate", h.deactivateProduct)
	r.Post("/products/{productId}:activate", h.activateProduct)
	r.Get("/products/{productId}/edit-logs", h.listEditLogs)
	r.Post("/products/{productId}/image:upload-url", h.issueImageUpload)

	r.Get("/orders", h.listOrders)
	r.Get("/orders:status-count", h.statusCounts)
	r.Post("/orders/{orderId}:transition", h.transitionOrder)
}

type createProductRequest struct {
	Title          string `json:"title" validate:"required,max=200"`
	RewardPoints   int64  `json:"rewardPoints" validate:"required,gt=0"`
	IsCustomisable bool   `json:"isCustomisable"`
	ImageRef       string `json:"imageRef" validate:"omitempty,max=1024"`
}

type updateProductRequest struct {
	Title          *string `json:"title" validate:"omitempty,max=200"`
	RewardPoints   *int64  `json:"rewardPoints" validate:"omitempty,gt=0"`
	IsCustomisable *bool   `json:"isCustomisable"`
	ImageRef       *string `json:"imageRef" validate:"omitempty,max=1024"`
}

type productListResponse struct {
	Items []productPayload `json:"items"`
}

type editLogPayload struct {
	ID        string              `json:"id"`
	ActorID   int64               `json:"actorId"`
	ActorName string              `json:"actorName,omitempty"`
	Before    productSnapshotJSON `json:"before"`
	After     productSnapshotJSON `json:"after"`
	Success   bool                `json:"success"`
	At        string              `json:"at"`
}

type imageUploadRequest struct {
	ContentType string `json:"contentType" validate:"required,oneof=image/png image/jpeg image/webp"`
}

type imageUploadResponse struct {
	URL       string            `json:"url"`
	Method    string            `json:"method"`
	Headers   map[string]string `json:"headers"`
	ExpiresAt string            `json:"expiresAt"`
	ImageRef  string            `json:"imageRef"`
}

func (h *AdminHandlers) listProducts(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.catalog == nil {
		serviceUnavailable(ctx, w, "catalog")
		return
	}
	activeOnly := false
	if raw := strings.TrimSpace(r.URL.Query().Get("active")); raw != "" {
		parsed, err := strconv.ParseBool(raw)
		if err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "active must be a boolean", http.StatusBadRequest))
			return
		}
		activeOnly = parsed
	}

	products, err := h.catalog.ListProducts(ctx, activeOnly)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	resp := productListResponse{Items: make([]productPayload, 0, len(products))}
	for _, product := range products {
		resp.Items = append(resp.Items, buildProductPayload(product))
	}
	writeJSONResponse(w, http.StatusOK, resp)
}

func (h *AdminHandlers) createProduct(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.catalog == nil {
		serviceUnavailable(ctx, w, "catalog")
		return
	}
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	var req createProductRequest
	if !decodeRequest(w, r, maxCatalogRequestBody, &req) {
		return
	}

	product, err := h.catalog.CreateProduct(ctx, services.UpsertProductCommand{
		Actor:          actor,
		Title:          req.Title,
		RewardPoints:   req.RewardPoints,
		IsCustomisable: req.IsCustomisable,
		ImageRef:       req.ImageRef,
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusCreated, buildProductPayload(product))
}

// updateProduct applies the supplied fields over the current product.
func (h *AdminHandlers) updateProduct(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.catalog == nil {
		serviceUnavailable(ctx, w, "catalog")
		return
	}
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	productID, ok := int64Param(w, r, "productId")
	if !ok {
		return
	}
	var req updateProductRequest
	if !decodeRequest(w, r, maxCatalogRequestBody, &req) {
		return
	}

	current, err := h.catalog.GetProduct(ctx, productID)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	cmd := services.UpsertProductCommand{
		Actor:          actor,
		ProductID:      productID,
		Title:          current.Title,
		RewardPoints:   current.RewardPoints,
		IsCustomisable: current.IsCustomisable,
		ImageRef:       current.ImageRef,
	}
	if req.Title != nil {
		cmd.Title = *req.Title
	}
	if req.RewardPoints != nil {
		cmd.RewardPoints = *req.RewardPoints
	}
	if req.IsCustomisable != nil {
		cmd.IsCustomisable = *req.IsCustomisable
	}
	if req.ImageRef != nil {
		cmd.ImageRef = *req.ImageRef
	}

	product, err := h.catalog.UpdateProduct(ctx, cmd)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, buildProductPayload(product))
}

func (h *AdminHandlers) deactivateProduct(w http.ResponseWriter, r *http.Request) {
	h.setProductActive(w, r, false)
}

func (h *AdminHandlers) activateProduct(w http.ResponseWriter, r *http.Request) {
	h.setProductActive(w, r, true)
}

func (h *AdminHandlers) setProductActive(w http.ResponseWriter, r *http.Request, active bool) {
	ctx := r.Context()
	if h.catalog == nil {
		serviceUnavailable(ctx, w, "catalog")
		return
	}
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	productID, ok := int64Param(w, r, "productId")
	if !ok {
		return
	}

	product, err := h.catalog.SetProductActive(ctx, services.SetProductActiveCommand{
		Actor:     actor,
		ProductID: productID,
		Active:    active,
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, buildProductPayload(product))
}

func (h *AdminHandlers) listEditLogs(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.catalog == nil {
		serviceUnavailable(ctx, w, "catalog")
		return
	}
	productID, ok := int64Param(w, r, "productId")
	if !ok {
		return
	}

	logs, err := h.catalog.ListEditLogs(ctx, productID)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	items := make([]editLogPayload, 0, len(logs))
	for _, entry := range logs {
		items = append(items, editLogPayload{
			ID:        entry.ID,
			ActorID:   entry.ActorID,
			ActorName: entry.ActorName,
			Before:    snapshotJSON(entry.Before),
			After:     snapshotJSON(entry.After),
			Success:   entry.Success,
			At:        formatTime(entry.At),
		})
	}
	writeJSONResponse(w, http.StatusOK, map[string]any{"items": items})
}

// issueImageUpload returns a signed PUT URL; the client stores imageRef on the product
// with a PATCH once the upload has finished.
func (h *AdminHandlers) issueImageUpload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.images == nil || h.catalog == nil {
		serviceUnavailable(ctx, w, "storage")
		return
	}
	productID, ok := int64Param(w, r, "productId")
	if !ok {
		return
	}
	var req imageUploadRequest
	if !decodeRequest(w, r, maxCatalogRequestBody, &req) {
		return
	}
	if _, err := h.catalog.GetProduct(ctx, productID); err != nil {
		writeServiceError(ctx, w, err)
		return
	}

	object, err := storage.ProductImagePath(productID, h.newID(), req.ContentType)
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}
	signed, err := h.images.Upload(ctx, storage.UploadRequest{
		Object:       object,
		ContentType:  req.ContentType,
		AllowedTypes: storage.ImageContentTypes(),
		MaxBytes:     maxProductImageBytes,
		ExpiresIn:    productImageURLExpiry,
	})
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("signed_url_failed", "unable to issue upload url", http.StatusBadGateway))
		return
	}
	writeJSONResponse(w, http.StatusOK, imageUploadResponse{
		URL:       signed.URL,
		Method:    signed.Method,
		Headers:   signed.Headers,
		ExpiresAt: formatTime(signed.ExpiresAt),
		ImageRef:  storage.ObjectRef(h.images.Bucket(), object),
	})
}

func (h *AdminHandlers) listOrders(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		serviceUnavailable(ctx, w, "order")
		return
	}
	filter, ok := parseOrderListFilter(w, r)
	if !ok {
		return
	}

	page, err := h.orders.ListOrders(ctx, filter)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, buildOrderList(page))
}

func (h *AdminHandlers) statusCounts(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		serviceUnavailable(ctx, w, "order")
		return
	}

	counts, err := h.orders.StatusCounts(ctx)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	payload := make(map[string]int, len(domain.OrderStatuses))
	for _, status := range domain.OrderStatuses {
		payload[string(status)] = counts[status]
	}
	writeJSONResponse(w, http.StatusOK, map[string]any{"counts": payload})
}

type transitionOrderRequest struct {
	Status string `json:"status" validate:"required"`
	Reason string `json:"reason" validate:"max=500"`
}

func (h *AdminHandlers) transitionOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		serviceUnavailable(ctx, w, "order")
		return
	}
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	orderID, ok := int64Param(w, r, "orderId")
	if !ok {
		return
	}
	var req transitionOrderRequest
	if !decodeRequest(w, r, maxOrderActionBodySize, &req) {
		return
	}

	view, err := h.orders.Transition(ctx, services.TransitionCommand{
		Actor:   actor,
		OrderID: orderID,
		Status:  domain.OrderStatus(req.Status),
		Reason:  req.Reason,
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, buildOrderPayload(view))
}

func snapshotJSON(s domain.ProductSnapshot) productSnapshotJSON {
	return productSnapshotJSON{
		ProductID:      s.ProductID,
		Title:          s.Title,
		RewardPoints:   s.RewardPoints,
		IsCustomisable: s.IsCustomisable,
		ImageRef:       s.ImageRef,
	}
}
