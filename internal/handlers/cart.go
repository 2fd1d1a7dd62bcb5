package handlers

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	domain "github.com/rewards-hub/api/internal/domain"
	"github.com/rewards-hub/api/internal/platform/auth"
	"github.com/rewards-hub/api/internal/platform/observability"
	"github.com/rewards-hub/api/internal/services"
)

const maxCartBodySize = 4 * 1024

// CartHandlers exposes the caller's cart.
type CartHandlers struct {
	authn *auth.Authenticator
	carts services.CartService
}

// NewCartHandlers constructs handlers enforcing authentication before invoking the cart service.
func NewCartHandlers(authn *auth.Authenticator, carts services.CartService) *CartHandlers {
	return &CartHandlers{
		authn: authn,
		carts: carts,
	}
}

// Routes wires the /cart endpoints onto the provided router.
func (h *CartHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	if h.authn != nil {
		r.Use(h.authn.RequireActor())
	}
	r.Use(observability.ActorLoggerMiddleware)
	r.Get("/items", h.getCart)
	r.Delete("/items", h.clearCart)
	r.Put("/items/{productId}", h.putItem)
	r.Delete("/items/{productId}", h.deleteItem)
}

type putCartItemRequest struct {
	Quantity int    `json:"quantity" validate:"required,gte=1,lte=100"`
	Size     string `json:"size" validate:"omitempty,max=16"`
}

func (h *CartHandlers) getCart(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.carts == nil {
		serviceUnavailable(ctx, w, "cart")
		return
	}
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}

	cart, err := h.carts.GetCart(ctx, actor.EmployeeID)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, buildCartPayload(cart))
}

func (h *CartHandlers) putItem(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.carts == nil {
		serviceUnavailable(ctx, w, "cart")
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
	var req putCartItemRequest
	if !decodeRequest(w, r, maxCartBodySize, &req) {
		return
	}

	cart, err := h.carts.UpsertLine(ctx, services.UpsertCartLineCommand{
		EmployeeID:    actor.EmployeeID,
		ProductID:     productID,
		Quantity:      req.Quantity,
		Customisation: domain.Customisation{Size: strings.TrimSpace(req.Size)},
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, buildCartPayload(cart))
}

func (h *CartHandlers) deleteItem(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.carts == nil {
		serviceUnavailable(ctx, w, "cart")
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

	cart, err := h.carts.RemoveLine(ctx, actor.EmployeeID, productID)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, buildCartPayload(cart))
}

func (h *CartHandlers) clearCart(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.carts == nil {
		serviceUnavailable(ctx, w, "cart")
		return
	}
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}

	if err := h.carts.ClearCart(ctx, actor.EmployeeID); err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
