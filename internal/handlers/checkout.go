package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/rewards-hub/api/internal/platform/auth"
	"github.com/rewards-hub/api/internal/platform/observability"
	"github.com/rewards-hub/api/internal/services"
)

// CheckoutHandlers previews and places the caller's cart.
type CheckoutHandlers struct {
	authn      *auth.Authenticator
	carts      services.CartService
	orders     services.OrderService
	ledger     services.LedgerService
	idempotent Middleware
}

// NewCheckoutHandlers constructs checkout handlers. idempotent wraps POST /checkout and may be nil.
func NewCheckoutHandlers(authn *auth.Authenticator, carts services.CartService, orders services.OrderService, ledger services.LedgerService, idempotent Middleware) *CheckoutHandlers {
	return &CheckoutHandlers{
		authn:      authn,
		carts:      carts,
		orders:     orders,
		ledger:     ledger,
		idempotent: orPassthrough(idempotent),
	}
}

// Routes wires the /checkout endpoints.
func (h *CheckoutHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	if h.authn != nil {
		r.Use(h.authn.RequireActor())
	}
	r.Use(observability.ActorLoggerMiddleware)
	r.Get("/", h.preview)
	r.With(h.idempotent).Post("/", h.checkout)
}

type checkoutPreviewResponse struct {
	Lines       []cartLinePayload `json:"lines"`
	Total       int64             `json:"total"`
	Balance     int64             `json:"balance"`
	CanCheckout bool              `json:"canCheckout"`
}

type checkoutLineResult struct {
	ProductID int64         `json:"productId"`
	Order     *orderPayload `json:"order,omitempty"`
	Error     string        `json:"error,omitempty"`
	Message   string        `json:"message,omitempty"`
}

type checkoutResponse struct {
	Lines   []checkoutLineResult `json:"lines"`
	Placed  int                  `json:"placed"`
	Failed  int                  `json:"failed"`
	Balance int64                `json:"balance"`
}

// preview annotates every cart line against the live catalog without writing anything.
func (h *CheckoutHandlers) preview(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.carts == nil || h.ledger == nil {
		serviceUnavailable(ctx, w, "checkout")
		return
	}
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}

	lines, err := h.carts.Validate(ctx, actor.EmployeeID)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	balance, err := h.ledger.CurrentBalance(ctx, actor.EmployeeID)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}

	resp := checkoutPreviewResponse{
		Lines:       make([]cartLinePayload, 0, len(lines)),
		Balance:     balance,
		CanCheckout: len(lines) > 0,
	}
	for _, line := range lines {
		payload := buildCartLine(line.Line)
		payload.IsError = line.IsError
		payload.ErrorMessage = line.ErrorMessage
		if line.Product != nil {
			cost := line.Cost()
			payload.LiveCost = &cost
		}
		if line.IsError {
			resp.CanCheckout = false
		}
		resp.Total += line.Cost()
		resp.Lines = append(resp.Lines, payload)
	}
	if resp.Total > balance {
		resp.CanCheckout = false
	}
	writeJSONResponse(w, http.StatusOK, resp)
}

// checkout places one order per cart line. Lines fail independently, so the response is 201
// whenever at least one order was placed.
func (h *CheckoutHandlers) checkout(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		serviceUnavailable(ctx, w, "order")
		return
	}
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}

	result, err := h.orders.Checkout(ctx, services.CheckoutCommand{Actor: actor})
	if err != nil && len(result.Lines) == 0 {
		writeServiceError(ctx, w, err)
		return
	}
	if err != nil {
		observability.FromContext(ctx).Warn("checkout completed without a balance", zap.Error(err))
	}

	resp := checkoutResponse{
		Lines:   make([]checkoutLineResult, 0, len(result.Lines)),
		Placed:  result.Placed,
		Failed:  result.Failed,
		Balance: result.Balance,
	}
	for _, line := range result.Lines {
		entry := checkoutLineResult{ProductID: line.ProductID}
		if line.Order != nil {
			order := buildOrderPayload(*line.Order)
			entry.Order = &order
		}
		if line.Err != nil {
			mapped := serviceError(line.Err)
			entry.Error = mapped.Code
			entry.Message = mapped.Message
		}
		resp.Lines = append(resp.Lines, entry)
	}

	status := http.StatusCreated
	if result.Placed == 0 {
		status = http.StatusUnprocessableEntity
	}
	writeJSONResponse(w, status, resp)
}
