package handlers

import (
	"net/http"
	"slices"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	domain "github.com/rewards-hub/api/internal/domain"
	"github.com/rewards-hub/api/internal/platform/auth"
	"github.com/rewards-hub/api/internal/platform/httpx"
	"github.com/rewards-hub/api/internal/platform/observability"
	"github.com/rewards-hub/api/internal/platform/pagination"
	"github.com/rewards-hub/api/internal/services"
)

const (
	defaultOrderPageSize   = 20
	maxOrderPageSize       = 100
	maxOrderActionBodySize = 4 * 1024
)

// OrderHandlers exposes the caller's orders.
type OrderHandlers struct {
	authn  *auth.Authenticator
	orders services.OrderService
}

// NewOrderHandlers constructs a new OrderHandlers instance.
func NewOrderHandlers(authn *auth.Authenticator, orders services.OrderService) *OrderHandlers {
	return &OrderHandlers{
		authn:  authn,
		orders: orders,
	}
}

// Routes registers the /orders endpoints.
func (h *OrderHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	if h.authn != nil {
		r.Use(h.authn.RequireActor())
	}
	r.Use(observability.ActorLoggerMiddleware)
	r.Get("/", h.listOrders)
	r.Get("/{orderId}", h.getOrder)
	r.Post("/{orderId}:cancel", h.cancelOrder)
}

type orderListResponse struct {
	Items         []orderPayload `json:"items"`
	NextPageToken string         `json:"nextPageToken,omitempty"`
}

type cancelOrderRequest struct {
	Reason string `json:"reason" validate:"max=500"`
}

func (h *OrderHandlers) listOrders(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		serviceUnavailable(ctx, w, "order")
		return
	}
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}

	filter, ok := parseOrderListFilter(w, r)
	if !ok {
		return
	}
	filter.EmployeeIDs = []int64{actor.EmployeeID}

	page, err := h.orders.ListOrders(ctx, filter)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, buildOrderList(page))
}

func (h *OrderHandlers) getOrder(w http.ResponseWriter, r *http.Request) {
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

	view, err := h.orders.GetOrder(ctx, actor, orderID)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, buildOrderPayload(view))
}

func (h *OrderHandlers) cancelOrder(w http.ResponseWriter, r *http.Request) {
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

	var req cancelOrderRequest
	if r.ContentLength != 0 {
		if !decodeRequest(w, r, maxOrderActionBodySize, &req) {
			return
		}
	}

	view, err := h.orders.Transition(ctx, services.TransitionCommand{
		Actor:   actor,
		OrderID: orderID,
		Status:  domain.OrderStatusCancelled,
		Reason:  req.Reason,
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, buildOrderPayload(view))
}

// parseOrderListFilter reads status, employeeId and paging parameters shared by the
// employee and admin listings.
func parseOrderListFilter(w http.ResponseWriter, r *http.Request) (services.OrderListFilter, bool) {
	ctx := r.Context()
	query := r.URL.Query()

	var filter services.OrderListFilter
	for _, raw := range splitFilterValues(query["status"]) {
		status := domain.OrderStatus(strings.ToUpper(raw))
		if !slices.Contains(domain.OrderStatuses, status) {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "unknown order status "+raw, http.StatusBadRequest))
			return filter, false
		}
		if !slices.Contains(filter.Statuses, status) {
			filter.Statuses = append(filter.Statuses, status)
		}
	}
	for _, raw := range splitFilterValues(query["employeeId"]) {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || id <= 0 {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "employeeId must be a positive integer", http.StatusBadRequest))
			return filter, false
		}
		filter.EmployeeIDs = append(filter.EmployeeIDs, id)
	}

	page, err := pagination.FromRequest(r, pagination.Options{DefaultPageSize: defaultOrderPageSize, MaxPageSize: maxOrderPageSize})
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return filter, false
	}
	filter.Pagination = page
	return filter, true
}

func splitFilterValues(values []string) []string {
	var out []string
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func buildOrderList(page domain.CursorPage[domain.OrderView]) orderListResponse {
	items := make([]orderPayload, 0, len(page.Items))
	for _, view := range page.Items {
		items = append(items, buildOrderPayload(view))
	}
	return orderListResponse{Items: items, NextPageToken: page.NextPageToken}
}
