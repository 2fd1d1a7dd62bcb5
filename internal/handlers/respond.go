package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	domain "github.com/rewards-hub/api/internal/domain"
	"github.com/rewards-hub/api/internal/platform/auth"
	"github.com/rewards-hub/api/internal/platform/httpx"
	"github.com/rewards-hub/api/internal/services"
)

// Middleware is the chi middleware shape accepted by handler constructors.
type Middleware = func(http.Handler) http.Handler

const defaultMaxBodySize = 64 * 1024

var (
	errEmptyBody    = errors.New("request body is required")
	errBodyTooLarge = errors.New("request body too large")

	validate = newValidator()
)

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

func passthrough(next http.Handler) http.Handler { return next }

func orPassthrough(mw Middleware) Middleware {
	if mw == nil {
		return passthrough
	}
	return mw
}

func readLimitedBody(r *http.Request, limit int64) ([]byte, error) {
	if r == nil || r.Body == nil {
		return nil, errEmptyBody
	}
	if limit <= 0 {
		limit = defaultMaxBodySize
	}
	data, err := io.ReadAll(io.LimitReader(r.Body, limit+1))
	if err != nil {
		return nil, err
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, errEmptyBody
	}
	if int64(len(data)) > limit {
		return nil, errBodyTooLarge
	}
	return data, nil
}

// decodeRequest reads a JSON body into dst and runs struct validation. A failure has
// already been written to w when ok is false.
func decodeRequest(w http.ResponseWriter, r *http.Request, limit int64, dst any) bool {
	ctx := r.Context()
	body, err := readLimitedBody(r, limit)
	if err != nil {
		if errors.Is(err, errBodyTooLarge) {
			httpx.WriteError(ctx, w, httpx.NewError("payload_too_large", "request body exceeds allowed size", http.StatusRequestEntityTooLarge))
			return false
		}
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return false
	}

	decoder := json.NewDecoder(bytes.NewReader(body))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", fmt.Sprintf("invalid JSON payload: %v", err), http.StatusBadRequest))
		return false
	}
	if fields := validationFields(validate.Struct(dst)); len(fields) > 0 {
		httpx.WriteError(ctx, w, httpx.NewError("validation_failed", "request validation failed", http.StatusBadRequest).
			WithDetails(map[string]any{"fields": fields}))
		return false
	}
	return true
}

func validationFields(err error) map[string]string {
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return map[string]string{"_": err.Error()}
	}
	fields := make(map[string]string, len(verrs))
	for _, fe := range verrs {
		switch fe.Tag() {
		case "required":
			fields[fe.Field()] = "is required"
		case "gt", "gte", "min":
			fields[fe.Field()] = "must be at least " + fe.Param()
		case "lt", "lte", "max":
			fields[fe.Field()] = "must be at most " + fe.Param()
		case "oneof":
			fields[fe.Field()] = "must be one of " + fe.Param()
		case "dive":
			fields[fe.Field()] = "contains an invalid item"
		default:
			fields[fe.Field()] = "is invalid"
		}
	}
	return fields
}

func writeJSONResponse(w http.ResponseWriter, status int, payload any) {
	httpx.WriteJSON(w, status, payload)
}

// requireActor returns the authenticated actor or writes 401.
func requireActor(w http.ResponseWriter, r *http.Request) (domain.Actor, bool) {
	actor, ok := auth.ActorFromContext(r.Context())
	if !ok || actor.Role == "" {
		httpx.WriteError(r.Context(), w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return domain.Actor{}, false
	}
	return actor, true
}

func int64Param(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	raw := strings.TrimSpace(chi.URLParam(r, name))
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		httpx.WriteError(r.Context(), w, httpx.NewError("invalid_request", fmt.Sprintf("%s must be a positive integer", name), http.StatusBadRequest))
		return 0, false
	}
	return id, true
}

func serviceUnavailable(ctx context.Context, w http.ResponseWriter, name string) {
	httpx.WriteError(ctx, w, httpx.NewError(name+"_service_unavailable", name+" service unavailable", http.StatusServiceUnavailable))
}

// writeServiceError maps the service sentinels onto the API error envelope.
func writeServiceError(ctx context.Context, w http.ResponseWriter, err error) {
	if err == nil {
		return
	}
	httpx.WriteError(ctx, w, serviceError(err))
}

func serviceError(err error) httpx.Error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return httpx.NewError("deadline_exceeded", "request timed out", http.StatusGatewayTimeout)
	case errors.Is(err, services.ErrInsufficientBalance), errors.Is(err, services.ErrInsufficientPoints):
		return httpx.NewError("insufficient_points", err.Error(), http.StatusUnprocessableEntity)
	case errors.Is(err, services.ErrProductUnavailable):
		return httpx.NewError("product_unavailable", err.Error(), http.StatusUnprocessableEntity)
	case errors.Is(err, services.ErrCheckoutBlocked):
		return httpx.NewError("checkout_blocked", err.Error(), http.StatusConflict)
	case errors.Is(err, services.ErrIllegalTransition):
		return httpx.NewError("illegal_transition", err.Error(), http.StatusConflict)
	case errors.Is(err, services.ErrAlreadyReversed):
		return httpx.NewError("already_reversed", err.Error(), http.StatusConflict)
	case errors.Is(err, services.ErrAlreadyRedeemed):
		return httpx.NewError("already_redeemed", "reward has already been redeemed", http.StatusConflict)
	case errors.Is(err, services.ErrExpired):
		return httpx.NewError("reward_expired", "reward has expired", http.StatusGone)
	case errors.Is(err, services.ErrInvalidSecret):
		return httpx.NewError("invalid_secret", "coupon code or secret is invalid", http.StatusUnprocessableEntity)
	case errors.Is(err, services.ErrValidation):
		return httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest)
	case errors.Is(err, services.ErrNotFound):
		return httpx.NewError("not_found", err.Error(), http.StatusNotFound)
	case errors.Is(err, services.ErrForbidden):
		return httpx.NewError("forbidden", err.Error(), http.StatusForbidden)
	case errors.Is(err, services.ErrConflict):
		return httpx.NewError("conflict", err.Error(), http.StatusConflict)
	case errors.Is(err, services.ErrStoreUnavailable):
		return httpx.NewError("store_unavailable", "backing store unavailable", http.StatusServiceUnavailable)
	default:
		return httpx.NewError("internal_error", "failed to process request", http.StatusInternalServerError)
	}
}
