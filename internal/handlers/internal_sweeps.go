package handlers

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/rewards-hub/api/internal/platform/observability"
	"github.com/rewards-hub/api/internal/services"
)

const maxSweepBodySize = 1024

// InternalHandlers exposes sweep triggers to the scheduler. Authentication is applied by the
// router group.
type InternalHandlers struct {
	expiration     services.ExpirationService
	reconciliation services.ReconciliationService
}

// NewInternalHandlers constructs sweep trigger handlers.
func NewInternalHandlers(expiration services.ExpirationService, reconciliation services.ReconciliationService) *InternalHandlers {
	return &InternalHandlers{expiration: expiration, reconciliation: reconciliation}
}

// Routes registers the /internal endpoints.
func (h *InternalHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Use(observability.ActorLoggerMiddleware)
	r.Post("/sweeps/expiration", h.sweepExpiration)
	r.Post("/sweeps/reconciliation", h.reconcile)
}

type expirationSweepRequest struct {
	Cutoff *time.Time `json:"cutoff"`
}

type expirationSweepResponse struct {
	Ran     bool   `json:"ran"`
	Cutoff  string `json:"cutoff,omitempty"`
	Scanned int    `json:"scanned"`
	Expired int    `json:"expired"`
}

type reconciliationResponse struct {
	SettledDebits  int    `json:"settledDebits"`
	ReversedDebits int    `json:"reversedDebits"`
	RefundsApplied int    `json:"refundsApplied"`
	SettledClaims  int    `json:"settledClaims"`
	ReleasedClaims int    `json:"releasedClaims"`
	Failures       int    `json:"failures"`
	StartedAt      string `json:"startedAt"`
	CompletedAt    string `json:"completedAt"`
}

// sweepExpiration runs an explicit cutoff when one is posted, otherwise the configured
// schedule if it is due.
func (h *InternalHandlers) sweepExpiration(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.expiration == nil {
		serviceUnavailable(ctx, w, "expiration")
		return
	}
	var req expirationSweepRequest
	if r.ContentLength != 0 {
		if !decodeRequest(w, r, maxSweepBodySize, &req) {
			return
		}
	}

	var (
		ran    = true
		result services.ExpirationResult
		err    error
	)
	if req.Cutoff != nil {
		result, err = h.expiration.SweepExpired(ctx, *req.Cutoff)
	} else {
		ran, result, err = h.expiration.RunDue(ctx)
	}
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, expirationSweepResponse{
		Ran:     ran,
		Cutoff:  formatTime(result.Cutoff),
		Scanned: result.Scanned,
		Expired: result.Expired,
	})
}

func (h *InternalHandlers) reconcile(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.reconciliation == nil {
		serviceUnavailable(ctx, w, "reconciliation")
		return
	}

	report, err := h.reconciliation.Reconcile(ctx)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, reconciliationResponse{
		SettledDebits:  report.SettledDebits,
		ReversedDebits: report.ReversedDebits,
		RefundsApplied: report.RefundsApplied,
		SettledClaims:  report.SettledClaims,
		ReleasedClaims: report.ReleasedClaims,
		Failures:       report.Failures,
		StartedAt:      formatTime(report.StartedAt),
		CompletedAt:    formatTime(report.CompletedAt),
	})
}
