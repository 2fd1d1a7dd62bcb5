package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/rewards-hub/api/internal/platform/auth"
	"github.com/rewards-hub/api/internal/platform/observability"
	"github.com/rewards-hub/api/internal/services"
)

const maxClaimBodySize = 2 * 1024

// RewardHandlers serves coupon claims.
type RewardHandlers struct {
	authn       *auth.Authenticator
	redemptions services.RedemptionService
	idempotent  Middleware
}

// NewRewardHandlers constructs the claim handler. idempotent wraps the claim route and may be nil.
func NewRewardHandlers(authn *auth.Authenticator, redemptions services.RedemptionService, idempotent Middleware) *RewardHandlers {
	return &RewardHandlers{authn: authn, redemptions: redemptions, idempotent: orPassthrough(idempotent)}
}

// Routes registers POST /rewards:claim.
func (h *RewardHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	if h.authn != nil {
		r.Use(h.authn.RequireActor())
	}
	r.Use(observability.ActorLoggerMiddleware)
	r.With(h.idempotent).Post("/rewards:claim", h.claim)
}

type claimRequest struct {
	CouponCode string `json:"couponCode" validate:"required,max=64"`
	SecretCode string `json:"secretCode" validate:"required,max=128"`
}

type claimResponse struct {
	Reward      rewardPayload      `json:"reward"`
	Transaction transactionPayload `json:"transaction"`
	Balance     int64              `json:"balance"`
}

func (h *RewardHandlers) claim(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.redemptions == nil {
		serviceUnavailable(ctx, w, "reward")
		return
	}
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	var req claimRequest
	if !decodeRequest(w, r, maxClaimBodySize, &req) {
		return
	}

	result, err := h.redemptions.Claim(ctx, services.ClaimCommand{
		Actor:      actor,
		CouponCode: req.CouponCode,
		SecretCode: req.SecretCode,
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, claimResponse{
		Reward:      buildRewardPayload(result.Reward),
		Transaction: buildTransactionPayload(result.Transaction),
		Balance:     result.Transaction.Balance,
	})
}
