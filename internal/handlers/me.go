package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/rewards-hub/api/internal/platform/auth"
	"github.com/rewards-hub/api/internal/platform/observability"
	"github.com/rewards-hub/api/internal/services"
)

// MeHandlers exposes the caller's balance, ledger history and rewards.
type MeHandlers struct {
	authn   *auth.Authenticator
	ledger  services.LedgerService
	rewards services.RedemptionService
}

// NewMeHandlers constructs the /me handlers.
func NewMeHandlers(authn *auth.Authenticator, ledger services.LedgerService, rewards services.RedemptionService) *MeHandlers {
	return &MeHandlers{authn: authn, ledger: ledger, rewards: rewards}
}

// Routes wires the /me endpoints onto the provided router.
func (h *MeHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	if h.authn != nil {
		r.Use(h.authn.RequireActor())
	}
	r.Use(observability.ActorLoggerMiddleware)
	r.Get("/balance", h.getBalance)
	r.Get("/transactions", h.listTransactions)
	r.Get("/rewards", h.listRewards)
}

type balanceResponse struct {
	EmployeeID int64 `json:"employeeId"`
	Balance    int64 `json:"balance"`
}

type transactionListResponse struct {
	Items   []transactionPayload `json:"items"`
	Balance int64                `json:"balance"`
}

type rewardListResponse struct {
	Items []rewardPayload `json:"items"`
}

func (h *MeHandlers) getBalance(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.ledger == nil {
		serviceUnavailable(ctx, w, "ledger")
		return
	}
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}

	balance, err := h.ledger.CurrentBalance(ctx, actor.EmployeeID)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, balanceResponse{EmployeeID: actor.EmployeeID, Balance: balance})
}

func (h *MeHandlers) listTransactions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.ledger == nil {
		serviceUnavailable(ctx, w, "ledger")
		return
	}
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}

	history, err := h.ledger.History(ctx, actor.EmployeeID)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	resp := transactionListResponse{Items: make([]transactionPayload, 0, len(history))}
	for _, txn := range history {
		resp.Items = append(resp.Items, buildTransactionPayload(txn))
	}
	if n := len(history); n > 0 {
		resp.Balance = history[n-1].Balance
	}
	writeJSONResponse(w, http.StatusOK, resp)
}

func (h *MeHandlers) listRewards(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.rewards == nil {
		serviceUnavailable(ctx, w, "reward")
		return
	}
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}

	rewards, err := h.rewards.ListRewards(ctx, actor.EmployeeID)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	resp := rewardListResponse{Items: make([]rewardPayload, 0, len(rewards))}
	for _, reward := range rewards {
		resp.Items = append(resp.Items, buildRewardPayload(reward))
	}
	writeJSONResponse(w, http.StatusOK, resp)
}
