package handlers

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	domain "github.com/rewards-hub/api/internal/domain"
	"github.com/rewards-hub/api/internal/platform/auth"
	"github.com/rewards-hub/api/internal/platform/httpx"
	"github.com/rewards-hub/api/internal/platform/observability"
	"github.com/rewards-hub/api/internal/platform/storage"
	"github.com/rewards-hub/api/internal/services"
)

const maxHRBodySize = 512 * 1024

// CouponExporter writes an issued coupon batch somewhere the organizer can download it.
type CouponExporter interface {
	Export(ctx context.Context, batchID string, coupons []domain.IssuedCoupon) (storage.CouponExport, error)
}

// HRHandlers exposes reward grants, coupon issuance and the expiration schedule to organizers.
type HRHandlers struct {
	authn       *auth.Authenticator
	redemptions services.RedemptionService
	expiration  services.ExpirationService
	exporter    CouponExporter
	idempotent  Middleware
	newBatchID  func() string
}

// HROption customises HRHandlers.
type HROption func(*HRHandlers)

// WithCouponExporter enables CSV exports of generated coupons.
func WithCouponExporter(exporter CouponExporter) HROption {
	return func(h *HRHandlers) {
		h.exporter = exporter
	}
}

// WithHRIdempotency wraps POST /hr/coupons.
func WithHRIdempotency(mw Middleware) HROption {
	return func(h *HRHandlers) {
		h.idempotent = orPassthrough(mw)
	}
}

// NewHRHandlers constructs organizer handlers.
func NewHRHandlers(authn *auth.Authenticator, redemptions services.RedemptionService, expiration services.ExpirationService, opts ...HROption) *HRHandlers {
	h := &HRHandlers{
		authn:       authn,
		redemptions: redemptions,
		expiration:  expiration,
		idempotent:  passthrough,
		newBatchID:  func() string { return strings.ToLower(ulid.Make().String()) },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Routes registers the /hr endpoints.
func (h *HRHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	if h.authn != nil {
		r.Use(h.authn.RequireActor(domain.RoleHR, domain.RoleAdmin))
	}
	r.Use(observability.ActorLoggerMiddleware)
	r.Get("/rewards", h.listRewards)
	r.Get("/rewards/categories", h.listCategories)
	r.Post("/rewards", h.grantRewards)
	r.With(h.idempotent).Post("/coupons", h.generateCoupons)
	r.Post("/schedule/expiration", h.scheduleExpiration)
	r.Delete("/schedule/expiration", h.cancelExpiration)
}

type rewardGrantRequest struct {
	Rewardee       int64  `json:"rewardee" validate:"required,gt=0"`
	RewardCategory string `json:"rewardCategory" validate:"required,max=64"`
	Description    string `json:"description" validate:"max=500"`
	RewardPoints   int64  `json:"rewardPoints" validate:"required,gt=0"`
}

type grantRewardsRequest struct {
	Grants []rewardGrantRequest `json:"grants" validate:"required,min=1,max=1000,dive"`
}

func (req grantRewardsRequest) toGrants() []services.RewardGrant {
	grants := make([]services.RewardGrant, 0, len(req.Grants))
	for _, g := range req.Grants {
		grants = append(grants, services.RewardGrant{
			Rewardee:       g.Rewardee,
			RewardCategory: g.RewardCategory,
			Description:    g.Description,
			RewardPoints:   g.RewardPoints,
		})
	}
	return grants
}

type grantResultPayload struct {
	Rewardee int64          `json:"rewardee"`
	Reward   *rewardPayload `json:"reward,omitempty"`
	Error    string         `json:"error,omitempty"`
	Message  string         `json:"message,omitempty"`
}

type grantRewardsResponse struct {
	Results []grantResultPayload `json:"results"`
	Granted int                  `json:"granted"`
	Failed  int                  `json:"failed"`
}

type generateCouponsRequest struct {
	RewardCategory string `json:"rewardCategory" validate:"required,max=64"`
	RewardPoints   int64  `json:"rewardPoints" validate:"required,gt=0"`
	Quantity       int    `json:"quantity" validate:"required,gte=1,lte=500"`
	Description    string `json:"description" validate:"max=500"`
	Export         bool   `json:"export"`
}

type issuedCouponPayload struct {
	RewardID   string `json:"rewardId"`
	CouponCode string `json:"couponCode"`
	SecretCode string `json:"secretCode"`
	Points     int64  `json:"points"`
	Category   string `json:"category"`
}

type couponExportPayload struct {
	BatchID     string `json:"batchId"`
	DownloadURL string `json:"downloadUrl"`
	ExpiresAt   string `json:"expiresAt"`
}

type generateCouponsResponse struct {
	Coupons []issuedCouponPayload `json:"coupons"`
	Export  *couponExportPayload  `json:"export,omitempty"`
}

type scheduleExpirationRequest struct {
	Cutoff time.Time  `json:"cutoff" validate:"required"`
	RunAt  *time.Time `json:"runAt"`
}

type schedulePayload struct {
	Cutoff    string `json:"cutoff"`
	RunAt     string `json:"runAt"`
	CreatedBy int64  `json:"createdBy"`
	CreatedAt string `json:"createdAt"`
}

func (h *HRHandlers) grantRewards(w http.ResponseWriter, r *http.Request) {
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
	if !decodeRequest(w, r, maxHRBodySize, &req) {
		return
	}

	results, err := h.redemptions.GrantRewards(ctx, services.GrantRewardsCommand{Actor: actor, Grants: req.toGrants()})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, buildGrantResponse(results))
}

func buildGrantResponse(results []services.GrantResult) grantRewardsResponse {
	resp := grantRewardsResponse{Results: make([]grantResultPayload, 0, len(results))}
	for _, result := range results {
		entry := grantResultPayload{Rewardee: result.Grant.Rewardee}
		if result.Reward != nil {
			reward := buildRewardPayload(*result.Reward)
			entry.Reward = &reward
		}
		if result.Err != nil {
			mapped := serviceError(result.Err)
			entry.Error = mapped.Code
			entry.Message = mapped.Message
			resp.Failed++
		} else {
			resp.Granted++
		}
		resp.Results = append(resp.Results, entry)
	}
	return resp
}

// generateCoupons issues a coupon batch. Secrets appear only in this response and in the
// optional export.
func (h *HRHandlers) generateCoupons(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.redemptions == nil {
		serviceUnavailable(ctx, w, "reward")
		return
	}
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	var req generateCouponsRequest
	if !decodeRequest(w, r, maxHRBodySize, &req) {
		return
	}
	if req.Export && h.exporter == nil {
		httpx.WriteError(ctx, w, httpx.NewError("export_unavailable", "coupon export is not configured", http.StatusServiceUnavailable))
		return
	}

	coupons, err := h.redemptions.GenerateCoupons(ctx, services.GenerateCouponsCommand{
		Actor:          actor,
		RewardCategory: req.RewardCategory,
		RewardPoints:   req.RewardPoints,
		Quantity:       req.Quantity,
		Description:    req.Description,
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}

	resp := generateCouponsResponse{Coupons: make([]issuedCouponPayload, 0, len(coupons))}
	for _, c := range coupons {
		resp.Coupons = append(resp.Coupons, issuedCouponPayload{
			RewardID:   c.RewardID,
			CouponCode: c.CouponCode,
			SecretCode: c.SecretCode,
			Points:     c.Points,
			Category:   c.Category,
		})
	}
	if req.Export {
		export, err := h.exporter.Export(ctx, h.newBatchID(), coupons)
		if err != nil {
			// The coupons exist already; the caller still receives them inline.
			observability.FromContext(ctx).Warn("coupon export failed", zap.Error(err), zap.Int("coupons", len(coupons)))
		} else {
			resp.Export = &couponExportPayload{
				BatchID:     export.BatchID,
				DownloadURL: export.Download.URL,
				ExpiresAt:   formatTime(export.Download.ExpiresAt),
			}
		}
	}
	writeJSONResponse(w, http.StatusCreated, resp)
}

func (h *HRHandlers) scheduleExpiration(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.expiration == nil {
		serviceUnavailable(ctx, w, "expiration")
		return
	}
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	var req scheduleExpirationRequest
	if !decodeRequest(w, r, maxHRBodySize, &req) {
		return
	}

	cmd := services.ScheduleExpirationCommand{Actor: actor, Cutoff: req.Cutoff}
	if req.RunAt != nil {
		cmd.RunAt = *req.RunAt
	}
	schedule, err := h.expiration.Schedule(ctx, cmd)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, schedulePayload{
		Cutoff:    formatTime(schedule.Cutoff),
		RunAt:     formatTime(schedule.RunAt),
		CreatedBy: schedule.CreatedBy,
		CreatedAt: formatTime(schedule.CreatedAt),
	})
}

func (h *HRHandlers) cancelExpiration(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.expiration == nil {
		serviceUnavailable(ctx, w, "expiration")
		return
	}
	if err := h.expiration.Cancel(ctx); err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type hrRewardListResponse struct {
	Items []rewardPayload `json:"items"`
	Total int             `json:"total"`
}

type categoryListResponse struct {
	Items []string `json:"items"`
}

func (h *HRHandlers) listRewards(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.redemptions == nil {
		serviceUnavailable(ctx, w, "redemption")
		return
	}
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	filter, err := parseRewardFilter(r)
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}
	filter.Actor = actor

	page, err := h.redemptions.FilterRewards(ctx, filter)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	resp := hrRewardListResponse{Items: make([]rewardPayload, 0, len(page.Items)), Total: page.Total}
	for _, reward := range page.Items {
		resp.Items = append(resp.Items, buildRewardPayload(reward))
	}
	writeJSONResponse(w, http.StatusOK, resp)
}

func (h *HRHandlers) listCategories(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.redemptions == nil {
		serviceUnavailable(ctx, w, "redemption")
		return
	}
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	categories, err := h.redemptions.RewardCategories(ctx, actor)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, categoryListResponse{Items: categories})
}

func parseRewardFilter(r *http.Request) (services.RewardFilter, error) {
	query := r.URL.Query()
	var filter services.RewardFilter
	var err error
	if filter.Rewardee, err = queryInt64(query.Get("rewardee"), "rewardee"); err != nil {
		return filter, err
	}
	if filter.AddedBy, err = queryInt64(query.Get("addedBy"), "addedBy"); err != nil {
		return filter, err
	}
	filter.Category = strings.TrimSpace(query.Get("category"))
	if filter.Redeemed, err = queryBool(query.Get("redeemed"), "redeemed"); err != nil {
		return filter, err
	}
	if filter.Expired, err = queryBool(query.Get("expired"), "expired"); err != nil {
		return filter, err
	}
	if filter.CreatedFrom, err = queryTime(query.Get("from"), "from"); err != nil {
		return filter, err
	}
	if filter.CreatedTo, err = queryTime(query.Get("to"), "to"); err != nil {
		return filter, err
	}
	offset, err := queryInt64(query.Get("offset"), "offset")
	if err != nil {
		return filter, err
	}
	limit, err := queryInt64(query.Get("limit"), "limit")
	if err != nil {
		return filter, err
	}
	filter.Offset, filter.Limit = int(offset), int(limit)
	return filter, nil
}

func queryInt64(raw, name string) (int64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || value < 0 {
		return 0, fmt.Errorf("%s must be a non-negative integer", name)
	}
	return value, nil
}

func queryBool(raw, name string) (*bool, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		return nil, fmt.Errorf("%s must be a boolean", name)
	}
	return &value, nil
}

func queryTime(raw, name string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, nil
	}
	value, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("%s must be an RFC 3339 timestamp", name)
	}
	return value.UTC(), nil
}
