package handlers

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	domain "github.com/rewards-hub/api/internal/domain"
	"github.com/rewards-hub/api/internal/platform/storage"
)

type stubExporter struct {
	err     error
	batchID string
	coupons []domain.IssuedCoupon
}

func (s *stubExporter) Export(_ context.Context, batchID string, coupons []domain.IssuedCoupon) (storage.CouponExport, error) {
	s.batchID = batchID
	s.coupons = append([]domain.IssuedCoupon(nil), coupons...)
	if s.err != nil {
		return storage.CouponExport{}, s.err
	}
	return storage.CouponExport{
		BatchID: batchID,
		Object:  "coupons/batches/" + batchID + ".csv",
		Download: storage.SignedURL{
			URL:       "https://storage.example/coupons/" + batchID,
			Method:    http.MethodGet,
			ExpiresAt: time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC),
		},
	}, nil
}

func newExportAPI(t *testing.T, exporter CouponExporter) *testAPI {
	t.Helper()
	return newTestAPIWith(t, func(svc testServices) []Option {
		handlers := NewHRHandlers(nil, svc.redemptions, svc.expiration, WithCouponExporter(exporter))
		handlers.newBatchID = func() string { return "batch1" }
		return []Option{WithHRRoutes(handlers.Routes)}
	})
}

func TestHRCoupons_ExportBatch(t *testing.T) {
	exporter := &stubExporter{}
	api := newExportAPI(t, exporter)

	rr := api.do(http.MethodPost, "/api/v1/hr/coupons", &hrActor, map[string]any{
		"rewardCategory": "quiz",
		"rewardPoints":   40,
		"quantity":       3,
		"export":         true,
	})
	requireStatus(t, rr, http.StatusCreated)
	var resp generateCouponsResponse
	decodeBody(t, rr, &resp)
	if resp.Export == nil || resp.Export.BatchID != "batch1" || resp.Export.DownloadURL == "" {
		t.Fatalf("expected export details, got %+v", resp.Export)
	}
	if len(exporter.coupons) != 3 || exporter.coupons[0].SecretCode == "" {
		t.Fatalf("expected exporter to receive the batch with secrets, got %+v", exporter.coupons)
	}
}

func TestHRCoupons_ExportFailureStillReturnsCoupons(t *testing.T) {
	api := newExportAPI(t, &stubExporter{err: errors.New("bucket unavailable")})

	rr := api.do(http.MethodPost, "/api/v1/hr/coupons", &hrActor, map[string]any{
		"rewardCategory": "quiz",
		"rewardPoints":   40,
		"quantity":       2,
		"export":         true,
	})
	requireStatus(t, rr, http.StatusCreated)
	var resp generateCouponsResponse
	decodeBody(t, rr, &resp)
	if len(resp.Coupons) != 2 || resp.Export != nil {
		t.Fatalf("expected inline coupons without export, got %+v", resp)
	}
}

func TestHRCoupons_ExportUnavailable(t *testing.T) {
	api := newTestAPI(t)
	rr := api.do(http.MethodPost, "/api/v1/hr/coupons", &hrActor, map[string]any{
		"rewardCategory": "quiz",
		"rewardPoints":   40,
		"quantity":       1,
		"export":         true,
	})
	requireStatus(t, rr, http.StatusServiceUnavailable)
	if code := errorCode(t, rr); code != "export_unavailable" {
		t.Fatalf("expected export_unavailable, got %s", code)
	}
}

func TestHRCoupons_QuantityBounds(t *testing.T) {
	api := newTestAPI(t)
	rr := api.do(http.MethodPost, "/api/v1/hr/coupons", &hrActor, map[string]any{
		"rewardCategory": "quiz",
		"rewardPoints":   40,
		"quantity":       501,
	})
	requireStatus(t, rr, http.StatusBadRequest)
	if code := errorCode(t, rr); code != "validation_failed" {
		t.Fatalf("expected validation_failed, got %s", code)
	}
}

func TestHRGrants_ReportsPerGrantFailures(t *testing.T) {
	api := newTestAPI(t)
	rr := api.do(http.MethodPost, "/api/v1/hr/rewards", &hrActor, map[string]any{
		"grants": []map[string]any{
			{"rewardee": 100, "rewardCategory": "spot", "rewardPoints": 30},
			{"rewardee": 101, "rewardCategory": "!!!", "rewardPoints": 30},
		},
	})
	requireStatus(t, rr, http.StatusOK)
	var resp grantRewardsResponse
	decodeBody(t, rr, &resp)
	if resp.Granted != 1 || resp.Failed != 1 || resp.Results[1].Error != "invalid_request" {
		t.Fatalf("unexpected grant results %+v", resp)
	}
}

func TestExpiration_ScheduleAndSweep(t *testing.T) {
	api := newTestAPI(t)

	rr := api.do(http.MethodPost, "/api/v1/hr/coupons", &hrActor, map[string]any{
		"rewardCategory": "launch",
		"rewardPoints":   10,
		"quantity":       1,
	})
	requireStatus(t, rr, http.StatusCreated)
	var issued generateCouponsResponse
	decodeBody(t, rr, &issued)

	rr = api.do(http.MethodPost, "/api/v1/internal/sweeps/expiration", nil, nil)
	requireStatus(t, rr, http.StatusOK)
	var idle expirationSweepResponse
	decodeBody(t, rr, &idle)
	if idle.Ran {
		t.Fatalf("expected no sweep without a schedule, got %+v", idle)
	}

	cutoff := time.Now().UTC().Add(time.Hour)
	rr = api.do(http.MethodPost, "/api/v1/hr/schedule/expiration", &hrActor, map[string]any{"cutoff": cutoff})
	requireStatus(t, rr, http.StatusOK)
	var schedule schedulePayload
	decodeBody(t, rr, &schedule)
	if schedule.CreatedBy != hrActor.EmployeeID || schedule.Cutoff != formatTime(cutoff) {
		t.Fatalf("unexpected schedule %+v", schedule)
	}

	rr = api.do(http.MethodPost, "/api/v1/internal/sweeps/expiration", nil, nil)
	requireStatus(t, rr, http.StatusOK)
	var swept expirationSweepResponse
	decodeBody(t, rr, &swept)
	if !swept.Ran || swept.Expired != 1 {
		t.Fatalf("expected the coupon to expire, got %+v", swept)
	}

	coupon := issued.Coupons[0]
	rr = api.do(http.MethodPost, "/api/v1/rewards:claim", &employeeActor, map[string]any{"couponCode": coupon.CouponCode, "secretCode": coupon.SecretCode})
	requireStatus(t, rr, http.StatusGone)
	if code := errorCode(t, rr); code != "reward_expired" {
		t.Fatalf("expected reward_expired, got %s", code)
	}

	rr = api.do(http.MethodPost, "/api/v1/internal/sweeps/expiration", nil, nil)
	requireStatus(t, rr, http.StatusOK)
	decodeBody(t, rr, &idle)
	if idle.Ran {
		t.Fatalf("expected the schedule to be consumed, got %+v", idle)
	}
}

func TestExpiration_ExplicitCutoffAndCancel(t *testing.T) {
	api := newTestAPI(t)
	api.grant(employeeActor.EmployeeID, 10)

	rr := api.do(http.MethodPost, "/api/v1/internal/sweeps/expiration", nil, map[string]any{"cutoff": time.Now().UTC().Add(-time.Hour)})
	requireStatus(t, rr, http.StatusOK)
	var resp expirationSweepResponse
	decodeBody(t, rr, &resp)
	if !resp.Ran || resp.Expired != 0 {
		t.Fatalf("expected an empty sweep for an old cutoff, got %+v", resp)
	}

	rr = api.do(http.MethodPost, "/api/v1/hr/schedule/expiration", &employeeActor, map[string]any{"cutoff": time.Now().UTC()})
	requireStatus(t, rr, http.StatusForbidden)

	rr = api.do(http.MethodPost, "/api/v1/hr/schedule/expiration", &hrActor, map[string]any{"cutoff": time.Now().UTC()})
	requireStatus(t, rr, http.StatusOK)
	requireStatus(t, api.do(http.MethodDelete, "/api/v1/hr/schedule/expiration", &hrActor, nil), http.StatusNoContent)

	rr = api.do(http.MethodPost, "/api/v1/internal/sweeps/expiration", nil, nil)
	requireStatus(t, rr, http.StatusOK)
	decodeBody(t, rr, &resp)
	if resp.Ran {
		t.Fatalf("expected cancelled schedule not to run, got %+v", resp)
	}
}

func TestReconciliation_Endpoint(t *testing.T) {
	api := newTestAPI(t)
	rr := api.do(http.MethodPost, "/api/v1/internal/sweeps/reconciliation", nil, nil)
	requireStatus(t, rr, http.StatusOK)
	var report reconciliationResponse
	decodeBody(t, rr, &report)
	if report.Failures != 0 || report.StartedAt == "" || report.CompletedAt == "" {
		t.Fatalf("unexpected report %+v", report)
	}
}

func TestHRRewards_FilterAndCategories(t *testing.T) {
	api := newTestAPI(t)
	api.grant(employeeActor.EmployeeID, 50)
	rr := api.do(http.MethodPost, "/api/v1/hr/rewards", &hrActor, map[string]any{
		"grants": []map[string]any{{"rewardee": 101, "rewardCategory": "Quiz", "rewardPoints": 20}},
	})
	requireStatus(t, rr, http.StatusOK)
	rr = api.do(http.MethodPost, "/api/v1/hr/coupons", &hrActor, map[string]any{"rewardCategory": "quiz", "rewardPoints": 40, "quantity": 2})
	requireStatus(t, rr, http.StatusCreated)

	list := func(query string) hrRewardListResponse {
		t.Helper()
		rr := api.do(http.MethodGet, "/api/v1/hr/rewards"+query, &hrActor, nil)
		requireStatus(t, rr, http.StatusOK)
		var body hrRewardListResponse
		decodeBody(t, rr, &body)
		return body
	}

	if all := list(""); all.Total != 4 || len(all.Items) != 4 {
		t.Fatalf("expected 4 rewards, got total=%d items=%d", all.Total, len(all.Items))
	}
	if quiz := list("?category=QUIZ"); quiz.Total != 3 {
		t.Fatalf("expected 3 quiz rewards, got %d", quiz.Total)
	}
	mine := list("?rewardee=100")
	if mine.Total != 1 || mine.Items[0].Rewardee != employeeActor.EmployeeID || mine.Items[0].RewardCategory != "spot" {
		t.Fatalf("unexpected rewardee listing: %+v", mine)
	}
	page := list("?category=quiz&limit=1&offset=1")
	if page.Total != 3 || len(page.Items) != 1 {
		t.Fatalf("expected one item of three, got total=%d items=%d", page.Total, len(page.Items))
	}
	if open := list("?redeemed=false&expired=false"); open.Total != 4 {
		t.Fatalf("expected 4 open rewards, got %d", open.Total)
	}

	rr = api.do(http.MethodGet, "/api/v1/hr/rewards/categories", &hrActor, nil)
	requireStatus(t, rr, http.StatusOK)
	var categories categoryListResponse
	decodeBody(t, rr, &categories)
	if diff := cmp.Diff([]string{"quiz", "spot"}, categories.Items); diff != "" {
		t.Fatalf("unexpected categories (-want +got):\n%s", diff)
	}
}

func TestHRRewards_ListRejections(t *testing.T) {
	api := newTestAPI(t)

	rr := api.do(http.MethodGet, "/api/v1/hr/rewards", &employeeActor, nil)
	requireStatus(t, rr, http.StatusForbidden)

	rr = api.do(http.MethodGet, "/api/v1/hr/rewards/categories", &employeeActor, nil)
	requireStatus(t, rr, http.StatusForbidden)

	for _, query := range []string{"?redeemed=maybe", "?rewardee=-4", "?from=yesterday", "?from=2024-06-02T00:00:00Z&to=2024-06-01T00:00:00Z"} {
		rr := api.do(http.MethodGet, "/api/v1/hr/rewards"+query, &hrActor, nil)
		requireStatus(t, rr, http.StatusBadRequest)
		if code := errorCode(t, rr); code != "invalid_request" {
			t.Fatalf("%s: expected invalid_request, got %q", query, code)
		}
	}
}
