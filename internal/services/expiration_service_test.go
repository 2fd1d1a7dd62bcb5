package services

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestExpirationServiceSweepFlagsOnlyUnclaimedRewards(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	coupons := h.coupons(50, 6)
	claimed := coupons[0]
	if _, err := h.redemption.Claim(ctx, ClaimCommand{Actor: employee, CouponCode: claimed.CouponCode, SecretCode: claimed.SecretCode}); err != nil {
		t.Fatalf("claim: %v", err)
	}
	ledgerBefore := len(h.history(employee.EmployeeID))

	h.clock.Advance(24 * time.Hour)
	late := h.coupons(50, 1)[0]

	result, err := h.expiration.SweepExpired(ctx, h.clock.Now())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if result.Expired != 5 || result.Scanned != 5 {
		t.Fatalf("expected 5 scanned and expired, got %+v", result)
	}

	for _, coupon := range coupons[1:] {
		stored, err := h.store.Rewards().Get(ctx, coupon.RewardID)
		if err != nil {
			t.Fatalf("get reward: %v", err)
		}
		if !stored.IsExpired {
			t.Fatalf("expected %s to be expired", coupon.CouponCode)
		}
	}
	for _, id := range []string{claimed.RewardID, late.RewardID} {
		stored, _ := h.store.Rewards().Get(ctx, id)
		if stored.IsExpired {
			t.Fatalf("reward %s must not be expired", id)
		}
	}
	if after := len(h.history(employee.EmployeeID)); after != ledgerBefore {
		t.Fatalf("sweep must not post ledger entries, had %d now %d", ledgerBefore, after)
	}

	again, err := h.expiration.SweepExpired(ctx, h.clock.Now())
	if err != nil {
		t.Fatalf("second sweep: %v", err)
	}
	if again.Expired != 0 {
		t.Fatalf("expected second sweep to be a no-op, got %+v", again)
	}
}

func TestExpirationServiceSweepRequiresCutoff(t *testing.T) {
	h := newHarness(t)
	if _, err := h.expiration.SweepExpired(context.Background(), time.Time{}); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestExpirationServiceScheduleAndRunDue(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.coupons(10, 3)
	cutoff := h.clock.Now().Add(time.Minute)

	if _, err := h.expiration.Schedule(ctx, ScheduleExpirationCommand{Actor: employee, Cutoff: cutoff}); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}
	if _, err := h.expiration.Schedule(ctx, ScheduleExpirationCommand{Actor: hr, Cutoff: cutoff, RunAt: h.clock.Now().Add(-time.Hour)}); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected past run time to be rejected, got %v", err)
	}

	schedule, err := h.expiration.Schedule(ctx, ScheduleExpirationCommand{Actor: hr, Cutoff: cutoff, RunAt: h.clock.Now().Add(2 * time.Hour)})
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if schedule.CreatedBy != hr.EmployeeID {
		t.Fatalf("unexpected schedule: %+v", schedule)
	}

	ran, _, err := h.expiration.RunDue(ctx)
	if err != nil || ran {
		t.Fatalf("expected schedule not yet due, ran=%v err=%v", ran, err)
	}

	h.clock.Advance(3 * time.Hour)
	ran, result, err := h.expiration.RunDue(ctx)
	if err != nil {
		t.Fatalf("run due: %v", err)
	}
	if !ran || result.Expired != 3 {
		t.Fatalf("expected due sweep to expire 3 rewards, ran=%v result=%+v", ran, result)
	}

	ran, _, err = h.expiration.RunDue(ctx)
	if err != nil || ran {
		t.Fatalf("expected schedule to be cleared after firing, ran=%v err=%v", ran, err)
	}
}

func TestExpirationServiceCancel(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	if err := h.expiration.Cancel(ctx); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found when nothing is scheduled, got %v", err)
	}
	if _, err := h.expiration.Schedule(ctx, ScheduleExpirationCommand{Actor: admin, Cutoff: h.clock.Now()}); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if err := h.expiration.Cancel(ctx); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	ran, _, err := h.expiration.RunDue(ctx)
	if err != nil || ran {
		t.Fatalf("expected cancelled schedule not to run, ran=%v err=%v", ran, err)
	}
}
