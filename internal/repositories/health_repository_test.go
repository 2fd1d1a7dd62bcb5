package repositories

import (
	"context"
	"errors"
	"testing"
	"time"

	domain "github.com/rewards-hub/api/internal/domain"
)

func TestCheckedHealthRepositoryCollectSuccess(t *testing.T) {
	checks := []DependencyCheck{
		{
			Name: "firestore",
			Check: func(ctx context.Context) error {
				select {
				case <-time.After(10 * time.Millisecond):
					return nil
				case <-ctx.Done():
					return ctx.Err()
				}
			},
		},
		{Name: "redis", Check: func(context.Context) error { return nil }},
	}

	now := time.Date(2024, time.March, 1, 12, 0, 0, 0, time.UTC)
	repo, err := NewCheckedHealthRepository(checks, func() time.Time { return now })
	if err != nil {
		t.Fatalf("NewCheckedHealthRepository: %v", err)
	}

	report, err := repo.Collect(context.Background())
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if report.Status != domain.HealthStatusOK {
		t.Fatalf("expected status ok, got %s", report.Status)
	}
	if len(report.Checks) != 2 {
		t.Fatalf("expected 2 checks, got %d", len(report.Checks))
	}
	for name, check := range report.Checks {
		if check.Status != domain.HealthStatusOK {
			t.Fatalf("expected check %s to be ok, got %s", name, check.Status)
		}
		if check.CheckedAt != now {
			t.Fatalf("expected check %s checkedAt %s, got %s", name, now, check.CheckedAt)
		}
	}
	if report.GeneratedAt != now {
		t.Fatalf("expected generatedAt %s, got %s", now, report.GeneratedAt)
	}
}

func TestCheckedHealthRepositoryCollectFailure(t *testing.T) {
	checks := []DependencyCheck{
		{Name: "postgres", Check: func(context.Context) error { return errors.New("boom") }},
		{Name: "pubsub", Check: func(context.Context) error { return nil }},
	}
	repo, err := NewCheckedHealthRepository(checks, nil)
	if err != nil {
		t.Fatalf("NewCheckedHealthRepository: %v", err)
	}

	report, err := repo.Collect(context.Background())
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if report.Status != domain.HealthStatusDegraded {
		t.Fatalf("expected status degraded, got %s", report.Status)
	}
	check := report.Checks["postgres"]
	if check.Status != domain.HealthStatusDegraded || check.Detail != "boom" {
		t.Fatalf("unexpected postgres check %+v", check)
	}
	if report.Checks["pubsub"].Status != domain.HealthStatusOK {
		t.Fatalf("expected pubsub to stay ok")
	}
}

func TestCheckedHealthRepositoryCollectTimeout(t *testing.T) {
	checks := []DependencyCheck{{
		Name:    "secrets",
		Timeout: 5 * time.Millisecond,
		Check: func(ctx context.Context) error {
			select {
			case <-time.After(time.Second):
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		},
	}}
	repo, err := NewCheckedHealthRepository(checks, nil)
	if err != nil {
		t.Fatalf("NewCheckedHealthRepository: %v", err)
	}

	report, err := repo.Collect(context.Background())
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if report.Status != domain.HealthStatusError {
		t.Fatalf("expected status error, got %s", report.Status)
	}
	if detail := report.Checks["secrets"].Detail; detail != "timeout" {
		t.Fatalf("expected detail timeout, got %s", detail)
	}
}

func TestNewCheckedHealthRepositoryValidatesChecks(t *testing.T) {
	if _, err := NewCheckedHealthRepository(nil, nil); err == nil {
		t.Fatalf("expected error without checks")
	}
	if _, err := NewCheckedHealthRepository([]DependencyCheck{{Name: " ", Check: func(context.Context) error { return nil }}}, nil); err == nil {
		t.Fatalf("expected error for unnamed check")
	}
	if _, err := NewCheckedHealthRepository([]DependencyCheck{{Name: "firestore"}}, nil); err == nil {
		t.Fatalf("expected error for missing check function")
	}
}
