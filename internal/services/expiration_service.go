package services

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rewards-hub/api/internal/repositories"
)

const (
	defaultSweepBatch       = 200
	defaultSweepConcurrency = 8
)

// ExpirationServiceDeps bundles collaborators required to construct the expiration service.
type ExpirationServiceDeps struct {
	Rewards     repositories.RewardRepository
	Schedules   repositories.ScheduleRepository
	BatchSize   int
	Concurrency int
	Clock       func() time.Time
	Logger      func(ctx context.Context, event string, fields map[string]any)
}

type expirationService struct {
	rewards     repositories.RewardRepository
	schedules   repositories.ScheduleRepository
	batch       int
	concurrency int
	clock       func() time.Time
	logger      func(context.Context, string, map[string]any)
}

var _ ExpirationService = (*expirationService)(nil)

// NewExpirationService constructs the expiration sweep and its schedule.
func NewExpirationService(deps ExpirationServiceDeps) (ExpirationService, error) {
	if deps.Rewards == nil {
		return nil, errors.New("expiration service: reward repository is required")
	}
	if deps.Schedules == nil {
		return nil, errors.New("expiration service: schedule repository is required")
	}
	batch := deps.BatchSize
	if batch <= 0 {
		batch = defaultSweepBatch
	}
	concurrency := deps.Concurrency
	if concurrency <= 0 {
		concurrency = defaultSweepConcurrency
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = noopLogger
	}
	return &expirationService{
		rewards:     deps.Rewards,
		schedules:   deps.Schedules,
		batch:       batch,
		concurrency: concurrency,
		clock: func() time.Time {
			return clock().UTC()
		},
		logger: logger,
	}, nil
}

// SweepExpired flags unclaimed rewards created before cutoff. It never touches the ledger.
func (s *expirationService) SweepExpired(ctx context.Context, cutoff time.Time) (ExpirationResult, error) {
	if cutoff.IsZero() {
		return ExpirationResult{}, fmt.Errorf("%w: cutoff is required", ErrValidation)
	}
	result := ExpirationResult{Cutoff: cutoff.UTC()}

	for {
		candidates, err := s.rewards.ListExpirable(ctx, result.Cutoff, s.batch)
		if err != nil {
			return result, mapRepositoryError("expiration", err)
		}
		if len(candidates) == 0 {
			break
		}
		result.Scanned += len(candidates)

		var expired atomic.Int64
		group, groupCtx := errgroup.WithContext(ctx)
		group.SetLimit(s.concurrency)
		for _, reward := range candidates {
			group.Go(func() error {
				changed, err := s.rewards.MarkExpired(groupCtx, reward.ID)
				if err != nil {
					return err
				}
				if changed {
					expired.Add(1)
				}
				return nil
			})
		}
		err = group.Wait()
		result.Expired += int(expired.Load())
		if err != nil {
			return result, mapRepositoryError("expiration", err)
		}
		if len(candidates) < s.batch || expired.Load() == 0 {
			break
		}
	}

	s.logger(ctx, "rewards.expiration.swept", map[string]any{
		"cutoff":  result.Cutoff.Format(time.RFC3339),
		"scanned": result.Scanned,
		"expired": result.Expired,
	})
	return result, nil
}

func (s *expirationService) Schedule(ctx context.Context, cmd ScheduleExpirationCommand) (ExpirationSchedule, error) {
	if !canIssueRewards(cmd.Actor) {
		return ExpirationSchedule{}, fmt.Errorf("%w: only organizers may schedule expiration", ErrForbidden)
	}
	if cmd.Cutoff.IsZero() {
		return ExpirationSchedule{}, fmt.Errorf("%w: cutoff is required", ErrValidation)
	}
	now := s.clock()
	runAt := cmd.RunAt.UTC()
	if cmd.RunAt.IsZero() {
		runAt = now
	}
	if runAt.Before(now.Add(-time.Minute)) {
		return ExpirationSchedule{}, fmt.Errorf("%w: run time is in the past", ErrValidation)
	}
	schedule := ExpirationSchedule{
		Cutoff:    cmd.Cutoff.UTC(),
		RunAt:     runAt,
		CreatedBy: cmd.Actor.EmployeeID,
		CreatedAt: now,
	}
	if err := s.schedules.SaveExpiration(ctx, schedule); err != nil {
		return ExpirationSchedule{}, mapRepositoryError("expiration", err)
	}
	s.logger(ctx, "rewards.expiration.scheduled", map[string]any{
		"cutoff": schedule.Cutoff.Format(time.RFC3339),
		"runAt":  schedule.RunAt.Format(time.RFC3339),
	})
	return schedule, nil
}

func (s *expirationService) Cancel(ctx context.Context) error {
	if err := s.schedules.DeleteExpiration(ctx); err != nil {
		return mapRepositoryError("expiration", err)
	}
	s.logger(ctx, "rewards.expiration.cancelled", nil)
	return nil
}

// RunDue fires the stored schedule when its run time has passed and then clears it.
func (s *expirationService) RunDue(ctx context.Context) (bool, ExpirationResult, error) {
	schedule, err := s.schedules.GetExpiration(ctx)
	if err != nil {
		if isNotFound(err) {
			return false, ExpirationResult{}, nil
		}
		return false, ExpirationResult{}, mapRepositoryError("expiration", err)
	}
	if schedule.RunAt.After(s.clock()) {
		return false, ExpirationResult{}, nil
	}

	result, err := s.SweepExpired(ctx, schedule.Cutoff)
	if err != nil {
		return true, result, err
	}
	if err := s.schedules.DeleteExpiration(ctx); err != nil && !isNotFound(err) {
		return true, result, mapRepositoryError("expiration", err)
	}
	return true, result, nil
}
