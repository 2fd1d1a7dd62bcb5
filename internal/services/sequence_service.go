package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rewards-hub/api/internal/repositories"
)

const (
	defaultSequenceAttempts = 3
	defaultSequenceBackoff  = 50 * time.Millisecond
)

// SequenceServiceDeps bundles collaborators required to construct a sequence service.
type SequenceServiceDeps struct {
	Repository repositories.CounterRepository
	// Attempts bounds retries of transient store failures; defaults to 3.
	Attempts int
	Backoff  time.Duration
	Logger   func(ctx context.Context, event string, fields map[string]any)
}

type sequenceService struct {
	repo     repositories.CounterRepository
	attempts int
	backoff  time.Duration
	logger   func(context.Context, string, map[string]any)
}

// NewSequenceService constructs a sequence service over the counter repository.
func NewSequenceService(deps SequenceServiceDeps) (SequenceService, error) {
	if deps.Repository == nil {
		return nil, errors.New("sequence service: counter repository is required")
	}
	attempts := deps.Attempts
	if attempts <= 0 {
		attempts = defaultSequenceAttempts
	}
	backoff := deps.Backoff
	if backoff <= 0 {
		backoff = defaultSequenceBackoff
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &sequenceService{
		repo:     deps.Repository,
		attempts: attempts,
		backoff:  backoff,
		logger:   logger,
	}, nil
}

func (s *sequenceService) Next(ctx context.Context, name string) (int64, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return 0, fmt.Errorf("%w: counter name is required", ErrValidation)
	}

	var lastErr error
	wait := s.backoff
	for attempt := 1; attempt <= s.attempts; attempt++ {
		value, err := s.repo.Next(ctx, name, 1)
		if err == nil {
			return value, nil
		}
		lastErr = err
		if !isTransient(err) || attempt == s.attempts {
			break
		}
		s.logger(ctx, "sequence.next.retry", map[string]any{
			"counter": name,
			"attempt": attempt,
			"error":   err.Error(),
		})
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(wait):
		}
		wait *= 2
	}
	return 0, mapRepositoryError("sequence", lastErr)
}

func (s *sequenceService) Decrement(ctx context.Context, name string, n int64) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("%w: counter name is required", ErrValidation)
	}
	if n <= 0 {
		return fmt.Errorf("%w: decrement must be positive", ErrValidation)
	}
	if err := s.repo.Decrement(ctx, name, n); err != nil {
		return mapRepositoryError("sequence", err)
	}
	return nil
}

func (s *sequenceService) Current(ctx context.Context, name string) (int64, error) {
	value, err := s.repo.Current(ctx, strings.TrimSpace(name))
	if err != nil {
		return 0, mapRepositoryError("sequence", err)
	}
	return value, nil
}

func isTransient(err error) bool {
	var repoErr repositories.RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsUnavailable()
}
