package services

import (
	"errors"
	"fmt"

	"github.com/rewards-hub/api/internal/repositories"
)

var (
	// ErrValidation indicates the caller supplied invalid input.
	ErrValidation = errors.New("validation failed")
	// ErrNotFound indicates the requested record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict indicates a concurrent update or duplicate record.
	ErrConflict = errors.New("conflict")
	// ErrForbidden indicates the actor may not perform the operation.
	ErrForbidden = errors.New("forbidden")
	// ErrStoreUnavailable wraps infrastructure faults from the backing stores.
	ErrStoreUnavailable = errors.New("store unavailable")

	// ErrInsufficientBalance is raised by the ledger when a debit exceeds the balance.
	ErrInsufficientBalance = errors.New("ledger: insufficient balance")
	// ErrAlreadyReversed is raised when a transaction already has a compensating entry.
	ErrAlreadyReversed = errors.New("ledger: already reversed")

	// ErrInsufficientPoints is raised by order placement before any debit is attempted.
	ErrInsufficientPoints = errors.New("order: insufficient points")
	// ErrProductUnavailable indicates the product is missing or deactivated.
	ErrProductUnavailable = errors.New("order: product unavailable")
	// ErrIllegalTransition indicates the requested status change is not in the lifecycle table.
	ErrIllegalTransition = errors.New("order: illegal transition")
	// ErrCheckoutBlocked indicates at least one cart line needs confirmation before checkout.
	ErrCheckoutBlocked = errors.New("checkout: blocked by stale cart lines")

	// ErrAlreadyRedeemed indicates the reward has already been claimed.
	ErrAlreadyRedeemed = errors.New("reward: already redeemed")
	// ErrExpired indicates the reward expired before being claimed.
	ErrExpired = errors.New("reward: expired")
	// ErrInvalidSecret indicates the coupon secret did not match.
	ErrInvalidSecret = errors.New("reward: invalid secret")
)

// mapRepositoryError translates repository categorisation into service sentinels.
func mapRepositoryError(scope string, err error) error {
	if err == nil {
		return nil
	}

	if code, ok := repositories.LedgerErrorCodeOf(err); ok {
		switch code {
		case repositories.LedgerErrorInsufficientBalance:
			return fmt.Errorf("%w: %v", ErrInsufficientBalance, err)
		case repositories.LedgerErrorAlreadyReversed:
			return fmt.Errorf("%w: %v", ErrAlreadyReversed, err)
		case repositories.LedgerErrorNotReversible:
			return fmt.Errorf("%w: %v", ErrValidation, err)
		}
	}
	if code, ok := repositories.RewardErrorCodeOf(err); ok {
		switch code {
		case repositories.RewardErrorAlreadyRedeemed:
			return fmt.Errorf("%w: %v", ErrAlreadyRedeemed, err)
		case repositories.RewardErrorExpired:
			return fmt.Errorf("%w: %v", ErrExpired, err)
		case repositories.RewardErrorClaimMismatch:
			return fmt.Errorf("%w: %v", ErrConflict, err)
		}
	}
	var counterErr *repositories.CounterError
	if errors.As(err, &counterErr) {
		return fmt.Errorf("%w: %s", ErrValidation, counterErr.Error())
	}

	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return fmt.Errorf("%w: %s: %v", ErrNotFound, scope, err)
		case repoErr.IsConflict():
			return fmt.Errorf("%w: %s: %v", ErrConflict, scope, err)
		case repoErr.IsUnavailable():
			return fmt.Errorf("%w: %s: %v", ErrStoreUnavailable, scope, err)
		}
	}
	return fmt.Errorf("%s: %w", scope, err)
}

func isNotFound(err error) bool {
	var repoErr repositories.RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsNotFound()
}

func isConflict(err error) bool {
	var repoErr repositories.RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsConflict()
}
