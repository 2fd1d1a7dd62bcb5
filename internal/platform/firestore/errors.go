package firestore

import (
	"context"
	"errors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/rewards-hub/api/internal/repositories"
)

// WrapError categorises a Firestore error as a repositories.StoreError. Context errors and
// errors that already carry repository semantics pass through untouched.
func WrapError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if passthrough(err) {
		return err
	}

	storeErr := &repositories.StoreError{Op: op, Err: err}
	switch status.Code(err) {
	case codes.Canceled:
		return context.Canceled
	case codes.NotFound:
		storeErr.NotFound = true
	case codes.AlreadyExists, codes.FailedPrecondition, codes.Aborted:
		storeErr.Conflict = true
	case codes.Unavailable, codes.ResourceExhausted, codes.Internal, codes.DeadlineExceeded:
		storeErr.Unavailable = true
	}
	return storeErr
}

func passthrough(err error) bool {
	var (
		repoErr    repositories.RepositoryError
		ledgerErr  *repositories.LedgerError
		rewardErr  *repositories.RewardError
		counterErr *repositories.CounterError
	)
	return errors.As(err, &repoErr) || errors.As(err, &ledgerErr) ||
		errors.As(err, &rewardErr) || errors.As(err, &counterErr)
}

// IsNotFound reports a gRPC NotFound status.
func IsNotFound(err error) bool {
	return status.Code(err) == codes.NotFound
}

// IsAlreadyExists reports a gRPC AlreadyExists status, returned by Create on an existing document.
func IsAlreadyExists(err error) bool {
	return status.Code(err) == codes.AlreadyExists
}
