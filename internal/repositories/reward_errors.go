package repositories

import (
	"errors"
	"fmt"
)

// RewardErrorCode enumerates compare-and-set rejections on reward rows.
type RewardErrorCode string

const (
	RewardErrorAlreadyRedeemed RewardErrorCode = "reward_already_redeemed"
	RewardErrorExpired         RewardErrorCode = "reward_expired"
	// RewardErrorClaimMismatch means the claim token no longer owns the reward.
	RewardErrorClaimMismatch RewardErrorCode = "reward_claim_mismatch"
)

// RewardError reports why a reward state change was refused.
type RewardError struct {
	Code     RewardErrorCode
	RewardID string
}

// Error implements the error interface.
func (e *RewardError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("reward %s: %s", e.RewardID, e.Code)
}

// RewardErrorCodeOf returns the reward code carried by err, if any.
func RewardErrorCodeOf(err error) (RewardErrorCode, bool) {
	var rewardErr *RewardError
	if errors.As(err, &rewardErr) {
		return rewardErr.Code, true
	}
	return "", false
}
