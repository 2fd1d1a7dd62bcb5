package memory

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	domain "github.com/rewards-hub/api/internal/domain"
	"github.com/rewards-hub/api/internal/repositories"
)

// RewardRepository is an in-memory repositories.RewardRepository.
type RewardRepository struct {
	mu      sync.Mutex
	rewards map[string]domain.Reward
	coupons map[string]string

	// InsertHook, when set, runs before a reward is stored and may fail the write.
	InsertHook func(reward domain.Reward) error
}

// NewRewardRepository constructs an empty reward store.
func NewRewardRepository() *RewardRepository {
	return &RewardRepository{
		rewards: make(map[string]domain.Reward),
		coupons: make(map[string]string),
	}
}

func (r *RewardRepository) Insert(_ context.Context, reward domain.Reward) error {
	if r.InsertHook != nil {
		if err := r.InsertHook(reward); err != nil {
			return err
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.rewards[reward.ID]; exists {
		return repositories.ConflictError("rewards.insert", "reward %s already exists", reward.ID)
	}
	if code := reward.CouponCode(); code != "" {
		key := strings.ToLower(code)
		if _, taken := r.coupons[key]; taken {
			return repositories.ConflictError("rewards.insert", "coupon %s already exists", code)
		}
		r.coupons[key] = reward.ID
	}
	r.rewards[reward.ID] = reward
	return nil
}

func (r *RewardRepository) Get(_ context.Context, rewardID string) (domain.Reward, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	reward, ok := r.rewards[rewardID]
	if !ok {
		return domain.Reward{}, repositories.NotFoundError("rewards.get", "reward %s not found", rewardID)
	}
	return reward, nil
}

func (r *RewardRepository) FindByCoupon(_ context.Context, couponCode string) (domain.Reward, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.coupons[strings.ToLower(couponCode)]
	if !ok {
		return domain.Reward{}, repositories.NotFoundError("rewards.coupon", "coupon %s not found", couponCode)
	}
	return r.rewards[id], nil
}

func (r *RewardRepository) Claim(_ context.Context, req repositories.ClaimRequest) (domain.Reward, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	reward, ok := r.rewards[req.RewardID]
	if !ok {
		return domain.Reward{}, repositories.NotFoundError("rewards.claim", "reward %s not found", req.RewardID)
	}
	switch {
	case reward.IsRedeemed:
		return domain.Reward{}, &repositories.RewardError{Code: repositories.RewardErrorAlreadyRedeemed, RewardID: reward.ID}
	case reward.IsExpired:
		return domain.Reward{}, &repositories.RewardError{Code: repositories.RewardErrorExpired, RewardID: reward.ID}
	}
	at := req.At
	reward.IsRedeemed = true
	reward.RedeemedBy = req.RedeemedBy
	reward.RedeemedAt = &at
	reward.ClaimToken = req.ClaimToken
	r.rewards[reward.ID] = reward
	return reward, nil
}

func (r *RewardRepository) Release(_ context.Context, rewardID, claimToken string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	reward, ok := r.rewards[rewardID]
	if !ok {
		return repositories.NotFoundError("rewards.release", "reward %s not found", rewardID)
	}
	if !reward.IsRedeemed || reward.ClaimToken != claimToken || reward.TransactionID != 0 {
		return &repositories.RewardError{Code: repositories.RewardErrorClaimMismatch, RewardID: rewardID}
	}
	reward.IsRedeemed = false
	reward.RedeemedBy = 0
	reward.RedeemedAt = nil
	reward.ClaimToken = ""
	r.rewards[rewardID] = reward
	return nil
}

func (r *RewardRepository) Settle(_ context.Context, rewardID, claimToken string, transactionID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	reward, ok := r.rewards[rewardID]
	if !ok {
		return repositories.NotFoundError("rewards.settle", "reward %s not found", rewardID)
	}
	if !reward.IsRedeemed || reward.ClaimToken != claimToken {
		return &repositories.RewardError{Code: repositories.RewardErrorClaimMismatch, RewardID: rewardID}
	}
	reward.TransactionID = transactionID
	r.rewards[rewardID] = reward
	return nil
}

func (r *RewardRepository) MarkExpired(_ context.Context, rewardID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	reward, ok := r.rewards[rewardID]
	if !ok {
		return false, repositories.NotFoundError("rewards.expire", "reward %s not found", rewardID)
	}
	if reward.IsRedeemed || reward.IsExpired {
		return false, nil
	}
	reward.IsExpired = true
	r.rewards[rewardID] = reward
	return true, nil
}

func (r *RewardRepository) ListByRewardee(_ context.Context, employeeID int64) ([]domain.Reward, error) {
	return r.filter(0, func(reward domain.Reward) bool {
		return reward.Rewardee == employeeID || reward.RedeemedBy == employeeID
	}), nil
}

func (r *RewardRepository) ListExpirable(_ context.Context, createdBefore time.Time, limit int) ([]domain.Reward, error) {
	return r.filter(limit, func(reward domain.Reward) bool {
		return !reward.IsRedeemed && !reward.IsExpired && reward.CreatedAt.Before(createdBefore)
	}), nil
}

func (r *RewardRepository) ListUnsettledClaims(_ context.Context, redeemedBefore time.Time, limit int) ([]domain.Reward, error) {
	return r.filter(limit, func(reward domain.Reward) bool {
		return reward.IsRedeemed && reward.TransactionID == 0 &&
			reward.RedeemedAt != nil && reward.RedeemedAt.Before(redeemedBefore)
	}), nil
}

func (r *RewardRepository) List(_ context.Context, filter repositories.RewardListFilter) ([]domain.Reward, int, error) {
	matched := r.filter(0, func(reward domain.Reward) bool { return rewardMatches(filter, reward) })
	slices.SortFunc(matched, func(a, b domain.Reward) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(b.ID, a.ID)
	})
	total := len(matched)
	start := min(max(filter.Offset, 0), total)
	end := total
	if filter.Limit > 0 {
		end = min(start+filter.Limit, total)
	}
	return slices.Clone(matched[start:end]), total, nil
}

func (r *RewardRepository) Categories(_ context.Context) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	categories := make([]string, 0)
	for _, reward := range r.rewards {
		if reward.RewardCategory != "" && !slices.Contains(categories, reward.RewardCategory) {
			categories = append(categories, reward.RewardCategory)
		}
	}
	slices.Sort(categories)
	return categories, nil
}

func rewardMatches(filter repositories.RewardListFilter, reward domain.Reward) bool {
	switch {
	case filter.Rewardee != 0 && reward.Rewardee != filter.Rewardee:
		return false
	case filter.AddedBy != 0 && reward.AddedBy != filter.AddedBy:
		return false
	case filter.Category != "" && reward.RewardCategory != filter.Category:
		return false
	case filter.Redeemed != nil && reward.IsRedeemed != *filter.Redeemed:
		return false
	case filter.Expired != nil && reward.IsExpired != *filter.Expired:
		return false
	case !filter.CreatedFrom.IsZero() && reward.CreatedAt.Before(filter.CreatedFrom):
		return false
	case !filter.CreatedTo.IsZero() && !reward.CreatedAt.Before(filter.CreatedTo):
		return false
	}
	return true
}

func (r *RewardRepository) filter(limit int, match func(domain.Reward) bool) []domain.Reward {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Reward
	for _, reward := range r.rewards {
		if match(reward) {
			out = append(out, reward)
		}
	}
	slices.SortFunc(out, func(a, b domain.Reward) int { return strings.Compare(a.ID, b.ID) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}
