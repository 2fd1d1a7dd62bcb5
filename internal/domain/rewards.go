package domain

import "time"

// RewardKind tags the two shapes a reward can take.
type RewardKind string

const (
	// RewardKindReward is granted directly to a named employee by an organizer.
	RewardKindReward RewardKind = "REWARD"
	// RewardKindCoupon is claimed by whoever presents the coupon code and secret.
	RewardKindCoupon RewardKind = "COUPON"
)

// CouponDetails carries the coupon-only fields of a reward.
type CouponDetails struct {
	CouponID       string
	SecretCodeHash string
}

// Reward is a point grant that is credited at most once.
type Reward struct {
	ID             string
	Kind           RewardKind
	Rewardee       int64
	RewardCategory string
	Description    string
	RewardPoints   int64
	AddedBy        int64
	TransactionID  int64
	Coupon         *CouponDetails
	IsRedeemed     bool
	RedeemedBy     int64
	RedeemedAt     *time.Time
	ClaimToken     string
	IsExpired      bool
	CreatedAt      time.Time
}

// Settled reports whether the crediting transaction has been recorded on the reward.
func (r Reward) Settled() bool {
	return r.IsRedeemed && r.TransactionID != 0
}

// CouponCode returns the coupon id or an empty string for direct rewards.
func (r Reward) CouponCode() string {
	if r.Coupon == nil {
		return ""
	}
	return r.Coupon.CouponID
}

// IssuedCoupon is returned once at generation time; the secret is never stored in clear.
type IssuedCoupon struct {
	RewardID   string
	CouponCode string
	SecretCode string
	Points     int64
	Category   string
}

// ExpirationSchedule is the single pending expiration sweep configured by organizers.
type ExpirationSchedule struct {
	Cutoff    time.Time
	RunAt     time.Time
	CreatedBy int64
	CreatedAt time.Time
}
