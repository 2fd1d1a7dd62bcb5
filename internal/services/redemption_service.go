package services

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"
	"unicode"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/sync/errgroup"

	domain "github.com/rewards-hub/api/internal/domain"
	"github.com/rewards-hub/api/internal/platform/textutil"
	"github.com/rewards-hub/api/internal/repositories"
)

const (
	notificationRewardCredited = "reward.credited"

	couponCodeBytes   = 6
	couponSecretBytes = 8
	maxCouponBatch    = 500
	maxGrantBatch     = 1000
	couponInsertTries = 3
	hashConcurrency   = 8

	defaultRewardPageSize = 50
	maxRewardPageSize     = 200
)

// RedemptionServiceDeps bundles collaborators required to construct the redemption service.
type RedemptionServiceDeps struct {
	Rewards             repositories.RewardRepository
	Ledger              LedgerService
	Notifications       NotificationDispatcher
	Metrics             MetricsRecorder
	Clock               func() time.Time
	IDGenerator         func() string
	Random              io.Reader
	BcryptCost          int
	CompensationTimeout time.Duration
	Logger              func(ctx context.Context, event string, fields map[string]any)
}

type redemptionService struct {
	rewards       repositories.RewardRepository
	ledger        LedgerService
	notifications NotificationDispatcher
	metrics       MetricsRecorder
	clock         func() time.Time
	newID         func() string
	randMu        sync.Mutex
	random        io.Reader
	cost          int
	compensation  time.Duration
	logger        func(context.Context, string, map[string]any)
}

var _ RedemptionService = (*redemptionService)(nil)

// NewRedemptionService constructs the single-use reward and coupon guard.
func NewRedemptionService(deps RedemptionServiceDeps) (RedemptionService, error) {
	if deps.Rewards == nil {
		return nil, errors.New("redemption service: reward repository is required")
	}
	if deps.Ledger == nil {
		return nil, errors.New("redemption service: ledger service is required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = defaultIDGenerator
	}
	random := deps.Random
	if random == nil {
		random = rand.Reader
	}
	cost := deps.BcryptCost
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		return nil, fmt.Errorf("redemption service: bcrypt cost %d out of range", cost)
	}
	logger := deps.Logger
	if logger == nil {
		logger = noopLogger
	}
	notifications := deps.Notifications
	if notifications == nil {
		notifications = noopDispatcher{}
	}
	metrics := deps.Metrics
	if metrics == nil {
		metrics = noopMetrics{}
	}
	return &redemptionService{
		rewards:       deps.Rewards,
		ledger:        deps.Ledger,
		notifications: notifications,
		metrics:       metrics,
		clock: func() time.Time {
			return clock().UTC()
		},
		newID:        idGen,
		random:       random,
		cost:         cost,
		compensation: deps.CompensationTimeout,
		logger:       logger,
	}, nil
}

func (s *redemptionService) Claim(ctx context.Context, cmd ClaimCommand) (ClaimResult, error) {
	if cmd.Actor.EmployeeID <= 0 {
		return ClaimResult{}, fmt.Errorf("%w: employee id is required", ErrValidation)
	}
	code := strings.ToLower(strings.TrimSpace(cmd.CouponCode))
	secret := strings.TrimSpace(cmd.SecretCode)
	if code == "" || secret == "" {
		return ClaimResult{}, fmt.Errorf("%w: coupon code and secret code are required", ErrValidation)
	}

	reward, err := s.rewards.FindByCoupon(ctx, code)
	if err != nil {
		return ClaimResult{}, mapRepositoryError("reward", err)
	}
	if reward.Kind != domain.RewardKindCoupon || reward.Coupon == nil {
		return ClaimResult{}, fmt.Errorf("%w: coupon %s", ErrNotFound, code)
	}
	switch {
	case reward.IsRedeemed:
		return ClaimResult{}, fmt.Errorf("%w: coupon %s", ErrAlreadyRedeemed, code)
	case reward.IsExpired:
		return ClaimResult{}, fmt.Errorf("%w: coupon %s", ErrExpired, code)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(reward.Coupon.SecretCodeHash), []byte(secret)); err != nil {
		s.metrics.Incr(ctx, "rewards.claim_rejected", map[string]string{"reason": "secret"})
		return ClaimResult{}, fmt.Errorf("%w: coupon %s", ErrInvalidSecret, code)
	}

	result, err := s.credit(ctx, reward, cmd.Actor.EmployeeID, fmt.Sprintf("Coupon %s - %s", code, reward.RewardCategory), domain.TransactionKindCoupon)
	if err != nil {
		return ClaimResult{}, err
	}
	s.metrics.Incr(ctx, "rewards.claimed", map[string]string{"kind": string(domain.RewardKindCoupon)})
	return result, nil
}

// credit runs the guard: claim the row, post the credit, then settle or release.
func (s *redemptionService) credit(ctx context.Context, reward Reward, employeeID int64, description string, kind domain.TransactionKind) (ClaimResult, error) {
	token := s.newID()
	claimed, err := s.rewards.Claim(ctx, repositories.ClaimRequest{
		RewardID:   reward.ID,
		ClaimToken: token,
		RedeemedBy: employeeID,
		At:         s.clock(),
	})
	if err != nil {
		return ClaimResult{}, mapRepositoryError("reward", err)
	}

	txn, err := s.ledger.Credit(ctx, LedgerPostCommand{
		EmployeeID:  employeeID,
		Amount:      reward.RewardPoints,
		Description: description,
		Kind:        kind,
		RewardRef:   reward.ID,
		Settled:     true,
	})
	if err != nil {
		s.release(ctx, reward.ID, token)
		return ClaimResult{}, err
	}

	if err := s.rewards.Settle(ctx, reward.ID, token, txn.TransactionID); err != nil {
		// reconciliation settles claims whose credit exists
		s.logger(ctx, "reward.settle.failed", map[string]any{
			"rewardId":      reward.ID,
			"transactionId": txn.TransactionID,
			"error":         err.Error(),
		})
	}
	claimed.TransactionID = txn.TransactionID

	if err := s.notifications.Dispatch(ctx, Notification{
		ToEmployeeID: employeeID,
		TemplateKind: notificationRewardCredited,
		Payload: map[string]any{
			"rewardId": reward.ID,
			"category": reward.RewardCategory,
			"points":   reward.RewardPoints,
			"balance":  txn.Balance,
		},
		OccurredAt: txn.CreatedAt,
	}); err != nil {
		s.logger(ctx, "reward.notification.failed", map[string]any{"rewardId": reward.ID, "error": err.Error()})
	}
	return ClaimResult{Reward: claimed, Transaction: txn}, nil
}

func (s *redemptionService) release(ctx context.Context, rewardID, token string) {
	relCtx, cancel := detached(ctx, s.compensation)
	defer cancel()
	if err := s.rewards.Release(relCtx, rewardID, token); err != nil {
		s.logger(ctx, "reward.release.failed", map[string]any{
			"rewardId": rewardID,
			"error":    err.Error(),
		})
		return
	}
	s.logger(ctx, "reward.release.applied", map[string]any{"rewardId": rewardID})
}

func (s *redemptionService) GrantRewards(ctx context.Context, cmd GrantRewardsCommand) ([]GrantResult, error) {
	if !canIssueRewards(cmd.Actor) {
		return nil, fmt.Errorf("%w: only organizers may grant rewards", ErrForbidden)
	}
	if len(cmd.Grants) == 0 || len(cmd.Grants) > maxGrantBatch {
		return nil, fmt.Errorf("%w: between 1 and %d grants are required", ErrValidation, maxGrantBatch)
	}

	results := make([]GrantResult, 0, len(cmd.Grants))
	for _, grant := range cmd.Grants {
		result := GrantResult{Grant: grant}
		reward, err := s.grant(ctx, cmd.Actor, grant)
		if err != nil {
			result.Err = err
		} else {
			result.Reward = &reward
		}
		results = append(results, result)
	}
	return results, nil
}

func (s *redemptionService) grant(ctx context.Context, actor Actor, grant RewardGrant) (Reward, error) {
	category := normalizeCategory(grant.RewardCategory)
	if grant.Rewardee <= 0 {
		return Reward{}, fmt.Errorf("%w: rewardee is required", ErrValidation)
	}
	if grant.RewardPoints <= 0 {
		return Reward{}, fmt.Errorf("%w: reward points must be positive", ErrValidation)
	}
	if category == "" {
		return Reward{}, fmt.Errorf("%w: reward category is required", ErrValidation)
	}
	description := truncate(textutil.SanitizeText(grant.Description), maxDescriptionLength)
	if description == "" {
		description = category
	}

	reward := Reward{
		ID:             s.newID(),
		Kind:           domain.RewardKindReward,
		Rewardee:       grant.Rewardee,
		RewardCategory: category,
		Description:    description,
		RewardPoints:   grant.RewardPoints,
		AddedBy:        actor.EmployeeID,
		CreatedAt:      s.clock(),
	}
	if err := s.rewards.Insert(ctx, reward); err != nil {
		return Reward{}, mapRepositoryError("reward", err)
	}
	result, err := s.credit(ctx, reward, reward.Rewardee, fmt.Sprintf("Reward %s - %s", category, description), domain.TransactionKindReward)
	if err != nil {
		return Reward{}, err
	}
	s.metrics.Incr(ctx, "rewards.granted", nil)
	return result.Reward, nil
}

func (s *redemptionService) GenerateCoupons(ctx context.Context, cmd GenerateCouponsCommand) ([]IssuedCoupon, error) {
	if !canIssueRewards(cmd.Actor) {
		return nil, fmt.Errorf("%w: only organizers may generate coupons", ErrForbidden)
	}
	category := normalizeCategory(cmd.RewardCategory)
	if category == "" {
		return nil, fmt.Errorf("%w: reward category is required", ErrValidation)
	}
	if cmd.RewardPoints <= 0 {
		return nil, fmt.Errorf("%w: reward points must be positive", ErrValidation)
	}
	if cmd.Quantity < 1 || cmd.Quantity > maxCouponBatch {
		return nil, fmt.Errorf("%w: quantity must be between 1 and %d", ErrValidation, maxCouponBatch)
	}
	description := truncate(textutil.SanitizeText(cmd.Description), maxDescriptionLength)
	if description == "" {
		description = "coupon"
	}

	issued := make([]IssuedCoupon, cmd.Quantity)
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(hashConcurrency)
	for i := range issued {
		group.Go(func() error {
			coupon, err := s.issueCoupon(groupCtx, cmd.Actor, category, description, cmd.RewardPoints)
			if err != nil {
				return err
			}
			issued[i] = coupon
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		s.withdrawCoupons(ctx, issued)
		return nil, err
	}
	s.metrics.Incr(ctx, "rewards.coupons_generated", map[string]string{"category": category})
	s.logger(ctx, "reward.coupons.generated", map[string]any{
		"category": category,
		"quantity": cmd.Quantity,
		"actorId":  cmd.Actor.EmployeeID,
	})
	return issued, nil
}

// withdrawCoupons expires the coupons of a failed batch. Their secrets are never returned, so
// leaving them claimable would strand them.
func (s *redemptionService) withdrawCoupons(ctx context.Context, issued []IssuedCoupon) {
	withdrawCtx, cancel := detached(ctx, s.compensation)
	defer cancel()
	withdrawn := 0
	for _, coupon := range issued {
		if coupon.RewardID == "" {
			continue
		}
		if _, err := s.rewards.MarkExpired(withdrawCtx, coupon.RewardID); err != nil {
			s.logger(ctx, "reward.coupons.withdraw_failed", map[string]any{
				"rewardId": coupon.RewardID,
				"error":    err.Error(),
			})
			continue
		}
		withdrawn++
	}
	if withdrawn > 0 {
		s.logger(ctx, "reward.coupons.withdrawn", map[string]any{"count": withdrawn})
	}
}

func (s *redemptionService) issueCoupon(ctx context.Context, actor Actor, category, description string, points int64) (IssuedCoupon, error) {
	secret, err := s.randomHex(couponSecretBytes)
	if err != nil {
		return IssuedCoupon{}, err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), s.cost)
	if err != nil {
		return IssuedCoupon{}, fmt.Errorf("redemption: hash secret: %w", err)
	}

	var lastErr error
	for range couponInsertTries {
		suffix, err := s.randomHex(couponCodeBytes)
		if err != nil {
			return IssuedCoupon{}, err
		}
		code := category + "-" + suffix
		reward := Reward{
			ID:             s.newID(),
			Kind:           domain.RewardKindCoupon,
			RewardCategory: category,
			Description:    description,
			RewardPoints:   points,
			AddedBy:        actor.EmployeeID,
			Coupon:         &domain.CouponDetails{CouponID: code, SecretCodeHash: string(hash)},
			CreatedAt:      s.clock(),
		}
		err = s.rewards.Insert(ctx, reward)
		if err == nil {
			return IssuedCoupon{
				RewardID:   reward.ID,
				CouponCode: code,
				SecretCode: secret,
				Points:     points,
				Category:   category,
			}, nil
		}
		lastErr = err
		if !isConflict(err) {
			break
		}
	}
	return IssuedCoupon{}, mapRepositoryError("reward", lastErr)
}

func (s *redemptionService) ListRewards(ctx context.Context, employeeID int64) ([]Reward, error) {
	if employeeID <= 0 {
		return nil, fmt.Errorf("%w: employee id is required", ErrValidation)
	}
	rewards, err := s.rewards.ListByRewardee(ctx, employeeID)
	if err != nil {
		return nil, mapRepositoryError("reward", err)
	}
	return rewards, nil
}

func (s *redemptionService) FilterRewards(ctx context.Context, filter RewardFilter) (RewardPage, error) {
	if !canIssueRewards(filter.Actor) {
		return RewardPage{}, fmt.Errorf("%w: only organizers may list rewards", ErrForbidden)
	}
	if filter.Rewardee < 0 || filter.AddedBy < 0 || filter.Offset < 0 {
		return RewardPage{}, fmt.Errorf("%w: rewardee, addedBy and offset must not be negative", ErrValidation)
	}
	if !filter.CreatedFrom.IsZero() && !filter.CreatedTo.IsZero() && !filter.CreatedTo.After(filter.CreatedFrom) {
		return RewardPage{}, fmt.Errorf("%w: end date must be after start date", ErrValidation)
	}
	category := ""
	if strings.TrimSpace(filter.Category) != "" {
		if category = normalizeCategory(filter.Category); category == "" {
			return RewardPage{}, fmt.Errorf("%w: reward category is invalid", ErrValidation)
		}
	}
	limit := filter.Limit
	switch {
	case limit <= 0:
		limit = defaultRewardPageSize
	case limit > maxRewardPageSize:
		limit = maxRewardPageSize
	}

	items, total, err := s.rewards.List(ctx, repositories.RewardListFilter{
		Rewardee:    filter.Rewardee,
		AddedBy:     filter.AddedBy,
		Category:    category,
		Redeemed:    filter.Redeemed,
		Expired:     filter.Expired,
		CreatedFrom: filter.CreatedFrom,
		CreatedTo:   filter.CreatedTo,
		Offset:      filter.Offset,
		Limit:       limit,
	})
	if err != nil {
		return RewardPage{}, mapRepositoryError("reward", err)
	}
	if items == nil {
		items = []Reward{}
	}
	return RewardPage{Items: items, Total: total}, nil
}

func (s *redemptionService) RewardCategories(ctx context.Context, actor Actor) ([]string, error) {
	if !canIssueRewards(actor) {
		return nil, fmt.Errorf("%w: only organizers may list reward categories", ErrForbidden)
	}
	categories, err := s.rewards.Categories(ctx)
	if err != nil {
		return nil, mapRepositoryError("reward", err)
	}
	return categories, nil
}

func (s *redemptionService) randomHex(n int) (string, error) {
	buf := make([]byte, n)
	s.randMu.Lock()
	_, err := io.ReadFull(s.random, buf)
	s.randMu.Unlock()
	if err != nil {
		return "", fmt.Errorf("redemption: random source: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

func canIssueRewards(actor Actor) bool {
	return actor.Role == domain.RoleHR || actor.Privileged()
}

// normalizeCategory lowercases the category and keeps letters and digits only.
func normalizeCategory(category string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(strings.TrimSpace(category)) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}
