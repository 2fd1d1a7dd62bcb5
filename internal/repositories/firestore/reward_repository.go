package firestore

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"cloud.google.com/go/firestore/apiv1/firestorepb"

	domain "github.com/rewards-hub/api/internal/domain"
	pfirestore "github.com/rewards-hub/api/internal/platform/firestore"
	"github.com/rewards-hub/api/internal/repositories"
)

// RewardRepository stores rewards with a couponCodes index keyed by the lower-cased code.
type RewardRepository struct {
	provider *pfirestore.Provider
	rewards  *pfirestore.Collection[rewardDocument]
	coupons  *pfirestore.Collection[couponDocument]
}

// NewRewardRepository constructs a Firestore-backed reward store.
func NewRewardRepository(provider *pfirestore.Provider) (*RewardRepository, error) {
	if provider == nil {
		return nil, errors.New("reward repository requires firestore provider")
	}
	return &RewardRepository{
		provider: provider,
		rewards:  pfirestore.NewCollection[rewardDocument](provider, rewardsCollection),
		coupons:  pfirestore.NewCollection[couponDocument](provider, couponCodesCollection),
	}, nil
}

func couponKey(code string) string {
	return strings.ToLower(strings.TrimSpace(code))
}

func (r *RewardRepository) Insert(ctx context.Context, reward domain.Reward) error {
	rewardRef, err := r.rewards.Doc(ctx, reward.ID)
	if err != nil {
		return err
	}
	var couponRef *firestore.DocumentRef
	if code := reward.CouponCode(); code != "" {
		if couponRef, err = r.coupons.Doc(ctx, couponKey(code)); err != nil {
			return err
		}
	}
	return r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		if _, exists, err := pfirestore.GetTx[rewardDocument](tx, rewardRef); err != nil {
			return err
		} else if exists {
			return repositories.ConflictError("rewards.insert", "reward %s already exists", reward.ID)
		}
		if couponRef != nil {
			if _, taken, err := pfirestore.GetTx[couponDocument](tx, couponRef); err != nil {
				return err
			} else if taken {
				return repositories.ConflictError("rewards.insert", "coupon %s already exists", reward.CouponCode())
			}
			if err := tx.Create(couponRef, couponDocument{RewardID: reward.ID}); err != nil {
				return err
			}
		}
		return tx.Create(rewardRef, encodeReward(reward))
	})
}

func (r *RewardRepository) Get(ctx context.Context, rewardID string) (domain.Reward, error) {
	doc, err := r.rewards.Get(ctx, rewardID)
	if err != nil {
		return domain.Reward{}, err
	}
	return doc.domain(), nil
}

func (r *RewardRepository) FindByCoupon(ctx context.Context, couponCode string) (domain.Reward, error) {
	key := couponKey(couponCode)
	if key == "" {
		return domain.Reward{}, repositories.NotFoundError("rewards.coupon", "coupon code is empty")
	}
	index, err := r.coupons.Get(ctx, key)
	if err != nil {
		return domain.Reward{}, err
	}
	return r.Get(ctx, index.RewardID)
}

// mutate runs fn against the reward inside a transaction and writes the result back unless
// fn reports there is nothing to store.
func (r *RewardRepository) mutate(ctx context.Context, op, rewardID string, fn func(*rewardDocument) (bool, error)) (domain.Reward, error) {
	ref, err := r.rewards.Doc(ctx, rewardID)
	if err != nil {
		return domain.Reward{}, err
	}
	var result rewardDocument
	err = r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		doc, found, err := pfirestore.GetTx[rewardDocument](tx, ref)
		if err != nil {
			return err
		}
		if !found {
			return repositories.NotFoundError(op, "reward %s not found", rewardID)
		}
		write, err := fn(&doc)
		if err != nil {
			return err
		}
		result = doc
		if !write {
			return nil
		}
		return tx.Set(ref, doc)
	})
	if err != nil {
		return domain.Reward{}, err
	}
	return result.domain(), nil
}

func (r *RewardRepository) Claim(ctx context.Context, req repositories.ClaimRequest) (domain.Reward, error) {
	return r.mutate(ctx, "rewards.claim", req.RewardID, func(doc *rewardDocument) (bool, error) {
		switch {
		case doc.IsRedeemed:
			return false, &repositories.RewardError{Code: repositories.RewardErrorAlreadyRedeemed, RewardID: doc.ID}
		case doc.IsExpired:
			return false, &repositories.RewardError{Code: repositories.RewardErrorExpired, RewardID: doc.ID}
		}
		at := req.At.UTC()
		doc.IsRedeemed = true
		doc.RedeemedBy = req.RedeemedBy
		doc.RedeemedAt = &at
		doc.ClaimToken = req.ClaimToken
		return true, nil
	})
}

func (r *RewardRepository) Release(ctx context.Context, rewardID, claimToken string) error {
	_, err := r.mutate(ctx, "rewards.release", rewardID, func(doc *rewardDocument) (bool, error) {
		if !doc.IsRedeemed || doc.ClaimToken != claimToken || doc.TransactionID != 0 {
			return false, &repositories.RewardError{Code: repositories.RewardErrorClaimMismatch, RewardID: rewardID}
		}
		doc.IsRedeemed = false
		doc.RedeemedBy = 0
		doc.RedeemedAt = nil
		doc.ClaimToken = ""
		return true, nil
	})
	return err
}

func (r *RewardRepository) Settle(ctx context.Context, rewardID, claimToken string, transactionID int64) error {
	_, err := r.mutate(ctx, "rewards.settle", rewardID, func(doc *rewardDocument) (bool, error) {
		if !doc.IsRedeemed || doc.ClaimToken != claimToken {
			return false, &repositories.RewardError{Code: repositories.RewardErrorClaimMismatch, RewardID: rewardID}
		}
		doc.TransactionID = transactionID
		return true, nil
	})
	return err
}

func (r *RewardRepository) MarkExpired(ctx context.Context, rewardID string) (bool, error) {
	var expired bool
	_, err := r.mutate(ctx, "rewards.expire", rewardID, func(doc *rewardDocument) (bool, error) {
		if doc.IsRedeemed || doc.IsExpired {
			return false, nil
		}
		doc.IsExpired = true
		expired = true
		return true, nil
	})
	if err != nil {
		return false, err
	}
	return expired, nil
}

// ListByRewardee merges rewards granted to the employee with coupons the employee claimed.
func (r *RewardRepository) ListByRewardee(ctx context.Context, employeeID int64) ([]domain.Reward, error) {
	collection, err := r.rewards.Ref(ctx)
	if err != nil {
		return nil, err
	}
	granted, err := pfirestore.All[rewardDocument](ctx, "rewards.by_rewardee", collection.Where("rewardee", "==", employeeID))
	if err != nil {
		return nil, err
	}
	claimed, err := pfirestore.All[rewardDocument](ctx, "rewards.by_redeemer", collection.Where("redeemedBy", "==", employeeID))
	if err != nil {
		return nil, err
	}

	seen := make(map[string]struct{}, len(granted)+len(claimed))
	var out []domain.Reward
	for _, doc := range slices.Concat(granted, claimed) {
		if _, dup := seen[doc.ID]; dup {
			continue
		}
		seen[doc.ID] = struct{}{}
		out = append(out, doc.domain())
	}
	slices.SortFunc(out, func(a, b domain.Reward) int { return strings.Compare(a.ID, b.ID) })
	return out, nil
}

func (r *RewardRepository) ListExpirable(ctx context.Context, createdBefore time.Time, limit int) ([]domain.Reward, error) {
	collection, err := r.rewards.Ref(ctx)
	if err != nil {
		return nil, err
	}
	query := collection.
		Where("isRedeemed", "==", false).
		Where("isExpired", "==", false).
		Where("createdAt", "<", createdBefore.UTC()).
		OrderBy("createdAt", firestore.Asc)
	return r.list(ctx, "rewards.expirable", query, limit)
}

func (r *RewardRepository) ListUnsettledClaims(ctx context.Context, redeemedBefore time.Time, limit int) ([]domain.Reward, error) {
	collection, err := r.rewards.Ref(ctx)
	if err != nil {
		return nil, err
	}
	query := collection.
		Where("isRedeemed", "==", true).
		Where("transactionId", "==", int64(0)).
		Where("redeemedAt", "<", redeemedBefore.UTC()).
		OrderBy("redeemedAt", firestore.Asc)
	return r.list(ctx, "rewards.unsettled", query, limit)
}

func (r *RewardRepository) List(ctx context.Context, filter repositories.RewardListFilter) ([]domain.Reward, int, error) {
	collection, err := r.rewards.Ref(ctx)
	if err != nil {
		return nil, 0, err
	}
	query := collection.Query
	if filter.Rewardee != 0 {
		query = query.Where("rewardee", "==", filter.Rewardee)
	}
	if filter.AddedBy != 0 {
		query = query.Where("addedBy", "==", filter.AddedBy)
	}
	if filter.Category != "" {
		query = query.Where("rewardCategory", "==", filter.Category)
	}
	if filter.Redeemed != nil {
		query = query.Where("isRedeemed", "==", *filter.Redeemed)
	}
	if filter.Expired != nil {
		query = query.Where("isExpired", "==", *filter.Expired)
	}
	if !filter.CreatedFrom.IsZero() {
		query = query.Where("createdAt", ">=", filter.CreatedFrom.UTC())
	}
	if !filter.CreatedTo.IsZero() {
		query = query.Where("createdAt", "<", filter.CreatedTo.UTC())
	}

	result, err := query.NewAggregationQuery().WithCount("total").Get(ctx)
	if err != nil {
		return nil, 0, pfirestore.WrapError("rewards.count", err)
	}
	count, ok := result["total"].(*firestorepb.Value)
	if !ok {
		return nil, 0, &repositories.StoreError{Op: "rewards.count", Err: fmt.Errorf("unexpected count result %T", result["total"])}
	}

	query = query.OrderBy("createdAt", firestore.Desc).OrderBy("id", firestore.Desc)
	if filter.Offset > 0 {
		query = query.Offset(filter.Offset)
	}
	rewards, err := r.list(ctx, "rewards.list", query, filter.Limit)
	if err != nil {
		return nil, 0, err
	}
	return rewards, int(count.GetIntegerValue()), nil
}

// Categories scans only the category field; Firestore has no distinct projection.
func (r *RewardRepository) Categories(ctx context.Context) ([]string, error) {
	collection, err := r.rewards.Ref(ctx)
	if err != nil {
		return nil, err
	}
	docs, err := pfirestore.All[rewardDocument](ctx, "rewards.categories", collection.Select("rewardCategory"))
	if err != nil {
		return nil, err
	}
	categories := make([]string, 0)
	for _, doc := range docs {
		if doc.RewardCategory != "" && !slices.Contains(categories, doc.RewardCategory) {
			categories = append(categories, doc.RewardCategory)
		}
	}
	slices.Sort(categories)
	return categories, nil
}

func (r *RewardRepository) list(ctx context.Context, op string, query firestore.Query, limit int) ([]domain.Reward, error) {
	if limit > 0 {
		query = query.Limit(limit)
	}
	docs, err := pfirestore.All[rewardDocument](ctx, op, query)
	if err != nil {
		return nil, err
	}
	out := make([]domain.Reward, 0, len(docs))
	for _, doc := range docs {
		out = append(out, doc.domain())
	}
	return out, nil
}
