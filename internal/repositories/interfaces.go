package repositories

import (
	"context"
	"time"

	domain "github.com/rewards-hub/api/internal/domain"
)

// Registry exposes typed repository accessors and lifecycle hooks for dependency injection.
type Registry interface {
	Close(ctx context.Context) error

	Counters() CounterRepository
	Ledger() LedgerRepository
	Orders() OrderRepository
	Products() ProductRepository
	ProductLogs() ProductLogRepository
	Rewards() RewardRepository
	Carts() CartRepository
	Schedules() ScheduleRepository
	Health() HealthRepository
}

// RepositoryError wraps low-level persistence failures with categorisation used by services.
type RepositoryError interface {
	error
	IsNotFound() bool
	IsConflict() bool
	IsUnavailable() bool
}

// CounterRepository issues sequential identifiers per named counter.
type CounterRepository interface {
	// Next increments the counter (creating it at zero when absent) and returns the new value.
	Next(ctx context.Context, name string, step int64) (int64, error)
	// Decrement lowers the counter by n without going below zero.
	Decrement(ctx context.Context, name string, n int64) error
	// Current returns the last issued value, zero when the counter does not exist yet.
	Current(ctx context.Context, name string) (int64, error)
}

// ReverseRequest describes the compensating entry for a prior transaction.
type ReverseRequest struct {
	SourceTransactionID int64
	TransactionID       int64
	Kind                domain.TransactionKind
	Description         string
	CreatedAt           time.Time
}

// LedgerRepository stores the append-only transaction log. Appends for a single employee are
// serialised by the implementation; debits that would make the balance negative fail with a
// LedgerError coded LedgerErrorInsufficientBalance.
type LedgerRepository interface {
	Append(ctx context.Context, entry domain.LedgerEntry) (domain.LedgerTransaction, error)
	// Reverse posts the inverse of the source transaction and marks the source reversed in one
	// atomic step. A second reversal fails with LedgerErrorAlreadyReversed.
	Reverse(ctx context.Context, req ReverseRequest) (domain.LedgerTransaction, error)
	Get(ctx context.Context, transactionID int64) (domain.LedgerTransaction, error)
	// Latest returns the most recent transaction for the employee; ok is false when none exist.
	Latest(ctx context.Context, employeeID int64) (domain.LedgerTransaction, bool, error)
	List(ctx context.Context, employeeID int64) ([]domain.LedgerTransaction, error)
	MarkSettled(ctx context.Context, transactionID int64) error
	ListUnsettledPurchases(ctx context.Context, createdBefore time.Time, limit int) ([]domain.LedgerTransaction, error)
	FindByRewardRef(ctx context.Context, rewardRef string) ([]domain.LedgerTransaction, error)
}

// TransitionRequest appends a history entry if the order is still in Expected status.
type TransitionRequest struct {
	OrderID       int64
	Expected      domain.OrderStatus
	Entry         domain.HistoryEntry
	RefundPending bool
}

// OrderListFilter narrows admin and employee order listings.
type OrderListFilter struct {
	EmployeeIDs []int64
	Statuses    []domain.OrderStatus
	Pagination  domain.Pagination
}

// OrderRepository persists orders together with their status histories.
type OrderRepository interface {
	// Create stores the order and its initial history atomically.
	Create(ctx context.Context, order domain.Order, history domain.OrderHistory) error
	Get(ctx context.Context, orderID int64) (domain.OrderView, error)
	// ApplyTransition is a compare-and-set on the current status; a mismatch is a conflict.
	ApplyTransition(ctx context.Context, req TransitionRequest) (domain.OrderView, error)
	SetRefundState(ctx context.Context, orderID int64, state domain.RefundState, at time.Time) error
	List(ctx context.Context, filter OrderListFilter) (domain.CursorPage[domain.OrderView], error)
	ListPendingRefunds(ctx context.Context, updatedBefore time.Time, limit int) ([]domain.Order, error)
	CountByStatus(ctx context.Context) (map[domain.OrderStatus]int, error)
}

// ProductListFilter narrows catalog listings.
type ProductListFilter struct {
	ActiveOnly bool
}

// ProductRepository persists the catalog. Titles are unique by normalised key; collisions are
// reported as conflicts.
type ProductRepository interface {
	Insert(ctx context.Context, product domain.Product, titleKey string) error
	Get(ctx context.Context, productID int64) (domain.Product, error)
	Update(ctx context.Context, product domain.Product, titleKey string) error
	// SetActive reports changed=false when the product already had the requested state.
	SetActive(ctx context.Context, productID int64, active bool, at time.Time) (changed bool, err error)
	List(ctx context.Context, filter ProductListFilter) ([]domain.Product, error)
}

// ProductLogRepository stores the product edit audit trail.
type ProductLogRepository interface {
	Insert(ctx context.Context, entry domain.ProductEditLog) error
	List(ctx context.Context, productID int64) ([]domain.ProductEditLog, error)
}

// ClaimRequest flips isRedeemed from false to true when the reward is still claimable.
type ClaimRequest struct {
	RewardID   string
	ClaimToken string
	RedeemedBy int64
	At         time.Time
}

// RewardListFilter narrows HR reward listings. Zero values match everything; Redeemed and
// Expired are tri-state.
type RewardListFilter struct {
	Rewardee    int64
	AddedBy     int64
	Category    string
	Redeemed    *bool
	Expired     *bool
	CreatedFrom time.Time
	CreatedTo   time.Time
	Offset      int
	Limit       int
}

// RewardRepository persists rewards and coupons. Claim, Release, Settle and MarkExpired are
// compare-and-set operations on the reward row.
type RewardRepository interface {
	Insert(ctx context.Context, reward domain.Reward) error
	Get(ctx context.Context, rewardID string) (domain.Reward, error)
	FindByCoupon(ctx context.Context, couponCode string) (domain.Reward, error)
	Claim(ctx context.Context, req ClaimRequest) (domain.Reward, error)
	Release(ctx context.Context, rewardID, claimToken string) error
	Settle(ctx context.Context, rewardID, claimToken string, transactionID int64) error
	// MarkExpired reports false when the reward was redeemed or already expired.
	MarkExpired(ctx context.Context, rewardID string) (bool, error)
	ListByRewardee(ctx context.Context, employeeID int64) ([]domain.Reward, error)
	ListExpirable(ctx context.Context, createdBefore time.Time, limit int) ([]domain.Reward, error)
	ListUnsettledClaims(ctx context.Context, redeemedBefore time.Time, limit int) ([]domain.Reward, error)
	// List returns one newest-first page of matching rewards and the total match count.
	List(ctx context.Context, filter RewardListFilter) ([]domain.Reward, int, error)
	// Categories returns the distinct reward categories in ascending order.
	Categories(ctx context.Context) ([]string, error)
}

// CartRepository persists per-employee carts. Get returns a not-found error for empty carts.
type CartRepository interface {
	Get(ctx context.Context, employeeID int64) (domain.Cart, error)
	Save(ctx context.Context, cart domain.Cart) error
	RemoveLines(ctx context.Context, employeeID int64, productIDs []int64) error
}

// ScheduleRepository stores the single expiration schedule.
type ScheduleRepository interface {
	GetExpiration(ctx context.Context) (domain.ExpirationSchedule, error)
	SaveExpiration(ctx context.Context, schedule domain.ExpirationSchedule) error
	DeleteExpiration(ctx context.Context) error
}

// HealthRepository exposes status of downstream dependencies for health checks.
type HealthRepository interface {
	Collect(ctx context.Context) (domain.SystemHealthReport, error)
}
