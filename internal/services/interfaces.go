package services

import (
	"context"
	"time"

	domain "github.com/rewards-hub/api/internal/domain"
)

// Type aliases expose domain models to the services package without reversing dependency direction.
type (
	Pagination         = domain.Pagination
	Actor              = domain.Actor
	Role               = domain.Role
	Product            = domain.Product
	ProductSnapshot    = domain.ProductSnapshot
	ProductEditLog     = domain.ProductEditLog
	Customisation      = domain.Customisation
	Cart               = domain.Cart
	CartLine           = domain.CartLine
	CheckoutLine       = domain.CheckoutLine
	Order              = domain.Order
	OrderStatus        = domain.OrderStatus
	OrderHistory       = domain.OrderHistory
	HistoryEntry       = domain.HistoryEntry
	OrderView          = domain.OrderView
	LedgerTransaction  = domain.LedgerTransaction
	TransactionKind    = domain.TransactionKind
	Reward             = domain.Reward
	IssuedCoupon       = domain.IssuedCoupon
	ExpirationSchedule = domain.ExpirationSchedule
	SystemHealthReport = domain.SystemHealthReport
)

// SequenceService issues human facing identifiers from named counters.
type SequenceService interface {
	Next(ctx context.Context, name string) (int64, error)
	Decrement(ctx context.Context, name string, n int64) error
	Current(ctx context.Context, name string) (int64, error)
}

// LedgerService is the only writer of point movements.
type LedgerService interface {
	Debit(ctx context.Context, cmd LedgerPostCommand) (LedgerTransaction, error)
	Credit(ctx context.Context, cmd LedgerPostCommand) (LedgerTransaction, error)
	Reverse(ctx context.Context, cmd ReverseCommand) (LedgerTransaction, error)
	CurrentBalance(ctx context.Context, employeeID int64) (int64, error)
	// StoredBalance reads the ledger head and skips the balance cache.
	StoredBalance(ctx context.Context, employeeID int64) (int64, error)
	History(ctx context.Context, employeeID int64) ([]LedgerTransaction, error)
	Replay(ctx context.Context, employeeID int64) (LedgerReplay, error)
	MarkSettled(ctx context.Context, transactionID int64) error
}

// OrderService builds orders from cart lines and drives their lifecycle.
type OrderService interface {
	Place(ctx context.Context, cmd PlaceOrderCommand) (OrderView, error)
	Checkout(ctx context.Context, cmd CheckoutCommand) (CheckoutResult, error)
	Transition(ctx context.Context, cmd TransitionCommand) (OrderView, error)
	GetOrder(ctx context.Context, actor Actor, orderID int64) (OrderView, error)
	ListOrders(ctx context.Context, filter OrderListFilter) (domain.CursorPage[OrderView], error)
	StatusCounts(ctx context.Context) (map[OrderStatus]int, error)
}

// CartService manages the per-employee cart and its read-only reconciliation against the catalog.
type CartService interface {
	GetCart(ctx context.Context, employeeID int64) (Cart, error)
	UpsertLine(ctx context.Context, cmd UpsertCartLineCommand) (Cart, error)
	RemoveLine(ctx context.Context, employeeID, productID int64) (Cart, error)
	RemoveLines(ctx context.Context, employeeID int64, productIDs []int64) error
	ClearCart(ctx context.Context, employeeID int64) error
	Validate(ctx context.Context, employeeID int64) ([]CheckoutLine, error)
}

// RedemptionService credits rewards and coupons at most once.
type RedemptionService interface {
	Claim(ctx context.Context, cmd ClaimCommand) (ClaimResult, error)
	GrantRewards(ctx context.Context, cmd GrantRewardsCommand) ([]GrantResult, error)
	GenerateCoupons(ctx context.Context, cmd GenerateCouponsCommand) ([]IssuedCoupon, error)
	ListRewards(ctx context.Context, employeeID int64) ([]Reward, error)
	FilterRewards(ctx context.Context, filter RewardFilter) (RewardPage, error)
	RewardCategories(ctx context.Context, actor Actor) ([]string, error)
}

// ExpirationService marks stale unclaimed rewards expired.
type ExpirationService interface {
	SweepExpired(ctx context.Context, cutoff time.Time) (ExpirationResult, error)
	Schedule(ctx context.Context, cmd ScheduleExpirationCommand) (ExpirationSchedule, error)
	Cancel(ctx context.Context) error
	RunDue(ctx context.Context) (bool, ExpirationResult, error)
}

// ReconciliationService repairs partially applied sagas.
type ReconciliationService interface {
	Reconcile(ctx context.Context) (ReconciliationReport, error)
}

// CatalogService manages products, their edit trail and bulk ingestion.
type CatalogService interface {
	ListProducts(ctx context.Context, activeOnly bool) ([]Product, error)
	GetProduct(ctx context.Context, productID int64) (Product, error)
	CreateProduct(ctx context.Context, cmd UpsertProductCommand) (Product, error)
	UpdateProduct(ctx context.Context, cmd UpsertProductCommand) (Product, error)
	SetProductActive(ctx context.Context, cmd SetProductActiveCommand) (Product, error)
	ListEditLogs(ctx context.Context, productID int64) ([]ProductEditLog, error)
	IngestProducts(ctx context.Context, cmd IngestProductsCommand) (IngestionReport, error)
}

// SystemService exposes runtime metadata for health endpoints.
type SystemService interface {
	HealthReport(ctx context.Context) (SystemHealthReport, error)
}

// LedgerPostCommand appends a debit or credit for an employee.
type LedgerPostCommand struct {
	EmployeeID  int64
	Amount      int64
	Description string
	Kind        TransactionKind
	OrderRef    int64
	RewardRef   string
	Settled     bool
}

// ReverseCommand requests the compensating entry for a transaction.
type ReverseCommand struct {
	TransactionID int64
	Description   string
	Kind          TransactionKind
}

// LedgerReplay compares the stored balance with the sum of signed amounts.
type LedgerReplay struct {
	EmployeeID    int64
	Entries       int
	StoredBalance int64
	ReplayBalance int64
	Consistent    bool
}

// PlaceOrderCommand turns one cart line into an order.
type PlaceOrderCommand struct {
	Actor         Actor
	ProductID     int64
	Quantity      int
	Customisation Customisation
}

// CheckoutCommand places every line of the actor's cart.
type CheckoutCommand struct {
	Actor Actor
}

// CheckoutLineResult reports the outcome of one checkout line.
type CheckoutLineResult struct {
	ProductID int64
	Order     *OrderView
	Err       error
}

// CheckoutResult carries per-line outcomes; lines fail independently.
type CheckoutResult struct {
	Lines   []CheckoutLineResult
	Placed  int
	Failed  int
	Balance int64
}

// TransitionCommand moves an order to a new status.
type TransitionCommand struct {
	Actor   Actor
	OrderID int64
	Status  OrderStatus
	Reason  string
}

// OrderListFilter narrows order listings.
type OrderListFilter struct {
	EmployeeIDs []int64
	Statuses    []OrderStatus
	Pagination  Pagination
}

// UpsertCartLineCommand adds a product to the cart or replaces its quantity.
type UpsertCartLineCommand struct {
	EmployeeID    int64
	ProductID     int64
	Quantity      int
	Customisation Customisation
}

// ClaimCommand presents a coupon code and its secret.
type ClaimCommand struct {
	Actor      Actor
	CouponCode string
	SecretCode string
}

// ClaimResult is returned to the claimant after a successful credit.
type ClaimResult struct {
	Reward      Reward
	Transaction LedgerTransaction
}

// RewardGrant credits one employee directly.
type RewardGrant struct {
	Rewardee       int64
	RewardCategory string
	Description    string
	RewardPoints   int64
}

// GrantRewardsCommand credits a batch of rewards.
type GrantRewardsCommand struct {
	Actor  Actor
	Grants []RewardGrant
}

// GrantResult reports the outcome of one grant.
type GrantResult struct {
	Grant  RewardGrant
	Reward *Reward
	Err    error
}

// GenerateCouponsCommand issues quantity coupons of the same category and value.
type GenerateCouponsCommand struct {
	Actor          Actor
	RewardCategory string
	RewardPoints   int64
	Quantity       int
	Description    string
}

// RewardFilter narrows the organizer reward listing. Nil Redeemed or Expired match both states.
type RewardFilter struct {
	Actor       Actor
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

// RewardPage is one window of a filtered listing together with the total match count.
type RewardPage struct {
	Items []Reward
	Total int
}

// ExpirationResult summarises one sweep.
type ExpirationResult struct {
	Cutoff  time.Time
	Scanned int
	Expired int
}

// ScheduleExpirationCommand persists the pending expiration sweep.
type ScheduleExpirationCommand struct {
	Actor  Actor
	Cutoff time.Time
	RunAt  time.Time
}

// ReconciliationReport counts the repairs applied by one sweep.
type ReconciliationReport struct {
	SettledDebits  int
	ReversedDebits int
	RefundsApplied int
	SettledClaims  int
	ReleasedClaims int
	Failures       int
	StartedAt      time.Time
	CompletedAt    time.Time
}

// UpsertProductCommand creates or edits a catalog product.
type UpsertProductCommand struct {
	Actor          Actor
	ProductID      int64
	Title          string
	RewardPoints   int64
	IsCustomisable bool
	ImageRef       string
}

// SetProductActiveCommand soft deletes or restores a product.
type SetProductActiveCommand struct {
	Actor     Actor
	ProductID int64
	Active    bool
}

// ProductRow is one validated ingestion row.
type ProductRow struct {
	Title          string
	RewardPoints   int64
	IsCustomisable bool
	ImageRef       string
}

// IngestProductsCommand inserts a batch of products.
type IngestProductsCommand struct {
	Actor Actor
	Rows  []ProductRow
}

// IngestionReport summarises a bulk insert.
type IngestionReport struct {
	Inserted   []Product
	Duplicates []string
	Invalid    []string
}

// Notification is handed to the dispatcher; delivery is best effort.
type Notification struct {
	ToEmployeeID int64
	TemplateKind string
	Payload      map[string]any
	OccurredAt   time.Time
}

// NotificationDispatcher delivers notifications to employees.
type NotificationDispatcher interface {
	Dispatch(ctx context.Context, notification Notification) error
}

// BalanceCache holds recently read balances; the ledger store stays authoritative.
// Set records the balance as of an account sequence and keeps an entry whose
// sequence is higher than the one offered.
type BalanceCache interface {
	Get(ctx context.Context, employeeID int64) (int64, bool, error)
	Set(ctx context.Context, employeeID int64, balance int64, sequence int64) error
	Invalidate(ctx context.Context, employeeID int64) error
}

// MetricsRecorder counts business events such as postings, placements and claims.
type MetricsRecorder interface {
	Incr(ctx context.Context, name string, attrs map[string]string)
}
