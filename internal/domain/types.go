package domain

import (
	"slices"
	"time"
)

// Pagination defines standard cursor-based paging inputs for list operations.
type Pagination struct {
	PageSize  int
	PageToken string
}

// CursorPage packages list results with an encoded next token.
type CursorPage[T any] struct {
	Items         []T
	NextPageToken string
}

// RangeQuery represents inclusive range filters for numeric or timestamp fields.
type RangeQuery[T comparable] struct {
	From *T
	To   *T
}

// Counter names used for human facing identifiers.
const (
	CounterOrders       = "orders"
	CounterProducts     = "products"
	CounterTransactions = "transactions"
)

// Role identifies the privilege level of an acting user.
type Role string

const (
	// RoleEmployee is the default role for people spending points.
	RoleEmployee Role = "employee"
	// RoleAdmin manages inventory and order fulfilment.
	RoleAdmin Role = "admin"
	// RoleHR grants rewards and issues coupons.
	RoleHR Role = "hr"
	// RoleSystem is used by schedulers and repair jobs.
	RoleSystem Role = "system"
)

// Actor is the identity performing an operation, supplied by the identity provider.
type Actor struct {
	EmployeeID int64
	Name       string
	Role       Role
}

// Privileged reports whether the actor may drive administrative order transitions.
func (a Actor) Privileged() bool {
	return a.Role == RoleAdmin || a.Role == RoleSystem
}

// Product is the live catalog record.
type Product struct {
	ProductID      int64
	Title          string
	RewardPoints   int64
	IsCustomisable bool
	ImageRef       string
	IsActive       bool
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Snapshot captures the product fields embedded into orders.
func (p Product) Snapshot() ProductSnapshot {
	return ProductSnapshot{
		ProductID:      p.ProductID,
		Title:          p.Title,
		RewardPoints:   p.RewardPoints,
		IsCustomisable: p.IsCustomisable,
		ImageRef:       p.ImageRef,
	}
}

// ProductSnapshot is the immutable copy of a product stored on an order.
type ProductSnapshot struct {
	ProductID      int64
	Title          string
	RewardPoints   int64
	IsCustomisable bool
	ImageRef       string
}

// ProductEditLog records an administrative product edit.
type ProductEditLog struct {
	ID        string
	ActorID   int64
	ActorName string
	ProductID int64
	Before    ProductSnapshot
	After     ProductSnapshot
	Success   bool
	At        time.Time
}

// ProductSizes lists the sizes offered for customisable products.
var ProductSizes = []string{"S", "M", "L", "XL"}

// Customisation holds optional per-line options for customisable products.
type Customisation struct {
	Size string
}

// IsZero reports whether no customisation was supplied.
func (c Customisation) IsZero() bool {
	return c.Size == ""
}

// KnownSize reports whether the size is unset or one of ProductSizes.
func (c Customisation) KnownSize() bool {
	return c.Size == "" || slices.Contains(ProductSizes, c.Size)
}

// Cart is the per-employee working set of products to redeem.
type Cart struct {
	EmployeeID int64
	Lines      []CartLine
	UpdatedAt  time.Time
}

// CartLine stores one product entry within a cart.
type CartLine struct {
	ProductID                   int64
	Quantity                    int
	RewardPointsWhenAddedToCart int64
	Customisation               Customisation
	AddedAt                     time.Time
}

// Line returns the cart line keyed by productID.
func (c Cart) Line(productID int64) (CartLine, bool) {
	for _, line := range c.Lines {
		if line.ProductID == productID {
			return line, true
		}
	}
	return CartLine{}, false
}

// CheckoutLine is a cart line annotated against the live catalog.
type CheckoutLine struct {
	Line         CartLine
	Product      *Product
	IsError      bool
	ErrorMessage string
}

// Cost returns the live cost of the line, or zero when the product is unknown.
func (l CheckoutLine) Cost() int64 {
	if l.Product == nil {
		return 0
	}
	return l.Product.RewardPoints * int64(l.Line.Quantity)
}

// OrderStatus enumerates the lifecycle states of an order.
type OrderStatus string

const (
	// OrderStatusSubmitted is the initial status of every order.
	OrderStatusSubmitted OrderStatus = "SUBMITTED"
	// OrderStatusAccepted indicates an administrator accepted the order.
	OrderStatusAccepted OrderStatus = "ACCEPTED"
	// OrderStatusRejected is terminal and refunds the order.
	OrderStatusRejected OrderStatus = "REJECTED"
	// OrderStatusCancelled is terminal and refunds the order.
	OrderStatusCancelled OrderStatus = "CANCELLED"
	// OrderStatusReadyForPickup indicates the item awaits collection.
	OrderStatusReadyForPickup OrderStatus = "READY_FOR_PICKUP"
	// OrderStatusDelivered is terminal.
	OrderStatusDelivered OrderStatus = "DELIVERED"
)

// OrderStatuses lists every legal status.
var OrderStatuses = []OrderStatus{
	OrderStatusSubmitted,
	OrderStatusAccepted,
	OrderStatusRejected,
	OrderStatusCancelled,
	OrderStatusReadyForPickup,
	OrderStatusDelivered,
}

// Refunds reports whether entering the status refunds the original debit.
func (s OrderStatus) Refunds() bool {
	return s == OrderStatusRejected || s == OrderStatusCancelled
}

// RefundState tracks the refund step of a rejected or cancelled order.
type RefundState string

const (
	RefundStateNone     RefundState = ""
	RefundStatePending  RefundState = "pending"
	RefundStateRefunded RefundState = "refunded"
)

// Order is the purchase record linked to a ledger debit and a status history.
type Order struct {
	OrderID         int64
	EmployeeID      int64
	TransactionID   int64
	Product         ProductSnapshot
	StatusRef       string
	Quantity        int
	Customisation   Customisation
	RefundState     RefundState
	CreatedAt       time.Time
	RefundUpdatedAt *time.Time
}

// Cost is the amount debited for the order.
func (o Order) Cost() int64 {
	return o.Product.RewardPoints * int64(o.Quantity)
}

// HistoryEntry is one status change within an order history.
type HistoryEntry struct {
	UserID   int64
	UserName string
	Status   OrderStatus
	Time     time.Time
	Reason   string
}

// OrderHistory is the append-only status log owned by an order.
type OrderHistory struct {
	HistoryID string
	OrderID   int64
	Status    OrderStatus
	History   []HistoryEntry
}

// OrderView joins an order with its history for read models.
type OrderView struct {
	Order   Order
	History OrderHistory
}
