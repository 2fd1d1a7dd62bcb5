package firestore

import (
	"strconv"
	"time"

	domain "github.com/rewards-hub/api/internal/domain"
)

const (
	countersCollection       = "counters"
	ledgerAccountsCollection = "ledgerAccounts"
	transactionsCollection   = "ledgerTransactions"
	ordersCollection         = "orders"
	historiesCollection      = "orderHistories"
	productsCollection       = "products"
	productTitlesCollection  = "productTitles"
	productLogsCollection    = "productEditLogs"
	rewardsCollection        = "rewards"
	couponCodesCollection    = "couponCodes"
	cartsCollection          = "carts"
	schedulesCollection      = "schedules"

	expirationScheduleID = "expiration"
)

func intID(id int64) string {
	return strconv.FormatInt(id, 10)
}

type transactionDocument struct {
	TransactionID         int64     `firestore:"transactionId"`
	EmployeeID            int64     `firestore:"employeeId"`
	Sequence              int64     `firestore:"sequence"`
	Description           string    `firestore:"description"`
	IsCredited            bool      `firestore:"isCredited"`
	Amount                int64     `firestore:"amount"`
	Balance               int64     `firestore:"balance"`
	Kind                  string    `firestore:"kind"`
	OrderRef              int64     `firestore:"orderRef"`
	RewardRef             string    `firestore:"rewardRef"`
	ReversesTransactionID int64     `firestore:"reversesTransactionId"`
	ReversedBy            int64     `firestore:"reversedBy"`
	Settled               bool      `firestore:"settled"`
	CreatedAt             time.Time `firestore:"createdAt"`
}

func encodeTransaction(t domain.LedgerTransaction) transactionDocument {
	return transactionDocument{
		TransactionID:         t.TransactionID,
		EmployeeID:            t.EmployeeID,
		Sequence:              t.Sequence,
		Description:           t.Description,
		IsCredited:            t.IsCredited,
		Amount:                t.Amount,
		Balance:               t.Balance,
		Kind:                  string(t.Kind),
		OrderRef:              t.OrderRef,
		RewardRef:             t.RewardRef,
		ReversesTransactionID: t.ReversesTransactionID,
		ReversedBy:            t.ReversedBy,
		Settled:               t.Settled,
		CreatedAt:             t.CreatedAt.UTC(),
	}
}

func (d transactionDocument) domain() domain.LedgerTransaction {
	return domain.LedgerTransaction{
		TransactionID:         d.TransactionID,
		EmployeeID:            d.EmployeeID,
		Sequence:              d.Sequence,
		Description:           d.Description,
		IsCredited:            d.IsCredited,
		Amount:                d.Amount,
		Balance:               d.Balance,
		Kind:                  domain.TransactionKind(d.Kind),
		OrderRef:              d.OrderRef,
		RewardRef:             d.RewardRef,
		ReversesTransactionID: d.ReversesTransactionID,
		ReversedBy:            d.ReversedBy,
		Settled:               d.Settled,
		CreatedAt:             d.CreatedAt,
	}
}

// accountDocument is the per-employee ledger head. Every append reads and rewrites it, which
// serialises appends for one employee through Firestore transaction contention.
type accountDocument struct {
	EmployeeID int64     `firestore:"employeeId"`
	Balance    int64     `firestore:"balance"`
	Sequence   int64     `firestore:"sequence"`
	UpdatedAt  time.Time `firestore:"updatedAt"`
}

type snapshotDocument struct {
	ProductID      int64  `firestore:"productId"`
	Title          string `firestore:"title"`
	RewardPoints   int64  `firestore:"rewardPoints"`
	IsCustomisable bool   `firestore:"isCustomisable"`
	ImageRef       string `firestore:"imageRef,omitempty"`
}

func encodeSnapshot(s domain.ProductSnapshot) snapshotDocument {
	return snapshotDocument{
		ProductID:      s.ProductID,
		Title:          s.Title,
		RewardPoints:   s.RewardPoints,
		IsCustomisable: s.IsCustomisable,
		ImageRef:       s.ImageRef,
	}
}

func (d snapshotDocument) domain() domain.ProductSnapshot {
	return domain.ProductSnapshot{
		ProductID:      d.ProductID,
		Title:          d.Title,
		RewardPoints:   d.RewardPoints,
		IsCustomisable: d.IsCustomisable,
		ImageRef:       d.ImageRef,
	}
}

type orderDocument struct {
	OrderID         int64            `firestore:"orderId"`
	EmployeeID      int64            `firestore:"employeeId"`
	TransactionID   int64            `firestore:"transactionId"`
	Product         snapshotDocument `firestore:"product"`
	StatusRef       string           `firestore:"statusRef"`
	Status          string           `firestore:"status"`
	Quantity        int              `firestore:"quantity"`
	Size            string           `firestore:"size,omitempty"`
	RefundState     string           `firestore:"refundState"`
	CreatedAt       time.Time        `firestore:"createdAt"`
	RefundUpdatedAt *time.Time       `firestore:"refundUpdatedAt,omitempty"`
}

func encodeOrder(o domain.Order, status domain.OrderStatus) orderDocument {
	return orderDocument{
		OrderID:         o.OrderID,
		EmployeeID:      o.EmployeeID,
		TransactionID:   o.TransactionID,
		Product:         encodeSnapshot(o.Product),
		StatusRef:       o.StatusRef,
		Status:          string(status),
		Quantity:        o.Quantity,
		Size:            o.Customisation.Size,
		RefundState:     string(o.RefundState),
		CreatedAt:       o.CreatedAt.UTC(),
		RefundUpdatedAt: o.RefundUpdatedAt,
	}
}

func (d orderDocument) domain() domain.Order {
	return domain.Order{
		OrderID:         d.OrderID,
		EmployeeID:      d.EmployeeID,
		TransactionID:   d.TransactionID,
		Product:         d.Product.domain(),
		StatusRef:       d.StatusRef,
		Quantity:        d.Quantity,
		Customisation:   domain.Customisation{Size: d.Size},
		RefundState:     domain.RefundState(d.RefundState),
		CreatedAt:       d.CreatedAt,
		RefundUpdatedAt: d.RefundUpdatedAt,
	}
}

type historyEntryDocument struct {
	UserID   int64     `firestore:"userId"`
	UserName string    `firestore:"userName"`
	Status   string    `firestore:"status"`
	Time     time.Time `firestore:"time"`
	Reason   string    `firestore:"reason,omitempty"`
}

type historyDocument struct {
	HistoryID string                 `firestore:"historyId"`
	OrderID   int64                  `firestore:"orderId"`
	Status    string                 `firestore:"status"`
	History   []historyEntryDocument `firestore:"history"`
}

func encodeHistory(h domain.OrderHistory) historyDocument {
	doc := historyDocument{HistoryID: h.HistoryID, OrderID: h.OrderID, Status: string(h.Status)}
	for _, entry := range h.History {
		doc.History = append(doc.History, encodeHistoryEntry(entry))
	}
	return doc
}

func encodeHistoryEntry(e domain.HistoryEntry) historyEntryDocument {
	return historyEntryDocument{UserID: e.UserID, UserName: e.UserName, Status: string(e.Status), Time: e.Time.UTC(), Reason: e.Reason}
}

func (d historyDocument) domain() domain.OrderHistory {
	history := domain.OrderHistory{HistoryID: d.HistoryID, OrderID: d.OrderID, Status: domain.OrderStatus(d.Status)}
	for _, entry := range d.History {
		history.History = append(history.History, domain.HistoryEntry{
			UserID:   entry.UserID,
			UserName: entry.UserName,
			Status:   domain.OrderStatus(entry.Status),
			Time:     entry.Time,
			Reason:   entry.Reason,
		})
	}
	return history
}

type productDocument struct {
	ProductID      int64     `firestore:"productId"`
	Title          string    `firestore:"title"`
	TitleKey       string    `firestore:"titleKey"`
	RewardPoints   int64     `firestore:"rewardPoints"`
	IsCustomisable bool      `firestore:"isCustomisable"`
	ImageRef       string    `firestore:"imageRef,omitempty"`
	IsActive       bool      `firestore:"isActive"`
	CreatedAt      time.Time `firestore:"createdAt"`
	UpdatedAt      time.Time `firestore:"updatedAt"`
}

func encodeProduct(p domain.Product, titleKey string) productDocument {
	return productDocument{
		ProductID:      p.ProductID,
		Title:          p.Title,
		TitleKey:       titleKey,
		RewardPoints:   p.RewardPoints,
		IsCustomisable: p.IsCustomisable,
		ImageRef:       p.ImageRef,
		IsActive:       p.IsActive,
		CreatedAt:      p.CreatedAt.UTC(),
		UpdatedAt:      p.UpdatedAt.UTC(),
	}
}

func (d productDocument) domain() domain.Product {
	return domain.Product{
		ProductID:      d.ProductID,
		Title:          d.Title,
		RewardPoints:   d.RewardPoints,
		IsCustomisable: d.IsCustomisable,
		ImageRef:       d.ImageRef,
		IsActive:       d.IsActive,
		CreatedAt:      d.CreatedAt,
		UpdatedAt:      d.UpdatedAt,
	}
}

type titleDocument struct {
	ProductID int64 `firestore:"productId"`
}

type productLogDocument struct {
	ID        string           `firestore:"id"`
	ActorID   int64            `firestore:"actorId"`
	ActorName string           `firestore:"actorName"`
	ProductID int64            `firestore:"productId"`
	Before    snapshotDocument `firestore:"before"`
	After     snapshotDocument `firestore:"after"`
	Success   bool             `firestore:"success"`
	At        time.Time        `firestore:"at"`
}

func (d productLogDocument) domain() domain.ProductEditLog {
	return domain.ProductEditLog{
		ID:        d.ID,
		ActorID:   d.ActorID,
		ActorName: d.ActorName,
		ProductID: d.ProductID,
		Before:    d.Before.domain(),
		After:     d.After.domain(),
		Success:   d.Success,
		At:        d.At,
	}
}

type rewardDocument struct {
	ID             string     `firestore:"id"`
	Kind           string     `firestore:"kind"`
	Rewardee       int64      `firestore:"rewardee"`
	RewardCategory string     `firestore:"rewardCategory"`
	Description    string     `firestore:"description"`
	RewardPoints   int64      `firestore:"rewardPoints"`
	AddedBy        int64      `firestore:"addedBy"`
	TransactionID  int64      `firestore:"transactionId"`
	CouponID       string     `firestore:"couponId,omitempty"`
	SecretCodeHash string     `firestore:"secretCodeHash,omitempty"`
	IsRedeemed     bool       `firestore:"isRedeemed"`
	RedeemedBy     int64      `firestore:"redeemedBy"`
	RedeemedAt     *time.Time `firestore:"redeemedAt"`
	ClaimToken     string     `firestore:"claimToken"`
	IsExpired      bool       `firestore:"isExpired"`
	CreatedAt      time.Time  `firestore:"createdAt"`
}

func encodeReward(r domain.Reward) rewardDocument {
	doc := rewardDocument{
		ID:             r.ID,
		Kind:           string(r.Kind),
		Rewardee:       r.Rewardee,
		RewardCategory: r.RewardCategory,
		Description:    r.Description,
		RewardPoints:   r.RewardPoints,
		AddedBy:        r.AddedBy,
		TransactionID:  r.TransactionID,
		IsRedeemed:     r.IsRedeemed,
		RedeemedBy:     r.RedeemedBy,
		RedeemedAt:     r.RedeemedAt,
		ClaimToken:     r.ClaimToken,
		IsExpired:      r.IsExpired,
		CreatedAt:      r.CreatedAt.UTC(),
	}
	if r.Coupon != nil {
		doc.CouponID = r.Coupon.CouponID
		doc.SecretCodeHash = r.Coupon.SecretCodeHash
	}
	return doc
}

func (d rewardDocument) domain() domain.Reward {
	reward := domain.Reward{
		ID:             d.ID,
		Kind:           domain.RewardKind(d.Kind),
		Rewardee:       d.Rewardee,
		RewardCategory: d.RewardCategory,
		Description:    d.Description,
		RewardPoints:   d.RewardPoints,
		AddedBy:        d.AddedBy,
		TransactionID:  d.TransactionID,
		IsRedeemed:     d.IsRedeemed,
		RedeemedBy:     d.RedeemedBy,
		RedeemedAt:     d.RedeemedAt,
		ClaimToken:     d.ClaimToken,
		IsExpired:      d.IsExpired,
		CreatedAt:      d.CreatedAt,
	}
	if d.CouponID != "" {
		reward.Coupon = &domain.CouponDetails{CouponID: d.CouponID, SecretCodeHash: d.SecretCodeHash}
	}
	return reward
}

type couponDocument struct {
	RewardID string `firestore:"rewardId"`
}

type cartLineDocument struct {
	ProductID    int64     `firestore:"productId"`
	Quantity     int       `firestore:"quantity"`
	RewardPoints int64     `firestore:"rewardPointsWhenAddedToCart"`
	Size         string    `firestore:"size,omitempty"`
	AddedAt      time.Time `firestore:"addedAt"`
}

type cartDocument struct {
	EmployeeID int64              `firestore:"employeeId"`
	Lines      []cartLineDocument `firestore:"lines"`
	UpdatedAt  time.Time          `firestore:"updatedAt"`
}

func encodeCart(c domain.Cart) cartDocument {
	doc := cartDocument{EmployeeID: c.EmployeeID, UpdatedAt: c.UpdatedAt.UTC(), Lines: []cartLineDocument{}}
	for _, line := range c.Lines {
		doc.Lines = append(doc.Lines, cartLineDocument{
			ProductID:    line.ProductID,
			Quantity:     line.Quantity,
			RewardPoints: line.RewardPointsWhenAddedToCart,
			Size:         line.Customisation.Size,
			AddedAt:      line.AddedAt.UTC(),
		})
	}
	return doc
}

func (d cartDocument) domain() domain.Cart {
	cart := domain.Cart{EmployeeID: d.EmployeeID, UpdatedAt: d.UpdatedAt}
	for _, line := range d.Lines {
		cart.Lines = append(cart.Lines, domain.CartLine{
			ProductID:                   line.ProductID,
			Quantity:                    line.Quantity,
			RewardPointsWhenAddedToCart: line.RewardPoints,
			Customisation:               domain.Customisation{Size: line.Size},
			AddedAt:                     line.AddedAt,
		})
	}
	return cart
}

type scheduleDocument struct {
	Cutoff    time.Time `firestore:"cutoff"`
	RunAt     time.Time `firestore:"runAt"`
	CreatedBy int64     `firestore:"createdBy"`
	CreatedAt time.Time `firestore:"createdAt"`
}
