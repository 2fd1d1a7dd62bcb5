package handlers

import (
	"time"

	domain "github.com/rewards-hub/api/internal/domain"
)

type productPayload struct {
	ProductID      int64  `json:"productId"`
	Title          string `json:"title"`
	RewardPoints   int64  `json:"rewardPoints"`
	IsCustomisable bool   `json:"isCustomisable"`
	ImageRef       string `json:"imageRef,omitempty"`
	IsActive       bool   `json:"isActive"`
	CreatedAt      string `json:"createdAt"`
	UpdatedAt      string `json:"updatedAt"`
}

func buildProductPayload(p domain.Product) productPayload {
	return productPayload{
		ProductID:      p.ProductID,
		Title:          p.Title,
		RewardPoints:   p.RewardPoints,
		IsCustomisable: p.IsCustomisable,
		ImageRef:       p.ImageRef,
		IsActive:       p.IsActive,
		CreatedAt:      formatTime(p.CreatedAt),
		UpdatedAt:      formatTime(p.UpdatedAt),
	}
}

type transactionPayload struct {
	TransactionID int64  `json:"transactionId"`
	Sequence      int64  `json:"sequence"`
	Description   string `json:"description"`
	IsCredited    bool   `json:"isCredited"`
	Amount        int64  `json:"amount"`
	Balance       int64  `json:"balance"`
	Kind          string `json:"kind"`
	OrderRef      int64  `json:"orderRef,omitempty"`
	Reverses      int64  `json:"reversesTransactionId,omitempty"`
	ReversedBy    int64  `json:"reversedBy,omitempty"`
	CreatedAt     string `json:"createdAt"`
}

func buildTransactionPayload(t domain.LedgerTransaction) transactionPayload {
	return transactionPayload{
		TransactionID: t.TransactionID,
		Sequence:      t.Sequence,
		Description:   t.Description,
		IsCredited:    t.IsCredited,
		Amount:        t.Amount,
		Balance:       t.Balance,
		Kind:          string(t.Kind),
		OrderRef:      t.OrderRef,
		Reverses:      t.ReversesTransactionID,
		ReversedBy:    t.ReversedBy,
		CreatedAt:     formatTime(t.CreatedAt),
	}
}

type historyEntryPayload struct {
	UserID   int64  `json:"userId"`
	UserName string `json:"userName,omitempty"`
	Status   string `json:"status"`
	Time     string `json:"time"`
	Reason   string `json:"reason,omitempty"`
}

type orderPayload struct {
	OrderID       int64                 `json:"orderId"`
	EmployeeID    int64                 `json:"employeeId"`
	TransactionID int64                 `json:"transactionId"`
	Product       productSnapshotJSON   `json:"product"`
	Quantity      int                   `json:"quantity"`
	Size          string                `json:"size,omitempty"`
	Status        string                `json:"status"`
	Cost          int64                 `json:"cost"`
	RefundState   string                `json:"refundState,omitempty"`
	History       []historyEntryPayload `json:"history"`
	CreatedAt     string                `json:"createdAt"`
}

type productSnapshotJSON struct {
	ProductID      int64  `json:"productId"`
	Title          string `json:"title"`
	RewardPoints   int64  `json:"rewardPoints"`
	IsCustomisable bool   `json:"isCustomisable"`
	ImageRef       string `json:"imageRef,omitempty"`
}

func buildOrderPayload(view domain.OrderView) orderPayload {
	order := view.Order
	history := make([]historyEntryPayload, 0, len(view.History.History))
	for _, entry := range view.History.History {
		history = append(history, historyEntryPayload{
			UserID:   entry.UserID,
			UserName: entry.UserName,
			Status:   string(entry.Status),
			Time:     formatTime(entry.Time),
			Reason:   entry.Reason,
		})
	}
	return orderPayload{
		OrderID:       order.OrderID,
		EmployeeID:    order.EmployeeID,
		TransactionID: order.TransactionID,
		Product:       snapshotJSON(order.Product),
		Quantity:      order.Quantity,
		Size:          order.Customisation.Size,
		Status:        string(view.History.Status),
		Cost:          order.Cost(),
		RefundState:   string(order.RefundState),
		History:       history,
		CreatedAt:     formatTime(order.CreatedAt),
	}
}

type rewardPayload struct {
	ID             string `json:"id"`
	Kind           string `json:"kind"`
	Rewardee       int64  `json:"rewardee,omitempty"`
	RewardCategory string `json:"rewardCategory"`
	Description    string `json:"description,omitempty"`
	RewardPoints   int64  `json:"rewardPoints"`
	CouponCode     string `json:"couponCode,omitempty"`
	IsRedeemed     bool   `json:"isRedeemed"`
	RedeemedBy     int64  `json:"redeemedBy,omitempty"`
	RedeemedAt     string `json:"redeemedAt,omitempty"`
	IsExpired      bool   `json:"isExpired"`
	TransactionID  int64  `json:"transactionId,omitempty"`
	CreatedAt      string `json:"createdAt"`
}

func buildRewardPayload(r domain.Reward) rewardPayload {
	payload := rewardPayload{
		ID:             r.ID,
		Kind:           string(r.Kind),
		Rewardee:       r.Rewardee,
		RewardCategory: r.RewardCategory,
		Description:    r.Description,
		RewardPoints:   r.RewardPoints,
		CouponCode:     r.CouponCode(),
		IsRedeemed:     r.IsRedeemed,
		RedeemedBy:     r.RedeemedBy,
		IsExpired:      r.IsExpired,
		TransactionID:  r.TransactionID,
		CreatedAt:      formatTime(r.CreatedAt),
	}
	if r.RedeemedAt != nil {
		payload.RedeemedAt = formatTime(*r.RedeemedAt)
	}
	return payload
}

type cartLinePayload struct {
	ProductID    int64  `json:"productId"`
	Quantity     int    `json:"quantity"`
	Size         string `json:"size,omitempty"`
	PointsAtAdd  int64  `json:"rewardPointsWhenAddedToCart"`
	AddedAt      string `json:"addedAt"`
	IsError      bool   `json:"isError,omitempty"`
	ErrorMessage string `json:"errorMessage,omitempty"`
	LiveCost     *int64 `json:"liveCost,omitempty"`
}

type cartPayload struct {
	Lines     []cartLinePayload `json:"lines"`
	Total     int64             `json:"total"`
	UpdatedAt string            `json:"updatedAt,omitempty"`
}

func buildCartPayload(cart domain.Cart) cartPayload {
	lines := make([]cartLinePayload, 0, len(cart.Lines))
	var total int64
	for _, line := range cart.Lines {
		lines = append(lines, buildCartLine(line))
		total += line.RewardPointsWhenAddedToCart * int64(line.Quantity)
	}
	return cartPayload{Lines: lines, Total: total, UpdatedAt: formatTime(cart.UpdatedAt)}
}

func buildCartLine(line domain.CartLine) cartLinePayload {
	return cartLinePayload{
		ProductID:   line.ProductID,
		Quantity:    line.Quantity,
		Size:        line.Customisation.Size,
		PointsAtAdd: line.RewardPointsWhenAddedToCart,
		AddedAt:     formatTime(line.AddedAt),
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
