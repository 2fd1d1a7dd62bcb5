package domain

import "time"

// TransactionKind classifies why a ledger entry was posted.
type TransactionKind string

const (
	TransactionKindPurchase   TransactionKind = "purchase"
	TransactionKindRefund     TransactionKind = "refund"
	TransactionKindReward     TransactionKind = "reward"
	TransactionKindCoupon     TransactionKind = "coupon"
	TransactionKindReversal   TransactionKind = "reversal"
	TransactionKindAdjustment TransactionKind = "adjustment"
)

// LedgerTransaction is one append-only point movement for an employee.
// Amount is always a positive magnitude; IsCredited carries the sign.
type LedgerTransaction struct {
	TransactionID         int64
	EmployeeID            int64
	Sequence              int64
	Description           string
	IsCredited            bool
	Amount                int64
	Balance               int64
	Kind                  TransactionKind
	OrderRef              int64
	RewardRef             string
	ReversesTransactionID int64
	ReversedBy            int64
	Settled               bool
	CreatedAt             time.Time
}

// Signed returns the amount with its ledger sign applied.
func (t LedgerTransaction) Signed() int64 {
	if t.IsCredited {
		return t.Amount
	}
	return -t.Amount
}

// Reversed reports whether a compensating entry exists for this transaction.
func (t LedgerTransaction) Reversed() bool {
	return t.ReversedBy != 0
}

// LedgerEntry describes an entry to append; the store assigns sequence and balance.
type LedgerEntry struct {
	TransactionID         int64
	EmployeeID            int64
	Description           string
	IsCredited            bool
	Amount                int64
	Kind                  TransactionKind
	OrderRef              int64
	RewardRef             string
	ReversesTransactionID int64
	Settled               bool
	CreatedAt             time.Time
}
