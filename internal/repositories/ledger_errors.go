package repositories

import (
	"errors"
	"fmt"
)

// LedgerErrorCode enumerates business-rule rejections raised by ledger stores.
type LedgerErrorCode string

const (
	// LedgerErrorInsufficientBalance rejects a debit that would make the balance negative.
	LedgerErrorInsufficientBalance LedgerErrorCode = "ledger_insufficient_balance"
	// LedgerErrorAlreadyReversed rejects a second reversal of the same source transaction.
	LedgerErrorAlreadyReversed LedgerErrorCode = "ledger_already_reversed"
	// LedgerErrorNotReversible rejects reversing a compensating entry.
	LedgerErrorNotReversible LedgerErrorCode = "ledger_not_reversible"
)

// LedgerError carries the rejected transaction details.
type LedgerError struct {
	Code          LedgerErrorCode
	EmployeeID    int64
	TransactionID int64
	Balance       int64
	Requested     int64
}

// Error implements the error interface.
func (e *LedgerError) Error() string {
	if e == nil {
		return ""
	}
	switch e.Code {
	case LedgerErrorInsufficientBalance:
		return fmt.Sprintf("ledger: employee %d balance %d below requested %d", e.EmployeeID, e.Balance, e.Requested)
	case LedgerErrorAlreadyReversed:
		return fmt.Sprintf("ledger: transaction %d already reversed", e.TransactionID)
	case LedgerErrorNotReversible:
		return fmt.Sprintf("ledger: transaction %d is itself a reversal", e.TransactionID)
	}
	return string(e.Code)
}

// LedgerErrorCodeOf returns the ledger code carried by err, if any.
func LedgerErrorCodeOf(err error) (LedgerErrorCode, bool) {
	var ledgerErr *LedgerError
	if errors.As(err, &ledgerErr) {
		return ledgerErr.Code, true
	}
	return "", false
}
