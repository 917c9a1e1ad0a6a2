package domain

import "time"

// TransactionKind enumerates ledger entry types.
type TransactionKind string

const (
	TransactionPurchase  TransactionKind = "purchase"
	TransactionGrant     TransactionKind = "subscription_grant"
	TransactionDeduction TransactionKind = "deduction"
	TransactionRefund    TransactionKind = "refund"
)

// Transaction is a single append-only ledger row. Amount is signed: negative
// for deductions, positive otherwise. BalanceAfter is the balance resulting
// from applying this row, recorded in the same atomic write.
type Transaction struct {
	ID           string
	UserID       string
	Amount       int
	Kind         TransactionKind
	Description  string
	BalanceAfter int
	CreatedAt    time.Time
}

// Validation is the result of a read-only pre-flight balance check.
type Validation struct {
	Valid     bool   `json:"valid"`
	Required  int    `json:"required"`
	Available int    `json:"available"`
	Message   string `json:"message,omitempty"`
}

// BalanceChange is pushed to ledger subscribers after any balance mutation.
type BalanceChange struct {
	UserID  string
	Balance int
	Kind    TransactionKind
}
