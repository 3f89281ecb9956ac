package model

import "time"

// CreditBalance tracks per-user spend allowance.
// Invariant: neither bucket goes negative; free is depleted before purchased.
type CreditBalance struct {
	UserID          int64     `json:"user_id"`
	FreeCents       int64     `json:"free_cents"`
	PurchasedCents  int64     `json:"purchased_cents"`
	LastFreeReset   time.Time `json:"last_free_reset"` // UTC midnight boundary
	UpdatedAt       time.Time `json:"updated_at"`
}

// TotalCents returns the combined spendable balance.
func (b *CreditBalance) TotalCents() int64 {
	return b.FreeCents + b.PurchasedCents
}

// CreditTransactionType classifies ledger entries.
type CreditTransactionType string

const (
	TransactionTypeMessageGeneration CreditTransactionType = "message_generation"
	TransactionTypeDailyReset        CreditTransactionType = "daily_reset"
	TransactionTypePurchase          CreditTransactionType = "purchase"
	TransactionTypeGrant             CreditTransactionType = "grant"
)

// CreditTransaction is an immutable ledger row. AmountCents is signed
// (negative for deductions); BalanceAfterCents records the resulting total.
// Rows are never updated or deleted.
type CreditTransaction struct {
	ID                int64                 `json:"id"`
	UserID            int64                 `json:"user_id"`
	AmountCents       int64                 `json:"amount_cents"`
	Type              CreditTransactionType `json:"type"`
	ReferenceID       *string               `json:"reference_id,omitempty"`
	BalanceAfterCents int64                 `json:"balance_after_cents"`
	CreatedAt         time.Time             `json:"created_at"`
}
