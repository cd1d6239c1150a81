// Package models holds the persisted domain model shared by the matching
// and settlement core. Amounts are decimals throughout; identifiers are
// UUIDs. The Ledger Store is the sole writer of AccountBalance rows; every
// other component holds identifiers only and mutates through the fund
// reservation and settlement APIs.
package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Order sides
const (
	OrderSideBuy  = "BUY"
	OrderSideSell = "SELL"
)

// Order statuses
const (
	OrderStatusPending       = "PENDING"
	OrderStatusPartialFilled = "PARTIAL_FILLED"
	OrderStatusFilled        = "FILLED"
	OrderStatusCancelled     = "CANCELLED"
)

// Ledger entry directions
const (
	EntryDirectionDebit  = "DEBIT"
	EntryDirectionCredit = "CREDIT"
)

// Ledger entry statuses
const (
	EntryStatusPosted   = "posted"
	EntryStatusReversed = "reversed"
)

// Transaction types
const (
	TransactionTypeDeposit     = "deposit"
	TransactionTypeWithdrawal  = "withdrawal"
	TransactionTypeTransfer    = "transfer"
	TransactionTypeTrade       = "trade"
	TransactionTypeHold        = "hold"
	TransactionTypeHoldRelease = "hold_release"
)

// Transaction statuses
const (
	TransactionStatusPending    = "PENDING"
	TransactionStatusProcessing = "PROCESSING"
	TransactionStatusCompleted  = "COMPLETED"
	TransactionStatusFailed     = "FAILED"
	TransactionStatusRolledBack = "ROLLED_BACK"
	TransactionStatusRefunded   = "REFUNDED"
)

// Fund operation kinds recorded in the idempotency log
const (
	FundOpReserve  = "reserve"
	FundOpRelease  = "release"
	FundOpConsume  = "consume"
	FundOpCredit   = "credit"
	FundOpTransfer = "transfer"
)

// AccountBalance is the per-(tenant, account, currency) balance row.
// Invariant: Available >= 0 and Reserved >= 0 at all times. Version is
// incremented on every write by the Ledger Store.
type AccountBalance struct {
	ID        uuid.UUID       `json:"id" gorm:"primaryKey;type:uuid"`
	TenantID  string          `json:"tenant_id" gorm:"index:idx_balance_key,unique"`
	AccountID string          `json:"account_id" gorm:"index:idx_balance_key,unique"`
	Currency  string          `json:"currency" gorm:"index:idx_balance_key,unique"`
	Available decimal.Decimal `json:"available" gorm:"type:decimal(32,12)"`
	Reserved  decimal.Decimal `json:"reserved" gorm:"type:decimal(32,12)"`
	Version   int64           `json:"version"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// BalanceKey identifies one AccountBalance row and doubles as the lock key
// for per-account mutual exclusion.
type BalanceKey struct {
	TenantID  string
	AccountID string
	Currency  string
}

func (k BalanceKey) String() string {
	return k.TenantID + "/" + k.AccountID + "/" + k.Currency
}

// Order is a limit order. Invariant: FilledQuantity + RemainingQuantity
// equals the original Quantity for the life of the order.
type Order struct {
	ID                uuid.UUID       `json:"id" gorm:"primaryKey;type:uuid"`
	TenantID          string          `json:"tenant_id" gorm:"index"`
	UserID            uuid.UUID       `json:"user_id" gorm:"type:uuid;index"`
	Symbol            string          `json:"symbol" gorm:"index"`
	Side              string          `json:"side"`
	Price             decimal.Decimal `json:"price" gorm:"type:decimal(32,12)"`
	Quantity          decimal.Decimal `json:"quantity" gorm:"type:decimal(32,12)"`
	FilledQuantity    decimal.Decimal `json:"filled_quantity" gorm:"type:decimal(32,12)"`
	RemainingQuantity decimal.Decimal `json:"remaining_quantity" gorm:"type:decimal(32,12)"`
	Status            string          `json:"status" gorm:"index"`
	// Sequence is the arrival order assigned by the engine; ties at equal
	// price are broken by the lower sequence. Preserved across partial fills.
	Sequence  int64     `json:"sequence"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Terminal reports whether the order can no longer change state.
func (o *Order) Terminal() bool {
	return o.Status == OrderStatusFilled || o.Status == OrderStatusCancelled
}

// Trade records one match. Immutable once written.
type Trade struct {
	ID              uuid.UUID       `json:"id" gorm:"primaryKey;type:uuid"`
	TenantID        string          `json:"tenant_id" gorm:"index"`
	Symbol          string          `json:"symbol" gorm:"index"`
	BuyOrderID      uuid.UUID       `json:"buy_order_id" gorm:"type:uuid;index"`
	SellOrderID     uuid.UUID       `json:"sell_order_id" gorm:"type:uuid;index"`
	MatchedQuantity decimal.Decimal `json:"matched_quantity" gorm:"type:decimal(32,12)"`
	MatchedPrice    decimal.Decimal `json:"matched_price" gorm:"type:decimal(32,12)"`
	ExecutedAt      time.Time       `json:"executed_at"`
}

// LedgerEntry is one leg of a double-entry posting. Append-only: posted
// entries are never mutated or deleted, only marked reversed by an
// offsetting entry. Invariant: per (TransactionID, Currency) the debit and
// credit sums of posted entries are equal.
type LedgerEntry struct {
	ID            uuid.UUID       `json:"id" gorm:"primaryKey;type:uuid"`
	TransactionID uuid.UUID       `json:"transaction_id" gorm:"type:uuid;index"`
	TenantID      string          `json:"tenant_id" gorm:"index"`
	AccountID     string          `json:"account_id" gorm:"index"`
	Currency      string          `json:"currency"`
	Amount        decimal.Decimal `json:"amount" gorm:"type:decimal(32,12)"`
	Direction     string          `json:"direction"`
	// Reserved marks a leg that moves the reserved balance instead of the
	// available balance (consuming or placing a hold).
	Reserved bool   `json:"reserved"`
	Status   string `json:"status" gorm:"index"`
	// ReversalOf links a reversing entry back to the entry it offsets.
	ReversalOf *uuid.UUID `json:"reversal_of,omitempty" gorm:"type:uuid"`
	CreatedAt  time.Time  `json:"created_at"`
}

// Transaction is the workflow record for one financial operation. Status
// is mutable; the linked entry history is immutable. Completed transactions
// are never rewritten, only reversed.
type Transaction struct {
	ID       uuid.UUID `json:"id" gorm:"primaryKey;type:uuid"`
	TenantID string    `json:"tenant_id" gorm:"index"`
	Type     string    `json:"type"`
	// AccountID, Currency and Amount describe the primary leg, kept on the
	// record for limit accounting and audit queries.
	AccountID string          `json:"account_id" gorm:"index"`
	Currency  string          `json:"currency"`
	Amount    decimal.Decimal `json:"amount" gorm:"type:decimal(32,12)"`
	Status    string          `json:"status" gorm:"index"`
	// FailureReason retains the triggering error for FAILED transactions.
	FailureReason string `json:"failure_reason,omitempty"`
	// ReconciliationRequired flags a failed rollback for manual follow-up.
	ReconciliationRequired bool `json:"reconciliation_required"`
	// HoldReason and ReleasedAt apply to hold transactions only.
	HoldReason  string     `json:"hold_reason,omitempty"`
	ReleasedAt  *time.Time `json:"released_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// FundOperation is the idempotency log for fund reservation calls. A
// replayed operation id returns the recorded outcome instead of applying
// the transition twice.
type FundOperation struct {
	OperationID uuid.UUID       `json:"operation_id" gorm:"primaryKey;type:uuid"`
	Kind        string          `json:"kind"`
	TenantID    string          `json:"tenant_id"`
	AccountID   string          `json:"account_id"`
	Currency    string          `json:"currency"`
	Amount      decimal.Decimal `json:"amount" gorm:"type:decimal(32,12)"`
	Succeeded   bool            `json:"succeeded"`
	CreatedAt   time.Time       `json:"created_at"`
}
