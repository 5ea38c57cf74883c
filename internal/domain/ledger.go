package domain

import (
	"time"

	"github.com/google/uuid"
)

// EntryKind classifies a ledger row
type EntryKind string

const (
	EntrySessionCharge EntryKind = "session_charge"
	EntryGift          EntryKind = "gift"
	EntryDeposit       EntryKind = "deposit"
)

// Balance is a user's spendable amount and accrued earnings, in cents.
// Version increments on every write and guards compare-and-debit.
type Balance struct {
	UserID    uuid.UUID `json:"user_id"`
	Amount    int64     `json:"amount"`
	Earnings  int64     `json:"earnings"`
	Version   int64     `json:"-"`
	UpdatedAt time.Time `json:"updated_at"`
}

// LedgerEntry records one debit/credit movement
// Maps to CockroachDB ledger_entries table
type LedgerEntry struct {
	EntryID       uuid.UUID  `json:"entry_id"`
	Kind          EntryKind  `json:"kind"`
	FromUserID    uuid.UUID  `json:"from_user_id"`
	ToUserID      uuid.UUID  `json:"to_user_id"`
	SessionID     *uuid.UUID `json:"session_id,omitempty"`
	StreamID      *uuid.UUID `json:"stream_id,omitempty"`
	Gross         int64      `json:"gross"`
	ProviderShare int64      `json:"provider_share"`
	PlatformShare int64      `json:"platform_share"`
	BalanceAfter  int64      `json:"balance_after"`
	Reference     string     `json:"reference,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

// ChargeRequest asks the ledger to move funds from a client to a provider
type ChargeRequest struct {
	ClientID     uuid.UUID
	ProviderID   uuid.UUID
	Amount       int64
	AllowPartial bool
	ProviderBps  int64
	Kind         EntryKind
	SessionID    *uuid.UUID
	StreamID     *uuid.UUID
}

// ChargeResult reports what was actually taken
type ChargeResult struct {
	Charged       int64
	ProviderShare int64
	PlatformShare int64
	BalanceAfter  int64
	Entry         *LedgerEntry
}

// Short reports whether less than the requested amount was taken
func (r *ChargeResult) Short(requested int64) bool {
	return r.Charged < requested
}

// Deposit is a payment-provider top-up
type Deposit struct {
	UserID    uuid.UUID `json:"user_id" binding:"required"`
	Amount    int64     `json:"amount" binding:"required,gt=0"`
	Reference string    `json:"reference" binding:"required"`
}
