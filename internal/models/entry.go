package models

import (
	"time"

	"github.com/google/uuid"
)

type EntryType string

const (
	EntryEarned  EntryType = "EARNED"
	EntrySpent   EntryType = "SPENT"
	EntryRefund  EntryType = "REFUND"
	EntryBonus   EntryType = "BONUS"
	EntryExpired EntryType = "EXPIRED"
	EntryRevoked EntryType = "REVOKED"
)

// IsBatch reports whether entries of the type carry a spendable remainder
func (t EntryType) IsBatch() bool {
	return t == EntryEarned || t == EntryRefund
}

// BatchState tells why a batch was closed
// Every state except BatchOpen is final
type BatchState string

const (
	BatchOpen     BatchState = "OPEN"
	BatchConsumed BatchState = "CONSUMED"
	BatchExpired  BatchState = "EXPIRED"
	BatchRevoked  BatchState = "REVOKED"
)

// Entry is one audit record of a balance change.
// Immutable once written, except RemainingAmount, State and ClosedAt of batches.
type Entry struct {
	ID           uuid.UUID
	Seq          int64 // storage assigned, monotonic
	UserID       uuid.UUID
	CreatedAt    time.Time
	Type         EntryType
	Amount       int64 // positive for credits, negative for debits
	Description  string
	ReferenceID  string
	BalanceAfter int64

	// Batches only (EARNED, REFUND)
	ExpiryDate      *time.Time
	RemainingAmount int64
	State           BatchState
	ClosedAt        *time.Time

	// Debits of a single batch only (EXPIRED, REVOKED)
	SourceBatchID *uuid.UUID
}

func (e Entry) IsBatch() bool {
	return e.Type.IsBatch()
}

// IsExpired reports whether the batch is closed for consumption, whatever the reason
func (e Entry) IsExpired() bool {
	return e.IsBatch() && e.State != BatchOpen
}

// Spendable reports whether the batch may be drawn from
func (e Entry) Spendable() bool {
	return e.IsBatch() && e.State == BatchOpen && e.RemainingAmount > 0
}

// DueAt reports whether the sweeper has to expire the batch at the moment
func (e Entry) DueAt(now time.Time) bool {
	return e.Spendable() && e.ExpiryDate != nil && !e.ExpiryDate.After(now)
}

// Allocation is the part of a SPENT entry drawn from one batch
type Allocation struct {
	SpentEntryID uuid.UUID
	BatchID      uuid.UUID
	Amount       int64
}
