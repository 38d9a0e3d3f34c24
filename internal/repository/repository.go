package repository

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/nkiryanov/creditledger/internal/models"
)

// Storage gives access to repositories bound to the same connection or transaction
type Storage interface {
	Balance() BalanceRepo
	Ledger() LedgerRepo

	// Run fn in a transaction: commit if fn returns nil, rollback otherwise
	// Storage passed to fn is bound to the transaction
	InTx(ctx context.Context, fn func(Storage) error) error
}

// Balance repository interface
type BalanceRepo interface {
	// Create zero balance for the user if it does not exist yet
	EnsureBalance(ctx context.Context, userID uuid.UUID) error

	// Get balance of the user
	// If lock is true the balance row stays locked until the transaction ends
	// If balance not found must return apperrors.ErrUserNotFound
	GetBalance(ctx context.Context, userID uuid.UUID, lock bool) (models.Balance, error)

	// Add signed delta to user credits and return the updated balance
	// Balance may become negative, it's caller responsibility to check preconditions
	AddCredits(ctx context.Context, userID uuid.UUID, delta int64) (models.Balance, error)
}

type ListEntriesOpts struct {
	Types []models.EntryType // all types if empty
	Limit int                // no limit if zero
}

type ListDueOpts struct {
	Now      time.Time // batches with expiry date not after Now are due
	AfterSeq int64     // keyset pagination: return batches with Seq > AfterSeq
	Limit    int
}

// Ledger repository interface
type LedgerRepo interface {
	// Create entry as is; Seq is assigned by storage
	// If user balance not exists must return apperrors.ErrUserNotFound
	CreateEntry(ctx context.Context, entry models.Entry) (models.Entry, error)

	// Get entry by id
	// If not found must return apperrors.ErrEntryNotFound
	GetEntry(ctx context.Context, id uuid.UUID, lock bool) (models.Entry, error)

	// Get the oldest EARNED entry of the user with the reference that is not revoked yet
	// If not found must return apperrors.ErrEntryNotFound
	GetEarnedByReference(ctx context.Context, userID uuid.UUID, referenceID string, lock bool) (models.Entry, error)

	// Get the oldest entry of the type with the reference
	// If not found must return apperrors.ErrEntryNotFound
	GetByReference(ctx context.Context, userID uuid.UUID, typ models.EntryType, referenceID string) (models.Entry, error)

	// Batches of the user that may be spent: EARNED or REFUND, open, remaining > 0
	// Ordered by expiry date, then by creation order
	ListOpenBatches(ctx context.Context, userID uuid.UUID, lock bool) ([]models.Entry, error)

	// Open batches of all users due to expire, ordered by Seq
	ListDueBatches(ctx context.Context, opts ListDueOpts) ([]models.Entry, error)

	// Set batch remainder and state
	// Remainder may only go down: must return apperrors.ErrStorageConflict otherwise
	UpdateBatch(ctx context.Context, id uuid.UUID, remaining int64, state models.BatchState, closedAt *time.Time) (models.Entry, error)

	CreateAllocations(ctx context.Context, allocations []models.Allocation) error
	ListAllocations(ctx context.Context, spentEntryID uuid.UUID) ([]models.Allocation, error)

	// Entries of the user, newest first
	ListEntries(ctx context.Context, userID uuid.UUID, opts ListEntriesOpts) ([]models.Entry, error)

	// Sum of all entry amounts and sum of open batch remainders of the user
	SumEntries(ctx context.Context, userID uuid.UUID) (entriesSum int64, openBatchesSum int64, err error)
}
