package apperrors

import (
	"errors"
)

var (
	ErrUserNotFound  = errors.New("user not found")
	ErrEntryNotFound = errors.New("ledger entry not found")

	ErrInvalidAmount       = errors.New("amount must be positive")
	ErrBalanceInsufficient = errors.New("insufficient balance")

	// Open batches of the user sum to less than the debited amount
	// Means the denormalized balance drifted from the batches
	ErrShortfallInconsistency = errors.New("open batches do not cover debited amount")

	// Concurrent update detected by storage; safe to retry
	ErrStorageConflict = errors.New("storage conflict")
	ErrLockNotAcquired = errors.New("user lock not acquired")
)
