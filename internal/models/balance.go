package models

import (
	"time"

	"github.com/google/uuid"
)

// Balance is the denormalized spendable total of the user
// Only the ledger service may change it
type Balance struct {
	UserID    uuid.UUID
	Credits   int64
	UpdatedAt time.Time
}
