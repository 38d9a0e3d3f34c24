package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/nkiryanov/creditledger/internal/apperrors"
	"github.com/nkiryanov/creditledger/internal/handlers/render"
	"github.com/nkiryanov/creditledger/internal/logger"
	"github.com/nkiryanov/creditledger/internal/models"
	"github.com/nkiryanov/creditledger/internal/service/ledger"
)

type entryView struct {
	ID              uuid.UUID  `json:"id"`
	Type            string     `json:"type"`
	Amount          int64      `json:"amount"`
	Description     string     `json:"description,omitempty"`
	ReferenceID     string     `json:"reference_id,omitempty"`
	BalanceAfter    int64      `json:"balance_after"`
	CreatedAt       time.Time  `json:"created_at"`
	ExpiryDate      *time.Time `json:"expiry_date,omitempty"`
	RemainingAmount *int64     `json:"remaining_amount,omitempty"`
	State           string     `json:"state,omitempty"`
	SourceBatchID   *uuid.UUID `json:"source_batch_id,omitempty"`
}

func newEntryView(e models.Entry) *entryView {
	v := &entryView{
		ID:            e.ID,
		Type:          string(e.Type),
		Amount:        e.Amount,
		Description:   e.Description,
		ReferenceID:   e.ReferenceID,
		BalanceAfter:  e.BalanceAfter,
		CreatedAt:     e.CreatedAt,
		SourceBatchID: e.SourceBatchID,
	}

	if e.IsBatch() {
		remaining := e.RemainingAmount
		v.ExpiryDate = e.ExpiryDate
		v.RemainingAmount = &remaining
		v.State = string(e.State)
	}

	return v
}

type resultView struct {
	Applied bool       `json:"applied"`
	Balance int64      `json:"balance"`
	Entry   *entryView `json:"entry,omitempty"`
}

func newResultView(res ledger.Result) resultView {
	v := resultView{Applied: res.Applied, Balance: res.BalanceAfter}
	if res.Applied {
		v.Entry = newEntryView(res.Entry)
	}
	return v
}

// Parse user id from path and render error if it is invalid
func pathUserID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	userID, err := uuid.Parse(r.PathValue("userID"))
	if err != nil {
		render.ServiceError(w, "Invalid user id", http.StatusBadRequest)
		return userID, false
	}
	return userID, true
}

// Render ledger error with matching status
func serviceError(w http.ResponseWriter, l logger.Logger, err error) {
	switch {
	case errors.Is(err, apperrors.ErrInvalidAmount):
		render.ServiceError(w, "Amount must be positive", http.StatusUnprocessableEntity)
	case errors.Is(err, apperrors.ErrBalanceInsufficient):
		render.ServiceError(w, "Insufficient balance", http.StatusPaymentRequired)
	case errors.Is(err, apperrors.ErrUserNotFound):
		render.ServiceError(w, "User not found", http.StatusNotFound)
	case errors.Is(err, apperrors.ErrShortfallInconsistency):
		l.Warn("Spend rejected, open credits do not cover balance", "error", err)
		render.ServiceError(w, "Credits are being reconciled, retry later", http.StatusConflict)
	case errors.Is(err, apperrors.ErrStorageConflict), errors.Is(err, apperrors.ErrLockNotAcquired):
		l.Warn("Ledger operation conflicted", "error", err)
		render.ServiceError(w, "Concurrent update, retry later", http.StatusConflict)
	default:
		l.Error("Ledger operation failed", "error", err)
		render.ServiceError(w, "Internal server error", http.StatusInternalServerError)
	}
}
