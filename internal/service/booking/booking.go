// Package booking turns booking lifecycle events into ledger operations
package booking

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/nkiryanov/creditledger/internal/logger"
	"github.com/nkiryanov/creditledger/internal/service/ledger"
)

var ErrInvalidRate = errors.New("earn rate must be within [0, 1]")

type ledgerService interface {
	Earn(ctx context.Context, p ledger.EarnParams) (ledger.Result, error)
	RefundOnce(ctx context.Context, p ledger.EarnParams) (ledger.Result, error)
	Revoke(ctx context.Context, userID uuid.UUID, referenceID string) (ledger.Result, error)
}

// Policy decides how many credits a payment earns
type Policy struct {
	Rate     decimal.Decimal // share of payment total, 0.01 is one percent
	Lifetime time.Duration   // ledger default if zero
}

func NewPolicy(rate string, lifetime time.Duration) (Policy, error) {
	r, err := decimal.NewFromString(rate)
	if err != nil {
		return Policy{}, fmt.Errorf("%w: %w", ErrInvalidRate, err)
	}
	if r.IsNegative() || r.GreaterThan(decimal.NewFromInt(1)) {
		return Policy{}, fmt.Errorf("%w: got %s", ErrInvalidRate, rate)
	}

	return Policy{Rate: r, Lifetime: lifetime}, nil
}

// CreditsFor returns whole credits earned for the payment total, fractions are dropped
func (p Policy) CreditsFor(total decimal.Decimal) int64 {
	if !total.IsPositive() {
		return 0
	}
	return total.Mul(p.Rate).Floor().IntPart()
}

type PaymentCompleted struct {
	UserID    uuid.UUID
	BookingID string
	Total     decimal.Decimal
}

type BookingCancelled struct {
	UserID       uuid.UUID
	BookingID    string
	SpentCredits int64 // credits the booking was paid with, refunded to the user
}

type CancelOutcome struct {
	Refunded ledger.Result
	Revoked  ledger.Result
}

type Service struct {
	ledger ledgerService
	policy Policy
	logger logger.Logger
}

func NewService(ledger ledgerService, policy Policy, log logger.Logger) *Service {
	return &Service{
		ledger: ledger,
		policy: policy,
		logger: log,
	}
}

func (s *Service) PaymentCompleted(ctx context.Context, ev PaymentCompleted) (ledger.Result, error) {
	credits := s.policy.CreditsFor(ev.Total)

	res, err := s.ledger.Earn(ctx, ledger.EarnParams{
		UserID:      ev.UserID,
		Amount:      credits,
		ReferenceID: ev.BookingID,
		Description: fmt.Sprintf("Credits for booking %s", ev.BookingID),
		Lifetime:    s.policy.Lifetime,
	})
	if err != nil {
		return res, fmt.Errorf("can't earn credits for booking %s: %w", ev.BookingID, err)
	}

	s.logger.Info("Payment completed", "user_id", ev.UserID, "booking_id", ev.BookingID, "total", ev.Total, "credits", credits)
	return res, nil
}

// BookingCancelled refunds credits spent on the booking and revokes credits earned for it
// Both steps are separate ledger operations and each is idempotent per booking,
// so a cancel that failed halfway may be replayed as is
func (s *Service) BookingCancelled(ctx context.Context, ev BookingCancelled) (CancelOutcome, error) {
	var (
		out CancelOutcome
		err error
	)

	if ev.SpentCredits > 0 {
		out.Refunded, err = s.ledger.RefundOnce(ctx, ledger.EarnParams{
			UserID:      ev.UserID,
			Amount:      ev.SpentCredits,
			ReferenceID: ev.BookingID,
			Description: fmt.Sprintf("Refund for cancelled booking %s", ev.BookingID),
			Lifetime:    s.policy.Lifetime,
		})
		if err != nil {
			return out, fmt.Errorf("can't refund credits for booking %s: %w", ev.BookingID, err)
		}
	}

	out.Revoked, err = s.ledger.Revoke(ctx, ev.UserID, ev.BookingID)
	if err != nil {
		return out, fmt.Errorf("can't revoke credits for booking %s: %w", ev.BookingID, err)
	}

	s.logger.Info("Booking cancelled",
		"user_id", ev.UserID, "booking_id", ev.BookingID, "refunded", out.Refunded.Applied, "revoked", out.Revoked.Applied,
	)
	return out, nil
}
