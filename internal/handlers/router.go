package handlers

import (
	"context"
	"net/http"

	"github.com/google/uuid"

	"github.com/nkiryanov/creditledger/internal/handlers/middleware"
	"github.com/nkiryanov/creditledger/internal/logger"
	"github.com/nkiryanov/creditledger/internal/service/booking"
	"github.com/nkiryanov/creditledger/internal/service/ledger"
)

// chain applies middlewares in the given order: m1(m2(...(h)))
func chain(h http.Handler, mds ...func(next http.Handler) http.Handler) http.Handler {
	for i := len(mds) - 1; i >= 0; i-- {
		h = mds[i](h)
	}
	return h
}

func NewRouter(
	ledgerService ledgerService,
	bookingService bookingService,
	metrics http.Handler,
	logger logger.Logger,
) http.Handler {
	api := http.NewServeMux()

	api.Handle("GET /credits/{userID}", handleHistory(ledgerService, logger))
	api.Handle("GET /credits/{userID}/reconcile", handleReconcile(ledgerService, logger))
	api.Handle("POST /credits/{userID}/spend", handleSpend(ledgerService, logger))
	api.Handle("POST /credits/{userID}/refund", handleRefund(ledgerService, logger))

	api.Handle("POST /events/payment-completed", handlePaymentCompleted(bookingService, logger))
	api.Handle("POST /events/booking-cancelled", handleBookingCancelled(bookingService, logger))

	root := http.NewServeMux()
	root.Handle("/api/", http.StripPrefix("/api", api))
	root.Handle("GET /metrics", metrics)

	handler := chain(root,
		middleware.LoggerMiddleware(logger),
	)

	return handler
}

type ledgerService interface {
	// Has to return apperrors.ErrInvalidAmount for non positive amount
	// and apperrors.ErrBalanceInsufficient if balance is less than amount
	Spend(ctx context.Context, p ledger.SpendParams) (ledger.Result, error)

	Refund(ctx context.Context, p ledger.EarnParams) (ledger.Result, error)

	// Unknown user has empty history
	History(ctx context.Context, userID uuid.UUID, opts ledger.HistoryOpts) (ledger.History, error)

	// Has to return apperrors.ErrUserNotFound for unknown user
	Reconcile(ctx context.Context, userID uuid.UUID) (ledger.Reconciliation, error)
}

type bookingService interface {
	PaymentCompleted(ctx context.Context, ev booking.PaymentCompleted) (ledger.Result, error)
	BookingCancelled(ctx context.Context, ev booking.BookingCancelled) (booking.CancelOutcome, error)
}
