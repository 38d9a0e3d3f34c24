package handlers

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/nkiryanov/creditledger/internal/handlers/render"
	"github.com/nkiryanov/creditledger/internal/logger"
	"github.com/nkiryanov/creditledger/internal/service/booking"
)

func handlePaymentCompleted(bookingService bookingService, l logger.Logger) http.Handler {
	type request struct {
		UserID    uuid.UUID       `json:"user_id" validate:"required"`
		BookingID string          `json:"booking_id" validate:"required"`
		Total     decimal.Decimal `json:"total" validate:"gt=0"`
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		req, err := render.BindAndValidate[request](w, r)
		if err != nil {
			return
		}

		res, err := bookingService.PaymentCompleted(r.Context(), booking.PaymentCompleted{
			UserID:    req.UserID,
			BookingID: req.BookingID,
			Total:     req.Total,
		})
		if err != nil {
			serviceError(w, l, err)
			return
		}

		render.JSON(w, newResultView(res))
	})
}

func handleBookingCancelled(bookingService bookingService, l logger.Logger) http.Handler {
	type request struct {
		UserID       uuid.UUID `json:"user_id" validate:"required"`
		BookingID    string    `json:"booking_id" validate:"required"`
		SpentCredits int64     `json:"spent_credits" validate:"gte=0"`
	}

	type response struct {
		Refunded resultView `json:"refunded"`
		Revoked  resultView `json:"revoked"`
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		req, err := render.BindAndValidate[request](w, r)
		if err != nil {
			return
		}

		out, err := bookingService.BookingCancelled(r.Context(), booking.BookingCancelled{
			UserID:       req.UserID,
			BookingID:    req.BookingID,
			SpentCredits: req.SpentCredits,
		})
		if err != nil {
			serviceError(w, l, err)
			return
		}

		render.JSON(w, response{Refunded: newResultView(out.Refunded), Revoked: newResultView(out.Revoked)})
	})
}
