package handlers

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nkiryanov/creditledger/internal/handlers/render"
	"github.com/nkiryanov/creditledger/internal/logger"
	"github.com/nkiryanov/creditledger/internal/models"
	"github.com/nkiryanov/creditledger/internal/service/ledger"
)

var entryTypes = map[string]models.EntryType{
	string(models.EntryEarned):  models.EntryEarned,
	string(models.EntrySpent):   models.EntrySpent,
	string(models.EntryRefund):  models.EntryRefund,
	string(models.EntryBonus):   models.EntryBonus,
	string(models.EntryExpired): models.EntryExpired,
	string(models.EntryRevoked): models.EntryRevoked,
}

// History query: ?types=EARNED,SPENT&limit=20
func handleHistory(ledgerService ledgerService, l logger.Logger) http.Handler {
	type response struct {
		UserID  uuid.UUID    `json:"user_id"`
		Credits int64        `json:"credits"`
		Entries []*entryView `json:"entries"`
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, ok := pathUserID(w, r)
		if !ok {
			return
		}

		var opts ledger.HistoryOpts
		if raw := r.URL.Query().Get("types"); raw != "" {
			for _, name := range strings.Split(raw, ",") {
				typ, ok := entryTypes[strings.ToUpper(strings.TrimSpace(name))]
				if !ok {
					render.ServiceError(w, "Unknown entry type "+name, http.StatusBadRequest)
					return
				}
				opts.Types = append(opts.Types, typ)
			}
		}
		if raw := r.URL.Query().Get("limit"); raw != "" {
			limit, err := strconv.Atoi(raw)
			if err != nil || limit < 0 {
				render.ServiceError(w, "Limit must be non negative integer", http.StatusBadRequest)
				return
			}
			opts.Limit = limit
		}

		h, err := ledgerService.History(r.Context(), userID, opts)
		if err != nil {
			serviceError(w, l, err)
			return
		}

		entries := make([]*entryView, 0, len(h.Entries))
		for _, e := range h.Entries {
			entries = append(entries, newEntryView(e))
		}
		render.JSON(w, response{UserID: userID, Credits: h.Balance.Credits, Entries: entries})
	})
}

func handleReconcile(ledgerService ledgerService, l logger.Logger) http.Handler {
	type response struct {
		UserID         uuid.UUID `json:"user_id"`
		Credits        int64     `json:"credits"`
		EntriesSum     int64     `json:"entries_sum"`
		OpenBatchesSum int64     `json:"open_batches_sum"`
		Consistent     bool      `json:"consistent"`
		Covered        bool      `json:"covered"`
		Debt           int64     `json:"debt"`
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, ok := pathUserID(w, r)
		if !ok {
			return
		}

		rec, err := ledgerService.Reconcile(r.Context(), userID)
		if err != nil {
			serviceError(w, l, err)
			return
		}

		render.JSON(w, response{
			UserID:         rec.UserID,
			Credits:        rec.Credits,
			EntriesSum:     rec.EntriesSum,
			OpenBatchesSum: rec.OpenBatchesSum,
			Consistent:     rec.Consistent(),
			Covered:        rec.Covered(),
			Debt:           rec.Debt(),
		})
	})
}

func handleSpend(ledgerService ledgerService, l logger.Logger) http.Handler {
	type request struct {
		Amount      int64  `json:"amount" validate:"gt=0"`
		ReferenceID string `json:"reference_id" validate:"required"`
		Description string `json:"description"`
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, ok := pathUserID(w, r)
		if !ok {
			return
		}

		req, err := render.BindAndValidate[request](w, r)
		if err != nil {
			return
		}

		res, err := ledgerService.Spend(r.Context(), ledger.SpendParams{
			UserID:      userID,
			Amount:      req.Amount,
			ReferenceID: req.ReferenceID,
			Description: req.Description,
		})
		if err != nil {
			serviceError(w, l, err)
			return
		}

		render.JSON(w, newResultView(res))
	})
}

func handleRefund(ledgerService ledgerService, l logger.Logger) http.Handler {
	type request struct {
		Amount       int64  `json:"amount" validate:"gt=0"`
		ReferenceID  string `json:"reference_id" validate:"required"`
		Description  string `json:"description"`
		LifetimeDays int    `json:"lifetime_days" validate:"gte=0,lte=3650"` // zero means default lifetime
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, ok := pathUserID(w, r)
		if !ok {
			return
		}

		req, err := render.BindAndValidate[request](w, r)
		if err != nil {
			return
		}

		res, err := ledgerService.Refund(r.Context(), ledger.EarnParams{
			UserID:      userID,
			Amount:      req.Amount,
			ReferenceID: req.ReferenceID,
			Description: req.Description,
			Lifetime:    time.Duration(req.LifetimeDays) * 24 * time.Hour,
		})
		if err != nil {
			serviceError(w, l, err)
			return
		}

		render.JSON(w, newResultView(res))
	})
}
