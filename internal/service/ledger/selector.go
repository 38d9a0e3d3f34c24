package ledger

import (
	"cmp"
	"slices"

	"github.com/nkiryanov/creditledger/internal/models"
)

// Take is the part of a debit drawn from one batch
type Take struct {
	Batch  models.Entry
	Amount int64
}

// Left is the batch remainder after the take
func (t Take) Left() int64 {
	return t.Batch.RemainingAmount - t.Amount
}

type Plan struct {
	Takes     []Take
	Shortfall int64 // part of the amount not covered by batches
}

// SortBatches orders batches the way they are consumed: soonest expiry first, then creation order
func SortBatches(batches []models.Entry) {
	slices.SortStableFunc(batches, func(a, b models.Entry) int {
		if c := a.ExpiryDate.Compare(*b.ExpiryDate); c != 0 {
			return c
		}
		return cmp.Compare(a.Seq, b.Seq)
	})
}

// Allocate draws amount from spendable batches in consumption order
// Batches that are not spendable are skipped, the input slice is not modified
func Allocate(batches []models.Entry, amount int64) Plan {
	spendable := make([]models.Entry, 0, len(batches))
	for _, b := range batches {
		if b.Spendable() && b.ExpiryDate != nil {
			spendable = append(spendable, b)
		}
	}
	SortBatches(spendable)

	var plan Plan
	owed := amount
	for _, b := range spendable {
		if owed <= 0 {
			break
		}

		take := min(b.RemainingAmount, owed)
		plan.Takes = append(plan.Takes, Take{Batch: b, Amount: take})
		owed -= take
	}

	plan.Shortfall = max(owed, 0)
	return plan
}
