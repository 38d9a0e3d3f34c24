package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/nkiryanov/creditledger/internal/models"
)

type DueLister interface {
	ListDueBatches(ctx context.Context, opts ListDueOpts) ([]models.Entry, error)
}

// EachDueBatch pages through batches due at now in Seq order and calls fn for every batch
// Stops on the first listing error or error returned by fn
func EachDueBatch(ctx context.Context, lister DueLister, now time.Time, pageSize int, fn func(models.Entry) error) error {
	var afterSeq int64

	for {
		batches, err := lister.ListDueBatches(ctx, ListDueOpts{Now: now, AfterSeq: afterSeq, Limit: pageSize})
		if err != nil {
			return fmt.Errorf("can't list due batches: %w", err)
		}

		for _, b := range batches {
			if err := fn(b); err != nil {
				return err
			}
			afterSeq = b.Seq
		}

		if len(batches) < pageSize {
			return nil
		}
	}
}
