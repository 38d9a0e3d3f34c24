package sweeper

import (
	"context"
	"sync"

	"github.com/nkiryanov/creditledger/internal/logger"
	"github.com/nkiryanov/creditledger/internal/models"
)

type Consumer struct {
	countWorkers int
	service      ledgerService
	logger       logger.Logger
}

func (c *Consumer) Consume(ctx context.Context, in <-chan models.Entry) <-chan struct{} {
	idleStopped := make(chan struct{})

	var wg sync.WaitGroup
	for range c.countWorkers {
		wg.Add(1)
		go func() {
			c.worker(ctx, in)
			wg.Done()
		}()
	}

	go func() {
		defer close(idleStopped)
		wg.Wait()
		c.logger.Debug("Consumer stopped")
	}()

	return idleStopped
}

func (c *Consumer) worker(ctx context.Context, in <-chan models.Entry) {
	for {
		select {
		case <-ctx.Done():
			return

		case batch, ok := <-in:
			if !ok {
				c.logger.Debug("Consumer worker stopped, input channel closed")
				return
			}

			res, err := c.service.ExpireBatch(ctx, batch.ID)
			switch {
			case err != nil:
				c.logger.Error("Failed to expire batch", "error", err, "batch_id", batch.ID, "user_id", batch.UserID)
			case res.Applied:
				c.logger.Debug("Batch expired", "batch_id", batch.ID, "user_id", batch.UserID, "credits", -res.Entry.Amount)
			default:
				c.logger.Debug("Batch is not due anymore", "batch_id", batch.ID)
			}
		}
	}
}
