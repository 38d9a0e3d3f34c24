package sweeper

import (
	"context"
	"time"

	"github.com/nkiryanov/creditledger/internal/logger"
	"github.com/nkiryanov/creditledger/internal/models"
	"github.com/nkiryanov/creditledger/internal/repository"
)

type Producer struct {
	interval time.Duration
	pageSize int
	lister   repository.DueLister
	now      func() time.Time
	logger   logger.Logger
}

// Produce sends due batches to out on start and then on every tick
func (p *Producer) Produce(ctx context.Context, out chan<- models.Entry) <-chan struct{} {
	idleStopped := make(chan struct{})
	p.logger.Debug("Starting producer", "interval", p.interval, "page_size", p.pageSize)

	go func() {
		defer close(idleStopped)

		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()

		for {
			if !p.produceDue(ctx, out) {
				p.logger.Debug("Producer stopped by context while sending batches")
				return
			}

			select {
			case <-ctx.Done():
				p.logger.Debug("Producer stopped by context")
				return
			case <-ticker.C:
				p.logger.Debug("Producer tick: fetching due batches")
			}
		}
	}()

	return idleStopped
}

// produceDue pages through batches due at the moment of the call
// Returns false if ctx is done
func (p *Producer) produceDue(ctx context.Context, out chan<- models.Entry) bool {
	var (
		now   = p.now()
		count int
	)

	err := repository.EachDueBatch(ctx, p.lister, now, p.pageSize, func(b models.Entry) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case out <- b:
			count++
			return nil
		}
	})
	switch {
	case ctx.Err() != nil:
		return false
	case err != nil:
		p.logger.Error("Failed to list due batches", "error", err)
		return true
	}

	p.logger.Info("Due batches sent to expire", "count", count, "now", now)
	return true
}
