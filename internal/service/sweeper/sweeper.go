// Package sweeper expires due batches in background
//
// Producer lists due batches on every tick and feeds them to the pool of consumers.
// Consumers expire batches one by one, each in own transaction, so failure of one
// batch does not stop the others.
package sweeper

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/nkiryanov/creditledger/internal/logger"
	"github.com/nkiryanov/creditledger/internal/models"
	"github.com/nkiryanov/creditledger/internal/repository"
	"github.com/nkiryanov/creditledger/internal/service/ledger"
)

const (
	DefaultCountWorkers = 4
	DefaultInterval     = 24 * time.Hour

	defaultPageSize = 500
)

type ledgerService interface {
	ExpireBatch(ctx context.Context, batchID uuid.UUID) (ledger.Result, error)
}

type Config struct {
	Interval     time.Duration
	CountWorkers int
}

type Sweeper struct {
	consumer *Consumer
	producer *Producer
	logger   logger.Logger
}

func New(cfg Config, lister repository.DueLister, service ledgerService, log logger.Logger, now func() time.Time) *Sweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.CountWorkers <= 0 {
		cfg.CountWorkers = DefaultCountWorkers
	}
	if now == nil {
		now = time.Now
	}

	return &Sweeper{
		consumer: &Consumer{
			countWorkers: cfg.CountWorkers,
			service:      service,
			logger:       log,
		},
		producer: &Producer{
			interval: cfg.Interval,
			pageSize: defaultPageSize,
			lister:   lister,
			now:      now,
			logger:   log,
		},
		logger: log,
	}
}

// Run sweeps until ctx is done
// Returned channel is closed when producer and all consumers stopped
func (s *Sweeper) Run(ctx context.Context) <-chan struct{} {
	idleStopped := make(chan struct{})

	batches := make(chan models.Entry)

	producerStopped := s.producer.Produce(ctx, batches)
	consumerStopped := s.consumer.Consume(ctx, batches)

	go func() {
		defer close(idleStopped)
		<-producerStopped
		close(batches)
		<-consumerStopped
		s.logger.Debug("Sweeper stopped")
	}()

	return idleStopped
}
