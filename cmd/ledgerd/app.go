package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/nkiryanov/creditledger/internal/db"
	"github.com/nkiryanov/creditledger/internal/handlers"
	"github.com/nkiryanov/creditledger/internal/lock"
	"github.com/nkiryanov/creditledger/internal/logger"
	"github.com/nkiryanov/creditledger/internal/metrics"
	"github.com/nkiryanov/creditledger/internal/repository/postgres"
	"github.com/nkiryanov/creditledger/internal/service/booking"
	"github.com/nkiryanov/creditledger/internal/service/ledger"
	"github.com/nkiryanov/creditledger/internal/service/sweeper"
)

const shutdownTimeout = 5 * time.Second

type ServerApp struct {
	ListenAddr string
	Handler    http.Handler
	Sweeper    *sweeper.Sweeper
	Ledger     *ledger.Service
	Logger     logger.Logger

	// Release connections opened by the app
	closers []func()
}

func NewServerApp(ctx context.Context, c *Config) (*ServerApp, error) {
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	// Initialize logger
	log, err := logger.New(c.Environment, c.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("error while initializing logger: %w", err)
	}

	policy, err := booking.NewPolicy(c.EarnRate, c.CreditLifetime)
	if err != nil {
		return nil, err
	}

	// Connect to the database and run migrations
	pool, err := db.ConnectAndMigrate(ctx, c.DatabaseDSN)
	if err != nil {
		return nil, fmt.Errorf("error while connecting to db. Err: %w", err)
	}
	app := &ServerApp{ListenAddr: c.ListenAddr, Logger: log, closers: []func(){pool.Close}}

	var locker lock.Locker = lock.Noop{}
	if c.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: c.RedisAddr})
		app.closers = append(app.closers, func() { _ = rdb.Close() })

		if err := rdb.Ping(ctx).Err(); err != nil {
			app.Close()
			return nil, fmt.Errorf("error while connecting to redis. Err: %w", err)
		}
		locker = lock.NewRedisLocker(rdb)
	}

	// Initialize services
	storage := postgres.NewStorage(pool)
	m := metrics.New()

	ledgerService := ledger.NewService(storage, log, ledger.Config{
		Lifetime:        c.CreditLifetime,
		StrictShortfall: c.StrictShortfall,
	}, ledger.WithLocker(locker), ledger.WithMetrics(m))
	bookingService := booking.NewService(ledgerService, policy, log)
	app.Ledger = ledgerService

	app.Sweeper = sweeper.New(sweeper.Config{
		Interval:     c.SweepInterval,
		CountWorkers: c.SweepWorkers,
	}, storage.Ledger(), ledgerService, log, nil)

	app.Handler = handlers.NewRouter(ledgerService, bookingService, m.Handler(), log)

	return app, nil
}

// Run starts http server and sweeper, both stop gracefully on context cancellation
func (s *ServerApp) Run(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:    s.ListenAddr,
		Handler: s.Handler,
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.Logger.Info("Starting server", "address", s.ListenAddr)
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()

		timeoutCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()

		if err := httpServer.Shutdown(timeoutCtx); errors.Is(err, context.DeadlineExceeded) {
			s.Logger.Error("HTTP server shutdown timeout exceeded, forcing shutdown...")
		}
		s.Logger.Info("HTTP server stopped")
		return nil
	})

	g.Go(func() error {
		<-s.Sweeper.Run(ctx)
		s.Logger.Info("Sweeper stopped")
		return nil
	})

	return g.Wait()
}

// SweepOnce expires every batch due now and returns
func (s *ServerApp) SweepOnce(ctx context.Context) error {
	_, err := s.Ledger.Expire(ctx)
	return err
}

func (s *ServerApp) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
}
