package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/nkiryanov/creditledger/internal/apperrors"
	"github.com/nkiryanov/creditledger/internal/lock"
	"github.com/nkiryanov/creditledger/internal/logger"
	"github.com/nkiryanov/creditledger/internal/metrics"
	"github.com/nkiryanov/creditledger/internal/models"
	"github.com/nkiryanov/creditledger/internal/repository"
)

const (
	DefaultLifetime    = 180 * 24 * time.Hour
	DefaultRetryBudget = 2 * time.Second

	sweepPageSize = 500
)

type Config struct {
	// Lifetime of new batches when caller does not set one
	Lifetime time.Duration

	// Fail spends not covered by open batches instead of logging them
	StrictShortfall bool

	// How long storage conflicts are retried before the error is returned
	RetryBudget time.Duration
}

type Option func(*Service)

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func WithLocker(l lock.Locker) Option {
	return func(s *Service) { s.locker = l }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

type Service struct {
	storage repository.Storage
	logger  logger.Logger
	metrics *metrics.Metrics
	locker  lock.Locker
	now     func() time.Time
	cfg     Config
}

func NewService(storage repository.Storage, log logger.Logger, cfg Config, opts ...Option) *Service {
	if cfg.Lifetime <= 0 {
		cfg.Lifetime = DefaultLifetime
	}
	if cfg.RetryBudget <= 0 {
		cfg.RetryBudget = DefaultRetryBudget
	}

	s := &Service{
		storage: storage,
		logger:  log,
		locker:  lock.Noop{},
		now:     time.Now,
		cfg:     cfg,
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

type EarnParams struct {
	UserID      uuid.UUID
	Amount      int64
	ReferenceID string
	Description string
	Lifetime    time.Duration // service default if zero
}

type SpendParams struct {
	UserID      uuid.UUID
	Amount      int64
	ReferenceID string
	Description string
}

// Result of a balance changing operation
// Entry is zero and Applied is false when operation had nothing to do
type Result struct {
	Applied      bool
	BalanceAfter int64
	Entry        models.Entry
}

// Earn opens a new EARNED batch. Non positive amount is ignored.
func (s *Service) Earn(ctx context.Context, p EarnParams) (res Result, err error) {
	defer s.observe("earn", time.Now(), &res, &err)
	return s.grant(ctx, models.EntryEarned, p, false)
}

// Refund opens a new REFUND batch, it never reopens the batches the spend drew from
func (s *Service) Refund(ctx context.Context, p EarnParams) (res Result, err error) {
	defer s.observe("refund", time.Now(), &res, &err)
	return s.grant(ctx, models.EntryRefund, p, false)
}

// RefundOnce is Refund that does nothing if a refund with the reference already exists
// Existing refund is returned as not applied, so replayed compensations do not credit twice
func (s *Service) RefundOnce(ctx context.Context, p EarnParams) (res Result, err error) {
	defer s.observe("refund", time.Now(), &res, &err)
	return s.grant(ctx, models.EntryRefund, p, true)
}

func (s *Service) grant(ctx context.Context, typ models.EntryType, p EarnParams, once bool) (Result, error) {
	if p.Amount <= 0 {
		s.logger.Debug("Non positive grant ignored", "user_id", p.UserID, "type", typ, "amount", p.Amount)
		credits, err := s.credits(ctx, p.UserID)
		return Result{BalanceAfter: credits}, err
	}

	lifetime := p.Lifetime
	if lifetime <= 0 {
		lifetime = s.cfg.Lifetime
	}

	return s.mutate(ctx, p.UserID, func(st repository.Storage, current models.Balance) (Result, error) {
		if once {
			existing, err := st.Ledger().GetByReference(ctx, p.UserID, typ, p.ReferenceID)
			switch {
			case err == nil:
				s.logger.Info("Grant already recorded", "user_id", p.UserID, "type", typ, "reference_id", p.ReferenceID)
				return Result{BalanceAfter: current.Credits, Entry: existing}, nil
			case !errors.Is(err, apperrors.ErrEntryNotFound):
				return Result{}, err
			}
		}

		now := s.now()
		expiry := now.Add(lifetime)

		balance, err := st.Balance().AddCredits(ctx, p.UserID, p.Amount)
		if err != nil {
			return Result{}, err
		}

		entry, err := st.Ledger().CreateEntry(ctx, models.Entry{
			ID:              uuid.New(),
			UserID:          p.UserID,
			CreatedAt:       now,
			Type:            typ,
			Amount:          p.Amount,
			Description:     p.Description,
			ReferenceID:     p.ReferenceID,
			BalanceAfter:    balance.Credits,
			ExpiryDate:      &expiry,
			RemainingAmount: p.Amount,
			State:           models.BatchOpen,
		})
		if err != nil {
			return Result{}, err
		}

		return Result{Applied: true, BalanceAfter: balance.Credits, Entry: entry}, nil
	})
}

// Spend debits the amount drawing from open batches, soonest expiry first
func (s *Service) Spend(ctx context.Context, p SpendParams) (res Result, err error) {
	defer s.observe("spend", time.Now(), &res, &err)

	if p.Amount <= 0 {
		return Result{}, fmt.Errorf("%w: got %d", apperrors.ErrInvalidAmount, p.Amount)
	}

	var shortfall int64

	res, err = s.mutate(ctx, p.UserID, func(st repository.Storage, balance models.Balance) (Result, error) {
		shortfall = 0

		if balance.Credits < p.Amount {
			return Result{BalanceAfter: balance.Credits}, fmt.Errorf("%w: have %d, need %d", apperrors.ErrBalanceInsufficient, balance.Credits, p.Amount)
		}

		batches, err := st.Ledger().ListOpenBatches(ctx, p.UserID, true)
		if err != nil {
			return Result{}, err
		}

		plan := Allocate(batches, p.Amount)
		if plan.Shortfall > 0 && s.cfg.StrictShortfall {
			return Result{BalanceAfter: balance.Credits}, fmt.Errorf("%w: user %s short by %d", apperrors.ErrShortfallInconsistency, p.UserID, plan.Shortfall)
		}
		shortfall = plan.Shortfall

		now := s.now()
		for _, take := range plan.Takes {
			state, closedAt := models.BatchOpen, (*time.Time)(nil)
			if take.Left() == 0 {
				state, closedAt = models.BatchConsumed, &now
			}

			if _, err := st.Ledger().UpdateBatch(ctx, take.Batch.ID, take.Left(), state, closedAt); err != nil {
				return Result{}, err
			}
		}

		balance, err = st.Balance().AddCredits(ctx, p.UserID, -p.Amount)
		if err != nil {
			return Result{}, err
		}

		entry, err := st.Ledger().CreateEntry(ctx, models.Entry{
			ID:           uuid.New(),
			UserID:       p.UserID,
			CreatedAt:    now,
			Type:         models.EntrySpent,
			Amount:       -p.Amount,
			Description:  p.Description,
			ReferenceID:  p.ReferenceID,
			BalanceAfter: balance.Credits,
		})
		if err != nil {
			return Result{}, err
		}

		allocations := make([]models.Allocation, 0, len(plan.Takes))
		for _, take := range plan.Takes {
			allocations = append(allocations, models.Allocation{SpentEntryID: entry.ID, BatchID: take.Batch.ID, Amount: take.Amount})
		}
		if len(allocations) > 0 {
			if err := st.Ledger().CreateAllocations(ctx, allocations); err != nil {
				return Result{}, err
			}
		}

		return Result{Applied: true, BalanceAfter: balance.Credits, Entry: entry}, nil
	})

	if err == nil && shortfall > 0 {
		s.logger.Warn("Open batches do not cover spent amount",
			"error", apperrors.ErrShortfallInconsistency,
			"user_id", p.UserID, "amount", p.Amount, "shortfall", shortfall, "entry_id", res.Entry.ID,
		)
		s.metrics.Shortfall()
	}

	return res, err
}

// Revoke takes back credits earned for the reference
// The whole earned amount is debited even if part of it was already spent, so balance may become negative
func (s *Service) Revoke(ctx context.Context, userID uuid.UUID, referenceID string) (res Result, err error) {
	defer s.observe("revoke", time.Now(), &res, &err)

	_, err = s.storage.Balance().GetBalance(ctx, userID, false)
	if errors.Is(err, apperrors.ErrUserNotFound) {
		s.logger.Info("Nothing to revoke, user has no balance", "user_id", userID, "reference_id", referenceID)
		return Result{}, nil
	}
	if err != nil {
		return Result{}, err
	}

	res, err = s.mutate(ctx, userID, func(st repository.Storage, balance models.Balance) (Result, error) {
		earned, err := st.Ledger().GetEarnedByReference(ctx, userID, referenceID, true)
		if errors.Is(err, apperrors.ErrEntryNotFound) {
			return Result{BalanceAfter: balance.Credits}, nil
		}
		if err != nil {
			return Result{}, err
		}

		now := s.now()
		if _, err := st.Ledger().UpdateBatch(ctx, earned.ID, 0, models.BatchRevoked, &now); err != nil {
			return Result{}, err
		}

		balance, err = st.Balance().AddCredits(ctx, userID, -earned.Amount)
		if err != nil {
			return Result{}, err
		}

		entry, err := st.Ledger().CreateEntry(ctx, models.Entry{
			ID:            uuid.New(),
			UserID:        userID,
			CreatedAt:     now,
			Type:          models.EntryRevoked,
			Amount:        -earned.Amount,
			Description:   fmt.Sprintf("Revoke credits earned for %s", referenceID),
			ReferenceID:   referenceID,
			BalanceAfter:  balance.Credits,
			SourceBatchID: &earned.ID,
		})
		if err != nil {
			return Result{}, err
		}

		return Result{Applied: true, BalanceAfter: balance.Credits, Entry: entry}, nil
	})

	switch {
	case err != nil:
	case !res.Applied:
		s.logger.Info("Nothing to revoke, no earned batch for reference", "user_id", userID, "reference_id", referenceID)
	case res.BalanceAfter < 0:
		s.logger.Warn("Balance is negative after revoke", "user_id", userID, "reference_id", referenceID, "balance", res.BalanceAfter)
	}

	return res, err
}

// ExpireBatch closes the batch if it is still open and due at the moment
// Batches that are not due are skipped, so it is safe to call it repeatedly
func (s *Service) ExpireBatch(ctx context.Context, batchID uuid.UUID) (res Result, err error) {
	defer s.observe("expire", time.Now(), &res, &err)
	defer func() {
		switch {
		case err != nil:
			s.metrics.Swept(metrics.SweepFailed)
		case res.Applied:
			s.metrics.Swept(metrics.SweepExpired)
		default:
			s.metrics.Swept(metrics.SweepSkipped)
		}
	}()

	batch, err := s.storage.Ledger().GetEntry(ctx, batchID, false)
	if err != nil {
		return Result{}, err
	}
	if !batch.IsBatch() {
		return Result{}, fmt.Errorf("entry %s is %s, not a batch: %w", batchID, batch.Type, apperrors.ErrEntryNotFound)
	}

	return s.mutate(ctx, batch.UserID, func(st repository.Storage, balance models.Balance) (Result, error) {
		batch, err := st.Ledger().GetEntry(ctx, batchID, true)
		if err != nil {
			return Result{}, err
		}

		now := s.now()
		if !batch.DueAt(now) {
			return Result{BalanceAfter: balance.Credits}, nil
		}

		if _, err := st.Ledger().UpdateBatch(ctx, batch.ID, 0, models.BatchExpired, &now); err != nil {
			return Result{}, err
		}

		balance, err = st.Balance().AddCredits(ctx, batch.UserID, -batch.RemainingAmount)
		if err != nil {
			return Result{}, err
		}

		entry, err := st.Ledger().CreateEntry(ctx, models.Entry{
			ID:            uuid.New(),
			UserID:        batch.UserID,
			CreatedAt:     now,
			Type:          models.EntryExpired,
			Amount:        -batch.RemainingAmount,
			Description:   "Credits expired",
			ReferenceID:   batch.ReferenceID,
			BalanceAfter:  balance.Credits,
			SourceBatchID: &batch.ID,
		})
		if err != nil {
			return Result{}, err
		}

		return Result{Applied: true, BalanceAfter: balance.Credits, Entry: entry}, nil
	})
}

type SweepReport struct {
	Scanned int
	Expired int
	Skipped int
	Failed  int
	Credits int64 // total credits expired
}

// Expire sweeps all batches due at the moment one by one, it is the one-shot sweep
// (ledgerd --sweep-once); the running server sweeps with the concurrent sweeper instead
// Failure of a batch is logged and does not stop the sweep
func (s *Service) Expire(ctx context.Context) (SweepReport, error) {
	var report SweepReport

	err := repository.EachDueBatch(ctx, s.storage.Ledger(), s.now(), sweepPageSize, func(b models.Entry) error {
		report.Scanned++

		res, err := s.ExpireBatch(ctx, b.ID)
		switch {
		case err != nil && ctx.Err() != nil:
			return ctx.Err()
		case err != nil:
			report.Failed++
			s.logger.Error("Failed to expire batch", "error", err, "batch_id", b.ID, "user_id", b.UserID)
		case res.Applied:
			report.Expired++
			report.Credits -= res.Entry.Amount
		default:
			report.Skipped++
		}
		return nil
	})
	if err != nil {
		return report, err
	}

	s.logger.Info("Expiration sweep finished",
		"scanned", report.Scanned, "expired", report.Expired, "skipped", report.Skipped, "failed", report.Failed, "credits", report.Credits,
	)

	return report, nil
}

type HistoryOpts struct {
	Types []models.EntryType // all types if empty
	Limit int                // all entries if zero
}

type History struct {
	Balance models.Balance
	Entries []models.Entry // newest first
}

// History returns current balance and entries of the user
// Unknown user has zero balance and no entries
func (s *Service) History(ctx context.Context, userID uuid.UUID, opts HistoryOpts) (History, error) {
	h := History{Balance: models.Balance{UserID: userID}}

	err := s.storage.InTx(ctx, func(st repository.Storage) error {
		balance, err := st.Balance().GetBalance(ctx, userID, false)
		switch {
		case errors.Is(err, apperrors.ErrUserNotFound):
			return nil
		case err != nil:
			return err
		}

		entries, err := st.Ledger().ListEntries(ctx, userID, repository.ListEntriesOpts{Types: opts.Types, Limit: opts.Limit})
		if err != nil {
			return err
		}

		h.Balance, h.Entries = balance, entries
		return nil
	})

	return h, err
}

type Reconciliation struct {
	UserID         uuid.UUID
	Credits        int64
	EntriesSum     int64 // signed sum of all entries
	OpenBatchesSum int64 // remainders of open batches
}

// Consistent reports whether the balance equals the sum of entries
func (r Reconciliation) Consistent() bool {
	return r.Credits == r.EntriesSum
}

// Covered reports whether open batches back the balance exactly
func (r Reconciliation) Covered() bool {
	return r.Credits == r.OpenBatchesSum
}

// Debt is the negative part of the balance left by revokes
func (r Reconciliation) Debt() int64 {
	return max(-r.Credits, 0)
}

// Reconcile compares the balance with the entries under the user lock
func (s *Service) Reconcile(ctx context.Context, userID uuid.UUID) (Reconciliation, error) {
	r := Reconciliation{UserID: userID}

	err := s.storage.InTx(ctx, func(st repository.Storage) error {
		balance, err := st.Balance().GetBalance(ctx, userID, true)
		if err != nil {
			return err
		}

		entriesSum, openBatchesSum, err := st.Ledger().SumEntries(ctx, userID)
		if err != nil {
			return err
		}

		r.Credits, r.EntriesSum, r.OpenBatchesSum = balance.Credits, entriesSum, openBatchesSum
		return nil
	})
	if err != nil {
		return r, err
	}

	if !r.Consistent() {
		s.logger.Error("Balance drifted from entries", "user_id", userID, "credits", r.Credits, "entries_sum", r.EntriesSum)
	}

	return r, nil
}

// mutate runs fn in a transaction holding the user lock and the locked balance row
// Storage conflicts and busy user lock are retried until retry budget is spent
func (s *Service) mutate(ctx context.Context, userID uuid.UUID, fn func(st repository.Storage, balance models.Balance) (Result, error)) (Result, error) {
	attempt := func() (Result, error) {
		unlock, err := s.locker.Lock(ctx, userID.String())
		if err != nil {
			return Result{}, retryable(err)
		}
		defer unlock()

		var res Result
		err = s.storage.InTx(ctx, func(st repository.Storage) error {
			if err := st.Balance().EnsureBalance(ctx, userID); err != nil {
				return err
			}

			balance, err := st.Balance().GetBalance(ctx, userID, true)
			if err != nil {
				return err
			}

			res, err = fn(st, balance)
			return err
		})

		return res, retryable(err)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 20 * time.Millisecond
	b.MaxElapsedTime = s.cfg.RetryBudget

	return backoff.RetryWithData(attempt, backoff.WithContext(b, ctx))
}

// retryable marks errors that must not be retried as permanent
func retryable(err error) error {
	if err == nil || errors.Is(err, apperrors.ErrStorageConflict) || errors.Is(err, apperrors.ErrLockNotAcquired) {
		return err
	}
	return backoff.Permanent(err)
}

func (s *Service) observe(operation string, start time.Time, res *Result, err *error) {
	s.metrics.ObserveOperation(operation, start, res.Applied, *err)
	if *err == nil && res.Applied {
		s.metrics.EntryWritten(res.Entry)
	}
}

// credits of the user, zero if user has no balance yet
func (s *Service) credits(ctx context.Context, userID uuid.UUID) (int64, error) {
	balance, err := s.storage.Balance().GetBalance(ctx, userID, false)
	switch {
	case errors.Is(err, apperrors.ErrUserNotFound):
		return 0, nil
	case err != nil:
		return 0, err
	default:
		return balance.Credits, nil
	}
}
