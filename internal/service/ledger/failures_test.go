package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nkiryanov/creditledger/internal/apperrors"
	"github.com/nkiryanov/creditledger/internal/models"
	"github.com/nkiryanov/creditledger/internal/repository"
)

// Fails CreateEntry of one entry type, count times or forever if count < 0
type faults struct {
	mu        sync.Mutex
	entryType models.EntryType
	err       error
	count     int
	calls     int
}

func (f *faults) inject(typ models.EntryType, err error, count int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entryType, f.err, f.count, f.calls = typ, err, count, 0
}

func (f *faults) next(typ models.EntryType) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if typ != f.entryType || f.err == nil {
		return nil
	}
	f.calls++
	if f.count == 0 {
		return nil
	}
	if f.count > 0 {
		f.count--
	}
	return f.err
}

func (f *faults) attempts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type faultyStorage struct {
	repository.Storage
	faults *faults
}

func (s *faultyStorage) Ledger() repository.LedgerRepo {
	return &faultyLedger{LedgerRepo: s.Storage.Ledger(), faults: s.faults}
}

func (s *faultyStorage) InTx(ctx context.Context, fn func(repository.Storage) error) error {
	return s.Storage.InTx(ctx, func(tx repository.Storage) error {
		return fn(&faultyStorage{Storage: tx, faults: s.faults})
	})
}

type faultyLedger struct {
	repository.LedgerRepo
	faults *faults
}

func (l *faultyLedger) CreateEntry(ctx context.Context, e models.Entry) (models.Entry, error) {
	if err := l.faults.next(e.Type); err != nil {
		return models.Entry{}, err
	}
	return l.LedgerRepo.CreateEntry(ctx, e)
}

func runFailureScenarios(t *testing.T, withStorage storageFactory) {
	errBoom := errors.New("boom")

	inFixture := func(t *testing.T, cfg Config, fn func(f *fixture, fs *faults)) {
		withStorage(t, func(st repository.Storage) {
			fs := &faults{}
			fn(newFixture(&faultyStorage{Storage: st, faults: fs}, cfg), fs)
		})
	}

	t.Run("conflicts retried until write succeeds", func(t *testing.T) {
		inFixture(t, Config{}, func(f *fixture, fs *faults) {
			fs.inject(models.EntryEarned, apperrors.ErrStorageConflict, 2)

			res := f.earn(t, 100, "booking-a", 0)

			require.True(t, res.Applied)
			require.EqualValues(t, 100, res.BalanceAfter)
			require.Equal(t, 3, fs.attempts(), "two conflicts and one successful write")

			h := f.history(t)
			require.EqualValues(t, 100, h.Balance.Credits, "failed attempts rolled back")
			require.Len(t, h.Entries, 1, "exactly one batch")
			f.requireInvariants(t)
		})
	})

	t.Run("conflicts past retry budget returned", func(t *testing.T) {
		inFixture(t, Config{RetryBudget: 100 * time.Millisecond}, func(f *fixture, fs *faults) {
			fs.inject(models.EntryEarned, apperrors.ErrStorageConflict, -1)

			_, err := f.svc.Earn(t.Context(), EarnParams{UserID: f.user, Amount: 100, ReferenceID: "booking-a"})

			require.ErrorIs(t, err, apperrors.ErrStorageConflict)
			require.Greater(t, fs.attempts(), 1, "conflict should be retried")

			h := f.history(t)
			require.Zero(t, h.Balance.Credits)
			require.Empty(t, h.Entries)
		})
	})

	t.Run("failed spend changes nothing", func(t *testing.T) {
		inFixture(t, Config{}, func(f *fixture, fs *faults) {
			earned := f.earn(t, 100, "booking-a", time.Hour)
			fs.inject(models.EntrySpent, errBoom, 1)

			_, err := f.svc.Spend(t.Context(), SpendParams{UserID: f.user, Amount: 40, ReferenceID: "booking-b"})

			require.Equal(t, errBoom, err, "permanent error returned as is")
			require.Equal(t, 1, fs.attempts(), "permanent error is not retried")

			batch := f.entry(t, earned.Entry.ID)
			require.EqualValues(t, 100, batch.RemainingAmount)
			require.Equal(t, models.BatchOpen, batch.State)

			h := f.history(t)
			require.EqualValues(t, 100, h.Balance.Credits)
			require.Len(t, h.Entries, 1)
			f.requireInvariants(t)
		})
	})

	t.Run("failed revoke changes nothing", func(t *testing.T) {
		inFixture(t, Config{}, func(f *fixture, fs *faults) {
			earned := f.earn(t, 100, "booking-a", time.Hour)
			f.spend(t, 40, "booking-b")
			fs.inject(models.EntryRevoked, errBoom, 1)

			_, err := f.svc.Revoke(t.Context(), f.user, "booking-a")
			require.ErrorIs(t, err, errBoom)

			batch := f.entry(t, earned.Entry.ID)
			require.EqualValues(t, 60, batch.RemainingAmount)
			require.Equal(t, models.BatchOpen, batch.State)
			require.EqualValues(t, 60, f.history(t).Balance.Credits)
			require.Empty(t, f.history(t, models.EntryRevoked).Entries)

			res, err := f.svc.Revoke(t.Context(), f.user, "booking-a")
			require.NoError(t, err, "revoke may be repeated after failure")
			require.True(t, res.Applied)
			require.EqualValues(t, -40, res.BalanceAfter)
			f.requireInvariants(t)
		})
	})

	t.Run("failed expiry changes nothing", func(t *testing.T) {
		inFixture(t, Config{}, func(f *fixture, fs *faults) {
			earned := f.earn(t, 50, "booking-a", time.Hour)
			f.clock.Advance(2 * time.Hour)
			fs.inject(models.EntryExpired, errBoom, 1)

			_, err := f.svc.ExpireBatch(t.Context(), earned.Entry.ID)
			require.ErrorIs(t, err, errBoom)

			batch := f.entry(t, earned.Entry.ID)
			require.EqualValues(t, 50, batch.RemainingAmount)
			require.Equal(t, models.BatchOpen, batch.State)
			require.EqualValues(t, 50, f.history(t).Balance.Credits)

			report, err := f.svc.Expire(t.Context())
			require.NoError(t, err)
			require.Equal(t, 1, report.Expired, "batch expired on next sweep")
			f.requireInvariants(t)
		})
	})
}
