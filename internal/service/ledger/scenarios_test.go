package ledger

import (
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/nkiryanov/creditledger/internal/apperrors"
	"github.com/nkiryanov/creditledger/internal/logger"
	"github.com/nkiryanov/creditledger/internal/models"
	"github.com/nkiryanov/creditledger/internal/repository"
)

// Run fn with fresh storage, every test gets its own
type storageFactory func(t *testing.T, fn func(st repository.Storage))

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock {
	return &clock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	svc   *Service
	st    repository.Storage
	clock *clock
	user  uuid.UUID
}

func newFixture(st repository.Storage, cfg Config) *fixture {
	c := newClock()
	return &fixture{
		svc:   NewService(st, logger.NewNoOpLogger(), cfg, WithClock(c.Now)),
		st:    st,
		clock: c,
		user:  uuid.New(),
	}
}

func (f *fixture) earn(t *testing.T, amount int64, ref string, lifetime time.Duration) Result {
	t.Helper()
	res, err := f.svc.Earn(t.Context(), EarnParams{UserID: f.user, Amount: amount, ReferenceID: ref, Lifetime: lifetime})
	require.NoError(t, err, "earn should not fail")
	return res
}

func (f *fixture) spend(t *testing.T, amount int64, ref string) Result {
	t.Helper()
	res, err := f.svc.Spend(t.Context(), SpendParams{UserID: f.user, Amount: amount, ReferenceID: ref})
	require.NoError(t, err, "spend should not fail")
	return res
}

func (f *fixture) entry(t *testing.T, id uuid.UUID) models.Entry {
	t.Helper()
	e, err := f.st.Ledger().GetEntry(t.Context(), id, false)
	require.NoError(t, err, "entry should exist")
	return e
}

func (f *fixture) history(t *testing.T, types ...models.EntryType) History {
	t.Helper()
	h, err := f.svc.History(t.Context(), f.user, HistoryOpts{Types: types})
	require.NoError(t, err, "history should not fail")
	return h
}

// Balance equals the sum of entries, closed batches are empty and open ones are not
func (f *fixture) requireInvariants(t *testing.T) Reconciliation {
	t.Helper()

	r, err := f.svc.Reconcile(t.Context(), f.user)
	require.NoError(t, err, "reconcile should not fail")
	require.True(t, r.Consistent(), "balance %d should equal sum of entries %d", r.Credits, r.EntriesSum)

	for _, b := range f.history(t, models.EntryEarned, models.EntryRefund).Entries {
		require.GreaterOrEqual(t, b.RemainingAmount, int64(0))
		require.LessOrEqual(t, b.RemainingAmount, b.Amount)
		if b.State == models.BatchOpen {
			require.Positive(t, b.RemainingAmount, "open batch %s should not be empty", b.ID)
			require.Nil(t, b.ClosedAt)
		} else {
			require.Zero(t, b.RemainingAmount, "closed batch %s should be empty", b.ID)
			require.NotNil(t, b.ClosedAt)
		}
	}

	return r
}

func runScenarios(t *testing.T, withStorage storageFactory) {
	inFixture := func(t *testing.T, cfg Config, fn func(f *fixture)) {
		withStorage(t, func(st repository.Storage) {
			fn(newFixture(st, cfg))
		})
	}

	t.Run("Earn", func(t *testing.T) {
		t.Run("opens batch", func(t *testing.T) {
			inFixture(t, Config{}, func(f *fixture) {
				res := f.earn(t, 100, "booking-a", 0)

				require.True(t, res.Applied)
				require.EqualValues(t, 100, res.BalanceAfter)

				e := f.entry(t, res.Entry.ID)
				require.Equal(t, models.EntryEarned, e.Type)
				require.EqualValues(t, 100, e.Amount)
				require.EqualValues(t, 100, e.RemainingAmount)
				require.EqualValues(t, 100, e.BalanceAfter)
				require.Equal(t, models.BatchOpen, e.State)
				require.Equal(t, "booking-a", e.ReferenceID)
				require.WithinDuration(t, f.clock.Now().Add(DefaultLifetime), *e.ExpiryDate, 0, "default lifetime is 180 days")

				f.requireInvariants(t)
			})
		})

		t.Run("custom lifetime", func(t *testing.T) {
			inFixture(t, Config{}, func(f *fixture) {
				res := f.earn(t, 10, "booking-a", time.Hour)

				require.WithinDuration(t, f.clock.Now().Add(time.Hour), *f.entry(t, res.Entry.ID).ExpiryDate, 0)
			})
		})

		t.Run("non positive amount is noop", func(t *testing.T) {
			inFixture(t, Config{}, func(f *fixture) {
				f.earn(t, 10, "booking-a", 0)

				res := f.earn(t, 0, "booking-b", 0)
				require.False(t, res.Applied)
				require.EqualValues(t, 10, res.BalanceAfter)

				res = f.earn(t, -5, "booking-c", 0)
				require.False(t, res.Applied)
				require.Len(t, f.history(t).Entries, 1, "no entries written")
			})
		})

		t.Run("same reference twice is not deduplicated", func(t *testing.T) {
			inFixture(t, Config{}, func(f *fixture) {
				f.earn(t, 10, "booking-a", 0)
				res := f.earn(t, 10, "booking-a", 0)

				require.EqualValues(t, 20, res.BalanceAfter)
			})
		})
	})

	t.Run("Spend", func(t *testing.T) {
		t.Run("invalid amount", func(t *testing.T) {
			inFixture(t, Config{}, func(f *fixture) {
				_, err := f.svc.Spend(t.Context(), SpendParams{UserID: f.user, Amount: 0})

				require.ErrorIs(t, err, apperrors.ErrInvalidAmount)
			})
		})

		t.Run("insufficient balance mutates nothing", func(t *testing.T) {
			inFixture(t, Config{}, func(f *fixture) {
				earned := f.earn(t, 30, "booking-a", 0)

				res, err := f.svc.Spend(t.Context(), SpendParams{UserID: f.user, Amount: 31})

				require.ErrorIs(t, err, apperrors.ErrBalanceInsufficient)
				require.False(t, res.Applied)
				require.EqualValues(t, 30, res.BalanceAfter)
				require.EqualValues(t, 30, f.entry(t, earned.Entry.ID).RemainingAmount)
				require.Len(t, f.history(t).Entries, 1)
			})
		})

		t.Run("insufficient for unknown user", func(t *testing.T) {
			inFixture(t, Config{}, func(f *fixture) {
				_, err := f.svc.Spend(t.Context(), SpendParams{UserID: f.user, Amount: 1})

				require.ErrorIs(t, err, apperrors.ErrBalanceInsufficient)
			})
		})

		t.Run("soonest expiry first", func(t *testing.T) {
			inFixture(t, Config{}, func(f *fixture) {
				late := f.earn(t, 50, "late", 10*24*time.Hour)
				soon := f.earn(t, 30, "soon", 5*24*time.Hour)

				res := f.spend(t, 40, "checkout")

				require.EqualValues(t, 40, res.BalanceAfter)
				require.EqualValues(t, -40, res.Entry.Amount)
				require.Equal(t, models.EntrySpent, res.Entry.Type)

				soonBatch := f.entry(t, soon.Entry.ID)
				require.Zero(t, soonBatch.RemainingAmount)
				require.Equal(t, models.BatchConsumed, soonBatch.State)
				require.True(t, soonBatch.IsExpired(), "consumed batch is closed")

				lateBatch := f.entry(t, late.Entry.ID)
				require.EqualValues(t, 40, lateBatch.RemainingAmount)
				require.Equal(t, models.BatchOpen, lateBatch.State)

				allocations, err := f.st.Ledger().ListAllocations(t.Context(), res.Entry.ID)
				require.NoError(t, err)
				require.Equal(t, []models.Allocation{
					{SpentEntryID: res.Entry.ID, BatchID: soon.Entry.ID, Amount: 30},
					{SpentEntryID: res.Entry.ID, BatchID: late.Entry.ID, Amount: 10},
				}, allocations)

				f.requireInvariants(t)
			})
		})

		t.Run("same expiry consumed in creation order", func(t *testing.T) {
			inFixture(t, Config{}, func(f *fixture) {
				first := f.earn(t, 10, "first", 0)
				second := f.earn(t, 10, "second", 0)

				f.spend(t, 15, "checkout")

				require.Zero(t, f.entry(t, first.Entry.ID).RemainingAmount)
				require.EqualValues(t, 5, f.entry(t, second.Entry.ID).RemainingAmount)
			})
		})

		t.Run("closed batches are skipped", func(t *testing.T) {
			inFixture(t, Config{}, func(f *fixture) {
				revoked := f.earn(t, 10, "revoked", time.Hour)
				kept := f.earn(t, 10, "kept", 2*time.Hour)
				f.earn(t, 10, "extra", 3*time.Hour)

				_, err := f.svc.Revoke(t.Context(), f.user, "revoked")
				require.NoError(t, err)

				f.spend(t, 5, "checkout")

				require.Zero(t, f.entry(t, revoked.Entry.ID).RemainingAmount)
				require.EqualValues(t, 5, f.entry(t, kept.Entry.ID).RemainingAmount)
			})
		})

		t.Run("shortfall debited and flagged", func(t *testing.T) {
			inFixture(t, Config{}, func(f *fixture) {
				f.earn(t, 10, "booking-a", 0)

				// Drift the balance away from batches
				_, err := f.st.Balance().AddCredits(t.Context(), f.user, 15)
				require.NoError(t, err)

				res := f.spend(t, 20, "checkout")

				require.True(t, res.Applied)
				require.EqualValues(t, 5, res.BalanceAfter)

				allocations, err := f.st.Ledger().ListAllocations(t.Context(), res.Entry.ID)
				require.NoError(t, err)
				require.Len(t, allocations, 1)
				require.EqualValues(t, 10, allocations[0].Amount)
			})
		})

		t.Run("shortfall rejected in strict mode", func(t *testing.T) {
			inFixture(t, Config{StrictShortfall: true}, func(f *fixture) {
				earned := f.earn(t, 10, "booking-a", 0)

				_, err := f.st.Balance().AddCredits(t.Context(), f.user, 15)
				require.NoError(t, err)

				_, err = f.svc.Spend(t.Context(), SpendParams{UserID: f.user, Amount: 20})

				require.ErrorIs(t, err, apperrors.ErrShortfallInconsistency)
				require.EqualValues(t, 10, f.entry(t, earned.Entry.ID).RemainingAmount, "batch untouched")
				require.EqualValues(t, 25, f.history(t).Balance.Credits, "balance untouched")
			})
		})
	})

	t.Run("Refund", func(t *testing.T) {
		t.Run("opens fresh batch", func(t *testing.T) {
			inFixture(t, Config{}, func(f *fixture) {
				earned := f.earn(t, 50, "booking-a", time.Hour)
				f.spend(t, 50, "booking-b")

				res, err := f.svc.Refund(t.Context(), EarnParams{UserID: f.user, Amount: 20, ReferenceID: "booking-b"})
				require.NoError(t, err)

				require.True(t, res.Applied)
				require.EqualValues(t, 20, res.BalanceAfter)
				require.Equal(t, models.EntryRefund, res.Entry.Type)
				require.NotEqual(t, earned.Entry.ID, res.Entry.ID)
				require.Equal(t, models.BatchConsumed, f.entry(t, earned.Entry.ID).State, "spent batch stays closed")
				require.WithinDuration(t, f.clock.Now().Add(DefaultLifetime), *res.Entry.ExpiryDate, 0)

				f.requireInvariants(t)
			})
		})

		t.Run("once per reference", func(t *testing.T) {
			inFixture(t, Config{}, func(f *fixture) {
				f.earn(t, 50, "booking-a", time.Hour)
				p := EarnParams{UserID: f.user, Amount: 20, ReferenceID: "booking-b"}

				first, err := f.svc.RefundOnce(t.Context(), p)
				require.NoError(t, err)
				require.True(t, first.Applied)
				require.EqualValues(t, 70, first.BalanceAfter)

				again, err := f.svc.RefundOnce(t.Context(), p)
				require.NoError(t, err)
				require.False(t, again.Applied)
				require.EqualValues(t, 70, again.BalanceAfter)
				require.Equal(t, first.Entry.ID, again.Entry.ID, "existing refund returned")

				other, err := f.svc.RefundOnce(t.Context(), EarnParams{UserID: f.user, Amount: 5, ReferenceID: "booking-c"})
				require.NoError(t, err)
				require.True(t, other.Applied)

				require.Len(t, f.history(t, models.EntryRefund).Entries, 2)
				f.requireInvariants(t)
			})
		})
	})

	t.Run("Revoke", func(t *testing.T) {
		t.Run("unknown reference is noop", func(t *testing.T) {
			inFixture(t, Config{}, func(f *fixture) {
				f.earn(t, 10, "booking-a", 0)

				res, err := f.svc.Revoke(t.Context(), f.user, "booking-x")

				require.NoError(t, err)
				require.False(t, res.Applied)
				require.EqualValues(t, 10, res.BalanceAfter)
			})
		})

		t.Run("unknown user is noop", func(t *testing.T) {
			inFixture(t, Config{}, func(f *fixture) {
				res, err := f.svc.Revoke(t.Context(), f.user, "booking-x")

				require.NoError(t, err)
				require.False(t, res.Applied)
			})
		})

		t.Run("after partial spend balance goes negative", func(t *testing.T) {
			inFixture(t, Config{}, func(f *fixture) {
				earned := f.earn(t, 100, "booking-a", 0)
				f.spend(t, 60, "booking-b")

				res, err := f.svc.Revoke(t.Context(), f.user, "booking-a")
				require.NoError(t, err)

				require.True(t, res.Applied)
				require.EqualValues(t, -60, res.BalanceAfter)
				require.EqualValues(t, -100, res.Entry.Amount)
				require.Equal(t, models.EntryRevoked, res.Entry.Type)
				require.Equal(t, earned.Entry.ID, *res.Entry.SourceBatchID)

				batch := f.entry(t, earned.Entry.ID)
				require.Zero(t, batch.RemainingAmount)
				require.Equal(t, models.BatchRevoked, batch.State)

				r := f.requireInvariants(t)
				require.EqualValues(t, 60, r.Debt())
			})
		})

		t.Run("twice revokes once", func(t *testing.T) {
			inFixture(t, Config{}, func(f *fixture) {
				f.earn(t, 100, "booking-a", 0)

				_, err := f.svc.Revoke(t.Context(), f.user, "booking-a")
				require.NoError(t, err)
				res, err := f.svc.Revoke(t.Context(), f.user, "booking-a")
				require.NoError(t, err)

				require.False(t, res.Applied)
				require.Zero(t, res.BalanceAfter)
			})
		})
	})

	t.Run("Expire", func(t *testing.T) {
		t.Run("due batches expired", func(t *testing.T) {
			inFixture(t, Config{}, func(f *fixture) {
				due := f.earn(t, 100, "booking-a", time.Hour)
				notDue := f.earn(t, 20, "booking-b", 48*time.Hour)
				f.spend(t, 30, "booking-c")

				f.clock.Advance(2 * time.Hour)
				report, err := f.svc.Expire(t.Context())
				require.NoError(t, err)

				require.Equal(t, SweepReport{Scanned: 1, Expired: 1, Credits: 70}, report)

				batch := f.entry(t, due.Entry.ID)
				require.Zero(t, batch.RemainingAmount)
				require.Equal(t, models.BatchExpired, batch.State)
				require.Equal(t, models.BatchOpen, f.entry(t, notDue.Entry.ID).State)

				expired := f.history(t, models.EntryExpired).Entries
				require.Len(t, expired, 1)
				require.EqualValues(t, -70, expired[0].Amount)
				require.EqualValues(t, 20, expired[0].BalanceAfter)
				require.Equal(t, due.Entry.ID, *expired[0].SourceBatchID)
				require.Equal(t, "booking-a", expired[0].ReferenceID)

				f.requireInvariants(t)
			})
		})

		t.Run("no double expiration", func(t *testing.T) {
			inFixture(t, Config{}, func(f *fixture) {
				due := f.earn(t, 100, "booking-a", time.Hour)
				f.clock.Advance(2 * time.Hour)

				res, err := f.svc.ExpireBatch(t.Context(), due.Entry.ID)
				require.NoError(t, err)
				require.True(t, res.Applied)

				res, err = f.svc.ExpireBatch(t.Context(), due.Entry.ID)
				require.NoError(t, err)
				require.False(t, res.Applied)

				report, err := f.svc.Expire(t.Context())
				require.NoError(t, err)
				require.Zero(t, report.Expired)

				require.Len(t, f.history(t, models.EntryExpired).Entries, 1)
				require.Zero(t, f.history(t).Balance.Credits)
			})
		})

		t.Run("batch expiring exactly now is due", func(t *testing.T) {
			inFixture(t, Config{}, func(f *fixture) {
				due := f.earn(t, 10, "booking-a", time.Hour)
				f.clock.Advance(time.Hour)

				res, err := f.svc.ExpireBatch(t.Context(), due.Entry.ID)

				require.NoError(t, err)
				require.True(t, res.Applied)
			})
		})

		t.Run("not due batch skipped", func(t *testing.T) {
			inFixture(t, Config{}, func(f *fixture) {
				notDue := f.earn(t, 10, "booking-a", time.Hour)

				res, err := f.svc.ExpireBatch(t.Context(), notDue.Entry.ID)

				require.NoError(t, err)
				require.False(t, res.Applied)
				require.EqualValues(t, 10, res.BalanceAfter)
			})
		})

		t.Run("not a batch", func(t *testing.T) {
			inFixture(t, Config{}, func(f *fixture) {
				f.earn(t, 10, "booking-a", time.Hour)
				spent := f.spend(t, 5, "booking-b")

				_, err := f.svc.ExpireBatch(t.Context(), spent.Entry.ID)

				require.ErrorIs(t, err, apperrors.ErrEntryNotFound)
			})
		})
	})

	t.Run("History", func(t *testing.T) {
		t.Run("unknown user", func(t *testing.T) {
			inFixture(t, Config{}, func(f *fixture) {
				h := f.history(t)

				require.Equal(t, f.user, h.Balance.UserID)
				require.Zero(t, h.Balance.Credits)
				require.Empty(t, h.Entries)
			})
		})

		t.Run("newest first with filter and limit", func(t *testing.T) {
			inFixture(t, Config{}, func(f *fixture) {
				f.earn(t, 10, "a", 0)
				f.spend(t, 3, "b")
				f.earn(t, 10, "c", 0)

				h := f.history(t)
				require.Len(t, h.Entries, 3)
				require.Equal(t, "c", h.Entries[0].ReferenceID)
				require.Equal(t, "a", h.Entries[2].ReferenceID)
				require.EqualValues(t, 17, h.Balance.Credits)

				h = f.history(t, models.EntrySpent)
				require.Len(t, h.Entries, 1)

				h, err := f.svc.History(t.Context(), f.user, HistoryOpts{Limit: 1})
				require.NoError(t, err)
				require.Len(t, h.Entries, 1)
				require.Equal(t, "c", h.Entries[0].ReferenceID)
			})
		})
	})

	t.Run("end to end", func(t *testing.T) {
		inFixture(t, Config{}, func(f *fixture) {
			res := f.earn(t, 100, "booking-a", 0)
			require.EqualValues(t, 100, res.BalanceAfter)

			res = f.spend(t, 50, "booking-b")
			require.EqualValues(t, 50, res.BalanceAfter)
			require.Len(t, f.history(t, models.EntrySpent).Entries, 1)

			res, err := f.svc.Refund(t.Context(), EarnParams{UserID: f.user, Amount: 50, ReferenceID: "booking-b"})
			require.NoError(t, err)
			require.EqualValues(t, 100, res.BalanceAfter)
			require.EqualValues(t, 50, res.Entry.RemainingAmount)

			res, err = f.svc.Revoke(t.Context(), f.user, "booking-a")
			require.NoError(t, err)
			require.EqualValues(t, 0, res.BalanceAfter)
			require.EqualValues(t, -100, res.Entry.Amount)

			short := f.earn(t, 25, "booking-c", time.Minute)
			f.clock.Advance(time.Hour)

			report, err := f.svc.Expire(t.Context())
			require.NoError(t, err)
			require.Equal(t, 1, report.Expired)

			expired := f.history(t, models.EntryExpired).Entries
			require.Len(t, expired, 1)
			require.EqualValues(t, -25, expired[0].Amount)
			require.Equal(t, short.Entry.ID, *expired[0].SourceBatchID)
			require.EqualValues(t, 0, f.history(t).Balance.Credits)

			f.requireInvariants(t)
		})
	})

	t.Run("Failures", func(t *testing.T) {
		runFailureScenarios(t, withStorage)
	})
}
