// Package memory keeps the ledger in process memory.
//
// Transactions work on a private copy of the whole state that replaces the
// committed state only when the transaction function succeeds. Top level
// transactions are serialized by one mutex, which is enough for embedding and
// tests but means the store can't be shared between replicas.
package memory

import (
	"cmp"
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nkiryanov/creditledger/internal/apperrors"
	"github.com/nkiryanov/creditledger/internal/models"
	"github.com/nkiryanov/creditledger/internal/repository"
)

type state struct {
	balances    map[uuid.UUID]models.Balance
	entries     map[uuid.UUID]models.Entry
	allocations []models.Allocation
	seq         int64
}

func newState() *state {
	return &state{
		balances: make(map[uuid.UUID]models.Balance),
		entries:  make(map[uuid.UUID]models.Entry),
	}
}

// Values stored are plain structs (pointer fields are never mutated in place), so shallow copies are enough
func (s *state) clone() *state {
	return &state{
		balances:    maps.Clone(s.balances),
		entries:     maps.Clone(s.entries),
		allocations: slices.Clone(s.allocations),
		seq:         s.seq,
	}
}

type database struct {
	mu sync.Mutex
	st *state
}

type Storage struct {
	db *database
	tx *state // nil when not in transaction
}

func NewStorage() *Storage {
	return &Storage{db: &database{st: newState()}}
}

func (s *Storage) Balance() repository.BalanceRepo {
	return &BalanceRepo{s: s}
}

func (s *Storage) Ledger() repository.LedgerRepo {
	return &LedgerRepo{s: s}
}

func (s *Storage) InTx(ctx context.Context, fn func(repository.Storage) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	// Nested transaction works like a savepoint
	if s.tx != nil {
		child := s.tx.clone()
		if err := fn(&Storage{db: s.db, tx: child}); err != nil {
			return err
		}
		*s.tx = *child
		return nil
	}

	s.db.mu.Lock()
	defer s.db.mu.Unlock()

	st := s.db.st.clone()
	if err := fn(&Storage{db: s.db, tx: st}); err != nil {
		return err
	}
	s.db.st = st

	return nil
}

// run applies fn to the transaction state or, outside of transaction, atomically to the committed state
func (s *Storage) run(fn func(st *state) error) error {
	if s.tx != nil {
		return fn(s.tx)
	}

	s.db.mu.Lock()
	defer s.db.mu.Unlock()

	st := s.db.st.clone()
	if err := fn(st); err != nil {
		return err
	}
	s.db.st = st

	return nil
}

type BalanceRepo struct {
	s *Storage
}

func (r *BalanceRepo) EnsureBalance(_ context.Context, userID uuid.UUID) error {
	return r.s.run(func(st *state) error {
		if _, ok := st.balances[userID]; !ok {
			st.balances[userID] = models.Balance{UserID: userID, UpdatedAt: time.Now()}
		}
		return nil
	})
}

// Lock is meaningless here: transactions are serialized anyway
func (r *BalanceRepo) GetBalance(_ context.Context, userID uuid.UUID, _ bool) (models.Balance, error) {
	var b models.Balance
	err := r.s.run(func(st *state) error {
		var ok bool
		if b, ok = st.balances[userID]; !ok {
			return apperrors.ErrUserNotFound
		}
		return nil
	})
	return b, err
}

func (r *BalanceRepo) AddCredits(_ context.Context, userID uuid.UUID, delta int64) (models.Balance, error) {
	var b models.Balance
	err := r.s.run(func(st *state) error {
		var ok bool
		if b, ok = st.balances[userID]; !ok {
			return apperrors.ErrUserNotFound
		}
		b.Credits += delta
		b.UpdatedAt = time.Now()
		st.balances[userID] = b
		return nil
	})
	return b, err
}

type LedgerRepo struct {
	s *Storage
}

func (r *LedgerRepo) CreateEntry(_ context.Context, e models.Entry) (models.Entry, error) {
	err := r.s.run(func(st *state) error {
		if _, ok := st.balances[e.UserID]; !ok {
			return apperrors.ErrUserNotFound
		}
		if _, ok := st.entries[e.ID]; ok {
			return fmt.Errorf("entry %s already exists", e.ID)
		}
		if e.IsBatch() && (e.ExpiryDate == nil || e.RemainingAmount < 0 || e.RemainingAmount > e.Amount) {
			return fmt.Errorf("batch %s has invalid expiry or remaining amount", e.ID)
		}

		st.seq++
		e.Seq = st.seq
		st.entries[e.ID] = e
		return nil
	})
	return e, err
}

func (r *LedgerRepo) GetEntry(_ context.Context, id uuid.UUID, _ bool) (models.Entry, error) {
	var e models.Entry
	err := r.s.run(func(st *state) error {
		var ok bool
		if e, ok = st.entries[id]; !ok {
			return apperrors.ErrEntryNotFound
		}
		return nil
	})
	return e, err
}

func (r *LedgerRepo) GetEarnedByReference(_ context.Context, userID uuid.UUID, referenceID string, _ bool) (models.Entry, error) {
	var found []models.Entry
	err := r.s.run(func(st *state) error {
		found = st.filter(func(e models.Entry) bool {
			return e.UserID == userID && e.ReferenceID == referenceID && e.Type == models.EntryEarned && e.State != models.BatchRevoked
		})
		return nil
	})
	if err != nil {
		return models.Entry{}, err
	}
	if len(found) == 0 {
		return models.Entry{}, apperrors.ErrEntryNotFound
	}

	return found[0], nil
}

func (r *LedgerRepo) GetByReference(_ context.Context, userID uuid.UUID, typ models.EntryType, referenceID string) (models.Entry, error) {
	var found []models.Entry
	err := r.s.run(func(st *state) error {
		found = st.filter(func(e models.Entry) bool {
			return e.UserID == userID && e.Type == typ && e.ReferenceID == referenceID
		})
		return nil
	})
	if err != nil {
		return models.Entry{}, err
	}
	if len(found) == 0 {
		return models.Entry{}, apperrors.ErrEntryNotFound
	}

	return found[0], nil
}

func (r *LedgerRepo) ListOpenBatches(_ context.Context, userID uuid.UUID, _ bool) ([]models.Entry, error) {
	var batches []models.Entry
	err := r.s.run(func(st *state) error {
		batches = st.filter(func(e models.Entry) bool {
			return e.UserID == userID && e.Spendable()
		})
		return nil
	})

	slices.SortStableFunc(batches, func(a, b models.Entry) int {
		return a.ExpiryDate.Compare(*b.ExpiryDate)
	})

	return batches, err
}

func (r *LedgerRepo) ListDueBatches(_ context.Context, opts repository.ListDueOpts) ([]models.Entry, error) {
	var batches []models.Entry
	err := r.s.run(func(st *state) error {
		batches = st.filter(func(e models.Entry) bool {
			return e.Seq > opts.AfterSeq && e.DueAt(opts.Now)
		})
		return nil
	})

	if opts.Limit > 0 && len(batches) > opts.Limit {
		batches = batches[:opts.Limit]
	}

	return batches, err
}

func (r *LedgerRepo) UpdateBatch(_ context.Context, id uuid.UUID, remaining int64, bs models.BatchState, closedAt *time.Time) (models.Entry, error) {
	var e models.Entry
	err := r.s.run(func(st *state) error {
		var ok bool
		e, ok = st.entries[id]
		if !ok || !e.IsBatch() || e.State == models.BatchRevoked || remaining > e.RemainingAmount || remaining < 0 {
			return fmt.Errorf("%w: batch %s can't be set to remaining=%d state=%s", apperrors.ErrStorageConflict, id, remaining, bs)
		}

		e.RemainingAmount = remaining
		e.State = bs
		e.ClosedAt = closedAt
		st.entries[id] = e
		return nil
	})
	return e, err
}

func (r *LedgerRepo) CreateAllocations(_ context.Context, allocations []models.Allocation) error {
	return r.s.run(func(st *state) error {
		for _, a := range allocations {
			if _, ok := st.entries[a.SpentEntryID]; !ok {
				return fmt.Errorf("spent entry %s: %w", a.SpentEntryID, apperrors.ErrEntryNotFound)
			}
			if _, ok := st.entries[a.BatchID]; !ok {
				return fmt.Errorf("batch %s: %w", a.BatchID, apperrors.ErrEntryNotFound)
			}
		}
		st.allocations = append(st.allocations, allocations...)
		return nil
	})
}

func (r *LedgerRepo) ListAllocations(_ context.Context, spentEntryID uuid.UUID) ([]models.Allocation, error) {
	var allocations []models.Allocation
	err := r.s.run(func(st *state) error {
		for _, a := range st.allocations {
			if a.SpentEntryID == spentEntryID {
				allocations = append(allocations, a)
			}
		}
		return nil
	})
	return allocations, err
}

func (r *LedgerRepo) ListEntries(_ context.Context, userID uuid.UUID, opts repository.ListEntriesOpts) ([]models.Entry, error) {
	var entries []models.Entry
	err := r.s.run(func(st *state) error {
		entries = st.filter(func(e models.Entry) bool {
			return e.UserID == userID && (len(opts.Types) == 0 || slices.Contains(opts.Types, e.Type))
		})
		return nil
	})

	slices.Reverse(entries)
	if opts.Limit > 0 && len(entries) > opts.Limit {
		entries = entries[:opts.Limit]
	}

	return entries, err
}

func (r *LedgerRepo) SumEntries(_ context.Context, userID uuid.UUID) (int64, int64, error) {
	var entriesSum, openBatchesSum int64
	err := r.s.run(func(st *state) error {
		for _, e := range st.entries {
			if e.UserID != userID {
				continue
			}
			entriesSum += e.Amount
			if e.IsBatch() && e.State == models.BatchOpen {
				openBatchesSum += e.RemainingAmount
			}
		}
		return nil
	})
	return entriesSum, openBatchesSum, err
}

// filter returns matching entries ordered by Seq
func (s *state) filter(match func(models.Entry) bool) []models.Entry {
	var found []models.Entry
	for _, e := range s.entries {
		if match(e) {
			found = append(found, e)
		}
	}

	slices.SortFunc(found, func(a, b models.Entry) int {
		return cmp.Compare(a.Seq, b.Seq)
	})

	return found
}
