package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/nkiryanov/creditledger/internal/apperrors"
	"github.com/nkiryanov/creditledger/internal/models"
	"github.com/nkiryanov/creditledger/internal/repository"
)

type LedgerRepo struct {
	DB DBTX
}

const entryColumns = `id, seq, user_id, created_at, type, amount, description, reference_id, balance_after,
	expiry_date, remaining_amount, state, closed_at, source_batch_id`

const createEntry = `-- name: CreateEntry
INSERT INTO ledger_entries (id, user_id, created_at, type, amount, description, reference_id, balance_after,
	expiry_date, remaining_amount, state, closed_at, source_batch_id)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
RETURNING ` + entryColumns

func (r *LedgerRepo) CreateEntry(ctx context.Context, e models.Entry) (models.Entry, error) {
	var (
		remaining *int64
		state     *string
	)
	if e.IsBatch() {
		remaining = &e.RemainingAmount
		s := string(e.State)
		state = &s
	}

	rows, _ := r.DB.Query(ctx, createEntry,
		e.ID, e.UserID, e.CreatedAt, string(e.Type), e.Amount, e.Description, e.ReferenceID, e.BalanceAfter,
		e.ExpiryDate, remaining, state, e.ClosedAt, e.SourceBatchID,
	)
	entry, err := pgx.CollectOneRow(rows, rowToEntry)
	if err != nil {
		return entry, fmt.Errorf("db error: %w", dbError(err))
	}

	return entry, nil
}

const getEntry = `-- name: GetEntry
SELECT ` + entryColumns + ` FROM ledger_entries
WHERE id = $1
`

func (r *LedgerRepo) GetEntry(ctx context.Context, id uuid.UUID, lock bool) (models.Entry, error) {
	rows, _ := r.DB.Query(ctx, withLock(getEntry, lock), id)
	return collectEntry(rows)
}

const getEarnedByReference = `-- name: GetEarnedByReference
SELECT ` + entryColumns + ` FROM ledger_entries
WHERE user_id = $1 AND reference_id = $2 AND type = 'EARNED' AND state <> 'REVOKED'
ORDER BY seq
LIMIT 1
`

func (r *LedgerRepo) GetEarnedByReference(ctx context.Context, userID uuid.UUID, referenceID string, lock bool) (models.Entry, error) {
	rows, _ := r.DB.Query(ctx, withLock(getEarnedByReference, lock), userID, referenceID)
	return collectEntry(rows)
}

const getByReference = `-- name: GetByReference
SELECT ` + entryColumns + ` FROM ledger_entries
WHERE user_id = $1 AND type = $2 AND reference_id = $3
ORDER BY seq
LIMIT 1
`

func (r *LedgerRepo) GetByReference(ctx context.Context, userID uuid.UUID, typ models.EntryType, referenceID string) (models.Entry, error) {
	rows, _ := r.DB.Query(ctx, getByReference, userID, string(typ), referenceID)
	return collectEntry(rows)
}

const listOpenBatches = `-- name: ListOpenBatches
SELECT ` + entryColumns + ` FROM ledger_entries
WHERE user_id = $1 AND type IN ('EARNED', 'REFUND') AND state = 'OPEN' AND remaining_amount > 0
ORDER BY expiry_date, seq
`

func (r *LedgerRepo) ListOpenBatches(ctx context.Context, userID uuid.UUID, lock bool) ([]models.Entry, error) {
	rows, _ := r.DB.Query(ctx, withLock(listOpenBatches, lock), userID)
	return collectEntries(rows)
}

const listDueBatches = `-- name: ListDueBatches
SELECT ` + entryColumns + ` FROM ledger_entries
WHERE type IN ('EARNED', 'REFUND') AND state = 'OPEN' AND remaining_amount > 0
	AND expiry_date <= $1 AND seq > $2
ORDER BY seq
LIMIT $3
`

func (r *LedgerRepo) ListDueBatches(ctx context.Context, opts repository.ListDueOpts) ([]models.Entry, error) {
	rows, _ := r.DB.Query(ctx, listDueBatches, opts.Now, opts.AfterSeq, limitOrNil(opts.Limit))
	return collectEntries(rows)
}

// Closed batches may still be revoked; revoked ones are final
const updateBatch = `-- name: UpdateBatch
UPDATE ledger_entries
SET remaining_amount = $2, state = $3, closed_at = $4
WHERE id = $1 AND type IN ('EARNED', 'REFUND') AND state <> 'REVOKED' AND remaining_amount >= $2
RETURNING ` + entryColumns

func (r *LedgerRepo) UpdateBatch(ctx context.Context, id uuid.UUID, remaining int64, state models.BatchState, closedAt *time.Time) (models.Entry, error) {
	rows, _ := r.DB.Query(ctx, updateBatch, id, remaining, string(state), closedAt)
	entry, err := collectEntry(rows)

	if errors.Is(err, apperrors.ErrEntryNotFound) {
		return entry, fmt.Errorf("%w: batch %s can't be set to remaining=%d state=%s", apperrors.ErrStorageConflict, id, remaining, state)
	}

	return entry, err
}

const createAllocation = `-- name: CreateAllocation
INSERT INTO ledger_allocations (spent_entry_id, batch_id, amount)
VALUES ($1, $2, $3)
`

func (r *LedgerRepo) CreateAllocations(ctx context.Context, allocations []models.Allocation) error {
	for _, a := range allocations {
		_, err := r.DB.Exec(ctx, createAllocation, a.SpentEntryID, a.BatchID, a.Amount)
		if err != nil {
			return fmt.Errorf("db error: %w", dbError(err))
		}
	}

	return nil
}

const listAllocations = `-- name: ListAllocations
SELECT a.spent_entry_id, a.batch_id, a.amount FROM ledger_allocations a
JOIN ledger_entries b ON b.id = a.batch_id
WHERE a.spent_entry_id = $1
ORDER BY b.expiry_date, b.seq
`

func (r *LedgerRepo) ListAllocations(ctx context.Context, spentEntryID uuid.UUID) ([]models.Allocation, error) {
	rows, _ := r.DB.Query(ctx, listAllocations, spentEntryID)
	allocations, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.Allocation, error) {
		var a models.Allocation
		err := row.Scan(&a.SpentEntryID, &a.BatchID, &a.Amount)
		return a, err
	})
	if err != nil {
		return nil, fmt.Errorf("db error: %w", dbError(err))
	}

	return allocations, nil
}

const listEntries = `-- name: ListEntries
SELECT ` + entryColumns + ` FROM ledger_entries
WHERE user_id = $1 AND (cardinality($2::text[]) = 0 OR type = ANY($2::text[]))
ORDER BY seq DESC
LIMIT $3
`

func (r *LedgerRepo) ListEntries(ctx context.Context, userID uuid.UUID, opts repository.ListEntriesOpts) ([]models.Entry, error) {
	types := make([]string, 0, len(opts.Types))
	for _, t := range opts.Types {
		types = append(types, string(t))
	}

	rows, _ := r.DB.Query(ctx, listEntries, userID, types, limitOrNil(opts.Limit))
	return collectEntries(rows)
}

const sumEntries = `-- name: SumEntries
SELECT
	COALESCE(SUM(amount), 0)::bigint,
	COALESCE(SUM(remaining_amount) FILTER (WHERE state = 'OPEN'), 0)::bigint
FROM ledger_entries
WHERE user_id = $1
`

func (r *LedgerRepo) SumEntries(ctx context.Context, userID uuid.UUID) (int64, int64, error) {
	var entriesSum, openBatchesSum int64

	err := r.DB.QueryRow(ctx, sumEntries, userID).Scan(&entriesSum, &openBatchesSum)
	if err != nil {
		return 0, 0, fmt.Errorf("db error: %w", dbError(err))
	}

	return entriesSum, openBatchesSum, nil
}

func withLock(query string, lock bool) string {
	if lock {
		return query + "FOR UPDATE\n"
	}
	return query
}

// NULL limit means no limit for postgres
func limitOrNil(limit int) *int {
	if limit <= 0 {
		return nil
	}
	return &limit
}

func collectEntry(rows pgx.Rows) (models.Entry, error) {
	entry, err := pgx.CollectOneRow(rows, rowToEntry)

	switch {
	case err == nil:
		return entry, nil
	case errors.Is(err, pgx.ErrNoRows):
		return entry, apperrors.ErrEntryNotFound
	default:
		return entry, fmt.Errorf("db error: %w", dbError(err))
	}
}

func collectEntries(rows pgx.Rows) ([]models.Entry, error) {
	entries, err := pgx.CollectRows(rows, rowToEntry)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", dbError(err))
	}

	return entries, nil
}

func rowToEntry(row pgx.CollectableRow) (models.Entry, error) {
	var (
		e         models.Entry
		typ       string
		remaining *int64
		state     *string
	)

	err := row.Scan(
		&e.ID, &e.Seq, &e.UserID, &e.CreatedAt, &typ, &e.Amount, &e.Description, &e.ReferenceID, &e.BalanceAfter,
		&e.ExpiryDate, &remaining, &state, &e.ClosedAt, &e.SourceBatchID,
	)
	if err != nil {
		return e, err
	}

	e.Type = models.EntryType(typ)
	if remaining != nil {
		e.RemainingAmount = *remaining
	}
	if state != nil {
		e.State = models.BatchState(*state)
	}

	return e, nil
}
