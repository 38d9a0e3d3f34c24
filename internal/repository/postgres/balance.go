package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/nkiryanov/creditledger/internal/apperrors"
	"github.com/nkiryanov/creditledger/internal/models"
)

type BalanceRepo struct {
	DB DBTX
}

func (r *BalanceRepo) EnsureBalance(ctx context.Context, userID uuid.UUID) error {
	const ensureBalance = `-- name: EnsureBalance
	INSERT INTO balances (user_id, credits)
	VALUES ($1, 0)
	ON CONFLICT (user_id) DO NOTHING
	`

	_, err := r.DB.Exec(ctx, ensureBalance, userID)
	if err != nil {
		return fmt.Errorf("db error: %w", dbError(err))
	}

	return nil
}

func (r *BalanceRepo) GetBalance(ctx context.Context, userID uuid.UUID, lock bool) (models.Balance, error) {
	const getBalance = `-- name: GetBalance
	SELECT user_id, credits, updated_at FROM balances
	WHERE user_id = $1
	`

	query := getBalance
	if lock {
		query += "FOR UPDATE"
	}

	rows, _ := r.DB.Query(ctx, query, userID)
	balance, err := pgx.CollectOneRow(rows, rowToBalance)

	switch {
	case err == nil:
		return balance, nil
	case errors.Is(err, pgx.ErrNoRows):
		return balance, apperrors.ErrUserNotFound
	default:
		return balance, fmt.Errorf("db error: %w", dbError(err))
	}
}

func (r *BalanceRepo) AddCredits(ctx context.Context, userID uuid.UUID, delta int64) (models.Balance, error) {
	const addCredits = `-- name: AddCredits
	UPDATE balances
	SET credits = credits + $2, updated_at = now()
	WHERE user_id = $1
	RETURNING user_id, credits, updated_at
	`

	rows, _ := r.DB.Query(ctx, addCredits, userID, delta)
	balance, err := pgx.CollectOneRow(rows, rowToBalance)

	switch {
	case err == nil:
		return balance, nil
	case errors.Is(err, pgx.ErrNoRows):
		return balance, apperrors.ErrUserNotFound
	default:
		return balance, fmt.Errorf("db error: %w", dbError(err))
	}
}

func rowToBalance(row pgx.CollectableRow) (models.Balance, error) {
	var b models.Balance
	err := row.Scan(&b.UserID, &b.Credits, &b.UpdatedAt)
	return b, err
}
