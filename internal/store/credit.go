package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/parleyhq/parley/core/db"
	"github.com/parleyhq/parley/internal/model"
)

type creditStore struct {
	q db.Querier
}

const balanceColumns = `user_id, free_cents, purchased_cents, last_free_reset, updated_at`

func (s *creditStore) GetBalanceForUpdate(ctx context.Context, userID int64) (*model.CreditBalance, error) {
	row := s.q.QueryRow(ctx,
		`SELECT `+balanceColumns+` FROM credit_balances WHERE user_id = $1 FOR UPDATE`, userID)
	return scanBalance(row)
}

func (s *creditStore) GetBalance(ctx context.Context, userID int64) (*model.CreditBalance, error) {
	row := s.q.QueryRow(ctx,
		`SELECT `+balanceColumns+` FROM credit_balances WHERE user_id = $1`, userID)
	return scanBalance(row)
}

func (s *creditStore) SaveBalance(ctx context.Context, b *model.CreditBalance) error {
	b.UpdatedAt = time.Now().UTC()

	_, err := s.q.Exec(ctx,
		`INSERT INTO credit_balances (user_id, free_cents, purchased_cents, last_free_reset, updated_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (user_id) DO UPDATE
		 SET free_cents = $2, purchased_cents = $3, last_free_reset = $4, updated_at = $5`,
		b.UserID, b.FreeCents, b.PurchasedCents, b.LastFreeReset, b.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save balance: %w", err)
	}
	return nil
}

func (s *creditStore) InsertTransaction(ctx context.Context, t *model.CreditTransaction) error {
	t.CreatedAt = time.Now().UTC()

	_, err := s.q.Exec(ctx,
		`INSERT INTO credit_transactions (id, user_id, amount_cents, type, reference_id, balance_after_cents, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		t.ID, t.UserID, t.AmountCents, t.Type, t.ReferenceID, t.BalanceAfterCents, t.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert credit transaction: %w", err)
	}
	return nil
}

func (s *creditStore) TransactionExists(ctx context.Context, userID int64, referenceID string) (bool, error) {
	var exists bool
	err := s.q.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM credit_transactions WHERE user_id = $1 AND reference_id = $2)`,
		userID, referenceID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check transaction exists: %w", err)
	}
	return exists, nil
}

func scanBalance(row pgx.Row) (*model.CreditBalance, error) {
	var b model.CreditBalance
	err := row.Scan(&b.UserID, &b.FreeCents, &b.PurchasedCents, &b.LastFreeReset, &b.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan balance: %w", err)
	}
	return &b, nil
}
