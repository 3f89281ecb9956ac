// Package ledger is the source of truth for spend. Every mutation runs in a
// single transaction against the store so partial deduction can never occur,
// independent of the conversation lock: billing correctness holds even when
// the lock degrades to always-succeed.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/parleyhq/parley/common/id"
	"github.com/parleyhq/parley/internal/cache"
	"github.com/parleyhq/parley/internal/model"
	"github.com/parleyhq/parley/internal/service"
	"github.com/parleyhq/parley/internal/store"
)

// ErrInsufficientCredits aborts a deduction when free + purchased cannot
// cover the amount. Recoverable: the user can top up and resume.
var ErrInsufficientCredits = errors.New("insufficient credits")

type Config struct {
	// DailyFreeCents is the free allowance granted at each UTC day boundary.
	DailyFreeCents int64
}

type Ledger struct {
	tx    service.TxRunner
	cache cache.SessionCache
	cfg   Config
}

func New(tx service.TxRunner, sessionCache cache.SessionCache, cfg Config) *Ledger {
	return &Ledger{tx: tx, cache: sessionCache, cfg: cfg}
}

// CheckSufficient reports whether the user can cover at least minimumCents.
// Reads through the 60s balance cache; users flagged no-limits bypass the
// check entirely.
func (l *Ledger) CheckSufficient(ctx context.Context, userID int64, minimumCents int64) (bool, error) {
	user, err := l.tx.Stores().Users().GetByID(ctx, userID)
	if err != nil {
		return false, fmt.Errorf("loading user %d: %w", userID, err)
	}
	if user.NoLimits {
		return true, nil
	}

	if cached, err := l.cache.GetBalance(ctx, userID); err != nil {
		slog.WarnContext(ctx, "balance cache read failed", "error", err)
	} else if cached != nil {
		return cached.TotalCents() >= minimumCents, nil
	}

	var balance *model.CreditBalance
	err = l.tx.WithTx(ctx, func(sp service.StoreProvider) error {
		b, err := l.loadBalanceForUpdate(ctx, sp, userID)
		if err != nil {
			return err
		}
		balance = b
		return nil
	})
	if err != nil {
		return false, err
	}

	if err := l.cache.SetBalance(ctx, userID, balance); err != nil {
		slog.WarnContext(ctx, "balance cache write failed", "error", err)
	}

	return balance.TotalCents() >= minimumCents, nil
}

// Deduct atomically charges amountCents against the user's balance, free
// credits first, spilling the remainder into purchased. The referenceID
// (typically a message id) makes the deduction idempotent under job retries:
// a second call with the same reference is a no-op.
func (l *Ledger) Deduct(ctx context.Context, userID int64, amountCents int64, txType model.CreditTransactionType, referenceID string) error {
	if amountCents <= 0 {
		return nil
	}

	err := l.tx.WithTx(ctx, func(sp service.StoreProvider) error {
		balance, err := l.loadBalanceForUpdate(ctx, sp, userID)
		if err != nil {
			return err
		}

		// Checked only after the balance row lock: concurrent duplicate
		// deliveries serialize on FOR UPDATE, so the second transaction sees
		// the first one's committed insert instead of a stale miss.
		exists, err := sp.Credits().TransactionExists(ctx, userID, referenceID)
		if err != nil {
			return err
		}
		if exists {
			slog.InfoContext(ctx, "deduction already recorded, skipping",
				"user_id", userID, "reference_id", referenceID)
			return nil
		}

		if balance.TotalCents() < amountCents {
			return ErrInsufficientCredits
		}

		fromFree := min(balance.FreeCents, amountCents)
		balance.FreeCents -= fromFree
		balance.PurchasedCents -= amountCents - fromFree

		if err := sp.Credits().SaveBalance(ctx, balance); err != nil {
			return err
		}

		ref := referenceID
		return sp.Credits().InsertTransaction(ctx, &model.CreditTransaction{
			ID:                id.New(),
			UserID:            userID,
			AmountCents:       -amountCents,
			Type:              txType,
			ReferenceID:       &ref,
			BalanceAfterCents: balance.TotalCents(),
		})
	})
	if err != nil {
		return err
	}

	if err := l.cache.InvalidateBalance(ctx, userID); err != nil {
		slog.WarnContext(ctx, "balance cache invalidation failed", "error", err)
	}

	return nil
}

// Grant credits the user's balance. Purchases go to the purchased bucket;
// everything else tops up free credits.
func (l *Ledger) Grant(ctx context.Context, userID int64, amountCents int64, txType model.CreditTransactionType) error {
	if amountCents <= 0 {
		return fmt.Errorf("grant amount must be positive, got %d", amountCents)
	}

	err := l.tx.WithTx(ctx, func(sp service.StoreProvider) error {
		balance, err := l.loadBalanceForUpdate(ctx, sp, userID)
		if err != nil {
			return err
		}

		if txType == model.TransactionTypePurchase {
			balance.PurchasedCents += amountCents
		} else {
			balance.FreeCents += amountCents
		}

		if err := sp.Credits().SaveBalance(ctx, balance); err != nil {
			return err
		}

		return sp.Credits().InsertTransaction(ctx, &model.CreditTransaction{
			ID:                id.New(),
			UserID:            userID,
			AmountCents:       amountCents,
			Type:              txType,
			BalanceAfterCents: balance.TotalCents(),
		})
	})
	if err != nil {
		return err
	}

	if err := l.cache.InvalidateBalance(ctx, userID); err != nil {
		slog.WarnContext(ctx, "balance cache invalidation failed", "error", err)
	}

	return nil
}

// loadBalanceForUpdate locks and returns the user's balance, creating it on
// first touch and lazily applying the daily free-credit reset: if the UTC day
// of the last reset is earlier than today, free credits are restored and a
// daily_reset transaction recorded before the balance is returned.
func (l *Ledger) loadBalanceForUpdate(ctx context.Context, sp service.StoreProvider, userID int64) (*model.CreditBalance, error) {
	today := utcMidnight(time.Now())

	balance, err := sp.Credits().GetBalanceForUpdate(ctx, userID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
		balance = &model.CreditBalance{
			UserID:        userID,
			FreeCents:     l.cfg.DailyFreeCents,
			LastFreeReset: today,
		}
		if err := sp.Credits().SaveBalance(ctx, balance); err != nil {
			return nil, err
		}
		return balance, nil
	}

	if utcMidnight(balance.LastFreeReset).Before(today) {
		delta := l.cfg.DailyFreeCents - balance.FreeCents
		balance.FreeCents = l.cfg.DailyFreeCents
		balance.LastFreeReset = today

		if err := sp.Credits().SaveBalance(ctx, balance); err != nil {
			return nil, err
		}
		if err := sp.Credits().InsertTransaction(ctx, &model.CreditTransaction{
			ID:                id.New(),
			UserID:            userID,
			AmountCents:       delta,
			Type:              model.TransactionTypeDailyReset,
			BalanceAfterCents: balance.TotalCents(),
		}); err != nil {
			return nil, err
		}
	}

	return balance, nil
}

func utcMidnight(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
