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

type conversationStore struct {
	q db.Querier
}

const conversationColumns = `id, owner_id, topic, mode, status, current_round, total_rounds, total_cost_cents, created_at, updated_at`

func (s *conversationStore) GetByID(ctx context.Context, id int64) (*model.Conversation, error) {
	row := s.q.QueryRow(ctx,
		`SELECT `+conversationColumns+` FROM conversations WHERE id = $1`, id)

	c, err := scanConversation(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get conversation: %w", err)
	}
	return c, nil
}

func (s *conversationStore) Create(ctx context.Context, c *model.Conversation) error {
	now := time.Now().UTC()
	c.CreatedAt = now
	c.UpdatedAt = now

	_, err := s.q.Exec(ctx,
		`INSERT INTO conversations (id, owner_id, topic, mode, status, current_round, total_rounds, total_cost_cents, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		c.ID, c.OwnerID, c.Topic, c.Mode, c.Status, c.CurrentRound, c.TotalRounds, c.TotalCostCents, c.CreatedAt, c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create conversation: %w", err)
	}
	return nil
}

func (s *conversationStore) Update(ctx context.Context, c *model.Conversation) error {
	c.UpdatedAt = time.Now().UTC()

	tag, err := s.q.Exec(ctx,
		`UPDATE conversations
		 SET status = $2, current_round = $3, total_cost_cents = $4, updated_at = $5
		 WHERE id = $1`,
		c.ID, c.Status, c.CurrentRound, c.TotalCostCents, c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update conversation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *conversationStore) ListStalledActive(ctx context.Context, cutoff time.Time) ([]model.Conversation, error) {
	rows, err := s.q.Query(ctx,
		`SELECT `+conversationColumns+` FROM conversations
		 WHERE status = ANY($1) AND updated_at < $2
		 ORDER BY updated_at ASC`,
		[]model.ConversationStatus{model.StatusActive, model.StatusForceAgreement}, cutoff)
	if err != nil {
		return nil, fmt.Errorf("list stalled conversations: %w", err)
	}
	defer rows.Close()

	var result []model.Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan stalled conversation: %w", err)
		}
		result = append(result, *c)
	}
	return result, rows.Err()
}

func scanConversation(row pgx.Row) (*model.Conversation, error) {
	var c model.Conversation
	err := row.Scan(
		&c.ID, &c.OwnerID, &c.Topic, &c.Mode, &c.Status,
		&c.CurrentRound, &c.TotalRounds, &c.TotalCostCents,
		&c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &c, nil
}
