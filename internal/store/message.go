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

type messageStore struct {
	q db.Querier
}

const messageColumns = `id, conversation_id, agent_id, role, round_number, content, cost_cents, created_at, completed_at`

func (s *messageStore) GetByID(ctx context.Context, id int64) (*model.Message, error) {
	row := s.q.QueryRow(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE id = $1`, id)

	m, err := scanMessage(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get message: %w", err)
	}
	return m, nil
}

func (s *messageStore) Create(ctx context.Context, m *model.Message) error {
	m.CreatedAt = time.Now().UTC()

	_, err := s.q.Exec(ctx,
		`INSERT INTO messages (id, conversation_id, agent_id, role, round_number, content, cost_cents, created_at, completed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		m.ID, m.ConversationID, m.AgentID, m.Role, m.RoundNumber, m.Content, m.CostCents, m.CreatedAt, m.CompletedAt)
	if err != nil {
		return fmt.Errorf("create message: %w", err)
	}
	return nil
}

func (s *messageStore) AttachResult(ctx context.Context, id int64, content string, costCents int64) error {
	tag, err := s.q.Exec(ctx,
		`UPDATE messages SET content = $2, cost_cents = $3, completed_at = $4
		 WHERE id = $1 AND completed_at IS NULL`,
		id, content, costCents, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("attach message result: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *messageStore) CountAgentTurns(ctx context.Context, conversationID int64) (int, error) {
	var count int
	err := s.q.QueryRow(ctx,
		`SELECT COUNT(*) FROM messages
		 WHERE conversation_id = $1 AND role = $2 AND completed_at IS NOT NULL`,
		conversationID, model.MessageRoleAgent).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count agent turns: %w", err)
	}
	return count, nil
}

func (s *messageStore) ListByConversation(ctx context.Context, conversationID int64) ([]model.Message, error) {
	rows, err := s.q.Query(ctx,
		`SELECT `+messageColumns+` FROM messages
		 WHERE conversation_id = $1
		 ORDER BY created_at ASC, id ASC`,
		conversationID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var result []model.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		result = append(result, *m)
	}
	return result, rows.Err()
}

func (s *messageStore) HasAny(ctx context.Context, conversationID int64) (bool, error) {
	var exists bool
	err := s.q.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM messages WHERE conversation_id = $1)`,
		conversationID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check messages exist: %w", err)
	}
	return exists, nil
}

func scanMessage(row pgx.Row) (*model.Message, error) {
	var m model.Message
	err := row.Scan(
		&m.ID, &m.ConversationID, &m.AgentID, &m.Role, &m.RoundNumber,
		&m.Content, &m.CostCents, &m.CreatedAt, &m.CompletedAt,
	)
	if err != nil {
		return nil, err
	}
	return &m, nil
}
