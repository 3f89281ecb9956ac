package store

import (
	"context"
	"fmt"

	"github.com/parleyhq/parley/core/db"
	"github.com/parleyhq/parley/internal/model"
)

type participantStore struct {
	q db.Querier
}

func (s *participantStore) ListByConversation(ctx context.Context, conversationID int64) ([]model.Participant, error) {
	rows, err := s.q.Query(ctx,
		`SELECT p.id, p.conversation_id, p.agent_id, p.turn_order, a.name, a.persona
		 FROM participants p
		 JOIN agents a ON a.id = p.agent_id
		 WHERE p.conversation_id = $1
		 ORDER BY p.turn_order ASC`,
		conversationID)
	if err != nil {
		return nil, fmt.Errorf("list participants: %w", err)
	}
	defer rows.Close()

	var result []model.Participant
	for rows.Next() {
		var p model.Participant
		if err := rows.Scan(&p.ID, &p.ConversationID, &p.AgentID, &p.TurnOrder, &p.AgentName, &p.Persona); err != nil {
			return nil, fmt.Errorf("scan participant: %w", err)
		}
		result = append(result, p)
	}
	return result, rows.Err()
}

func (s *participantStore) Create(ctx context.Context, p *model.Participant) error {
	_, err := s.q.Exec(ctx,
		`INSERT INTO participants (id, conversation_id, agent_id, turn_order)
		 VALUES ($1, $2, $3, $4)`,
		p.ID, p.ConversationID, p.AgentID, p.TurnOrder)
	if err != nil {
		return fmt.Errorf("create participant: %w", err)
	}
	return nil
}
