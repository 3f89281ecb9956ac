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

type agentStore struct {
	q db.Querier
}

func (s *agentStore) GetByID(ctx context.Context, id int64) (*model.Agent, error) {
	var a model.Agent
	err := s.q.QueryRow(ctx,
		`SELECT id, owner_id, name, persona, created_at FROM agents WHERE id = $1`,
		id).Scan(&a.ID, &a.OwnerID, &a.Name, &a.Persona, &a.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get agent: %w", err)
	}
	return &a, nil
}

func (s *agentStore) Create(ctx context.Context, a *model.Agent) error {
	a.CreatedAt = time.Now().UTC()

	_, err := s.q.Exec(ctx,
		`INSERT INTO agents (id, owner_id, name, persona, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		a.ID, a.OwnerID, a.Name, a.Persona, a.CreatedAt)
	if err != nil {
		return fmt.Errorf("create agent: %w", err)
	}
	return nil
}
