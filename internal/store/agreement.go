package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/parleyhq/parley/core/db"
	"github.com/parleyhq/parley/internal/model"
)

type agreementStore struct {
	q db.Querier
}

func (s *agreementStore) Get(ctx context.Context, conversationID int64) (*model.AgreementState, error) {
	var version int
	var raw []byte
	err := s.q.QueryRow(ctx,
		`SELECT schema_version, state FROM force_agreements WHERE conversation_id = $1`,
		conversationID).Scan(&version, &raw)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get agreement state: %w", err)
	}

	return decodeAgreementState(version, raw)
}

func (s *agreementStore) Save(ctx context.Context, conversationID int64, state *model.AgreementState) error {
	state.SchemaVersion = model.AgreementSchemaVersion

	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode agreement state: %w", err)
	}

	_, err = s.q.Exec(ctx,
		`INSERT INTO force_agreements (conversation_id, schema_version, state, updated_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (conversation_id) DO UPDATE
		 SET schema_version = $2, state = $3, updated_at = $4`,
		conversationID, state.SchemaVersion, raw, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("save agreement state: %w", err)
	}
	return nil
}

// decodeAgreementState is the schema migration point for persisted agreement
// blobs. New versions get a case here that upgrades old shapes on read.
func decodeAgreementState(version int, raw []byte) (*model.AgreementState, error) {
	switch version {
	case model.AgreementSchemaVersion:
		var state model.AgreementState
		if err := json.Unmarshal(raw, &state); err != nil {
			return nil, fmt.Errorf("decode agreement state v%d: %w", version, err)
		}
		return &state, nil
	default:
		return nil, fmt.Errorf("unsupported agreement schema version %d", version)
	}
}
