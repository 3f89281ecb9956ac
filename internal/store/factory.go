package store

import (
	"github.com/parleyhq/parley/core/db"
)

// Stores bundles the per-entity stores over one Querier, which may be a pool
// or a transaction.
type Stores struct {
	q db.Querier
}

func NewStores(q db.Querier) *Stores {
	return &Stores{q: q}
}

func (s *Stores) Conversations() ConversationStore {
	return &conversationStore{q: s.q}
}

func (s *Stores) Agents() AgentStore {
	return &agentStore{q: s.q}
}

func (s *Stores) Participants() ParticipantStore {
	return &participantStore{q: s.q}
}

func (s *Stores) Messages() MessageStore {
	return &messageStore{q: s.q}
}

func (s *Stores) Users() UserStore {
	return &userStore{q: s.q}
}

func (s *Stores) Credits() CreditStore {
	return &creditStore{q: s.q}
}

func (s *Stores) Agreements() AgreementStore {
	return &agreementStore{q: s.q}
}
