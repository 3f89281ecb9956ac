package ledger_test

import (
	"context"
	"time"

	"github.com/parleyhq/parley/internal/model"
	"github.com/parleyhq/parley/internal/service"
	"github.com/parleyhq/parley/internal/store"
)

type mockConversationStore struct{}

func (m *mockConversationStore) GetByID(ctx context.Context, id int64) (*model.Conversation, error) {
	return nil, store.ErrNotFound
}

func (m *mockConversationStore) Create(ctx context.Context, c *model.Conversation) error { return nil }
func (m *mockConversationStore) Update(ctx context.Context, c *model.Conversation) error { return nil }

func (m *mockConversationStore) ListStalledActive(ctx context.Context, cutoff time.Time) ([]model.Conversation, error) {
	return nil, nil
}

type mockAgentStore struct{}

func (m *mockAgentStore) GetByID(ctx context.Context, id int64) (*model.Agent, error) {
	return nil, store.ErrNotFound
}

func (m *mockAgentStore) Create(ctx context.Context, a *model.Agent) error { return nil }

type mockParticipantStore struct{}

func (m *mockParticipantStore) ListByConversation(ctx context.Context, conversationID int64) ([]model.Participant, error) {
	return nil, nil
}

func (m *mockParticipantStore) Create(ctx context.Context, p *model.Participant) error { return nil }

type mockMessageStore struct{}

func (m *mockMessageStore) GetByID(ctx context.Context, id int64) (*model.Message, error) {
	return nil, store.ErrNotFound
}

func (m *mockMessageStore) Create(ctx context.Context, msg *model.Message) error { return nil }

func (m *mockMessageStore) AttachResult(ctx context.Context, id int64, content string, costCents int64) error {
	return nil
}

func (m *mockMessageStore) CountAgentTurns(ctx context.Context, conversationID int64) (int, error) {
	return 0, nil
}

func (m *mockMessageStore) ListByConversation(ctx context.Context, conversationID int64) ([]model.Message, error) {
	return nil, nil
}

func (m *mockMessageStore) HasAny(ctx context.Context, conversationID int64) (bool, error) {
	return false, nil
}

type mockUserStore struct {
	users map[int64]*model.User
}

func (m *mockUserStore) GetByID(ctx context.Context, id int64) (*model.User, error) {
	if u, ok := m.users[id]; ok {
		copied := *u
		return &copied, nil
	}
	return nil, store.ErrNotFound
}

func (m *mockUserStore) Create(ctx context.Context, u *model.User) error {
	m.users[u.ID] = u
	return nil
}

type mockAgreementStore struct{}

func (m *mockAgreementStore) Get(ctx context.Context, conversationID int64) (*model.AgreementState, error) {
	return nil, store.ErrNotFound
}

func (m *mockAgreementStore) Save(ctx context.Context, conversationID int64, state *model.AgreementState) error {
	return nil
}

// mockCreditStore keeps balances and transactions in memory so tests can
// assert on what the ledger persisted, and records the order of store calls.
type mockCreditStore struct {
	balances     map[int64]*model.CreditBalance
	transactions []model.CreditTransaction
	calls        []string
}

func newMockCreditStore() *mockCreditStore {
	return &mockCreditStore{balances: make(map[int64]*model.CreditBalance)}
}

func (m *mockCreditStore) GetBalanceForUpdate(ctx context.Context, userID int64) (*model.CreditBalance, error) {
	m.calls = append(m.calls, "GetBalanceForUpdate")
	if b, ok := m.balances[userID]; ok {
		copied := *b
		return &copied, nil
	}
	return nil, store.ErrNotFound
}

func (m *mockCreditStore) GetBalance(ctx context.Context, userID int64) (*model.CreditBalance, error) {
	return m.GetBalanceForUpdate(ctx, userID)
}

func (m *mockCreditStore) SaveBalance(ctx context.Context, b *model.CreditBalance) error {
	copied := *b
	m.balances[b.UserID] = &copied
	return nil
}

func (m *mockCreditStore) InsertTransaction(ctx context.Context, t *model.CreditTransaction) error {
	m.transactions = append(m.transactions, *t)
	return nil
}

func (m *mockCreditStore) TransactionExists(ctx context.Context, userID int64, referenceID string) (bool, error) {
	m.calls = append(m.calls, "TransactionExists")
	for _, t := range m.transactions {
		if t.UserID == userID && t.ReferenceID != nil && *t.ReferenceID == referenceID {
			return true, nil
		}
	}
	return false, nil
}

func (m *mockCreditStore) transactionsOfType(txType model.CreditTransactionType) []model.CreditTransaction {
	var out []model.CreditTransaction
	for _, t := range m.transactions {
		if t.Type == txType {
			out = append(out, t)
		}
	}
	return out
}

type mockStores struct {
	conversations *mockConversationStore
	agents        *mockAgentStore
	participants  *mockParticipantStore
	messages      *mockMessageStore
	users         *mockUserStore
	credits       *mockCreditStore
	agreements    *mockAgreementStore
}

func newMockStores() *mockStores {
	return &mockStores{
		conversations: &mockConversationStore{},
		agents:        &mockAgentStore{},
		participants:  &mockParticipantStore{},
		messages:      &mockMessageStore{},
		users:         &mockUserStore{users: make(map[int64]*model.User)},
		credits:       newMockCreditStore(),
		agreements:    &mockAgreementStore{},
	}
}

func (m *mockStores) Conversations() store.ConversationStore { return m.conversations }
func (m *mockStores) Agents() store.AgentStore               { return m.agents }
func (m *mockStores) Participants() store.ParticipantStore   { return m.participants }
func (m *mockStores) Messages() store.MessageStore           { return m.messages }
func (m *mockStores) Users() store.UserStore                 { return m.users }
func (m *mockStores) Credits() store.CreditStore             { return m.credits }
func (m *mockStores) Agreements() store.AgreementStore       { return m.agreements }

type mockTxRunner struct {
	stores *mockStores
}

func (m *mockTxRunner) WithTx(ctx context.Context, fn func(sp service.StoreProvider) error) error {
	return fn(m.stores)
}

func (m *mockTxRunner) Stores() service.StoreProvider {
	return m.stores
}

type mockCache struct {
	balances      map[int64]*model.CreditBalance
	invalidations []int64
}

func newMockCache() *mockCache {
	return &mockCache{balances: make(map[int64]*model.CreditBalance)}
}

func (m *mockCache) GetSession(ctx context.Context, conversationID int64) (*model.SessionState, error) {
	return nil, nil
}

func (m *mockCache) SetSession(ctx context.Context, conversationID int64, state *model.SessionState) error {
	return nil
}

func (m *mockCache) BufferInterjection(ctx context.Context, conversationID int64, content string) (bool, error) {
	return false, nil
}

func (m *mockCache) TakeInterjection(ctx context.Context, conversationID int64) (string, bool, error) {
	return "", false, nil
}

func (m *mockCache) GetBalance(ctx context.Context, userID int64) (*model.CreditBalance, error) {
	return m.balances[userID], nil
}

func (m *mockCache) SetBalance(ctx context.Context, userID int64, b *model.CreditBalance) error {
	m.balances[userID] = b
	return nil
}

func (m *mockCache) InvalidateBalance(ctx context.Context, userID int64) error {
	m.invalidations = append(m.invalidations, userID)
	delete(m.balances, userID)
	return nil
}
