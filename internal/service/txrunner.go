package service

import (
	"context"

	"github.com/parleyhq/parley/core/db"
	"github.com/parleyhq/parley/internal/store"
)

// StoreProvider exposes the stores available to an operation. Inside WithTx
// every store is bound to the same transaction.
type StoreProvider interface {
	Conversations() store.ConversationStore
	Agents() store.AgentStore
	Participants() store.ParticipantStore
	Messages() store.MessageStore
	Users() store.UserStore
	Credits() store.CreditStore
	Agreements() store.AgreementStore
}

// TxRunner runs functions within a transaction and provides stores bound to
// that transaction. Stores() returns pool-backed stores for plain reads.
type TxRunner interface {
	WithTx(ctx context.Context, fn func(stores StoreProvider) error) error
	Stores() StoreProvider
}

type dbTxRunner struct {
	db *db.DB
}

// NewTxRunner builds a TxRunner backed by the core DB.
func NewTxRunner(database *db.DB) TxRunner {
	return &dbTxRunner{db: database}
}

func (r *dbTxRunner) WithTx(ctx context.Context, fn func(stores StoreProvider) error) error {
	return r.db.WithTx(ctx, func(q db.Querier) error {
		return fn(store.NewStores(q))
	})
}

func (r *dbTxRunner) Stores() StoreProvider {
	return store.NewStores(r.db.Pool())
}
