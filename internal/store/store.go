package store

import (
	"context"

	"basegraph.app/conductor/core/db"
)

// Provider exposes the stores a transactional operation may touch.
type Provider interface {
	Jobs() JobStore
	Statuses() StatusStore
	TaskProgress() TaskProgressStore
	Credentials() CredentialStore
}

// TxRunner runs functions within a transaction and provides stores bound to that transaction.
type TxRunner interface {
	WithTx(ctx context.Context, fn func(stores Provider) error) error
}

// Stores builds entity stores bound to one Querier, either the pool or a transaction.
type Stores struct {
	q db.Querier
}

func NewStores(q db.Querier) *Stores {
	return &Stores{q: q}
}

func (s *Stores) Jobs() JobStore {
	return newJobStore(s.q)
}

func (s *Stores) Statuses() StatusStore {
	return newStatusStore(s.q)
}

func (s *Stores) TaskProgress() TaskProgressStore {
	return newTaskProgressStore(s.q)
}

func (s *Stores) Credentials() CredentialStore {
	return newCredentialStore(s.q)
}

type dbTxRunner struct {
	db *db.DB
}

// NewTxRunner builds a TxRunner backed by the core DB.
func NewTxRunner(database *db.DB) TxRunner {
	return &dbTxRunner{db: database}
}

func (r *dbTxRunner) WithTx(ctx context.Context, fn func(stores Provider) error) error {
	return r.db.WithTx(ctx, func(q db.Querier) error {
		return fn(NewStores(q))
	})
}
