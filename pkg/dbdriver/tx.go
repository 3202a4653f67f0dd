package dbdriver

import (
	"context"
	"fmt"
	"sync"

	"github.com/jmoiron/sqlx"
)

// Tx is a long-lived transaction shared by several jobs. Use is serialized:
// a database transaction is bound to one connection and is not safe for
// concurrent statements.
type Tx struct {
	mu   sync.Mutex
	tx   *sqlx.Tx
	done bool
}

// BeginTx starts a transaction that outlives ctx's cancellation.
func (d *DB) BeginTx(ctx context.Context) (*Tx, error) {
	tx, err := d.BeginTxx(context.WithoutCancel(ctx), nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	return &Tx{tx: tx}, nil
}

// Do runs fn with exclusive use of the transaction.
func (t *Tx) Do(fn func(q Queryer) error) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return ErrTxDone
	}
	return fn(t.tx)
}

// Commit commits the transaction. It waits for any running Do.
func (t *Tx) Commit() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return ErrTxDone
	}
	t.done = true
	if err := t.tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Rollback aborts the transaction. Rolling back a finished transaction is a
// no-op.
func (t *Tx) Rollback() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return nil
	}
	t.done = true
	if err := t.tx.Rollback(); err != nil {
		return fmt.Errorf("rollback: %w", err)
	}
	return nil
}

// Finish commits when commit is true and rolls back otherwise.
func (t *Tx) Finish(commit bool) error {
	if commit {
		return t.Commit()
	}
	return t.Rollback()
}
