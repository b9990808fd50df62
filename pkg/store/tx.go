package store

import (
	"context"
	"database/sql"
	"fmt"
)

// Tx wraps a database transaction and collects post-commit hooks. Hooks run
// only after a successful commit: a rolled-back transaction never triggers
// follow-up work.
type Tx struct {
	*sql.Tx
	hooks []func()
}

// AfterCommit registers fn to run once the transaction commits.
func (t *Tx) AfterCommit(fn func()) {
	t.hooks = append(t.hooks, fn)
}

// WithTransaction runs fn inside a transaction, rolling back on error and
// firing registered post-commit hooks after a successful commit.
func WithTransaction(ctx context.Context, db DB, fn func(tx *Tx) error) error {
	sqlTx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	tx := &Tx{Tx: sqlTx}
	if err := fn(tx); err != nil {
		_ = sqlTx.Rollback()
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	for _, hook := range tx.hooks {
		hook()
	}
	return nil
}
