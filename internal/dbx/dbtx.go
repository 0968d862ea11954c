// Package dbx holds the storage plumbing shared by repositories: the DBTX
// handle that both *sql.DB and *sql.Tx satisfy, transaction scoping, bounded
// store contexts and driver error classification.
package dbx

import (
	"context"
	"database/sql"
	"time"
)

// DBTX is what a repository needs from its connection. Binding a repository
// to a *sql.Tx instead of the pool makes its statements part of that tx.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// WithTx runs fn inside one transaction. It commits when fn returns nil and
// rolls back when fn fails or panics; a panic is re-raised after rollback.
// A commit error is returned as fn's result.
//
//	err := dbx.WithTx(ctx, db, nil, func(ctx context.Context, tx dbx.DBTX) error {
//	    if err := m.Users(tx).UpdateEmail(ctx, old, new); err != nil {
//	        return err
//	    }
//	    return m.Users(tx).UpdateCredentials(ctx, new, hash, key, salt)
//	})
func WithTx(ctx context.Context, db *sql.DB, opts *sql.TxOptions, fn func(ctx context.Context, tx DBTX) error) (err error) {
	tx, err := db.BeginTx(ctx, opts)
	if err != nil {
		return err
	}

	committed := false
	defer func() {
		if committed {
			return
		}
		_ = tx.Rollback()
		if p := recover(); p != nil {
			panic(p)
		}
	}()

	if err = fn(ctx, tx); err != nil {
		return err
	}

	committed = true
	return tx.Commit()
}

// ReadContext bounds a read-only store call. Caller cancellation still applies.
func ReadContext(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}

// MutationContext bounds a store mutation but detaches it from the caller's
// cancellation, so a disconnected client cannot leave a transaction between
// BEGIN and COMMIT. Context values (request id, logger fields) are kept.
func MutationContext(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	return ReadContext(context.WithoutCancel(ctx), timeout)
}
