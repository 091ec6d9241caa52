// Package sqlexec is the transactional statement sequencer: it opens a
// single warehouse connection with auto-commit disabled, runs a sequence of
// statements one at a time under a per-statement timeout, and commits or
// rolls back as a unit.
package sqlexec

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" database/sql driver

	"github.com/malbeclabs/warehouse-loader/internal/descriptor"
	"github.com/malbeclabs/warehouse-loader/internal/metrics"
)

// TimeoutError annotates a per-statement timeout with the statement text.
type TimeoutError struct {
	Statement string
	Timeout   time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("sqlexec: statement timed out after %s: %s", e.Timeout, e.Statement)
}

// StatementError annotates a driver failure with the statement text.
type StatementError struct {
	Statement string
	Err       error
}

func (e *StatementError) Error() string {
	return fmt.Sprintf("sqlexec: statement failed: %s: %v", e.Statement, e.Err)
}

func (e *StatementError) Unwrap() error { return e.Err }

// Conn is a single non-pooled warehouse connection with auto-commit
// disabled. It is never shared across goroutines.
type Conn struct {
	db *sql.DB
	tx *sql.Tx
}

// WithConnection opens a connection to url, begins a transaction, runs fn,
// and commits on success or rolls back on any error returned by fn. The
// connection is always closed on return. An open-connection gauge is held
// for the duration of the call.
func WithConnection(ctx context.Context, dsn string, fn func(ctx context.Context, c *Conn) error) (err error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return fmt.Errorf("sqlexec: failed to open connection: %w", err)
	}
	defer db.Close()

	tx, err := db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return fmt.Errorf("sqlexec: failed to begin transaction: %w", err)
	}

	metrics.OpenConnections.Inc()
	defer metrics.OpenConnections.Dec()

	c := &Conn{db: db, tx: tx}

	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil && rbErr != sql.ErrTxDone {
				err = fmt.Errorf("%w (rollback also failed: %v)", err, rbErr)
			}
			metrics.ImportsRollbackTotal.Inc()
			return
		}
		if cErr := tx.Commit(); cErr != nil {
			err = fmt.Errorf("sqlexec: commit failed: %w", cErr)
			metrics.ImportsRollbackTotal.Inc()
			return
		}
		metrics.ImportsCommitTotal.Inc()
	}()

	err = fn(ctx, c)
	return err
}

// Execute runs each statement in stmts sequentially against c's open
// transaction. Each statement is dispatched on its own goroutine and raced
// against opts.Timeout; on timeout the statement's context is canceled,
// which the pgx driver surfaces as a canceled query to the server, and a
// *TimeoutError is returned without running the remaining statements. On a
// driver error a *StatementError is returned. Execute stops at the first
// failure — the caller is expected to let WithConnection roll back.
func Execute(ctx context.Context, opts descriptor.ExecuteOpts, c *Conn, stmts ...string) error {
	timeout := opts.Timeout()
	for _, stmt := range stmts {
		if err := execOne(ctx, c.tx, stmt, timeout); err != nil {
			return err
		}
	}
	return nil
}

func execOne(ctx context.Context, tx *sql.Tx, stmt string, timeout time.Duration) error {
	stmtCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		_, execErr := tx.ExecContext(stmtCtx, stmt)
		done <- execErr
	}()

	select {
	case <-stmtCtx.Done():
		if stmtCtx.Err() == context.DeadlineExceeded {
			metrics.ImportsTimeoutTotal.Inc()
			return &TimeoutError{Statement: stmt, Timeout: timeout}
		}
		return &StatementError{Statement: stmt, Err: stmtCtx.Err()}
	case err := <-done:
		if err != nil {
			return &StatementError{Statement: stmt, Err: err}
		}
		return nil
	}
}
