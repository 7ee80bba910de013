package sqlstash

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// busyRetryDelay is the fixed backoff between retries when SQLite reports
// contention. Retries are unbounded by count; the sleep honors context
// cancellation, so callers impose deadlines through ctx.
const busyRetryDelay = 50 * time.Millisecond

// stmt owns one prepared, reusable parameterized statement. All execution
// paths retry SQLITE_BUSY/SQLITE_LOCKED with a fixed backoff; every other
// failure is returned for the caller to classify.
type stmt struct {
	sess *Session
	text string
	st   *sql.Stmt
}

// prepareLocked compiles text against the live connection. The session
// mutex must be held.
func (s *Session) prepareLocked(ctx context.Context, text string) (*stmt, error) {
	if s.db == nil {
		return nil, ErrNotConnected
	}
	for {
		st, err := s.db.PrepareContext(ctx, text)
		if err == nil {
			prepared := &stmt{sess: s, text: text, st: st}
			s.stmts = append(s.stmts, prepared)
			return prepared, nil
		}
		if !isBusy(err) {
			return nil, fmt.Errorf("prepare %q: %w", text, err)
		}
		if err := s.sleepBusy(ctx); err != nil {
			return nil, err
		}
	}
}

func (st *stmt) close() error {
	if st == nil || st.st == nil {
		return nil
	}
	err := st.st.Close()
	st.st = nil
	return err
}

// exec steps the statement to completion.
func (st *stmt) exec(ctx context.Context, args ...any) error {
	for {
		_, err := st.st.ExecContext(ctx, args...)
		if err == nil {
			return nil
		}
		if !isBusy(err) {
			return err
		}
		if err := st.sess.sleepBusy(ctx); err != nil {
			return err
		}
	}
}

// execRows steps the statement to completion and reports the number of rows
// it changed.
func (st *stmt) execRows(ctx context.Context, args ...any) (int64, error) {
	for {
		res, err := st.st.ExecContext(ctx, args...)
		if err == nil {
			return res.RowsAffected()
		}
		if !isBusy(err) {
			return 0, err
		}
		if err := st.sess.sleepBusy(ctx); err != nil {
			return 0, err
		}
	}
}

// query streams result rows to scan. When contention interrupts the read,
// the whole read restarts from scratch: reset is called first so the caller
// can drop partially collected results. reset may be nil when scan is
// idempotent.
func (st *stmt) query(ctx context.Context, reset func(), scan func(*sql.Rows) error, args ...any) error {
	for {
		err := st.queryOnce(ctx, scan, args...)
		if err == nil {
			return nil
		}
		if !isBusy(err) {
			return err
		}
		if reset != nil {
			reset()
		}
		if err := st.sess.sleepBusy(ctx); err != nil {
			return err
		}
	}
}

func (st *stmt) queryOnce(ctx context.Context, scan func(*sql.Rows) error, args ...any) error {
	rows, err := st.st.QueryContext(ctx, args...)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		if err := scan(rows); err != nil {
			return err
		}
	}
	return rows.Err()
}

// queryCell runs the statement expecting at most one single-column row.
// Returns the cell and whether a row was produced.
func (st *stmt) queryCell(ctx context.Context, args ...any) (any, bool, error) {
	var (
		cell  any
		found bool
	)
	err := st.query(ctx,
		func() { cell, found = nil, false },
		func(rows *sql.Rows) error {
			found = true
			return rows.Scan(&cell)
		},
		args...)
	if err != nil {
		return nil, false, err
	}
	return cell, found, nil
}

// sleepBusy waits out one backoff interval, logging the retry.
func (s *Session) sleepBusy(ctx context.Context) error {
	s.log.Debug("database busy, retrying")
	t := time.NewTimer(busyRetryDelay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
