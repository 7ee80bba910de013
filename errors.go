package sqlstash

import (
	"errors"
	"fmt"

	"github.com/mattn/go-sqlite3"
)

// Error is the classified storage error returned by every store operation.
//
// Code carries the SQLite result code when the failure originated in the
// backend, or -1 for errors raised by this package (decoding failures,
// misuse, wrapped foreign errors).
type Error struct {
	// Op names the operation that failed, e.g. "reconcile" or "connect".
	Op string

	// Code is the SQLite result code, or -1 when no backend code applies.
	Code int

	// Err is the underlying cause.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Code >= 0 {
		return fmt.Sprintf("sqlstash: %s: %v (sqlite code %d)", e.Op, e.Err, e.Code)
	}
	return fmt.Sprintf("sqlstash: %s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying cause for errors.Is/As chains.
func (e *Error) Unwrap() error {
	return e.Err
}

// ErrSizeMismatch reports a stored blob whose length does not equal the
// encoded size of the fixed-layout target type. It is never retried.
var ErrSizeMismatch = errors.New("blob size does not match fixed-layout type size")

// ErrNotConnected reports an operation against a session with no live
// connection.
var ErrNotConnected = errors.New("session is not connected")

// classify wraps err into *Error, extracting the SQLite result code when
// present. Already-classified errors pass through unchanged so the innermost
// operation name wins.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *Error
	if errors.As(err, &se) {
		return err
	}
	code := -1
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		code = int(sqliteErr.Code)
	}
	return &Error{Op: op, Code: code, Err: err}
}

// isBusy reports whether err is SQLite's transient contention signal
// (SQLITE_BUSY or SQLITE_LOCKED). Busy errors are the only retried failure
// class.
func isBusy(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked
	}
	return false
}

// IsBusy reports whether err is a surfaced contention error. The statement
// layer retries contention internally, so callers normally only see this
// after context cancellation cut a retry loop short.
func IsBusy(err error) bool {
	return isBusy(err)
}

// IsConstraint reports whether err is a SQLite constraint violation.
func IsConstraint(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrConstraint
	}
	return false
}
