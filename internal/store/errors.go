package store

import "errors"

// ErrClosed is returned when a statement is issued after Close.
var ErrClosed = errors.New("store is closed")

// Error is returned for any statement the SQLite engine rejects: syntax
// errors, constraint violations, missing tables and so on.
//
// Error() yields the engine's message unchanged so that it can be relayed to
// clients verbatim. Use errors.As to recover the operation and SQL text.
type Error struct {
	// Op is the access shape that failed: query, exec, get or all.
	Op string

	// SQL is the statement text as submitted.
	SQL string

	// Err is the underlying driver error.
	Err error
}

func newError(op, sql string, err error) *Error {
	return &Error{Op: op, SQL: sql, Err: err}
}

func (e *Error) Error() string {
	return e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}
