package core

import (
	"errors"
	"fmt"
)

var (
	// ErrNotInitialized is returned when a connection is requested before Init.
	ErrNotInitialized = errors.New("transaction manager not initialized")
	// ErrEnded is returned by Init and Use once End has run.
	ErrEnded = errors.New("transaction manager ended")
	// ErrConnReturned is returned when a connection is used after it went back to the pool.
	ErrConnReturned = errors.New("connection already returned to pool")
)

// Error is a failure tied to one connection. Fatal is decided where the error
// is detected: a fatal error means the session must never be reused.
type Error struct {
	Op     string
	ConnID string
	Fatal  bool
	Err    error
}

func (e *Error) Error() string {
	kind := "recoverable"
	if e.Fatal {
		kind = "fatal"
	}
	if e.ConnID == "" {
		return fmt.Sprintf("%s failed (%s): %v", e.Op, kind, e.Err)
	}
	return fmt.Sprintf("%s failed on connection %s (%s): %v", e.Op, e.ConnID, kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsFatal reports whether err marks its connection as unusable. Besides *Error
// it honours driver errors exposing Fatal() bool, such as *pq.Error.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Fatal
	}
	var f interface{ Fatal() bool }
	if errors.As(err, &f) {
		return f.Fatal()
	}
	return false
}

// escalate returns a fatal copy of err, leaving err itself untouched.
func escalate(op, connID string, err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		cp := *e
		cp.Fatal = true
		return &cp
	}
	return &Error{Op: op, ConnID: connID, Fatal: true, Err: err}
}
