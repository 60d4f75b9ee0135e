package core

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/shrek82/txpool/dialect"
	"github.com/shrek82/txpool/logger"
)

// Fixed transaction statements.
const (
	sqlBegin    = "BEGIN"
	sqlCommit   = "COMMIT"
	sqlRollback = "ROLLBACK"
)

// Session wraps a raw driver connection with transaction primitives and the
// fault state recorded by its transport watcher. Sessions live in the pool;
// callers reach them through a Conn.
type Session struct {
	id      string
	raw     dialect.Conn
	created time.Time
	logger  logger.Logger

	mu    sync.Mutex
	fault *Error
	lease *Conn
}

// ID returns the session's unique id.
func (s *Session) ID() string {
	return s.id
}

// CreatedAt returns when the session was opened.
func (s *Session) CreatedAt() time.Time {
	return s.created
}

// Faulted reports whether the transport failed. A faulted session is never reused.
func (s *Session) Faulted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fault != nil
}

// FaultErr returns the recorded transport fault, or nil.
func (s *Session) FaultErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fault == nil {
		return nil
	}
	return s.fault
}

// markFaulted records the first fault and returns it with whether this call recorded it.
func (s *Session) markFaulted(err error) (*Error, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fault != nil {
		return s.fault, false
	}
	s.fault = &Error{Op: "transport", ConnID: s.id, Fatal: true, Err: err}
	return s.fault, true
}

func (s *Session) setLease(c *Conn) {
	s.mu.Lock()
	s.lease = c
	s.mu.Unlock()
}

// clearLease drops c if it is still the current checkout.
func (s *Session) clearLease(c *Conn) {
	s.mu.Lock()
	if s.lease == c {
		s.lease = nil
	}
	s.mu.Unlock()
}

func (s *Session) currentLease() *Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lease
}

// Begin opens a transaction.
func (s *Session) Begin(ctx context.Context) error {
	_, err := s.exec(ctx, "begin", sqlBegin)
	return err
}

// Commit commits the open transaction.
func (s *Session) Commit(ctx context.Context) error {
	_, err := s.exec(ctx, "commit", sqlCommit)
	return err
}

// Rollback aborts the open transaction.
func (s *Session) Rollback(ctx context.Context) error {
	_, err := s.exec(ctx, "rollback", sqlRollback)
	return err
}

// Exec runs a statement and returns the number of affected rows.
func (s *Session) Exec(ctx context.Context, sql string, args ...any) (int64, error) {
	return s.exec(ctx, "exec", sql, args...)
}

// Query runs a statement returning rows.
func (s *Session) Query(ctx context.Context, sql string, args ...any) (dialect.Rows, error) {
	if err := s.FaultErr(); err != nil {
		return nil, err
	}
	start := time.Now()
	rows, err := s.raw.Query(ctx, sql, args...)
	s.logger.SQL(sql, time.Since(start), args...)
	if err != nil {
		return nil, s.wrap("query", err)
	}
	return rows, nil
}

func (s *Session) exec(ctx context.Context, op, sql string, args ...any) (int64, error) {
	if err := s.FaultErr(); err != nil {
		return 0, err
	}
	start := time.Now()
	n, err := s.raw.Exec(ctx, sql, args...)
	s.logger.SQL(sql, time.Since(start), args...)
	if err != nil {
		return 0, s.wrap(op, err)
	}
	return n, nil
}

func (s *Session) wrap(op string, err error) error {
	return &Error{
		Op:     op,
		ConnID: s.id,
		Fatal:  s.raw.IsFatal(err) || s.Faulted() || abandonsTx(op, err),
		Err:    err,
	}
}

// abandonsTx reports whether a transaction statement was cut off by its
// context. The server may still hold the transaction open, so the session
// cannot go back to the pool.
func abandonsTx(op string, err error) bool {
	switch op {
	case "begin", "commit", "rollback":
		return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
	}
	return false
}

func (s *Session) broken() bool {
	return s.Faulted() || s.raw.IsClosed()
}
