package core

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/shrek82/txpool/dialect"
	"github.com/shrek82/txpool/pool"
)

// Conn is a checked-out session holding an open transaction. It belongs to the
// caller until ExitTransaction or Release hands it back; after that every
// method fails with ErrConnReturned.
type Conn struct {
	handle  *pool.Handle[*Session]
	session *Session
	// begunAt is the BEGIN completion time in unix nanoseconds, 0 until then.
	begunAt atomic.Int64
}

func newConn(h *pool.Handle[*Session]) *Conn {
	c := &Conn{handle: h, session: h.Value()}
	c.session.setLease(c)
	return c
}

// ID returns the id of the underlying session.
func (c *Conn) ID() string {
	return c.session.ID()
}

// OpenFor reports how long the transaction has been open, or 0 before BEGIN succeeded.
func (c *Conn) OpenFor() time.Duration {
	n := c.begunAt.Load()
	if n == 0 {
		return 0
	}
	return time.Since(time.Unix(0, n))
}

// Returned reports whether the connection already went back to the pool.
func (c *Conn) Returned() bool {
	return c.handle.Returned()
}

// Exec runs a statement inside the transaction.
func (c *Conn) Exec(ctx context.Context, sql string, args ...any) (int64, error) {
	if c.Returned() {
		return 0, ErrConnReturned
	}
	return c.session.Exec(ctx, sql, args...)
}

// Query runs a statement inside the transaction and returns its rows.
func (c *Conn) Query(ctx context.Context, sql string, args ...any) (dialect.Rows, error) {
	if c.Returned() {
		return nil, ErrConnReturned
	}
	return c.session.Query(ctx, sql, args...)
}

// release hands the session back for reuse, or destroys it when destroy is set.
func (c *Conn) release(destroy bool) error {
	var err error
	if destroy {
		err = c.handle.Destroy()
	} else {
		err = c.handle.Release()
	}
	if err == nil {
		c.session.clearLease(c)
	}
	return err
}
