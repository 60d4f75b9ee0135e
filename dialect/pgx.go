package dialect

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/shrek82/txpool/config"
)

// pgxDialect is the native PostgreSQL dialect. It is the only one that notices
// transport faults without a statement in flight.
type pgxDialect struct{}

func init() {
	Register("pgx", &pgxDialect{})
}

func (d *pgxDialect) Connect(ctx context.Context, cfg config.Config, onFault FaultFunc) (Conn, error) {
	connCfg, err := pgx.ParseConfig(PostgresDSN(cfg))
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres DSN: %w", err)
	}

	c := &pgxConn{onFault: onFault, busy: make(chan struct{}, 1)}
	// The server sends FATAL before it hangs up (idle_session_timeout,
	// admin shutdown, pg_terminate_backend).
	connCfg.OnPgError = func(_ *pgconn.PgConn, pgErr *pgconn.PgError) bool {
		if fatalSeverity(pgErr.Severity) {
			c.fault(pgErr)
			return false
		}
		return true
	}

	conn, err := pgx.ConnectConfig(ctx, connCfg)
	if err != nil {
		return nil, err
	}
	c.conn = conn
	c.ready.Store(true)

	go c.watch()
	return c, nil
}

// pgxConn serializes statements and Close through busy: a fault reported in
// the middle of a statement leads to a Close from another goroutine, which
// must wait for the statement, or its rows, to finish.
type pgxConn struct {
	conn      *pgx.Conn
	onFault   FaultFunc
	faultOnce sync.Once
	ready     atomic.Bool
	closing   atomic.Bool
	busy      chan struct{}
}

func (c *pgxConn) lock(ctx context.Context) error {
	select {
	case c.busy <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *pgxConn) unlock() {
	<-c.busy
}

func (c *pgxConn) watch() {
	<-c.conn.PgConn().CleanupDone()
	if !c.closing.Load() {
		c.fault(ErrTransportClosed)
	}
}

func (c *pgxConn) fault(err error) {
	// Errors during the handshake are returned by Connect instead.
	if !c.ready.Load() || c.closing.Load() {
		return
	}
	c.faultOnce.Do(func() {
		if c.onFault != nil {
			c.onFault(err)
		}
	})
}

func (c *pgxConn) Exec(ctx context.Context, sql string, args ...any) (int64, error) {
	if err := c.lock(ctx); err != nil {
		return 0, err
	}
	defer c.unlock()

	tag, err := c.conn.Exec(ctx, sql, args...)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// Query holds the connection until the returned rows are closed.
func (c *pgxConn) Query(ctx context.Context, sql string, args ...any) (Rows, error) {
	if err := c.lock(ctx); err != nil {
		return nil, err
	}
	rows, err := c.conn.Query(ctx, sql, args...)
	if err != nil {
		c.unlock()
		return nil, err
	}
	return &pgxRows{rows: rows, done: c.unlock}, nil
}

func (c *pgxConn) IsFatal(err error) bool {
	if err == nil {
		return false
	}
	if c.conn.IsClosed() || errors.Is(err, ErrTransportClosed) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return fatalSeverity(pgErr.Severity)
	}
	return false
}

func (c *pgxConn) IsClosed() bool {
	return c.conn.IsClosed()
}

// Close waits for an in-flight statement; when ctx expires first it drops the
// socket instead, which also aborts that statement.
func (c *pgxConn) Close(ctx context.Context) error {
	c.closing.Store(true)
	if err := c.lock(ctx); err != nil {
		return c.conn.PgConn().Conn().Close()
	}
	defer c.unlock()
	return c.conn.Close(ctx)
}

type pgxRows struct {
	rows pgx.Rows
	once sync.Once
	done func()
}

func (r *pgxRows) Next() bool             { return r.rows.Next() }
func (r *pgxRows) Scan(dest ...any) error { return r.rows.Scan(dest...) }
func (r *pgxRows) Err() error             { return r.rows.Err() }

func (r *pgxRows) Close() error {
	r.rows.Close()
	r.once.Do(r.done)
	return r.rows.Err()
}

func fatalSeverity(severity string) bool {
	return severity == "FATAL" || severity == "PANIC"
}
