package dialect

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"sync/atomic"
)

// sqlConn pins one driver connection of a private single-connection *sql.DB,
// so drivers that only ship a database/sql driver can serve as raw sessions.
type sqlConn struct {
	db     *sql.DB
	conn   *sql.Conn
	fatal  func(error) bool
	closed atomic.Bool
}

func openSQLConn(ctx context.Context, connector driver.Connector, fatal func(error) bool) (*sqlConn, error) {
	db := sql.OpenDB(connector)
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	conn, err := db.Conn(ctx)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	// Fail now rather than on BEGIN.
	if err := conn.PingContext(ctx); err != nil {
		_ = conn.Close()
		_ = db.Close()
		return nil, err
	}
	return &sqlConn{db: db, conn: conn, fatal: fatal}, nil
}

func (c *sqlConn) Exec(ctx context.Context, query string, args ...any) (int64, error) {
	res, err := c.conn.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		// Not every driver counts rows for every statement.
		return 0, nil
	}
	return n, nil
}

func (c *sqlConn) Query(ctx context.Context, query string, args ...any) (Rows, error) {
	rows, err := c.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (c *sqlConn) IsFatal(err error) bool {
	if err == nil {
		return false
	}
	if c.closed.Load() || errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) {
		return true
	}
	return c.fatal != nil && c.fatal(err)
}

func (c *sqlConn) IsClosed() bool {
	return c.closed.Load()
}

func (c *sqlConn) Close(ctx context.Context) error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	return errors.Join(c.conn.Close(), c.db.Close())
}

// dsnConnector adapts a bare driver.Driver to driver.Connector.
type dsnConnector struct {
	dsn string
	drv driver.Driver
}

func (c dsnConnector) Connect(context.Context) (driver.Conn, error) {
	return c.drv.Open(c.dsn)
}

func (c dsnConnector) Driver() driver.Driver {
	return c.drv
}
