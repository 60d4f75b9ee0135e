package core

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/shrek82/txpool/config"
	"github.com/shrek82/txpool/logger"
)

func openIntegration(t *testing.T, cfg config.Config) *Manager {
	t.Helper()
	m := New(cfg)
	m.SetLogger(logger.NewZap(zaptest.NewLogger(t)))
	require.NoError(t, m.Init(context.Background()))
	t.Cleanup(m.End)
	return m
}

func countRows(t *testing.T, m *Manager, table string) int {
	t.Helper()
	var n int
	err := m.Transaction(context.Background(), func(c *Conn) error {
		rows, err := c.Query(context.Background(), "SELECT COUNT(*) FROM "+table)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			if err := rows.Scan(&n); err != nil {
				return err
			}
		}
		return rows.Err()
	})
	require.NoError(t, err)
	return n
}

func TestSQLiteTransactions(t *testing.T) {
	m := openIntegration(t, config.Config{
		Name:     "sqlite",
		Driver:   "sqlite3",
		Database: filepath.Join(t.TempDir(), "txpool.db"),
	})
	ctx := context.Background()

	require.NoError(t, m.Transaction(ctx, func(c *Conn) error {
		_, err := c.Exec(ctx, "CREATE TABLE ledger (id INTEGER PRIMARY KEY, amount INTEGER NOT NULL)")
		return err
	}))

	c, err := m.GetTransactionConnection(ctx)
	require.NoError(t, err)
	_, err = c.Exec(ctx, "INSERT INTO ledger (amount) VALUES (?)", 100)
	require.NoError(t, err)
	require.NoError(t, m.ExitTransaction(ctx, c, true))

	c, err = m.GetTransactionConnection(ctx)
	require.NoError(t, err)
	_, err = c.Exec(ctx, "INSERT INTO ledger (amount) VALUES (?)", 200)
	require.NoError(t, err)
	require.NoError(t, m.ExitTransaction(ctx, c, false))

	assert.Equal(t, 1, countRows(t, m, "ledger"), "rolled back rows are gone")

	err = m.Transaction(ctx, func(c *Conn) error {
		_, err := c.Exec(ctx, "INSERT INTO missing_table VALUES (1)")
		return err
	})
	require.Error(t, err)
	assert.False(t, IsFatal(err), "a statement error leaves the session reusable")
	assert.Equal(t, 1, countRows(t, m, "ledger"))

	stat := m.Stat()
	assert.EqualValues(t, 0, stat.Acquired)
	assert.LessOrEqual(t, stat.Total, int32(10))
}

func TestSQLiteCommitOutsideTransaction(t *testing.T) {
	m := openIntegration(t, config.Config{
		Driver:          "sqlite3",
		Database:        filepath.Join(t.TempDir(), "txpool.db"),
		ConnectionLimit: 1,
	})
	ctx := context.Background()

	c, err := m.GetTransactionConnection(ctx)
	require.NoError(t, err)
	_, err = c.Exec(ctx, "COMMIT")
	require.NoError(t, err)

	err = m.ExitTransaction(ctx, c, true)
	require.Error(t, err, "COMMIT without an open transaction fails")
	assert.False(t, IsFatal(err))

	c, err = m.GetTransactionConnection(ctx)
	require.NoError(t, err, "the connection went back after the compensating rollback")
	require.NoError(t, m.ExitTransaction(ctx, c, true))
}

func TestPostgresTransportFault(t *testing.T) {
	dsn := os.Getenv("POSTGRES_TEST_DSN")
	if dsn == "" {
		t.Skip("POSTGRES_TEST_DSN not set")
	}

	m := openIntegration(t, config.Config{Name: "pg", Driver: "pgx", DSN: dsn, ConnectionLimit: 2})
	ctx := context.Background()

	victim, err := m.GetTransactionConnection(ctx)
	require.NoError(t, err)
	rows, err := victim.Query(ctx, "SELECT pg_backend_pid()")
	require.NoError(t, err)
	var pid int32
	require.True(t, rows.Next())
	require.NoError(t, rows.Scan(&pid))
	require.NoError(t, rows.Close())

	killer, err := m.GetTransactionConnection(ctx)
	require.NoError(t, err)
	_, err = killer.Exec(ctx, "SELECT pg_terminate_backend($1)", pid)
	require.NoError(t, err)
	require.NoError(t, m.ExitTransaction(ctx, killer, true))

	_, err = victim.Exec(ctx, "SELECT 1")
	require.Error(t, err)
	assert.True(t, IsFatal(err))
	require.Eventually(t, victim.Returned, 5*time.Second, 10*time.Millisecond, "the fault destroys the checked-out connection")

	err = m.ExitTransaction(ctx, victim, true)
	require.Error(t, err)
	assert.True(t, IsFatal(err))

	require.NoError(t, m.Transaction(ctx, func(c *Conn) error {
		_, err := c.Exec(ctx, "SELECT 1")
		return err
	}))
}

func TestPostgresCommitFailure(t *testing.T) {
	dsn := os.Getenv("POSTGRES_TEST_DSN")
	if dsn == "" {
		t.Skip("POSTGRES_TEST_DSN not set")
	}

	m := openIntegration(t, config.Config{Driver: "pgx", DSN: dsn, ConnectionLimit: 1})
	ctx := context.Background()

	c, err := m.GetTransactionConnection(ctx)
	require.NoError(t, err)
	_, err = c.Exec(ctx, "SELECT 1/0")
	require.Error(t, err)
	assert.False(t, IsFatal(err))

	// COMMIT of an aborted transaction reports a rollback, not an error, in PostgreSQL.
	err = m.ExitTransaction(ctx, c, true)
	if err != nil {
		assert.False(t, IsFatal(err))
		assert.False(t, errors.Is(err, ErrConnReturned))
	}

	require.NoError(t, m.Transaction(ctx, func(c *Conn) error {
		_, err := c.Exec(ctx, "SELECT 1")
		return err
	}))
}
