package dialect

import (
	"context"
	"errors"

	"github.com/mattn/go-sqlite3"

	"github.com/shrek82/txpool/config"
)

type sqlite3Dialect struct{}

func init() {
	Register("sqlite3", &sqlite3Dialect{})
}

// Connect opens cfg.DSN, or cfg.Database as a file path when no DSN is given.
func (d *sqlite3Dialect) Connect(ctx context.Context, cfg config.Config, _ FaultFunc) (Conn, error) {
	dsn := cfg.DSN
	if dsn == "" {
		dsn = cfg.Database
	}
	return openSQLConn(ctx, dsnConnector{dsn: dsn, drv: &sqlite3.SQLiteDriver{}}, sqliteFatal)
}

func sqliteFatal(err error) bool {
	var sqlErr sqlite3.Error
	if errors.As(err, &sqlErr) {
		switch sqlErr.Code {
		case sqlite3.ErrCorrupt, sqlite3.ErrNotADB, sqlite3.ErrIoErr, sqlite3.ErrCantOpen:
			return true
		}
	}
	return false
}
