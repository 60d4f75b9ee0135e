package dialect

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"

	"github.com/go-sql-driver/mysql"

	"github.com/shrek82/txpool/config"
)

// MySQL server error numbers after which the session is gone.
const (
	erServerShutdown   = 1053
	erConnectionKilled = 1927
)

type mysqlDialect struct{}

func init() {
	Register("mysql", &mysqlDialect{})
}

func (d *mysqlDialect) Connect(ctx context.Context, cfg config.Config, _ FaultFunc) (Conn, error) {
	mcfg, err := mysqlConfig(cfg)
	if err != nil {
		return nil, err
	}
	connector, err := mysql.NewConnector(mcfg)
	if err != nil {
		return nil, fmt.Errorf("failed to build mysql connector: %w", err)
	}
	return openSQLConn(ctx, connector, mysqlFatal)
}

func mysqlConfig(cfg config.Config) (*mysql.Config, error) {
	if cfg.DSN != "" {
		mcfg, err := mysql.ParseDSN(cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("failed to parse mysql DSN: %w", err)
		}
		return mcfg, nil
	}

	mcfg := mysql.NewConfig()
	mcfg.User = cfg.User
	mcfg.Passwd = cfg.Password
	mcfg.Net = "tcp"
	mcfg.Addr = net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
	mcfg.DBName = cfg.Database
	mcfg.Timeout = cfg.ConnectTimeout()
	return mcfg, nil
}

func mysqlFatal(err error) bool {
	if errors.Is(err, mysql.ErrInvalidConn) {
		return true
	}
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		return myErr.Number == erServerShutdown || myErr.Number == erConnectionKilled
	}
	return false
}
