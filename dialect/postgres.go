package dialect

import (
	"context"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/shrek82/txpool/config"
)

// PostgreSQL through lib/pq.
type postgres struct{}

func init() {
	Register("postgres", &postgres{})
}

func (d *postgres) Connect(ctx context.Context, cfg config.Config, _ FaultFunc) (Conn, error) {
	connector, err := pq.NewConnector(PostgresDSN(cfg))
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres DSN: %w", err)
	}
	return openSQLConn(ctx, connector, pqFatal)
}

func pqFatal(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Fatal()
	}
	return false
}
