package dialect

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/shrek82/txpool/config"
)

var (
	// ErrUnknownDialect is returned when no dialect is registered under a driver name.
	ErrUnknownDialect = errors.New("unknown dialect")
	// ErrTransportClosed is reported to fault handlers when the session's transport goes away.
	ErrTransportClosed = errors.New("connection transport closed")
)

// FaultFunc is invoked at most once per connection, from any goroutine, when the
// transport fails independently of an in-flight statement.
type FaultFunc func(err error)

// Rows is the cursor returned by Conn.Query.
type Rows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
	Close() error
}

// Conn is a raw database session as produced by a driver.
type Conn interface {
	// Exec runs a statement and reports the number of affected rows.
	Exec(ctx context.Context, sql string, args ...any) (int64, error)
	// Query runs a statement returning rows.
	Query(ctx context.Context, sql string, args ...any) (Rows, error)
	// IsFatal reports whether err, returned by this connection, leaves the
	// session unusable.
	IsFatal(err error) bool
	// IsClosed reports whether the transport is gone.
	IsClosed() bool
	// Close shuts the transport down.
	Close(ctx context.Context) error
}

// Dialect represents the database-specific way of opening sessions and judging their errors.
// Each database (PostgreSQL, MySQL, SQLite) must implement this interface to be supported.
type Dialect interface {
	// Connect opens a session. onFault may be nil.
	Connect(ctx context.Context, cfg config.Config, onFault FaultFunc) (Conn, error)
}

var (
	mu       sync.RWMutex
	dialects = make(map[string]Dialect)
)

// Register registers a new dialect for a given driver name
func Register(name string, d Dialect) {
	mu.Lock()
	defer mu.Unlock()
	dialects[name] = d
}

// Get retrieves a registered dialect by driver name
func Get(name string) (Dialect, bool) {
	mu.RLock()
	defer mu.RUnlock()
	d, ok := dialects[name]
	return d, ok
}

// Names lists the registered driver names.
func Names() []string {
	mu.RLock()
	defer mu.RUnlock()
	names := make([]string, 0, len(dialects))
	for name := range dialects {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
