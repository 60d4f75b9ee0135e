package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/shrek82/txpool/config"
	"github.com/shrek82/txpool/dialect"
	"github.com/shrek82/txpool/logger"
)

var (
	errRecoverable = errors.New("could not serialize access")
	errFatal       = errors.New("terminating connection due to administrator command")
)

// fakeDB is a scripted dialect. Failures queued with failNext are consumed by
// the next matching statement on any connection.
type fakeDB struct {
	mu         sync.Mutex
	conns      []*fakeConn
	failures   map[string][]error
	connectErr error
	closed     atomic.Int64
}

func newFakeDB() *fakeDB {
	return &fakeDB{failures: make(map[string][]error)}
}

func (db *fakeDB) Connect(ctx context.Context, cfg config.Config, onFault dialect.FaultFunc) (dialect.Conn, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.connectErr != nil {
		return nil, db.connectErr
	}
	c := &fakeConn{db: db, id: len(db.conns) + 1, onFault: onFault}
	db.conns = append(db.conns, c)
	return c, nil
}

func (db *fakeDB) failNext(sql string, err error) {
	db.mu.Lock()
	db.failures[sql] = append(db.failures[sql], err)
	db.mu.Unlock()
}

func (db *fakeDB) setConnectErr(err error) {
	db.mu.Lock()
	db.connectErr = err
	db.mu.Unlock()
}

func (db *fakeDB) take(sql string) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	queue := db.failures[sql]
	if len(queue) == 0 {
		return nil
	}
	db.failures[sql] = queue[1:]
	return queue[0]
}

func (db *fakeDB) created() int {
	db.mu.Lock()
	defer db.mu.Unlock()
	return len(db.conns)
}

type fakeConn struct {
	db      *fakeDB
	id      int
	onFault dialect.FaultFunc
	closed  atomic.Bool

	mu    sync.Mutex
	stmts []string
}

func (c *fakeConn) Exec(ctx context.Context, sql string, args ...any) (int64, error) {
	c.mu.Lock()
	c.stmts = append(c.stmts, sql)
	c.mu.Unlock()
	if c.closed.Load() {
		return 0, errFatal
	}
	if err := c.db.take(sql); err != nil {
		return 0, err
	}
	return 1, nil
}

func (c *fakeConn) Query(ctx context.Context, sql string, args ...any) (dialect.Rows, error) {
	if _, err := c.Exec(ctx, sql, args...); err != nil {
		return nil, err
	}
	return &fakeRows{}, nil
}

func (c *fakeConn) IsFatal(err error) bool {
	return errors.Is(err, errFatal)
}

func (c *fakeConn) IsClosed() bool {
	return c.closed.Load()
}

func (c *fakeConn) Close(ctx context.Context) error {
	if c.closed.CompareAndSwap(false, true) {
		c.db.closed.Add(1)
	}
	return nil
}

// kill drops the transport and reports it the way a driver watcher would.
func (c *fakeConn) kill() {
	c.closed.Store(true)
	if c.onFault != nil {
		c.onFault(dialect.ErrTransportClosed)
	}
}

func (c *fakeConn) statements() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.stmts...)
}

type fakeRows struct{ done bool }

func (r *fakeRows) Next() bool {
	if r.done {
		return false
	}
	r.done = true
	return true
}

func (r *fakeRows) Scan(dest ...any) error {
	for _, d := range dest {
		if p, ok := d.(*int); ok {
			*p = 1
		}
	}
	return nil
}

func (r *fakeRows) Err() error   { return nil }
func (r *fakeRows) Close() error { return nil }

// recorder is an Observer keeping every event.
type recorder struct {
	mu      sync.Mutex
	events  []Event
	inited  atomic.Int32
	down    atomic.Int32
	initErr error
}

func (r *recorder) Name() string { return "recorder" }

func (r *recorder) Init(*Manager) error {
	if r.initErr != nil {
		return r.initErr
	}
	r.inited.Add(1)
	return nil
}

func (r *recorder) Shutdown() error {
	r.down.Add(1)
	return nil
}

func (r *recorder) Observe(_ context.Context, ev Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

// find returns the events of kind for connection id. Empty values match anything.
func (r *recorder) find(kind EventKind, id string) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, ev := range r.events {
		if (kind == "" || ev.Kind == kind) && (id == "" || ev.ConnID == id) {
			out = append(out, ev)
		}
	}
	return out
}

type harness struct {
	m    *Manager
	db   *fakeDB
	rec  *recorder
	logs *observer.ObservedLogs
}

// newHarness registers a fake dialect under the test's name and starts a
// manager on it with two connections at most, both prefilled.
func newHarness(t *testing.T, mutate ...func(*config.Config)) *harness {
	t.Helper()
	return startHarness(t, newFakeDB(), mutate...)
}

func startHarness(t *testing.T, db *fakeDB, mutate ...func(*config.Config)) *harness {
	t.Helper()
	driver := fmt.Sprintf("fake-%s", t.Name())
	dialect.Register(driver, db)

	cfg := config.Config{Name: "test", Driver: driver, ConnectionLimit: 2}
	for _, fn := range mutate {
		fn(&cfg)
	}

	zcore, logs := observer.New(zapcore.DebugLevel)
	m := New(cfg)
	m.SetLogger(logger.NewZap(zap.New(zcore)))
	rec := &recorder{}
	require.NoError(t, m.Use(rec))
	require.NoError(t, m.Init(context.Background()))
	t.Cleanup(m.End)

	return &harness{m: m, db: db, rec: rec, logs: logs}
}

func (h *harness) raw(c *Conn) *fakeConn {
	return c.session.raw.(*fakeConn)
}
