package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shrek82/txpool/config"
	"github.com/shrek82/txpool/dialect"
	"github.com/shrek82/txpool/logger"
	"github.com/shrek82/txpool/pool"
)

// Manager is the main entry point. It hands out connections holding an open
// transaction and takes them back, deciding from the outcome whether the
// session is reused or destroyed.
type Manager struct {
	cfg config.Config

	mu        sync.RWMutex
	logger    logger.Logger
	pending   []Observer
	observers []Observer
	pool      *pool.Pool[*Session]
	ended     bool
}

// New registers cfg, merged over the defaults. No connection is opened until Init.
func New(cfg config.Config) *Manager {
	return &Manager{
		cfg:    cfg.Normalize(),
		logger: logger.NewStdLogger(),
	}
}

// Open creates a Manager and initialises it.
func Open(ctx context.Context, cfg config.Config) (*Manager, error) {
	m := New(cfg)
	if err := m.Init(ctx); err != nil {
		return nil, err
	}
	return m, nil
}

// Name returns the instance name.
func (m *Manager) Name() string {
	return m.cfg.Name
}

// Config returns the merged configuration.
func (m *Manager) Config() config.Config {
	return m.cfg
}

// SetLogger sets a custom logger. Call it before Init; sessions keep the logger
// they were opened with.
func (m *Manager) SetLogger(l logger.Logger) {
	if l == nil {
		l = logger.NewNop()
	}
	m.mu.Lock()
	m.logger = l
	m.mu.Unlock()
}

// Use adds observers. Observers added after Init are initialised right away
// and receive events only once their Init succeeded; those that fail are
// dropped and their errors returned.
func (m *Manager) Use(observers ...Observer) error {
	m.mu.Lock()
	if m.ended {
		m.mu.Unlock()
		return ErrEnded
	}
	if m.pool == nil {
		m.pending = append(m.pending, observers...)
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	started, err := m.startObservers(observers)
	m.mu.Lock()
	if m.ended {
		m.mu.Unlock()
		// End already ran its shutdown pass.
		for _, o := range started {
			_ = o.Shutdown()
		}
		return errors.Join(err, ErrEnded)
	}
	m.observers = append(m.observers, started...)
	m.mu.Unlock()
	return err
}

// startObservers initialises observers in order and returns those that succeeded.
func (m *Manager) startObservers(observers []Observer) ([]Observer, error) {
	started := make([]Observer, 0, len(observers))
	var errs []error
	for _, o := range observers {
		if err := o.Init(m); err != nil {
			errs = append(errs, fmt.Errorf("observer %s: %w", o.Name(), err))
			continue
		}
		started = append(started, o)
	}
	return started, errors.Join(errs...)
}

// Init resolves the dialect, builds the pool and prefills it with the minimum
// number of connections. Prefill failures are logged; the pool retries them on
// its maintenance schedule. Calling Init again is a no-op.
func (m *Manager) Init(ctx context.Context) error {
	if err := m.cfg.Validate(); err != nil {
		return err
	}
	d, ok := dialect.Get(m.cfg.Driver)
	if !ok {
		return fmt.Errorf("%w: %s", dialect.ErrUnknownDialect, m.cfg.Driver)
	}
	if m.cfg.BreakerThreshold > 0 {
		d = dialect.NewBreaker(d, m.cfg.BreakerThreshold, m.cfg.BreakerReset())
	}

	m.mu.Lock()
	if m.ended {
		m.mu.Unlock()
		return ErrEnded
	}
	if m.pool != nil {
		m.mu.Unlock()
		return nil
	}

	f := NewFactory(m.cfg, d, m.logger.WithFields(map[string]any{"pool": m.cfg.Name}))
	f.OnCreate = func(s *Session) {
		m.emit(context.Background(), Event{Kind: EventConnect, ConnID: s.ID()})
	}
	f.OnDestroy = func(s *Session) {
		m.emit(context.Background(), Event{Kind: EventDestroy, ConnID: s.ID(), Fatal: s.Faulted()})
	}
	f.OnFault = m.handleFault

	p, err := pool.New(pool.Config[*Session]{
		Name:        m.cfg.Name,
		Create:      f.Create,
		Destroy:     f.Destroy,
		Broken:      (*Session).broken,
		Min:         int32(m.cfg.MinConnections),
		Max:         int32(m.cfg.ConnectionLimit),
		IdleTimeout: m.cfg.IdleTimeout(),
	})
	if err != nil {
		m.mu.Unlock()
		return err
	}
	m.pool = p
	pending := m.pending
	m.pending = nil
	l := m.logger
	m.mu.Unlock()

	started, err := m.startObservers(pending)
	m.mu.Lock()
	m.observers = append(m.observers, started...)
	m.mu.Unlock()
	if err != nil {
		m.End()
		return err
	}

	if err := p.Fill(ctx); err != nil {
		l.Warn("prefilling pool %s failed: %v", m.cfg.Name, err)
	}
	l.Info("pool %s ready: driver=%s max=%d min=%d", m.cfg.Name, m.cfg.Driver, m.cfg.ConnectionLimit, m.cfg.MinConnections)
	return nil
}

// Stat returns pool occupancy. It is the zero Stat before Init.
func (m *Manager) Stat() pool.Stat {
	p := m.currentPool()
	if p == nil {
		return pool.Stat{}
	}
	return p.Stat()
}

// GetTransactionConnection checks out a connection and begins a transaction
// on it. Acquisition failures are recoverable; a failed BEGIN is always fatal
// and the connection is destroyed before the error is returned.
func (m *Manager) GetTransactionConnection(ctx context.Context) (*Conn, error) {
	p := m.currentPool()
	if p == nil {
		return nil, ErrNotInitialized
	}
	l := m.log(ctx)

	h, err := p.Acquire(ctx)
	if err != nil {
		return nil, &Error{Op: "acquire", Err: err}
	}
	c := newConn(h)
	m.emit(ctx, Event{Kind: EventAcquire, ConnID: c.ID()})

	start := time.Now()
	if err := c.session.Begin(ctx); err != nil {
		ferr := escalate("begin", c.ID(), err)
		l.Debug("begin failed on %s, destroying: %v", c.ID(), ferr)
		m.emit(ctx, Event{Kind: EventBegin, ConnID: c.ID(), Duration: time.Since(start), Err: ferr, Fatal: true})
		m.Release(c, ferr)
		return nil, ferr
	}
	now := time.Now()
	c.begunAt.Store(now.UnixNano())
	m.emit(ctx, Event{Kind: EventBegin, ConnID: c.ID(), Duration: now.Sub(start)})
	return c, nil
}

// ExitTransaction ends the transaction on c and hands the connection back.
// With commit set it issues COMMIT; a recoverable commit failure is followed by
// a compensating ROLLBACK, a fatal one destroys the connection without it.
// Without commit it issues ROLLBACK. The connection is always returned,
// whatever the outcome.
func (m *Manager) ExitTransaction(ctx context.Context, c *Conn, commit bool) error {
	if c == nil {
		return ErrConnReturned
	}
	if c.Returned() {
		if err := c.session.FaultErr(); err != nil {
			return err
		}
		return ErrConnReturned
	}

	if !commit {
		err := m.rollback(ctx, c)
		m.Release(c, err)
		return err
	}

	l := m.log(ctx)
	start := time.Now()
	cerr := c.session.Commit(ctx)
	m.emit(ctx, Event{Kind: EventCommit, ConnID: c.ID(), Duration: time.Since(start), Err: cerr, Fatal: IsFatal(cerr)})
	if cerr == nil {
		m.Release(c, nil)
		return nil
	}

	if IsFatal(cerr) {
		l.Debug("fatal commit failure on %s, destroying: %v", c.ID(), cerr)
		m.Release(c, cerr)
		return cerr
	}

	l.Debug("commit failed on %s, rolling back: %v", c.ID(), cerr)
	if rerr := m.rollback(ctx, c); rerr != nil {
		m.Release(c, rerr)
		return rerr
	}
	m.Release(c, cerr)
	return cerr
}

func (m *Manager) rollback(ctx context.Context, c *Conn) error {
	start := time.Now()
	err := c.session.Rollback(ctx)
	m.emit(ctx, Event{Kind: EventRollback, ConnID: c.ID(), Duration: time.Since(start), Err: err, Fatal: IsFatal(err)})
	return err
}

// Release hands c back to the pool. A fatal err, or a session whose transport
// already failed, destroys the connection; anything else makes it reusable.
// Pool failures such as a second return are logged and reported to observers,
// never returned. A nil c is ignored.
func (m *Manager) Release(c *Conn, err error) {
	if c == nil {
		return
	}
	l := m.log(context.Background())
	destroy := IsFatal(err) || c.session.Faulted()
	if destroy {
		l.Debug("destroying connection %s: %v", c.ID(), err)
	}

	if perr := c.release(destroy); perr != nil {
		l.Warn("returning connection %s to pool %s failed: %v", c.ID(), m.cfg.Name, perr)
		m.emit(context.Background(), Event{Kind: EventReturnFailed, ConnID: c.ID(), Err: perr, Fatal: destroy})
		return
	}

	m.emit(context.Background(), Event{Kind: EventRelease, ConnID: c.ID(), Duration: c.OpenFor(), Err: err, Fatal: destroy})
}

// End stops handing out connections, waits for checked-out ones to come back,
// destroys the rest and shuts the observers down. It is a no-op before Init
// and on repeated calls.
func (m *Manager) End() {
	m.mu.Lock()
	if m.pool == nil || m.ended {
		m.mu.Unlock()
		return
	}
	m.ended = true
	p := m.pool
	observers := append([]Observer(nil), m.observers...)
	l := m.logger
	m.mu.Unlock()

	l.Debug("draining pool %s", m.cfg.Name)
	p.Drain()

	for _, o := range observers {
		if err := o.Shutdown(); err != nil {
			l.Warn("observer %s shutdown: %v", o.Name(), err)
		}
	}
	l.Info("pool %s closed", m.cfg.Name)
}

// handleFault routes an asynchronous transport failure into the same destroy
// path as a fatal statement error.
func (m *Manager) handleFault(s *Session, err *Error) {
	m.emit(context.Background(), Event{Kind: EventFault, ConnID: s.ID(), Err: err, Fatal: true})

	if c := s.currentLease(); c != nil {
		m.Release(c, err)
		return
	}
	if p := m.currentPool(); p != nil {
		p.Evict(func(x *Session) bool { return x == s })
	}
}

func (m *Manager) currentPool() *pool.Pool[*Session] {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.pool
}

// log returns the manager logger carrying the request fields found in ctx.
func (m *Manager) log(ctx context.Context) logger.Logger {
	m.mu.RLock()
	l := m.logger
	m.mu.RUnlock()
	if fields := logger.ContextFields(ctx); fields != nil {
		return l.WithFields(fields)
	}
	return l
}

func (m *Manager) emit(ctx context.Context, ev Event) {
	m.mu.RLock()
	observers := m.observers
	m.mu.RUnlock()
	if len(observers) == 0 {
		return
	}
	ev.Pool = m.cfg.Name
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	for _, o := range observers {
		o.Observe(ctx, ev)
	}
}
