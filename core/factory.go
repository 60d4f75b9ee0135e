package core

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/shrek82/txpool/config"
	"github.com/shrek82/txpool/dialect"
	"github.com/shrek82/txpool/logger"
)

const destroyTimeout = 5 * time.Second

// Factory opens sessions for the pool and closes them again.
type Factory struct {
	cfg     config.Config
	dialect dialect.Dialect
	logger  logger.Logger

	// OnCreate runs after a session is opened.
	OnCreate func(s *Session)
	// OnDestroy runs after a session is closed.
	OnDestroy func(s *Session)
	// OnFault runs once per session, on the goroutine that noticed the fault.
	OnFault func(s *Session, err *Error)
}

// NewFactory creates a Factory for cfg, which should already be normalized.
func NewFactory(cfg config.Config, d dialect.Dialect, l logger.Logger) *Factory {
	if l == nil {
		l = logger.NewNop()
	}
	return &Factory{cfg: cfg, dialect: d, logger: l}
}

// Create opens a session and registers its fault handler.
func (f *Factory) Create(ctx context.Context) (*Session, error) {
	s := &Session{
		id:      uuid.NewString(),
		created: time.Now(),
	}
	s.logger = f.logger.WithFields(map[string]any{"conn_id": s.id})

	if t := f.cfg.ConnectTimeout(); t > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t)
		defer cancel()
	}

	raw, err := f.dialect.Connect(ctx, f.cfg, func(err error) { f.fault(s, err) })
	if err != nil {
		return nil, &Error{Op: "connect", ConnID: s.id, Fatal: true, Err: err}
	}
	s.raw = raw

	if err := s.FaultErr(); err != nil {
		f.Destroy(s)
		return nil, err
	}

	s.logger.Debug("opened connection to %s", f.cfg.Driver)
	if f.OnCreate != nil {
		f.OnCreate(s)
	}
	return s, nil
}

// Destroy closes the session's transport. Close failures are logged and dropped.
func (f *Factory) Destroy(s *Session) {
	if s == nil || s.raw == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), destroyTimeout)
	defer cancel()

	if err := s.raw.Close(ctx); err != nil {
		s.logger.Debug("ignoring close failure: %v", err)
	}
	if f.OnDestroy != nil {
		f.OnDestroy(s)
	}
}

func (f *Factory) fault(s *Session, err error) {
	ferr, first := s.markFaulted(err)
	if !first {
		return
	}
	s.logger.Warn("connection fault: %v", err)
	if f.OnFault != nil {
		f.OnFault(s, ferr)
	}
}
