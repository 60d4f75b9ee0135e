// Package pool is a bounded resource pool with a minimum size, idle eviction and
// drain-on-shutdown, built on puddle.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/puddle/v2"
)

var (
	// ErrClosed is returned by Acquire once the pool is draining or drained.
	ErrClosed = errors.New("pool is closed")
	// ErrAlreadyReturned is returned when a handle is released or destroyed a second time.
	ErrAlreadyReturned = errors.New("resource already returned to pool")
)

const defaultReapInterval = 30 * time.Second

// Config defines how a Pool creates, checks and destroys its items.
type Config[T any] struct {
	Name string
	// Create makes a new item. A failure surfaces from Acquire.
	Create func(ctx context.Context) (T, error)
	// Destroy releases an item's resources. It must not panic.
	Destroy func(T)
	// Broken reports items that must never be handed out again. Optional.
	Broken func(T) bool

	Min         int32
	Max         int32
	IdleTimeout time.Duration
	// ReapInterval is how often idle items are checked; defaults to 30s.
	ReapInterval time.Duration
}

// Stat is a snapshot of pool occupancy.
type Stat struct {
	Total           int32
	Idle            int32
	Acquired        int32
	Constructing    int32
	Max             int32
	AcquireCount    int64
	EmptyAcquire    int64
	CanceledAcquire int64
	AcquireDuration time.Duration
}

// Pool is safe for concurrent use.
type Pool[T any] struct {
	cfg Config[T]
	p   *puddle.Pool[T]

	drainOnce sync.Once
	done      chan struct{}
	wg        sync.WaitGroup
}

// New creates a pool and starts its maintenance loop. It does not create any
// items; call Fill for that.
func New[T any](cfg Config[T]) (*Pool[T], error) {
	if cfg.Create == nil {
		return nil, errors.New("pool: Create is required")
	}
	if cfg.Max < 1 {
		return nil, fmt.Errorf("pool: max size must be positive, got %d", cfg.Max)
	}
	if cfg.Min < 0 {
		cfg.Min = 0
	}
	if cfg.Min > cfg.Max {
		cfg.Min = cfg.Max
	}
	if cfg.ReapInterval <= 0 {
		cfg.ReapInterval = defaultReapInterval
	}
	destroy := cfg.Destroy
	if destroy == nil {
		destroy = func(T) {}
	}

	p, err := puddle.NewPool(&puddle.Config[T]{
		Constructor: cfg.Create,
		Destructor:  destroy,
		MaxSize:     cfg.Max,
	})
	if err != nil {
		return nil, fmt.Errorf("pool %s: %w", cfg.Name, err)
	}

	pl := &Pool[T]{cfg: cfg, p: p, done: make(chan struct{})}
	pl.wg.Add(1)
	go pl.maintain()
	return pl, nil
}

// Name returns the configured pool name.
func (p *Pool[T]) Name() string {
	return p.cfg.Name
}

// Acquire checks an item out, creating one when none is idle and the pool is
// below Max. It waits for a return when the pool is full.
func (p *Pool[T]) Acquire(ctx context.Context) (*Handle[T], error) {
	for {
		res, err := p.p.Acquire(ctx)
		if err != nil {
			if errors.Is(err, puddle.ErrClosedPool) {
				return nil, ErrClosed
			}
			return nil, err
		}
		if p.cfg.Broken != nil && p.cfg.Broken(res.Value()) {
			res.Destroy()
			continue
		}
		return &Handle[T]{res: res}, nil
	}
}

// Fill creates idle items until the pool holds Min. The first creation error
// stops it.
func (p *Pool[T]) Fill(ctx context.Context) error {
	for {
		stat := p.p.Stat()
		if stat.TotalResources()+stat.ConstructingResources() >= p.cfg.Min {
			return nil
		}
		if err := p.p.CreateResource(ctx); err != nil {
			if errors.Is(err, puddle.ErrClosedPool) {
				return ErrClosed
			}
			return err
		}
	}
}

// Evict destroys the idle items matching match and returns how many went.
func (p *Pool[T]) Evict(match func(T) bool) int {
	n := 0
	for _, res := range p.p.AcquireAllIdle() {
		if match(res.Value()) {
			res.Destroy()
			n++
			continue
		}
		res.ReleaseUnused()
	}
	return n
}

// reap drops broken idle items and items idle past IdleTimeout, never going
// below Min.
func (p *Pool[T]) reap() int {
	idle := p.p.AcquireAllIdle()
	total := p.p.Stat().TotalResources()
	n := 0
	for _, res := range idle {
		broken := p.cfg.Broken != nil && p.cfg.Broken(res.Value())
		expired := p.cfg.IdleTimeout > 0 && res.IdleDuration() > p.cfg.IdleTimeout && total-int32(n) > p.cfg.Min
		if broken || expired {
			res.Destroy()
			n++
			continue
		}
		res.ReleaseUnused()
	}
	return n
}

func (p *Pool[T]) maintain() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.cfg.ReapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.done:
			return
		case <-ticker.C:
			p.reap()
			ctx, cancel := context.WithTimeout(context.Background(), p.cfg.ReapInterval)
			_ = p.Fill(ctx)
			cancel()
		}
	}
}

// Drain stops handing out items, waits for every checked-out handle to come
// back and destroys everything. Safe to call more than once.
func (p *Pool[T]) Drain() {
	p.drainOnce.Do(func() {
		close(p.done)
		p.wg.Wait()
		p.p.Close()
	})
}

// Stat returns a snapshot of the pool's counters.
func (p *Pool[T]) Stat() Stat {
	s := p.p.Stat()
	return Stat{
		Total:           s.TotalResources(),
		Idle:            s.IdleResources(),
		Acquired:        s.AcquiredResources(),
		Constructing:    s.ConstructingResources(),
		Max:             s.MaxResources(),
		AcquireCount:    s.AcquireCount(),
		EmptyAcquire:    s.EmptyAcquireCount(),
		CanceledAcquire: s.CanceledAcquireCount(),
		AcquireDuration: s.AcquireDuration(),
	}
}

// Handle is one checkout of an item. It goes back to the pool exactly once,
// through Release or Destroy.
type Handle[T any] struct {
	res      *puddle.Resource[T]
	returned atomic.Bool
}

// Value returns the checked-out item.
func (h *Handle[T]) Value() T {
	return h.res.Value()
}

// Release puts the item back for reuse.
func (h *Handle[T]) Release() error {
	if !h.returned.CompareAndSwap(false, true) {
		return ErrAlreadyReturned
	}
	h.res.Release()
	return nil
}

// Destroy removes the item from the pool and destroys it.
func (h *Handle[T]) Destroy() error {
	if !h.returned.CompareAndSwap(false, true) {
		return ErrAlreadyReturned
	}
	h.res.Destroy()
	return nil
}

// Returned reports whether Release or Destroy already ran.
func (h *Handle[T]) Returned() bool {
	return h.returned.Load()
}
