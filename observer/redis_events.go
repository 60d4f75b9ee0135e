package observer

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/shrek82/txpool/core"
	"github.com/shrek82/txpool/logger"
)

const (
	// ChannelPrefix is prepended to the manager name to form the publish channel.
	ChannelPrefix = "txpool:events:"

	defaultEventBuffer = 256
	publishTimeout     = 2 * time.Second
)

// EventRecord is the JSON payload published for each event.
type EventRecord struct {
	Kind       core.EventKind `json:"kind"`
	Pool       string         `json:"pool"`
	ConnID     string         `json:"conn_id,omitempty"`
	DurationMs float64        `json:"duration_ms,omitempty"`
	Error      string         `json:"error,omitempty"`
	Fatal      bool           `json:"fatal,omitempty"`
	Time       time.Time      `json:"time"`
}

// NewEventRecord converts an event to its published form.
func NewEventRecord(ev core.Event) EventRecord {
	rec := EventRecord{
		Kind:       ev.Kind,
		Pool:       ev.Pool,
		ConnID:     ev.ConnID,
		DurationMs: float64(ev.Duration) / float64(time.Millisecond),
		Fatal:      ev.Fatal,
		Time:       ev.Time,
	}
	if ev.Err != nil {
		rec.Error = ev.Err.Error()
	}
	return rec
}

// RedisEvents publishes pool events to a Redis channel. Events are queued in a
// bounded buffer drained by one goroutine; when the buffer is full new events
// are dropped and counted.
type RedisEvents struct {
	Client *redis.Client
	// Channel overrides the default ChannelPrefix + manager name.
	Channel string

	logger  logger.Logger
	events  chan core.Event
	dropped atomic.Int64

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

// NewRedisEvents creates a publisher. buffer <= 0 selects the default size.
func NewRedisEvents(opt *redis.Options, buffer int) *RedisEvents {
	if buffer <= 0 {
		buffer = defaultEventBuffer
	}
	return &RedisEvents{
		Client: redis.NewClient(opt),
		logger: logger.NewNop(),
		events: make(chan core.Event, buffer),
	}
}

// SetLogger sets the logger used for publish failures.
func (o *RedisEvents) SetLogger(l logger.Logger) {
	o.logger = l
}

func (o *RedisEvents) Name() string {
	return "RedisEvents"
}

func (o *RedisEvents) Init(m *core.Manager) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := o.Client.Ping(ctx).Err(); err != nil {
		return err
	}

	if o.Channel == "" {
		o.Channel = ChannelPrefix + m.Name()
	}
	o.wg.Add(1)
	go o.publish(o.Channel)
	return nil
}

// Shutdown flushes queued events and closes the client.
func (o *RedisEvents) Shutdown() error {
	o.mu.Lock()
	if !o.closed {
		o.closed = true
		close(o.events)
	}
	o.mu.Unlock()

	o.wg.Wait()
	return o.Client.Close()
}

// Observe queues ev without blocking.
func (o *RedisEvents) Observe(_ context.Context, ev core.Event) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.closed {
		return
	}
	select {
	case o.events <- ev:
	default:
		o.dropped.Add(1)
	}
}

// Dropped returns how many events were discarded because the buffer was full.
func (o *RedisEvents) Dropped() int64 {
	return o.dropped.Load()
}

func (o *RedisEvents) publish(channel string) {
	defer o.wg.Done()

	for ev := range o.events {
		payload, err := json.Marshal(NewEventRecord(ev))
		if err != nil {
			o.logger.Warn("encoding %s event: %v", ev.Kind, err)
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		if err := o.Client.Publish(ctx, channel, payload).Err(); err != nil {
			o.logger.Warn("publishing %s event to %s: %v", ev.Kind, channel, err)
		}
		cancel()
	}
}
