package core

import (
	"context"
	"time"
)

// Component is the base interface for pluggable manager extensions.
type Component interface {
	Name() string
	Init(m *Manager) error
	Shutdown() error
}

// EventKind names a step in a connection's life.
type EventKind string

const (
	EventConnect      EventKind = "connect"
	EventAcquire      EventKind = "acquire"
	EventBegin        EventKind = "begin"
	EventCommit       EventKind = "commit"
	EventRollback     EventKind = "rollback"
	EventRelease      EventKind = "release"
	EventDestroy      EventKind = "destroy"
	EventFault        EventKind = "fault"
	EventReturnFailed EventKind = "return_failed"
)

// Event describes one step. Duration is set for begin, commit and rollback; for
// release it is how long the transaction was open. A release with Fatal set
// destroyed the connection, and destroy follows once the transport is closed.
type Event struct {
	Kind     EventKind     `json:"kind"`
	Pool     string        `json:"pool"`
	ConnID   string        `json:"conn_id,omitempty"`
	Duration time.Duration `json:"duration,omitempty"`
	Err      error         `json:"-"`
	Fatal    bool          `json:"fatal,omitempty"`
	Time     time.Time     `json:"time"`
}

// Observer receives events synchronously on the goroutine that produced them,
// so implementations must not block.
type Observer interface {
	Component
	Observe(ctx context.Context, ev Event)
}
