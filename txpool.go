// Package txpool hands out database connections that already hold an open
// transaction and takes them back, destroying any connection whose session
// can no longer be trusted.
package txpool

import (
	"github.com/shrek82/txpool/config"
	"github.com/shrek82/txpool/core"
)

// Re-export core types and functions
type (
	Manager  = core.Manager
	Conn     = core.Conn
	Error    = core.Error
	Event    = core.Event
	Observer = core.Observer
	Config   = config.Config
)

var (
	New     = core.New
	Open    = core.Open
	IsFatal = core.IsFatal

	LoadConfig        = config.Load
	DefaultConfig     = config.Defaults
	ErrConnReturned   = core.ErrConnReturned
	ErrNotInitialized = core.ErrNotInitialized
)
