// Package observer contains observers that can be plugged into a core.Manager.
package observer

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/shrek82/txpool/core"
	"github.com/shrek82/txpool/logger"
)

// SlowTx logs transactions that stay open longer than the specified threshold.
type SlowTx struct {
	Threshold time.Duration
	LogPath   string
	logger    logger.Logger
	file      *os.File
}

// NewSlowTx creates a new SlowTx.
// threshold: transactions open longer than this will be logged.
// logPath: path to the log file. If empty, logs go to standard output.
func NewSlowTx(threshold time.Duration, logPath string) *SlowTx {
	return &SlowTx{
		Threshold: threshold,
		LogPath:   logPath,
	}
}

// SetOutput sets the output destination for the logger.
func (o *SlowTx) SetOutput(w io.Writer) {
	o.logger = newSlowLogger(w)
}

func newSlowLogger(w io.Writer) logger.Logger {
	return logger.New(logger.Options{Level: logger.LogLevelWarn, Output: w}).
		WithFields(map[string]any{"observer": "slow_tx"})
}

func (o *SlowTx) Name() string {
	return "SlowTx"
}

func (o *SlowTx) Init(m *core.Manager) error {
	if o.logger != nil {
		return nil
	}

	if o.LogPath != "" {
		f, err := os.OpenFile(o.LogPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return fmt.Errorf("failed to open slow transaction log: %w", err)
		}
		o.file = f
		o.logger = newSlowLogger(f)
	} else {
		o.logger = newSlowLogger(os.Stdout)
	}
	return nil
}

func (o *SlowTx) Shutdown() error {
	if o.file != nil {
		return o.file.Close()
	}
	return nil
}

// Observe reports a slow transaction when its connection is handed back.
func (o *SlowTx) Observe(_ context.Context, ev core.Event) {
	if ev.Kind != core.EventRelease || ev.Duration <= o.Threshold || o.logger == nil {
		return
	}
	o.logger.Warn("slow transaction: pool=%s conn=%s duration=%v destroyed=%t err=%v",
		ev.Pool, ev.ConnID, ev.Duration, ev.Fatal, ev.Err)
}
