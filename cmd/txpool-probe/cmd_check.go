package main

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/shrek82/txpool/core"
	"github.com/shrek82/txpool/observer"
)

var errRollbackRequested = errors.New("rollback requested")

type checkOptions struct {
	iterations  int
	concurrency int
	statement   string
	rollback    bool
	slow        time.Duration
	redisAddr   string
}

type checkReport struct {
	Pool        string    `yaml:"pool"`
	Driver      string    `yaml:"driver"`
	Iterations  int       `yaml:"iterations"`
	Concurrency int       `yaml:"concurrency"`
	Committed   int64     `yaml:"committed"`
	RolledBack  int64     `yaml:"rolled_back"`
	Failed      int64     `yaml:"failed"`
	Elapsed     string    `yaml:"elapsed"`
	Stat        statBlock `yaml:"stat"`
}

type statBlock struct {
	Total        int32 `yaml:"total"`
	Idle         int32 `yaml:"idle"`
	Acquired     int32 `yaml:"acquired"`
	Max          int32 `yaml:"max"`
	AcquireCount int64 `yaml:"acquire_count"`
	EmptyAcquire int64 `yaml:"empty_acquire"`
}

func (a *app) newCheckCmd() *cobra.Command {
	opts := &checkOptions{}
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Run scoped transactions against the pool",
		Long: `Run --iterations transactions across --concurrency goroutines. Each one executes
--statement and commits, or rolls back with --rollback. Pool statistics are
printed as YAML when all transactions are done.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runCheck(cmd, opts)
		},
	}

	cmd.Flags().IntVar(&opts.iterations, "iterations", 100, "number of transactions")
	cmd.Flags().IntVar(&opts.concurrency, "concurrency", 4, "concurrent transactions")
	cmd.Flags().StringVar(&opts.statement, "statement", "SELECT 1", "statement run in each transaction")
	cmd.Flags().BoolVar(&opts.rollback, "rollback", false, "roll back instead of committing")
	cmd.Flags().DurationVar(&opts.slow, "slow", 0, "log transactions open longer than this (0 disables)")
	cmd.Flags().StringVar(&opts.redisAddr, "redis-addr", "", "publish pool events to this Redis server")
	return cmd
}

func (a *app) runCheck(cmd *cobra.Command, opts *checkOptions) error {
	if opts.iterations < 1 || opts.concurrency < 1 {
		return fmt.Errorf("iterations and concurrency must be positive")
	}
	l, err := a.newLogger(cmd.ErrOrStderr())
	if err != nil {
		return err
	}

	m := core.New(a.cfg)
	m.SetLogger(l)
	if opts.slow > 0 {
		slow := observer.NewSlowTx(opts.slow, "")
		slow.SetOutput(cmd.ErrOrStderr())
		_ = m.Use(slow)
	}
	if opts.redisAddr != "" {
		events := observer.NewRedisEvents(&redis.Options{Addr: opts.redisAddr}, 0)
		events.SetLogger(l)
		_ = m.Use(events)
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	if err := m.Init(ctx); err != nil {
		return err
	}
	defer m.End()

	var committed, rolledBack, failed atomic.Int64
	start := time.Now()

	g := new(errgroup.Group)
	g.SetLimit(opts.concurrency)
	for i := 0; i < opts.iterations; i++ {
		i := i
		g.Go(func() error {
			err := m.Transaction(ctx, func(c *core.Conn) error {
				if _, err := c.Exec(ctx, opts.statement); err != nil {
					return err
				}
				if opts.rollback {
					return errRollbackRequested
				}
				return nil
			})
			switch {
			case err == nil:
				committed.Add(1)
			case errors.Is(err, errRollbackRequested):
				rolledBack.Add(1)
			default:
				failed.Add(1)
				l.Warn("transaction %d failed: %v", i, err)
			}
			return nil
		})
	}
	_ = g.Wait()

	stat := m.Stat()
	report := checkReport{
		Pool:        m.Name(),
		Driver:      a.cfg.Driver,
		Iterations:  opts.iterations,
		Concurrency: opts.concurrency,
		Committed:   committed.Load(),
		RolledBack:  rolledBack.Load(),
		Failed:      failed.Load(),
		Elapsed:     time.Since(start).Round(time.Millisecond).String(),
		Stat: statBlock{
			Total:        stat.Total,
			Idle:         stat.Idle,
			Acquired:     stat.Acquired,
			Max:          stat.Max,
			AcquireCount: stat.AcquireCount,
			EmptyAcquire: stat.EmptyAcquire,
		},
	}

	enc := yaml.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent(2)
	if err := enc.Encode(report); err != nil {
		return err
	}
	if err := enc.Close(); err != nil {
		return err
	}

	if report.Failed > 0 {
		return fmt.Errorf("%d of %d transactions failed", report.Failed, opts.iterations)
	}
	return nil
}
