package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/shrek82/txpool/config"
	"github.com/shrek82/txpool/logger"
)

// app carries the state shared by the subcommands of one root command.
type app struct {
	v       *viper.Viper
	cfgFile string
	cfg     config.Config

	logLevel  string
	logFormat string
}

// newRootCmd builds the command tree around its own viper instance.
func newRootCmd() *cobra.Command {
	a := &app{v: viper.New()}

	root := &cobra.Command{
		Use:           "txpool-probe",
		Short:         "Exercise a transactional connection pool",
		Long:          `txpool-probe resolves a pool configuration from flags, TXPOOL_* environment variables and an optional YAML file, and runs scoped transactions against it.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadWith(a.v, a.cfgFile)
			if err != nil {
				return err
			}
			a.cfg = cfg
			return nil
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&a.cfgFile, "config", "", "config file (YAML)")
	flags.StringVar(&a.logLevel, "log-level", "info", "Log level (silent, error, warn, info, debug)")
	flags.StringVar(&a.logFormat, "log-format", "text", "Log format (text, json)")

	flags.String("name", "", "instance name")
	flags.String("driver", "", "dialect (pgx, postgres, mysql, sqlite3)")
	flags.String("dsn", "", "driver DSN, overrides the discrete connection flags")
	flags.String("host", "", "database host")
	flags.Int("port", 0, "database port")
	flags.String("user", "", "database user")
	flags.String("password", "", "database password")
	flags.String("database", "", "database name, or file path for sqlite3")
	flags.String("sslmode", "", "PostgreSQL sslmode")
	flags.Int("connection-limit", 0, "maximum pool size")
	flags.Int("min-connections", 0, "connections kept open while idle")

	for _, name := range []string{"name", "driver", "dsn", "host", "port", "user", "password", "database", "sslmode", "connection-limit", "min-connections"} {
		_ = a.v.BindPFlag(strings.ReplaceAll(name, "-", "_"), flags.Lookup(name))
	}

	root.AddCommand(a.newConfigCmd(), a.newCheckCmd())
	return root
}

func (a *app) newLogger(out io.Writer) (logger.Logger, error) {
	levels := map[string]logger.LogLevel{
		"silent": logger.LogLevelSilent,
		"error":  logger.LogLevelError,
		"warn":   logger.LogLevelWarn,
		"info":   logger.LogLevelInfo,
		"debug":  logger.LogLevelDebug,
	}
	level, ok := levels[strings.ToLower(a.logLevel)]
	if !ok {
		return nil, fmt.Errorf("unknown log level %q", a.logLevel)
	}

	format := logger.LogFormat(strings.ToLower(a.logFormat))
	if format != logger.LogFormatText && format != logger.LogFormatJSON {
		return nil, fmt.Errorf("unknown log format %q", a.logFormat)
	}
	return logger.New(logger.Options{Level: level, Format: format, Output: out}), nil
}
