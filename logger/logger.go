package logger

import (
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LogLevel defines the severity of the log
type LogLevel int

const (
	LogLevelSilent LogLevel = iota
	LogLevelError
	LogLevelWarn
	LogLevelInfo
	LogLevelDebug
)

// LogFormat defines the output format of the log
type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

// Logger is the interface for logging pool activity and issued statements.
type Logger interface {
	SetLevel(level LogLevel)
	WithFields(fields map[string]any) Logger
	Debug(format string, args ...any)
	Info(format string, args ...any)
	Warn(format string, args ...any)
	Error(format string, args ...any)
	SQL(sql string, duration time.Duration, args ...any)
}

// Options configures a Logger built by New.
type Options struct {
	Level  LogLevel
	Format LogFormat
	Output io.Writer
}

type zapLogger struct {
	z     *zap.Logger
	level zap.AtomicLevel
}

// New builds a zap-backed Logger writing to opts.Output (stdout when nil).
func New(opts Options) Logger {
	out := opts.Output
	if out == nil {
		out = os.Stdout
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "time"
	encCfg.MessageKey = "msg"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encCfg.EncodeLevel = zapcore.CapitalLevelEncoder

	var enc zapcore.Encoder
	if opts.Format == LogFormatJSON {
		enc = zapcore.NewJSONEncoder(encCfg)
	} else {
		enc = zapcore.NewConsoleEncoder(encCfg)
	}

	level := zap.NewAtomicLevelAt(toZapLevel(opts.Level))
	core := zapcore.NewCore(enc, zapcore.AddSync(out), level)
	return &zapLogger{z: zap.New(core).Named("txpool"), level: level}
}

// NewStdLogger creates a text logger on stdout at info level.
func NewStdLogger() Logger {
	return New(Options{Level: LogLevelInfo, Format: LogFormatText})
}

// NewZap adapts an existing zap logger. Level filtering is left to z's core
// until SetLevel is called.
func NewZap(z *zap.Logger) Logger {
	if z == nil {
		z = zap.NewNop()
	}
	return &zapLogger{z: z, level: zap.NewAtomicLevelAt(zapcore.DebugLevel)}
}

// NewNop discards everything.
func NewNop() Logger {
	return NewZap(zap.NewNop())
}

func toZapLevel(level LogLevel) zapcore.Level {
	switch level {
	case LogLevelSilent:
		return zapcore.FatalLevel + 1
	case LogLevelError:
		return zapcore.ErrorLevel
	case LogLevelWarn:
		return zapcore.WarnLevel
	case LogLevelDebug:
		return zapcore.DebugLevel
	default:
		return zapcore.InfoLevel
	}
}

func (l *zapLogger) SetLevel(level LogLevel) {
	l.level.SetLevel(toZapLevel(level))
}

func (l *zapLogger) WithFields(fields map[string]any) Logger {
	if len(fields) == 0 {
		return l
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	zf := make([]zap.Field, 0, len(keys))
	for _, k := range keys {
		zf = append(zf, zap.Any(k, fields[k]))
	}
	return &zapLogger{z: l.z.With(zf...), level: l.level}
}

func (l *zapLogger) Debug(format string, args ...any) {
	l.log(zapcore.DebugLevel, format, args...)
}

func (l *zapLogger) Info(format string, args ...any) {
	l.log(zapcore.InfoLevel, format, args...)
}

func (l *zapLogger) Warn(format string, args ...any) {
	l.log(zapcore.WarnLevel, format, args...)
}

func (l *zapLogger) Error(format string, args ...any) {
	l.log(zapcore.ErrorLevel, format, args...)
}

func (l *zapLogger) SQL(sql string, duration time.Duration, args ...any) {
	if !l.level.Enabled(zapcore.DebugLevel) {
		return
	}
	fields := []zap.Field{zap.String("sql", sql), zap.Duration("duration", duration)}
	if len(args) > 0 {
		fields = append(fields, zap.Any("args", args))
	}
	l.z.Debug("sql", fields...)
}

func (l *zapLogger) log(level zapcore.Level, format string, args ...any) {
	if !l.level.Enabled(level) {
		return
	}
	msg := format
	if len(args) > 0 {
		msg = fmt.Sprintf(format, args...)
	}
	if ce := l.z.Check(level, msg); ce != nil {
		ce.Write()
	}
}
