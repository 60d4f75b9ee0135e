package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestStructuredLogger(t *testing.T) {
	t.Run("TextFormat", func(t *testing.T) {
		buf := &bytes.Buffer{}
		l := New(Options{Level: LogLevelInfo, Format: LogFormatText, Output: buf})
		l.Info("hello %s", "world")

		output := buf.String()
		assert.Contains(t, output, "INFO")
		assert.Contains(t, output, "hello world")
	})

	t.Run("JSONFormat", func(t *testing.T) {
		buf := &bytes.Buffer{}
		l := New(Options{Level: LogLevelInfo, Format: LogFormatJSON, Output: buf})
		l.Info("hello %s", "world")

		var data map[string]any
		require.NoError(t, json.Unmarshal(buf.Bytes(), &data))
		assert.Equal(t, "INFO", data["level"])
		assert.Equal(t, "hello world", data["msg"])
		assert.Contains(t, data, "time")
	})

	t.Run("WithFields", func(t *testing.T) {
		buf := &bytes.Buffer{}
		l := New(Options{Level: LogLevelInfo, Format: LogFormatJSON, Output: buf})
		l.WithFields(map[string]any{"request_id": "123"}).Info("processed")

		var data map[string]any
		require.NoError(t, json.Unmarshal(buf.Bytes(), &data))
		assert.Equal(t, "123", data["request_id"])
		assert.Equal(t, "processed", data["msg"])
	})

	t.Run("SQLAtDebug", func(t *testing.T) {
		buf := &bytes.Buffer{}
		l := New(Options{Level: LogLevelInfo, Format: LogFormatJSON, Output: buf})
		l.SQL("BEGIN", time.Millisecond)
		assert.Empty(t, buf.String(), "sql is hidden at info level")

		l.SetLevel(LogLevelDebug)
		l.SQL("COMMIT", 10*time.Millisecond)

		var data map[string]any
		require.NoError(t, json.Unmarshal(buf.Bytes(), &data))
		assert.Equal(t, "DEBUG", data["level"])
		assert.Equal(t, "COMMIT", data["sql"])
		assert.NotEmpty(t, data["duration"])
	})

	t.Run("Silent", func(t *testing.T) {
		buf := &bytes.Buffer{}
		l := New(Options{Level: LogLevelSilent, Output: buf})
		l.Error("nothing")
		assert.Empty(t, buf.String())
	})

	t.Run("LevelFilter", func(t *testing.T) {
		buf := &bytes.Buffer{}
		l := New(Options{Level: LogLevelWarn, Output: buf})
		l.Info("this is info")
		l.Warn("this is warn")

		output := buf.String()
		assert.False(t, strings.Contains(output, "this is info"))
		assert.Contains(t, output, "this is warn")
	})
}

func TestNewZap(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	l := NewZap(zap.New(core))

	l.WithFields(map[string]any{"conn_id": "abc"}).Warn("destroying %s", "conn")
	l.SetLevel(LogLevelError)
	l.Warn("filtered")

	require.Equal(t, 1, logs.Len())
	entry := logs.All()[0]
	assert.Equal(t, "destroying conn", entry.Message)
	assert.Equal(t, "abc", entry.ContextMap()["conn_id"])
}

func TestContextFields(t *testing.T) {
	assert.Nil(t, ContextFields(context.Background()))

	ctx := WithRequestID(context.Background(), "req-1")
	ctx = WithTraceID(ctx, "trace-1")
	ctx = WithUserIP(ctx, "10.0.0.1")

	fields := ContextFields(ctx)
	assert.Equal(t, map[string]any{
		"request_id": "req-1",
		"trace_id":   "trace-1",
		"user_ip":    "10.0.0.1",
	}, fields)
}
