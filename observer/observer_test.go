package observer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shrek82/txpool/config"
	"github.com/shrek82/txpool/core"
)

func TestSlowTx(t *testing.T) {
	buf := &bytes.Buffer{}
	o := NewSlowTx(50*time.Millisecond, "")
	o.SetOutput(buf)
	require.NoError(t, o.Init(nil))

	ctx := context.Background()
	o.Observe(ctx, core.Event{Kind: core.EventRelease, Pool: "main", ConnID: "fast", Duration: 10 * time.Millisecond})
	o.Observe(ctx, core.Event{Kind: core.EventCommit, Pool: "main", ConnID: "commit", Duration: time.Second})
	assert.Empty(t, buf.String())

	o.Observe(ctx, core.Event{Kind: core.EventRelease, Pool: "main", ConnID: "slow", Duration: 80 * time.Millisecond})
	out := buf.String()
	assert.Contains(t, out, "slow transaction")
	assert.Contains(t, out, "conn=slow")
	assert.Contains(t, out, "WARN")
	assert.NotContains(t, out, "conn=fast")

	require.NoError(t, o.Shutdown())
}

func TestSlowTxLogFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "slow.log")
	o := NewSlowTx(0, path)
	require.NoError(t, o.Init(nil))

	o.Observe(context.Background(), core.Event{
		Kind:     core.EventRelease,
		Pool:     "main",
		ConnID:   "c1",
		Duration: time.Millisecond,
		Err:      errors.New("deadlock detected"),
		Fatal:    true,
	})
	require.NoError(t, o.Shutdown())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "destroyed=true")
	assert.Contains(t, string(data), "deadlock detected")
}

func TestEventRecord(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	rec := NewEventRecord(core.Event{
		Kind:     core.EventRelease,
		Pool:     "main",
		ConnID:   "c1",
		Duration: 1500 * time.Microsecond,
		Err:      errors.New("boom"),
		Fatal:    true,
		Time:     now,
	})

	data, err := json.Marshal(rec)
	require.NoError(t, err)
	assert.JSONEq(t, `{"kind":"release","pool":"main","conn_id":"c1","duration_ms":1.5,"error":"boom","fatal":true,"time":"2024-05-01T12:00:00Z"}`, string(data))
}

func TestRedisEventsDropsWhenFull(t *testing.T) {
	o := NewRedisEvents(&redis.Options{Addr: "127.0.0.1:1"}, 2)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		o.Observe(ctx, core.Event{Kind: core.EventAcquire})
	}
	assert.EqualValues(t, 3, o.Dropped(), "observe never blocks on a full buffer")

	_ = o.Shutdown()
	assert.NotPanics(t, func() { o.Observe(ctx, core.Event{Kind: core.EventAcquire}) })
	assert.NotPanics(t, func() { _ = o.Shutdown() })
}

func TestRedisEventsInitFailure(t *testing.T) {
	o := NewRedisEvents(&redis.Options{Addr: "127.0.0.1:1", DialTimeout: 100 * time.Millisecond, MaxRetries: -1}, 0)
	defer o.Shutdown()

	m := core.New(config.Config{Name: "orders"})
	assert.Error(t, o.Init(m))
}

func TestRedisEventsPublish(t *testing.T) {
	addr := os.Getenv("REDIS_TEST_ADDR")
	if addr == "" {
		t.Skip("REDIS_TEST_ADDR not set")
	}

	ctx := context.Background()
	sub := redis.NewClient(&redis.Options{Addr: addr})
	defer sub.Close()

	m := core.New(config.Config{Name: "orders"})
	pubsub := sub.Subscribe(ctx, ChannelPrefix+"orders")
	defer pubsub.Close()
	_, err := pubsub.Receive(ctx)
	require.NoError(t, err)

	o := NewRedisEvents(&redis.Options{Addr: addr}, 0)
	require.NoError(t, o.Init(m))
	assert.Equal(t, "txpool:events:orders", o.Channel)

	o.Observe(ctx, core.Event{Kind: core.EventFault, Pool: "orders", ConnID: "c9", Fatal: true, Time: time.Now()})

	select {
	case msg := <-pubsub.Channel():
		var rec EventRecord
		require.NoError(t, json.Unmarshal([]byte(msg.Payload), &rec))
		assert.Equal(t, core.EventFault, rec.Kind)
		assert.Equal(t, "c9", rec.ConnID)
		assert.True(t, rec.Fatal)
	case <-time.After(5 * time.Second):
		t.Fatal("no event published")
	}

	require.NoError(t, o.Shutdown())
}
