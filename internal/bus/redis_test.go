package bus

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode(t *testing.T) {
	key, payload, err := Decode(redis.XMessage{ID: "1-0", Values: map[string]any{"key": "ArriveStop", "payload": `{"a":1}`}})
	require.NoError(t, err)
	assert.Equal(t, "ArriveStop", key)
	assert.Equal(t, []byte(`{"a":1}`), payload)

	_, _, err = Decode(redis.XMessage{ID: "1-1", Values: map[string]any{"payload": "x"}})
	assert.Error(t, err)

	_, _, err = Decode(redis.XMessage{ID: "1-2", Values: map[string]any{"key": "AlarmInfo"}})
	assert.Error(t, err)
}

func TestNewSubscriberDefaults(t *testing.T) {
	s := NewSubscriber(nil, Options{})
	assert.Equal(t, "$", s.opts.StartID)
	assert.Equal(t, 2*time.Second, s.opts.Block)
	assert.Equal(t, int64(256), s.opts.BatchSize)
}

// TestSubscribeStopsOnCancel needs no server: a cancelled context returns
// before the first read.
func TestSubscribeStopsOnCancel(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1"})
	defer client.Close()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := NewSubscriber(client, Options{}).Subscribe(ctx, "telemetry", func(string, []byte) {
		t.Fatal("handler called")
	})
	assert.NoError(t, err)
}

func TestSubscribeRetriesUntilCancel(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", DialTimeout: 50 * time.Millisecond, MaxRetries: -1})
	defer client.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	done := make(chan error, 1)
	go func() {
		done <- NewSubscriber(client, Options{RetryDelay: 20 * time.Millisecond}).Subscribe(ctx, "telemetry", func(string, []byte) {})
	}()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("subscriber did not stop")
	}
}
