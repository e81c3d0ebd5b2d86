package bus

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/matst80/busbridge/internal/obs"
)

// Handler receives one event. Payload is only valid for the call.
type Handler func(key string, payload []byte)

// Event field names inside a stream entry.
const (
	FieldKey     = "key"
	FieldPayload = "payload"
)

// Options configures a Subscriber.
type Options struct {
	// StartID is where reading begins: "$" for new entries only, "0" for the
	// whole stream.
	StartID   string
	Block     time.Duration
	BatchSize int64
	// RetryDelay is the pause after a failed read.
	RetryDelay time.Duration
}

// Subscriber consumes telemetry events from a Redis stream.
type Subscriber struct {
	client redis.UniversalClient
	opts   Options
}

// Dial connects to Redis and verifies the connection.
func Dial(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return rdb, nil
}

func NewSubscriber(client redis.UniversalClient, opts Options) *Subscriber {
	if opts.StartID == "" {
		opts.StartID = "$"
	}
	if opts.Block <= 0 {
		opts.Block = 2 * time.Second
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 256
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = time.Second
	}
	return &Subscriber{client: client, opts: opts}
}

// Subscribe reads topic until ctx is done, calling h for every entry in
// stream order. Read errors are logged and retried.
func (s *Subscriber) Subscribe(ctx context.Context, topic string, h Handler) error {
	last := s.opts.StartID
	obs.Info("bus.subscribe", obs.Fields{"topic": topic, "from": last})
	for {
		if ctx.Err() != nil {
			return nil
		}
		streams, err := s.client.XRead(ctx, &redis.XReadArgs{
			Streams: []string{topic, last},
			Count:   s.opts.BatchSize,
			Block:   s.opts.Block,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return nil
			}
			obs.Error("bus.read", obs.Fields{"topic": topic, "err": err.Error()})
			obs.ErrorsTotal.WithLabelValues("bus_read").Inc()
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(s.opts.RetryDelay):
			}
			continue
		}
		for _, st := range streams {
			for _, msg := range st.Messages {
				last = msg.ID
				key, payload, err := Decode(msg)
				if err != nil {
					obs.Warn("bus.bad_entry", obs.Fields{"topic": topic, "id": msg.ID, "err": err.Error()})
					obs.DroppedTotal.WithLabelValues("bad_entry").Inc()
					continue
				}
				h(key, payload)
			}
		}
	}
}

// Decode extracts the event key and payload from a stream entry.
func Decode(msg redis.XMessage) (string, []byte, error) {
	key, ok := msg.Values[FieldKey].(string)
	if !ok || key == "" {
		return "", nil, errors.New("entry has no key field")
	}
	switch p := msg.Values[FieldPayload].(type) {
	case string:
		return key, []byte(p), nil
	case []byte:
		return key, p, nil
	default:
		return "", nil, errors.New("entry has no payload field")
	}
}

// Publish appends an event to topic. Used by tooling and tests.
func Publish(ctx context.Context, client redis.Cmdable, topic, key string, payload []byte) (string, error) {
	return client.XAdd(ctx, &redis.XAddArgs{
		Stream: topic,
		Values: map[string]any{FieldKey: key, FieldPayload: payload},
	}).Result()
}
