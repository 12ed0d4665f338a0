package cache

import (
	"context"
	"time"
)

// Message is one pub/sub delivery.
type Message struct {
	Topic   string
	Payload []byte
}

// Subscription is a live pub/sub stream. Messages is closed when the
// subscription ends, whether by Close or by a connection-level failure.
type Subscription interface {
	Messages() <-chan Message
	Close() error
}

// Cache is the shared low-latency store the rules engine leans on: plain
// key/value with TTL for rule lookups, pub/sub for cross-instance
// coordination, and an append-only list used as the short-term audit ring.
type Cache interface {
	// Get returns the value for key, or pkg/errors.ErrCacheMiss.
	Get(ctx context.Context, key string) ([]byte, error)
	SetWithTTL(ctx context.Context, key string, ttl time.Duration, value []byte) error
	Delete(ctx context.Context, keys ...string) error
	KeysMatching(ctx context.Context, pattern string) ([]string, error)

	Publish(ctx context.Context, topic string, payload []byte) error
	Subscribe(ctx context.Context, topics ...string) (Subscription, error)

	Push(ctx context.Context, key string, values ...[]byte) error
	Range(ctx context.Context, key string, start, stop int64) ([][]byte, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error

	Close() error
}
