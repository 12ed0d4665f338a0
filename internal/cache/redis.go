package cache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/fanscale/fanscale-backend/internal/logger"
	pkgerrors "github.com/fanscale/fanscale-backend/internal/pkg/errors"
	"github.com/fanscale/fanscale-backend/internal/utils"
)

type redisCache struct {
	log *logger.Logger
	rdb *goredis.Client
}

// NewRedisCache connects to REDIS_ADDR and pings before returning, so a
// misconfigured address fails at startup rather than on the first lookup.
func NewRedisCache(log *logger.Logger) (Cache, error) {
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}

	addr := strings.TrimSpace(utils.GetEnv("REDIS_ADDR", "", log))
	if addr == "" {
		return nil, fmt.Errorf("missing REDIS_ADDR")
	}

	rdb := goredis.NewClient(&goredis.Options{
		Addr:         addr,
		Password:     utils.GetEnv("REDIS_PASSWORD", "", nil),
		DB:           utils.GetEnvAsInt("REDIS_DB", 0, nil),
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	return &redisCache{
		log: log.With("service", "RedisCache"),
		rdb: rdb,
	}, nil
}

func (c *redisCache) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := c.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, pkgerrors.ErrCacheMiss
	}
	if err != nil {
		return nil, fmt.Errorf("redis get %q: %w", key, err)
	}
	return val, nil
}

func (c *redisCache) SetWithTTL(ctx context.Context, key string, ttl time.Duration, value []byte) error {
	if err := c.rdb.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %q: %w", key, err)
	}
	return nil
}

func (c *redisCache) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := c.rdb.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

func (c *redisCache) KeysMatching(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	iter := c.rdb.Scan(ctx, 0, pattern, 0).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("redis scan %q: %w", pattern, err)
	}
	return keys, nil
}

func (c *redisCache) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := c.rdb.Publish(ctx, topic, payload).Err(); err != nil {
		return fmt.Errorf("redis publish %q: %w", topic, err)
	}
	return nil
}

func (c *redisCache) Subscribe(ctx context.Context, topics ...string) (Subscription, error) {
	sub := c.rdb.Subscribe(ctx, topics...)

	// ensures subscription actually started
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("redis subscribe: %w", err)
	}

	out := make(chan Message)
	go func() {
		defer close(out)
		ch := sub.Channel()
		for m := range ch {
			if m == nil {
				return
			}
			select {
			case out <- Message{Topic: m.Channel, Payload: []byte(m.Payload)}:
			case <-ctx.Done():
				return
			}
		}
	}()

	return &redisSubscription{sub: sub, out: out}, nil
}

type redisSubscription struct {
	sub *goredis.PubSub
	out chan Message
}

func (s *redisSubscription) Messages() <-chan Message { return s.out }

func (s *redisSubscription) Close() error { return s.sub.Close() }

func (c *redisCache) Push(ctx context.Context, key string, values ...[]byte) error {
	if len(values) == 0 {
		return nil
	}
	args := make([]interface{}, 0, len(values))
	for _, v := range values {
		args = append(args, v)
	}
	if err := c.rdb.LPush(ctx, key, args...).Err(); err != nil {
		return fmt.Errorf("redis lpush %q: %w", key, err)
	}
	return nil
}

func (c *redisCache) Range(ctx context.Context, key string, start, stop int64) ([][]byte, error) {
	vals, err := c.rdb.LRange(ctx, key, start, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("redis lrange %q: %w", key, err)
	}
	out := make([][]byte, 0, len(vals))
	for _, v := range vals {
		out = append(out, []byte(v))
	}
	return out, nil
}

func (c *redisCache) Expire(ctx context.Context, key string, ttl time.Duration) error {
	if err := c.rdb.Expire(ctx, key, ttl).Err(); err != nil {
		return fmt.Errorf("redis expire %q: %w", key, err)
	}
	return nil
}

func (c *redisCache) Close() error {
	return c.rdb.Close()
}
