// Package cache implements store.Cache on redis: typed JSON values with TTL
// plus pub/sub fan-out for progress streaming.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/c360studio/provgraph/store"
)

// Config holds redis connection settings.
type Config struct {
	// URL is a redis URL, e.g. redis://localhost:6379/0.
	URL string
	// KeyPrefix namespaces all keys and topics.
	KeyPrefix string
}

// Cache is a redis-backed typed cache.
type Cache struct {
	client *redis.Client
	prefix string
	logger *slog.Logger
}

// New connects to redis and verifies the connection.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Cache, error) {
	if logger == nil {
		logger = slog.Default()
	}
	url := cfg.URL
	if url == "" {
		url = "redis://localhost:6379/0"
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("cache: parse redis URL: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, store.Transient(fmt.Errorf("cache: connect redis: %w", err))
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "provgraph:"
	}
	return &Cache{client: client, prefix: prefix, logger: logger}, nil
}

// NewWithClient wraps an existing client; used by tests with miniredis.
func NewWithClient(client *redis.Client, prefix string, logger *slog.Logger) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{client: client, prefix: prefix, logger: logger}
}

// Close releases the redis connection.
func (c *Cache) Close() error { return c.client.Close() }

// Set stores a JSON-encoded value with a TTL. A zero TTL means no expiry.
func (c *Cache) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("cache: marshal %s: %w", key, err)
	}
	if err := c.client.Set(ctx, c.prefix+key, data, ttl).Err(); err != nil {
		return store.Transient(fmt.Errorf("cache: set %s: %w", key, err))
	}
	return nil
}

// Get unmarshals the cached value into dest and reports presence.
func (c *Cache) Get(ctx context.Context, key string, dest any) (bool, error) {
	data, err := c.client.Get(ctx, c.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, store.Transient(fmt.Errorf("cache: get %s: %w", key, err))
	}
	if err := json.Unmarshal(data, dest); err != nil {
		return false, fmt.Errorf("cache: unmarshal %s: %w", key, err)
	}
	return true, nil
}

// Delete removes a key. Missing keys are not an error.
func (c *Cache) Delete(ctx context.Context, key string) error {
	if err := c.client.Del(ctx, c.prefix+key).Err(); err != nil {
		return store.Transient(fmt.Errorf("cache: delete %s: %w", key, err))
	}
	return nil
}

// Publish sends a payload to all subscribers of a topic.
func (c *Cache) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := c.client.Publish(ctx, c.prefix+topic, payload).Err(); err != nil {
		return store.Transient(fmt.Errorf("cache: publish %s: %w", topic, err))
	}
	return nil
}

// Subscribe returns a channel of payloads for a topic and a cancel func.
// Delivery is at-least-once; consumers dedupe on their own idempotency key.
func (c *Cache) Subscribe(ctx context.Context, topic string) (<-chan []byte, func(), error) {
	sub := c.client.Subscribe(ctx, c.prefix+topic)
	// Force the subscription to be established before returning so callers
	// do not miss messages published immediately after.
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, nil, store.Transient(fmt.Errorf("cache: subscribe %s: %w", topic, err))
	}

	out := make(chan []byte, 64)
	done := make(chan struct{})
	go func() {
		defer close(out)
		ch := sub.Channel()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				select {
				case out <- []byte(msg.Payload):
				case <-done:
					return
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	cancel := func() {
		close(done)
		_ = sub.Close()
	}
	return out, cancel, nil
}
