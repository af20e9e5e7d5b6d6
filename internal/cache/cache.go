// Package cache is a thin Redis wrapper for task actions that need shared
// state between runs (cursors, dedup marks, cheap cross-process locks).
package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	logx "schedcore/pkg/logx"
)

type Config struct {
	Addr     string
	Password string
	DB       int
	PoolSize int

	DialTimeout time.Duration
	KeyPrefix   string
}

type Cache struct {
	client *redis.Client
	prefix string
	log    logx.Logger
}

// New connects and verifies the connection with a bounded ping.
func New(ctx context.Context, cfg Config, log logx.Logger) (*Cache, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	client := redis.NewClient(&redis.Options{
		Addr:        cfg.Addr,
		Password:    cfg.Password,
		DB:          cfg.DB,
		PoolSize:    cfg.PoolSize,
		DialTimeout: cfg.DialTimeout,
	})

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	log.Info("redis connected", logx.String("addr", cfg.Addr), logx.Int("db", cfg.DB))
	return &Cache{client: client, prefix: cfg.KeyPrefix, log: log}, nil
}

// Client exposes the underlying connection for callers that need commands
// beyond this wrapper (the broker shares it for pub/sub).
func (c *Cache) Client() *redis.Client { return c.client }

func (c *Cache) key(k string) string {
	if c.prefix == "" {
		return k
	}
	return c.prefix + ":" + k
}

// Get returns the value and whether the key existed.
func (c *Cache) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := c.client.Get(ctx, c.key(key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

// Set stores the value; ttl <= 0 means no expiry.
func (c *Cache) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if ttl < 0 {
		ttl = 0
	}
	return c.client.Set(ctx, c.key(key), value, ttl).Err()
}

// SetNX stores the value only if the key is absent. Returns whether it won.
// With a ttl this doubles as a best-effort cross-process lock.
func (c *Cache) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	if ttl < 0 {
		ttl = 0
	}
	return c.client.SetNX(ctx, c.key(key), value, ttl).Result()
}

func (c *Cache) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = c.key(k)
	}
	return c.client.Del(ctx, full...).Err()
}

func (c *Cache) Exists(ctx context.Context, key string) (bool, error) {
	n, err := c.client.Exists(ctx, c.key(key)).Result()
	return n > 0, err
}

// Healthy reports whether the connection answers a bounded ping.
func (c *Cache) Healthy(ctx context.Context) bool {
	hctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return c.client.Ping(hctx).Err() == nil
}

func (c *Cache) Close() error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Close()
}
