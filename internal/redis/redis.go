package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"docchat/internal/config"

	redis "github.com/redis/go-redis/v9"
)

// ErrCacheMiss mirrors redis.Nil for callers.
var ErrCacheMiss = redis.Nil

var errNotReady = errors.New("redis client not initialized")

// Client wraps the go-redis client so configuration and nil-safety live in
// one place. A nil *Client is usable; every operation reports errNotReady.
type Client struct {
	inner *redis.Client
}

// NewRedisClient builds and pings a client from app config.
func NewRedisClient(cfg *config.Config) (*Client, error) {
	if cfg == nil {
		return nil, errors.New("config required")
	}
	host := cfg.Redis.Host
	if host == "" {
		host = "127.0.0.1"
	}
	port := cfg.Redis.Port
	if port == 0 {
		port = 6379
	}

	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", host, port),
		Username: cfg.Redis.Username,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}
	return &Client{inner: client}, nil
}

func (c *Client) ready() bool {
	return c != nil && c.inner != nil
}

// Set stores a key with TTL.
func (c *Client) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	if !c.ready() {
		return errNotReady
	}
	return c.inner.Set(ctx, key, value, ttl).Err()
}

// Get fetches the key as string. Missing keys return ErrCacheMiss.
func (c *Client) Get(ctx context.Context, key string) (string, error) {
	if !c.ready() {
		return "", errNotReady
	}
	return c.inner.Get(ctx, key).Result()
}

// Del removes the provided keys.
func (c *Client) Del(ctx context.Context, keys ...string) error {
	if !c.ready() {
		return errNotReady
	}
	if len(keys) == 0 {
		return nil
	}
	return c.inner.Del(ctx, keys...).Err()
}

// TTL reports the key's remaining time to live.
func (c *Client) TTL(ctx context.Context, key string) (time.Duration, error) {
	if !c.ready() {
		return 0, errNotReady
	}
	return c.inner.TTL(ctx, key).Result()
}

// Publish broadcasts a payload on a channel.
func (c *Client) Publish(ctx context.Context, channel string, payload interface{}) error {
	if !c.ready() {
		return errNotReady
	}
	return c.inner.Publish(ctx, channel, payload).Err()
}

// Subscribe returns a receive channel for the named pub/sub channel, or nil
// when the client is not initialized.
func (c *Client) Subscribe(ctx context.Context, channel string) <-chan *redis.Message {
	if !c.ready() {
		return nil
	}
	return c.inner.Subscribe(ctx, channel).Channel()
}

// Close closes the underlying client.
func (c *Client) Close() error {
	if !c.ready() {
		return nil
	}
	return c.inner.Close()
}

// Raw exposes the underlying go-redis client.
func (c *Client) Raw() *redis.Client {
	if c == nil {
		return nil
	}
	return c.inner
}
