// Package redis backs the keeper's shared state with go-redis/v9: the data
// store backend, market-side locks, the event bus, the price cache and the
// API rate limiter.
package redis

import (
	"context"
	"crypto/tls"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// ClientConfig holds connection parameters. Namespace prefixes the keys of
// locks, cached prices and rate-limit windows so several deployments can
// share one Redis.
type ClientConfig struct {
	Addr        string
	Password    string
	DB          int
	PoolSize    int
	MaxRetries  int
	TLSEnabled  bool
	Namespace   string
	DialTimeout time.Duration
}

func (cfg ClientConfig) options() *redis.Options {
	opts := &redis.Options{
		Addr:        cfg.Addr,
		Password:    cfg.Password,
		DB:          cfg.DB,
		PoolSize:    cfg.PoolSize,
		MaxRetries:  cfg.MaxRetries,
		DialTimeout: cfg.DialTimeout,
	}
	if opts.DialTimeout == 0 {
		opts.DialTimeout = 5 * time.Second
	}
	if cfg.TLSEnabled {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	return opts
}

// Client is the connection shared by every Redis-backed component.
type Client struct {
	rdb *redis.Client
	ns  string
}

// New dials Redis and fails fast when it does not answer a PING.
func New(ctx context.Context, cfg ClientConfig) (*Client, error) {
	rdb := redis.NewClient(cfg.options())
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis: dial %s: %w", cfg.Addr, err)
	}
	ns := strings.TrimSuffix(cfg.Namespace, ":")
	if ns == "" {
		ns = "perpcore"
	}
	return &Client{rdb: rdb, ns: ns}, nil
}

// Health reports whether Redis still answers.
func (c *Client) Health(ctx context.Context) error {
	if err := c.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis: ping: %w", err)
	}
	return nil
}

func (c *Client) Close() error { return c.rdb.Close() }

// Underlying exposes the driver to the components in this package.
func (c *Client) Underlying() *redis.Client { return c.rdb }

// key joins parts under the client's namespace: "perpcore:lock:<k>".
func (c *Client) key(parts ...string) string {
	return c.ns + ":" + strings.Join(parts, ":")
}
