// Copyright 2021 Flamego. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package redis

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/flamego/kvsession"
)

// DefaultPort is the port used when the driver configuration has none.
const DefaultPort = 6379

// client is the subset of *redis.Client used by the backend.
type client interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Expire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	Close() error
}

var (
	_ session.Backend   = (*redisBackend)(nil)
	_ session.TTLSetter = (*redisBackend)(nil)
)

// redisBackend is a Redis implementation of the session backend. Expired keys
// are evicted by Redis itself.
type redisBackend struct {
	client client // The client connection
}

func newRedisBackend(c client) *redisBackend {
	return &redisBackend{client: c}
}

func (b *redisBackend) Get(ctx context.Context, key string) ([]byte, error) {
	binary, err := b.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "get")
	}
	return binary, nil
}

func (b *redisBackend) Set(ctx context.Context, key string, value []byte) error {
	err := b.client.Set(ctx, key, value, 0).Err()
	if err != nil {
		return errors.Wrap(err, "set")
	}
	return nil
}

// SetWithTTL stores the value and its expiry with a single SET ... EX.
func (b *redisBackend) SetWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	err := b.client.Set(ctx, key, value, ttl).Err()
	if err != nil {
		return errors.Wrap(err, "set")
	}
	return nil
}

func (b *redisBackend) Expire(ctx context.Context, key string, ttl time.Duration) error {
	err := b.client.Expire(ctx, key, ttl).Err()
	if err != nil {
		return errors.Wrap(err, "expire")
	}
	return nil
}

func (b *redisBackend) Delete(ctx context.Context, key string) error {
	err := b.client.Del(ctx, key).Err()
	if err != nil {
		return errors.Wrap(err, "del")
	}
	return nil
}

func (b *redisBackend) Close() error {
	return b.client.Close()
}

// Options returns the Redis client options derived from the driver
// configuration. A DSN in the form of "redis://..." takes precedence over the
// host and port.
func Options(cfg session.DriverConfig) (*redis.Options, error) {
	if cfg.DSN != "" {
		opts, err := redis.ParseURL(cfg.DSN)
		if err != nil {
			return nil, errors.Wrap(err, "parse DSN")
		}
		if cfg.MaxConnections > 0 {
			opts.PoolSize = cfg.MaxConnections
		}
		return opts, nil
	}

	return &redis.Options{
		Addr:     cfg.Addr(DefaultPort),
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.MaxConnections,
	}, nil
}

// Opener returns the session.Opener for the Redis backend. The connection is
// verified with a PING before the backend is handed out.
func Opener() session.Opener {
	return func(ctx context.Context, cfg session.DriverConfig) (session.Backend, error) {
		opts, err := Options(cfg)
		if err != nil {
			return nil, err
		}

		c := redis.NewClient(opts)
		err = c.Ping(ctx).Err()
		if err != nil {
			_ = c.Close()
			return nil, errors.Wrap(err, "ping")
		}
		return newRedisBackend(c), nil
	}
}
