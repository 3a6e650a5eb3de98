// Copyright 2021 Flamego. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package session

import (
	"context"
	"net"
	"strconv"
	"time"
)

// Backend is a key-value backing store with TTL support. Implementations must
// be safe for concurrent use because a Driver may be shared by all in-flight
// requests.
type Backend interface {
	// Get returns the value stored under the key. It returns (nil, nil) when no
	// such key exists or the key has expired.
	Get(ctx context.Context, key string) ([]byte, error)
	// Set stores the value under the key, discarding any expiry previously set
	// on the key. Set followed by Expire is not atomic: if Expire fails, the key
	// is left without expiry. Backends that can do both at once implement
	// TTLSetter.
	Set(ctx context.Context, key string, value []byte) error
	// Expire sets the time-to-live of the key. A zero TTL expires the key
	// immediately. It does nothing if the key does not exist.
	Expire(ctx context.Context, key string, ttl time.Duration) error
	// Delete removes the key. It does nothing if the key does not exist.
	Delete(ctx context.Context, key string) error
	// Close releases the underlying connection or pool.
	Close() error
}

// GCer is implemented by backends that have no native eviction of expired
// keys and need to be swept periodically.
type GCer interface {
	GC(ctx context.Context) error
}

// TTLSetter is implemented by backends that store a value together with its
// time-to-live in a single atomic call.
type TTLSetter interface {
	// SetWithTTL stores the value under the key with given positive TTL.
	SetWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

// Opener establishes the backend described by the driver configuration. It is
// called lazily by the Driver on first use.
type Opener func(ctx context.Context, cfg DriverConfig) (Backend, error)

// DriverConfig contains connection parameters of the backing store.
type DriverConfig struct {
	// Backend is the name of the backing store, e.g. "redis" or "postgres".
	// Default is "redis".
	Backend string `yaml:"backend" env:"BACKEND"`
	// Host is the host of the backing store server.
	Host string `yaml:"host" env:"HOST"`
	// Port is the port of the backing store server.
	Port int `yaml:"port" env:"PORT"`
	// DB is the database index (Redis only).
	DB int `yaml:"db" env:"DB"`
	// Password is the password to authenticate with.
	Password string `yaml:"password" env:"PASSWORD"`
	// MaxConnections is the maximum size of the connection pool. Default is
	// left to the backend client.
	MaxConnections int `yaml:"max_connections" env:"MAX_CONNECTIONS"`
	// DSN is the data source name for backends configured by a single string,
	// e.g. SQL databases, MongoDB or the file store root directory. It takes
	// precedence over Host and Port when set.
	DSN string `yaml:"dsn" env:"DSN"`
	// KeyPrefix is prepended to every session ID to form the storage key.
	// Default is empty.
	KeyPrefix string `yaml:"key_prefix" env:"KEY_PREFIX"`
	// Codec is the session data codec, either "json" or "gob". Default is "json".
	Codec string `yaml:"codec" env:"CODEC"`
}

// Addr returns "host:port" with the host defaulting to "localhost" and the port
// defaulting to given value.
func (c DriverConfig) Addr(defaultPort int) string {
	host := c.Host
	if host == "" {
		host = "localhost"
	}
	port := c.Port
	if port <= 0 {
		port = defaultPort
	}
	return net.JoinHostPort(host, strconv.Itoa(port))
}

func (c DriverConfig) isZero() bool {
	return c == DriverConfig{}
}

func (c DriverConfig) withDefaults() DriverConfig {
	if c.Backend == "" {
		c.Backend = "redis"
	}
	if c.Codec == "" {
		c.Codec = "json"
	}
	return c
}

func (c DriverConfig) codec() (Encoder, Decoder, error) {
	switch c.Codec {
	case "json":
		return JSONEncoder, JSONDecoder, nil
	case "gob":
		return GobEncoder, GobDecoder, nil
	}
	return nil, nil, configErrorf("unknown codec %q", c.Codec)
}
