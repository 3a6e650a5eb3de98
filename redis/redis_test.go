// Copyright 2021 Flamego. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package redis

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flamego/flamego"

	"github.com/flamego/kvsession"
)

type call struct {
	method string
	key    string
	ttl    time.Duration
}

// fakeClient records calls and answers with canned results.
type fakeClient struct {
	calls  []call
	values map[string]string
	err    error
	closed bool
}

func (c *fakeClient) Get(_ context.Context, key string) *redis.StringCmd {
	c.calls = append(c.calls, call{method: "get", key: key})
	if c.err != nil {
		return redis.NewStringResult("", c.err)
	}
	v, ok := c.values[key]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(v, nil)
}

func (c *fakeClient) Set(_ context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd {
	c.calls = append(c.calls, call{method: "set", key: key, ttl: expiration})
	if c.err != nil {
		return redis.NewStatusResult("", c.err)
	}
	c.values[key] = string(value.([]byte))
	return redis.NewStatusResult("OK", nil)
}

func (c *fakeClient) Expire(_ context.Context, key string, expiration time.Duration) *redis.BoolCmd {
	c.calls = append(c.calls, call{method: "expire", key: key, ttl: expiration})
	_, ok := c.values[key]
	return redis.NewBoolResult(ok, c.err)
}

func (c *fakeClient) Del(_ context.Context, keys ...string) *redis.IntCmd {
	c.calls = append(c.calls, call{method: "del", key: strings.Join(keys, ",")})
	var n int64
	for _, key := range keys {
		if _, ok := c.values[key]; ok {
			delete(c.values, key)
			n++
		}
	}
	return redis.NewIntResult(n, c.err)
}

func (c *fakeClient) Close() error {
	c.closed = true
	return nil
}

func TestRedisBackend(t *testing.T) {
	ctx := context.Background()
	c := &fakeClient{values: make(map[string]string)}
	b := newRedisBackend(c)

	value, err := b.Get(ctx, "session:1")
	assert.Nil(t, err)
	assert.Nil(t, value)

	require.Nil(t, b.Set(ctx, "session:1", []byte("flamego")))
	require.Nil(t, b.Expire(ctx, "session:1", 30*time.Second))

	value, err = b.Get(ctx, "session:1")
	assert.Nil(t, err)
	assert.Equal(t, []byte("flamego"), value)

	require.Nil(t, b.Delete(ctx, "session:1"))
	require.Nil(t, b.Delete(ctx, "session:1"))
	require.Nil(t, b.Close())
	assert.True(t, c.closed)

	want := []call{
		{method: "get", key: "session:1"},
		{method: "set", key: "session:1"},
		{method: "expire", key: "session:1", ttl: 30 * time.Second},
		{method: "get", key: "session:1"},
		{method: "del", key: "session:1"},
		{method: "del", key: "session:1"},
	}
	assert.Equal(t, want, c.calls)
}

func TestRedisBackend_Errors(t *testing.T) {
	ctx := context.Background()
	c := &fakeClient{values: make(map[string]string), err: errors.New("connection reset")}
	b := newRedisBackend(c)

	_, err := b.Get(ctx, "1")
	assert.EqualError(t, err, "get: connection reset")
	assert.EqualError(t, b.Set(ctx, "1", []byte("1")), "set: connection reset")
	assert.EqualError(t, b.Expire(ctx, "1", time.Second), "expire: connection reset")
	assert.EqualError(t, b.Delete(ctx, "1"), "del: connection reset")
}

func TestRedisBackend_WithDriver(t *testing.T) {
	ctx := context.Background()
	c := &fakeClient{values: make(map[string]string)}
	opener := func(context.Context, session.DriverConfig) (session.Backend, error) {
		return newRedisBackend(c), nil
	}

	d, err := session.NewDriver(session.DriverConfig{Host: "localhost", KeyPrefix: "session:"}, opener)
	require.Nil(t, err)

	err = d.Save(ctx, "0123456789abcdef0123456789abcdef", session.Data{"name": "flamego"}, time.Now().Add(time.Hour))
	require.Nil(t, err)
	// Value and expiry go out in a single SET ... EX.
	require.Len(t, c.calls, 1)
	assert.Equal(t, "set", c.calls[0].method)
	assert.Equal(t, "session:0123456789abcdef0123456789abcdef", c.calls[0].key)
	assert.InDelta(t, time.Hour.Seconds(), c.calls[0].ttl.Seconds(), 1)

	data, err := d.Load(ctx, "0123456789abcdef0123456789abcdef")
	require.Nil(t, err)
	assert.Equal(t, session.Data{"name": "flamego"}, data)

	// An expiry already in the past is a plain SET followed by EXPIRE 0.
	c.calls = nil
	err = d.Save(ctx, "0123456789abcdef0123456789abcdef", session.Data{}, time.Now().Add(-time.Minute))
	require.Nil(t, err)
	want := []call{
		{method: "set", key: "session:0123456789abcdef0123456789abcdef"},
		{method: "expire", key: "session:0123456789abcdef0123456789abcdef"},
	}
	assert.Equal(t, want, c.calls)
}

func TestOptions(t *testing.T) {
	opts, err := Options(session.DriverConfig{
		Host:           "127.0.0.1",
		DB:             2,
		Password:       "passwd",
		MaxConnections: 8,
	})
	require.Nil(t, err)
	assert.Equal(t, "127.0.0.1:6379", opts.Addr)
	assert.Equal(t, 2, opts.DB)
	assert.Equal(t, "passwd", opts.Password)
	assert.Equal(t, 8, opts.PoolSize)

	opts, err = Options(session.DriverConfig{DSN: "redis://:secret@cache.internal:6380/3", MaxConnections: 4})
	require.Nil(t, err)
	assert.Equal(t, "cache.internal:6380", opts.Addr)
	assert.Equal(t, 3, opts.DB)
	assert.Equal(t, "secret", opts.Password)
	assert.Equal(t, 4, opts.PoolSize)

	_, err = Options(session.DriverConfig{DSN: "mysql://localhost"})
	assert.NotNil(t, err)
}

func newTestConfig(t *testing.T) session.DriverConfig {
	host := os.Getenv("REDIS_HOST")
	if host == "" {
		t.Skip("REDIS_HOST not set")
	}
	port, _ := strconv.Atoi(os.Getenv("REDIS_PORT"))

	const db = 15
	cfg := session.DriverConfig{Host: host, Port: port, DB: db, KeyPrefix: "session:"}

	opts, err := Options(cfg)
	require.Nil(t, err)
	c := redis.NewClient(opts)
	t.Cleanup(func() {
		defer func() { _ = c.Close() }()

		if t.Failed() {
			t.Logf("DATABASE %d left intact for inspection", db)
			return
		}

		err := c.FlushDB(context.Background()).Err()
		if err != nil {
			t.Fatalf("Failed to flush test database: %v", err)
		}
	})

	err = c.FlushDB(context.Background()).Err()
	if err != nil {
		t.Fatalf("Failed to flush test database: %v", err)
	}
	return cfg
}

func TestRedisBackend_Live(t *testing.T) {
	cfg := newTestConfig(t)
	ctx := context.Background()

	backend, err := Opener()(ctx, cfg)
	require.Nil(t, err)
	t.Cleanup(func() { _ = backend.Close() })

	require.Nil(t, backend.Set(ctx, "session:1", []byte("flamego")))
	require.Nil(t, backend.Expire(ctx, "session:1", time.Second))

	// NOTE: Redis is behaving flaky on exact the seconds in CI, so let's wait 100ms
	// more.
	time.Sleep(1100 * time.Millisecond)
	value, err := backend.Get(ctx, "session:1")
	assert.Nil(t, err)
	assert.Nil(t, value)

	require.Nil(t, backend.Set(ctx, "session:2", []byte("flamego")))
	require.Nil(t, backend.Expire(ctx, "session:2", 0))
	value, err = backend.Get(ctx, "session:2")
	assert.Nil(t, err)
	assert.Nil(t, value)
}

func TestSessioner_Live(t *testing.T) {
	cfg := newTestConfig(t)

	f := flamego.NewWithLogger(&bytes.Buffer{})
	f.Use(session.Sessioner(
		session.Options{
			Config:   session.Config{DriverSettings: cfg},
			Opener:   Opener(),
			Registry: session.NewRegistry(nil),
		},
	))
	f.Get("/set", func(s session.Session) error {
		return s.Set("username", "flamego")
	})
	f.Get("/get", func(s session.Session) string {
		return s.GetOr("username", "").(string)
	})

	resp := httptest.NewRecorder()
	req, err := http.NewRequest(http.MethodGet, "/set", nil)
	require.Nil(t, err)
	f.ServeHTTP(resp, req)
	require.Equal(t, http.StatusOK, resp.Code)
	cookie := strings.SplitN(resp.Header().Get("Set-Cookie"), ";", 2)[0]

	resp = httptest.NewRecorder()
	req, err = http.NewRequest(http.MethodGet, "/get", nil)
	require.Nil(t, err)
	req.Header.Set("Cookie", cookie)
	f.ServeHTTP(resp, req)
	assert.Equal(t, "flamego", resp.Body.String())
}
