// Copyright 2021 Flamego. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package session

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_GetOrCreate(t *testing.T) {
	r := NewRegistry(nil)
	t.Cleanup(func() { _ = r.Close() })

	var opens int32
	opener := func(context.Context, DriverConfig) (Backend, error) {
		atomic.AddInt32(&opens, 1)
		return newMemoryBackend(time.Now), nil
	}
	cfg := DriverConfig{Host: "127.0.0.1", Port: 6379, Password: "secret"}

	const n = 32
	drivers := make([]*Driver, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()

			d, err := r.GetOrCreate(cfg, opener)
			assert.Nil(t, err)

			m, err := New(context.Background(), d, ManagerOptions{})
			assert.Nil(t, err)
			assert.Nil(t, m.Flush())

			drivers[i] = d
		}(i)
	}
	wg.Wait()

	for i := 1; i < n; i++ {
		assert.Same(t, drivers[0], drivers[i])
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&opens))
	assert.Equal(t, 1, r.Len())

	// Defaults are part of the identity of a configuration.
	d, err := r.GetOrCreate(DriverConfig{Backend: "redis", Host: "127.0.0.1", Port: 6379, Password: "secret", Codec: "json"}, opener)
	require.Nil(t, err)
	assert.Same(t, drivers[0], d)

	d, err = r.GetOrCreate(DriverConfig{Host: "127.0.0.1", Port: 6379, DB: 1}, opener)
	require.Nil(t, err)
	assert.NotSame(t, drivers[0], d)
	assert.Equal(t, 2, r.Len())
}

func TestRegistry_FailedCreationIsNotCached(t *testing.T) {
	r := NewRegistry(nil)
	cfg := DriverConfig{Host: "127.0.0.1"}

	_, err := r.GetOrCreate(cfg, nil)
	assert.True(t, errors.Is(err, ErrConfiguration))
	assert.Equal(t, 0, r.Len())

	d, err := r.GetOrCreate(cfg, MemoryOpener())
	require.Nil(t, err)
	assert.NotNil(t, d)
	assert.Equal(t, 1, r.Len())
}

func TestRegistry_Driver(t *testing.T) {
	r := NewRegistry(nil)
	cfg := DriverConfig{Backend: "memory"}

	shared1, err := r.Driver(cfg, MemoryOpener(), true)
	require.Nil(t, err)
	shared2, err := r.Driver(cfg, MemoryOpener(), true)
	require.Nil(t, err)
	assert.Same(t, shared1, shared2)

	private, err := r.Driver(cfg, MemoryOpener(), false)
	require.Nil(t, err)
	assert.NotSame(t, shared1, private)
	assert.Equal(t, 1, r.Len())
}

func TestRegistry_Close(t *testing.T) {
	r := NewRegistry(nil)
	d, err := r.GetOrCreate(DriverConfig{Backend: "memory"}, MemoryOpener())
	require.Nil(t, err)

	_, err = d.Get(context.Background(), "sid")
	require.Nil(t, err)
	require.NotNil(t, d.opened())

	assert.Nil(t, r.Close())
	assert.Nil(t, d.opened())
	assert.Equal(t, 0, r.Len())
}

func TestFingerprint(t *testing.T) {
	a := DriverConfig{Host: "a", Password: "x"}.withDefaults()
	b := DriverConfig{Host: "a", Password: "y"}.withDefaults()
	assert.NotEqual(t, fingerprint(a), fingerprint(b))
	assert.Equal(t, fingerprint(a), fingerprint(a))
}
