// Copyright 2021 Flamego. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryBackend(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	b := newMemoryBackend(func() time.Time { return now })

	value, err := b.Get(ctx, "1")
	assert.Nil(t, err)
	assert.Nil(t, value)

	require.Nil(t, b.Set(ctx, "1", []byte("one")))
	require.Nil(t, b.Set(ctx, "2", []byte("two")))
	require.Nil(t, b.Set(ctx, "3", []byte("three")))

	require.Nil(t, b.Expire(ctx, "1", 3*time.Second))
	require.Nil(t, b.Expire(ctx, "2", time.Second))
	require.Nil(t, b.Expire(ctx, "missing", time.Second))

	value, err = b.Get(ctx, "2")
	assert.Nil(t, err)
	assert.Equal(t, []byte("two"), value)

	now = now.Add(2 * time.Second)
	err = b.GC(ctx) // "2" should be recycled
	assert.Nil(t, err)

	wantIndex := map[string]*memoryItem{
		"1": b.index["1"],
		"3": b.index["3"],
	}
	assert.Equal(t, wantIndex, b.index)
	assert.Equal(t, b.index["1"], b.heap[0])

	// Set discards the expiry.
	require.Nil(t, b.Set(ctx, "1", []byte("uno")))
	now = now.Add(time.Hour)
	assert.Nil(t, b.GC(ctx))
	value, err = b.Get(ctx, "1")
	assert.Nil(t, err)
	assert.Equal(t, []byte("uno"), value)

	// Zero TTL expires immediately.
	require.Nil(t, b.Expire(ctx, "3", 0))
	value, err = b.Get(ctx, "3")
	assert.Nil(t, err)
	assert.Nil(t, value)

	assert.Nil(t, b.Delete(ctx, "1"))
	assert.Nil(t, b.Delete(ctx, "1"))
	assert.Equal(t, 0, b.Len())
}

func TestMemoryBackend_ExpiredBeforeGC(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	b := newMemoryBackend(func() time.Time { return now })

	require.Nil(t, b.Set(ctx, "1", []byte("one")))
	require.Nil(t, b.Expire(ctx, "1", time.Second))

	now = now.Add(time.Second)
	value, err := b.Get(ctx, "1")
	assert.Nil(t, err)
	assert.Nil(t, value)
	assert.Equal(t, 0, b.Len())
}

func TestMemoryOpener(t *testing.T) {
	now := time.Now()
	opener := MemoryOpener(MemoryConfig{nowFunc: func() time.Time { return now }})

	backend, err := opener(context.Background(), DriverConfig{})
	require.Nil(t, err)
	assert.Nil(t, backend.Close())
}
