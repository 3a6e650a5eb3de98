// Copyright 2021 Flamego. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package session

import (
	"container/heap"
	"context"
	"sync"
	"time"
)

// memoryItem is a value stored in the memory backend.
type memoryItem struct {
	key       string
	value     []byte
	expiresAt time.Time // Zero for no expiry

	index int // The index in the heap
}

// expired returns true if the item has an expiry that is not after now.
func (i *memoryItem) expired(now time.Time) bool {
	return !i.expiresAt.IsZero() && !now.Before(i.expiresAt)
}

var (
	_ Backend = (*memoryBackend)(nil)
	_ GCer    = (*memoryBackend)(nil)
)

// memoryBackend is an in-memory implementation of the backend. Items are kept
// in a heap ordered by expiry so that GC only looks at the top.
type memoryBackend struct {
	nowFunc func() time.Time // The function to return the current time

	lock  sync.Mutex             // The mutex to guard accesses to the heap and index
	heap  []*memoryItem          // The heap to be managed by operations of heap.Interface
	index map[string]*memoryItem // The index to be managed by operations of heap.Interface
}

// newMemoryBackend returns a new memory backend.
func newMemoryBackend(nowFunc func() time.Time) *memoryBackend {
	return &memoryBackend{
		nowFunc: nowFunc,
		index:   make(map[string]*memoryItem),
	}
}

// Len implements `heap.Interface.Len`. It is not concurrent-safe and is the
// caller's responsibility to ensure they're being guarded by a mutex during any
// heap operation, i.e. heap.Fix, heap.Remove, heap.Push, heap.Pop.
func (b *memoryBackend) Len() int {
	return len(b.heap)
}

// Less implements `heap.Interface.Less`. Items without expiry sort last.
func (b *memoryBackend) Less(i, j int) bool {
	x, y := b.heap[i].expiresAt, b.heap[j].expiresAt
	switch {
	case x.IsZero():
		return false
	case y.IsZero():
		return true
	}
	return x.Before(y)
}

// Swap implements `heap.Interface.Swap`.
func (b *memoryBackend) Swap(i, j int) {
	b.heap[i], b.heap[j] = b.heap[j], b.heap[i]
	b.heap[i].index = i
	b.heap[j].index = j
}

// Push implements `heap.Interface.Push`.
func (b *memoryBackend) Push(x interface{}) {
	item := x.(*memoryItem)
	item.index = b.Len()
	b.heap = append(b.heap, item)
	b.index[item.key] = item
}

// Pop implements `heap.Interface.Pop`.
func (b *memoryBackend) Pop() interface{} {
	n := b.Len()
	item := b.heap[n-1]

	b.heap[n-1] = nil // Avoid memory leak
	item.index = -1   // For safety

	b.heap = b.heap[:n-1]
	delete(b.index, item.key)
	return item
}

func (b *memoryBackend) Get(_ context.Context, key string) ([]byte, error) {
	b.lock.Lock()
	defer b.lock.Unlock()

	item, ok := b.index[key]
	if !ok {
		return nil, nil
	}

	// The GC may have not caught up.
	if item.expired(b.nowFunc()) {
		heap.Remove(b, item.index)
		return nil, nil
	}

	value := make([]byte, len(item.value))
	copy(value, item.value)
	return value, nil
}

func (b *memoryBackend) Set(_ context.Context, key string, value []byte) error {
	b.lock.Lock()
	defer b.lock.Unlock()

	stored := make([]byte, len(value))
	copy(stored, value)

	item, ok := b.index[key]
	if ok {
		item.value = stored
		item.expiresAt = time.Time{}
		heap.Fix(b, item.index)
		return nil
	}

	heap.Push(b, &memoryItem{
		key:   key,
		value: stored,
	})
	return nil
}

func (b *memoryBackend) Expire(_ context.Context, key string, ttl time.Duration) error {
	b.lock.Lock()
	defer b.lock.Unlock()

	item, ok := b.index[key]
	if !ok {
		return nil
	}

	if ttl <= 0 {
		heap.Remove(b, item.index)
		return nil
	}

	item.expiresAt = b.nowFunc().Add(ttl)
	heap.Fix(b, item.index)
	return nil
}

func (b *memoryBackend) Delete(_ context.Context, key string) error {
	b.lock.Lock()
	defer b.lock.Unlock()

	item, ok := b.index[key]
	if !ok {
		return nil
	}

	heap.Remove(b, item.index)
	return nil
}

func (b *memoryBackend) GC(ctx context.Context) error {
	// Removing expired items from top of the heap until there is no more expired
	// items found.
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		done := func() bool {
			b.lock.Lock()
			defer b.lock.Unlock()

			if b.Len() == 0 {
				return true
			}

			item := b.heap[0]

			// If the earliest expiring item is not expired, there is no need to continue
			if !item.expired(b.nowFunc()) {
				return true
			}

			heap.Remove(b, item.index)
			return false
		}()
		if done {
			break
		}
	}
	return nil
}

func (b *memoryBackend) Close() error {
	return nil
}

// MemoryConfig contains options for the memory backend.
type MemoryConfig struct {
	nowFunc func() time.Time // For tests only
}

// MemoryOpener returns the Opener for the memory backend. Every call to the
// returned Opener creates an empty backend, so sessions live as long as the
// Driver that opened it.
func MemoryOpener(cfgs ...MemoryConfig) Opener {
	var cfg MemoryConfig
	if len(cfgs) > 0 {
		cfg = cfgs[0]
	}
	if cfg.nowFunc == nil {
		cfg.nowFunc = time.Now
	}

	return func(context.Context, DriverConfig) (Backend, error) {
		return newMemoryBackend(cfg.nowFunc), nil
	}
}
