// Package syncutil holds small synchronization helpers.
package syncutil

import (
	"context"
	"hash/fnv"
)

// DefaultShards is the shard count used by NewKeyedMutex when n <= 0.
const DefaultShards = 256

// KeyedMutex serializes work per key using a fixed pool of channel-based
// locks. Distinct keys may share a shard; equal keys always do.
type KeyedMutex struct {
	shards []chan struct{}
}

// NewKeyedMutex creates a mutex pool with n shards.
func NewKeyedMutex(n int) *KeyedMutex {
	if n <= 0 {
		n = DefaultShards
	}
	m := &KeyedMutex{shards: make([]chan struct{}, n)}
	for i := range m.shards {
		m.shards[i] = make(chan struct{}, 1)
	}
	return m
}

// Lock blocks until the key's shard is free or ctx is done.
// On success the returned func releases the lock and must be called exactly once.
func (m *KeyedMutex) Lock(ctx context.Context, key string) (func(), error) {
	ch := m.shards[m.shard(key)]
	select {
	case ch <- struct{}{}:
		return func() { <-ch }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// TryLock acquires the key's shard without waiting.
func (m *KeyedMutex) TryLock(key string) (func(), bool) {
	ch := m.shards[m.shard(key)]
	select {
	case ch <- struct{}{}:
		return func() { <-ch }, true
	default:
		return nil, false
	}
}

func (m *KeyedMutex) shard(key string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return h.Sum32() % uint32(len(m.shards))
}
