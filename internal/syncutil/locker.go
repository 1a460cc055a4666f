// Package syncutil provides keyed locks used to serialize work on a single
// trade or order across goroutines and, with Redis, across instances.
package syncutil

import (
	"context"
	"hash/fnv"
	"sync"
)

// Locker acquires an exclusive lock for a key. The returned function
// releases it and must be called exactly once.
type Locker interface {
	LockContext(ctx context.Context, key string) (func(), error)
}

// KeyedMutex is a fixed pool of channel-based mutexes selected by key hash.
// Waiters give up when their context is cancelled. Distinct keys may share a
// shard, so a caller must never hold two keys at once.
type KeyedMutex struct {
	shards [256]chanMutex
	once   sync.Once
}

type chanMutex struct {
	ch chan struct{}
}

// NewKeyedMutex creates a process-local Locker.
func NewKeyedMutex() *KeyedMutex {
	m := &KeyedMutex{}
	m.init()
	return m
}

func (m *KeyedMutex) init() {
	m.once.Do(func() {
		for i := range m.shards {
			m.shards[i].ch = make(chan struct{}, 1)
			m.shards[i].ch <- struct{}{}
		}
	})
}

// LockContext blocks until the key's shard is free or ctx is done.
func (m *KeyedMutex) LockContext(ctx context.Context, key string) (func(), error) {
	m.init()
	shard := &m.shards[shardIdx(key)]

	select {
	case <-shard.ch:
		var once sync.Once
		return func() { once.Do(func() { shard.ch <- struct{}{} }) }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func shardIdx(key string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return h.Sum32() % 256
}
