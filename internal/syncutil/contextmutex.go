package syncutil

import (
	"context"
	"sync"
)

// ContextShardedMutex is the context-aware variant of ShardedMutex.
// A caller waiting on a busy wallet can give up when its request
// context expires instead of queueing forever behind a slow writer.
type ContextShardedMutex struct {
	shards [shardCount]chanMutex
	once   sync.Once
}

// chanMutex implements a mutex as a one-slot channel so acquisition can
// be raced against ctx.Done in a select.
type chanMutex struct {
	ch chan struct{}
}

// NewContextShardedMutex creates a context-aware sharded mutex.
func NewContextShardedMutex() *ContextShardedMutex {
	m := &ContextShardedMutex{}
	m.init()
	return m
}

func (m *ContextShardedMutex) init() {
	m.once.Do(func() {
		for i := range m.shards {
			m.shards[i].ch = make(chan struct{}, 1)
			m.shards[i].ch <- struct{}{} // start unlocked
		}
	})
}

// LockContext acquires the mutex for key or returns the context error if
// ctx is done first. On success the caller must invoke the returned
// unlock function exactly once.
func (m *ContextShardedMutex) LockContext(ctx context.Context, key string) (func(), error) {
	m.init()
	return m.lockShard(ctx, shardIndex(key))
}

// LockPairContext acquires the mutexes for both keys. Shards are taken
// in index order so concurrent pair acquisitions cannot deadlock, and a
// pair of keys that hash to the same shard takes that shard exactly
// once. The returned unlock releases whatever was acquired.
func (m *ContextShardedMutex) LockPairContext(ctx context.Context, key1, key2 string) (func(), error) {
	m.init()
	i, j := shardIndex(key1), shardIndex(key2)
	if i == j {
		return m.lockShard(ctx, i)
	}
	if j < i {
		i, j = j, i
	}

	unlockFirst, err := m.lockShard(ctx, i)
	if err != nil {
		return nil, err
	}
	unlockSecond, err := m.lockShard(ctx, j)
	if err != nil {
		unlockFirst()
		return nil, err
	}
	return func() {
		unlockSecond()
		unlockFirst()
	}, nil
}

func (m *ContextShardedMutex) lockShard(ctx context.Context, idx uint32) (func(), error) {
	shard := &m.shards[idx]

	select {
	case <-shard.ch:
		return func() { shard.ch <- struct{}{} }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
