// Package syncutil provides concurrent containers.
package syncutil

//go:generate errtrace -w .

import (
	"hash/maphash"
	"iter"
	"maps"
	"sync"
)

// ShardMap is a thread-safe map that uses sharding to reduce lock contention.
type ShardMap[K comparable, V any] struct {
	seed       maphash.Seed
	shards     []*shard[K, V]
	shardCount uint64
}

// shard is a single thread-safe map with its own mutex.
type shard[K comparable, V any] struct {
	sync.RWMutex
	items map[K]V
}

type ShardsNum uint

// defShardsNum is the default number of shards to use.
const defShardsNum ShardsNum = 32

// NewShardMap creates a new [ShardMap].
// If no number of shards is specified, the default number of shards (32) is used.
// The number of shards can be specified using the [ShardsNum] option and must be greater than 0.
func NewShardMap[K comparable, V any](opts ...any) *ShardMap[K, V] {
	var shardsNum ShardsNum
	for _, o := range opts {
		if v, ok := o.(ShardsNum); ok {
			shardsNum = v
		}
	}

	if shardsNum == 0 {
		shardsNum = defShardsNum
	}

	shards := make([]*shard[K, V], shardsNum)
	for i := range shards {
		shards[i] = &shard[K, V]{
			items: make(map[K]V),
		}
	}

	return &ShardMap[K, V]{
		seed:       maphash.MakeSeed(),
		shards:     shards,
		shardCount: uint64(shardsNum),
	}
}

func (m *ShardMap[K, V]) getShard(key K) *shard[K, V] {
	return m.shards[maphash.Comparable(m.seed, key)%m.shardCount]
}

// Get retrieves a value by key.
func (m *ShardMap[K, V]) Get(key K) (V, bool) {
	shard := m.getShard(key)
	shard.RLock()
	defer shard.RUnlock()
	val, ok := shard.items[key]
	return val, ok
}

// GetOrCreate returns the value stored under the key or stores the value built by create.
// The lookup and the insert run under one shard lock, so concurrent callers with the same key
// observe exactly one created value. The loaded result is false when the value was created.
// When create returns an error nothing is stored.
func (m *ShardMap[K, V]) GetOrCreate(key K, create func() (V, error)) (val V, loaded bool, err error) {
	shard := m.getShard(key)
	shard.Lock()
	defer shard.Unlock()

	if val, ok := shard.items[key]; ok {
		return val, true, nil
	}

	val, err = create()
	if err != nil {
		var zero V
		return zero, false, err //errtrace:skip
	}
	shard.items[key] = val
	return val, false, nil
}

// DelFunc removes the key only if match reports true for the stored value.
func (m *ShardMap[K, V]) DelFunc(key K, match func(V) bool) bool {
	shard := m.getShard(key)
	shard.Lock()
	defer shard.Unlock()

	val, ok := shard.items[key]
	if !ok || !match(val) {
		return false
	}
	delete(shard.items, key)
	return true
}

// Clear removes all items from the map.
func (m *ShardMap[K, V]) Clear() {
	for _, shard := range m.shards {
		shard.Lock()
		clear(shard.items)
		shard.Unlock()
	}
}

// Items returns an iterator over a per-shard snapshot of all items in the map.
func (m *ShardMap[K, V]) Items() iter.Seq2[K, V] {
	return func(yield func(K, V) bool) {
		for _, shard := range m.shards {
			shard.RLock()
			items := maps.Clone(shard.items)
			shard.RUnlock()

			for k, v := range items {
				if !yield(k, v) {
					return
				}
			}
		}
	}
}
