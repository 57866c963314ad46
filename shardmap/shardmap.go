// shardmap is a concurrent map from uint64 keys to values, split into
// shards that each carry their own lock.
package shardmap

import (
	"sort"
	"sync"
)

type mapShard[V any] struct {
	mu    *sync.RWMutex
	state map[uint64]V
}

type Map[V any] struct {
	shards []*mapShard[V]
}

const NSHARD uint64 = 67

func mkMapShard[V any]() *mapShard[V] {
	return &mapShard[V]{
		mu:    new(sync.RWMutex),
		state: make(map[uint64]V),
	}
}

func MkMap[V any]() *Map[V] {
	var shards []*mapShard[V]
	for i := uint64(0); i < NSHARD; i++ {
		shards = append(shards, mkMapShard[V]())
	}
	return &Map[V]{shards: shards}
}

func (m *Map[V]) shard(key uint64) *mapShard[V] {
	return m.shards[key%NSHARD]
}

func (m *Map[V]) Get(key uint64) (V, bool) {
	shard := m.shard(key)
	shard.mu.RLock()
	v, ok := shard.state[key]
	shard.mu.RUnlock()
	return v, ok
}

func (m *Map[V]) Put(key uint64, v V) {
	shard := m.shard(key)
	shard.mu.Lock()
	shard.state[key] = v
	shard.mu.Unlock()
}

// PutIfAbsent stores v unless key is present, and returns the value now
// stored under key and whether v was stored.
func (m *Map[V]) PutIfAbsent(key uint64, v V) (V, bool) {
	shard := m.shard(key)
	shard.mu.Lock()
	defer shard.mu.Unlock()
	if old, ok := shard.state[key]; ok {
		return old, false
	}
	shard.state[key] = v
	return v, true
}

func (m *Map[V]) Delete(key uint64) (V, bool) {
	shard := m.shard(key)
	shard.mu.Lock()
	v, ok := shard.state[key]
	delete(shard.state, key)
	shard.mu.Unlock()
	return v, ok
}

func (m *Map[V]) Len() int {
	n := 0
	for _, shard := range m.shards {
		shard.mu.RLock()
		n += len(shard.state)
		shard.mu.RUnlock()
	}
	return n
}

// Keys returns all keys in ascending order.
func (m *Map[V]) Keys() []uint64 {
	var keys []uint64
	for _, shard := range m.shards {
		shard.mu.RLock()
		for k := range shard.state {
			keys = append(keys, k)
		}
		shard.mu.RUnlock()
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

// Range calls f on every entry in key order until f returns false. Entries
// added or removed concurrently may or may not be visited.
func (m *Map[V]) Range(f func(key uint64, v V) bool) {
	for _, k := range m.Keys() {
		v, ok := m.Get(k)
		if !ok {
			continue
		}
		if !f(k, v) {
			return
		}
	}
}
