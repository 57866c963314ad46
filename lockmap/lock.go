// lockmap is a sharded lock map keyed by object id.
//
// The API is as if LockMap held a lock for every possible object id;
// Acquire(id) waits for the lock on id, TryAcquire(id) takes it only if it
// is free, and Release(id) gives it back.
//
// Only ids whose lock is held or awaited have state. Ids are spread over a
// fixed number of shards, so contention is limited to ids sharing a shard.
package lockmap

import (
	"sync"
)

type lockState struct {
	held    bool
	cond    *sync.Cond
	waiters uint64
}

type lockShard struct {
	mu    *sync.Mutex
	state map[uint64]*lockState
}

func mkLockShard() *lockShard {
	mu := new(sync.Mutex)
	return &lockShard{
		mu:    mu,
		state: make(map[uint64]*lockState),
	}
}

func (shard *lockShard) get(id uint64) *lockState {
	state, ok := shard.state[id]
	if !ok {
		state = &lockState{cond: sync.NewCond(shard.mu)}
		shard.state[id] = state
	}
	return state
}

func (shard *lockShard) acquire(id uint64) {
	shard.mu.Lock()
	for {
		state := shard.get(id)
		if !state.held {
			state.held = true
			break
		}
		state.waiters += 1
		state.cond.Wait()
		state.waiters -= 1
	}
	shard.mu.Unlock()
}

func (shard *lockShard) tryAcquire(id uint64) bool {
	shard.mu.Lock()
	defer shard.mu.Unlock()
	state := shard.get(id)
	if state.held {
		return false
	}
	state.held = true
	return true
}

func (shard *lockShard) release(id uint64) {
	shard.mu.Lock()
	state, ok := shard.state[id]
	if !ok || !state.held {
		shard.mu.Unlock()
		panic("lockmap: release of unheld lock")
	}
	state.held = false
	if state.waiters > 0 {
		state.cond.Signal()
	} else {
		delete(shard.state, id)
	}
	shard.mu.Unlock()
}

const NSHARD uint64 = 43

type LockMap struct {
	shards []*lockShard
}

func MkLockMap() *LockMap {
	var shards []*lockShard
	for i := uint64(0); i < NSHARD; i++ {
		shards = append(shards, mkLockShard())
	}
	return &LockMap{shards: shards}
}

func (lmap *LockMap) Acquire(id uint64) {
	lmap.shards[id%NSHARD].acquire(id)
}

// TryAcquire takes the lock on id if nobody holds it.
func (lmap *LockMap) TryAcquire(id uint64) bool {
	return lmap.shards[id%NSHARD].tryAcquire(id)
}

func (lmap *LockMap) Release(id uint64) {
	lmap.shards[id%NSHARD].release(id)
}
