package lockmap

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTryAcquire(t *testing.T) {
	assert := assert.New(t)
	lm := MkLockMap()
	assert.True(lm.TryAcquire(0x1101))
	assert.False(lm.TryAcquire(0x1101), "second writer must be refused")
	assert.True(lm.TryAcquire(0x1101+NSHARD), "same shard, different id")
	lm.Release(0x1101)
	assert.True(lm.TryAcquire(0x1101))
	lm.Release(0x1101)
	lm.Release(0x1101 + NSHARD)
}

func TestAcquireExcludes(t *testing.T) {
	lm := MkLockMap()
	var wg sync.WaitGroup
	counter := 0
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				lm.Acquire(7)
				counter++
				lm.Release(7)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1600, counter)
}

func TestReleaseUnheld(t *testing.T) {
	lm := MkLockMap()
	assert.Panics(t, func() { lm.Release(9) })
}
