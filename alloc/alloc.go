package alloc

import (
	"sync"

	"github.com/mit-pdos/go-mpool/util"
)

// Alloc uses a bit map to allocate and free zones of one media class.
// Bit n corresponds to zone n. Allocations are contiguous runs found
// first-fit starting at a roving cursor.
//
// A number of zones may be held in reserve: ordinary allocations leave
// them free, spare allocations may consume them.
type Alloc struct {
	lock    *sync.Mutex // protects bitmap, next, nfree
	bitmap  []byte
	nzones  uint64
	nfree   uint64
	next    uint64 // first zone to try
	reserve uint64
}

func MkAlloc(nzones uint64) *Alloc {
	a := &Alloc{
		lock:   new(sync.Mutex),
		bitmap: make([]byte, util.RoundUp(nzones, 8)),
		nzones: nzones,
		nfree:  nzones,
	}
	return a
}

func (a *Alloc) used(n uint64) bool {
	return a.bitmap[n/8]&(1<<(n%8)) != 0
}

func (a *Alloc) set(n uint64) {
	a.bitmap[n/8] |= 1 << (n % 8)
}

func (a *Alloc) clear(n uint64) {
	a.bitmap[n/8] &^= 1 << (n % 8)
}

// SetReserve sets the number of zones ordinary allocations must leave
// free.
func (a *Alloc) SetReserve(n uint64) {
	a.lock.Lock()
	a.reserve = n
	a.lock.Unlock()
}

// MarkUsed marks zones [start, start+n) allocated, e.g. during replay.
func (a *Alloc) MarkUsed(start uint64, n uint64) {
	a.lock.Lock()
	defer a.lock.Unlock()
	for z := start; z < start+n && z < a.nzones; z++ {
		if !a.used(z) {
			a.set(z)
			a.nfree--
		}
	}
}

// AllocRange allocates n contiguous zones and returns the first one. It
// returns false when no run of n free zones exists, or when the run would
// eat into the reserve and spare is not set.
func (a *Alloc) AllocRange(n uint64, spare bool) (uint64, bool) {
	a.lock.Lock()
	defer a.lock.Unlock()
	if n == 0 || n > a.nfree {
		return 0, false
	}
	if !spare && a.nfree-n < a.reserve {
		return 0, false
	}
	start := a.next
	for tried := uint64(0); tried < a.nzones; {
		if start+n > a.nzones {
			tried += a.nzones - start
			start = 0
			continue
		}
		run := uint64(0)
		for run < n && !a.used(start+run) {
			run++
		}
		if run == n {
			for z := start; z < start+n; z++ {
				a.set(z)
			}
			a.nfree -= n
			a.next = start + n
			if a.next >= a.nzones {
				a.next = 0
			}
			util.DPrintf(10, "AllocRange: %d zones at %d, %d free\n", n, start, a.nfree)
			return start, true
		}
		// zone start+run is in use; no run can begin before it
		tried += run + 1
		start += run + 1
		if start >= a.nzones {
			start = 0
		}
	}
	return 0, false
}

// FreeRange returns zones [start, start+n) to the free pool.
func (a *Alloc) FreeRange(start uint64, n uint64) {
	a.lock.Lock()
	defer a.lock.Unlock()
	if start+n > a.nzones {
		panic("FreeRange")
	}
	for z := start; z < start+n; z++ {
		if a.used(z) {
			a.clear(z)
			a.nfree++
		}
	}
}

func popCnt(b byte) uint64 {
	var count uint64
	var x = b
	for i := uint64(0); i < 8; i++ {
		count += uint64(x & 1)
		x = x >> 1
	}
	return count
}

// NumFree counts the free zones directly from the bitmap.
func (a *Alloc) NumFree() uint64 {
	a.lock.Lock()
	defer a.lock.Unlock()
	var used uint64
	for _, b := range a.bitmap {
		used += popCnt(b)
	}
	return a.nzones - used
}

func (a *Alloc) NumZones() uint64 {
	return a.nzones
}
