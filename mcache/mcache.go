// Package mcache maps committed mblocks into the address space as one
// contiguous read-only region.
//
// The region is split into equal buckets, one per mblock, each a power of
// two at least as large as every mapped mblock. Bucket i holds mblock i's
// written data followed by zeros. The region is reserved as anonymous
// memory and each mblock's data is mapped over the front of its bucket
// from the device, so reads are served from the page cache without
// copies.
package mcache

import (
	"math"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/mit-pdos/go-mpool/common"
	"github.com/mit-pdos/go-mpool/layout"
	"github.com/mit-pdos/go-mpool/mblock"
	"github.com/mit-pdos/go-mpool/merr"
	"github.com/mit-pdos/go-mpool/util"
)

// VMA advice, given for the whole map when it is created.
type VMA int

const (
	VMACold VMA = iota // random access, no readahead
	VMAWarm            // kernel defaults
	VMAHot             // prefetch everything
)

// Advice for a range of a map.
type Advice int

const (
	AdvNormal Advice = iota
	AdvRandom
	AdvSequential
	AdvWillNeed
	AdvDontNeed
)

func (a Advice) madv() (int, error) {
	switch a {
	case AdvNormal:
		return unix.MADV_NORMAL, nil
	case AdvRandom:
		return unix.MADV_RANDOM, nil
	case AdvSequential:
		return unix.MADV_SEQUENTIAL, nil
	case AdvWillNeed:
		return unix.MADV_WILLNEED, nil
	case AdvDontNeed:
		return unix.MADV_DONTNEED, nil
	}
	return 0, merr.E(merr.EINVAL, "bad advice")
}

// Whole is the length that, with mblock index 0 and offset 0, addresses
// the entire map.
const Whole = math.MaxUint64

type Map struct {
	mu     *sync.Mutex // guards closed against Munmap
	region []byte
	bktsz  uint64
	mbs    []mblock.Mblock
	wlens  []uint64
	closed bool
}

// Mmap maps the committed mblocks mbs. Each mblock is held until Munmap,
// so it cannot be deleted while mapped.
func Mmap(mbs []mblock.Mblock, vma VMA) (*Map, error) {
	if len(mbs) == 0 {
		return nil, merr.E(merr.EINVAL, "no mblocks to map")
	}
	m := &Map{mu: new(sync.Mutex)}
	for _, mb := range mbs {
		if err := m.hold(mb); err != nil {
			m.release()
			return nil, err
		}
	}
	var maxcap uint64
	for _, mb := range mbs {
		maxcap = util.Max(maxcap, mb.Cap())
	}
	m.bktsz = util.Pow2Ceil(util.AlignUp(maxcap, common.PageSize))
	total := m.bktsz * uint64(len(mbs))
	if total/m.bktsz != uint64(len(mbs)) || total > math.MaxInt {
		m.release()
		return nil, merr.E(merr.EINVAL, "map too large")
	}
	region, err := unix.Mmap(-1, 0, int(total), unix.PROT_READ, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_NORESERVE)
	if err != nil {
		m.release()
		return nil, merr.E(merr.ENOSPC, "reserve address space", err)
	}
	m.region = region
	for i, mb := range m.mbs {
		if m.wlens[i] == 0 {
			continue
		}
		addr := unsafe.Pointer(&region[uint64(i)*m.bktsz])
		off := mb.L.Ext.Off(mb.Zonesz)
		_, err := unix.MmapPtr(mb.Disk.Fd(), off, addr, uintptr(m.wlens[i]),
			unix.PROT_READ, unix.MAP_SHARED|unix.MAP_FIXED)
		if err != nil {
			unix.Munmap(region)
			m.release()
			return nil, merr.E(err, merr.Report{Device: mb.Disk.Path(), Offset: off, Msg: "map mblock"})
		}
	}
	switch vma {
	case VMACold:
		err = unix.Madvise(region, unix.MADV_RANDOM)
	case VMAHot:
		err = unix.Madvise(region, unix.MADV_WILLNEED)
	}
	if err != nil {
		unix.Munmap(region)
		m.release()
		return nil, merr.E(err, "advise map")
	}
	util.DPrintf(3, "mcache: mapped %d mblocks, bucket %d\n", len(mbs), m.bktsz)
	return m, nil
}

func (m *Map) hold(mb mblock.Mblock) error {
	mb.L.Mu.RLock()
	defer mb.L.Mu.RUnlock()
	switch mb.L.State() {
	case layout.StateCommitted:
	case layout.StateRemoved:
		return merr.E(merr.ENOENT, "mblock "+mb.L.ID.String())
	default:
		return merr.E(merr.EINVAL, "map of uncommitted mblock "+mb.L.ID.String())
	}
	mb.L.Hold()
	m.mbs = append(m.mbs, mb)
	m.wlens = append(m.wlens, mb.L.WriteLen)
	return nil
}

func (m *Map) release() {
	for _, mb := range m.mbs {
		mb.L.Put()
	}
	m.mbs = nil
}

// Munmap removes the mapping and lets go of the mblocks.
func (m *Map) Munmap() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return merr.E(merr.EINVAL, "map already unmapped")
	}
	m.closed = true
	err := unix.Munmap(m.region)
	m.release()
	m.region = nil
	if err != nil {
		return merr.E(err, "unmap")
	}
	return nil
}

func (m *Map) check() error {
	if m.closed {
		return merr.E(merr.EINVAL, "map unmapped")
	}
	return nil
}

// Len is the number of mapped mblocks.
func (m *Map) Len() int {
	return len(m.wlens)
}

// BucketSize is the distance between consecutive mblocks in the map.
func (m *Map) BucketSize() uint64 {
	return m.bktsz
}

// Madvise applies advice to length bytes at off in mblock mbidx. Offsets
// are widened to whole pages. Mbidx 0, offset 0 and length Whole cover
// the entire map; otherwise the range may not leave the bucket.
func (m *Map) Madvise(mbidx int, off uint64, length uint64, adv Advice) error {
	madv, err := adv.madv()
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return err
	}
	var b []byte
	switch {
	case mbidx == 0 && off == 0 && length == Whole:
		b = m.region
	case mbidx < 0 || mbidx >= m.Len():
		return merr.E(merr.EINVAL, "mblock index out of range")
	case off > m.bktsz || length > m.bktsz-off:
		return merr.E(merr.EINVAL, "advice range leaves bucket")
	default:
		base := uint64(mbidx) * m.bktsz
		start := base + util.AlignDown(off, common.PageSize)
		end := base + util.AlignUp(off+length, common.PageSize)
		b = m.region[start:end]
	}
	if len(b) == 0 {
		return nil
	}
	if err := unix.Madvise(b, madv); err != nil {
		return merr.E(err, "madvise")
	}
	return nil
}

// Purge drops the resident pages of the whole map, both from the mapping
// and from the page cache. Pages of memory-backed devices stay resident,
// since they are the data.
func (m *Map) Purge() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return err
	}
	if err := unix.Madvise(m.region, unix.MADV_DONTNEED); err != nil {
		return merr.E(err, "purge")
	}
	for i, mb := range m.mbs {
		if m.wlens[i] == 0 {
			continue
		}
		off := mb.L.Ext.Off(mb.Zonesz)
		// fadvise keeps partial pages, so cover the mapped tail page too
		n := util.AlignUp(m.wlens[i], common.PageSize)
		if err := unix.Fadvise(mb.Disk.Fd(), off, int64(n), unix.FADV_DONTNEED); err != nil {
			return merr.E(err, merr.Report{Device: mb.Disk.Path(), Offset: off, Msg: "purge"})
		}
	}
	return nil
}

// Mincore returns the number of resident pages and the number of pages
// in the map.
func (m *Map) Mincore() (rss uint64, vss uint64, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return 0, 0, err
	}
	vss = uint64(len(m.region)) / common.PageSize
	vec := make([]byte, vss)
	// x/sys has no mincore wrapper on linux
	_, _, errno := unix.Syscall(unix.SYS_MINCORE, uintptr(unsafe.Pointer(&m.region[0])),
		uintptr(len(m.region)), uintptr(unsafe.Pointer(&vec[0])))
	if errno != 0 {
		return 0, 0, merr.E(errno, "mincore")
	}
	for _, v := range vec {
		rss += uint64(v & 1)
	}
	return rss, vss, nil
}

// Base returns the bucket of mblock mbidx. Its first WriteLen bytes are
// the mblock's data and the rest reads as zeros. The slice is valid
// until Munmap.
func (m *Map) Base(mbidx int) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return nil, err
	}
	if mbidx < 0 || mbidx >= m.Len() {
		return nil, merr.E(merr.EINVAL, "mblock index out of range")
	}
	base := uint64(mbidx) * m.bktsz
	return m.region[base : base+m.bktsz : base+m.bktsz], nil
}

// Pages returns the page at each offset of mblock mbidx. Offsets must be
// page aligned and inside the bucket.
func (m *Map) Pages(mbidx int, offsets []uint64) ([][]byte, error) {
	b, err := m.Base(mbidx)
	if err != nil {
		return nil, err
	}
	pages := make([][]byte, len(offsets))
	for i, off := range offsets {
		if !util.IsAligned(off, common.PageSize) || off >= m.bktsz {
			return nil, merr.E(merr.EINVAL, "bad page offset")
		}
		pages[i] = b[off : off+common.PageSize : off+common.PageSize]
	}
	return pages, nil
}

// WriteLen returns the data length of mblock mbidx as of the mapping.
func (m *Map) WriteLen(mbidx int) uint64 {
	return m.wlens[mbidx]
}
