// Package mblock implements the write and read rules of mblocks:
// immutable, append-once, page-aligned data objects.
//
// An mblock is written front to back by one writer at a time. Each write
// is all or nothing; on failure the write length does not move and the
// bytes that may have reached media stay invisible. Every write but the
// last must be a multiple of the optimal write size; the last need only
// be a multiple of the page size, and once such a short write lands the
// mblock takes no more data. Commit freezes the write length.
package mblock

import (
	"github.com/mit-pdos/go-mpool/buf"
	"github.com/mit-pdos/go-mpool/common"
	"github.com/mit-pdos/go-mpool/disk"
	"github.com/mit-pdos/go-mpool/layout"
	"github.com/mit-pdos/go-mpool/lockmap"
	"github.com/mit-pdos/go-mpool/merr"
	"github.com/mit-pdos/go-mpool/objid"
	"github.com/mit-pdos/go-mpool/util"
)

// Props are the properties reported by find and alloc.
type Props struct {
	ID          objid.ID
	Class       common.Mclass
	AllocCap    uint64
	WriteLen    uint64
	OptimalWrsz uint64
	Committed   bool
}

// Mblock binds an mblock's layout to the device and zone size it lives on.
type Mblock struct {
	L      *layout.Layout
	Disk   disk.Disk
	Zonesz uint64
}

func (m Mblock) off() int64 {
	return m.L.Ext.Off(m.Zonesz)
}

// Cap is the allocated capacity in bytes.
func (m Mblock) Cap() uint64 {
	return uint64(m.L.Ext.Len(m.Zonesz))
}

// OptimalWrsz is the device's optimal I/O size rounded up to whole pages,
// and never more than the mblock's capacity.
func (m Mblock) OptimalWrsz() uint64 {
	return OptimalWrsz(m.Disk, m.Cap())
}

func OptimalWrsz(d disk.Disk, capacity uint64) uint64 {
	sz := util.AlignUp(uint64(d.OptimalIOSize()), common.PageSize)
	if sz == 0 {
		sz = common.PageSize
	}
	return util.Min(sz, capacity)
}

func (m Mblock) Props() Props {
	m.L.Mu.RLock()
	defer m.L.Mu.RUnlock()
	return Props{
		ID:          m.L.ID,
		Class:       m.L.Class,
		AllocCap:    m.Cap(),
		WriteLen:    m.L.WriteLen,
		OptimalWrsz: m.OptimalWrsz(),
		Committed:   m.L.State() == layout.StateCommitted,
	}
}

// Engine serializes writers per mblock.
type Engine struct {
	writers *lockmap.LockMap
}

func MkEngine() *Engine {
	return &Engine{writers: lockmap.MkLockMap()}
}

func (e *Engine) Write(m Mblock, iov buf.Iov) error {
	id := uint64(m.L.ID)
	if !e.writers.TryAcquire(id) {
		return merr.E(merr.EBUSY, "concurrent write to mblock "+m.L.ID.String())
	}
	defer e.writers.Release(id)

	n := buf.Len(iov)
	m.L.Mu.RLock()
	state, wlen := m.L.State(), m.L.WriteLen
	m.L.Mu.RUnlock()

	if err := checkState(m.L.ID, state); err != nil {
		return err
	}
	opt := m.OptimalWrsz()
	switch {
	case n == 0 || !util.IsAligned(n, common.PageSize):
		return merr.E(merr.EINVAL, "mblock write length not a page multiple")
	case wlen%opt != 0:
		return merr.E(merr.EINVAL, "mblock write after final segment")
	case wlen+n > m.Cap():
		return merr.E(merr.EINVAL, "mblock write exceeds allocated capacity")
	}

	if err := m.Disk.WriteAt(buf.Flatten(iov), m.off()+int64(wlen)); err != nil {
		return merr.E(err, "mblock write "+m.L.ID.String())
	}
	m.L.Mu.Lock()
	m.L.WriteLen = wlen + n
	m.L.Mu.Unlock()
	util.DPrintf(5, "mblock %v: wrote %d at %d\n", m.L.ID, n, wlen)
	return nil
}

func checkState(id objid.ID, s layout.State) error {
	switch s {
	case layout.StateCommitted:
		return merr.E(merr.EINVAL, "write to committed mblock "+id.String())
	case layout.StateRemoved:
		return merr.E(merr.ENOENT, "mblock "+id.String())
	}
	return nil
}

// Commit makes the written bytes durable and freezes the write length.
// It waits for an in-flight write to finish. persist, if set, runs with
// the layout locked just before the state changes; its failure leaves
// the mblock uncommitted.
func (e *Engine) Commit(m Mblock, persist func() error) error {
	id := uint64(m.L.ID)
	e.writers.Acquire(id)
	defer e.writers.Release(id)
	if err := m.Disk.Barrier(); err != nil {
		return merr.E(err, "mblock commit "+m.L.ID.String())
	}
	m.L.Mu.Lock()
	defer m.L.Mu.Unlock()
	if err := checkState(m.L.ID, m.L.State()); err != nil {
		return err
	}
	if persist != nil {
		if err := persist(); err != nil {
			return err
		}
	}
	return m.L.Commit()
}

// Abort waits for an in-flight write, then releases the uncommitted
// mblock through release, which runs with the layout locked.
func (e *Engine) Abort(m Mblock, release func() error) error {
	id := uint64(m.L.ID)
	e.writers.Acquire(id)
	defer e.writers.Release(id)
	m.L.Mu.Lock()
	defer m.L.Mu.Unlock()
	if err := m.L.Remove(true); err != nil {
		return err
	}
	if release != nil {
		return release()
	}
	return nil
}

// Read fills iov from byte off of a committed mblock. off must be page
// aligned and the whole range must lie within the write length.
func (e *Engine) Read(m Mblock, iov buf.Iov, off uint64) error {
	n := buf.Len(iov)
	m.L.Mu.RLock()
	state, wlen := m.L.State(), m.L.WriteLen
	m.L.Mu.RUnlock()
	switch {
	case state == layout.StateRemoved:
		return merr.E(merr.ENOENT, "mblock "+m.L.ID.String())
	case state != layout.StateCommitted:
		return merr.E(merr.EINVAL, "read of uncommitted mblock")
	case !util.IsAligned(off, common.PageSize):
		return merr.E(merr.EINVAL, "mblock read offset not page aligned")
	case off >= wlen || n > wlen-off:
		return merr.E(merr.EINVAL, "mblock read beyond write length")
	}
	if len(iov) == 1 {
		return m.Disk.ReadAt(iov[0], m.off()+int64(off))
	}
	p := make([]byte, n)
	if err := m.Disk.ReadAt(p, m.off()+int64(off)); err != nil {
		return err
	}
	buf.Scatter(p, iov)
	return nil
}
