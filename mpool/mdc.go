package mpool

import (
	"sync/atomic"

	"github.com/mit-pdos/go-mpool/buf"
	"github.com/mit-pdos/go-mpool/common"
	"github.com/mit-pdos/go-mpool/layout"
	"github.com/mit-pdos/go-mpool/mdc"
	"github.com/mit-pdos/go-mpool/merr"
	"github.com/mit-pdos/go-mpool/mlog"
	"github.com/mit-pdos/go-mpool/objid"
)

// MdcID names the two mlogs of an MDC.
type MdcID struct {
	Log1 objid.MlogID
	Log2 objid.MlogID
}

// MdcAlloc reserves the two mlogs of an MDC, each of capacity bytes.
func (h *Handle) MdcAlloc(class common.Mclass, capacity uint64, spare bool) (MdcID, error) {
	id1, _, err := h.MlogAlloc(class, capacity, spare)
	if err != nil {
		return MdcID{}, err
	}
	id2, _, err := h.MlogAlloc(class, capacity, spare)
	if err != nil {
		h.MlogAbort(id1)
		return MdcID{}, err
	}
	return MdcID{Log1: id1, Log2: id2}, nil
}

func (h *Handle) mdcLayouts(id MdcID) ([2]*layout.Layout, error) {
	var ls [2]*layout.Layout
	l1, err1 := h.mlogLayout(id.Log1)
	l2, err2 := h.mlogLayout(id.Log2)
	switch {
	case err1 != nil && err2 != nil:
		return ls, err1
	case err1 != nil || err2 != nil:
		if merr.Is(err1, merr.ENOENT) || merr.Is(err2, merr.ENOENT) {
			return ls, merr.E(merr.ENOENT, "mdc has only one mlog")
		}
		if err1 != nil {
			return ls, err1
		}
		return ls, err2
	}
	ls[0], ls[1] = l1, l2
	return ls, nil
}

// MdcCommit commits both mlogs of an MDC, the second at gen 2 so the
// pair never shares a gen.
func (h *Handle) MdcCommit(id MdcID) error {
	if err := h.writable(); err != nil {
		return err
	}
	ls, err := h.mdcLayouts(id)
	if err != nil {
		return err
	}
	l2 := ls[1]
	l2.Mu.Lock()
	if l2.State() == layout.StateNone {
		l2.Gen = 2
	}
	l2.Mu.Unlock()
	for _, l := range ls {
		if err := h.p.m.CommitMlog(l); err != nil {
			return err
		}
	}
	return nil
}

func (h *Handle) MdcAbort(id MdcID) error {
	if err := h.writable(); err != nil {
		return err
	}
	ls, err := h.mdcLayouts(id)
	if err != nil {
		return err
	}
	for _, l := range ls {
		if err := h.p.m.AbortMlog(l); err != nil {
			return err
		}
	}
	return nil
}

// MdcDelete deletes both mlogs of an MDC. If only one of them exists it
// fails ENOENT and deletes nothing.
func (h *Handle) MdcDelete(id MdcID) error {
	if err := h.writable(); err != nil {
		return err
	}
	ls, err := h.mdcLayouts(id)
	if err != nil {
		return err
	}
	for _, l := range ls {
		l.Mu.RLock()
		busy := l.Opens() > 0 || l.Refs() > 0
		l.Mu.RUnlock()
		if busy {
			return merr.E(merr.EBUSY, "mdc is open")
		}
	}
	for _, l := range ls {
		if err := h.p.m.Delete(l); err != nil {
			return err
		}
	}
	return nil
}

// MdcOpen opens an MDC, recovering from a compaction that a crash
// interrupted.
func (h *Handle) MdcOpen(id MdcID, flags mlog.Flags) (*MDC, error) {
	if err := h.writable(); err != nil {
		return nil, err
	}
	ls, err := h.mdcLayouts(id)
	if err != nil {
		return nil, err
	}
	opener := func(i int, csem bool) (mdc.Log, error) {
		f := flags &^ mlog.CompactSem
		if csem {
			f |= mlog.CompactSem
		}
		ml, err := h.openLayout(ls[i], f)
		if err != nil {
			return nil, err
		}
		return ml, nil
	}
	d, err := mdc.Open(opener, h.p.lg)
	if err != nil {
		return nil, err
	}
	return &MDC{id: id, d: d}, nil
}

// MDC is an open metadata container.
type MDC struct {
	id     MdcID
	d      *mdc.MDC
	closed int32
}

func (d *MDC) check() error {
	if atomic.LoadInt32(&d.closed) != 0 {
		return merr.E(merr.EINVAL, "mdc handle closed")
	}
	return nil
}

func (d *MDC) ID() MdcID {
	return d.id
}

func (d *MDC) Append(iov buf.Iov, sync bool) error {
	if err := d.check(); err != nil {
		return err
	}
	return d.d.Append(iov, sync)
}

func (d *MDC) Read(p []byte) (int, error) {
	if err := d.check(); err != nil {
		return 0, err
	}
	return d.d.Read(p)
}

func (d *MDC) SeekRead(skip uint64, p []byte) (int, error) {
	if err := d.check(); err != nil {
		return 0, err
	}
	return d.d.SeekRead(skip, p)
}

func (d *MDC) Rewind() error {
	if err := d.check(); err != nil {
		return err
	}
	return d.d.Rewind()
}

// Sync makes every appended record durable.
func (d *MDC) Sync() error {
	if err := d.check(); err != nil {
		return err
	}
	return d.d.Flush()
}

// Usage is the length of the active mlog.
func (d *MDC) Usage() uint64 {
	return d.d.Usage()
}

// Cstart begins a compaction: records appended until Cend replace the
// current content.
func (d *MDC) Cstart() error {
	if err := d.check(); err != nil {
		return err
	}
	return d.d.Cstart()
}

func (d *MDC) Cend() error {
	if err := d.check(); err != nil {
		return err
	}
	return d.d.Cend()
}

func (d *MDC) Close() error {
	if !atomic.CompareAndSwapInt32(&d.closed, 0, 1) {
		return merr.E(merr.EINVAL, "mdc handle closed")
	}
	return d.d.Close()
}
