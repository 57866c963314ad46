package mpool

import (
	"github.com/mit-pdos/go-mpool/buf"
	"github.com/mit-pdos/go-mpool/common"
	"github.com/mit-pdos/go-mpool/mblock"
	"github.com/mit-pdos/go-mpool/merr"
	"github.com/mit-pdos/go-mpool/objid"
)

func (h *Handle) mblock(id objid.MblockID) (mblock.Mblock, error) {
	if err := h.check(); err != nil {
		return mblock.Mblock{}, err
	}
	if id.ID().Type() != objid.TypeMblock {
		return mblock.Mblock{}, merr.E(merr.EINVAL, id.String()+" is not an mblock")
	}
	l, err := h.p.m.Get(id.ID())
	if err != nil {
		return mblock.Mblock{}, err
	}
	return h.p.m.Mblock(l), nil
}

// MblockAlloc reserves an mblock of the pool's mblock size for class.
// Without spare it may not use the class's spare space.
func (h *Handle) MblockAlloc(class common.Mclass, spare bool) (objid.MblockID, mblock.Props, error) {
	if err := h.writable(); err != nil {
		return 0, mblock.Props{}, err
	}
	if !class.Valid() {
		return 0, mblock.Props{}, merr.E(merr.EINVAL, "bad media class")
	}
	l, err := h.p.m.Alloc(objid.TypeMblock, class, h.p.m.MblockSize(class), spare)
	if err != nil {
		return 0, mblock.Props{}, err
	}
	return objid.MblockID(l.ID), h.p.m.Mblock(l).Props(), nil
}

// MblockFind returns the properties of an mblock, committed or not.
func (h *Handle) MblockFind(id objid.MblockID) (mblock.Props, error) {
	mb, err := h.mblock(id)
	if err != nil {
		return mblock.Props{}, err
	}
	return mb.Props(), nil
}

// MblockWrite appends iov to an uncommitted mblock. The write is all or
// nothing.
func (h *Handle) MblockWrite(id objid.MblockID, iov buf.Iov) error {
	if err := h.writable(); err != nil {
		return err
	}
	mb, err := h.mblock(id)
	if err != nil {
		return err
	}
	return h.p.e.Write(mb, iov)
}

// MblockRead fills iov from a committed mblock starting at off.
func (h *Handle) MblockRead(id objid.MblockID, iov buf.Iov, off uint64) error {
	mb, err := h.mblock(id)
	if err != nil {
		return err
	}
	return h.p.e.Read(mb, iov, off)
}

// MblockCommit makes an mblock permanent and readable.
func (h *Handle) MblockCommit(id objid.MblockID) error {
	if err := h.writable(); err != nil {
		return err
	}
	mb, err := h.mblock(id)
	if err != nil {
		return err
	}
	return h.p.e.Commit(mb, func() error { return h.p.m.Persist(mb.L) })
}

// MblockAbort drops an uncommitted mblock.
func (h *Handle) MblockAbort(id objid.MblockID) error {
	if err := h.writable(); err != nil {
		return err
	}
	mb, err := h.mblock(id)
	if err != nil {
		return err
	}
	return h.p.e.Abort(mb, func() error { return h.p.m.Release(mb.L) })
}

// MblockDelete removes a committed mblock. It fails EBUSY while the
// mblock is mapped.
func (h *Handle) MblockDelete(id objid.MblockID) error {
	if err := h.writable(); err != nil {
		return err
	}
	mb, err := h.mblock(id)
	if err != nil {
		return err
	}
	return h.p.m.Delete(mb.L)
}
