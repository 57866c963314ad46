package mpool

import (
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/mit-pdos/go-mpool/buf"
	"github.com/mit-pdos/go-mpool/common"
	"github.com/mit-pdos/go-mpool/layout"
	"github.com/mit-pdos/go-mpool/merr"
	"github.com/mit-pdos/go-mpool/mlog"
	"github.com/mit-pdos/go-mpool/objid"
)

type MlogProps struct {
	ID        objid.MlogID
	Class     common.Mclass
	Cap       uint64
	Gen       uint64
	UUID      uuid.UUID
	Committed bool
}

func (h *Handle) mlogLayout(id objid.MlogID) (*layout.Layout, error) {
	if err := h.check(); err != nil {
		return nil, err
	}
	if id.ID().Type() != objid.TypeMlog {
		return nil, merr.E(merr.EINVAL, id.String()+" is not an mlog")
	}
	return h.p.m.Get(id.ID())
}

func (h *Handle) mlogProps(l *layout.Layout) MlogProps {
	l.Mu.RLock()
	defer l.Mu.RUnlock()
	return MlogProps{
		ID:        objid.MlogID(l.ID),
		Class:     l.Class,
		Cap:       uint64(h.p.m.Region(l).Len),
		Gen:       l.Gen,
		UUID:      l.UUID,
		Committed: l.State() == layout.StateCommitted,
	}
}

// MlogAlloc reserves an mlog of at least capacity bytes in class.
func (h *Handle) MlogAlloc(class common.Mclass, capacity uint64, spare bool) (objid.MlogID, MlogProps, error) {
	if err := h.writable(); err != nil {
		return 0, MlogProps{}, err
	}
	l, err := h.p.m.Alloc(objid.TypeMlog, class, capacity, spare)
	if err != nil {
		return 0, MlogProps{}, err
	}
	return objid.MlogID(l.ID), h.mlogProps(l), nil
}

func (h *Handle) MlogFind(id objid.MlogID) (MlogProps, error) {
	l, err := h.mlogLayout(id)
	if err != nil {
		return MlogProps{}, err
	}
	return h.mlogProps(l), nil
}

// MlogCommit formats an allocated mlog empty and makes it permanent.
func (h *Handle) MlogCommit(id objid.MlogID) error {
	if err := h.writable(); err != nil {
		return err
	}
	l, err := h.mlogLayout(id)
	if err != nil {
		return err
	}
	return h.p.m.CommitMlog(l)
}

func (h *Handle) MlogAbort(id objid.MlogID) error {
	if err := h.writable(); err != nil {
		return err
	}
	l, err := h.mlogLayout(id)
	if err != nil {
		return err
	}
	return h.p.m.AbortMlog(l)
}

// MlogDelete removes a committed mlog. It fails EBUSY while it is open.
func (h *Handle) MlogDelete(id objid.MlogID) error {
	if err := h.writable(); err != nil {
		return err
	}
	l, err := h.mlogLayout(id)
	if err != nil {
		return err
	}
	return h.p.m.Delete(l)
}

// MlogOpen opens a committed mlog. All openers of an mlog share one
// read iterator and append buffer. Opens with and without SkipSer may
// not be mixed.
func (h *Handle) MlogOpen(id objid.MlogID, flags mlog.Flags) (*Mlog, error) {
	l, err := h.mlogLayout(id)
	if err != nil {
		return nil, err
	}
	return h.openLayout(l, flags)
}

func (h *Handle) openLayout(l *layout.Layout, flags mlog.Flags) (*Mlog, error) {
	l.Mu.Lock()
	defer l.Mu.Unlock()
	switch l.State() {
	case layout.StateRemoved:
		return nil, merr.E(merr.ENOENT, "mlog "+l.ID.String())
	case layout.StateNone:
		return nil, merr.E(merr.EINVAL, "open of uncommitted mlog "+l.ID.String())
	}
	skip := flags&mlog.SkipSer != 0
	var lg *mlog.Log
	if l.Opens() > 0 {
		if l.SkipSer != skip {
			return nil, merr.E(merr.EINVAL, "serialized and unserialized opens of mlog "+l.ID.String())
		}
		lg = l.Stat.(*mlog.Log)
		if flags&mlog.CompactSem != 0 && lg.Compacting() {
			return nil, merr.E(merr.EMSGSIZE, "compaction started but not ended")
		}
	} else {
		opts := mlog.Options{Flags: flags, Force4KA: h.p.m.Props().Force4KA, Logger: h.p.lg}
		var err error
		lg, err = mlog.Open(h.p.m.Region(l), l.UUID, l.Gen, opts)
		if err != nil {
			return nil, err
		}
		l.Gen = lg.Gen()
	}
	l.OpenStat(lg, skip)
	h.hold()
	return &Mlog{h: h, l: l, log: lg}, nil
}

// Mlog is an open mlog.
type Mlog struct {
	h      *Handle
	l      *layout.Layout
	log    *mlog.Log
	closed int32
}

func (m *Mlog) check() error {
	if atomic.LoadInt32(&m.closed) != 0 {
		return merr.E(merr.EINVAL, "mlog handle closed")
	}
	return nil
}

func (m *Mlog) writable() error {
	if err := m.check(); err != nil {
		return err
	}
	if m.h.flags&common.ORdwr == 0 {
		return merr.E(merr.EPERM, "pool opened read-only")
	}
	return nil
}

func (m *Mlog) ID() objid.MlogID {
	return objid.MlogID(m.l.ID)
}

// Append adds one record made of iov. With sync set the record is
// durable when Append returns.
func (m *Mlog) Append(iov buf.Iov, sync bool) error {
	if err := m.writable(); err != nil {
		return err
	}
	return m.log.Append(iov, sync)
}

func (m *Mlog) AppendCstart() error {
	if err := m.writable(); err != nil {
		return err
	}
	return m.log.AppendCstart()
}

func (m *Mlog) AppendCend() error {
	if err := m.writable(); err != nil {
		return err
	}
	return m.log.AppendCend()
}

// Flush makes every appended record durable.
func (m *Mlog) Flush() error {
	if err := m.writable(); err != nil {
		return err
	}
	return m.log.Flush()
}

func (m *Mlog) Read(p []byte) (int, error) {
	if err := m.check(); err != nil {
		return 0, err
	}
	return m.log.Read(p)
}

func (m *Mlog) SeekRead(skip uint64, p []byte) (int, error) {
	if err := m.check(); err != nil {
		return 0, err
	}
	return m.log.SeekRead(skip, p)
}

func (m *Mlog) Rewind() error {
	if err := m.check(); err != nil {
		return err
	}
	return m.log.Rewind()
}

// Erase empties the mlog and moves it to a gen of at least mingen.
func (m *Mlog) Erase(mingen uint64) error {
	if err := m.writable(); err != nil {
		return err
	}
	m.l.Mu.Lock()
	defer m.l.Mu.Unlock()
	err := m.log.Erase(mingen)
	m.l.Gen = m.log.Gen()
	return err
}

func (m *Mlog) Gen() uint64 {
	return m.log.Gen()
}

func (m *Mlog) Empty() bool {
	return m.log.Empty()
}

func (m *Mlog) Len() uint64 {
	return m.log.Len()
}

func (m *Mlog) Cap() uint64 {
	return m.log.Cap()
}

// Close releases the handle. The last close of an mlog flushes it.
func (m *Mlog) Close() error {
	if !atomic.CompareAndSwapInt32(&m.closed, 0, 1) {
		return merr.E(merr.EINVAL, "mlog handle closed")
	}
	m.l.Mu.Lock()
	err := m.l.CloseStat()
	m.l.Mu.Unlock()
	m.h.put()
	return err
}
