package obj

import (
	"github.com/google/uuid"

	"github.com/mit-pdos/go-mpool/addr"
	"github.com/mit-pdos/go-mpool/common"
	"github.com/mit-pdos/go-mpool/layout"
	"github.com/mit-pdos/go-mpool/mblock"
	"github.com/mit-pdos/go-mpool/merr"
	"github.com/mit-pdos/go-mpool/mlog"
	"github.com/mit-pdos/go-mpool/objid"
	"github.com/mit-pdos/go-mpool/util"
)

// Alloc reserves zones for a new object of type t in class and returns
// its uncommitted layout. The slot, and so the journaling container, is
// assigned round-robin. Without spare the allocation may not dip into
// the class's spare zones.
func (m *Manager) Alloc(t objid.Type, class common.Mclass, capacity uint64, spare bool) (*layout.Layout, error) {
	if t != objid.TypeMblock && t != objid.TypeMlog {
		return nil, merr.E(merr.EINVAL, "bad object type")
	}
	m.mu.Lock()
	m.uniq++
	slot := m.next
	m.next = m.next%m.props.MdcNum + 1
	id := objid.Make(t, uint8(slot), m.uniq)
	m.mu.Unlock()
	return m.allocAs(id, class, capacity, spare)
}

func (m *Manager) allocAs(id objid.ID, class common.Mclass, capacity uint64, spare bool) (*layout.Layout, error) {
	if !class.Valid() {
		return nil, merr.E(merr.EINVAL, "bad media class")
	}
	m.mu.Lock()
	dev := m.devs[class]
	m.mu.Unlock()
	if dev == nil {
		return nil, merr.E(merr.ENOSPC, "no device in media class "+class.String())
	}
	if capacity == 0 {
		return nil, merr.E(merr.EINVAL, "zero capacity")
	}
	zcnt := util.RoundUp(capacity, dev.Desc.Zonesz)
	start, ok := dev.alloc.AllocRange(zcnt, spare)
	if !ok {
		return nil, merr.E(merr.ENOSPC, "no space in media class "+class.String())
	}
	l := layout.MkLayout(id, class, addr.MkExtent(start, zcnt), uuid.New(), 1)
	if err := m.table.Insert(l); err != nil {
		dev.alloc.FreeRange(start, zcnt)
		return nil, err
	}
	util.DPrintf(3, "obj: alloc %v at %v\n", id, l.Ext)
	return l, nil
}

// Get returns the layout of a user object.
func (m *Manager) Get(id objid.ID) (*layout.Layout, error) {
	if !id.Valid() {
		return nil, merr.E(merr.EINVAL, "bad object id "+id.String())
	}
	return m.table.Get(id)
}

func (m *Manager) device(class common.Mclass) *Device {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.devs[class]
}

// Region is where an mlog lives.
func (m *Manager) Region(l *layout.Layout) mlog.Region {
	return m.device(l.Class).region(l.Ext)
}

// Mblock binds an mblock layout to its device.
func (m *Manager) Mblock(l *layout.Layout) mblock.Mblock {
	dev := m.device(l.Class)
	return mblock.Mblock{L: l, Disk: dev.Disk, Zonesz: dev.Desc.Zonesz}
}

// Persist journals the create record of l. The caller holds l.Mu
// exclusively and commits l once Persist succeeds.
func (m *Manager) Persist(l *layout.Layout) error {
	k := uint64(l.ID.Slot())
	rec := createRecord(l.ID, l.Class, l.Ext, l.UUID, l.Gen, l.WriteLen)
	return m.journal(k, rec, func() {
		m.mdcs[k].live[l.ID] = l
	})
}

// CommitMlog formats an uncommitted mlog and makes it permanent.
func (m *Manager) CommitMlog(l *layout.Layout) error {
	l.Mu.Lock()
	defer l.Mu.Unlock()
	if l.State() != layout.StateNone {
		return merr.E(merr.EINVAL, "commit of "+l.State().String()+" mlog")
	}
	if err := mlog.Format(m.Region(l), l.UUID, l.Gen, m.Props().Force4KA); err != nil {
		return err
	}
	if err := m.Persist(l); err != nil {
		return err
	}
	return l.Commit()
}

// Release frees the zones of an aborted object. The caller holds l.Mu
// exclusively and has moved l to REMOVED.
func (m *Manager) Release(l *layout.Layout) error {
	m.table.Delete(l.ID)
	m.device(l.Class).alloc.FreeRange(l.Ext.Zaddr, l.Ext.Zcnt)
	return nil
}

// AbortMlog drops an uncommitted mlog.
func (m *Manager) AbortMlog(l *layout.Layout) error {
	l.Mu.Lock()
	defer l.Mu.Unlock()
	if err := l.Remove(true); err != nil {
		return err
	}
	return m.Release(l)
}

// Delete journals the removal of a committed object and frees it. It
// fails EBUSY while the object is open or mapped.
func (m *Manager) Delete(l *layout.Layout) error {
	l.Mu.Lock()
	defer l.Mu.Unlock()
	switch {
	case l.State() == layout.StateRemoved:
		return merr.E(merr.ENOENT, "object "+l.ID.String())
	case l.State() != layout.StateCommitted:
		return merr.E(merr.EINVAL, "delete of uncommitted object")
	case l.Refs() > 0 || l.Opens() > 0:
		return merr.E(merr.EBUSY, "object "+l.ID.String()+" in use")
	}
	k := uint64(l.ID.Slot())
	err := m.journal(k, &record{kind: recDelete, id: l.ID}, func() {
		delete(m.mdcs[k].live, l.ID)
	})
	if err != nil {
		return err
	}
	if err := l.Remove(false); err != nil {
		return err
	}
	return m.Release(l)
}
