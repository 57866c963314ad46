// Package obj manages the objects of an activated pool: the devices of
// each media class and their zone allocators, the table of live object
// layouts, and the metadata containers that journal object lifecycle.
//
// MDC0 is a pair of mlogs at fixed extents on the primary device, named
// by the device's descriptor. It holds the metadata version, the pool
// properties, one record per media-class device, and the create records
// of the mlogs that make up MDC1..N. MDCk journals create and delete
// records for user objects whose id carries slot k. Objects are only
// journaled when they are committed, so an uncommitted object vanishes
// with the activation that allocated it.
package obj

import (
	"sync"

	"github.com/google/uuid"
	"github.com/grailbio/base/log"
	"golang.org/x/sync/errgroup"

	"github.com/mit-pdos/go-mpool/addr"
	"github.com/mit-pdos/go-mpool/alloc"
	"github.com/mit-pdos/go-mpool/common"
	"github.com/mit-pdos/go-mpool/disk"
	"github.com/mit-pdos/go-mpool/layout"
	"github.com/mit-pdos/go-mpool/mdc"
	"github.com/mit-pdos/go-mpool/merr"
	"github.com/mit-pdos/go-mpool/mlog"
	"github.com/mit-pdos/go-mpool/objid"
	"github.com/mit-pdos/go-mpool/super"
	"github.com/mit-pdos/go-mpool/util"
)

// ZoneSize is the allocation unit on every pool device.
const ZoneSize = common.MiB

// Device is a pool device with its descriptor and zone allocator.
type Device struct {
	Disk  disk.Disk
	Desc  *super.Descriptor
	alloc *alloc.Alloc
}

// MkDevice wraps d. The header zone, and on the primary device the MDC0
// extents, are never allocated.
func MkDevice(d disk.Disk, desc *super.Descriptor) *Device {
	a := alloc.MkAlloc(desc.Zonetot)
	a.MarkUsed(0, 1)
	if desc.Primary {
		for _, l := range desc.Mdc0 {
			a.MarkUsed(l.Ext.Zaddr, l.Ext.Zcnt)
		}
	}
	return &Device{Disk: d, Desc: desc, alloc: a}
}

func (dev *Device) region(ext addr.Extent) mlog.Region {
	return mlog.Region{
		Disk: dev.Disk,
		Off:  ext.Off(dev.Desc.Zonesz),
		Len:  ext.Len(dev.Desc.Zonesz),
	}
}

func (dev *Device) setSpare(pct uint64) {
	dev.alloc.SetReserve(dev.Desc.Zonetot * pct / 100)
}

type Manager struct {
	mu    *sync.Mutex // guards devs, props, uniq and next
	devs  [common.MclassCount]*Device
	props Props
	uniq  uint64
	next  uint64

	table *layout.Table
	mdcs  []*metaMDC
	lg    *util.Logger
}

func mkManager(devs []*Device, lg *util.Logger) (*Manager, error) {
	m := &Manager{
		mu:    new(sync.Mutex),
		table: layout.MkTable(),
		next:  1,
		lg:    lg,
	}
	var primary *Device
	for _, dev := range devs {
		if m.devs[dev.Desc.Mclass] != nil {
			return nil, merr.E(merr.EEXIST, "two devices in media class "+dev.Desc.Mclass.String(),
				merr.Report{Device: dev.Disk.Path(), Offset: -1})
		}
		m.devs[dev.Desc.Mclass] = dev
		if dev.Desc.Primary {
			primary = dev
		}
	}
	if primary == nil {
		return nil, merr.E(merr.ENOENT, "pool has no primary device")
	}
	m.mdcs = []*metaMDC{mkMetaMDC(0)}
	return m, nil
}

func (m *Manager) primary() *Device {
	for _, dev := range m.devs {
		if dev != nil && dev.Desc.Primary {
			return dev
		}
	}
	panic("obj: no primary device")
}

func validProps(p Props) error {
	for _, sz := range p.MblockSz {
		if !util.IsPow2(sz) || sz < common.MinMblockSizeMiB || sz > common.MaxMblockSizeMiB {
			return merr.E(merr.EINVAL, "mblock size must be a power of two MiB in [1,64]")
		}
	}
	switch {
	case p.MdcNum == 0 || p.MdcNum > objid.MaxSlot:
		return merr.E(merr.EINVAL, "bad number of metadata containers")
	case p.MdcnCap < ZoneSize:
		return merr.E(merr.EINVAL, "metadata container capacity below one zone")
	case p.Spare > 50:
		return merr.E(merr.EINVAL, "spare percentage above 50")
	case len(p.Label) > maxLabelLen:
		return merr.E(merr.EINVAL, "label too long")
	}
	return nil
}

// Format lays out a new pool on its primary device: the descriptor,
// MDC0, and the logs of MDC1..N. The caller writes the superblock once
// Format succeeds, so a crash here leaves no pool behind.
func Format(d disk.Disk, class common.Mclass, props Props, mdc0cap uint64, lg *util.Logger) (*super.Descriptor, error) {
	if err := validProps(props); err != nil {
		return nil, err
	}
	if !class.Valid() {
		return nil, merr.E(merr.EINVAL, "bad media class")
	}
	z0 := util.RoundUp(mdc0cap, ZoneSize)
	desc := &super.Descriptor{
		DevUUID: uuid.New(),
		Mclass:  class,
		Primary: true,
		Zonesz:  ZoneSize,
		Zonetot: uint64(d.Size()) / ZoneSize,
		Sectsz:  uint64(d.SectorSize()),
	}
	if z0 == 0 || 1+2*z0 > desc.Zonetot {
		return nil, merr.E(merr.ENOSPC, "device too small for MDC0",
			merr.Report{Device: d.Path(), Offset: -1})
	}
	for i := range desc.Mdc0 {
		desc.Mdc0[i] = super.LogDesc{Ext: addr.MkExtent(1+uint64(i)*z0, z0), UUID: uuid.New()}
	}
	dev := MkDevice(d, desc)
	for i, l := range desc.Mdc0 {
		if err := mlog.Format(dev.region(l.Ext), l.UUID, uint64(i+1), true); err != nil {
			return nil, err
		}
	}
	if err := super.WriteDescriptor(d, desc); err != nil {
		return nil, err
	}

	m, err := mkManager([]*Device{dev}, lg)
	if err != nil {
		return nil, err
	}
	m.props = props
	dev.setSpare(props.Spare)
	if err := m.openMdc0(); err != nil {
		return nil, err
	}
	defer m.Close()
	if err := m.snapshotTo(0); err != nil {
		return nil, err
	}
	for k := uint64(1); k <= props.MdcNum; k++ {
		if err := m.createMdc(k); err != nil {
			return nil, err
		}
	}
	util.DPrintf(1, "obj: formatted %s with %d mdcs\n", d.Path(), props.MdcNum)
	return desc, nil
}

// Open activates the metadata of a pool from its devices.
func Open(devs []*Device, lg *util.Logger) (*Manager, error) {
	m, err := mkManager(devs, lg)
	if err != nil {
		return nil, err
	}
	if err := m.openMdc0(); err != nil {
		return nil, err
	}
	if err := m.replay0(); err != nil {
		m.Close()
		return nil, err
	}
	for _, dev := range m.devs {
		if dev != nil {
			dev.setSpare(m.props.Spare)
		}
	}
	if err := m.openMdcs(); err != nil {
		m.Close()
		return nil, err
	}
	m.next = m.uniq%m.props.MdcNum + 1
	lg.Printf(log.Info, "obj: activated with %d objects", m.NumObjects())
	return m, nil
}

// createMdc allocates, formats and journals the two logs of MDCk.
func (m *Manager) createMdc(k uint64) error {
	class := m.primary().Desc.Mclass
	for i := 0; i < 2; i++ {
		l, err := m.allocAs(mdcLogID(k, i), class, m.props.MdcnCap, true)
		if err != nil {
			return err
		}
		l.Gen = uint64(i + 1)
		dev := m.devs[class]
		if err := mlog.Format(dev.region(l.Ext), l.UUID, l.Gen, true); err != nil {
			return err
		}
		l.Mu.Lock()
		err = m.Persist(l)
		if err == nil {
			err = l.Commit()
		}
		l.Mu.Unlock()
		if err != nil {
			return err
		}
	}
	return nil
}

// mdcLogID names log i of MDCk. Slot 0 is never handed out to users.
func mdcLogID(k uint64, i int) objid.ID {
	return objid.Make(objid.TypeMlog, 0, 2*k+uint64(i))
}

func (m *Manager) openMdcs() error {
	var g errgroup.Group
	mdcs := make([]*metaMDC, m.props.MdcNum+1)
	mdcs[0] = m.mdcs[0]
	for k := uint64(1); k <= m.props.MdcNum; k++ {
		mm := mkMetaMDC(k)
		mdcs[k] = mm
		g.Go(func() error {
			var ls [2]*layout.Layout
			for i := range ls {
				l, err := m.table.Get(mdcLogID(k, i))
				if err != nil {
					return merr.E(err, "metadata container log missing")
				}
				ls[i] = l
			}
			d, err := mdc.Open(m.metaOpener(ls), m.lg)
			if err != nil {
				return err
			}
			mm.mdc = d
			return m.replay(mm)
		})
	}
	err := g.Wait()
	m.mdcs = mdcs
	return err
}

// metaOpener opens metadata logs. Metadata logs always flush whole pages.
func (m *Manager) metaOpener(ls [2]*layout.Layout) mdc.Opener {
	return func(i int, csem bool) (mdc.Log, error) {
		l := ls[i]
		var flags mlog.Flags
		if csem {
			flags = mlog.CompactSem
		}
		rgn := m.Region(l)
		ml, err := mlog.Open(rgn, l.UUID, l.Gen, mlog.Options{Flags: flags, Force4KA: true, Logger: m.lg})
		if err != nil {
			return nil, err
		}
		return ml, nil
	}
}

func (m *Manager) openMdc0() error {
	p := m.primary()
	opener := func(i int, csem bool) (mdc.Log, error) {
		ld := p.Desc.Mdc0[i]
		var flags mlog.Flags
		if csem {
			flags = mlog.CompactSem
		}
		l, err := mlog.Open(p.region(ld.Ext), ld.UUID, 1, mlog.Options{Flags: flags, Force4KA: true, Logger: m.lg})
		if err != nil {
			return nil, err
		}
		return l, nil
	}
	d, err := mdc.Open(opener, m.lg)
	if err != nil {
		return err
	}
	m.mdcs[0].mdc = d
	return nil
}

// Close closes the metadata containers. Devices stay open.
func (m *Manager) Close() error {
	var first error
	for _, mm := range m.mdcs {
		if mm == nil || mm.mdc == nil {
			continue
		}
		mm.mu.Lock()
		if err := mm.mdc.Close(); err != nil && first == nil {
			first = err
		}
		mm.mdc = nil
		mm.mu.Unlock()
	}
	return first
}

// MblockSize is the capacity in bytes of mblocks allocated in class.
func (m *Manager) MblockSize(class common.Mclass) uint64 {
	return m.Props().MblockSz[class] * common.MiB
}

func (m *Manager) Props() Props {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.props
}

// SetProps journals new pool properties. Only the ownership, mode and
// label may change.
func (m *Manager) SetProps(p Props) error {
	cur := m.Props()
	if p.MblockSz != cur.MblockSz || p.MdcNum != cur.MdcNum || p.MdcnCap != cur.MdcnCap ||
		p.Spare != cur.Spare || p.Force4KA != cur.Force4KA {
		return merr.E(merr.EINVAL, "property cannot change after create")
	}
	if len(p.Label) > maxLabelLen {
		return merr.E(merr.EINVAL, "label too long")
	}
	return m.journal(0, &record{kind: recProps, props: p}, func() {
		m.mu.Lock()
		m.props = p
		m.mu.Unlock()
	})
}

// Devices returns the pool devices by media class.
func (m *Manager) Devices() []*Device {
	m.mu.Lock()
	defer m.mu.Unlock()
	var devs []*Device
	for _, dev := range m.devs {
		if dev != nil {
			devs = append(devs, dev)
		}
	}
	return devs
}

// AddDevice joins d to the pool as the device of class. The caller
// writes the superblock afterwards.
func (m *Manager) AddDevice(d disk.Disk, class common.Mclass) (*super.Descriptor, error) {
	if !class.Valid() {
		return nil, merr.E(merr.EINVAL, "bad media class")
	}
	m.mu.Lock()
	busy := m.devs[class] != nil
	m.mu.Unlock()
	if busy {
		return nil, merr.E(merr.EEXIST, "media class "+class.String()+" already has a device")
	}
	desc := &super.Descriptor{
		DevUUID: uuid.New(),
		Mclass:  class,
		Zonesz:  ZoneSize,
		Zonetot: uint64(d.Size()) / ZoneSize,
		Sectsz:  uint64(d.SectorSize()),
	}
	if desc.Zonetot < 2 {
		return nil, merr.E(merr.ENOSPC, "device too small", merr.Report{Device: d.Path(), Offset: -1})
	}
	if err := super.WriteDescriptor(d, desc); err != nil {
		return nil, err
	}
	dev := MkDevice(d, desc)
	dev.setSpare(m.Props().Spare)
	err := m.journal(0, &record{kind: recMclass, class: class, dev: desc.DevUUID}, func() {
		m.mu.Lock()
		m.devs[class] = dev
		m.mu.Unlock()
	})
	if err != nil {
		return nil, err
	}
	return desc, nil
}

// ClassUsage is the space accounting of one media class.
type ClassUsage struct {
	Class   common.Mclass
	Total   uint64
	Used    uint64
	Mblocks uint64
	Mlogs   uint64
}

// Usage reports space and object counts per media class. Metadata logs
// count as used space but not as objects.
func (m *Manager) Usage() []ClassUsage {
	var us []ClassUsage
	for _, dev := range m.Devices() {
		a := dev.alloc
		us = append(us, ClassUsage{
			Class: dev.Desc.Mclass,
			Total: a.NumZones() * dev.Desc.Zonesz,
			Used:  (a.NumZones() - a.NumFree()) * dev.Desc.Zonesz,
		})
	}
	m.table.Range(func(l *layout.Layout) bool {
		if l.ID.Slot() == 0 {
			return true
		}
		for i := range us {
			if us[i].Class != l.Class {
				continue
			}
			if l.ID.Type() == objid.TypeMblock {
				us[i].Mblocks++
			} else {
				us[i].Mlogs++
			}
		}
		return true
	})
	return us
}

// NumObjects counts user objects.
func (m *Manager) NumObjects() int {
	n := 0
	m.table.Range(func(l *layout.Layout) bool {
		if l.ID.Slot() != 0 {
			n++
		}
		return true
	})
	return n
}
