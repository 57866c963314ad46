package obj

import (
	"io"
	"sort"
	"sync"

	"github.com/grailbio/base/log"

	"github.com/mit-pdos/go-mpool/buf"
	"github.com/mit-pdos/go-mpool/layout"
	"github.com/mit-pdos/go-mpool/mdc"
	"github.com/mit-pdos/go-mpool/merr"
	"github.com/mit-pdos/go-mpool/objid"
	"github.com/mit-pdos/go-mpool/util"
)

// metaMDC is one metadata container and the committed objects it
// journals.
type metaMDC struct {
	k    uint64
	mu   *sync.Mutex // serializes appends and compaction; guards live
	mdc  *mdc.MDC
	live map[objid.ID]*layout.Layout
}

func mkMetaMDC(k uint64) *metaMDC {
	return &metaMDC{k: k, mu: new(sync.Mutex), live: make(map[objid.ID]*layout.Layout)}
}

// journal durably appends rec to MDCk and then runs apply, both under
// the container's lock. A full container is compacted and the append
// retried once; if it is still full the pool is out of metadata space.
func (m *Manager) journal(k uint64, rec *record, apply func()) error {
	mm := m.mdcs[k]
	mm.mu.Lock()
	defer mm.mu.Unlock()
	if mm.mdc == nil {
		return merr.E(merr.EINVAL, "metadata container closed")
	}
	b := rec.encode()
	err := mm.mdc.Append(buf.Iov{b}, true)
	if merr.Is(err, merr.EFBIG) {
		m.lg.Printf(log.Info, "obj: mdc%d full; compacting", k)
		if err = m.compact(mm); err == nil {
			err = mm.mdc.Append(buf.Iov{b}, true)
			if merr.Is(err, merr.EFBIG) {
				err = merr.E(merr.ENOSPC, "metadata container full after compaction", err)
			}
		}
	}
	if err != nil {
		m.lg.Printf(log.Error, "obj: mdc%d append: %v", k, err)
		return err
	}
	apply()
	return nil
}

// compact rewrites MDCk as a snapshot of its live records. mm.mu must be
// held.
func (m *Manager) compact(mm *metaMDC) error {
	if err := mm.mdc.Cstart(); err != nil {
		return err
	}
	if err := m.writeSnapshot(mm); err != nil {
		mm.mdc.Rollback()
		if merr.Is(err, merr.EFBIG) {
			return merr.E(merr.ENOSPC, "metadata snapshot does not fit", err)
		}
		return err
	}
	return mm.mdc.Cend()
}

// snapshot lists the records that recreate MDCk's state. MDC0 starts
// with the version, properties and media classes.
func (m *Manager) snapshot(mm *metaMDC) []*record {
	var recs []*record
	if mm.k == 0 {
		recs = append(recs, &record{kind: recVersion, version: MetaVersion})
		m.mu.Lock()
		recs = append(recs, &record{kind: recProps, props: m.props})
		for _, dev := range m.devs {
			if dev != nil {
				recs = append(recs, &record{kind: recMclass, class: dev.Desc.Mclass, dev: dev.Desc.DevUUID})
			}
		}
		m.mu.Unlock()
	}
	ids := make([]objid.ID, 0, len(mm.live))
	for id := range mm.live {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		l := mm.live[id]
		recs = append(recs, createRecord(l.ID, l.Class, l.Ext, l.UUID, l.Gen, l.WriteLen))
	}
	return recs
}

func (m *Manager) writeSnapshot(mm *metaMDC) error {
	for _, r := range m.snapshot(mm) {
		if err := mm.mdc.Append(buf.Iov{r.encode()}, false); err != nil {
			return err
		}
	}
	return mm.mdc.Flush()
}

// snapshotTo writes the snapshot of MDCk without a compaction window;
// used on a freshly formatted container.
func (m *Manager) snapshotTo(k uint64) error {
	mm := m.mdcs[k]
	mm.mu.Lock()
	defer mm.mu.Unlock()
	return m.writeSnapshot(mm)
}

// readRecords reads every record of d from the start.
func readRecords(d *mdc.MDC) ([]*record, error) {
	if err := d.Rewind(); err != nil {
		return nil, err
	}
	var recs []*record
	p := make([]byte, 512)
	for {
		n, err := d.Read(p)
		if err == io.EOF {
			return recs, nil
		}
		if merr.Is(err, merr.EOVERFLOW) {
			return nil, merr.E(merr.ENODATA, "oversized metadata record")
		}
		if err != nil {
			return nil, err
		}
		r, err := decodeRecord(p[:n])
		if err != nil {
			return nil, err
		}
		recs = append(recs, r)
	}
}

// replay0 rebuilds pool state from MDC0.
func (m *Manager) replay0() error {
	mm := m.mdcs[0]
	recs, err := readRecords(mm.mdc)
	if err != nil {
		return err
	}
	version := false
	classes := 0
	for _, r := range recs {
		switch r.kind {
		case recVersion:
			if r.version != MetaVersion {
				return merr.E(merr.EINVAL, "unsupported metadata version")
			}
			version = true
		case recProps:
			m.props = r.props
		case recMclass:
			dev := m.devs[r.class]
			if dev == nil || dev.Desc.DevUUID != r.dev {
				return merr.E(merr.ENOENT, "device "+r.dev.String()+" of class "+r.class.String()+" missing")
			}
			classes++
		default:
			if err := m.apply(mm, r); err != nil {
				return err
			}
		}
	}
	if !version {
		return merr.E(merr.EINVAL, "pool metadata has no version record")
	}
	if err := validProps(m.props); err != nil {
		return merr.E(merr.ENODATA, "bad pool properties record", err)
	}
	// devices that never made it into MDC0 are not part of the pool
	for c, dev := range m.devs {
		if dev != nil && !dev.Desc.Primary && !recorded(recs, dev) {
			m.lg.Printf(log.Info, "obj: ignoring unrecorded device %s", dev.Disk.Path())
			m.devs[c] = nil
		}
	}
	util.DPrintf(1, "obj: mdc0 replayed %d records, %d classes\n", len(recs), classes)
	return nil
}

func recorded(recs []*record, dev *Device) bool {
	for _, r := range recs {
		if r.kind == recMclass && r.dev == dev.Desc.DevUUID {
			return true
		}
	}
	return false
}

// replay rebuilds the objects journaled in MDCk, k > 0.
func (m *Manager) replay(mm *metaMDC) error {
	recs, err := readRecords(mm.mdc)
	if err != nil {
		return err
	}
	for _, r := range recs {
		if r.kind != recCreate && r.kind != recDelete {
			return merr.E(merr.ENODATA, "unexpected record in object container")
		}
		if uint64(r.id.Slot()) != mm.k {
			return merr.E(merr.ENODATA, "object "+r.id.String()+" in wrong container")
		}
		if err := m.apply(mm, r); err != nil {
			return err
		}
	}
	return nil
}

// apply replays a create or delete record.
func (m *Manager) apply(mm *metaMDC, r *record) error {
	switch r.kind {
	case recCreate:
		dev := m.devs[r.class]
		if dev == nil || r.ext.End() > dev.Desc.Zonetot {
			return merr.E(merr.ENODATA, "object "+r.id.String()+" outside its device")
		}
		l := layout.MkLayout(r.id, r.class, r.ext, r.uuid, r.gen)
		l.WriteLen = r.wlen
		l.MarkCommitted()
		if err := m.table.Insert(l); err != nil {
			return merr.E(merr.ENODATA, "duplicate create record", err)
		}
		dev.alloc.MarkUsed(r.ext.Zaddr, r.ext.Zcnt)
		mm.live[r.id] = l
		m.mu.Lock()
		m.uniq = util.Max(m.uniq, r.id.Uniq())
		m.mu.Unlock()
	case recDelete:
		l, ok := mm.live[r.id]
		if !ok {
			return merr.E(merr.ENODATA, "delete record for unknown object "+r.id.String())
		}
		delete(mm.live, r.id)
		l.Remove(false)
		m.table.Delete(r.id)
		m.devs[l.Class].alloc.FreeRange(l.Ext.Zaddr, l.Ext.Zcnt)
	default:
		return merr.E(merr.ENODATA, "unknown record kind")
	}
	return nil
}
