package mlog

import (
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/grailbio/base/log"

	"github.com/mit-pdos/go-mpool/merr"
	"github.com/mit-pdos/go-mpool/util"
)

// markerSector builds the first write of an empty log at gen: sector 0
// carrying only a header, padded to a log page when force4ka applies.
func markerSector(u uuid.UUID, gen uint64, secsz uint64, force4ka bool) []byte {
	n := secsz
	if force4ka && secsz < PageSize {
		n = PageSize
	}
	b := make([]byte, n)
	h := header{vers: HdrVersion, magic: u, pfsetid: 0, cfsetid: 1, gen: gen}
	copy(b, h.encode())
	return b
}

// Format makes rgn an empty log named u at gen.
func Format(rgn Region, u uuid.UUID, gen uint64, force4ka bool) error {
	secsz := uint64(rgn.Disk.SectorSize())
	if secsz < HdrLen+2*DescLen || secsz > PageSize {
		return merr.E(merr.EINVAL, "unsupported sector size")
	}
	b := markerSector(u, gen, secsz, force4ka)
	if err := rgn.Disk.WriteAt(b, rgn.Off); err != nil {
		return err
	}
	return rgn.Disk.Barrier()
}

// Erase empties the log. The new gen is max(gen+1, mingen). Erase takes
// the log's exclusive lock, so it waits out reads on a serialized log. A
// log opened SkipSer has no such lock; there Erase fails EBUSY while a
// read is in progress.
func (l *Log) Erase(mingen uint64) error {
	l.lock()
	defer l.unlock()
	if err := l.checkOpen(); err != nil {
		return err
	}
	if atomic.LoadInt32(&l.readers) > 0 {
		return merr.E(merr.EBUSY, "mlog read in progress")
	}
	gen := util.Max(l.gen+1, mingen)
	b := markerSector(l.uuid, gen, l.secsz, l.force4ka)
	err := l.rgn.Disk.WriteAt(b, l.rgn.Off)
	if err == nil {
		err = l.rgn.Disk.Barrier()
	}
	if err != nil {
		l.lg.Printf(log.Error, "mlog %s: erase to gen %d failed: %v", l.uuid, gen, err)
		return merr.E(err, l.report(0))
	}
	l.lg.Printf(log.Debug, "mlog %s: erased gen %d -> %d", l.uuid, l.gen, gen)
	l.gen = gen
	l.reset()
	return nil
}

// reset moves the append and read state to an empty log whose marker
// sector, set (0, 1), is durable.
func (l *Log) reset() {
	l.ab.Reset(0)
	l.cur, l.aoff = 0, HdrLen
	l.wsoff, l.cfssoff = 0, HdrLen
	l.pfsetid, l.cfsetid = 1, 2
	l.dirty = false
	l.cstart, l.cend = false, false
	l.durCstart, l.durCend = false, false

	l.rmu.Lock()
	l.rb.Reset(0)
	l.rseoff = 0
	l.it.valid = false
	l.rmu.Unlock()
}
