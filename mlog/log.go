package mlog

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/grailbio/base/log"

	"github.com/mit-pdos/go-mpool/buf"
	"github.com/mit-pdos/go-mpool/disk"
	"github.com/mit-pdos/go-mpool/merr"
	"github.com/mit-pdos/go-mpool/util"
)

// Region is the part of a device a log lives in.
type Region struct {
	Disk disk.Disk
	Off  int64
	Len  int64
}

type Options struct {
	Flags Flags

	// Force4KA makes flushes cover whole log pages when sectors are
	// smaller than a page.
	Force4KA bool

	Logger *util.Logger
}

type pos struct {
	s   uint64 // sector
	off uint64 // byte offset in the sector
}

type iterator struct {
	p     pos
	gen   uint64
	valid bool
}

// Log is the open state of one mlog, shared by all of its openers.
type Log struct {
	rgn      Region
	uuid     uuid.UUID
	flags    Flags
	force4ka bool
	lg       *util.Logger

	// geometry
	secsz   uint64
	nsect   uint64
	spp     uint64 // sectors per log page
	bufsect uint64 // sectors per buffer

	// mu serializes structural changes against reads, unless SkipSer.
	mu      *sync.RWMutex
	readers int32
	closed  bool

	gen uint64

	// Append state. Sectors [ab.Base(), cur] are in the append buffer;
	// records end at (cur, aoff). The next flush writes from wsoff,
	// where the current flush set started at byte cfssoff.
	ab      *buf.SectorBuf
	cur     uint64
	aoff    uint64
	wsoff   uint64
	cfssoff uint64
	dirty   bool
	pfsetid uint32
	cfsetid uint32
	cstart  bool
	cend    bool

	// marker state as of the last successful flush
	durCstart bool
	durCend   bool

	// Read state, guarded by rmu. The read buffer caches media sectors
	// [rb.Base(), rseoff), all below the append buffer.
	rmu    *sync.Mutex
	rb     *buf.SectorBuf
	rseoff uint64
	it     iterator
}

// Open loads the log in rgn named u. gen is the generation recorded for
// the log by its owner; a newer one found on media wins.
func Open(rgn Region, u uuid.UUID, gen uint64, opts Options) (*Log, error) {
	l, err := mkLog(rgn, u, opts)
	if err != nil {
		return nil, err
	}
	if err := l.load(gen); err != nil {
		return nil, err
	}
	if opts.Flags&CompactSem != 0 && l.cstart && !l.cend {
		return nil, merr.E(merr.EMSGSIZE, "compaction started but not ended",
			merr.Report{Device: rgn.Disk.Path(), Offset: rgn.Off})
	}
	l.lg.Printf(log.Debug, "mlog %s: open gen %d len %d", u, l.gen, l.length())
	return l, nil
}

func mkLog(rgn Region, u uuid.UUID, opts Options) (*Log, error) {
	secsz := uint64(rgn.Disk.SectorSize())
	if secsz < HdrLen+2*DescLen || secsz > PageSize || PageSize%secsz != 0 {
		return nil, merr.E(merr.EINVAL, "unsupported sector size")
	}
	if rgn.Len <= 0 || uint64(rgn.Len)%PageSize != 0 || rgn.Off%int64(secsz) != 0 {
		return nil, merr.E(merr.EINVAL, "log region not page aligned")
	}
	spp := PageSize / secsz
	nsect := uint64(rgn.Len) / secsz
	bufsect := util.Min(MaxFlush/secsz, nsect)
	l := &Log{
		rgn:      rgn,
		uuid:     u,
		flags:    opts.Flags,
		force4ka: opts.Force4KA && spp > 1,
		lg:       opts.Logger,
		secsz:    secsz,
		nsect:    nsect,
		spp:      spp,
		bufsect:  bufsect,
		mu:       new(sync.RWMutex),
		rmu:      new(sync.Mutex),
		ab:       buf.MkSectorBuf(secsz, bufsect),
		rb:       buf.MkSectorBuf(secsz, bufsect),
	}
	return l, nil
}

func (l *Log) lock() {
	if l.flags&SkipSer == 0 {
		l.mu.Lock()
	}
}

func (l *Log) unlock() {
	if l.flags&SkipSer == 0 {
		l.mu.Unlock()
	}
}

func (l *Log) rlock() {
	if l.flags&SkipSer == 0 {
		l.mu.RLock()
	}
}

func (l *Log) runlock() {
	if l.flags&SkipSer == 0 {
		l.mu.RUnlock()
	}
}

func (l *Log) report(s uint64) merr.Report {
	return merr.Report{Device: l.rgn.Disk.Path(), Offset: l.rgn.Off + int64(s*l.secsz)}
}

// maxRecord is the largest record that fits an empty append buffer.
func (l *Log) maxRecord() uint64 {
	n := l.bufsect - l.spp
	if n > 1 {
		n--
	}
	return n * (l.secsz - HdrLen - DescLen)
}

func (l *Log) length() uint64 {
	return l.cur*l.secsz + l.aoff
}

func (l *Log) Flags() Flags {
	return l.flags
}

func (l *Log) UUID() uuid.UUID {
	return l.uuid
}

func (l *Log) Gen() uint64 {
	l.rlock()
	defer l.runlock()
	return l.gen
}

// Len returns the bytes consumed by the log, framing included.
func (l *Log) Len() uint64 {
	l.rlock()
	defer l.runlock()
	return l.length()
}

// Cap returns the size of the log region.
func (l *Log) Cap() uint64 {
	return uint64(l.rgn.Len)
}

// Empty reports whether nothing was appended since the last erase.
func (l *Log) Empty() bool {
	l.rlock()
	defer l.runlock()
	return l.cur == 0 && l.aoff == HdrLen
}

// Compacting reports whether the log holds CSTART without CEND.
func (l *Log) Compacting() bool {
	l.rlock()
	defer l.runlock()
	return l.cstart && !l.cend
}

// Close flushes buffered records. The log is unusable afterwards.
func (l *Log) Close() error {
	l.lock()
	defer l.unlock()
	if l.closed {
		return nil
	}
	err := l.flush()
	l.closed = true
	return err
}

func (l *Log) checkOpen() error {
	if l.closed {
		return merr.E(merr.EINVAL, "mlog closed")
	}
	return nil
}

func (l *Log) enterRead() {
	atomic.AddInt32(&l.readers, 1)
}

func (l *Log) exitRead() {
	atomic.AddInt32(&l.readers, -1)
}
