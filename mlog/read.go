package mlog

import (
	"io"

	"github.com/mit-pdos/go-mpool/merr"
	"github.com/mit-pdos/go-mpool/util"
)

// sector returns sector s for reading: from the append buffer when it
// holds s, otherwise from the read buffer, which is refilled from media
// with at most a buffer's worth of sectors below the append buffer.
// Caller holds rmu.
func (l *Log) sector(s uint64) ([]byte, error) {
	if s >= l.ab.Base() {
		return l.ab.Sector(s), nil
	}
	if l.rb.Holds(s) && s < l.rseoff {
		return l.rb.Sector(s), nil
	}
	n := util.Min(l.bufsect, l.ab.Base()-s)
	l.rb.Reset(s)
	l.rseoff = s
	if err := l.rgn.Disk.ReadAt(l.rb.Span(s, s+n), l.rgn.Off+int64(s*l.secsz)); err != nil {
		return nil, err
	}
	l.rseoff = s + n
	return l.rb.Sector(s), nil
}

func (l *Log) atEnd(p pos) bool {
	return p.s > l.cur || (p.s == l.cur && p.off >= l.aoff)
}

// nextData advances p to the descriptor of the next data record,
// skipping markers and sector ends.
func (l *Log) nextData(p pos) (pos, desc, error) {
	for {
		if l.atEnd(p) {
			return p, desc{}, io.EOF
		}
		if p.off+DescLen > l.secsz {
			p = pos{s: p.s + 1, off: HdrLen}
			continue
		}
		sec, err := l.sector(p.s)
		if err != nil {
			return p, desc{}, err
		}
		d := getDesc(sec[p.off:])
		switch d.rtype {
		case rtEOLB:
			p = pos{s: p.s + 1, off: HdrLen}
		case rtCstart, rtCend:
			p.off += DescLen
		case rtFull, rtFirst:
			return p, d, nil
		default:
			return p, d, merr.E(merr.ENODATA, "record fragment out of place", l.report(p.s))
		}
	}
}

// record reads the data record whose first descriptor is at p into dst,
// which must hold it, and returns the position after the record. A nil
// dst only walks the record.
func (l *Log) record(p pos, d desc, dst []byte) (pos, error) {
	var got uint64
	tlen := uint64(d.tlen)
	for {
		sec, err := l.sector(p.s)
		if err != nil {
			return p, err
		}
		fd := getDesc(sec[p.off:])
		rlen := uint64(fd.rlen)
		if fd.tlen != d.tlen || got+rlen > tlen || p.off+DescLen+rlen > l.secsz {
			return p, merr.E(merr.ENODATA, "bad record fragment", l.report(p.s))
		}
		if dst != nil {
			copy(dst[got:], sec[p.off+DescLen:p.off+DescLen+rlen])
		}
		got += rlen
		p.off += DescLen + rlen
		if fd.rtype == rtFull || fd.rtype == rtLast {
			if got != tlen {
				return p, merr.E(merr.ENODATA, "short record", l.report(p.s))
			}
			return p, nil
		}
		p = pos{s: p.s + 1, off: HdrLen}
		if l.atEnd(p) {
			return p, merr.E(merr.ENODATA, "record runs past the end of log", l.report(p.s))
		}
		sec, err = l.sector(p.s)
		if err != nil {
			return p, err
		}
		if t := getDesc(sec[p.off:]).rtype; t != rtMid && t != rtLast {
			return p, merr.E(merr.ENODATA, "missing record fragment", l.report(p.s))
		}
	}
}

func (l *Log) beginRead() error {
	if err := l.checkOpen(); err != nil {
		return err
	}
	if !l.it.valid || l.it.gen != l.gen {
		return merr.E(merr.EINVAL, "read iterator invalid; rewind first")
	}
	return nil
}

// Read copies the next data record into p and returns its length. When
// p is too small Read fails EOVERFLOW and returns the record length; the
// iterator does not move, so a retry with a large enough buffer returns
// the record. At the end of the log Read returns 0, io.EOF.
func (l *Log) Read(p []byte) (int, error) {
	l.rlock()
	defer l.runlock()
	l.rmu.Lock()
	defer l.rmu.Unlock()
	l.enterRead()
	defer l.exitRead()
	if err := l.beginRead(); err != nil {
		return 0, err
	}
	return l.read(p)
}

func (l *Log) read(p []byte) (int, error) {
	at, d, err := l.nextData(l.it.p)
	if err == io.EOF {
		l.it.p = at
		return 0, io.EOF
	}
	if err != nil {
		l.it.valid = false
		return 0, err
	}
	l.it.p = at
	if uint64(d.tlen) > uint64(len(p)) {
		return int(d.tlen), merr.E(merr.EOVERFLOW, "read buffer too small")
	}
	next, err := l.record(at, d, p[:d.tlen])
	if err != nil {
		l.it.valid = false
		return 0, err
	}
	l.it.p = next
	return int(d.tlen), nil
}

// SeekRead skips whole data records holding skip bytes of payload, then
// reads the next record like Read. If the end of the log comes first it
// fails ERANGE and returns the bytes skipped; if skip ends inside a
// record it fails EINVAL and returns the bytes skipped before that
// record.
func (l *Log) SeekRead(skip uint64, p []byte) (int, error) {
	l.rlock()
	defer l.runlock()
	l.rmu.Lock()
	defer l.rmu.Unlock()
	l.enterRead()
	defer l.exitRead()
	if err := l.beginRead(); err != nil {
		return 0, err
	}
	var skipped uint64
	for skipped < skip {
		at, d, err := l.nextData(l.it.p)
		if err == io.EOF {
			l.it.p = at
			return int(skipped), merr.E(merr.ERANGE, "end of log while seeking")
		}
		if err != nil {
			l.it.valid = false
			return int(skipped), err
		}
		l.it.p = at
		if skipped+uint64(d.tlen) > skip {
			return int(skipped), merr.E(merr.EINVAL, "seek ends inside a record")
		}
		next, err := l.record(at, d, nil)
		if err != nil {
			l.it.valid = false
			return int(skipped), err
		}
		l.it.p = next
		skipped += uint64(d.tlen)
	}
	return l.read(p)
}

// Rewind moves the read iterator to the first record.
func (l *Log) Rewind() error {
	l.lock()
	defer l.unlock()
	if err := l.checkOpen(); err != nil {
		return err
	}
	l.rmu.Lock()
	l.it = iterator{p: pos{s: 0, off: HdrLen}, gen: l.gen, valid: true}
	l.rmu.Unlock()
	return nil
}
