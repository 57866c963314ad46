package mlog

import (
	"github.com/grailbio/base/log"

	"github.com/mit-pdos/go-mpool/buf"
	"github.com/mit-pdos/go-mpool/merr"
	"github.com/mit-pdos/go-mpool/util"
)

type frag struct {
	p     pos
	len   uint64
	rtype uint8
}

// plan lays out a record of n bytes starting at the append point. It
// returns the fragments, the append point after the record, and false
// if the record does not fit in the log.
func (l *Log) plan(n uint64, marker uint8) ([]frag, pos, bool) {
	p := pos{s: l.cur, off: l.aoff}
	if p.s >= l.nsect {
		return nil, p, false
	}
	if marker != rtEOLB {
		f := frag{p: p, rtype: marker}
		p.off += DescLen
		return []frag{f}, l.normalize(p), true
	}
	var frags []frag
	rem := n
	for {
		avail := l.secsz - p.off - DescLen
		if rem > 0 && avail == 0 {
			p = pos{s: p.s + 1, off: HdrLen}
			if p.s >= l.nsect {
				return nil, p, false
			}
			continue
		}
		sz := util.Min(rem, avail)
		frags = append(frags, frag{p: p, len: sz, rtype: rtMid})
		p.off += DescLen + sz
		rem -= sz
		if rem == 0 {
			break
		}
		p = pos{s: p.s + 1, off: HdrLen}
		if p.s >= l.nsect {
			return nil, p, false
		}
	}
	if len(frags) == 1 {
		frags[0].rtype = rtFull
	} else {
		frags[0].rtype = rtFirst
		frags[len(frags)-1].rtype = rtLast
	}
	p = l.normalize(p)
	// leave room for one more descriptor
	if p.s >= l.nsect {
		return nil, p, false
	}
	return frags, p, true
}

// normalize moves p to the next sector when no descriptor fits in the
// rest of its sector.
func (l *Log) normalize(p pos) pos {
	if l.secsz-p.off < DescLen {
		return pos{s: p.s + 1, off: HdrLen}
	}
	return p
}

func (l *Log) append(data []byte, marker uint8, sync bool) error {
	if err := l.checkOpen(); err != nil {
		return err
	}
	n := uint64(len(data))
	if n > l.maxRecord() {
		return merr.E(merr.EINVAL, "record larger than the append buffer")
	}
	frags, end, ok := l.plan(n, marker)
	if !ok {
		return merr.E(merr.EFBIG, "mlog full")
	}
	last := frags[len(frags)-1].p.s
	if last >= l.ab.End() {
		if err := l.flush(); err != nil {
			return err
		}
		// the flush does not move the append point
		if last >= l.ab.End() {
			return merr.E(merr.EIO, "bug: record does not fit the append buffer")
		}
	}
	var done uint64
	for _, f := range frags {
		sec := l.ab.Sector(f.p.s)
		putDesc(sec[f.p.off:], desc{tlen: uint32(n), rlen: uint16(f.len), rtype: f.rtype})
		copy(sec[f.p.off+DescLen:], data[done:done+f.len])
		done += f.len
	}
	util.DPrintf(10, "mlog append: %d bytes type %d at %d.%d\n", n, frags[0].rtype, l.cur, l.aoff)
	l.cur, l.aoff = end.s, end.off
	l.dirty = true
	switch marker {
	case rtCstart:
		l.cstart = true
		l.cend = false
	case rtCend:
		l.cend = true
	}
	if sync {
		return l.flush()
	}
	return nil
}

// Append appends one record made of the concatenation of iov. With
// sync set the record is durable when Append returns.
func (l *Log) Append(iov buf.Iov, sync bool) error {
	l.lock()
	defer l.unlock()
	return l.append(buf.Flatten(iov), rtEOLB, sync)
}

// AppendCstart appends a compaction start marker and flushes.
func (l *Log) AppendCstart() error {
	l.lock()
	defer l.unlock()
	return l.append(nil, rtCstart, true)
}

// AppendCend appends a compaction end marker and flushes.
func (l *Log) AppendCend() error {
	l.lock()
	defer l.unlock()
	return l.append(nil, rtCend, true)
}

// Flush makes every appended record durable.
func (l *Log) Flush() error {
	l.lock()
	defer l.unlock()
	if err := l.checkOpen(); err != nil {
		return err
	}
	return l.flush()
}

// flush writes the current flush set: sectors [wsoff, last] where last
// is the final sector holding records. With force4ka the write is
// widened to whole log pages; the leading sectors of the first page are
// already durable and are rewritten unchanged.
func (l *Log) flush() error {
	if !l.dirty {
		return nil
	}
	last := l.cur
	if l.aoff == HdrLen && l.cur > l.wsoff {
		last = l.cur - 1
	}
	h := header{vers: HdrVersion, magic: l.uuid, pfsetid: l.pfsetid, cfsetid: l.cfsetid, gen: l.gen}
	hb := h.encode()
	for s := l.wsoff; s <= last; s++ {
		copy(l.ab.Sector(s), hb)
	}
	start, end := l.wsoff, last+1
	if l.force4ka {
		start = util.AlignDown(start, l.spp)
		end = util.Min(util.AlignUp(end, l.spp), l.nsect)
	}
	util.DPrintf(5, "mlog flush: sectors [%d,%d) set (%d,%d)\n", start, end, l.pfsetid, l.cfsetid)
	err := l.rgn.Disk.WriteAt(l.ab.Span(start, end), l.rgn.Off+int64(start*l.secsz))
	if err == nil {
		err = l.rgn.Disk.Barrier()
	}
	if err != nil {
		l.lg.Printf(log.Error, "mlog %s: flush of sectors [%d,%d) failed: %v", l.uuid, start, end, err)
		// drop the dirty suffix; the next set must not reuse cfsetid
		l.ab.ZeroFrom(l.wsoff, l.cfssoff)
		l.cur, l.aoff = l.wsoff, l.cfssoff
		l.cstart, l.cend = l.durCstart, l.durCend
		l.cfsetid++
		l.dirty = false
		return merr.E(err, l.report(start))
	}
	l.pfsetid = l.cfsetid
	l.cfsetid++
	l.wsoff, l.cfssoff = l.cur, l.aoff
	l.durCstart, l.durCend = l.cstart, l.cend
	l.dirty = false
	base := l.cur
	if l.force4ka {
		base = util.AlignDown(base, l.spp)
	}
	if base > l.ab.Base() {
		l.ab.Rebase(base)
	}
	return nil
}
