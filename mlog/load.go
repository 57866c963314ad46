package mlog

import (
	"github.com/mit-pdos/go-mpool/util"
)

type fsetPair struct {
	pf uint32
	cf uint32
}

// scan carries the state of the open-time walk over the log.
type scan struct {
	// chain
	leol    bool
	set     fsetPair
	lastCf  uint32 // cfsetid of the set holding the last chained sector
	open    bool   // the last chained sector has room for another descriptor
	maxCf   uint32
	scanEnd uint64

	// framing
	inRecord bool
	got      uint64
	tlen     uint64

	// last complete record
	good       pos
	goodCf     uint32
	goodPrevCf uint32
	cstart     bool
	cend       bool
	goodCstart bool
	goodCend   bool
}

// chunk returns sector s of the region, reading ahead up to a buffer's
// worth of sectors.
func (l *Log) chunk(s uint64) ([]byte, error) {
	if !l.rb.Holds(s) || s >= l.rseoff {
		n := util.Min(l.bufsect, l.nsect-s)
		l.rb.Reset(s)
		l.rseoff = s
		if err := l.rgn.Disk.ReadAt(l.rb.Span(s, s+n), l.rgn.Off+int64(s*l.secsz)); err != nil {
			return nil, err
		}
		l.rseoff = s + n
	}
	return l.rb.Sector(s), nil
}

// load rebuilds the append state from media. The log's gen comes from
// sector 0 when that sector is valid and at least lgen; otherwise the log
// is empty at lgen.
func (l *Log) load(lgen uint64) error {
	l.gen = lgen
	sec0, err := l.chunk(0)
	if err != nil {
		return err
	}
	h0 := decodeHeader(sec0)
	if h0.vers == HdrVersion && h0.magic == l.uuid && h0.gen > lgen {
		l.gen = h0.gen
	}

	sc := &scan{good: pos{s: 0, off: HdrLen}}
	for s := uint64(0); s < l.nsect; s++ {
		if sc.leol && s >= sc.scanEnd {
			break
		}
		sec, err := l.chunk(s)
		if err != nil {
			return err
		}
		h := decodeHeader(sec)
		valid := h.valid(l.uuid, l.gen)
		if valid && h.cfsetid > sc.maxCf {
			sc.maxCf = h.cfsetid
		}
		if sc.leol {
			continue
		}
		pair := fsetPair{pf: h.pfsetid, cf: h.cfsetid}
		switch {
		case !valid:
			sc.leol = true
		case s == 0:
			// sector 0 always starts the chain
			sc.set = pair
		case pair == sc.set:
		case pair.pf == sc.set.cf && !sc.open:
			// a flush that follows an open sector rewrites it first
			sc.set = pair
		default:
			sc.leol = true
		}
		if !sc.leol {
			prev := sc.lastCf
			sc.lastCf = sc.set.cf
			if s == 0 {
				sc.goodCf = sc.set.cf
			}
			if !l.parseSector(sc, s, sec, prev) {
				sc.leol = true
			}
		}
		if sc.leol {
			util.DPrintf(1, "mlog %s: LEOL at sector %d\n", l.uuid, s)
			sc.scanEnd = util.Min(l.nsect, s+l.bufsect)
		}
	}
	return l.resume(sc)
}

// parseSector checks the record framing of sector s, which belongs to the
// chain. prevCf is the cfsetid of the set holding sector s-1. It returns
// false at the first framing violation.
func (l *Log) parseSector(sc *scan, s uint64, sec []byte, prevCf uint32) bool {
	off := HdrLen
	for off+DescLen <= l.secsz {
		d := getDesc(sec[off:])
		rlen := uint64(d.rlen)
		if d.rtype == rtEOLB && d.tlen == 0 && d.rlen == 0 {
			sc.open = true
			// a record split across sectors cannot end here
			return !sc.inRecord
		}
		if off+DescLen+rlen > l.secsz {
			return false
		}
		switch d.rtype {
		case rtFull:
			if sc.inRecord || uint64(d.tlen) != rlen {
				return false
			}
		case rtFirst:
			if sc.inRecord || rlen >= uint64(d.tlen) {
				return false
			}
			sc.inRecord = true
			sc.tlen = uint64(d.tlen)
			sc.got = rlen
		case rtMid:
			if !sc.inRecord || uint64(d.tlen) != sc.tlen || sc.got+rlen >= sc.tlen {
				return false
			}
			sc.got += rlen
		case rtLast:
			if !sc.inRecord || uint64(d.tlen) != sc.tlen || sc.got+rlen != sc.tlen {
				return false
			}
			sc.inRecord = false
		case rtCstart, rtCend:
			if sc.inRecord || d.tlen != 0 || rlen != 0 {
				return false
			}
			if d.rtype == rtCstart {
				sc.cstart = true
				sc.cend = false
			} else {
				sc.cend = true
			}
		default:
			return false
		}
		off += DescLen + rlen
		if sc.inRecord {
			// fragments fill their sector
			if off != l.secsz {
				return false
			}
			continue
		}
		sc.good = pos{s: s, off: off}
		sc.goodCf = sc.set.cf
		sc.goodPrevCf = prevCf
		sc.goodCstart, sc.goodCend = sc.cstart, sc.cend
	}
	sc.open = false
	return true
}

// resume sets up the append state after the last complete record.
func (l *Log) resume(sc *scan) error {
	p := sc.good
	l.pfsetid = sc.goodPrevCf
	if np := l.normalize(p); np != p {
		p = np
		l.pfsetid = sc.goodCf
	}
	l.cfsetid = sc.maxCf + 1
	if l.cfsetid <= l.pfsetid {
		l.cfsetid = l.pfsetid + 1
	}
	l.cur, l.aoff = p.s, p.off
	l.wsoff, l.cfssoff = p.s, p.off
	l.cstart, l.cend = sc.goodCstart, sc.goodCend
	l.durCstart, l.durCend = l.cstart, l.cend
	l.dirty = false

	base := p.s
	if l.force4ka {
		base = util.AlignDown(base, l.spp)
	}
	l.ab.Reset(base)
	if p.s < l.nsect {
		// reload the leading part of the log page and the partial sector
		end := p.s
		if p.off > HdrLen {
			end = p.s + 1
		}
		if end > base {
			err := l.rgn.Disk.ReadAt(l.ab.Span(base, end), l.rgn.Off+int64(base*l.secsz))
			if err != nil {
				return err
			}
		}
		l.ab.ZeroFrom(p.s, p.off)
	}
	l.rb.Reset(0)
	l.rseoff = 0
	l.it = iterator{p: pos{s: 0, off: HdrLen}, gen: l.gen, valid: true}
	util.DPrintf(1, "mlog %s: resume at %d.%d gen %d set (%d,%d)\n",
		l.uuid, p.s, p.off, l.gen, l.pfsetid, l.cfsetid)
	return nil
}
