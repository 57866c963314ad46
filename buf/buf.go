// buf manages sector buffers: a window of consecutive sectors of a log
// region held in memory while they are filled or read.
package buf

import (
	"github.com/mit-pdos/go-mpool/util"
)

// A SectorBuf holds sectors [base, base+nsect) of a region.
type SectorBuf struct {
	Data  []byte
	secsz uint64
	base  uint64
	nsect uint64
}

func MkSectorBuf(secsz uint64, nsect uint64) *SectorBuf {
	b := &SectorBuf{
		Data:  make([]byte, secsz*nsect),
		secsz: secsz,
		nsect: nsect,
	}
	return b
}

func (b *SectorBuf) Base() uint64 {
	return b.base
}

func (b *SectorBuf) SectorSize() uint64 {
	return b.secsz
}

// End returns the first sector past the buffer.
func (b *SectorBuf) End() uint64 {
	return b.base + b.nsect
}

func (b *SectorBuf) Holds(s uint64) bool {
	return s >= b.base && s < b.base+b.nsect
}

// Sector returns the bytes of sector s, which must be held.
func (b *SectorBuf) Sector(s uint64) []byte {
	if !b.Holds(s) {
		panic("SectorBuf.Sector")
	}
	off := (s - b.base) * b.secsz
	return b.Data[off : off+b.secsz]
}

// Span returns the bytes of sectors [from, to).
func (b *SectorBuf) Span(from uint64, to uint64) []byte {
	if from < b.base || to > b.End() || from > to {
		panic("SectorBuf.Span")
	}
	return b.Data[(from-b.base)*b.secsz : (to-b.base)*b.secsz]
}

// Rebase moves the buffer to start at sector base. Sectors held both
// before and after keep their contents; the rest of the buffer is
// zeroed.
func (b *SectorBuf) Rebase(base uint64) {
	util.DPrintf(15, "Rebase: %d -> %d\n", b.base, base)
	if base >= b.base && base < b.End() {
		n := copy(b.Data, b.Data[(base-b.base)*b.secsz:])
		zero(b.Data[n:])
	} else {
		zero(b.Data)
	}
	b.base = base
}

// ZeroFrom zeroes the buffer from byte off of sector s to the end.
func (b *SectorBuf) ZeroFrom(s uint64, off uint64) {
	start := (s-b.base)*b.secsz + off
	zero(b.Data[start:])
}

// Reset empties the buffer and moves it to base.
func (b *SectorBuf) Reset(base uint64) {
	zero(b.Data)
	b.base = base
}

func zero(p []byte) {
	for i := range p {
		p[i] = 0
	}
}
