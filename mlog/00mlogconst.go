// mlog implements sector-framed append-only record logs.
//
// A log occupies a region of a device. Every sector starts with a header
// naming the log (its uuid), its generation and the flush set that wrote
// the sector. Records follow the header as descriptor/payload pairs; a
// record that does not fit in the rest of a sector is split into
// FIRST, MID... and LAST fragments. A zero descriptor (EOLB) ends the
// records of a sector.
//
//	[ hdr | desc data | desc data | ... | 0 ] [ hdr | desc data ... ]
//	  ^                                          ^
//	  sector 0                                   sector 1
//
// Records are staged in an append buffer of up to MaxFlush bytes and
// written out by a flush. All sectors written by one flush form a flush
// set and carry the same (pfsetid, cfsetid) pair, where pfsetid is the
// cfsetid of the flush that wrote the sectors before them. At open the
// log is scanned from sector 0 and the chain of flush sets ends at the
// first sector that does not continue it (the logical end of log).
package mlog

const (
	// HdrLen is the length of a sector header:
	// vers(2) magic(16) pad(6) pfsetid(4) cfsetid(4) gen(8).
	HdrLen uint64 = 40

	// DescLen is the length of a record descriptor:
	// tlen(4) rlen(2) rtype(1) pad(1).
	DescLen uint64 = 8

	HdrVersion uint16 = 1

	// PageSize is the log page size. With force4ka set, flushes cover
	// whole log pages.
	PageSize uint64 = 4096

	// MaxFlush bounds the bytes written by one flush, and with it the
	// append and read buffers.
	MaxFlush uint64 = 1 << 20

	MaxRlen uint64 = 65535
)

const (
	rtEOLB   uint8 = 0
	rtFull   uint8 = 1
	rtFirst  uint8 = 2
	rtMid    uint8 = 3
	rtLast   uint8 = 4
	rtCstart uint8 = 5
	rtCend   uint8 = 6
)

// Flags are open flags.
type Flags uint32

const (
	// SkipSer leaves serialization of data operations to the caller.
	SkipSer Flags = 1 << 0

	// CompactSem fails the open with EMSGSIZE when the log holds a
	// CSTART marker without a matching CEND.
	CompactSem Flags = 1 << 1
)
