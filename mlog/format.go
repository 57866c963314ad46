package mlog

import (
	"github.com/google/uuid"
	"github.com/tchajed/goose/machine"
)

type header struct {
	vers    uint16
	magic   uuid.UUID
	pfsetid uint32
	cfsetid uint32
	gen     uint64
}

// Header field offsets. Bytes 18-23 are padding.
const (
	hdrVersOff  = 0
	hdrMagicOff = 2
	hdrPfOff    = 24
	hdrCfOff    = 28
	hdrGenOff   = 32
)

func (h *header) encode() []byte {
	b := make([]byte, HdrLen)
	b[hdrVersOff] = byte(h.vers)
	b[hdrVersOff+1] = byte(h.vers >> 8)
	copy(b[hdrMagicOff:hdrMagicOff+16], h.magic[:])
	machine.UInt32Put(b[hdrPfOff:hdrPfOff+4], h.pfsetid)
	machine.UInt32Put(b[hdrCfOff:hdrCfOff+4], h.cfsetid)
	machine.UInt64Put(b[hdrGenOff:hdrGenOff+8], h.gen)
	return b
}

func decodeHeader(sec []byte) header {
	var h header
	h.vers = uint16(sec[hdrVersOff]) | uint16(sec[hdrVersOff+1])<<8
	copy(h.magic[:], sec[hdrMagicOff:hdrMagicOff+16])
	h.pfsetid = machine.UInt32Get(sec[hdrPfOff : hdrPfOff+4])
	h.cfsetid = machine.UInt32Get(sec[hdrCfOff : hdrCfOff+4])
	h.gen = machine.UInt64Get(sec[hdrGenOff : hdrGenOff+8])
	return h
}

// valid reports whether a sector header belongs to the log u at gen.
func (h *header) valid(u uuid.UUID, gen uint64) bool {
	return h.vers == HdrVersion && h.magic == u && h.gen == gen
}

type desc struct {
	tlen  uint32
	rlen  uint16
	rtype uint8
}

func putDesc(p []byte, d desc) {
	machine.UInt32Put(p[0:4], d.tlen)
	p[4] = byte(d.rlen)
	p[5] = byte(d.rlen >> 8)
	p[6] = d.rtype
	p[7] = 0
}

func getDesc(p []byte) desc {
	return desc{
		tlen:  machine.UInt32Get(p[0:4]),
		rlen:  uint16(p[4]) | uint16(p[5])<<8,
		rtype: p[6],
	}
}
