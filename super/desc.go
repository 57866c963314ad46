package super

import (
	"github.com/google/uuid"
	"github.com/spaolacci/murmur3"
	"github.com/tchajed/goose/machine"
	"github.com/tchajed/marshal"

	"github.com/mit-pdos/go-mpool/addr"
	"github.com/mit-pdos/go-mpool/common"
	"github.com/mit-pdos/go-mpool/disk"
	"github.com/mit-pdos/go-mpool/merr"
	"github.com/mit-pdos/go-mpool/util"
)

const DescMagic uint64 = 0x637365446c6f6f70 // "poolDesc"

// LogDesc locates one of the two mlogs of MDC0.
type LogDesc struct {
	Ext  addr.Extent
	UUID uuid.UUID
}

// Descriptor records a device's role in its pool. Only the primary device
// carries MDC0.
type Descriptor struct {
	DevUUID uuid.UUID
	Mclass  common.Mclass
	Primary bool
	Zonesz  uint64
	Zonetot uint64
	Sectsz  uint64
	Mdc0    [2]LogDesc
}

func (d *Descriptor) Encode() []byte {
	enc := marshal.NewEnc(common.SbAreaSize)
	enc.PutInt(DescMagic)
	util.PutBytes(&enc, d.DevUUID[:])
	enc.PutInt(uint64(d.Mclass))
	if d.Primary {
		enc.PutInt(1)
	} else {
		enc.PutInt(0)
	}
	enc.PutInt(d.Zonesz)
	enc.PutInt(d.Zonetot)
	enc.PutInt(d.Sectsz)
	for _, l := range d.Mdc0 {
		enc.PutInt(l.Ext.Zaddr)
		enc.PutInt(l.Ext.Zcnt)
		util.PutBytes(&enc, l.UUID[:])
	}
	b := enc.Finish()
	n := descBodyLen()
	machine.UInt32Put(b[n:n+4], murmur3.Sum32(b[:n]))
	return b
}

func descBodyLen() uint64 {
	return 8 + 16 + 5*8 + 2*(2*8+16)
}

func DecodeDescriptor(b []byte) (*Descriptor, error) {
	n := descBodyLen()
	if uint64(len(b)) < n+4 {
		return nil, merr.E(merr.EINVAL, "short descriptor")
	}
	dec := marshal.NewDec(b)
	if dec.GetInt() != DescMagic {
		return nil, merr.E(merr.ENOENT, "no pool descriptor")
	}
	d := &Descriptor{}
	copy(d.DevUUID[:], util.GetBytes(&dec, 16))
	d.Mclass = common.Mclass(dec.GetInt())
	d.Primary = dec.GetInt() != 0
	d.Zonesz = dec.GetInt()
	d.Zonetot = dec.GetInt()
	d.Sectsz = dec.GetInt()
	for i := range d.Mdc0 {
		d.Mdc0[i].Ext.Zaddr = dec.GetInt()
		d.Mdc0[i].Ext.Zcnt = dec.GetInt()
		copy(d.Mdc0[i].UUID[:], util.GetBytes(&dec, 16))
	}
	if machine.UInt32Get(b[n:n+4]) != murmur3.Sum32(b[:n]) {
		return nil, merr.E(merr.ENODATA, "descriptor checksum mismatch")
	}
	if !d.Mclass.Valid() || d.Zonesz == 0 {
		return nil, merr.E(merr.EINVAL, "bad descriptor geometry")
	}
	return d, nil
}

func ReadDescriptor(dk disk.Disk) (*Descriptor, error) {
	var first error
	b := make([]byte, common.SbAreaSize)
	for _, off := range descOff {
		if err := dk.ReadAt(b, off); err != nil {
			if first == nil {
				first = err
			}
			continue
		}
		d, err := DecodeDescriptor(b)
		if err == nil {
			return d, nil
		}
		if first == nil {
			first = err
		}
	}
	return nil, merr.E(first, merr.Report{Device: dk.Path(), Offset: descOff[0]})
}

func WriteDescriptor(dk disk.Disk, d *Descriptor) error {
	b := d.Encode()
	for _, off := range descOff {
		if err := dk.WriteAt(b, off); err != nil {
			return err
		}
		if err := dk.Barrier(); err != nil {
			return err
		}
	}
	return nil
}
