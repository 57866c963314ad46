package obj

import (
	"github.com/google/uuid"
	"github.com/tchajed/marshal"

	"github.com/mit-pdos/go-mpool/addr"
	"github.com/mit-pdos/go-mpool/common"
	"github.com/mit-pdos/go-mpool/merr"
	"github.com/mit-pdos/go-mpool/objid"
	"github.com/mit-pdos/go-mpool/util"
)

// Metadata record kinds. Every record starts with its kind as a u64.
const (
	recCreate  uint64 = 1
	recDelete  uint64 = 2
	recProps   uint64 = 3
	recMclass  uint64 = 4
	recVersion uint64 = 5
)

// MetaVersion is the version of the metadata record format.
const MetaVersion uint64 = 1

const maxLabelLen = 64

// Props are the persistent pool properties.
type Props struct {
	UID      uint32
	GID      uint32
	Mode     uint32
	Label    string
	MblockSz [common.MclassCount]uint64 // MiB, by media class
	MdcNum   uint64
	MdcnCap  uint64 // bytes per MDC log
	Spare    uint64 // percent
	Force4KA bool
}

type record struct {
	kind uint64

	// create, delete
	id    objid.ID
	class common.Mclass
	ext   addr.Extent
	uuid  uuid.UUID
	gen   uint64
	wlen  uint64
	props Props

	// mclass
	dev uuid.UUID

	version uint64
}

func createRecord(id objid.ID, class common.Mclass, ext addr.Extent, u uuid.UUID, gen uint64, wlen uint64) *record {
	return &record{kind: recCreate, id: id, class: class, ext: ext, uuid: u, gen: gen, wlen: wlen}
}

func (r *record) encode() []byte {
	switch r.kind {
	case recCreate:
		enc := marshal.NewEnc(8*7 + 16)
		enc.PutInt(r.kind)
		enc.PutInt(uint64(r.id))
		enc.PutInt(uint64(r.class))
		enc.PutInt(r.ext.Zaddr)
		enc.PutInt(r.ext.Zcnt)
		util.PutBytes(&enc, r.uuid[:])
		enc.PutInt(r.gen)
		enc.PutInt(r.wlen)
		return enc.Finish()
	case recDelete:
		enc := marshal.NewEnc(16)
		enc.PutInt(r.kind)
		enc.PutInt(uint64(r.id))
		return enc.Finish()
	case recProps:
		p := &r.props
		var label [maxLabelLen]byte
		copy(label[:], p.Label)
		enc := marshal.NewEnc(8*11 + maxLabelLen)
		enc.PutInt(r.kind)
		enc.PutInt(uint64(p.UID))
		enc.PutInt(uint64(p.GID))
		enc.PutInt(uint64(p.Mode))
		for _, sz := range p.MblockSz {
			enc.PutInt(sz)
		}
		enc.PutInt(p.MdcNum)
		enc.PutInt(p.MdcnCap)
		enc.PutInt(p.Spare)
		if p.Force4KA {
			enc.PutInt(1)
		} else {
			enc.PutInt(0)
		}
		enc.PutInt(uint64(len(p.Label)))
		util.PutBytes(&enc, label[:])
		return enc.Finish()
	case recMclass:
		enc := marshal.NewEnc(16 + 16)
		enc.PutInt(r.kind)
		enc.PutInt(uint64(r.class))
		util.PutBytes(&enc, r.dev[:])
		return enc.Finish()
	case recVersion:
		enc := marshal.NewEnc(16)
		enc.PutInt(r.kind)
		enc.PutInt(r.version)
		return enc.Finish()
	}
	panic("obj: unknown record kind")
}

var recLen = map[uint64]int{
	recCreate:  8*7 + 16,
	recDelete:  16,
	recProps:   8*11 + maxLabelLen,
	recMclass:  16 + 16,
	recVersion: 16,
}

func decodeRecord(b []byte) (*record, error) {
	if len(b) < 8 {
		return nil, merr.E(merr.ENODATA, "short metadata record")
	}
	dec := marshal.NewDec(b)
	r := &record{kind: dec.GetInt()}
	n, ok := recLen[r.kind]
	if !ok {
		return nil, merr.E(merr.ENODATA, "unknown metadata record kind")
	}
	if len(b) < n {
		return nil, merr.E(merr.ENODATA, "short metadata record")
	}
	switch r.kind {
	case recCreate:
		r.id = objid.ID(dec.GetInt())
		r.class = common.Mclass(dec.GetInt())
		r.ext.Zaddr = dec.GetInt()
		r.ext.Zcnt = dec.GetInt()
		copy(r.uuid[:], util.GetBytes(&dec, 16))
		r.gen = dec.GetInt()
		r.wlen = dec.GetInt()
	case recDelete:
		r.id = objid.ID(dec.GetInt())
	case recProps:
		p := &r.props
		p.UID = uint32(dec.GetInt())
		p.GID = uint32(dec.GetInt())
		p.Mode = uint32(dec.GetInt())
		for i := range p.MblockSz {
			p.MblockSz[i] = dec.GetInt()
		}
		p.MdcNum = dec.GetInt()
		p.MdcnCap = dec.GetInt()
		p.Spare = dec.GetInt()
		p.Force4KA = dec.GetInt() != 0
		l := dec.GetInt()
		if l > maxLabelLen {
			return nil, merr.E(merr.ENODATA, "bad label in props record")
		}
		p.Label = string(util.GetBytes(&dec, maxLabelLen)[:l])
	case recMclass:
		r.class = common.Mclass(dec.GetInt())
		copy(r.dev[:], util.GetBytes(&dec, 16))
	case recVersion:
		r.version = dec.GetInt()
	}
	return r, nil
}
