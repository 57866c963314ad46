// Package super reads and writes the per-device pool headers: two copies
// of the superblock, which identifies the pool, and two copies of the
// pool descriptor, which records the device's place in the pool.
//
// Device layout:
//
//	[0, 4096)       superblock copy 0
//	[4096, 8192)    descriptor copy 0
//	[8192, 12288)   superblock copy 1
//	[12288, 16384)  descriptor copy 1
package super

import (
	"bytes"
	"encoding/binary"

	"github.com/google/uuid"
	"github.com/spaolacci/murmur3"
	"github.com/tchajed/goose/machine"
	"github.com/tchajed/marshal"

	"github.com/mit-pdos/go-mpool/common"
	"github.com/mit-pdos/go-mpool/disk"
	"github.com/mit-pdos/go-mpool/merr"
	"github.com/mit-pdos/go-mpool/util"
)

const (
	Magic   uint64 = 0x7665446c6f6f706d // "mpoolDev"
	Version uint16 = 1

	nameLen = 32

	versOff = 56
	genOff  = 58

	// Size of the checksummed part of the superblock.
	sbBodyLen = 62
	sbLen     = sbBodyLen + 4
)

// Offsets of the header areas on a device.
var (
	sbOff   = [2]int64{0, int64(2 * common.SbAreaSize)}
	descOff = [2]int64{int64(common.SbAreaSize), int64(3 * common.SbAreaSize)}
)

type Superblock struct {
	Name    string
	UUID    uuid.UUID
	Version uint16
	Gen     uint32
}

func MkSuperblock(name string, id uuid.UUID) *Superblock {
	return &Superblock{Name: name, UUID: id, Version: Version, Gen: 1}
}

func (sb *Superblock) Encode() []byte {
	var name [nameLen]byte
	copy(name[:nameLen-1], sb.Name)

	enc := marshal.NewEnc(common.SbAreaSize)
	enc.PutInt(Magic)
	util.PutBytes(&enc, name[:])
	util.PutBytes(&enc, sb.UUID[:])
	b := enc.Finish()
	binary.LittleEndian.PutUint16(b[versOff:versOff+2], sb.Version)
	machine.UInt32Put(b[genOff:genOff+4], sb.Gen)
	machine.UInt32Put(b[sbBodyLen:sbLen], murmur3.Sum32(b[:sbBodyLen]))
	return b
}

// DecodeSuperblock fails ENOENT when b carries no superblock, ENODATA when
// the checksum does not match and EINVAL for an unknown version.
func DecodeSuperblock(b []byte) (*Superblock, error) {
	if len(b) < sbLen {
		return nil, merr.E(merr.EINVAL, "short superblock")
	}
	dec := marshal.NewDec(b)
	if dec.GetInt() != Magic {
		return nil, merr.E(merr.ENOENT, "no superblock")
	}
	name := util.GetBytes(&dec, nameLen)
	sb := &Superblock{}
	copy(sb.UUID[:], util.GetBytes(&dec, 16))
	sb.Version = binary.LittleEndian.Uint16(b[versOff : versOff+2])
	sb.Gen = machine.UInt32Get(b[genOff : genOff+4])
	if machine.UInt32Get(b[sbBodyLen:sbLen]) != murmur3.Sum32(b[:sbBodyLen]) {
		return nil, merr.E(merr.ENODATA, "superblock checksum mismatch")
	}
	if sb.Version != Version {
		return nil, merr.E(merr.EINVAL, "unsupported superblock version")
	}
	if i := bytes.IndexByte(name, 0); i >= 0 {
		name = name[:i]
	}
	sb.Name = string(name)
	return sb, nil
}

// Read returns the device's superblock, preferring copy 0.
func Read(d disk.Disk) (*Superblock, error) {
	var first error
	b := make([]byte, common.SbAreaSize)
	for i, off := range sbOff {
		if err := d.ReadAt(b, off); err != nil {
			if first == nil {
				first = err
			}
			continue
		}
		sb, err := DecodeSuperblock(b)
		if err == nil {
			if i > 0 {
				util.DPrintf(1, "super: %s: using superblock copy %d\n", d.Path(), i)
			}
			return sb, nil
		}
		if first == nil || merr.Is(first, merr.ENOENT) {
			first = err
		}
	}
	return nil, merr.E(first, merr.Report{Device: d.Path(), Offset: 0})
}

// Write updates copy 0, then copy 1.
func Write(d disk.Disk, sb *Superblock) error {
	b := sb.Encode()
	for _, off := range sbOff {
		if err := d.WriteAt(b, off); err != nil {
			return err
		}
		if err := d.Barrier(); err != nil {
			return err
		}
	}
	return nil
}

// Erase zeroes every header area on the device.
func Erase(d disk.Disk) error {
	z := make([]byte, common.HeaderAreaSize)
	if err := d.WriteAt(z, 0); err != nil {
		return err
	}
	return d.Barrier()
}
