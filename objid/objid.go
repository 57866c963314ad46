// Package objid encodes object ids.
//
// Bits 0-7 hold the slot (the metadata container that journals the
// object), bits 8-11 the object type, and bits 12-63 a value allocated
// monotonically per pool.
package objid

import "fmt"

type Type uint8

const (
	TypeNone   Type = 0
	TypeMblock Type = 1
	TypeMlog   Type = 2
)

func (t Type) String() string {
	switch t {
	case TypeMblock:
		return "mblock"
	case TypeMlog:
		return "mlog"
	}
	return fmt.Sprintf("type(%d)", uint8(t))
}

const (
	slotBits = 8
	typeBits = 4
	uniqBits = 64 - slotBits - typeBits

	MaxSlot = 1<<slotBits - 1
	MaxUniq = 1<<uniqBits - 1
)

// ID is the 64-bit wire form shared by all object types.
type ID uint64

func encode(t Type, slot uint8, uniq uint64) ID {
	return ID(uniq<<(slotBits+typeBits) | uint64(t&0xf)<<slotBits | uint64(slot))
}

// Make encodes an id. uniq is truncated to 52 bits.
func Make(t Type, slot uint8, uniq uint64) ID {
	return encode(t, slot, uniq&MaxUniq)
}

func (id ID) Type() Type {
	return Type((uint64(id) >> slotBits) & 0xf)
}

func (id ID) Slot() uint8 {
	return uint8(id)
}

func (id ID) Uniq() uint64 {
	return uint64(id) >> (slotBits + typeBits)
}

// Valid fails for type 0 or slot 0.
func (id ID) Valid() bool {
	return id.Type() != TypeNone && id.Slot() != 0
}

func (id ID) String() string {
	return fmt.Sprintf("0x%x", uint64(id))
}

// MblockID and MlogID are the typed forms handed to callers.
type MblockID ID

type MlogID ID

// Mblock checks that id names an mblock.
func (id ID) Mblock() (MblockID, bool) {
	return MblockID(id), id.Type() == TypeMblock
}

// Mlog checks that id names an mlog.
func (id ID) Mlog() (MlogID, bool) {
	return MlogID(id), id.Type() == TypeMlog
}

func (id MblockID) ID() ID         { return ID(id) }
func (id MblockID) String() string { return ID(id).String() }
func (id MlogID) ID() ID           { return ID(id) }
func (id MlogID) String() string   { return ID(id).String() }
