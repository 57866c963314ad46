package addr

import "fmt"

// Extent identifies a run of zones on one pool device.
//
// Zaddr is the first zone and Zcnt the number of zones. The byte range
// covered depends on the device's zone size, which is fixed per pool.
type Extent struct {
	Zaddr uint64
	Zcnt  uint64
}

func MkExtent(zaddr uint64, zcnt uint64) Extent {
	return Extent{Zaddr: zaddr, Zcnt: zcnt}
}

// Off returns the byte offset of the extent on its device.
func (e Extent) Off(zonesz uint64) int64 {
	return int64(e.Zaddr * zonesz)
}

// Len returns the byte length of the extent.
func (e Extent) Len(zonesz uint64) int64 {
	return int64(e.Zcnt * zonesz)
}

// End returns the first zone past the extent.
func (e Extent) End() uint64 {
	return e.Zaddr + e.Zcnt
}

func (e Extent) Overlaps(o Extent) bool {
	return e.Zaddr < o.End() && o.Zaddr < e.End()
}

func (e Extent) IsZero() bool {
	return e.Zcnt == 0
}

func (e Extent) String() string {
	return fmt.Sprintf("[%d+%d]", e.Zaddr, e.Zcnt)
}
