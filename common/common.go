package common

import (
	"fmt"
	"strings"
)

const (
	// PageSize is the log page and mblock I/O granularity.
	PageSize uint64 = 4096

	// SbAreaSize is the size of one superblock (or MDC0 metadata) area.
	SbAreaSize uint64 = 4096

	// HeaderAreaSize covers both superblock copies and both MDC0
	// metadata areas at the start of every pool device.
	HeaderAreaSize = 4 * SbAreaSize

	MiB uint64 = 1 << 20

	MinMblockSizeMiB uint64 = 1
	MaxMblockSizeMiB uint64 = 64

	// MaxNameLen bounds pool names, leaving room for the NUL byte.
	MaxNameLen = 31
)

// Mclass is a media class. Devices are assigned to exactly one class and
// allocations are class scoped.
type Mclass uint8

const (
	MclassStaging  Mclass = 0
	MclassCapacity Mclass = 1
	MclassCount           = 2
)

func (mc Mclass) String() string {
	switch mc {
	case MclassStaging:
		return "STAGING"
	case MclassCapacity:
		return "CAPACITY"
	}
	return fmt.Sprintf("mclass(%d)", uint8(mc))
}

func (mc Mclass) Valid() bool {
	return mc < MclassCount
}

// ParseMclass accepts the names produced by String, case-insensitively,
// and the short forms "stg" and "cap".
func ParseMclass(s string) (Mclass, bool) {
	switch strings.ToUpper(s) {
	case "STAGING", "STG":
		return MclassStaging, true
	case "CAPACITY", "CAP":
		return MclassCapacity, true
	}
	return 0, false
}

// OpenFlags are pool open flags.
type OpenFlags uint32

const (
	ORdonly OpenFlags = 0
	ORdwr   OpenFlags = 1 << 0
	OExcl   OpenFlags = 1 << 1
)
