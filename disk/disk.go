package disk

import (
	"path/filepath"
	"sort"
	"strings"

	"github.com/mit-pdos/go-mpool/merr"
)

const (
	// DefaultSectorSize is used when the device does not report one.
	DefaultSectorSize = 512

	// DefaultOptimalIOSize is used when the device does not report one.
	DefaultOptimalIOSize = 128 << 10

	// MemPrefix names in-memory devices, e.g. "mem:d0".
	MemPrefix = "mem:"
)

// Disk is a byte-addressed pool device.
//
// ReadAt and WriteAt transfer all of p or fail; failures carry a
// merr.Report naming the device and offset. WriteAt is not durable until
// a subsequent Barrier returns.
type Disk interface {
	ReadAt(p []byte, off int64) error

	WriteAt(p []byte, off int64) error

	// Size reports the device size in bytes.
	Size() int64

	// SectorSize reports the logical sector size in bytes.
	SectorSize() int

	// OptimalIOSize reports the preferred write size in bytes.
	OptimalIOSize() int

	// Barrier ensures all completed writes are persisted.
	Barrier() error

	// Fd returns a descriptor that can be mapped with mmap(2).
	Fd() int

	Path() string

	// Close releases the handle. The device stays usable through other
	// handles.
	Close() error
}

// Open opens the device at path. Paths with the "mem:" prefix name
// in-memory devices created with CreateMem; anything else is opened as a
// file or block device.
func Open(path string) (Disk, error) {
	if strings.HasPrefix(path, MemPrefix) {
		return openMem(strings.TrimPrefix(path, MemPrefix))
	}
	return openFile(path)
}

// Glob expands device path patterns. Patterns with the "mem:" prefix
// match in-memory devices; others are file globs. The result is sorted
// and free of duplicates.
func Glob(patterns []string) ([]string, error) {
	seen := make(map[string]bool)
	var paths []string
	for _, pat := range patterns {
		var matches []string
		if strings.HasPrefix(pat, MemPrefix) {
			p := strings.TrimPrefix(pat, MemPrefix)
			for _, name := range MemNames() {
				ok, err := filepath.Match(p, name)
				if err != nil {
					return nil, merr.E(merr.EINVAL, err)
				}
				if ok {
					matches = append(matches, MemPrefix+name)
				}
			}
		} else {
			var err error
			matches, err = filepath.Glob(pat)
			if err != nil {
				return nil, merr.E(merr.EINVAL, err)
			}
		}
		for _, m := range matches {
			if !seen[m] {
				seen[m] = true
				paths = append(paths, m)
			}
		}
	}
	sort.Strings(paths)
	return paths, nil
}

func checkRange(d Disk, n int, off int64) error {
	if off < 0 || off+int64(n) > d.Size() {
		return merr.E(merr.EINVAL, "I/O beyond device end",
			merr.Report{Device: d.Path(), Offset: off})
	}
	return nil
}
