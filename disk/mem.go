package disk

import (
	"sort"
	"sync"

	"github.com/mit-pdos/go-mpool/merr"

	"golang.org/x/sys/unix"
)

// In-memory devices live in a memfd so that they can be mapped like a
// real device. They persist across Open/Close until RemoveMem, which lets
// tests deactivate and reactivate pools on the same media.
type memDevice struct {
	name    string
	fd      int
	size    int64
	sectsz  int
	optimal int

	// guarded by mem.mu
	opens   int
	removed bool
}

// release closes the memfd once the device is removed and nothing has
// it open. mem.mu must be held.
func (dev *memDevice) release() error {
	if !dev.removed || dev.opens > 0 || dev.fd < 0 {
		return nil
	}
	fd := dev.fd
	dev.fd = -1
	return unix.Close(fd)
}

var mem struct {
	mu      sync.Mutex
	devices map[string]*memDevice
}

// CreateMem creates the in-memory device "mem:<name>". A sectsz of 0
// selects DefaultSectorSize.
func CreateMem(name string, size int64, sectsz int) error {
	if sectsz == 0 {
		sectsz = DefaultSectorSize
	}
	if size <= 0 || sectsz <= 0 || size%int64(sectsz) != 0 {
		return merr.E(merr.EINVAL, "bad memory device geometry")
	}
	mem.mu.Lock()
	defer mem.mu.Unlock()
	if mem.devices == nil {
		mem.devices = make(map[string]*memDevice)
	}
	if _, ok := mem.devices[name]; ok {
		return merr.E(merr.EEXIST, "memory device "+name)
	}
	fd, err := unix.MemfdCreate("mpool-"+name, unix.MFD_CLOEXEC)
	if err != nil {
		return merr.E(err, merr.Report{Device: MemPrefix + name, Offset: -1})
	}
	if err := unix.Ftruncate(fd, size); err != nil {
		unix.Close(fd)
		return merr.E(err, merr.Report{Device: MemPrefix + name, Offset: -1})
	}
	mem.devices[name] = &memDevice{name: name, fd: fd, size: size,
		sectsz: sectsz, optimal: DefaultOptimalIOSize}
	return nil
}

// RemoveMem destroys an in-memory device. Like unlinking a file, the name
// goes away at once while disks already open on it keep working until
// they are closed. Existing mappings of it remain valid.
func RemoveMem(name string) error {
	mem.mu.Lock()
	defer mem.mu.Unlock()
	dev, ok := mem.devices[name]
	if !ok {
		return merr.E(merr.ENOENT, "memory device "+name)
	}
	delete(mem.devices, name)
	dev.removed = true
	return dev.release()
}

// MemNames lists the in-memory devices in name order.
func MemNames() []string {
	mem.mu.Lock()
	defer mem.mu.Unlock()
	names := make([]string, 0, len(mem.devices))
	for name := range mem.devices {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

var _ Disk = (*memDisk)(nil)

type memDisk struct {
	dev    *memDevice
	closed bool
}

func openMem(name string) (*memDisk, error) {
	mem.mu.Lock()
	defer mem.mu.Unlock()
	dev, ok := mem.devices[name]
	if !ok {
		return nil, merr.E(merr.ENOENT, merr.Report{Device: MemPrefix + name, Offset: -1})
	}
	dev.opens++
	return &memDisk{dev: dev}, nil
}

func (d *memDisk) ReadAt(p []byte, off int64) error {
	if err := checkRange(d, len(p), off); err != nil {
		return err
	}
	for done := 0; done < len(p); {
		n, err := unix.Pread(d.dev.fd, p[done:], off+int64(done))
		if err != nil {
			return merr.E(merr.EIO, err, merr.Report{Device: d.Path(), Offset: off + int64(done)})
		}
		if n == 0 {
			return merr.E(merr.EIO, "short read", merr.Report{Device: d.Path(), Offset: off + int64(done)})
		}
		done += n
	}
	return nil
}

func (d *memDisk) WriteAt(p []byte, off int64) error {
	if err := checkRange(d, len(p), off); err != nil {
		return err
	}
	for done := 0; done < len(p); {
		n, err := unix.Pwrite(d.dev.fd, p[done:], off+int64(done))
		if err != nil {
			return merr.E(merr.EIO, err, merr.Report{Device: d.Path(), Offset: off + int64(done)})
		}
		done += n
	}
	return nil
}

func (d *memDisk) Size() int64        { return d.dev.size }
func (d *memDisk) SectorSize() int    { return d.dev.sectsz }
func (d *memDisk) OptimalIOSize() int { return d.dev.optimal }
func (d *memDisk) Fd() int            { return d.dev.fd }
func (d *memDisk) Path() string       { return MemPrefix + d.dev.name }

func (d *memDisk) Barrier() error { return nil }

func (d *memDisk) Close() error {
	mem.mu.Lock()
	defer mem.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	d.dev.opens--
	return d.dev.release()
}
