package disk

import (
	"github.com/mit-pdos/go-mpool/merr"
	"github.com/mit-pdos/go-mpool/util"

	"golang.org/x/sys/unix"
)

var _ Disk = (*fileDisk)(nil)

type fileDisk struct {
	path    string
	fd      int
	size    int64
	sectsz  int
	optimal int
}

// CreateFile creates (or resizes) a regular file of size bytes for use
// as a pool device.
func CreateFile(path string, size int64) error {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CREAT, 0666)
	if err != nil {
		return merr.E(err, merr.Report{Device: path, Offset: -1})
	}
	defer unix.Close(fd)
	if err := unix.Ftruncate(fd, size); err != nil {
		return merr.E(err, merr.Report{Device: path, Offset: -1})
	}
	return nil
}

func openFile(path string) (*fileDisk, error) {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, merr.E(err, merr.Report{Device: path, Offset: -1})
	}
	d := &fileDisk{path: path, fd: fd, sectsz: DefaultSectorSize, optimal: DefaultOptimalIOSize}
	var stat unix.Stat_t
	if err := unix.Fstat(fd, &stat); err != nil {
		unix.Close(fd)
		return nil, merr.E(err, merr.Report{Device: path, Offset: -1})
	}
	switch stat.Mode & unix.S_IFMT {
	case unix.S_IFREG:
		d.size = stat.Size
	case unix.S_IFBLK:
		sz, err := unix.IoctlGetInt(fd, unix.BLKGETSIZE64)
		if err != nil {
			unix.Close(fd)
			return nil, merr.E(err, merr.Report{Device: path, Offset: -1})
		}
		d.size = int64(sz)
		if ss, err := unix.IoctlGetInt(fd, unix.BLKSSZGET); err == nil && ss > 0 {
			d.sectsz = ss
		}
		if opt, err := unix.IoctlGetInt(fd, unix.BLKIOOPT); err == nil && opt > 0 {
			d.optimal = opt
		}
	default:
		unix.Close(fd)
		return nil, merr.E(merr.EINVAL, "not a file or block device",
			merr.Report{Device: path, Offset: -1})
	}
	util.DPrintf(2, "disk: open %s size %d sectsz %d opt %d\n", path, d.size, d.sectsz, d.optimal)
	return d, nil
}

func (d *fileDisk) ReadAt(p []byte, off int64) error {
	if err := checkRange(d, len(p), off); err != nil {
		return err
	}
	for done := 0; done < len(p); {
		n, err := unix.Pread(d.fd, p[done:], off+int64(done))
		if err != nil {
			return merr.E(merr.EIO, err, merr.Report{Device: d.path, Offset: off + int64(done)})
		}
		if n == 0 {
			return merr.E(merr.EIO, "short read", merr.Report{Device: d.path, Offset: off + int64(done)})
		}
		done += n
	}
	return nil
}

func (d *fileDisk) WriteAt(p []byte, off int64) error {
	if err := checkRange(d, len(p), off); err != nil {
		return err
	}
	for done := 0; done < len(p); {
		n, err := unix.Pwrite(d.fd, p[done:], off+int64(done))
		if err != nil {
			return merr.E(merr.EIO, err, merr.Report{Device: d.path, Offset: off + int64(done)})
		}
		done += n
	}
	return nil
}

func (d *fileDisk) Size() int64        { return d.size }
func (d *fileDisk) SectorSize() int    { return d.sectsz }
func (d *fileDisk) OptimalIOSize() int { return d.optimal }
func (d *fileDisk) Fd() int            { return d.fd }
func (d *fileDisk) Path() string       { return d.path }

func (d *fileDisk) Barrier() error {
	// NOTE: on macOS, this flushes to the drive but doesn't actually issue a
	// disk barrier. The correct replacement is fcntl F_FULLFSYNC.
	if err := unix.Fsync(d.fd); err != nil {
		return merr.E(merr.EIO, err, merr.Report{Device: d.path, Offset: -1})
	}
	return nil
}

func (d *fileDisk) Close() error {
	if err := unix.Close(d.fd); err != nil {
		return merr.E(err, merr.Report{Device: d.path, Offset: -1})
	}
	return nil
}
