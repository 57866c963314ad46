package disk

import (
	"sync"

	"github.com/mit-pdos/go-mpool/merr"
)

// FaultDisk wraps a Disk and injects write failures. It is used to
// exercise error and recovery paths.
type FaultDisk struct {
	Disk

	mu      *sync.Mutex
	budget  int
	armed   bool
	writes  int
	dropped int
}

func MkFaultDisk(d Disk) *FaultDisk {
	return &FaultDisk{Disk: d, mu: new(sync.Mutex)}
}

// FailWritesAfter lets n more writes through; every write after that
// fails with EIO and does not reach the device.
func (d *FaultDisk) FailWritesAfter(n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.budget = n
	d.armed = true
}

// Heal stops failing writes.
func (d *FaultDisk) Heal() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.armed = false
}

// Writes reports the number of writes that reached the device.
func (d *FaultDisk) Writes() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.writes
}

// Dropped reports the number of writes that failed.
func (d *FaultDisk) Dropped() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dropped
}

func (d *FaultDisk) WriteAt(p []byte, off int64) error {
	d.mu.Lock()
	if d.armed {
		if d.budget == 0 {
			d.dropped++
			d.mu.Unlock()
			return merr.E(merr.EIO, "injected write failure",
				merr.Report{Device: d.Path(), Offset: off})
		}
		d.budget--
	}
	d.writes++
	d.mu.Unlock()
	return d.Disk.WriteAt(p, off)
}
