// Package mdc implements metadata containers: a pair of logs run as one
// compactable log.
//
// One log is active and receives appends. Compaction writes a CSTART
// marker to the other log, makes it active, lets the client write a
// compacted image into it, and ends with a CEND marker, after which the
// old log is erased to a higher generation. A crash anywhere in this
// window leaves either the old image or the new one readable.
package mdc

import (
	"sync"

	"github.com/grailbio/base/log"

	"github.com/mit-pdos/go-mpool/buf"
	"github.com/mit-pdos/go-mpool/merr"
	"github.com/mit-pdos/go-mpool/util"
)

// Log is what an MDC needs from each of its logs.
type Log interface {
	Append(iov buf.Iov, sync bool) error
	AppendCstart() error
	AppendCend() error
	Read(p []byte) (int, error)
	SeekRead(skip uint64, p []byte) (int, error)
	Rewind() error
	Erase(mingen uint64) error
	Flush() error
	Gen() uint64
	Empty() bool
	Len() uint64
	Close() error
}

// Opener opens log i (0 or 1). With csem set, a log holding CSTART
// without CEND must fail with EMSGSIZE.
type Opener func(i int, csem bool) (Log, error)

type MDC struct {
	mu         *sync.Mutex // serializes Cstart, Cend and Close; guards active
	logs       [2]Log
	active     int
	prev       int
	compacting bool
	lg         *util.Logger
}

// Open opens both logs and picks the authoritative one:
//   - both logs open: equal gens are an error; if both are empty the
//     lower gen is active, if one is empty the other is, and if both
//     hold records the higher gen is;
//   - one log fails EMSGSIZE: the other is active and the failed one is
//     erased;
//   - otherwise the open fails with the worse error.
//
// The inactive log is erased to a gen above the active one when it holds
// records or has a lower gen. An empty active log gets a CSTART/CEND pair
// so every MDC starts with a complete compaction window.
func Open(open Opener, lg *util.Logger) (*MDC, error) {
	var logs [2]Log
	var errs [2]error
	for i := range logs {
		logs[i], errs[i] = open(i, true)
		if errs[i] != nil {
			logs[i] = nil
		}
	}
	closeAll := func() {
		for _, l := range logs {
			if l != nil {
				l.Close()
			}
		}
	}

	var active int
	switch {
	case errs[0] == nil && errs[1] == nil:
		g0, g1 := logs[0].Gen(), logs[1].Gen()
		if g0 == g1 {
			closeAll()
			return nil, merr.E(merr.EINVAL, "mdc logs share a generation")
		}
		e0, e1 := logs[0].Empty(), logs[1].Empty()
		switch {
		case e0 && e1:
			active = lower(g0, g1)
		case e0:
			active = 1
		case e1:
			active = 0
		default:
			active = 1 - lower(g0, g1)
		}
	case errs[0] == nil && merr.Is(errs[1], merr.EMSGSIZE):
		active = 0
	case errs[1] == nil && merr.Is(errs[0], merr.EMSGSIZE):
		active = 1
	default:
		closeAll()
		return nil, worst(errs)
	}

	other := 1 - active
	if errs[other] != nil {
		lg.Printf(log.Info, "mdc: log %d compaction incomplete; rolling back", other)
		l, err := open(other, false)
		if err != nil {
			closeAll()
			return nil, err
		}
		logs[other] = l
	}
	d := &MDC{mu: new(sync.Mutex), logs: logs, active: active, prev: active, lg: lg}

	agen := logs[active].Gen()
	if errs[other] != nil || !logs[other].Empty() || logs[other].Gen() < agen {
		if err := logs[other].Erase(agen + 1); err != nil {
			closeAll()
			return nil, err
		}
	}
	if logs[active].Empty() {
		if err := logs[active].AppendCstart(); err != nil {
			closeAll()
			return nil, err
		}
		if err := logs[active].AppendCend(); err != nil {
			closeAll()
			return nil, err
		}
	}
	util.DPrintf(1, "mdc: open active %d gen %d\n", active, agen)
	return d, nil
}

func lower(g0, g1 uint64) int {
	if g0 < g1 {
		return 0
	}
	return 1
}

// worst prefers an error that is not EMSGSIZE.
func worst(errs [2]error) error {
	for _, err := range errs {
		if err != nil && !merr.Is(err, merr.EMSGSIZE) {
			return err
		}
	}
	if errs[0] != nil {
		return errs[0]
	}
	return errs[1]
}

// Cstart begins a compaction: the inactive log is emptied if needed,
// gets a CSTART marker and becomes active.
func (d *MDC) Cstart() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.compacting {
		return merr.E(merr.EINVAL, "compaction already started")
	}
	act, in := d.logs[d.active], d.logs[1-d.active]
	if !in.Empty() || in.Gen() <= act.Gen() {
		if err := in.Erase(act.Gen() + 1); err != nil {
			return err
		}
	}
	if err := in.AppendCstart(); err != nil {
		return err
	}
	d.prev = d.active
	d.active = 1 - d.active
	d.compacting = true
	return nil
}

// Cend ends a compaction with a CEND marker and erases the old log. If
// the marker cannot be written the old log becomes active again.
func (d *MDC) Cend() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.compacting {
		return merr.E(merr.EINVAL, "no compaction in progress")
	}
	d.compacting = false
	if err := d.logs[d.active].AppendCend(); err != nil {
		d.lg.Printf(log.Error, "mdc: compaction end failed, rolling back: %v", err)
		d.active = d.prev
		return err
	}
	d.prev = d.active
	old := d.logs[1-d.active]
	if err := old.Erase(d.logs[d.active].Gen() + 1); err != nil {
		// CEND is durable; the next open picks the new log
		d.lg.Printf(log.Error, "mdc: erase of compacted log failed: %v", err)
		return err
	}
	return nil
}

// Rollback abandons a compaction that cannot be completed. The old log
// becomes active again; the half-written one holds CSTART without CEND,
// so a later open also picks the old log.
func (d *MDC) Rollback() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.compacting {
		return merr.E(merr.EINVAL, "no compaction in progress")
	}
	d.compacting = false
	d.active = d.prev
	return nil
}

// activeLog picks the log for a data operation. The operation itself
// runs unlocked; each log serializes its own I/O.
func (d *MDC) activeLog() Log {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.logs[d.active]
}

func (d *MDC) Append(iov buf.Iov, sync bool) error {
	return d.activeLog().Append(iov, sync)
}

func (d *MDC) Read(p []byte) (int, error) {
	return d.activeLog().Read(p)
}

func (d *MDC) SeekRead(skip uint64, p []byte) (int, error) {
	return d.activeLog().SeekRead(skip, p)
}

func (d *MDC) Rewind() error {
	return d.activeLog().Rewind()
}

func (d *MDC) Flush() error {
	return d.activeLog().Flush()
}

// Usage returns the bytes used by the active log.
func (d *MDC) Usage() uint64 {
	return d.activeLog().Len()
}

// Active returns the index of the active log.
func (d *MDC) Active() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.active
}

func (d *MDC) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	var first error
	for _, l := range d.logs {
		if err := l.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
