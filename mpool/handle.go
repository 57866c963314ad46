package mpool

import (
	"sync"
	"sync/atomic"

	"github.com/mit-pdos/go-mpool/common"
	"github.com/mit-pdos/go-mpool/merr"
	"github.com/mit-pdos/go-mpool/obj"
)

// Handle is an open pool.
type Handle struct {
	p     *Pool
	flags common.OpenFlags
	live  int64 // object handles and maps not yet closed

	mu     *sync.Mutex
	closed bool
}

// Open opens the active pool name. An exclusive open fails EBUSY while
// the pool is open, and any open fails EBUSY while it is open
// exclusively.
func Open(name string, flags common.OpenFlags) (*Handle, error) {
	p, err := lookup(name)
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	switch {
	case p.done:
		return nil, merr.E(merr.ENOENT, "pool "+name+" not active")
	case p.excl:
		return nil, merr.E(merr.EBUSY, "pool "+name+" is open exclusively")
	case flags&common.OExcl != 0 && p.opens > 0:
		return nil, merr.E(merr.EBUSY, "pool "+name+" is open")
	}
	if flags&common.OExcl != 0 {
		p.excl = true
	}
	p.opens++
	return &Handle{p: p, flags: flags, mu: new(sync.Mutex)}, nil
}

// Close closes the handle. It fails EBUSY while an object handle or map
// taken from it is still open.
func (h *Handle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return merr.E(merr.EINVAL, "pool handle closed")
	}
	if n := atomic.LoadInt64(&h.live); n > 0 {
		return merr.E(merr.EBUSY, "pool handle has open objects")
	}
	h.closed = true
	p := h.p
	p.mu.Lock()
	p.opens--
	if h.flags&common.OExcl != 0 {
		p.excl = false
	}
	p.mu.Unlock()
	return nil
}

func (h *Handle) check() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return merr.E(merr.EINVAL, "pool handle closed")
	}
	return nil
}

func (h *Handle) writable() error {
	if err := h.check(); err != nil {
		return err
	}
	if h.flags&common.ORdwr == 0 {
		return merr.E(merr.EPERM, "pool opened read-only")
	}
	return nil
}

func (h *Handle) hold() {
	atomic.AddInt64(&h.live, 1)
}

func (h *Handle) put() {
	atomic.AddInt64(&h.live, -1)
}

func (h *Handle) Name() string {
	return h.p.name
}

func (h *Handle) Props() obj.Props {
	return h.p.m.Props()
}

func (h *Handle) Usage() []obj.ClassUsage {
	return h.p.m.Usage()
}
