package mpool

import (
	"sync/atomic"

	"github.com/mit-pdos/go-mpool/mblock"
	"github.com/mit-pdos/go-mpool/mcache"
	"github.com/mit-pdos/go-mpool/merr"
	"github.com/mit-pdos/go-mpool/objid"
)

// Map is a read-only mapping of committed mblocks.
type Map struct {
	*mcache.Map
	h      *Handle
	closed int32
}

// Mmap maps the committed mblocks ids, in order, into one region. The
// mblocks cannot be deleted until the map is unmapped.
func (h *Handle) Mmap(ids []objid.MblockID, vma mcache.VMA) (*Map, error) {
	mbs := make([]mblock.Mblock, 0, len(ids))
	for _, id := range ids {
		mb, err := h.mblock(id)
		if err != nil {
			return nil, err
		}
		mbs = append(mbs, mb)
	}
	m, err := mcache.Mmap(mbs, vma)
	if err != nil {
		return nil, err
	}
	h.hold()
	return &Map{Map: m, h: h}, nil
}

func (m *Map) Munmap() error {
	if !atomic.CompareAndSwapInt32(&m.closed, 0, 1) {
		return merr.E(merr.EINVAL, "map already unmapped")
	}
	err := m.Map.Munmap()
	m.h.put()
	return err
}
