// Package layout tracks the in-memory state of every live object: its
// extent, generation, uuid and lifecycle state, plus the references held
// on it by open handles.
//
// Handles hold their layout and a reference on it. A handle outlives
// the table entry: once its object is removed the layout stays in
// StateRemoved, and a later object reusing the id gets a new layout.
package layout

import (
	"io"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/mit-pdos/go-mpool/addr"
	"github.com/mit-pdos/go-mpool/common"
	"github.com/mit-pdos/go-mpool/merr"
	"github.com/mit-pdos/go-mpool/objid"
	"github.com/mit-pdos/go-mpool/shardmap"
)

type State uint8

const (
	// StateNone covers allocated but not committed.
	StateNone State = iota
	StateCommitted
	StateRemoved
)

func (s State) String() string {
	switch s {
	case StateNone:
		return "NONE"
	case StateCommitted:
		return "COMMITTED"
	case StateRemoved:
		return "REMOVED"
	}
	return "?"
}

type Layout struct {
	ID    objid.ID
	Class common.Mclass
	Ext   addr.Extent
	UUID  uuid.UUID

	// Mu guards the fields below and serializes structural changes to
	// the object.
	Mu       *sync.RWMutex
	state    State
	Gen      uint64
	WriteLen uint64

	// Stat is the open state of an mlog, shared by all its openers.
	Stat    io.Closer
	SkipSer bool
	opens   int

	refs int64
}

func MkLayout(id objid.ID, class common.Mclass, ext addr.Extent, u uuid.UUID, gen uint64) *Layout {
	return &Layout{
		ID:    id,
		Class: class,
		Ext:   ext,
		UUID:  u,
		Gen:   gen,
		Mu:    new(sync.RWMutex),
	}
}

// State must be called with Mu held in either mode.
func (l *Layout) State() State {
	return l.state
}

// Commit moves NONE to COMMITTED. Mu must be held exclusively.
func (l *Layout) Commit() error {
	if l.state != StateNone {
		return merr.E(merr.EINVAL, "commit of "+l.state.String()+" object")
	}
	l.state = StateCommitted
	return nil
}

// MarkCommitted is used by replay, which only sees committed objects.
func (l *Layout) MarkCommitted() {
	l.state = StateCommitted
}

// Remove ends the object's life. abort requires an uncommitted object,
// delete a committed one. Mu must be held exclusively.
func (l *Layout) Remove(abort bool) error {
	switch {
	case l.state == StateRemoved:
		return merr.E(merr.ENOENT, "object already removed")
	case abort && l.state != StateNone:
		return merr.E(merr.EINVAL, "abort of committed object")
	case !abort && l.state != StateCommitted:
		return merr.E(merr.EINVAL, "delete of uncommitted object")
	}
	l.state = StateRemoved
	return nil
}

// Hold takes a reference for an open handle or map.
func (l *Layout) Hold() {
	atomic.AddInt64(&l.refs, 1)
}

func (l *Layout) Put() {
	if atomic.AddInt64(&l.refs, -1) < 0 {
		panic("layout: reference count underflow")
	}
}

func (l *Layout) Refs() int64 {
	return atomic.LoadInt64(&l.refs)
}

// OpenStat records one more opener of an mlog and returns the number of
// openers. Mu must be held exclusively.
func (l *Layout) OpenStat(stat io.Closer, skipSer bool) int {
	if l.opens == 0 {
		l.Stat = stat
		l.SkipSer = skipSer
	}
	l.opens++
	return l.opens
}

// CloseStat drops one opener; the last one closes the shared state.
// Mu must be held exclusively.
func (l *Layout) CloseStat() error {
	if l.opens == 0 {
		return merr.E(merr.EINVAL, "mlog not open")
	}
	l.opens--
	if l.opens > 0 {
		return nil
	}
	st := l.Stat
	l.Stat = nil
	return st.Close()
}

func (l *Layout) Opens() int {
	return l.opens
}

// Table is the set of live layouts of a pool.
type Table struct {
	m *shardmap.Map[*Layout]
}

func MkTable() *Table {
	return &Table{m: shardmap.MkMap[*Layout]()}
}

// Insert adds l, failing EEXIST if its id is taken.
func (t *Table) Insert(l *Layout) error {
	if _, ok := t.m.PutIfAbsent(uint64(l.ID), l); !ok {
		return merr.E(merr.EEXIST, "object "+l.ID.String())
	}
	return nil
}

func (t *Table) Get(id objid.ID) (*Layout, error) {
	l, ok := t.m.Get(uint64(id))
	if !ok {
		return nil, merr.E(merr.ENOENT, "object "+id.String())
	}
	return l, nil
}

func (t *Table) Delete(id objid.ID) {
	t.m.Delete(uint64(id))
}

func (t *Table) Len() int {
	return t.m.Len()
}

// Range visits layouts in id order.
func (t *Table) Range(f func(l *Layout) bool) {
	t.m.Range(func(_ uint64, l *Layout) bool {
		return f(l)
	})
}
