// Package registry is the process-wide table of activated pools and of
// the devices they, or pool administration in progress, have claimed.
//
// The table is created when the first pool is registered and torn down
// when the last one goes away. Its lifetime follows an atomic count of
// registered pools, which can be read without the table lock.
package registry

import (
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/grailbio/base/log"

	"github.com/mit-pdos/go-mpool/merr"
	"github.com/mit-pdos/go-mpool/util"
)

// Entry is an activated pool.
type Entry struct {
	Name    string
	UUID    uuid.UUID
	Devices []string
	Rundir  string
	Pool    interface{}
}

type table struct {
	byName map[string]*Entry
	byUUID map[uuid.UUID]*Entry
}

var (
	mu     sync.Mutex // guards reg and claims
	reg    *table
	claims = make(map[string]string) // device path -> claimant
	npools int32
)

// Active returns the number of registered pools.
func Active() int {
	return int(atomic.LoadInt32(&npools))
}

// Claim reserves devices for owner. It fails EBUSY if any of them is
// claimed by another owner and claims nothing in that case.
func Claim(owner string, devs []string) error {
	mu.Lock()
	defer mu.Unlock()
	return claim(owner, devs)
}

func claim(owner string, devs []string) error {
	for _, d := range devs {
		if o, ok := claims[d]; ok && o != owner {
			return merr.E(merr.EBUSY, "device claimed by "+o, merr.Report{Device: d, Offset: -1})
		}
	}
	for _, d := range devs {
		claims[d] = owner
	}
	return nil
}

// Release drops claims on devs.
func Release(devs []string) {
	mu.Lock()
	defer mu.Unlock()
	for _, d := range devs {
		delete(claims, d)
	}
}

// Claimed reports whether dev is claimed.
func Claimed(dev string) bool {
	mu.Lock()
	defer mu.Unlock()
	_, ok := claims[dev]
	return ok
}

// Register publishes e and claims its devices for e.Name. It fails
// EEXIST when a pool of the same name or uuid is registered and EBUSY
// when a device is claimed by another owner.
func Register(e *Entry) error {
	mu.Lock()
	defer mu.Unlock()
	if reg != nil {
		if _, ok := reg.byName[e.Name]; ok {
			return merr.E(merr.EEXIST, "pool "+e.Name+" already active")
		}
		if _, ok := reg.byUUID[e.UUID]; ok {
			return merr.E(merr.EEXIST, "pool "+e.UUID.String()+" already active")
		}
	}
	if err := claim(e.Name, e.Devices); err != nil {
		return err
	}
	if reg == nil {
		reg = &table{byName: make(map[string]*Entry), byUUID: make(map[uuid.UUID]*Entry)}
		util.DPrintf(1, "registry: up\n")
	}
	reg.byName[e.Name] = e
	reg.byUUID[e.UUID] = e
	atomic.AddInt32(&npools, 1)
	return nil
}

// Unregister removes the pool name and releases its devices.
func Unregister(name string) error {
	mu.Lock()
	defer mu.Unlock()
	if reg == nil {
		return merr.E(merr.ENOENT, "pool "+name+" not active")
	}
	e, ok := reg.byName[name]
	if !ok {
		return merr.E(merr.ENOENT, "pool "+name+" not active")
	}
	delete(reg.byName, name)
	delete(reg.byUUID, e.UUID)
	for _, d := range e.Devices {
		delete(claims, d)
	}
	if atomic.AddInt32(&npools, -1) == 0 {
		reg = nil
		util.DPrintf(1, "registry: down\n")
	}
	return nil
}

// AddDevice records that the active pool name now also owns dev. The
// device must already be claimed by the caller.
func AddDevice(name string, dev string) error {
	mu.Lock()
	defer mu.Unlock()
	if reg == nil || reg.byName[name] == nil {
		return merr.E(merr.ENOENT, "pool "+name+" not active")
	}
	e := reg.byName[name]
	e.Devices = append(e.Devices, dev)
	claims[dev] = name
	return nil
}

func Lookup(name string) (*Entry, bool) {
	mu.Lock()
	defer mu.Unlock()
	if reg == nil {
		return nil, false
	}
	e, ok := reg.byName[name]
	return e, ok
}

func LookupUUID(id uuid.UUID) (*Entry, bool) {
	mu.Lock()
	defer mu.Unlock()
	if reg == nil {
		return nil, false
	}
	e, ok := reg.byUUID[id]
	return e, ok
}

// List returns the active pools sorted by name.
func List() []*Entry {
	mu.Lock()
	defer mu.Unlock()
	if reg == nil {
		return nil
	}
	es := make([]*Entry, 0, len(reg.byName))
	for _, e := range reg.byName {
		es = append(es, e)
	}
	sort.Slice(es, func(i, j int) bool { return es[i].Name < es[j].Name })
	return es
}

// MkRundir creates the run directory of pool name under root with the
// pool's ownership and mode. Failing to change the owner is logged and
// otherwise ignored, since only a privileged process may give files away.
func MkRundir(root, name string, uid, gid, mode uint32) (string, error) {
	dir := filepath.Join(root, name)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", merr.E(err, "create run directory "+dir)
	}
	// directories need search permission wherever read is granted
	perm := os.FileMode(mode&0777) | os.FileMode((mode&0444)>>2)
	if err := os.Chmod(dir, perm); err != nil {
		os.Remove(dir)
		return "", merr.E(err, "chmod run directory "+dir)
	}
	if int(uid) != os.Getuid() || int(gid) != os.Getgid() {
		if err := os.Chown(dir, int(uid), int(gid)); err != nil {
			log.Printf("registry: %s: keeping owner: %v", dir, err)
		}
	}
	return dir, nil
}

// RmRundir removes a run directory and anything left in it.
func RmRundir(dir string) error {
	if dir == "" {
		return nil
	}
	if err := os.RemoveAll(dir); err != nil {
		return merr.E(err, "remove run directory "+dir)
	}
	return nil
}
