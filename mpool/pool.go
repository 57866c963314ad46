// Package mpool is the top-level pool API.
//
// A pool is created on a device and lives there until destroyed. To be
// used it is activated, which loads its metadata, publishes it in the
// process-wide registry and claims its devices, and then opened, which
// returns a Handle. Objects are allocated, read and written through a
// Handle:
//
//   - mblocks are written once, in page multiples, and committed;
//   - mlogs are append-only record logs;
//   - MDCs are pairs of mlogs with atomic compaction;
//   - maps expose committed mblocks as one contiguous read-only region.
//
// Every object handle taken from a Handle must be closed before the
// Handle can be, and every Handle before the pool is deactivated.
package mpool

import (
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/must"
	"golang.org/x/sync/errgroup"

	"github.com/mit-pdos/go-mpool/common"
	"github.com/mit-pdos/go-mpool/config"
	"github.com/mit-pdos/go-mpool/disk"
	"github.com/mit-pdos/go-mpool/mblock"
	"github.com/mit-pdos/go-mpool/merr"
	"github.com/mit-pdos/go-mpool/obj"
	"github.com/mit-pdos/go-mpool/registry"
	"github.com/mit-pdos/go-mpool/super"
	"github.com/mit-pdos/go-mpool/util"
)

// Pool is an activated pool.
type Pool struct {
	name  string
	uuid  uuid.UUID
	disks []disk.Disk
	m     *obj.Manager
	e     *mblock.Engine
	lg    *util.Logger
	root  string
	dir   string

	mu    *sync.Mutex // guards opens, excl and done
	opens int
	excl  bool
	done  bool
}

func validName(name string) error {
	switch {
	case name == "":
		return merr.E(merr.EINVAL, "empty pool name")
	case len(name) > common.MaxNameLen:
		return merr.E(merr.EINVAL, "pool name too long")
	case strings.ContainsAny(name, "/\x00"):
		return merr.E(merr.EINVAL, "pool name contains / or NUL")
	}
	return nil
}

func propsOf(p config.Params) obj.Props {
	return obj.Props{
		UID:      p.UID,
		GID:      p.GID,
		Mode:     p.Mode,
		Label:    p.Label,
		MblockSz: p.MblockSizes(),
		MdcNum:   p.MdcNum,
		MdcnCap:  p.MdcnCap * common.MiB,
		Spare:    p.Spare,
		Force4KA: p.Force4KA,
	}
}

// Found is a pool device found by Scan.
type Found struct {
	Name   string
	UUID   uuid.UUID
	Device string
	Active bool
}

// Scan reads the superblock of every device matching params.Devices.
// Devices without a readable superblock are skipped.
func Scan(params config.Params) ([]Found, error) {
	paths, err := disk.Glob(params.Devices)
	if err != nil {
		return nil, err
	}
	found := make([]*Found, len(paths))
	var g errgroup.Group
	for i, path := range paths {
		i, path := i, path
		g.Go(func() error {
			d, err := disk.Open(path)
			if err != nil {
				util.DPrintf(1, "mpool: scan %s: %v\n", path, err)
				return nil
			}
			defer d.Close()
			sb, err := super.Read(d)
			if err != nil {
				return nil
			}
			_, active := registry.LookupUUID(sb.UUID)
			found[i] = &Found{Name: sb.Name, UUID: sb.UUID, Device: path, Active: active}
			return nil
		})
	}
	must.Nil(g.Wait())
	var fs []Found
	for _, f := range found {
		if f != nil {
			fs = append(fs, *f)
		}
	}
	return fs, nil
}

// devicesOf returns the devices of the pool called name.
func devicesOf(name string, params config.Params) (uuid.UUID, []string, error) {
	fs, err := Scan(params)
	if err != nil {
		return uuid.Nil, nil, err
	}
	var id uuid.UUID
	var paths []string
	for _, f := range fs {
		if f.Name != name {
			continue
		}
		if id != uuid.Nil && f.UUID != id {
			return uuid.Nil, nil, merr.E(merr.EEXIST, "two pools named "+name)
		}
		id = f.UUID
		paths = append(paths, f.Device)
	}
	if paths == nil {
		return uuid.Nil, nil, merr.E(merr.ENOENT, "pool "+name+" not found")
	}
	return id, paths, nil
}

func closeAll(ds []disk.Disk) {
	for _, d := range ds {
		d.Close()
	}
}

// freshDevice opens path for a new pool member. Unless force is set a
// device that already carries a superblock is refused.
func freshDevice(path string, params config.Params) (disk.Disk, error) {
	d, err := disk.Open(path)
	if err != nil {
		return nil, err
	}
	if params.Sectsz != 0 && d.SectorSize() != params.Sectsz {
		d.Close()
		return nil, merr.E(merr.EINVAL, "sector size mismatch", merr.Report{Device: path, Offset: -1})
	}
	if params.Force {
		if err := super.Erase(d); err != nil {
			d.Close()
			return nil, err
		}
		return d, nil
	}
	if _, err := super.Read(d); err == nil || !merr.Is(err, merr.ENOENT) {
		d.Close()
		return nil, merr.E(merr.EEXIST, "device holds a pool", merr.Report{Device: path, Offset: 0})
	}
	return d, nil
}

// Create makes a pool called name on dev and activates it. With
// params.Stgdev set, that device joins the pool as its staging class.
func Create(name string, dev string, params config.Params) (err error) {
	if err := validName(name); err != nil {
		return err
	}
	if err := params.Validate(); err != nil {
		return err
	}
	class, err := params.PrimaryClass()
	if err != nil {
		return err
	}
	if _, ok := registry.Lookup(name); ok {
		return merr.E(merr.EEXIST, "pool "+name+" is active")
	}
	if _, _, err := devicesOf(name, params); err == nil {
		return merr.E(merr.EEXIST, "pool "+name+" exists")
	}
	paths := []string{dev}
	if params.Stgdev != "" {
		paths = append(paths, params.Stgdev)
	}
	if err := registry.Claim(name, paths); err != nil {
		return err
	}
	defer func() {
		if err != nil {
			registry.Release(paths)
		}
	}()

	lg := util.MkLogger("mpool "+name, params.Log)
	d, err := freshDevice(dev, params)
	if err != nil {
		return err
	}
	sb := super.MkSuperblock(name, uuid.New())
	desc, err := obj.Format(d, class, propsOf(params), params.Mdc0Cap*common.MiB, lg)
	if err == nil {
		err = super.Write(d, sb)
	}
	if err != nil {
		d.Close()
		return err
	}
	disks := []disk.Disk{d}
	if params.Stgdev != "" {
		stg, err := freshDevice(params.Stgdev, params)
		if err != nil {
			super.Erase(d)
			closeAll(disks)
			return err
		}
		disks = append(disks, stg)
		m, err := obj.Open([]*obj.Device{obj.MkDevice(d, desc)}, lg)
		if err == nil {
			_, err = m.AddDevice(stg, common.MclassStaging)
			if err == nil {
				err = super.Write(stg, sb)
			}
			m.Close()
		}
		if err != nil {
			super.Erase(d)
			closeAll(disks)
			return err
		}
	}
	lg.Printf(log.Info, "created on %s", strings.Join(paths, ","))
	return activate(name, sb.UUID, paths, disks, params)
}

// Activate loads the pool called name from the devices in params and
// publishes it. It fails EBUSY if a device of the pool is claimed.
func Activate(name string, params config.Params) (err error) {
	if _, ok := registry.Lookup(name); ok {
		return merr.E(merr.EBUSY, "pool "+name+" already active")
	}
	id, paths, err := devicesOf(name, params)
	if err != nil {
		return err
	}
	if err := registry.Claim(name, paths); err != nil {
		return err
	}
	defer func() {
		if err != nil {
			registry.Release(paths)
		}
	}()
	var disks []disk.Disk
	for _, path := range paths {
		d, err := disk.Open(path)
		if err != nil {
			closeAll(disks)
			return err
		}
		disks = append(disks, d)
	}
	return activate(name, id, paths, disks, params)
}

// activate brings up a pool over its open devices, which it owns from
// then on.
func activate(name string, id uuid.UUID, paths []string, disks []disk.Disk, params config.Params) (err error) {
	defer func() {
		if err != nil {
			closeAll(disks)
		}
	}()
	lg := util.MkLogger("mpool "+name, params.Log)
	var devs []*obj.Device
	for _, d := range disks {
		desc, err := super.ReadDescriptor(d)
		if err != nil {
			return err
		}
		devs = append(devs, obj.MkDevice(d, desc))
	}
	m, err := obj.Open(devs, lg)
	if err != nil {
		return err
	}
	props := m.Props()
	rundir := params.Rundir
	if rundir == "" {
		rundir = config.DefaultRundir
	}
	dir, err := registry.MkRundir(rundir, name, props.UID, props.GID, props.Mode)
	if err != nil {
		m.Close()
		return err
	}
	p := &Pool{
		name:  name,
		uuid:  id,
		disks: disks,
		m:     m,
		e:     mblock.MkEngine(),
		lg:    lg,
		root:  rundir,
		dir:   dir,
		mu:    new(sync.Mutex),
	}
	err = registry.Register(&registry.Entry{Name: name, UUID: id, Devices: paths, Rundir: dir, Pool: p})
	if err != nil {
		registry.RmRundir(dir)
		m.Close()
		return err
	}
	lg.Printf(log.Info, "activated")
	return nil
}

func lookup(name string) (*Pool, error) {
	e, ok := registry.Lookup(name)
	if !ok {
		return nil, merr.E(merr.ENOENT, "pool "+name+" not active")
	}
	return e.Pool.(*Pool), nil
}

// Deactivate closes the metadata of an active pool and releases its
// devices. It fails EBUSY while the pool is open.
func Deactivate(name string) error {
	p, err := lookup(name)
	if err != nil {
		return err
	}
	p.mu.Lock()
	if p.opens > 0 || p.excl {
		p.mu.Unlock()
		return merr.E(merr.EBUSY, "pool "+name+" is open")
	}
	p.done = true
	p.mu.Unlock()

	err = p.m.Close()
	closeAll(p.disks)
	if rerr := registry.RmRundir(p.dir); err == nil {
		err = rerr
	}
	if uerr := registry.Unregister(name); err == nil {
		err = uerr
	}
	p.lg.Printf(log.Info, "deactivated")
	return err
}

// Destroy erases the headers of every device of an inactive pool.
func Destroy(name string, params config.Params) error {
	if _, ok := registry.Lookup(name); ok {
		return merr.E(merr.EBUSY, "pool "+name+" is active")
	}
	_, paths, err := devicesOf(name, params)
	if err != nil {
		return err
	}
	if err := registry.Claim(name, paths); err != nil {
		return err
	}
	defer registry.Release(paths)
	for _, path := range paths {
		d, err := disk.Open(path)
		if err != nil {
			return err
		}
		err = super.Erase(d)
		d.Close()
		if err != nil {
			return err
		}
	}
	util.DPrintf(1, "mpool: destroyed %s\n", name)
	return nil
}

// Rename gives an inactive pool a new name on all of its devices.
func Rename(oldName, newName string, params config.Params) error {
	if err := validName(newName); err != nil {
		return err
	}
	for _, n := range []string{oldName, newName} {
		if _, ok := registry.Lookup(n); ok {
			return merr.E(merr.EBUSY, "pool "+n+" is active")
		}
	}
	if _, _, err := devicesOf(newName, params); err == nil {
		return merr.E(merr.EEXIST, "pool "+newName+" exists")
	}
	_, paths, err := devicesOf(oldName, params)
	if err != nil {
		return err
	}
	if err := registry.Claim(oldName, paths); err != nil {
		return err
	}
	defer registry.Release(paths)
	for _, path := range paths {
		d, err := disk.Open(path)
		if err != nil {
			return err
		}
		sb, err := super.Read(d)
		if err == nil {
			sb.Name = newName
			sb.Gen++
			err = super.Write(d, sb)
		}
		d.Close()
		if err != nil {
			return err
		}
	}
	return nil
}

// MclassAdd joins dev to the active pool name as its device of class.
func MclassAdd(name string, dev string, class common.Mclass, params config.Params) (err error) {
	p, err := lookup(name)
	if err != nil {
		return err
	}
	if err := registry.Claim(name, []string{dev}); err != nil {
		return err
	}
	defer func() {
		if err != nil {
			registry.Release([]string{dev})
		}
	}()
	d, err := freshDevice(dev, params)
	if err != nil {
		return err
	}
	if _, err := p.m.AddDevice(d, class); err != nil {
		d.Close()
		return err
	}
	sb := super.MkSuperblock(name, p.uuid)
	if err := super.Write(d, sb); err != nil {
		d.Close()
		return err
	}
	p.mu.Lock()
	p.disks = append(p.disks, d)
	p.mu.Unlock()
	p.lg.Printf(log.Info, "added %s as %v", dev, class)
	return registry.AddDevice(name, dev)
}

// Info describes an active pool.
type Info struct {
	Name    string
	UUID    uuid.UUID
	Devices []string
	Rundir  string
	Props   obj.Props
	Usage   []obj.ClassUsage
}

// List describes every active pool.
func List() []Info {
	var infos []Info
	for _, e := range registry.List() {
		p := e.Pool.(*Pool)
		infos = append(infos, Info{
			Name:    e.Name,
			UUID:    e.UUID,
			Devices: append([]string(nil), e.Devices...),
			Rundir:  e.Rundir,
			Props:   p.m.Props(),
			Usage:   p.m.Usage(),
		})
	}
	return infos
}

// Props returns the properties of the active pool name.
func Props(name string) (obj.Props, error) {
	p, err := lookup(name)
	if err != nil {
		return obj.Props{}, err
	}
	return p.m.Props(), nil
}

// SetProps changes the ownership, mode or label of the active pool name.
// The run directory follows the new ownership and mode.
func SetProps(name string, update func(p *obj.Props)) error {
	p, err := lookup(name)
	if err != nil {
		return err
	}
	props := p.m.Props()
	update(&props)
	if err := p.m.SetProps(props); err != nil {
		return err
	}
	_, err = registry.MkRundir(p.root, name, props.UID, props.GID, props.Mode)
	return err
}
