package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/grailbio/base/log"
	"gopkg.in/yaml.v3"

	"github.com/mit-pdos/go-mpool/common"
	"github.com/mit-pdos/go-mpool/config"
	"github.com/mit-pdos/go-mpool/mpool"
	"github.com/mit-pdos/go-mpool/obj"
)

type command struct {
	// props are the key=value properties the command accepts, besides
	// the site properties every command takes.
	props []string
	run   func(args []string) error
}

var siteProps = []string{"devices", "rundir"}

var createProps = []string{
	"uid", "gid", "mode", "label", "mclassp", "mblocksz", "capsz", "stgsz",
	"mdc0cap", "mdcncap", "mdcnum", "stgdev", "force", "force4ka", "sectsz", "spare",
}

var setProps = []string{"uid", "gid", "mode", "label"}

var commands map[string]command

func init() {
	commands = map[string]command{
		"create":     {createProps, createCmd},
		"destroy":    {nil, destroyCmd},
		"activate":   {nil, activateCmd},
		"deactivate": {nil, deactivateCmd},
		"list":       {nil, listCmd},
		"scan":       {nil, scanCmd},
		"get":        {nil, getCmd},
		"set":        {setProps, setCmd},
		"rename":     {nil, renameCmd},
		"add":        {[]string{"mclassp", "force", "sectsz"}, addCmd},
		"version":    {nil, versionCmd},
	}
}

// parse splits args into positional arguments and key=value properties,
// and applies the properties over the configuration. The command must
// take exactly npos positional arguments.
func parse(name string, args []string, npos int, p *config.Params) ([]string, error) {
	var pos, kv []string
	for _, arg := range args {
		if strings.Contains(arg, "=") {
			kv = append(kv, arg)
		} else {
			pos = append(pos, arg)
		}
	}
	if len(pos) != npos {
		return nil, usagef("%s takes %d arguments, got %d", name, npos, len(pos))
	}
	allowed := append(append([]string(nil), siteProps...), commands[name].props...)
	if err := p.ParseProps(kv, allowed); err != nil {
		return nil, fail("parse properties for", name, err)
	}
	return pos, nil
}

func loadConfig() (config.Params, error) {
	p, err := config.Load(*configPath)
	if err != nil {
		return p, fail("load", "configuration", err)
	}
	return p, nil
}

func setup(name string, args []string, npos int) ([]string, config.Params, error) {
	p, err := loadConfig()
	if err != nil {
		return nil, p, err
	}
	pos, err := parse(name, args, npos, &p)
	return pos, p, err
}

// withPool runs fn with the pool active in this process. A pool held
// active by another process is busy.
func withPool(name string, p config.Params, fn func() error) error {
	if pid, ok := holder(p.Rundir, name); ok {
		return fail("activate", "mpool "+name, busyf("held active by process %d", pid))
	}
	if err := mpool.Activate(name, p); err != nil {
		return fail("activate", "mpool "+name, err)
	}
	err := fn()
	if derr := mpool.Deactivate(name); err == nil {
		err = fail("deactivate", "mpool "+name, derr)
	}
	return err
}

func createCmd(args []string) error {
	pos, p, err := setup("create", args, 2)
	if err != nil {
		return err
	}
	name, dev := pos[0], pos[1]
	if err := mpool.Create(name, dev, p); err != nil {
		return fail("create", "mpool "+name, err)
	}
	log.Printf("created %s on %s", name, dev)
	return fail("deactivate", "mpool "+name, mpool.Deactivate(name))
}

func destroyCmd(args []string) error {
	pos, p, err := setup("destroy", args, 1)
	if err != nil {
		return err
	}
	name := pos[0]
	if pid, ok := holder(p.Rundir, name); ok {
		return fail("destroy", "mpool "+name, busyf("held active by process %d", pid))
	}
	return fail("destroy", "mpool "+name, mpool.Destroy(name, p))
}

func activateCmd(args []string) error {
	pos, p, err := setup("activate", args, 1)
	if err != nil {
		return err
	}
	name := pos[0]
	if pid, ok := holder(p.Rundir, name); ok {
		return fail("activate", "mpool "+name, busyf("held active by process %d", pid))
	}
	if err := mpool.Activate(name, p); err != nil {
		return fail("activate", "mpool "+name, err)
	}
	if err := hold(p.Rundir, name); err != nil {
		mpool.Deactivate(name)
		return fail("activate", "mpool "+name, err)
	}
	log.Printf("%s active", name)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	<-ctx.Done()
	stop()
	log.Printf("deactivating %s", name)
	return fail("deactivate", "mpool "+name, mpool.Deactivate(name))
}

func deactivateCmd(args []string) error {
	pos, p, err := setup("deactivate", args, 1)
	if err != nil {
		return err
	}
	name := pos[0]
	return fail("deactivate", "mpool "+name, release(p.Rundir, name))
}

type listEntry struct {
	name    string
	uuid    string
	devices []string
	state   string
	usage   []obj.ClassUsage
}

// listCmd reports every pool found on the configured devices. Pools
// that no process holds are activated briefly to read their usage.
func listCmd(args []string) error {
	_, p, err := setup("list", args, 0)
	if err != nil {
		return err
	}
	found, err := mpool.Scan(p)
	if err != nil {
		return fail("scan", "devices", err)
	}
	byName := make(map[string]*listEntry)
	var names []string
	for _, f := range found {
		e := byName[f.Name]
		if e == nil {
			e = &listEntry{name: f.Name, uuid: f.UUID.String(), state: "inactive"}
			byName[f.Name] = e
			names = append(names, f.Name)
		}
		e.devices = append(e.devices, f.Device)
	}
	sort.Strings(names)
	for _, name := range names {
		e := byName[name]
		if pid, ok := holder(p.Rundir, name); ok {
			e.state = fmt.Sprintf("active (pid %d)", pid)
			continue
		}
		err := withPool(name, p, func() error {
			for _, info := range mpool.List() {
				if info.Name == name {
					e.usage = info.Usage
				}
			}
			return nil
		})
		if err != nil {
			log.Error.Printf("%s", message(err))
		}
	}

	tw := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tUUID\tSTATE\tCLASS\tTOTAL\tUSED\tMBLOCKS\tMLOGS\tDEVICES")
	for _, name := range names {
		e := byName[name]
		devs := strings.Join(e.devices, ",")
		if len(e.usage) == 0 {
			fmt.Fprintf(tw, "%s\t%s\t%s\t-\t-\t-\t-\t-\t%s\n", e.name, e.uuid, e.state, devs)
		}
		for _, u := range e.usage {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%v\t%s\t%s\t%d\t%d\t%s\n", e.name, e.uuid, e.state,
				u.Class, size(u.Total), size(u.Used), u.Mblocks, u.Mlogs, devs)
		}
	}
	return tw.Flush()
}

func size(n uint64) string {
	return fmt.Sprintf("%dM", n/common.MiB)
}

func scanCmd(args []string) error {
	_, p, err := setup("scan", args, 0)
	if err != nil {
		return err
	}
	found, err := mpool.Scan(p)
	if err != nil {
		return fail("scan", "devices", err)
	}
	tw := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "DEVICE\tNAME\tUUID")
	for _, f := range found {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", f.Device, f.Name, f.UUID)
	}
	return tw.Flush()
}

// printedProps is how get shows pool properties.
type printedProps struct {
	Name     string            `yaml:"name"`
	UID      uint32            `yaml:"uid"`
	GID      uint32            `yaml:"gid"`
	Mode     string            `yaml:"mode"`
	Label    string            `yaml:"label"`
	Mblocksz map[string]uint64 `yaml:"mblocksz"`
	MdcNum   uint64            `yaml:"mdcnum"`
	MdcnCap  uint64            `yaml:"mdcncap"`
	Spare    uint64            `yaml:"spare"`
	Force4KA bool              `yaml:"force4ka"`
}

func getCmd(args []string) error {
	pos, p, err := setup("get", args, 1)
	if err != nil {
		return err
	}
	name := pos[0]
	return withPool(name, p, func() error {
		props, err := mpool.Props(name)
		if err != nil {
			return fail("get", "properties of "+name, err)
		}
		out := printedProps{
			Name:     name,
			UID:      props.UID,
			GID:      props.GID,
			Mode:     fmt.Sprintf("%#o", props.Mode),
			Label:    props.Label,
			Mblocksz: make(map[string]uint64),
			MdcNum:   props.MdcNum,
			MdcnCap:  props.MdcnCap / common.MiB,
			Spare:    props.Spare,
			Force4KA: props.Force4KA,
		}
		for mc, sz := range props.MblockSz {
			out.Mblocksz[common.Mclass(mc).String()] = sz
		}
		b, err := yaml.Marshal(out)
		if err != nil {
			return err
		}
		_, err = os.Stdout.Write(b)
		return err
	})
}

func setCmd(args []string) error {
	pos, p, err := setup("set", args, 1)
	if err != nil {
		return err
	}
	name := pos[0]
	given := make(map[string]bool)
	for _, arg := range args {
		for _, k := range setProps {
			if strings.HasPrefix(arg, k+"=") {
				given[k] = true
			}
		}
	}
	if len(given) == 0 {
		return usagef("set needs at least one of %s", strings.Join(setProps, ", "))
	}
	return withPool(name, p, func() error {
		err := mpool.SetProps(name, func(props *obj.Props) {
			if given["uid"] {
				props.UID = p.UID
			}
			if given["gid"] {
				props.GID = p.GID
			}
			if given["mode"] {
				props.Mode = p.Mode
			}
			if given["label"] {
				props.Label = p.Label
			}
		})
		return fail("set", "properties of "+name, err)
	})
}

func renameCmd(args []string) error {
	pos, p, err := setup("rename", args, 2)
	if err != nil {
		return err
	}
	oldName, newName := pos[0], pos[1]
	if pid, ok := holder(p.Rundir, oldName); ok {
		return fail("rename", "mpool "+oldName, busyf("held active by process %d", pid))
	}
	return fail("rename", "mpool "+oldName, mpool.Rename(oldName, newName, p))
}

// addCmd joins a device to a pool. The class defaults to staging.
func addCmd(args []string) error {
	p, err := loadConfig()
	if err != nil {
		return err
	}
	p.Mclassp = common.MclassStaging.String()
	pos, err := parse("add", args, 2, &p)
	if err != nil {
		return err
	}
	name, dev := pos[0], pos[1]
	class, err := p.PrimaryClass()
	if err != nil {
		return fail("add", dev, err)
	}
	return withPool(name, p, func() error {
		return fail("add", dev+" to mpool "+name, mpool.MclassAdd(name, dev, class, p))
	})
}

func versionCmd(args []string) error {
	if len(args) != 0 {
		return usagef("version takes no arguments")
	}
	fmt.Println("mpool", version)
	return nil
}
