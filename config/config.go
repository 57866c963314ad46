// Package config holds pool parameters: the properties given when a pool
// is created or activated, and the process settings that go with them.
//
// Parameters come from three places, later ones winning: the built-in
// defaults, a YAML file (named by MPOOL_CONFIG unless given explicitly),
// and key=value properties on the command line.
package config

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"gopkg.in/yaml.v3"

	"github.com/mit-pdos/go-mpool/common"
)

// EnvConfig names the default configuration file.
const EnvConfig = "MPOOL_CONFIG"

const (
	DefaultMblockSizeMiB = 32
	DefaultRundir        = "/var/run/mpool"
)

type Params struct {
	UID   uint32 `yaml:"uid"`
	GID   uint32 `yaml:"gid"`
	Mode  uint32 `yaml:"mode"`
	Label string `yaml:"label"`

	// Mclassp is the media class of the device a pool is created on.
	Mclassp string `yaml:"mclassp"`

	// Mblock sizes in MiB. Capsz and Stgsz apply to one media class and
	// take precedence over Mblocksz.
	Mblocksz uint64 `yaml:"mblocksz"`
	Capsz    uint64 `yaml:"capsz"`
	Stgsz    uint64 `yaml:"stgsz"`

	// Metadata container capacities in MiB, and the number of
	// containers journaling user objects.
	Mdc0Cap uint64 `yaml:"mdc0cap"`
	MdcnCap uint64 `yaml:"mdcncap"`
	MdcNum  uint64 `yaml:"mdcnum"`

	// Stgdev is a staging device joined to the pool at create.
	Stgdev string `yaml:"stgdev"`

	Force    bool   `yaml:"force"`
	Force4KA bool   `yaml:"force4ka"`
	Sectsz   int    `yaml:"sectsz"`
	Spare    uint64 `yaml:"spare"`

	Rundir  string   `yaml:"rundir"`
	Devices []string `yaml:"devices"`

	// Log receives the pool's events. Nil sends them to the process log.
	Log log.Outputter `yaml:"-"`
}

func Defaults() Params {
	return Params{
		Mode:     0660,
		Mclassp:  "CAPACITY",
		Mblocksz: DefaultMblockSizeMiB,
		Mdc0Cap:  1,
		MdcnCap:  4,
		MdcNum:   4,
		Force4KA: true,
		Spare:    5,
		Rundir:   DefaultRundir,
		Devices:  []string{"/dev/nvme*n*", "/dev/sd*"},
	}
}

// Load reads the parameters in the YAML file at path over the defaults.
// An empty path means the file named by MPOOL_CONFIG, and no file at all
// when that is unset.
func Load(path string) (Params, error) {
	p := Defaults()
	if path == "" {
		path = os.Getenv(EnvConfig)
	}
	if path == "" {
		return p, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return p, errors.E(errors.NotExist, "read config "+path, err)
	}
	if err := yaml.Unmarshal(b, &p); err != nil {
		return p, errors.E(errors.Invalid, "parse config "+path, err)
	}
	if err := p.Validate(); err != nil {
		return p, errors.E(err, "config "+path)
	}
	return p, nil
}

// MblockSizes returns the mblock size in MiB of each media class.
func (p *Params) MblockSizes() [common.MclassCount]uint64 {
	var sz [common.MclassCount]uint64
	sz[common.MclassCapacity] = p.Mblocksz
	sz[common.MclassStaging] = p.Mblocksz
	if p.Capsz != 0 {
		sz[common.MclassCapacity] = p.Capsz
	}
	if p.Stgsz != 0 {
		sz[common.MclassStaging] = p.Stgsz
	}
	return sz
}

func (p *Params) PrimaryClass() (common.Mclass, error) {
	mc, ok := common.ParseMclass(p.Mclassp)
	if !ok {
		return 0, errors.E(errors.Invalid, "unknown media class "+p.Mclassp)
	}
	return mc, nil
}

// Validate checks the parameters that have a fixed domain.
func (p *Params) Validate() error {
	for _, sz := range p.MblockSizes() {
		if sz < common.MinMblockSizeMiB || sz > common.MaxMblockSizeMiB || sz&(sz-1) != 0 {
			return errors.E(errors.Invalid, fmt.Sprintf("mblock size %d MiB is not a power of two in [1,64]", sz))
		}
	}
	if _, err := p.PrimaryClass(); err != nil {
		return err
	}
	switch {
	case p.Mdc0Cap == 0 || p.MdcnCap == 0:
		return errors.E(errors.Invalid, "metadata container capacity must be at least 1 MiB")
	case p.MdcNum == 0 || p.MdcNum > 255:
		return errors.E(errors.Invalid, "mdcnum must be in [1,255]")
	case p.Mode&^0777 != 0:
		return errors.E(errors.Invalid, "mode has bits outside 0777")
	case p.Sectsz < 0 || p.Sectsz&(p.Sectsz-1) != 0:
		return errors.E(errors.Invalid, "sector size must be a power of two")
	case p.Spare > 50:
		return errors.E(errors.Invalid, "spare must be at most 50 percent")
	}
	return nil
}

type setter func(p *Params, v string) error

func uintSetter(bits int, base int, set func(p *Params, n uint64)) setter {
	return func(p *Params, v string) error {
		n, err := strconv.ParseUint(v, base, bits)
		if err != nil {
			return err
		}
		set(p, n)
		return nil
	}
}

func boolSetter(set func(p *Params, b bool)) setter {
	return func(p *Params, v string) error {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return err
		}
		set(p, b)
		return nil
	}
}

var setters = map[string]setter{
	"uid":      uintSetter(32, 10, func(p *Params, n uint64) { p.UID = uint32(n) }),
	"gid":      uintSetter(32, 10, func(p *Params, n uint64) { p.GID = uint32(n) }),
	"mode":     uintSetter(32, 8, func(p *Params, n uint64) { p.Mode = uint32(n) }),
	"label":    func(p *Params, v string) error { p.Label = v; return nil },
	"mclassp":  func(p *Params, v string) error { p.Mclassp = v; return nil },
	"mblocksz": uintSetter(64, 10, func(p *Params, n uint64) { p.Mblocksz = n }),
	"capsz":    uintSetter(64, 10, func(p *Params, n uint64) { p.Capsz = n }),
	"stgsz":    uintSetter(64, 10, func(p *Params, n uint64) { p.Stgsz = n }),
	"mdc0cap":  uintSetter(64, 10, func(p *Params, n uint64) { p.Mdc0Cap = n }),
	"mdcncap":  uintSetter(64, 10, func(p *Params, n uint64) { p.MdcnCap = n }),
	"mdcnum":   uintSetter(64, 10, func(p *Params, n uint64) { p.MdcNum = n }),
	"stgdev":   func(p *Params, v string) error { p.Stgdev = v; return nil },
	"force":    boolSetter(func(p *Params, b bool) { p.Force = b }),
	"force4ka": boolSetter(func(p *Params, b bool) { p.Force4KA = b }),
	"sectsz":   uintSetter(31, 10, func(p *Params, n uint64) { p.Sectsz = int(n) }),
	"spare":    uintSetter(64, 10, func(p *Params, n uint64) { p.Spare = n }),
	"rundir":   func(p *Params, v string) error { p.Rundir = v; return nil },
	"devices": func(p *Params, v string) error {
		p.Devices = strings.Split(v, ",")
		return nil
	},
}

// Keys lists every property key.
func Keys() []string {
	keys := make([]string, 0, len(setters))
	for k := range setters {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Set parses value into the property key.
func (p *Params) Set(key, value string) error {
	set, ok := setters[key]
	if !ok {
		return errors.E(errors.Invalid, "unknown property "+key)
	}
	if err := set(p, value); err != nil {
		return errors.E(errors.Invalid, fmt.Sprintf("bad value %q for %s", value, key), err)
	}
	return nil
}

// ParseProps applies key=value arguments to p. Only keys in allowed are
// accepted. The result is validated.
func (p *Params) ParseProps(args []string, allowed []string) error {
	ok := make(map[string]bool, len(allowed))
	for _, k := range allowed {
		ok[k] = true
	}
	for _, arg := range args {
		i := strings.IndexByte(arg, '=')
		if i <= 0 {
			return errors.E(errors.Invalid, fmt.Sprintf("property %q is not key=value", arg))
		}
		key, value := arg[:i], arg[i+1:]
		if !ok[key] {
			return errors.E(errors.Invalid, "property "+key+" not accepted here")
		}
		if err := p.Set(key, value); err != nil {
			return err
		}
	}
	return p.Validate()
}
