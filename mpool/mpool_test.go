package mpool

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"testing"

	fuzz "github.com/google/gofuzz"
	"github.com/grailbio/testutil"
	"github.com/stretchr/testify/suite"

	"github.com/mit-pdos/go-mpool/buf"
	"github.com/mit-pdos/go-mpool/common"
	"github.com/mit-pdos/go-mpool/config"
	"github.com/mit-pdos/go-mpool/disk"
	"github.com/mit-pdos/go-mpool/mcache"
	"github.com/mit-pdos/go-mpool/merr"
	"github.com/mit-pdos/go-mpool/mlog"
	"github.com/mit-pdos/go-mpool/obj"
	"github.com/mit-pdos/go-mpool/objid"
)

type PoolSuite struct {
	suite.Suite
	rundir  string
	cleanup func()
	disks   []string
	pools   []string
	n       int
}

func (s *PoolSuite) SetupSuite() {
	s.rundir, s.cleanup = testutil.TempDir(s.T(), "", "mpool-run")
}

func (s *PoolSuite) TearDownSuite() {
	s.cleanup()
}

func (s *PoolSuite) TearDownTest() {
	for _, name := range s.pools {
		Deactivate(name)
	}
	for _, name := range s.disks {
		disk.RemoveMem(name)
	}
	s.pools = nil
	s.disks = nil
}

func (s *PoolSuite) params() config.Params {
	p := config.Defaults()
	p.Devices = []string{disk.MemPrefix + "mpt-*"}
	p.Rundir = s.rundir
	p.Mblocksz = 4
	p.MdcNum = 2
	p.MdcnCap = 1
	return p
}

// mkDisk creates a memory device and returns its path.
func (s *PoolSuite) mkDisk(size int64) string {
	s.n++
	name := fmt.Sprintf("mpt-%s-%d", strings.ReplaceAll(s.T().Name(), "/", "-"), s.n)
	s.Require().NoError(disk.CreateMem(name, size, 512))
	s.disks = append(s.disks, name)
	return disk.MemPrefix + name
}

func (s *PoolSuite) create(name string) string {
	dev := s.mkDisk(1 << 30)
	s.Require().NoError(Create(name, dev, s.params()))
	s.pools = append(s.pools, name)
	return dev
}

func (s *PoolSuite) open(name string, flags common.OpenFlags) *Handle {
	h, err := Open(name, flags)
	s.Require().NoError(err)
	return h
}

func randBytes(n int) []byte {
	var b []byte
	fuzz.New().NilChance(0).NumElements(n, n).Fuzz(&b)
	return b
}

// Write four optimal-size segments to an mblock, commit it and read the
// last segment back.
func (s *PoolSuite) TestMblockRoundTrip() {
	s.create("mp1")
	h := s.open("mp1", common.ORdwr)
	defer h.Close()

	id, props, err := h.MblockAlloc(common.MclassCapacity, false)
	s.Require().NoError(err)
	s.Equal(uint64(4*common.MiB), props.AllocCap)
	s.False(props.Committed)
	x := props.OptimalWrsz
	s.NotZero(x)
	s.Zero(x % common.PageSize)

	var iov buf.Iov
	for i := 0; i < 4; i++ {
		iov = append(iov, randBytes(int(x)))
	}
	s.Require().NoError(h.MblockWrite(id, iov))
	s.Require().NoError(h.MblockCommit(id))
	s.True(merr.Is(h.MblockWrite(id, iov[:1]), merr.EINVAL), "write after commit")

	props, err = h.MblockFind(id)
	s.Require().NoError(err)
	s.Equal(4*x, props.WriteLen)
	s.True(props.Committed)

	p := make([]byte, x)
	s.NoError(h.MblockRead(id, buf.Iov{p}, 3*x))
	s.Equal(iov[3], p)
	s.True(merr.Is(h.MblockRead(id, buf.Iov{p}, 100), merr.EINVAL))

	s.NoError(h.MblockDelete(id))
	_, err = h.MblockFind(id)
	s.True(merr.Is(err, merr.ENOENT))
}

func (s *PoolSuite) TestMblockAbort() {
	s.create("mp-abort")
	h := s.open("mp-abort", common.ORdwr)
	defer h.Close()
	id, _, err := h.MblockAlloc(common.MclassCapacity, false)
	s.Require().NoError(err)
	s.NoError(h.MblockWrite(id, buf.Iov{make([]byte, common.PageSize)}))
	s.True(merr.Is(h.MblockDelete(id), merr.EINVAL), "delete before commit")
	s.NoError(h.MblockAbort(id))
	_, err = h.MblockFind(id)
	s.True(merr.Is(err, merr.ENOENT))

	_, _, err = h.MblockAlloc(common.MclassStaging, false)
	s.True(merr.Is(err, merr.ENOSPC), "no staging device")
	_, err = h.MblockFind(objid.MblockID(objid.Make(objid.TypeMlog, 1, 1)))
	s.True(merr.Is(err, merr.EINVAL))
}

// Ten small records are appended asynchronously and synced, then five
// larger ones synchronously; all fifteen survive reactivation.
func (s *PoolSuite) TestMlogSyncAsync() {
	s.create("mp-mlog")
	h := s.open("mp-mlog", common.ORdwr)
	id, props, err := h.MlogAlloc(common.MclassCapacity, 2*common.MiB, false)
	s.Require().NoError(err)
	s.Equal(uint64(2*common.MiB), props.Cap)
	s.Require().NoError(h.MlogCommit(id))
	ml, err := h.MlogOpen(id, 0)
	s.Require().NoError(err)

	seed := randBytes(1024)
	for i := 0; i < 10; i++ {
		s.Require().NoError(ml.Append(buf.Iov{seed[:512]}, false))
	}
	s.Require().NoError(ml.Flush())
	for i := 0; i < 5; i++ {
		s.Require().NoError(ml.Append(buf.Iov{seed[:256], seed[256:]}, true))
	}
	s.NoError(ml.Close())
	s.NoError(h.Close())
	s.Require().NoError(Deactivate("mp-mlog"))
	s.Require().NoError(Activate("mp-mlog", s.params()))

	h = s.open("mp-mlog", common.ORdonly)
	defer h.Close()
	ml, err = h.MlogOpen(id, 0)
	s.Require().NoError(err)
	defer ml.Close()
	s.Require().NoError(ml.Rewind())
	p := make([]byte, 1024)
	for i := 0; i < 15; i++ {
		n, err := ml.Read(p)
		s.Require().NoError(err, "record %d", i)
		want := 512
		if i >= 10 {
			want = 1024
		}
		s.Equal(want, n)
		s.Equal(seed[:want], p[:n])
	}
	n, err := ml.Read(p)
	s.Equal(io.EOF, err)
	s.Zero(n)
	s.True(merr.Is(ml.Append(buf.Iov{seed}, true), merr.EPERM), "read-only pool")
}

func (s *PoolSuite) TestMlogOpens() {
	s.create("mp-opens")
	h := s.open("mp-opens", common.ORdwr)
	defer h.Close()
	id, _, err := h.MlogAlloc(common.MclassCapacity, common.MiB, false)
	s.Require().NoError(err)
	_, err = h.MlogOpen(id, 0)
	s.True(merr.Is(err, merr.EINVAL), "open before commit")
	s.Require().NoError(h.MlogCommit(id))

	a, err := h.MlogOpen(id, mlog.SkipSer)
	s.Require().NoError(err)
	_, err = h.MlogOpen(id, 0)
	s.True(merr.Is(err, merr.EINVAL), "mixed serialization")
	b, err := h.MlogOpen(id, mlog.SkipSer)
	s.Require().NoError(err)

	s.NoError(a.Append(buf.Iov{[]byte("shared")}, true))
	s.Equal(a.Len(), b.Len())
	s.True(merr.Is(h.MlogDelete(id), merr.EBUSY))
	s.True(merr.Is(h.Close(), merr.EBUSY))

	g := b.Gen()
	s.NoError(b.Erase(g + 5))
	s.True(b.Empty())
	props, err := h.MlogFind(id)
	s.Require().NoError(err)
	s.Equal(g+5, props.Gen)

	s.NoError(a.Close())
	s.True(merr.Is(a.Close(), merr.EINVAL))
	s.NoError(b.Close())
	s.NoError(h.MlogDelete(id))
	_, err = h.MlogFind(id)
	s.True(merr.Is(err, merr.ENOENT))
}

// person is a large record: the person's number and version, repeated.
func person(i int, v string) []byte {
	tag := fmt.Sprintf("person %d %s;", i, v)
	return bytes.Repeat([]byte(tag), 104<<10/len(tag)+1)[:104<<10]
}

func readAll(s *PoolSuite, d *MDC) [][]byte {
	s.Require().NoError(d.Rewind())
	var recs [][]byte
	p := make([]byte, 128<<10)
	for {
		n, err := d.Read(p)
		if err == io.EOF {
			return recs
		}
		s.Require().NoError(err)
		recs = append(recs, append([]byte(nil), p[:n]...))
	}
}

// Six people are written, then updated until the MDC fills up;
// compaction rewrites the latest version of each.
func (s *PoolSuite) TestMdcCompaction() {
	s.create("mp-mdc")
	h := s.open("mp-mdc", common.ORdwr)
	defer h.Close()
	id, err := h.MdcAlloc(common.MclassCapacity, common.MiB, false)
	s.Require().NoError(err)
	s.Require().NoError(h.MdcCommit(id))
	p1, _ := h.MlogFind(id.Log1)
	p2, _ := h.MlogFind(id.Log2)
	s.NotEqual(p1.Gen, p2.Gen)

	d, err := h.MdcOpen(id, 0)
	s.Require().NoError(err)
	latest := make([][]byte, 6)
	for i := range latest {
		latest[i] = person(i, "v0")
		s.Require().NoError(d.Append(buf.Iov{latest[i]}, false))
	}
	full := false
	for n := 0; n < 12; n++ {
		rec := person(n%6, "v1")
		err := d.Append(buf.Iov{rec}, false)
		if merr.Is(err, merr.EFBIG) {
			full = true
			break
		}
		s.Require().NoError(err)
		latest[n%6] = rec
	}
	s.Require().True(full, "the MDC should fill up")
	s.Require().NoError(d.Cstart())
	for _, rec := range latest {
		s.Require().NoError(d.Append(buf.Iov{rec}, false))
	}
	s.Require().NoError(d.Cend())
	s.Equal(latest, readAll(s, d))
	s.NoError(d.Close())

	d, err = h.MdcOpen(id, 0)
	s.Require().NoError(err)
	s.Equal(latest, readAll(s, d))
	s.True(merr.Is(h.MdcDelete(id), merr.EBUSY))
	s.NoError(d.Close())
	s.NoError(h.MdcDelete(id))
}

// A crash between CSTART and CEND: the MDC reopens with the old image and
// the half-written log is erased above the active gen.
func (s *PoolSuite) TestMdcCrashBeforeCend() {
	s.create("mp-crash")
	h := s.open("mp-crash", common.ORdwr)
	defer h.Close()
	id, err := h.MdcAlloc(common.MclassCapacity, common.MiB, false)
	s.Require().NoError(err)
	s.Require().NoError(h.MdcCommit(id))
	d, err := h.MdcOpen(id, 0)
	s.Require().NoError(err)
	old := [][]byte{[]byte("first"), []byte("second")}
	for _, r := range old {
		s.Require().NoError(d.Append(buf.Iov{r}, true))
	}
	s.Require().NoError(d.Close())

	// log 1 has the lower gen, so with both empty it became active
	inactive, err := h.MlogOpen(id.Log2, 0)
	s.Require().NoError(err)
	s.Require().NoError(inactive.AppendCstart())
	s.Require().NoError(inactive.Append(buf.Iov{[]byte("partial")}, true))
	s.Require().NoError(inactive.Close())

	d, err = h.MdcOpen(id, 0)
	s.Require().NoError(err)
	s.Equal(old, readAll(s, d))
	s.NoError(d.Close())
	p1, _ := h.MlogFind(id.Log1)
	p2, _ := h.MlogFind(id.Log2)
	s.Greater(p2.Gen, p1.Gen)
}

func (s *PoolSuite) TestMdcMixedDelete() {
	s.create("mp-mixed")
	h := s.open("mp-mixed", common.ORdwr)
	defer h.Close()
	id, err := h.MdcAlloc(common.MclassCapacity, common.MiB, false)
	s.Require().NoError(err)
	s.Require().NoError(h.MdcCommit(id))
	s.Require().NoError(h.MlogDelete(id.Log2))
	s.True(merr.Is(h.MdcDelete(id), merr.ENOENT))
	_, err = h.MlogFind(id.Log1)
	s.NoError(err, "the surviving mlog is left alone")
	_, err = h.MdcOpen(id, 0)
	s.True(merr.Is(err, merr.ENOENT))
}

// Eight mblocks mapped together read back their data and zero padding,
// and cannot be deleted while mapped.
func (s *PoolSuite) TestMmap() {
	s.create("mp-map")
	h := s.open("mp-map", common.ORdwr)
	var ids []objid.MblockID
	var wlen uint64
	for i := 0; i < 8; i++ {
		id, props, err := h.MblockAlloc(common.MclassCapacity, false)
		s.Require().NoError(err)
		wlen = props.OptimalWrsz * 4
		s.Require().NoError(h.MblockWrite(id, buf.Iov{bytes.Repeat([]byte{byte('a' + i)}, int(wlen))}))
		s.Require().NoError(h.MblockCommit(id))
		ids = append(ids, id)
	}
	m, err := h.Mmap(ids, mcache.VMAHot)
	s.Require().NoError(err)
	s.NoError(m.Madvise(0, 0, mcache.Whole, mcache.AdvWillNeed))
	for i := range ids {
		b, err := m.Base(i)
		s.Require().NoError(err)
		s.Equal(bytes.Repeat([]byte{byte('a' + i)}, int(wlen)), b[:wlen])
		s.Equal(make([]byte, 4*common.MiB-wlen), b[wlen:])
	}
	_, vss, err := m.Mincore()
	s.Require().NoError(err)
	s.NoError(m.Purge())
	_, vss2, err := m.Mincore()
	s.Require().NoError(err)
	s.Equal(vss, vss2)

	s.True(merr.Is(h.MblockDelete(ids[0]), merr.EBUSY))
	s.True(merr.Is(h.Close(), merr.EBUSY))
	s.NoError(m.Munmap())
	s.True(merr.Is(m.Munmap(), merr.EINVAL))
	s.NoError(h.MblockDelete(ids[0]))
	_, err = h.Mmap(ids, mcache.VMAWarm)
	s.True(merr.Is(err, merr.ENOENT))
	s.NoError(h.Close())
}

func (s *PoolSuite) TestOpenExclusive() {
	s.create("mp-excl")
	a := s.open("mp-excl", common.ORdwr)
	_, err := Open("mp-excl", common.ORdwr|common.OExcl)
	s.True(merr.Is(err, merr.EBUSY))
	b := s.open("mp-excl", common.ORdwr)
	s.True(merr.Is(Deactivate("mp-excl"), merr.EBUSY))
	s.NoError(a.Close())
	s.NoError(b.Close())
	s.True(merr.Is(b.Close(), merr.EINVAL))

	x := s.open("mp-excl", common.ORdwr|common.OExcl)
	_, err = Open("mp-excl", common.ORdonly)
	s.True(merr.Is(err, merr.EBUSY))
	s.NoError(x.Close())

	r := s.open("mp-excl", common.ORdonly)
	_, _, err = r.MblockAlloc(common.MclassCapacity, false)
	s.True(merr.Is(err, merr.EPERM))
	s.NoError(r.Close())
	_, err = r.MblockFind(0)
	s.True(merr.Is(err, merr.EINVAL), "closed handle")

	_, err = Open("mp-nosuch", common.ORdwr)
	s.True(merr.Is(err, merr.ENOENT))
}

func (s *PoolSuite) TestAdmin() {
	dev := s.create("mp-admin")
	p := s.params()
	s.True(merr.Is(Create("mp-admin", s.mkDisk(1<<30), p), merr.EEXIST))
	s.True(merr.Is(Create("mp-other", dev, p), merr.EBUSY), "device claimed")
	s.True(merr.Is(Activate("mp-admin", p), merr.EBUSY))
	s.True(merr.Is(Destroy("mp-admin", p), merr.EBUSY))
	s.True(merr.Is(Rename("mp-admin", "mp-renamed", p), merr.EBUSY))

	infos := List()
	var found bool
	for _, info := range infos {
		if info.Name == "mp-admin" {
			found = true
			s.Equal([]string{dev}, info.Devices)
			s.Equal(uint64(4), info.Props.MblockSz[common.MclassCapacity])
			if s.Len(info.Usage, 1) {
				s.Equal(common.MclassCapacity, info.Usage[0].Class)
				s.NotZero(info.Usage[0].Used, "metadata containers")
				s.LessOrEqual(info.Usage[0].Total, uint64(1<<30))
			}
			s.DirExists(info.Rundir)
		}
	}
	s.True(found)

	s.Require().NoError(Deactivate("mp-admin"))
	s.True(merr.Is(Deactivate("mp-admin"), merr.ENOENT))
	s.Require().NoError(Rename("mp-admin", "mp-renamed", p))
	s.True(merr.Is(Activate("mp-admin", p), merr.ENOENT))
	s.Require().NoError(Activate("mp-renamed", p))
	s.pools = append(s.pools, "mp-renamed")

	fs, err := Scan(p)
	s.Require().NoError(err)
	var f *Found
	for i := range fs {
		if fs[i].Device == dev {
			f = &fs[i]
		}
	}
	if s.NotNil(f) {
		s.Equal("mp-renamed", f.Name)
		s.True(f.Active)
	}

	s.Require().NoError(Deactivate("mp-renamed"))
	s.Require().NoError(Destroy("mp-renamed", p))
	s.True(merr.Is(Activate("mp-renamed", p), merr.ENOENT))
	s.NoError(Create("mp-again", dev, p), "destroyed devices are free")
	s.pools = append(s.pools, "mp-again")
}

func (s *PoolSuite) TestCreateForce() {
	dev := s.create("mp-force")
	s.Require().NoError(Deactivate("mp-force"))
	p := s.params()
	s.True(merr.Is(Create("mp-force2", dev, p), merr.EEXIST), "device holds a pool")
	p.Force = true
	s.Require().NoError(Create("mp-force2", dev, p))
	s.pools = append(s.pools, "mp-force2")
	s.True(merr.Is(Activate("mp-force", s.params()), merr.ENOENT))

	s.True(merr.Is(Create("bad/name", s.mkDisk(1<<30), p), merr.EINVAL))
	s.True(merr.Is(Create(strings.Repeat("x", 40), s.mkDisk(1<<30), p), merr.EINVAL))
}

func (s *PoolSuite) TestProps() {
	s.create("mp-props")
	s.Require().NoError(SetProps("mp-props", func(p *obj.Props) {
		p.Label = "relabeled"
		p.Mode = 0600
	}))
	s.True(merr.Is(SetProps("mp-props", func(p *obj.Props) { p.MdcNum = 9 }), merr.EINVAL))
	s.Require().NoError(Deactivate("mp-props"))
	s.Require().NoError(Activate("mp-props", s.params()))
	props, err := Props("mp-props")
	s.Require().NoError(err)
	s.Equal("relabeled", props.Label)
	s.Equal(uint32(0600), props.Mode)
}

func (s *PoolSuite) TestStagingClass() {
	s.create("mp-stg")
	stg := s.mkDisk(64 << 20)
	p := s.params()
	s.Require().NoError(MclassAdd("mp-stg", stg, common.MclassStaging, p))
	s.True(merr.Is(MclassAdd("mp-stg", s.mkDisk(64<<20), common.MclassStaging, p), merr.EEXIST))

	h := s.open("mp-stg", common.ORdwr)
	id, props, err := h.MblockAlloc(common.MclassStaging, false)
	s.Require().NoError(err)
	s.Equal(common.MclassStaging, props.Class)
	s.Require().NoError(h.MblockWrite(id, buf.Iov{make([]byte, props.OptimalWrsz)}))
	s.Require().NoError(h.MblockCommit(id))
	s.NoError(h.Close())

	s.Require().NoError(Deactivate("mp-stg"))
	s.Require().NoError(Activate("mp-stg", p))
	h = s.open("mp-stg", common.ORdonly)
	defer h.Close()
	props, err = h.MblockFind(id)
	s.Require().NoError(err)
	s.True(props.Committed)
	s.Len(h.Usage(), 2)
}

func (s *PoolSuite) TestCreateWithStgdev() {
	p := s.params()
	p.Stgdev = s.mkDisk(64 << 20)
	p.Stgsz = 1
	s.Require().NoError(Create("mp-two", s.mkDisk(1<<30), p))
	s.pools = append(s.pools, "mp-two")
	h := s.open("mp-two", common.ORdwr)
	defer h.Close()
	_, props, err := h.MblockAlloc(common.MclassStaging, false)
	s.Require().NoError(err)
	s.Equal(uint64(common.MiB), props.AllocCap)
}

func TestPoolSuite(t *testing.T) {
	suite.Run(t, new(PoolSuite))
}
