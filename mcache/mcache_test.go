package mcache

import (
	"bytes"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/grailbio/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/mit-pdos/go-mpool/addr"
	"github.com/mit-pdos/go-mpool/buf"
	"github.com/mit-pdos/go-mpool/common"
	"github.com/mit-pdos/go-mpool/disk"
	"github.com/mit-pdos/go-mpool/layout"
	"github.com/mit-pdos/go-mpool/mblock"
	"github.com/mit-pdos/go-mpool/merr"
	"github.com/mit-pdos/go-mpool/objid"
)

const zonesz = 1 << 20

// mkMblocks writes n committed 4 MiB mblocks, mblock i filled with
// 4*optimal bytes of value 'A'+i.
func mkMblocks(t *testing.T, name string, n int, commit bool) []mblock.Mblock {
	require.NoError(t, disk.CreateMem(name, int64(n*4+1)*zonesz, 512))
	t.Cleanup(func() { disk.RemoveMem(name) })
	d, err := disk.Open(disk.MemPrefix + name)
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	return writeMblocks(t, d, n, commit)
}

func writeMblocks(t *testing.T, d disk.Disk, n int, commit bool) []mblock.Mblock {
	e := mblock.MkEngine()
	var mbs []mblock.Mblock
	for i := 0; i < n; i++ {
		id := objid.Make(objid.TypeMblock, 1, uint64(i+1))
		l := layout.MkLayout(id, common.MclassCapacity, addr.MkExtent(uint64(1+4*i), 4), uuid.New(), 1)
		mb := mblock.Mblock{L: l, Disk: d, Zonesz: zonesz}
		p := bytes.Repeat([]byte{byte('A' + i)}, int(4*mb.OptimalWrsz()))
		require.NoError(t, e.Write(mb, buf.Iov{p}))
		if commit {
			require.NoError(t, e.Commit(mb, nil))
		}
		mbs = append(mbs, mb)
	}
	return mbs
}

func TestMap(t *testing.T) {
	assert := assert.New(t)
	mbs := mkMblocks(t, "mcache-map", 8, true)
	m, err := Mmap(mbs, VMAHot)
	require.NoError(t, err)
	assert.Equal(8, m.Len())
	assert.Equal(uint64(4<<20), m.BucketSize())
	assert.NoError(m.Madvise(0, 0, Whole, AdvWillNeed))
	for _, mb := range mbs {
		assert.Equal(int64(1), mb.L.Refs())
	}

	for i, mb := range mbs {
		b, err := m.Base(i)
		require.NoError(t, err)
		wlen := mb.Props().WriteLen
		assert.Equal(wlen, m.WriteLen(i))
		assert.Equal(bytes.Repeat([]byte{byte('A' + i)}, int(wlen)), b[:wlen],
			fmt.Sprintf("mblock %d data", i))
	}

	rss, vss, err := m.Mincore()
	require.NoError(t, err)
	assert.Equal(uint64(8*4<<20)/common.PageSize, vss)
	written := 8 * mbs[0].Props().WriteLen / common.PageSize
	assert.GreaterOrEqual(rss, written)
	assert.LessOrEqual(rss, vss)

	assert.NoError(m.Purge())
	rss2, vss2, err := m.Mincore()
	require.NoError(t, err)
	assert.Equal(vss, vss2)
	assert.LessOrEqual(rss2, rss)

	// the tail of each bucket reads as zeros
	b, _ := m.Base(3)
	tail := b[m.WriteLen(3):]
	assert.Equal(make([]byte, len(tail)), tail)

	assert.NoError(m.Munmap())
	for _, mb := range mbs {
		assert.Equal(int64(0), mb.L.Refs())
	}
	assert.True(merr.Is(m.Munmap(), merr.EINVAL))
	_, err = m.Base(0)
	assert.True(merr.Is(err, merr.EINVAL))
}

// On a file device the page cache is separate from the media, so purge
// leaves nothing of the map resident.
func TestPurgeFile(t *testing.T) {
	assert := assert.New(t)
	dir, cleanup := testutil.TempDir(t, "", "mcache")
	defer cleanup()
	var fs unix.Statfs_t
	require.NoError(t, unix.Statfs(dir, &fs))
	if fs.Type == unix.TMPFS_MAGIC {
		t.Skip("page cache of tmpfs cannot be dropped")
	}
	path := filepath.Join(dir, "dev0")
	require.NoError(t, disk.CreateFile(path, 9*zonesz))
	d, err := disk.Open(path)
	require.NoError(t, err)
	defer d.Close()
	mbs := writeMblocks(t, d, 2, true)

	m, err := Mmap(mbs, VMAWarm)
	require.NoError(t, err)
	defer m.Munmap()
	for i := range mbs {
		b, err := m.Base(i)
		require.NoError(t, err)
		assert.Equal(byte('A'+i), b[0])
		assert.Equal(byte('A'+i), b[m.WriteLen(i)-1])
	}
	rss, vss, err := m.Mincore()
	require.NoError(t, err)
	assert.Greater(rss, uint64(0))

	assert.NoError(m.Purge())
	rss2, vss2, err := m.Mincore()
	require.NoError(t, err)
	assert.Equal(uint64(0), rss2)
	assert.Equal(vss, vss2)

	b, err := m.Base(1)
	require.NoError(t, err)
	assert.Equal(byte('B'), b[0], "purged pages read back from the device")
}

func TestPages(t *testing.T) {
	assert := assert.New(t)
	mbs := mkMblocks(t, "mcache-pages", 2, true)
	m, err := Mmap(mbs, VMAWarm)
	require.NoError(t, err)
	defer m.Munmap()

	pages, err := m.Pages(1, []uint64{0, common.PageSize, m.WriteLen(1)})
	require.NoError(t, err)
	assert.Len(pages, 3)
	assert.Equal(bytes.Repeat([]byte{'B'}, int(common.PageSize)), pages[0])
	assert.Equal(bytes.Repeat([]byte{'B'}, int(common.PageSize)), pages[1])
	assert.Equal(make([]byte, common.PageSize), pages[2])

	_, err = m.Pages(1, []uint64{100})
	assert.True(merr.Is(err, merr.EINVAL))
	_, err = m.Pages(1, []uint64{m.BucketSize()})
	assert.True(merr.Is(err, merr.EINVAL))
	_, err = m.Pages(2, []uint64{0})
	assert.True(merr.Is(err, merr.EINVAL))
}

func TestMadviseRanges(t *testing.T) {
	assert := assert.New(t)
	mbs := mkMblocks(t, "mcache-advise", 2, true)
	m, err := Mmap(mbs, VMACold)
	require.NoError(t, err)
	defer m.Munmap()

	assert.NoError(m.Madvise(1, 100, 5000, AdvSequential))
	assert.NoError(m.Madvise(1, 0, m.BucketSize(), AdvRandom))
	assert.True(merr.Is(m.Madvise(1, 0, m.BucketSize()+1, AdvNormal), merr.EINVAL))
	assert.True(merr.Is(m.Madvise(1, 0, Whole, AdvNormal), merr.EINVAL), "Whole only with index 0")
	assert.True(merr.Is(m.Madvise(5, 0, 1, AdvNormal), merr.EINVAL))
	assert.True(merr.Is(m.Madvise(0, 0, 1, Advice(42)), merr.EINVAL))
}

func TestMapRejectsUncommitted(t *testing.T) {
	mbs := mkMblocks(t, "mcache-uncommitted", 2, false)
	e := mblock.MkEngine()
	require.NoError(t, e.Commit(mbs[0], nil))
	_, err := Mmap(mbs, VMAWarm)
	assert.True(t, merr.Is(err, merr.EINVAL))
	assert.Equal(t, int64(0), mbs[0].L.Refs(), "references dropped on failure")

	_, err = Mmap(nil, VMAWarm)
	assert.True(t, merr.Is(err, merr.EINVAL))
}
