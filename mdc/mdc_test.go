package mdc

import (
	"fmt"
	"io"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/mit-pdos/go-mpool/disk"
	"github.com/mit-pdos/go-mpool/merr"
	"github.com/mit-pdos/go-mpool/mlog"
)

const logCap = 1 << 20

// pair is two mlogs on a memory device, the way a pool lays out an MDC.
type pair struct {
	t    *testing.T
	name string
	d    *disk.FaultDisk
	ids  [2]uuid.UUID
}

var npair int

func mkPair(t *testing.T) *pair {
	npair++
	p := &pair{t: t, name: fmt.Sprintf("mdc-%d", npair)}
	require.NoError(t, disk.CreateMem(p.name, 2*logCap, 512))
	t.Cleanup(func() { disk.RemoveMem(p.name) })
	d, err := disk.Open(disk.MemPrefix + p.name)
	require.NoError(t, err)
	p.d = disk.MkFaultDisk(d)
	for i := range p.ids {
		p.ids[i] = uuid.New()
		require.NoError(t, mlog.Format(p.region(i), p.ids[i], uint64(i+1), true))
	}
	return p
}

func (p *pair) region(i int) mlog.Region {
	return mlog.Region{Disk: p.d, Off: int64(i) * logCap, Len: logCap}
}

func (p *pair) openLog(i int, csem bool) (*mlog.Log, error) {
	var flags mlog.Flags
	if csem {
		flags = mlog.CompactSem
	}
	return mlog.Open(p.region(i), p.ids[i], 1, mlog.Options{Flags: flags, Force4KA: true})
}

func (p *pair) opener(i int, csem bool) (Log, error) {
	l, err := p.openLog(i, csem)
	if err != nil {
		return nil, err
	}
	return l, nil
}

func (p *pair) open() *MDC {
	d, err := Open(p.opener, nil)
	require.NoError(p.t, err)
	return d
}

func readAll(t *testing.T, d *MDC) []string {
	require.NoError(t, d.Rewind())
	var recs []string
	buf := make([]byte, 200<<10)
	for {
		n, err := d.Read(buf)
		if err == io.EOF {
			return recs
		}
		require.NoError(t, err)
		recs = append(recs, string(buf[:n]))
	}
}

func person(i int, version string) []byte {
	p := make([]byte, 104<<10)
	copy(p, fmt.Sprintf("person %d %s", i, version))
	return p
}

func TestFreshOpen(t *testing.T) {
	assert := assert.New(t)
	p := mkPair(t)
	d := p.open()
	assert.Equal(0, d.Active(), "lower gen wins when both logs are empty")
	assert.Greater(d.Usage(), mlog.HdrLen, "CSTART/CEND written")
	assert.Empty(readAll(t, d))
	assert.NoError(d.Close())

	d = p.open()
	assert.Equal(0, d.Active())
	assert.NoError(d.Close())
}

// Six people are written, then updated until the log fills; compaction
// rewrites the latest version of each and the reader sees exactly those.
func TestCompaction(t *testing.T) {
	assert := assert.New(t)
	p := mkPair(t)
	d := p.open()
	latest := make([][]byte, 6)
	for i := range latest {
		latest[i] = person(i, "v0")
		assert.NoError(d.Append([][]byte{latest[i]}, false))
	}
	full := false
	for n := 0; n < 12; n++ {
		i := n % 6
		rec := person(i, "v1")
		err := d.Append([][]byte{rec}, false)
		if merr.Is(err, merr.EFBIG) {
			full = true
			break
		}
		assert.NoError(err)
		latest[i] = rec
	}
	assert.True(full, "log should fill up")

	assert.NoError(d.Cstart())
	assert.Equal(1, d.Active())
	for _, rec := range latest {
		assert.NoError(d.Append([][]byte{rec}, false))
	}
	assert.NoError(d.Cend())

	check := func() {
		recs := readAll(t, d)
		if assert.Len(recs, 6) {
			for i, r := range recs {
				assert.Equal(string(latest[i]), r)
			}
		}
	}
	check()
	assert.NoError(d.Close())
	d = p.open()
	assert.Equal(1, d.Active())
	check()

	// a second compaction moves back to log 0
	assert.NoError(d.Cstart())
	assert.NoError(d.Append([][]byte{[]byte("only")}, true))
	assert.NoError(d.Cend())
	assert.NoError(d.Close())
	d = p.open()
	assert.Equal(0, d.Active())
	assert.Equal([]string{"only"}, readAll(t, d))
	d.Close()
}

// A crash between CSTART and CEND leaves the pre-compaction image.
// Clients keep appending while compactions switch the active log.
func TestAppendDuringCompaction(t *testing.T) {
	assert := assert.New(t)
	p := mkPair(t)
	d := p.open()
	var g errgroup.Group
	for w := 0; w < 2; w++ {
		w := w
		g.Go(func() error {
			for i := 0; i < 100; i++ {
				rec := []byte(fmt.Sprintf("client %d record %d", w, i))
				if err := d.Append([][]byte{rec}, i%10 == 0); err != nil {
					return err
				}
				d.Usage()
			}
			return nil
		})
	}
	for i := 0; i < 5; i++ {
		assert.NoError(d.Cstart())
		assert.NoError(d.Cend())
	}
	assert.NoError(g.Wait())

	assert.NoError(d.Append([][]byte{[]byte("last")}, true))
	recs := readAll(t, d)
	require.NotEmpty(t, recs)
	assert.Equal("last", recs[len(recs)-1])
	for _, r := range recs[:len(recs)-1] {
		assert.Regexp(`^client \d record \d+$`, r)
	}
	assert.NoError(d.Close())
}

func TestCrashBeforeCend(t *testing.T) {
	assert := assert.New(t)
	p := mkPair(t)
	d := p.open()
	assert.NoError(d.Append([][]byte{[]byte("a")}, false))
	assert.NoError(d.Append([][]byte{[]byte("b")}, true))
	assert.NoError(d.Close())

	// write CSTART and partial records to the inactive log directly
	l1, err := p.openLog(1, false)
	require.NoError(t, err)
	gen0 := func() uint64 {
		l0, err := p.openLog(0, false)
		require.NoError(t, err)
		defer l0.Close()
		return l0.Gen()
	}()
	assert.NoError(l1.Erase(gen0 + 1))
	assert.NoError(l1.AppendCstart())
	assert.NoError(l1.Append([][]byte{[]byte("partial")}, true))
	assert.NoError(l1.Close())
	_, err = p.openLog(1, true)
	assert.True(merr.Is(err, merr.EMSGSIZE))

	d = p.open()
	assert.Equal(0, d.Active())
	assert.Equal([]string{"a", "b"}, readAll(t, d))
	assert.NoError(d.Close())

	l1, err = p.openLog(1, true)
	require.NoError(t, err, "the CSTART-only log was erased")
	assert.True(l1.Empty())
	assert.Greater(l1.Gen(), gen0)
	l1.Close()
}

// A crash after CEND but before the old log is erased picks the new log.
func TestCrashAfterCend(t *testing.T) {
	assert := assert.New(t)
	p := mkPair(t)
	d := p.open()
	assert.NoError(d.Append([][]byte{[]byte("old")}, true))
	assert.NoError(d.Close())

	l0, err := p.openLog(0, true)
	require.NoError(t, err)
	l1, err := p.openLog(1, true)
	require.NoError(t, err)
	assert.NoError(l1.Erase(l0.Gen() + 1))
	assert.NoError(l1.AppendCstart())
	assert.NoError(l1.Append([][]byte{[]byte("new")}, false))
	assert.NoError(l1.AppendCend())
	l0.Close()
	l1.Close()

	d = p.open()
	assert.Equal(1, d.Active(), "both logs hold records; higher gen wins")
	assert.Equal([]string{"new"}, readAll(t, d))
	d.Close()

	l0, err = p.openLog(0, true)
	require.NoError(t, err)
	assert.True(l0.Empty(), "old log erased at open")
	l0.Close()
}

func TestCendFailureRollsBack(t *testing.T) {
	assert := assert.New(t)
	p := mkPair(t)
	d := p.open()
	assert.NoError(d.Append([][]byte{[]byte("keep")}, true))
	assert.NoError(d.Cstart())
	assert.NoError(d.Append([][]byte{[]byte("lost")}, false))
	p.d.FailWritesAfter(0)
	assert.True(merr.Is(d.Cend(), merr.EIO))
	p.d.Heal()
	assert.Equal(0, d.Active())
	assert.Equal([]string{"keep"}, readAll(t, d))

	// a new compaction reuses the half-written log
	assert.NoError(d.Cstart())
	assert.NoError(d.Append([][]byte{[]byte("again")}, false))
	assert.NoError(d.Cend())
	d.Close()
	d = p.open()
	assert.Equal([]string{"again"}, readAll(t, d))
	d.Close()
}

func TestEqualGens(t *testing.T) {
	p := mkPair(t)
	require.NoError(t, mlog.Format(p.region(1), p.ids[1], 1, true))
	_, err := Open(p.opener, nil)
	assert.True(t, merr.Is(err, merr.EINVAL))
}

func TestBothFail(t *testing.T) {
	_, err := Open(func(i int, csem bool) (Log, error) {
		if i == 0 {
			return nil, merr.E(merr.EMSGSIZE)
		}
		return nil, merr.E(merr.EIO)
	}, nil)
	assert.True(t, merr.Is(err, merr.EIO), "non-EMSGSIZE error wins")
}

func TestRollback(t *testing.T) {
	assert := assert.New(t)
	p := mkPair(t)
	d := p.open()
	assert.True(merr.Is(d.Rollback(), merr.EINVAL))
	assert.NoError(d.Append([][]byte{[]byte("x")}, true))
	assert.NoError(d.Cstart())
	assert.NoError(d.Append([][]byte{[]byte("half")}, true))
	assert.NoError(d.Rollback())
	assert.Equal(0, d.Active())
	assert.Equal([]string{"x"}, readAll(t, d))
	assert.NoError(d.Close())

	d = p.open()
	assert.Equal(0, d.Active())
	assert.Equal([]string{"x"}, readAll(t, d))
	d.Close()
}
