package registry

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/grailbio/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mit-pdos/go-mpool/merr"
)

func TestRegister(t *testing.T) {
	assert := assert.New(t)
	require.Equal(t, 0, Active())

	a := &Entry{Name: "reg-a", UUID: uuid.New(), Devices: []string{"mem:reg-a0"}}
	require.NoError(t, Register(a))
	assert.Equal(1, Active())
	assert.True(Claimed("mem:reg-a0"))

	e, ok := Lookup("reg-a")
	assert.True(ok)
	assert.Equal(a, e)
	e, ok = LookupUUID(a.UUID)
	assert.True(ok)
	assert.Equal(a, e)

	dup := &Entry{Name: "reg-a", UUID: uuid.New()}
	assert.True(merr.Is(Register(dup), merr.EEXIST))
	dup = &Entry{Name: "reg-b", UUID: a.UUID}
	assert.True(merr.Is(Register(dup), merr.EEXIST))
	busy := &Entry{Name: "reg-b", UUID: uuid.New(), Devices: []string{"mem:reg-b0", "mem:reg-a0"}}
	assert.True(merr.Is(Register(busy), merr.EBUSY))
	assert.False(Claimed("mem:reg-b0"), "failed registration claims nothing")

	b := &Entry{Name: "reg-b", UUID: uuid.New(), Devices: []string{"mem:reg-b0"}}
	require.NoError(t, Register(b))
	require.NoError(t, AddDevice("reg-b", "mem:reg-b1"))
	assert.True(Claimed("mem:reg-b1"))
	es := List()
	if assert.Len(es, 2) {
		assert.Equal("reg-a", es[0].Name)
		assert.Equal("reg-b", es[1].Name)
	}

	assert.NoError(Unregister("reg-a"))
	assert.False(Claimed("mem:reg-a0"))
	assert.True(merr.Is(Unregister("reg-a"), merr.ENOENT))
	assert.NoError(Unregister("reg-b"))
	assert.Equal(0, Active())
	assert.Nil(List())
	assert.False(Claimed("mem:reg-b1"))
	_, ok = Lookup("reg-b")
	assert.False(ok)
}

func TestClaim(t *testing.T) {
	devs := []string{"mem:claim0", "mem:claim1"}
	require.NoError(t, Claim("create", devs))
	assert.True(t, merr.Is(Claim("destroy", devs[1:]), merr.EBUSY))
	assert.NoError(t, Claim("create", devs[1:]), "same owner")
	Release(devs)
	assert.NoError(t, Claim("destroy", devs[1:]))
	Release(devs[1:])
	assert.False(t, Claimed(devs[1]))
}

func TestConcurrentRegister(t *testing.T) {
	var wg sync.WaitGroup
	errs := make([]error, 16)
	for i := range errs {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = Register(&Entry{Name: "race", UUID: uuid.New()})
		}()
	}
	wg.Wait()
	n := 0
	for _, err := range errs {
		if err == nil {
			n++
		} else {
			assert.True(t, merr.Is(err, merr.EEXIST))
		}
	}
	assert.Equal(t, 1, n)
	assert.NoError(t, Unregister("race"))
	assert.Equal(t, 0, Active())
}

func TestRundir(t *testing.T) {
	root, cleanup := testutil.TempDir(t, "", "rundir")
	defer cleanup()
	dir, err := MkRundir(root, "mp1", uint32(os.Getuid()), uint32(os.Getgid()), 0640)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "mp1"), dir)
	fi, err := os.Stat(dir)
	require.NoError(t, err)
	assert.True(t, fi.IsDir())
	assert.Equal(t, os.FileMode(0750), fi.Mode().Perm())

	require.NoError(t, os.WriteFile(filepath.Join(dir, "leftover"), nil, 0644))
	assert.NoError(t, RmRundir(dir))
	_, err = os.Stat(dir)
	assert.True(t, os.IsNotExist(err))
	assert.NoError(t, RmRundir(""))
}
