package super

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mit-pdos/go-mpool/addr"
	"github.com/mit-pdos/go-mpool/common"
	"github.com/mit-pdos/go-mpool/disk"
	"github.com/mit-pdos/go-mpool/merr"
)

func memDisk(t *testing.T, name string) disk.Disk {
	require.NoError(t, disk.CreateMem(name, 1<<20, 0))
	t.Cleanup(func() { disk.RemoveMem(name) })
	d, err := disk.Open(disk.MemPrefix + name)
	require.NoError(t, err)
	return d
}

func TestSuperblockLayout(t *testing.T) {
	assert := assert.New(t)
	sb := MkSuperblock("mp1", uuid.New())
	b := sb.Encode()
	assert.Equal([]byte{0x6d, 0x70, 0x6f, 0x6f, 0x6c, 0x44, 0x65, 0x76}, b[0:8], "magic is mpoolDev")
	assert.Equal([]byte("mp1\x00"), b[8:12])
	assert.Equal(sb.UUID[:], b[40:56])
	assert.Equal([]byte{1, 0}, b[56:58])
	assert.Equal([]byte{1, 0, 0, 0}, b[58:62])

	sb2, err := DecodeSuperblock(b)
	assert.NoError(err)
	assert.Equal(sb, sb2)

	b[20] ^= 0xff
	_, err = DecodeSuperblock(b)
	assert.True(merr.Is(err, merr.ENODATA))

	_, err = DecodeSuperblock(make([]byte, 4096))
	assert.True(merr.Is(err, merr.ENOENT))
}

func TestReadPrefersCopy0(t *testing.T) {
	assert := assert.New(t)
	d := memDisk(t, "super-0")

	_, err := Read(d)
	assert.True(merr.Is(err, merr.ENOENT))

	sb := MkSuperblock("pool", uuid.New())
	assert.NoError(Write(d, sb))

	// a newer copy 0 wins
	sb0 := *sb
	sb0.Gen = 7
	assert.NoError(d.WriteAt(sb0.Encode(), 0))
	got, err := Read(d)
	assert.NoError(err)
	assert.Equal(uint32(7), got.Gen)

	// a corrupt copy 0 falls back to copy 1
	assert.NoError(d.WriteAt([]byte{0xde, 0xad}, 10))
	got, err = Read(d)
	assert.NoError(err)
	assert.Equal(uint32(1), got.Gen)

	assert.NoError(Erase(d))
	_, err = Read(d)
	assert.True(merr.Is(err, merr.ENOENT))
}

func TestDescriptor(t *testing.T) {
	assert := assert.New(t)
	d := memDisk(t, "super-1")
	desc := &Descriptor{
		DevUUID: uuid.New(),
		Mclass:  common.MclassCapacity,
		Primary: true,
		Zonesz:  1 << 20,
		Zonetot: 1024,
		Sectsz:  512,
		Mdc0: [2]LogDesc{
			{Ext: addr.MkExtent(1, 1), UUID: uuid.New()},
			{Ext: addr.MkExtent(2, 1), UUID: uuid.New()},
		},
	}
	assert.NoError(WriteDescriptor(d, desc))
	got, err := ReadDescriptor(d)
	assert.NoError(err)
	assert.Equal(desc, got)

	// superblock and descriptor areas are independent
	assert.NoError(Write(d, MkSuperblock("p", uuid.New())))
	got, err = ReadDescriptor(d)
	assert.NoError(err)
	assert.Equal(desc, got)
}
