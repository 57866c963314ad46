package buf

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSectorBuf(t *testing.T) {
	assert := assert.New(t)
	b := MkSectorBuf(512, 8)
	assert.True(b.Holds(0))
	assert.False(b.Holds(8))

	b.Sector(5)[0] = 5
	b.Sector(6)[511] = 6
	b.Sector(7)[3] = 7

	b.Rebase(5)
	assert.Equal(uint64(5), b.Base())
	assert.Equal(uint64(13), b.End())
	assert.Equal(byte(5), b.Sector(5)[0])
	assert.Equal(byte(6), b.Sector(6)[511])
	assert.Equal(byte(7), b.Sector(7)[3])
	assert.Equal(byte(0), b.Sector(8)[0], "sectors moved in are zero")
	assert.Len(b.Span(5, 9), 4*512)

	b.ZeroFrom(6, 0)
	assert.Equal(byte(5), b.Sector(5)[0])
	assert.Equal(byte(0), b.Sector(6)[511])

	b.Rebase(100)
	assert.Equal(byte(0), b.Sector(100)[0])
	assert.Panics(func() { b.Sector(5) })
}

func TestIov(t *testing.T) {
	assert := assert.New(t)
	iov := Iov{[]byte("ab"), nil, []byte("cde")}
	assert.Equal(uint64(5), Len(iov))
	assert.Equal([]byte("abcde"), Flatten(iov))

	dst := Iov{make([]byte, 1), make([]byte, 3), make([]byte, 4)}
	n := Scatter([]byte("hello"), dst)
	assert.Equal(uint64(5), n)
	assert.Equal([]byte("h"), dst[0])
	assert.Equal([]byte("ell"), dst[1])
	assert.Equal([]byte{'o', 0, 0, 0}, dst[2])
}
