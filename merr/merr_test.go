package merr

import (
	stderrors "errors"
	"fmt"
	"os"
	"testing"

	"github.com/grailbio/base/errors"
	"github.com/stretchr/testify/assert"
	"golang.org/x/sys/unix"
)

func TestKindAndMessage(t *testing.T) {
	assert := assert.New(t)
	err := E(EINVAL, "offset not page aligned")
	assert.Equal(EINVAL, Kind(err))
	assert.True(Is(err, EINVAL))
	assert.False(Is(err, EIO))
	assert.Equal("offset not page aligned: EINVAL", err.Error())
	assert.True(stderrors.Is(err, unix.EINVAL))
}

func TestInheritKindAndReport(t *testing.T) {
	assert := assert.New(t)
	ioerr := E(EIO, Report{Device: "/dev/nvme0n1", Offset: 8192})
	err := E(ioerr, "flush mlog")
	assert.Equal(EIO, Kind(err))
	r := ReportOf(err)
	if assert.NotNil(r) {
		assert.Equal("/dev/nvme0n1", r.Device)
		assert.Equal(int64(8192), r.Offset)
	}
	assert.Contains(err.Error(), "flush mlog")
	assert.Contains(err.Error(), "/dev/nvme0n1@8192")
}

func TestKindOfForeignErrors(t *testing.T) {
	assert := assert.New(t)
	assert.Equal(unix.Errno(0), Kind(nil))
	assert.Equal(EBUSY, Kind(unix.EBUSY))
	assert.Equal(EBUSY, Kind(fmt.Errorf("open: %w", unix.EBUSY)))
	assert.Equal(EINVAL, Kind(errors.E(errors.Invalid, "bad property")))
	assert.Equal(ENOENT, Kind(errors.E(errors.NotExist, "no such pool")))
	assert.Equal(ENOENT, Kind(&os.PathError{Op: "open", Path: "x", Err: os.ErrNotExist}))
	assert.Equal(EIO, Kind(stderrors.New("something")))
}

func TestCode(t *testing.T) {
	assert := assert.New(t)
	err := E(EFBIG).(*Error)
	code := err.Code()
	assert.Equal(uint64(EFBIG), code&0xffff)
	assert.Equal(uint64(err.Line), (code>>16)&0xffff)
	assert.Equal("merr_test.go", err.File)
	assert.Contains(err.Origin(), "merr_test.go:")
}

func TestName(t *testing.T) {
	assert.Equal(t, "EMSGSIZE", Name(EMSGSIZE))
	assert.Equal(t, "errno(4095)", Name(unix.Errno(4095)))
}

func TestReason(t *testing.T) {
	assert := assert.New(t)
	inner := E(EIO, "short write", Report{Device: "mem:d0", Offset: 4096})
	assert.Equal("short write", Reason(E(inner)))
	assert.Equal("short write", Reason(E("flush mlog", inner)))
	assert.Equal("", Reason(unix.EBUSY))
	assert.Equal("", Reason(nil))
}
