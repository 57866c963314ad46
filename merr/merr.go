// Package merr implements the engine's error values.
//
// An error carries a kind (one of the errno values below), the file and
// line where it was raised, an optional message, an optional cause, and an
// optional device report naming the device and byte offset of a failed
// I/O. Errors are constructed with E, in the manner of
// github.com/grailbio/base/errors.E:
//
//	return merr.E(merr.EINVAL, "mblock write not page aligned")
//	return merr.E(err, merr.Report{Device: d.Path(), Offset: off})
//
// Kind recovers the errno of any error, so callers dispatch on kinds
// without caring which layer raised them.
package merr

import (
	stderrors "errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/grailbio/base/errors"
	"github.com/spaolacci/murmur3"
	"golang.org/x/sys/unix"
)

// The recognized error kinds.
const (
	EINVAL    = unix.EINVAL
	ENOENT    = unix.ENOENT
	EEXIST    = unix.EEXIST
	EBUSY     = unix.EBUSY
	ENOSPC    = unix.ENOSPC
	EFBIG     = unix.EFBIG
	EIO       = unix.EIO
	EOVERFLOW = unix.EOVERFLOW
	ERANGE    = unix.ERANGE
	EMSGSIZE  = unix.EMSGSIZE
	ENODATA   = unix.ENODATA
	EPERM     = unix.EPERM
)

var names = map[unix.Errno]string{
	EINVAL:    "EINVAL",
	ENOENT:    "ENOENT",
	EEXIST:    "EEXIST",
	EBUSY:     "EBUSY",
	ENOSPC:    "ENOSPC",
	EFBIG:     "EFBIG",
	EIO:       "EIO",
	EOVERFLOW: "EOVERFLOW",
	ERANGE:    "ERANGE",
	EMSGSIZE:  "EMSGSIZE",
	ENODATA:   "ENODATA",
	EPERM:     "EPERM",
}

// Name returns the symbolic name of an errno, e.g. "EBUSY".
func Name(kind unix.Errno) string {
	if s, ok := names[kind]; ok {
		return s
	}
	return fmt.Sprintf("errno(%d)", int(kind))
}

// Report locates a device-level failure.
type Report struct {
	Device string
	Offset int64
	Msg    string
}

func (r Report) String() string {
	var b strings.Builder
	if r.Device != "" {
		b.WriteString(r.Device)
		if r.Offset >= 0 {
			fmt.Fprintf(&b, "@%d", r.Offset)
		}
	}
	if r.Msg != "" {
		if b.Len() > 0 {
			b.WriteString(" ")
		}
		b.WriteString(r.Msg)
	}
	return b.String()
}

// Error is the engine error value.
type Error struct {
	Errno  unix.Errno
	File   string
	Line   int
	Msg    string
	Report *Report
	Err    error
}

// E constructs an error from its arguments. Arguments of type unix.Errno
// set the kind, strings set the message, Report or *Report attach a device
// report, and errors become the cause. When no kind is given the kind of
// the cause is inherited, and the cause's report too.
func E(args ...interface{}) error {
	e := &Error{}
	if _, file, line, ok := runtime.Caller(1); ok {
		e.File = filepath.Base(file)
		e.Line = line
	}
	for _, arg := range args {
		switch v := arg.(type) {
		case unix.Errno:
			e.Errno = v
		case string:
			e.Msg = v
		case Report:
			r := v
			e.Report = &r
		case *Report:
			e.Report = v
		case error:
			e.Err = v
		default:
			e.Msg = fmt.Sprint(v)
		}
	}
	if e.Err != nil {
		if e.Errno == 0 {
			e.Errno = Kind(e.Err)
		}
		if e.Report == nil {
			e.Report = ReportOf(e.Err)
		}
	}
	if e.Errno == 0 {
		e.Errno = EIO
	}
	return e
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Msg != "" {
		b.WriteString(e.Msg)
	}
	if e.Report != nil {
		if r := e.Report.String(); r != "" {
			if b.Len() > 0 {
				b.WriteString(" ")
			}
			b.WriteString("(" + r + ")")
		}
	}
	if e.Err != nil {
		if b.Len() > 0 {
			b.WriteString(": ")
		}
		b.WriteString(e.Err.Error())
		if Kind(e.Err) == e.Errno {
			return b.String()
		}
	}
	if b.Len() > 0 {
		b.WriteString(": ")
	}
	b.WriteString(Name(e.Errno))
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is lets errors.Is match an *Error against a bare unix.Errno.
func (e *Error) Is(target error) bool {
	if errno, ok := target.(unix.Errno); ok {
		return e.Errno == errno
	}
	return false
}

// Code packs the kind and origin into one 64-bit value: errno in bits
// 0-15, line in bits 16-31, and a hash of the file name in bits 32-63.
func (e *Error) Code() uint64 {
	h := murmur3.Sum32([]byte(e.File))
	return uint64(h)<<32 | uint64(uint16(e.Line))<<16 | uint64(uint16(e.Errno))
}

// Origin returns "file:line" of where the error was raised.
func (e *Error) Origin() string {
	return fmt.Sprintf("%s:%d", e.File, e.Line)
}

// Kind returns the errno kind of err, or 0 for a nil error. Errors that
// carry no kind map to EIO.
func Kind(err error) unix.Errno {
	if err == nil {
		return 0
	}
	var me *Error
	if stderrors.As(err, &me) {
		return me.Errno
	}
	var errno unix.Errno
	if stderrors.As(err, &errno) {
		return errno
	}
	switch {
	case errors.Is(errors.Invalid, err):
		return EINVAL
	case errors.Is(errors.NotExist, err):
		return ENOENT
	case errors.Is(errors.Exists, err):
		return EEXIST
	case errors.Is(errors.Unavailable, err):
		return EBUSY
	case errors.Is(errors.ResourcesExhausted, err):
		return ENOSPC
	case errors.Is(errors.NotAllowed, err):
		return EPERM
	case errors.Is(errors.Integrity, err):
		return ENODATA
	}
	switch {
	case stderrors.Is(err, os.ErrNotExist):
		return ENOENT
	case stderrors.Is(err, os.ErrExist):
		return EEXIST
	case stderrors.Is(err, os.ErrPermission):
		return EPERM
	case stderrors.Is(err, io.ErrUnexpectedEOF):
		return EIO
	}
	return EIO
}

// Is reports whether err has the given kind.
func Is(err error, kind unix.Errno) bool {
	return err != nil && Kind(err) == kind
}

// ReportOf returns the first device report attached to err or its causes.
func ReportOf(err error) *Report {
	for err != nil {
		if me, ok := err.(*Error); ok && me.Report != nil {
			return me.Report
		}
		err = stderrors.Unwrap(err)
	}
	return nil
}

// Reason returns the message of the innermost error in err's chain that
// has one, or "" if none does.
func Reason(err error) string {
	var reason string
	for err != nil {
		if me, ok := err.(*Error); ok && me.Msg != "" {
			reason = me.Msg
		}
		err = stderrors.Unwrap(err)
	}
	return reason
}
