package main

import (
	"fmt"

	"github.com/mit-pdos/go-mpool/merr"
)

// Exit codes, from sysexits.h.
const (
	exOK       = 0
	exUsage    = 64
	exDataErr  = 65
	exNoInput  = 66
	exSoftware = 70
)

// usageError is a malformed command line.
type usageError struct {
	msg string
}

func (e *usageError) Error() string {
	return e.msg
}

func usagef(format string, args ...interface{}) error {
	return &usageError{fmt.Sprintf(format, args...)}
}

// failure is an operation that failed on an object.
type failure struct {
	verb   string
	object string
	err    error
}

func (f *failure) Error() string {
	return message(f)
}

func (f *failure) Unwrap() error {
	return f.err
}

func fail(verb, object string, err error) error {
	if err == nil {
		return nil
	}
	return &failure{verb: verb, object: object, err: err}
}

// message renders err as
//
//	Unable to <verb> <object> (<reason> <device>): <kind>
func message(err error) string {
	f, ok := err.(*failure)
	if !ok {
		if u, ok := err.(*usageError); ok {
			return "usage: " + u.msg
		}
		return err.Error()
	}
	detail := merr.Reason(f.err)
	if detail == "" {
		detail = f.err.Error()
	}
	if r := merr.ReportOf(f.err); r != nil && r.Device != "" {
		detail += " " + r.String()
	}
	return fmt.Sprintf("Unable to %s %s (%s): %s", f.verb, f.object, detail, merr.Name(merr.Kind(f.err)))
}

func exitCode(err error) int {
	if err == nil {
		return exOK
	}
	switch e := err.(type) {
	case *usageError:
		return exUsage
	case *failure:
		err = e.err
	}
	switch merr.Kind(err) {
	case merr.ENOENT:
		return exNoInput
	case merr.EINVAL, merr.EEXIST, merr.ENODATA, merr.EMSGSIZE, merr.ERANGE, merr.EOVERFLOW:
		return exDataErr
	}
	return exSoftware
}
