package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/grailbio/base/retry"
	"golang.org/x/sys/unix"

	"github.com/mit-pdos/go-mpool/config"
	"github.com/mit-pdos/go-mpool/merr"
)

// A pool activated by the activate command stays active for the life of
// that process, which records its pid in the pool's run directory.

var releasePolicy = retry.MaxRetries(retry.Backoff(50*time.Millisecond, time.Second, 2), 30)

func pidFile(rundir, name string) string {
	if rundir == "" {
		rundir = config.DefaultRundir
	}
	return filepath.Join(rundir, name, "pid")
}

func busyf(format string, args ...interface{}) error {
	return merr.E(merr.EBUSY, fmt.Sprintf(format, args...))
}

func hold(rundir, name string) error {
	return os.WriteFile(pidFile(rundir, name), []byte(strconv.Itoa(os.Getpid())+"\n"), 0644)
}

// holder returns the live process holding name active, if any.
func holder(rundir, name string) (int, bool) {
	b, err := os.ReadFile(pidFile(rundir, name))
	if err != nil {
		return 0, false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(b)))
	if err != nil || pid <= 0 || pid == os.Getpid() {
		return 0, false
	}
	if err := unix.Kill(pid, 0); err != nil && err != unix.EPERM {
		return 0, false
	}
	return pid, true
}

// release asks the process holding name to deactivate it and waits for
// the run directory to go away.
func release(rundir, name string) error {
	pid, ok := holder(rundir, name)
	if !ok {
		return merr.E(merr.ENOENT, "mpool "+name+" is not held active")
	}
	if err := unix.Kill(pid, unix.SIGTERM); err != nil {
		return merr.E(err, fmt.Sprintf("signal process %d", pid))
	}
	ctx := context.Background()
	for retries := 0; ; retries++ {
		if _, err := os.Stat(pidFile(rundir, name)); os.IsNotExist(err) {
			return nil
		}
		if err := retry.Wait(ctx, releasePolicy, retries); err != nil {
			return busyf("process %d did not deactivate %s", pid, name)
		}
	}
}
