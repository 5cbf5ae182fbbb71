//go:build linux

package benchmark

import (
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// RaiseOpenFileLimit lifts the soft RLIMIT_NOFILE to the hard limit and reports whether
// the result leaves room for sessions concurrent namespace sessions. Worker processes
// inherit the raised limit.
func RaiseOpenFileLimit(sessions int) (limit uint64, enough bool, err error) {
	var rLimit unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_NOFILE, &rLimit); err != nil {
		return 0, false, errors.Wrap(err, "get open file limit")
	}
	if rLimit.Cur < rLimit.Max {
		rLimit.Cur = rLimit.Max
		if err := unix.Setrlimit(unix.RLIMIT_NOFILE, &rLimit); err != nil {
			return 0, false, errors.Wrap(err, "set open file limit")
		}
	}
	return rLimit.Cur, rLimit.Cur >= descriptorsFor(sessions), nil
}
