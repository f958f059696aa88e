//go:build !windows

// leaderlock_unix.go — POSIX advisory locking via flock(2), the direct Go
// analogue of the original implementation's fcntl.flock(LOCK_EX|LOCK_NB).
package leaderlock

import (
	"os"

	"golang.org/x/sys/unix"
)

// tryFlock attempts a non-blocking exclusive flock on f's file descriptor.
// Returns (acquired, relaxed, err). relaxed is always false on this path —
// Unix advisory locking via flock(2) is effectively universal, so an error
// here (rather than EWOULDBLOCK) is the caller's cue to relax to "always
// leader" instead.
func tryFlock(f *os.File) (acquired bool, relaxed bool, err error) {
	ferr := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
	if ferr == nil {
		return true, false, nil
	}
	if ferr == unix.EWOULDBLOCK || ferr == unix.EAGAIN {
		return false, false, nil
	}
	return false, false, ferr
}

func unlockFlock(f *os.File) {
	_ = unix.Flock(int(f.Fd()), unix.LOCK_UN)
}
