//go:build windows

// leaderlock_windows.go — Windows advisory locking via LockFileEx, the
// direct analogue of the original implementation's
// msvcrt.locking(fh, LK_NBLCK, 1).
package leaderlock

import (
	"os"

	"golang.org/x/sys/windows"
)

func tryFlock(f *os.File) (acquired bool, relaxed bool, err error) {
	handle := windows.Handle(f.Fd())
	ol := new(windows.Overlapped)
	lerr := windows.LockFileEx(
		handle,
		windows.LOCKFILE_FAIL_IMMEDIATELY|windows.LOCKFILE_EXCLUSIVE_LOCK,
		0,
		1, 0,
		ol,
	)
	if lerr == nil {
		return true, false, nil
	}
	if lerr == windows.ERROR_LOCK_VIOLATION {
		return false, false, nil
	}
	return false, false, lerr
}

func unlockFlock(f *os.File) {
	handle := windows.Handle(f.Fd())
	ol := new(windows.Overlapped)
	_ = windows.UnlockFileEx(handle, 0, 1, 0, ol)
}
