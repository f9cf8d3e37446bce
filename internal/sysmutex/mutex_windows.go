//go:build windows

package sysmutex

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/windows"
)

// Only the first byte of the lock file is locked; that is enough for mutual
// exclusion between handles.
func platformLock(f *os.File) error {
	ol := new(windows.Overlapped)
	err := windows.LockFileEx(windows.Handle(f.Fd()),
		windows.LOCKFILE_EXCLUSIVE_LOCK|windows.LOCKFILE_FAIL_IMMEDIATELY, 0, 1, 0, ol)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, windows.ERROR_LOCK_VIOLATION):
		return ErrLockHeld
	default:
		return fmt.Errorf("LockFileEx %s: %w", f.Name(), err)
	}
}

func platformUnlock(f *os.File) {
	ol := new(windows.Overlapped)
	if err := windows.UnlockFileEx(windows.Handle(f.Fd()), 0, 1, 0, ol); err != nil {
		log.Debug("UnlockFileEx failed", "path", f.Name(), "error", err)
	}
}
