//go:build unix

package sysmutex

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// flock locks belong to the open file description, so two descriptors for the
// same lock file exclude each other even inside one process.
func platformLock(f *os.File) error {
	for {
		err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, unix.EINTR):
			continue
		case errors.Is(err, unix.EWOULDBLOCK):
			return ErrLockHeld
		default:
			return fmt.Errorf("flock %s: %w", f.Name(), err)
		}
	}
}

func platformUnlock(f *os.File) {
	if err := unix.Flock(int(f.Fd()), unix.LOCK_UN); err != nil {
		log.Debug("flock unlock failed", "path", f.Name(), "error", err)
	}
}
