package watcher

import (
	"time"

	"github.com/fsnotify/fsnotify"
)

// Change is one path that changed, with every operation seen for it since the
// last delivery merged into Op.
type Change struct {
	Path string
	Op   fsnotify.Op
	At   time.Time
}

// Removed reports whether the path may no longer exist.
func (c Change) Removed() bool {
	return c.Op.Has(fsnotify.Remove) || c.Op.Has(fsnotify.Rename)
}

// Notifier delivers change notifications for paths under a root.
type Notifier interface {
	NotifyOnAnyChange(root string, recursive bool, onChange func(path string)) (Handle, error)
}

// Handle cancels one NotifyOnAnyChange registration.
type Handle interface {
	Stop()
}
