// Package sysmutex provides named advisory locks backed by lock files, so the
// same name excludes holders in this process and in any other process.
package sysmutex

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/alucardeht/libspecd/internal/logger"
)

var (
	ErrLockHeld = errors.New("lock held by another owner")
	ErrTimeout  = errors.New("timed out waiting for lock")

	log = logger.ForComponent("sysmutex")
)

const defaultPollInterval = 50 * time.Millisecond

// GenerateName derives a stable, filesystem-safe lock name from key.
func GenerateName(key, prefix string) string {
	sum := sha256.Sum256([]byte(NormalizeKey(key)))
	return prefix + hex.EncodeToString(sum[:])[:24]
}

// NormalizeKey canonicalizes a path so every caller derives the same name.
func NormalizeKey(key string) string {
	if abs, err := filepath.Abs(key); err == nil {
		key = abs
	}
	key = filepath.Clean(key)
	if runtime.GOOS == "windows" || runtime.GOOS == "darwin" {
		key = strings.ToLower(key)
	}
	return key
}

type Factory struct {
	dir          string
	pollInterval time.Duration
}

func NewFactory(dir string) *Factory {
	return &Factory{dir: dir, pollInterval: defaultPollInterval}
}

// Acquire blocks until the named lock is held, ctx is done or timeout elapses.
// A timeout yields ErrTimeout.
func (f *Factory) Acquire(ctx context.Context, name string, timeout time.Duration) (*Mutex, error) {
	if err := os.MkdirAll(f.dir, 0700); err != nil {
		return nil, fmt.Errorf("create lock dir: %w", err)
	}

	m := &Mutex{name: name, path: filepath.Join(f.dir, name+".lock")}
	deadline := time.Now().Add(timeout)

	for {
		err := m.TryAcquire()
		if err == nil {
			return m, nil
		}
		if !errors.Is(err, ErrLockHeld) {
			return nil, err
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("%w: %s after %s", ErrTimeout, name, timeout)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(f.pollInterval):
		}
	}
}

type Mutex struct {
	name string
	path string
	file *os.File
}

func (m *Mutex) TryAcquire() error {
	if m.file != nil {
		return nil
	}

	f, err := os.OpenFile(m.path, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return fmt.Errorf("failed to open lock file: %w", err)
	}

	if err := platformLock(f); err != nil {
		f.Close()
		return err
	}

	f.Truncate(0)
	fmt.Fprintf(f, "%d\n", os.Getpid())

	m.file = f
	log.Debug("lock acquired", "name", m.name)
	return nil
}

// Release unlocks and closes the lock file. The file itself is left in place:
// unlinking it would let a waiter lock an orphaned inode.
func (m *Mutex) Release() error {
	if m.file == nil {
		return nil
	}

	platformUnlock(m.file)

	err := m.file.Close()
	m.file = nil
	log.Debug("lock released", "name", m.name)

	return err
}

// With runs fn while holding the named lock and releases it on every exit path.
func (f *Factory) With(ctx context.Context, name string, timeout time.Duration, fn func() error) error {
	m, err := f.Acquire(ctx, name, timeout)
	if err != nil {
		return err
	}
	defer m.Release()
	return fn()
}
