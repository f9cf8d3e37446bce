package specmanager

import (
	"maps"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alucardeht/libspecd/internal/libspec"
)

// LibInfo is a loaded spec plus what is needed to decide whether it can still
// be trusted. Once invalid, an instance stays invalid; recovery means loading
// a fresh LibInfo.
type LibInfo struct {
	Doc           *libspec.LibraryDoc
	Mtime         time.Time
	SpecPath      string
	CanRegenerate bool

	sidecars *SidecarStore

	snapshotOnce sync.Once
	snapshot     *Snapshot
	snapshotErr  error

	invalid atomic.Bool
}

func newLibInfo(doc *libspec.LibraryDoc, mtime time.Time, specPath string, canRegenerate bool, sidecars *SidecarStore) *LibInfo {
	return &LibInfo{
		Doc:           doc,
		Mtime:         mtime,
		SpecPath:      specPath,
		CanRegenerate: canRegenerate,
		sidecars:      sidecars,
	}
}

func (i *LibInfo) Invalid() bool {
	return i.invalid.Load()
}

// markInvalid is the only way the invalid flag changes.
func (i *LibInfo) markInvalid(reason string) {
	if i.invalid.CompareAndSwap(false, true) {
		log.Debug("library spec is stale", "libname", i.Doc.Name, "path", i.SpecPath, "reason", reason)
	}
}

func (i *LibInfo) loadSnapshot() (*Snapshot, error) {
	i.snapshotOnce.Do(func() {
		i.snapshot, i.snapshotErr = i.sidecars.Read(i.SpecPath)
	})
	return i.snapshot, i.snapshotErr
}

// VerifySourcesSync reports whether the sources recorded when the spec was
// generated still have the same mtimes.
func (i *LibInfo) VerifySourcesSync() bool {
	if !i.CanRegenerate {
		return true
	}
	if i.invalid.Load() {
		return false
	}

	snap, err := i.loadSnapshot()
	if err != nil {
		log.Warn("unreadable sidecar", "path", i.SpecPath, "error", err)
		i.markInvalid("unreadable sidecar")
		return false
	}
	if snap == nil {
		return true
	}
	if snap.UnableToLoad {
		i.markInvalid("sidecar marks spec unloadable")
		return false
	}
	if snap.IsBuiltin || snap.SourceToMtime == nil {
		return true
	}

	if !maps.Equal(CurrentSourceMtimes(i.Doc), snap.SourceToMtime) {
		i.markInvalid("source mtime changed")
		return false
	}
	return true
}
