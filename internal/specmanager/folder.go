package specmanager

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/alucardeht/libspecd/internal/libspec"
	"github.com/alucardeht/libspecd/internal/watcher"
)

type slotState int

const (
	// slotUnloaded: the file exists but has not been parsed since it last changed.
	slotUnloaded slotState = iota
	// slotLoaded: info holds the parsed spec.
	slotLoaded
	// slotInvalid: parsing failed for the file as it was at mtime.
	slotInvalid
)

type slot struct {
	state slotState
	info  *LibInfo
	mtime time.Time
}

func unloaded() *slot {
	return &slot{state: slotUnloaded}
}

// FolderInfo tracks the spec files under one folder.
type FolderInfo struct {
	path          string
	recursive     bool
	canRegenerate bool
	builder       libspec.Builder
	sidecars      *SidecarStore

	mu      sync.Mutex
	entries map[string]*slot

	watchMu sync.Mutex
	watch   watcher.Handle
}

func NewFolderInfo(path string, recursive, canRegenerate bool, builder libspec.Builder, sidecars *SidecarStore) *FolderInfo {
	return &FolderInfo{
		path:          canonicalPath(path),
		recursive:     recursive,
		canRegenerate: canRegenerate,
		builder:       builder,
		sidecars:      sidecars,
		entries:       make(map[string]*slot),
	}
}

func (f *FolderInfo) Path() string {
	return f.path
}

func (f *FolderInfo) pattern() string {
	if f.recursive {
		return "**/*" + libspec.Extension
	}
	return "*" + libspec.Extension
}

// Synchronize rescans the folder. Existing slots whose file mtime changed are
// reset to unloaded; slots for vanished files are dropped.
func (f *FolderInfo) Synchronize() {
	start := time.Now()

	matches, err := doublestar.Glob(os.DirFS(f.path), f.pattern())
	if err != nil {
		log.Warn("failed to scan folder", "path", f.path, "error", err)
		return
	}

	found := make(map[string]time.Time, len(matches))
	for _, rel := range matches {
		full := filepath.Join(f.path, filepath.FromSlash(rel))
		info, err := os.Stat(full)
		if err != nil || info.IsDir() {
			continue
		}
		found[full] = info.ModTime()
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	for path := range f.entries {
		if _, ok := found[path]; !ok {
			delete(f.entries, path)
		}
	}

	for path, mtime := range found {
		s, ok := f.entries[path]
		switch {
		case !ok:
			f.entries[path] = unloaded()
		case s.state == slotLoaded && !s.info.Mtime.Equal(mtime):
			f.entries[path] = unloaded()
		case s.state == slotInvalid && !s.mtime.Equal(mtime):
			f.entries[path] = unloaded()
		}
	}

	log.Debug("folder synchronized", "path", f.path, "specs", len(f.entries), "duration", time.Since(start))
}

// StartWatch subscribes to changes under the folder once. onAny, if set, sees
// every changed path, spec or not.
func (f *FolderInfo) StartWatch(notifier watcher.Notifier, onAny func(path string)) {
	if notifier == nil {
		return
	}

	f.watchMu.Lock()
	defer f.watchMu.Unlock()

	if f.watch != nil {
		return
	}

	handle, err := notifier.NotifyOnAnyChange(f.path, f.recursive, func(path string) {
		if strings.HasSuffix(path, libspec.Extension) {
			f.OnChangeSpec(path)
		}
		if onAny != nil {
			onAny(path)
		}
	})
	if err != nil {
		log.Info("not watching folder", "path", f.path, "error", err)
		return
	}
	f.watch = handle
}

// OnChangeSpec updates the single slot for path.
func (f *FolderInfo) OnChangeSpec(path string) {
	path = canonicalPath(path)
	_, err := os.Stat(path)

	f.mu.Lock()
	defer f.mu.Unlock()

	if err != nil {
		delete(f.entries, path)
		return
	}
	f.entries[path] = unloaded()
}

func (f *FolderInfo) Dispose() {
	f.watchMu.Lock()
	if f.watch != nil {
		f.watch.Stop()
		f.watch = nil
	}
	f.watchMu.Unlock()

	f.mu.Lock()
	f.entries = make(map[string]*slot)
	f.mu.Unlock()
}

// LibInfos returns the usable entries in lexicographic path order, loading
// any unloaded slot on the way. Entries without keywords are omitted.
func (f *FolderInfo) LibInfos() []*LibInfo {
	f.mu.Lock()
	paths := make([]string, 0, len(f.entries))
	slots := make(map[string]*slot, len(f.entries))
	for path, s := range f.entries {
		paths = append(paths, path)
		slots[path] = s
	}
	f.mu.Unlock()

	sort.Strings(paths)

	infos := make([]*LibInfo, 0, len(paths))
	for _, path := range paths {
		s := slots[path]
		if s.state == slotUnloaded {
			s = f.load(path, s)
		}
		if s.state == slotLoaded && s.info.Doc.HasKeywords() {
			infos = append(infos, s.info)
		}
	}
	return infos
}

// load parses path and installs the result unless the slot was replaced
// meanwhile.
func (f *FolderInfo) load(path string, prev *slot) *slot {
	next := &slot{state: slotInvalid}

	if stat, err := os.Stat(path); err != nil {
		log.Debug("spec vanished before load", "path", path, "error", err)
	} else {
		next.mtime = stat.ModTime()
		doc, err := f.builder.Build(path)
		if err != nil {
			log.Warn("unable to load spec", "path", path, "error", err)
		} else {
			next.state = slotLoaded
			next.info = newLibInfo(doc, next.mtime, path, f.canRegenerate, f.sidecars)
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.entries[path] == prev {
		f.entries[path] = next
	}
	return next
}

// Len returns the number of known spec files, loaded or not.
func (f *FolderInfo) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.entries)
}

func canonicalPath(path string) string {
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	return filepath.Clean(path)
}
