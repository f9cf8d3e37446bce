package specmanager

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/alucardeht/libspecd/internal/generator"
	"github.com/alucardeht/libspecd/internal/ledger"
	"github.com/alucardeht/libspecd/internal/libspec"
	"github.com/alucardeht/libspecd/internal/logger"
	"github.com/alucardeht/libspecd/internal/watcher"
)

var (
	ErrConcurrentRegistration = errors.New("folder registration called concurrently")
	ErrManagerClosed          = errors.New("manager is closed")
	ErrFolderNotRegistered    = errors.New("folder not registered")

	log = logger.ForComponent("specmanager")
)

// MutexFactory hands out named locks that exclude other goroutines and other
// processes.
type MutexFactory interface {
	With(ctx context.Context, name string, timeout time.Duration, fn func() error) error
}

// Ledger receives one record per generation attempt.
type Ledger interface {
	Record(a *ledger.Attempt) (int64, error)
	Recent(libname string, limit int) ([]*ledger.Attempt, error)
}

type Config struct {
	CacheHome     string
	FormatVersion string
	ToolVersion   string

	// InterpreterExecutable namespaces the cache; SearchPath is registered as
	// non-recursive folders.
	InterpreterExecutable string
	SearchPath            []string

	AdditionalSearchFolders []string
	Builtins                []string

	MutexTimeout         time.Duration
	BuiltinsMutexTimeout time.Duration
}

func DefaultConfig(cacheHome string) Config {
	return Config{
		CacheHome:            cacheHome,
		FormatVersion:        "v1",
		ToolVersion:          "unknown",
		Builtins:             DefaultBuiltins(),
		MutexTimeout:         30 * time.Second,
		BuiltinsMutexTimeout: 100 * time.Second,
	}
}

// DefaultBuiltins lists the standard libraries pre-generated at startup.
func DefaultBuiltins() []string {
	return []string{
		"BuiltIn",
		"Collections",
		"DateTime",
		"Dialogs",
		"Easter",
		"OperatingSystem",
		"Process",
		"Remote",
		"Screenshot",
		"String",
		"Telnet",
		"XML",
	}
}

type Options struct {
	Builder   libspec.Builder
	Generator generator.Generator
	Mutexes   MutexFactory
	// Notifier and Ledger are optional.
	Notifier watcher.Notifier
	Ledger   Ledger
}

// Manager owns every folder that may hold specs, answers library queries and
// regenerates missing or stale specs.
type Manager struct {
	cfg       Config
	builder   libspec.Builder
	generator generator.Generator
	mutexes   MutexFactory
	notifier  watcher.Notifier
	ledger    Ledger
	sidecars  *SidecarStore
	failures  *FailureCache
	flight    singleflight.Group

	userDir        string
	builtinsDir    string
	userFolder     *FolderInfo
	builtinsFolder *FolderInfo
	builtinSet     map[string]bool

	mu                sync.RWMutex
	workspaceFolders  []*FolderInfo
	searchPathFolders []*FolderInfo
	additionalFolders []*FolderInfo
	closed            bool

	registerMu sync.Mutex

	ctx          context.Context
	cancel       context.CancelFunc
	builtinsDone chan struct{}
}

func New(ctx context.Context, cfg Config, opts Options) (*Manager, error) {
	if opts.Builder == nil || opts.Generator == nil || opts.Mutexes == nil {
		return nil, errors.New("builder, generator and mutexes are required")
	}
	if cfg.MutexTimeout <= 0 {
		cfg.MutexTimeout = 30 * time.Second
	}
	if cfg.BuiltinsMutexTimeout <= 0 {
		cfg.BuiltinsMutexTimeout = 100 * time.Second
	}

	m := &Manager{
		cfg:          cfg,
		builder:      opts.Builder,
		generator:    opts.Generator,
		mutexes:      opts.Mutexes,
		notifier:     opts.Notifier,
		ledger:       opts.Ledger,
		sidecars:     NewSidecarStore(),
		failures:     NewFailureCache(),
		builtinSet:   make(map[string]bool, len(cfg.Builtins)),
		builtinsDone: make(chan struct{}),
	}
	m.ctx, m.cancel = context.WithCancel(ctx)

	for _, name := range cfg.Builtins {
		m.builtinSet[name] = true
	}

	base := CacheDir(cfg)
	m.userDir = filepath.Join(base, "user")
	m.builtinsDir = filepath.Join(base, "builtins")
	for _, dir := range []string{m.userDir, m.builtinsDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			m.cancel()
			return nil, fmt.Errorf("create cache dir: %w", err)
		}
	}

	m.userFolder = m.newFolder(m.userDir, false, true)
	m.builtinsFolder = m.newFolder(m.builtinsDir, false, true)

	internal := map[string]bool{m.userFolder.Path(): true, m.builtinsFolder.Path(): true}
	for _, dir := range cfg.SearchPath {
		path := canonicalPath(dir)
		if internal[path] || m.findFolder(m.searchPathFolders, path) >= 0 {
			continue
		}
		m.searchPathFolders = append(m.searchPathFolders, m.newFolder(path, false, false))
	}
	for _, dir := range cfg.AdditionalSearchFolders {
		path := canonicalPath(dir)
		if m.findFolder(m.additionalFolders, path) >= 0 {
			continue
		}
		m.additionalFolders = append(m.additionalFolders, m.newFolder(path, true, false))
	}

	log.Info("library spec manager started",
		"cache", base,
		"search_path_folders", len(m.searchPathFolders),
		"additional_folders", len(m.additionalFolders))

	if len(cfg.Builtins) > 0 {
		go m.bootstrapBuiltins(m.ctx)
	} else {
		close(m.builtinsDone)
	}

	return m, nil
}

// CacheDir is <home>/specs/<format-version>/<interpreter-hash>_<tool-version>.
func CacheDir(cfg Config) string {
	interp := &generator.Interpreter{Executable: cfg.InterpreterExecutable}
	return filepath.Join(cfg.CacheHome, "specs", cfg.FormatVersion,
		interp.Hash()+"_"+sanitizeFileName(cfg.ToolVersion))
}

func (m *Manager) newFolder(path string, recursive, canRegenerate bool) *FolderInfo {
	folder := NewFolderInfo(path, recursive, canRegenerate, m.builder, m.sidecars)
	folder.StartWatch(m.notifier, m.onAnyChange)
	folder.Synchronize()
	return folder
}

func (m *Manager) onAnyChange(path string) {
	if n := m.failures.PruneMatching(path); n > 0 {
		log.Debug("cleared failed generations", "path", path, "count", n)
	}
}

// beginRegistration guards the registries against concurrent structural
// changes; registration is expected to come from a single owner.
func (m *Manager) beginRegistration(op string) (func(), error) {
	if !m.registerMu.TryLock() {
		log.Error("concurrent folder registration", "op", op)
		return nil, ErrConcurrentRegistration
	}
	if m.isClosed() {
		m.registerMu.Unlock()
		return nil, ErrManagerClosed
	}
	return m.registerMu.Unlock, nil
}

func (m *Manager) findFolder(folders []*FolderInfo, path string) int {
	for i, f := range folders {
		if f.Path() == path {
			return i
		}
	}
	return -1
}

func (m *Manager) addFolder(list *[]*FolderInfo, uri, kind string) error {
	done, err := m.beginRegistration("add " + kind)
	if err != nil {
		return err
	}
	defer done()

	path := canonicalPath(PathFromURI(uri))

	m.mu.RLock()
	exists := m.findFolder(*list, path) >= 0
	m.mu.RUnlock()
	if exists {
		log.Info("folder already registered", "kind", kind, "path", path)
		return nil
	}

	folder := m.newFolder(path, true, false)

	m.mu.Lock()
	*list = append(*list, folder)
	m.mu.Unlock()

	log.Info("folder registered", "kind", kind, "path", path, "specs", folder.Len())
	return nil
}

func (m *Manager) removeFolder(list *[]*FolderInfo, uri, kind string) error {
	done, err := m.beginRegistration("remove " + kind)
	if err != nil {
		return err
	}
	defer done()

	path := canonicalPath(PathFromURI(uri))

	m.mu.Lock()
	i := m.findFolder(*list, path)
	if i < 0 {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrFolderNotRegistered, path)
	}
	folder := (*list)[i]
	*list = append((*list)[:i:i], (*list)[i+1:]...)
	m.mu.Unlock()

	folder.Dispose()
	log.Info("folder removed", "kind", kind, "path", path)
	return nil
}

func (m *Manager) AddWorkspaceFolder(uri string) error {
	return m.addFolder(&m.workspaceFolders, uri, "workspace")
}

func (m *Manager) RemoveWorkspaceFolder(uri string) error {
	return m.removeFolder(&m.workspaceFolders, uri, "workspace")
}

func (m *Manager) AddAdditionalSearchFolder(path string) error {
	return m.addFolder(&m.additionalFolders, path, "additional")
}

func (m *Manager) RemoveAdditionalSearchFolder(path string) error {
	return m.removeFolder(&m.additionalFolders, path, "additional")
}

// foldersByPriority returns a snapshot in query order: workspace, interpreter
// search path, additional folders, user cache, builtins.
func (m *Manager) foldersByPriority() []*FolderInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()

	folders := make([]*FolderInfo, 0, len(m.workspaceFolders)+len(m.searchPathFolders)+len(m.additionalFolders)+2)
	folders = append(folders, m.workspaceFolders...)
	folders = append(folders, m.searchPathFolders...)
	folders = append(folders, m.additionalFolders...)
	folders = append(folders, m.userFolder, m.builtinsFolder)
	return folders
}

// SynchronizeAll rescans every folder. Intended for coarse configuration
// changes only.
func (m *Manager) SynchronizeAll() {
	for _, folder := range m.foldersByPriority() {
		folder.Synchronize()
	}
}

func (m *Manager) synchronizeInternalFolders() {
	m.userFolder.Synchronize()
	m.builtinsFolder.Synchronize()
}

// WaitBuiltins blocks until the builtin bootstrap has finished.
func (m *Manager) WaitBuiltins(ctx context.Context) error {
	select {
	case <-m.builtinsDone:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) UserDir() string {
	return m.userDir
}

func (m *Manager) Failures() *FailureCache {
	return m.failures
}

func (m *Manager) isClosed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.closed
}

// Close stops the bootstrap and tears down every folder watch.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	m.cancel()
	<-m.builtinsDone

	for _, folder := range m.foldersByPriority() {
		folder.Dispose()
	}

	m.mu.Lock()
	m.workspaceFolders = nil
	m.searchPathFolders = nil
	m.additionalFolders = nil
	m.mu.Unlock()

	log.Info("library spec manager closed")
	return nil
}

// PathFromURI accepts either a plain path or a file:// URI.
func PathFromURI(uri string) string {
	if !strings.HasPrefix(uri, "file://") {
		return uri
	}
	u, err := url.Parse(uri)
	if err != nil {
		return strings.TrimPrefix(uri, "file://")
	}
	path := u.Path
	if runtime.GOOS == "windows" && len(path) > 2 && path[0] == '/' && path[2] == ':' {
		path = path[1:]
	}
	return filepath.FromSlash(path)
}

func sanitizeFileName(name string) string {
	if name == "" {
		return "unknown"
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, name)
}
