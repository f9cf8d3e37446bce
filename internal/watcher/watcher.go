package watcher

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fsnotify/fsnotify"

	"github.com/alucardeht/libspecd/internal/logger"
)

var log = logger.ForComponent("watcher")

type subscription struct {
	id        int
	root      string
	recursive bool
	onChange  func(path string)
	dirs      map[string]struct{}
}

func (s *subscription) matches(path string) bool {
	if path == s.root {
		return true
	}
	if s.recursive {
		return strings.HasPrefix(path, s.root+string(filepath.Separator))
	}
	return filepath.Dir(path) == s.root
}

// Watcher is an fsnotify-backed Notifier. Changes are coalesced per path and
// then dispatched to every subscription whose root covers the changed path.
type Watcher struct {
	config      Config
	fsWatcher   *fsnotify.Watcher
	fsWatcherMu sync.Mutex
	changes     *coalescer

	mu       sync.RWMutex
	subs     map[int]*subscription
	dirRefs  map[string]int
	nextID   int
	running  bool
	ctx      context.Context
	cancel   context.CancelFunc
	handleWg sync.WaitGroup
}

func New(config Config) (*Watcher, error) {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		config:    config,
		fsWatcher: fsWatcher,
		subs:      make(map[int]*subscription),
		dirRefs:   make(map[string]int),
	}

	w.changes = newCoalescer(config.DebounceWindow, config.MaxWait, config.MaxBatchSize, w.dispatch)

	return w, nil
}

func (w *Watcher) addToWatcher(path string) error {
	w.fsWatcherMu.Lock()
	defer w.fsWatcherMu.Unlock()
	return w.fsWatcher.Add(path)
}

func (w *Watcher) removeFromWatcher(path string) {
	w.fsWatcherMu.Lock()
	defer w.fsWatcherMu.Unlock()
	w.fsWatcher.Remove(path)
}

// track must be called with w.mu held.
func (w *Watcher) track(sub *subscription, dir string) error {
	if _, ok := sub.dirs[dir]; ok {
		return nil
	}
	if w.dirRefs[dir] == 0 {
		if err := w.addToWatcher(dir); err != nil {
			return err
		}
	}
	w.dirRefs[dir]++
	sub.dirs[dir] = struct{}{}
	return nil
}

// untrack must be called with w.mu held.
func (w *Watcher) untrack(sub *subscription) {
	for dir := range sub.dirs {
		w.dirRefs[dir]--
		if w.dirRefs[dir] <= 0 {
			delete(w.dirRefs, dir)
			w.removeFromWatcher(dir)
		}
	}
	sub.dirs = map[string]struct{}{}
}

func (w *Watcher) NotifyOnAnyChange(root string, recursive bool, onChange func(path string)) (Handle, error) {
	root = filepath.Clean(root)

	info, err := os.Stat(root)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("not a directory: %s", root)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	w.nextID++
	sub := &subscription{
		id:        w.nextID,
		root:      root,
		recursive: recursive,
		onChange:  onChange,
		dirs:      make(map[string]struct{}),
	}

	if err := w.track(sub, root); err != nil {
		return nil, err
	}
	if recursive {
		w.walkAndAdd(sub, root)
	}

	w.subs[sub.id] = sub
	log.Debug("watching root", "path", root, "recursive", recursive)

	return &handle{watcher: w, id: sub.id}, nil
}

// walkAndAdd must be called with w.mu held.
func (w *Watcher) walkAndAdd(sub *subscription, path string) {
	entries, err := os.ReadDir(path)
	if err != nil {
		log.Debug("failed to read directory", "path", path, "error", err)
		return
	}

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}

		fullPath := filepath.Join(path, entry.Name())
		if w.shouldIgnore(fullPath) {
			continue
		}

		if err := w.track(sub, fullPath); err != nil {
			log.Debug("failed to watch directory", "path", fullPath, "error", err)
			continue
		}
		w.walkAndAdd(sub, fullPath)
	}
}

func (w *Watcher) unsubscribe(id int) {
	w.mu.Lock()
	defer w.mu.Unlock()

	sub, ok := w.subs[id]
	if !ok {
		return
	}
	delete(w.subs, id)
	w.untrack(sub)
	log.Debug("stopped watching root", "path", sub.root)
}

func (w *Watcher) Start(ctx context.Context) error {
	log.Info("starting file watcher")

	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}

	w.running = true
	w.ctx, w.cancel = context.WithCancel(ctx)
	w.mu.Unlock()

	w.handleWg.Add(2)
	go w.handleEvents()
	go func() {
		defer w.handleWg.Done()
		w.changes.run(w.ctx)
	}()

	return nil
}

func (w *Watcher) handleEvents() {
	defer w.handleWg.Done()

	for {
		select {
		case <-w.ctx.Done():
			return

		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}

			log.Debug("file event", "path", event.Name, "op", event.Op.String())

			if event.Has(fsnotify.Create) {
				w.watchNewDirectory(event.Name)
			}

			if change, ok := w.convertEvent(event); ok {
				w.changes.push(w.ctx, change)
			}

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			log.Warn("watcher error", "error", err)
		}
	}
}

func (w *Watcher) watchNewDirectory(path string) {
	info, err := os.Stat(path)
	if err != nil || !info.IsDir() || w.shouldIgnore(path) {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	for _, sub := range w.subs {
		if !sub.recursive || !sub.matches(path) {
			continue
		}
		if err := w.track(sub, path); err == nil {
			w.walkAndAdd(sub, path)
		}
	}
}

func (w *Watcher) convertEvent(event fsnotify.Event) (Change, bool) {
	const relevant = fsnotify.Create | fsnotify.Write | fsnotify.Remove | fsnotify.Rename

	if event.Op&relevant == 0 || w.shouldIgnore(event.Name) {
		return Change{}, false
	}
	return Change{
		Path: filepath.Clean(event.Name),
		Op:   event.Op & relevant,
		At:   time.Now(),
	}, true
}

func (w *Watcher) dispatch(changes []Change) {
	log.Debug("dispatching changes", "count", len(changes))

	w.mu.RLock()
	subs := make([]*subscription, 0, len(w.subs))
	for _, sub := range w.subs {
		subs = append(subs, sub)
	}
	w.mu.RUnlock()

	for _, change := range changes {
		if change.Removed() {
			w.forgetDirectory(change.Path)
		}
		for _, sub := range subs {
			if sub.matches(change.Path) {
				sub.onChange(change.Path)
			}
		}
	}
}

// forgetDirectory drops a removed directory and everything below it from
// every subscription.
func (w *Watcher) forgetDirectory(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	prefix := path + string(filepath.Separator)
	for _, sub := range w.subs {
		for dir := range sub.dirs {
			if dir != path && !strings.HasPrefix(dir, prefix) {
				continue
			}
			delete(sub.dirs, dir)
			w.dirRefs[dir]--
			if w.dirRefs[dir] <= 0 {
				delete(w.dirRefs, dir)
				w.removeFromWatcher(dir)
			}
		}
	}
}

func (w *Watcher) shouldIgnore(path string) bool {
	basename := filepath.Base(path)

	if !w.config.WatchHidden && strings.HasPrefix(basename, ".") {
		return true
	}

	slashed := filepath.ToSlash(path)
	for _, pattern := range w.config.IgnorePatterns {
		if match, _ := doublestar.Match(pattern, slashed); match {
			return true
		}
	}

	return false
}

func (w *Watcher) Stop() error {
	log.Info("stopping file watcher")

	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return w.closeFS()
	}

	w.running = false
	w.cancel()
	w.mu.Unlock()

	w.handleWg.Wait()

	return w.closeFS()
}

func (w *Watcher) closeFS() error {
	w.fsWatcherMu.Lock()
	defer w.fsWatcherMu.Unlock()
	return w.fsWatcher.Close()
}

type handle struct {
	watcher *Watcher
	id      int
	once    sync.Once
}

func (h *handle) Stop() {
	h.once.Do(func() {
		h.watcher.unsubscribe(h.id)
	})
}
