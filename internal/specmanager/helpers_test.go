package specmanager

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alucardeht/libspecd/internal/libspec"
	"github.com/alucardeht/libspecd/internal/sysmutex"
	"github.com/alucardeht/libspecd/internal/watcher"
)

func specXML(name, source, doc string, keywords ...string) string {
	var b strings.Builder
	fmt.Fprintf(&b, `<?xml version="1.0" encoding="UTF-8"?>`+"\n")
	if source != "" {
		fmt.Fprintf(&b, `<keywordspec name=%q source=%q specversion="3">`, name, source)
	} else {
		fmt.Fprintf(&b, `<keywordspec name=%q specversion="3">`, name)
	}
	fmt.Fprintf(&b, "<version>1.0</version><doc>%s</doc><keywords>", doc)
	for i, kw := range keywords {
		fmt.Fprintf(&b, `<kw name=%q lineno="%d"><arguments repr=""></arguments><doc>%s</doc></kw>`, kw, i+1, kw)
	}
	b.WriteString("</keywords></keywordspec>\n")
	return b.String()
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func touch(t *testing.T, path string, mtime time.Time) {
	t.Helper()
	if err := os.Chtimes(path, mtime, mtime); err != nil {
		t.Fatal(err)
	}
}

type generateCall struct {
	identifier  string
	searchPaths []string
}

// fakeGenerator writes a one-keyword spec for every library it is asked
// about. Absolute identifiers are treated as library files.
type fakeGenerator struct {
	mu      sync.Mutex
	calls   []generateCall
	delay   time.Duration
	sources map[string]string
	empty   map[string]bool
	fail    map[string]error
}

func newFakeGenerator() *fakeGenerator {
	return &fakeGenerator{
		sources: make(map[string]string),
		empty:   make(map[string]bool),
		fail:    make(map[string]error),
	}
}

func (g *fakeGenerator) Generate(ctx context.Context, libname string, extraSearchPaths []string, outputPath string) error {
	g.mu.Lock()
	g.calls = append(g.calls, generateCall{identifier: libname, searchPaths: extraSearchPaths})
	delay := g.delay
	source := g.sources[libname]
	empty := g.empty[libname]
	err := g.fail[libname]
	g.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err != nil {
		return err
	}

	name := libname
	if filepath.IsAbs(libname) {
		source = libname
		name = strings.TrimSuffix(filepath.Base(libname), ".py")
	}

	var keywords []string
	if !empty {
		keywords = []string{"Do " + name}
	}
	return os.WriteFile(outputPath, []byte(specXML(name, source, "generated", keywords...)), 0644)
}

func (g *fakeGenerator) count() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.calls)
}

func (g *fakeGenerator) last() generateCall {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls[len(g.calls)-1]
}

func (g *fakeGenerator) setFail(libname string, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err == nil {
		delete(g.fail, libname)
		return
	}
	g.fail[libname] = err
}

type fakeSubscription struct {
	root     string
	onChange func(path string)
	stopped  bool
}

// fakeNotifier delivers changes only when the test triggers them.
type fakeNotifier struct {
	mu   sync.Mutex
	subs []*fakeSubscription
}

func (n *fakeNotifier) NotifyOnAnyChange(root string, recursive bool, onChange func(path string)) (watcher.Handle, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	sub := &fakeSubscription{root: root, onChange: onChange}
	n.subs = append(n.subs, sub)
	return &fakeHandle{notifier: n, sub: sub}, nil
}

func (n *fakeNotifier) trigger(path string) {
	n.mu.Lock()
	var targets []func(string)
	for _, sub := range n.subs {
		if !sub.stopped && strings.HasPrefix(path, sub.root) {
			targets = append(targets, sub.onChange)
		}
	}
	n.mu.Unlock()

	for _, fn := range targets {
		fn(path)
	}
}

func (n *fakeNotifier) active() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	count := 0
	for _, sub := range n.subs {
		if !sub.stopped {
			count++
		}
	}
	return count
}

type fakeHandle struct {
	notifier *fakeNotifier
	sub      *fakeSubscription
}

func (h *fakeHandle) Stop() {
	h.notifier.mu.Lock()
	defer h.notifier.mu.Unlock()
	h.sub.stopped = true
}

type testEnv struct {
	home     string
	gen      *fakeGenerator
	notifier *fakeNotifier
	mutexes  *sysmutex.Factory
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	home := t.TempDir()
	return &testEnv{
		home:     home,
		gen:      newFakeGenerator(),
		notifier: &fakeNotifier{},
		mutexes:  sysmutex.NewFactory(filepath.Join(home, "locks")),
	}
}

func (e *testEnv) config(builtins ...string) Config {
	cfg := DefaultConfig(e.home)
	cfg.Builtins = builtins
	cfg.MutexTimeout = 5 * time.Second
	cfg.BuiltinsMutexTimeout = 5 * time.Second
	return cfg
}

func (e *testEnv) start(t *testing.T, cfg Config, ledger Ledger) *Manager {
	t.Helper()
	return e.startWith(t, cfg, ledger, e.notifier)
}

// startWatching runs the manager against a real filesystem watcher.
func (e *testEnv) startWatching(t *testing.T, cfg Config) *Manager {
	t.Helper()
	wcfg := watcher.DefaultConfig()
	wcfg.DebounceWindow = 20 * time.Millisecond

	w, err := watcher.New(wcfg)
	if err != nil {
		t.Fatalf("failed to create watcher: %v", err)
	}
	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("failed to start watcher: %v", err)
	}
	t.Cleanup(func() { w.Stop() })

	return e.startWith(t, cfg, nil, w)
}

func (e *testEnv) startWith(t *testing.T, cfg Config, ledger Ledger, notifier watcher.Notifier) *Manager {
	t.Helper()
	m, err := New(context.Background(), cfg, Options{
		Builder:   libspec.NewXMLBuilder(),
		Generator: e.gen,
		Mutexes:   e.mutexes,
		Notifier:  notifier,
		Ledger:    ledger,
	})
	if err != nil {
		t.Fatalf("failed to create manager: %v", err)
	}
	t.Cleanup(func() { m.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := m.WaitBuiltins(ctx); err != nil {
		t.Fatalf("builtin bootstrap did not finish: %v", err)
	}
	return m
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met within 5s")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
