package specmanager

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/alucardeht/libspecd/internal/ledger"
	"github.com/alucardeht/libspecd/internal/libspec"
	"github.com/alucardeht/libspecd/internal/sysmutex"
)

var knownSuffixes = []string{".py", ".class", ".java"}

// NormalizeLibName reduces a library name or path to the lowercase stem used
// for name matching.
func NormalizeLibName(libname string) string {
	name := strings.ReplaceAll(libname, "\\", "/")
	if i := strings.LastIndex(name, "/"); i >= 0 {
		name = name[i+1:]
	}
	lower := strings.ToLower(name)
	for _, suffix := range knownSuffixes {
		if strings.HasSuffix(lower, suffix) {
			lower = strings.TrimSuffix(lower, suffix)
			break
		}
	}
	return lower
}

// GetLibraryInfo finds the spec for libname, which may be a library name or
// an absolute path. currentDocPath, a path or file:// URI, lets relative
// library files next to the current document be resolved. With create set,
// a missing or stale spec is regenerated once. A false result is the normal
// "library unknown" outcome.
func (m *Manager) GetLibraryInfo(ctx context.Context, libname string, create bool, currentDocPath string) (*libspec.LibraryDoc, bool) {
	if m.isClosed() || strings.TrimSpace(libname) == "" {
		return nil, false
	}

	target := m.resolveTargetFile(libname, currentDocPath)
	return m.getLibraryInfo(ctx, libname, create, target)
}

func (m *Manager) getLibraryInfo(ctx context.Context, libname string, create bool, target string) (*libspec.LibraryDoc, bool) {
	normName := NormalizeLibName(libname)
	isBuiltin := m.isBuiltin(libname, target)

	for _, folder := range m.foldersByPriority() {
		for _, info := range folder.LibInfos() {
			if !matches(info, normName, target) {
				continue
			}

			if info.VerifySourcesSync() {
				return info.Doc, true
			}

			if create {
				// Regenerate and look again without creating, so a failed
				// regeneration can still fall through to another entry.
				m.createSpec(ctx, libname, isBuiltin, target)
				return m.getLibraryInfo(ctx, libname, false, target)
			}
			log.Debug("skipping stale spec", "libname", libname, "path", info.SpecPath)
		}
	}

	if !create {
		return nil, false
	}

	if !m.createSpec(ctx, libname, isBuiltin, target) {
		return nil, false
	}
	return m.getLibraryInfo(ctx, libname, false, target)
}

func matches(info *LibInfo, normName, target string) bool {
	if target != "" && info.CanRegenerate {
		return info.Doc.Source != "" && sameFile(info.Doc.Source, target)
	}
	return NormalizeLibName(info.Doc.Name) == normName
}

func sameFile(a, b string) bool {
	if filepath.Clean(a) == filepath.Clean(b) {
		return true
	}
	sa, err := os.Stat(a)
	if err != nil {
		return false
	}
	sb, err := os.Stat(b)
	if err != nil {
		return false
	}
	return os.SameFile(sa, sb)
}

func (m *Manager) isBuiltin(libname, target string) bool {
	return target == "" && m.builtinSet[libname]
}

func (m *Manager) resolveTargetFile(libname, currentDocPath string) string {
	if filepath.IsAbs(libname) {
		return filepath.Clean(libname)
	}
	if currentDocPath == "" {
		return ""
	}

	dir := filepath.Dir(PathFromURI(currentDocPath))
	for _, candidate := range []string{
		filepath.Join(dir, libname),
		filepath.Join(dir, libname+".py"),
	} {
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
	}
	return ""
}

// specPathFor names the destination of a generation. File-backed libraries
// get a content hash of their path so equally named files do not collide.
func (m *Manager) specPathFor(libname string, isBuiltin bool, target string) string {
	if isBuiltin {
		return filepath.Join(m.builtinsDir, sanitizeFileName(libname)+libspec.Extension)
	}
	if target == "" {
		return filepath.Join(m.userDir, sanitizeFileName(libname)+libspec.Extension)
	}

	sum := sha256.Sum256([]byte(sysmutex.NormalizeKey(target)))
	stem := NormalizeLibName(target)
	if stem == "" || stem == "__init__" {
		stem = NormalizeLibName(filepath.Dir(target))
	}
	return filepath.Join(m.userDir, sanitizeFileName(stem)+"_"+hex.EncodeToString(sum[:])[:12]+libspec.Extension)
}

func (m *Manager) folderForSpec(specPath string) *FolderInfo {
	if filepath.Dir(specPath) == m.builtinsFolder.Path() {
		return m.builtinsFolder
	}
	return m.userFolder
}

// createSpec regenerates the spec for (libname, isBuiltin, target) and
// reports whether a usable spec is now in place. Callers in this process
// share one attempt per destination; other processes are excluded by the
// destination's named mutex.
func (m *Manager) createSpec(ctx context.Context, libname string, isBuiltin bool, target string) bool {
	if m.failures.Has(libname, isBuiltin, target) {
		log.Debug("skipping generation that failed before", "libname", libname, "target", target)
		return false
	}

	dest := canonicalPath(m.specPathFor(libname, isBuiltin, target))

	// The shared attempt is bound to the manager's lifetime, not to any one
	// caller; a caller that gives up just stops waiting.
	ch := m.flight.DoChan(dest, func() (any, error) {
		return m.generateLocked(m.ctx, libname, isBuiltin, target, dest), nil
	})
	select {
	case res := <-ch:
		return res.Val.(bool)
	case <-ctx.Done():
		return false
	}
}

func (m *Manager) generateLocked(ctx context.Context, libname string, isBuiltin bool, target, dest string) bool {
	attempt := &ledger.Attempt{
		Libname:    libname,
		TargetFile: target,
		SpecPath:   dest,
		IsBuiltin:  isBuiltin,
	}
	start := time.Now()
	ok := false

	name := sysmutex.GenerateName(dest, "gen_libspec_")
	err := m.mutexes.With(ctx, name, m.cfg.MutexTimeout, func() error {
		if m.usable(dest, isBuiltin) {
			attempt.Status = ledger.StatusSkipped
			ok = true
			return nil
		}

		var err error
		ok, err = m.generate(ctx, libname, isBuiltin, target, dest)
		return err
	})

	attempt.Duration = time.Since(start)

	switch {
	case err == nil && ok:
		if attempt.Status == "" {
			attempt.Status = ledger.StatusGenerated
		}
	case err == nil:
		attempt.Status = ledger.StatusFailed
		attempt.ErrorMessage = "library has no keywords"
		m.failures.Add(libname, isBuiltin, target, dest)
	case errors.Is(err, sysmutex.ErrTimeout):
		log.Warn("spec generation busy, try later", "libname", libname, "target", target, "error", err)
		attempt.Status = ledger.StatusBusy
		attempt.ErrorMessage = err.Error()
	case ctx.Err() != nil:
		log.Debug("spec generation cancelled", "libname", libname, "error", err)
		attempt.Status = ledger.StatusSkipped
		attempt.ErrorMessage = err.Error()
	default:
		log.Warn("spec generation failed", "libname", libname, "target", target, "error", err)
		attempt.Status = ledger.StatusFailed
		attempt.ErrorMessage = err.Error()
		m.failures.Add(libname, isBuiltin, target, dest)
	}

	m.record(attempt)
	return err == nil && ok
}

// usable reports whether dest already holds a trustworthy, non-empty spec,
// e.g. because another process generated it while this one waited.
func (m *Manager) usable(dest string, isBuiltin bool) bool {
	stat, err := os.Stat(dest)
	if err != nil {
		return false
	}
	doc, err := m.builder.Build(dest)
	if err != nil || !doc.HasKeywords() {
		return false
	}
	if isBuiltin {
		return true
	}
	return newLibInfo(doc, stat.ModTime(), dest, true, m.sidecars).VerifySourcesSync()
}

// generate must be called with dest's mutex held. The sidecar is published
// before the spec so a visible spec always has its provenance next to it.
func (m *Manager) generate(ctx context.Context, libname string, isBuiltin bool, target, dest string) (bool, error) {
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return false, err
	}

	identifier := libname
	if target != "" {
		identifier = target
	}

	tmp := fmt.Sprintf("%s.%d.tmp", dest, os.Getpid())
	defer os.Remove(tmp)

	log.Info("generating library spec", "libname", libname, "target", target, "builtin", isBuiltin)
	if err := m.generator.Generate(ctx, identifier, m.extraSearchPaths(target), tmp); err != nil {
		return false, err
	}

	doc, err := m.builder.Build(tmp)
	if err != nil {
		return false, err
	}

	if err := m.sidecars.Write(dest, BuildSnapshot(doc, isBuiltin)); err != nil {
		return false, fmt.Errorf("write sidecar: %w", err)
	}
	if err := os.Rename(tmp, dest); err != nil {
		m.sidecars.Remove(dest)
		return false, fmt.Errorf("publish spec: %w", err)
	}

	m.folderForSpec(dest).OnChangeSpec(dest)

	if !doc.HasKeywords() {
		log.Info("generated library has no keywords", "libname", libname, "path", dest)
		return false, nil
	}
	return true, nil
}

func (m *Manager) extraSearchPaths(target string) []string {
	var paths []string
	seen := make(map[string]bool)
	add := func(p string) {
		if p != "" && !seen[p] {
			seen[p] = true
			paths = append(paths, p)
		}
	}

	if target != "" {
		dir := filepath.Dir(target)
		add(dir)
		if _, err := os.Stat(filepath.Join(dir, "__init__.py")); err == nil {
			add(filepath.Dir(dir))
		}
	}

	m.mu.RLock()
	for _, f := range m.workspaceFolders {
		add(f.Path())
	}
	for _, f := range m.additionalFolders {
		add(f.Path())
	}
	m.mu.RUnlock()

	return paths
}

func (m *Manager) record(a *ledger.Attempt) {
	if m.ledger == nil {
		return
	}
	if _, err := m.ledger.Record(a); err != nil {
		log.Debug("failed to record generation attempt", "libname", a.Libname, "error", err)
	}
}

// GetLibraryNames returns the sorted names of every usable library in every
// folder.
func (m *Manager) GetLibraryNames() []string {
	if m.isClosed() {
		return nil
	}

	names := make(map[string]struct{})
	for _, folder := range m.foldersByPriority() {
		for _, info := range folder.LibInfos() {
			names[info.Doc.Name] = struct{}{}
		}
	}

	out := make([]string, 0, len(names))
	for name := range names {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// History returns the most recent generation attempts, newest first. It is
// empty when no ledger is configured.
func (m *Manager) History(libname string, limit int) ([]*ledger.Attempt, error) {
	if m.ledger == nil {
		return nil, nil
	}
	return m.ledger.Recent(libname, limit)
}
