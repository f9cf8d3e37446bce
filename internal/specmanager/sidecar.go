package specmanager

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/alucardeht/libspecd/internal/libspec"
)

// SidecarSuffix is appended to a spec path to name its provenance file.
const SidecarSuffix = ".m"

// absentMtime stands in for the mtime of a source that could not be stat-ed.
const absentMtime = -1

// Snapshot is the provenance recorded next to a generated spec. UnableToLoad
// is set by writers that could not parse the spec they described; such a
// sidecar never vouches for its spec.
type Snapshot struct {
	IsBuiltin     bool               `json:"is_builtin"`
	SourceToMtime map[string]float64 `json:"source_to_mtime,omitempty"`
	UnableToLoad  bool               `json:"unable_to_load,omitempty"`
}

func SidecarPath(specPath string) string {
	return specPath + SidecarSuffix
}

// SidecarStore reads and writes sidecar files. Writes must happen while the
// caller holds the spec's named mutex; reads take no lock.
type SidecarStore struct{}

func NewSidecarStore() *SidecarStore {
	return &SidecarStore{}
}

// Read returns (nil, nil) when the spec has no sidecar.
func (s *SidecarStore) Read(specPath string) (*Snapshot, error) {
	data, err := os.ReadFile(SidecarPath(specPath))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}

	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("decode sidecar %s: %w", SidecarPath(specPath), err)
	}
	return &snap, nil
}

func (s *SidecarStore) Write(specPath string, snap *Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return err
	}

	target := SidecarPath(specPath)
	tmp, err := os.CreateTemp(filepath.Dir(target), filepath.Base(target)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create sidecar: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write sidecar: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close sidecar: %w", err)
	}

	return os.Rename(tmp.Name(), target)
}

func (s *SidecarStore) Remove(specPath string) {
	os.Remove(SidecarPath(specPath))
}

// BuildSnapshot captures the current mtimes of every source behind doc.
// Builtins never record sources.
func BuildSnapshot(doc *libspec.LibraryDoc, isBuiltin bool) *Snapshot {
	snap := &Snapshot{IsBuiltin: isBuiltin}
	if isBuiltin {
		return snap
	}
	snap.SourceToMtime = CurrentSourceMtimes(doc)
	return snap
}

// CurrentSourceMtimes stats every distinct source of doc. Sources that cannot
// be stat-ed are recorded as absent, so a source vanishing or appearing later
// is a mismatch.
func CurrentSourceMtimes(doc *libspec.LibraryDoc) map[string]float64 {
	sources := doc.Sources()
	mtimes := make(map[string]float64, len(sources))
	for _, source := range sources {
		info, err := os.Stat(source)
		if err != nil {
			log.Debug("source not available", "libname", doc.Name, "source", source, "error", err)
			mtimes[source] = absentMtime
			continue
		}
		mtimes[source] = mtimeSeconds(info.ModTime())
	}
	return mtimes
}

func mtimeSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}
