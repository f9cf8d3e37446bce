package generator

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"
)

const probeScript = `import sys, json
try:
    import robot
    tool = robot.get_version()
except Exception:
    tool = ""
print(json.dumps({"executable": sys.executable, "version": sys.version.split()[0], "tool_version": tool, "path": sys.path}))
`

type Interpreter struct {
	Executable  string   `json:"executable"`
	Version     string   `json:"version"`
	ToolVersion string   `json:"tool_version"`
	SearchPath  []string `json:"path"`
}

// Hash is a short identity for the interpreter, derived from its executable.
func (i *Interpreter) Hash() string {
	sum := sha256.Sum256([]byte(i.Executable))
	return hex.EncodeToString(sum[:])[:8]
}

// Folders returns the existing directories on the interpreter search path.
func (i *Interpreter) Folders() []string {
	seen := make(map[string]bool)
	var folders []string
	for _, p := range i.SearchPath {
		if p == "" {
			continue
		}
		p = filepath.Clean(p)
		if seen[p] {
			continue
		}
		seen[p] = true
		if info, err := os.Stat(p); err == nil && info.IsDir() {
			folders = append(folders, p)
		}
	}
	return folders
}

// DetectInterpreter runs executable once to learn its identity and module
// search path.
func DetectInterpreter(ctx context.Context, executable string) (*Interpreter, error) {
	path, err := exec.LookPath(executable)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrNotInstalled, executable)
	}

	ctx, cancel := context.WithTimeout(ctx, 20*time.Second)
	defer cancel()

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, path, "-c", probeScript)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("probe interpreter %s: %v: %s", executable, err, bytes.TrimSpace(stderr.Bytes()))
	}

	var interp Interpreter
	if err := json.Unmarshal(bytes.TrimSpace(stdout.Bytes()), &interp); err != nil {
		return nil, fmt.Errorf("decode interpreter probe: %w", err)
	}
	if interp.Executable == "" {
		interp.Executable = path
	}

	log.Info("detected interpreter", "executable", interp.Executable, "version", interp.Version, "search_path", len(interp.SearchPath))
	return &interp, nil
}
