package generator

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
)

func TestExpandArgs(t *testing.T) {
	args := ExpandArgs(DefaultConfig("python").Args, "Collections", []string{"/a", "/b"}, "/out/Collections.libspec")

	want := []string{
		"-m", "robot.libdoc",
		"--format", "XML",
		"--specdocformat", "HTML",
		"-P", "/a", "-P", "/b",
		"Collections",
		"/out/Collections.libspec",
	}

	if strings.Join(args, " ") != strings.Join(want, " ") {
		t.Errorf("unexpected args:\n got %v\nwant %v", args, want)
	}
}

func TestExpandArgsEmbeddedPlaceholders(t *testing.T) {
	args := ExpandArgs([]string{"--name={libname}", "--out={output}", PlaceholderSearchPaths}, "mylib", nil, "/tmp/x")

	if len(args) != 2 || args[0] != "--name=mylib" || args[1] != "--out=/tmp/x" {
		t.Errorf("unexpected args: %v", args)
	}
}

func requireShell(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
}

func TestCommandGeneratorWritesOutput(t *testing.T) {
	requireShell(t)
	out := filepath.Join(t.TempDir(), "mylib.libspec")

	g := NewCommandGenerator(Config{
		Command: "sh",
		Args:    []string{"-c", `printf '<keywordspec name="%s"/>' "$0" > "$1"`, PlaceholderLibname, PlaceholderOutput},
	})

	if err := g.Generate(context.Background(), "mylib", nil, out); err != nil {
		t.Fatalf("generate failed: %v", err)
	}

	data, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("output missing: %v", err)
	}
	if !strings.Contains(string(data), `name="mylib"`) {
		t.Errorf("unexpected output: %s", data)
	}
}

func TestCommandGeneratorFailure(t *testing.T) {
	requireShell(t)
	out := filepath.Join(t.TempDir(), "broken.libspec")

	g := NewCommandGenerator(Config{
		Command: "sh",
		Args:    []string{"-c", "echo 'No module named broken' >&2; exit 3"},
	})

	err := g.Generate(context.Background(), "broken", nil, out)
	if !errors.Is(err, ErrGeneratorFailed) {
		t.Fatalf("expected ErrGeneratorFailed, got %v", err)
	}
	if !strings.Contains(err.Error(), "No module named broken") {
		t.Errorf("expected captured stderr in error, got %v", err)
	}
}

func TestCommandGeneratorNoOutput(t *testing.T) {
	requireShell(t)
	out := filepath.Join(t.TempDir(), "silent.libspec")

	g := NewCommandGenerator(Config{Command: "sh", Args: []string{"-c", "true"}})

	if err := g.Generate(context.Background(), "silent", nil, out); !errors.Is(err, ErrGeneratorFailed) {
		t.Errorf("expected ErrGeneratorFailed when no output is written, got %v", err)
	}
}

func TestCommandGeneratorNotInstalled(t *testing.T) {
	g := NewCommandGenerator(Config{Command: "definitely-not-a-real-generator-binary"})

	err := g.Generate(context.Background(), "x", nil, filepath.Join(t.TempDir(), "x.libspec"))
	if !errors.Is(err, ErrNotInstalled) {
		t.Errorf("expected ErrNotInstalled, got %v", err)
	}
}

func TestInterpreterFolders(t *testing.T) {
	dir := t.TempDir()
	interp := &Interpreter{
		Executable: "/usr/bin/python3",
		SearchPath: []string{"", dir, dir + string(filepath.Separator), filepath.Join(dir, "missing")},
	}

	folders := interp.Folders()
	if len(folders) != 1 || folders[0] != dir {
		t.Errorf("expected only %s, got %v", dir, folders)
	}

	if len(interp.Hash()) != 8 {
		t.Errorf("expected 8-char hash, got %q", interp.Hash())
	}
	other := &Interpreter{Executable: "/usr/bin/python3.12"}
	if other.Hash() == interp.Hash() {
		t.Error("expected different hashes for different executables")
	}
}
