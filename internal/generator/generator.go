package generator

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/alucardeht/libspecd/internal/logger"
)

var (
	ErrGeneratorFailed = errors.New("spec generation failed")
	ErrNotInstalled    = errors.New("generator command not installed")

	log = logger.ForComponent("generator")
)

const (
	PlaceholderLibname     = "{libname}"
	PlaceholderOutput      = "{output}"
	PlaceholderSearchPaths = "{search_paths}"

	maxCapturedOutput = 4096
)

// Generator produces a spec file for a library at outputPath.
type Generator interface {
	Generate(ctx context.Context, libname string, extraSearchPaths []string, outputPath string) error
}

type Config struct {
	Command string        `yaml:"command" json:"command"`
	Args    []string      `yaml:"args" json:"args"`
	Timeout time.Duration `yaml:"timeout" json:"timeout"`
}

func DefaultConfig(python string) Config {
	return Config{
		Command: python,
		Args: []string{
			"-m", "robot.libdoc",
			"--format", "XML",
			"--specdocformat", "HTML",
			PlaceholderSearchPaths,
			PlaceholderLibname,
			PlaceholderOutput,
		},
		Timeout: 60 * time.Second,
	}
}

// CommandGenerator runs an external command per library. Calls are safe to
// run concurrently as long as each uses a distinct output path.
type CommandGenerator struct {
	config Config
}

func NewCommandGenerator(config Config) *CommandGenerator {
	return &CommandGenerator{config: config}
}

func (g *CommandGenerator) Generate(ctx context.Context, libname string, extraSearchPaths []string, outputPath string) error {
	path, err := exec.LookPath(g.config.Command)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrNotInstalled, g.config.Command)
	}

	if g.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.config.Timeout)
		defer cancel()
	}

	args := ExpandArgs(g.config.Args, libname, extraSearchPaths, outputPath)

	var output bytes.Buffer
	cmd := exec.CommandContext(ctx, path, args...)
	cmd.Stdout = &limitedWriter{buf: &output, limit: maxCapturedOutput}
	cmd.Stderr = cmd.Stdout

	start := time.Now()
	log.Debug("running generator", "libname", libname, "output", outputPath)

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%w: %s: %v: %s", ErrGeneratorFailed, libname, err, strings.TrimSpace(output.String()))
	}

	if _, err := os.Stat(outputPath); err != nil {
		return fmt.Errorf("%w: %s: no output written: %v", ErrGeneratorFailed, libname, err)
	}

	log.Debug("generator finished", "libname", libname, "duration", time.Since(start))
	return nil
}

// ExpandArgs substitutes placeholders in an argument template. The search
// paths placeholder expands to one "-P <path>" pair per path.
func ExpandArgs(template []string, libname string, searchPaths []string, outputPath string) []string {
	args := make([]string, 0, len(template)+2*len(searchPaths))
	for _, arg := range template {
		switch arg {
		case PlaceholderSearchPaths:
			for _, p := range searchPaths {
				args = append(args, "-P", p)
			}
		default:
			arg = strings.ReplaceAll(arg, PlaceholderLibname, libname)
			arg = strings.ReplaceAll(arg, PlaceholderOutput, outputPath)
			args = append(args, arg)
		}
	}
	return args
}

type limitedWriter struct {
	buf   *bytes.Buffer
	limit int
}

func (w *limitedWriter) Write(p []byte) (int, error) {
	if room := w.limit - w.buf.Len(); room > 0 {
		if len(p) > room {
			w.buf.Write(p[:room])
		} else {
			w.buf.Write(p)
		}
	}
	return len(p), nil
}
