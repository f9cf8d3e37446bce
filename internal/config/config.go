package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/alucardeht/libspecd/internal/generator"
	"github.com/alucardeht/libspecd/internal/specmanager"
	"github.com/alucardeht/libspecd/internal/watcher"
)

type CacheConfig struct {
	Home          string `yaml:"home"`
	FormatVersion string `yaml:"format_version"`
	ToolVersion   string `yaml:"tool_version"`
}

type InterpreterConfig struct {
	Executable string `yaml:"executable"`
	// Detect asks the interpreter for its search path at startup.
	Detect bool `yaml:"detect"`
}

type LockConfig struct {
	Dir             string        `yaml:"dir"`
	Timeout         time.Duration `yaml:"timeout"`
	BuiltinsTimeout time.Duration `yaml:"builtins_timeout"`
}

type LedgerConfig struct {
	Enabled   bool          `yaml:"enabled"`
	DBPath    string        `yaml:"db_path"`
	Retention time.Duration `yaml:"retention"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	// File receives logs instead of stderr when set.
	File string `yaml:"file"`
}

type Config struct {
	Cache             CacheConfig       `yaml:"cache"`
	Interpreter       InterpreterConfig `yaml:"interpreter"`
	Generator         generator.Config  `yaml:"generator"`
	Builtins          []string          `yaml:"builtins"`
	AdditionalFolders []string          `yaml:"additional_folders"`
	Lock              LockConfig        `yaml:"lock"`
	Ledger            LedgerConfig      `yaml:"ledger"`
	Watcher           watcher.Config    `yaml:"watcher"`
	Log               LogConfig         `yaml:"log"`
}

func homeDir() string {
	if dir := os.Getenv("LIBSPECD_HOME"); dir != "" {
		return dir
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".libspecd")
}

func Load() *Config {
	base := homeDir()
	python := "python3"

	return &Config{
		Cache: CacheConfig{
			Home:          base,
			FormatVersion: "v1",
			ToolVersion:   "unknown",
		},
		Interpreter: InterpreterConfig{
			Executable: python,
			Detect:     true,
		},
		Generator: generator.DefaultConfig(python),
		Builtins:  specmanager.DefaultBuiltins(),
		Lock: LockConfig{
			Dir:             filepath.Join(base, "locks"),
			Timeout:         30 * time.Second,
			BuiltinsTimeout: 100 * time.Second,
		},
		Ledger: LedgerConfig{
			Enabled:   true,
			DBPath:    filepath.Join(base, "ledger.db"),
			Retention: 30 * 24 * time.Hour,
		},
		Watcher: watcher.DefaultConfig(),
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// LoadFile overlays the YAML document at path on the defaults. A missing file
// yields the defaults.
func LoadFile(path string) (*Config, error) {
	cfg := Load()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	// An interpreter override also retargets a generator left at its default.
	if cfg.Generator.Command == "python3" && cfg.Interpreter.Executable != "python3" {
		cfg.Generator.Command = cfg.Interpreter.Executable
	}

	return cfg, nil
}

func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{c.Cache.Home, c.Lock.Dir} {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}
	return nil
}

// Manager maps the file settings onto a specmanager configuration.
// searchPath is the interpreter's module search path, if known.
func (c *Config) Manager(searchPath []string) specmanager.Config {
	cfg := specmanager.DefaultConfig(c.Cache.Home)
	cfg.FormatVersion = c.Cache.FormatVersion
	cfg.ToolVersion = c.Cache.ToolVersion
	cfg.InterpreterExecutable = c.Interpreter.Executable
	cfg.SearchPath = searchPath
	cfg.AdditionalSearchFolders = c.AdditionalFolders
	cfg.Builtins = c.Builtins
	cfg.MutexTimeout = c.Lock.Timeout
	cfg.BuiltinsMutexTimeout = c.Lock.BuiltinsTimeout
	return cfg
}
