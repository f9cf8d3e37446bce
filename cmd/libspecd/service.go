package main

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/alucardeht/libspecd/internal/config"
	"github.com/alucardeht/libspecd/internal/generator"
	"github.com/alucardeht/libspecd/internal/ledger"
	"github.com/alucardeht/libspecd/internal/libspec"
	"github.com/alucardeht/libspecd/internal/logger"
	"github.com/alucardeht/libspecd/internal/specmanager"
	"github.com/alucardeht/libspecd/internal/sysmutex"
	"github.com/alucardeht/libspecd/internal/watcher"
)

var log = logger.ForComponent("main")

// closeLog releases the log file opened by loadConfig.
var closeLog = func() error { return nil }

// service bundles the manager with the resources it was built from.
type service struct {
	cfg     *config.Config
	manager *specmanager.Manager
	watcher *watcher.Watcher
	ledger  *ledger.Store
}

func loadConfig() (*config.Config, error) {
	path := configPath
	if path == "" {
		path = filepath.Join(config.Load().Cache.Home, "config.yaml")
	}

	cfg, err := config.LoadFile(path)
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}

	closeFn, err := logger.Setup(cfg.Log.Level, cfg.Log.Format, cfg.Log.File)
	if err != nil {
		return nil, err
	}
	closeLog = closeFn

	return cfg, cfg.EnsureDirectories()
}

// openLedger opens the attempt history, or returns nil when it is disabled.
func openLedger(cfg *config.Config) (*ledger.Store, error) {
	if !cfg.Ledger.Enabled {
		return nil, nil
	}

	store, err := ledger.Open(cfg.Ledger.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}

	if cfg.Ledger.Retention > 0 {
		if n, err := store.Prune(time.Now().Add(-cfg.Ledger.Retention)); err != nil {
			log.Warn("failed to prune ledger", "error", err)
		} else if n > 0 {
			log.Debug("pruned ledger", "removed", n)
		}
	}
	return store, nil
}

// openService builds a manager from the loaded config. watch starts a file
// watcher so long-lived processes see spec and source changes.
func openService(ctx context.Context, cfg *config.Config, watch bool) (*service, error) {
	s := &service{cfg: cfg}

	var searchPath []string
	gen := cfg.Generator
	if cfg.Interpreter.Detect {
		interp, err := generator.DetectInterpreter(ctx, cfg.Interpreter.Executable)
		if err != nil {
			log.Warn("interpreter detection failed", "executable", cfg.Interpreter.Executable, "error", err)
		} else {
			searchPath = interp.Folders()
			if cfg.Cache.ToolVersion == "unknown" && interp.ToolVersion != "" {
				cfg.Cache.ToolVersion = interp.ToolVersion
			}
			if gen.Command == cfg.Interpreter.Executable {
				gen.Command = interp.Executable
			}
			cfg.Interpreter.Executable = interp.Executable
		}
	}

	var err error
	if s.ledger, err = openLedger(cfg); err != nil {
		return nil, err
	}

	opts := specmanager.Options{
		Builder:   libspec.NewXMLBuilder(),
		Generator: generator.NewCommandGenerator(gen),
		Mutexes:   sysmutex.NewFactory(cfg.Lock.Dir),
	}
	if s.ledger != nil {
		opts.Ledger = s.ledger
	}

	if watch && cfg.Watcher.Enabled {
		w, err := watcher.New(cfg.Watcher)
		if err != nil {
			log.Warn("file watching unavailable", "error", err)
		} else if err := w.Start(ctx); err != nil {
			log.Warn("file watching unavailable", "error", err)
			w.Stop()
		} else {
			s.watcher = w
			opts.Notifier = w
		}
	}

	s.manager, err = specmanager.New(ctx, cfg.Manager(searchPath), opts)
	if err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

func (s *service) Close() {
	if s.manager != nil {
		s.manager.Close()
	}
	if s.watcher != nil {
		if err := s.watcher.Stop(); err != nil {
			log.Debug("failed to stop watcher", "error", err)
		}
	}
	if s.ledger != nil {
		s.ledger.Close()
	}
}

func commandContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(ctx, timeout)
}
