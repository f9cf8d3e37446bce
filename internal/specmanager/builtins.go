package specmanager

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alucardeht/libspecd/internal/libspec"
	"github.com/alucardeht/libspecd/internal/sysmutex"
)

const maxBootstrapWorkers = 10

func bootstrapWorkers() int {
	return min(maxBootstrapWorkers, runtime.NumCPU()+4)
}

// bootstrapBuiltins generates every builtin spec that is not on disk yet.
// The whole pass runs under one named mutex so concurrent processes sharing
// the cache do not generate the same builtins twice.
func (m *Manager) bootstrapBuiltins(ctx context.Context) {
	defer close(m.builtinsDone)
	defer m.synchronizeInternalFolders()

	start := time.Now()
	name := sysmutex.GenerateName(m.builtinsDir, "gen_builtins_")

	var generated, failed int
	err := m.mutexes.With(ctx, name, m.cfg.BuiltinsMutexTimeout, func() error {
		var missing []string
		for _, libname := range m.cfg.Builtins {
			path := filepath.Join(m.builtinsDir, sanitizeFileName(libname)+libspec.Extension)
			if _, err := os.Stat(path); err != nil {
				missing = append(missing, libname)
			}
		}
		if len(missing) == 0 {
			return nil
		}

		log.Info("generating builtin specs", "count", len(missing), "workers", bootstrapWorkers())

		results := make([]bool, len(missing))
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(bootstrapWorkers())
		for i, libname := range missing {
			i, libname := i, libname
			g.Go(func() error {
				results[i] = m.createSpec(gctx, libname, true, "")
				if !results[i] {
					log.Warn("failed to generate builtin spec", "libname", libname)
				}
				return nil
			})
		}
		g.Wait()

		for _, ok := range results {
			if ok {
				generated++
			} else {
				failed++
			}
		}
		return nil
	})
	if err != nil {
		log.Warn("builtin bootstrap skipped", "error", err)
		return
	}

	log.Info("builtin bootstrap finished", "generated", generated, "failed", failed, "duration", time.Since(start))
}
