package watcher

import "time"

// Config tunes change delivery. DebounceWindow is how long the stream must
// stay quiet before pending changes are delivered; MaxWait caps how long the
// oldest pending change can be held back; MaxBatchSize forces delivery once
// that many distinct paths are pending.
type Config struct {
	Enabled        bool          `yaml:"enabled" json:"enabled"`
	DebounceWindow time.Duration `yaml:"debounce_window" json:"debounce_window"`
	MaxWait        time.Duration `yaml:"max_wait" json:"max_wait"`
	MaxBatchSize   int           `yaml:"max_batch_size" json:"max_batch_size"`
	IgnorePatterns []string      `yaml:"ignore_patterns" json:"ignore_patterns"`
	WatchHidden    bool          `yaml:"watch_hidden" json:"watch_hidden"`
}

func DefaultConfig() Config {
	return Config{
		Enabled:        true,
		DebounceWindow: 200 * time.Millisecond,
		MaxWait:        time.Second,
		MaxBatchSize:   256,
		IgnorePatterns: []string{
			"**/__pycache__/**",
			"**/*.pyc",
			"**/*.lock",
			"**/*.tmp",
			"**/node_modules/**",
			"**/*.log",
		},
	}
}
