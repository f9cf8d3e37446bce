package specmanager

import (
	"strings"
	"sync"
)

type failureKey struct {
	libname    string
	isBuiltin  bool
	targetFile string
}

// FailureCache remembers generations that failed so they are not retried on
// every query. Any change notification whose path mentions the library name
// forgets its entries, except changes to the spec the failed generation
// itself published (and its sidecar or temp files).
type FailureCache struct {
	mu      sync.Mutex
	entries map[failureKey]string
}

func NewFailureCache() *FailureCache {
	return &FailureCache{entries: make(map[failureKey]string)}
}

// Add records a failed generation. specPath is the destination the attempt
// wrote to, or "" if it published nothing.
func (c *FailureCache) Add(libname string, isBuiltin bool, targetFile, specPath string) {
	if specPath != "" {
		specPath = canonicalPath(specPath)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[failureKey{libname, isBuiltin, targetFile}] = specPath
}

func (c *FailureCache) Has(libname string, isBuiltin bool, targetFile string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[failureKey{libname, isBuiltin, targetFile}]
	return ok
}

// PruneMatching drops every entry whose library name occurs in path and
// returns how many were dropped.
func (c *FailureCache) PruneMatching(path string) int {
	path = canonicalPath(path)
	lowered := strings.ToLower(path)

	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for key, specPath := range c.entries {
		if key.libname == "" || ownOutput(path, specPath) {
			continue
		}
		if strings.Contains(lowered, strings.ToLower(key.libname)) {
			delete(c.entries, key)
			removed++
		}
	}
	return removed
}

func ownOutput(path, specPath string) bool {
	return specPath != "" && (path == specPath || strings.HasPrefix(path, specPath+"."))
}

func (c *FailureCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *FailureCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[failureKey]string)
}
