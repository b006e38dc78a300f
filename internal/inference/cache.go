package inference

import (
	"sync"

	"pd-voice/internal/ml"

	"github.com/rs/zerolog/log"
)

// Loader reads an artifact from storage.
type Loader func(path string) (*ml.Artifact, error)

// Cache maps artifact paths to loaded artifacts for the lifetime of its
// owner. There is no eviction. The lock is held across a first load, so
// concurrent callers for the same path trigger a single read.
type Cache struct {
	mu      sync.Mutex
	entries map[string]*ml.Artifact
	load    Loader
}

// NewCache creates an empty cache. A nil loader reads gob artifacts from disk.
func NewCache(load Loader) *Cache {
	if load == nil {
		load = ml.LoadArtifact
	}
	return &Cache{
		entries: make(map[string]*ml.Artifact),
		load:    load,
	}
}

// Get returns the artifact for path, loading it on first use. hit reports
// whether the artifact was already cached. Failed loads are not cached.
func (c *Cache) Get(path string) (a *ml.Artifact, hit bool, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if a, ok := c.entries[path]; ok {
		return a, true, nil
	}

	a, err = c.load(path)
	if err != nil {
		return nil, false, err
	}
	c.entries[path] = a

	log.Info().
		Str("path", path).
		Str("model", a.Metadata.ModelName).
		Int("feature_count", a.Metadata.FeatureCount).
		Msg("Artifact loaded")
	return a, false, nil
}

// Len returns the number of cached artifacts.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Invalidate drops one path so the next Get reloads it.
func (c *Cache) Invalidate(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, path)
}

// Reset drops every cached artifact.
func (c *Cache) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*ml.Artifact)
}
