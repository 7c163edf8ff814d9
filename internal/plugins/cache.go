package plugins

import (
	"os"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/houqp/kiorg/pkg/protocol"
)

// cacheKey identifies one rendered preview. The file's mtime is part of the
// key, so an edited file misses naturally instead of serving a stale render.
type cacheKey struct {
	plugin string
	path   string
	mtime  int64
	popup  bool
}

// PreviewCache memoizes rendered component trees per plugin, path, and file
// mtime. A nil *PreviewCache is a valid no-op cache.
type PreviewCache struct {
	lru *expirable.LRU[cacheKey, []protocol.Component]
}

// NewPreviewCache returns a cache holding up to entries renders, each for
// at most ttl. entries must be positive.
func NewPreviewCache(entries int, ttl time.Duration) *PreviewCache {
	return &PreviewCache{
		lru: expirable.NewLRU[cacheKey, []protocol.Component](entries, nil, ttl),
	}
}

// Get returns the cached render of path by plugin, if the file has not
// changed since it was cached.
func (c *PreviewCache) Get(plugin, path string, popup bool) ([]protocol.Component, bool) {
	if c == nil {
		return nil, false
	}
	key, ok := c.key(plugin, path, popup)
	if !ok {
		return nil, false
	}
	return c.lru.Get(key)
}

// Put stores a render. Paths that cannot be stat'ed are not cached.
func (c *PreviewCache) Put(plugin, path string, popup bool, components []protocol.Component) {
	if c == nil {
		return
	}
	key, ok := c.key(plugin, path, popup)
	if !ok {
		return
	}
	c.lru.Add(key, components)
}

// InvalidatePlugin drops every entry produced by plugin. Called when the
// plugin crashes or is replaced, since a respawned binary may render
// differently.
func (c *PreviewCache) InvalidatePlugin(plugin string) {
	if c == nil {
		return
	}
	for _, key := range c.lru.Keys() {
		if key.plugin == plugin {
			c.lru.Remove(key)
		}
	}
}

// Purge empties the cache.
func (c *PreviewCache) Purge() {
	if c == nil {
		return
	}
	c.lru.Purge()
}

// Len returns the number of live entries.
func (c *PreviewCache) Len() int {
	if c == nil {
		return 0
	}
	return c.lru.Len()
}

func (c *PreviewCache) key(plugin, path string, popup bool) (cacheKey, bool) {
	info, err := os.Stat(path)
	if err != nil {
		return cacheKey{}, false
	}
	return cacheKey{
		plugin: plugin,
		path:   path,
		mtime:  info.ModTime().UnixNano(),
		popup:  popup,
	}, true
}
