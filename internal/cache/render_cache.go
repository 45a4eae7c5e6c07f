// Package cache keeps rendered HTML of stored chat messages in memory.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"html/template"
	"sync"
	"time"
)

// RenderedEntry holds the HTML rendering of one message body
type RenderedEntry struct {
	HTML      template.HTML
	CreatedAt time.Time
	LastUsed  time.Time
	Size      int64
}

// RenderCache maps message sources to their rendered HTML. Keys are content
// hashes, so an edited message never hits a stale entry.
type RenderCache struct {
	cache       map[string]*RenderedEntry
	mutex       sync.Mutex
	maxEntries  int           // maximum number of rendered messages
	maxAge      time.Duration // entries older than this are dropped by cleanup
	cleanupTick time.Duration
	stopCleanup chan struct{}
	stopOnce    sync.Once
	cachedSize  int64 // bytes of HTML held
	hits        int64
	misses      int64
}

// NewRenderCache creates a cache with the given limits and starts its
// cleanup goroutine. Call Stop when done.
func NewRenderCache(maxEntries int, maxAge time.Duration) *RenderCache {
	if maxEntries <= 0 {
		maxEntries = 1
	}
	rc := &RenderCache{
		cache:       make(map[string]*RenderedEntry),
		maxEntries:  maxEntries,
		maxAge:      maxAge,
		cleanupTick: time.Minute,
		stopCleanup: make(chan struct{}),
	}
	go rc.cleanupLoop()
	return rc
}

// Get returns the cached rendering of src
func (rc *RenderCache) Get(src string) (template.HTML, bool) {
	key := hashSource(src)
	rc.mutex.Lock()
	defer rc.mutex.Unlock()
	entry, ok := rc.cache[key]
	if !ok {
		rc.misses++
		return "", false
	}
	rc.hits++
	entry.LastUsed = time.Now()
	return entry.HTML, true
}

// Set stores the rendering of src, evicting the least recently used entry
// when the cache is full
func (rc *RenderCache) Set(src string, html template.HTML) {
	key := hashSource(src)
	now := time.Now()
	rc.mutex.Lock()
	defer rc.mutex.Unlock()

	if old, ok := rc.cache[key]; ok {
		rc.cachedSize -= old.Size
	} else if len(rc.cache) >= rc.maxEntries {
		rc.evictOldest()
	}
	entry := &RenderedEntry{HTML: html, CreatedAt: now, LastUsed: now, Size: int64(len(html))}
	rc.cache[key] = entry
	rc.cachedSize += entry.Size
}

// GetOrRender returns the cached HTML for src or renders and stores it
func (rc *RenderCache) GetOrRender(src string, render func(string) template.HTML) template.HTML {
	if html, ok := rc.Get(src); ok {
		return html
	}
	html := render(src)
	rc.Set(src, html)
	return html
}

// Len returns the number of cached entries
func (rc *RenderCache) Len() int {
	rc.mutex.Lock()
	defer rc.mutex.Unlock()
	return len(rc.cache)
}

// GetCachedSizeHuman returns the cached HTML size for logs
func (rc *RenderCache) GetCachedSizeHuman() string {
	rc.mutex.Lock()
	size := rc.cachedSize
	rc.mutex.Unlock()
	if size < 1024 {
		return fmt.Sprintf("%d bytes", size)
	}
	if size < 1024*1024 {
		return fmt.Sprintf("%.2f KB", float64(size)/1024.0)
	}
	return fmt.Sprintf("%.2f MB", float64(size)/(1024.0*1024.0))
}

// Stats returns cache statistics
func (rc *RenderCache) Stats() map[string]interface{} {
	rc.mutex.Lock()
	defer rc.mutex.Unlock()
	total := rc.hits + rc.misses
	hitRate := 0.0
	if total > 0 {
		hitRate = float64(rc.hits) / float64(total) * 100
	}
	return map[string]interface{}{
		"entries":     len(rc.cache),
		"max_entries": rc.maxEntries,
		"max_age":     rc.maxAge.String(),
		"bytes":       rc.cachedSize,
		"hits":        rc.hits,
		"misses":      rc.misses,
		"hit_rate":    hitRate,
	}
}

// Stop shuts down the cleanup goroutine. It is safe to call more than once.
func (rc *RenderCache) Stop() {
	rc.stopOnce.Do(func() { close(rc.stopCleanup) })
}

func hashSource(src string) string {
	sum := sha256.Sum256([]byte(src))
	return hex.EncodeToString(sum[:])
}

// evictOldest removes the least recently used entry. Caller holds the mutex.
func (rc *RenderCache) evictOldest() {
	var oldestKey string
	var oldestTime time.Time
	for key, entry := range rc.cache {
		if oldestKey == "" || entry.LastUsed.Before(oldestTime) {
			oldestKey = key
			oldestTime = entry.LastUsed
		}
	}
	if oldestKey != "" {
		rc.cachedSize -= rc.cache[oldestKey].Size
		delete(rc.cache, oldestKey)
	}
}

func (rc *RenderCache) cleanupLoop() {
	ticker := time.NewTicker(rc.cleanupTick)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			rc.cleanup(time.Now())
		case <-rc.stopCleanup:
			return
		}
	}
}

// cleanup removes entries created more than maxAge before now
func (rc *RenderCache) cleanup(now time.Time) int {
	if rc.maxAge <= 0 {
		return 0
	}
	rc.mutex.Lock()
	defer rc.mutex.Unlock()
	removed := 0
	for key, entry := range rc.cache {
		if now.Sub(entry.CreatedAt) > rc.maxAge {
			rc.cachedSize -= entry.Size
			delete(rc.cache, key)
			removed++
		}
	}
	return removed
}
