// Package cdn fronts the storage backend with an in-process cache for
// repeated variant reads, plus HMAC-signed download URLs.
package cdn

import (
	"container/list"
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/shopimg/shopimg/internal/storage"
	"github.com/shopimg/shopimg/internal/variants"
)

// Stats is a point-in-time snapshot of cache behaviour.
type Stats struct {
	Count      int    `json:"count"`
	TotalBytes int64  `json:"totalBytes"`
	Hits       uint64 `json:"hits"`
	Misses     uint64 `json:"misses"`
	Evictions  uint64 `json:"evictions"`
}

type entry struct {
	key         string
	data        []byte
	contentType string
	lastAccess  time.Time
}

// Cache is an LRU byte-budget cache keyed by resolved variant path. A single
// mutex serializes check-then-insert; backends provide their own per-key
// atomicity so no finer locking is needed at this scale.
type Cache struct {
	backend storage.Backend

	mu        sync.Mutex
	entries   map[string]*list.Element
	lru       *list.List // front = most recently used
	maxBytes  int64
	curBytes  int64
	hits      uint64
	misses    uint64
	evictions uint64
}

// New builds a Cache over the backend with the given byte budget.
func New(backend storage.Backend, maxBytes int64) *Cache {
	return &Cache{
		backend:  backend,
		entries:  make(map[string]*list.Element),
		lru:      list.New(),
		maxBytes: maxBytes,
	}
}

// Fetch returns the bytes and content type for a (path, size) pair, serving
// from cache when possible. The hit flag reports where the bytes came from.
// A path missing from the backend returns storage.ErrNotFound and is never
// cached, so a later successful generation is not masked.
func (c *Cache) Fetch(ctx context.Context, path string, size variants.Size) ([]byte, string, bool, error) {
	key := variants.Path(path, size)

	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.entries[key]; ok {
		ent := el.Value.(*entry)
		ent.lastAccess = time.Now()
		c.lru.MoveToFront(el)
		c.hits++
		return ent.data, ent.contentType, true, nil
	}

	c.misses++
	data, err := c.backend.Get(ctx, key)
	if err != nil {
		return nil, "", false, err
	}
	contentType := http.DetectContentType(data)
	c.insert(key, data, contentType)
	return data, contentType, false, nil
}

// insert adds an entry and evicts least-recently-used entries until the cache
// is back under budget. Caller holds the mutex.
func (c *Cache) insert(key string, data []byte, contentType string) {
	if int64(len(data)) > c.maxBytes {
		// Larger than the whole budget; not worth churning the cache for.
		return
	}
	el := c.lru.PushFront(&entry{
		key:         key,
		data:        data,
		contentType: contentType,
		lastAccess:  time.Now(),
	})
	c.entries[key] = el
	c.curBytes += int64(len(data))
	for c.curBytes > c.maxBytes && c.lru.Len() > 0 {
		c.evictOldest()
	}
}

func (c *Cache) evictOldest() {
	el := c.lru.Back()
	if el == nil {
		return
	}
	ent := el.Value.(*entry)
	c.lru.Remove(el)
	delete(c.entries, ent.key)
	c.curBytes -= int64(len(ent.data))
	c.evictions++
}

// Invalidate drops the cached original and every size variant for a path.
// Used after reprocessing so stale variants are never served.
func (c *Cache) Invalidate(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.remove(path)
	for _, size := range variants.Sizes {
		c.remove(variants.Path(path, size))
	}
}

func (c *Cache) remove(key string) {
	if el, ok := c.entries[key]; ok {
		ent := el.Value.(*entry)
		c.lru.Remove(el)
		delete(c.entries, key)
		c.curBytes -= int64(len(ent.data))
	}
}

// Clear empties the cache. Statistics counters survive.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*list.Element)
	c.lru.Init()
	c.curBytes = 0
}

// Stats returns a snapshot of the cache counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Count:      c.lru.Len(),
		TotalBytes: c.curBytes,
		Hits:       c.hits,
		Misses:     c.misses,
		Evictions:  c.evictions,
	}
}
