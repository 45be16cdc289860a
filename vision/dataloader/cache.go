package dataloader

import (
	"container/list"
	"fmt"
	"image"
	"sync"
)

// CacheManager is an LRU cache of decoded, resized base images keyed by
// file path. A CacheManager may be shared by several loaders. Cached images
// are treated as read-only.
type CacheManager struct {
	mu      sync.Mutex
	items   map[string]*list.Element
	lru     *list.List
	maxSize int

	// Statistics
	hits      int64
	misses    int64
	evictions int64
}

type cacheEntry struct {
	key string
	img *image.NRGBA
}

// NewCacheManager creates a cache holding at most maxSize images. A
// non-positive maxSize disables caching.
func NewCacheManager(maxSize int) *CacheManager {
	return &CacheManager{
		items:   make(map[string]*list.Element),
		lru:     list.New(),
		maxSize: maxSize,
	}
}

// Get retrieves an image from the cache
func (cm *CacheManager) Get(key string) (*image.NRGBA, bool) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if elem, ok := cm.items[key]; ok {
		cm.lru.MoveToFront(elem)
		cm.hits++
		return elem.Value.(*cacheEntry).img, true
	}
	cm.misses++
	return nil, false
}

// Put adds an image to the cache, evicting the least recently used entries
// when full.
func (cm *CacheManager) Put(key string, img *image.NRGBA) {
	if cm.maxSize <= 0 {
		return
	}
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if elem, ok := cm.items[key]; ok {
		elem.Value.(*cacheEntry).img = img
		cm.lru.MoveToFront(elem)
		return
	}

	cm.items[key] = cm.lru.PushFront(&cacheEntry{key: key, img: img})
	for cm.lru.Len() > cm.maxSize {
		cm.removeElement(cm.lru.Back())
		cm.evictions++
	}
}

// removeElement removes an element from the cache
func (cm *CacheManager) removeElement(elem *list.Element) {
	cm.lru.Remove(elem)
	delete(cm.items, elem.Value.(*cacheEntry).key)
}

// Stats returns cache statistics
func (cm *CacheManager) Stats() CacheStats {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	return CacheStats{
		Size:      cm.lru.Len(),
		MaxSize:   cm.maxSize,
		Hits:      cm.hits,
		Misses:    cm.misses,
		Evictions: cm.evictions,
		HitRate:   cm.calculateHitRate(),
	}
}

// calculateHitRate calculates the hit rate percentage
func (cm *CacheManager) calculateHitRate() float64 {
	total := cm.hits + cm.misses
	if total == 0 {
		return 0
	}
	return float64(cm.hits) / float64(total) * 100
}

// Clear drops every cached image. Statistics are kept.
func (cm *CacheManager) Clear() {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	cm.items = make(map[string]*list.Element)
	cm.lru.Init()
}

// CacheStats holds cache statistics
type CacheStats struct {
	Size      int
	MaxSize   int
	Hits      int64
	Misses    int64
	Evictions int64
	HitRate   float64
}

// String returns a string representation of cache stats
func (cs CacheStats) String() string {
	return fmt.Sprintf("Cache: %d/%d items, Hits: %d, Misses: %d, Evictions: %d, Hit Rate: %.1f%%",
		cs.Size, cs.MaxSize, cs.Hits, cs.Misses, cs.Evictions, cs.HitRate)
}
