package dataloader

import (
	"fmt"
	"image"
	"sync"
	"testing"
)

func testImage() *image.NRGBA {
	return image.NewNRGBA(image.Rect(0, 0, 2, 2))
}

// TestCacheManagerBasicOperations tests basic get/put operations
func TestCacheManagerBasicOperations(t *testing.T) {
	cm := NewCacheManager(5)

	if img, ok := cm.Get("nonexistent"); ok || img != nil {
		t.Error("Get should return false and nil for nonexistent key")
	}

	img := testImage()
	cm.Put("a.png", img)
	got, ok := cm.Get("a.png")
	if !ok || got != img {
		t.Error("Expected cached image back")
	}

	stats := cm.Stats()
	if stats.Size != 1 || stats.Hits != 1 || stats.Misses != 1 {
		t.Errorf("Unexpected stats %+v", stats)
	}
	if stats.HitRate != 50 {
		t.Errorf("Expected 50%% hit rate, got %.1f", stats.HitRate)
	}
}

// TestCacheManagerLRUOrder tests LRU ordering with access patterns
func TestCacheManagerLRUOrder(t *testing.T) {
	cm := NewCacheManager(3)
	cm.Put("key1", testImage())
	cm.Put("key2", testImage())
	cm.Put("key3", testImage())

	// key1 becomes most recently used
	cm.Get("key1")
	cm.Put("key4", testImage())

	if _, ok := cm.Get("key2"); ok {
		t.Error("key2 should have been evicted")
	}
	for _, k := range []string{"key1", "key3", "key4"} {
		if _, ok := cm.Get(k); !ok {
			t.Errorf("%s should still exist", k)
		}
	}
	if stats := cm.Stats(); stats.Size != 3 || stats.Evictions != 1 {
		t.Errorf("Unexpected stats %+v", stats)
	}
}

func TestCacheManagerDisabled(t *testing.T) {
	cm := NewCacheManager(0)
	cm.Put("a.png", testImage())
	if _, ok := cm.Get("a.png"); ok {
		t.Error("Disabled cache should not store images")
	}
}

func TestCacheManagerClear(t *testing.T) {
	cm := NewCacheManager(4)
	cm.Put("a", testImage())
	cm.Get("a")
	cm.Clear()

	stats := cm.Stats()
	if stats.Size != 0 {
		t.Errorf("Expected empty cache, got %d items", stats.Size)
	}
	if stats.Hits != 1 {
		t.Errorf("Statistics should survive Clear, got %d hits", stats.Hits)
	}
}

func TestCacheManagerConcurrentAccess(t *testing.T) {
	cm := NewCacheManager(16)
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				key := fmt.Sprintf("img_%d", (w*7+i)%32)
				if _, ok := cm.Get(key); !ok {
					cm.Put(key, testImage())
				}
			}
		}(w)
	}
	wg.Wait()

	stats := cm.Stats()
	if stats.Size > 16 {
		t.Errorf("Cache grew beyond its limit: %d", stats.Size)
	}
	if stats.Hits+stats.Misses != 800 {
		t.Errorf("Expected 800 lookups, got %d", stats.Hits+stats.Misses)
	}
}
