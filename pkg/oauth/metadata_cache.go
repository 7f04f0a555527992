package oauth

import (
	"container/list"
	"sync"
	"time"
)

// metadataEntry represents a single cached document.
type metadataEntry struct {
	metadata *AuthorityMetadata
	key      string
}

// metadataCache is an LRU cache of authority metadata keyed by canonical
// authority URL. Entries expire once their FetchedAt is older than the
// configured TTL.
type metadataCache struct {
	mu          sync.Mutex
	maxSize     int
	ttl         time.Duration
	now         func() time.Time
	items       map[string]*list.Element
	lruList     *list.List
	stopCleanup chan struct{}
	cleanupOnce sync.Once
}

// newMetadataCache creates a cache holding at most maxSize authorities.
func newMetadataCache(maxSize int, ttl time.Duration, now func() time.Time) *metadataCache {
	if maxSize <= 0 {
		maxSize = 100
	}
	if now == nil {
		now = time.Now
	}

	c := &metadataCache{
		maxSize:     maxSize,
		ttl:         ttl,
		now:         now,
		items:       make(map[string]*list.Element),
		lruList:     list.New(),
		stopCleanup: make(chan struct{}),
	}

	go c.cleanupExpired()

	return c
}

// get returns the cached metadata for key, or nil if absent or expired.
func (c *metadataCache) get(key string) *AuthorityMetadata {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.items[key]
	if !ok {
		return nil
	}

	entry := elem.Value.(*metadataEntry)
	if entry.metadata.Expired(c.now(), c.ttl) {
		c.removeElement(elem)
		return nil
	}

	c.lruList.MoveToFront(elem)
	return entry.metadata
}

// set stores metadata under key. A document without FetchedAt is stamped
// with the current time.
func (c *metadataCache) set(key string, md *AuthorityMetadata) {
	if md == nil {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if md.FetchedAt.IsZero() {
		md.FetchedAt = c.now()
	}

	if elem, ok := c.items[key]; ok {
		entry := elem.Value.(*metadataEntry)
		entry.metadata = md
		c.lruList.MoveToFront(elem)
		return
	}

	elem := c.lruList.PushFront(&metadataEntry{
		metadata: md,
		key:      key,
	})
	c.items[key] = elem

	if c.lruList.Len() > c.maxSize {
		if oldest := c.lruList.Back(); oldest != nil {
			c.removeElement(oldest)
		}
	}
}

// delete removes key from the cache.
func (c *metadataCache) delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[key]; ok {
		c.removeElement(elem)
	}
}

// len returns the number of entries, expired or not.
func (c *metadataCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lruList.Len()
}

// removeElement must be called with the lock held.
func (c *metadataCache) removeElement(elem *list.Element) {
	entry := elem.Value.(*metadataEntry)
	delete(c.items, entry.key)
	c.lruList.Remove(elem)
}

func (c *metadataCache) cleanupExpired() {
	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.removeExpiredEntries()
		case <-c.stopCleanup:
			return
		}
	}
}

func (c *metadataCache) removeExpiredEntries() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	var toRemove []*list.Element
	for elem := c.lruList.Front(); elem != nil; elem = elem.Next() {
		if elem.Value.(*metadataEntry).metadata.Expired(now, c.ttl) {
			toRemove = append(toRemove, elem)
		}
	}
	for _, elem := range toRemove {
		c.removeElement(elem)
	}
}

// Close stops the cleanup goroutine.
func (c *metadataCache) Close() {
	c.cleanupOnce.Do(func() {
		close(c.stopCleanup)
	})
}
