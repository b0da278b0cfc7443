package repository

import (
	"slices"
	"sync"
	"time"

	"pika-helper/internal/domain"
)

// ImageCache holds generated PNG bytes in process memory, keyed by session
// and step. It is bounded by entry count and age; images are never written
// to a session store.
type ImageCache struct {
	mu      sync.Mutex
	limit   int
	ttl     time.Duration
	now     func() time.Time
	entries map[imageKey]imageEntry
}

type imageKey struct {
	session string
	step    domain.Step
}

type imageEntry struct {
	png      []byte
	storedAt time.Time
}

// NewImageCache keeps at most limit images for ttl each.
func NewImageCache(limit int, ttl time.Duration) *ImageCache {
	if limit < 1 {
		limit = 1
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &ImageCache{limit: limit, ttl: ttl, now: time.Now, entries: make(map[imageKey]imageEntry)}
}

// Put replaces the image for (sessionID, step).
func (c *ImageCache) Put(sessionID string, step domain.Step, png []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	k := imageKey{sessionID, step}
	delete(c.entries, k)
	for key, e := range c.entries {
		if now.Sub(e.storedAt) >= c.ttl {
			delete(c.entries, key)
		}
	}
	for len(c.entries) >= c.limit {
		c.evictOldest()
	}
	c.entries[k] = imageEntry{png: slices.Clone(png), storedAt: now}
}

// Get returns a copy of the cached image.
func (c *ImageCache) Get(sessionID string, step domain.Step) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[imageKey{sessionID, step}]
	if !ok || c.now().Sub(e.storedAt) >= c.ttl {
		return nil, false
	}
	return slices.Clone(e.png), true
}

func (c *ImageCache) Delete(sessionID string, step domain.Step) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, imageKey{sessionID, step})
}

func (c *ImageCache) evictOldest() {
	var (
		oldest imageKey
		at     time.Time
		found  bool
	)
	for k, e := range c.entries {
		if !found || e.storedAt.Before(at) {
			oldest, at, found = k, e.storedAt, true
		}
	}
	if found {
		delete(c.entries, oldest)
	}
}
