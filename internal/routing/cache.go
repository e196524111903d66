package routing

import (
	"sync"
	"time"
)

// stamp identifies one version of a routing file on disk.
type stamp struct {
	modTime time.Time
	size    int64
}

type cacheNode struct {
	path  string
	stamp stamp
	cfg   *Config
	prev  *cacheNode
	next  *cacheNode
}

// configCache is a bounded LRU of parsed routing files keyed by path. An
// entry is only served while its stamp matches the file on disk, so an edit
// takes effect on the next lookup without any explicit reload.
type configCache struct {
	mu       sync.Mutex
	capacity int
	items    map[string]*cacheNode
	head     *cacheNode // most recently used (sentinel)
	tail     *cacheNode // least recently used (sentinel)
}

func newConfigCache(capacity int) *configCache {
	if capacity < 1 {
		capacity = 1
	}
	head, tail := &cacheNode{}, &cacheNode{}
	head.next = tail
	tail.prev = head
	return &configCache{
		capacity: capacity,
		items:    make(map[string]*cacheNode, capacity),
		head:     head,
		tail:     tail,
	}
}

// get returns the cached config for path if it was parsed from the same
// file version.
func (c *configCache) get(path string, st stamp) (*Config, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	n, ok := c.items[path]
	if !ok {
		return nil, false
	}
	if !n.stamp.modTime.Equal(st.modTime) || n.stamp.size != st.size {
		c.unlink(n)
		delete(c.items, path)
		return nil, false
	}
	c.unlink(n)
	c.pushFront(n)
	return n.cfg, true
}

func (c *configCache) put(path string, st stamp, cfg *Config) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if n, ok := c.items[path]; ok {
		n.stamp, n.cfg = st, cfg
		c.unlink(n)
		c.pushFront(n)
		return
	}
	if len(c.items) >= c.capacity {
		victim := c.tail.prev
		c.unlink(victim)
		delete(c.items, victim.path)
	}
	n := &cacheNode{path: path, stamp: st, cfg: cfg}
	c.items[path] = n
	c.pushFront(n)
}

// invalidate drops path. Reports whether it was cached.
func (c *configCache) invalidate(path string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	n, ok := c.items[path]
	if !ok {
		return false
	}
	c.unlink(n)
	delete(c.items, path)
	return true
}

func (c *configCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// caller must hold mu
func (c *configCache) unlink(n *cacheNode) {
	n.prev.next = n.next
	n.next.prev = n.prev
	n.prev, n.next = nil, nil
}

func (c *configCache) pushFront(n *cacheNode) {
	n.next = c.head.next
	n.prev = c.head
	c.head.next.prev = n
	c.head.next = n
}
