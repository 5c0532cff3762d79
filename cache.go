package petrel

import (
	"container/list"
	"sync"

	"github.com/zeebo/xxh3"
)

// ShardedCache is a bounded LRU over point-lookup results, split into
// power-of-two shards to keep lock contention down. It is a
// best-effort shadow of storage: writers update it after a successful
// mutation, readers populate it on a hit, and recovery clears it.
type ShardedCache struct {
	shards []*cacheShard
	mask   uint64
}

// cacheShard is one LRU with its own lock: a doubly-linked list for
// recency order plus a map for O(1) lookup.
type cacheShard struct {
	mu       sync.RWMutex
	capacity int
	items    map[string]*list.Element
	lru      *list.List
}

// cacheEntry is what lives in the LRU list.
type cacheEntry struct {
	key   string
	value []byte
}

// NewShardedCache creates a cache with shardCount shards (a power of
// two) of capacityPerShard entries each.
func NewShardedCache(shardCount, capacityPerShard int) *ShardedCache {
	c := &ShardedCache{
		shards: make([]*cacheShard, shardCount),
		mask:   uint64(shardCount - 1),
	}
	for i := range c.shards {
		c.shards[i] = &cacheShard{
			capacity: capacityPerShard,
			items:    make(map[string]*list.Element),
			lru:      list.New(),
		}
	}
	return c
}

func (c *ShardedCache) shard(key string) *cacheShard {
	return c.shards[xxh3.HashString(key)&c.mask]
}

// Get returns the cached value for key. The hit is promoted to the
// front of its shard's LRU.
func (c *ShardedCache) Get(key string) ([]byte, bool) {
	s := c.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	elem, ok := s.items[key]
	if !ok {
		return nil, false
	}
	s.lru.MoveToFront(elem)
	return elem.Value.(*cacheEntry).value, true
}

// Put inserts or refreshes a cached value, evicting the shard's least
// recently used entry when full.
func (c *ShardedCache) Put(key string, value []byte) {
	s := c.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	if elem, ok := s.items[key]; ok {
		elem.Value.(*cacheEntry).value = value
		s.lru.MoveToFront(elem)
		return
	}

	if s.lru.Len() >= s.capacity {
		tail := s.lru.Back()
		if tail != nil {
			victim := tail.Value.(*cacheEntry)
			delete(s.items, victim.key)
			s.lru.Remove(tail)
		}
	}

	s.items[key] = s.lru.PushFront(&cacheEntry{key: key, value: value})
}

// Remove drops a key from the cache.
func (c *ShardedCache) Remove(key string) {
	s := c.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	if elem, ok := s.items[key]; ok {
		delete(s.items, key)
		s.lru.Remove(elem)
	}
}

// Clear empties every shard. Used on recovery so the cache never
// shadows stale state.
func (c *ShardedCache) Clear() {
	for _, s := range c.shards {
		s.mu.Lock()
		s.items = make(map[string]*list.Element)
		s.lru.Init()
		s.mu.Unlock()
	}
}

// Len returns the total number of cached entries.
func (c *ShardedCache) Len() int {
	n := 0
	for _, s := range c.shards {
		s.mu.RLock()
		n += s.lru.Len()
		s.mu.RUnlock()
	}
	return n
}

// ShardCount returns the number of shards.
func (c *ShardedCache) ShardCount() int {
	return len(c.shards)
}
