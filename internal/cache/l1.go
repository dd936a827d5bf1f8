package cache

import (
	"container/list"
	"hash/fnv"
	"sync"
	"time"
)

const shardCount = 16

// l1Entry is one in-process cache slot.
type l1Entry struct {
	key    string
	value  []byte
	expiry time.Time
}

type l1Shard struct {
	mu      sync.Mutex
	cap     int
	entries map[string]*list.Element
	lru     *list.List // front = most recent
}

// l1Cache is a sharded LRU with per-entry TTL. Each shard holds its own
// lock so hot keys on different shards never contend.
type l1Cache struct {
	shards [shardCount]*l1Shard
	now    func() time.Time
}

func newL1(capacity int, now func() time.Time) *l1Cache {
	if capacity < shardCount {
		capacity = shardCount
	}
	c := &l1Cache{now: now}
	per := capacity / shardCount
	for i := range c.shards {
		c.shards[i] = &l1Shard{
			cap:     per,
			entries: make(map[string]*list.Element),
			lru:     list.New(),
		}
	}
	return c
}

func (c *l1Cache) shard(key string) *l1Shard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return c.shards[h.Sum32()%shardCount]
}

// get returns the value and whether it was present and fresh. Expired
// entries are removed on sight.
func (c *l1Cache) get(key string) ([]byte, bool) {
	s := c.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	el, ok := s.entries[key]
	if !ok {
		return nil, false
	}
	ent := el.Value.(*l1Entry)
	if c.now().After(ent.expiry) {
		s.lru.Remove(el)
		delete(s.entries, key)
		return nil, false
	}
	s.lru.MoveToFront(el)
	return ent.value, true
}

// set inserts or refreshes a key, evicting from the tail when the shard is
// full. Returns the number of evictions.
func (c *l1Cache) set(key string, value []byte, ttl time.Duration) int {
	s := c.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	expiry := c.now().Add(ttl)
	if el, ok := s.entries[key]; ok {
		ent := el.Value.(*l1Entry)
		ent.value = value
		ent.expiry = expiry
		s.lru.MoveToFront(el)
		return 0
	}

	s.entries[key] = s.lru.PushFront(&l1Entry{key: key, value: value, expiry: expiry})
	evicted := 0
	for s.lru.Len() > s.cap {
		tail := s.lru.Back()
		if tail == nil {
			break
		}
		s.lru.Remove(tail)
		delete(s.entries, tail.Value.(*l1Entry).key)
		evicted++
	}
	return evicted
}

func (c *l1Cache) del(key string) {
	s := c.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	if el, ok := s.entries[key]; ok {
		s.lru.Remove(el)
		delete(s.entries, key)
	}
}

func (c *l1Cache) len() int {
	n := 0
	for _, s := range c.shards {
		s.mu.Lock()
		n += s.lru.Len()
		s.mu.Unlock()
	}
	return n
}
