package fetch

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cache stores raw image payloads by URL so later epochs do not download
// them again.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, data []byte) error
}

// MemoryCache is a bounded in-process LRU cache.
type MemoryCache struct {
	mu       sync.Mutex
	items    map[string]*list.Element
	lru      *list.List
	maxItems int
	maxBytes int64
	size     int64

	hits   int64
	misses int64
}

type memoryEntry struct {
	key  string
	data []byte
}

// NewMemoryCache creates a cache holding at most maxItems payloads and
// maxBytes bytes. A limit of zero disables that bound.
func NewMemoryCache(maxItems int, maxBytes int64) *MemoryCache {
	return &MemoryCache{
		items:    make(map[string]*list.Element),
		lru:      list.New(),
		maxItems: maxItems,
		maxBytes: maxBytes,
	}
}

func (c *MemoryCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[key]; ok {
		c.lru.MoveToFront(elem)
		c.hits++
		return elem.Value.(*memoryEntry).data, true, nil
	}
	c.misses++
	return nil, false, nil
}

func (c *MemoryCache) Set(_ context.Context, key string, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[key]; ok {
		entry := elem.Value.(*memoryEntry)
		c.size += int64(len(data)) - int64(len(entry.data))
		entry.data = data
		c.lru.MoveToFront(elem)
	} else {
		c.items[key] = c.lru.PushFront(&memoryEntry{key: key, data: data})
		c.size += int64(len(data))
	}

	for c.lru.Len() > 1 && c.overLimit() {
		c.removeElement(c.lru.Back())
	}
	return nil
}

func (c *MemoryCache) overLimit() bool {
	if c.maxItems > 0 && c.lru.Len() > c.maxItems {
		return true
	}
	return c.maxBytes > 0 && c.size > c.maxBytes
}

func (c *MemoryCache) removeElement(elem *list.Element) {
	entry := elem.Value.(*memoryEntry)
	c.lru.Remove(elem)
	delete(c.items, entry.key)
	c.size -= int64(len(entry.data))
}

// CacheStats reports cache usage.
type CacheStats struct {
	Items   int
	Bytes   int64
	Hits    int64
	Misses  int64
	HitRate float64
}

func (s CacheStats) String() string {
	return fmt.Sprintf("Cache: %d items, %d bytes, %.1f%% hit rate (%d hits, %d misses)",
		s.Items, s.Bytes, s.HitRate*100, s.Hits, s.Misses)
}

// Stats returns a snapshot of the cache counters.
func (c *MemoryCache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats := CacheStats{Items: c.lru.Len(), Bytes: c.size, Hits: c.hits, Misses: c.misses}
	if total := c.hits + c.misses; total > 0 {
		stats.HitRate = float64(c.hits) / float64(total)
	}
	return stats
}

// RedisCache keeps payloads in Redis under a key prefix with a TTL.
type RedisCache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisCache wraps an existing client. A zero ttl keeps entries forever.
func NewRedisCache(client *redis.Client, prefix string, ttl time.Duration) *RedisCache {
	if prefix == "" {
		prefix = "foodfocus:img:"
	}
	return &RedisCache{client: client, prefix: prefix, ttl: ttl}
}

// NewRedisClient connects to the Redis server at url and pings it.
func NewRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return client, nil
}

func (c *RedisCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	data, err := c.client.Get(ctx, c.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

func (c *RedisCache) Set(ctx context.Context, key string, data []byte) error {
	return c.client.Set(ctx, c.prefix+key, data, c.ttl).Err()
}
