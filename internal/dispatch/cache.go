package dispatch

import (
	"container/list"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// workerCacheSize is the per-worker response cache capacity. Small on
// purpose: it only needs to absorb retries of in-flight rounds.
const workerCacheSize = 8

// lruCache is a thread-safe fixed-capacity LRU.
type lruCache[K comparable, V any] struct {
	mu    sync.Mutex
	cap   int
	ll    *list.List
	items map[K]*list.Element
}

type lruEntry[K comparable, V any] struct {
	key K
	val V
}

func newLRUCache[K comparable, V any](capacity int) *lruCache[K, V] {
	return &lruCache[K, V]{
		cap:   capacity,
		ll:    list.New(),
		items: make(map[K]*list.Element),
	}
}

func (c *lruCache[K, V]) get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[key]; ok {
		c.ll.MoveToFront(el)
		return el.Value.(*lruEntry[K, V]).val, true
	}
	var zero V
	return zero, false
}

func (c *lruCache[K, V]) put(key K, val V) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[key]; ok {
		c.ll.MoveToFront(el)
		el.Value.(*lruEntry[K, V]).val = val
		return
	}
	el := c.ll.PushFront(&lruEntry[K, V]{key: key, val: val})
	c.items[key] = el
	if c.ll.Len() > c.cap {
		back := c.ll.Back()
		c.ll.Remove(back)
		delete(c.items, back.Value.(*lruEntry[K, V]).key)
	}
}

func (c *lruCache[K, V]) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ll.Len()
}

// SharedCache is an optional Redis-backed response cache shared by every
// worker, so a request retried against a different worker still hits. A nil
// SharedCache is valid and caches nothing.
type SharedCache struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewSharedCache connects to Redis from a connection URL.
func NewSharedCache(redisURL string) (*SharedCache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis URL: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &SharedCache{rdb: rdb, ttl: time.Hour}, nil
}

// NewSharedCacheFromClient wraps an existing redis.Client for use in tests.
func NewSharedCacheFromClient(rdb *redis.Client) *SharedCache {
	return &SharedCache{rdb: rdb, ttl: time.Hour}
}

// Close closes the Redis connection.
func (s *SharedCache) Close() error {
	if s == nil {
		return nil
	}
	return s.rdb.Close()
}

func sharedKey(cacheKey string) string {
	sum := sha256.Sum256([]byte(cacheKey))
	return "tasbot:response:" + hex.EncodeToString(sum[:])
}

// Get returns the cached response bytes for a request key, if any.
func (s *SharedCache) Get(ctx context.Context, cacheKey string) ([]byte, bool) {
	if s == nil {
		return nil, false
	}
	data, err := s.rdb.Get(ctx, sharedKey(cacheKey)).Bytes()
	if err == redis.Nil {
		return nil, false
	}
	if err != nil {
		log.Warn().Err(err).Msg("Shared cache get failed")
		return nil, false
	}
	return data, true
}

// Put stores a response for a request key.
func (s *SharedCache) Put(ctx context.Context, cacheKey string, resp []byte) {
	if s == nil {
		return
	}
	if err := s.rdb.Set(ctx, sharedKey(cacheKey), resp, s.ttl).Err(); err != nil {
		log.Warn().Err(err).Msg("Shared cache put failed")
	}
}
