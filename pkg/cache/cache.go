package cache

import (
	"sync"
	"time"
)

// Cache 通用 TTL 缓存接口
type Cache[K comparable, V any] interface {
	Get(key K) (V, bool)
	Set(key K, value V, ttl time.Duration)
	GetOrCreate(key K, ttl time.Duration, create func() V) V
	Delete(key K)
	Size() int
}

type entry[V any] struct {
	value     V
	expiresAt time.Time
}

// InMemoryCache 内存缓存，过期项由后台 sweeper 定期清理；Close 后 sweeper 退出。
type InMemoryCache[K comparable, V any] struct {
	mu         sync.Mutex
	items      map[K]entry[V]
	defaultTTL time.Duration
	now        func() time.Time

	stopOnce sync.Once
	stop     chan struct{}
}

// New 创建缓存。sweepEvery <= 0 时不启动后台清理（惰性过期仍然生效）。
func New[K comparable, V any](defaultTTL, sweepEvery time.Duration) *InMemoryCache[K, V] {
	c := &InMemoryCache[K, V]{
		items:      make(map[K]entry[V]),
		defaultTTL: defaultTTL,
		now:        time.Now,
		stop:       make(chan struct{}),
	}
	if sweepEvery > 0 {
		go c.sweepLoop(sweepEvery)
	}
	return c
}

func (c *InMemoryCache[K, V]) ttl(d time.Duration) time.Duration {
	if d <= 0 {
		return c.defaultTTL
	}
	return d
}

func (c *InMemoryCache[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.items[key]
	if !ok {
		var zero V
		return zero, false
	}
	if !c.now().Before(e.expiresAt) {
		delete(c.items, key)
		var zero V
		return zero, false
	}
	return e.value, true
}

func (c *InMemoryCache[K, V]) Set(key K, value V, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items[key] = entry[V]{value: value, expiresAt: c.now().Add(c.ttl(ttl))}
}

// GetOrCreate 原子地读取或创建条目；命中时刷新过期时间（滑动过期）。
func (c *InMemoryCache[K, V]) GetOrCreate(key K, ttl time.Duration, create func() V) V {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	e, ok := c.items[key]
	if !ok || !now.Before(e.expiresAt) {
		e = entry[V]{value: create()}
	}
	e.expiresAt = now.Add(c.ttl(ttl))
	c.items[key] = e
	return e.value
}

func (c *InMemoryCache[K, V]) Delete(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.items, key)
}

func (c *InMemoryCache[K, V]) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Close 停止后台清理
func (c *InMemoryCache[K, V]) Close() {
	c.stopOnce.Do(func() { close(c.stop) })
}

func (c *InMemoryCache[K, V]) sweepLoop(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.sweep()
		}
	}
}

func (c *InMemoryCache[K, V]) sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	for k, e := range c.items {
		if !now.Before(e.expiresAt) {
			delete(c.items, k)
		}
	}
}
