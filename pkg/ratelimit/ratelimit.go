package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/betbot/bothost/pkg/cache"
)

// Limiter 速率限制器接口
type Limiter interface {
	Allow() bool
	Wait(ctx context.Context) error
	Remaining() int
}

// TokenBucket 令牌桶：容量 capacity，每 per 时间补满 capacity 个令牌（按比例连续补充）。
type TokenBucket struct {
	mu         sync.Mutex
	capacity   float64
	tokens     float64
	perToken   time.Duration
	lastRefill time.Time
	now        func() time.Time
}

// NewTokenBucket 创建令牌桶，初始为满。
func NewTokenBucket(capacity int, per time.Duration) *TokenBucket {
	if capacity <= 0 {
		capacity = 1
	}
	if per <= 0 {
		per = time.Second
	}
	tb := &TokenBucket{
		capacity: float64(capacity),
		tokens:   float64(capacity),
		perToken: per / time.Duration(capacity),
		now:      time.Now,
	}
	tb.lastRefill = tb.now()
	return tb
}

func (tb *TokenBucket) refill() {
	now := tb.now()
	elapsed := now.Sub(tb.lastRefill)
	if elapsed <= 0 {
		return
	}
	tb.tokens += float64(elapsed) / float64(tb.perToken)
	if tb.tokens > tb.capacity {
		tb.tokens = tb.capacity
	}
	tb.lastRefill = now
}

func (tb *TokenBucket) Allow() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	tb.refill()
	if tb.tokens >= 1 {
		tb.tokens--
		return true
	}
	return false
}

// Wait 阻塞直到拿到令牌或 ctx 结束
func (tb *TokenBucket) Wait(ctx context.Context) error {
	for {
		if tb.Allow() {
			return nil
		}
		tb.mu.Lock()
		wait := time.Duration((1 - tb.tokens) * float64(tb.perToken))
		tb.mu.Unlock()
		if wait <= 0 {
			wait = time.Millisecond
		}
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

func (tb *TokenBucket) Remaining() int {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	tb.refill()
	return int(tb.tokens)
}

// Keyed 按 key（例如 owner id）各自维护一个令牌桶；空闲超过 idleTTL 的桶会被回收。
type Keyed struct {
	capacity int
	per      time.Duration
	idleTTL  time.Duration
	buckets  *cache.InMemoryCache[string, *TokenBucket]
}

// NewKeyed 创建按 key 限流器。capacity <= 0 表示不限流。
func NewKeyed(capacity int, per time.Duration) *Keyed {
	idle := 2 * per
	if idle < time.Minute {
		idle = time.Minute
	}
	return &Keyed{
		capacity: capacity,
		per:      per,
		idleTTL:  idle,
		buckets:  cache.New[string, *TokenBucket](idle, idle),
	}
}

func (k *Keyed) bucket(key string) *TokenBucket {
	return k.buckets.GetOrCreate(key, k.idleTTL, func() *TokenBucket {
		return NewTokenBucket(k.capacity, k.per)
	})
}

// Allow 消耗 key 对应桶的一个令牌
func (k *Keyed) Allow(key string) bool {
	if k == nil || k.capacity <= 0 {
		return true
	}
	return k.bucket(key).Allow()
}

func (k *Keyed) Remaining(key string) int {
	if k == nil || k.capacity <= 0 {
		return -1
	}
	return k.bucket(key).Remaining()
}

func (k *Keyed) Close() {
	if k != nil {
		k.buckets.Close()
	}
}
