package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Limiter 速率限制器
type Limiter interface {
	Wait(ctx context.Context) error
	Allow() bool
}

// TokenBucket 令牌桶（连续补充）
type TokenBucket struct {
	capacity   float64
	tokens     float64
	refillRate float64 // 每秒补充
	lastRefill time.Time
	mu         sync.Mutex
}

// NewTokenBucket capacity 个令牌，每秒补充 refillRate 个
func NewTokenBucket(capacity int, refillRate float64) *TokenBucket {
	return &TokenBucket{
		capacity:   float64(capacity),
		tokens:     float64(capacity),
		refillRate: refillRate,
		lastRefill: time.Now(),
	}
}

func (tb *TokenBucket) refillLocked(now time.Time) {
	elapsed := now.Sub(tb.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	tb.tokens = min(tb.capacity, tb.tokens+elapsed*tb.refillRate)
	tb.lastRefill = now
}

// Allow 有令牌则消耗一个
func (tb *TokenBucket) Allow() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	tb.refillLocked(time.Now())
	if tb.tokens >= 1 {
		tb.tokens--
		return true
	}
	return false
}

// Wait 等待直到拿到令牌或 ctx 结束
func (tb *TokenBucket) Wait(ctx context.Context) error {
	for {
		tb.mu.Lock()
		tb.refillLocked(time.Now())
		if tb.tokens >= 1 {
			tb.tokens--
			tb.mu.Unlock()
			return nil
		}
		wait := time.Second
		if tb.refillRate > 0 {
			wait = time.Duration((1 - tb.tokens) / tb.refillRate * float64(time.Second))
		}
		tb.mu.Unlock()

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

// Manager 按端点 key 管理限速器
type Manager struct {
	limiters map[string]Limiter
	fallback Limiter
	mu       sync.RWMutex
}

// NewClobManager CLOB 常用端点的默认限速（留出余量，低于官方上限）
func NewClobManager() *Manager {
	m := &Manager{
		limiters: make(map[string]Limiter),
		fallback: NewTokenBucket(500, 50),
	}
	m.Set("clob:order:post", NewTokenBucket(240, 24))
	m.Set("clob:order:delete", NewTokenBucket(240, 24))
	m.Set("clob:cancel-all", NewTokenBucket(5, 1))
	m.Set("clob:order:get", NewTokenBucket(150, 15))
	m.Set("clob:book:get", NewTokenBucket(200, 20))
	return m
}

// Set 设置（或替换）某个端点的限速器
func (m *Manager) Set(key string, l Limiter) {
	m.mu.Lock()
	m.limiters[key] = l
	m.mu.Unlock()
}

// Wait 等待端点 key 的令牌
func (m *Manager) Wait(ctx context.Context, key string) error {
	if m == nil {
		return nil
	}
	m.mu.RLock()
	l, ok := m.limiters[key]
	m.mu.RUnlock()
	if !ok {
		l = m.fallback
	}
	if l == nil {
		return nil
	}
	return l.Wait(ctx)
}
