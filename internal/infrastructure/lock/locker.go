package lock

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// Locker serializes work on named resources. Keys passed to one Lock call are
// acquired in ascending order and released in reverse, so every caller follows
// a single global ordering and two-account operations cannot deadlock.
//
// Key prefixes are chosen so that the ordering is also "accounts first, then
// escrow": "account:" < "deposit:" < "escrow:" < "withdrawal:".
type Locker interface {
	Lock(ctx context.Context, keys ...string) (unlock func(), err error)
}

func AccountKey(id string) string     { return "account:" + id }
func DepositKey(txHash string) string { return "deposit:" + txHash }
func EscrowKey(id string) string      { return "escrow:" + id }
func WithdrawalKey(id string) string  { return "withdrawal:" + id }

func normalize(keys []string) []string {
	out := make([]string, 0, len(keys))
	seen := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// ============================================================================
// 进程内实现
// ============================================================================

type memEntry struct {
	ch   chan struct{}
	refs int
}

// MemoryLocker 单实例部署使用的进程内锁，条目按引用计数回收
type MemoryLocker struct {
	mu      sync.Mutex
	entries map[string]*memEntry
}

func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{entries: make(map[string]*memEntry)}
}

func (l *MemoryLocker) Lock(ctx context.Context, keys ...string) (func(), error) {
	ordered := normalize(keys)
	acquired := make([]string, 0, len(ordered))
	release := func() {
		for i := len(acquired) - 1; i >= 0; i-- {
			l.release(acquired[i])
		}
	}
	for _, key := range ordered {
		if err := l.acquire(ctx, key); err != nil {
			release()
			return nil, err
		}
		acquired = append(acquired, key)
	}
	return release, nil
}

func (l *MemoryLocker) acquire(ctx context.Context, key string) error {
	l.mu.Lock()
	e, ok := l.entries[key]
	if !ok {
		e = &memEntry{ch: make(chan struct{}, 1)}
		l.entries[key] = e
	}
	e.refs++
	l.mu.Unlock()

	select {
	case e.ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		l.deref(key, e)
		return ctx.Err()
	}
}

func (l *MemoryLocker) release(key string) {
	l.mu.Lock()
	e := l.entries[key]
	l.mu.Unlock()
	if e == nil {
		return
	}
	<-e.ch
	l.deref(key, e)
}

func (l *MemoryLocker) deref(key string, e *memEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(l.entries, key)
	}
}

// ============================================================================
// Redis 实现
// ============================================================================

// RedisLocker 多实例部署使用，每个 key 一把 DistributedLock
type RedisLocker struct {
	client        *redis.Client
	prefix        string
	ttl           time.Duration
	retryInterval time.Duration
}

func NewRedisLocker(client *redis.Client, ttl time.Duration) *RedisLocker {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &RedisLocker{
		client:        client,
		prefix:        "transactai:lock:",
		ttl:           ttl,
		retryInterval: 20 * time.Millisecond,
	}
}

func (l *RedisLocker) Lock(ctx context.Context, keys ...string) (func(), error) {
	ordered := normalize(keys)
	token := uuid.NewString()
	maxRetries := int(l.ttl / l.retryInterval)

	held := make([]*DistributedLock, 0, len(ordered))
	release := func() {
		// 释放不跟随请求 ctx，请求取消后仍要解锁
		unlockCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		for i := len(held) - 1; i >= 0; i-- {
			if err := held[i].Unlock(unlockCtx); err != nil {
				log.Printf("[RedisLocker] 释放锁失败: key=%s, err=%v", held[i].key, err)
			}
		}
	}
	for _, key := range ordered {
		dl := NewDistributedLock(l.client, l.prefix+key, token, l.ttl)
		if err := dl.Lock(ctx, l.retryInterval, maxRetries); err != nil {
			release()
			return nil, fmt.Errorf("lock %s: %w", key, err)
		}
		held = append(held, dl)
	}
	return release, nil
}
