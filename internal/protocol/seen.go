package protocol

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
)

// 单条入站命令的处理状态：RECEIVED -> PROCESSED -> ACK_SENT
const (
	StateReceived  = "RECEIVED"
	StateProcessed = "PROCESSED"
	StateAckSent   = "ACK_SENT"
)

// SeenEntry 已处理命令的缓存结果，重放时原样返回
type SeenEntry struct {
	State    string    `json:"state"`
	Response *Envelope `json:"response,omitempty"`
}

// SeenCache is the short-lived idempotency cache keyed by (sender, message_id).
// A missing entry is reported as (nil, nil).
type SeenCache interface {
	Get(ctx context.Context, sender, messageID string) (*SeenEntry, error)
	Put(ctx context.Context, sender, messageID string, entry *SeenEntry) error
}

func seenKey(sender, messageID string) string {
	return sender + "\x00" + messageID
}

// ============================================================================
// 进程内实现
// ============================================================================

type memSeen struct {
	entry     SeenEntry
	expiresAt time.Time
}

type MemorySeenCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	now     func() time.Time
	entries map[string]memSeen
	puts    int
}

func NewMemorySeenCache(ttl time.Duration, now func() time.Time) *MemorySeenCache {
	if now == nil {
		now = time.Now
	}
	return &MemorySeenCache{ttl: ttl, now: now, entries: make(map[string]memSeen)}
}

func (c *MemorySeenCache) Get(_ context.Context, sender, messageID string) (*SeenEntry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	item, ok := c.entries[seenKey(sender, messageID)]
	if !ok || !c.now().Before(item.expiresAt) {
		return nil, nil
	}
	entry := item.entry
	return &entry, nil
}

func (c *MemorySeenCache) Put(_ context.Context, sender, messageID string, entry *SeenEntry) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	c.entries[seenKey(sender, messageID)] = memSeen{entry: *entry, expiresAt: now.Add(c.ttl)}

	// 每写入 1024 次顺带清理一次过期条目
	c.puts++
	if c.puts%1024 == 0 {
		for k, v := range c.entries {
			if !now.Before(v.expiresAt) {
				delete(c.entries, k)
			}
		}
	}
	return nil
}

func (c *MemorySeenCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// ============================================================================
// Redis 实现，多实例共享
// ============================================================================

type RedisSeenCache struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
}

func NewRedisSeenCache(client *redis.Client, ttl time.Duration) *RedisSeenCache {
	return &RedisSeenCache{client: client, ttl: ttl, prefix: "transactai:seen:"}
}

func (c *RedisSeenCache) key(sender, messageID string) string {
	return c.prefix + sender + ":" + messageID
}

func (c *RedisSeenCache) Get(ctx context.Context, sender, messageID string) (*SeenEntry, error) {
	raw, err := c.client.Get(ctx, c.key(sender, messageID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	var entry SeenEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return nil, err
	}
	return &entry, nil
}

func (c *RedisSeenCache) Put(ctx context.Context, sender, messageID string, entry *SeenEntry) error {
	raw, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, c.key(sender, messageID), raw, c.ttl).Err()
}
