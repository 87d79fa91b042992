package dispatcher

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"golang.org/x/time/rate"
)

// Limiter 每个发送方的命令配额
type Limiter interface {
	Allow(ctx context.Context, sender string, now time.Time) (bool, error)
}

// ============================================================================
// 进程内实现，单实例部署
// ============================================================================

// quota 每个发送方一个令牌桶：window 内最多 requests 条命令
type quota struct {
	mu       sync.Mutex
	limit    rate.Limit
	burst    int
	idle     time.Duration
	visitors map[string]*visitor
	calls    int
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newQuota(requests int, window time.Duration) *quota {
	if requests <= 0 || window <= 0 {
		return nil
	}
	return &quota{
		limit:    rate.Every(window / time.Duration(requests)),
		burst:    requests,
		idle:     window,
		visitors: make(map[string]*visitor),
	}
}

// Allow 判断 sender 在 now 时是否还有配额；nil 表示不限流
func (q *quota) Allow(_ context.Context, sender string, now time.Time) (bool, error) {
	if q == nil {
		return true, nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	q.calls++
	if q.calls%256 == 0 {
		q.evict(now)
	}
	v, ok := q.visitors[sender]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(q.limit, q.burst)}
		q.visitors[sender] = v
	}
	v.lastSeen = now
	return v.limiter.AllowN(now, 1), nil
}

// 空闲超过一个窗口的令牌桶已经回满，删掉不影响限流结果
func (q *quota) evict(now time.Time) {
	for id, v := range q.visitors {
		if now.Sub(v.lastSeen) > q.idle {
			delete(q.visitors, id)
		}
	}
}

// ============================================================================
// Redis 实现，多实例共享同一份配额
// ============================================================================

// RedisQuota 固定窗口计数
//
//	INCR transactai:quota:{sender}:{窗口序号}
//	PEXPIRE 同一个 key 一个窗口
//
// 窗口边界附近最多放行 2*requests 条。
type RedisQuota struct {
	client   *redis.Client
	requests int64
	window   time.Duration
	prefix   string
}

// NewRedisQuota 返回 nil 表示不限流
func NewRedisQuota(client *redis.Client, requests int, window time.Duration) *RedisQuota {
	if requests <= 0 || window <= 0 {
		return nil
	}
	return &RedisQuota{client: client, requests: int64(requests), window: window, prefix: "transactai:quota:"}
}

func (q *RedisQuota) Allow(ctx context.Context, sender string, now time.Time) (bool, error) {
	if q == nil {
		return true, nil
	}
	key := fmt.Sprintf("%s%s:%d", q.prefix, sender, now.UnixNano()/int64(q.window))

	pipe := q.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.PExpire(ctx, key, q.window)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("更新配额计数失败: %w", err)
	}
	return incr.Val() <= q.requests, nil
}
