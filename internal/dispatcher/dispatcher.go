package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"transactai/internal/escrow"
	"transactai/internal/ledger"
	"transactai/internal/metrics"
	"transactai/internal/protocol"
	"transactai/internal/reconciler"
	"transactai/internal/repository"
	"transactai/pkg/logger"

	"golang.org/x/sync/singleflight"
	"gorm.io/gorm"
)

var (
	errRateLimited   = errors.New("发送方超出命令配额")
	errUntrustedPeer = errors.New("发送方不是受信任的钱包服务")
	// 充值已记录但确认数不足，响应中携带当前进度
	errPendingConfirmation = errors.New("充值等待确认")
)

type Config struct {
	// TrustedWalletPeer 唯一允许上报 withdrawal_result 的对端
	TrustedWalletPeer string
	QuotaRequests     int
	QuotaWindow       time.Duration
	// Limiter 为空时按 QuotaRequests/QuotaWindow 使用进程内配额
	Limiter Limiter
}

// Result 一次入站投递的处理结果；同一个 (sender, message_id) 重投时 Response 不变
type Result struct {
	Ack      *protocol.Ack
	Response *protocol.Envelope
	Delivery string
}

// Dispatcher 入站命令路由
//
// 每个 (sender, message_id) 只执行一次：
//  1. 查已见缓存，命中则原样返回缓存的响应并补发确认
//  2. 否则执行命令，响应与确认写入 outbox，缓存响应
//
// 缓存丢失（重启）后，付款/托管/提现按 sender:message_id 在数据库层面去重。
type Dispatcher struct {
	ledger     *ledger.Ledger
	escrows    *escrow.Manager
	reconciler *reconciler.Reconciler
	seen       protocol.SeenCache
	outbox     *repository.OutboxRepository
	db         *gorm.DB
	cfg        Config
	limiter    Limiter
	inflight   singleflight.Group
	log        *slog.Logger
}

func New(l *ledger.Ledger, escrows *escrow.Manager, rec *reconciler.Reconciler, seen protocol.SeenCache, db *gorm.DB, cfg Config, log *slog.Logger) *Dispatcher {
	limiter := cfg.Limiter
	if limiter == nil {
		limiter = newQuota(cfg.QuotaRequests, cfg.QuotaWindow)
	}
	return &Dispatcher{
		ledger:     l,
		escrows:    escrows,
		reconciler: rec,
		seen:       seen,
		outbox:     repository.NewOutboxRepository(db),
		db:         db,
		cfg:        cfg,
		limiter:    limiter,
		log:        logger.Component(log, "Dispatcher"),
	}
}

// Handle 处理一条入站消息
// 只有消息本身无效或 outbox 写入失败时返回 error，业务失败放在响应的 status 里
func (d *Dispatcher) Handle(ctx context.Context, env *protocol.Envelope) (*Result, error) {
	if err := env.Validate(); err != nil {
		return nil, err
	}
	start := time.Now()

	leader := false
	v, err, _ := d.inflight.Do(seenKey(env), func() (interface{}, error) {
		leader = true
		return d.deliver(ctx, env)
	})
	if err != nil {
		return nil, err
	}
	res := *v.(*Result)
	if !leader {
		// 同一消息的并发重投，与首个请求共享结果
		res.Delivery = protocol.DeliveryDuplicateRequest
	}

	metrics.ObserveCommandLatency(env.Command, time.Since(start))
	metrics.ObserveCommand(env.Command, string(replyStatus(res.Response)), res.Delivery)
	return &res, nil
}

// HandleAck 把对应的出站消息标记为已送达
func (d *Dispatcher) HandleAck(ctx context.Context, ack *protocol.Ack) (bool, error) {
	acked, err := d.outbox.MarkAcked(ctx, ack.AcknowledgedMessageID, ack.Sender)
	if err != nil {
		return false, fmt.Errorf("标记确认失败: %w", err)
	}
	if !acked {
		d.log.Debug("确认的消息不存在或已确认",
			slog.String("sender", ack.Sender),
			slog.String("message_id", ack.AcknowledgedMessageID))
	}
	return acked, nil
}

func (d *Dispatcher) deliver(ctx context.Context, env *protocol.Envelope) (*Result, error) {
	entry, err := d.seen.Get(ctx, env.Sender, env.MessageID)
	if err != nil {
		// 缓存不可用时退化为数据库层面的幂等
		d.log.Warn("查询已见缓存失败", slog.Any("err", err))
	}
	if entry != nil && entry.Response != nil {
		ack, err := d.acknowledge(ctx, env)
		if err != nil {
			return nil, err
		}
		if entry.State != protocol.StateAckSent {
			d.remember(ctx, env, &protocol.SeenEntry{State: protocol.StateAckSent, Response: entry.Response})
		}
		return &Result{Ack: ack, Response: entry.Response, Delivery: protocol.DeliveryDuplicateRequest}, nil
	}
	if entry == nil {
		d.remember(ctx, env, &protocol.SeenEntry{State: protocol.StateReceived})
	}

	reply := d.execute(ctx, env)
	response, err := protocol.NewEnvelope(d.ledger.AgentID(), protocol.ResponseCommand(env.Command), reply.Reply, d.ledger.Now())
	if err != nil {
		return nil, err
	}
	msg, err := protocol.OutboundEnvelope(env.Sender, response)
	if err != nil {
		return nil, err
	}
	if err := d.outbox.Create(ctx, nil, msg); err != nil {
		return nil, fmt.Errorf("写入响应失败: %w", err)
	}
	d.remember(ctx, env, &protocol.SeenEntry{State: protocol.StateProcessed, Response: response})

	ack, err := d.acknowledge(ctx, env)
	if err != nil {
		return nil, err
	}
	d.remember(ctx, env, &protocol.SeenEntry{State: protocol.StateAckSent, Response: response})

	delivery := protocol.DeliveryFresh
	if reply.replayed {
		delivery = protocol.DeliveryDuplicateRequest
	}
	return &Result{Ack: ack, Response: response, Delivery: delivery}, nil
}

func (d *Dispatcher) acknowledge(ctx context.Context, env *protocol.Envelope) (*protocol.Ack, error) {
	ack := protocol.NewAck(d.ledger.AgentID(), env.MessageID, d.ledger.Now())
	msg, err := protocol.OutboundAck(env.Sender, ack)
	if err != nil {
		return nil, err
	}
	if err := d.outbox.Create(ctx, nil, msg); err != nil {
		return nil, fmt.Errorf("写入确认失败: %w", err)
	}
	return ack, nil
}

func (d *Dispatcher) remember(ctx context.Context, env *protocol.Envelope, entry *protocol.SeenEntry) {
	if err := d.seen.Put(ctx, env.Sender, env.MessageID, entry); err != nil {
		d.log.Warn("写入已见缓存失败",
			slog.String("sender", env.Sender),
			slog.String("message_id", env.MessageID),
			slog.Any("err", err))
	}
}

// outcome 响应内容，以及底层操作是否为数据库层面的重放
type outcome struct {
	protocol.Reply
	replayed bool
}

func (d *Dispatcher) execute(ctx context.Context, env *protocol.Envelope) *outcome {
	out := &outcome{Reply: protocol.Reply{InReplyTo: env.MessageID}}

	var (
		data any
		err  error
	)
	if d.allow(ctx, env.Sender) {
		data, out.replayed, err = d.route(ctx, env)
	} else {
		err = errRateLimited
	}

	out.Status, out.Data = StatusOf(err), data
	if err != nil {
		out.Detail = err.Error()
		if out.Status == protocol.StatusInternalError {
			d.log.Error("命令执行失败",
				slog.String("command", env.Command),
				slog.String("sender", env.Sender),
				slog.String("message_id", env.MessageID),
				slog.Any("err", err))
			out.Detail = "内部错误"
		}
	}
	return out
}

// allow 配额存储不可用时放行
func (d *Dispatcher) allow(ctx context.Context, sender string) bool {
	ok, err := d.limiter.Allow(ctx, sender, d.ledger.Now())
	if err != nil {
		d.log.Warn("配额检查失败", slog.String("sender", sender), slog.Any("err", err))
		return true
	}
	return ok
}

func replyStatus(env *protocol.Envelope) protocol.Status {
	if env == nil {
		return protocol.StatusInternalError
	}
	var reply protocol.Reply
	if err := json.Unmarshal(env.Payload, &reply); err != nil {
		return protocol.StatusInternalError
	}
	return reply.Status
}

func seenKey(env *protocol.Envelope) string {
	return env.Sender + "\x00" + env.MessageID
}

// requestID 数据库幂等键按发送方隔离
func requestID(env *protocol.Envelope) string {
	return env.Sender + ":" + env.MessageID
}
