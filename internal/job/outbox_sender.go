package job

import (
	"context"
	"log"
	"time"

	"transactai/internal/config"
	"transactai/internal/infrastructure/mq"
	"transactai/internal/metrics"
	"transactai/internal/model"
	"transactai/internal/repository"

	"gorm.io/gorm"
)

// OutboxSender 投递 outbox 中的出站帧
//
// 需要确认的信封发送后保持 SENT，ackTimeout 内未收到确认则放回 PENDING 重发，
// 累计重发超过 maxResend 次标记为 FAILED。
type OutboxSender struct {
	outboxRepo *repository.OutboxRepository
	transport  mq.Transport
	now        func() time.Time
	stopCh     chan struct{}
	interval   time.Duration
	batchSize  int
	ackTimeout time.Duration
	maxResend  int
}

func NewOutboxSender(db *gorm.DB, transport mq.Transport, cfg *config.ProtocolConfig, now func() time.Time) *OutboxSender {
	if now == nil {
		now = time.Now
	}
	s := &OutboxSender{
		outboxRepo: repository.NewOutboxRepository(db),
		transport:  transport,
		now:        now,
		stopCh:     make(chan struct{}),
		interval:   cfg.OutboxInterval,
		batchSize:  100,
		ackTimeout: cfg.AckTimeout,
		maxResend:  cfg.MaxResend,
	}
	if s.interval <= 0 {
		s.interval = 100 * time.Millisecond
	}
	if s.ackTimeout <= 0 {
		s.ackTimeout = 30 * time.Second
	}
	if s.maxResend <= 0 {
		s.maxResend = 5
	}
	return s
}

func (s *OutboxSender) Start(ctx context.Context) {
	log.Println("[OutboxSender] 消息发送任务启动")

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("[OutboxSender] 收到停止信号，任务退出")
			return
		case <-s.stopCh:
			log.Println("[OutboxSender] 任务停止")
			return
		case <-ticker.C:
			s.requeueUnacked(ctx)
			s.processPendingMessages(ctx)
		}
	}
}

func (s *OutboxSender) Stop() {
	close(s.stopCh)
}

func (s *OutboxSender) processPendingMessages(ctx context.Context) {
	messages, err := s.outboxRepo.GetPendingMessages(ctx, s.batchSize)
	if err != nil {
		log.Printf("[OutboxSender] 查询消息失败: %v", err)
		return
	}

	for _, msg := range messages {
		s.sendMessage(ctx, msg)
	}
}

func (s *OutboxSender) sendMessage(ctx context.Context, msg *model.OutboxMessage) {
	err := s.transport.Send(ctx, msg.Recipient, msg.MessageID, []byte(msg.Payload))

	if err == nil {
		if updateErr := s.outboxRepo.MarkSent(ctx, msg, s.now()); updateErr != nil {
			log.Printf("[OutboxSender] 更新消息状态失败: id=%d, err=%v", msg.ID, updateErr)
		} else {
			metrics.OutboxDelivery("sent")
		}
		return
	}

	log.Printf("[OutboxSender] 消息发送失败: id=%d, recipient=%s, err=%v", msg.ID, msg.Recipient, err)
	metrics.OutboxDelivery("error")

	if err := s.outboxRepo.IncrementRetryCount(ctx, msg.ID); err != nil {
		log.Printf("[OutboxSender] 增加重试次数失败: id=%d, err=%v", msg.ID, err)
	}

	if msg.RetryCount+1 >= s.maxResend {
		s.markFailed(ctx, msg)
	}
}

// requeueUnacked 超时未确认的信封重新排队
func (s *OutboxSender) requeueUnacked(ctx context.Context) {
	messages, err := s.outboxRepo.GetUnacked(ctx, s.now().Add(-s.ackTimeout), s.batchSize)
	if err != nil {
		log.Printf("[OutboxSender] 查询未确认消息失败: %v", err)
		return
	}

	for _, msg := range messages {
		if msg.RetryCount >= s.maxResend {
			s.markFailed(ctx, msg)
			continue
		}
		if err := s.outboxRepo.Requeue(ctx, msg.ID); err != nil {
			log.Printf("[OutboxSender] 重新排队失败: id=%d, err=%v", msg.ID, err)
			continue
		}
		metrics.OutboxDelivery("resent")
	}
}

func (s *OutboxSender) markFailed(ctx context.Context, msg *model.OutboxMessage) {
	if err := s.outboxRepo.MarkAsFailed(ctx, msg.ID); err != nil {
		log.Printf("[OutboxSender] 标记消息失败状态失败: id=%d, err=%v", msg.ID, err)
		return
	}
	metrics.OutboxDelivery("failed")
	log.Printf("[OutboxSender] 消息超过最大重试次数，标记为失败: id=%d, recipient=%s", msg.ID, msg.Recipient)
}
