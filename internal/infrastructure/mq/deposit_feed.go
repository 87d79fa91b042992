package mq

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"transactai/internal/config"

	"github.com/IBM/sarama"
	"github.com/cenkalti/backoff/v4"
)

// MessageHandler 处理一条消费到的消息
//
// 返回 backoff.Permanent 包装的错误表示消息本身有问题，记录后跳过；
// 其他错误按退避重试，直到成功或会话结束，期间不提交位点。
type MessageHandler func(ctx context.Context, value []byte) error

// DepositFeed 消费扫描器推送的充值观察
type DepositFeed struct {
	group   sarama.ConsumerGroup
	topic   string
	handler MessageHandler
	stopCh  chan struct{}
}

func NewDepositFeed(cfg *config.MQConfig, handler MessageHandler) (*DepositFeed, error) {
	kafkaConfig := sarama.NewConfig()
	kafkaConfig.Consumer.Offsets.Initial = sarama.OffsetOldest
	kafkaConfig.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}

	group, err := sarama.NewConsumerGroup(cfg.Brokers, cfg.Consumer.GroupID, kafkaConfig)
	if err != nil {
		return nil, fmt.Errorf("创建 Kafka 消费组失败: %w", err)
	}
	return &DepositFeed{group: group, topic: cfg.Topic.DepositFeed, handler: handler, stopCh: make(chan struct{})}, nil
}

func (f *DepositFeed) Start(ctx context.Context) {
	log.Println("[DepositFeed] 充值消息消费启动")
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-f.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	for {
		// 每次 rebalance 后 Consume 返回，需要重新加入
		if err := f.group.Consume(ctx, []string{f.topic}, newFeedHandler(f.handler)); err != nil {
			if errors.Is(err, sarama.ErrClosedConsumerGroup) {
				return
			}
			log.Printf("[DepositFeed] 消费失败: %v", err)
		}
		if ctx.Err() != nil {
			log.Println("[DepositFeed] 收到停止信号，任务退出")
			return
		}
	}
}

func (f *DepositFeed) Stop() {
	close(f.stopCh)
	if err := f.group.Close(); err != nil {
		log.Printf("[DepositFeed] 关闭消费组失败: %v", err)
	}
}

type feedHandler struct {
	handler    MessageHandler
	newBackOff func() backoff.BackOff
}

func newFeedHandler(handler MessageHandler) feedHandler {
	return feedHandler{
		handler: handler,
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 200 * time.Millisecond
			b.MaxInterval = 10 * time.Second
			// 不设上限，直到成功或会话结束
			b.MaxElapsedTime = 0
			return b
		},
	}
}

func (feedHandler) Setup(sarama.ConsumerGroupSession) error   { return nil }
func (feedHandler) Cleanup(sarama.ConsumerGroupSession) error { return nil }

func (h feedHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	ctx := session.Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			if !h.process(ctx, msg) {
				// 会话结束，位点不提交，下次 rebalance 后重新消费
				return nil
			}
			session.MarkMessage(msg, "")
		}
	}
}

// process 处理一条消息，返回 false 表示未处理完且不能提交位点
func (h feedHandler) process(ctx context.Context, msg *sarama.ConsumerMessage) bool {
	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		err := h.handler(ctx, msg.Value)
		if err != nil && !isPermanent(err) {
			log.Printf("[DepositFeed] 处理消息失败，稍后重试: partition=%d, offset=%d, attempt=%d, err=%v",
				msg.Partition, msg.Offset, attempt, err)
		}
		return err
	}, backoff.WithContext(h.newBackOff(), ctx))

	switch {
	case err == nil:
		return true
	case ctx.Err() != nil:
		return false
	default:
		log.Printf("[DepositFeed] 跳过无效消息: partition=%d, offset=%d, err=%v", msg.Partition, msg.Offset, err)
		return true
	}
}

func isPermanent(err error) bool {
	var permanent *backoff.PermanentError
	return errors.As(err, &permanent)
}
