package mq

import (
	"context"
	"fmt"
	"log"
	"sync"

	"transactai/internal/config"

	"github.com/IBM/sarama"
)

// KafkaTransport 通过 Kafka 同步生产者投递出站帧
type KafkaTransport struct {
	producer sarama.SyncProducer
	topic    string
	mu       sync.RWMutex
	closed   bool
}

func newProducerConfig() *sarama.Config {
	kafkaConfig := sarama.NewConfig()
	kafkaConfig.Producer.RequiredAcks = sarama.WaitForAll // 等待所有副本确认
	kafkaConfig.Producer.Retry.Max = 3                    // 重试次数
	kafkaConfig.Producer.Return.Successes = true          // 返回成功消息
	kafkaConfig.Producer.Idempotent = true
	kafkaConfig.Net.MaxOpenRequests = 1
	return kafkaConfig
}

// NewKafkaTransport 初始化 Kafka 生产者
func NewKafkaTransport(cfg *config.MQConfig) (*KafkaTransport, error) {
	producer, err := sarama.NewSyncProducer(cfg.Brokers, newProducerConfig())
	if err != nil {
		return nil, fmt.Errorf("创建 Kafka 生产者失败: %w", err)
	}
	log.Println("[Kafka] 生产者创建成功")
	return NewKafkaTransportWithProducer(producer, cfg.Topic.Outbound), nil
}

// NewKafkaTransportWithProducer wraps an existing producer, e.g. sarama/mocks in tests.
func NewKafkaTransportWithProducer(producer sarama.SyncProducer, topic string) *KafkaTransport {
	return &KafkaTransport{producer: producer, topic: topic}
}

func (t *KafkaTransport) Send(ctx context.Context, recipient, messageID string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.closed {
		return ErrTransportClosed
	}
	msg := &sarama.ProducerMessage{
		Topic: t.topic,
		Key:   sarama.StringEncoder(recipient),
		Value: sarama.ByteEncoder(payload),
		Headers: []sarama.RecordHeader{
			{Key: []byte("message_id"), Value: []byte(messageID)},
		},
	}
	_, _, err := t.producer.SendMessage(msg)
	return err
}

// Close 关闭 Kafka 生产者
func (t *KafkaTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	return t.producer.Close()
}
