package mq

import (
	"context"
	"errors"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

// RabbitTransport 使用 RabbitMQ 投递出站帧，routing key 为收件人
type RabbitTransport struct {
	conn     *amqp.Connection
	ch       *amqp.Channel
	exchange string
	mu       sync.Mutex
}

// NewRabbitTransport 连接 RabbitMQ 并声明 direct 交换机
func NewRabbitTransport(url, exchange string) (*RabbitTransport, error) {
	if url == "" {
		return nil, errors.New("RabbitMQ URL 不能为空")
	}
	if exchange == "" {
		exchange = "transactai.outbound"
	}
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("连接 RabbitMQ 失败: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("创建 RabbitMQ channel 失败: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, amqp.ExchangeDirect, true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("声明 RabbitMQ 交换机失败: %w", err)
	}
	if err := ch.Confirm(false); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("开启 RabbitMQ 发布确认失败: %w", err)
	}
	return &RabbitTransport{conn: conn, ch: ch, exchange: exchange}, nil
}

func (t *RabbitTransport) Send(ctx context.Context, recipient, messageID string, payload []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ch == nil {
		return ErrTransportClosed
	}
	confirm, err := t.ch.PublishWithDeferredConfirmWithContext(ctx, t.exchange, recipient, true, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    messageID,
		Body:         payload,
	})
	if err != nil {
		return fmt.Errorf("发布 RabbitMQ 消息失败: %w", err)
	}
	ok, err := confirm.WaitContext(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("RabbitMQ 拒绝消息 %s", messageID)
	}
	return nil
}

// Close 关闭 RabbitMQ 连接
func (t *RabbitTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ch != nil {
		_ = t.ch.Close()
		t.ch = nil
	}
	if t.conn != nil {
		err := t.conn.Close()
		t.conn = nil
		return err
	}
	return nil
}
