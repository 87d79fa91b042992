package mq

import (
	"context"
	"errors"
)

var ErrTransportClosed = errors.New("transport closed")

// Transport 出站信封的投递通道
//
// payload 是完整的帧 JSON；recipient 作为分区键，保证同一对端的消息有序。
type Transport interface {
	Send(ctx context.Context, recipient, messageID string, payload []byte) error
	Close() error
}
