package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"transactai/internal/model"

	"github.com/google/uuid"
)

const (
	FrameEnvelope = "envelope"
	FrameAck      = "ack"
)

var ErrInvalidEnvelope = errors.New("invalid envelope")

// Envelope 请求、响应与通知共用的信封
type Envelope struct {
	Sender    string          `json:"sender"`
	MessageID string          `json:"message_id"`
	Command   string          `json:"command"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// Ack 确认消息，引用被确认信封的 message_id
type Ack struct {
	AcknowledgedMessageID string    `json:"acknowledged_message_id"`
	Sender                string    `json:"sender"`
	Timestamp             time.Time `json:"timestamp"`
}

// Frame 传输层上的一帧：信封或确认二选一
type Frame struct {
	Kind     string    `json:"kind"`
	Envelope *Envelope `json:"envelope,omitempty"`
	Ack      *Ack      `json:"ack,omitempty"`
}

// Validate checks the envelope fields every command relies on.
func (e *Envelope) Validate() error {
	switch {
	case e == nil:
		return fmt.Errorf("%w: empty", ErrInvalidEnvelope)
	case strings.TrimSpace(e.Sender) == "":
		return fmt.Errorf("%w: sender is required", ErrInvalidEnvelope)
	case strings.TrimSpace(e.MessageID) == "":
		return fmt.Errorf("%w: message_id is required", ErrInvalidEnvelope)
	case strings.TrimSpace(e.Command) == "":
		return fmt.Errorf("%w: command is required", ErrInvalidEnvelope)
	}
	return nil
}

func (f *Frame) Validate() error {
	switch f.Kind {
	case FrameEnvelope:
		return f.Envelope.Validate()
	case FrameAck:
		if f.Ack == nil || f.Ack.AcknowledgedMessageID == "" || f.Ack.Sender == "" {
			return fmt.Errorf("%w: ack requires acknowledged_message_id and sender", ErrInvalidEnvelope)
		}
		return nil
	default:
		return fmt.Errorf("%w: unknown frame kind %q", ErrInvalidEnvelope, f.Kind)
	}
}

// NewEnvelope 生成带随机 message_id 的出站信封
func NewEnvelope(sender, command string, payload any, now time.Time) (*Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", command, err)
	}
	return &Envelope{
		Sender:    sender,
		MessageID: uuid.NewString(),
		Command:   command,
		Payload:   raw,
		Timestamp: now.UTC(),
	}, nil
}

func NewAck(sender, messageID string, now time.Time) *Ack {
	return &Ack{AcknowledgedMessageID: messageID, Sender: sender, Timestamp: now.UTC()}
}

// OutboundEnvelope 把信封包装成 outbox 记录；信封需要对端确认
func OutboundEnvelope(recipient string, env *Envelope) (*model.OutboxMessage, error) {
	raw, err := json.Marshal(Frame{Kind: FrameEnvelope, Envelope: env})
	if err != nil {
		return nil, err
	}
	return &model.OutboxMessage{
		MessageID:   env.MessageID,
		Recipient:   recipient,
		Command:     env.Command,
		Payload:     string(raw),
		RequiresAck: true,
		Status:      model.OutboxStatusPending,
	}, nil
}

// OutboundAck 确认消息本身不再需要确认
func OutboundAck(recipient string, ack *Ack) (*model.OutboxMessage, error) {
	raw, err := json.Marshal(Frame{Kind: FrameAck, Ack: ack})
	if err != nil {
		return nil, err
	}
	return &model.OutboxMessage{
		MessageID: uuid.NewString(),
		Recipient: recipient,
		Command:   FrameAck,
		Payload:   string(raw),
		Status:    model.OutboxStatusPending,
	}, nil
}
