package model

import (
	"time"
)

const (
	OutboxStatusPending = "PENDING"
	OutboxStatusSent    = "SENT"
	OutboxStatusAcked   = "ACKED"
	OutboxStatusFailed  = "FAILED"
)

// OutboxMessage 待发送的出站信封
// 与业务变更在同一事务内写入；RequiresAck 的消息在收到对端确认前保持 SENT，超时重发
type OutboxMessage struct {
	ID          int64      `gorm:"primaryKey;autoIncrement" json:"id"`
	MessageID   string     `gorm:"type:varchar(64);uniqueIndex;not null" json:"message_id"`
	Recipient   string     `gorm:"type:varchar(128);index;not null" json:"recipient"`
	Command     string     `gorm:"type:varchar(64);not null" json:"command"`
	Payload     string     `gorm:"type:text;not null" json:"payload"` // 完整信封 JSON
	RequiresAck bool       `gorm:"not null;default:false" json:"requires_ack"`
	Status      string     `gorm:"type:varchar(20);index;not null;default:PENDING" json:"status"`
	RetryCount  int        `gorm:"not null;default:0" json:"retry_count"`
	SentAt      *time.Time `gorm:"index" json:"sent_at"`
	CreatedAt   time.Time  `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt   time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

func (OutboxMessage) TableName() string {
	return "outbox_message"
}

// AllModels lists every table for AutoMigrate.
func AllModels() []interface{} {
	return []interface{}{
		&Account{},
		&LedgerEntry{},
		&Payment{},
		&Escrow{},
		&PendingDeposit{},
		&WithdrawalRequest{},
		&OutboxMessage{},
	}
}
