package model

import (
	"time"
)

// Payment records a completed peer-to-peer transfer. RequestID makes a retried
// payment command return the original result even after the seen cache is gone.
type Payment struct {
	ID        int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	PaymentNo string    `gorm:"type:varchar(64);uniqueIndex;not null" json:"payment_no"`
	RequestID string    `gorm:"type:varchar(256);uniqueIndex;not null" json:"request_id"`
	PayerID   string    `gorm:"type:varchar(128);index;not null" json:"payer_id"`
	PayeeID   string    `gorm:"type:varchar(128);index;not null" json:"payee_id"`
	Amount    int64     `gorm:"not null" json:"amount"`
	Reference string    `gorm:"type:varchar(512)" json:"reference"`
	CreatedAt time.Time `gorm:"index" json:"created_at"`
}

func (Payment) TableName() string {
	return "payment"
}
