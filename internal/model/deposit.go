package model

import (
	"time"
)

const (
	DepositStatusPending   = "PENDING"
	DepositStatusConfirmed = "CONFIRMED"
	DepositStatusFailed    = "FAILED"
)

const (
	DepositReasonAwaitingConfirmations = "awaiting_confirmations"
	DepositReasonUnregisteredWallet    = "unregistered_wallet"
)

// PendingDeposit 链上充值记录
// TxHash 是天然的幂等键：同一笔交易最多入账一次
type PendingDeposit struct {
	TxHash                string     `gorm:"primaryKey;type:varchar(128)" json:"tx_hash"`
	TargetWallet          string     `gorm:"type:varchar(128);index;not null" json:"target_wallet"`
	Amount                int64      `gorm:"not null" json:"amount"` // 已换算为记账单位
	Denom                 string     `gorm:"type:varchar(32);not null" json:"denom"`
	Confirmations         int        `gorm:"not null" json:"confirmations"`
	RequiredConfirmations int        `gorm:"not null" json:"required_confirmations"`
	Status                string     `gorm:"type:varchar(20);index;not null" json:"status"`
	StatusReason          string     `gorm:"type:varchar(64)" json:"status_reason,omitempty"`
	CreditedAccountID     string     `gorm:"type:varchar(128)" json:"credited_account_id,omitempty"`
	CreditedAt            *time.Time `json:"credited_at,omitempty"`
	CreatedAt             time.Time  `json:"created_at"`
	UpdatedAt             time.Time  `json:"updated_at"`
}

func (PendingDeposit) TableName() string {
	return "pending_deposit"
}
