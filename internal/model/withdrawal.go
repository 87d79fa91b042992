package model

import (
	"time"
)

const (
	WithdrawalStatusReserved       = "RESERVED"
	WithdrawalStatusSubmitted      = "SUBMITTED"
	WithdrawalStatusConfirmed      = "CONFIRMED"
	WithdrawalStatusFailedRefunded = "FAILED_REFUNDED"
)

var ValidWithdrawalTransitions = map[string][]string{
	WithdrawalStatusReserved:  {WithdrawalStatusSubmitted, WithdrawalStatusFailedRefunded},
	WithdrawalStatusSubmitted: {WithdrawalStatusConfirmed, WithdrawalStatusFailedRefunded},
}

func CanWithdrawalTransitionTo(currentStatus, targetStatus string) bool {
	for _, s := range ValidWithdrawalTransitions[currentStatus] {
		if s == targetStatus {
			return true
		}
	}
	return false
}

// WithdrawalRequest 提现单
// RESERVED 时即扣减余额（悲观预留），FAILED_REFUNDED 时原额退回且只退一次
type WithdrawalRequest struct {
	ID            string     `gorm:"primaryKey;type:varchar(64)" json:"id"`
	RequestID     string     `gorm:"type:varchar(256);uniqueIndex;not null" json:"request_id"`
	AccountID     string     `gorm:"type:varchar(128);index;not null" json:"account_id"`
	Amount        int64      `gorm:"not null" json:"amount"`
	TargetWallet  string     `gorm:"type:varchar(128);not null" json:"target_wallet"`
	Denom         string     `gorm:"type:varchar(32);not null" json:"denom"`
	Status        string     `gorm:"type:varchar(20);index;not null" json:"status"`
	TxHash        string     `gorm:"type:varchar(128);index" json:"tx_hash,omitempty"`
	Attempts      int        `gorm:"not null;default:0" json:"attempts"`
	FailureReason string     `gorm:"type:varchar(256)" json:"failure_reason,omitempty"`
	ResolvedAt    *time.Time `json:"resolved_at,omitempty"`
	CreatedAt     time.Time  `gorm:"index" json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

func (WithdrawalRequest) TableName() string {
	return "withdrawal_request"
}
