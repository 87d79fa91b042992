package model

import (
	"time"
)

const (
	ReasonPayment       = "payment"
	ReasonEscrowLock    = "escrow_lock"
	ReasonEscrowRelease = "escrow_release"
	ReasonEscrowRefund  = "escrow_refund"
	ReasonDeposit       = "deposit"
	ReasonWithdrawal    = "withdrawal"
)

// LedgerEntry 账户流水表
//
// 只追加，不修改，不删除。同一账户的流水按 Sequence 全序排列，
// 所有流水 Delta 之和恒等于账户当前余额。
type LedgerEntry struct {
	ID               int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	EntryNo          string    `gorm:"type:varchar(64);uniqueIndex;not null" json:"entry_no"`
	AccountID        string    `gorm:"type:varchar(128);not null;uniqueIndex:idx_entry_account_seq" json:"account_id"`
	Sequence         int64     `gorm:"not null;uniqueIndex:idx_entry_account_seq" json:"sequence"`
	Delta            int64     `gorm:"not null" json:"delta"` // 正数入账，负数出账
	ResultingBalance int64     `gorm:"not null" json:"resulting_balance"`
	Reason           string    `gorm:"type:varchar(32);not null" json:"reason"`
	CorrelatedID     string    `gorm:"type:varchar(128);index;not null" json:"correlated_id"`
	CreatedAt        time.Time `gorm:"index" json:"timestamp"`
}

func (LedgerEntry) TableName() string {
	return "ledger_entry"
}
