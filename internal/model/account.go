package model

import (
	"time"
)

// Account 代理账户表
// 账户以对端代理地址为主键，首次 register 时隐式创建，余额为 0，永不删除
type Account struct {
	// 代理地址
	ID string `gorm:"primaryKey;type:varchar(128)" json:"id"`
	// 余额，最小记账单位
	Balance int64 `gorm:"not null;default:0" json:"balance"`
	// 链上钱包，只能绑定一次
	LinkedWallet *string `gorm:"type:varchar(128);uniqueIndex" json:"linked_wallet"`
	// 已应用的流水条数，同时作为下一条流水的序号
	Sequence  int64     `gorm:"not null;default:0" json:"sequence"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Account) TableName() string {
	return "account"
}

// Wallet returns the linked wallet or "" when none is registered.
func (a *Account) Wallet() string {
	if a == nil || a.LinkedWallet == nil {
		return ""
	}
	return *a.LinkedWallet
}
