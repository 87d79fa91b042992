package repository

import (
	"errors"

	"gorm.io/gorm"
)

var (
	ErrAccountNotFound     = errors.New("账户不存在")
	ErrBalanceNotEnough    = errors.New("余额不足")
	ErrBalanceOverflow     = errors.New("余额超出上限")
	ErrWalletAlreadyLinked = errors.New("账户已绑定其他钱包")
	ErrWalletInUse         = errors.New("钱包已被其他账户绑定")
	ErrStatusConflict      = errors.New("状态已变更")
	ErrInvalidTransition   = errors.New("状态迁移不合法")
)

// conn 事务内使用事务句柄，否则使用仓库自带的连接
func conn(db, tx *gorm.DB) *gorm.DB {
	if tx != nil {
		return tx
	}
	return db
}

func notFoundAsNil(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil
	}
	return err
}
