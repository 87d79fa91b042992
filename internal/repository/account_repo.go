package repository

import (
	"context"
	"errors"
	"math"

	"transactai/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type AccountRepository struct {
	db *gorm.DB
}

func NewAccountRepository(db *gorm.DB) *AccountRepository {
	return &AccountRepository{db: db}
}

func (r *AccountRepository) Get(ctx context.Context, tx *gorm.DB, id string) (*model.Account, error) {
	var account model.Account
	err := conn(r.db, tx).WithContext(ctx).Where("id = ?", id).First(&account).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrAccountNotFound
		}
		return nil, err
	}
	return &account, nil
}

// GetByWallet 按绑定钱包查找账户，未找到返回 ErrAccountNotFound
func (r *AccountRepository) GetByWallet(ctx context.Context, tx *gorm.DB, wallet string) (*model.Account, error) {
	var account model.Account
	err := conn(r.db, tx).WithContext(ctx).Where("linked_wallet = ?", wallet).First(&account).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrAccountNotFound
		}
		return nil, err
	}
	return &account, nil
}

// GetOrCreate 账户不存在时以 0 余额创建，返回值 created 表示本次是否新建
func (r *AccountRepository) GetOrCreate(ctx context.Context, tx *gorm.DB, id string) (*model.Account, bool, error) {
	db := conn(r.db, tx).WithContext(ctx)
	result := db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoNothing: true,
	}).Create(&model.Account{ID: id})
	if result.Error != nil {
		return nil, false, result.Error
	}

	account, err := r.Get(ctx, tx, id)
	if err != nil {
		return nil, false, err
	}
	return account, result.RowsAffected > 0, nil
}

// Apply 在一条 UPDATE 里校验并变更余额：
//
//	UPDATE account SET balance = balance + ?, sequence = sequence + 1
//	WHERE id = ? AND balance >= -delta        -- 出账
//	WHERE id = ? AND balance <= MaxInt64-delta -- 入账
//
// 条件里不做加法，避免各数据库在溢出时的不同表现（报错或转成浮点）。
// 返回更新后的账户。
func (r *AccountRepository) Apply(ctx context.Context, tx *gorm.DB, id string, delta int64) (*model.Account, error) {
	query := conn(r.db, tx).WithContext(ctx).Model(&model.Account{})
	if delta < 0 {
		query = query.Where("id = ? AND balance >= ?", id, -delta)
	} else {
		query = query.Where("id = ? AND balance <= ?", id, math.MaxInt64-delta)
	}
	result := query.Updates(map[string]interface{}{
		"balance":  gorm.Expr("balance + ?", delta),
		"sequence": gorm.Expr("sequence + 1"),
	})
	if result.Error != nil {
		return nil, result.Error
	}

	if result.RowsAffected == 0 {
		if _, err := r.Get(ctx, tx, id); err != nil {
			return nil, err
		}
		if delta >= 0 {
			return nil, ErrBalanceOverflow
		}
		return nil, ErrBalanceNotEnough
	}

	return r.Get(ctx, tx, id)
}

// LinkWallet 绑定钱包，只允许绑定一次；重复绑定同一个地址视为成功
func (r *AccountRepository) LinkWallet(ctx context.Context, tx *gorm.DB, id, wallet string) error {
	owner, err := r.GetByWallet(ctx, tx, wallet)
	switch {
	case err == nil && owner.ID != id:
		return ErrWalletInUse
	case err == nil:
		return nil
	case !errors.Is(err, ErrAccountNotFound):
		return err
	}

	result := conn(r.db, tx).WithContext(ctx).
		Model(&model.Account{}).
		Where("id = ? AND linked_wallet IS NULL", id).
		Update("linked_wallet", wallet)
	if result.Error != nil {
		return result.Error
	}

	if result.RowsAffected == 0 {
		if _, err := r.Get(ctx, tx, id); err != nil {
			return err
		}
		return ErrWalletAlreadyLinked
	}
	return nil
}

// Total 所有账户余额之和，用于守恒校验
func (r *AccountRepository) Total(ctx context.Context) (int64, error) {
	var total int64
	err := r.db.WithContext(ctx).Model(&model.Account{}).
		Select("COALESCE(SUM(balance), 0)").
		Scan(&total).Error
	return total, err
}
