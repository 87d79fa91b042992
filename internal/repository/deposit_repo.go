package repository

import (
	"context"
	"time"

	"transactai/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type DepositRepository struct {
	db *gorm.DB
}

func NewDepositRepository(db *gorm.DB) *DepositRepository {
	return &DepositRepository{db: db}
}

// Get 按交易哈希查询，未找到返回 nil
func (r *DepositRepository) Get(ctx context.Context, tx *gorm.DB, txHash string) (*model.PendingDeposit, error) {
	var deposit model.PendingDeposit
	err := conn(r.db, tx).WithContext(ctx).Where("tx_hash = ?", txHash).First(&deposit).Error
	if err != nil {
		return nil, notFoundAsNil(err)
	}
	return &deposit, nil
}

// Create 首次观察到交易时落库；并发重复插入由主键冲突吸收
func (r *DepositRepository) Create(ctx context.Context, tx *gorm.DB, deposit *model.PendingDeposit) error {
	return conn(r.db, tx).WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(deposit).Error
}

// UpdateObservation 刷新确认数与挂起原因，只作用于 PENDING 记录，确认数只增不减
func (r *DepositRepository) UpdateObservation(ctx context.Context, tx *gorm.DB, txHash string, confirmations int, reason string) error {
	return conn(r.db, tx).WithContext(ctx).
		Model(&model.PendingDeposit{}).
		Where("tx_hash = ? AND status = ?", txHash, model.DepositStatusPending).
		Updates(map[string]interface{}{
			"confirmations": gorm.Expr("CASE WHEN confirmations > ? THEN confirmations ELSE ? END", confirmations, confirmations),
			"status_reason": reason,
		}).Error
}

// MarkConfirmed PENDING -> CONFIRMED，条件更新保证同一笔交易只入账一次
func (r *DepositRepository) MarkConfirmed(ctx context.Context, tx *gorm.DB, txHash, accountID string, confirmations int, at time.Time) error {
	result := conn(r.db, tx).WithContext(ctx).
		Model(&model.PendingDeposit{}).
		Where("tx_hash = ? AND status = ?", txHash, model.DepositStatusPending).
		Updates(map[string]interface{}{
			"status":              model.DepositStatusConfirmed,
			"status_reason":       "",
			"confirmations":       confirmations,
			"credited_account_id": accountID,
			"credited_at":         &at,
		})
	if result.Error != nil {
		return result.Error
	}

	if result.RowsAffected == 0 {
		return ErrStatusConflict
	}
	return nil
}
