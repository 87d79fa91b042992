package repository

import (
	"context"
	"errors"
	"time"

	"transactai/internal/model"

	"gorm.io/gorm"
)

var ErrWithdrawalNotFound = errors.New("提现单不存在")

type WithdrawalRepository struct {
	db *gorm.DB
}

func NewWithdrawalRepository(db *gorm.DB) *WithdrawalRepository {
	return &WithdrawalRepository{db: db}
}

func (r *WithdrawalRepository) Create(ctx context.Context, tx *gorm.DB, w *model.WithdrawalRequest) error {
	return conn(r.db, tx).WithContext(ctx).Create(w).Error
}

func (r *WithdrawalRepository) Get(ctx context.Context, tx *gorm.DB, id string) (*model.WithdrawalRequest, error) {
	var w model.WithdrawalRequest
	err := conn(r.db, tx).WithContext(ctx).Where("id = ?", id).First(&w).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrWithdrawalNotFound
		}
		return nil, err
	}
	return &w, nil
}

// GetByRequestID 幂等查询，未找到返回 nil
func (r *WithdrawalRepository) GetByRequestID(ctx context.Context, tx *gorm.DB, requestID string) (*model.WithdrawalRequest, error) {
	var w model.WithdrawalRequest
	err := conn(r.db, tx).WithContext(ctx).Where("request_id = ?", requestID).First(&w).Error
	if err != nil {
		return nil, notFoundAsNil(err)
	}
	return &w, nil
}

func (r *WithdrawalRepository) GetByTxHash(ctx context.Context, txHash string) (*model.WithdrawalRequest, error) {
	var w model.WithdrawalRequest
	err := r.db.WithContext(ctx).Where("tx_hash = ?", txHash).First(&w).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrWithdrawalNotFound
		}
		return nil, err
	}
	return &w, nil
}

// UpdateStatus 状态机条件更新，fields 为随状态一起写入的附加字段
func (r *WithdrawalRepository) UpdateStatus(ctx context.Context, tx *gorm.DB, id, fromStatus, toStatus string, fields map[string]interface{}) error {
	if !model.CanWithdrawalTransitionTo(fromStatus, toStatus) {
		return ErrInvalidTransition
	}

	updates := map[string]interface{}{"status": toStatus}
	for k, v := range fields {
		updates[k] = v
	}

	result := conn(r.db, tx).WithContext(ctx).
		Model(&model.WithdrawalRequest{}).
		Where("id = ? AND status = ?", id, fromStatus).
		Updates(updates)
	if result.Error != nil {
		return result.Error
	}

	if result.RowsAffected == 0 {
		return ErrStatusConflict
	}
	return nil
}

// RecordAttempt 记录一次提交尝试，只在仍处于 fromStatus 时生效
func (r *WithdrawalRepository) RecordAttempt(ctx context.Context, id, fromStatus, reason string) error {
	return r.db.WithContext(ctx).
		Model(&model.WithdrawalRequest{}).
		Where("id = ? AND status = ?", id, fromStatus).
		Updates(map[string]interface{}{
			"attempts":       gorm.Expr("attempts + 1"),
			"failure_reason": reason,
		}).Error
}

// ListByStatus 查询 createdBefore 之前创建、仍处于 status 的提现单
func (r *WithdrawalRepository) ListByStatus(ctx context.Context, status string, createdBefore time.Time, limit int) ([]*model.WithdrawalRequest, error) {
	var list []*model.WithdrawalRequest
	err := r.db.WithContext(ctx).
		Where("status = ? AND created_at <= ?", status, createdBefore.UTC()).
		Order("created_at ASC").
		Limit(limit).
		Find(&list).Error
	return list, err
}
