package repository

import (
	"context"
	"errors"
	"time"

	"transactai/internal/model"

	"gorm.io/gorm"
)

var ErrEscrowNotFound = errors.New("托管单不存在")

type EscrowRepository struct {
	db *gorm.DB
}

func NewEscrowRepository(db *gorm.DB) *EscrowRepository {
	return &EscrowRepository{db: db}
}

func (r *EscrowRepository) Create(ctx context.Context, tx *gorm.DB, escrow *model.Escrow) error {
	return conn(r.db, tx).WithContext(ctx).Create(escrow).Error
}

func (r *EscrowRepository) Get(ctx context.Context, tx *gorm.DB, id string) (*model.Escrow, error) {
	var escrow model.Escrow
	err := conn(r.db, tx).WithContext(ctx).Where("id = ?", id).First(&escrow).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrEscrowNotFound
		}
		return nil, err
	}
	return &escrow, nil
}

// GetByRequestID 幂等查询，未找到返回 nil
func (r *EscrowRepository) GetByRequestID(ctx context.Context, tx *gorm.DB, requestID string) (*model.Escrow, error) {
	var escrow model.Escrow
	err := conn(r.db, tx).WithContext(ctx).Where("request_id = ?", requestID).First(&escrow).Error
	if err != nil {
		return nil, notFoundAsNil(err)
	}
	return &escrow, nil
}

// Transition 托管状态的比较并交换
//
//	UPDATE escrow SET state = ? WHERE id = ? AND state = ?
//
// 没有行被更新说明状态已被其他操作改变，返回 ErrStatusConflict。
func (r *EscrowRepository) Transition(ctx context.Context, tx *gorm.DB, id, fromState, toState, resolvedBy string, at time.Time) error {
	if !model.CanEscrowTransitionTo(fromState, toState) {
		return ErrInvalidTransition
	}

	result := conn(r.db, tx).WithContext(ctx).
		Model(&model.Escrow{}).
		Where("id = ? AND state = ?", id, fromState).
		Updates(map[string]interface{}{
			"state":       toState,
			"resolved_by": resolvedBy,
			"resolved_at": &at,
		})
	if result.Error != nil {
		return result.Error
	}

	if result.RowsAffected == 0 {
		return ErrStatusConflict
	}
	return nil
}

// ListExpired 查询已到期但仍处于 CREATED 的托管单
func (r *EscrowRepository) ListExpired(ctx context.Context, now time.Time, limit int) ([]*model.Escrow, error) {
	var escrows []*model.Escrow
	err := r.db.WithContext(ctx).
		Where("state = ? AND expires_at <= ?", model.EscrowStateCreated, now.UTC()).
		Order("expires_at ASC").
		Limit(limit).
		Find(&escrows).Error
	return escrows, err
}
