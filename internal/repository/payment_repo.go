package repository

import (
	"context"

	"transactai/internal/model"

	"gorm.io/gorm"
)

type PaymentRepository struct {
	db *gorm.DB
}

func NewPaymentRepository(db *gorm.DB) *PaymentRepository {
	return &PaymentRepository{db: db}
}

func (r *PaymentRepository) Create(ctx context.Context, tx *gorm.DB, payment *model.Payment) error {
	return conn(r.db, tx).WithContext(ctx).Create(payment).Error
}

// GetByRequestID 幂等查询，未找到返回 nil
func (r *PaymentRepository) GetByRequestID(ctx context.Context, tx *gorm.DB, requestID string) (*model.Payment, error) {
	var payment model.Payment
	err := conn(r.db, tx).WithContext(ctx).Where("request_id = ?", requestID).First(&payment).Error
	if err != nil {
		return nil, notFoundAsNil(err)
	}
	return &payment, nil
}
