package repository

import (
	"context"

	"transactai/internal/model"

	"gorm.io/gorm"
)

type EntryRepository struct {
	db *gorm.DB
}

func NewEntryRepository(db *gorm.DB) *EntryRepository {
	return &EntryRepository{db: db}
}

func (r *EntryRepository) Create(ctx context.Context, tx *gorm.DB, entry *model.LedgerEntry) error {
	return conn(r.db, tx).WithContext(ctx).Create(entry).Error
}

// GetByCorrelation 查找某账户某业务单据对应的流水，未找到返回 nil
func (r *EntryRepository) GetByCorrelation(ctx context.Context, tx *gorm.DB, accountID, reason, correlatedID string) (*model.LedgerEntry, error) {
	var entry model.LedgerEntry
	err := conn(r.db, tx).WithContext(ctx).
		Where("account_id = ? AND reason = ? AND correlated_id = ?", accountID, reason, correlatedID).
		Order("sequence DESC").
		First(&entry).Error
	if err != nil {
		return nil, notFoundAsNil(err)
	}
	return &entry, nil
}

// ListByAccount 按序号倒序返回最近的流水
func (r *EntryRepository) ListByAccount(ctx context.Context, accountID string, limit int) ([]*model.LedgerEntry, error) {
	var entries []*model.LedgerEntry
	err := r.db.WithContext(ctx).
		Where("account_id = ?", accountID).
		Order("sequence DESC").
		Limit(limit).
		Find(&entries).Error
	return entries, err
}

// SumByAccount 流水 Delta 之和，应恒等于账户余额
func (r *EntryRepository) SumByAccount(ctx context.Context, accountID string) (int64, error) {
	var sum int64
	err := r.db.WithContext(ctx).Model(&model.LedgerEntry{}).
		Where("account_id = ?", accountID).
		Select("COALESCE(SUM(delta), 0)").
		Scan(&sum).Error
	return sum, err
}

func (r *EntryRepository) CountByCorrelation(ctx context.Context, reason, correlatedID string) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&model.LedgerEntry{}).
		Where("reason = ? AND correlated_id = ?", reason, correlatedID).
		Count(&n).Error
	return n, err
}
