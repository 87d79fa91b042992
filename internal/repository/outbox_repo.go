package repository

import (
	"context"
	"time"

	"transactai/internal/model"

	"gorm.io/gorm"
)

type OutboxRepository struct {
	db *gorm.DB
}

func NewOutboxRepository(db *gorm.DB) *OutboxRepository {
	return &OutboxRepository{db: db}
}

func (r *OutboxRepository) Create(ctx context.Context, tx *gorm.DB, msg *model.OutboxMessage) error {
	return conn(r.db, tx).WithContext(ctx).Create(msg).Error
}

func (r *OutboxRepository) GetPendingMessages(ctx context.Context, limit int) ([]*model.OutboxMessage, error) {
	var messages []*model.OutboxMessage
	err := r.db.WithContext(ctx).
		Where("status = ?", model.OutboxStatusPending).
		Order("id ASC").
		Limit(limit).
		Find(&messages).Error
	return messages, err
}

// GetUnacked 已发送、需要确认、且发送时间早于 sentBefore 的消息
func (r *OutboxRepository) GetUnacked(ctx context.Context, sentBefore time.Time, limit int) ([]*model.OutboxMessage, error) {
	var messages []*model.OutboxMessage
	err := r.db.WithContext(ctx).
		Where("status = ? AND requires_ack = ? AND sent_at <= ?", model.OutboxStatusSent, true, sentBefore.UTC()).
		Order("id ASC").
		Limit(limit).
		Find(&messages).Error
	return messages, err
}

// MarkSent 发送成功；不需要确认的消息直接进入终态
func (r *OutboxRepository) MarkSent(ctx context.Context, msg *model.OutboxMessage, at time.Time) error {
	at = at.UTC()
	status := model.OutboxStatusSent
	if !msg.RequiresAck {
		status = model.OutboxStatusAcked
	}
	return r.db.WithContext(ctx).
		Model(&model.OutboxMessage{}).
		Where("id = ? AND status = ?", msg.ID, model.OutboxStatusPending).
		Updates(map[string]interface{}{
			"status":  status,
			"sent_at": &at,
		}).Error
}

// MarkAcked 对端确认，只接受消息原收件人的确认
func (r *OutboxRepository) MarkAcked(ctx context.Context, messageID, recipient string) (bool, error) {
	result := r.db.WithContext(ctx).
		Model(&model.OutboxMessage{}).
		Where("message_id = ? AND recipient = ? AND status IN ?", messageID, recipient,
			[]string{model.OutboxStatusPending, model.OutboxStatusSent}).
		Update("status", model.OutboxStatusAcked)
	return result.RowsAffected > 0, result.Error
}

// Requeue 超时未确认，重新放回待发送队列
func (r *OutboxRepository) Requeue(ctx context.Context, id int64) error {
	return r.db.WithContext(ctx).
		Model(&model.OutboxMessage{}).
		Where("id = ? AND status = ?", id, model.OutboxStatusSent).
		Updates(map[string]interface{}{
			"status":      model.OutboxStatusPending,
			"retry_count": gorm.Expr("retry_count + 1"),
		}).Error
}

func (r *OutboxRepository) IncrementRetryCount(ctx context.Context, id int64) error {
	return r.db.WithContext(ctx).
		Model(&model.OutboxMessage{}).
		Where("id = ?", id).
		UpdateColumn("retry_count", gorm.Expr("retry_count + 1")).Error
}

func (r *OutboxRepository) MarkAsFailed(ctx context.Context, id int64) error {
	return r.db.WithContext(ctx).
		Model(&model.OutboxMessage{}).
		Where("id = ?", id).
		Update("status", model.OutboxStatusFailed).Error
}
