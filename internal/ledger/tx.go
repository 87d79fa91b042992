package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"transactai/internal/model"
	"transactai/internal/protocol"
	"transactai/internal/repository"
	"transactai/pkg/idgen"

	"gorm.io/gorm"
)

// Tx 一次原子单元内的账本句柄
//
// 只能修改 Scope 中声明并已加锁的账户；所有读写都必须走 DB() 返回的事务连接。
type Tx struct {
	ctx     context.Context
	db      *gorm.DB
	ledger  *Ledger
	locked  map[string]struct{}
	now     time.Time
	reasons []string
}

func (t *Tx) Context() context.Context { return t.ctx }

// DB 事务句柄，供其他组件的 repository 使用
func (t *Tx) DB() *gorm.DB { return t.db }

// Now 整个单元内不变，写入的每一行时间戳相同
func (t *Tx) Now() time.Time { return t.now }

func (t *Tx) Account(id string) (*model.Account, error) {
	account, err := t.ledger.accounts.Get(t.ctx, t.db, id)
	if errors.Is(err, repository.ErrAccountNotFound) {
		return nil, ErrAccountNotFound
	}
	return account, err
}

// AccountByWallet 在事务内按钱包查账户
func (t *Tx) AccountByWallet(wallet string) (*model.Account, error) {
	account, err := t.ledger.accounts.GetByWallet(t.ctx, t.db, wallet)
	if errors.Is(err, repository.ErrAccountNotFound) {
		return nil, ErrAccountNotFound
	}
	return account, err
}

// Credit 入账，amount 不能为负；返回入账后余额
func (t *Tx) Credit(id string, amount int64, reason, correlatedID string) (int64, error) {
	if amount < 0 {
		return 0, ErrInvalidAmount
	}
	return t.apply(id, amount, reason, correlatedID)
}

// Debit 出账，余额不足返回 ErrInsufficientFunds；返回出账后余额
func (t *Tx) Debit(id string, amount int64, reason, correlatedID string) (int64, error) {
	if amount < 0 {
		return 0, ErrInvalidAmount
	}
	return t.apply(id, -amount, reason, correlatedID)
}

func (t *Tx) apply(id string, delta int64, reason, correlatedID string) (int64, error) {
	if _, ok := t.locked[id]; !ok {
		return 0, fmt.Errorf("%w: %s", ErrAccountNotLocked, id)
	}

	account, err := t.ledger.accounts.Apply(t.ctx, t.db, id, delta)
	switch {
	case errors.Is(err, repository.ErrAccountNotFound):
		return 0, ErrAccountNotFound
	case errors.Is(err, repository.ErrBalanceNotEnough):
		return 0, ErrInsufficientFunds
	case errors.Is(err, repository.ErrBalanceOverflow):
		return 0, ErrBalanceOverflow
	case err != nil:
		return 0, fmt.Errorf("更新余额失败: %w", err)
	}

	entry := &model.LedgerEntry{
		EntryNo:          idgen.GenerateEntryNo(),
		AccountID:        id,
		Sequence:         account.Sequence,
		Delta:            delta,
		ResultingBalance: account.Balance,
		Reason:           reason,
		CorrelatedID:     correlatedID,
		CreatedAt:        t.now,
	}
	if err := t.ledger.entries.Create(t.ctx, t.db, entry); err != nil {
		return 0, fmt.Errorf("写入流水失败: %w", err)
	}
	t.reasons = append(t.reasons, reason)
	return account.Balance, nil
}

// Notify 把出站通知写入 outbox，与本事务一同提交
func (t *Tx) Notify(recipient, command string, payload any) error {
	env, err := protocol.NewEnvelope(t.ledger.agentID, command, payload, t.now)
	if err != nil {
		return err
	}
	return t.Enqueue(recipient, env)
}

// Enqueue 把构造好的消息写入 outbox
func (t *Tx) Enqueue(recipient string, env *protocol.Envelope) error {
	msg, err := protocol.OutboundEnvelope(recipient, env)
	if err != nil {
		return err
	}
	if err := t.ledger.outbox.Create(t.ctx, t.db, msg); err != nil {
		return fmt.Errorf("写入 outbox 失败: %w", err)
	}
	return nil
}
