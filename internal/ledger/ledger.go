package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"transactai/internal/infrastructure/lock"
	"transactai/internal/metrics"
	"transactai/internal/model"
	"transactai/internal/protocol"
	"transactai/internal/repository"
	"transactai/pkg/idgen"
	"transactai/pkg/logger"

	"gorm.io/gorm"
)

var (
	ErrInsufficientFunds   = errors.New("余额不足")
	ErrAccountNotFound     = errors.New("账户不存在")
	ErrUnknownRecipient    = errors.New("收款方不存在")
	ErrInvalidAmount       = errors.New("金额必须为正数")
	ErrSelfTransfer        = errors.New("付款方和收款方不能相同")
	ErrWalletAlreadyLinked = errors.New("账户已绑定其他钱包")
	ErrWalletInUse         = errors.New("钱包已被其他账户绑定")
	ErrBalanceOverflow     = errors.New("余额超出上限")
	ErrAccountNotLocked    = errors.New("账户未在当前事务中加锁")
)

const maxHistory = 100

// Ledger 账本核心，唯一允许修改账户余额的组件
//
// 所有变更都在 Atomically 中完成：
//  1. 按全局顺序获取账户锁（以及调用方附加的资源锁）
//  2. 开启数据库事务，余额变更、流水、业务单据、出站通知同事务提交
//  3. 任一步失败整体回滚，不留下部分状态
type Ledger struct {
	db       *gorm.DB
	locker   lock.Locker
	agentID  string
	now      func() time.Time
	log      *slog.Logger
	accounts *repository.AccountRepository
	entries  *repository.EntryRepository
	payments *repository.PaymentRepository
	outbox   *repository.OutboxRepository
}

type Option func(*Ledger)

// WithClock 替换时钟，测试用
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

func WithLogger(log *slog.Logger) Option {
	return func(l *Ledger) { l.log = log }
}

func New(db *gorm.DB, locker lock.Locker, agentID string, opts ...Option) *Ledger {
	l := &Ledger{
		db:       db,
		locker:   locker,
		agentID:  agentID,
		now:      time.Now,
		accounts: repository.NewAccountRepository(db),
		entries:  repository.NewEntryRepository(db),
		payments: repository.NewPaymentRepository(db),
		outbox:   repository.NewOutboxRepository(db),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.log = logger.Component(l.log, "Ledger")
	return l
}

func (l *Ledger) AgentID() string { return l.agentID }

func (l *Ledger) Now() time.Time { return l.now() }

// Scope 一个原子单元需要的资源；账户 key 排序靠前，总是先于其他 key 加锁
type Scope struct {
	Accounts []string
	Keys     []string
}

// Atomically 持有 scope 的锁，在同一个数据库事务里执行 fn
func (l *Ledger) Atomically(ctx context.Context, scope Scope, fn func(tx *Tx) error) error {
	keys := make([]string, 0, len(scope.Accounts)+len(scope.Keys))
	locked := make(map[string]struct{}, len(scope.Accounts))
	for _, id := range scope.Accounts {
		keys = append(keys, lock.AccountKey(id))
		locked[id] = struct{}{}
	}
	keys = append(keys, scope.Keys...)

	unlock, err := l.locker.Lock(ctx, keys...)
	if err != nil {
		return fmt.Errorf("加锁失败: %w", err)
	}
	defer unlock()

	tx := &Tx{ctx: ctx, ledger: l, locked: locked, now: l.now().UTC()}
	err = l.db.WithContext(ctx).Transaction(func(gtx *gorm.DB) error {
		tx.db = gtx
		return fn(tx)
	})
	if err != nil {
		return err
	}
	for _, reason := range tx.reasons {
		metrics.LedgerEntry(reason)
	}
	return nil
}

// Register 首次 register 时创建 0 余额账户，重复调用返回已有账户
func (l *Ledger) Register(ctx context.Context, id string) (*model.Account, bool, error) {
	var (
		account *model.Account
		created bool
	)
	err := l.Atomically(ctx, Scope{Accounts: []string{id}}, func(tx *Tx) error {
		var err error
		account, created, err = l.accounts.GetOrCreate(ctx, tx.db, id)
		return err
	})
	if err != nil {
		return nil, false, err
	}
	if created {
		l.log.Info("账户已注册", slog.String("account", id))
	}
	return account, created, nil
}

// LinkWallet 绑定链上钱包，绑定后不可更改
func (l *Ledger) LinkWallet(ctx context.Context, id, wallet string) error {
	return l.Atomically(ctx, Scope{Accounts: []string{id}}, func(tx *Tx) error {
		err := l.accounts.LinkWallet(ctx, tx.db, id, wallet)
		switch {
		case errors.Is(err, repository.ErrAccountNotFound):
			return ErrAccountNotFound
		case errors.Is(err, repository.ErrWalletAlreadyLinked):
			return ErrWalletAlreadyLinked
		case errors.Is(err, repository.ErrWalletInUse):
			return ErrWalletInUse
		}
		return err
	})
}

func (l *Ledger) Account(ctx context.Context, id string) (*model.Account, error) {
	account, err := l.accounts.Get(ctx, nil, id)
	if errors.Is(err, repository.ErrAccountNotFound) {
		return nil, ErrAccountNotFound
	}
	return account, err
}

// AccountByWallet 按绑定的钱包地址查账户
func (l *Ledger) AccountByWallet(ctx context.Context, wallet string) (*model.Account, error) {
	account, err := l.accounts.GetByWallet(ctx, nil, wallet)
	if errors.Is(err, repository.ErrAccountNotFound) {
		return nil, ErrAccountNotFound
	}
	return account, err
}

func (l *Ledger) Balance(ctx context.Context, id string) (int64, error) {
	account, err := l.Account(ctx, id)
	if err != nil {
		return 0, err
	}
	return account.Balance, nil
}

// History 最近的流水，按账户序号倒序
func (l *Ledger) History(ctx context.Context, id string, limit int) ([]*model.LedgerEntry, error) {
	if _, err := l.Account(ctx, id); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > maxHistory {
		limit = maxHistory
	}
	return l.entries.ListByAccount(ctx, id, limit)
}

func (l *Ledger) Credit(ctx context.Context, id string, amount int64, reason, correlatedID string) (int64, error) {
	var balance int64
	err := l.Atomically(ctx, Scope{Accounts: []string{id}}, func(tx *Tx) error {
		var err error
		balance, err = tx.Credit(id, amount, reason, correlatedID)
		return err
	})
	return balance, err
}

func (l *Ledger) Debit(ctx context.Context, id string, amount int64, reason, correlatedID string) (int64, error) {
	var balance int64
	err := l.Atomically(ctx, Scope{Accounts: []string{id}}, func(tx *Tx) error {
		var err error
		balance, err = tx.Debit(id, amount, reason, correlatedID)
		return err
	})
	return balance, err
}

type TransferRequest struct {
	RequestID string
	From      string
	To        string
	Amount    int64
	Reference string
}

type TransferResult struct {
	PaymentNo string
	Recipient string
	Amount    int64
	// 付款方转账后的余额
	Balance  int64
	Replayed bool
}

// Transfer 付款方扣款与收款方入账作为一个原子单元，按 RequestID 幂等
func (l *Ledger) Transfer(ctx context.Context, req TransferRequest) (*TransferResult, error) {
	if req.Amount <= 0 {
		return nil, ErrInvalidAmount
	}
	if req.From == req.To {
		return nil, ErrSelfTransfer
	}

	var result *TransferResult
	err := l.Atomically(ctx, Scope{Accounts: []string{req.From, req.To}}, func(tx *Tx) error {
		if req.RequestID != "" {
			existing, err := l.payments.GetByRequestID(ctx, tx.db, req.RequestID)
			if err != nil {
				return fmt.Errorf("查询支付记录失败: %w", err)
			}
			if existing != nil {
				result, err = l.replayTransfer(tx, existing)
				return err
			}
		}

		if _, err := tx.Account(req.From); err != nil {
			return err
		}
		if _, err := tx.Account(req.To); err != nil {
			if errors.Is(err, ErrAccountNotFound) {
				return ErrUnknownRecipient
			}
			return err
		}

		paymentNo := idgen.GeneratePaymentNo()
		balance, err := tx.Debit(req.From, req.Amount, model.ReasonPayment, paymentNo)
		if err != nil {
			return err
		}
		if _, err := tx.Credit(req.To, req.Amount, model.ReasonPayment, paymentNo); err != nil {
			return err
		}

		requestID := req.RequestID
		if requestID == "" {
			requestID = paymentNo
		}
		payment := &model.Payment{
			PaymentNo: paymentNo,
			RequestID: requestID,
			PayerID:   req.From,
			PayeeID:   req.To,
			Amount:    req.Amount,
			Reference: req.Reference,
			CreatedAt: tx.now,
		}
		if err := l.payments.Create(ctx, tx.db, payment); err != nil {
			return fmt.Errorf("创建支付记录失败: %w", err)
		}

		if err := tx.Notify(req.To, protocol.NotifyPaymentReceived, protocol.PaymentReceived{
			PaymentID: payment.PaymentNo,
			Payer:     payment.PayerID,
			Amount:    payment.Amount,
			Reference: payment.Reference,
		}); err != nil {
			return err
		}

		result = &TransferResult{
			PaymentNo: paymentNo,
			Recipient: req.To,
			Amount:    req.Amount,
			Balance:   balance,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if !result.Replayed {
		l.log.Info("支付已入账",
			slog.String("payment", result.PaymentNo),
			slog.String("from", req.From),
			slog.String("to", req.To),
			slog.Int64("amount", req.Amount))
	}
	return result, nil
}

func (l *Ledger) replayTransfer(tx *Tx, p *model.Payment) (*TransferResult, error) {
	entry, err := l.entries.GetByCorrelation(tx.ctx, tx.db, p.PayerID, model.ReasonPayment, p.PaymentNo)
	if err != nil {
		return nil, err
	}
	if entry == nil {
		return nil, fmt.Errorf("支付 %s 缺少付款方流水", p.PaymentNo)
	}
	return &TransferResult{
		PaymentNo: p.PaymentNo,
		Recipient: p.PayeeID,
		Amount:    p.Amount,
		Balance:   entry.ResultingBalance,
		Replayed:  true,
	}, nil
}
