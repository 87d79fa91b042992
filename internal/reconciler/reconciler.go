package reconciler

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"transactai/internal/ledger"
	"transactai/internal/repository"
	"transactai/pkg/logger"

	"github.com/cenkalti/backoff/v4"
	"gorm.io/gorm"
)

var (
	ErrTxNotFound          = errors.New("链上查不到该交易")
	ErrBroadcastRejected   = errors.New("广播被拒绝")
	ErrWithdrawalFailed    = errors.New("提现失败，资金已退回")
	ErrWithdrawalNotFound  = errors.New("提现单不存在")
	ErrDepositMismatch     = errors.New("充值声明与链上不符")
	ErrDepositNotOwned     = errors.New("充值属于其他钱包")
	ErrWalletNotLinked     = errors.New("账户未绑定钱包")
	ErrBroadcasterDisabled = errors.New("未配置广播服务")
)

// Observation 一次观察到的链上入账，同一笔交易可能多次出现；Amount 以 Denom 计
type Observation struct {
	TxHash        string `json:"tx_hash"`
	Wallet        string `json:"wallet_address"`
	Amount        int64  `json:"amount"`
	Denom         string `json:"denom"`
	Confirmations int    `json:"confirmations"`
}

// Scanner 按需查询链上交易，查不到时返回 ErrTxNotFound
type Scanner interface {
	Lookup(ctx context.Context, txHash string) (*Observation, error)
}

// SubmitRequest 请求钱包服务签名并广播转账
// WithdrawalID 是幂等键，同一个 id 重复提交不能重复打款
type SubmitRequest struct {
	WithdrawalID string `json:"withdrawal_id"`
	Wallet       string `json:"wallet_address"`
	Amount       int64  `json:"amount"`
	Denom        string `json:"denom"`
}

const (
	BroadcastPending   = "pending"
	BroadcastConfirmed = "confirmed"
	BroadcastFailed    = "failed"
)

type BroadcastStatus struct {
	State  string `json:"state"`
	TxHash string `json:"tx_hash"`
	Reason string `json:"reason"`
}

// Broadcaster 外部钱包广播服务；转账不可能成功时 Submit 返回包装了 ErrBroadcastRejected 的错误
type Broadcaster interface {
	Submit(ctx context.Context, req SubmitRequest) (txHash string, err error)
	Status(ctx context.Context, withdrawalID string) (*BroadcastStatus, error)
}

type Config struct {
	RequiredConfirmations int
	DenomConfirmations    map[string]int
	SubmitBudget          time.Duration
	ConfirmTimeout        time.Duration
}

// Reconciler 链上充值与提现对账
type Reconciler struct {
	ledger      *ledger.Ledger
	deposits    *repository.DepositRepository
	withdrawals *repository.WithdrawalRepository
	denoms      *Denominations
	wallets     *WalletValidator
	scanner     Scanner
	broadcaster Broadcaster
	cfg         Config
	newBackOff  func() backoff.BackOff
	log         *slog.Logger
}

type Option func(*Reconciler)

func WithScanner(s Scanner) Option {
	return func(r *Reconciler) { r.scanner = s }
}

func WithBroadcaster(b Broadcaster) Option {
	return func(r *Reconciler) { r.broadcaster = b }
}

// WithBackOff 替换提交重试策略
func WithBackOff(f func() backoff.BackOff) Option {
	return func(r *Reconciler) { r.newBackOff = f }
}

func WithLogger(log *slog.Logger) Option {
	return func(r *Reconciler) { r.log = log }
}

func New(l *ledger.Ledger, db *gorm.DB, denoms *Denominations, wallets *WalletValidator, cfg Config, opts ...Option) *Reconciler {
	if cfg.RequiredConfirmations < 1 {
		cfg.RequiredConfirmations = 1
	}
	if cfg.SubmitBudget <= 0 {
		cfg.SubmitBudget = 30 * time.Second
	}
	r := &Reconciler{
		ledger:      l,
		deposits:    repository.NewDepositRepository(db),
		withdrawals: repository.NewWithdrawalRepository(db),
		denoms:      denoms,
		wallets:     wallets,
		cfg:         cfg,
	}
	r.newBackOff = func() backoff.BackOff {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = 500 * time.Millisecond
		b.MaxInterval = 5 * time.Second
		b.MaxElapsedTime = r.cfg.SubmitBudget
		return b
	}
	for _, opt := range opts {
		opt(r)
	}
	r.log = logger.Component(r.log, "Reconciler")
	return r
}

// NormalizeWallet 校验对端提供的钱包地址
func (r *Reconciler) NormalizeWallet(addr string) (string, error) {
	return r.wallets.Normalize(addr)
}

func (r *Reconciler) requiredFor(denom string) int {
	if n, ok := r.cfg.DenomConfirmations[denom]; ok && n > 0 {
		return n
	}
	return r.cfg.RequiredConfirmations
}
