package reconciler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"transactai/internal/infrastructure/lock"
	"transactai/internal/ledger"
	"transactai/internal/metrics"
	"transactai/internal/model"

	"github.com/cenkalti/backoff/v4"
)

// DepositOutcome 一次观察之后充值单的状态
type DepositOutcome struct {
	TxHash                string
	Status                string
	Reason                string
	AccountID             string
	Amount                int64
	Confirmations         int
	RequiredConfirmations int
	// Credited 表示本次观察完成了入账
	Credited bool
	// Balance 只在入账账户已知时有意义
	Balance int64
}

func (o *DepositOutcome) Confirmed() bool {
	return o.Status == model.DepositStatusConfirmed
}

// ObserveDeposit 处理扫描器推送的一次观察
//
// 按 tx_hash 幂等：首次观察落库为 PENDING；确认数达标且钱包已绑定账户时，
// 在同一事务内把记录 CAS 到 CONFIRMED 并入账一次。已 CONFIRMED 的重复投递不做任何变更。
func (r *Reconciler) ObserveDeposit(ctx context.Context, obs Observation) (*DepositOutcome, error) {
	if obs.TxHash == "" {
		return nil, fmt.Errorf("%w: 交易哈希为空", ErrDepositMismatch)
	}
	if obs.Amount <= 0 {
		return nil, ledger.ErrInvalidAmount
	}
	denom, err := r.denoms.Resolve(obs.Denom)
	if err != nil {
		return nil, err
	}
	units, err := r.denoms.ToUnit(obs.Amount, denom)
	if err != nil {
		return nil, err
	}
	wallet := obs.Wallet
	if normalized, err := r.wallets.Normalize(wallet); err == nil {
		wallet = normalized
	}

	existing, err := r.deposits.Get(ctx, nil, obs.TxHash)
	if err != nil {
		return nil, fmt.Errorf("查询充值记录失败: %w", err)
	}
	if existing != nil && existing.Status != model.DepositStatusPending {
		metrics.DepositObserved("duplicate")
		return r.outcome(ctx, existing)
	}
	if existing != nil {
		wallet = existing.TargetWallet
	}

	// 钱包绑定一经设置不可变，锁外解析是安全的
	var accountID string
	account, err := r.ledger.AccountByWallet(ctx, wallet)
	switch {
	case err == nil:
		accountID = account.ID
	case !errors.Is(err, ledger.ErrAccountNotFound):
		return nil, err
	}

	scope := ledger.Scope{Keys: []string{lock.DepositKey(obs.TxHash)}}
	if accountID != "" {
		scope.Accounts = []string{accountID}
	}

	var out *DepositOutcome
	err = r.ledger.Atomically(ctx, scope, func(tx *ledger.Tx) error {
		dep, err := r.deposits.Get(ctx, tx.DB(), obs.TxHash)
		if err != nil {
			return err
		}
		if dep == nil {
			dep = &model.PendingDeposit{
				TxHash:                obs.TxHash,
				TargetWallet:          wallet,
				Amount:                units,
				Denom:                 denom,
				Confirmations:         obs.Confirmations,
				RequiredConfirmations: r.requiredFor(denom),
				Status:                model.DepositStatusPending,
				StatusReason:          model.DepositReasonAwaitingConfirmations,
				CreatedAt:             tx.Now(),
				UpdatedAt:             tx.Now(),
			}
			if err := r.deposits.Create(ctx, tx.DB(), dep); err != nil {
				return fmt.Errorf("创建充值记录失败: %w", err)
			}
		} else if dep.Amount != units || dep.Denom != denom {
			r.log.Warn("充值再次出现但金额不同，保留首次观察",
				slog.String("tx_hash", dep.TxHash),
				slog.Int64("stored", dep.Amount),
				slog.Int64("observed", units))
		}

		if dep.Status != model.DepositStatusPending {
			out = &DepositOutcome{TxHash: dep.TxHash, Status: dep.Status, AccountID: dep.CreditedAccountID,
				Amount: dep.Amount, Confirmations: dep.Confirmations, RequiredConfirmations: dep.RequiredConfirmations}
			return nil
		}

		confirmations := dep.Confirmations
		if obs.Confirmations > confirmations {
			confirmations = obs.Confirmations
		}
		out = &DepositOutcome{
			TxHash:                dep.TxHash,
			Status:                model.DepositStatusPending,
			AccountID:             accountID,
			Amount:                dep.Amount,
			Confirmations:         confirmations,
			RequiredConfirmations: dep.RequiredConfirmations,
		}

		switch {
		case confirmations < dep.RequiredConfirmations:
			out.Reason = model.DepositReasonAwaitingConfirmations
			return r.deposits.UpdateObservation(ctx, tx.DB(), dep.TxHash, confirmations, out.Reason)
		case accountID == "":
			out.Reason = model.DepositReasonUnregisteredWallet
			return r.deposits.UpdateObservation(ctx, tx.DB(), dep.TxHash, confirmations, out.Reason)
		}

		if err := r.deposits.MarkConfirmed(ctx, tx.DB(), dep.TxHash, accountID, confirmations, tx.Now()); err != nil {
			return fmt.Errorf("确认充值失败: %w", err)
		}
		balance, err := tx.Credit(accountID, dep.Amount, model.ReasonDeposit, dep.TxHash)
		if err != nil {
			return err
		}
		out.Status, out.Credited, out.Balance = model.DepositStatusConfirmed, true, balance
		return nil
	})
	if err != nil {
		return nil, err
	}

	switch {
	case out.Credited:
		metrics.DepositObserved("credited")
		r.log.Info("充值已入账",
			slog.String("tx_hash", out.TxHash),
			slog.String("account", out.AccountID),
			slog.Int64("amount", out.Amount))
	case out.Reason != "":
		metrics.DepositObserved(out.Reason)
	default:
		metrics.DepositObserved("duplicate")
	}
	if !out.Credited && out.AccountID != "" {
		if out.Balance, err = r.ledger.Balance(ctx, out.AccountID); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// ClaimDeposit 账户主动报告一笔充值
//
// 未见过或仍在等待确认的交易会通过扫描器按需查询一次链上状态。
// 交易必须打到请求方绑定的钱包上。
func (r *Reconciler) ClaimDeposit(ctx context.Context, accountID, txHash string, amount int64, denom string) (*DepositOutcome, error) {
	account, err := r.ledger.Account(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if account.Wallet() == "" {
		return nil, ErrWalletNotLinked
	}
	if txHash == "" {
		return nil, fmt.Errorf("%w: 交易哈希为空", ErrDepositMismatch)
	}

	dep, err := r.deposits.Get(ctx, nil, txHash)
	if err != nil {
		return nil, err
	}
	if (dep == nil || dep.Status == model.DepositStatusPending) && r.scanner != nil {
		obs, err := r.scanner.Lookup(ctx, txHash)
		switch {
		case err == nil:
			if _, err := r.ObserveDeposit(ctx, *obs); err != nil {
				return nil, err
			}
		case errors.Is(err, ErrTxNotFound):
		default:
			r.log.Warn("链上查询失败", slog.String("tx_hash", txHash), slog.Any("err", err))
		}
		if dep, err = r.deposits.Get(ctx, nil, txHash); err != nil {
			return nil, err
		}
	}

	if dep == nil {
		return &DepositOutcome{
			TxHash:                txHash,
			Status:                model.DepositStatusPending,
			Reason:                model.DepositReasonAwaitingConfirmations,
			AccountID:             accountID,
			RequiredConfirmations: r.requiredFor(denomOrUnit(r.denoms, denom)),
			Balance:               account.Balance,
		}, nil
	}

	if dep.TargetWallet != account.Wallet() {
		return nil, ErrDepositNotOwned
	}
	if amount > 0 {
		claimed, err := r.denoms.ToUnit(amount, denom)
		if err != nil {
			return nil, err
		}
		if claimed != dep.Amount {
			return nil, fmt.Errorf("%w: 声明 %d, 链上 %d", ErrDepositMismatch, claimed, dep.Amount)
		}
	}
	return r.outcome(ctx, dep)
}

func (r *Reconciler) outcome(ctx context.Context, dep *model.PendingDeposit) (*DepositOutcome, error) {
	out := &DepositOutcome{
		TxHash:                dep.TxHash,
		Status:                dep.Status,
		Reason:                dep.StatusReason,
		AccountID:             dep.CreditedAccountID,
		Amount:                dep.Amount,
		Confirmations:         dep.Confirmations,
		RequiredConfirmations: dep.RequiredConfirmations,
	}
	if out.AccountID == "" {
		if account, err := r.ledger.AccountByWallet(ctx, dep.TargetWallet); err == nil {
			out.AccountID = account.ID
		}
	}
	if out.AccountID != "" {
		balance, err := r.ledger.Balance(ctx, out.AccountID)
		if err != nil {
			return nil, err
		}
		out.Balance = balance
	}
	return out, nil
}

func denomOrUnit(d *Denominations, denom string) string {
	if resolved, err := d.Resolve(denom); err == nil {
		return resolved
	}
	return d.Unit()
}

// HandleDepositMessage 解析扫描器推送的一条充值记录并观察入账
//
// 消息本身无效（无法解析、面额未知、金额非法）时返回 backoff.Permanent，
// 消费方跳过；数据库或锁之类的临时故障原样返回，由消费方重试。
func (r *Reconciler) HandleDepositMessage(ctx context.Context, value []byte) error {
	var obs Observation
	if err := json.Unmarshal(value, &obs); err != nil {
		return backoff.Permanent(fmt.Errorf("解析充值消息失败: %w", err))
	}
	_, err := r.ObserveDeposit(ctx, obs)
	if isInvalidObservation(err) {
		return backoff.Permanent(err)
	}
	return err
}

func isInvalidObservation(err error) bool {
	for _, target := range []error{
		ErrUnknownDenom, ErrAmountOverflow, ErrInexactAmount, ErrInvalidWallet, ErrDepositMismatch,
		ledger.ErrInvalidAmount, ledger.ErrBalanceOverflow,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
