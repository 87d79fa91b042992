package reconciler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"transactai/internal/infrastructure/lock"
	"transactai/internal/ledger"
	"transactai/internal/metrics"
	"transactai/internal/model"
	"transactai/internal/protocol"
	"transactai/internal/repository"
	"transactai/pkg/idgen"

	"github.com/cenkalti/backoff/v4"
)

const monitorBatch = 50

type WithdrawalRequest struct {
	RequestID string
	AccountID string
	// Amount 以 Denom 计
	Amount int64
	Denom  string
	Wallet string
}

// WithdrawalOutcome 提现单状态及调用后的账户余额
type WithdrawalOutcome struct {
	Withdrawal *model.WithdrawalRequest
	Balance    int64
	Replayed   bool
}

// RequestWithdrawal 预留资金并提交广播
//
// 资金在 RESERVED 时即扣减；提交在重试预算内仍失败则退回，状态 FAILED_REFUNDED，
// 此时返回 ErrWithdrawalFailed 以及退款后的余额。
func (r *Reconciler) RequestWithdrawal(ctx context.Context, req WithdrawalRequest) (*WithdrawalOutcome, error) {
	out, err := r.Reserve(ctx, req)
	if err != nil || out.Replayed {
		return out, err
	}
	return r.Submit(ctx, out.Withdrawal.ID)
}

// Reserve 扣减余额并创建 RESERVED 提现单，按 RequestID 幂等
func (r *Reconciler) Reserve(ctx context.Context, req WithdrawalRequest) (*WithdrawalOutcome, error) {
	if req.Amount <= 0 {
		return nil, ledger.ErrInvalidAmount
	}
	wallet, err := r.wallets.Normalize(req.Wallet)
	if err != nil {
		return nil, err
	}
	denom, err := r.denoms.Resolve(req.Denom)
	if err != nil {
		return nil, err
	}
	units, err := r.denoms.ToUnit(req.Amount, denom)
	if err != nil {
		return nil, err
	}
	if r.broadcaster == nil {
		return nil, ErrBroadcasterDisabled
	}

	out := &WithdrawalOutcome{}
	err = r.ledger.Atomically(ctx, ledger.Scope{Accounts: []string{req.AccountID}}, func(tx *ledger.Tx) error {
		if req.RequestID != "" {
			existing, err := r.withdrawals.GetByRequestID(ctx, tx.DB(), req.RequestID)
			if err != nil {
				return fmt.Errorf("查询提现单失败: %w", err)
			}
			if existing != nil {
				account, err := tx.Account(req.AccountID)
				if err != nil {
					return err
				}
				out.Withdrawal, out.Balance, out.Replayed = existing, account.Balance, true
				return nil
			}
		}

		id := idgen.GenerateWithdrawalID()
		balance, err := tx.Debit(req.AccountID, units, model.ReasonWithdrawal, id)
		if err != nil {
			return err
		}

		requestID := req.RequestID
		if requestID == "" {
			requestID = id
		}
		w := &model.WithdrawalRequest{
			ID:           id,
			RequestID:    requestID,
			AccountID:    req.AccountID,
			Amount:       units,
			TargetWallet: wallet,
			Denom:        denom,
			Status:       model.WithdrawalStatusReserved,
			CreatedAt:    tx.Now(),
			UpdatedAt:    tx.Now(),
		}
		if err := r.withdrawals.Create(ctx, tx.DB(), w); err != nil {
			return fmt.Errorf("创建提现单失败: %w", err)
		}
		out.Withdrawal, out.Balance = w, balance
		return nil
	})
	if err != nil {
		return nil, err
	}

	if !out.Replayed {
		metrics.WithdrawalStatus(model.WithdrawalStatusReserved)
		r.log.Info("提现已扣款",
			slog.String("withdrawal", out.Withdrawal.ID),
			slog.String("account", req.AccountID),
			slog.Int64("amount", out.Withdrawal.Amount))
	}
	return out, nil
}

// Submit 在重试预算内把 RESERVED 提现单交给广播服务
func (r *Reconciler) Submit(ctx context.Context, id string) (*WithdrawalOutcome, error) {
	w, err := r.getWithdrawal(ctx, id)
	if err != nil {
		return nil, err
	}
	if w.Status != model.WithdrawalStatusReserved {
		return r.withdrawalOutcome(ctx, w)
	}

	amount, err := r.denoms.FromUnit(w.Amount, w.Denom)
	if err != nil {
		return r.fail(ctx, w, err.Error())
	}
	req := SubmitRequest{WithdrawalID: w.ID, Wallet: w.TargetWallet, Amount: amount, Denom: w.Denom}

	var txHash string
	operation := func() error {
		hash, err := r.broadcaster.Submit(ctx, req)
		if err == nil {
			txHash = hash
			return nil
		}
		if recErr := r.withdrawals.RecordAttempt(ctx, w.ID, model.WithdrawalStatusReserved, err.Error()); recErr != nil {
			r.log.Warn("记录提现尝试失败", slog.String("withdrawal", w.ID), slog.Any("err", recErr))
		}
		if errors.Is(err, ErrBroadcastRejected) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		r.log.Warn("提现提交失败，重试中",
			slog.String("withdrawal", w.ID),
			slog.Duration("wait", wait),
			slog.Any("err", err))
	}

	if err := backoff.RetryNotify(operation, backoff.WithContext(r.newBackOff(), ctx), notify); err != nil {
		return r.fail(ctx, w, err.Error())
	}

	err = r.withdrawals.UpdateStatus(ctx, nil, w.ID, model.WithdrawalStatusReserved, model.WithdrawalStatusSubmitted,
		map[string]interface{}{"tx_hash": txHash})
	switch {
	case errors.Is(err, repository.ErrStatusConflict):
		// 提交期间已被其他路径终结
	case err != nil:
		return nil, fmt.Errorf("更新提现状态失败: %w", err)
	default:
		metrics.WithdrawalStatus(model.WithdrawalStatusSubmitted)
		r.log.Info("提现已提交", slog.String("withdrawal", w.ID), slog.String("tx_hash", txHash))
	}

	w, err = r.getWithdrawal(ctx, id)
	if err != nil {
		return nil, err
	}
	return r.withdrawalOutcome(ctx, w)
}

// ResolveWithdrawal 处理广播服务报告的最终结果
//
// 成功：SUBMITTED -> CONFIRMED，余额不再变动。
// 失败：RESERVED|SUBMITTED -> FAILED_REFUNDED，原额退回且只退一次。
// 已终结的提现单重复报告时原样返回。
func (r *Reconciler) ResolveWithdrawal(ctx context.Context, id, txHash string, success bool, reason string) (*WithdrawalOutcome, error) {
	var (
		w   *model.WithdrawalRequest
		err error
	)
	if id != "" {
		w, err = r.getWithdrawal(ctx, id)
	} else {
		w, err = r.withdrawals.GetByTxHash(ctx, txHash)
		if errors.Is(err, repository.ErrWithdrawalNotFound) {
			err = ErrWithdrawalNotFound
		}
	}
	if err != nil {
		return nil, err
	}

	if !success {
		if reason == "" {
			reason = "broadcast failed"
		}
		out, err := r.fail(ctx, w, reason)
		if errors.Is(err, ErrWithdrawalFailed) {
			return out, nil
		}
		return out, err
	}

	if txHash == "" {
		txHash = w.TxHash
	}
	at := r.ledger.Now().UTC()
	err = r.ledger.Atomically(ctx, ledger.Scope{Accounts: []string{w.AccountID}, Keys: []string{lock.WithdrawalKey(w.ID)}}, func(tx *ledger.Tx) error {
		err := r.withdrawals.UpdateStatus(ctx, tx.DB(), w.ID, model.WithdrawalStatusSubmitted, model.WithdrawalStatusConfirmed,
			map[string]interface{}{"tx_hash": txHash, "resolved_at": &at})
		if err != nil {
			return err
		}
		return tx.Notify(w.AccountID, protocol.NotifyWithdrawal, protocol.WithdrawalUpdate{
			WithdrawalID: w.ID,
			Status:       model.WithdrawalStatusConfirmed,
			TxHash:       txHash,
			Amount:       w.Amount,
		})
	})
	switch {
	case err == nil:
		metrics.WithdrawalStatus(model.WithdrawalStatusConfirmed)
		r.log.Info("提现已确认", slog.String("withdrawal", w.ID), slog.String("tx_hash", txHash))
	case errors.Is(err, repository.ErrStatusConflict), errors.Is(err, repository.ErrInvalidTransition):
		// 重复报告或已终结
	default:
		return nil, err
	}

	if w, err = r.getWithdrawal(ctx, w.ID); err != nil {
		return nil, err
	}
	return r.withdrawalOutcome(ctx, w)
}

// MonitorWithdrawals 补偿任务的一轮
//
//   - RESERVED 超过提交预算仍未推进的（进程在提交中途退出），重新提交
//   - SUBMITTED 的向广播服务查询结果
//   - 超过 ConfirmTimeout 仍未确认的，按失败退款
func (r *Reconciler) MonitorWithdrawals(ctx context.Context) {
	if r.broadcaster == nil {
		return
	}
	now := r.ledger.Now()

	stale, err := r.withdrawals.ListByStatus(ctx, model.WithdrawalStatusReserved, now.Add(-2*r.cfg.SubmitBudget), monitorBatch)
	if err != nil {
		r.log.Error("查询待提交提现单失败", slog.Any("err", err))
	}
	for _, w := range stale {
		if _, err := r.Submit(ctx, w.ID); err != nil && !errors.Is(err, ErrWithdrawalFailed) {
			r.log.Error("重新提交提现失败", slog.String("withdrawal", w.ID), slog.Any("err", err))
		}
	}

	submitted, err := r.withdrawals.ListByStatus(ctx, model.WithdrawalStatusSubmitted, now, monitorBatch)
	if err != nil {
		r.log.Error("查询已提交提现单失败", slog.Any("err", err))
		return
	}
	for _, w := range submitted {
		r.checkSubmitted(ctx, w, now)
	}
}

func (r *Reconciler) checkSubmitted(ctx context.Context, w *model.WithdrawalRequest, now time.Time) {
	status, err := r.broadcaster.Status(ctx, w.ID)
	if err != nil {
		r.log.Warn("查询广播状态失败", slog.String("withdrawal", w.ID), slog.Any("err", err))
		status = &BroadcastStatus{State: BroadcastPending}
	}

	switch status.State {
	case BroadcastConfirmed:
		_, err = r.ResolveWithdrawal(ctx, w.ID, status.TxHash, true, "")
	case BroadcastFailed:
		_, err = r.ResolveWithdrawal(ctx, w.ID, status.TxHash, false, status.Reason)
	default:
		if r.cfg.ConfirmTimeout > 0 && now.Sub(w.CreatedAt) > r.cfg.ConfirmTimeout {
			_, err = r.ResolveWithdrawal(ctx, w.ID, "", false, "confirmation timeout")
		}
	}
	if err != nil {
		r.log.Error("处理提现结果失败", slog.String("withdrawal", w.ID), slog.Any("err", err))
	}
}

// fail 退回预留资金：CAS 到 FAILED_REFUNDED 与入账在同一事务内，保证只退一次
func (r *Reconciler) fail(ctx context.Context, w *model.WithdrawalRequest, reason string) (*WithdrawalOutcome, error) {
	if len(reason) > 256 {
		reason = reason[:256]
	}
	refunded := false
	at := r.ledger.Now().UTC()
	err := r.ledger.Atomically(ctx, ledger.Scope{Accounts: []string{w.AccountID}, Keys: []string{lock.WithdrawalKey(w.ID)}}, func(tx *ledger.Tx) error {
		current, err := r.withdrawals.Get(ctx, tx.DB(), w.ID)
		if err != nil {
			return err
		}
		if !model.CanWithdrawalTransitionTo(current.Status, model.WithdrawalStatusFailedRefunded) {
			return nil
		}
		err = r.withdrawals.UpdateStatus(ctx, tx.DB(), w.ID, current.Status, model.WithdrawalStatusFailedRefunded,
			map[string]interface{}{"failure_reason": reason, "resolved_at": &at})
		if err != nil {
			return err
		}
		if _, err := tx.Credit(w.AccountID, current.Amount, model.ReasonWithdrawal, w.ID); err != nil {
			return err
		}
		refunded = true
		return tx.Notify(w.AccountID, protocol.NotifyWithdrawal, protocol.WithdrawalUpdate{
			WithdrawalID: w.ID,
			Status:       model.WithdrawalStatusFailedRefunded,
			Amount:       current.Amount,
			Reason:       reason,
		})
	})
	if err != nil {
		return nil, fmt.Errorf("退回提现资金失败: %w", err)
	}
	if refunded {
		metrics.WithdrawalStatus(model.WithdrawalStatusFailedRefunded)
		r.log.Warn("提现已退款", slog.String("withdrawal", w.ID), slog.String("reason", reason))
	}

	latest, err := r.getWithdrawal(ctx, w.ID)
	if err != nil {
		return nil, err
	}
	out, err := r.withdrawalOutcome(ctx, latest)
	if err != nil {
		return nil, err
	}
	if latest.Status == model.WithdrawalStatusFailedRefunded {
		return out, ErrWithdrawalFailed
	}
	return out, nil
}

func (r *Reconciler) getWithdrawal(ctx context.Context, id string) (*model.WithdrawalRequest, error) {
	w, err := r.withdrawals.Get(ctx, nil, id)
	if errors.Is(err, repository.ErrWithdrawalNotFound) {
		return nil, ErrWithdrawalNotFound
	}
	return w, err
}

func (r *Reconciler) withdrawalOutcome(ctx context.Context, w *model.WithdrawalRequest) (*WithdrawalOutcome, error) {
	balance, err := r.ledger.Balance(ctx, w.AccountID)
	if err != nil {
		return nil, err
	}
	return &WithdrawalOutcome{Withdrawal: w, Balance: balance}, nil
}
