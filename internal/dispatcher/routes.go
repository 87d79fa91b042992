package dispatcher

import (
	"context"
	"log/slog"
	"math"
	"time"

	"transactai/internal/escrow"
	"transactai/internal/ledger"
	"transactai/internal/model"
	"transactai/internal/protocol"
	"transactai/internal/reconciler"
)

const (
	healthHealthy   = "healthy"
	healthUnhealthy = "unhealthy"
)

// 超过此值换算成 time.Duration 会溢出
const maxExpirationSeconds = math.MaxInt64 / int64(time.Second)

// route 解码消息并执行命令
// 出错时 data 也可能有值，例如退款后的余额或待确认的充值
func (d *Dispatcher) route(ctx context.Context, env *protocol.Envelope) (any, bool, error) {
	cmd, err := protocol.Decode(env)
	if err != nil {
		return nil, false, err
	}
	sender := env.Sender

	switch c := cmd.(type) {
	case *protocol.Register:
		account, _, err := d.ledger.Register(ctx, sender)
		if err != nil {
			return nil, false, err
		}
		return protocol.BalanceData{Balance: account.Balance}, false, nil
	case *protocol.Health:
		return d.health(ctx), false, nil
	case *protocol.WithdrawalResult:
		return d.withdrawalResult(ctx, sender, c)
	}

	// 其余命令要求发送方已注册
	if _, err := d.ledger.Account(ctx, sender); err != nil {
		return nil, false, err
	}

	switch c := cmd.(type) {
	case *protocol.RegisterWallet:
		wallet, err := d.reconciler.NormalizeWallet(c.WalletAddress)
		if err != nil {
			return nil, false, err
		}
		if err := d.ledger.LinkWallet(ctx, sender, wallet); err != nil {
			return nil, false, err
		}
		return protocol.WalletData{WalletAddress: wallet}, false, nil

	case *protocol.Balance:
		d.sweepExpired(ctx)
		balance, err := d.ledger.Balance(ctx, sender)
		if err != nil {
			return nil, false, err
		}
		return protocol.BalanceData{Balance: balance}, false, nil

	case *protocol.Payment:
		res, err := d.ledger.Transfer(ctx, ledger.TransferRequest{
			RequestID: requestID(env),
			From:      sender,
			To:        c.Recipient,
			Amount:    c.Amount,
			Reference: c.Reference,
		})
		if err != nil {
			return nil, false, err
		}
		return protocol.PaymentData{Recipient: res.Recipient, Amount: res.Amount, Balance: res.Balance}, res.Replayed, nil

	case *protocol.CreateEscrow:
		if c.ExpirationSeconds < 0 || c.ExpirationSeconds > maxExpirationSeconds {
			return nil, false, escrow.ErrInvalidTTL
		}
		e, replayed, err := d.escrows.Create(ctx, escrow.CreateRequest{
			RequestID: requestID(env),
			Payer:     sender,
			Payee:     c.Recipient,
			Amount:    c.Amount,
			Reference: c.Reference,
			TTL:       time.Duration(c.ExpirationSeconds) * time.Second,
		})
		if err != nil {
			return nil, false, err
		}
		return protocol.EscrowData{EscrowID: e.ID, Recipient: e.PayeeID, Amount: e.Amount, ExpiresAt: e.ExpiresAt}, replayed, nil

	case *protocol.ReleaseEscrow:
		e, err := d.escrows.Release(ctx, c.EscrowID, sender)
		return escrowResolution(e), false, err

	case *protocol.RefundEscrow:
		e, err := d.escrows.Refund(ctx, c.EscrowID, sender)
		return escrowResolution(e), false, err

	case *protocol.Deposit:
		out, err := d.reconciler.ClaimDeposit(ctx, sender, c.TxHash, c.Amount, c.Denom)
		if err != nil {
			return nil, false, err
		}
		data := protocol.DepositData{TxHash: out.TxHash, Balance: out.Balance}
		if !out.Confirmed() {
			data.Confirmations, data.RequiredConfirmations = out.Confirmations, out.RequiredConfirmations
			return data, false, errPendingConfirmation
		}
		return data, false, nil

	case *protocol.Withdraw:
		wallet := c.WalletAddress
		if wallet == "" {
			account, err := d.ledger.Account(ctx, sender)
			if err != nil {
				return nil, false, err
			}
			if wallet = account.Wallet(); wallet == "" {
				return nil, false, reconciler.ErrWalletNotLinked
			}
		}
		out, err := d.reconciler.RequestWithdrawal(ctx, reconciler.WithdrawalRequest{
			RequestID: requestID(env),
			AccountID: sender,
			Amount:    c.Amount,
			Denom:     c.Denom,
			Wallet:    wallet,
		})
		if out == nil {
			return nil, false, err
		}
		return withdrawData(out), out.Replayed, err

	case *protocol.History:
		d.sweepExpired(ctx)
		entries, err := d.ledger.History(ctx, sender, c.Limit)
		if err != nil {
			return nil, false, err
		}
		data := protocol.HistoryData{Entries: make([]protocol.HistoryEntry, 0, len(entries))}
		for _, e := range entries {
			data.Entries = append(data.Entries, protocol.HistoryEntry{
				Sequence:         e.Sequence,
				Delta:            e.Delta,
				ResultingBalance: e.ResultingBalance,
				Reason:           e.Reason,
				CorrelatedID:     e.CorrelatedID,
				Timestamp:        e.CreatedAt,
			})
		}
		return data, false, nil
	}

	return nil, false, protocol.ErrUnknownCommand
}

func (d *Dispatcher) withdrawalResult(ctx context.Context, sender string, c *protocol.WithdrawalResult) (any, bool, error) {
	if d.cfg.TrustedWalletPeer == "" || sender != d.cfg.TrustedWalletPeer {
		return nil, false, errUntrustedPeer
	}
	out, err := d.reconciler.ResolveWithdrawal(ctx, c.WithdrawalID, c.TxHash, c.Success, c.Reason)
	if err != nil {
		return nil, false, err
	}
	return withdrawData(out), false, nil
}

func (d *Dispatcher) health(ctx context.Context) protocol.HealthData {
	sqlDB, err := d.db.DB()
	if err == nil {
		ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		err = sqlDB.PingContext(ctx)
	}
	if err != nil {
		d.log.Warn("健康检查失败", slog.Any("err", err))
		return protocol.HealthData{Status: healthUnhealthy}
	}
	return protocol.HealthData{Status: healthHealthy}
}

// sweepExpired 读余额前顺带清理到期托管，让付款方尽快看到退款
func (d *Dispatcher) sweepExpired(ctx context.Context) {
	if _, err := d.escrows.ExpireSweep(ctx, d.ledger.Now()); err != nil {
		d.log.Warn("顺带清理到期托管单失败", slog.Any("err", err))
	}
}

func escrowResolution(e *model.Escrow) any {
	if e == nil {
		return nil
	}
	return protocol.EscrowResolutionData{EscrowID: e.ID, Status: e.State}
}

func withdrawData(out *reconciler.WithdrawalOutcome) protocol.WithdrawData {
	return protocol.WithdrawData{
		WithdrawalID: out.Withdrawal.ID,
		TxHash:       out.Withdrawal.TxHash,
		Balance:      out.Balance,
		Status:       out.Withdrawal.Status,
	}
}
