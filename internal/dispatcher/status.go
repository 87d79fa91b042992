package dispatcher

import (
	"errors"

	"transactai/internal/escrow"
	"transactai/internal/ledger"
	"transactai/internal/protocol"
	"transactai/internal/reconciler"
)

var statusTable = []struct {
	err    error
	status protocol.Status
}{
	{ledger.ErrInsufficientFunds, protocol.StatusInsufficientFunds},
	{ledger.ErrUnknownRecipient, protocol.StatusUnknownRecipient},
	{ledger.ErrAccountNotFound, protocol.StatusNotRegistered},
	{ledger.ErrInvalidAmount, protocol.StatusInvalidRequest},
	{ledger.ErrSelfTransfer, protocol.StatusInvalidRequest},
	{ledger.ErrBalanceOverflow, protocol.StatusInvalidRequest},
	{ledger.ErrWalletAlreadyLinked, protocol.StatusWalletAlreadyLinked},
	{ledger.ErrWalletInUse, protocol.StatusWalletAlreadyLinked},

	{escrow.ErrInvalidEscrowState, protocol.StatusInvalidEscrowState},
	{escrow.ErrUnauthorized, protocol.StatusUnauthorized},
	{escrow.ErrEscrowNotFound, protocol.StatusEscrowNotFound},
	{escrow.ErrInvalidTTL, protocol.StatusInvalidRequest},

	{reconciler.ErrInvalidWallet, protocol.StatusInvalidWallet},
	{reconciler.ErrWalletNotLinked, protocol.StatusInvalidWallet},
	{reconciler.ErrDepositNotOwned, protocol.StatusUnauthorized},
	{reconciler.ErrDepositMismatch, protocol.StatusInvalidRequest},
	{reconciler.ErrUnknownDenom, protocol.StatusInvalidRequest},
	{reconciler.ErrAmountOverflow, protocol.StatusInvalidRequest},
	{reconciler.ErrInexactAmount, protocol.StatusInvalidRequest},
	{reconciler.ErrWithdrawalFailed, protocol.StatusWithdrawalFailed},
	{reconciler.ErrWithdrawalNotFound, protocol.StatusInvalidRequest},

	{protocol.ErrUnknownCommand, protocol.StatusUnknownCommand},
	{protocol.ErrMalformedPayload, protocol.StatusInvalidRequest},
	{protocol.ErrInvalidEnvelope, protocol.StatusInvalidRequest},
	{errRateLimited, protocol.StatusRateLimited},
	{errUntrustedPeer, protocol.StatusUnauthorized},
	{errPendingConfirmation, protocol.StatusPendingConfirmation},
}

// StatusOf 把操作错误映射为协议状态：nil 为 ok，无法识别的为 internal_error
func StatusOf(err error) protocol.Status {
	if err == nil {
		return protocol.StatusOK
	}
	for _, row := range statusTable {
		if errors.Is(err, row.err) {
			return row.status
		}
	}
	return protocol.StatusInternalError
}
