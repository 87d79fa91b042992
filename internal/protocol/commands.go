package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// 入站命令名
const (
	CmdRegister         = "register"
	CmdRegisterWallet   = "register_wallet"
	CmdBalance          = "balance"
	CmdPayment          = "payment"
	CmdEscrow           = "escrow"
	CmdReleaseEscrow    = "release_escrow"
	CmdRefundEscrow     = "refund_escrow"
	CmdDeposit          = "deposit"
	CmdWithdraw         = "withdraw"
	CmdHistory          = "history"
	CmdHealth           = "health"
	CmdWithdrawalResult = "withdrawal_result"
)

// 出站通知名
const (
	NotifyPaymentReceived = "payment_received"
	NotifyEscrowCreated   = "escrow_created"
	NotifyEscrowResolved  = "escrow_resolved"
	NotifyWithdrawal      = "withdrawal_update"
)

// ResponseCommand names the reply to an inbound command.
func ResponseCommand(command string) string {
	return command + "_response"
}

var (
	ErrUnknownCommand   = errors.New("unknown command")
	ErrMalformedPayload = errors.New("malformed payload")
)

// Command is the closed set of inbound commands. The dispatcher switches over
// the concrete types.
type Command interface {
	Name() string
}

type Register struct{}

type RegisterWallet struct {
	WalletAddress string `json:"wallet_address"`
}

type Balance struct{}

type Payment struct {
	Recipient string `json:"recipient"`
	Amount    int64  `json:"amount"`
	Reference string `json:"reference"`
}

type CreateEscrow struct {
	Recipient         string `json:"recipient"`
	Amount            int64  `json:"amount"`
	Reference         string `json:"reference"`
	ExpirationSeconds int64  `json:"expiration_seconds"`
}

type ReleaseEscrow struct {
	EscrowID string `json:"escrow_id"`
}

type RefundEscrow struct {
	EscrowID string `json:"escrow_id"`
}

// Deposit asks the ledger to look at an on-chain transfer. Amount is expressed in Denom.
type Deposit struct {
	TxHash string `json:"tx_hash"`
	Amount int64  `json:"amount"`
	Denom  string `json:"denom"`
}

// Withdraw amount is expressed in Denom; the ledger converts it to its unit of account.
type Withdraw struct {
	Amount        int64  `json:"amount"`
	WalletAddress string `json:"wallet_address"`
	Denom         string `json:"denom"`
}

type History struct {
	Limit int `json:"limit"`
}

type Health struct{}

// WithdrawalResult is reported by the wallet service once a broadcast settles.
type WithdrawalResult struct {
	WithdrawalID string `json:"withdrawal_id"`
	TxHash       string `json:"tx_hash"`
	Success      bool   `json:"success"`
	Reason       string `json:"reason"`
}

func (Register) Name() string         { return CmdRegister }
func (RegisterWallet) Name() string   { return CmdRegisterWallet }
func (Balance) Name() string          { return CmdBalance }
func (Payment) Name() string          { return CmdPayment }
func (CreateEscrow) Name() string     { return CmdEscrow }
func (ReleaseEscrow) Name() string    { return CmdReleaseEscrow }
func (RefundEscrow) Name() string     { return CmdRefundEscrow }
func (Deposit) Name() string          { return CmdDeposit }
func (Withdraw) Name() string         { return CmdWithdraw }
func (History) Name() string          { return CmdHistory }
func (Health) Name() string           { return CmdHealth }
func (WithdrawalResult) Name() string { return CmdWithdrawalResult }

// Decode 把信封解析为具体命令
func Decode(env *Envelope) (Command, error) {
	var cmd Command
	switch env.Command {
	case CmdRegister:
		cmd = &Register{}
	case CmdRegisterWallet:
		cmd = &RegisterWallet{}
	case CmdBalance:
		cmd = &Balance{}
	case CmdPayment:
		cmd = &Payment{}
	case CmdEscrow:
		cmd = &CreateEscrow{}
	case CmdReleaseEscrow:
		cmd = &ReleaseEscrow{}
	case CmdRefundEscrow:
		cmd = &RefundEscrow{}
	case CmdDeposit:
		cmd = &Deposit{}
	case CmdWithdraw:
		cmd = &Withdraw{}
	case CmdHistory:
		cmd = &History{}
	case CmdHealth:
		cmd = &Health{}
	case CmdWithdrawalResult:
		cmd = &WithdrawalResult{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownCommand, env.Command)
	}

	payload := bytes.TrimSpace(env.Payload)
	if len(payload) == 0 || bytes.Equal(payload, []byte("null")) {
		return cmd, nil
	}
	if err := json.Unmarshal(payload, cmd); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	return cmd, nil
}
