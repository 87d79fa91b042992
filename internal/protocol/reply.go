package protocol

import (
	"time"
)

// Reply is the payload of every response envelope.
type Reply struct {
	InReplyTo string `json:"in_reply_to"`
	Status    Status `json:"status"`
	Detail    string `json:"detail,omitempty"`
	Data      any    `json:"data,omitempty"`
}

type BalanceData struct {
	Balance int64 `json:"balance"`
}

type WalletData struct {
	WalletAddress string `json:"wallet_address"`
}

type PaymentData struct {
	Recipient string `json:"recipient"`
	Amount    int64  `json:"amount"`
	Balance   int64  `json:"balance"`
}

type EscrowData struct {
	EscrowID  string    `json:"escrow_id"`
	Recipient string    `json:"recipient"`
	Amount    int64     `json:"amount"`
	ExpiresAt time.Time `json:"expires_at"`
}

type EscrowResolutionData struct {
	EscrowID string `json:"escrow_id"`
	Status   string `json:"status"`
}

type DepositData struct {
	TxHash                string `json:"tx_hash"`
	Balance               int64  `json:"balance"`
	Confirmations         int    `json:"confirmations,omitempty"`
	RequiredConfirmations int    `json:"required_confirmations,omitempty"`
}

type WithdrawData struct {
	WithdrawalID string `json:"withdrawal_id"`
	TxHash       string `json:"tx_hash,omitempty"`
	Balance      int64  `json:"balance"`
	Status       string `json:"status"`
}

type HistoryEntry struct {
	Sequence         int64     `json:"sequence"`
	Delta            int64     `json:"delta"`
	ResultingBalance int64     `json:"resulting_balance"`
	Reason           string    `json:"reason"`
	CorrelatedID     string    `json:"correlated_id"`
	Timestamp        time.Time `json:"timestamp"`
}

type HistoryData struct {
	Entries []HistoryEntry `json:"entries"`
}

type HealthData struct {
	Status string `json:"status"`
}

// 出站通知载荷

type PaymentReceived struct {
	PaymentID string `json:"payment_id"`
	Payer     string `json:"payer"`
	Amount    int64  `json:"amount"`
	Reference string `json:"reference"`
}

type EscrowCreated struct {
	EscrowID  string    `json:"escrow_id"`
	Payer     string    `json:"payer"`
	Amount    int64     `json:"amount"`
	Reference string    `json:"reference"`
	ExpiresAt time.Time `json:"expires_at"`
}

type EscrowResolved struct {
	EscrowID string `json:"escrow_id"`
	State    string `json:"state"`
	Amount   int64  `json:"amount"`
}

type WithdrawalUpdate struct {
	WithdrawalID string `json:"withdrawal_id"`
	Status       string `json:"status"`
	TxHash       string `json:"tx_hash,omitempty"`
	Amount       int64  `json:"amount"`
	Reason       string `json:"reason,omitempty"`
}
