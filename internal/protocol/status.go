package protocol

// Status is the business outcome carried in every response payload.
type Status string

const (
	StatusOK                  Status = "ok"
	StatusInsufficientFunds   Status = "insufficient_funds"
	StatusInvalidEscrowState  Status = "invalid_escrow_state"
	StatusUnauthorized        Status = "unauthorized"
	StatusUnknownRecipient    Status = "unknown_recipient"
	StatusInvalidWallet       Status = "invalid_wallet"
	StatusPendingConfirmation Status = "pending_confirmation"
	StatusNotRegistered       Status = "not_registered"
	StatusInvalidRequest      Status = "invalid_request"
	StatusEscrowNotFound      Status = "escrow_not_found"
	StatusWalletAlreadyLinked Status = "wallet_already_linked"
	StatusWithdrawalFailed    Status = "withdrawal_failed"
	StatusRateLimited         Status = "rate_limited"
	StatusUnknownCommand      Status = "unknown_command"
	StatusInternalError       Status = "internal_error"
)

// Delivery marks whether a response was produced now or replayed from cache.
const (
	DeliveryFresh            = "fresh"
	DeliveryDuplicateRequest = "duplicate_request"
)
