package model

import (
	"time"
)

const (
	EscrowStateCreated  = "CREATED"
	EscrowStateReleased = "RELEASED"
	EscrowStateRefunded = "REFUNDED"
	EscrowStateExpired  = "EXPIRED"
)

// 托管只允许从 CREATED 迁出一次
var ValidEscrowTransitions = map[string][]string{
	EscrowStateCreated: {EscrowStateReleased, EscrowStateRefunded, EscrowStateExpired},
}

func CanEscrowTransitionTo(currentState, targetState string) bool {
	allowed, exists := ValidEscrowTransitions[currentState]
	if !exists {
		return false
	}
	for _, s := range allowed {
		if s == targetState {
			return true
		}
	}
	return false
}

// Escrow 托管单
// CREATED 期间金额已从付款方余额扣除，只记录在托管单上
type Escrow struct {
	ID         string     `gorm:"primaryKey;type:varchar(64)" json:"id"`
	RequestID  string     `gorm:"type:varchar(256);uniqueIndex;not null" json:"request_id"`
	PayerID    string     `gorm:"type:varchar(128);index;not null" json:"payer_id"`
	PayeeID    string     `gorm:"type:varchar(128);index;not null" json:"payee_id"`
	Amount     int64      `gorm:"not null" json:"amount"`
	Reference  string     `gorm:"type:varchar(512)" json:"reference"`
	State      string     `gorm:"type:varchar(20);index:idx_escrow_state_expiry;not null" json:"state"`
	ExpiresAt  time.Time  `gorm:"index:idx_escrow_state_expiry;not null" json:"expires_at"`
	ResolvedBy string     `gorm:"type:varchar(128)" json:"resolved_by,omitempty"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

func (Escrow) TableName() string {
	return "escrow"
}

// IsTerminal reports whether the escrow has left CREATED.
func (e *Escrow) IsTerminal() bool {
	return e.State != EscrowStateCreated
}
