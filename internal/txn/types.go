package txn

import (
	"errors"
	"time"
)

// Transaction types. Topup adds to the balance; every other type deducts.
const (
	TypeTopup      = "topup"
	TypeWithdrawal = "withdrawal"
	TypePayment    = "payment"
	TypeFine       = "fine"
)

// Statuses recorded on the ledger row.
const (
	StatusSuccess = "success"
	StatusFailed  = "failed"
)

// Transaction is one balance movement on a card.
type Transaction struct {
	ID            string    `json:"id"`
	StudentID     string    `json:"studentId"`
	Type          string    `json:"type"`
	Amount        int64     `json:"amount"`
	BalanceBefore int64     `json:"balanceBefore"`
	BalanceAfter  int64     `json:"balanceAfter"`
	Status        string    `json:"status"`
	Description   string    `json:"description,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
}

// Filter narrows transaction listings.
type Filter struct {
	StudentID string
	Type      string
	Status    string
	From      time.Time
	To        time.Time
}

// TypeStat aggregates one transaction type on a card.
type TypeStat struct {
	Count  int   `json:"count"`
	Amount int64 `json:"amount"`
}

// Stats summarizes a card's successful ledger activity by type.
type Stats struct {
	StudentID string              `json:"studentId"`
	Count     int                 `json:"count"`
	ByType    map[string]TypeStat `json:"byType"`
}

var (
	ErrNotFound          = errors.New("txn: not found")
	ErrInvalidType       = errors.New("txn: invalid type")
	ErrInvalidAmount     = errors.New("txn: invalid amount (must be > 0)")
	ErrInsufficientFunds = errors.New("txn: insufficient funds")
)

// ValidType reports whether t is a known transaction type.
func ValidType(t string) bool {
	switch t {
	case TypeTopup, TypeWithdrawal, TypePayment, TypeFine:
		return true
	}
	return false
}
