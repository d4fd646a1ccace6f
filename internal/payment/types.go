package payment

import (
	"errors"
	"time"
)

// Payment statuses.
const (
	StatusPending   = "PENDING"
	StatusSuccess   = "SUCCESS"
	StatusFailed    = "FAILED"
	StatusCancelled = "CANCELLED"
	StatusExpired   = "EXPIRED"
)

// Expiry is how long a QR payment stays payable.
const Expiry = 15 * time.Minute

// Payment is one bank-transfer top-up request settled by QR code.
type Payment struct {
	ID                string     `json:"id"`
	StudentID         string     `json:"studentId,omitempty"`
	OrderID           string     `json:"orderId"`
	Amount            int64      `json:"amount"`
	Currency          string     `json:"currency"`
	Status            string     `json:"status"`
	QRCode            string     `json:"qrCode"`
	BankCode          string     `json:"-"`
	AccountNumber     string     `json:"-"`
	AccountName       string     `json:"-"`
	Description       string     `json:"description"`
	BankTransactionID string     `json:"bankTransactionId,omitempty"`
	TransactionRef    string     `json:"transactionRef,omitempty"`
	ExpiredAt         time.Time  `json:"expiredAt"`
	PaidAt            *time.Time `json:"paidAt,omitempty"`
	CreatedAt         time.Time  `json:"createdAt"`
	UpdatedAt         time.Time  `json:"updatedAt"`
}

// BankInfo is the transfer destination echoed to clients.
type BankInfo struct {
	BankCode      string `json:"bankCode"`
	AccountNumber string `json:"accountNumber"`
	AccountName   string `json:"accountName"`
}

// WebhookRecord is an append-only log row for every received callback,
// kept for reconciliation debugging even when the payment is unknown.
type WebhookRecord struct {
	ID        string    `json:"id"`
	PaymentID string    `json:"paymentId,omitempty"`
	Provider  string    `json:"provider"`
	EventType string    `json:"eventType"`
	Payload   []byte    `json:"-"`
	Signature string    `json:"-"`
	Verified  bool      `json:"verified"`
	Processed bool      `json:"processed"`
	CreatedAt time.Time `json:"createdAt"`
}

var (
	ErrNotFound         = errors.New("payment: not found")
	ErrInvalidInput     = errors.New("payment: invalid input")
	ErrInvalidSignature = errors.New("payment: invalid webhook signature")
	ErrAmountMismatch   = errors.New("payment: amount mismatch")
	ErrNotConfigured    = errors.New("payment: bank account not configured")
)

// maxAmount guards against fat-fingered or hostile top-ups.
const maxAmount int64 = 999_999_999
