package card

import (
	"errors"
	"time"
)

// Lifecycle states of a campus card.
const (
	StatusActive    = "active"
	StatusLocked    = "locked"
	StatusSuspended = "suspended"
)

// Card is one enrolled physical card. Balance is in minor units (VND has no
// subunit, so 1 == 1 VND). Key material fields hold at most one active public
// key and the AES master key wrapped under it; the two are only ever written
// together.
type Card struct {
	StudentID     string     `json:"studentId"`
	HolderName    string     `json:"holderName"`
	Email         string     `json:"email"`
	Department    string     `json:"department"`
	BirthDate     string     `json:"birthDate"`
	Address       string     `json:"address"`
	Status        string     `json:"status"`
	BorrowedBooks int        `json:"borrowedBooksCount"`
	Balance       int64      `json:"balance"`
	ImagePath     string     `json:"imagePath,omitempty"`
	RSAPublicKey  string     `json:"rsaPublicKey,omitempty"`
	RSAKeyCreated *time.Time `json:"rsaKeyCreatedAt,omitempty"`
	EncryptedKey  string     `json:"-"`
	CreatedAt     time.Time  `json:"createdAt"`
	UpdatedAt     time.Time  `json:"updatedAt"`
}

// HasKeyMaterial reports whether the card has a provisioned public key and a
// wrapped master key.
func (c Card) HasKeyMaterial() bool {
	return c.RSAPublicKey != "" && c.EncryptedKey != ""
}

// Update carries the mutable profile fields; nil means leave unchanged.
// Balance, key material and borrow counters have dedicated operations and are
// not reachable through Update.
type Update struct {
	HolderName *string
	Email      *string
	Department *string
	BirthDate  *string
	Address    *string
	Status     *string
	ImagePath  *string
}

var (
	ErrNotFound      = errors.New("card: not found")
	ErrAlreadyExists = errors.New("card: already exists")
	ErrInvalidInput  = errors.New("card: invalid input")
	ErrNoKeyMaterial = errors.New("card: no key material")
	ErrInactive      = errors.New("card: not active")
)

// ValidStatus reports whether s is one of the card lifecycle states.
func ValidStatus(s string) bool {
	switch s {
	case StatusActive, StatusLocked, StatusSuspended:
		return true
	}
	return false
}
