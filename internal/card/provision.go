package card

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"campuscard.vn/internal/cardkey"
)

// Provisioner rotates a card's key material: normalize the new public key,
// wrap a fresh AES master key under it, and persist both in one store
// operation so the stored pair can never diverge.
type Provisioner struct {
	store Store
	now   func() time.Time
}

// NewProvisioner wires a Provisioner to a card store.
func NewProvisioner(store Store) *Provisioner {
	return &Provisioner{store: store, now: time.Now}
}

// Rotate replaces the card's public key and rewraps the master key. The
// previous wrapped key is invalid the moment the public key changes, so both
// fields are written in the same atomic store call; any failure leaves the
// old pair in place.
func (p *Provisioner) Rotate(ctx context.Context, studentID string, pub *rsa.PublicKey) (Card, error) {
	pemText, err := cardkey.ExportPublicKeyPEM(pub)
	if err != nil {
		return Card{}, err
	}
	wrapped, err := cardkey.WrapFreshKey(pub)
	if err != nil {
		return Card{}, fmt.Errorf("wrap key: %w", err)
	}
	if err := p.store.UpdateKeyMaterial(ctx, studentID, pemText, wrapped, p.now().UTC()); err != nil {
		return Card{}, err
	}
	return p.store.Get(ctx, studentID)
}

// KeyLookup selects the card whose wrapped key is requested. StudentID is the
// primary path; PublicKeyPEM is a legacy exact-text fallback for devices that
// only know their own key.
type KeyLookup struct {
	StudentID    string
	PublicKeyPEM string
}

// WrappedKey returns the stored ciphertext and its byte length for
// device-side decryption. The server never unwraps it.
func (p *Provisioner) WrappedKey(ctx context.Context, lookup KeyLookup) (string, int, error) {
	var (
		c   Card
		err error
	)
	switch {
	case strings.TrimSpace(lookup.StudentID) != "":
		c, err = p.store.Get(ctx, lookup.StudentID)
	case strings.TrimSpace(lookup.PublicKeyPEM) != "":
		c, err = p.store.FindByPublicKey(ctx, lookup.PublicKeyPEM)
	default:
		return "", 0, ErrInvalidInput
	}
	if err != nil {
		return "", 0, err
	}
	if c.EncryptedKey == "" {
		return "", 0, ErrNoKeyMaterial
	}
	raw, err := base64.StdEncoding.DecodeString(c.EncryptedKey)
	if err != nil {
		return "", 0, fmt.Errorf("stored ciphertext corrupt: %w", err)
	}
	return c.EncryptedKey, len(raw), nil
}
