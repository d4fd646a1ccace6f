package card

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"errors"
	"testing"
)

func newTestCard(t *testing.T, s Store, studentID string) {
	t.Helper()
	err := s.Create(context.Background(), &Card{
		StudentID:  studentID,
		HolderName: "Nguyen Van A",
		Email:      "a@example.edu.vn",
		Department: "CNTT",
		BirthDate:  "2002-01-15",
		Address:    "Ha Noi",
	})
	if err != nil {
		t.Fatalf("create card: %v", err)
	}
}

func TestRotateWritesMatchingPair(t *testing.T) {
	store := NewInMemory()
	newTestCard(t, store, "CT050101")
	prov := NewProvisioner(store)
	ctx := context.Background()

	priv, err := rsa.GenerateKey(rand.Reader, 1024)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	c, err := prov.Rotate(ctx, "CT050101", &priv.PublicKey)
	if err != nil {
		t.Fatalf("Rotate: %v", err)
	}
	if !c.HasKeyMaterial() {
		t.Fatalf("key material missing after rotation")
	}
	if c.RSAKeyCreated == nil {
		t.Fatalf("rotation timestamp not set")
	}

	wrapped, keyLen, err := prov.WrappedKey(ctx, KeyLookup{StudentID: "CT050101"})
	if err != nil {
		t.Fatalf("WrappedKey: %v", err)
	}
	if keyLen != (priv.N.BitLen()+7)/8 {
		t.Fatalf("ciphertext length %d, want RSA block size", keyLen)
	}
	ct, _ := base64.StdEncoding.DecodeString(wrapped)
	key, err := rsa.DecryptPKCS1v15(nil, priv, ct)
	if err != nil {
		t.Fatalf("device decrypt: %v", err)
	}
	if len(key) != 16 {
		t.Fatalf("master key is %d bytes, want 16", len(key))
	}
}

func TestRotateInvalidatesPreviousWrap(t *testing.T) {
	store := NewInMemory()
	newTestCard(t, store, "CT050102")
	prov := NewProvisioner(store)
	ctx := context.Background()

	oldKey, _ := rsa.GenerateKey(rand.Reader, 1024)
	if _, err := prov.Rotate(ctx, "CT050102", &oldKey.PublicKey); err != nil {
		t.Fatalf("first rotation: %v", err)
	}
	firstWrap, _, err := prov.WrappedKey(ctx, KeyLookup{StudentID: "CT050102"})
	if err != nil {
		t.Fatalf("WrappedKey: %v", err)
	}

	newKey, _ := rsa.GenerateKey(rand.Reader, 1024)
	if _, err := prov.Rotate(ctx, "CT050102", &newKey.PublicKey); err != nil {
		t.Fatalf("second rotation: %v", err)
	}
	secondWrap, _, err := prov.WrappedKey(ctx, KeyLookup{StudentID: "CT050102"})
	if err != nil {
		t.Fatalf("WrappedKey: %v", err)
	}
	if firstWrap == secondWrap {
		t.Fatalf("rotation did not replace the wrapped key")
	}

	// Only the fresh wrap decrypts under the new private key.
	ct, _ := base64.StdEncoding.DecodeString(secondWrap)
	if _, err := rsa.DecryptPKCS1v15(nil, newKey, ct); err != nil {
		t.Fatalf("fresh wrap does not decrypt under new key: %v", err)
	}
	oldCT, _ := base64.StdEncoding.DecodeString(firstWrap)
	if _, err := rsa.DecryptPKCS1v15(nil, newKey, oldCT); err == nil {
		t.Fatalf("stale wrap decrypted under new key")
	}
}

func TestWrappedKeyLookupByPublicKey(t *testing.T) {
	store := NewInMemory()
	newTestCard(t, store, "CT050103")
	prov := NewProvisioner(store)
	ctx := context.Background()

	priv, _ := rsa.GenerateKey(rand.Reader, 1024)
	c, err := prov.Rotate(ctx, "CT050103", &priv.PublicKey)
	if err != nil {
		t.Fatalf("Rotate: %v", err)
	}

	if _, _, err := prov.WrappedKey(ctx, KeyLookup{PublicKeyPEM: c.RSAPublicKey}); err != nil {
		t.Fatalf("lookup by public key: %v", err)
	}
	if _, _, err := prov.WrappedKey(ctx, KeyLookup{StudentID: "CT999999"}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, _, err := prov.WrappedKey(ctx, KeyLookup{}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestWrappedKeyWithoutMaterial(t *testing.T) {
	store := NewInMemory()
	newTestCard(t, store, "CT050104")
	prov := NewProvisioner(store)

	if _, _, err := prov.WrappedKey(context.Background(), KeyLookup{StudentID: "CT050104"}); !errors.Is(err, ErrNoKeyMaterial) {
		t.Fatalf("expected ErrNoKeyMaterial, got %v", err)
	}
}
