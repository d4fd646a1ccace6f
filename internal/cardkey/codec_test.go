package cardkey

import (
	"bytes"
	"crypto/rand"
	"crypto/rsa"
	"encoding/hex"
	"errors"
	"testing"
)

func testKey(t *testing.T, bits int) *rsa.PrivateKey {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return priv
}

func rawParts(pub *rsa.PublicKey) (mod, exp []byte) {
	mod = pub.N.Bytes()
	// 65537 the way the applet emits it
	exp = []byte{0x01, 0x00, 0x01}
	return mod, exp
}

func TestImportRawPartsRoundTrip(t *testing.T) {
	priv := testKey(t, 1024)
	mod, exp := rawParts(&priv.PublicKey)

	pub, err := ImportRawParts(mod, exp)
	if err != nil {
		t.Fatalf("ImportRawParts: %v", err)
	}
	if pub.N.Cmp(priv.PublicKey.N) != 0 || pub.E != priv.PublicKey.E {
		t.Fatalf("imported key differs from original")
	}

	pemText, err := ExportPublicKeyPEM(pub)
	if err != nil {
		t.Fatalf("ExportPublicKeyPEM: %v", err)
	}
	back, err := ParsePublicKeyPEM(pemText)
	if err != nil {
		t.Fatalf("ParsePublicKeyPEM: %v", err)
	}

	// Cryptographic equivalence: a ciphertext made with the re-imported key
	// must decrypt under the original private key.
	plaintext := []byte("campus card provisioning check")
	ciphertext, err := rsa.EncryptPKCS1v15(rand.Reader, back, plaintext)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	got, err := rsa.DecryptPKCS1v15(nil, priv, ciphertext)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Fatalf("round trip mismatch: %q", got)
	}
}

func TestImportRawHex(t *testing.T) {
	priv := testKey(t, 1024)
	mod, exp := rawParts(&priv.PublicKey)

	pub, err := ImportRawHex(hex.EncodeToString(mod), hex.EncodeToString(exp))
	if err != nil {
		t.Fatalf("ImportRawHex: %v", err)
	}
	if pub.N.Cmp(priv.PublicKey.N) != 0 {
		t.Fatalf("modulus mismatch")
	}

	if _, err := ImportRawHex("zz", "010001"); !errors.Is(err, ErrInvalidKeyEncoding) {
		t.Fatalf("expected ErrInvalidKeyEncoding for bad hex, got %v", err)
	}
}

func TestImportRawPartsRejectsBadInput(t *testing.T) {
	priv := testKey(t, 1024)
	mod, _ := rawParts(&priv.PublicKey)

	cases := []struct {
		name string
		mod  []byte
		exp  []byte
	}{
		{"empty modulus", nil, []byte{0x01, 0x00, 0x01}},
		{"empty exponent", mod, nil},
		{"short modulus", make([]byte, 32), []byte{0x01, 0x00, 0x01}},
		{"even exponent", mod, []byte{0x02}},
		{"exponent too small", mod, []byte{0x01}},
	}
	for _, tc := range cases {
		if _, err := ImportRawParts(tc.mod, tc.exp); !errors.Is(err, ErrInvalidKeyEncoding) {
			t.Fatalf("%s: expected ErrInvalidKeyEncoding, got %v", tc.name, err)
		}
	}
}

func TestParsePublicKeyPEMRejectsGarbage(t *testing.T) {
	if _, err := ParsePublicKeyPEM("not a pem"); !errors.Is(err, ErrInvalidKeyEncoding) {
		t.Fatalf("expected ErrInvalidKeyEncoding, got %v", err)
	}
}
