// Package cardkey implements the cryptographic boundary between the backend
// and the campus card applet: importing the applet's raw RSA public key,
// verifying challenge signatures produced by the card's coprocessor, and
// wrapping the per-card AES master key for delivery to the device.
package cardkey

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"strings"
)

// ErrInvalidKeyEncoding indicates malformed raw key material.
var ErrInvalidKeyEncoding = errors.New("cardkey: invalid key encoding")

const (
	// minModulusBits rejects toy keys; the deployed card population uses
	// 1024- and 2048-bit moduli.
	minModulusBits = 512
	maxModulusBits = 4096

	minPublicExponent = 3
)

// ImportRawParts builds an RSA public key from the raw big-endian modulus and
// exponent bytes the applet emits (JavaCard getModulus/getExponent layout).
func ImportRawParts(modulus, exponent []byte) (*rsa.PublicKey, error) {
	if len(modulus) == 0 {
		return nil, fmt.Errorf("%w: empty modulus", ErrInvalidKeyEncoding)
	}
	if len(exponent) == 0 {
		return nil, fmt.Errorf("%w: empty exponent", ErrInvalidKeyEncoding)
	}

	n := new(big.Int).SetBytes(modulus)
	if bits := n.BitLen(); bits < minModulusBits || bits > maxModulusBits {
		return nil, fmt.Errorf("%w: modulus is %d bits, want %d..%d",
			ErrInvalidKeyEncoding, bits, minModulusBits, maxModulusBits)
	}
	if n.Bit(0) == 0 {
		return nil, fmt.Errorf("%w: modulus is even", ErrInvalidKeyEncoding)
	}

	e := new(big.Int).SetBytes(exponent)
	if !e.IsInt64() || e.Int64() < minPublicExponent || e.Int64() > int64(^uint32(0)) {
		return nil, fmt.Errorf("%w: exponent out of range", ErrInvalidKeyEncoding)
	}
	if e.Bit(0) == 0 {
		return nil, fmt.Errorf("%w: exponent is even", ErrInvalidKeyEncoding)
	}

	return &rsa.PublicKey{N: n, E: int(e.Int64())}, nil
}

// ImportRawHex decodes hex-encoded modulus and exponent strings, the wire form
// used by the provisioning endpoint, and imports them via ImportRawParts.
func ImportRawHex(modHex, expHex string) (*rsa.PublicKey, error) {
	mod, err := hex.DecodeString(strings.TrimSpace(modHex))
	if err != nil {
		return nil, fmt.Errorf("%w: modulus hex: %v", ErrInvalidKeyEncoding, err)
	}
	exp, err := hex.DecodeString(strings.TrimSpace(expHex))
	if err != nil {
		return nil, fmt.Errorf("%w: exponent hex: %v", ErrInvalidKeyEncoding, err)
	}
	return ImportRawParts(mod, exp)
}

// ParsePublicKeyPEM accepts an SPKI ("PUBLIC KEY") or PKCS#1 ("RSA PUBLIC
// KEY") PEM block and returns the contained RSA public key.
func ParsePublicKeyPEM(text string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(strings.TrimSpace(text)))
	if block == nil {
		return nil, fmt.Errorf("%w: no PEM block found", ErrInvalidKeyEncoding)
	}
	if parsed, err := x509.ParsePKIXPublicKey(block.Bytes); err == nil {
		pub, ok := parsed.(*rsa.PublicKey)
		if !ok {
			return nil, fmt.Errorf("%w: not an RSA key", ErrInvalidKeyEncoding)
		}
		return validateParsed(pub)
	}
	pub, err := x509.ParsePKCS1PublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKeyEncoding, err)
	}
	return validateParsed(pub)
}

// ExportPublicKeyPEM serializes a public key to the SPKI PEM container stored
// in the card record. Round-trips cryptographically with ImportRawParts.
func ExportPublicKeyPEM(pub *rsa.PublicKey) (string, error) {
	if pub == nil || pub.N == nil {
		return "", fmt.Errorf("%w: nil key", ErrInvalidKeyEncoding)
	}
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", fmt.Errorf("marshal public key: %w", err)
	}
	out := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})
	return string(out), nil
}

func validateParsed(pub *rsa.PublicKey) (*rsa.PublicKey, error) {
	if bits := pub.N.BitLen(); bits < minModulusBits || bits > maxModulusBits {
		return nil, fmt.Errorf("%w: modulus is %d bits, want %d..%d",
			ErrInvalidKeyEncoding, bits, minModulusBits, maxModulusBits)
	}
	if pub.E < minPublicExponent {
		return nil, fmt.Errorf("%w: exponent out of range", ErrInvalidKeyEncoding)
	}
	return pub, nil
}
