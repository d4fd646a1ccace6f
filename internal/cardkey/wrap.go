package cardkey

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"fmt"
)

// WrappedKeySize is the AES master key length handed to each card.
const WrappedKeySize = 16

// WrapFreshKey generates a random 128-bit AES key and encrypts it under the
// card's RSA public key with PKCS#1 v1.5 padding, the only RSA decrypt mode
// the applet's coprocessor supports (OAEP deliberately not used). The
// plaintext key is wiped before returning; only the device holding the
// private key can recover it.
func WrapFreshKey(pub *rsa.PublicKey) (string, error) {
	if pub == nil || pub.N == nil {
		return "", fmt.Errorf("%w: nil public key", ErrInvalidKeyEncoding)
	}
	key := make([]byte, WrappedKeySize)
	if _, err := rand.Read(key); err != nil {
		return "", fmt.Errorf("generate master key: %w", err)
	}
	ciphertext, err := rsa.EncryptPKCS1v15(rand.Reader, pub, key)
	for i := range key {
		key[i] = 0
	}
	if err != nil {
		return "", fmt.Errorf("wrap master key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(ciphertext), nil
}
