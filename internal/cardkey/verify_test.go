package cardkey

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"math/big"
	"testing"
)

func TestVerifySignaturePrimaryPath(t *testing.T) {
	priv := testKey(t, 1024)
	challenge := []byte("server issued challenge")

	digest := sha1.Sum(challenge)
	sig, err := rsa.SignPKCS1v15(rand.Reader, priv, crypto.SHA1, digest[:])
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	if err := VerifySignature(&priv.PublicKey, challenge, sig); err != nil {
		t.Fatalf("valid signature rejected: %v", err)
	}
}

func TestVerifySignatureRejectsCorruption(t *testing.T) {
	priv := testKey(t, 1024)
	challenge := []byte("server issued challenge")

	digest := sha1.Sum(challenge)
	sig, err := rsa.SignPKCS1v15(rand.Reader, priv, crypto.SHA1, digest[:])
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	for _, pos := range []int{0, len(sig) / 2, len(sig) - 1} {
		bad := make([]byte, len(sig))
		copy(bad, sig)
		bad[pos] ^= 0x01
		if err := VerifySignature(&priv.PublicKey, challenge, bad); err == nil {
			t.Fatalf("corrupted signature at byte %d accepted", pos)
		}
	}

	if err := VerifySignature(&priv.PublicKey, []byte("other challenge"), sig); err == nil {
		t.Fatalf("signature over different challenge accepted")
	}
}

// rawSign applies the private-key operation to a hand-built padded block,
// emulating a card that pads in software and uses raw RSA.
func rawSign(priv *rsa.PrivateKey, em []byte) []byte {
	m := new(big.Int).SetBytes(em)
	s := new(big.Int).Exp(m, priv.D, priv.N)
	return s.FillBytes(make([]byte, (priv.N.BitLen()+7)/8))
}

func paddedBlock(priv *rsa.PrivateKey, digest []byte) []byte {
	k := (priv.N.BitLen() + 7) / 8
	em := make([]byte, k)
	em[0] = 0x00
	em[1] = 0x01
	tail := len(digestInfoSHA1) + len(digest)
	for i := 2; i < k-tail-1; i++ {
		em[i] = 0xFF
	}
	em[k-tail-1] = 0x00
	copy(em[k-tail:], digestInfoSHA1)
	copy(em[k-len(digest):], digest)
	return em
}

func TestManualFallbackAcceptsHandPaddedBlock(t *testing.T) {
	priv := testKey(t, 1024)
	challenge := []byte("fallback challenge")
	digest := sha1.Sum(challenge)

	em := paddedBlock(priv, digest[:])
	sig := rawSign(priv, em)

	if err := verifyManual(&priv.PublicKey, digest[:], sig); err != nil {
		t.Fatalf("fallback rejected well-formed block: %v", err)
	}
	if err := VerifySignature(&priv.PublicKey, challenge, sig); err != nil {
		t.Fatalf("VerifySignature rejected card-style signature: %v", err)
	}
}

// shortRunBlock pads the way the card applet does: a psLen run of 0xFF, the
// separator, DigestInfo and hash, and whatever is left of the block untouched.
func shortRunBlock(priv *rsa.PrivateKey, digest []byte, psLen int) []byte {
	k := (priv.N.BitLen() + 7) / 8
	em := make([]byte, k)
	em[0] = 0x00
	em[1] = 0x01
	for i := 2; i < 2+psLen; i++ {
		em[i] = 0xFF
	}
	em[2+psLen] = 0x00
	copy(em[3+psLen:], digestInfoSHA1)
	copy(em[3+psLen+len(digestInfoSHA1):], digest)
	return em
}

func TestManualFallbackAcceptsShortPaddingRun(t *testing.T) {
	priv := testKey(t, 1024)
	challenge := []byte("applet buffered challenge")
	digest := sha1.Sum(challenge)

	for _, psLen := range []int{minPadRun, 20, 40} {
		em := shortRunBlock(priv, digest[:], psLen)
		sig := rawSign(priv, em)
		if err := verifyManual(&priv.PublicKey, digest[:], sig); err != nil {
			t.Fatalf("ps run %d: fallback rejected: %v", psLen, err)
		}
		if err := VerifySignature(&priv.PublicKey, challenge, sig); err != nil {
			t.Fatalf("ps run %d: VerifySignature rejected: %v", psLen, err)
		}
	}
}

func TestManualFallbackRejectsShortRunDamage(t *testing.T) {
	priv := testKey(t, 1024)
	challenge := []byte("applet buffered challenge")
	digest := sha1.Sum(challenge)

	// Run below the 10-byte minimum.
	em := shortRunBlock(priv, digest[:], minPadRun-1)
	if err := verifyManual(&priv.PublicKey, digest[:], rawSign(priv, em)); err == nil {
		t.Fatalf("padding run below minimum accepted")
	}

	// Hash damaged at the scanned offset.
	em = shortRunBlock(priv, digest[:], 20)
	em[3+20+len(digestInfoSHA1)] ^= 0x01
	if err := verifyManual(&priv.PublicKey, digest[:], rawSign(priv, em)); err == nil {
		t.Fatalf("damaged hash accepted")
	}

	// Non-FF byte inside the run.
	em = shortRunBlock(priv, digest[:], 20)
	em[7] = 0xFE
	if err := verifyManual(&priv.PublicKey, digest[:], rawSign(priv, em)); err == nil {
		t.Fatalf("non-FF padding byte accepted")
	}
}

func TestManualFallbackRejectsStructuralDamage(t *testing.T) {
	priv := testKey(t, 1024)
	challenge := []byte("fallback challenge")
	digest := sha1.Sum(challenge)
	k := (priv.N.BitLen() + 7) / 8
	tail := len(digestInfoSHA1) + len(digest)

	mutate := map[string]func(em []byte){
		"padding header":    func(em []byte) { em[1] = 0x02 },
		"non-FF in PS":      func(em []byte) { em[5] = 0xFE },
		"missing separator": func(em []byte) { em[k-tail-1] = 0xFF },
		"digest info":       func(em []byte) { em[k-tail] ^= 0x01 },
		"hash byte":         func(em []byte) { em[k-1] ^= 0x01 },
	}
	for name, fn := range mutate {
		em := paddedBlock(priv, digest[:])
		fn(em)
		sig := rawSign(priv, em)
		if err := verifyManual(&priv.PublicKey, digest[:], sig); err == nil {
			t.Fatalf("%s: damaged block accepted", name)
		}
	}
}

func TestManualFallbackRejectsWrongLength(t *testing.T) {
	priv := testKey(t, 1024)
	digest := sha1.Sum([]byte("x"))
	if err := verifyManual(&priv.PublicKey, digest[:], make([]byte, 17)); err == nil {
		t.Fatalf("short signature accepted")
	}
}
