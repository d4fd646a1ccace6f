package httpapi

import (
	"crypto/rsa"
	"errors"
	"net/http"
	"strings"
	"time"

	"campuscard.vn/internal/audit"
	"campuscard.vn/internal/auth"
	"campuscard.vn/internal/card"
	"campuscard.vn/internal/cardkey"
	"campuscard.vn/internal/obs"
)

// registerKeyRequest accepts either a finished PEM or the raw modulus and
// exponent a card emits; exactly one form must be present.
type registerKeyRequest struct {
	RSAPublicKey string `json:"rsaPublicKey"`
	RSAModulus   string `json:"rsaModulus"`
	RSAExponent  string `json:"rsaExponent"`
}

type registerKeyResponse struct {
	StudentID          string `json:"studentId"`
	HasRSAKey          bool   `json:"hasRsaKey"`
	HasEncryptedAESKey bool   `json:"hasEncryptedAesKey"`
}

type cardKeyResponse struct {
	StudentID       string `json:"studentId"`
	RSAPublicKey    string `json:"rsaPublicKey"`
	RSAKeyCreatedAt string `json:"rsaKeyCreatedAt,omitempty"`
}

type encryptedKeyRequest struct {
	StudentID    string `json:"studentId"`
	RSAPublicKey string `json:"rsaPublicKey"`
}

type encryptedKeyResponse struct {
	EncryptedMasterKey string `json:"encryptedMasterKey"`
	KeyLength          int    `json:"keyLength"`
}

func (a *API) handleCardKey(w http.ResponseWriter, r *http.Request, studentID string) {
	switch r.Method {
	case http.MethodPut:
		a.registerCardKey(w, r, studentID)
	case http.MethodGet:
		a.getCardKey(w, r, studentID)
	default:
		methodNotAllowed(w, r, http.MethodPut, http.MethodGet)
	}
}

// registerCardKey imports the submitted public key, then rotates the stored
// key pair: fresh wrapped master key and new public key written together.
func (a *API) registerCardKey(w http.ResponseWriter, r *http.Request, studentID string) {
	if err := auth.Authorize(r.Context(), studentID); err != nil {
		authError(w, r, err)
		return
	}
	var req registerKeyRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	var (
		pub *rsa.PublicKey
		err error
	)
	switch {
	case req.RSAPublicKey != "" && (req.RSAModulus != "" || req.RSAExponent != ""):
		writeError(w, r, http.StatusBadRequest, "provide either rsaPublicKey or rsaModulus/rsaExponent, not both")
		return
	case req.RSAPublicKey != "":
		pub, err = cardkey.ParsePublicKeyPEM(req.RSAPublicKey)
	case req.RSAModulus != "" && req.RSAExponent != "":
		pub, err = cardkey.ImportRawHex(req.RSAModulus, req.RSAExponent)
	default:
		writeError(w, r, http.StatusBadRequest, "rsaPublicKey or rsaModulus/rsaExponent is required")
		return
	}
	if err != nil {
		if errors.Is(err, cardkey.ErrInvalidKeyEncoding) {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		writeError(w, r, http.StatusInternalServerError, "internal error")
		return
	}

	c, err := a.provisioner.Rotate(r.Context(), studentID, pub)
	if err != nil {
		handleCardError(w, r, err)
		return
	}

	obs.CountKeyRotation()
	_ = audit.LogEvent(r.Context(), "card.key.rotated", map[string]any{"studentId": c.StudentID})
	writeJSON(w, http.StatusOK, registerKeyResponse{
		StudentID:          c.StudentID,
		HasRSAKey:          c.RSAPublicKey != "",
		HasEncryptedAESKey: c.EncryptedKey != "",
	})
}

func (a *API) getCardKey(w http.ResponseWriter, r *http.Request, studentID string) {
	if err := auth.Authorize(r.Context(), studentID); err != nil {
		authError(w, r, err)
		return
	}
	c, err := a.cards.Get(r.Context(), studentID)
	if err != nil {
		handleCardError(w, r, err)
		return
	}
	if c.RSAPublicKey == "" {
		writeError(w, r, http.StatusNotFound, "card has no registered public key")
		return
	}
	resp := cardKeyResponse{StudentID: c.StudentID, RSAPublicKey: c.RSAPublicKey}
	if c.RSAKeyCreated != nil {
		resp.RSAKeyCreatedAt = c.RSAKeyCreated.UTC().Format(time.RFC3339)
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleEncryptedKey returns the wrapped master key for device-side
// decryption. Lookup by studentId is authorized against the caller; the
// legacy exact-PEM lookup only proves possession of the public key and stays
// admin-gated.
func (a *API) handleEncryptedKey(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req encryptedKeyRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	lookup := card.KeyLookup{
		StudentID:    strings.TrimSpace(req.StudentID),
		PublicKeyPEM: req.RSAPublicKey,
	}
	if lookup.StudentID != "" {
		if err := auth.Authorize(r.Context(), lookup.StudentID); err != nil {
			authError(w, r, err)
			return
		}
	} else {
		if err := auth.RequireAdmin(r.Context()); err != nil {
			authError(w, r, err)
			return
		}
	}

	ciphertext, keyLen, err := a.provisioner.WrappedKey(r.Context(), lookup)
	if err != nil {
		if errors.Is(err, card.ErrNoKeyMaterial) {
			writeError(w, r, http.StatusNotFound, err.Error())
			return
		}
		handleCardError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, encryptedKeyResponse{
		EncryptedMasterKey: ciphertext,
		KeyLength:          keyLen,
	})
}
