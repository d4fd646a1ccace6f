package httpapi

import (
	"encoding/base64"
	"errors"
	"net/http"
	"strings"

	"campuscard.vn/internal/audit"
	"campuscard.vn/internal/auth"
	"campuscard.vn/internal/card"
	"campuscard.vn/internal/cardkey"
	"campuscard.vn/internal/obs"
)

type loginRequest struct {
	StudentID string `json:"studentId"`
	Challenge string `json:"challenge"`
	Signature string `json:"signature"`
	// Password is only consulted for the standing admin identity, and only
	// when an admin password hash is configured.
	Password string `json:"password,omitempty"`
}

type loginResponse struct {
	Token     string `json:"token"`
	StudentID string `json:"studentId"`
	Role      string `json:"role"`
}

// handleLogin authenticates a card by its signature over the client-supplied
// challenge and issues a session token. The configured admin identity skips
// signature verification entirely.
func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}

	var req loginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	studentID := strings.TrimSpace(req.StudentID)
	if studentID == "" {
		writeError(w, r, http.StatusBadRequest, "studentId is required")
		return
	}

	if auth.IsAdminID(studentID) {
		if err := auth.CheckAdminPassword(req.Password); err != nil {
			obs.CountLogin("failure")
			_ = audit.LogEvent(r.Context(), "auth.login.rejected", map[string]any{
				"studentId": studentID,
			})
			writeError(w, r, http.StatusUnauthorized, "verification failed")
			return
		}
		a.issueToken(w, r, studentID, auth.RoleAdmin)
		return
	}

	if req.Challenge == "" || req.Signature == "" {
		writeError(w, r, http.StatusBadRequest, "challenge and signature are required")
		return
	}
	challenge, err := base64.StdEncoding.DecodeString(req.Challenge)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "challenge must be base64")
		return
	}
	sig, err := base64.StdEncoding.DecodeString(req.Signature)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "signature must be base64")
		return
	}

	c, err := a.cards.Get(r.Context(), studentID)
	if errors.Is(err, card.ErrNotFound) {
		obs.CountLogin("unknown_card")
		writeError(w, r, http.StatusNotFound, "card not found")
		return
	}
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "internal error")
		return
	}
	if c.RSAPublicKey == "" {
		writeError(w, r, http.StatusBadRequest, "card has no registered public key")
		return
	}

	pub, err := cardkey.ParsePublicKeyPEM(c.RSAPublicKey)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "stored public key unreadable")
		return
	}
	if err := cardkey.VerifySignature(pub, challenge, sig); err != nil {
		obs.CountLogin("failure")
		// No detail leaks to the caller; the log keeps the reason.
		_ = audit.LogEvent(r.Context(), "auth.login.rejected", map[string]any{
			"studentId": c.StudentID,
		})
		writeError(w, r, http.StatusUnauthorized, "verification failed")
		return
	}

	a.issueToken(w, r, c.StudentID, auth.RoleUser)
}

func (a *API) issueToken(w http.ResponseWriter, r *http.Request, studentID, role string) {
	token, err := auth.GenerateToken(studentID, role, auth.DefaultTTL)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "token generation failed")
		return
	}
	obs.CountLogin("success")
	_ = audit.LogEvent(r.Context(), "auth.login.success", map[string]any{
		"studentId": studentID,
		"role":      role,
	})
	writeJSON(w, http.StatusOK, loginResponse{
		Token:     token,
		StudentID: studentID,
		Role:      role,
	})
}
