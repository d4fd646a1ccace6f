package httpapi

import (
	"crypto/hmac"
	"io"
	"net/http"
	"strings"

	"campuscard.vn/internal/audit"
	"campuscard.vn/internal/auth"
	"campuscard.vn/internal/payment"
)

type createPaymentRequest struct {
	StudentID   string `json:"studentId"`
	Amount      int64  `json:"amount"`
	Description string `json:"description"`
}

type createPaymentResponse struct {
	payment.Payment
	BankInfo payment.BankInfo `json:"bankInfo"`
}

func (a *API) handlePaymentsCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		a.createPayment(w, r)
	case http.MethodGet:
		a.listPayments(w, r)
	default:
		methodNotAllowed(w, r, http.MethodPost, http.MethodGet)
	}
}

// listPayments is admin-wide by default; a studentId filter narrows it to one
// card, which the holder may query themselves.
func (a *API) listPayments(w http.ResponseWriter, r *http.Request) {
	studentID := strings.TrimSpace(r.URL.Query().Get("studentId"))
	if studentID == "" {
		if err := auth.RequireAdmin(r.Context()); err != nil {
			authError(w, r, err)
			return
		}
	} else if err := auth.Authorize(r.Context(), studentID); err != nil {
		authError(w, r, err)
		return
	}
	limit, offset, err := parsePagination(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	items, total, err := a.payments.List(r.Context(), studentID, limit, offset)
	if err != nil {
		handlePaymentError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, listResponse[payment.Payment]{Items: items, Total: total, Limit: limit, Offset: offset})
}

func (a *API) handlePaymentResource(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/v1/payments/")
	if path == "webhook" {
		a.handlePaymentWebhook(w, r)
		return
	}
	id, sub, _ := strings.Cut(path, "/")
	if id == "" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	switch sub {
	case "":
		if r.Method != http.MethodGet {
			methodNotAllowed(w, r, http.MethodGet)
			return
		}
		a.getPayment(w, r, id)
	case "stream":
		if r.Method != http.MethodGet {
			methodNotAllowed(w, r, http.MethodGet)
			return
		}
		a.StreamPayments(w, r, id)
	default:
		writeError(w, r, http.StatusNotFound, "resource not found")
	}
}

func (a *API) createPayment(w http.ResponseWriter, r *http.Request) {
	principal, ok := auth.PrincipalFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "unauthorized")
		return
	}
	var req createPaymentRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	studentID := strings.TrimSpace(req.StudentID)
	if studentID == "" {
		studentID = principal.StudentID
	}
	if err := auth.Authorize(r.Context(), studentID); err != nil {
		authError(w, r, err)
		return
	}

	p, err := a.payments.Create(r.Context(), studentID, req.Amount, strings.TrimSpace(req.Description))
	if err != nil {
		handlePaymentError(w, r, err)
		return
	}
	bank, err := a.payments.Bank()
	if err != nil {
		handlePaymentError(w, r, err)
		return
	}

	_ = audit.LogEvent(r.Context(), "payment.create", map[string]any{
		"paymentId": p.ID,
		"orderId":   p.OrderID,
		"amount":    p.Amount,
	})
	w.Header().Set("Location", "/v1/payments/"+p.ID)
	writeJSON(w, http.StatusCreated, createPaymentResponse{Payment: p, BankInfo: bank})
}

func (a *API) getPayment(w http.ResponseWriter, r *http.Request, id string) {
	p, err := a.payments.Get(r.Context(), id)
	if err != nil {
		handlePaymentError(w, r, err)
		return
	}
	if p.StudentID != "" {
		if err := auth.Authorize(r.Context(), p.StudentID); err != nil {
			authError(w, r, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, p)
}

// handlePaymentWebhook receives provider callbacks. SePay authenticates with
// an API key header; every other provider signs the raw body with
// HMAC-SHA256. The raw payload is read before parsing so the signature
// covers exactly the received bytes.
func (a *API) handlePaymentWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "unreadable body")
		return
	}

	rec := payment.WebhookRecord{Payload: body, EventType: "payment"}
	if payment.IsSePay(body) {
		apiKey := strings.TrimSpace(strings.TrimPrefix(r.Header.Get("Authorization"), "Apikey "))
		if apiKey == "" {
			apiKey = strings.TrimSpace(r.Header.Get("X-Api-Key"))
		}
		if a.cfg.SePayAPIKey == "" || !hmac.Equal([]byte(apiKey), []byte(a.cfg.SePayAPIKey)) {
			writeError(w, r, http.StatusUnauthorized, "invalid api key")
			return
		}
		rec.Provider = "sepay"
		rec.Verified = true
	} else {
		sig := r.Header.Get("X-Signature")
		if !payment.VerifyHMAC(body, sig, a.cfg.WebhookSecret) {
			writeError(w, r, http.StatusUnauthorized, "invalid signature")
			return
		}
		rec.Signature = sig
		rec.Verified = true
	}

	data, err := payment.ParseWebhook(body)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "unparseable payload")
		return
	}
	rec.Provider = data.Provider
	rec.EventType = data.EventType

	p, err := a.payments.Reconcile(r.Context(), data, rec)
	if err != nil {
		handlePaymentError(w, r, err)
		return
	}

	_ = audit.LogEvent(r.Context(), "payment.webhook", map[string]any{
		"paymentId": p.ID,
		"orderId":   p.OrderID,
		"status":    p.Status,
		"provider":  data.Provider,
	})
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"status":  p.Status,
	})
}
