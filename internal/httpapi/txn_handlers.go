package httpapi

import (
	"net/http"
	"strings"
	"time"

	"campuscard.vn/internal/audit"
	"campuscard.vn/internal/auth"
	"campuscard.vn/internal/txn"
)

type applyTransactionRequest struct {
	StudentID   string `json:"studentId"`
	Type        string `json:"type"`
	Amount      int64  `json:"amount"`
	Description string `json:"description"`
}

func (a *API) handleTransactionsCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		a.applyTransaction(w, r)
	case http.MethodGet:
		a.listAllTransactions(w, r)
	default:
		methodNotAllowed(w, r, http.MethodPost, http.MethodGet)
	}
}

func (a *API) handleTransactionResource(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/v1/transactions/")
	if id == "" || strings.Contains(id, "/") {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	rec, err := a.txns.Get(r.Context(), id)
	if err != nil {
		handleTxnError(w, r, err)
		return
	}
	if err := auth.Authorize(r.Context(), rec.StudentID); err != nil {
		authError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// applyTransaction moves money on a card at the counter; topups add, every
// other type deducts with the insufficient-funds check.
func (a *API) applyTransaction(w http.ResponseWriter, r *http.Request) {
	if err := auth.RequireAdmin(r.Context()); err != nil {
		authError(w, r, err)
		return
	}
	var req applyTransactionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.StudentID) == "" {
		writeError(w, r, http.StatusBadRequest, "studentId is required")
		return
	}

	rec, err := a.txns.Apply(r.Context(), req.StudentID, strings.ToLower(strings.TrimSpace(req.Type)),
		req.Amount, strings.TrimSpace(req.Description))
	if err != nil {
		handleTxnError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "txn.apply", map[string]any{
		"studentId": rec.StudentID,
		"type":      rec.Type,
		"amount":    rec.Amount,
	})
	writeJSON(w, http.StatusCreated, rec)
}

func (a *API) listAllTransactions(w http.ResponseWriter, r *http.Request) {
	if err := auth.RequireAdmin(r.Context()); err != nil {
		authError(w, r, err)
		return
	}
	a.listTransactions(w, r, "")
}

func (a *API) listCardTransactions(w http.ResponseWriter, r *http.Request, studentID string) {
	if err := auth.Authorize(r.Context(), studentID); err != nil {
		authError(w, r, err)
		return
	}
	a.listTransactions(w, r, studentID)
}

func (a *API) cardTransactionStats(w http.ResponseWriter, r *http.Request, studentID string) {
	if err := auth.Authorize(r.Context(), studentID); err != nil {
		authError(w, r, err)
		return
	}
	st, err := a.txns.Stats(r.Context(), studentID)
	if err != nil {
		handleTxnError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (a *API) listTransactions(w http.ResponseWriter, r *http.Request, studentID string) {
	limit, offset, err := parsePagination(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	f := txn.Filter{
		StudentID: studentID,
		Type:      strings.TrimSpace(r.URL.Query().Get("type")),
		Status:    strings.TrimSpace(r.URL.Query().Get("status")),
	}
	if raw := strings.TrimSpace(r.URL.Query().Get("from")); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "from must be RFC 3339")
			return
		}
		f.From = t
	}
	if raw := strings.TrimSpace(r.URL.Query().Get("to")); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "to must be RFC 3339")
			return
		}
		f.To = t
	}

	items, total, err := a.txns.List(r.Context(), f, limit, offset)
	if err != nil {
		handleTxnError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, listResponse[txn.Transaction]{Items: items, Total: total, Limit: limit, Offset: offset})
}
