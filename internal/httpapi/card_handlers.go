package httpapi

import (
	"net/http"
	"strings"

	"campuscard.vn/internal/audit"
	"campuscard.vn/internal/auth"
	"campuscard.vn/internal/card"
)

type createCardRequest struct {
	StudentID  string `json:"studentId"`
	HolderName string `json:"holderName"`
	Email      string `json:"email"`
	Department string `json:"department"`
	BirthDate  string `json:"birthDate"`
	Address    string `json:"address"`
	Balance    int64  `json:"balance"`
	ImagePath  string `json:"imagePath"`
}

type updateCardRequest struct {
	HolderName *string `json:"holderName"`
	Email      *string `json:"email"`
	Department *string `json:"department"`
	BirthDate  *string `json:"birthDate"`
	Address    *string `json:"address"`
	Status     *string `json:"status"`
	ImagePath  *string `json:"imagePath"`
}

type listResponse[T any] struct {
	Items  []T `json:"items"`
	Total  int `json:"total"`
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
}

func (a *API) handleCardsCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		a.createCard(w, r)
	case http.MethodGet:
		a.listCards(w, r)
	default:
		methodNotAllowed(w, r, http.MethodPost, http.MethodGet)
	}
}

// handleCardResource dispatches /v1/cards/{studentId}[/...] and the
// collection-level /v1/cards/encrypted-key lookup.
func (a *API) handleCardResource(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/v1/cards/")
	if path == "" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	if path == "encrypted-key" {
		a.handleEncryptedKey(w, r)
		return
	}

	studentID, sub, _ := strings.Cut(path, "/")
	if studentID == "" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}

	switch sub {
	case "":
		switch r.Method {
		case http.MethodGet:
			a.getCard(w, r, studentID)
		case http.MethodPut:
			a.updateCard(w, r, studentID)
		case http.MethodDelete:
			a.deleteCard(w, r, studentID)
		default:
			methodNotAllowed(w, r, http.MethodGet, http.MethodPut, http.MethodDelete)
		}
	case "balance":
		if r.Method != http.MethodPatch {
			methodNotAllowed(w, r, http.MethodPatch)
			return
		}
		a.adjustBalance(w, r, studentID)
	case "rsa-key":
		a.handleCardKey(w, r, studentID)
	case "borrows":
		if r.Method != http.MethodGet {
			methodNotAllowed(w, r, http.MethodGet)
			return
		}
		a.listCardBorrows(w, r, studentID)
	case "fines":
		a.handleCardFines(w, r, studentID)
	case "fines/pay":
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r, http.MethodPost)
			return
		}
		a.payCardFines(w, r, studentID)
	case "transactions":
		if r.Method != http.MethodGet {
			methodNotAllowed(w, r, http.MethodGet)
			return
		}
		a.listCardTransactions(w, r, studentID)
	case "transactions/stats":
		if r.Method != http.MethodGet {
			methodNotAllowed(w, r, http.MethodGet)
			return
		}
		a.cardTransactionStats(w, r, studentID)
	default:
		writeError(w, r, http.StatusNotFound, "resource not found")
	}
}

func (a *API) createCard(w http.ResponseWriter, r *http.Request) {
	if err := auth.RequireAdmin(r.Context()); err != nil {
		authError(w, r, err)
		return
	}
	var req createCardRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.StudentID) == "" || strings.TrimSpace(req.HolderName) == "" {
		writeError(w, r, http.StatusBadRequest, "studentId and holderName are required")
		return
	}
	if req.Balance < 0 {
		writeError(w, r, http.StatusBadRequest, "balance must be >= 0")
		return
	}

	c := card.Card{
		StudentID:  strings.TrimSpace(req.StudentID),
		HolderName: strings.TrimSpace(req.HolderName),
		Email:      strings.TrimSpace(req.Email),
		Department: strings.TrimSpace(req.Department),
		BirthDate:  strings.TrimSpace(req.BirthDate),
		Address:    strings.TrimSpace(req.Address),
		Status:     card.StatusActive,
		Balance:    req.Balance,
		ImagePath:  strings.TrimSpace(req.ImagePath),
	}
	if err := a.cards.Create(r.Context(), &c); err != nil {
		handleCardError(w, r, err)
		return
	}

	_ = audit.LogEvent(r.Context(), "card.create", map[string]any{"studentId": c.StudentID})
	w.Header().Set("Location", "/v1/cards/"+c.StudentID)
	writeJSON(w, http.StatusCreated, c)
}

func (a *API) listCards(w http.ResponseWriter, r *http.Request) {
	if err := auth.RequireAdmin(r.Context()); err != nil {
		authError(w, r, err)
		return
	}
	limit, offset, err := parsePagination(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	items, total, err := a.cards.List(r.Context(), limit, offset)
	if err != nil {
		handleCardError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, listResponse[card.Card]{Items: items, Total: total, Limit: limit, Offset: offset})
}

func (a *API) getCard(w http.ResponseWriter, r *http.Request, studentID string) {
	if err := auth.Authorize(r.Context(), studentID); err != nil {
		authError(w, r, err)
		return
	}
	c, err := a.cards.Get(r.Context(), studentID)
	if err != nil {
		handleCardError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (a *API) updateCard(w http.ResponseWriter, r *http.Request, studentID string) {
	if err := auth.RequireAdmin(r.Context()); err != nil {
		authError(w, r, err)
		return
	}
	var req updateCardRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	upd := card.Update{
		HolderName: req.HolderName,
		Email:      req.Email,
		Department: req.Department,
		BirthDate:  req.BirthDate,
		Address:    req.Address,
		Status:     req.Status,
		ImagePath:  req.ImagePath,
	}
	c, err := a.cards.Update(r.Context(), studentID, upd)
	if err != nil {
		handleCardError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "card.update", map[string]any{"studentId": c.StudentID})
	writeJSON(w, http.StatusOK, c)
}

func (a *API) deleteCard(w http.ResponseWriter, r *http.Request, studentID string) {
	if err := auth.RequireAdmin(r.Context()); err != nil {
		authError(w, r, err)
		return
	}
	if err := a.cards.Delete(r.Context(), studentID); err != nil {
		handleCardError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "card.delete", map[string]any{"studentId": studentID})
	w.WriteHeader(http.StatusNoContent)
}

type adjustBalanceRequest struct {
	Delta int64 `json:"delta"`
}

// adjustBalance applies a signed correction directly; regular money movement
// goes through the transactions endpoint so it lands in the ledger.
func (a *API) adjustBalance(w http.ResponseWriter, r *http.Request, studentID string) {
	if err := auth.RequireAdmin(r.Context()); err != nil {
		authError(w, r, err)
		return
	}
	var req adjustBalanceRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if req.Delta == 0 {
		writeError(w, r, http.StatusBadRequest, "delta must be non-zero")
		return
	}
	c, err := a.cards.AdjustBalance(r.Context(), studentID, req.Delta)
	if err != nil {
		handleCardError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "card.balance.adjust", map[string]any{
		"studentId": c.StudentID,
		"delta":     req.Delta,
	})
	writeJSON(w, http.StatusOK, c)
}
