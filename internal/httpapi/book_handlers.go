package httpapi

import (
	"net/http"
	"strings"
	"time"

	"campuscard.vn/internal/audit"
	"campuscard.vn/internal/auth"
	"campuscard.vn/internal/book"
)

type addBookRequest struct {
	BookID      string `json:"bookId"`
	Title       string `json:"title"`
	Author      string `json:"author"`
	Category    string `json:"category"`
	TotalCopies int    `json:"totalCopies"`
}

type updateBookRequest struct {
	Title           string `json:"title"`
	Author          string `json:"author"`
	Category        string `json:"category"`
	TotalCopies     int    `json:"totalCopies"`
	AvailableCopies int    `json:"availableCopies"`
}

type borrowRequest struct {
	StudentID string `json:"studentId"`
	BookID    string `json:"bookId"`
	BookName  string `json:"bookName"`
	DueDate   string `json:"dueDate"`
}

const defaultLoanDays = 14

func (a *API) handleBooksCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		a.addBook(w, r)
	case http.MethodGet:
		a.listBooks(w, r)
	default:
		methodNotAllowed(w, r, http.MethodPost, http.MethodGet)
	}
}

// handleBookResource dispatches /v1/books/{bookId} and the collection-level
// search, categories and stats lookups. Those three are reserved words a
// title cannot use as its id.
func (a *API) handleBookResource(w http.ResponseWriter, r *http.Request) {
	bookID := strings.TrimPrefix(r.URL.Path, "/v1/books/")
	if bookID == "" || strings.Contains(bookID, "/") {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	switch bookID {
	case "search":
		if r.Method != http.MethodGet {
			methodNotAllowed(w, r, http.MethodGet)
			return
		}
		a.searchBooks(w, r)
		return
	case "categories":
		if r.Method != http.MethodGet {
			methodNotAllowed(w, r, http.MethodGet)
			return
		}
		a.bookCategories(w, r)
		return
	case "stats":
		if r.Method != http.MethodGet {
			methodNotAllowed(w, r, http.MethodGet)
			return
		}
		a.bookStats(w, r)
		return
	}
	switch r.Method {
	case http.MethodGet:
		a.getBook(w, r, bookID)
	case http.MethodPut:
		a.updateBook(w, r, bookID)
	case http.MethodDelete:
		a.deleteBook(w, r, bookID)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPut, http.MethodDelete)
	}
}

func (a *API) addBook(w http.ResponseWriter, r *http.Request) {
	if err := auth.RequireAdmin(r.Context()); err != nil {
		authError(w, r, err)
		return
	}
	var req addBookRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.BookID) == "" || strings.TrimSpace(req.Title) == "" {
		writeError(w, r, http.StatusBadRequest, "bookId and title are required")
		return
	}
	if req.TotalCopies <= 0 {
		writeError(w, r, http.StatusBadRequest, "totalCopies must be > 0")
		return
	}
	b := book.Book{
		BookID:      strings.TrimSpace(req.BookID),
		Title:       strings.TrimSpace(req.Title),
		Author:      strings.TrimSpace(req.Author),
		Category:    strings.TrimSpace(req.Category),
		TotalCopies: req.TotalCopies,
	}
	if err := a.books.AddBook(r.Context(), &b); err != nil {
		handleBookError(w, r, err)
		return
	}
	w.Header().Set("Location", "/v1/books/"+b.BookID)
	writeJSON(w, http.StatusCreated, b)
}

func (a *API) listBooks(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := parsePagination(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	items, total, err := a.books.ListBooks(r.Context(), limit, offset)
	if err != nil {
		handleBookError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, listResponse[book.Book]{Items: items, Total: total, Limit: limit, Offset: offset})
}

func (a *API) searchBooks(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := parsePagination(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	query := strings.TrimSpace(r.URL.Query().Get("q"))
	category := strings.TrimSpace(r.URL.Query().Get("category"))
	items, total, err := a.books.SearchBooks(r.Context(), query, category, limit, offset)
	if err != nil {
		handleBookError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, listResponse[book.Book]{Items: items, Total: total, Limit: limit, Offset: offset})
}

func (a *API) bookCategories(w http.ResponseWriter, r *http.Request) {
	categories, err := a.books.Categories(r.Context())
	if err != nil {
		handleBookError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"categories": categories})
}

func (a *API) bookStats(w http.ResponseWriter, r *http.Request) {
	if err := auth.RequireAdmin(r.Context()); err != nil {
		authError(w, r, err)
		return
	}
	st, err := a.books.InventoryStats(r.Context())
	if err != nil {
		handleBookError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (a *API) getBook(w http.ResponseWriter, r *http.Request, bookID string) {
	b, err := a.books.GetBook(r.Context(), bookID)
	if err != nil {
		handleBookError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (a *API) updateBook(w http.ResponseWriter, r *http.Request, bookID string) {
	if err := auth.RequireAdmin(r.Context()); err != nil {
		authError(w, r, err)
		return
	}
	var req updateBookRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.Title) == "" || req.TotalCopies <= 0 || req.AvailableCopies < 0 {
		writeError(w, r, http.StatusBadRequest, "title, totalCopies and availableCopies must be valid")
		return
	}
	b, err := a.books.UpdateBook(r.Context(), book.Book{
		BookID:          bookID,
		Title:           strings.TrimSpace(req.Title),
		Author:          strings.TrimSpace(req.Author),
		Category:        strings.TrimSpace(req.Category),
		TotalCopies:     req.TotalCopies,
		AvailableCopies: req.AvailableCopies,
	})
	if err != nil {
		handleBookError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (a *API) deleteBook(w http.ResponseWriter, r *http.Request, bookID string) {
	if err := auth.RequireAdmin(r.Context()); err != nil {
		authError(w, r, err)
		return
	}
	if err := a.books.DeleteBook(r.Context(), bookID); err != nil {
		handleBookError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleBorrowsCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		a.createBorrow(w, r)
	case http.MethodGet:
		a.listBorrows(w, r)
	default:
		methodNotAllowed(w, r, http.MethodPost, http.MethodGet)
	}
}

func (a *API) createBorrow(w http.ResponseWriter, r *http.Request) {
	var req borrowRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if err := auth.Authorize(r.Context(), req.StudentID); err != nil {
		authError(w, r, err)
		return
	}

	due := time.Now().UTC().AddDate(0, 0, defaultLoanDays)
	if strings.TrimSpace(req.DueDate) != "" {
		parsed, err := time.Parse(time.RFC3339, req.DueDate)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "dueDate must be RFC 3339")
			return
		}
		due = parsed
	}

	bookName := strings.TrimSpace(req.BookName)
	if bookName == "" {
		b, err := a.books.GetBook(r.Context(), req.BookID)
		if err != nil {
			handleBookError(w, r, err)
			return
		}
		bookName = b.Title
	}

	rec, err := a.books.Borrow(r.Context(), req.StudentID, req.BookID, bookName, due)
	if err != nil {
		handleBookError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "book.borrow", map[string]any{
		"studentId": rec.StudentID,
		"bookId":    rec.BookID,
	})
	writeJSON(w, http.StatusCreated, rec)
}

// listBorrows is admin-wide by default; a studentId filter narrows it to one
// card, which the holder may query themselves.
func (a *API) listBorrows(w http.ResponseWriter, r *http.Request) {
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
	status := strings.TrimSpace(r.URL.Query().Get("status"))
	items, total, err := a.books.ListBorrows(r.Context(), studentID, status, limit, offset)
	if err != nil {
		handleBookError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, listResponse[book.BorrowedBook]{Items: items, Total: total, Limit: limit, Offset: offset})
}

func (a *API) handleBorrowResource(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/v1/borrows/")
	borrowID, action, _ := strings.Cut(path, "/")
	if borrowID == "" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	switch action {
	case "return":
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r, http.MethodPost)
			return
		}
		a.returnBorrow(w, r, borrowID)
	case "":
		if r.Method != http.MethodDelete {
			methodNotAllowed(w, r, http.MethodDelete)
			return
		}
		a.deleteBorrow(w, r, borrowID)
	default:
		writeError(w, r, http.StatusNotFound, "resource not found")
	}
}

func (a *API) returnBorrow(w http.ResponseWriter, r *http.Request, borrowID string) {
	rec, err := a.books.Return(r.Context(), borrowID)
	if err != nil {
		handleBookError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "book.return", map[string]any{
		"borrowId": rec.ID,
		"fine":     rec.Fine,
	})
	writeJSON(w, http.StatusOK, rec)
}

// deleteBorrow erases a borrow record at the counter, e.g. one created by
// mistake. Admin only; deleting an active borrow restores the copy.
func (a *API) deleteBorrow(w http.ResponseWriter, r *http.Request, borrowID string) {
	if err := auth.RequireAdmin(r.Context()); err != nil {
		authError(w, r, err)
		return
	}
	if err := a.books.DeleteBorrow(r.Context(), borrowID); err != nil {
		handleBookError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "book.borrow.delete", map[string]any{"borrowId": borrowID})
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) listCardBorrows(w http.ResponseWriter, r *http.Request, studentID string) {
	if err := auth.Authorize(r.Context(), studentID); err != nil {
		authError(w, r, err)
		return
	}
	limit, offset, err := parsePagination(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	status := strings.TrimSpace(r.URL.Query().Get("status"))
	items, total, err := a.books.ListBorrows(r.Context(), studentID, status, limit, offset)
	if err != nil {
		handleBookError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, listResponse[book.BorrowedBook]{Items: items, Total: total, Limit: limit, Offset: offset})
}

func (a *API) handleCardFines(w http.ResponseWriter, r *http.Request, studentID string) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	if err := auth.Authorize(r.Context(), studentID); err != nil {
		authError(w, r, err)
		return
	}
	items, err := a.books.OutstandingFines(r.Context(), studentID)
	if err != nil {
		handleBookError(w, r, err)
		return
	}
	var total int64
	for _, b := range items {
		total += b.Fine
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items":     items,
		"totalFine": total,
	})
}

func (a *API) payCardFines(w http.ResponseWriter, r *http.Request, studentID string) {
	if err := auth.Authorize(r.Context(), studentID); err != nil {
		authError(w, r, err)
		return
	}
	settlement, err := a.books.PayFines(r.Context(), studentID)
	if err != nil {
		handleBookError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "book.fines.paid", map[string]any{
		"studentId": studentID,
		"totalPaid": settlement.TotalPaid,
		"paidCount": settlement.PaidCount,
	})
	writeJSON(w, http.StatusOK, settlement)
}
