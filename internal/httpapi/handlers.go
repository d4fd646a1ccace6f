package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"campuscard.vn/internal/auth"
	"campuscard.vn/internal/book"
	"campuscard.vn/internal/card"
	"campuscard.vn/internal/obs"
	"campuscard.vn/internal/payment"
	"campuscard.vn/internal/stream"
	"campuscard.vn/internal/txn"
)

// ReadyProbe reports readiness (e.g. DB ping).
type ReadyProbe struct {
	DB *sql.DB
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.PingContext(ctx)
}

// Config carries the request-independent settings of the HTTP layer.
type Config struct {
	Version       string
	Env           string
	WebhookSecret string
	SePayAPIKey   string
}

// API is the HTTP layer.
type API struct {
	mux        *http.ServeMux
	readyProbe ReadyProbe
	cfg        Config

	cards       card.Store
	provisioner *card.Provisioner
	books       book.Service
	txns        txn.Service
	payments    *payment.Core
	stream      *stream.Stream

	rateBurst  int
	ratePerSec int
}

func New(rp ReadyProbe, cfg Config, cards card.Store, books book.Service, txns txn.Service, payments *payment.Core, st *stream.Stream) *API {
	a := &API{
		mux:         http.NewServeMux(),
		readyProbe:  rp,
		cfg:         cfg,
		cards:       cards,
		provisioner: card.NewProvisioner(cards),
		books:       books,
		txns:        txns,
		payments:    payments,
		stream:      st,
		rateBurst:   50,
		ratePerSec:  25,
	}

	// health/ready/info
	a.mux.HandleFunc("/healthz", a.Healthz)
	a.mux.HandleFunc("/readyz", a.Ready)
	a.mux.HandleFunc("/v1/info", a.Info)

	// Prometheus metrics
	a.mux.Handle("/metrics", obs.Handler())

	a.mux.HandleFunc("/v1/auth/login", a.handleLogin)

	a.mux.HandleFunc("/v1/cards", a.handleCardsCollection)
	a.mux.HandleFunc("/v1/cards/", a.handleCardResource)

	a.mux.HandleFunc("/v1/books", a.handleBooksCollection)
	a.mux.HandleFunc("/v1/books/", a.handleBookResource)
	a.mux.HandleFunc("/v1/borrows", a.handleBorrowsCollection)
	a.mux.HandleFunc("/v1/borrows/", a.handleBorrowResource)

	a.mux.HandleFunc("/v1/transactions", a.handleTransactionsCollection)
	a.mux.HandleFunc("/v1/transactions/", a.handleTransactionResource)

	a.mux.HandleFunc("/v1/payments", a.handlePaymentsCollection)
	a.mux.HandleFunc("/v1/payments/", a.handlePaymentResource)

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	return a
}

// Handler returns the full middleware-wrapped handler for the server.
func (a *API) Handler() http.Handler {
	h := a.withAuth(a.mux)
	h = MaxBodyBytes(h, 1<<20)
	h = RateLimit(h, a.rateBurst, a.ratePerSec)
	h = CORS(h)
	h = SecurityHeaders(h)
	h = LoggingJSON(h)
	h = RequestID(h)
	return obs.Instrument(h)
}

// --- Handlers ---

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "campuscard-api",
		"version": a.cfg.Version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.readyProbe.Check(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    "campuscard-api",
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.cfg.Version,
	})
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{
		"error": msg,
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, 1<<20)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

func parsePagination(r *http.Request) (limit, offset int, err error) {
	limit, err = parseBoundedInt(r.URL.Query().Get("limit"), 50, 1, 1000)
	if err != nil {
		return 0, 0, errors.New("limit must be an integer between 1 and 1000")
	}
	offset, err = parseBoundedInt(r.URL.Query().Get("offset"), 0, 0, 1<<30)
	if err != nil {
		return 0, 0, errors.New("offset must be a non-negative integer")
	}
	return limit, offset, nil
}

func parseBoundedInt(raw string, def, min, max int) (int, error) {
	if strings.TrimSpace(raw) == "" {
		return def, nil
	}
	val, err := strconv.Atoi(raw)
	if err != nil || val < min || val > max {
		return 0, errors.New("out of range")
	}
	return val, nil
}

// authError maps authentication and authorization failures.
func authError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, auth.ErrForbidden):
		writeError(w, r, http.StatusForbidden, "forbidden")
	default:
		writeError(w, r, http.StatusUnauthorized, "unauthorized")
	}
}

func handleCardError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, card.ErrNotFound):
		writeError(w, r, http.StatusNotFound, err.Error())
	case errors.Is(err, card.ErrAlreadyExists):
		writeError(w, r, http.StatusConflict, err.Error())
	case errors.Is(err, card.ErrInvalidInput), errors.Is(err, card.ErrNoKeyMaterial):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, card.ErrInactive):
		writeError(w, r, http.StatusConflict, err.Error())
	default:
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}

func handleBookError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, book.ErrNotFound), errors.Is(err, card.ErrNotFound):
		writeError(w, r, http.StatusNotFound, err.Error())
	case errors.Is(err, book.ErrAlreadyExists):
		writeError(w, r, http.StatusConflict, err.Error())
	case errors.Is(err, book.ErrInvalidInput):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, book.ErrNoCopies), errors.Is(err, book.ErrBorrowLimit),
		errors.Is(err, book.ErrAlreadyBorrowed), errors.Is(err, book.ErrAlreadyReturned),
		errors.Is(err, card.ErrInactive), errors.Is(err, txn.ErrInsufficientFunds):
		writeError(w, r, http.StatusConflict, err.Error())
	default:
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}

func handleTxnError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, txn.ErrNotFound), errors.Is(err, card.ErrNotFound):
		writeError(w, r, http.StatusNotFound, err.Error())
	case errors.Is(err, txn.ErrInvalidType), errors.Is(err, txn.ErrInvalidAmount):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, txn.ErrInsufficientFunds):
		writeError(w, r, http.StatusConflict, err.Error())
	default:
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}

func handlePaymentError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, payment.ErrNotFound), errors.Is(err, card.ErrNotFound):
		writeError(w, r, http.StatusNotFound, err.Error())
	case errors.Is(err, payment.ErrInvalidInput), errors.Is(err, payment.ErrAmountMismatch):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, payment.ErrInvalidSignature):
		writeError(w, r, http.StatusUnauthorized, err.Error())
	case errors.Is(err, payment.ErrNotConfigured):
		writeError(w, r, http.StatusServiceUnavailable, err.Error())
	default:
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}
