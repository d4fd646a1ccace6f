package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"campuscard.vn/internal/auth"
	"campuscard.vn/internal/book"
	"campuscard.vn/internal/card"
	"campuscard.vn/internal/payment"
	"campuscard.vn/internal/stream"
	"campuscard.vn/internal/txn"
)

const testAdminID = "QL001"

type apiClient struct {
	baseURL string
	client  *http.Client
	t       *testing.T
}

func newTestAPI(t *testing.T) *apiClient {
	t.Helper()

	t.Setenv("CAMPUSCARD_AUTH_SECRET", "test-secret")
	t.Setenv("CAMPUSCARD_ADMIN_ID", testAdminID)
	t.Setenv("VIETQR_BANK_CODE", "970422")
	t.Setenv("VIETQR_ACCOUNT_NUMBER", "0123456789")
	t.Setenv("VIETQR_ACCOUNT_NAME", "CAMPUS LIBRARY")
	auth.ResetSecretForTests()
	auth.ResetAdminIDForTests()
	auth.ResetAdminPasswordForTests()

	cards := card.NewInMemory()
	txns := txn.NewInMemory(cards)
	books := book.NewInMemory(cards, txns)
	events := stream.New()
	payments := payment.NewCore(payment.NewInMemoryStore(), cards, txns, payment.BankConfigFromEnv(), events)

	cfg := Config{
		Version:       "test",
		Env:           "test",
		WebhookSecret: "webhook-secret",
		SePayAPIKey:   "sepay-key",
	}
	api := New(ReadyProbe{}, cfg, cards, books, txns, payments, events)
	api.rateBurst = 1000
	api.ratePerSec = 1000

	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)

	return &apiClient{
		baseURL: srv.URL,
		client:  srv.Client(),
		t:       t,
	}
}

func (c *apiClient) do(method, path string, body any, headers map[string]string) *http.Response {
	c.t.Helper()
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			c.t.Fatalf("marshal body: %v", err)
		}
	}
	req, err := http.NewRequest(method, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		c.t.Fatalf("new request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.t.Fatalf("do request: %v", err)
	}
	return resp
}

func (c *apiClient) post(path string, body any, headers map[string]string) *http.Response {
	return c.do(http.MethodPost, path, body, headers)
}

func (c *apiClient) get(path string, params url.Values, headers map[string]string) *http.Response {
	c.t.Helper()
	u, err := url.Parse(c.baseURL + path)
	if err != nil {
		c.t.Fatalf("parse url: %v", err)
	}
	if params != nil {
		u.RawQuery = params.Encode()
	}
	req, err := http.NewRequest(http.MethodGet, u.String(), nil)
	if err != nil {
		c.t.Fatalf("new request: %v", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.t.Fatalf("get request: %v", err)
	}
	return resp
}

// obtainToken logs in. The admin identity needs no signature; everyone else
// must pass a signed challenge through loginWithKey instead.
func (c *apiClient) obtainToken(studentID string) string {
	c.t.Helper()
	resp := c.post("/v1/auth/login", map[string]any{"studentId": studentID}, nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		c.t.Fatalf("unexpected login status: %d", resp.StatusCode)
	}
	var payload loginResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		c.t.Fatalf("decode login response: %v", err)
	}
	if payload.Token == "" {
		c.t.Fatalf("empty token issued")
	}
	return payload.Token
}

func (c *apiClient) adminHeader() map[string]string {
	return map[string]string{"Authorization": "Bearer " + c.obtainToken(testAdminID)}
}

func (c *apiClient) createCard(studentID string, balance int64, headers map[string]string) {
	c.t.Helper()
	resp := c.post("/v1/cards", map[string]any{
		"studentId":  studentID,
		"holderName": "Nguyen Van A",
		"department": "CNTT",
		"balance":    balance,
	}, headers)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		c.t.Fatalf("create card %s: unexpected status %d", studentID, resp.StatusCode)
	}
}

func decode[T any](t *testing.T, r *http.Response) T {
	t.Helper()
	defer r.Body.Close()
	var v T
	if err := json.NewDecoder(r.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

func TestHealthAndInfo(t *testing.T) {
	api := newTestAPI(t)

	resp := api.get("/healthz", nil, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz status: %d", resp.StatusCode)
	}

	resp = api.get("/v1/info", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("info status: %d", resp.StatusCode)
	}
	info := decode[map[string]any](t, resp)
	if info["version"] != "test" {
		t.Fatalf("unexpected version: %v", info["version"])
	}
}

func TestCardLifecycle(t *testing.T) {
	api := newTestAPI(t)
	admin := api.adminHeader()

	api.createCard("SV001", 50_000, admin)

	resp := api.get("/v1/cards/SV001", nil, admin)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get card status: %d", resp.StatusCode)
	}
	c := decode[card.Card](t, resp)
	if c.Balance != 50_000 || c.Status != card.StatusActive {
		t.Fatalf("unexpected card: %+v", c)
	}

	resp = api.do(http.MethodPut, "/v1/cards/SV001", map[string]any{
		"holderName": "Tran Thi B",
	}, admin)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("update card status: %d", resp.StatusCode)
	}
	c = decode[card.Card](t, resp)
	if c.HolderName != "Tran Thi B" {
		t.Fatalf("update not applied: %+v", c)
	}

	resp = api.do(http.MethodPatch, "/v1/cards/SV001/balance", map[string]any{
		"delta": -10_000,
	}, admin)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("adjust balance status: %d", resp.StatusCode)
	}
	c = decode[card.Card](t, resp)
	if c.Balance != 40_000 {
		t.Fatalf("unexpected balance after adjust: %d", c.Balance)
	}

	resp = api.get("/v1/cards", url.Values{"limit": []string{"10"}}, admin)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list cards status: %d", resp.StatusCode)
	}
	page := decode[listResponse[card.Card]](t, resp)
	if page.Total != 1 || len(page.Items) != 1 {
		t.Fatalf("unexpected list page: total=%d items=%d", page.Total, len(page.Items))
	}

	resp = api.do(http.MethodDelete, "/v1/cards/SV001", nil, admin)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete card status: %d", resp.StatusCode)
	}

	resp = api.get("/v1/cards/SV001", nil, admin)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 after delete, got %d", resp.StatusCode)
	}
}

func TestAPIEnforcesAuth(t *testing.T) {
	api := newTestAPI(t)

	resp := api.post("/v1/cards", map[string]any{"studentId": "SV001"}, nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
	var errBody map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&errBody); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	if errBody["error"] == "" {
		t.Fatalf("expected error message")
	}
	if errBody["request_id"] == "" {
		t.Fatalf("expected request_id in error body")
	}
}

func TestBorrowAndReturnFlow(t *testing.T) {
	api := newTestAPI(t)
	admin := api.adminHeader()

	api.createCard("SV002", 0, admin)

	resp := api.post("/v1/books", map[string]any{
		"bookId":      "B001",
		"title":       "Clean Architecture",
		"author":      "Robert C. Martin",
		"totalCopies": 2,
	}, admin)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("add book status: %d", resp.StatusCode)
	}
	b := decode[book.Book](t, resp)
	if b.AvailableCopies != 2 {
		t.Fatalf("unexpected available copies: %d", b.AvailableCopies)
	}

	resp = api.post("/v1/borrows", map[string]any{
		"studentId": "SV002",
		"bookId":    "B001",
	}, admin)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("borrow status: %d", resp.StatusCode)
	}
	rec := decode[book.BorrowedBook](t, resp)
	if rec.BookName != "Clean Architecture" || rec.Status != book.StatusBorrowed {
		t.Fatalf("unexpected borrow record: %+v", rec)
	}

	resp = api.get("/v1/books/B001", nil, admin)
	b = decode[book.Book](t, resp)
	if b.AvailableCopies != 1 {
		t.Fatalf("copy not decremented: %d", b.AvailableCopies)
	}

	resp = api.post("/v1/borrows/"+rec.ID+"/return", nil, admin)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("return status: %d", resp.StatusCode)
	}
	returned := decode[book.BorrowedBook](t, resp)
	if returned.Status != book.StatusReturned || returned.Fine != 0 {
		t.Fatalf("unexpected returned record: %+v", returned)
	}

	resp = api.get("/v1/cards/SV002/borrows", nil, admin)
	page := decode[listResponse[book.BorrowedBook]](t, resp)
	if page.Total != 1 {
		t.Fatalf("unexpected borrow history total: %d", page.Total)
	}
}

func TestTransactionsRequireAdminToApply(t *testing.T) {
	api := newTestAPI(t)
	admin := api.adminHeader()

	api.createCard("SV003", 5_000, admin)

	resp := api.post("/v1/transactions", map[string]any{
		"studentId":   "SV003",
		"type":        "topup",
		"amount":      20_000,
		"description": "counter deposit",
	}, admin)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("apply status: %d", resp.StatusCode)
	}
	rec := decode[txn.Transaction](t, resp)
	if rec.BalanceAfter != 25_000 {
		t.Fatalf("unexpected balance after: %d", rec.BalanceAfter)
	}

	resp = api.get("/v1/cards/SV003/transactions", nil, admin)
	page := decode[listResponse[txn.Transaction]](t, resp)
	if page.Total != 1 {
		t.Fatalf("unexpected ledger total: %d", page.Total)
	}

	resp = api.get("/v1/transactions/"+rec.ID, nil, admin)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get transaction status: %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestMethodNotAllowedSetsAllowHeader(t *testing.T) {
	api := newTestAPI(t)

	resp := api.do(http.MethodDelete, "/v1/auth/login", nil, nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", resp.StatusCode)
	}
	if resp.Header.Get("Allow") != http.MethodPost {
		t.Fatalf("unexpected Allow header: %q", resp.Header.Get("Allow"))
	}
}

func TestBookSearchCategoriesAndStats(t *testing.T) {
	api := newTestAPI(t)
	admin := api.adminHeader()

	for _, b := range []map[string]any{
		{"bookId": "B010", "title": "Clean Architecture", "author": "Robert C. Martin", "category": "Software", "totalCopies": 2},
		{"bookId": "B011", "title": "Clean Code", "author": "Robert C. Martin", "category": "Software", "totalCopies": 3},
		{"bookId": "B012", "title": "Truyen Kieu", "author": "Nguyen Du", "category": "Literature", "totalCopies": 1},
	} {
		resp := api.post("/v1/books", b, admin)
		resp.Body.Close()
		if resp.StatusCode != http.StatusCreated {
			t.Fatalf("add book status: %d", resp.StatusCode)
		}
	}

	resp := api.get("/v1/books/search", url.Values{"q": []string{"clean"}}, admin)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("search status: %d", resp.StatusCode)
	}
	page := decode[listResponse[book.Book]](t, resp)
	if page.Total != 2 {
		t.Fatalf("search total = %d, want 2", page.Total)
	}

	resp = api.get("/v1/books/search", url.Values{"q": []string{"clean"}, "category": []string{"Literature"}}, admin)
	page = decode[listResponse[book.Book]](t, resp)
	if page.Total != 0 {
		t.Fatalf("disjoint search total = %d, want 0", page.Total)
	}

	resp = api.get("/v1/books/categories", nil, admin)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("categories status: %d", resp.StatusCode)
	}
	cats := decode[map[string][]string](t, resp)
	if got := cats["categories"]; len(got) != 2 || got[0] != "Literature" || got[1] != "Software" {
		t.Fatalf("categories = %v", got)
	}

	resp = api.get("/v1/books/stats", nil, admin)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("stats status: %d", resp.StatusCode)
	}
	st := decode[book.InventoryStats](t, resp)
	if st.TotalTitles != 3 || st.TotalCopies != 6 || st.AvailableCopies != 6 {
		t.Fatalf("stats = %+v", st)
	}

	// Inventory stats are an admin view.
	api.createCard("SV020", 0, admin)
	token := userToken(t, api, "SV020")
	resp = api.get("/v1/books/stats", nil, map[string]string{"Authorization": "Bearer " + token})
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for holder, got %d", resp.StatusCode)
	}
}

func TestBorrowsAdminListAndDelete(t *testing.T) {
	api := newTestAPI(t)
	admin := api.adminHeader()

	api.createCard("SV021", 0, admin)
	api.createCard("SV022", 0, admin)

	borrow := func(studentID, bookID string) book.BorrowedBook {
		resp := api.post("/v1/borrows", map[string]any{
			"studentId": studentID,
			"bookId":    bookID,
			"bookName":  "Title " + bookID,
		}, admin)
		if resp.StatusCode != http.StatusCreated {
			t.Fatalf("borrow status: %d", resp.StatusCode)
		}
		return decode[book.BorrowedBook](t, resp)
	}
	rec := borrow("SV021", "B020")
	borrow("SV022", "B021")

	resp := api.get("/v1/borrows", nil, admin)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list borrows status: %d", resp.StatusCode)
	}
	page := decode[listResponse[book.BorrowedBook]](t, resp)
	if page.Total != 2 {
		t.Fatalf("all borrows total = %d, want 2", page.Total)
	}

	token := userToken(t, api, "SV021")
	user := map[string]string{"Authorization": "Bearer " + token}

	resp = api.get("/v1/borrows", nil, user)
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for unscoped holder list, got %d", resp.StatusCode)
	}
	resp = api.get("/v1/borrows", url.Values{"studentId": []string{"SV021"}}, user)
	page = decode[listResponse[book.BorrowedBook]](t, resp)
	if page.Total != 1 {
		t.Fatalf("scoped borrows total = %d, want 1", page.Total)
	}

	resp = api.do(http.MethodDelete, "/v1/borrows/"+rec.ID, nil, user)
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for holder delete, got %d", resp.StatusCode)
	}

	resp = api.do(http.MethodDelete, "/v1/borrows/"+rec.ID, nil, admin)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete borrow status: %d", resp.StatusCode)
	}
	resp = api.get("/v1/borrows", nil, admin)
	page = decode[listResponse[book.BorrowedBook]](t, resp)
	if page.Total != 1 {
		t.Fatalf("total after delete = %d, want 1", page.Total)
	}
}

func TestCardTransactionStats(t *testing.T) {
	api := newTestAPI(t)
	admin := api.adminHeader()

	api.createCard("SV023", 0, admin)
	for _, req := range []map[string]any{
		{"studentId": "SV023", "type": "topup", "amount": 50_000},
		{"studentId": "SV023", "type": "topup", "amount": 20_000},
		{"studentId": "SV023", "type": "payment", "amount": 30_000},
	} {
		resp := api.post("/v1/transactions", req, admin)
		resp.Body.Close()
		if resp.StatusCode != http.StatusCreated {
			t.Fatalf("apply status: %d", resp.StatusCode)
		}
	}

	resp := api.get("/v1/cards/SV023/transactions/stats", nil, admin)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("stats status: %d", resp.StatusCode)
	}
	st := decode[txn.Stats](t, resp)
	if st.Count != 3 {
		t.Fatalf("Count = %d, want 3", st.Count)
	}
	if got := st.ByType[txn.TypeTopup]; got.Count != 2 || got.Amount != 70_000 {
		t.Fatalf("topup stat = %+v", got)
	}

	resp = api.get("/v1/cards/SV999/transactions/stats", nil, admin)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown card, got %d", resp.StatusCode)
	}
}

func TestBalanceAdjustmentMayGoNegative(t *testing.T) {
	api := newTestAPI(t)
	admin := api.adminHeader()

	api.createCard("SV024", 10_000, admin)

	resp := api.do(http.MethodPatch, "/v1/cards/SV024/balance", map[string]any{
		"delta": -15_000,
	}, admin)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("adjust status: %d", resp.StatusCode)
	}
	c := decode[card.Card](t, resp)
	if c.Balance != -5_000 {
		t.Fatalf("balance = %d, want -5000", c.Balance)
	}

	resp = api.get("/v1/cards/SV024", nil, admin)
	c = decode[card.Card](t, resp)
	if c.Balance != -5_000 {
		t.Fatalf("persisted balance = %d, want -5000", c.Balance)
	}
}
