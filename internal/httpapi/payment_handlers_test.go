package httpapi

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"testing"

	"campuscard.vn/internal/card"
	"campuscard.vn/internal/payment"
)

func signBody(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func (c *apiClient) createPayment(studentID string, amount int64, headers map[string]string) createPaymentResponse {
	c.t.Helper()
	resp := c.post("/v1/payments", map[string]any{
		"studentId": studentID,
		"amount":    amount,
	}, headers)
	if resp.StatusCode != http.StatusCreated {
		c.t.Fatalf("create payment status: %d", resp.StatusCode)
	}
	return decode[createPaymentResponse](c.t, resp)
}

func (c *apiClient) postWebhook(body []byte, headers map[string]string) *http.Response {
	c.t.Helper()
	return c.do(http.MethodPost, "/v1/payments/webhook", json.RawMessage(body), headers)
}

func TestCreatePaymentReturnsQRAndBankInfo(t *testing.T) {
	api := newTestAPI(t)
	admin := api.adminHeader()

	api.createCard("SV400", 0, admin)

	p := api.createPayment("SV400", 50_000, admin)
	if p.OrderID == "" || p.Status != payment.StatusPending {
		t.Fatalf("unexpected payment: %+v", p.Payment)
	}
	if p.QRCode == "" {
		t.Fatalf("expected QR code URL")
	}
	if p.BankInfo.AccountNumber != "0123456789" || p.BankInfo.BankCode != "970422" {
		t.Fatalf("unexpected bank info: %+v", p.BankInfo)
	}

	resp := api.get("/v1/payments/"+p.ID, nil, admin)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get payment status: %d", resp.StatusCode)
	}
	got := decode[payment.Payment](t, resp)
	if got.OrderID != p.OrderID {
		t.Fatalf("order id mismatch: %q vs %q", got.OrderID, p.OrderID)
	}
}

func TestGenericWebhookCreditsCard(t *testing.T) {
	api := newTestAPI(t)
	admin := api.adminHeader()

	api.createCard("SV401", 10_000, admin)
	p := api.createPayment("SV401", 50_000, admin)

	body := []byte(fmt.Sprintf(`{"orderId":%q,"amount":50000,"status":"SUCCESS","transactionId":"BANK123"}`, p.OrderID))
	resp := api.postWebhook(body, map[string]string{
		"X-Signature": signBody(body, "webhook-secret"),
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("webhook status: %d", resp.StatusCode)
	}
	ack := decode[map[string]any](t, resp)
	if ack["success"] != true || ack["status"] != payment.StatusSuccess {
		t.Fatalf("unexpected ack: %v", ack)
	}

	resp = api.get("/v1/cards/SV401", nil, admin)
	c := decode[card.Card](t, resp)
	if c.Balance != 60_000 {
		t.Fatalf("balance not credited: %d", c.Balance)
	}

	// Replayed callbacks are acknowledged but credit nothing.
	resp = api.postWebhook(body, map[string]string{
		"X-Signature": signBody(body, "webhook-secret"),
	})
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("replay status: %d", resp.StatusCode)
	}
	resp = api.get("/v1/cards/SV401", nil, admin)
	c = decode[card.Card](t, resp)
	if c.Balance != 60_000 {
		t.Fatalf("replay credited again: %d", c.Balance)
	}
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	api := newTestAPI(t)

	body := []byte(`{"orderId":"PAY0000000000AAAAAA","amount":1000,"status":"SUCCESS"}`)
	resp := api.postWebhook(body, map[string]string{
		"X-Signature": signBody(body, "wrong-secret"),
	})
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}

	resp = api.postWebhook(body, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without signature, got %d", resp.StatusCode)
	}
}

func TestWebhookRejectsAmountMismatch(t *testing.T) {
	api := newTestAPI(t)
	admin := api.adminHeader()

	api.createCard("SV402", 0, admin)
	p := api.createPayment("SV402", 50_000, admin)

	body := []byte(fmt.Sprintf(`{"orderId":%q,"amount":49000,"status":"SUCCESS"}`, p.OrderID))
	resp := api.postWebhook(body, map[string]string{
		"X-Signature": signBody(body, "webhook-secret"),
	})
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}

	resp = api.get("/v1/cards/SV402", nil, admin)
	c := decode[card.Card](t, resp)
	if c.Balance != 0 {
		t.Fatalf("mismatched amount credited: %d", c.Balance)
	}
}

func TestSePayWebhookUsesAPIKey(t *testing.T) {
	api := newTestAPI(t)
	admin := api.adminHeader()

	api.createCard("SV403", 0, admin)
	p := api.createPayment("SV403", 20_000, admin)

	body := []byte(fmt.Sprintf(`{"id":991,"gateway":"MBBank","transferAmount":20000,"description":"CK den %s thanh toan"}`, p.OrderID))

	// Wrong key first.
	resp := api.postWebhook(body, map[string]string{"X-Api-Key": "nope"})
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad api key, got %d", resp.StatusCode)
	}

	resp = api.postWebhook(body, map[string]string{"Authorization": "Apikey sepay-key"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("sepay webhook status: %d", resp.StatusCode)
	}
	ack := decode[map[string]any](t, resp)
	if ack["status"] != payment.StatusSuccess {
		t.Fatalf("unexpected ack: %v", ack)
	}

	resp = api.get("/v1/cards/SV403", nil, admin)
	c := decode[card.Card](t, resp)
	if c.Balance != 20_000 {
		t.Fatalf("balance not credited: %d", c.Balance)
	}
}

func TestCreatePaymentDefaultsToPrincipal(t *testing.T) {
	api := newTestAPI(t)
	admin := api.adminHeader()

	api.createCard("SV404", 0, admin)
	api.createCard("SV405", 0, admin)

	token := userToken(t, api, "SV404")
	user := map[string]string{"Authorization": "Bearer " + token}

	resp := api.post("/v1/payments", map[string]any{"amount": 5_000}, user)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create payment status: %d", resp.StatusCode)
	}
	p := decode[createPaymentResponse](t, resp)
	if p.StudentID != "SV404" {
		t.Fatalf("expected payment bound to caller, got %q", p.StudentID)
	}

	// A holder cannot open a payment for someone else's card.
	resp = api.post("/v1/payments", map[string]any{"studentId": "SV405", "amount": 5_000}, user)
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", resp.StatusCode)
	}
}

func TestListPaymentsAdminAndPerStudent(t *testing.T) {
	api := newTestAPI(t)
	admin := api.adminHeader()

	api.createCard("SV406", 0, admin)
	api.createCard("SV407", 0, admin)
	api.createPayment("SV406", 10_000, admin)
	api.createPayment("SV407", 20_000, admin)

	resp := api.get("/v1/payments", nil, admin)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list payments status: %d", resp.StatusCode)
	}
	page := decode[listResponse[payment.Payment]](t, resp)
	if page.Total != 2 {
		t.Fatalf("admin list total = %d, want 2", page.Total)
	}

	token := userToken(t, api, "SV406")
	user := map[string]string{"Authorization": "Bearer " + token}

	resp = api.get("/v1/payments", url.Values{"studentId": []string{"SV406"}}, user)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("scoped list status: %d", resp.StatusCode)
	}
	page = decode[listResponse[payment.Payment]](t, resp)
	if page.Total != 1 || page.Items[0].StudentID != "SV406" {
		t.Fatalf("scoped list: %+v", page)
	}

	// No filter means the whole ledger; holders don't get that.
	resp = api.get("/v1/payments", nil, user)
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", resp.StatusCode)
	}

	// Nor someone else's filter.
	resp = api.get("/v1/payments", url.Values{"studentId": []string{"SV407"}}, user)
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for foreign filter, got %d", resp.StatusCode)
	}
}
