package httpapi

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"testing"

	"campuscard.vn/internal/payment"
	"campuscard.vn/internal/stream"
)

func (c *apiClient) settleByWebhook(orderID string, amount int64) {
	c.t.Helper()
	body := []byte(fmt.Sprintf(`{"orderId":%q,"amount":%d,"status":"SUCCESS","transactionId":"BANK-%s"}`, orderID, amount, orderID))
	resp := c.postWebhook(body, map[string]string{
		"X-Signature": signBody(body, "webhook-secret"),
	})
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		c.t.Fatalf("webhook status: %d", resp.StatusCode)
	}
}

// nextEvent reads SSE lines until the next data frame and decodes it.
func nextEvent(t *testing.T, scanner *bufio.Scanner) (stream.PaymentEvent, bool) {
	t.Helper()
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var evt stream.PaymentEvent
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &evt); err != nil {
			t.Fatalf("decode event %q: %v", line, err)
		}
		return evt, true
	}
	return stream.PaymentEvent{}, false
}

func TestPaymentStreamScopedToOnePayment(t *testing.T) {
	api := newTestAPI(t)
	admin := api.adminHeader()

	api.createCard("SV410", 0, admin)
	api.createCard("SV411", 0, admin)
	mine := api.createPayment("SV410", 50_000, admin)
	other := api.createPayment("SV411", 70_000, admin)

	// Kiosks hold only the payment id; no bearer token on the stream.
	resp := api.get("/v1/payments/"+mine.ID+"/stream", nil, nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("stream status: %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Content-Type = %q", ct)
	}

	scanner := bufio.NewScanner(resp.Body)

	snapshot, ok := nextEvent(t, scanner)
	if !ok {
		t.Fatal("no snapshot event")
	}
	if snapshot.PaymentID != mine.ID || snapshot.Status != payment.StatusPending {
		t.Fatalf("snapshot = %+v", snapshot)
	}

	// Settle the unrelated payment first; its event must never arrive here.
	api.settleByWebhook(other.OrderID, 70_000)
	api.settleByWebhook(mine.OrderID, 50_000)

	evt, ok := nextEvent(t, scanner)
	if !ok {
		t.Fatal("stream closed without a settlement event")
	}
	if evt.PaymentID != mine.ID {
		t.Fatalf("received foreign payment event %+v", evt)
	}
	if evt.OrderID == other.OrderID || evt.StudentID == "SV411" {
		t.Fatalf("foreign payment leaked into scoped stream: %+v", evt)
	}
	if evt.Status != payment.StatusSuccess {
		t.Fatalf("Status = %q, want %q", evt.Status, payment.StatusSuccess)
	}

	// Terminal status ends the stream.
	if evt, ok := nextEvent(t, scanner); ok {
		t.Fatalf("stream stayed open after settlement: %+v", evt)
	}
}

func TestPaymentStreamSendsSnapshotForSettledPayment(t *testing.T) {
	api := newTestAPI(t)
	admin := api.adminHeader()

	api.createCard("SV412", 0, admin)
	p := api.createPayment("SV412", 30_000, admin)
	api.settleByWebhook(p.OrderID, 30_000)

	resp := api.get("/v1/payments/"+p.ID+"/stream", nil, nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("stream status: %d", resp.StatusCode)
	}

	scanner := bufio.NewScanner(resp.Body)
	evt, ok := nextEvent(t, scanner)
	if !ok {
		t.Fatal("no snapshot event")
	}
	if evt.PaymentID != p.ID || evt.Status != payment.StatusSuccess {
		t.Fatalf("snapshot = %+v", evt)
	}
	if _, ok := nextEvent(t, scanner); ok {
		t.Fatal("stream stayed open for a settled payment")
	}
}

func TestPaymentStreamUnknownPayment(t *testing.T) {
	api := newTestAPI(t)

	resp := api.get("/v1/payments/no-such-id/stream", nil, nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}
