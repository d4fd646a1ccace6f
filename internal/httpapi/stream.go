package httpapi

import (
	"context"
	"encoding/json"
	"net/http"

	"campuscard.vn/internal/payment"
	"campuscard.vn/internal/stream"
)

// StreamPayments pushes status events for a single payment over Server-Sent
// Events. Kiosks connect without a session; knowing the payment id is the
// subscription capability. The current state is sent first, and the stream
// closes once the payment leaves PENDING.
func (a *API) StreamPayments(w http.ResponseWriter, r *http.Request, paymentID string) {
	if a.stream == nil {
		http.Error(w, "streaming disabled", http.StatusServiceUnavailable)
		return
	}

	p, err := a.payments.Get(r.Context(), paymentID)
	if err != nil {
		handlePaymentError(w, r, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	ch := a.stream.SubscribePayment(ctx, p.ID)

	// Send an initial comment to establish the stream
	_, _ = w.Write([]byte(": stream started\n\n"))
	flusher.Flush()

	write := func(evt stream.PaymentEvent) {
		payload, err := json.Marshal(evt)
		if err != nil {
			return
		}
		_, _ = w.Write([]byte("data: "))
		_, _ = w.Write(payload)
		_, _ = w.Write([]byte("\n\n"))
		flusher.Flush()
	}

	// Late subscribers to an already-settled payment still get its state.
	write(stream.EventFrom(p))
	if p.Status != payment.StatusPending {
		return
	}

	for evt := range ch {
		write(evt)
		if evt.Status != payment.StatusPending {
			return
		}
	}
}
