package stream

import (
	"context"
	"sync"
	"time"

	"campuscard.vn/internal/payment"
)

// PaymentEvent is the live-notification shape pushed to SSE clients when a
// QR payment settles.
type PaymentEvent struct {
	PaymentID string    `json:"paymentId"`
	OrderID   string    `json:"orderId"`
	StudentID string    `json:"studentId,omitempty"`
	Amount    int64     `json:"amount"`
	Currency  string    `json:"currency"`
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// EventFrom adapts a payment into its notification shape.
func EventFrom(p payment.Payment) PaymentEvent {
	return PaymentEvent{
		PaymentID: p.ID,
		OrderID:   p.OrderID,
		StudentID: p.StudentID,
		Amount:    p.Amount,
		Currency:  p.Currency,
		Status:    p.Status,
		Timestamp: time.Now().UTC(),
	}
}

type subscriber struct {
	ch chan PaymentEvent
	// paymentID narrows delivery to one payment; "" receives everything.
	paymentID string
}

// Stream fan-outs payment events to active subscribers (SSE clients). A
// subscriber scoped to a payment id never sees other customers' payments.
type Stream struct {
	mu   sync.RWMutex
	subs map[int]subscriber
	next int
}

// New initialises an empty stream.
func New() *Stream {
	return &Stream{subs: make(map[int]subscriber)}
}

// Subscribe registers an unscoped subscriber and returns a channel which will
// receive every event. The channel is closed when the provided context ends.
func (s *Stream) Subscribe(ctx context.Context) <-chan PaymentEvent {
	return s.subscribe(ctx, "")
}

// SubscribePayment registers a subscriber that only receives events for the
// given payment id.
func (s *Stream) SubscribePayment(ctx context.Context, paymentID string) <-chan PaymentEvent {
	return s.subscribe(ctx, paymentID)
}

func (s *Stream) subscribe(ctx context.Context, paymentID string) <-chan PaymentEvent {
	ch := make(chan PaymentEvent, 16)

	s.mu.Lock()
	id := s.next
	s.next++
	s.subs[id] = subscriber{ch: ch, paymentID: paymentID}
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		delete(s.subs, id)
		close(ch)
		s.mu.Unlock()
	}()

	return ch
}

// Publish adapts a settled payment into an event and fan-outs it to every
// subscriber whose scope matches. It satisfies payment.Publisher.
func (s *Stream) Publish(p payment.Payment) {
	evt := EventFrom(p)
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, sub := range s.subs {
		if sub.paymentID != "" && sub.paymentID != evt.PaymentID {
			continue
		}
		select {
		case sub.ch <- evt:
		default:
			// Drop when subscriber is slow to avoid blocking.
		}
	}
}

var _ payment.Publisher = (*Stream)(nil)
