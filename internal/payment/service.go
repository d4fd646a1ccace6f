package payment

import (
	"context"
	"crypto/rand"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"campuscard.vn/internal/card"
	"campuscard.vn/internal/ids"
	"campuscard.vn/internal/txn"
)

// Store defines payment persistence.
type Store interface {
	Create(ctx context.Context, p *Payment) error
	Get(ctx context.Context, id string) (Payment, error)
	FindByOrderID(ctx context.Context, orderID string) (Payment, error)
	Update(ctx context.Context, p Payment) error
	List(ctx context.Context, studentID string, limit, offset int) ([]Payment, int, error)
	LogWebhook(ctx context.Context, rec *WebhookRecord) error
}

// Publisher receives settled-payment events for live delivery.
type Publisher interface {
	Publish(p Payment)
}

// Core creates QR payments and reconciles provider callbacks against them.
type Core struct {
	store Store
	cards card.Store
	txns  txn.Service
	bank  BankConfig
	pub   Publisher
	now   func() time.Time
}

// NewCore wires the payment service. pub may be nil when no live stream is
// attached.
func NewCore(store Store, cards card.Store, txns txn.Service, bank BankConfig, pub Publisher) *Core {
	return &Core{store: store, cards: cards, txns: txns, bank: bank, pub: pub, now: time.Now}
}

// SetNowForTests overrides the clock.
func (c *Core) SetNowForTests(now func() time.Time) { c.now = now }

// Create opens a pending VietQR payment for a card top-up.
func (c *Core) Create(ctx context.Context, studentID string, amount int64, description string) (Payment, error) {
	if !c.bank.Configured() {
		return Payment{}, ErrNotConfigured
	}
	if amount <= 0 || amount > maxAmount {
		return Payment{}, ErrInvalidInput
	}
	if studentID != "" {
		if _, err := c.cards.Get(ctx, studentID); err != nil {
			return Payment{}, err
		}
	}

	now := c.now().UTC()
	orderID, err := newOrderID(now)
	if err != nil {
		return Payment{}, err
	}
	if description == "" {
		description = "Card top-up"
	}
	p := Payment{
		ID:            ids.New(),
		StudentID:     studentID,
		OrderID:       orderID,
		Amount:        amount,
		Currency:      "VND",
		Status:        StatusPending,
		QRCode:        c.bank.qrImageURL(amount, orderID),
		BankCode:      c.bank.BankCode,
		AccountNumber: c.bank.AccountNumber,
		AccountName:   c.bank.AccountName,
		Description:   description,
		ExpiredAt:     now.Add(Expiry),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := c.store.Create(ctx, &p); err != nil {
		return Payment{}, err
	}
	return p, nil
}

// Get returns a payment by id, marking it expired on read when the QR window
// has lapsed without settlement.
func (c *Core) Get(ctx context.Context, id string) (Payment, error) {
	p, err := c.store.Get(ctx, id)
	if err != nil {
		return Payment{}, err
	}
	return c.expireIfDue(ctx, p)
}

// List returns payments, newest first, optionally scoped to one card.
func (c *Core) List(ctx context.Context, studentID string, limit, offset int) ([]Payment, int, error) {
	return c.store.List(ctx, studentID, limit, offset)
}

// Bank returns the configured transfer destination.
func (c *Core) Bank() (BankInfo, error) {
	if !c.bank.Configured() {
		return BankInfo{}, ErrNotConfigured
	}
	return BankInfo{
		BankCode:      c.bank.BankCode,
		AccountNumber: c.bank.AccountNumber,
		AccountName:   c.bank.AccountName,
	}, nil
}

// Reconcile applies one verified provider callback. Every callback is logged
// first; then the referenced payment is settled exactly once. A repeat
// callback for an already-successful payment is acknowledged without effect,
// and an amount that disagrees with the order is rejected.
func (c *Core) Reconcile(ctx context.Context, data WebhookData, rec WebhookRecord) (Payment, error) {
	now := c.now().UTC()
	rec.ID = ids.New()
	rec.CreatedAt = now
	if data.OrderID == "" {
		_ = c.store.LogWebhook(ctx, &rec)
		return Payment{}, ErrNotFound
	}

	p, err := c.store.FindByOrderID(ctx, data.OrderID)
	if err != nil {
		_ = c.store.LogWebhook(ctx, &rec)
		return Payment{}, err
	}
	rec.PaymentID = p.ID

	if p.Status == StatusSuccess {
		rec.Processed = true
		_ = c.store.LogWebhook(ctx, &rec)
		return p, nil
	}
	if data.Amount != 0 && data.Amount != p.Amount {
		_ = c.store.LogWebhook(ctx, &rec)
		return Payment{}, ErrAmountMismatch
	}

	p.Status = data.Status
	p.BankTransactionID = data.TransactionID
	p.TransactionRef = data.TransactionRef
	p.UpdatedAt = now
	if data.Status == StatusSuccess {
		p.PaidAt = &now
	}
	if err := c.store.Update(ctx, p); err != nil {
		_ = c.store.LogWebhook(ctx, &rec)
		return Payment{}, err
	}

	if data.Status == StatusSuccess && p.StudentID != "" {
		if err := c.creditCard(ctx, p); err != nil {
			_ = c.store.LogWebhook(ctx, &rec)
			return Payment{}, err
		}
	}

	rec.Processed = true
	if err := c.store.LogWebhook(ctx, &rec); err != nil {
		return Payment{}, err
	}
	if data.Status == StatusSuccess && c.pub != nil {
		c.pub.Publish(p)
	}
	return p, nil
}

func (c *Core) creditCard(ctx context.Context, p Payment) error {
	before, err := c.cards.Get(ctx, p.StudentID)
	if err != nil {
		return err
	}
	after, err := c.cards.AdjustBalance(ctx, p.StudentID, p.Amount)
	if err != nil {
		return err
	}
	_, err = c.txns.Record(ctx, txn.Transaction{
		StudentID:     p.StudentID,
		Type:          txn.TypeTopup,
		Amount:        p.Amount,
		BalanceBefore: before.Balance,
		BalanceAfter:  after.Balance,
		Status:        txn.StatusSuccess,
		Description:   fmt.Sprintf("VietQR top-up %s", p.OrderID),
		CreatedAt:     c.now().UTC(),
	})
	return err
}

func (c *Core) expireIfDue(ctx context.Context, p Payment) (Payment, error) {
	if p.Status != StatusPending || c.now().UTC().Before(p.ExpiredAt) {
		return p, nil
	}
	p.Status = StatusExpired
	p.UpdatedAt = c.now().UTC()
	if err := c.store.Update(ctx, p); err != nil {
		return Payment{}, err
	}
	return p, nil
}

const orderAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// newOrderID builds PAY + second timestamp + 6 random characters. The result
// matches the pattern recovered from transfer descriptions.
func newOrderID(now time.Time) (string, error) {
	buf := make([]byte, 6)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("payment: order id: %w", err)
	}
	var b strings.Builder
	b.WriteString("PAY")
	b.WriteString(fmt.Sprintf("%d", now.Unix()))
	for _, v := range buf {
		b.WriteByte(orderAlphabet[int(v)%len(orderAlphabet)])
	}
	return b.String(), nil
}

// InMemoryStore is the non-persistent Store used by tests and the demo
// configuration.
type InMemoryStore struct {
	mu       sync.RWMutex
	rows     map[string]Payment
	webhooks []WebhookRecord
}

var _ Store = (*InMemoryStore)(nil)

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{rows: make(map[string]Payment)}
}

func (s *InMemoryStore) Create(ctx context.Context, p *Payment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows[p.ID] = *p
	return nil
}

func (s *InMemoryStore) Get(ctx context.Context, id string) (Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.rows[id]
	if !ok {
		return Payment{}, ErrNotFound
	}
	return p, nil
}

func (s *InMemoryStore) FindByOrderID(ctx context.Context, orderID string) (Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, p := range s.rows {
		if strings.EqualFold(p.OrderID, orderID) {
			return p, nil
		}
	}
	return Payment{}, ErrNotFound
}

func (s *InMemoryStore) Update(ctx context.Context, p Payment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rows[p.ID]; !ok {
		return ErrNotFound
	}
	s.rows[p.ID] = p
	return nil
}

func (s *InMemoryStore) List(ctx context.Context, studentID string, limit, offset int) ([]Payment, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Payment
	for _, p := range s.rows {
		if studentID != "" && !strings.EqualFold(p.StudentID, studentID) {
			continue
		}
		out = append(out, p)
	}
	sortPaymentsDesc(out)
	total := len(out)
	if offset >= total {
		return nil, total, nil
	}
	end := offset + limit
	if limit <= 0 || end > total {
		end = total
	}
	return out[offset:end], total, nil
}

func (s *InMemoryStore) LogWebhook(ctx context.Context, rec *WebhookRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.webhooks = append(s.webhooks, *rec)
	return nil
}

// Webhooks returns a copy of the callback log.
func (s *InMemoryStore) Webhooks() []WebhookRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]WebhookRecord, len(s.webhooks))
	copy(out, s.webhooks)
	return out
}

func sortPaymentsDesc(ps []Payment) {
	sort.Slice(ps, func(i, j int) bool { return ps[i].CreatedAt.After(ps[j].CreatedAt) })
}
