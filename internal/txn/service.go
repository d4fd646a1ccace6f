package txn

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"campuscard.vn/internal/card"
	"campuscard.vn/internal/ids"
)

// Service defines the card balance ledger.
type Service interface {
	// Apply moves money on the card and records the movement. Topup adds;
	// withdrawal, payment and fine deduct and fail on insufficient funds.
	Apply(ctx context.Context, studentID, typ string, amount int64, description string) (Transaction, error)
	// Record writes a ledger row for a balance change performed elsewhere
	// (fine settlement, payment reconciliation). No balance mutation.
	Record(ctx context.Context, tx Transaction) (Transaction, error)
	Get(ctx context.Context, id string) (Transaction, error)
	List(ctx context.Context, f Filter, limit, offset int) ([]Transaction, int, error)
	// Stats aggregates the card's successful transactions by type.
	Stats(ctx context.Context, studentID string) (Stats, error)
}

// InMemory implements Service against an in-process card store.
type InMemory struct {
	mu    sync.Mutex
	cards card.Store
	rows  []Transaction
}

var _ Service = (*InMemory)(nil)

// NewInMemory creates an empty ledger over the given card store.
func NewInMemory(cards card.Store) *InMemory {
	return &InMemory{cards: cards}
}

func (s *InMemory) Apply(ctx context.Context, studentID, typ string, amount int64, description string) (Transaction, error) {
	if !ValidType(typ) {
		return Transaction{}, ErrInvalidType
	}
	if amount <= 0 {
		return Transaction{}, ErrInvalidAmount
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c, err := s.cards.Get(ctx, studentID)
	if err != nil {
		return Transaction{}, err
	}
	delta := amount
	if typ != TypeTopup {
		if c.Balance < amount {
			return Transaction{}, ErrInsufficientFunds
		}
		delta = -amount
	}
	after, err := s.cards.AdjustBalance(ctx, studentID, delta)
	if err != nil {
		return Transaction{}, err
	}

	tx := Transaction{
		ID:            ids.New(),
		StudentID:     c.StudentID,
		Type:          typ,
		Amount:        amount,
		BalanceBefore: c.Balance,
		BalanceAfter:  after.Balance,
		Status:        StatusSuccess,
		Description:   description,
		CreatedAt:     time.Now().UTC(),
	}
	s.rows = append(s.rows, tx)
	return tx, nil
}

func (s *InMemory) Record(ctx context.Context, tx Transaction) (Transaction, error) {
	if !ValidType(tx.Type) {
		return Transaction{}, ErrInvalidType
	}
	if tx.ID == "" {
		tx.ID = ids.New()
	}
	if tx.Status == "" {
		tx.Status = StatusSuccess
	}
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows = append(s.rows, tx)
	return tx, nil
}

func (s *InMemory) Get(ctx context.Context, id string) (Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, tx := range s.rows {
		if tx.ID == id {
			return tx, nil
		}
	}
	return Transaction{}, ErrNotFound
}

func (s *InMemory) List(ctx context.Context, f Filter, limit, offset int) ([]Transaction, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Transaction
	for _, tx := range s.rows {
		if f.StudentID != "" && !strings.EqualFold(tx.StudentID, f.StudentID) {
			continue
		}
		if f.Type != "" && tx.Type != f.Type {
			continue
		}
		if f.Status != "" && tx.Status != f.Status {
			continue
		}
		if !f.From.IsZero() && tx.CreatedAt.Before(f.From) {
			continue
		}
		if !f.To.IsZero() && tx.CreatedAt.After(f.To) {
			continue
		}
		out = append(out, tx)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
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

func (s *InMemory) Stats(ctx context.Context, studentID string) (Stats, error) {
	if _, err := s.cards.Get(ctx, studentID); err != nil {
		return Stats{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Stats{StudentID: studentID, ByType: make(map[string]TypeStat)}
	for _, tx := range s.rows {
		if !strings.EqualFold(tx.StudentID, studentID) || tx.Status != StatusSuccess {
			continue
		}
		st.Count++
		ts := st.ByType[tx.Type]
		ts.Count++
		ts.Amount += tx.Amount
		st.ByType[tx.Type] = ts
	}
	return st, nil
}
