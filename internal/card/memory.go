package card

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// InMemory implements Store with in-process concurrency safety. Used by
// handler tests and local development; production runs on Postgres.
type InMemory struct {
	mu    sync.RWMutex
	cards map[string]*Card
}

var _ Store = (*InMemory)(nil)

// NewInMemory creates an empty card store.
func NewInMemory() *InMemory {
	return &InMemory{cards: make(map[string]*Card)}
}

func key(studentID string) string {
	return strings.ToUpper(strings.TrimSpace(studentID))
}

func (s *InMemory) Create(ctx context.Context, c *Card) error {
	if strings.TrimSpace(c.StudentID) == "" {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key(c.StudentID)
	if _, ok := s.cards[k]; ok {
		return ErrAlreadyExists
	}
	now := time.Now().UTC()
	c.CreatedAt = now
	c.UpdatedAt = now
	if c.Status == "" {
		c.Status = StatusActive
	}
	cp := *c
	s.cards[k] = &cp
	return nil
}

func (s *InMemory) Get(ctx context.Context, studentID string) (Card, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.cards[key(studentID)]
	if !ok {
		return Card{}, ErrNotFound
	}
	return *c, nil
}

func (s *InMemory) List(ctx context.Context, limit, offset int) ([]Card, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	all := make([]Card, 0, len(s.cards))
	for _, c := range s.cards {
		all = append(all, *c)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })
	total := len(all)
	if offset >= total {
		return nil, total, nil
	}
	end := offset + limit
	if limit <= 0 || end > total {
		end = total
	}
	return all[offset:end], total, nil
}

func (s *InMemory) Update(ctx context.Context, studentID string, upd Update) (Card, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.cards[key(studentID)]
	if !ok {
		return Card{}, ErrNotFound
	}
	if upd.Status != nil && !ValidStatus(*upd.Status) {
		return Card{}, ErrInvalidInput
	}
	apply := func(dst *string, src *string) {
		if src != nil {
			*dst = *src
		}
	}
	apply(&c.HolderName, upd.HolderName)
	apply(&c.Email, upd.Email)
	apply(&c.Department, upd.Department)
	apply(&c.BirthDate, upd.BirthDate)
	apply(&c.Address, upd.Address)
	apply(&c.Status, upd.Status)
	apply(&c.ImagePath, upd.ImagePath)
	c.UpdatedAt = time.Now().UTC()
	return *c, nil
}

func (s *InMemory) Delete(ctx context.Context, studentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key(studentID)
	if _, ok := s.cards[k]; !ok {
		return ErrNotFound
	}
	delete(s.cards, k)
	return nil
}

func (s *InMemory) AdjustBalance(ctx context.Context, studentID string, delta int64) (Card, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.cards[key(studentID)]
	if !ok {
		return Card{}, ErrNotFound
	}
	c.Balance += delta
	c.UpdatedAt = time.Now().UTC()
	return *c, nil
}

func (s *InMemory) AdjustBorrowed(ctx context.Context, studentID string, delta int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.cards[key(studentID)]
	if !ok {
		return ErrNotFound
	}
	c.BorrowedBooks += delta
	if c.BorrowedBooks < 0 {
		c.BorrowedBooks = 0
	}
	c.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *InMemory) UpdateKeyMaterial(ctx context.Context, studentID, publicKeyPEM, encryptedKeyB64 string, at time.Time) error {
	if publicKeyPEM == "" || encryptedKeyB64 == "" {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.cards[key(studentID)]
	if !ok {
		return ErrNotFound
	}
	c.RSAPublicKey = publicKeyPEM
	c.EncryptedKey = encryptedKeyB64
	t := at.UTC()
	c.RSAKeyCreated = &t
	c.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *InMemory) FindByPublicKey(ctx context.Context, publicKeyPEM string) (Card, error) {
	pemText := strings.TrimSpace(publicKeyPEM)
	if pemText == "" {
		return Card{}, ErrInvalidInput
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.cards {
		if strings.TrimSpace(c.RSAPublicKey) == pemText {
			return *c, nil
		}
	}
	return Card{}, ErrNotFound
}
