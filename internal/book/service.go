package book

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"campuscard.vn/internal/card"
	"campuscard.vn/internal/ids"
	"campuscard.vn/internal/txn"
)

// Service defines inventory and borrowing operations.
type Service interface {
	AddBook(ctx context.Context, b *Book) error
	GetBook(ctx context.Context, bookID string) (Book, error)
	ListBooks(ctx context.Context, limit, offset int) ([]Book, int, error)
	// SearchBooks matches the query case-insensitively against title, author
	// and book id; an empty query matches everything. Category narrows the
	// result when non-empty.
	SearchBooks(ctx context.Context, query, category string, limit, offset int) ([]Book, int, error)
	Categories(ctx context.Context) ([]string, error)
	InventoryStats(ctx context.Context) (InventoryStats, error)
	UpdateBook(ctx context.Context, b Book) (Book, error)
	DeleteBook(ctx context.Context, bookID string) error

	Borrow(ctx context.Context, studentID, bookID, bookName string, due time.Time) (BorrowedBook, error)
	Return(ctx context.Context, borrowID string) (BorrowedBook, error)
	// ListBorrows with an empty studentID lists every card's borrows.
	ListBorrows(ctx context.Context, studentID, status string, limit, offset int) ([]BorrowedBook, int, error)
	// DeleteBorrow removes a borrow record. Deleting an active borrow puts
	// the copy back and decrements the card's borrowed count.
	DeleteBorrow(ctx context.Context, borrowID string) error
	// OutstandingFines lists unpaid fines: returned books, and overdue ones
	// whose fines are still accruing.
	OutstandingFines(ctx context.Context, studentID string) ([]BorrowedBook, error)
	// PayFines settles every unpaid fine on returned books in one step:
	// balance deduction, ledger row, paid marks. Accruing fines on books not
	// yet returned are excluded.
	PayFines(ctx context.Context, studentID string) (FineSettlement, error)
}

// InMemory implements Service with in-process state, coordinating the card
// store and the transaction ledger the way the Postgres store does in one
// SQL transaction.
type InMemory struct {
	mu      sync.Mutex
	cards   card.Store
	txns    txn.Service
	books   map[string]*Book
	borrows map[string]*BorrowedBook
	now     func() time.Time
}

var _ Service = (*InMemory)(nil)

// NewInMemory creates an empty inventory over the given collaborators.
func NewInMemory(cards card.Store, txns txn.Service) *InMemory {
	return &InMemory{
		cards:   cards,
		txns:    txns,
		books:   make(map[string]*Book),
		borrows: make(map[string]*BorrowedBook),
		now:     time.Now,
	}
}

// SetNowForTests overrides the clock. Only intended for test use.
func (s *InMemory) SetNowForTests(fn func() time.Time) {
	if fn == nil {
		s.now = time.Now
		return
	}
	s.now = fn
}

func (s *InMemory) AddBook(ctx context.Context, b *Book) error {
	if strings.TrimSpace(b.BookID) == "" || strings.TrimSpace(b.Title) == "" {
		return ErrInvalidInput
	}
	if b.TotalCopies <= 0 {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.books[b.BookID]; ok {
		return ErrAlreadyExists
	}
	now := s.now().UTC()
	b.AvailableCopies = b.TotalCopies
	b.Status = BookAvailable
	b.CreatedAt = now
	b.UpdatedAt = now
	cp := *b
	s.books[b.BookID] = &cp
	return nil
}

func (s *InMemory) GetBook(ctx context.Context, bookID string) (Book, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.books[bookID]
	if !ok {
		return Book{}, ErrNotFound
	}
	return *b, nil
}

func (s *InMemory) ListBooks(ctx context.Context, limit, offset int) ([]Book, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	all := make([]Book, 0, len(s.books))
	for _, b := range s.books {
		all = append(all, *b)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].BookID < all[j].BookID })
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

func (s *InMemory) SearchBooks(ctx context.Context, query, category string, limit, offset int) ([]Book, int, error) {
	q := strings.ToLower(strings.TrimSpace(query))
	s.mu.Lock()
	defer s.mu.Unlock()
	var all []Book
	for _, b := range s.books {
		if category != "" && !strings.EqualFold(b.Category, category) {
			continue
		}
		if q != "" &&
			!strings.Contains(strings.ToLower(b.Title), q) &&
			!strings.Contains(strings.ToLower(b.Author), q) &&
			!strings.Contains(strings.ToLower(b.BookID), q) {
			continue
		}
		all = append(all, *b)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].BookID < all[j].BookID })
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

func (s *InMemory) Categories(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := make(map[string]struct{})
	var out []string
	for _, b := range s.books {
		c := strings.TrimSpace(b.Category)
		if c == "" {
			continue
		}
		if _, ok := seen[c]; ok {
			continue
		}
		seen[c] = struct{}{}
		out = append(out, c)
	}
	sort.Strings(out)
	return out, nil
}

func (s *InMemory) InventoryStats(ctx context.Context) (InventoryStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var st InventoryStats
	seen := make(map[string]struct{})
	for _, b := range s.books {
		st.TotalTitles++
		st.TotalCopies += b.TotalCopies
		st.AvailableCopies += b.AvailableCopies
		if c := strings.TrimSpace(b.Category); c != "" {
			seen[c] = struct{}{}
		}
	}
	st.BorrowedCopies = st.TotalCopies - st.AvailableCopies
	st.Categories = len(seen)
	return st, nil
}

func (s *InMemory) UpdateBook(ctx context.Context, b Book) (Book, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.books[b.BookID]
	if !ok {
		return Book{}, ErrNotFound
	}
	if b.Title != "" {
		cur.Title = b.Title
	}
	if b.Author != "" {
		cur.Author = b.Author
	}
	if b.Category != "" {
		cur.Category = b.Category
	}
	if b.TotalCopies > 0 {
		borrowed := cur.TotalCopies - cur.AvailableCopies
		if b.TotalCopies < borrowed {
			return Book{}, ErrInvalidInput
		}
		cur.TotalCopies = b.TotalCopies
		cur.AvailableCopies = b.TotalCopies - borrowed
	}
	if cur.AvailableCopies == 0 {
		cur.Status = BookOutOfStock
	} else {
		cur.Status = BookAvailable
	}
	cur.UpdatedAt = s.now().UTC()
	return *cur, nil
}

func (s *InMemory) DeleteBook(ctx context.Context, bookID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.books[bookID]; !ok {
		return ErrNotFound
	}
	delete(s.books, bookID)
	return nil
}

func (s *InMemory) Borrow(ctx context.Context, studentID, bookID, bookName string, due time.Time) (BorrowedBook, error) {
	if strings.TrimSpace(studentID) == "" || strings.TrimSpace(bookID) == "" || strings.TrimSpace(bookName) == "" || due.IsZero() {
		return BorrowedBook{}, ErrInvalidInput
	}

	c, err := s.cards.Get(ctx, studentID)
	if err != nil {
		return BorrowedBook{}, err
	}
	if c.Status != card.StatusActive {
		return BorrowedBook{}, card.ErrInactive
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	active := 0
	for _, b := range s.borrows {
		if !strings.EqualFold(b.StudentID, studentID) || b.Status == StatusReturned {
			continue
		}
		active++
		if b.BookID == bookID {
			return BorrowedBook{}, ErrAlreadyBorrowed
		}
	}
	if active >= MaxActiveBorrows {
		return BorrowedBook{}, ErrBorrowLimit
	}

	// A borrow of an untracked title is allowed; inventory only constrains
	// titles it knows about.
	if inv, ok := s.books[bookID]; ok {
		if inv.AvailableCopies <= 0 {
			return BorrowedBook{}, ErrNoCopies
		}
		inv.AvailableCopies--
		if inv.AvailableCopies == 0 {
			inv.Status = BookOutOfStock
		}
		inv.UpdatedAt = s.now().UTC()
	}

	rec := &BorrowedBook{
		ID:         ids.New(),
		StudentID:  c.StudentID,
		BookID:     bookID,
		BookName:   bookName,
		BorrowDate: s.now().UTC(),
		DueDate:    due.UTC(),
		Status:     StatusBorrowed,
	}
	s.borrows[rec.ID] = rec

	if err := s.cards.AdjustBorrowed(ctx, studentID, 1); err != nil {
		delete(s.borrows, rec.ID)
		return BorrowedBook{}, err
	}
	return *rec, nil
}

func (s *InMemory) Return(ctx context.Context, borrowID string) (BorrowedBook, error) {
	s.mu.Lock()
	rec, ok := s.borrows[borrowID]
	if !ok {
		s.mu.Unlock()
		return BorrowedBook{}, ErrNotFound
	}
	if rec.Status == StatusReturned {
		s.mu.Unlock()
		return BorrowedBook{}, ErrAlreadyReturned
	}

	now := s.now().UTC()
	accrueFine(rec, now)
	rec.ReturnDate = &now
	rec.Status = StatusReturned

	if inv, ok := s.books[rec.BookID]; ok {
		inv.AvailableCopies++
		if inv.Status == BookOutOfStock && inv.AvailableCopies > 0 {
			inv.Status = BookAvailable
		}
		inv.UpdatedAt = now
	}
	out := *rec
	studentID := rec.StudentID
	s.mu.Unlock()

	if err := s.cards.AdjustBorrowed(ctx, studentID, -1); err != nil {
		return BorrowedBook{}, err
	}
	return out, nil
}

func (s *InMemory) ListBorrows(ctx context.Context, studentID, status string, limit, offset int) ([]BorrowedBook, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	var out []BorrowedBook
	for _, b := range s.borrows {
		if studentID != "" && !strings.EqualFold(b.StudentID, studentID) {
			continue
		}
		accrueFine(b, now)
		if status != "" && b.Status != status {
			continue
		}
		out = append(out, *b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BorrowDate.After(out[j].BorrowDate) })
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

func (s *InMemory) DeleteBorrow(ctx context.Context, borrowID string) error {
	s.mu.Lock()
	rec, ok := s.borrows[borrowID]
	if !ok {
		s.mu.Unlock()
		return ErrNotFound
	}
	active := rec.Status != StatusReturned
	if active {
		if inv, ok := s.books[rec.BookID]; ok {
			inv.AvailableCopies++
			if inv.Status == BookOutOfStock && inv.AvailableCopies > 0 {
				inv.Status = BookAvailable
			}
			inv.UpdatedAt = s.now().UTC()
		}
	}
	studentID := rec.StudentID
	delete(s.borrows, borrowID)
	s.mu.Unlock()

	if active {
		return s.cards.AdjustBorrowed(ctx, studentID, -1)
	}
	return nil
}

func (s *InMemory) OutstandingFines(ctx context.Context, studentID string) ([]BorrowedBook, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	var out []BorrowedBook
	for _, b := range s.borrows {
		if !strings.EqualFold(b.StudentID, studentID) {
			continue
		}
		accrueFine(b, now)
		if b.Fine > 0 && !b.FinePaid {
			out = append(out, *b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BorrowDate.After(out[j].BorrowDate) })
	return out, nil
}

func (s *InMemory) PayFines(ctx context.Context, studentID string) (FineSettlement, error) {
	c, err := s.cards.Get(ctx, studentID)
	if err != nil {
		return FineSettlement{}, err
	}

	s.mu.Lock()
	var due []*BorrowedBook
	var total int64
	for _, b := range s.borrows {
		if strings.EqualFold(b.StudentID, studentID) && b.Status == StatusReturned && b.Fine > 0 && !b.FinePaid {
			due = append(due, b)
			total += b.Fine
		}
	}
	s.mu.Unlock()
	if total == 0 {
		return FineSettlement{BalanceAfter: c.Balance}, nil
	}

	// Deduct first so a failed balance move leaves every fine unpaid.
	// Settlement is never blocked on funds; the balance may go negative.
	after, err := s.cards.AdjustBalance(ctx, studentID, -total)
	if err != nil {
		return FineSettlement{}, err
	}

	now := s.now().UTC()
	s.mu.Lock()
	for _, b := range due {
		b.FinePaid = true
		b.FinePaidAt = &now
	}
	s.mu.Unlock()
	_, err = s.txns.Record(ctx, txn.Transaction{
		StudentID:     c.StudentID,
		Type:          txn.TypeFine,
		Amount:        total,
		BalanceBefore: c.Balance,
		BalanceAfter:  after.Balance,
		Status:        txn.StatusSuccess,
		Description:   fmt.Sprintf("Overdue fine settlement (%d items)", len(due)),
	})
	if err != nil {
		return FineSettlement{}, err
	}
	return FineSettlement{TotalPaid: total, PaidCount: len(due), BalanceAfter: after.Balance}, nil
}
