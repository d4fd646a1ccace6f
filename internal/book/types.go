package book

import (
	"errors"
	"time"
)

// FinePerDay is the overdue fine in VND per day, matching library policy.
const FinePerDay int64 = 50

// MaxActiveBorrows caps the number of simultaneously borrowed books per card.
const MaxActiveBorrows = 5

// Inventory statuses.
const (
	BookAvailable  = "available"
	BookOutOfStock = "out_of_stock"
)

// Borrow record statuses.
const (
	StatusBorrowed = "borrowed"
	StatusOverdue  = "overdue"
	StatusReturned = "returned"
)

// Book is an inventory title.
type Book struct {
	BookID          string    `json:"bookId"`
	Title           string    `json:"title"`
	Author          string    `json:"author,omitempty"`
	Category        string    `json:"category,omitempty"`
	TotalCopies     int       `json:"totalCopies"`
	AvailableCopies int       `json:"availableCopies"`
	Status          string    `json:"status"`
	CreatedAt       time.Time `json:"createdAt"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

// BorrowedBook is one borrow of one title by one card.
type BorrowedBook struct {
	ID          string     `json:"id"`
	StudentID   string     `json:"studentId"`
	BookID      string     `json:"bookId"`
	BookName    string     `json:"bookName"`
	BorrowDate  time.Time  `json:"borrowDate"`
	DueDate     time.Time  `json:"dueDate"`
	ReturnDate  *time.Time `json:"returnDate,omitempty"`
	Status      string     `json:"status"`
	OverdueDays int        `json:"overdueDays,omitempty"`
	Fine        int64      `json:"fine"`
	FinePaid    bool       `json:"finePaid"`
	FinePaidAt  *time.Time `json:"finePaidAt,omitempty"`
}

// InventoryStats aggregates the whole inventory for the admin dashboard.
type InventoryStats struct {
	TotalTitles     int `json:"totalTitles"`
	TotalCopies     int `json:"totalCopies"`
	AvailableCopies int `json:"availableCopies"`
	BorrowedCopies  int `json:"borrowedCopies"`
	Categories      int `json:"categories"`
}

// FineSettlement summarizes one pay-all-fines operation.
type FineSettlement struct {
	TotalPaid    int64 `json:"totalPaid"`
	PaidCount    int   `json:"paidCount"`
	BalanceAfter int64 `json:"balanceAfter"`
}

var (
	ErrNotFound        = errors.New("book: not found")
	ErrAlreadyExists   = errors.New("book: already exists")
	ErrInvalidInput    = errors.New("book: invalid input")
	ErrNoCopies        = errors.New("book: no copies available")
	ErrBorrowLimit     = errors.New("book: borrow limit reached")
	ErrAlreadyBorrowed = errors.New("book: already borrowed by this card")
	ErrAlreadyReturned = errors.New("book: already returned")
)

// overdueDays computes whole overdue days between the due date and now using
// date parts only, minimum one day once the due date has passed.
func overdueDays(due, now time.Time) int {
	if !now.After(due) {
		return 0
	}
	d := time.Date(due.Year(), due.Month(), due.Day(), 0, 0, 0, 0, time.UTC)
	n := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	days := int(n.Sub(d).Hours() / 24)
	if days < 1 {
		days = 1
	}
	return days
}

// Accrue refreshes the overdue status and fine of an active borrow. Shared
// by every Service implementation so fines are computed in exactly one place.
func Accrue(b *BorrowedBook, now time.Time) {
	accrueFine(b, now)
}

// accrueFine refreshes the overdue status and fine of an active borrow.
func accrueFine(b *BorrowedBook, now time.Time) {
	if b.Status == StatusReturned {
		return
	}
	days := overdueDays(b.DueDate, now)
	if days == 0 {
		return
	}
	b.Status = StatusOverdue
	b.OverdueDays = days
	b.Fine = int64(days) * FinePerDay
}
