package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"campuscard.vn/internal/book"
	"campuscard.vn/internal/card"
	"campuscard.vn/internal/ids"
	"campuscard.vn/internal/txn"
)

var _ book.Service = (*Store)(nil)

const bookColumns = `book_id, title, coalesce(author,''), coalesce(category,''),
	total_copies, available_copies, status, created_at, updated_at`

const borrowColumns = `id, student_id, book_id, book_name, borrow_date, due_date, return_date,
	status, overdue_days, fine, fine_paid, fine_paid_at`

func scanBook(row interface{ Scan(...any) error }) (book.Book, error) {
	var b book.Book
	err := row.Scan(&b.BookID, &b.Title, &b.Author, &b.Category,
		&b.TotalCopies, &b.AvailableCopies, &b.Status, &b.CreatedAt, &b.UpdatedAt)
	return b, err
}

func scanBorrow(row interface{ Scan(...any) error }) (book.BorrowedBook, error) {
	var b book.BorrowedBook
	var returned, finePaid sql.NullTime
	err := row.Scan(&b.ID, &b.StudentID, &b.BookID, &b.BookName, &b.BorrowDate, &b.DueDate,
		&returned, &b.Status, &b.OverdueDays, &b.Fine, &b.FinePaid, &finePaid)
	if err != nil {
		return book.BorrowedBook{}, err
	}
	if returned.Valid {
		t := returned.Time
		b.ReturnDate = &t
	}
	if finePaid.Valid {
		t := finePaid.Time
		b.FinePaidAt = &t
	}
	return b, nil
}

func (s *Store) AddBook(ctx context.Context, b *book.Book) error {
	now := time.Now().UTC()
	b.CreatedAt = now
	b.UpdatedAt = now
	if b.AvailableCopies == 0 {
		b.AvailableCopies = b.TotalCopies
	}
	b.Status = book.BookAvailable
	if b.AvailableCopies == 0 {
		b.Status = book.BookOutOfStock
	}
	_, err := s.db.ExecContext(ctx, `
		insert into books(book_id, title, author, category, total_copies, available_copies, status, created_at, updated_at)
		values ($1,$2,nullif($3,''),nullif($4,''),$5,$6,$7,$8,$9)
	`, b.BookID, b.Title, b.Author, b.Category, b.TotalCopies, b.AvailableCopies, b.Status, b.CreatedAt, b.UpdatedAt)
	if err != nil && strings.Contains(err.Error(), "duplicate key") {
		return book.ErrAlreadyExists
	}
	return err
}

func (s *Store) GetBook(ctx context.Context, bookID string) (book.Book, error) {
	b, err := scanBook(s.db.QueryRowContext(ctx,
		`select `+bookColumns+` from books where book_id = $1`, bookID))
	if errors.Is(err, sql.ErrNoRows) {
		return book.Book{}, book.ErrNotFound
	}
	return b, err
}

func (s *Store) ListBooks(ctx context.Context, limit, offset int) ([]book.Book, int, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	var total int
	if err := s.db.QueryRowContext(ctx, `select count(*) from books`).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := s.db.QueryContext(ctx,
		`select `+bookColumns+` from books order by title asc limit $1 offset $2`, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var out []book.Book
	for rows.Next() {
		b, err := scanBook(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, b)
	}
	return out, total, rows.Err()
}

func (s *Store) SearchBooks(ctx context.Context, query, category string, limit, offset int) ([]book.Book, int, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	pattern := "%" + strings.ToLower(strings.TrimSpace(query)) + "%"
	where := `where (lower(title) like $1 or lower(coalesce(author,'')) like $1 or lower(book_id) like $1)
		and ($2 = '' or lower(coalesce(category,'')) = lower($2))`
	var total int
	if err := s.db.QueryRowContext(ctx,
		`select count(*) from books `+where, pattern, category).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := s.db.QueryContext(ctx,
		`select `+bookColumns+` from books `+where+
			` order by title asc limit $3 offset $4`, pattern, category, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var out []book.Book
	for rows.Next() {
		b, err := scanBook(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, b)
	}
	return out, total, rows.Err()
}

func (s *Store) Categories(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`select distinct category from books where category is not null order by category asc`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) InventoryStats(ctx context.Context) (book.InventoryStats, error) {
	var st book.InventoryStats
	err := s.db.QueryRowContext(ctx, `
		select count(*), coalesce(sum(total_copies),0), coalesce(sum(available_copies),0),
			count(distinct category)
		from books
	`).Scan(&st.TotalTitles, &st.TotalCopies, &st.AvailableCopies, &st.Categories)
	if err != nil {
		return book.InventoryStats{}, err
	}
	st.BorrowedCopies = st.TotalCopies - st.AvailableCopies
	return st, nil
}

func (s *Store) UpdateBook(ctx context.Context, b book.Book) (book.Book, error) {
	status := book.BookAvailable
	if b.AvailableCopies <= 0 {
		status = book.BookOutOfStock
	}
	row := s.db.QueryRowContext(ctx, `
		update books set title=$2, author=nullif($3,''), category=nullif($4,''),
			total_copies=$5, available_copies=$6, status=$7, updated_at=now()
		where book_id=$1
		returning `+bookColumns,
		b.BookID, b.Title, b.Author, b.Category, b.TotalCopies, b.AvailableCopies, status)
	updated, err := scanBook(row)
	if errors.Is(err, sql.ErrNoRows) {
		return book.Book{}, book.ErrNotFound
	}
	return updated, err
}

func (s *Store) DeleteBook(ctx context.Context, bookID string) error {
	res, err := s.db.ExecContext(ctx, `delete from books where book_id = $1`, bookID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return book.ErrNotFound
	}
	return nil
}

// Borrow checks the card, the borrow limit and the inventory under row locks,
// then records the borrow and moves both counters in one transaction.
func (s *Store) Borrow(ctx context.Context, studentID, bookID, bookName string, due time.Time) (book.BorrowedBook, error) {
	if strings.TrimSpace(studentID) == "" || strings.TrimSpace(bookID) == "" || strings.TrimSpace(bookName) == "" || due.IsZero() {
		return book.BorrowedBook{}, book.ErrInvalidInput
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return book.BorrowedBook{}, err
	}
	defer func() { _ = tx.Rollback() }()

	var status string
	var borrowed int
	err = tx.QueryRowContext(ctx, `
		select status, borrowed_books from cards where lower(student_id) = lower($1) for update
	`, studentID).Scan(&status, &borrowed)
	if errors.Is(err, sql.ErrNoRows) {
		return book.BorrowedBook{}, card.ErrNotFound
	}
	if err != nil {
		return book.BorrowedBook{}, err
	}
	if status != card.StatusActive {
		return book.BorrowedBook{}, card.ErrInactive
	}
	if borrowed >= book.MaxActiveBorrows {
		return book.BorrowedBook{}, book.ErrBorrowLimit
	}

	var available int
	err = tx.QueryRowContext(ctx,
		`select available_copies from books where book_id = $1 for update`, bookID).Scan(&available)
	if errors.Is(err, sql.ErrNoRows) {
		return book.BorrowedBook{}, book.ErrNotFound
	}
	if err != nil {
		return book.BorrowedBook{}, err
	}
	if available <= 0 {
		return book.BorrowedBook{}, book.ErrNoCopies
	}

	var dup int
	err = tx.QueryRowContext(ctx, `
		select count(*) from borrowed_books
		where lower(student_id) = lower($1) and book_id = $2 and status <> $3
	`, studentID, bookID, book.StatusReturned).Scan(&dup)
	if err != nil {
		return book.BorrowedBook{}, err
	}
	if dup > 0 {
		return book.BorrowedBook{}, book.ErrAlreadyBorrowed
	}

	now := time.Now().UTC()
	rec := book.BorrowedBook{
		ID:         ids.New(),
		StudentID:  studentID,
		BookID:     bookID,
		BookName:   bookName,
		BorrowDate: now,
		DueDate:    due.UTC(),
		Status:     book.StatusBorrowed,
	}
	if _, err := tx.ExecContext(ctx, `
		insert into borrowed_books(id, student_id, book_id, book_name, borrow_date, due_date, status, fine, fine_paid)
		values ($1,$2,$3,$4,$5,$6,$7,0,false)
	`, rec.ID, rec.StudentID, rec.BookID, rec.BookName, rec.BorrowDate, rec.DueDate, rec.Status); err != nil {
		return book.BorrowedBook{}, err
	}
	if _, err := tx.ExecContext(ctx, `
		update books set available_copies = available_copies - 1,
			status = case when available_copies - 1 <= 0 then $2 else $3 end,
			updated_at = now()
		where book_id = $1
	`, bookID, book.BookOutOfStock, book.BookAvailable); err != nil {
		return book.BorrowedBook{}, err
	}
	if _, err := tx.ExecContext(ctx, `
		update cards set borrowed_books = borrowed_books + 1, updated_at = now()
		where lower(student_id) = lower($1)
	`, studentID); err != nil {
		return book.BorrowedBook{}, err
	}
	if err := tx.Commit(); err != nil {
		return book.BorrowedBook{}, err
	}
	return rec, nil
}

// Return closes the borrow, accrues any overdue fine, restores inventory and
// decrements the card counter in one transaction.
func (s *Store) Return(ctx context.Context, borrowID string) (book.BorrowedBook, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return book.BorrowedBook{}, err
	}
	defer func() { _ = tx.Rollback() }()

	rec, err := scanBorrow(tx.QueryRowContext(ctx,
		`select `+borrowColumns+` from borrowed_books where id = $1 for update`, borrowID))
	if errors.Is(err, sql.ErrNoRows) {
		return book.BorrowedBook{}, book.ErrNotFound
	}
	if err != nil {
		return book.BorrowedBook{}, err
	}
	if rec.Status == book.StatusReturned {
		return book.BorrowedBook{}, book.ErrAlreadyReturned
	}

	now := time.Now().UTC()
	book.Accrue(&rec, now)
	rec.Status = book.StatusReturned
	rec.ReturnDate = &now

	if _, err := tx.ExecContext(ctx, `
		update borrowed_books set status=$2, return_date=$3, overdue_days=$4, fine=$5
		where id=$1
	`, rec.ID, rec.Status, now, rec.OverdueDays, rec.Fine); err != nil {
		return book.BorrowedBook{}, err
	}
	if _, err := tx.ExecContext(ctx, `
		update books set available_copies = available_copies + 1, status=$2, updated_at=now()
		where book_id=$1
	`, rec.BookID, book.BookAvailable); err != nil {
		return book.BorrowedBook{}, err
	}
	if _, err := tx.ExecContext(ctx, `
		update cards set borrowed_books = greatest(borrowed_books - 1, 0), updated_at=now()
		where lower(student_id) = lower($1)
	`, rec.StudentID); err != nil {
		return book.BorrowedBook{}, err
	}
	if err := tx.Commit(); err != nil {
		return book.BorrowedBook{}, err
	}
	return rec, nil
}

func (s *Store) ListBorrows(ctx context.Context, studentID, status string, limit, offset int) ([]book.BorrowedBook, int, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	where := `where ($1 = '' or lower(student_id) = lower($1)) and ($2 = '' or status = $2)`
	var total int
	if err := s.db.QueryRowContext(ctx,
		`select count(*) from borrowed_books `+where, studentID, status).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := s.db.QueryContext(ctx,
		`select `+borrowColumns+` from borrowed_books `+where+
			` order by borrow_date desc limit $3 offset $4`, studentID, status, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	now := time.Now().UTC()
	var out []book.BorrowedBook
	for rows.Next() {
		rec, err := scanBorrow(rows)
		if err != nil {
			return nil, 0, err
		}
		book.Accrue(&rec, now)
		out = append(out, rec)
	}
	return out, total, rows.Err()
}

// DeleteBorrow removes a borrow record. An active borrow also puts the copy
// back and decrements the card's borrowed count, all in one transaction.
func (s *Store) DeleteBorrow(ctx context.Context, borrowID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var studentID, bookID, status string
	err = tx.QueryRowContext(ctx,
		`select student_id, book_id, status from borrowed_books where id = $1 for update`,
		borrowID).Scan(&studentID, &bookID, &status)
	if errors.Is(err, sql.ErrNoRows) {
		return book.ErrNotFound
	}
	if err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `delete from borrowed_books where id = $1`, borrowID); err != nil {
		return err
	}
	if status != book.StatusReturned {
		if _, err := tx.ExecContext(ctx, `
			update books set available_copies = available_copies + 1, status=$2, updated_at=now()
			where book_id=$1
		`, bookID, book.BookAvailable); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			update cards set borrowed_books = greatest(borrowed_books - 1, 0), updated_at=now()
			where lower(student_id) = lower($1)
		`, studentID); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *Store) OutstandingFines(ctx context.Context, studentID string) ([]book.BorrowedBook, error) {
	rows, err := s.db.QueryContext(ctx, `
		select `+borrowColumns+` from borrowed_books
		where lower(student_id) = lower($1) and fine_paid = false
		order by borrow_date asc
	`, studentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	now := time.Now().UTC()
	var out []book.BorrowedBook
	for rows.Next() {
		rec, err := scanBorrow(rows)
		if err != nil {
			return nil, err
		}
		book.Accrue(&rec, now)
		if rec.Fine > 0 {
			out = append(out, rec)
		}
	}
	return out, rows.Err()
}

// PayFines settles every unpaid fine on returned books: one balance deduction,
// one ledger row, paid marks on each settled borrow. Fines still accruing on
// unreturned books are left alone.
func (s *Store) PayFines(ctx context.Context, studentID string) (book.FineSettlement, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return book.FineSettlement{}, err
	}
	defer func() { _ = tx.Rollback() }()

	var balance int64
	err = tx.QueryRowContext(ctx,
		`select balance from cards where lower(student_id) = lower($1) for update`, studentID).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return book.FineSettlement{}, card.ErrNotFound
	}
	if err != nil {
		return book.FineSettlement{}, err
	}

	rows, err := tx.QueryContext(ctx, `
		select id, fine from borrowed_books
		where lower(student_id) = lower($1) and status = $2 and fine_paid = false and fine > 0
		for update
	`, studentID, book.StatusReturned)
	if err != nil {
		return book.FineSettlement{}, err
	}
	var settled []string
	var total int64
	for rows.Next() {
		var id string
		var fine int64
		if err := rows.Scan(&id, &fine); err != nil {
			rows.Close()
			return book.FineSettlement{}, err
		}
		settled = append(settled, id)
		total += fine
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return book.FineSettlement{}, err
	}
	if total == 0 {
		return book.FineSettlement{BalanceAfter: balance}, nil
	}

	// Settlement is never blocked on funds; the balance may go negative.
	now := time.Now().UTC()
	for _, id := range settled {
		if _, err := tx.ExecContext(ctx, `
			update borrowed_books set fine_paid = true, fine_paid_at = $2 where id = $1
		`, id, now); err != nil {
			return book.FineSettlement{}, err
		}
	}
	if _, err := tx.ExecContext(ctx, `
		update cards set balance = balance - $2, updated_at = now()
		where lower(student_id) = lower($1)
	`, studentID, total); err != nil {
		return book.FineSettlement{}, err
	}
	if _, err := tx.ExecContext(ctx, `
		insert into transactions(id, student_id, type, amount, balance_before, balance_after, status, description, created_at)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, ids.New(), studentID, txn.TypeFine, total, balance, balance-total, txn.StatusSuccess,
		fmt.Sprintf("Overdue fines for %d returned books", len(settled)), now); err != nil {
		return book.FineSettlement{}, err
	}
	if err := tx.Commit(); err != nil {
		return book.FineSettlement{}, err
	}
	return book.FineSettlement{TotalPaid: total, PaidCount: len(settled), BalanceAfter: balance - total}, nil
}
