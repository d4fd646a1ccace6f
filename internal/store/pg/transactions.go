package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"campuscard.vn/internal/card"
	"campuscard.vn/internal/ids"
	"campuscard.vn/internal/txn"
)

// Ledger exposes the transaction operations under the txn.Service method
// names, which would otherwise collide with the card store's Get and List.
type Ledger struct {
	s *Store
}

var _ txn.Service = (*Ledger)(nil)

// Ledger returns the transaction-ledger view of the store.
func (s *Store) Ledger() *Ledger { return &Ledger{s: s} }

func (l *Ledger) Apply(ctx context.Context, studentID, typ string, amount int64, description string) (txn.Transaction, error) {
	return l.s.Apply(ctx, studentID, typ, amount, description)
}

func (l *Ledger) Record(ctx context.Context, rec txn.Transaction) (txn.Transaction, error) {
	return l.s.Record(ctx, rec)
}

func (l *Ledger) Get(ctx context.Context, id string) (txn.Transaction, error) {
	return l.s.GetTransaction(ctx, id)
}

func (l *Ledger) List(ctx context.Context, f txn.Filter, limit, offset int) ([]txn.Transaction, int, error) {
	return l.s.ListTransactions(ctx, f, limit, offset)
}

func (l *Ledger) Stats(ctx context.Context, studentID string) (txn.Stats, error) {
	return l.s.TransactionStats(ctx, studentID)
}

const txnColumns = `id, student_id, type, amount, balance_before, balance_after, status,
	coalesce(description,''), created_at`

func scanTxn(row interface{ Scan(...any) error }) (txn.Transaction, error) {
	var t txn.Transaction
	err := row.Scan(&t.ID, &t.StudentID, &t.Type, &t.Amount, &t.BalanceBefore, &t.BalanceAfter,
		&t.Status, &t.Description, &t.CreatedAt)
	return t, err
}

// Apply moves money on the card and writes the ledger row atomically, with
// the funds check performed under the card row lock.
func (s *Store) Apply(ctx context.Context, studentID, typ string, amount int64, description string) (txn.Transaction, error) {
	if !txn.ValidType(typ) {
		return txn.Transaction{}, txn.ErrInvalidType
	}
	if amount <= 0 {
		return txn.Transaction{}, txn.ErrInvalidAmount
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return txn.Transaction{}, err
	}
	defer func() { _ = tx.Rollback() }()

	var before int64
	err = tx.QueryRowContext(ctx,
		`select balance from cards where lower(student_id) = lower($1) for update`, studentID).Scan(&before)
	if errors.Is(err, sql.ErrNoRows) {
		return txn.Transaction{}, card.ErrNotFound
	}
	if err != nil {
		return txn.Transaction{}, err
	}

	delta := amount
	if typ != txn.TypeTopup {
		if before < amount {
			return txn.Transaction{}, txn.ErrInsufficientFunds
		}
		delta = -amount
	}
	if _, err := tx.ExecContext(ctx, `
		update cards set balance = balance + $2, updated_at = now()
		where lower(student_id) = lower($1)
	`, studentID, delta); err != nil {
		return txn.Transaction{}, err
	}

	now := time.Now().UTC()
	rec := txn.Transaction{
		ID:            ids.New(),
		StudentID:     studentID,
		Type:          typ,
		Amount:        amount,
		BalanceBefore: before,
		BalanceAfter:  before + delta,
		Status:        txn.StatusSuccess,
		Description:   description,
		CreatedAt:     now,
	}
	if _, err := tx.ExecContext(ctx, `
		insert into transactions(id, student_id, type, amount, balance_before, balance_after, status, description, created_at)
		values ($1,$2,$3,$4,$5,$6,$7,nullif($8,''),$9)
	`, rec.ID, rec.StudentID, rec.Type, rec.Amount, rec.BalanceBefore, rec.BalanceAfter,
		rec.Status, rec.Description, rec.CreatedAt); err != nil {
		return txn.Transaction{}, err
	}
	if err := tx.Commit(); err != nil {
		return txn.Transaction{}, err
	}
	return rec, nil
}

func (s *Store) Record(ctx context.Context, rec txn.Transaction) (txn.Transaction, error) {
	if !txn.ValidType(rec.Type) {
		return txn.Transaction{}, txn.ErrInvalidType
	}
	if rec.ID == "" {
		rec.ID = ids.New()
	}
	if rec.Status == "" {
		rec.Status = txn.StatusSuccess
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		insert into transactions(id, student_id, type, amount, balance_before, balance_after, status, description, created_at)
		values ($1,$2,$3,$4,$5,$6,$7,nullif($8,''),$9)
	`, rec.ID, rec.StudentID, rec.Type, rec.Amount, rec.BalanceBefore, rec.BalanceAfter,
		rec.Status, rec.Description, rec.CreatedAt)
	if err != nil {
		return txn.Transaction{}, err
	}
	return rec, nil
}

func (s *Store) GetTransaction(ctx context.Context, id string) (txn.Transaction, error) {
	t, err := scanTxn(s.db.QueryRowContext(ctx,
		`select `+txnColumns+` from transactions where id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return txn.Transaction{}, txn.ErrNotFound
	}
	return t, err
}

// TransactionStats aggregates the card's successful transactions by type.
func (s *Store) TransactionStats(ctx context.Context, studentID string) (txn.Stats, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`select true from cards where lower(student_id) = lower($1)`, studentID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return txn.Stats{}, card.ErrNotFound
	}
	if err != nil {
		return txn.Stats{}, err
	}

	rows, err := s.db.QueryContext(ctx, `
		select type, count(*), coalesce(sum(amount),0) from transactions
		where lower(student_id) = lower($1) and status = $2
		group by type
	`, studentID, txn.StatusSuccess)
	if err != nil {
		return txn.Stats{}, err
	}
	defer rows.Close()
	st := txn.Stats{StudentID: studentID, ByType: make(map[string]txn.TypeStat)}
	for rows.Next() {
		var typ string
		var ts txn.TypeStat
		if err := rows.Scan(&typ, &ts.Count, &ts.Amount); err != nil {
			return txn.Stats{}, err
		}
		st.ByType[typ] = ts
		st.Count += ts.Count
	}
	return st, rows.Err()
}

func (s *Store) ListTransactions(ctx context.Context, f txn.Filter, limit, offset int) ([]txn.Transaction, int, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	var conds []string
	var args []any
	add := func(cond string, v any) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if f.StudentID != "" {
		add(`lower(student_id) = lower($%d)`, f.StudentID)
	}
	if f.Type != "" {
		add(`type = $%d`, f.Type)
	}
	if f.Status != "" {
		add(`status = $%d`, f.Status)
	}
	if !f.From.IsZero() {
		add(`created_at >= $%d`, f.From)
	}
	if !f.To.IsZero() {
		add(`created_at <= $%d`, f.To)
	}
	where := ""
	if len(conds) > 0 {
		where = "where " + strings.Join(conds, " and ")
	}

	var total int
	if err := s.db.QueryRowContext(ctx,
		`select count(*) from transactions `+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}
	args = append(args, limit, offset)
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(
		`select `+txnColumns+` from transactions %s order by created_at desc limit $%d offset $%d`,
		where, len(args)-1, len(args)), args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var out []txn.Transaction
	for rows.Next() {
		t, err := scanTxn(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, t)
	}
	return out, total, rows.Err()
}
