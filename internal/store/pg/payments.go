package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"campuscard.vn/internal/payment"
)

const paymentColumns = `id, coalesce(student_id,''), order_id, amount, currency, status, qr_code,
	bank_code, account_number, account_name, coalesce(description,''),
	coalesce(bank_transaction_id,''), coalesce(transaction_ref,''),
	expired_at, paid_at, created_at, updated_at`

func scanPayment(row interface{ Scan(...any) error }) (payment.Payment, error) {
	var p payment.Payment
	var paidAt sql.NullTime
	err := row.Scan(&p.ID, &p.StudentID, &p.OrderID, &p.Amount, &p.Currency, &p.Status, &p.QRCode,
		&p.BankCode, &p.AccountNumber, &p.AccountName, &p.Description,
		&p.BankTransactionID, &p.TransactionRef,
		&p.ExpiredAt, &paidAt, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return payment.Payment{}, err
	}
	if paidAt.Valid {
		t := paidAt.Time
		p.PaidAt = &t
	}
	return p, nil
}

// Payments exposes the payment persistence operations under the
// payment.Store method names.
type Payments struct {
	s *Store
}

var _ payment.Store = (*Payments)(nil)

// Payments returns the payment view of the store.
func (s *Store) Payments() *Payments { return &Payments{s: s} }

func (p *Payments) Create(ctx context.Context, pay *payment.Payment) error {
	_, err := p.s.db.ExecContext(ctx, `
		insert into payments(id, student_id, order_id, amount, currency, status, qr_code,
			bank_code, account_number, account_name, description, expired_at, created_at, updated_at)
		values ($1,nullif($2,''),$3,$4,$5,$6,$7,$8,$9,$10,nullif($11,''),$12,$13,$14)
	`, pay.ID, pay.StudentID, pay.OrderID, pay.Amount, pay.Currency, pay.Status, pay.QRCode,
		pay.BankCode, pay.AccountNumber, pay.AccountName, pay.Description,
		pay.ExpiredAt, pay.CreatedAt, pay.UpdatedAt)
	return err
}

func (p *Payments) Get(ctx context.Context, id string) (payment.Payment, error) {
	pay, err := scanPayment(p.s.db.QueryRowContext(ctx,
		`select `+paymentColumns+` from payments where id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return payment.Payment{}, payment.ErrNotFound
	}
	return pay, err
}

func (p *Payments) FindByOrderID(ctx context.Context, orderID string) (payment.Payment, error) {
	pay, err := scanPayment(p.s.db.QueryRowContext(ctx,
		`select `+paymentColumns+` from payments where upper(order_id) = upper($1)`, orderID))
	if errors.Is(err, sql.ErrNoRows) {
		return payment.Payment{}, payment.ErrNotFound
	}
	return pay, err
}

func (p *Payments) Update(ctx context.Context, pay payment.Payment) error {
	var paidAt any
	if pay.PaidAt != nil {
		paidAt = pay.PaidAt.UTC()
	}
	res, err := p.s.db.ExecContext(ctx, `
		update payments set status=$2, bank_transaction_id=nullif($3,''), transaction_ref=nullif($4,''),
			paid_at=$5, updated_at=$6
		where id=$1
	`, pay.ID, pay.Status, pay.BankTransactionID, pay.TransactionRef, paidAt, pay.UpdatedAt)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return payment.ErrNotFound
	}
	return nil
}

func (p *Payments) List(ctx context.Context, studentID string, limit, offset int) ([]payment.Payment, int, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	where := `where ($1 = '' or lower(student_id) = lower($1))`
	var total int
	if err := p.s.db.QueryRowContext(ctx,
		`select count(*) from payments `+where, studentID).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := p.s.db.QueryContext(ctx,
		`select `+paymentColumns+` from payments `+where+
			` order by created_at desc limit $2 offset $3`, studentID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var out []payment.Payment
	for rows.Next() {
		pay, err := scanPayment(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, pay)
	}
	return out, total, rows.Err()
}

func (p *Payments) LogWebhook(ctx context.Context, rec *payment.WebhookRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	_, err := p.s.db.ExecContext(ctx, `
		insert into payment_webhooks(id, payment_id, provider, event_type, payload, signature, verified, processed, created_at)
		values ($1,nullif($2,''),$3,$4,$5,nullif($6,''),$7,$8,$9)
	`, rec.ID, rec.PaymentID, rec.Provider, rec.EventType, rec.Payload, rec.Signature,
		rec.Verified, rec.Processed, rec.CreatedAt)
	return err
}
