package pg

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"campuscard.vn/internal/card"
)

type Store struct {
	db *sql.DB
}

var _ card.Store = (*Store)(nil)

func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	// Tuned pool defaults; adjust under load tests
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Store{db: db}, nil
}

// NewWithDB wraps an existing handle; used by tests.
func NewWithDB(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

const cardColumns = `student_id, holder_name, email, department, birth_date, address, status,
	borrowed_books, balance, coalesce(image_path,''), coalesce(rsa_public_key,''), rsa_key_created_at,
	coalesce(encrypted_key,''), created_at, updated_at`

func scanCard(row interface{ Scan(...any) error }) (card.Card, error) {
	var c card.Card
	var keyCreated sql.NullTime
	err := row.Scan(&c.StudentID, &c.HolderName, &c.Email, &c.Department, &c.BirthDate, &c.Address,
		&c.Status, &c.BorrowedBooks, &c.Balance, &c.ImagePath, &c.RSAPublicKey, &keyCreated,
		&c.EncryptedKey, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return card.Card{}, err
	}
	if keyCreated.Valid {
		t := keyCreated.Time
		c.RSAKeyCreated = &t
	}
	return c, nil
}

func (s *Store) Create(ctx context.Context, c *card.Card) error {
	now := time.Now().UTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	if c.Status == "" {
		c.Status = card.StatusActive
	}
	_, err := s.db.ExecContext(ctx, `
		insert into cards(student_id, holder_name, email, department, birth_date, address, status,
			borrowed_books, balance, image_path, created_at, updated_at)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9,nullif($10,''),$11,$12)
	`, c.StudentID, c.HolderName, c.Email, c.Department, c.BirthDate, c.Address, c.Status,
		c.BorrowedBooks, c.Balance, c.ImagePath, c.CreatedAt, c.UpdatedAt)
	if err != nil && strings.Contains(err.Error(), "duplicate key") {
		return card.ErrAlreadyExists
	}
	return err
}

func (s *Store) Get(ctx context.Context, studentID string) (card.Card, error) {
	c, err := scanCard(s.db.QueryRowContext(ctx,
		`select `+cardColumns+` from cards where lower(student_id) = lower($1)`, studentID))
	if errors.Is(err, sql.ErrNoRows) {
		return card.Card{}, card.ErrNotFound
	}
	return c, err
}

func (s *Store) List(ctx context.Context, limit, offset int) ([]card.Card, int, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	var total int
	if err := s.db.QueryRowContext(ctx, `select count(*) from cards`).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := s.db.QueryContext(ctx,
		`select `+cardColumns+` from cards order by created_at desc limit $1 offset $2`, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var out []card.Card
	for rows.Next() {
		c, err := scanCard(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, c)
	}
	return out, total, rows.Err()
}

func (s *Store) Update(ctx context.Context, studentID string, upd card.Update) (card.Card, error) {
	if upd.Status != nil && !card.ValidStatus(*upd.Status) {
		return card.Card{}, card.ErrInvalidInput
	}
	row := s.db.QueryRowContext(ctx, `
		update cards set
			holder_name = coalesce($2, holder_name),
			email       = coalesce($3, email),
			department  = coalesce($4, department),
			birth_date  = coalesce($5, birth_date),
			address     = coalesce($6, address),
			status      = coalesce($7, status),
			image_path  = coalesce($8, image_path),
			updated_at  = now()
		where lower(student_id) = lower($1)
		returning `+cardColumns,
		studentID, upd.HolderName, upd.Email, upd.Department, upd.BirthDate, upd.Address,
		upd.Status, upd.ImagePath)
	c, err := scanCard(row)
	if errors.Is(err, sql.ErrNoRows) {
		return card.Card{}, card.ErrNotFound
	}
	return c, err
}

func (s *Store) Delete(ctx context.Context, studentID string) error {
	res, err := s.db.ExecContext(ctx, `delete from cards where lower(student_id) = lower($1)`, studentID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return card.ErrNotFound
	}
	return nil
}

func (s *Store) AdjustBalance(ctx context.Context, studentID string, delta int64) (card.Card, error) {
	row := s.db.QueryRowContext(ctx, `
		update cards set balance = balance + $2, updated_at = now()
		where lower(student_id) = lower($1)
		returning `+cardColumns, studentID, delta)
	c, err := scanCard(row)
	if errors.Is(err, sql.ErrNoRows) {
		return card.Card{}, card.ErrNotFound
	}
	return c, err
}

func (s *Store) AdjustBorrowed(ctx context.Context, studentID string, delta int) error {
	res, err := s.db.ExecContext(ctx, `
		update cards set borrowed_books = greatest(borrowed_books + $2, 0), updated_at = now()
		where lower(student_id) = lower($1)
	`, studentID, delta)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return card.ErrNotFound
	}
	return nil
}

// UpdateKeyMaterial writes the public key and the wrapped master key in one
// transaction. The row lock serializes concurrent rotations for the same
// card; a reader can never observe a new key with a stale wrapped blob.
func (s *Store) UpdateKeyMaterial(ctx context.Context, studentID, publicKeyPEM, encryptedKeyB64 string, at time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var dummy int
	err = tx.QueryRowContext(ctx,
		`select 1 from cards where lower(student_id) = lower($1) for update`, studentID).Scan(&dummy)
	if errors.Is(err, sql.ErrNoRows) {
		return card.ErrNotFound
	}
	if err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `
		update cards set rsa_public_key = $2, encrypted_key = $3, rsa_key_created_at = $4, updated_at = now()
		where lower(student_id) = lower($1)
	`, studentID, publicKeyPEM, encryptedKeyB64, at.UTC()); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) FindByPublicKey(ctx context.Context, publicKeyPEM string) (card.Card, error) {
	c, err := scanCard(s.db.QueryRowContext(ctx,
		`select `+cardColumns+` from cards where rsa_public_key = $1`, publicKeyPEM))
	if errors.Is(err, sql.ErrNoRows) {
		return card.Card{}, card.ErrNotFound
	}
	return c, err
}
