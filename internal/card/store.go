package card

import (
	"context"
	"time"
)

// Store defines card persistence operations.
type Store interface {
	Create(ctx context.Context, c *Card) error
	Get(ctx context.Context, studentID string) (Card, error)
	List(ctx context.Context, limit, offset int) ([]Card, int, error)
	Update(ctx context.Context, studentID string, upd Update) (Card, error)
	Delete(ctx context.Context, studentID string) error

	// AdjustBalance applies a signed delta to the card balance and returns
	// the updated card.
	AdjustBalance(ctx context.Context, studentID string, delta int64) (Card, error)
	// AdjustBorrowed applies a signed delta to the active borrow counter,
	// clamped at zero.
	AdjustBorrowed(ctx context.Context, studentID string, delta int) error

	// UpdateKeyMaterial atomically replaces the public key and the wrapped
	// master key. The two always change together: a rotation that cannot
	// write both must leave the previous pair intact. Concurrent rotations
	// for the same card serialize.
	UpdateKeyMaterial(ctx context.Context, studentID, publicKeyPEM, encryptedKeyB64 string, at time.Time) error

	// FindByPublicKey looks a card up by its exact stored PEM text. Legacy
	// join key for devices that only know their own public key; studentID
	// lookup is the primary path.
	FindByPublicKey(ctx context.Context, publicKeyPEM string) (Card, error)
}
