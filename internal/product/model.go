package product

import (
	"errors"
	"time"

	"github.com/gofrs/uuid"
	"github.com/shopspring/decimal"
)

var (
	ErrNotFound        = errors.New("product not found")
	ErrInvalidProduct  = errors.New("invalid product")
	ErrInvalidQuantity = errors.New("restock quantity must be positive")
)

// Product is the catalog entry the order engine reserves stock from.
// Stock never goes negative; the database enforces it with a CHECK constraint.
type Product struct {
	ID        uuid.UUID       `json:"id"`
	Name      string          `json:"name"`
	Thumbnail string          `json:"thumbnail"`
	Price     decimal.Decimal `json:"price"`
	Stock     int             `json:"stock"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}
