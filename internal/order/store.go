package order

import (
	"context"

	"github.com/gofrs/uuid"
	"github.com/vasiliy-maslov/cylinder-shop/internal/outbox"
	"github.com/vasiliy-maslov/cylinder-shop/internal/product"
)

// Store is the persistence boundary of the order package. WithinTx runs fn in
// a single transaction: it commits when fn returns nil and rolls back
// otherwise, including on panic.
type Store interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
	GetOrderByID(ctx context.Context, id uuid.UUID) (*Order, error)
	GetOrderByIdempotencyKey(ctx context.Context, key string) (*Order, error)
	ListOrdersByUser(ctx context.Context, userID uuid.UUID) ([]Order, error)
}

// Tx is the set of operations available inside a transaction.
type Tx interface {
	// LockIdempotencyKey serializes transactions placing the same key until
	// the holder commits or rolls back.
	LockIdempotencyKey(ctx context.Context, key string) error
	// FindOrderByIdempotencyKey returns ErrOrderNotFound when the key is unused.
	FindOrderByIdempotencyKey(ctx context.Context, key string) (*Order, error)
	// LockProducts locks the given product rows in id order and returns the
	// ones that exist. Missing ids are simply absent from the map.
	LockProducts(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]product.Product, error)
	DecrementStock(ctx context.Context, productID uuid.UUID, quantity int) error
	// InsertOrder returns ErrDuplicateIdempotencyKey if the key is taken.
	InsertOrder(ctx context.Context, o *Order) error
	// LockOrder loads an order with its row locked for the rest of the tx.
	LockOrder(ctx context.Context, id uuid.UUID) (*Order, error)
	// SaveFulfillment persists the mutable line fields and the order's
	// aggregate status.
	SaveFulfillment(ctx context.Context, o *Order) error
	EnqueueEvent(ctx context.Context, e outbox.Event) error
}

// Recorder receives business metrics. The metrics package provides the
// Prometheus implementation.
type Recorder interface {
	PlacementFinished(outcome string, accepted, rejected int)
	LineRejected(reason RejectionReason)
	LineTransitioned(from, to LineStatus)
}

type noopRecorder struct{}

func (noopRecorder) PlacementFinished(string, int, int)     {}
func (noopRecorder) LineRejected(RejectionReason)           {}
func (noopRecorder) LineTransitioned(LineStatus, LineStatus) {}
