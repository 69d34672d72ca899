package order

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofrs/uuid"
	"github.com/rs/zerolog/log"
)

const (
	EventOrderPlaced       = "order.placed"
	EventOrderUpdated      = "order.updated"
	EventOrderLineCanceled = "order.line_cancelled"

	defaultCancelReason = "Cancelled by user"
)

type Service interface {
	PlaceOrder(ctx context.Context, in PlaceOrderInput) (*Placement, error)
	GetOrder(ctx context.Context, id uuid.UUID) (*Order, error)
	ListUserOrders(ctx context.Context, userID uuid.UUID) ([]Order, error)
	UpdateLine(ctx context.Context, orderID, lineID uuid.UUID, upd LineUpdate) (*Order, error)
	UpdateAllLines(ctx context.Context, orderID uuid.UUID, upd LineUpdate) (*Order, error)
	CancelLine(ctx context.Context, orderID, lineID uuid.UUID, reason string) (*Order, error)
}

// Engine places orders and drives line fulfillment. It holds no state of its
// own; every operation is one transaction against the Store.
type Engine struct {
	store    Store
	validate *validator.Validate
	recorder Recorder
	now      func() time.Time
	newID    func() uuid.UUID
}

type Option func(*Engine)

func WithRecorder(r Recorder) Option {
	return func(e *Engine) {
		if r != nil {
			e.recorder = r
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

func NewEngine(store Store, opts ...Option) *Engine {
	e := &Engine{
		store:    store,
		validate: newValidator(),
		recorder: noopRecorder{},
		now:      time.Now,
		newID:    func() uuid.UUID { return uuid.Must(uuid.NewV4()) },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

func (e *Engine) GetOrder(ctx context.Context, id uuid.UUID) (*Order, error) {
	o, err := e.store.GetOrderByID(ctx, id)
	if err != nil {
		if errors.Is(err, ErrOrderNotFound) {
			log.Warn().Stringer("order_id", id).Msg("service: order not found by id")
			return nil, ErrOrderNotFound
		}
		log.Error().Err(err).Stringer("order_id", id).Msg("service: failed to fetch order")
		return nil, fmt.Errorf("%w: fetch order %s: %w", ErrPersistence, id, err)
	}
	return o, nil
}

func (e *Engine) ListUserOrders(ctx context.Context, userID uuid.UUID) ([]Order, error) {
	orders, err := e.store.ListOrdersByUser(ctx, userID)
	if err != nil {
		log.Error().Err(err).Stringer("user_id", userID).Msg("service: failed to fetch user orders")
		return nil, fmt.Errorf("%w: fetch orders of user %s: %w", ErrPersistence, userID, err)
	}
	return orders, nil
}

// persistenceError leaves business outcomes untouched and tags everything
// else as a storage failure.
func persistenceError(op string, err error) error {
	if isDomainError(err) {
		return err
	}
	return fmt.Errorf("%w: %s: %w", ErrPersistence, op, err)
}
