package order_test

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/gofrs/uuid"
	"github.com/shopspring/decimal"
	"github.com/vasiliy-maslov/cylinder-shop/internal/order"
	"github.com/vasiliy-maslov/cylinder-shop/internal/outbox"
	"github.com/vasiliy-maslov/cylinder-shop/internal/product"
)

// memStore keeps everything in maps. A transaction holds mu for its whole
// duration, which is stricter than row locks but gives the same outcome for
// the engine: conflicting placements run one after another.
type memStore struct {
	mu       sync.Mutex
	products map[uuid.UUID]product.Product
	orders   map[uuid.UUID]order.Order
	byKey    map[string]uuid.UUID
	events   []outbox.Event

	// hideKeysInTx makes in-transaction key lookups miss, as they would for a
	// concurrent request that has not committed yet.
	hideKeysInTx bool
	// failOn makes the named Tx method fail with errStoreDown.
	failOn string
}

var errStoreDown = errors.New("connection refused")

func newMemStore() *memStore {
	return &memStore{
		products: make(map[uuid.UUID]product.Product),
		orders:   make(map[uuid.UUID]order.Order),
		byKey:    make(map[string]uuid.UUID),
	}
}

func (s *memStore) addProduct(name string, price string, stock int) uuid.UUID {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := uuid.Must(uuid.NewV4())
	s.products[id] = product.Product{
		ID:        id,
		Name:      name,
		Thumbnail: name + ".png",
		Price:     decimal.RequireFromString(price),
		Stock:     stock,
	}
	return id
}

func (s *memStore) stock(id uuid.UUID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.products[id].Stock
}

func (s *memStore) orderCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.orders)
}

func (s *memStore) eventTypes() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	types := make([]string, 0, len(s.events))
	for _, e := range s.events {
		types = append(types, e.Type)
	}
	return types
}

func (s *memStore) WithinTx(ctx context.Context, fn func(ctx context.Context, tx order.Tx) error) (err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	products := make(map[uuid.UUID]product.Product, len(s.products))
	for k, v := range s.products {
		products[k] = v
	}
	orders := make(map[uuid.UUID]order.Order, len(s.orders))
	for k, v := range s.orders {
		orders[k] = v
	}
	byKey := make(map[string]uuid.UUID, len(s.byKey))
	for k, v := range s.byKey {
		byKey[k] = v
	}
	events := len(s.events)

	defer func() {
		if p := recover(); p != nil || err != nil {
			s.products, s.orders, s.byKey, s.events = products, orders, byKey, s.events[:events]
			if p != nil {
				panic(p)
			}
		}
	}()

	return fn(ctx, &memTx{s: s})
}

func (s *memStore) GetOrderByID(_ context.Context, id uuid.UUID) (*order.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.get(id)
}

func (s *memStore) GetOrderByIdempotencyKey(_ context.Context, key string) (*order.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byKey[key]
	if !ok {
		return nil, order.ErrOrderNotFound
	}
	return s.get(id)
}

func (s *memStore) ListOrdersByUser(_ context.Context, userID uuid.UUID) ([]order.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	result := []order.Order{}
	for _, o := range s.orders {
		if o.UserID == userID {
			result = append(result, cloneOrder(o))
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	return result, nil
}

func (s *memStore) get(id uuid.UUID) (*order.Order, error) {
	o, ok := s.orders[id]
	if !ok {
		return nil, order.ErrOrderNotFound
	}
	c := cloneOrder(o)
	return &c, nil
}

func cloneOrder(o order.Order) order.Order {
	o.Lines = append([]order.Line(nil), o.Lines...)
	return o
}

type memTx struct {
	s *memStore
}

func (t *memTx) fail(op string) error {
	if t.s.failOn == op {
		return errStoreDown
	}
	return nil
}

// LockIdempotencyKey only honours failOn: WithinTx already serializes transactions.
func (t *memTx) LockIdempotencyKey(context.Context, string) error {
	return t.fail("LockIdempotencyKey")
}

func (t *memTx) FindOrderByIdempotencyKey(_ context.Context, key string) (*order.Order, error) {
	if err := t.fail("FindOrderByIdempotencyKey"); err != nil {
		return nil, err
	}
	id, ok := t.s.byKey[key]
	if !ok || t.s.hideKeysInTx {
		return nil, order.ErrOrderNotFound
	}
	return t.s.get(id)
}

func (t *memTx) LockProducts(_ context.Context, ids []uuid.UUID) (map[uuid.UUID]product.Product, error) {
	if err := t.fail("LockProducts"); err != nil {
		return nil, err
	}
	locked := make(map[uuid.UUID]product.Product, len(ids))
	for _, id := range ids {
		if p, ok := t.s.products[id]; ok {
			locked[id] = p
		}
	}
	return locked, nil
}

func (t *memTx) DecrementStock(_ context.Context, id uuid.UUID, quantity int) error {
	if err := t.fail("DecrementStock"); err != nil {
		return err
	}
	p, ok := t.s.products[id]
	if !ok {
		return product.ErrNotFound
	}
	if p.Stock < quantity {
		return errors.New("new row for relation \"products\" violates check constraint")
	}
	p.Stock -= quantity
	t.s.products[id] = p
	return nil
}

func (t *memTx) InsertOrder(_ context.Context, o *order.Order) error {
	if err := t.fail("InsertOrder"); err != nil {
		return err
	}
	if _, ok := t.s.byKey[o.IdempotencyKey]; ok {
		return order.ErrDuplicateIdempotencyKey
	}
	t.s.orders[o.ID] = cloneOrder(*o)
	t.s.byKey[o.IdempotencyKey] = o.ID
	return nil
}

func (t *memTx) LockOrder(_ context.Context, id uuid.UUID) (*order.Order, error) {
	if err := t.fail("LockOrder"); err != nil {
		return nil, err
	}
	return t.s.get(id)
}

func (t *memTx) SaveFulfillment(_ context.Context, o *order.Order) error {
	if err := t.fail("SaveFulfillment"); err != nil {
		return err
	}
	if _, ok := t.s.orders[o.ID]; !ok {
		return order.ErrOrderNotFound
	}
	t.s.orders[o.ID] = cloneOrder(*o)
	return nil
}

func (t *memTx) EnqueueEvent(_ context.Context, e outbox.Event) error {
	if err := t.fail("EnqueueEvent"); err != nil {
		return err
	}
	t.s.events = append(t.s.events, e)
	return nil
}
