package order

import (
	"context"
	"errors"
	"fmt"

	"github.com/gofrs/uuid"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
	"github.com/vasiliy-maslov/cylinder-shop/internal/outbox"
	"github.com/vasiliy-maslov/cylinder-shop/internal/product"
)

const idempotencyKeyConstraint = "orders_idempotency_key_key"

const (
	orderColumns = `id, user_id, idempotency_key, shipping_address, total_amount,
		payment_method, payment_status, overall_status, created_at, updated_at`

	lineColumns = `id, position, product_id, product_name, product_image, quantity,
		price_at_purchase, delivery_charge, order_status, tracking_id, courier_partner,
		expected_delivery, cancel_reason, cancelled_at, delivered_at, returned_at, refunded_at`
)

// querier is the read surface shared by the pool and a transaction.
type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type postgresRepository struct {
	db *pgxpool.Pool
}

func NewRepository(db *pgxpool.Pool) Store {
	return &postgresRepository{db: db}
}

func (r *postgresRepository) WithinTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) (err error) {
	tx, beginErr := r.db.Begin(ctx)
	if beginErr != nil {
		return fmt.Errorf("repository: failed to begin transaction: %w", beginErr)
	}

	defer func() {
		if p := recover(); p != nil {
			log.Error().Interface("panic_value", p).Msg("repository: panic recovered inside transaction, rolling back")
			if rbErr := tx.Rollback(ctx); rbErr != nil {
				log.Error().Err(rbErr).Msg("repository: failed to rollback transaction after panic")
			}
			panic(p)
		} else if err != nil {
			if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
				log.Error().Err(rbErr).Msg("repository: failed to rollback transaction")
			}
		} else {
			if commitErr := tx.Commit(ctx); commitErr != nil {
				err = fmt.Errorf("repository: failed to commit transaction: %w", commitErr)
			}
		}
	}()

	return fn(ctx, &postgresTx{tx: tx})
}

func (r *postgresRepository) GetOrderByID(ctx context.Context, id uuid.UUID) (*Order, error) {
	return loadOrder(ctx, r.db, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id)
}

func (r *postgresRepository) GetOrderByIdempotencyKey(ctx context.Context, key string) (*Order, error) {
	return loadOrder(ctx, r.db, `SELECT `+orderColumns+` FROM orders WHERE idempotency_key = $1`, key)
}

func (r *postgresRepository) ListOrdersByUser(ctx context.Context, userID uuid.UUID) ([]Order, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE user_id = $1
		ORDER BY created_at DESC, id
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("repository: failed to query orders for user id %s: %w", userID, err)
	}

	orders, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Order, error) {
		o, err := scanOrder(row)
		if err != nil {
			return Order{}, err
		}
		return *o, nil
	})
	if err != nil {
		return nil, fmt.Errorf("repository: failed to scan orders for user id %s: %w", userID, err)
	}
	if len(orders) == 0 {
		return []Order{}, nil
	}

	index := make(map[uuid.UUID]*Order, len(orders))
	ids := make([]string, 0, len(orders))
	for i := range orders {
		orders[i].Lines = make([]Line, 0)
		index[orders[i].ID] = &orders[i]
		ids = append(ids, orders[i].ID.String())
	}

	lineRows, err := r.db.Query(ctx, `
		SELECT order_id, `+lineColumns+`
		FROM order_lines
		WHERE order_id = ANY($1::uuid[])
		ORDER BY order_id, position
	`, ids)
	if err != nil {
		return nil, fmt.Errorf("repository: failed to query order items for user id %s: %w", userID, err)
	}
	defer lineRows.Close()

	for lineRows.Next() {
		var orderID uuid.UUID
		l, err := scanLine(lineRows, &orderID)
		if err != nil {
			return nil, fmt.Errorf("repository: failed to scan order item for user id %s: %w", userID, err)
		}
		if o, ok := index[orderID]; ok {
			o.Lines = append(o.Lines, l)
		}
	}
	if err := lineRows.Err(); err != nil {
		return nil, fmt.Errorf("repository: failed iterating order items for user id %s: %w", userID, err)
	}

	return orders, nil
}

type postgresTx struct {
	tx pgx.Tx
}

func (t *postgresTx) LockIdempotencyKey(ctx context.Context, key string) error {
	if _, err := t.tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, key); err != nil {
		return fmt.Errorf("repository: failed to lock idempotency key: %w", err)
	}
	return nil
}

func (t *postgresTx) FindOrderByIdempotencyKey(ctx context.Context, key string) (*Order, error) {
	return loadOrder(ctx, t.tx, `SELECT `+orderColumns+` FROM orders WHERE idempotency_key = $1`, key)
}

// LockProducts takes the row locks in id order so that concurrent placements
// touching overlapping products cannot deadlock.
func (t *postgresTx) LockProducts(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]product.Product, error) {
	keys := make([]string, 0, len(ids))
	for _, id := range ids {
		keys = append(keys, id.String())
	}

	rows, err := t.tx.Query(ctx, `
		SELECT id, name, thumbnail, price, stock, created_at, updated_at
		FROM products
		WHERE id = ANY($1::uuid[])
		ORDER BY id
		FOR UPDATE
	`, keys)
	if err != nil {
		return nil, fmt.Errorf("repository: failed to lock products: %w", err)
	}

	products, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (product.Product, error) {
		var p product.Product
		err := row.Scan(&p.ID, &p.Name, &p.Thumbnail, &p.Price, &p.Stock, &p.CreatedAt, &p.UpdatedAt)
		return p, err
	})
	if err != nil {
		return nil, fmt.Errorf("repository: failed to scan locked products: %w", err)
	}

	locked := make(map[uuid.UUID]product.Product, len(products))
	for _, p := range products {
		locked[p.ID] = p
	}
	return locked, nil
}

func (t *postgresTx) DecrementStock(ctx context.Context, productID uuid.UUID, quantity int) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE products
		SET stock = stock - $2, updated_at = now()
		WHERE id = $1
	`, productID, quantity)
	if err != nil {
		return fmt.Errorf("repository: failed to decrement stock of product %s: %w", productID, err)
	}
	if tag.RowsAffected() == 0 {
		return product.ErrNotFound
	}
	return nil
}

func (t *postgresTx) InsertOrder(ctx context.Context, o *Order) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO orders (`+orderColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`,
		o.ID,
		o.UserID,
		o.IdempotencyKey,
		o.ShippingAddress,
		o.TotalAmount,
		o.PaymentMethod,
		o.PaymentStatus,
		string(o.OverallStatus),
		o.CreatedAt,
		o.UpdatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation && pgErr.ConstraintName == idempotencyKeyConstraint {
			return ErrDuplicateIdempotencyKey
		}
		return fmt.Errorf("repository: failed to insert order %s: %w", o.ID, err)
	}

	batch := &pgx.Batch{}
	for _, l := range o.Lines {
		batch.Queue(`
			INSERT INTO order_lines (order_id, `+lineColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
		`,
			o.ID,
			l.ID,
			l.Position,
			l.ProductID,
			l.ProductName,
			l.ProductImage,
			l.Quantity,
			l.PriceAtPurchase,
			l.DeliveryCharge,
			string(l.Status),
			l.TrackingID,
			l.CourierPartner,
			l.ExpectedDelivery,
			l.CancelReason,
			l.CancelledAt,
			l.DeliveredAt,
			l.ReturnedAt,
			l.RefundedAt,
		)
	}
	if err := t.tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("repository: failed to insert order items for order %s: %w", o.ID, err)
	}
	return nil
}

func (t *postgresTx) LockOrder(ctx context.Context, id uuid.UUID) (*Order, error) {
	return loadOrder(ctx, t.tx, `SELECT `+orderColumns+` FROM orders WHERE id = $1 FOR UPDATE`, id)
}

func (t *postgresTx) SaveFulfillment(ctx context.Context, o *Order) error {
	batch := &pgx.Batch{}
	for _, l := range o.Lines {
		batch.Queue(`
			UPDATE order_lines
			SET order_status = $3, tracking_id = $4, courier_partner = $5, expected_delivery = $6,
				cancel_reason = $7, cancelled_at = $8, delivered_at = $9, returned_at = $10, refunded_at = $11
			WHERE order_id = $1 AND id = $2
		`,
			o.ID,
			l.ID,
			string(l.Status),
			l.TrackingID,
			l.CourierPartner,
			l.ExpectedDelivery,
			l.CancelReason,
			l.CancelledAt,
			l.DeliveredAt,
			l.ReturnedAt,
			l.RefundedAt,
		)
	}
	batch.Queue(`UPDATE orders SET overall_status = $2, updated_at = $3 WHERE id = $1`,
		o.ID, string(o.OverallStatus), o.UpdatedAt)

	if err := t.tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("repository: failed to save fulfillment of order %s: %w", o.ID, err)
	}
	return nil
}

func (t *postgresTx) EnqueueEvent(ctx context.Context, e outbox.Event) error {
	return outbox.Insert(ctx, t.tx, e)
}

// loadOrder runs an order query returning at most one row and attaches the
// order's lines in position order.
func loadOrder(ctx context.Context, q querier, query string, arg any) (*Order, error) {
	o, err := scanOrder(q.QueryRow(ctx, query, arg))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrOrderNotFound
		}
		return nil, fmt.Errorf("repository: failed to select order: %w", err)
	}

	rows, err := q.Query(ctx, `
		SELECT order_id, `+lineColumns+`
		FROM order_lines
		WHERE order_id = $1
		ORDER BY position
	`, o.ID)
	if err != nil {
		return nil, fmt.Errorf("repository: failed to query order items for order id %s: %w", o.ID, err)
	}
	defer rows.Close()

	o.Lines = make([]Line, 0)
	for rows.Next() {
		var orderID uuid.UUID
		l, err := scanLine(rows, &orderID)
		if err != nil {
			return nil, fmt.Errorf("repository: failed to scan order item for order id %s: %w", o.ID, err)
		}
		o.Lines = append(o.Lines, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("repository: error iterating order items for order id %s: %w", o.ID, err)
	}

	return o, nil
}

func scanOrder(row pgx.Row) (*Order, error) {
	var (
		o             Order
		overallStatus string
	)
	err := row.Scan(
		&o.ID,
		&o.UserID,
		&o.IdempotencyKey,
		&o.ShippingAddress,
		&o.TotalAmount,
		&o.PaymentMethod,
		&o.PaymentStatus,
		&overallStatus,
		&o.CreatedAt,
		&o.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	o.OverallStatus = OverallStatus(overallStatus)
	return &o, nil
}

func scanLine(row pgx.Row, orderID *uuid.UUID) (Line, error) {
	var (
		l      Line
		status string
	)
	err := row.Scan(
		orderID,
		&l.ID,
		&l.Position,
		&l.ProductID,
		&l.ProductName,
		&l.ProductImage,
		&l.Quantity,
		&l.PriceAtPurchase,
		&l.DeliveryCharge,
		&status,
		&l.TrackingID,
		&l.CourierPartner,
		&l.ExpectedDelivery,
		&l.CancelReason,
		&l.CancelledAt,
		&l.DeliveredAt,
		&l.ReturnedAt,
		&l.RefundedAt,
	)
	if err != nil {
		return Line{}, err
	}
	l.Status = LineStatus(status)
	return l, nil
}
