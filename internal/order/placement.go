package order

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/gofrs/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"github.com/vasiliy-maslov/cylinder-shop/internal/outbox"
)

// PlaceOrder reserves stock for every line it can and records one order for
// the accepted lines. Lines that reference a missing product or ask for more
// than the remaining stock are left out and reported in Placement.Rejected.
// If nothing can be reserved the call fails with a *NoItemsError and no
// state changes.
//
// A repeated idempotency key returns the order created by the first call
// with Replayed set; stock is not touched again.
func (e *Engine) PlaceOrder(ctx context.Context, in PlaceOrderInput) (*Placement, error) {
	in.IdempotencyKey = strings.TrimSpace(in.IdempotencyKey)
	in.PaymentMethod = strings.TrimSpace(in.PaymentMethod)
	in.PaymentStatus = strings.TrimSpace(in.PaymentStatus)

	if err := e.validatePlacement(in); err != nil {
		log.Warn().Err(err).Stringer("user_id", in.UserID).Msg("service: rejected invalid order request")
		e.recorder.PlacementFinished("invalid", 0, 0)
		return nil, err
	}

	var placement *Placement
	err := e.store.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		p, err := e.place(ctx, tx, in)
		if err != nil {
			return err
		}
		placement = p
		return nil
	})

	if errors.Is(err, ErrDuplicateIdempotencyKey) {
		// A concurrent request with the same key committed first.
		existing, getErr := e.store.GetOrderByIdempotencyKey(ctx, in.IdempotencyKey)
		if getErr != nil {
			log.Error().Err(getErr).Str("idempotency_key", in.IdempotencyKey).Msg("service: failed to read back order after duplicate key")
			e.recorder.PlacementFinished("failed", 0, 0)
			return nil, persistenceError("read back order by idempotency key", getErr)
		}
		placement, err = e.replay(existing, in)
	}

	var noItems *NoItemsError
	if errors.As(err, &noItems) {
		// The stock may have gone to an earlier attempt with the same key.
		if existing, getErr := e.store.GetOrderByIdempotencyKey(ctx, in.IdempotencyKey); getErr == nil {
			placement, err = e.replay(existing, in)
		} else if !errors.Is(getErr, ErrOrderNotFound) {
			log.Warn().Err(getErr).Str("idempotency_key", in.IdempotencyKey).Msg("service: failed to check key after rejecting every line")
		}
	}

	if err != nil {
		switch {
		case errors.As(err, &noItems):
			log.Warn().Stringer("user_id", in.UserID).Int("rejected", len(noItems.Rejected)).Msg("service: no requested items available")
			e.recordRejections(noItems.Rejected)
			e.recorder.PlacementFinished("no_items", 0, len(noItems.Rejected))
		case isDomainError(err):
			e.recorder.PlacementFinished("invalid", 0, 0)
		default:
			log.Error().Err(err).Stringer("user_id", in.UserID).Msg("service: failed to place order")
			e.recorder.PlacementFinished("failed", 0, 0)
		}
		return nil, persistenceError("place order", err)
	}

	if placement.Replayed {
		log.Info().Stringer("order_id", placement.Order.ID).Str("idempotency_key", in.IdempotencyKey).Msg("service: returning existing order for repeated request")
		e.recorder.PlacementFinished("replayed", len(placement.Order.Lines), 0)
		return placement, nil
	}

	e.recordRejections(placement.Rejected)
	e.recorder.PlacementFinished("created", len(placement.Order.Lines), len(placement.Rejected))
	log.Info().
		Stringer("order_id", placement.Order.ID).
		Stringer("user_id", placement.Order.UserID).
		Int("accepted", len(placement.Order.Lines)).
		Int("rejected", len(placement.Rejected)).
		Str("total_amount", placement.Order.TotalAmount.StringFixed(2)).
		Msg("service: order placed")

	return placement, nil
}

func (e *Engine) place(ctx context.Context, tx Tx, in PlaceOrderInput) (*Placement, error) {
	// Under READ COMMITTED the lookup below only sees a concurrent attempt's
	// order once that attempt has committed, so wait for it first.
	if err := tx.LockIdempotencyKey(ctx, in.IdempotencyKey); err != nil {
		return nil, fmt.Errorf("lock idempotency key: %w", err)
	}

	existing, err := tx.FindOrderByIdempotencyKey(ctx, in.IdempotencyKey)
	switch {
	case err == nil:
		return e.replay(existing, in)
	case !errors.Is(err, ErrOrderNotFound):
		return nil, fmt.Errorf("look up idempotency key: %w", err)
	}

	products, err := tx.LockProducts(ctx, distinctProductIDs(in.Items))
	if err != nil {
		return nil, fmt.Errorf("lock products: %w", err)
	}

	remaining := make(map[uuid.UUID]int, len(products))
	for id, p := range products {
		remaining[id] = p.Stock
	}

	now := e.now().UTC()
	o := &Order{
		ID:              e.newID(),
		UserID:          in.UserID,
		IdempotencyKey:  in.IdempotencyKey,
		ShippingAddress: in.ShippingAddress,
		TotalAmount:     decimal.Zero,
		PaymentMethod:   in.PaymentMethod,
		PaymentStatus:   in.PaymentStatus,
		OverallStatus:   OverallActive,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	var rejected []LineRejection

	for i, item := range in.Items {
		p, ok := products[item.ProductID]
		if !ok {
			rejected = append(rejected, LineRejection{
				Index:     i,
				ProductID: item.ProductID,
				Requested: item.Quantity,
				Reason:    RejectProductNotFound,
			})
			continue
		}

		if item.Quantity > remaining[p.ID] {
			rejected = append(rejected, LineRejection{
				Index:     i,
				ProductID: item.ProductID,
				Requested: item.Quantity,
				Available: remaining[p.ID],
				Reason:    RejectInsufficientStock,
			})
			continue
		}

		if err := tx.DecrementStock(ctx, p.ID, item.Quantity); err != nil {
			return nil, fmt.Errorf("decrement stock of product %s: %w", p.ID, err)
		}
		remaining[p.ID] -= item.Quantity

		if !item.PriceAtPurchase.IsZero() && !item.PriceAtPurchase.Equal(p.Price) {
			log.Warn().
				Stringer("product_id", p.ID).
				Str("quoted_price", item.PriceAtPurchase.String()).
				Str("catalog_price", p.Price.String()).
				Msg("service: quoted price differs from catalog, using catalog price")
		}

		line := Line{
			ID:              e.newID(),
			Position:        len(o.Lines),
			ProductID:       p.ID,
			ProductName:     p.Name,
			ProductImage:    p.Thumbnail,
			Quantity:        item.Quantity,
			PriceAtPurchase: p.Price,
			DeliveryCharge:  item.DeliveryCharge,
			Status:          StatusProcessing,
		}
		o.Lines = append(o.Lines, line)
		o.TotalAmount = o.TotalAmount.Add(line.Subtotal())
	}

	if len(o.Lines) == 0 {
		return nil, &NoItemsError{Rejected: rejected}
	}

	if err := tx.InsertOrder(ctx, o); err != nil {
		return nil, fmt.Errorf("insert order: %w", err)
	}

	event, err := outbox.NewEvent(EventOrderPlaced, o.ID.String(), o, now)
	if err != nil {
		return nil, err
	}
	if err := tx.EnqueueEvent(ctx, event); err != nil {
		return nil, fmt.Errorf("enqueue %s event: %w", EventOrderPlaced, err)
	}

	return &Placement{Order: o, Rejected: rejected}, nil
}

// replay answers a repeated key. A key reused by a different user is a client
// error rather than a replay.
func (e *Engine) replay(existing *Order, in PlaceOrderInput) (*Placement, error) {
	if existing.UserID != in.UserID {
		return nil, &ValidationError{Fields: map[string]string{
			"idempotency_key": "already used by another user",
		}}
	}
	return &Placement{Order: existing, Replayed: true}, nil
}

func (e *Engine) recordRejections(rejected []LineRejection) {
	for _, r := range rejected {
		e.recorder.LineRejected(r.Reason)
	}
}

func (e *Engine) validatePlacement(in PlaceOrderInput) error {
	fields := make(map[string]string)

	if err := e.validate.Struct(in); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return fmt.Errorf("%w: %w", ErrValidation, err)
		}
		for _, fe := range verrs {
			fields[fieldPath(fe.Namespace())] = describeTag(fe)
		}
	}

	for i, item := range in.Items {
		if item.DeliveryCharge.IsNegative() {
			fields[fmt.Sprintf("items[%d].delivery_charge", i)] = "must not be negative"
		}
		if item.PriceAtPurchase.IsNegative() {
			fields[fmt.Sprintf("items[%d].price_at_purchase", i)] = "must not be negative"
		}
	}

	if len(fields) > 0 {
		return &ValidationError{Fields: fields}
	}
	return nil
}

// fieldPath drops the root struct name from a validator namespace.
func fieldPath(ns string) string {
	if i := strings.IndexByte(ns, '.'); i >= 0 {
		return ns[i+1:]
	}
	return ns
}

func describeTag(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "min":
		if fe.Kind() == reflect.Slice {
			return "must contain at least " + fe.Param() + " element(s)"
		}
		return "must be at least " + fe.Param()
	case "max":
		return "must be at most " + fe.Param() + " characters"
	default:
		return "failed on " + fe.Tag()
	}
}

func distinctProductIDs(items []LineRequest) []uuid.UUID {
	seen := make(map[uuid.UUID]struct{}, len(items))
	ids := make([]uuid.UUID, 0, len(items))
	for _, item := range items {
		if _, ok := seen[item.ProductID]; ok {
			continue
		}
		seen[item.ProductID] = struct{}{}
		ids = append(ids, item.ProductID)
	}
	sort.Slice(ids, func(i, j int) bool {
		return bytes.Compare(ids[i].Bytes(), ids[j].Bytes()) < 0
	})
	return ids
}
