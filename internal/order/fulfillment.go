package order

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/gofrs/uuid"
	"github.com/rs/zerolog/log"
	"github.com/vasiliy-maslov/cylinder-shop/internal/outbox"
)

type move struct {
	from, to LineStatus
}

// UpdateLine applies an admin update to one line of an order.
func (e *Engine) UpdateLine(ctx context.Context, orderID, lineID uuid.UUID, upd LineUpdate) (*Order, error) {
	if upd.empty() {
		return nil, &ValidationError{Fields: map[string]string{"body": "no fields to update"}}
	}

	return e.mutate(ctx, orderID, EventOrderUpdated, func(o *Order, now time.Time) ([]move, error) {
		l, ok := o.line(lineID)
		if !ok {
			return nil, ErrLineNotFound
		}
		return applyUpdate(l, upd, now)
	})
}

// UpdateAllLines applies the same admin update to every line of an order.
// Lines that are already cancelled are skipped when a status is given.
// Either every remaining line accepts the update or none is changed.
func (e *Engine) UpdateAllLines(ctx context.Context, orderID uuid.UUID, upd LineUpdate) (*Order, error) {
	if upd.empty() {
		return nil, &ValidationError{Fields: map[string]string{"body": "no fields to update"}}
	}

	return e.mutate(ctx, orderID, EventOrderUpdated, func(o *Order, now time.Time) ([]move, error) {
		var moves []move
		touched := 0
		for i := range o.Lines {
			l := &o.Lines[i]
			if upd.Status != nil && l.Status == StatusCancelled {
				continue
			}
			m, err := applyUpdate(l, upd, now)
			if err != nil {
				return nil, fmt.Errorf("item %s: %w", l.ID, err)
			}
			moves = append(moves, m...)
			touched++
		}
		if touched == 0 && upd.Status != nil {
			// Every line is cancelled; report it the way a single line would.
			return nil, CanTransition(StatusCancelled, *upd.Status)
		}
		return moves, nil
	})
}

// CancelLine cancels one line on behalf of the customer. Only lines that
// are still Processing or Packed can be cancelled. Reserved stock is not
// returned to the product.
func (e *Engine) CancelLine(ctx context.Context, orderID, lineID uuid.UUID, reason string) (*Order, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = defaultCancelReason
	}

	return e.mutate(ctx, orderID, EventOrderLineCanceled, func(o *Order, now time.Time) ([]move, error) {
		l, ok := o.line(lineID)
		if !ok {
			return nil, ErrLineNotFound
		}
		from := l.Status
		if err := l.transition(StatusCancelled, now); err != nil {
			return nil, err
		}
		l.CancelReason = reason
		return []move{{from: from, to: StatusCancelled}}, nil
	})
}

func applyUpdate(l *Line, upd LineUpdate, now time.Time) ([]move, error) {
	var moves []move
	if upd.Status != nil {
		from := l.Status
		if err := l.transition(*upd.Status, now); err != nil {
			return nil, err
		}
		moves = append(moves, move{from: from, to: *upd.Status})
	}
	if upd.TrackingID != nil {
		l.TrackingID = strings.TrimSpace(*upd.TrackingID)
	}
	if upd.CourierPartner != nil {
		l.CourierPartner = strings.TrimSpace(*upd.CourierPartner)
	}
	if upd.ExpectedDelivery != nil {
		t := upd.ExpectedDelivery.UTC()
		l.ExpectedDelivery = &t
	}
	return moves, nil
}

// mutate loads the order under a row lock, lets fn change it, recomputes the
// aggregate status and stores the result together with an outbox event.
func (e *Engine) mutate(ctx context.Context, orderID uuid.UUID, eventType string, fn func(o *Order, now time.Time) ([]move, error)) (*Order, error) {
	var (
		updated *Order
		moves   []move
	)
	err := e.store.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		o, err := tx.LockOrder(ctx, orderID)
		if err != nil {
			return err
		}

		now := e.now().UTC()
		moves, err = fn(o, now)
		if err != nil {
			return err
		}
		o.OverallStatus = deriveOverallStatus(o.Lines)
		o.UpdatedAt = now

		if err := tx.SaveFulfillment(ctx, o); err != nil {
			return fmt.Errorf("save fulfillment: %w", err)
		}

		event, err := outbox.NewEvent(eventType, o.ID.String(), o, now)
		if err != nil {
			return err
		}
		if err := tx.EnqueueEvent(ctx, event); err != nil {
			return fmt.Errorf("enqueue %s event: %w", eventType, err)
		}

		updated = o
		return nil
	})
	if err != nil {
		if isDomainError(err) {
			log.Warn().Err(err).Stringer("order_id", orderID).Msg("service: order update rejected")
		} else {
			log.Error().Err(err).Stringer("order_id", orderID).Msg("service: failed to update order")
		}
		return nil, persistenceError("update order", err)
	}

	for _, m := range moves {
		e.recorder.LineTransitioned(m.from, m.to)
	}
	log.Info().
		Stringer("order_id", updated.ID).
		Str("event", eventType).
		Stringer("overall_status", updated.OverallStatus).
		Msg("service: order updated")

	return updated, nil
}
