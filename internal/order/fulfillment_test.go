package order_test

import (
	"context"
	"testing"
	"time"

	"github.com/gofrs/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vasiliy-maslov/cylinder-shop/internal/order"
)

func ptr[T any](v T) *T {
	return &v
}

// placeTwoLines creates an order with two lines and returns it.
func placeTwoLines(t *testing.T, store *memStore, engine *order.Engine) *order.Order {
	t.Helper()
	a := store.addProduct("Cylinder A", "100.00", 5)
	b := store.addProduct("Cylinder B", "200.00", 5)

	got, err := engine.PlaceOrder(context.Background(),
		input(uuid.Must(uuid.NewV4()), uuid.Must(uuid.NewV4()).String(), line(a, 1), line(b, 1)))
	require.NoError(t, err)
	require.Len(t, got.Order.Lines, 2)
	return got.Order
}

func TestEngine_CancelLine(t *testing.T) {
	store := newMemStore()
	rec := newFakeRecorder()
	engine := newEngine(store, rec)
	o := placeTwoLines(t, store, engine)

	updated, err := engine.CancelLine(context.Background(), o.ID, o.Lines[0].ID, "")
	require.NoError(t, err)

	assert.Equal(t, order.StatusCancelled, updated.Lines[0].Status)
	assert.Equal(t, "Cancelled by user", updated.Lines[0].CancelReason)
	require.NotNil(t, updated.Lines[0].CancelledAt)
	assert.Equal(t, fixedNow, *updated.Lines[0].CancelledAt)
	assert.Equal(t, order.OverallActive, updated.OverallStatus, "one line still active")

	updated, err = engine.CancelLine(context.Background(), o.ID, o.Lines[1].ID, "changed my mind")
	require.NoError(t, err)
	assert.Equal(t, "changed my mind", updated.Lines[1].CancelReason)
	assert.Equal(t, order.OverallCancelled, updated.OverallStatus)

	stored, err := engine.GetOrder(context.Background(), o.ID)
	require.NoError(t, err)
	assert.Equal(t, order.OverallCancelled, stored.OverallStatus)

	assert.Equal(t, []string{
		order.EventOrderPlaced,
		order.EventOrderLineCanceled,
		order.EventOrderLineCanceled,
	}, store.eventTypes())
	assert.Equal(t, []string{"Processing->Cancelled", "Processing->Cancelled"}, rec.transitions)
}

func TestEngine_CancelLine_Guard(t *testing.T) {
	store := newMemStore()
	engine := newEngine(store, nil)
	o := placeTwoLines(t, store, engine)

	_, err := engine.UpdateLine(context.Background(), o.ID, o.Lines[0].ID, order.LineUpdate{Status: ptr(order.StatusShipped)})
	require.NoError(t, err)

	_, err = engine.CancelLine(context.Background(), o.ID, o.Lines[0].ID, "")
	require.ErrorIs(t, err, order.ErrCannotCancel)

	stored, err := engine.GetOrder(context.Background(), o.ID)
	require.NoError(t, err)
	assert.Equal(t, order.StatusShipped, stored.Lines[0].Status)
	assert.Nil(t, stored.Lines[0].CancelledAt)
	assert.Empty(t, stored.Lines[0].CancelReason)

	_, err = engine.CancelLine(context.Background(), o.ID, o.Lines[1].ID, "")
	require.NoError(t, err)
	_, err = engine.CancelLine(context.Background(), o.ID, o.Lines[1].ID, "")
	assert.ErrorIs(t, err, order.ErrCannotCancel)
}

func TestEngine_CancelLine_NotFound(t *testing.T) {
	store := newMemStore()
	engine := newEngine(store, nil)
	o := placeTwoLines(t, store, engine)

	_, err := engine.CancelLine(context.Background(), uuid.Must(uuid.NewV4()), o.Lines[0].ID, "")
	assert.ErrorIs(t, err, order.ErrOrderNotFound)

	_, err = engine.CancelLine(context.Background(), o.ID, uuid.Must(uuid.NewV4()), "")
	assert.ErrorIs(t, err, order.ErrLineNotFound)
}

func TestEngine_CancelLine_DoesNotRestock(t *testing.T) {
	store := newMemStore()
	engine := newEngine(store, nil)
	p := store.addProduct("Cylinder", "100.00", 3)

	got, err := engine.PlaceOrder(context.Background(), input(uuid.Must(uuid.NewV4()), "key-1", line(p, 2)))
	require.NoError(t, err)

	_, err = engine.CancelLine(context.Background(), got.Order.ID, got.Order.Lines[0].ID, "")
	require.NoError(t, err)
	assert.Equal(t, 1, store.stock(p))
}

func TestEngine_UpdateLine(t *testing.T) {
	store := newMemStore()
	engine := newEngine(store, nil)
	o := placeTwoLines(t, store, engine)
	eta := time.Date(2025, 6, 10, 0, 0, 0, 0, time.UTC)

	updated, err := engine.UpdateLine(context.Background(), o.ID, o.Lines[1].ID, order.LineUpdate{
		Status:           ptr(order.StatusDelivered),
		TrackingID:       ptr(" TRK-1 "),
		CourierPartner:   ptr("CDEK"),
		ExpectedDelivery: &eta,
	})
	require.NoError(t, err)

	l := updated.Lines[1]
	assert.Equal(t, order.StatusDelivered, l.Status)
	assert.Equal(t, "TRK-1", l.TrackingID)
	assert.Equal(t, "CDEK", l.CourierPartner)
	require.NotNil(t, l.ExpectedDelivery)
	assert.Equal(t, eta, *l.ExpectedDelivery)
	require.NotNil(t, l.DeliveredAt)
	assert.Equal(t, fixedNow, *l.DeliveredAt)
	assert.Equal(t, order.StatusProcessing, updated.Lines[0].Status)

	_, err = engine.UpdateLine(context.Background(), o.ID, o.Lines[1].ID, order.LineUpdate{Status: ptr(order.StatusShipped)})
	assert.ErrorIs(t, err, order.ErrInvalidStatusTransition)

	_, err = engine.UpdateLine(context.Background(), o.ID, o.Lines[1].ID, order.LineUpdate{Status: ptr(order.StatusDelivered)})
	assert.ErrorIs(t, err, order.ErrStatusAlreadySet)

	updated, err = engine.UpdateLine(context.Background(), o.ID, o.Lines[1].ID, order.LineUpdate{Status: ptr(order.StatusReturned)})
	require.NoError(t, err)
	require.NotNil(t, updated.Lines[1].ReturnedAt)

	updated, err = engine.UpdateLine(context.Background(), o.ID, o.Lines[1].ID, order.LineUpdate{Status: ptr(order.StatusRefunded)})
	require.NoError(t, err)
	require.NotNil(t, updated.Lines[1].RefundedAt)
	assert.True(t, updated.Lines[1].Status.Terminal())
}

func TestEngine_UpdateLine_EmptyUpdate(t *testing.T) {
	store := newMemStore()
	engine := newEngine(store, nil)
	o := placeTwoLines(t, store, engine)

	_, err := engine.UpdateLine(context.Background(), o.ID, o.Lines[0].ID, order.LineUpdate{})
	assert.ErrorIs(t, err, order.ErrValidation)
}

func TestEngine_UpdateAllLines(t *testing.T) {
	store := newMemStore()
	engine := newEngine(store, nil)
	o := placeTwoLines(t, store, engine)

	_, err := engine.CancelLine(context.Background(), o.ID, o.Lines[0].ID, "")
	require.NoError(t, err)

	updated, err := engine.UpdateAllLines(context.Background(), o.ID, order.LineUpdate{Status: ptr(order.StatusPacked)})
	require.NoError(t, err)
	assert.Equal(t, order.StatusCancelled, updated.Lines[0].Status, "cancelled lines are left alone")
	assert.Equal(t, order.StatusPacked, updated.Lines[1].Status)
	assert.Equal(t, order.OverallActive, updated.OverallStatus)

	updated, err = engine.UpdateAllLines(context.Background(), o.ID, order.LineUpdate{CourierPartner: ptr("DHL")})
	require.NoError(t, err)
	assert.Equal(t, "DHL", updated.Lines[0].CourierPartner)
	assert.Equal(t, "DHL", updated.Lines[1].CourierPartner)

	updated, err = engine.UpdateAllLines(context.Background(), o.ID, order.LineUpdate{Status: ptr(order.StatusCancelled)})
	require.NoError(t, err)
	assert.Equal(t, order.OverallCancelled, updated.OverallStatus)

	_, err = engine.UpdateAllLines(context.Background(), o.ID, order.LineUpdate{Status: ptr(order.StatusShipped)})
	assert.ErrorIs(t, err, order.ErrInvalidStatusTransition)
}

func TestEngine_UpdateAllLines_AllOrNothing(t *testing.T) {
	store := newMemStore()
	engine := newEngine(store, nil)
	o := placeTwoLines(t, store, engine)

	_, err := engine.UpdateLine(context.Background(), o.ID, o.Lines[1].ID, order.LineUpdate{Status: ptr(order.StatusShipped)})
	require.NoError(t, err)

	_, err = engine.UpdateAllLines(context.Background(), o.ID, order.LineUpdate{Status: ptr(order.StatusPacked)})
	require.ErrorIs(t, err, order.ErrInvalidStatusTransition)

	stored, err := engine.GetOrder(context.Background(), o.ID)
	require.NoError(t, err)
	assert.Equal(t, order.StatusProcessing, stored.Lines[0].Status, "first line must not keep a partial update")
	assert.Equal(t, order.StatusShipped, stored.Lines[1].Status)
}

func TestEngine_UpdateLine_PersistenceFailure(t *testing.T) {
	store := newMemStore()
	engine := newEngine(store, nil)
	o := placeTwoLines(t, store, engine)
	store.failOn = "SaveFulfillment"

	_, err := engine.CancelLine(context.Background(), o.ID, o.Lines[0].ID, "")
	require.ErrorIs(t, err, order.ErrPersistence)

	store.failOn = ""
	stored, err := engine.GetOrder(context.Background(), o.ID)
	require.NoError(t, err)
	assert.Equal(t, order.StatusProcessing, stored.Lines[0].Status)
	assert.Len(t, store.eventTypes(), 1)
}
