package order

import (
	"time"

	"github.com/gofrs/uuid"
	"github.com/shopspring/decimal"
)

type OverallStatus string

const (
	OverallActive    OverallStatus = "Active"
	OverallCancelled OverallStatus = "Cancelled"
)

func (s OverallStatus) String() string {
	return string(s)
}

// ShippingAddress is copied into the order at placement time so later edits
// to the customer's address book never rewrite past orders.
type ShippingAddress struct {
	Name         string `json:"name" validate:"required"`
	MobileNumber string `json:"mobile_number" validate:"required"`
	PostalCode   string `json:"postal_code" validate:"required"`
	Address      string `json:"address" validate:"required"`
	City         string `json:"city" validate:"required"`
	Landmark     string `json:"landmark,omitempty"`
	State        string `json:"state,omitempty"`
	Country      string `json:"country,omitempty"`
}

// Line is one purchased product inside an order. Quantity and the monetary
// fields are fixed at creation; only the fulfillment fields change later.
type Line struct {
	ID              uuid.UUID       `json:"id"`
	Position        int             `json:"position"`
	ProductID       uuid.UUID       `json:"product_id"`
	ProductName     string          `json:"product_name"`
	ProductImage    string          `json:"product_image"`
	Quantity        int             `json:"quantity"`
	PriceAtPurchase decimal.Decimal `json:"price_at_purchase"`
	DeliveryCharge  decimal.Decimal `json:"delivery_charge"`

	Status           LineStatus `json:"order_status"`
	TrackingID       string     `json:"tracking_id,omitempty"`
	CourierPartner   string     `json:"courier_partner,omitempty"`
	ExpectedDelivery *time.Time `json:"expected_delivery,omitempty"`
	CancelReason     string     `json:"cancel_reason,omitempty"`
	CancelledAt      *time.Time `json:"cancelled_at,omitempty"`
	DeliveredAt      *time.Time `json:"delivered_at,omitempty"`
	ReturnedAt       *time.Time `json:"returned_at,omitempty"`
	RefundedAt       *time.Time `json:"refunded_at,omitempty"`
}

// Subtotal is price × quantity plus the line's delivery charge.
func (l Line) Subtotal() decimal.Decimal {
	return l.PriceAtPurchase.Mul(decimal.NewFromInt(int64(l.Quantity))).Add(l.DeliveryCharge)
}

type Order struct {
	ID              uuid.UUID       `json:"id"`
	UserID          uuid.UUID       `json:"user_id"`
	IdempotencyKey  string          `json:"idempotency_key"`
	Lines           []Line          `json:"items"`
	ShippingAddress ShippingAddress `json:"shipping_address"`
	TotalAmount     decimal.Decimal `json:"total_amount"`
	PaymentMethod   string          `json:"payment_method"`
	PaymentStatus   string          `json:"payment_status"`
	OverallStatus   OverallStatus   `json:"overall_status"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

func (o *Order) line(id uuid.UUID) (*Line, bool) {
	for i := range o.Lines {
		if o.Lines[i].ID == id {
			return &o.Lines[i], true
		}
	}
	return nil, false
}

// LineRequest is one cart entry submitted for placement.
type LineRequest struct {
	ProductID uuid.UUID `json:"product_id" validate:"required"`
	Quantity  int       `json:"quantity" validate:"min=1"`
	// PriceAtPurchase is the price the cart showed. It is compared against the
	// catalog but never stored; the catalog price is authoritative.
	PriceAtPurchase decimal.Decimal `json:"price_at_purchase"`
	DeliveryCharge  decimal.Decimal `json:"delivery_charge"`
}

type PlaceOrderInput struct {
	UserID          uuid.UUID       `json:"user_id" validate:"required"`
	IdempotencyKey  string          `json:"idempotency_key" validate:"required,max=128"`
	Items           []LineRequest   `json:"items" validate:"required,min=1,dive"`
	ShippingAddress ShippingAddress `json:"shipping_address"`
	// TotalAmount is the client's figure; the stored total is recomputed from
	// the accepted lines.
	TotalAmount   decimal.Decimal `json:"total_amount"`
	PaymentMethod string          `json:"payment_method" validate:"max=64"`
	PaymentStatus string          `json:"payment_status" validate:"max=64"`
}

type RejectionReason string

const (
	RejectProductNotFound   RejectionReason = "product_not_found"
	RejectInsufficientStock RejectionReason = "insufficient_stock"
)

// LineRejection explains why a requested line was left out of the order.
type LineRejection struct {
	Index     int             `json:"index"`
	ProductID uuid.UUID       `json:"product_id"`
	Requested int             `json:"requested"`
	Available int             `json:"available"`
	Reason    RejectionReason `json:"reason"`
}

// Placement is the outcome of a successful PlaceOrder call. Replayed is set
// when the idempotency key matched an existing order; Rejected is then empty
// because rejections of the first attempt are not stored.
type Placement struct {
	Order    *Order          `json:"order"`
	Rejected []LineRejection `json:"rejected_items"`
	Replayed bool            `json:"replayed"`
}

// LineUpdate carries the admin-editable fulfillment fields. Nil fields are
// left untouched.
type LineUpdate struct {
	Status           *LineStatus
	TrackingID       *string
	CourierPartner   *string
	ExpectedDelivery *time.Time
}

func (u LineUpdate) empty() bool {
	return u.Status == nil && u.TrackingID == nil && u.CourierPartner == nil && u.ExpectedDelivery == nil
}
