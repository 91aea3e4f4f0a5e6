package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type PaymentMethod string

const (
	MethodCard         PaymentMethod = "card"
	MethodMobileMoney  PaymentMethod = "mobile_money"
	MethodBankTransfer PaymentMethod = "bank_transfer"
)

func (m PaymentMethod) Valid() bool {
	switch m {
	case MethodCard, MethodMobileMoney, MethodBankTransfer:
		return true
	}
	return false
}

// Manual methods are reconciled by a human against a buyer-supplied
// proof-of-payment reference.
func (m PaymentMethod) Manual() bool {
	return m == MethodMobileMoney || m == MethodBankTransfer
}

// CheckoutStatus is the waiting state a method leads to.
func (m PaymentMethod) CheckoutStatus() PaymentStatus {
	if m.Manual() {
		return StatusPendingValidation
	}
	return StatusPending
}

type Order struct {
	ID                   uuid.UUID         `json:"id"`
	ExternalID           string            `json:"external_id,omitempty"`
	Channel              Channel           `json:"channel"`
	BuyerID              string            `json:"buyer_id"`
	SellerID             string            `json:"seller_id,omitempty"`
	TotalCents           int64             `json:"total_cents"`
	TotalQuantity        int               `json:"total_quantity"`
	PaymentStatus        PaymentStatus     `json:"payment_status"`
	FulfillmentStatus    FulfillmentStatus `json:"fulfillment_status"`
	PaymentMethod        PaymentMethod     `json:"payment_method,omitempty"`
	PaymentReference     string            `json:"payment_reference,omitempty"`
	StockReserved        bool              `json:"stock_reserved"`
	ReservedAt           *time.Time        `json:"reserved_at,omitempty"`
	ReservationExpiresAt *time.Time        `json:"reservation_expires_at,omitempty"`
	CustomerCodeDigest   string            `json:"-"`
	Details              ChannelDetails    `json:"channel_details,omitempty"`
	Metadata             Metadata          `json:"metadata"`
	Lines                []OrderLine       `json:"lines"`
	CreatedAt            time.Time         `json:"created_at"`
	UpdatedAt            time.Time         `json:"updated_at"`
}

type OrderLine struct {
	ID             uuid.UUID `json:"id"`
	OrderID        uuid.UUID `json:"order_id"`
	SKU            string    `json:"sku"`
	VariantID      string    `json:"variant_id,omitempty"`
	StoreID        string    `json:"store_id,omitempty"`
	Quantity       int       `json:"quantity"`
	UnitPriceCents int64     `json:"unit_price_cents"`
	SubtotalCents  int64     `json:"subtotal_cents"`
}

// ReservationExpired reports whether the order sits in a waiting state
// whose window has passed at now.
func (o *Order) ReservationExpired(now time.Time) bool {
	return o.PaymentStatus.AwaitingPayment() &&
		o.ReservationExpiresAt != nil &&
		!now.Before(*o.ReservationExpiresAt)
}

func (o *Order) ClearReservation() {
	o.StockReserved = false
	o.ReservedAt = nil
	o.ReservationExpiresAt = nil
}

// MatchedSale returns the matched-sale extension when the order belongs to
// that channel.
func (o *Order) MatchedSale() (MatchedSaleDetails, bool) {
	d, ok := o.Details.(MatchedSaleDetails)
	return d, ok
}

type DeliveryMode string

const (
	DeliveryHome        DeliveryMode = "home"
	DeliveryPickupPoint DeliveryMode = "pickup_point"
)

type ReleaseReason string

const (
	ReleaseUser          ReleaseReason = "user"
	ReleaseTimeout       ReleaseReason = "timeout"
	ReleaseAdmin         ReleaseReason = "admin"
	ReleasePaymentFailed ReleaseReason = "payment_failed"
	ReleaseRetry         ReleaseReason = "retry"
)

func (r ReleaseReason) ValidForCancel() bool {
	return r == ReleaseUser || r == ReleaseAdmin || r == ReleaseTimeout
}

// Metadata is the typed replacement for the free-form order bag.
type Metadata struct {
	ShippingAddress *ShippingAddress  `json:"shipping_address,omitempty"`
	DeliveryMode    DeliveryMode      `json:"delivery_mode,omitempty"`
	Cancellation    *CancellationInfo `json:"cancellation,omitempty"`
	StockReleases   []StockRelease    `json:"stock_releases,omitempty"`
	PaymentFailure  string            `json:"payment_failure,omitempty"`
	ItemsRestored   bool              `json:"items_restored,omitempty"`
	// Extension holds channel-specific extras with no typed home.
	Extension json.RawMessage `json:"extension,omitempty"`
}

type ShippingAddress struct {
	RecipientName   string `json:"recipient_name"`
	Phone           string `json:"phone"`
	Line1           string `json:"line1,omitempty"`
	City            string `json:"city,omitempty"`
	DepartmentCode  string `json:"department_code"`
	CommuneCode     string `json:"commune_code"`
	PickupPointCode string `json:"pickup_point_code,omitempty"`
}

type CancellationInfo struct {
	Reason         ReleaseReason `json:"reason"`
	Actor          string        `json:"actor,omitempty"`
	Note           string        `json:"note,omitempty"`
	PreviousStatus PaymentStatus `json:"previous_status"`
	At             time.Time     `json:"at"`
}

// StockRelease is one entry of the trail explaining why a hold was dropped.
type StockRelease struct {
	Reason     ReleaseReason `json:"reason"`
	FromStatus PaymentStatus `json:"from_status"`
	Quantity   int           `json:"quantity"`
	At         time.Time     `json:"at"`
}

type CartLine struct {
	BuyerID           string     `json:"buyer_id"`
	Channel           Channel    `json:"channel"`
	SKU               string     `json:"sku"`
	VariantID         string     `json:"variant_id,omitempty"`
	Quantity          int        `json:"quantity"`
	UnitPriceCents    int64      `json:"unit_price_cents"`
	RestoredFromOrder *uuid.UUID `json:"restored_from_order,omitempty"`
}

// StatusView is the small projection kept in the status cache.
type StatusView struct {
	OrderID              uuid.UUID         `json:"order_id"`
	PaymentStatus        PaymentStatus     `json:"payment_status"`
	FulfillmentStatus    FulfillmentStatus `json:"fulfillment_status"`
	ReservationExpiresAt *time.Time        `json:"reservation_expires_at,omitempty"`
	UpdatedAt            time.Time         `json:"updated_at"`
}

func (o *Order) StatusView() StatusView {
	return StatusView{
		OrderID:              o.ID,
		PaymentStatus:        o.PaymentStatus,
		FulfillmentStatus:    o.FulfillmentStatus,
		ReservationExpiresAt: o.ReservationExpiresAt,
		UpdatedAt:            o.UpdatedAt,
	}
}
