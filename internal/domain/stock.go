package domain

import (
	"time"

	"github.com/google/uuid"
)

type StockRecord struct {
	SKU              string    `json:"sku"`
	OnHand           int       `json:"on_hand"`
	InTransit        int       `json:"in_transit"`
	AllocatedLocal   int       `json:"allocated_local"`
	AllocatedTransit int       `json:"allocated_transit"`
	PendingPurchase  int       `json:"pending_purchase"`
	UpdatedAt        time.Time `json:"updated_at"`
}

func (r StockRecord) Allocated() int { return r.AllocatedLocal + r.AllocatedTransit }

// Available is onHand + inTransit - allocated.
func (r StockRecord) Available() int { return r.OnHand + r.InTransit - r.Allocated() }

func (r StockRecord) FreeLocal() int { return max(0, r.OnHand-r.AllocatedLocal) }

func (r StockRecord) FreeTransit() int { return max(0, r.InTransit-r.AllocatedTransit) }

// Consistent checks the ledger invariant for one SKU.
func (r StockRecord) Consistent() bool {
	return r.AllocatedLocal >= 0 && r.AllocatedTransit >= 0 && r.PendingPurchase >= 0 &&
		r.Allocated() <= r.OnHand+r.InTransit+r.PendingPurchase
}

type AllocationStatus string

const (
	AllocationAllocated AllocationStatus = "allocated"
	AllocationPartial   AllocationStatus = "partial"
)

type StockAllocation struct {
	ID              uuid.UUID        `json:"id"`
	OrderID         uuid.UUID        `json:"order_id"`
	OrderLineID     uuid.UUID        `json:"order_line_id"`
	SKU             string           `json:"sku"`
	Requested       int              `json:"requested"`
	FromLocal       int              `json:"quantity_from_local"`
	FromTransit     int              `json:"quantity_from_transit"`
	PendingPurchase int              `json:"quantity_pending_purchase"`
	Status          AllocationStatus `json:"allocation_status"`
	ReleasedAt      *time.Time       `json:"released_at,omitempty"`
	ConsumedAt      *time.Time       `json:"consumed_at,omitempty"`
	CreatedAt       time.Time        `json:"created_at"`
	UpdatedAt       time.Time        `json:"updated_at"`
}

// Active allocations still hold stock.
func (a StockAllocation) Active() bool { return a.ReleasedAt == nil && a.ConsumedAt == nil }

func (a StockAllocation) Held() int { return a.FromLocal + a.FromTransit + a.PendingPurchase }

type TransitBatch struct {
	ID              uuid.UUID  `json:"id"`
	SKU             string     `json:"sku"`
	Quantity        int        `json:"quantity"`
	ExpectedArrival time.Time  `json:"expected_arrival"`
	CarrierRef      string     `json:"carrier_ref"`
	ArrivedAt       *time.Time `json:"arrived_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
}

// DemandLine is one row of the advisory purchase shortfall view.
type DemandLine struct {
	SKU             string `json:"sku"`
	Confirmed       int    `json:"confirmed"`
	Pending         int    `json:"pending"`
	Cart            int    `json:"cart"`
	OnHand          int    `json:"on_hand"`
	InTransit       int    `json:"in_transit"`
	Available       int    `json:"available"`
	QuantityToOrder int    `json:"quantity_to_order"`
	// GrossShortfall nets demand against on hand plus in transit, ignoring
	// what is already allocated.
	GrossShortfall  int    `json:"gross_shortfall"`
}

type DemandSummary struct {
	GeneratedAt time.Time    `json:"generated_at"`
	Lines       []DemandLine `json:"lines"`
}

// OrderDemand is the per-SKU quantity held by orders, split by state.
type OrderDemand struct {
	Confirmed int
	Pending   int
}
