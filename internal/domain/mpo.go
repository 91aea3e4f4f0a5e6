package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// MasterPurchaseOrder is one purchasing and shipping cycle.
type MasterPurchaseOrder struct {
	ID                    uuid.UUID  `json:"id"`
	Number                int64      `json:"number"`
	Status                MPOStatus  `json:"status"`
	CycleStartAt          time.Time  `json:"cycle_start_at"`
	CycleEndAt            *time.Time `json:"cycle_end_at,omitempty"`
	ClosedAt              *time.Time `json:"closed_at,omitempty"`
	OriginTrackingNumber  string     `json:"origin_tracking_number,omitempty"`
	OrderCount            int        `json:"order_count"`
	ItemCount             int        `json:"item_count"`
	TotalQuantity         int        `json:"total_quantity"`
	TotalAmountCents      int64      `json:"total_amount_cents"`
	OriginTrackingAt      *time.Time `json:"origin_tracking_at,omitempty"`
	ShippedOriginAt       *time.Time `json:"shipped_origin_at,omitempty"`
	ArrivedIntermediateAt *time.Time `json:"arrived_intermediate_at,omitempty"`
	ShippedDestinationAt  *time.Time `json:"shipped_destination_at,omitempty"`
	ArrivedHubAt          *time.Time `json:"arrived_hub_at,omitempty"`
	CreatedAt             time.Time  `json:"created_at"`
	UpdatedAt             time.Time  `json:"updated_at"`
}

func (m *MasterPurchaseOrder) BusinessNumber() string {
	return fmt.Sprintf("MPO-%06d", m.Number)
}

// StampStage records the timestamp belonging to a logistics stage.
func (m *MasterPurchaseOrder) StampStage(s MPOStatus, at time.Time) {
	t := at
	switch s {
	case MPOOriginTrackingEntered:
		m.OriginTrackingAt = &t
	case MPOShippedOrigin:
		m.ShippedOriginAt = &t
	case MPOArrivedIntermediate:
		m.ArrivedIntermediateAt = &t
	case MPOShippedDestination:
		m.ShippedDestinationAt = &t
	case MPOArrivedHub:
		m.ArrivedHubAt = &t
	}
}

// OrderLink binds one order of any channel to an MPO. Stage records how far
// the MPO fan-out has carried this link.
type OrderLink struct {
	ID                      uuid.UUID    `json:"id"`
	MPOID                   uuid.UUID    `json:"mpo_id"`
	OrderID                 uuid.UUID    `json:"order_id"`
	Channel                 Channel      `json:"channel"`
	CustomerName            string       `json:"customer_name"`
	CustomerPhone           string       `json:"customer_phone"`
	DepartmentCode          string       `json:"department_code"`
	CommuneCode             string       `json:"commune_code"`
	PickupPointCode         string       `json:"pickup_point_code,omitempty"`
	DeliveryMode            DeliveryMode `json:"delivery_mode"`
	ReferrerName            string       `json:"referrer_name,omitempty"`
	UnitCount               int          `json:"unit_count"`
	AmountCents             int64        `json:"amount_cents"`
	Stage                   MPOStatus    `json:"stage"`
	HybridTrackingID        string       `json:"hybrid_tracking_id,omitempty"`
	PickupQRCode            string       `json:"pickup_qr_code,omitempty"`
	ManifestPIN             string       `json:"-"`
	BoxPIN                  string       `json:"-"`
	CustomerCodeDigest      string       `json:"-"`
	TrackingRevealedAt      *time.Time   `json:"tracking_revealed_at,omitempty"`
	DeliveryConfirmedAt     *time.Time   `json:"delivery_confirmed_at,omitempty"`
	EscrowReleaseEligibleAt *time.Time   `json:"escrow_release_eligible_at,omitempty"`
	WalletProcessedAt       *time.Time   `json:"wallet_processed_at,omitempty"`
	CreatedAt               time.Time    `json:"created_at"`
	UpdatedAt               time.Time    `json:"updated_at"`
}

type PickingItem struct {
	ID        uuid.UUID `json:"id"`
	MPOID     uuid.UUID `json:"mpo_id"`
	LinkID    uuid.UUID `json:"link_id"`
	OrderID   uuid.UUID `json:"order_id"`
	SKU       string    `json:"sku"`
	VariantID string    `json:"variant_id,omitempty"`
	Quantity  int       `json:"quantity"`
}

// WalletEntry is one credit released from escrow.
type WalletEntry struct {
	ID          uuid.UUID `json:"id"`
	PartyID     string    `json:"party_id"`
	Role        string    `json:"role"`
	LinkID      uuid.UUID `json:"link_id"`
	OrderID     uuid.UUID `json:"order_id"`
	AmountCents int64     `json:"amount_cents"`
	CreatedAt   time.Time `json:"created_at"`
}
