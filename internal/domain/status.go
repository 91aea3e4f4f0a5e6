package domain

type PaymentStatus string

const (
	StatusDraft             PaymentStatus = "draft"
	StatusPlaced            PaymentStatus = "placed"
	StatusPending           PaymentStatus = "pending"
	StatusPendingValidation PaymentStatus = "pending_validation"
	StatusPaid              PaymentStatus = "paid"
	StatusShipped           PaymentStatus = "shipped"
	StatusDelivered         PaymentStatus = "delivered"
	StatusFailed            PaymentStatus = "failed"
	StatusExpired           PaymentStatus = "expired"
	StatusCancelled         PaymentStatus = "cancelled"
)

var validNext = map[PaymentStatus]map[PaymentStatus]bool{
	StatusDraft:             {StatusPlaced: true, StatusPending: true, StatusPendingValidation: true, StatusCancelled: true},
	StatusPlaced:            {StatusPending: true, StatusPendingValidation: true, StatusCancelled: true},
	StatusPending:           {StatusPaid: true, StatusFailed: true, StatusExpired: true, StatusCancelled: true},
	StatusPendingValidation: {StatusPaid: true, StatusFailed: true, StatusExpired: true, StatusCancelled: true},
	StatusPaid:              {StatusShipped: true, StatusCancelled: true},
	StatusShipped:           {StatusDelivered: true, StatusCancelled: true},
	StatusFailed:            {StatusDraft: true, StatusCancelled: true},
	StatusDelivered:         {},
	StatusExpired:           {},
	StatusCancelled:         {},
}

func CanTransition(from, to PaymentStatus) bool {
	return validNext[from][to]
}

func (s PaymentStatus) Valid() bool {
	_, ok := validNext[s]
	return ok
}

func (s PaymentStatus) Terminal() bool {
	return s.Valid() && len(validNext[s]) == 0
}

// Settled is true once the buyer has paid, including after shipping.
func (s PaymentStatus) Settled() bool {
	return s == StatusPaid || s == StatusShipped
}

// AwaitingPayment reports whether the order holds a reservation window.
func (s PaymentStatus) AwaitingPayment() bool {
	return s == StatusPending || s == StatusPendingValidation
}

// FulfillmentStatus mirrors the logistics stage of the batch an order
// travels in; it never drives payment state.
type FulfillmentStatus string

const (
	FulfillmentUnbatched FulfillmentStatus = "unbatched"
	FulfillmentBatched   FulfillmentStatus = "batched"
	FulfillmentDelivered FulfillmentStatus = "delivered"
)

// FulfillmentFromStage maps an MPO stage onto the order-level status.
func FulfillmentFromStage(s MPOStatus) FulfillmentStatus {
	switch s {
	case MPODraft, MPOOpen:
		return FulfillmentBatched
	default:
		return FulfillmentStatus(s)
	}
}

type MPOStatus string

const (
	MPODraft                 MPOStatus = "draft"
	MPOOpen                  MPOStatus = "open"
	MPOOriginTrackingEntered MPOStatus = "origin_tracking_entered"
	MPOShippedOrigin         MPOStatus = "shipped_origin"
	MPOArrivedIntermediate   MPOStatus = "arrived_intermediate"
	MPOShippedDestination    MPOStatus = "shipped_destination"
	MPOArrivedHub            MPOStatus = "arrived_hub"
	MPOClosed                MPOStatus = "closed"
)

var mpoRank = map[MPOStatus]int{
	MPODraft:                 0,
	MPOOpen:                  1,
	MPOOriginTrackingEntered: 2,
	MPOShippedOrigin:         3,
	MPOArrivedIntermediate:   4,
	MPOShippedDestination:    5,
	MPOArrivedHub:            6,
	MPOClosed:                7,
}

func (s MPOStatus) Valid() bool {
	_, ok := mpoRank[s]
	return ok
}

func (s MPOStatus) Rank() int { return mpoRank[s] }

// AcceptsLinks is true until the origin tracking number is stamped.
func (s MPOStatus) AcceptsLinks() bool {
	return s == MPODraft || s == MPOOpen
}

// IsLogisticsStage reports whether s may be the target of a stage advance.
func (s MPOStatus) IsLogisticsStage() bool {
	r, ok := mpoRank[s]
	return ok && r >= mpoRank[MPOShippedOrigin] && r <= mpoRank[MPOArrivedHub]
}

// CanAdvanceStage allows forward-only moves between logistics stages,
// starting from origin_tracking_entered. Intermediate stages may be skipped.
func CanAdvanceStage(from, to MPOStatus) bool {
	if !to.IsLogisticsStage() {
		return false
	}
	if from != MPOOriginTrackingEntered && !from.IsLogisticsStage() {
		return false
	}
	return mpoRank[to] > mpoRank[from]
}
