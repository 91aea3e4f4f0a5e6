package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const (
	TopicOrderLifecycle    = "order.lifecycle"
	TopicMPOLifecycle      = "mpo.lifecycle"
	TopicDeliveryLifecycle = "delivery.lifecycle"
	TopicWalletLifecycle   = "wallet.lifecycle"
)

const (
	EventOrderPlaced       = "order.placed"
	EventCheckoutStarted   = "order.checkout_started"
	EventPaymentReference  = "order.payment_reference_submitted"
	EventOrderPaid         = "order.paid"
	EventPaymentFailed     = "order.payment_failed"
	EventOrderCancelled    = "order.cancelled"
	EventOrderRetry        = "order.retry"
	EventOrderExpired      = "order.expired"
	EventMPOCreated        = "mpo.created"
	EventMPOOpened         = "mpo.opened"
	EventMPOLinked         = "mpo.orders_linked"
	EventMPOOriginTracking = "mpo.origin_tracking_entered"
	EventMPOStageAdvanced  = "mpo.stage_advanced"
	EventMPOClosed         = "mpo.closed"
	EventTrackingRevealed  = "delivery.tracking_revealed"
	EventDeliveryConfirmed = "delivery.confirmed"
	EventWalletCredited    = "wallet.credited"
)

const (
	EnvelopeVersion    = 1
	HeaderEventType    = "x-event-type"
	HeaderEventVersion = "x-event-version"
)

type Envelope struct {
	EventID       string          `json:"event_id"`
	EventType     string          `json:"event_type"`
	EventVersion  int             `json:"event_version"`
	OccurredAt    time.Time       `json:"occurred_at"`
	Producer      string          `json:"producer"`
	TraceID       string          `json:"trace_id,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"` // order or MPO id
	Payload       json.RawMessage `json:"payload"`
}

// New builds a v1 envelope. The payload must be JSON-encodable.
func New(eventType, producer, traceID, correlationID string, payload any) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s payload: %w", eventType, err)
	}
	return Envelope{
		EventID:       uuid.NewString(),
		EventType:     eventType,
		EventVersion:  EnvelopeVersion,
		OccurredAt:    time.Now().UTC(),
		Producer:      producer,
		TraceID:       traceID,
		CorrelationID: correlationID,
		Payload:       raw,
	}, nil
}

// PartitionKey keeps all events of one aggregate on one partition.
func (e Envelope) PartitionKey() []byte { return []byte(e.CorrelationID) }

func DecodePayload[T any](e Envelope) (T, error) {
	var t T
	if err := json.Unmarshal(e.Payload, &t); err != nil {
		return t, fmt.Errorf("decode %s payload: %w", e.EventType, err)
	}
	return t, nil
}

// ---- payloads ----

type OrderTransition struct {
	OrderID    string `json:"order_id"`
	Channel    string `json:"channel"`
	BuyerID    string `json:"buyer_id"`
	From       string `json:"from,omitempty"`
	To         string `json:"to"`
	Reason     string `json:"reason,omitempty"`
	TotalCents int64  `json:"total_cents"`
	Released   int    `json:"released_qty,omitempty"`
}

type MPOChange struct {
	MPOID          string         `json:"mpo_id"`
	Number         string         `json:"number"`
	Status         string         `json:"status"`
	OriginTracking string         `json:"origin_tracking,omitempty"`
	Updated        int            `json:"updated"`
	ByChannel      map[string]int `json:"by_channel,omitempty"`
}

type DeliveryConfirmed struct {
	LinkID           string    `json:"link_id"`
	OrderID          string    `json:"order_id"`
	MPOID            string    `json:"mpo_id"`
	Channel          string    `json:"channel"`
	ConfirmedAt      time.Time `json:"confirmed_at"`
	EscrowEligibleAt time.Time `json:"escrow_eligible_at"`
}

type TrackingRevealed struct {
	LinkID     string    `json:"link_id"`
	OrderID    string    `json:"order_id"`
	HandlerID  string    `json:"handler_id"`
	RevealedAt time.Time `json:"revealed_at"`
}

type WalletCredited struct {
	LinkID      string `json:"link_id"`
	OrderID     string `json:"order_id"`
	PartyID     string `json:"party_id"`
	Role        string `json:"role"`
	AmountCents int64  `json:"amount_cents"`
}
