// Package orders is the payment and reservation state machine of an order.
// Every transition locks the order row, re-checks its current status and
// commits together with its stock effects.
package orders

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ariefcatur/marketplace-fulfillment/internal/apperr"
	"github.com/ariefcatur/marketplace-fulfillment/internal/domain"
	"github.com/ariefcatur/marketplace-fulfillment/internal/events"
	"github.com/ariefcatur/marketplace-fulfillment/internal/stock"
	"github.com/ariefcatur/marketplace-fulfillment/internal/store"
	"github.com/ariefcatur/marketplace-fulfillment/internal/tracking"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const DefaultReservationWindow = 30 * time.Minute

// StatusCache is a best-effort read cache of order status.
type StatusCache interface {
	Put(ctx context.Context, v domain.StatusView)
	Get(ctx context.Context, id uuid.UUID) (domain.StatusView, bool)
	Forget(ctx context.Context, ids ...uuid.UUID)
}

type Service struct {
	Store  store.Store
	Ledger *stock.Ledger
	Events events.Emitter
	Cache  StatusCache // optional
	Codes  *tracking.Digester
	Window time.Duration
	Now    func() time.Time
}

func (s *Service) now() time.Time {
	if s.Now == nil {
		return time.Now().UTC()
	}
	return s.Now().UTC()
}

func (s *Service) window() time.Duration {
	if s.Window <= 0 {
		return DefaultReservationWindow
	}
	return s.Window
}

// Placed is the result of PlaceOrder. CustomerCode is only ever returned
// here; the order keeps a keyed digest of it.
type Placed struct {
	Order        *domain.Order            `json:"order"`
	Allocations  []domain.StockAllocation `json:"allocations,omitempty"`
	CustomerCode string                   `json:"customer_code,omitempty"`
	Existing     bool                     `json:"existing"`
}

// PlaceOrder creates the order in placed and allocates every line in the
// same transaction. A repeated external id returns the existing order.
func (s *Service) PlaceOrder(ctx context.Context, in PlaceOrderInput) (Placed, error) {
	o, err := in.build()
	if err != nil {
		return Placed{}, err
	}
	code, err := tracking.NewCustomerCode()
	if err != nil {
		return Placed{}, err
	}
	o.CustomerCodeDigest = s.Codes.Digest(code)
	now := s.now()
	o.PaymentStatus = domain.StatusPlaced
	o.CreatedAt, o.UpdatedAt = now, now

	var out Placed
	err = s.Store.InTx(ctx, func(tx store.Tx) error {
		if o.ExternalID != "" {
			existing, err := tx.OrderByExternalID(ctx, o.ExternalID)
			switch {
			case err == nil:
				out = Placed{Order: existing, Existing: true}
				return nil
			case !errors.Is(err, store.ErrNotFound):
				return err
			}
		}
		if err := tx.InsertOrder(ctx, o); err != nil {
			return fmt.Errorf("insert order: %w", err)
		}
		allocs, err := s.Ledger.AllocateLines(ctx, tx, o.ID, o.Lines)
		if err != nil {
			return err
		}
		out = Placed{Order: o, Allocations: allocs, CustomerCode: code}
		return nil
	})
	if err != nil {
		return Placed{}, err
	}
	if out.Existing {
		return out, nil
	}

	partial := 0
	for _, a := range out.Allocations {
		partial += a.PendingPurchase
	}
	log.Info().Str("order_id", o.ID.String()).Str("channel", string(o.Channel)).
		Int("qty", o.TotalQuantity).Int("pending_purchase", partial).Msg("order placed")
	s.after(ctx, o, change{event: events.EventOrderPlaced, from: domain.StatusDraft})
	return out, nil
}

// GetOrder returns the order, expiring its reservation first when the
// window has passed.
func (s *Service) GetOrder(ctx context.Context, id uuid.UUID) (*domain.Order, error) {
	o, err := s.read(ctx, id)
	if err != nil {
		return nil, err
	}
	if !o.ReservationExpired(s.now()) {
		return o, nil
	}
	if _, err := s.Expire(ctx, id); err != nil {
		return nil, err
	}
	return s.read(ctx, id)
}

func (s *Service) read(ctx context.Context, id uuid.UUID) (*domain.Order, error) {
	var o *domain.Order
	err := s.Store.InTx(ctx, func(tx store.Tx) error {
		var err error
		o, err = tx.GetOrder(ctx, id)
		return notFound(err, id)
	})
	return o, err
}

// Status serves the cached projection unless it may hide a lapsed
// reservation, in which case the full read runs.
func (s *Service) Status(ctx context.Context, id uuid.UUID) (domain.StatusView, error) {
	if s.Cache != nil {
		if v, ok := s.Cache.Get(ctx, id); ok {
			lapsed := v.PaymentStatus.AwaitingPayment() && v.ReservationExpiresAt != nil &&
				!s.now().Before(*v.ReservationExpiresAt)
			if !lapsed {
				return v, nil
			}
		}
	}
	o, err := s.GetOrder(ctx, id)
	if err != nil {
		return domain.StatusView{}, err
	}
	v := o.StatusView()
	if s.Cache != nil {
		s.Cache.Put(ctx, v)
	}
	return v, nil
}

// StartCheckout moves a draft or placed order into the waiting state of
// the payment method and opens the reservation window. An order without
// active holds (after a retry) is allocated again.
func (s *Service) StartCheckout(ctx context.Context, id uuid.UUID, method domain.PaymentMethod) (*domain.Order, error) {
	if !method.Valid() {
		return nil, apperr.Validation("method", "unknown payment method %q", method)
	}
	return s.mutate(ctx, id, func(tx store.Tx, o *domain.Order, now time.Time) (change, error) {
		if o.PaymentStatus.AwaitingPayment() && o.PaymentMethod == method && !o.ReservationExpired(now) {
			return change{}, nil
		}
		from := o.PaymentStatus
		if err := move(o, method.CheckoutStatus()); err != nil {
			return change{}, err
		}
		held, err := tx.LockAllocations(ctx, o.ID)
		if err != nil {
			return change{}, err
		}
		if len(held) == 0 {
			if _, err := s.Ledger.AllocateLines(ctx, tx, o.ID, o.Lines); err != nil {
				return change{}, err
			}
		}
		expires := now.Add(s.window())
		o.PaymentMethod = method
		o.PaymentReference = ""
		o.ReservedAt = &now
		o.ReservationExpiresAt = &expires
		o.StockReserved = true
		return change{event: events.EventCheckoutStarted, from: from, reason: string(method)}, nil
	})
}

// SubmitPaymentReference records the buyer's proof of payment for a
// manually reconciled method.
func (s *Service) SubmitPaymentReference(ctx context.Context, id uuid.UUID, ref string) (*domain.Order, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return nil, apperr.Validation("reference", "required")
	}
	return s.mutate(ctx, id, func(_ store.Tx, o *domain.Order, now time.Time) (change, error) {
		if o.PaymentStatus != domain.StatusPendingValidation {
			return change{}, apperr.Validation("payment_status", "references are only accepted while %s, order is %s",
				domain.StatusPendingValidation, o.PaymentStatus)
		}
		if o.ReservationExpired(now) {
			return change{}, apperr.Conflict("reservation of order %s has expired", o.ID)
		}
		if o.PaymentReference == ref {
			return change{}, nil
		}
		o.PaymentReference = ref
		return change{event: events.EventPaymentReference, from: o.PaymentStatus}, nil
	})
}

// ConfirmPayment marks a waiting order paid. Confirming a paid order is a
// no-op.
func (s *Service) ConfirmPayment(ctx context.Context, id uuid.UUID) (*domain.Order, error) {
	return s.mutate(ctx, id, func(_ store.Tx, o *domain.Order, now time.Time) (change, error) {
		if o.PaymentStatus == domain.StatusPaid {
			return change{}, nil
		}
		if o.ReservationExpired(now) {
			return change{}, apperr.Conflict("reservation of order %s has expired", o.ID)
		}
		if o.PaymentStatus.AwaitingPayment() && o.PaymentMethod.Manual() && o.PaymentReference == "" {
			return change{}, apperr.Validation("payment_reference", "required for %s payments", o.PaymentMethod)
		}
		from := o.PaymentStatus
		if err := move(o, domain.StatusPaid); err != nil {
			return change{}, err
		}
		o.ClearReservation()
		return change{event: events.EventOrderPaid, from: from}, nil
	})
}

// FailPayment records a gateway failure and drops the stock hold.
func (s *Service) FailPayment(ctx context.Context, id uuid.UUID, reason string) (*domain.Order, error) {
	return s.mutate(ctx, id, func(tx store.Tx, o *domain.Order, now time.Time) (change, error) {
		if o.PaymentStatus == domain.StatusFailed {
			return change{}, nil
		}
		from := o.PaymentStatus
		if err := move(o, domain.StatusFailed); err != nil {
			return change{}, err
		}
		released, err := s.Ledger.Release(ctx, tx, o.ID)
		if err != nil {
			return change{}, err
		}
		o.Metadata.StockReleases = append(o.Metadata.StockReleases, domain.StockRelease{
			Reason: domain.ReleasePaymentFailed, FromStatus: from, Quantity: released, At: now,
		})
		o.Metadata.PaymentFailure = strings.TrimSpace(reason)
		o.ClearReservation()
		return change{event: events.EventPaymentFailed, from: from, reason: reason, released: released}, nil
	})
}

// Cancel cancels the order if it is still in the status the caller saw.
// A paid or shipped order gets its lines restored to the buyer's cart.
func (s *Service) Cancel(ctx context.Context, id uuid.UUID, in CancelInput) (*domain.Order, error) {
	if !in.Reason.ValidForCancel() {
		return nil, apperr.Validation("reason", "must be one of user, timeout, admin")
	}
	if !in.ExpectedStatus.Valid() {
		return nil, apperr.Validation("expected_status", "required")
	}
	return s.mutate(ctx, id, func(tx store.Tx, o *domain.Order, now time.Time) (change, error) {
		if o.PaymentStatus == domain.StatusCancelled {
			return change{}, nil
		}
		from := o.PaymentStatus
		if from != in.ExpectedStatus {
			if from == domain.StatusPaid {
				return change{}, apperr.Conflict("order %s was paid while the cancellation was in flight", o.ID)
			}
			return change{}, apperr.Conflict("order %s is %s, not %s", o.ID, from, in.ExpectedStatus)
		}
		if err := move(o, domain.StatusCancelled); err != nil {
			return change{}, err
		}
		released, err := s.Ledger.Release(ctx, tx, o.ID)
		if err != nil {
			return change{}, err
		}
		o.Metadata.StockReleases = append(o.Metadata.StockReleases, domain.StockRelease{
			Reason: in.Reason, FromStatus: from, Quantity: released, At: now,
		})
		o.Metadata.Cancellation = &domain.CancellationInfo{
			Reason: in.Reason, Actor: in.Actor, Note: in.Note, PreviousStatus: from, At: now,
		}
		if from.Settled() {
			if err := tx.AddCartLines(ctx, restoredLines(o)); err != nil {
				return change{}, fmt.Errorf("restore cart: %w", err)
			}
			o.Metadata.ItemsRestored = true
		}
		o.ClearReservation()
		return change{event: events.EventOrderCancelled, from: from, reason: string(in.Reason), released: released}, nil
	})
}

func restoredLines(o *domain.Order) []domain.CartLine {
	id := o.ID
	out := make([]domain.CartLine, 0, len(o.Lines))
	for _, l := range o.Lines {
		out = append(out, domain.CartLine{
			BuyerID:           o.BuyerID,
			Channel:           o.Channel,
			SKU:               l.SKU,
			VariantID:         l.VariantID,
			Quantity:          l.Quantity,
			UnitPriceCents:    l.UnitPriceCents,
			RestoredFromOrder: &id,
		})
	}
	return out
}

// RetryPayment resets a failed order to draft. The next checkout
// allocates again.
func (s *Service) RetryPayment(ctx context.Context, id uuid.UUID) (*domain.Order, error) {
	return s.mutate(ctx, id, func(tx store.Tx, o *domain.Order, now time.Time) (change, error) {
		from := o.PaymentStatus
		if from != domain.StatusFailed {
			return change{}, apperr.Validation("payment_status", "only failed orders can be retried, order is %s", from)
		}
		if err := move(o, domain.StatusDraft); err != nil {
			return change{}, err
		}
		released, err := s.Ledger.Release(ctx, tx, o.ID)
		if err != nil {
			return change{}, err
		}
		if released > 0 {
			o.Metadata.StockReleases = append(o.Metadata.StockReleases, domain.StockRelease{
				Reason: domain.ReleaseRetry, FromStatus: from, Quantity: released, At: now,
			})
		}
		o.ClearReservation()
		o.PaymentMethod = ""
		o.PaymentReference = ""
		return change{event: events.EventOrderRetry, from: from, released: released}, nil
	})
}

// Expire moves a waiting order whose window passed to expired. It reports
// false, without error, when the order is not (or no longer) due.
func (s *Service) Expire(ctx context.Context, id uuid.UUID) (bool, error) {
	var expired bool
	_, err := s.mutate(ctx, id, func(tx store.Tx, o *domain.Order, now time.Time) (change, error) {
		if !o.ReservationExpired(now) {
			return change{}, nil
		}
		from := o.PaymentStatus
		if err := move(o, domain.StatusExpired); err != nil {
			return change{}, err
		}
		released, err := s.Ledger.Release(ctx, tx, o.ID)
		if err != nil {
			return change{}, err
		}
		o.Metadata.StockReleases = append(o.Metadata.StockReleases, domain.StockRelease{
			Reason: domain.ReleaseTimeout, FromStatus: from, Quantity: released, At: now,
		})
		o.StockReserved = false
		expired = true
		return change{event: events.EventOrderExpired, from: from, reason: string(domain.ReleaseTimeout), released: released}, nil
	})
	return expired, err
}

// ExpireReservations is the sweep. Each order expires in its own
// transaction so one failure does not hold back the rest.
func (s *Service) ExpireReservations(ctx context.Context, limit int) (int, error) {
	var ids []uuid.UUID
	err := s.Store.InTx(ctx, func(tx store.Tx) error {
		var err error
		ids, err = tx.ExpiredReservations(ctx, s.now(), limit)
		return err
	})
	if err != nil {
		return 0, err
	}

	n := 0
	var errs []error
	for _, id := range ids {
		ok, err := s.Expire(ctx, id)
		if err != nil {
			errs = append(errs, fmt.Errorf("expire %s: %w", id, err))
			continue
		}
		if ok {
			n++
		}
	}
	return n, errors.Join(errs...)
}

// IsCartLocked is true while the buyer owns an unexpired waiting order.
func (s *Service) IsCartLocked(ctx context.Context, buyerID string) (bool, error) {
	if strings.TrimSpace(buyerID) == "" {
		return false, apperr.Validation("buyer_id", "required")
	}
	var locked bool
	err := s.Store.InTx(ctx, func(tx store.Tx) error {
		var err error
		locked, err = tx.BuyerHasActiveReservation(ctx, buyerID, s.now())
		return err
	})
	return locked, err
}

// AdvanceFulfillment mirrors an MPO stage onto the order inside the
// caller's transaction: paid orders ship once the batch left the origin,
// and pending purchases are closed when it reaches the hub. Orders that
// left the flow are skipped.
func (s *Service) AdvanceFulfillment(ctx context.Context, tx store.Tx, orderID uuid.UUID, stage domain.MPOStatus, now time.Time) (bool, error) {
	o, err := tx.LockOrder(ctx, orderID)
	if err != nil {
		return false, notFound(err, orderID)
	}
	switch o.PaymentStatus {
	case domain.StatusCancelled, domain.StatusExpired, domain.StatusDelivered:
		return false, nil
	}
	o.FulfillmentStatus = domain.FulfillmentFromStage(stage)
	if stage.Rank() >= domain.MPOShippedOrigin.Rank() && o.PaymentStatus == domain.StatusPaid {
		if err := move(o, domain.StatusShipped); err != nil {
			return false, err
		}
	}
	if stage.Rank() >= domain.MPOArrivedHub.Rank() {
		if _, err := s.Ledger.CloseShortfall(ctx, tx, o.ID); err != nil {
			return false, err
		}
	}
	o.UpdatedAt = now
	if err := tx.UpdateOrder(ctx, o); err != nil {
		return false, err
	}
	return true, nil
}

// DeliverInTx completes a shipped order and consumes its stock. Delivering
// a delivered order is a no-op.
func (s *Service) DeliverInTx(ctx context.Context, tx store.Tx, orderID uuid.UUID, now time.Time) (*domain.Order, error) {
	o, err := tx.LockOrder(ctx, orderID)
	if err != nil {
		return nil, notFound(err, orderID)
	}
	if o.PaymentStatus == domain.StatusDelivered {
		return o, nil
	}
	if o.PaymentStatus != domain.StatusShipped {
		return nil, apperr.Conflict("order %s is %s and cannot be delivered", o.ID, o.PaymentStatus)
	}
	if err := move(o, domain.StatusDelivered); err != nil {
		return nil, err
	}
	if _, err := s.Ledger.Consume(ctx, tx, o.ID); err != nil {
		return nil, err
	}
	o.FulfillmentStatus = domain.FulfillmentDelivered
	o.UpdatedAt = now
	if err := tx.UpdateOrder(ctx, o); err != nil {
		return nil, err
	}
	return o, nil
}

// Invalidate drops cached status for orders changed outside this service.
func (s *Service) Invalidate(ctx context.Context, ids ...uuid.UUID) {
	if s.Cache != nil && len(ids) > 0 {
		s.Cache.Forget(ctx, ids...)
	}
}

type change struct {
	event    string
	from     domain.PaymentStatus
	reason   string
	released int
}

// mutate locks the order, applies fn and persists the result. An empty
// change means nothing to write.
func (s *Service) mutate(ctx context.Context, id uuid.UUID, fn func(tx store.Tx, o *domain.Order, now time.Time) (change, error)) (*domain.Order, error) {
	var (
		out *domain.Order
		ch  change
	)
	err := s.Store.InTx(ctx, func(tx store.Tx) error {
		o, err := tx.LockOrder(ctx, id)
		if err != nil {
			return notFound(err, id)
		}
		now := s.now()
		if ch, err = fn(tx, o, now); err != nil {
			return err
		}
		out = o
		if ch.event == "" {
			return nil
		}
		o.UpdatedAt = now
		return tx.UpdateOrder(ctx, o)
	})
	if err != nil {
		return nil, err
	}
	if ch.event != "" {
		log.Info().Str("order_id", out.ID.String()).Str("from", string(ch.from)).
			Str("to", string(out.PaymentStatus)).Str("reason", ch.reason).Int("released", ch.released).
			Msg(ch.event)
		s.after(ctx, out, ch)
	}
	return out, nil
}

func (s *Service) after(ctx context.Context, o *domain.Order, ch change) {
	if s.Cache != nil {
		s.Cache.Put(ctx, o.StatusView())
	}
	s.Events.Emit(ctx, events.TopicOrderLifecycle, ch.event, o.ID.String(), events.OrderTransition{
		OrderID:    o.ID.String(),
		Channel:    string(o.Channel),
		BuyerID:    o.BuyerID,
		From:       string(ch.from),
		To:         string(o.PaymentStatus),
		Reason:     ch.reason,
		TotalCents: o.TotalCents,
		Released:   ch.released,
	})
}

func move(o *domain.Order, to domain.PaymentStatus) error {
	if !domain.CanTransition(o.PaymentStatus, to) {
		return apperr.Validation("payment_status", "cannot move order from %s to %s", o.PaymentStatus, to)
	}
	o.PaymentStatus = to
	return nil
}

func notFound(err error, id uuid.UUID) error {
	if errors.Is(err, store.ErrNotFound) {
		return apperr.NotFound("order %s not found", id)
	}
	return err
}
