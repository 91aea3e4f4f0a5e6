// Package consolidation runs master purchase orders: linking paid orders
// of every channel into one batch, stamping tracking ids and fanning
// logistics stages out to the linked orders.
package consolidation

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/ariefcatur/marketplace-fulfillment/internal/apperr"
	"github.com/ariefcatur/marketplace-fulfillment/internal/domain"
	"github.com/ariefcatur/marketplace-fulfillment/internal/events"
	"github.com/ariefcatur/marketplace-fulfillment/internal/orders"
	"github.com/ariefcatur/marketplace-fulfillment/internal/store"
	"github.com/ariefcatur/marketplace-fulfillment/internal/tracking"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const DefaultFanOutBatch = 500

type Engine struct {
	Store  store.Store
	Orders *orders.Service
	Events events.Emitter
	// FanOutBatch bounds how many links one fan-out transaction touches.
	FanOutBatch int
	Now         func() time.Time
}

func (e *Engine) now() time.Time {
	if e.Now == nil {
		return time.Now().UTC()
	}
	return e.Now().UTC()
}

func (e *Engine) batch() int {
	if e.FanOutBatch <= 0 {
		return DefaultFanOutBatch
	}
	return e.FanOutBatch
}

// Result reports what one MPO operation changed, counted per channel.
type Result struct {
	MPO       *domain.MasterPurchaseOrder `json:"mpo"`
	Updated   int                         `json:"updated"`
	ByChannel map[domain.Channel]int      `json:"by_channel"`
}

func newResult() Result {
	return Result{ByChannel: make(map[domain.Channel]int, len(domain.Channels))}
}

func (r *Result) count(ch domain.Channel) {
	r.Updated++
	r.ByChannel[ch]++
}

func (e *Engine) CreateMPO(ctx context.Context) (*domain.MasterPurchaseOrder, error) {
	now := e.now()
	m := &domain.MasterPurchaseOrder{
		ID:           uuid.New(),
		Status:       domain.MPODraft,
		CycleStartAt: now,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	err := e.Store.InTx(ctx, func(tx store.Tx) error {
		return tx.InsertMPO(ctx, m)
	})
	if errors.Is(err, store.ErrOpenMPOExists) {
		return nil, apperr.Conflict("another master purchase order is still draft or open")
	}
	if err != nil {
		return nil, err
	}
	log.Info().Str("mpo_id", m.ID.String()).Str("number", m.BusinessNumber()).Msg("mpo created")
	e.emit(ctx, events.EventMPOCreated, m, Result{})
	return m, nil
}

// OpenMPO moves a draft MPO to open. Opening an open MPO is a no-op.
func (e *Engine) OpenMPO(ctx context.Context, id uuid.UUID) (*domain.MasterPurchaseOrder, error) {
	var (
		out     *domain.MasterPurchaseOrder
		changed bool
	)
	err := e.Store.InTx(ctx, func(tx store.Tx) error {
		m, err := lockMPO(ctx, tx, id)
		if err != nil {
			return err
		}
		out = m
		switch m.Status {
		case domain.MPOOpen:
			return nil
		case domain.MPODraft:
		default:
			return apperr.Conflict("mpo %s is %s and cannot be opened", m.BusinessNumber(), m.Status)
		}
		m.Status = domain.MPOOpen
		m.UpdatedAt = e.now()
		changed = true
		return tx.UpdateMPO(ctx, m)
	})
	if err != nil {
		return nil, err
	}
	if changed {
		log.Info().Str("mpo_id", out.ID.String()).Msg("mpo opened")
		e.emit(ctx, events.EventMPOOpened, out, Result{})
	}
	return out, nil
}

func (e *Engine) GetMPO(ctx context.Context, id uuid.UUID) (*domain.MasterPurchaseOrder, error) {
	var out *domain.MasterPurchaseOrder
	err := e.Store.InTx(ctx, func(tx store.Tx) error {
		m, err := tx.GetMPO(ctx, id)
		if err != nil {
			return mpoNotFound(err, id)
		}
		out = m
		return nil
	})
	return out, err
}

// CurrentOpenMPO returns the MPO that accepts links, if any.
func (e *Engine) CurrentOpenMPO(ctx context.Context) (*domain.MasterPurchaseOrder, error) {
	var out *domain.MasterPurchaseOrder
	err := e.Store.InTx(ctx, func(tx store.Tx) error {
		m, err := tx.CurrentMPO(ctx)
		if errors.Is(err, store.ErrNotFound) {
			return apperr.NotFound("no master purchase order is draft or open")
		}
		out = m
		return err
	})
	return out, err
}

func (e *Engine) Links(ctx context.Context, id uuid.UUID) ([]domain.OrderLink, error) {
	var out []domain.OrderLink
	err := e.Store.InTx(ctx, func(tx store.Tx) error {
		if _, err := tx.GetMPO(ctx, id); err != nil {
			return mpoNotFound(err, id)
		}
		var err error
		out, err = tx.ListLinks(ctx, id)
		return err
	})
	return out, err
}

// LinkPendingOrders pulls every paid, unlinked order into the MPO. An order
// is linked at most once, so running it again only adds newcomers. Finding
// nothing to link is a zero-count success.
func (e *Engine) LinkPendingOrders(ctx context.Context, id uuid.UUID) (Result, error) {
	res := newResult()
	var linked []uuid.UUID
	err := e.Store.InTx(ctx, func(tx store.Tx) error {
		m, err := lockMPO(ctx, tx, id)
		if err != nil {
			return err
		}
		if !m.Status.AcceptsLinks() {
			return apperr.Conflict("mpo %s is %s and no longer accepts orders", m.BusinessNumber(), m.Status)
		}
		ready, err := tx.OrdersReadyToBatch(ctx, 0)
		if err != nil {
			return err
		}
		now := e.now()
		for _, o := range ready {
			l := linkFor(m, o, now)
			inserted, err := tx.InsertLink(ctx, l)
			if err != nil {
				return err
			}
			if !inserted {
				continue
			}
			if err := tx.InsertPickingItems(ctx, pickingFor(l, o)); err != nil {
				return err
			}
			if _, err := e.Orders.AdvanceFulfillment(ctx, tx, o.ID, m.Status, now); err != nil {
				return err
			}
			m.OrderCount++
			m.ItemCount += len(o.Lines)
			m.TotalQuantity += o.TotalQuantity
			m.TotalAmountCents += o.TotalCents
			res.count(o.Channel)
			linked = append(linked, o.ID)
		}
		res.MPO = m
		if res.Updated == 0 {
			return nil
		}
		m.UpdatedAt = now
		return tx.UpdateMPO(ctx, m)
	})
	if err != nil {
		return Result{}, err
	}
	if res.Updated > 0 {
		e.Orders.Invalidate(ctx, linked...)
		log.Info().Str("mpo_id", id.String()).Int("linked", res.Updated).Msg("orders linked")
		e.emit(ctx, events.EventMPOLinked, res.MPO, res)
	}
	return res, nil
}

func linkFor(m *domain.MasterPurchaseOrder, o *domain.Order, now time.Time) *domain.OrderLink {
	l := &domain.OrderLink{
		ID:                 uuid.New(),
		MPOID:              m.ID,
		OrderID:            o.ID,
		Channel:            o.Channel,
		DeliveryMode:       o.Metadata.DeliveryMode,
		UnitCount:          o.TotalQuantity,
		AmountCents:        o.TotalCents,
		Stage:              m.Status,
		CustomerCodeDigest: o.CustomerCodeDigest,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if a := o.Metadata.ShippingAddress; a != nil {
		l.CustomerName = a.RecipientName
		l.CustomerPhone = a.Phone
		l.DepartmentCode = a.DepartmentCode
		l.CommuneCode = a.CommuneCode
		if o.Metadata.DeliveryMode == domain.DeliveryPickupPoint {
			l.PickupPointCode = a.PickupPointCode
		}
	}
	if l.DeliveryMode == "" {
		l.DeliveryMode = domain.DeliveryHome
	}
	if ms, ok := o.MatchedSale(); ok {
		l.ReferrerName = ms.ReferrerName
	}
	return l
}

func pickingFor(l *domain.OrderLink, o *domain.Order) []domain.PickingItem {
	items := make([]domain.PickingItem, 0, len(o.Lines))
	for _, line := range o.Lines {
		items = append(items, domain.PickingItem{
			ID:        uuid.New(),
			MPOID:     l.MPOID,
			LinkID:    l.ID,
			OrderID:   o.ID,
			SKU:       line.SKU,
			VariantID: line.VariantID,
			Quantity:  line.Quantity,
		})
	}
	return items
}

// EnterOriginTracking stamps the single origin tracking number and gives
// every linked order its hybrid tracking id and label PINs. After this no
// order can join the MPO. Repeating the call with the same number only
// stamps links that still lack an id; a different number is a conflict.
func (e *Engine) EnterOriginTracking(ctx context.Context, id uuid.UUID, number string) (Result, error) {
	number = strings.ToUpper(strings.TrimSpace(number))
	if number == "" {
		return Result{}, apperr.Validation("tracking_number", "required")
	}
	res := newResult()
	var (
		touched []uuid.UUID
		first   bool
	)
	err := e.Store.InTx(ctx, func(tx store.Tx) error {
		m, err := lockMPO(ctx, tx, id)
		if err != nil {
			return err
		}
		now := e.now()
		switch {
		case m.Status.AcceptsLinks():
			m.OriginTrackingNumber = number
			m.Status = domain.MPOOriginTrackingEntered
			m.StampStage(domain.MPOOriginTrackingEntered, now)
			m.UpdatedAt = now
			if err := tx.UpdateMPO(ctx, m); err != nil {
				return err
			}
			first = true
		case m.OriginTrackingNumber != number:
			return apperr.Conflict("mpo %s already carries origin tracking %s", m.BusinessNumber(), m.OriginTrackingNumber)
		}
		res.MPO = m

		links, err := tx.ListLinks(ctx, m.ID)
		if err != nil {
			return err
		}
		for i := range links {
			l := &links[i]
			stamped, err := tracking.Stamp(l, number)
			if err != nil {
				return apperr.Validation("tracking_number", "link %s: %v", l.ID, err)
			}
			if !stamped {
				continue
			}
			if l.Stage.Rank() < domain.MPOOriginTrackingEntered.Rank() {
				l.Stage = domain.MPOOriginTrackingEntered
				if _, err := e.Orders.AdvanceFulfillment(ctx, tx, l.OrderID, l.Stage, now); err != nil {
					return err
				}
			}
			l.UpdatedAt = now
			if err := tx.UpdateLink(ctx, l); err != nil {
				return err
			}
			res.count(l.Channel)
			touched = append(touched, l.OrderID)
		}
		return nil
	})
	if err != nil {
		return Result{}, err
	}
	e.Orders.Invalidate(ctx, touched...)
	if first || res.Updated > 0 {
		log.Info().Str("mpo_id", id.String()).Str("origin_tracking", number).
			Int("stamped", res.Updated).Msg("origin tracking entered")
		e.emit(ctx, events.EventMPOOriginTracking, res.MPO, res)
	}
	return res, nil
}

// AdvanceStage moves the MPO forward to a logistics stage and fans it out
// to the linked orders. Advancing to the stage the MPO already holds
// resumes an unfinished fan-out.
func (e *Engine) AdvanceStage(ctx context.Context, id uuid.UUID, to domain.MPOStatus) (Result, error) {
	if !to.IsLogisticsStage() {
		return Result{}, apperr.Validation("status", "%q is not a logistics stage", to)
	}
	var advanced bool
	err := e.Store.InTx(ctx, func(tx store.Tx) error {
		m, err := lockMPO(ctx, tx, id)
		if err != nil {
			return err
		}
		if m.Status == to {
			return nil
		}
		if m.Status == domain.MPOClosed {
			return apperr.Conflict("mpo %s is closed", m.BusinessNumber())
		}
		if !domain.CanAdvanceStage(m.Status, to) {
			return apperr.Validation("status", "cannot move mpo from %s to %s", m.Status, to)
		}
		now := e.now()
		m.Status = to
		m.StampStage(to, now)
		m.UpdatedAt = now
		advanced = true
		return tx.UpdateMPO(ctx, m)
	})
	if err != nil {
		return Result{}, err
	}
	if advanced {
		log.Info().Str("mpo_id", id.String()).Str("stage", string(to)).Msg("mpo stage advanced")
	}
	res, err := e.ResumeFanOut(ctx, id)
	if err != nil {
		return res, err
	}
	if advanced || res.Updated > 0 {
		e.emit(ctx, events.EventMPOStageAdvanced, res.MPO, res)
	}
	return res, nil
}

// ResumeFanOut carries the MPO's current stage to every link still behind
// it. Each batch commits on its own, and a link records the stage it
// reached, so a crash leaves only the remainder for the next run.
func (e *Engine) ResumeFanOut(ctx context.Context, id uuid.UUID) (Result, error) {
	res := newResult()
	for {
		var (
			done    bool
			touched []uuid.UUID
		)
		err := e.Store.InTx(ctx, func(tx store.Tx) error {
			m, err := lockMPO(ctx, tx, id)
			if err != nil {
				return err
			}
			res.MPO = m
			if !m.Status.IsLogisticsStage() {
				done = true
				return nil
			}
			links, err := tx.LockLinksBehind(ctx, m.ID, m.Status, e.batch())
			if err != nil {
				return err
			}
			if len(links) == 0 {
				done = true
				return nil
			}
			now := e.now()
			for i := range links {
				l := &links[i]
				moved, err := e.Orders.AdvanceFulfillment(ctx, tx, l.OrderID, m.Status, now)
				if err != nil {
					return err
				}
				l.Stage = m.Status
				l.UpdatedAt = now
				if err := tx.UpdateLink(ctx, l); err != nil {
					return err
				}
				if moved {
					res.count(l.Channel)
					touched = append(touched, l.OrderID)
				}
			}
			return nil
		})
		if err != nil {
			return res, err
		}
		e.Orders.Invalidate(ctx, touched...)
		if done {
			return res, nil
		}
		log.Debug().Str("mpo_id", id.String()).Int("advanced", len(touched)).Msg("fan-out batch committed")
	}
}

// ResumeLagging finishes every fan-out left behind, one MPO at a time.
func (e *Engine) ResumeLagging(ctx context.Context) (int, error) {
	var ids []uuid.UUID
	err := e.Store.InTx(ctx, func(tx store.Tx) error {
		var err error
		ids, err = tx.MPOsWithLaggingLinks(ctx)
		return err
	})
	if err != nil {
		return 0, err
	}
	var errs []error
	total := 0
	for _, id := range ids {
		res, err := e.ResumeFanOut(ctx, id)
		total += res.Updated
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if res.Updated > 0 {
			log.Info().Str("mpo_id", id.String()).Int("advanced", res.Updated).Msg("fan-out resumed")
		}
	}
	return total, errors.Join(errs...)
}

// CloseMPO ends the cycle. A lagging fan-out is finished first. An MPO that
// never got its origin tracking can only be closed while empty, since its
// orders would otherwise be stranded in a batch that never ships.
func (e *Engine) CloseMPO(ctx context.Context, id uuid.UUID) (*domain.MasterPurchaseOrder, error) {
	if _, err := e.ResumeFanOut(ctx, id); err != nil {
		return nil, err
	}
	var (
		out     *domain.MasterPurchaseOrder
		changed bool
	)
	err := e.Store.InTx(ctx, func(tx store.Tx) error {
		m, err := lockMPO(ctx, tx, id)
		if err != nil {
			return err
		}
		out = m
		if m.Status == domain.MPOClosed {
			return nil
		}
		if m.Status.AcceptsLinks() && m.OrderCount > 0 {
			return apperr.Conflict("mpo %s has %d linked orders and no origin tracking", m.BusinessNumber(), m.OrderCount)
		}
		now := e.now()
		m.Status = domain.MPOClosed
		m.ClosedAt = &now
		m.CycleEndAt = &now
		m.UpdatedAt = now
		changed = true
		return tx.UpdateMPO(ctx, m)
	})
	if err != nil {
		return nil, err
	}
	if changed {
		log.Info().Str("mpo_id", id.String()).Msg("mpo closed")
		e.emit(ctx, events.EventMPOClosed, out, Result{})
	}
	return out, nil
}

func (e *Engine) emit(ctx context.Context, eventType string, m *domain.MasterPurchaseOrder, res Result) {
	if m == nil {
		return
	}
	p := events.MPOChange{
		MPOID:          m.ID.String(),
		Number:         m.BusinessNumber(),
		Status:         string(m.Status),
		OriginTracking: m.OriginTrackingNumber,
		Updated:        res.Updated,
	}
	if len(res.ByChannel) > 0 {
		p.ByChannel = make(map[string]int, len(res.ByChannel))
		for ch, n := range res.ByChannel {
			p.ByChannel[string(ch)] = n
		}
	}
	e.Events.Emit(ctx, events.TopicMPOLifecycle, eventType, m.ID.String(), p)
}

func lockMPO(ctx context.Context, tx store.Tx, id uuid.UUID) (*domain.MasterPurchaseOrder, error) {
	m, err := tx.LockMPO(ctx, id)
	if err != nil {
		return nil, mpoNotFound(err, id)
	}
	return m, nil
}

func mpoNotFound(err error, id uuid.UUID) error {
	if errors.Is(err, store.ErrNotFound) {
		return apperr.NotFound("master purchase order %s not found", id)
	}
	return err
}
