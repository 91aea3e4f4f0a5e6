// Package stock is the per-SKU ledger of on-hand, in-transit and allocated
// quantities. Every mutation runs under the SKU row lock.
package stock

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/ariefcatur/marketplace-fulfillment/internal/apperr"
	"github.com/ariefcatur/marketplace-fulfillment/internal/domain"
	"github.com/ariefcatur/marketplace-fulfillment/internal/store"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

type Ledger struct {
	Store store.Store
	Now   func() time.Time
}

func NewLedger(st store.Store) *Ledger {
	return &Ledger{Store: st, Now: time.Now}
}

func (l *Ledger) now() time.Time { return l.Now().UTC() }

// Balance is the read model behind availableBalance.
type Balance struct {
	SKU             string `json:"sku"`
	OnHand          int    `json:"on_hand"`
	InTransit       int    `json:"in_transit"`
	Allocated       int    `json:"allocated"`
	PendingPurchase int    `json:"pending_purchase"`
	Available       int    `json:"available"`
}

func balanceOf(r domain.StockRecord) Balance {
	return Balance{
		SKU:             r.SKU,
		OnHand:          r.OnHand,
		InTransit:       r.InTransit,
		Allocated:       r.Allocated(),
		PendingPurchase: r.PendingPurchase,
		Available:       r.Available(),
	}
}

// Allocate holds stock for one order line inside the caller's transaction.
// It sources on-hand first, then in-transit, and books the remainder as
// pending purchase. Running short is not an error.
func (l *Ledger) Allocate(ctx context.Context, tx store.StockTx, orderID uuid.UUID, line domain.OrderLine) (domain.StockAllocation, error) {
	if line.Quantity <= 0 {
		return domain.StockAllocation{}, apperr.Validation("quantity", "must be positive")
	}
	rec, err := tx.LockStock(ctx, line.SKU)
	if err != nil {
		return domain.StockAllocation{}, fmt.Errorf("lock stock %s: %w", line.SKU, err)
	}

	now := l.now()
	a := domain.StockAllocation{
		ID:          uuid.New(),
		OrderID:     orderID,
		OrderLineID: line.ID,
		SKU:         line.SKU,
		Requested:   line.Quantity,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	need := line.Quantity
	a.FromLocal = min(need, rec.FreeLocal())
	need -= a.FromLocal
	a.FromTransit = min(need, rec.FreeTransit())
	need -= a.FromTransit
	a.PendingPurchase = need
	a.Status = domain.AllocationAllocated
	if a.PendingPurchase > 0 {
		a.Status = domain.AllocationPartial
	}

	rec.AllocatedLocal += a.FromLocal
	rec.AllocatedTransit += a.FromTransit
	rec.PendingPurchase += a.PendingPurchase
	if err := l.save(ctx, tx, rec, now); err != nil {
		return domain.StockAllocation{}, err
	}
	if err := tx.InsertAllocation(ctx, &a); err != nil {
		return domain.StockAllocation{}, fmt.Errorf("insert allocation: %w", err)
	}
	return a, nil
}

// AllocateLines allocates every line, locking SKUs in sorted order so two
// multi-line orders can never wait on each other.
func (l *Ledger) AllocateLines(ctx context.Context, tx store.StockTx, orderID uuid.UUID, lines []domain.OrderLine) ([]domain.StockAllocation, error) {
	sorted := slices.Clone(lines)
	slices.SortFunc(sorted, func(a, b domain.OrderLine) int { return strings.Compare(a.SKU, b.SKU) })

	out := make([]domain.StockAllocation, 0, len(sorted))
	for _, line := range sorted {
		a, err := l.Allocate(ctx, tx, orderID, line)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

// Release returns every active allocation of the order to the ledger and
// reports the quantity released. Calling it again releases nothing.
func (l *Ledger) Release(ctx context.Context, tx store.StockTx, orderID uuid.UUID) (int, error) {
	allocs, err := tx.LockAllocations(ctx, orderID)
	if err != nil {
		return 0, fmt.Errorf("lock allocations: %w", err)
	}
	now := l.now()
	released := 0
	for _, a := range allocs {
		rec, err := tx.LockStock(ctx, a.SKU)
		if err != nil {
			return 0, fmt.Errorf("lock stock %s: %w", a.SKU, err)
		}
		local, transit := split(rec, a)
		rec.AllocatedLocal -= local
		rec.AllocatedTransit -= transit
		rec.PendingPurchase -= min(a.PendingPurchase, rec.PendingPurchase)
		if err := l.save(ctx, tx, rec, now); err != nil {
			return 0, err
		}

		a.ReleasedAt = &now
		a.UpdatedAt = now
		if err := tx.UpdateAllocation(ctx, &a); err != nil {
			return 0, fmt.Errorf("update allocation: %w", err)
		}
		released += a.Held()
	}
	return released, nil
}

// Consume removes delivered goods from the ledger: the physical units leave
// on-hand (or in-transit) together with their holds.
func (l *Ledger) Consume(ctx context.Context, tx store.StockTx, orderID uuid.UUID) (int, error) {
	allocs, err := tx.LockAllocations(ctx, orderID)
	if err != nil {
		return 0, fmt.Errorf("lock allocations: %w", err)
	}
	now := l.now()
	consumed := 0
	for _, a := range allocs {
		rec, err := tx.LockStock(ctx, a.SKU)
		if err != nil {
			return 0, fmt.Errorf("lock stock %s: %w", a.SKU, err)
		}
		local, transit := split(rec, a)
		rec.AllocatedLocal -= local
		rec.OnHand -= min(local, rec.OnHand)
		rec.AllocatedTransit -= transit
		rec.InTransit -= min(transit, rec.InTransit)
		rec.PendingPurchase -= min(a.PendingPurchase, rec.PendingPurchase)
		if err := l.save(ctx, tx, rec, now); err != nil {
			return 0, err
		}

		a.ConsumedAt = &now
		a.UpdatedAt = now
		if err := tx.UpdateAllocation(ctx, &a); err != nil {
			return 0, fmt.Errorf("update allocation: %w", err)
		}
		consumed += a.Held()
	}
	return consumed, nil
}

// CloseShortfall turns the pending-purchase part of the order's allocations
// into on-hand holds once the purchased goods reached the hub.
func (l *Ledger) CloseShortfall(ctx context.Context, tx store.StockTx, orderID uuid.UUID) (int, error) {
	allocs, err := tx.LockAllocations(ctx, orderID)
	if err != nil {
		return 0, fmt.Errorf("lock allocations: %w", err)
	}
	now := l.now()
	closed := 0
	for _, a := range allocs {
		if a.PendingPurchase == 0 {
			continue
		}
		rec, err := tx.LockStock(ctx, a.SKU)
		if err != nil {
			return 0, fmt.Errorf("lock stock %s: %w", a.SKU, err)
		}
		qty := a.PendingPurchase
		rec.OnHand += qty
		rec.AllocatedLocal += qty
		rec.PendingPurchase -= min(qty, rec.PendingPurchase)
		if err := l.save(ctx, tx, rec, now); err != nil {
			return 0, err
		}

		a.FromLocal += qty
		a.PendingPurchase = 0
		a.Status = domain.AllocationAllocated
		a.UpdatedAt = now
		if err := tx.UpdateAllocation(ctx, &a); err != nil {
			return 0, fmt.Errorf("update allocation: %w", err)
		}
		closed += qty
	}
	return closed, nil
}

// split decides which counters an allocation's hold comes off. Transit
// holds whose batch already arrived were moved to local by ArriveTransit,
// so whatever the transit counter cannot cover comes off local.
func split(rec *domain.StockRecord, a domain.StockAllocation) (local, transit int) {
	transit = min(a.FromTransit, rec.AllocatedTransit)
	local = min(a.FromLocal+a.FromTransit-transit, rec.AllocatedLocal)
	return local, transit
}

func (l *Ledger) save(ctx context.Context, tx store.StockTx, rec *domain.StockRecord, now time.Time) error {
	if !rec.Consistent() {
		return fmt.Errorf("stock %s: ledger invariant violated (local=%d transit=%d on_hand=%d in_transit=%d pending=%d)",
			rec.SKU, rec.AllocatedLocal, rec.AllocatedTransit, rec.OnHand, rec.InTransit, rec.PendingPurchase)
	}
	rec.UpdatedAt = now
	if err := tx.SaveStock(ctx, rec); err != nil {
		return fmt.Errorf("save stock %s: %w", rec.SKU, err)
	}
	return nil
}

// ReceiveStock books an on-hand intake.
func (l *Ledger) ReceiveStock(ctx context.Context, sku string, qty int) (Balance, error) {
	if err := validSKU(sku, qty); err != nil {
		return Balance{}, err
	}
	var out Balance
	err := l.Store.InTx(ctx, func(tx store.Tx) error {
		rec, err := tx.LockStock(ctx, sku)
		if err != nil {
			return err
		}
		rec.OnHand += qty
		if err := l.save(ctx, tx, rec, l.now()); err != nil {
			return err
		}
		out = balanceOf(*rec)
		return nil
	})
	if err != nil {
		return Balance{}, err
	}
	log.Info().Str("sku", sku).Int("qty", qty).Int("available", out.Available).Msg("stock received")
	return out, nil
}

// AddInTransit records a shipment batch on its way to the warehouse.
func (l *Ledger) AddInTransit(ctx context.Context, sku string, qty int, expectedArrival time.Time, carrierRef string) (domain.TransitBatch, error) {
	if err := validSKU(sku, qty); err != nil {
		return domain.TransitBatch{}, err
	}
	if expectedArrival.IsZero() {
		return domain.TransitBatch{}, apperr.Validation("expected_arrival", "required")
	}
	now := l.now()
	b := domain.TransitBatch{
		ID:              uuid.New(),
		SKU:             sku,
		Quantity:        qty,
		ExpectedArrival: expectedArrival.UTC(),
		CarrierRef:      strings.TrimSpace(carrierRef),
		CreatedAt:       now,
	}
	err := l.Store.InTx(ctx, func(tx store.Tx) error {
		rec, err := tx.LockStock(ctx, sku)
		if err != nil {
			return err
		}
		rec.InTransit += qty
		if err := l.save(ctx, tx, rec, now); err != nil {
			return err
		}
		return tx.InsertTransitBatch(ctx, &b)
	})
	if err != nil {
		return domain.TransitBatch{}, err
	}
	log.Info().Str("sku", sku).Int("qty", qty).Str("batch_id", b.ID.String()).Msg("transit batch recorded")
	return b, nil
}

// ArriveTransit moves a batch from in-transit to on-hand. Transit holds
// move with it, up to the batch size. A second call is a no-op.
func (l *Ledger) ArriveTransit(ctx context.Context, batchID uuid.UUID) (Balance, error) {
	var out Balance
	err := l.Store.InTx(ctx, func(tx store.Tx) error {
		b, err := tx.LockTransitBatch(ctx, batchID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return apperr.NotFound("transit batch %s not found", batchID)
			}
			return err
		}
		rec, err := tx.LockStock(ctx, b.SKU)
		if err != nil {
			return err
		}
		if b.ArrivedAt != nil {
			out = balanceOf(*rec)
			return nil
		}

		now := l.now()
		qty := min(b.Quantity, rec.InTransit)
		moved := min(rec.AllocatedTransit, qty)
		rec.InTransit -= qty
		rec.OnHand += qty
		rec.AllocatedTransit -= moved
		rec.AllocatedLocal += moved
		if err := l.save(ctx, tx, rec, now); err != nil {
			return err
		}
		b.ArrivedAt = &now
		if err := tx.UpdateTransitBatch(ctx, b); err != nil {
			return err
		}
		out = balanceOf(*rec)
		return nil
	})
	if err != nil {
		return Balance{}, err
	}
	log.Info().Str("batch_id", batchID.String()).Str("sku", out.SKU).Msg("transit batch arrived")
	return out, nil
}

// AvailableBalance is onHand + inTransit - allocated for one SKU. Unknown
// SKUs read as zero.
func (l *Ledger) AvailableBalance(ctx context.Context, sku string) (Balance, error) {
	snap, err := l.Snapshot(ctx, []string{sku})
	if err != nil {
		return Balance{}, err
	}
	return snap[0], nil
}

// Snapshot returns balances for the given SKUs in request order, or for
// every known SKU sorted when skus is empty.
func (l *Ledger) Snapshot(ctx context.Context, skus []string) ([]Balance, error) {
	var recs map[string]domain.StockRecord
	err := l.Store.InTx(ctx, func(tx store.Tx) error {
		var filter []string
		if len(skus) > 0 {
			filter = skus
		}
		var err error
		recs, err = tx.GetStock(ctx, filter)
		return err
	})
	if err != nil {
		return nil, err
	}

	if len(skus) == 0 {
		for sku := range recs {
			skus = append(skus, sku)
		}
		slices.Sort(skus)
	}
	out := make([]Balance, 0, len(skus))
	for _, sku := range skus {
		r, ok := recs[sku]
		if !ok {
			r = domain.StockRecord{SKU: sku}
		}
		out = append(out, balanceOf(r))
	}
	return out, nil
}

func validSKU(sku string, qty int) error {
	if strings.TrimSpace(sku) == "" {
		return apperr.Validation("sku", "required")
	}
	if qty <= 0 {
		return apperr.Validation("qty", "must be positive")
	}
	return nil
}
