// Package demand nets order and cart demand against the stock ledger. The
// result is advisory input for building the next MPO.
package demand

import (
	"context"
	"slices"
	"time"

	"github.com/ariefcatur/marketplace-fulfillment/internal/domain"
	"github.com/ariefcatur/marketplace-fulfillment/internal/store"
)

type Aggregator struct {
	Store store.Store
	Now   func() time.Time
}

// ComputeDemandSummary returns one line per SKU seen in orders, carts or
// stock. quantity_to_order is demand minus ledger availability (on hand
// plus in transit minus allocated), floored at zero. The gross figure,
// which ignores allocations, rides along for comparison. SKUs missing
// from the ledger count as zero stock.
func (a *Aggregator) ComputeDemandSummary(ctx context.Context, shortfallOnly bool) (domain.DemandSummary, error) {
	var (
		orders map[string]domain.OrderDemand
		carts  []domain.CartLine
		recs   map[string]domain.StockRecord
	)
	err := a.Store.InTx(ctx, func(tx store.Tx) error {
		var err error
		if orders, err = tx.OrderDemand(ctx); err != nil {
			return err
		}
		if carts, err = tx.OpenCartLines(ctx); err != nil {
			return err
		}
		recs, err = tx.GetStock(ctx, nil)
		return err
	})
	if err != nil {
		return domain.DemandSummary{}, err
	}

	cart := make(map[string]int)
	for _, c := range carts {
		cart[c.SKU] += c.Quantity
	}

	skus := make(map[string]struct{}, len(orders)+len(cart)+len(recs))
	for sku := range orders {
		skus[sku] = struct{}{}
	}
	for sku := range cart {
		skus[sku] = struct{}{}
	}
	for sku := range recs {
		skus[sku] = struct{}{}
	}

	lines := make([]domain.DemandLine, 0, len(skus))
	for sku := range skus {
		d, r := orders[sku], recs[sku]
		l := domain.DemandLine{
			SKU:       sku,
			Confirmed: d.Confirmed,
			Pending:   d.Pending,
			Cart:      cart[sku],
			OnHand:    r.OnHand,
			InTransit: r.InTransit,
			Available: r.Available(),
		}
		demand := l.Confirmed + l.Pending + l.Cart
		l.QuantityToOrder = max(0, demand-max(0, l.Available))
		l.GrossShortfall = max(0, demand-(l.OnHand+l.InTransit))
		if shortfallOnly && l.QuantityToOrder == 0 {
			continue
		}
		lines = append(lines, l)
	}
	slices.SortFunc(lines, func(x, y domain.DemandLine) int {
		switch {
		case x.SKU < y.SKU:
			return -1
		case x.SKU > y.SKU:
			return 1
		}
		return 0
	})

	now := time.Now
	if a.Now != nil {
		now = a.Now
	}
	return domain.DemandSummary{GeneratedAt: now().UTC(), Lines: lines}, nil
}
