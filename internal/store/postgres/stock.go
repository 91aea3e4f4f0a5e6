package postgres

import (
	"context"

	"github.com/ariefcatur/marketplace-fulfillment/internal/domain"
	"github.com/google/uuid"
)

const stockColumns = `sku, on_hand, in_transit, allocated_local, allocated_transit, pending_purchase, updated_at`

// LockStock upserts an empty row first so that a SKU seen for the first
// time is still serialized by its row lock.
func (t *pgTx) LockStock(ctx context.Context, sku string) (*domain.StockRecord, error) {
	if _, err := t.tx.Exec(ctx, `INSERT INTO stock_records (sku) VALUES ($1) ON CONFLICT (sku) DO NOTHING`, sku); err != nil {
		return nil, err
	}
	var r domain.StockRecord
	err := t.tx.QueryRow(ctx, `SELECT `+stockColumns+` FROM stock_records WHERE sku=$1 FOR UPDATE`, sku).
		Scan(&r.SKU, &r.OnHand, &r.InTransit, &r.AllocatedLocal, &r.AllocatedTransit, &r.PendingPurchase, &r.UpdatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return &r, nil
}

func (t *pgTx) GetStock(ctx context.Context, skus []string) (map[string]domain.StockRecord, error) {
	query := `SELECT ` + stockColumns + ` FROM stock_records`
	var args []any
	if skus != nil {
		query += ` WHERE sku = ANY($1)`
		args = append(args, skus)
	}
	rows, err := t.tx.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]domain.StockRecord)
	for rows.Next() {
		var r domain.StockRecord
		if err := rows.Scan(&r.SKU, &r.OnHand, &r.InTransit, &r.AllocatedLocal, &r.AllocatedTransit, &r.PendingPurchase, &r.UpdatedAt); err != nil {
			return nil, err
		}
		out[r.SKU] = r
	}
	return out, rows.Err()
}

func (t *pgTx) SaveStock(ctx context.Context, r *domain.StockRecord) error {
	ct, err := t.tx.Exec(ctx, `
		UPDATE stock_records SET
			on_hand=$2, in_transit=$3, allocated_local=$4, allocated_transit=$5,
			pending_purchase=$6, updated_at=$7
		WHERE sku=$1`,
		r.SKU, r.OnHand, r.InTransit, r.AllocatedLocal, r.AllocatedTransit, r.PendingPurchase, r.UpdatedAt)
	if err != nil {
		return err
	}
	return affectedOne(ct, "save stock")
}

func (t *pgTx) InsertAllocation(ctx context.Context, a *domain.StockAllocation) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO stock_allocations (id, order_id, order_line_id, sku, requested,
			quantity_from_local, quantity_from_transit, quantity_pending_purchase,
			allocation_status, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		a.ID, a.OrderID, a.OrderLineID, a.SKU, a.Requested,
		a.FromLocal, a.FromTransit, a.PendingPurchase, a.Status, a.CreatedAt, a.UpdatedAt)
	return err
}

func (t *pgTx) LockAllocations(ctx context.Context, orderID uuid.UUID) ([]domain.StockAllocation, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT id, order_id, order_line_id, sku, requested, quantity_from_local,
		       quantity_from_transit, quantity_pending_purchase, allocation_status,
		       released_at, consumed_at, created_at, updated_at
		FROM stock_allocations
		WHERE order_id=$1 AND released_at IS NULL AND consumed_at IS NULL
		ORDER BY sku
		FOR UPDATE`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.StockAllocation
	for rows.Next() {
		var a domain.StockAllocation
		if err := rows.Scan(&a.ID, &a.OrderID, &a.OrderLineID, &a.SKU, &a.Requested, &a.FromLocal,
			&a.FromTransit, &a.PendingPurchase, &a.Status, &a.ReleasedAt, &a.ConsumedAt,
			&a.CreatedAt, &a.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (t *pgTx) UpdateAllocation(ctx context.Context, a *domain.StockAllocation) error {
	ct, err := t.tx.Exec(ctx, `
		UPDATE stock_allocations SET
			quantity_from_local=$2, quantity_from_transit=$3, quantity_pending_purchase=$4,
			allocation_status=$5, released_at=$6, consumed_at=$7, updated_at=$8
		WHERE id=$1`,
		a.ID, a.FromLocal, a.FromTransit, a.PendingPurchase, a.Status, a.ReleasedAt, a.ConsumedAt, a.UpdatedAt)
	if err != nil {
		return err
	}
	return affectedOne(ct, "update allocation")
}

func (t *pgTx) InsertTransitBatch(ctx context.Context, b *domain.TransitBatch) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO stock_transit_batches (id, sku, quantity, expected_arrival, carrier_ref, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)`,
		b.ID, b.SKU, b.Quantity, b.ExpectedArrival, b.CarrierRef, b.CreatedAt)
	return err
}

func (t *pgTx) LockTransitBatch(ctx context.Context, id uuid.UUID) (*domain.TransitBatch, error) {
	var b domain.TransitBatch
	err := t.tx.QueryRow(ctx, `
		SELECT id, sku, quantity, expected_arrival, carrier_ref, arrived_at, created_at
		FROM stock_transit_batches WHERE id=$1 FOR UPDATE`, id).
		Scan(&b.ID, &b.SKU, &b.Quantity, &b.ExpectedArrival, &b.CarrierRef, &b.ArrivedAt, &b.CreatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return &b, nil
}

func (t *pgTx) UpdateTransitBatch(ctx context.Context, b *domain.TransitBatch) error {
	ct, err := t.tx.Exec(ctx, `UPDATE stock_transit_batches SET arrived_at=$2 WHERE id=$1`, b.ID, b.ArrivedAt)
	if err != nil {
		return err
	}
	return affectedOne(ct, "update transit batch")
}
