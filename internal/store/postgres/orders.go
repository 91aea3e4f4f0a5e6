package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ariefcatur/marketplace-fulfillment/internal/domain"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const orderColumns = `id, COALESCE(external_id, ''), channel, buyer_id, seller_id, total_cents, total_quantity,
	payment_status, fulfillment_status, payment_method, payment_reference,
	stock_reserved, reserved_at, reservation_expires_at, customer_code_digest,
	channel_details, metadata, created_at, updated_at`

func (t *pgTx) InsertOrder(ctx context.Context, o *domain.Order) error {
	details, err := domain.EncodeDetails(o.Details)
	if err != nil {
		return err
	}
	meta, err := json.Marshal(o.Metadata)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	_, err = t.tx.Exec(ctx, `
		INSERT INTO orders (id, external_id, channel, buyer_id, seller_id, total_cents, total_quantity,
			payment_status, fulfillment_status, payment_method, payment_reference,
			stock_reserved, reserved_at, reservation_expires_at, customer_code_digest,
			channel_details, metadata, created_at, updated_at)
		VALUES ($1,NULLIF($2,''),$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19)`,
		o.ID, o.ExternalID, o.Channel, o.BuyerID, o.SellerID, o.TotalCents, o.TotalQuantity,
		o.PaymentStatus, o.FulfillmentStatus, o.PaymentMethod, o.PaymentReference,
		o.StockReserved, o.ReservedAt, o.ReservationExpiresAt, o.CustomerCodeDigest,
		details, meta, o.CreatedAt, o.UpdatedAt,
	)
	if err != nil {
		return err
	}

	for _, l := range o.Lines {
		if _, err := t.tx.Exec(ctx, `
			INSERT INTO order_lines (id, order_id, sku, variant_id, store_id, quantity, unit_price_cents, subtotal_cents)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
			l.ID, o.ID, l.SKU, l.VariantID, l.StoreID, l.Quantity, l.UnitPriceCents, l.SubtotalCents,
		); err != nil {
			return err
		}
	}
	return nil
}

func (t *pgTx) GetOrder(ctx context.Context, id uuid.UUID) (*domain.Order, error) {
	return t.loadOrder(ctx, id, "")
}

func (t *pgTx) OrderByExternalID(ctx context.Context, externalID string) (*domain.Order, error) {
	var id uuid.UUID
	err := t.tx.QueryRow(ctx, `SELECT id FROM orders WHERE external_id=$1`, externalID).Scan(&id)
	if err != nil {
		return nil, notFound(err)
	}
	return t.loadOrder(ctx, id, "")
}

func (t *pgTx) LockOrder(ctx context.Context, id uuid.UUID) (*domain.Order, error) {
	return t.loadOrder(ctx, id, " FOR UPDATE")
}

func (t *pgTx) loadOrder(ctx context.Context, id uuid.UUID, lock string) (*domain.Order, error) {
	row := t.tx.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id=$1`+lock, id)
	o, err := scanOrder(row)
	if err != nil {
		return nil, notFound(err)
	}
	if o.Lines, err = t.orderLines(ctx, o.ID); err != nil {
		return nil, err
	}
	return o, nil
}

func (t *pgTx) orderLines(ctx context.Context, orderID uuid.UUID) ([]domain.OrderLine, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT id, order_id, sku, variant_id, store_id, quantity, unit_price_cents, subtotal_cents
		FROM order_lines WHERE order_id=$1 ORDER BY sku, id`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.OrderLine
	for rows.Next() {
		var l domain.OrderLine
		if err := rows.Scan(&l.ID, &l.OrderID, &l.SKU, &l.VariantID, &l.StoreID, &l.Quantity, &l.UnitPriceCents, &l.SubtotalCents); err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func scanOrder(row pgx.Row) (*domain.Order, error) {
	var (
		o       domain.Order
		details []byte
		meta    []byte
	)
	err := row.Scan(&o.ID, &o.ExternalID, &o.Channel, &o.BuyerID, &o.SellerID, &o.TotalCents, &o.TotalQuantity,
		&o.PaymentStatus, &o.FulfillmentStatus, &o.PaymentMethod, &o.PaymentReference,
		&o.StockReserved, &o.ReservedAt, &o.ReservationExpiresAt, &o.CustomerCodeDigest,
		&details, &meta, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if o.Details, err = domain.DecodeDetails(o.Channel, details); err != nil {
		return nil, err
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &o.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata of order %s: %w", o.ID, err)
		}
	}
	return &o, nil
}

// UpdateOrder writes the mutable columns. Lines and money fields are
// immutable once placed.
func (t *pgTx) UpdateOrder(ctx context.Context, o *domain.Order) error {
	meta, err := json.Marshal(o.Metadata)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	ct, err := t.tx.Exec(ctx, `
		UPDATE orders SET
			payment_status=$2, fulfillment_status=$3, payment_method=$4, payment_reference=$5,
			stock_reserved=$6, reserved_at=$7, reservation_expires_at=$8,
			metadata=$9, updated_at=$10
		WHERE id=$1`,
		o.ID, o.PaymentStatus, o.FulfillmentStatus, o.PaymentMethod, o.PaymentReference,
		o.StockReserved, o.ReservedAt, o.ReservationExpiresAt, meta, o.UpdatedAt,
	)
	if err != nil {
		return err
	}
	return affectedOne(ct, "update order")
}

func (t *pgTx) ExpiredReservations(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT id FROM orders
		WHERE payment_status IN ('pending','pending_validation')
		  AND reservation_expires_at <= $1
		ORDER BY reservation_expires_at
		LIMIT $2`, now, limitArg(limit))
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[uuid.UUID])
}

func (t *pgTx) BuyerHasActiveReservation(ctx context.Context, buyerID string, now time.Time) (bool, error) {
	var locked bool
	err := t.tx.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM orders
			WHERE buyer_id=$1
			  AND payment_status IN ('pending','pending_validation')
			  AND (reservation_expires_at IS NULL OR reservation_expires_at > $2)
		)`, buyerID, now).Scan(&locked)
	return locked, err
}

func (t *pgTx) OrdersReadyToBatch(ctx context.Context, limit int) ([]*domain.Order, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT `+orderColumns+` FROM orders o
		WHERE o.payment_status='paid'
		  AND NOT EXISTS (SELECT 1 FROM order_links l WHERE l.order_id=o.id)
		ORDER BY o.created_at, o.id
		LIMIT $1
		FOR UPDATE SKIP LOCKED`, limitArg(limit))
	if err != nil {
		return nil, err
	}
	var out []*domain.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		out = append(out, o)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, o := range out {
		if o.Lines, err = t.orderLines(ctx, o.ID); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (t *pgTx) OrderDemand(ctx context.Context) (map[string]domain.OrderDemand, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT l.sku,
		       COALESCE(SUM(l.quantity) FILTER (WHERE o.payment_status = 'paid'), 0),
		       COALESCE(SUM(l.quantity) FILTER (WHERE o.payment_status IN ('placed','pending','pending_validation')), 0)
		FROM order_lines l
		JOIN orders o ON o.id = l.order_id
		WHERE o.payment_status IN ('paid','placed','pending','pending_validation')
		GROUP BY l.sku`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]domain.OrderDemand)
	for rows.Next() {
		var (
			sku string
			d   domain.OrderDemand
		)
		if err := rows.Scan(&sku, &d.Confirmed, &d.Pending); err != nil {
			return nil, err
		}
		out[sku] = d
	}
	return out, rows.Err()
}

func (t *pgTx) OpenCartLines(ctx context.Context) ([]domain.CartLine, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT buyer_id, channel, sku, variant_id, quantity, unit_price_cents, restored_from_order
		FROM cart_lines WHERE checked_out_at IS NULL`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.CartLine
	for rows.Next() {
		var c domain.CartLine
		if err := rows.Scan(&c.BuyerID, &c.Channel, &c.SKU, &c.VariantID, &c.Quantity, &c.UnitPriceCents, &c.RestoredFromOrder); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (t *pgTx) AddCartLines(ctx context.Context, lines []domain.CartLine) error {
	for _, c := range lines {
		if _, err := t.tx.Exec(ctx, `
			INSERT INTO cart_lines (buyer_id, channel, sku, variant_id, quantity, unit_price_cents, restored_from_order)
			VALUES ($1,$2,$3,$4,$5,$6,$7)`,
			c.BuyerID, c.Channel, c.SKU, c.VariantID, c.Quantity, c.UnitPriceCents, c.RestoredFromOrder,
		); err != nil {
			return err
		}
	}
	return nil
}
