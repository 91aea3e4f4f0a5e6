package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/ariefcatur/marketplace-fulfillment/internal/domain"
	"github.com/ariefcatur/marketplace-fulfillment/internal/store"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const mpoColumns = `id, number, status, cycle_start_at, cycle_end_at, closed_at,
	origin_tracking_number, order_count, item_count, total_quantity, total_amount_cents,
	origin_tracking_at, shipped_origin_at, arrived_intermediate_at, shipped_destination_at,
	arrived_hub_at, created_at, updated_at`

func scanMPO(row pgx.Row) (*domain.MasterPurchaseOrder, error) {
	var m domain.MasterPurchaseOrder
	err := row.Scan(&m.ID, &m.Number, &m.Status, &m.CycleStartAt, &m.CycleEndAt, &m.ClosedAt,
		&m.OriginTrackingNumber, &m.OrderCount, &m.ItemCount, &m.TotalQuantity, &m.TotalAmountCents,
		&m.OriginTrackingAt, &m.ShippedOriginAt, &m.ArrivedIntermediateAt, &m.ShippedDestinationAt,
		&m.ArrivedHubAt, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return &m, nil
}

func (t *pgTx) InsertMPO(ctx context.Context, m *domain.MasterPurchaseOrder) error {
	err := t.tx.QueryRow(ctx, `
		INSERT INTO master_purchase_orders (id, status, cycle_start_at, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5)
		RETURNING number`,
		m.ID, m.Status, m.CycleStartAt, m.CreatedAt, m.UpdatedAt).Scan(&m.Number)
	if isUniqueViolation(err, "mpo_single_open_idx") {
		return store.ErrOpenMPOExists
	}
	return err
}

func (t *pgTx) GetMPO(ctx context.Context, id uuid.UUID) (*domain.MasterPurchaseOrder, error) {
	return scanMPO(t.tx.QueryRow(ctx, `SELECT `+mpoColumns+` FROM master_purchase_orders WHERE id=$1`, id))
}

func (t *pgTx) LockMPO(ctx context.Context, id uuid.UUID) (*domain.MasterPurchaseOrder, error) {
	return scanMPO(t.tx.QueryRow(ctx, `SELECT `+mpoColumns+` FROM master_purchase_orders WHERE id=$1 FOR UPDATE`, id))
}

func (t *pgTx) CurrentMPO(ctx context.Context) (*domain.MasterPurchaseOrder, error) {
	return scanMPO(t.tx.QueryRow(ctx, `
		SELECT `+mpoColumns+` FROM master_purchase_orders
		WHERE status IN ('draft','open')
		ORDER BY number DESC LIMIT 1`))
}

func (t *pgTx) UpdateMPO(ctx context.Context, m *domain.MasterPurchaseOrder) error {
	ct, err := t.tx.Exec(ctx, `
		UPDATE master_purchase_orders SET
			status=$2, cycle_end_at=$3, closed_at=$4, origin_tracking_number=$5,
			order_count=$6, item_count=$7, total_quantity=$8, total_amount_cents=$9,
			origin_tracking_at=$10, shipped_origin_at=$11, arrived_intermediate_at=$12,
			shipped_destination_at=$13, arrived_hub_at=$14, updated_at=$15
		WHERE id=$1`,
		m.ID, m.Status, m.CycleEndAt, m.ClosedAt, m.OriginTrackingNumber,
		m.OrderCount, m.ItemCount, m.TotalQuantity, m.TotalAmountCents,
		m.OriginTrackingAt, m.ShippedOriginAt, m.ArrivedIntermediateAt,
		m.ShippedDestinationAt, m.ArrivedHubAt, m.UpdatedAt)
	if isUniqueViolation(err, "mpo_single_open_idx") {
		return store.ErrOpenMPOExists
	}
	if err != nil {
		return err
	}
	return affectedOne(ct, "update mpo")
}

func (t *pgTx) MPOsWithLaggingLinks(ctx context.Context) ([]uuid.UUID, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT DISTINCT m.id
		FROM master_purchase_orders m
		JOIN order_links l ON l.mpo_id = m.id
		WHERE m.status IN ('shipped_origin','arrived_intermediate','shipped_destination','arrived_hub')
		  AND array_position(`+stageArray+`, l.stage) < array_position(`+stageArray+`, m.status)`)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[uuid.UUID])
}

const linkColumns = `id, mpo_id, order_id, channel, customer_name, customer_phone,
	department_code, commune_code, pickup_point_code, delivery_mode, referrer_name,
	unit_count, amount_cents, stage, hybrid_tracking_id, pickup_qr_code, manifest_pin,
	box_pin, customer_code_digest, tracking_revealed_at, delivery_confirmed_at,
	escrow_release_eligible_at, wallet_processed_at, created_at, updated_at`

func scanLink(row pgx.Row) (*domain.OrderLink, error) {
	var l domain.OrderLink
	err := row.Scan(&l.ID, &l.MPOID, &l.OrderID, &l.Channel, &l.CustomerName, &l.CustomerPhone,
		&l.DepartmentCode, &l.CommuneCode, &l.PickupPointCode, &l.DeliveryMode, &l.ReferrerName,
		&l.UnitCount, &l.AmountCents, &l.Stage, &l.HybridTrackingID, &l.PickupQRCode, &l.ManifestPIN,
		&l.BoxPIN, &l.CustomerCodeDigest, &l.TrackingRevealedAt, &l.DeliveryConfirmedAt,
		&l.EscrowReleaseEligibleAt, &l.WalletProcessedAt, &l.CreatedAt, &l.UpdatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return &l, nil
}

func (t *pgTx) collectLinks(ctx context.Context, query string, args ...any) ([]domain.OrderLink, error) {
	rows, err := t.tx.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.OrderLink
	for rows.Next() {
		l, err := scanLink(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *l)
	}
	return out, rows.Err()
}

func (t *pgTx) InsertLink(ctx context.Context, l *domain.OrderLink) (bool, error) {
	ct, err := t.tx.Exec(ctx, `
		INSERT INTO order_links (`+linkColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24,$25)
		ON CONFLICT (order_id) DO NOTHING`,
		l.ID, l.MPOID, l.OrderID, l.Channel, l.CustomerName, l.CustomerPhone,
		l.DepartmentCode, l.CommuneCode, l.PickupPointCode, l.DeliveryMode, l.ReferrerName,
		l.UnitCount, l.AmountCents, l.Stage, l.HybridTrackingID, l.PickupQRCode, l.ManifestPIN,
		l.BoxPIN, l.CustomerCodeDigest, l.TrackingRevealedAt, l.DeliveryConfirmedAt,
		l.EscrowReleaseEligibleAt, l.WalletProcessedAt, l.CreatedAt, l.UpdatedAt)
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() == 1, nil
}

func (t *pgTx) ListLinks(ctx context.Context, mpoID uuid.UUID) ([]domain.OrderLink, error) {
	return t.collectLinks(ctx, `SELECT `+linkColumns+` FROM order_links WHERE mpo_id=$1 ORDER BY created_at, id`, mpoID)
}

func (t *pgTx) LockLinksBehind(ctx context.Context, mpoID uuid.UUID, stage domain.MPOStatus, limit int) ([]domain.OrderLink, error) {
	return t.collectLinks(ctx, `
		SELECT `+linkColumns+` FROM order_links
		WHERE mpo_id=$1
		  AND array_position(`+stageArray+`, stage) < array_position(`+stageArray+`, $2::text)
		ORDER BY created_at, id
		LIMIT $3
		FOR UPDATE`, mpoID, stage, limitArg(limit))
}

func (t *pgTx) LockLink(ctx context.Context, id uuid.UUID) (*domain.OrderLink, error) {
	return scanLink(t.tx.QueryRow(ctx, `SELECT `+linkColumns+` FROM order_links WHERE id=$1 FOR UPDATE`, id))
}

func (t *pgTx) LockLinkByCustomerDigest(ctx context.Context, digest string) (*domain.OrderLink, error) {
	if digest == "" {
		return nil, store.ErrNotFound
	}
	return scanLink(t.tx.QueryRow(ctx, `
		SELECT `+linkColumns+` FROM order_links
		WHERE customer_code_digest=$1
		ORDER BY created_at DESC LIMIT 1
		FOR UPDATE`, digest))
}

func (t *pgTx) UpdateLink(ctx context.Context, l *domain.OrderLink) error {
	ct, err := t.tx.Exec(ctx, `
		UPDATE order_links SET
			stage=$2, hybrid_tracking_id=$3, pickup_qr_code=$4, manifest_pin=$5, box_pin=$6,
			tracking_revealed_at=$7, delivery_confirmed_at=$8, escrow_release_eligible_at=$9,
			wallet_processed_at=$10, updated_at=$11
		WHERE id=$1`,
		l.ID, l.Stage, l.HybridTrackingID, l.PickupQRCode, l.ManifestPIN, l.BoxPIN,
		l.TrackingRevealedAt, l.DeliveryConfirmedAt, l.EscrowReleaseEligibleAt,
		l.WalletProcessedAt, l.UpdatedAt)
	if err != nil {
		return err
	}
	return affectedOne(ct, "update link")
}

func (t *pgTx) LinksAwaitingWalletSplit(ctx context.Context, mpoID uuid.UUID, now time.Time) ([]uuid.UUID, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT id FROM order_links
		WHERE mpo_id=$1
		  AND channel='matched-sale'
		  AND delivery_confirmed_at IS NOT NULL
		  AND wallet_processed_at IS NULL
		  AND (escrow_release_eligible_at IS NULL OR escrow_release_eligible_at <= $2)
		ORDER BY created_at, id`, mpoID, now)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[uuid.UUID])
}

func (t *pgTx) MPOsAwaitingWalletSplit(ctx context.Context, now time.Time) ([]uuid.UUID, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT DISTINCT mpo_id FROM order_links
		WHERE channel='matched-sale'
		  AND delivery_confirmed_at IS NOT NULL
		  AND wallet_processed_at IS NULL
		  AND (escrow_release_eligible_at IS NULL OR escrow_release_eligible_at <= $1)`, now)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[uuid.UUID])
}

func (t *pgTx) InsertPickingItems(ctx context.Context, items []domain.PickingItem) error {
	if len(items) == 0 {
		return nil
	}
	_, err := t.tx.CopyFrom(ctx,
		pgx.Identifier{"picking_items"},
		[]string{"id", "mpo_id", "link_id", "order_id", "sku", "variant_id", "quantity"},
		pgx.CopyFromSlice(len(items), func(i int) ([]any, error) {
			p := items[i]
			return []any{p.ID, p.MPOID, p.LinkID, p.OrderID, p.SKU, p.VariantID, p.Quantity}, nil
		}),
	)
	return err
}

func (t *pgTx) PickingItems(ctx context.Context, mpoID uuid.UUID) ([]domain.PickingItem, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT id, mpo_id, link_id, order_id, sku, variant_id, quantity
		FROM picking_items WHERE mpo_id=$1 ORDER BY link_id, sku`, mpoID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.PickingItem
	for rows.Next() {
		var p domain.PickingItem
		if err := rows.Scan(&p.ID, &p.MPOID, &p.LinkID, &p.OrderID, &p.SKU, &p.VariantID, &p.Quantity); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (t *pgTx) CreditWallet(ctx context.Context, e *domain.WalletEntry) error {
	ct, err := t.tx.Exec(ctx, `
		INSERT INTO wallet_entries (id, party_id, role, link_id, order_id, amount_cents, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (link_id, party_id, role) DO NOTHING`,
		e.ID, e.PartyID, e.Role, e.LinkID, e.OrderID, e.AmountCents, e.CreatedAt)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return nil // already credited for this link
	}
	_, err = t.tx.Exec(ctx, `
		INSERT INTO wallet_balances (party_id, balance_cents, updated_at)
		VALUES ($1,$2,$3)
		ON CONFLICT (party_id) DO UPDATE
		SET balance_cents = wallet_balances.balance_cents + EXCLUDED.balance_cents,
		    updated_at = EXCLUDED.updated_at`,
		e.PartyID, e.AmountCents, e.CreatedAt)
	return err
}

func (t *pgTx) WalletBalance(ctx context.Context, partyID string) (int64, error) {
	var bal int64
	err := t.tx.QueryRow(ctx, `SELECT balance_cents FROM wallet_balances WHERE party_id=$1`, partyID).Scan(&bal)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	return bal, err
}
