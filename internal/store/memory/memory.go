// Package memory is an in-process store. Transactions are serialized behind
// one mutex and roll back by restoring a snapshot.
package memory

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/ariefcatur/marketplace-fulfillment/internal/domain"
	"github.com/ariefcatur/marketplace-fulfillment/internal/store"
	"github.com/google/uuid"
)

type Store struct {
	mu   sync.Mutex
	data *state
}

type state struct {
	orders      map[uuid.UUID]domain.Order
	stock       map[string]domain.StockRecord
	allocations map[uuid.UUID]domain.StockAllocation
	transit     map[uuid.UUID]domain.TransitBatch
	cart        []domain.CartLine
	mpos        map[uuid.UUID]domain.MasterPurchaseOrder
	mpoSeq      int64
	links       map[uuid.UUID]domain.OrderLink
	picking     []domain.PickingItem
	wallet      []domain.WalletEntry
}

func New() *Store {
	return &Store{data: &state{
		orders:      make(map[uuid.UUID]domain.Order),
		stock:       make(map[string]domain.StockRecord),
		allocations: make(map[uuid.UUID]domain.StockAllocation),
		transit:     make(map[uuid.UUID]domain.TransitBatch),
		mpos:        make(map[uuid.UUID]domain.MasterPurchaseOrder),
		links:       make(map[uuid.UUID]domain.OrderLink),
	}}
}

func (s *Store) InTx(ctx context.Context, fn func(tx store.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := s.data.clone()
	if err := fn(&tx{st: s.data}); err != nil {
		s.data = snapshot
		return err
	}
	return nil
}

func (st *state) clone() *state {
	c := &state{
		orders:      make(map[uuid.UUID]domain.Order, len(st.orders)),
		stock:       make(map[string]domain.StockRecord, len(st.stock)),
		allocations: make(map[uuid.UUID]domain.StockAllocation, len(st.allocations)),
		transit:     make(map[uuid.UUID]domain.TransitBatch, len(st.transit)),
		cart:        slices.Clone(st.cart),
		mpos:        make(map[uuid.UUID]domain.MasterPurchaseOrder, len(st.mpos)),
		mpoSeq:      st.mpoSeq,
		links:       make(map[uuid.UUID]domain.OrderLink, len(st.links)),
		picking:     slices.Clone(st.picking),
		wallet:      slices.Clone(st.wallet),
	}
	for k, v := range st.orders {
		c.orders[k] = cloneOrder(v)
	}
	for k, v := range st.stock {
		c.stock[k] = v
	}
	for k, v := range st.allocations {
		c.allocations[k] = v
	}
	for k, v := range st.transit {
		c.transit[k] = v
	}
	for k, v := range st.mpos {
		c.mpos[k] = v
	}
	for k, v := range st.links {
		c.links[k] = v
	}
	return c
}

func cloneOrder(o domain.Order) domain.Order {
	o.Lines = slices.Clone(o.Lines)
	o.Metadata.StockReleases = slices.Clone(o.Metadata.StockReleases)
	o.Metadata.Extension = slices.Clone(o.Metadata.Extension)
	return o
}

type tx struct{ st *state }

// ── orders ──────────────────────────────────────────────────────────────────

func (t *tx) InsertOrder(_ context.Context, o *domain.Order) error {
	t.st.orders[o.ID] = cloneOrder(*o)
	return nil
}

func (t *tx) GetOrder(_ context.Context, id uuid.UUID) (*domain.Order, error) {
	o, ok := t.st.orders[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	c := cloneOrder(o)
	return &c, nil
}

func (t *tx) OrderByExternalID(ctx context.Context, externalID string) (*domain.Order, error) {
	for id, o := range t.st.orders {
		if externalID != "" && o.ExternalID == externalID {
			return t.GetOrder(ctx, id)
		}
	}
	return nil, store.ErrNotFound
}

func (t *tx) LockOrder(ctx context.Context, id uuid.UUID) (*domain.Order, error) {
	return t.GetOrder(ctx, id)
}

func (t *tx) UpdateOrder(_ context.Context, o *domain.Order) error {
	if _, ok := t.st.orders[o.ID]; !ok {
		return store.ErrNotFound
	}
	t.st.orders[o.ID] = cloneOrder(*o)
	return nil
}

func (t *tx) ExpiredReservations(_ context.Context, now time.Time, limit int) ([]uuid.UUID, error) {
	var out []uuid.UUID
	for _, o := range t.sortedOrders() {
		if o.ReservationExpired(now) {
			out = append(out, o.ID)
			if limit > 0 && len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (t *tx) BuyerHasActiveReservation(_ context.Context, buyerID string, now time.Time) (bool, error) {
	for _, o := range t.st.orders {
		if o.BuyerID == buyerID && o.PaymentStatus.AwaitingPayment() && !o.ReservationExpired(now) {
			return true, nil
		}
	}
	return false, nil
}

func (t *tx) OrdersReadyToBatch(_ context.Context, limit int) ([]*domain.Order, error) {
	linked := make(map[uuid.UUID]bool, len(t.st.links))
	for _, l := range t.st.links {
		linked[l.OrderID] = true
	}
	var out []*domain.Order
	for _, o := range t.sortedOrders() {
		if o.PaymentStatus != domain.StatusPaid || linked[o.ID] {
			continue
		}
		c := cloneOrder(o)
		out = append(out, &c)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (t *tx) OrderDemand(_ context.Context) (map[string]domain.OrderDemand, error) {
	out := make(map[string]domain.OrderDemand)
	for _, o := range t.st.orders {
		confirmed := o.PaymentStatus == domain.StatusPaid
		pending := o.PaymentStatus == domain.StatusPlaced || o.PaymentStatus.AwaitingPayment()
		if !confirmed && !pending {
			continue
		}
		for _, l := range o.Lines {
			d := out[l.SKU]
			if confirmed {
				d.Confirmed += l.Quantity
			} else {
				d.Pending += l.Quantity
			}
			out[l.SKU] = d
		}
	}
	return out, nil
}

func (t *tx) sortedOrders() []domain.Order {
	out := make([]domain.Order, 0, len(t.st.orders))
	for _, o := range t.st.orders {
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID.String() < out[j].ID.String()
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// ── stock ───────────────────────────────────────────────────────────────────

func (t *tx) LockStock(_ context.Context, sku string) (*domain.StockRecord, error) {
	r, ok := t.st.stock[sku]
	if !ok {
		r = domain.StockRecord{SKU: sku}
		t.st.stock[sku] = r
	}
	return &r, nil
}

func (t *tx) GetStock(_ context.Context, skus []string) (map[string]domain.StockRecord, error) {
	out := make(map[string]domain.StockRecord)
	if skus == nil {
		for k, v := range t.st.stock {
			out[k] = v
		}
		return out, nil
	}
	for _, sku := range skus {
		if r, ok := t.st.stock[sku]; ok {
			out[sku] = r
		}
	}
	return out, nil
}

func (t *tx) SaveStock(_ context.Context, r *domain.StockRecord) error {
	t.st.stock[r.SKU] = *r
	return nil
}

func (t *tx) InsertAllocation(_ context.Context, a *domain.StockAllocation) error {
	t.st.allocations[a.ID] = *a
	return nil
}

func (t *tx) LockAllocations(_ context.Context, orderID uuid.UUID) ([]domain.StockAllocation, error) {
	var out []domain.StockAllocation
	for _, a := range t.st.allocations {
		if a.OrderID == orderID && a.Active() {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SKU < out[j].SKU })
	return out, nil
}

func (t *tx) UpdateAllocation(_ context.Context, a *domain.StockAllocation) error {
	if _, ok := t.st.allocations[a.ID]; !ok {
		return store.ErrNotFound
	}
	t.st.allocations[a.ID] = *a
	return nil
}

func (t *tx) InsertTransitBatch(_ context.Context, b *domain.TransitBatch) error {
	t.st.transit[b.ID] = *b
	return nil
}

func (t *tx) LockTransitBatch(_ context.Context, id uuid.UUID) (*domain.TransitBatch, error) {
	b, ok := t.st.transit[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &b, nil
}

func (t *tx) UpdateTransitBatch(_ context.Context, b *domain.TransitBatch) error {
	t.st.transit[b.ID] = *b
	return nil
}

// ── cart ────────────────────────────────────────────────────────────────────

func (t *tx) OpenCartLines(_ context.Context) ([]domain.CartLine, error) {
	return slices.Clone(t.st.cart), nil
}

func (t *tx) AddCartLines(_ context.Context, lines []domain.CartLine) error {
	t.st.cart = append(t.st.cart, lines...)
	return nil
}

// ── master purchase orders ──────────────────────────────────────────────────

func (t *tx) InsertMPO(_ context.Context, m *domain.MasterPurchaseOrder) error {
	for _, existing := range t.st.mpos {
		if existing.Status.AcceptsLinks() {
			return store.ErrOpenMPOExists
		}
	}
	t.st.mpoSeq++
	m.Number = t.st.mpoSeq
	t.st.mpos[m.ID] = *m
	return nil
}

func (t *tx) GetMPO(_ context.Context, id uuid.UUID) (*domain.MasterPurchaseOrder, error) {
	m, ok := t.st.mpos[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &m, nil
}

func (t *tx) LockMPO(ctx context.Context, id uuid.UUID) (*domain.MasterPurchaseOrder, error) {
	return t.GetMPO(ctx, id)
}

func (t *tx) CurrentMPO(_ context.Context) (*domain.MasterPurchaseOrder, error) {
	for _, m := range t.st.mpos {
		if m.Status.AcceptsLinks() {
			return &m, nil
		}
	}
	return nil, store.ErrNotFound
}

func (t *tx) UpdateMPO(_ context.Context, m *domain.MasterPurchaseOrder) error {
	if _, ok := t.st.mpos[m.ID]; !ok {
		return store.ErrNotFound
	}
	t.st.mpos[m.ID] = *m
	return nil
}

func (t *tx) MPOsWithLaggingLinks(_ context.Context) ([]uuid.UUID, error) {
	seen := make(map[uuid.UUID]bool)
	var out []uuid.UUID
	for _, l := range t.st.links {
		m := t.st.mpos[l.MPOID]
		if !m.Status.IsLogisticsStage() || seen[m.ID] {
			continue
		}
		if l.Stage.Rank() < m.Status.Rank() {
			seen[m.ID] = true
			out = append(out, m.ID)
		}
	}
	return out, nil
}

func (t *tx) InsertLink(_ context.Context, l *domain.OrderLink) (bool, error) {
	for _, existing := range t.st.links {
		if existing.OrderID == l.OrderID {
			return false, nil
		}
	}
	t.st.links[l.ID] = *l
	return true, nil
}

func (t *tx) sortedLinks(mpoID uuid.UUID) []domain.OrderLink {
	var out []domain.OrderLink
	for _, l := range t.st.links {
		if l.MPOID == mpoID {
			out = append(out, l)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID.String() < out[j].ID.String()
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (t *tx) ListLinks(_ context.Context, mpoID uuid.UUID) ([]domain.OrderLink, error) {
	return t.sortedLinks(mpoID), nil
}

func (t *tx) LockLinksBehind(_ context.Context, mpoID uuid.UUID, stage domain.MPOStatus, limit int) ([]domain.OrderLink, error) {
	var out []domain.OrderLink
	for _, l := range t.sortedLinks(mpoID) {
		if l.Stage.Rank() < stage.Rank() {
			out = append(out, l)
			if limit > 0 && len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (t *tx) LockLink(_ context.Context, id uuid.UUID) (*domain.OrderLink, error) {
	l, ok := t.st.links[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &l, nil
}

func (t *tx) LockLinkByCustomerDigest(_ context.Context, digest string) (*domain.OrderLink, error) {
	for _, l := range t.st.links {
		if digest != "" && l.CustomerCodeDigest == digest {
			return &l, nil
		}
	}
	return nil, store.ErrNotFound
}

func (t *tx) UpdateLink(_ context.Context, l *domain.OrderLink) error {
	if _, ok := t.st.links[l.ID]; !ok {
		return store.ErrNotFound
	}
	t.st.links[l.ID] = *l
	return nil
}

func (t *tx) LinksAwaitingWalletSplit(_ context.Context, mpoID uuid.UUID, now time.Time) ([]uuid.UUID, error) {
	var out []uuid.UUID
	for _, l := range t.sortedLinks(mpoID) {
		if l.Channel != domain.ChannelMatchedSale || l.DeliveryConfirmedAt == nil || l.WalletProcessedAt != nil {
			continue
		}
		if l.EscrowReleaseEligibleAt != nil && now.Before(*l.EscrowReleaseEligibleAt) {
			continue
		}
		out = append(out, l.ID)
	}
	return out, nil
}

func (t *tx) MPOsAwaitingWalletSplit(ctx context.Context, now time.Time) ([]uuid.UUID, error) {
	var out []uuid.UUID
	for id := range t.st.mpos {
		ids, _ := t.LinksAwaitingWalletSplit(ctx, id, now)
		if len(ids) > 0 {
			out = append(out, id)
		}
	}
	return out, nil
}

func (t *tx) InsertPickingItems(_ context.Context, items []domain.PickingItem) error {
	t.st.picking = append(t.st.picking, items...)
	return nil
}

func (t *tx) PickingItems(_ context.Context, mpoID uuid.UUID) ([]domain.PickingItem, error) {
	var out []domain.PickingItem
	for _, p := range t.st.picking {
		if p.MPOID == mpoID {
			out = append(out, p)
		}
	}
	return out, nil
}

// ── wallet ──────────────────────────────────────────────────────────────────

func (t *tx) CreditWallet(_ context.Context, e *domain.WalletEntry) error {
	for _, existing := range t.st.wallet {
		if existing.LinkID == e.LinkID && existing.PartyID == e.PartyID && existing.Role == e.Role {
			return nil
		}
	}
	t.st.wallet = append(t.st.wallet, *e)
	return nil
}

func (t *tx) WalletBalance(_ context.Context, partyID string) (int64, error) {
	var total int64
	for _, e := range t.st.wallet {
		if e.PartyID == partyID {
			total += e.AmountCents
		}
	}
	return total, nil
}
