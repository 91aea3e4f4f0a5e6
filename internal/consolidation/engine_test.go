package consolidation

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/ariefcatur/marketplace-fulfillment/internal/apperr"
	"github.com/ariefcatur/marketplace-fulfillment/internal/domain"
	"github.com/ariefcatur/marketplace-fulfillment/internal/events"
	"github.com/ariefcatur/marketplace-fulfillment/internal/orders"
	"github.com/ariefcatur/marketplace-fulfillment/internal/stock"
	"github.com/ariefcatur/marketplace-fulfillment/internal/store"
	"github.com/ariefcatur/marketplace-fulfillment/internal/store/memory"
	"github.com/ariefcatur/marketplace-fulfillment/internal/tracking"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
)

type fixture struct {
	eng    *Engine
	orders *orders.Service
	ledger *stock.Ledger
	st     *memory.Store
	rec    *events.Recorder
	clock  time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{st: memory.New(), rec: &events.Recorder{}, clock: time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)}
	now := func() time.Time { return f.clock }
	f.ledger = stock.NewLedger(f.st)
	f.ledger.Now = now
	codes, err := tracking.NewDigester([]byte("test-key"))
	require.NoError(t, err)
	emitter := events.Emitter{Pub: f.rec, Producer: "test"}
	f.orders = &orders.Service{Store: f.st, Ledger: f.ledger, Events: emitter, Codes: codes, Now: now}
	f.eng = &Engine{Store: f.st, Orders: f.orders, Events: emitter, Now: now}
	return f
}

func (f *fixture) tick(d time.Duration) { f.clock = f.clock.Add(d) }

func addr(pickup string) *domain.ShippingAddress {
	return &domain.ShippingAddress{RecipientName: "Ana", Phone: "+50900000000", DepartmentCode: "ou", CommuneCode: "pv", PickupPointCode: pickup}
}

func b2c(sku string, qty int) orders.PlaceOrderInput {
	return orders.PlaceOrderInput{
		Channel:  domain.ChannelB2C,
		BuyerID:  "buyer-b2c",
		Lines:    []orders.LineInput{{SKU: sku, Quantity: qty, UnitPriceCents: 500}},
		Shipping: addr(""),
	}
}

func b2b(sku string, qty int) orders.PlaceOrderInput {
	in := b2c(sku, qty)
	in.Channel = domain.ChannelB2B
	in.BuyerID = "buyer-b2b"
	in.B2B = &domain.B2BDetails{CompanyName: "Ti Boutik"}
	return in
}

func matched(sku string) orders.PlaceOrderInput {
	return orders.PlaceOrderInput{
		Channel:      domain.ChannelMatchedSale,
		BuyerID:      "buyer-ms",
		Lines:        []orders.LineInput{{SKU: sku, Quantity: 1, UnitPriceCents: 1000}},
		Shipping:     addr("pp7"),
		DeliveryMode: domain.DeliveryPickupPoint,
		MatchedSale: &domain.MatchedSaleDetails{
			ReferrerID:   "ref-1",
			ReferrerName: "Jean",
			Splits: []domain.WalletSplit{
				{PartyID: "seller-1", Role: "seller", AmountCents: 800},
				{PartyID: "ref-1", Role: "referrer", AmountCents: 200},
			},
		},
	}
}

// paid places the order, pays it by card and returns it.
func (f *fixture) paid(t *testing.T, in orders.PlaceOrderInput) *domain.Order {
	t.Helper()
	ctx := context.Background()
	p, err := f.orders.PlaceOrder(ctx, in)
	require.NoError(t, err)
	_, err = f.orders.StartCheckout(ctx, p.Order.ID, domain.MethodCard)
	require.NoError(t, err)
	o, err := f.orders.ConfirmPayment(ctx, p.Order.ID)
	require.NoError(t, err)
	f.tick(time.Second)
	return o
}

func (f *fixture) openMPO(t *testing.T) *domain.MasterPurchaseOrder {
	t.Helper()
	ctx := context.Background()
	m, err := f.eng.CreateMPO(ctx)
	require.NoError(t, err)
	m, err = f.eng.OpenMPO(ctx, m.ID)
	require.NoError(t, err)
	return m
}

func (f *fixture) order(t *testing.T, id uuid.UUID) *domain.Order {
	t.Helper()
	o, err := f.orders.GetOrder(context.Background(), id)
	require.NoError(t, err)
	return o
}

func TestOriginTrackingStampsEveryChannel(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.ledger.ReceiveStock(ctx, "X", 10)
	require.NoError(t, err)

	home := f.paid(t, b2c("X", 2))
	company := f.paid(t, b2b("X", 3))
	referred := f.paid(t, matched("X"))
	m := f.openMPO(t)

	linked, err := f.eng.LinkPendingOrders(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, linked.Updated)
	assert.Equal(t, map[domain.Channel]int{domain.ChannelB2C: 1, domain.ChannelB2B: 1, domain.ChannelMatchedSale: 1}, linked.ByChannel)
	assert.Equal(t, domain.FulfillmentBatched, f.order(t, home.ID).FulfillmentStatus)

	res, err := f.eng.EnterOriginTracking(ctx, m.ID, "CNTRACK123")
	require.NoError(t, err)
	assert.Equal(t, 3, res.Updated)
	assert.Equal(t, domain.MPOOriginTrackingEntered, res.MPO.Status)
	assert.Equal(t, "CNTRACK123", res.MPO.OriginTrackingNumber)

	links, err := f.eng.Links(ctx, m.ID)
	require.NoError(t, err)
	ids := make(map[uuid.UUID]string, len(links))
	for _, l := range links {
		ids[l.OrderID] = l.HybridTrackingID
		p, err := tracking.Parse(l.HybridTrackingID)
		require.NoError(t, err)
		assert.Equal(t, "CNTRACK123", p.OriginTracking)
		assert.Equal(t, l.UnitCount, p.Units)
		assert.Len(t, l.ManifestPIN, 4)
		assert.NotEqual(t, l.ManifestPIN, l.BoxPIN)
		assert.Equal(t, domain.MPOOriginTrackingEntered, l.Stage)
	}
	assert.Equal(t, "OU-PV-XX-02-CNTRACK123", ids[home.ID])
	assert.Equal(t, "OU-PV-XX-03-CNTRACK123", ids[company.ID])
	assert.Equal(t, "OU-PV-PP7-01-CNTRACK123", ids[referred.ID])

	again, err := f.eng.EnterOriginTracking(ctx, m.ID, "cntrack123")
	require.NoError(t, err)
	assert.Zero(t, again.Updated)
	links, err = f.eng.Links(ctx, m.ID)
	require.NoError(t, err)
	for _, l := range links {
		assert.Equal(t, ids[l.OrderID], l.HybridTrackingID)
	}

	_, err = f.eng.EnterOriginTracking(ctx, m.ID, "OTHER9")
	assert.True(t, apperr.IsKind(err, apperr.KindConflict))
	_, err = f.eng.LinkPendingOrders(ctx, m.ID)
	assert.True(t, apperr.IsKind(err, apperr.KindConflict))
}

func TestLinkPendingOrdersIsAdditive(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.ledger.ReceiveStock(ctx, "X", 10)
	require.NoError(t, err)
	m := f.openMPO(t)

	empty, err := f.eng.LinkPendingOrders(ctx, m.ID)
	require.NoError(t, err)
	assert.Zero(t, empty.Updated)

	f.paid(t, b2c("X", 2))
	first, err := f.eng.LinkPendingOrders(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, first.Updated)

	second, err := f.eng.LinkPendingOrders(ctx, m.ID)
	require.NoError(t, err)
	assert.Zero(t, second.Updated)

	f.paid(t, b2b("X", 1))
	third, err := f.eng.LinkPendingOrders(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, third.Updated)
	assert.Equal(t, 2, third.MPO.OrderCount)
	assert.Equal(t, 3, third.MPO.TotalQuantity)
	assert.Equal(t, int64(1500), third.MPO.TotalAmountCents)

	links, err := f.eng.Links(ctx, m.ID)
	require.NoError(t, err)
	assert.Len(t, links, 2)
}

func TestOnlyOneOpenMPO(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	m := f.openMPO(t)

	_, err := f.eng.CreateMPO(ctx)
	assert.True(t, apperr.IsKind(err, apperr.KindConflict))

	cur, err := f.eng.CurrentOpenMPO(ctx)
	require.NoError(t, err)
	assert.Equal(t, m.ID, cur.ID)
	assert.Equal(t, "MPO-000001", cur.BusinessNumber())

	closed, err := f.eng.CloseMPO(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.MPOClosed, closed.Status)
	require.NotNil(t, closed.ClosedAt)

	_, err = f.eng.CurrentOpenMPO(ctx)
	assert.True(t, apperr.IsKind(err, apperr.KindNotFound))

	next, err := f.eng.CreateMPO(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), next.Number)
}

func TestAdvanceStageFansOutInBatches(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.eng.FanOutBatch = 2
	_, err := f.ledger.ReceiveStock(ctx, "X", 4)
	require.NoError(t, err)

	var ids []uuid.UUID
	for i := 0; i < 5; i++ {
		ids = append(ids, f.paid(t, b2c("X", 1)).ID)
	}
	m := f.openMPO(t)
	_, err = f.eng.LinkPendingOrders(ctx, m.ID)
	require.NoError(t, err)

	_, err = f.eng.AdvanceStage(ctx, m.ID, domain.MPOShippedOrigin)
	assert.True(t, apperr.IsKind(err, apperr.KindValidation), "no origin tracking yet")

	_, err = f.eng.EnterOriginTracking(ctx, m.ID, "CN1")
	require.NoError(t, err)

	res, err := f.eng.AdvanceStage(ctx, m.ID, domain.MPOShippedOrigin)
	require.NoError(t, err)
	assert.Equal(t, 5, res.Updated)
	assert.Equal(t, 5, res.ByChannel[domain.ChannelB2C])
	for _, id := range ids {
		o := f.order(t, id)
		assert.Equal(t, domain.StatusShipped, o.PaymentStatus)
		assert.Equal(t, domain.FulfillmentStatus("shipped_origin"), o.FulfillmentStatus)
	}

	_, err = f.eng.AdvanceStage(ctx, m.ID, domain.MPOOriginTrackingEntered)
	assert.True(t, apperr.IsKind(err, apperr.KindValidation))

	repeat, err := f.eng.AdvanceStage(ctx, m.ID, domain.MPOShippedOrigin)
	require.NoError(t, err)
	assert.Zero(t, repeat.Updated)

	// The fifth order was pre-sold; reaching the hub closes its shortfall.
	bal, err := f.ledger.AvailableBalance(ctx, "X")
	require.NoError(t, err)
	assert.Equal(t, 1, bal.PendingPurchase)

	res, err = f.eng.AdvanceStage(ctx, m.ID, domain.MPOArrivedHub)
	require.NoError(t, err)
	assert.Equal(t, 5, res.Updated)
	assert.NotNil(t, res.MPO.ArrivedHubAt)
	bal, err = f.ledger.AvailableBalance(ctx, "X")
	require.NoError(t, err)
	assert.Zero(t, bal.PendingPurchase)
	assert.Equal(t, 5, bal.OnHand)
	assert.Zero(t, bal.Available)
}

func TestResumeFinishesInterruptedFanOut(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.ledger.ReceiveStock(ctx, "X", 10)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		f.paid(t, b2c("X", 1))
	}
	m := f.openMPO(t)
	_, err = f.eng.LinkPendingOrders(ctx, m.ID)
	require.NoError(t, err)
	_, err = f.eng.EnterOriginTracking(ctx, m.ID, "CN1")
	require.NoError(t, err)

	// The stage change committed but the process died before fanning out.
	require.NoError(t, f.st.InTx(ctx, func(tx store.Tx) error {
		mpo, err := tx.LockMPO(ctx, m.ID)
		if err != nil {
			return err
		}
		mpo.Status = domain.MPOShippedOrigin
		return tx.UpdateMPO(ctx, mpo)
	}))

	n, err := f.eng.ResumeLagging(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	n, err = f.eng.ResumeLagging(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	links, err := f.eng.Links(ctx, m.ID)
	require.NoError(t, err)
	for _, l := range links {
		assert.Equal(t, domain.MPOShippedOrigin, l.Stage)
		assert.Equal(t, domain.StatusShipped, f.order(t, l.OrderID).PaymentStatus)
	}
}

func TestCancelledOrderIsSkippedByFanOut(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.ledger.ReceiveStock(ctx, "X", 10)
	require.NoError(t, err)
	keep := f.paid(t, b2c("X", 1))
	drop := f.paid(t, b2c("X", 1))
	m := f.openMPO(t)
	_, err = f.eng.LinkPendingOrders(ctx, m.ID)
	require.NoError(t, err)
	_, err = f.eng.EnterOriginTracking(ctx, m.ID, "CN1")
	require.NoError(t, err)
	_, err = f.orders.Cancel(ctx, drop.ID, orders.CancelInput{ExpectedStatus: domain.StatusPaid, Reason: domain.ReleaseAdmin})
	require.NoError(t, err)

	res, err := f.eng.AdvanceStage(ctx, m.ID, domain.MPOShippedOrigin)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Updated)
	assert.Equal(t, domain.StatusShipped, f.order(t, keep.ID).PaymentStatus)
	assert.Equal(t, domain.StatusCancelled, f.order(t, drop.ID).PaymentStatus)

	n, err := f.eng.ResumeLagging(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestCloseRules(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.ledger.ReceiveStock(ctx, "X", 10)
	require.NoError(t, err)
	f.paid(t, b2c("X", 1))
	m := f.openMPO(t)
	_, err = f.eng.LinkPendingOrders(ctx, m.ID)
	require.NoError(t, err)

	_, err = f.eng.CloseMPO(ctx, m.ID)
	assert.True(t, apperr.IsKind(err, apperr.KindConflict))

	_, err = f.eng.EnterOriginTracking(ctx, m.ID, "CN1")
	require.NoError(t, err)
	_, err = f.eng.AdvanceStage(ctx, m.ID, domain.MPOArrivedHub)
	require.NoError(t, err)
	closed, err := f.eng.CloseMPO(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.MPOClosed, closed.Status)
	assert.NotNil(t, closed.CycleEndAt)

	again, err := f.eng.CloseMPO(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, closed.ClosedAt, again.ClosedAt)

	_, err = f.eng.AdvanceStage(ctx, m.ID, domain.MPOArrivedHub)
	assert.True(t, apperr.IsKind(err, apperr.KindConflict))
	_, err = f.eng.OpenMPO(ctx, m.ID)
	assert.True(t, apperr.IsKind(err, apperr.KindConflict))
}

func TestPickingManifest(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.ledger.ReceiveStock(ctx, "X", 10)
	require.NoError(t, err)
	_, err = f.ledger.ReceiveStock(ctx, "A", 10)
	require.NoError(t, err)

	in := b2c("X", 2)
	in.Lines = append(in.Lines, orders.LineInput{SKU: "A", Quantity: 1, UnitPriceCents: 100})
	m := f.openMPO(t)
	f.paid(t, in)
	_, err = f.eng.LinkPendingOrders(ctx, m.ID)
	require.NoError(t, err)
	f.paid(t, matched("X"))
	_, err = f.eng.LinkPendingOrders(ctx, m.ID)
	require.NoError(t, err)
	_, err = f.eng.EnterOriginTracking(ctx, m.ID, "CN1")
	require.NoError(t, err)

	man, err := f.eng.GeneratePickingManifest(ctx, m.ID)
	require.NoError(t, err)
	require.Len(t, man.Entries, 2)
	first := man.Entries[0]
	assert.Equal(t, domain.ChannelB2C, first.Channel)
	assert.Equal(t, []ManifestItem{{SKU: "A", Quantity: 1}, {SKU: "X", Quantity: 2}}, first.Items)
	assert.Equal(t, "ou/pv", first.Destination)
	second := man.Entries[1]
	assert.Equal(t, "Jean", second.ReferrerName)
	assert.Equal(t, "ou/pv/pp7", second.Destination)

	var buf bytes.Buffer
	require.NoError(t, f.eng.ExportPickingManifest(ctx, m.ID, &buf))
	wb, err := excelize.OpenReader(&buf)
	require.NoError(t, err)
	defer wb.Close()
	rows, err := wb.GetRows("Picking")
	require.NoError(t, err)
	require.Len(t, rows, 4)
	assert.Equal(t, "Customer", rows[0][0])
	assert.Equal(t, "A", rows[1][7])
	assert.Equal(t, "Jean", rows[3][3])

	labels, err := f.eng.Labels(ctx, m.ID)
	require.NoError(t, err)
	require.Len(t, labels, 2)
	assert.Equal(t, first.TrackingID, labels[0].TrackingID)
}

func TestWalletSplitsCreditOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.ledger.ReceiveStock(ctx, "X", 10)
	require.NoError(t, err)
	f.paid(t, matched("X"))
	f.paid(t, b2c("X", 1))
	m := f.openMPO(t)
	_, err = f.eng.LinkPendingOrders(ctx, m.ID)
	require.NoError(t, err)

	links, err := f.eng.Links(ctx, m.ID)
	require.NoError(t, err)
	eligible := f.clock.Add(48 * time.Hour)
	require.NoError(t, f.st.InTx(ctx, func(tx store.Tx) error {
		for _, l := range links {
			confirmed := f.clock
			l.DeliveryConfirmedAt = &confirmed
			l.EscrowReleaseEligibleAt = &eligible
			if err := tx.UpdateLink(ctx, &l); err != nil {
				return err
			}
		}
		return nil
	}))

	early, err := f.eng.ProcessDeliveryWalletSplits(ctx, m.ID)
	require.NoError(t, err)
	assert.Zero(t, early.Processed)

	f.clock = eligible
	res, err := f.eng.ProcessDeliveryWalletSplits(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, WalletResult{Processed: 1, Credits: 2, CreditedCents: 1000}, res)

	again, err := f.eng.ReleaseEligibleWallets(ctx)
	require.NoError(t, err)
	assert.Zero(t, again.Processed)

	seller, err := f.eng.WalletBalance(ctx, "seller-1")
	require.NoError(t, err)
	assert.Equal(t, int64(800), seller)
	ref, err := f.eng.WalletBalance(ctx, "ref-1")
	require.NoError(t, err)
	assert.Equal(t, int64(200), ref)

	var credited int
	for _, typ := range f.rec.Types() {
		if typ == events.EventWalletCredited {
			credited++
		}
	}
	assert.Equal(t, 2, credited)
}
