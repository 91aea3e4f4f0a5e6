package orders

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/ariefcatur/marketplace-fulfillment/internal/apperr"
	"github.com/ariefcatur/marketplace-fulfillment/internal/domain"
	"github.com/ariefcatur/marketplace-fulfillment/internal/events"
	"github.com/ariefcatur/marketplace-fulfillment/internal/stock"
	"github.com/ariefcatur/marketplace-fulfillment/internal/store"
	"github.com/ariefcatur/marketplace-fulfillment/internal/store/memory"
	"github.com/ariefcatur/marketplace-fulfillment/internal/tracking"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	svc    *Service
	st     *memory.Store
	ledger *stock.Ledger
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
	f.svc = &Service{
		Store:  f.st,
		Ledger: f.ledger,
		Events: events.Emitter{Pub: f.rec, Producer: "test"},
		Codes:  codes,
		Window: 30 * time.Minute,
		Now:    now,
	}
	return f
}

func b2cInput(buyer string, lines ...LineInput) PlaceOrderInput {
	return PlaceOrderInput{
		Channel:  domain.ChannelB2C,
		BuyerID:  buyer,
		Lines:    lines,
		Shipping: &domain.ShippingAddress{RecipientName: "Ana", Phone: "+50900000000", DepartmentCode: "OU", CommuneCode: "PV"},
	}
}

func (f *fixture) place(t *testing.T, in PlaceOrderInput) Placed {
	t.Helper()
	p, err := f.svc.PlaceOrder(context.Background(), in)
	require.NoError(t, err)
	return p
}

func (f *fixture) available(t *testing.T, sku string) int {
	t.Helper()
	b, err := f.ledger.AvailableBalance(context.Background(), sku)
	require.NoError(t, err)
	return b.Available
}

func TestPlaceOrderAllocatesAndHidesCode(t *testing.T) {
	f := newFixture(t)
	_, err := f.ledger.ReceiveStock(context.Background(), "X", 5)
	require.NoError(t, err)

	p := f.place(t, b2cInput("buyer-1", LineInput{SKU: "X", Quantity: 3, UnitPriceCents: 1500}))
	assert.Equal(t, domain.StatusPlaced, p.Order.PaymentStatus)
	assert.Equal(t, int64(4500), p.Order.TotalCents)
	assert.Len(t, p.CustomerCode, 6)
	assert.Equal(t, f.svc.Codes.Digest(p.CustomerCode), p.Order.CustomerCodeDigest)
	require.Len(t, p.Allocations, 1)
	assert.Equal(t, 3, p.Allocations[0].FromLocal)
	assert.Equal(t, 2, f.available(t, "X"))
	assert.Equal(t, []string{events.EventOrderPlaced}, f.rec.Types())
}

func TestPlaceOrderExternalIDIsIdempotent(t *testing.T) {
	f := newFixture(t)
	in := b2cInput("buyer-1", LineInput{SKU: "X", Quantity: 1})
	in.ExternalID = "cart-77"

	first := f.place(t, in)
	second := f.place(t, in)
	assert.True(t, second.Existing)
	assert.Equal(t, first.Order.ID, second.Order.ID)
	assert.Empty(t, second.CustomerCode)

	bal, err := f.ledger.AvailableBalance(context.Background(), "X")
	require.NoError(t, err)
	assert.Equal(t, 1, bal.PendingPurchase)
}

func TestPlaceOrderValidation(t *testing.T) {
	f := newFixture(t)
	cases := map[string]struct {
		in    PlaceOrderInput
		field string
	}{
		"channel":   {in: PlaceOrderInput{Channel: "retail"}, field: "channel"},
		"buyer":     {in: PlaceOrderInput{Channel: domain.ChannelB2C}, field: "buyer_id"},
		"no lines":  {in: b2cInput("b"), field: "lines"},
		"zero qty":  {in: b2cInput("b", LineInput{SKU: "X"}), field: "lines"},
		"neg price": {in: b2cInput("b", LineInput{SKU: "X", Quantity: 1, UnitPriceCents: -1}), field: "lines"},
		"b2b company": {in: func() PlaceOrderInput {
			in := b2cInput("b", LineInput{SKU: "X", Quantity: 1})
			in.Channel = domain.ChannelB2B
			return in
		}(), field: "b2b.company_name"},
		"pickup code": {in: func() PlaceOrderInput {
			in := b2cInput("b", LineInput{SKU: "X", Quantity: 1})
			in.DeliveryMode = domain.DeliveryPickupPoint
			return in
		}(), field: "shipping_address.pickup_point_code"},
		"splits exceed total": {in: func() PlaceOrderInput {
			in := b2cInput("b", LineInput{SKU: "X", Quantity: 1, UnitPriceCents: 100})
			in.Channel = domain.ChannelMatchedSale
			in.MatchedSale = &domain.MatchedSaleDetails{ReferrerID: "r1", Splits: []domain.WalletSplit{{PartyID: "s", Role: "seller", AmountCents: 101}}}
			return in
		}(), field: "matched_sale.splits"},
		"subtotal overflow": {in: b2cInput("b", LineInput{SKU: "X", Quantity: 2, UnitPriceCents: math.MaxInt64/2 + 1}), field: "lines"},
		"total overflow": {in: b2cInput("b",
			LineInput{SKU: "X", Quantity: 1, UnitPriceCents: math.MaxInt64/2 + 1},
			LineInput{SKU: "Y", Quantity: 1, UnitPriceCents: math.MaxInt64/2 + 1},
		), field: "lines"},
		"quantity overflow": {in: b2cInput("b",
			LineInput{SKU: "X", Quantity: math.MaxInt32},
			LineInput{SKU: "Y", Quantity: 1},
		), field: "lines"},
		"splits overflow": {in: func() PlaceOrderInput {
			in := b2cInput("b", LineInput{SKU: "X", Quantity: 1, UnitPriceCents: 100})
			in.Channel = domain.ChannelMatchedSale
			in.MatchedSale = &domain.MatchedSaleDetails{ReferrerID: "r1", Splits: []domain.WalletSplit{
				{PartyID: "s", Role: "seller", AmountCents: math.MaxInt64},
				{PartyID: "r", Role: "referrer", AmountCents: math.MaxInt64},
			}}
			return in
		}(), field: "matched_sale.splits"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := f.svc.PlaceOrder(context.Background(), tc.in)
			require.Error(t, err)
			assert.True(t, apperr.IsKind(err, apperr.KindValidation))
			assert.Equal(t, tc.field, apperr.FieldOf(err))
		})
	}
}

func TestB2BBreakdownDerivedFromLines(t *testing.T) {
	f := newFixture(t)
	in := b2cInput("b", LineInput{SKU: "A", StoreID: "s1", Quantity: 2, UnitPriceCents: 10}, LineInput{SKU: "B", StoreID: "s1", Quantity: 1, UnitPriceCents: 5})
	in.Channel = domain.ChannelB2B
	in.B2B = &domain.B2BDetails{CompanyName: "Acme"}
	p := f.place(t, in)

	d, ok := p.Order.Details.(domain.B2BDetails)
	require.True(t, ok)
	require.Len(t, d.ItemsByStore, 1)
	assert.Equal(t, 3, d.ItemsByStore[0].Quantity)
	assert.Equal(t, int64(25), d.ItemsByStore[0].SubtotalCents)
}

func TestCheckoutAndConfirmIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.place(t, b2cInput("buyer-1", LineInput{SKU: "X", Quantity: 1}))

	o, err := f.svc.StartCheckout(ctx, p.Order.ID, domain.MethodCard)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, o.PaymentStatus)
	assert.True(t, o.StockReserved)
	require.NotNil(t, o.ReservationExpiresAt)
	assert.Equal(t, f.clock.Add(30*time.Minute), *o.ReservationExpiresAt)

	locked, err := f.svc.IsCartLocked(ctx, "buyer-1")
	require.NoError(t, err)
	assert.True(t, locked)

	o, err = f.svc.ConfirmPayment(ctx, p.Order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPaid, o.PaymentStatus)
	assert.Nil(t, o.ReservationExpiresAt)
	assert.False(t, o.StockReserved)

	again, err := f.svc.ConfirmPayment(ctx, p.Order.ID)
	require.NoError(t, err)
	assert.Equal(t, o, again)
	assert.Equal(t, []string{events.EventOrderPlaced, events.EventCheckoutStarted, events.EventOrderPaid}, f.rec.Types())

	locked, err = f.svc.IsCartLocked(ctx, "buyer-1")
	require.NoError(t, err)
	assert.False(t, locked)
}

func TestManualPaymentNeedsReference(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.place(t, b2cInput("b", LineInput{SKU: "X", Quantity: 1}))

	o, err := f.svc.StartCheckout(ctx, p.Order.ID, domain.MethodMobileMoney)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPendingValidation, o.PaymentStatus)

	_, err = f.svc.ConfirmPayment(ctx, p.Order.ID)
	assert.Equal(t, "payment_reference", apperr.FieldOf(err))

	_, err = f.svc.SubmitPaymentReference(ctx, p.Order.ID, "  MM-4411 ")
	require.NoError(t, err)
	o, err = f.svc.ConfirmPayment(ctx, p.Order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPaid, o.PaymentStatus)
	assert.Equal(t, "MM-4411", o.PaymentReference)
}

func TestReferenceRejectedForCardPayments(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.place(t, b2cInput("b", LineInput{SKU: "X", Quantity: 1}))
	_, err := f.svc.StartCheckout(ctx, p.Order.ID, domain.MethodCard)
	require.NoError(t, err)

	_, err = f.svc.SubmitPaymentReference(ctx, p.Order.ID, "REF")
	assert.True(t, apperr.IsKind(err, apperr.KindValidation))
}

func TestLazyExpiryOnRead(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.ledger.ReceiveStock(ctx, "X", 5)
	require.NoError(t, err)
	p := f.place(t, b2cInput("b", LineInput{SKU: "X", Quantity: 3}))
	_, err = f.svc.StartCheckout(ctx, p.Order.ID, domain.MethodCard)
	require.NoError(t, err)
	require.Equal(t, 2, f.available(t, "X"))

	f.clock = f.clock.Add(31 * time.Minute)
	o, err := f.svc.GetOrder(ctx, p.Order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusExpired, o.PaymentStatus)
	assert.Equal(t, 5, f.available(t, "X"))
	require.Len(t, o.Metadata.StockReleases, 1)
	assert.Equal(t, domain.ReleaseTimeout, o.Metadata.StockReleases[0].Reason)
	assert.Equal(t, 3, o.Metadata.StockReleases[0].Quantity)

	// a second expiry attempt finds nothing to do
	ok, err := f.svc.Expire(ctx, p.Order.ID)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 5, f.available(t, "X"))
}

func TestSweepExpiresOnlyLapsedOrders(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	early := f.place(t, b2cInput("a", LineInput{SKU: "X", Quantity: 1}))
	_, err := f.svc.StartCheckout(ctx, early.Order.ID, domain.MethodCard)
	require.NoError(t, err)

	f.clock = f.clock.Add(20 * time.Minute)
	late := f.place(t, b2cInput("b", LineInput{SKU: "X", Quantity: 1}))
	_, err = f.svc.StartCheckout(ctx, late.Order.ID, domain.MethodBankTransfer)
	require.NoError(t, err)

	f.clock = f.clock.Add(15 * time.Minute)
	n, err := f.svc.ExpireReservations(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = f.svc.ExpireReservations(ctx, 100)
	require.NoError(t, err)
	assert.Zero(t, n)

	o, err := f.svc.GetOrder(ctx, late.Order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPendingValidation, o.PaymentStatus)
}

func TestConfirmAfterWindowIsConflict(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.place(t, b2cInput("b", LineInput{SKU: "X", Quantity: 1}))
	_, err := f.svc.StartCheckout(ctx, p.Order.ID, domain.MethodCard)
	require.NoError(t, err)

	f.clock = f.clock.Add(time.Hour)
	_, err = f.svc.ConfirmPayment(ctx, p.Order.ID)
	assert.True(t, apperr.IsKind(err, apperr.KindConflict))
}

func TestCancelRaceWithPaymentIsConflict(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.place(t, b2cInput("b", LineInput{SKU: "X", Quantity: 1}))
	_, err := f.svc.StartCheckout(ctx, p.Order.ID, domain.MethodCard)
	require.NoError(t, err)
	_, err = f.svc.ConfirmPayment(ctx, p.Order.ID)
	require.NoError(t, err)

	_, err = f.svc.Cancel(ctx, p.Order.ID, CancelInput{ExpectedStatus: domain.StatusPending, Reason: domain.ReleaseUser})
	require.Error(t, err)
	assert.ErrorIs(t, err, apperr.ErrConflict)

	o, err := f.svc.GetOrder(ctx, p.Order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPaid, o.PaymentStatus)
}

func TestCancelPaidRestoresCart(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.ledger.ReceiveStock(ctx, "X", 2)
	require.NoError(t, err)
	p := f.place(t, b2cInput("b", LineInput{SKU: "X", VariantID: "red", Quantity: 2, UnitPriceCents: 700}))
	_, err = f.svc.StartCheckout(ctx, p.Order.ID, domain.MethodCard)
	require.NoError(t, err)
	_, err = f.svc.ConfirmPayment(ctx, p.Order.ID)
	require.NoError(t, err)

	o, err := f.svc.Cancel(ctx, p.Order.ID, CancelInput{ExpectedStatus: domain.StatusPaid, Reason: domain.ReleaseAdmin, Actor: "ops-1"})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, o.PaymentStatus)
	assert.True(t, o.Metadata.ItemsRestored)
	require.NotNil(t, o.Metadata.Cancellation)
	assert.Equal(t, domain.StatusPaid, o.Metadata.Cancellation.PreviousStatus)
	assert.Equal(t, int64(1400), o.TotalCents)
	assert.Equal(t, 2, f.available(t, "X"))

	var cart []domain.CartLine
	require.NoError(t, f.st.InTx(ctx, func(tx store.Tx) error {
		cart, err = tx.OpenCartLines(ctx)
		return err
	}))
	require.Len(t, cart, 1)
	assert.Equal(t, "red", cart[0].VariantID)
	require.NotNil(t, cart[0].RestoredFromOrder)
	assert.Equal(t, p.Order.ID, *cart[0].RestoredFromOrder)

	// cancelling again is a no-op
	_, err = f.svc.Cancel(ctx, p.Order.ID, CancelInput{ExpectedStatus: domain.StatusPaid, Reason: domain.ReleaseAdmin})
	require.NoError(t, err)
	require.NoError(t, f.st.InTx(ctx, func(tx store.Tx) error {
		cart, err = tx.OpenCartLines(ctx)
		return err
	}))
	assert.Len(t, cart, 1)
}

func TestCancelUnpaidDoesNotRestore(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.place(t, b2cInput("b", LineInput{SKU: "X", Quantity: 1}))
	o, err := f.svc.Cancel(ctx, p.Order.ID, CancelInput{ExpectedStatus: domain.StatusPlaced, Reason: domain.ReleaseUser})
	require.NoError(t, err)
	assert.False(t, o.Metadata.ItemsRestored)
	assert.Equal(t, domain.ReleaseUser, o.Metadata.StockReleases[0].Reason)
}

func TestCancelShippedReleasesAndRestores(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.ledger.ReceiveStock(ctx, "X", 3)
	require.NoError(t, err)
	p := f.place(t, b2cInput("b", LineInput{SKU: "X", Quantity: 3, UnitPriceCents: 100}))
	_, err = f.svc.StartCheckout(ctx, p.Order.ID, domain.MethodCard)
	require.NoError(t, err)
	_, err = f.svc.ConfirmPayment(ctx, p.Order.ID)
	require.NoError(t, err)
	require.NoError(t, f.st.InTx(ctx, func(tx store.Tx) error {
		_, err := f.svc.AdvanceFulfillment(ctx, tx, p.Order.ID, domain.MPOShippedOrigin, f.clock)
		return err
	}))
	require.Zero(t, f.available(t, "X"))

	o, err := f.svc.Cancel(ctx, p.Order.ID, CancelInput{ExpectedStatus: domain.StatusShipped, Reason: domain.ReleaseAdmin})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, o.PaymentStatus)
	assert.True(t, o.Metadata.ItemsRestored)
	assert.Equal(t, domain.StatusShipped, o.Metadata.Cancellation.PreviousStatus)
	assert.Equal(t, 3, f.available(t, "X"))

	require.NoError(t, f.st.InTx(ctx, func(tx store.Tx) error {
		_, err := f.svc.DeliverInTx(ctx, tx, p.Order.ID, f.clock)
		assert.True(t, apperr.IsKind(err, apperr.KindConflict))
		return nil
	}))
}

func TestFailRetryCheckoutReallocates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.ledger.ReceiveStock(ctx, "X", 1)
	require.NoError(t, err)
	p := f.place(t, b2cInput("b", LineInput{SKU: "X", Quantity: 1}))
	_, err = f.svc.StartCheckout(ctx, p.Order.ID, domain.MethodCard)
	require.NoError(t, err)
	require.Zero(t, f.available(t, "X"))

	o, err := f.svc.FailPayment(ctx, p.Order.ID, "card declined")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, o.PaymentStatus)
	assert.Equal(t, "card declined", o.Metadata.PaymentFailure)
	assert.Equal(t, 1, f.available(t, "X"))

	o, err = f.svc.RetryPayment(ctx, p.Order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDraft, o.PaymentStatus)
	assert.Empty(t, o.PaymentMethod)
	assert.Equal(t, 1, f.available(t, "X"))

	_, err = f.svc.StartCheckout(ctx, p.Order.ID, domain.MethodCard)
	require.NoError(t, err)
	assert.Zero(t, f.available(t, "X"))
}

func TestIllegalTransitions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.place(t, b2cInput("b", LineInput{SKU: "X", Quantity: 1}))

	_, err := f.svc.ConfirmPayment(ctx, p.Order.ID)
	assert.Equal(t, "payment_status", apperr.FieldOf(err))

	_, err = f.svc.RetryPayment(ctx, p.Order.ID)
	assert.True(t, apperr.IsKind(err, apperr.KindValidation))

	_, err = f.svc.StartCheckout(ctx, p.Order.ID, "cash")
	assert.Equal(t, "method", apperr.FieldOf(err))

	_, err = f.svc.GetOrder(ctx, uuid.New())
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestAdvanceFulfillmentAndDeliver(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.place(t, b2cInput("b", LineInput{SKU: "X", Quantity: 2}))
	_, err := f.svc.StartCheckout(ctx, p.Order.ID, domain.MethodCard)
	require.NoError(t, err)
	_, err = f.svc.ConfirmPayment(ctx, p.Order.ID)
	require.NoError(t, err)

	require.NoError(t, f.st.InTx(ctx, func(tx store.Tx) error {
		_, err := f.svc.AdvanceFulfillment(ctx, tx, p.Order.ID, domain.MPOArrivedHub, f.clock)
		return err
	}))
	o, err := f.svc.GetOrder(ctx, p.Order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusShipped, o.PaymentStatus)
	assert.Equal(t, domain.FulfillmentStatus(domain.MPOArrivedHub), o.FulfillmentStatus)

	bal, err := f.ledger.AvailableBalance(ctx, "X")
	require.NoError(t, err)
	assert.Equal(t, 2, bal.OnHand)
	assert.Zero(t, bal.PendingPurchase)

	require.NoError(t, f.st.InTx(ctx, func(tx store.Tx) error {
		_, err := f.svc.DeliverInTx(ctx, tx, p.Order.ID, f.clock)
		return err
	}))
	o, err = f.svc.GetOrder(ctx, p.Order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDelivered, o.PaymentStatus)
	bal, err = f.ledger.AvailableBalance(ctx, "X")
	require.NoError(t, err)
	assert.Zero(t, bal.OnHand)
	assert.Zero(t, bal.Allocated)
}
