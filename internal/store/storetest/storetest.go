// Package storetest holds the behaviour every store.Store implementation
// must share. Implementations call Run from their own tests.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/ariefcatur/marketplace-fulfillment/internal/domain"
	"github.com/ariefcatur/marketplace-fulfillment/internal/store"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

// Open returns an empty store for one subtest.
type Open func(t *testing.T) store.Store

var epoch = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

// Run executes the contract against stores produced by open.
func Run(t *testing.T, open Open) {
	t.Run("ReadyToBatchZeroLimitReturnsAll", func(t *testing.T) { readyToBatchZeroLimit(t, open(t)) })
	t.Run("ReadyToBatchLimitAndOrder", func(t *testing.T) { readyToBatchLimit(t, open(t)) })
	t.Run("ExpiredReservationsZeroLimit", func(t *testing.T) { expiredZeroLimit(t, open(t)) })
	t.Run("SecondOpenMPOConflicts", func(t *testing.T) { secondOpenMPO(t, open(t)) })
	t.Run("LinkAndWalletInsertsAreIdempotent", func(t *testing.T) { idempotentInserts(t, open(t)) })
	t.Run("LinksBehindZeroLimit", func(t *testing.T) { linksBehindZeroLimit(t, open(t)) })
	t.Run("LockStockSerializesWriters", func(t *testing.T) { lockStockSerializes(t, open(t)) })
	t.Run("ErrorRollsBack", func(t *testing.T) { errorRollsBack(t, open(t)) })
}

// SeedOrder inserts an order with one line of sku.
func SeedOrder(t *testing.T, st store.Store, status domain.PaymentStatus, sku string, createdAt time.Time) *domain.Order {
	t.Helper()
	id := uuid.New()
	o := &domain.Order{
		ID:                id,
		Channel:           domain.ChannelB2C,
		BuyerID:           "buyer-" + id.String()[:8],
		TotalCents:        1000,
		TotalQuantity:     1,
		PaymentStatus:     status,
		FulfillmentStatus: domain.FulfillmentUnbatched,
		Details:           domain.B2CDetails{},
		Lines: []domain.OrderLine{{
			ID: uuid.New(), OrderID: id, SKU: sku, Quantity: 1, UnitPriceCents: 1000, SubtotalCents: 1000,
		}},
		CreatedAt: createdAt,
		UpdatedAt: createdAt,
	}
	if status.AwaitingPayment() {
		exp := createdAt.Add(30 * time.Minute)
		o.ReservedAt, o.ReservationExpiresAt = &createdAt, &exp
	}
	require.NoError(t, st.InTx(context.Background(), func(tx store.Tx) error {
		return tx.InsertOrder(context.Background(), o)
	}))
	return o
}

func newMPO(status domain.MPOStatus) *domain.MasterPurchaseOrder {
	return &domain.MasterPurchaseOrder{
		ID:           uuid.New(),
		Status:       status,
		CycleStartAt: epoch,
		CreatedAt:    epoch,
		UpdatedAt:    epoch,
	}
}

func newLink(mpoID uuid.UUID, o *domain.Order, stage domain.MPOStatus, at time.Time) *domain.OrderLink {
	return &domain.OrderLink{
		ID:           uuid.New(),
		MPOID:        mpoID,
		OrderID:      o.ID,
		Channel:      o.Channel,
		DeliveryMode: domain.DeliveryHome,
		UnitCount:    1,
		AmountCents:  o.TotalCents,
		Stage:        stage,
		CreatedAt:    at,
		UpdatedAt:    at,
	}
}

func readyToBatchZeroLimit(t *testing.T, st store.Store) {
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		SeedOrder(t, st, domain.StatusPaid, "A", epoch.Add(time.Duration(i)*time.Minute))
	}
	SeedOrder(t, st, domain.StatusPending, "A", epoch)

	require.NoError(t, st.InTx(ctx, func(tx store.Tx) error {
		got, err := tx.OrdersReadyToBatch(ctx, 0)
		require.NoError(t, err)
		assert.Len(t, got, 3, "limit 0 means every paid unlinked order")
		return nil
	}))
}

func readyToBatchLimit(t *testing.T, st store.Store) {
	ctx := context.Background()
	first := SeedOrder(t, st, domain.StatusPaid, "A", epoch)
	second := SeedOrder(t, st, domain.StatusPaid, "A", epoch.Add(time.Minute))
	SeedOrder(t, st, domain.StatusPaid, "A", epoch.Add(2*time.Minute))

	m := newMPO(domain.MPOOpen)
	require.NoError(t, st.InTx(ctx, func(tx store.Tx) error {
		if err := tx.InsertMPO(ctx, m); err != nil {
			return err
		}
		_, err := tx.InsertLink(ctx, newLink(m.ID, first, domain.MPOOpen, epoch))
		return err
	}))

	require.NoError(t, st.InTx(ctx, func(tx store.Tx) error {
		got, err := tx.OrdersReadyToBatch(ctx, 1)
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, second.ID, got[0].ID, "oldest unlinked first")
		require.Len(t, got[0].Lines, 1)
		assert.Equal(t, "A", got[0].Lines[0].SKU)
		return nil
	}))
}

func expiredZeroLimit(t *testing.T, st store.Store) {
	ctx := context.Background()
	SeedOrder(t, st, domain.StatusPending, "A", epoch)
	SeedOrder(t, st, domain.StatusPending, "A", epoch.Add(time.Minute))
	SeedOrder(t, st, domain.StatusPending, "A", epoch.Add(2*time.Hour))

	require.NoError(t, st.InTx(ctx, func(tx store.Tx) error {
		ids, err := tx.ExpiredReservations(ctx, epoch.Add(time.Hour), 0)
		require.NoError(t, err)
		assert.Len(t, ids, 2)
		return nil
	}))
}

func secondOpenMPO(t *testing.T, st store.Store) {
	ctx := context.Background()
	first := newMPO(domain.MPODraft)
	require.NoError(t, st.InTx(ctx, func(tx store.Tx) error { return tx.InsertMPO(ctx, first) }))
	assert.Positive(t, first.Number)

	err := st.InTx(ctx, func(tx store.Tx) error { return tx.InsertMPO(ctx, newMPO(domain.MPOOpen)) })
	assert.ErrorIs(t, err, store.ErrOpenMPOExists)

	require.NoError(t, st.InTx(ctx, func(tx store.Tx) error {
		m, err := tx.LockMPO(ctx, first.ID)
		if err != nil {
			return err
		}
		m.Status = domain.MPOClosed
		closed := epoch.Add(time.Hour)
		m.ClosedAt = &closed
		return tx.UpdateMPO(ctx, m)
	}))

	next := newMPO(domain.MPODraft)
	require.NoError(t, st.InTx(ctx, func(tx store.Tx) error { return tx.InsertMPO(ctx, next) }))
	assert.Greater(t, next.Number, first.Number)
}

func idempotentInserts(t *testing.T, st store.Store) {
	ctx := context.Background()
	o := SeedOrder(t, st, domain.StatusPaid, "A", epoch)
	m := newMPO(domain.MPOOpen)
	link := newLink(m.ID, o, domain.MPOOpen, epoch)

	require.NoError(t, st.InTx(ctx, func(tx store.Tx) error {
		if err := tx.InsertMPO(ctx, m); err != nil {
			return err
		}
		inserted, err := tx.InsertLink(ctx, link)
		require.NoError(t, err)
		assert.True(t, inserted)

		again, err := tx.InsertLink(ctx, newLink(m.ID, o, domain.MPOOpen, epoch))
		require.NoError(t, err)
		assert.False(t, again, "an order links once")
		return nil
	}))

	credit := func() error {
		return st.InTx(ctx, func(tx store.Tx) error {
			return tx.CreditWallet(ctx, &domain.WalletEntry{
				ID: uuid.New(), PartyID: "seller-1", Role: "seller",
				LinkID: link.ID, OrderID: o.ID, AmountCents: 900, CreatedAt: epoch,
			})
		})
	}
	require.NoError(t, credit())
	require.NoError(t, credit())

	require.NoError(t, st.InTx(ctx, func(tx store.Tx) error {
		bal, err := tx.WalletBalance(ctx, "seller-1")
		require.NoError(t, err)
		assert.EqualValues(t, 900, bal, "a split credits a party once per link")
		links, err := tx.ListLinks(ctx, m.ID)
		require.NoError(t, err)
		assert.Len(t, links, 1)
		return nil
	}))
}

func linksBehindZeroLimit(t *testing.T, st store.Store) {
	ctx := context.Background()
	m := newMPO(domain.MPOOpen)
	require.NoError(t, st.InTx(ctx, func(tx store.Tx) error { return tx.InsertMPO(ctx, m) }))
	for i := 0; i < 3; i++ {
		o := SeedOrder(t, st, domain.StatusPaid, "A", epoch.Add(time.Duration(i)*time.Minute))
		stage := domain.MPOOriginTrackingEntered
		if i == 2 {
			stage = domain.MPOShippedOrigin
		}
		require.NoError(t, st.InTx(ctx, func(tx store.Tx) error {
			_, err := tx.InsertLink(ctx, newLink(m.ID, o, stage, o.CreatedAt))
			return err
		}))
	}

	require.NoError(t, st.InTx(ctx, func(tx store.Tx) error {
		behind, err := tx.LockLinksBehind(ctx, m.ID, domain.MPOShippedOrigin, 0)
		require.NoError(t, err)
		assert.Len(t, behind, 2)
		one, err := tx.LockLinksBehind(ctx, m.ID, domain.MPOShippedOrigin, 1)
		require.NoError(t, err)
		assert.Len(t, one, 1)
		return nil
	}))
}

func lockStockSerializes(t *testing.T, st store.Store) {
	ctx := context.Background()
	const writers, rounds = 4, 10

	var g errgroup.Group
	for w := 0; w < writers; w++ {
		w := w
		g.Go(func() error {
			for i := 0; i < rounds; i++ {
				err := st.InTx(ctx, func(tx store.Tx) error {
					r, err := tx.LockStock(ctx, "HOT")
					if err != nil {
						return err
					}
					r.OnHand++
					r.UpdatedAt = epoch
					return tx.SaveStock(ctx, r)
				})
				if err != nil {
					return fmt.Errorf("writer %d: %w", w, err)
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	require.NoError(t, st.InTx(ctx, func(tx store.Tx) error {
		recs, err := tx.GetStock(ctx, []string{"HOT"})
		require.NoError(t, err)
		assert.Equal(t, writers*rounds, recs["HOT"].OnHand, "no lost update")
		return nil
	}))
}

func errorRollsBack(t *testing.T, st store.Store) {
	ctx := context.Background()
	boom := errors.New("boom")
	id := uuid.New()

	err := st.InTx(ctx, func(tx store.Tx) error {
		r, err := tx.LockStock(ctx, "R")
		if err != nil {
			return err
		}
		r.OnHand = 7
		if err := tx.SaveStock(ctx, r); err != nil {
			return err
		}
		if err := tx.InsertOrder(ctx, &domain.Order{
			ID: id, Channel: domain.ChannelB2C, BuyerID: "b", PaymentStatus: domain.StatusPlaced,
			Details: domain.B2CDetails{}, CreatedAt: epoch, UpdatedAt: epoch,
		}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	require.NoError(t, st.InTx(ctx, func(tx store.Tx) error {
		_, err := tx.GetOrder(ctx, id)
		assert.ErrorIs(t, err, store.ErrNotFound)
		recs, err := tx.GetStock(ctx, []string{"R"})
		require.NoError(t, err)
		assert.Zero(t, recs["R"].OnHand)
		return nil
	}))
}
