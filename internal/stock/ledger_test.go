package stock

import (
	"context"
	"testing"
	"time"

	"github.com/ariefcatur/marketplace-fulfillment/internal/apperr"
	"github.com/ariefcatur/marketplace-fulfillment/internal/domain"
	"github.com/ariefcatur/marketplace-fulfillment/internal/store"
	"github.com/ariefcatur/marketplace-fulfillment/internal/store/memory"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func newLedger(t *testing.T) (*Ledger, *memory.Store) {
	t.Helper()
	st := memory.New()
	l := NewLedger(st)
	l.Now = func() time.Time { return time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC) }
	return l, st
}

func allocate(t *testing.T, l *Ledger, st store.Store, sku string, qty int) (uuid.UUID, domain.StockAllocation) {
	t.Helper()
	orderID := uuid.New()
	var a domain.StockAllocation
	err := st.InTx(context.Background(), func(tx store.Tx) error {
		var err error
		a, err = l.Allocate(context.Background(), tx, orderID, domain.OrderLine{ID: uuid.New(), SKU: sku, Quantity: qty})
		return err
	})
	require.NoError(t, err)
	return orderID, a
}

func TestAllocateSourcesLocalThenPending(t *testing.T) {
	ctx := context.Background()
	l, st := newLedger(t)
	_, err := l.ReceiveStock(ctx, "X", 5)
	require.NoError(t, err)

	_, first := allocate(t, l, st, "X", 3)
	assert.Equal(t, 3, first.FromLocal)
	assert.Equal(t, 0, first.FromTransit)
	assert.Equal(t, 0, first.PendingPurchase)
	assert.Equal(t, domain.AllocationAllocated, first.Status)

	bal, err := l.AvailableBalance(ctx, "X")
	require.NoError(t, err)
	assert.Equal(t, 2, bal.Available)

	_, second := allocate(t, l, st, "X", 5)
	assert.Equal(t, 2, second.FromLocal)
	assert.Equal(t, 0, second.FromTransit)
	assert.Equal(t, 3, second.PendingPurchase)
	assert.Equal(t, domain.AllocationPartial, second.Status)

	bal, err = l.AvailableBalance(ctx, "X")
	require.NoError(t, err)
	assert.Equal(t, 0, bal.Available)
	assert.Equal(t, 3, bal.PendingPurchase)
}

func TestAllocateUsesTransitAfterLocal(t *testing.T) {
	ctx := context.Background()
	l, st := newLedger(t)
	_, err := l.ReceiveStock(ctx, "Y", 1)
	require.NoError(t, err)
	_, err = l.AddInTransit(ctx, "Y", 2, l.Now().Add(72*time.Hour), "DHL-1")
	require.NoError(t, err)

	_, a := allocate(t, l, st, "Y", 4)
	assert.Equal(t, 1, a.FromLocal)
	assert.Equal(t, 2, a.FromTransit)
	assert.Equal(t, 1, a.PendingPurchase)
}

func TestReleaseIsIdempotent(t *testing.T) {
	ctx := context.Background()
	l, st := newLedger(t)
	_, err := l.ReceiveStock(ctx, "X", 2)
	require.NoError(t, err)
	orderID, _ := allocate(t, l, st, "X", 4)

	var released int
	require.NoError(t, st.InTx(ctx, func(tx store.Tx) error {
		released, err = l.Release(ctx, tx, orderID)
		return err
	}))
	assert.Equal(t, 4, released)

	require.NoError(t, st.InTx(ctx, func(tx store.Tx) error {
		released, err = l.Release(ctx, tx, orderID)
		return err
	}))
	assert.Zero(t, released)

	bal, err := l.AvailableBalance(ctx, "X")
	require.NoError(t, err)
	assert.Equal(t, 2, bal.Available)
	assert.Zero(t, bal.PendingPurchase)
}

func TestArriveTransitMovesHolds(t *testing.T) {
	ctx := context.Background()
	l, st := newLedger(t)
	b, err := l.AddInTransit(ctx, "Z", 3, l.Now().Add(24*time.Hour), "")
	require.NoError(t, err)
	orderID, a := allocate(t, l, st, "Z", 2)
	require.Equal(t, 2, a.FromTransit)

	bal, err := l.ArriveTransit(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, bal.OnHand)
	assert.Zero(t, bal.InTransit)
	assert.Equal(t, 1, bal.Available)

	again, err := l.ArriveTransit(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, bal, again)

	// the hold that came from transit now comes off local
	require.NoError(t, st.InTx(ctx, func(tx store.Tx) error {
		_, err := l.Consume(ctx, tx, orderID)
		return err
	}))
	bal, err = l.AvailableBalance(ctx, "Z")
	require.NoError(t, err)
	assert.Equal(t, 1, bal.OnHand)
	assert.Zero(t, bal.Allocated)
}

func TestArriveTransitUnknownBatch(t *testing.T) {
	l, _ := newLedger(t)
	_, err := l.ArriveTransit(context.Background(), uuid.New())
	assert.True(t, apperr.IsKind(err, apperr.KindNotFound))
}

func TestCloseShortfallConvertsPendingToLocal(t *testing.T) {
	ctx := context.Background()
	l, st := newLedger(t)
	orderID, a := allocate(t, l, st, "P", 3)
	require.Equal(t, 3, a.PendingPurchase)

	var closed int
	require.NoError(t, st.InTx(ctx, func(tx store.Tx) error {
		var err error
		closed, err = l.CloseShortfall(ctx, tx, orderID)
		return err
	}))
	assert.Equal(t, 3, closed)

	bal, err := l.AvailableBalance(ctx, "P")
	require.NoError(t, err)
	assert.Equal(t, 3, bal.OnHand)
	assert.Equal(t, 3, bal.Allocated)
	assert.Zero(t, bal.PendingPurchase)
	assert.Zero(t, bal.Available)
}

func TestConcurrentAllocationOfLastUnit(t *testing.T) {
	ctx := context.Background()
	l, st := newLedger(t)
	_, err := l.ReceiveStock(ctx, "LAST", 1)
	require.NoError(t, err)

	results := make([]domain.StockAllocation, 2)
	var g errgroup.Group
	for i := range results {
		i := i
		g.Go(func() error {
			return st.InTx(ctx, func(tx store.Tx) error {
				a, err := l.Allocate(ctx, tx, uuid.New(), domain.OrderLine{ID: uuid.New(), SKU: "LAST", Quantity: 1})
				results[i] = a
				return err
			})
		})
	}
	require.NoError(t, g.Wait())

	full := 0
	for _, a := range results {
		if a.Status == domain.AllocationAllocated {
			full++
			assert.Equal(t, 1, a.FromLocal)
		} else {
			assert.Zero(t, a.FromLocal+a.FromTransit)
			assert.Equal(t, 1, a.PendingPurchase)
		}
	}
	assert.Equal(t, 1, full)

	bal, err := l.AvailableBalance(ctx, "LAST")
	require.NoError(t, err)
	assert.Zero(t, bal.Available)
}

func TestReceiveStockValidates(t *testing.T) {
	l, _ := newLedger(t)
	_, err := l.ReceiveStock(context.Background(), "", 1)
	assert.Equal(t, "sku", apperr.FieldOf(err))
	_, err = l.ReceiveStock(context.Background(), "X", 0)
	assert.Equal(t, "qty", apperr.FieldOf(err))
}

func TestSnapshotTreatsUnknownAsZero(t *testing.T) {
	ctx := context.Background()
	l, _ := newLedger(t)
	_, err := l.ReceiveStock(ctx, "B", 4)
	require.NoError(t, err)
	_, err = l.ReceiveStock(ctx, "A", 1)
	require.NoError(t, err)

	all, err := l.Snapshot(ctx, nil)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "A", all[0].SKU)

	some, err := l.Snapshot(ctx, []string{"NOPE", "B"})
	require.NoError(t, err)
	assert.Equal(t, Balance{SKU: "NOPE"}, some[0])
	assert.Equal(t, 4, some[1].Available)
}
